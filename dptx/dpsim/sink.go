// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dpsim

import (
	"sync"

	"github.com/go-lpc/dplink/dpcd"
)

const (
	ddcAddr    = 0x50
	ddcSegAddr = 0x30
)

// Link is a lanes/rate pair written by the source to the sink link
// configuration registers.
type Link struct {
	Lanes int
	Rate  dpcd.Rate
}

// TrainingState is the link training state seen by the sink when the
// source reads the lane status.
type TrainingState struct {
	Link    Link
	Pattern byte // TRAINING_PATTERN_SET, pattern bits only
	Vswing  [4]uint8
	PreEmph [4]uint8
	Reads   int // lane status reads since the training pattern was written, this one included
}

// Trainer computes the lane status reported by a sink.
type Trainer interface {
	LinkStatus(st TrainingState) dpcd.LinkStatus
}

// TrainerFunc adapts a function to the Trainer interface.
type TrainerFunc func(st TrainingState) dpcd.LinkStatus

func (f TrainerFunc) LinkStatus(st TrainingState) dpcd.LinkStatus { return f(st) }

// Ideal is a sink recovering the clock and equalizing at the first status read.
var Ideal Trainer = TrainerFunc(func(st TrainingState) dpcd.LinkStatus {
	switch st.Pattern {
	case dpcd.TRAINING_PATTERN_1:
		return Status(st.Link.Lanes, dpcd.LANE_CR_DONE, false)
	default:
		return Status(st.Link.Lanes, dpcd.LANE_CHANNEL_EQ_OK, true)
	}
})

// Status returns a lane status block with bits set on the first lanes.
func Status(lanes int, bits byte, aligned bool) dpcd.LinkStatus {
	var st dpcd.LinkStatus
	for i := 0; i < lanes && i < 4; i++ {
		st.SetLane(i, bits)
	}
	st.SetAligned(aligned)
	return st
}

// Sink is a simulated DisplayPort sink: a DPCD space, an EDID behind
// the DDC I2C addresses and a link trainer.
type Sink struct {
	mu   sync.Mutex
	dpcd map[uint32]byte

	edid []byte
	seg  byte
	off  int

	trainer  Trainer
	state    TrainingState
	links    []Link
	patterns []byte
	reads    int
}

// NewSink returns an ideal sink supporting the given rate and lane count,
// with enhanced framing and TPS3.
func NewSink(rate dpcd.Rate, lanes int) *Sink {
	sink := &Sink{
		dpcd:    make(map[uint32]byte),
		edid:    NewEDID(0),
		trainer: Ideal,
	}
	sink.poke(dpcd.DPCD_REV,
		0x12,
		byte(rate),
		byte(lanes)|dpcd.ENHANCED_FRAME_CAP|dpcd.TPS3_SUPPORTED,
		dpcd.MAX_DOWNSPREAD_0_5,
		0x01,
		0x00,
		dpcd.CHANNEL_CODING_8B10B,
	)
	sink.poke(dpcd.SINK_COUNT, 1)
	sink.poke(dpcd.SINK_OUI, 0x00, 0x1a, 0x2b, 'd', 'p', 's', 'i', 'm', 0)
	return sink
}

func (sink *Sink) poke(addr uint32, vs ...byte) {
	for i, v := range vs {
		sink.dpcd[addr+uint32(i)] = v
	}
}

// SetDPCD writes the sink DPCD space, without side effects.
func (sink *Sink) SetDPCD(addr uint32, vs ...byte) {
	sink.mu.Lock()
	defer sink.mu.Unlock()
	sink.poke(addr, vs...)
}

// DPCD returns the content of the sink DPCD space at addr.
func (sink *Sink) DPCD(addr uint32) byte {
	sink.mu.Lock()
	defer sink.mu.Unlock()
	return sink.dpcd[addr]
}

// SetEDID replaces the sink EDID.
func (sink *Sink) SetEDID(edid []byte) {
	sink.mu.Lock()
	defer sink.mu.Unlock()
	sink.edid = append([]byte(nil), edid...)
}

// SetTrainer replaces the sink link trainer.
func (sink *Sink) SetTrainer(t Trainer) {
	sink.mu.Lock()
	defer sink.mu.Unlock()
	sink.trainer = t
}

// Links returns the link configurations written by the source, in order.
func (sink *Sink) Links() []Link {
	sink.mu.Lock()
	defer sink.mu.Unlock()
	return append([]Link(nil), sink.links...)
}

// Patterns returns the TRAINING_PATTERN_SET values written by the source.
func (sink *Sink) Patterns() []byte {
	sink.mu.Lock()
	defer sink.mu.Unlock()
	return append([]byte(nil), sink.patterns...)
}

// StatusReads returns the number of lane status reads served.
func (sink *Sink) StatusReads() int {
	sink.mu.Lock()
	defer sink.mu.Unlock()
	return sink.reads
}

func overlaps(addr uint32, n int, reg uint32) bool {
	return addr <= reg && reg < addr+uint32(n)
}

func (sink *Sink) readNative(addr uint32, n int) []byte {
	sink.mu.Lock()
	defer sink.mu.Unlock()

	if overlaps(addr, n, dpcd.LANE0_1_STATUS) {
		sink.reads++
		sink.state.Reads++
		st := sink.trainer.LinkStatus(sink.state)
		sink.poke(dpcd.LANE0_1_STATUS, st[:]...)
	}

	out := make([]byte, n)
	for i := range out {
		out[i] = sink.dpcd[addr+uint32(i)]
	}
	return out
}

// writeNative reports whether the write was accepted.
// The receiver capability fields are read-only.
func (sink *Sink) writeNative(addr uint32, data []byte) bool {
	sink.mu.Lock()
	defer sink.mu.Unlock()

	if addr < dpcd.LINK_BW_SET {
		return false
	}
	for i, v := range data {
		reg := addr + uint32(i)
		switch reg {
		case dpcd.DEVICE_SERVICE_IRQ_VECTOR:
			sink.dpcd[reg] &^= v
		default:
			sink.dpcd[reg] = v
		}
	}

	n := len(data)
	if overlaps(addr, n, dpcd.LANE_COUNT_SET) {
		link := Link{
			Lanes: int(sink.dpcd[dpcd.LANE_COUNT_SET] & dpcd.LANE_COUNT_MASK),
			Rate:  dpcd.Rate(sink.dpcd[dpcd.LINK_BW_SET]),
		}
		sink.links = append(sink.links, link)
		sink.state = TrainingState{Link: link}
	}
	if overlaps(addr, n, dpcd.TRAINING_PATTERN_SET) {
		v := sink.dpcd[dpcd.TRAINING_PATTERN_SET]
		sink.patterns = append(sink.patterns, v)
		sink.state.Pattern = v & dpcd.TRAINING_PATTERN_MASK_14
		sink.state.Reads = 0
	}
	for lane := 0; lane < 4; lane++ {
		reg := uint32(dpcd.TRAINING_LANE0_SET + lane)
		if !overlaps(addr, n, reg) {
			continue
		}
		v := sink.dpcd[reg]
		sink.state.Vswing[lane] = v & dpcd.TRAIN_VOLTAGE_SWING_MASK
		sink.state.PreEmph[lane] = (v & dpcd.TRAIN_PRE_EMPHASIS_MASK) >> dpcd.TRAIN_PRE_EMPHASIS_SHIFT
	}
	return true
}

func (sink *Sink) i2cWrite(addr uint32, data []byte) bool {
	sink.mu.Lock()
	defer sink.mu.Unlock()

	switch addr {
	case ddcSegAddr:
		sink.seg = data[len(data)-1]
	case ddcAddr:
		sink.off = int(data[len(data)-1])
	default:
		return false
	}
	return true
}

func (sink *Sink) i2cRead(addr uint32, n int) ([]byte, bool) {
	sink.mu.Lock()
	defer sink.mu.Unlock()

	if addr != ddcAddr {
		return nil, false
	}
	out := make([]byte, n)
	beg := int(sink.seg)*256 + sink.off
	for i := range out {
		if j := beg + i; j < len(sink.edid) {
			out[i] = sink.edid[j]
		}
	}
	sink.off += n
	return out, true
}

// i2cStop ends the I2C transaction, resetting the segment pointer.
func (sink *Sink) i2cStop(addr uint32) bool {
	sink.mu.Lock()
	defer sink.mu.Unlock()

	switch addr {
	case ddcAddr, ddcSegAddr:
		sink.seg = 0
		return true
	}
	return false
}

// NewEDID returns a valid EDID with ext extension blocks.
func NewEDID(ext int) []byte {
	edid := make([]byte, 128*(1+ext))
	copy(edid, []byte{0x00, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0x00})
	edid[8], edid[9] = 0x10, 0xac // manufacturer
	edid[18], edid[19] = 1, 4     // EDID 1.4
	edid[126] = byte(ext)
	for i := 1; i <= ext; i++ {
		edid[128*i] = 0x02 // CTA extension
		edid[128*i+1] = 0x03
		edid[128*i+2] = byte(i)
	}
	for i := 0; i <= ext; i++ {
		blk := edid[128*i : 128*(i+1)]
		var sum byte
		for _, v := range blk[:127] {
			sum += v
		}
		blk[127] = -sum
	}
	return edid
}
