// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dpcd

import (
	"fmt"
	"strings"
)

// LinkStatus is the lane status/adjust request block read at LANE0_1_STATUS:
//
//	[0] LANE0_1_STATUS
//	[1] LANE2_3_STATUS
//	[2] LANE_ALIGN_STATUS_UPDATED
//	[3] SINK_STATUS
//	[4] ADJUST_REQUEST_LANE0_1
//	[5] ADJUST_REQUEST_LANE2_3
type LinkStatus [LinkStatusSize]byte

func nibble(v byte, lane int) byte {
	return (v >> (4 * uint(lane&1))) & 0xf
}

// Lane returns the status nibble of the given lane.
func (st LinkStatus) Lane(lane int) byte {
	return nibble(st[lane>>1], lane)
}

// LaneCRDone reports whether clock recovery is done on the given lane.
func (st LinkStatus) LaneCRDone(lane int) bool {
	return st.Lane(lane)&LANE_CR_DONE != 0
}

// ClockRecoveryOK reports whether clock recovery is done on all active lanes.
func (st LinkStatus) ClockRecoveryOK(lanes int) bool {
	for i := 0; i < lanes; i++ {
		if !st.LaneCRDone(i) {
			return false
		}
	}
	return true
}

// AnyCRDone reports whether at least one active lane has clock recovery done.
func (st LinkStatus) AnyCRDone(lanes int) bool {
	for i := 0; i < lanes; i++ {
		if st.LaneCRDone(i) {
			return true
		}
	}
	return false
}

// ChannelEqOK reports whether all active lanes have clock recovery,
// channel equalization and symbol lock, and lanes are aligned.
func (st LinkStatus) ChannelEqOK(lanes int) bool {
	if st[2]&INTERLANE_ALIGN == 0 {
		return false
	}
	for i := 0; i < lanes; i++ {
		if st.Lane(i)&LANE_CHANNEL_EQ_OK != LANE_CHANNEL_EQ_OK {
			return false
		}
	}
	return true
}

// AdjustRequest returns the voltage-swing and pre-emphasis levels
// the sink requests for the given lane.
func (st LinkStatus) AdjustRequest(lane int) (vswing, preemph uint8) {
	v := nibble(st[4+lane>>1], lane)
	vswing = v & ADJUST_VOLTAGE_SWING_MASK
	preemph = (v & ADJUST_PRE_EMPHASIS_MASK) >> ADJUST_PRE_EMPHASIS_SHIFT
	return vswing, preemph
}

// SetLane sets the status nibble of the given lane.
func (st *LinkStatus) SetLane(lane int, v byte) {
	shift := 4 * uint(lane&1)
	st[lane>>1] = st[lane>>1]&^(0xf<<shift) | (v&0xf)<<shift
}

// SetAligned sets or clears the interlane alignment flag.
func (st *LinkStatus) SetAligned(ok bool) {
	if ok {
		st[2] |= INTERLANE_ALIGN
		return
	}
	st[2] &^= INTERLANE_ALIGN
}

// SetAdjustRequest encodes the drive levels requested for the given lane.
func (st *LinkStatus) SetAdjustRequest(lane int, vswing, preemph uint8) {
	v := vswing&ADJUST_VOLTAGE_SWING_MASK | (preemph<<ADJUST_PRE_EMPHASIS_SHIFT)&ADJUST_PRE_EMPHASIS_MASK
	shift := 4 * uint(lane&1)
	i := 4 + lane>>1
	st[i] = st[i]&^(0xf<<shift) | v<<shift
}

func (st LinkStatus) String() string {
	o := new(strings.Builder)
	for i := 0; i < 4; i++ {
		v, p := st.AdjustRequest(i)
		fmt.Fprintf(o, "lane%d=0x%x(v=%d,p=%d) ", i, st.Lane(i), v, p)
	}
	fmt.Fprintf(o, "align=0x%02x sink=0x%02x", st[2], st[3])
	return o.String()
}

// TrainingLaneSet encodes a TRAINING_LANEx_SET byte.
// Levels above MaxLevel are clamped and flagged as max reached.
func TrainingLaneSet(vswing, preemph uint8) byte {
	if vswing > MaxLevel {
		vswing = MaxLevel
	}
	if preemph > MaxLevel {
		preemph = MaxLevel
	}
	v := vswing | preemph<<TRAIN_PRE_EMPHASIS_SHIFT
	if vswing == MaxLevel {
		v |= TRAIN_MAX_SWING_REACHED
	}
	if preemph == MaxLevel {
		v |= TRAIN_MAX_PRE_EMPHASIS_REACHED
	}
	return v
}

// SinkCount decodes the SINK_COUNT register.
func SinkCount(v byte) int {
	return int((v&0x80)>>1 | v&0x3f)
}
