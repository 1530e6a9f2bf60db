// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package dpsim simulates a DisplayPort transmitter core register file,
// connected to a simulated sink.
package dpsim // import "github.com/go-lpc/dplink/dptx/dpsim"

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/go-lpc/dplink/dpcd"
	"github.com/go-lpc/dplink/dptx/internal/regs"
)

// Reply is a scripted AUX reply.
type Reply uint8

const (
	Ack      Reply = iota
	Nack           // native NACK
	Defer          // native DEFER
	I2CNack        // I2C-over-AUX NACK
	I2CDefer       // I2C-over-AUX DEFER
	Timeout        // hardware reply timeout
	Glitch         // ACK without any byte received
	Invalid        // unknown reply status
	Short          // ACK missing the last data byte of a read
)

// Core is a simulated transmitter core. It implements io.ReaderAt and
// io.WriterAt over the core register span, with 32-bit aligned accesses.
type Core struct {
	mu   sync.Mutex
	regs [regs.SPAN / 4]uint32
	cfg1 uint32
	sink *Sink

	plugged bool
	irq     func()
	pending bool

	replies  []Reply
	hang     bool
	hung     chan struct{}
	busy     bool
	fail     error
	unplugAt int
	stsCmds  int

	auxCmds   int
	auxResets int
	tps       []uint32
}

// Option configures a simulated core.
type Option func(c *Core)

// WithMaxLanes sets the lane count the core was synthesized with.
func WithMaxLanes(n int) Option {
	return func(c *Core) {
		c.cfg1 &^= regs.CONFIG1_MAX_LANES_MASK
		c.cfg1 |= uint32(n) << regs.CONFIG1_MAX_LANES_SHIFT & regs.CONFIG1_MAX_LANES_MASK
	}
}

// WithGen2PHY selects a PHY supporting HBR3.
func WithGen2PHY(v bool) Option {
	return func(c *Core) {
		c.setCfg1(regs.CONFIG1_GEN2_PHY, v)
	}
}

// WithFEC selects a core synthesized with forward error correction.
func WithFEC(v bool) Option {
	return func(c *Core) {
		c.setCfg1(regs.CONFIG1_FEC_EN, v)
	}
}

// WithStreams sets the number of streams of the core.
func WithStreams(n int) Option {
	return func(c *Core) {
		c.cfg1 &^= regs.CONFIG1_NUM_STREAMS_MSK
		c.cfg1 |= uint32(n-1) << regs.CONFIG1_NUM_STREAMS_SFT & regs.CONFIG1_NUM_STREAMS_MSK
	}
}

func (c *Core) setCfg1(bit uint32, v bool) {
	if v {
		c.cfg1 |= bit
		return
	}
	c.cfg1 &^= bit
}

// New returns a core with 4 lanes, a gen2 PHY and FEC, connected to sink.
// The sink is unplugged.
func New(sink *Sink, opts ...Option) *Core {
	c := &Core{
		cfg1: regs.CONFIG1_FEC_EN | regs.CONFIG1_GEN2_PHY |
			regs.MP_MODE_SINGLE<<regs.CONFIG1_MP_MODE_SHIFT |
			4<<regs.CONFIG1_MAX_LANES_SHIFT,
		sink: sink,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Sink returns the simulated sink.
func (c *Core) Sink() *Sink { return c.sink }

func (c *Core) ReadAt(p []byte, off int64) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.check(p, off); err != nil {
		return 0, err
	}
	binary.LittleEndian.PutUint32(p, c.read(off))
	return len(p), nil
}

func (c *Core) WriteAt(p []byte, off int64) (int, error) {
	c.mu.Lock()
	if err := c.check(p, off); err != nil {
		c.mu.Unlock()
		return 0, err
	}
	c.write(off, binary.LittleEndian.Uint32(p))
	irq := c.takeIRQ()
	c.mu.Unlock()

	if irq != nil {
		irq()
	}
	return len(p), nil
}

func (c *Core) check(p []byte, off int64) error {
	switch {
	case c.fail != nil:
		return c.fail
	case len(p) != 4 || off%4 != 0:
		return fmt.Errorf("dpsim: unaligned access (%d bytes at 0x%x)", len(p), off)
	case off < 0 || off >= regs.SPAN:
		return fmt.Errorf("dpsim: invalid register offset 0x%x", off)
	}
	return nil
}

func (c *Core) read(off int64) uint32 {
	switch off {
	case regs.DPTX_ID:
		return regs.DPTX_ID_VALUE
	case regs.DPTX_VERSION:
		return regs.DPTX_VERSION_VALUE
	case regs.DPTX_CONFIG1:
		return c.cfg1
	case regs.PHYIF_CTRL:
		v := c.regs[off/4]
		if c.busy {
			v |= regs.PHYIF_BUSY_MASK
		}
		return v
	case regs.HPD_STATUS:
		v := c.regs[off/4]
		if c.plugged {
			v |= regs.HPD_STATUS_LVL
		}
		return v
	}
	return c.regs[off/4]
}

func (c *Core) write(off int64, v uint32) {
	i := off / 4
	switch off {
	case regs.DPTX_ID, regs.DPTX_VERSION, regs.DPTX_CONFIG1, regs.AUX_STATUS:
		// read-only.
	case regs.SOFT_RESET_CTRL:
		if v&regs.SOFT_RESET_AUX != 0 && c.regs[i]&regs.SOFT_RESET_AUX == 0 {
			c.auxResets++
			c.regs[regs.AUX_STATUS/4] = 0
		}
		c.regs[i] = v
	case regs.PHYIF_CTRL:
		v &^= regs.PHYIF_BUSY_MASK
		tps := v & regs.PHYIF_TPS_SEL_MASK >> regs.PHYIF_TPS_SEL_SHIFT
		if old := c.regs[i] & regs.PHYIF_TPS_SEL_MASK >> regs.PHYIF_TPS_SEL_SHIFT; tps != old {
			c.tps = append(c.tps, tps)
		}
		c.regs[i] = v
	case regs.AUX_CMD:
		c.regs[i] = v
		c.exec(v)
	case regs.HPD_STATUS, regs.GENERAL_INTERRUPT:
		c.regs[i] &^= v
	default:
		c.regs[i] = v
	}
}

func (c *Core) takeIRQ() func() {
	if !c.pending {
		return nil
	}
	c.pending = false
	return c.irq
}

func (c *Core) raise(evt uint32) {
	c.regs[regs.HPD_STATUS/4] |= evt
	c.regs[regs.GENERAL_INTERRUPT/4] |= regs.GEN_INT_HPD_EVENT
	if c.regs[regs.HPD_INTERRUPT_ENABLE/4]&evt != 0 &&
		c.regs[regs.GENERAL_INTERRUPT_ENABLE/4]&regs.GEN_INT_HPD_EVENT != 0 {
		c.pending = true
	}
}

func (c *Core) event(f func()) {
	c.mu.Lock()
	f()
	irq := c.takeIRQ()
	c.mu.Unlock()

	if irq != nil {
		irq()
	}
}

// SetIRQHandler sets the function called when the core raises its
// interrupt line. It is called without any core lock held.
func (c *Core) SetIRQHandler(f func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.irq = f
}

// Plug connects the sink.
func (c *Core) Plug() {
	c.event(func() {
		c.plugged = true
		c.raise(regs.HPD_HOT_PLUG)
	})
}

// Unplug disconnects the sink.
func (c *Core) Unplug() {
	c.event(func() {
		c.plugged = false
		c.raise(regs.HPD_HOT_UNPLUG)
	})
}

// ServiceIRQ pulses HPD to request the attention of the source.
func (c *Core) ServiceIRQ() {
	c.event(func() {
		c.raise(regs.HPD_IRQ)
	})
}

// UnplugOnStatusRead disconnects the sink when the source issues its
// n-th lane status read. The read never gets a reply.
func (c *Core) UnplugOnStatusRead(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unplugAt = n
	c.stsCmds = 0
}

// Script queues replies for the next AUX transactions.
// Once the queue is empty, transactions are acknowledged.
func (c *Core) Script(replies ...Reply) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replies = append(c.replies, replies...)
}

// Hang makes the following AUX transactions wait forever for a reply.
// The returned channel is closed when the first such transaction is issued.
func (c *Core) Hang() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hang = true
	c.hung = make(chan struct{})
	return c.hung
}

// StuckBusy keeps the PHY busy flags set.
func (c *Core) StuckBusy(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.busy = v
}

// Fail makes every register access fail with err. A nil err restores
// the register access.
func (c *Core) Fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fail = err
}

// AuxCmds returns the number of AUX transactions issued.
func (c *Core) AuxCmds() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.auxCmds
}

// AuxResets returns the number of AUX sub-block resets.
func (c *Core) AuxResets() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.auxResets
}

// Patterns returns the history of the PHY TPS_SEL field.
func (c *Core) Patterns() []uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uint32(nil), c.tps...)
}

// Reg returns the value of a register, as read by the source.
func (c *Core) Reg(off int64) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.read(off)
}

func reply(code uint32, br int) uint32 {
	return regs.AUX_STATUS_REPLY_RECEIVED |
		code<<regs.AUX_STATUS_SHIFT&regs.AUX_STATUS_MASK |
		uint32(br)<<regs.AUX_STATUS_BYTES_RD_SHIFT&regs.AUX_STATUS_BYTES_RD_MASK
}

// exec runs the AUX transaction described by cmd against the sink.
func (c *Core) exec(cmd uint32) {
	c.auxCmds++
	sts := &c.regs[regs.AUX_STATUS/4]
	*sts = 0

	var (
		typ      = (cmd & regs.AUX_CMD_TYPE_MASK) >> regs.AUX_CMD_TYPE_SHIFT
		n        = int(cmd&regs.AUX_CMD_REQ_LEN_MASK>>regs.AUX_CMD_REQ_LEN_SHIFT) + 1
		addr     = (cmd & regs.AUX_CMD_ADDR_MASK) >> regs.AUX_CMD_ADDR_SHIFT
		native   = typ&regs.AUX_CMD_TYPE_NATIVE != 0
		read     = typ&regs.AUX_CMD_TYPE_READ != 0
		addrOnly = cmd&regs.AUX_CMD_I2C_ADDR_ONLY != 0
	)

	if c.hang {
		select {
		case <-c.hung:
		default:
			close(c.hung)
		}
		return
	}

	if !c.plugged {
		*sts = regs.AUX_STATUS_TIMEOUT
		return
	}

	if c.unplugAt > 0 && native && read && addr == dpcd.LANE0_1_STATUS {
		c.stsCmds++
		if c.stsCmds >= c.unplugAt {
			c.unplugAt = 0
			c.plugged = false
			c.raise(regs.HPD_HOT_UNPLUG)
			return
		}
	}

	rep := Ack
	if len(c.replies) > 0 {
		rep = c.replies[0]
		c.replies = c.replies[1:]
	}

	nack := uint32(regs.AUX_REPLY_NACK)
	if !native {
		nack = regs.AUX_REPLY_I2C_NACK
	}

	switch rep {
	case Nack:
		*sts = reply(regs.AUX_REPLY_NACK, 1)
		return
	case Defer:
		*sts = reply(regs.AUX_REPLY_DEFER, 1)
		return
	case I2CNack:
		*sts = reply(regs.AUX_REPLY_I2C_NACK, 1)
		return
	case I2CDefer:
		*sts = reply(regs.AUX_REPLY_I2C_DEFER, 1)
		return
	case Timeout:
		*sts = regs.AUX_STATUS_TIMEOUT
		return
	case Glitch:
		*sts = reply(regs.AUX_REPLY_ACK, 0)
		return
	case Invalid:
		*sts = reply(0x3, 1)
		return
	}

	switch {
	case addrOnly:
		if native || !c.sink.i2cStop(addr) {
			*sts = reply(nack, 1)
			return
		}
		*sts = reply(regs.AUX_REPLY_ACK, 1)

	case read:
		var (
			out []byte
			ok  = true
		)
		if native {
			out = c.sink.readNative(addr, n)
		} else {
			out, ok = c.sink.i2cRead(addr, n)
		}
		if !ok {
			*sts = reply(nack, 1)
			return
		}
		if rep == Short {
			out = out[:len(out)-1]
		}
		c.load(out)
		*sts = reply(regs.AUX_REPLY_ACK, 1+len(out))

	default:
		var (
			data = c.unload(n)
			ok   bool
		)
		if native {
			ok = c.sink.writeNative(addr, data)
		} else {
			ok = c.sink.i2cWrite(addr, data)
		}
		if !ok {
			*sts = reply(nack, 1)
			return
		}
		*sts = reply(regs.AUX_REPLY_ACK, 1)
	}
}

func (c *Core) load(data []byte) {
	var words [4]uint32
	for i, v := range data {
		words[i/4] |= uint32(v) << (8 * uint(i%4))
	}
	for i, w := range words {
		c.regs[regs.AUX_DATA0/4+i] = w
	}
}

func (c *Core) unload(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		w := c.regs[regs.AUX_DATA0/4+i/4]
		data[i] = byte(w >> (8 * uint(i%4)))
	}
	return data
}
