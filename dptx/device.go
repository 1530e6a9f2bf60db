// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dptx

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/go-daq/tdaq/log"
	"github.com/go-lpc/dplink/dpcd"
	"github.com/go-lpc/dplink/dptx/internal/regs"
	"github.com/go-lpc/dplink/internal/mmap"
)

// Device is a DisplayPort transmitter core.
type Device struct {
	msg log.MsgStream
	cfg config
	hw  hwParams

	// mu serializes AUX transactions, PHY sequences and link training.
	mu   sync.Mutex
	regs struct {
		cctl    reg32
		reset   reg32
		vsample reg32
		phyif   reg32
		phyEQ   reg32
		auxCmd  reg32
		auxSts  reg32
		auxData [4]reg32
		gen     reg32
		genEn   reg32
		hpd     reg32
		hpdEn   reg32
	}
	bus *bus

	irq struct {
		mu  sync.Mutex
		bus *bus
		gen reg32
		hpd reg32
	}

	abort  atomic.Bool
	status atomic.Int32
	evts   chan Event
	pend   atomic.Uint32 // hot-plug events not queued, one bit per Event
	wake   chan struct{}
	closer io.Closer

	caps       *dpcd.Caps // nil when no sink is connected
	link       LinkState
	serviceReq bool
}

type hwParams struct {
	id       uint32
	version  uint32
	fec      bool
	edp      bool
	gen2phy  bool
	dsc      bool
	mpMode   int
	streams  int
	maxLanes int
}

func (hw hwParams) maxRate() dpcd.Rate {
	if hw.gen2phy {
		return dpcd.HBR3
	}
	return dpcd.HBR2
}

// Open maps the transmitter core registers from the provided memory
// device file at the given physical base address.
func Open(devmem string, base int64, opts ...Option) (*Device, error) {
	mem, err := mmap.Open(devmem, base, regs.SPAN)
	if err != nil {
		return nil, fmt.Errorf("dptx: could not map registers from %q: %w", devmem, err)
	}

	dev, err := NewDevice(mem, opts...)
	if err != nil {
		_ = mem.Close()
		return nil, err
	}
	dev.closer = mem
	return dev, nil
}

// NewDevice creates a transmitter device from a register window.
// The core identification is checked and the core initialized.
func NewDevice(rw rwer, opts ...Option) (*Device, error) {
	dev := &Device{
		cfg:  newConfig(),
		bus:  newBus(rw),
		evts: make(chan Event, eventQueueSize),
		wake: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(&dev.cfg)
	}
	dev.msg = dev.cfg.msg

	dev.bind(rw)

	err := dev.probe()
	if err != nil {
		return nil, fmt.Errorf("dptx: could not probe core: %w", err)
	}

	err = dev.init()
	if err != nil {
		return nil, fmt.Errorf("dptx: could not initialize core: %w", err)
	}

	return dev, nil
}

func (dev *Device) bind(rw rwer) {
	dev.regs.cctl = newReg32(dev.bus, regs.CCTL)
	dev.regs.reset = newReg32(dev.bus, regs.SOFT_RESET_CTRL)
	dev.regs.vsample = newReg32(dev.bus, regs.VSAMPLE_CTRL)
	dev.regs.phyif = newReg32(dev.bus, regs.PHYIF_CTRL)
	dev.regs.phyEQ = newReg32(dev.bus, regs.PHY_TX_EQ)
	dev.regs.auxCmd = newReg32(dev.bus, regs.AUX_CMD)
	dev.regs.auxSts = newReg32(dev.bus, regs.AUX_STATUS)
	for i := range dev.regs.auxData {
		dev.regs.auxData[i] = newReg32(dev.bus, regs.AUX_DATA0+4*int64(i))
	}
	dev.regs.gen = newReg32(dev.bus, regs.GENERAL_INTERRUPT)
	dev.regs.genEn = newReg32(dev.bus, regs.GENERAL_INTERRUPT_ENABLE)
	dev.regs.hpd = newReg32(dev.bus, regs.HPD_STATUS)
	dev.regs.hpdEn = newReg32(dev.bus, regs.HPD_INTERRUPT_ENABLE)

	// the interrupt top half has its own view of the registers it touches.
	dev.irq.bus = newBus(rw)
	dev.irq.gen = newReg32(dev.irq.bus, regs.GENERAL_INTERRUPT)
	dev.irq.hpd = newReg32(dev.irq.bus, regs.HPD_STATUS)
}

func (dev *Device) probe() error {
	id := newReg32(dev.bus, regs.DPTX_ID).r()
	vers := newReg32(dev.bus, regs.DPTX_VERSION).r()
	cfg1 := newReg32(dev.bus, regs.DPTX_CONFIG1).r()
	if err := dev.bus.reset(); err != nil {
		return err
	}

	if id != regs.DPTX_ID_VALUE {
		return fmt.Errorf("%w: id=0x%08x", ErrBadID, id)
	}

	dev.hw = hwParams{
		id:       id,
		version:  vers,
		fec:      cfg1&regs.CONFIG1_FEC_EN != 0,
		edp:      cfg1&regs.CONFIG1_EDP_EN != 0,
		gen2phy:  cfg1&regs.CONFIG1_GEN2_PHY != 0,
		dsc:      cfg1&regs.CONFIG1_DSC_EN != 0,
		mpMode:   int(cfg1&regs.CONFIG1_MP_MODE_MASK) >> regs.CONFIG1_MP_MODE_SHIFT,
		streams:  int(cfg1&regs.CONFIG1_NUM_STREAMS_MSK)>>regs.CONFIG1_NUM_STREAMS_SFT + 1,
		maxLanes: dpcd.ClampLanes(int(cfg1&regs.CONFIG1_MAX_LANES_MASK) >> regs.CONFIG1_MAX_LANES_SHIFT),
	}

	dev.msg.Debugf("core id=0x%08x version=0x%08x lanes=%d rate=%v fec=%v edp=%v dsc=%v streams=%d",
		dev.hw.id, dev.hw.version, dev.hw.maxLanes, dev.hw.maxRate(),
		dev.hw.fec, dev.hw.edp, dev.hw.dsc, dev.hw.streams,
	)

	return nil
}

// init resets the core and enables hot-plug interrupts.
func (dev *Device) init() error {
	dev.softReset(regs.SOFT_RESET_ALL)

	cctl := dev.regs.cctl.r()
	cctl &^= regs.CCTL_ENABLE_MST_MODE | regs.CCTL_ENH_FRAME_EN | regs.CCTL_SCRAMBLE_DIS
	if dev.cfg.mst && dev.hw.streams > 1 {
		cctl |= regs.CCTL_ENABLE_MST_MODE
	}
	dev.regs.cctl.w(cctl)

	switch dev.hw.mpMode {
	case regs.MP_MODE_QUAD:
		dev.regs.phyif.set(regs.PHYIF_WIDTH_40BIT)
	default:
		dev.regs.phyif.clr(regs.PHYIF_WIDTH_40BIT)
	}
	dev.regs.phyif.set(regs.PHYIF_SSC_DIS)

	if err := dev.bus.reset(); err != nil {
		return err
	}

	err := dev.phyPowerUp()
	if err != nil {
		return fmt.Errorf("dptx: could not power up PHY: %w", err)
	}

	dev.armHPD()
	dev.regs.genEn.w(regs.GEN_INT_HPD_EVENT)
	return dev.bus.reset()
}

// Close releases the register window.
func (dev *Device) Close() error {
	if dev.closer == nil {
		return nil
	}
	err := dev.closer.Close()
	dev.closer = nil
	return err
}

// softReset pulses the requested sub-block reset bits.
func (dev *Device) softReset(mask uint32) {
	dev.regs.reset.set(mask)
	dev.cfg.sleep(softResetDelay)
	dev.regs.reset.clr(mask)
}

func (dev *Device) armHPD() {
	dev.regs.hpd.w(regs.HPD_EVENTS_MASK)
	dev.regs.hpdEn.w(regs.HPD_IRQ | regs.HPD_HOT_PLUG | regs.HPD_HOT_UNPLUG)
}

// hpdLevel reports whether the hot-plug-detect line is asserted.
func (dev *Device) hpdLevel() bool {
	return dev.regs.hpd.r()&regs.HPD_STATUS_LVL != 0
}

// Status returns the connector state.
func (dev *Device) Status() ConnStatus {
	return ConnStatus(dev.status.Load())
}

func (dev *Device) setStatus(st ConnStatus) {
	old := ConnStatus(dev.status.Swap(int32(st)))
	if old != st {
		dev.msg.Infof("connector: %v -> %v", old, st)
	}
}

// AbortAux aborts the AUX transaction in flight, if any.
// AUX transactions keep failing with ErrAborted until the next
// operation started while the sink is plugged.
func (dev *Device) AbortAux() {
	dev.abort.Store(true)
}

// rearm clears a pending abort when a sink is present.
func (dev *Device) rearm() error {
	lvl := dev.hpdLevel()
	if err := dev.bus.reset(); err != nil {
		return err
	}
	if !lvl {
		return ErrNotConnected
	}
	dev.abort.Store(false)
	return nil
}

// Caps returns the capabilities of the connected sink.
func (dev *Device) Caps() (dpcd.Caps, error) {
	dev.mu.Lock()
	defer dev.mu.Unlock()

	if dev.caps == nil {
		return dpcd.Caps{}, ErrNotConnected
	}
	return *dev.caps, nil
}

// Link returns the current link state.
func (dev *Device) Link() LinkState {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	return dev.link
}

// MaxLink returns the highest link configuration supported by the core.
func (dev *Device) MaxLink() LinkConfig {
	return LinkConfig{Lanes: dev.hw.maxLanes, Rate: dev.hw.maxRate()}
}
