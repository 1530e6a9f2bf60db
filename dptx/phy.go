// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dptx

import (
	"errors"
	"fmt"

	"github.com/go-lpc/dplink/dpcd"
	"github.com/go-lpc/dplink/dptx/internal/regs"
)

// Pattern is a pattern transmitted by the PHY.
type Pattern uint8

const (
	PatternNone Pattern = iota
	PatternTPS1
	PatternTPS2
	PatternTPS3
	PatternTPS4
	PatternSymbolErr
	PatternPRBS7
	PatternCustom80 // 80-bit custom test pattern
	PatternCP2520_1
	PatternCP2520_2
)

var patternNames = [...]string{
	PatternNone:      "none",
	PatternTPS1:      "TPS1",
	PatternTPS2:      "TPS2",
	PatternTPS3:      "TPS3",
	PatternTPS4:      "TPS4",
	PatternSymbolErr: "SYM-ERM",
	PatternPRBS7:     "PRBS7",
	PatternCustom80:  "CUSTOM80",
	PatternCP2520_1:  "CP2520-1",
	PatternCP2520_2:  "CP2520-2",
}

func (p Pattern) String() string {
	if int(p) < len(patternNames) {
		return patternNames[p]
	}
	return fmt.Sprintf("Pattern(%d)", uint8(p))
}

// tpsSel returns the PHYIF_CTRL TPS_SEL code of the pattern.
func (p Pattern) tpsSel() (uint32, error) {
	switch p {
	case PatternNone:
		return regs.TPS_NONE, nil
	case PatternTPS1:
		return regs.TPS_TPS1, nil
	case PatternTPS2:
		return regs.TPS_TPS2, nil
	case PatternTPS3:
		return regs.TPS_TPS3, nil
	case PatternTPS4:
		return regs.TPS_TPS4, nil
	case PatternSymbolErr:
		return regs.TPS_SYM_ERM, nil
	case PatternPRBS7:
		return regs.TPS_PRBS7, nil
	case PatternCustom80:
		return regs.TPS_CUSTOM80, nil
	case PatternCP2520_1:
		return regs.TPS_CP2520_1, nil
	case PatternCP2520_2:
		return regs.TPS_CP2520_2, nil
	}
	return 0, fmt.Errorf("%w: %v", errUnknownPattern, p)
}

// trainingSet returns the TRAINING_PATTERN_SET value of a training pattern.
// Scrambling is disabled for all patterns but TPS4.
func (p Pattern) trainingSet() byte {
	switch p {
	case PatternTPS1:
		return dpcd.TRAINING_PATTERN_1 | dpcd.SCRAMBLING_DISABLE
	case PatternTPS2:
		return dpcd.TRAINING_PATTERN_2 | dpcd.SCRAMBLING_DISABLE
	case PatternTPS3:
		return dpcd.TRAINING_PATTERN_3 | dpcd.SCRAMBLING_DISABLE
	case PatternTPS4:
		return dpcd.TRAINING_PATTERN_4
	}
	return dpcd.TRAINING_PATTERN_DISABLE
}

// PowerState is a PHY power state.
type PowerState uint8

const (
	PowerOn PowerState = iota
	PowerInter
	PowerStandby
	PowerDown
)

func (ps PowerState) String() string {
	switch ps {
	case PowerOn:
		return "on"
	case PowerInter:
		return "intermediate"
	case PowerStandby:
		return "standby"
	case PowerDown:
		return "down"
	}
	return fmt.Sprintf("PowerState(%d)", uint8(ps))
}

func (ps PowerState) code() (uint32, error) {
	switch ps {
	case PowerOn:
		return regs.PHY_POWER_ON, nil
	case PowerInter:
		return regs.PHY_POWER_INTER_P2, nil
	case PowerStandby:
		return regs.PHY_POWER_STANDBY, nil
	case PowerDown:
		return regs.PHY_POWER_DOWN, nil
	}
	return 0, fmt.Errorf("%w: %v", errBadPowerState, ps)
}

func phyLanes(n int) (uint32, error) {
	switch n {
	case 1:
		return regs.PHY_LANES_1, nil
	case 2:
		return regs.PHY_LANES_2, nil
	case 4:
		return regs.PHY_LANES_4, nil
	}
	return 0, fmt.Errorf("%w: %d", errBadLaneCount, n)
}

func phyRate(r dpcd.Rate) (uint32, error) {
	switch r {
	case dpcd.RBR:
		return regs.PHY_RATE_RBR, nil
	case dpcd.HBR:
		return regs.PHY_RATE_HBR, nil
	case dpcd.HBR2:
		return regs.PHY_RATE_HBR2, nil
	case dpcd.HBR3:
		return regs.PHY_RATE_HBR3, nil
	}
	return 0, fmt.Errorf("%w: %v", errBadRate, r)
}

func clampLevel(v uint8) uint8 {
	if v > dpcd.MaxLevel {
		return dpcd.MaxLevel
	}
	return v
}

// phyBusyWait waits for the PHY busy flags to clear.
func (dev *Device) phyBusyWait() error {
	err := dev.poll(func() (bool, error) {
		busy := dev.regs.phyif.r() & regs.PHYIF_BUSY_MASK
		if err := dev.bus.reset(); err != nil {
			return false, err
		}
		return busy == 0, nil
	}, phyBusyInterval, phyBusyPolls)
	if errors.Is(err, errPollTimeout) {
		dev.msg.Errorf("PHY busy flags did not clear (PHYIF_CTRL=0x%08x)", dev.regs.phyif.r())
		_ = dev.bus.reset()
		return ErrPhyBusyTimeout
	}
	return err
}

// phyUpdate applies a read-modify-write on PHYIF_CTRL and waits
// for the PHY to settle.
func (dev *Device) phyUpdate(mask uint32, shift uint, v uint32) error {
	dev.regs.phyif.setField(mask, shift, v)
	if err := dev.bus.reset(); err != nil {
		return err
	}
	return dev.phyBusyWait()
}

func (dev *Device) setLanes(n int) error {
	v, err := phyLanes(n)
	if err != nil {
		return err
	}
	return dev.phyUpdate(regs.PHYIF_LANES_MASK, regs.PHYIF_LANES_SHIFT, v)
}

func (dev *Device) setRate(r dpcd.Rate) error {
	v, err := phyRate(r)
	if err != nil {
		return err
	}
	return dev.phyUpdate(regs.PHYIF_RATE_MASK, regs.PHYIF_RATE_SHIFT, v)
}

func (dev *Device) setPattern(p Pattern) error {
	v, err := p.tpsSel()
	if err != nil {
		return err
	}
	return dev.phyUpdate(regs.PHYIF_TPS_SEL_MASK, regs.PHYIF_TPS_SEL_SHIFT, v)
}

func (dev *Device) setPowerState(ps PowerState) error {
	v, err := ps.code()
	if err != nil {
		return err
	}
	return dev.phyUpdate(regs.PHYIF_PWRDOWN_MASK, regs.PHYIF_PWRDOWN_SHIFT, v)
}

func (dev *Device) enableTransmitters(lanes int, enable bool) error {
	if !dpcd.ValidLanes(lanes) {
		return fmt.Errorf("%w: %d", errBadLaneCount, lanes)
	}
	var v uint32
	if enable {
		v = 1<<uint(lanes) - 1
	}
	return dev.phyUpdate(regs.PHYIF_XMIT_EN_MASK, regs.PHYIF_XMIT_EN_SHIFT, v)
}

func txEQShift(lane int, field uint) uint {
	return uint(lane)*regs.PHY_TX_EQ_LANE_STRIDE + field
}

func (dev *Device) setVoltageSwing(lane int, level uint8) error {
	if lane < 0 || lane > 3 {
		return fmt.Errorf("dptx: invalid lane %d", lane)
	}
	shift := txEQShift(lane, regs.PHY_TX_EQ_VSWING_SHIFT)
	dev.regs.phyEQ.setField(regs.PHY_TX_EQ_VSWING_MASK<<shift, shift, uint32(clampLevel(level)))
	if err := dev.bus.reset(); err != nil {
		return err
	}
	return dev.phyBusyWait()
}

func (dev *Device) setPreEmphasis(lane int, level uint8) error {
	if lane < 0 || lane > 3 {
		return fmt.Errorf("dptx: invalid lane %d", lane)
	}
	shift := txEQShift(lane, regs.PHY_TX_EQ_PREEMPH_SHIFT)
	dev.regs.phyEQ.setField(regs.PHY_TX_EQ_PREEMPH_MASK<<shift, shift, uint32(clampLevel(level)))
	if err := dev.bus.reset(); err != nil {
		return err
	}
	return dev.phyBusyWait()
}

// phyPowerUp puts the PHY in a known state: powered down with all
// transmitters disabled.
func (dev *Device) phyPowerUp() error {
	err := dev.enableTransmitters(4, false)
	if err != nil {
		return err
	}
	return dev.setPowerState(PowerDown)
}

// phyReset resets the PHY sub-block and powers it up.
func (dev *Device) phyReset() error {
	dev.softReset(regs.SOFT_RESET_PHY)
	if err := dev.bus.reset(); err != nil {
		return err
	}
	return dev.phyPowerUp()
}

// disableDatapath stops the video stream and the transmitters.
func (dev *Device) disableDatapath() error {
	dev.regs.vsample.clr(regs.VSAMPLE_STREAM_EN)
	if err := dev.bus.reset(); err != nil {
		return err
	}
	return dev.enableTransmitters(4, false)
}

// phyConfigure sequences the PHY to the requested lanes and rate,
// leaving it powered on.
func (dev *Device) phyConfigure(lanes int, rate dpcd.Rate) error {
	for _, f := range []func() error{
		func() error { return dev.setPowerState(PowerInter) },
		func() error { return dev.setLanes(lanes) },
		func() error { return dev.setRate(rate) },
		func() error { return dev.setPattern(PatternNone) },
		func() error { return dev.setPowerState(PowerOn) },
	} {
		if err := f(); err != nil {
			return err
		}
	}
	return nil
}

// transmitTPS1 brings the PHY up at the requested configuration and
// starts transmitting TPS1. A failed sequence is retried once after
// a PHY power-up.
func (dev *Device) transmitTPS1(lanes int, rate dpcd.Rate) error {
	seq := func() error {
		err := dev.disableDatapath()
		if err != nil {
			return err
		}
		err = dev.phyConfigure(lanes, rate)
		if err != nil {
			return err
		}
		err = dev.setPattern(PatternTPS1)
		if err != nil {
			return err
		}
		return dev.enableTransmitters(lanes, true)
	}

	err := seq()
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrPhyBusyTimeout) {
		return err
	}

	dev.msg.Warnf("could not transmit TPS1 (%v), powering up PHY and retrying", err)
	err = dev.phyPowerUp()
	if err == nil {
		err = seq()
	}
	if err != nil {
		return fmt.Errorf("dptx: could not transmit TPS1: %w", err)
	}
	return nil
}
