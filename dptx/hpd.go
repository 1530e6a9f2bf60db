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

// plug runs the capability handshake with a newly connected sink and
// trains the link. The caller holds dev.mu.
func (dev *Device) plug() error {
	if !dev.hpdLevel() {
		dev.msg.Debugf("stale hot-plug event, HPD is low")
		return dev.bus.reset()
	}
	dev.abort.Store(false)
	dev.caps = nil
	dev.link = LinkState{}

	dev.regs.genEn.clr(regs.GEN_INT_VIDEO_MASK)
	if err := dev.bus.reset(); err != nil {
		return err
	}

	err := dev.phyReset()
	if err != nil {
		dev.setStatus(TrainingFailed)
		return fmt.Errorf("dptx: could not reset PHY: %w", err)
	}
	dev.softReset(regs.SOFT_RESET_HDCP)
	if err := dev.bus.reset(); err != nil {
		return err
	}

	caps, err := dev.readCaps()
	if err != nil {
		return dev.handshakeFailure("could not read sink capabilities", err)
	}
	dev.caps = &caps
	dev.msg.Infof("sink %s: %v", caps.Name(), caps)

	err = dev.powerSink(dpcd.SET_POWER_D0)
	if err != nil {
		return dev.handshakeFailure("could not power up sink", err)
	}

	if caps.EnhancedFraming {
		dev.regs.cctl.set(regs.CCTL_ENH_FRAME_EN)
	} else {
		dev.regs.cctl.clr(regs.CCTL_ENH_FRAME_EN)
	}
	if err := dev.bus.reset(); err != nil {
		return err
	}

	v, err := dev.dpcdReadByte(dpcd.SINK_COUNT)
	if err != nil {
		return dev.handshakeFailure("could not read sink count", err)
	}
	if dpcd.SinkCount(v) == 0 {
		dev.msg.Infof("no downstream sink")
		dev.setStatus(Disconnected)
		return ErrNoSink
	}

	if dev.cfg.mst && caps.MST && dev.hw.streams > 1 {
		err = dev.dpcdWrite(dpcd.MSTM_CTRL, dpcd.MST_EN|dpcd.UP_REQ_EN|dpcd.UPSTREAM_IS_SRC)
		if err != nil {
			return dev.handshakeFailure("could not request MST mode", err)
		}
		dev.regs.cctl.set(regs.CCTL_ENABLE_MST_MODE)
	}

	if caps.ALPM {
		dev.msg.Debugf("sink supports ALPM")
	}

	if dev.cfg.fec && dev.hw.fec && caps.FEC {
		err = dev.dpcdWrite(dpcd.FEC_CONFIGURATION, dpcd.FEC_READY)
		if err != nil {
			return dev.handshakeFailure("could not set FEC ready", err)
		}
		dev.regs.cctl.set(regs.CCTL_ENABLE_FEC)
	}
	if err := dev.bus.reset(); err != nil {
		return err
	}

	_, err = dev.train(dev.cfg.lanes, dev.cfg.rate)
	switch {
	case err == nil:
		dev.setStatus(Connected)
	case errors.Is(err, ErrAborted):
		dev.setStatus(Disconnected)
		return nil
	default:
		dev.setStatus(TrainingFailed)
		return err
	}
	return nil
}

func (dev *Device) handshakeFailure(msg string, err error) error {
	if errors.Is(err, ErrAborted) {
		dev.setStatus(Disconnected)
		return nil
	}
	dev.setStatus(TrainingFailed)
	return fmt.Errorf("dptx: %s: %w", msg, err)
}

// readCaps reads the sink receiver capabilities.
func (dev *Device) readCaps() (dpcd.Caps, error) {
	raw := make([]byte, dpcd.CapsSize)
	err := dev.dpcdRead(dpcd.DPCD_REV, raw)
	if err != nil {
		return dpcd.Caps{}, err
	}

	caps, err := dpcd.ParseCaps(raw)
	if err != nil {
		return caps, err
	}

	if caps.Extended {
		ext := make([]byte, dpcd.CapsSize)
		err = dev.dpcdRead(dpcd.EXTENDED_RECEIVER_CAP_BASE, ext)
		if err != nil {
			return caps, err
		}
		err = caps.ApplyExtended(ext)
		if err != nil {
			return caps, err
		}
	}

	for _, v := range []struct {
		addr uint32
		mask byte
		flag *bool
	}{
		{dpcd.MSTM_CAP, dpcd.MST_CAP, &caps.MST},
		{dpcd.RECEIVER_ALPM_CAP, dpcd.ALPM_CAP, &caps.ALPM},
		{dpcd.FEC_CAPABILITY, dpcd.FEC_CAPABLE, &caps.FEC},
	} {
		b, err := dev.dpcdReadByte(v.addr)
		if err != nil {
			return caps, err
		}
		*v.flag = b&v.mask != 0
	}

	id := make([]byte, 9)
	err = dev.dpcdRead(dpcd.SINK_OUI, id)
	if err != nil {
		return caps, err
	}
	caps.SetIdentity(id)

	return caps, nil
}

// powerSink writes the sink power state, retrying a few times as sinks
// may need time to wake up.
func (dev *Device) powerSink(state byte) error {
	var err error
	for i := 0; i < sinkPowerRetries; i++ {
		err = dev.dpcdWrite(dpcd.SET_POWER, state)
		if err == nil || errors.Is(err, ErrAborted) {
			return err
		}
		dev.cfg.sleep(sinkPowerDelay)
	}
	return err
}

// unplug tears down the link after the sink has been disconnected.
// The caller holds dev.mu.
func (dev *Device) unplug() error {
	dev.serviceReq = false

	err := dev.disableDatapath()
	if err != nil {
		dev.msg.Errorf("could not disable datapath: %+v", err)
	}
	err = dev.setPowerState(PowerDown)
	if err != nil {
		dev.msg.Errorf("could not power down PHY: %+v", err)
	}
	dev.regs.cctl.clr(regs.CCTL_ENABLE_MST_MODE | regs.CCTL_ENABLE_FEC)
	dev.armHPD()

	dev.link.Trained = false
	dev.caps = nil
	dev.setStatus(Disconnected)

	return dev.bus.reset()
}

// serviceIRQ handles a sink service request (HPD short pulse).
// The caller holds dev.mu.
func (dev *Device) serviceIRQ() error {
	dev.serviceReq = true
	defer func() { dev.serviceReq = false }()

	if dev.caps == nil {
		return nil
	}
	if err := dev.rearm(); err != nil {
		if errors.Is(err, ErrNotConnected) {
			return nil
		}
		return err
	}

	var buf [2]byte
	err := dev.dpcdRead(dpcd.SINK_COUNT, buf[:])
	if err != nil {
		return fmt.Errorf("dptx: could not read sink service vector: %w", err)
	}
	if vec := buf[1]; vec != 0 {
		dev.msg.Debugf("sink service IRQ vector: 0x%02x", vec)
		err = dev.dpcdWrite(dpcd.DEVICE_SERVICE_IRQ_VECTOR, vec)
		if err != nil {
			return fmt.Errorf("dptx: could not ack sink service vector: %w", err)
		}
	}

	if dpcd.SinkCount(buf[0]) == 0 {
		dev.link.Trained = false
		dev.setStatus(Disconnected)
		return nil
	}

	if !dev.link.Trained {
		return nil
	}

	var st dpcd.LinkStatus
	err = dev.dpcdRead(dpcd.LANE0_1_STATUS, st[:])
	if err != nil {
		return fmt.Errorf("dptx: could not read link status: %w", err)
	}
	dev.link.Status = st
	if st.ChannelEqOK(dev.link.Lanes) {
		return nil
	}

	dev.msg.Infof("link lost (%v), retraining", st)
	_, err = dev.train(dev.cfg.lanes, dev.cfg.rate)
	switch {
	case err == nil:
		dev.setStatus(Connected)
	case errors.Is(err, ErrAborted):
		return nil
	default:
		dev.setStatus(TrainingFailed)
	}
	return err
}
