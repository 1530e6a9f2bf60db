// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dptx

import (
	"errors"
	"reflect"
	"sync/atomic"
	"testing"

	"github.com/go-lpc/dplink/dpcd"
	"github.com/go-lpc/dplink/dptx/dpsim"
	"github.com/go-lpc/dplink/dptx/internal/regs"
)

func TestPlugHandshake(t *testing.T) {
	sink := dpsim.NewSink(dpcd.HBR2, 4)
	dev, core := plugged(t, sink)

	caps, err := dev.Caps()
	if err != nil {
		t.Fatalf("could not get sink capabilities: %+v", err)
	}
	if caps.MaxRate != dpcd.HBR2 || caps.MaxLanes != 4 || !caps.TPS3 || !caps.EnhancedFraming {
		t.Fatalf("invalid capabilities: %v", caps)
	}
	if got, want := caps.Name(), "001a2b-dpsim"; got != want {
		t.Fatalf("invalid sink name: got=%q, want=%q", got, want)
	}
	if got, want := sink.DPCD(dpcd.SET_POWER), byte(dpcd.SET_POWER_D0); got != want {
		t.Fatalf("sink not powered up: got=0x%x, want=0x%x", got, want)
	}
	cctl := core.Reg(regs.CCTL)
	if cctl&regs.CCTL_ENH_FRAME_EN == 0 {
		t.Fatalf("enhanced framing not enabled: CCTL=0x%08x", cctl)
	}
	if cctl&(regs.CCTL_ENABLE_FEC|regs.CCTL_ENABLE_MST_MODE) != 0 {
		t.Fatalf("FEC or MST enabled for an incapable sink: CCTL=0x%08x", cctl)
	}
	if got := core.Reg(regs.GENERAL_INTERRUPT_ENABLE); got&regs.GEN_INT_VIDEO_MASK != 0 {
		t.Fatalf("video FIFO interrupts enabled: 0x%x", got)
	}
}

func TestPlugOptionalFeatures(t *testing.T) {
	sink := dpsim.NewSink(dpcd.HBR2, 4)
	sink.SetDPCD(dpcd.FEC_CAPABILITY, dpcd.FEC_CAPABLE)
	sink.SetDPCD(dpcd.MSTM_CAP, dpcd.MST_CAP)
	sink.SetDPCD(dpcd.RECEIVER_ALPM_CAP, dpcd.ALPM_CAP)

	dev, core, _ := newSim(t, sink, []dpsim.Option{dpsim.WithStreams(2)}, WithMST(true))
	core.Plug()
	if err := drain(dev); err != nil {
		t.Fatalf("could not handle hot-plug: %+v", err)
	}

	caps, err := dev.Caps()
	if err != nil {
		t.Fatalf("could not get sink capabilities: %+v", err)
	}
	if !caps.FEC || !caps.MST || !caps.ALPM {
		t.Fatalf("invalid capabilities: %v", caps)
	}
	if got, want := sink.DPCD(dpcd.FEC_CONFIGURATION), byte(dpcd.FEC_READY); got != want {
		t.Fatalf("invalid FEC configuration: got=0x%x, want=0x%x", got, want)
	}
	if got, want := sink.DPCD(dpcd.MSTM_CTRL), byte(dpcd.MST_EN|dpcd.UP_REQ_EN|dpcd.UPSTREAM_IS_SRC); got != want {
		t.Fatalf("invalid MST control: got=0x%x, want=0x%x", got, want)
	}
	cctl := core.Reg(regs.CCTL)
	if cctl&regs.CCTL_ENABLE_FEC == 0 || cctl&regs.CCTL_ENABLE_MST_MODE == 0 {
		t.Fatalf("FEC or MST not enabled: CCTL=0x%08x", cctl)
	}

	core.Unplug()
	if err := drain(dev); err != nil {
		t.Fatalf("could not handle hot-unplug: %+v", err)
	}
	if cctl := core.Reg(regs.CCTL); cctl&(regs.CCTL_ENABLE_FEC|regs.CCTL_ENABLE_MST_MODE) != 0 {
		t.Fatalf("FEC or MST still enabled: CCTL=0x%08x", cctl)
	}
}

func TestPlugFECDisabled(t *testing.T) {
	sink := dpsim.NewSink(dpcd.HBR2, 4)
	sink.SetDPCD(dpcd.FEC_CAPABILITY, dpcd.FEC_CAPABLE)

	_, core := plugged(t, sink, WithFEC(false))
	if got := sink.DPCD(dpcd.FEC_CONFIGURATION); got != 0 {
		t.Fatalf("FEC configured: 0x%x", got)
	}
	if cctl := core.Reg(regs.CCTL); cctl&regs.CCTL_ENABLE_FEC != 0 {
		t.Fatalf("FEC enabled: CCTL=0x%08x", cctl)
	}
}

func TestPlugExtendedCaps(t *testing.T) {
	sink := dpsim.NewSink(dpcd.HBR2, 2)
	sink.SetDPCD(dpcd.TRAINING_AUX_RD_INTERVAL, dpcd.EXTENDED_RECEIVER_CAP_PRSN|0x01)
	sink.SetDPCD(dpcd.EXTENDED_RECEIVER_CAP_BASE,
		0x14,
		byte(dpcd.HBR3),
		4|dpcd.ENHANCED_FRAME_CAP|dpcd.TPS3_SUPPORTED,
		dpcd.MAX_DOWNSPREAD_0_5|dpcd.TPS4_SUPPORTED,
		0x01, 0x00, dpcd.CHANNEL_CODING_8B10B,
	)

	dev, core := plugged(t, sink)
	caps, err := dev.Caps()
	if err != nil {
		t.Fatalf("could not get sink capabilities: %+v", err)
	}
	if caps.MaxRate != dpcd.HBR3 || caps.MaxLanes != 4 || !caps.TPS4 {
		t.Fatalf("extended capabilities not applied: %v", caps)
	}
	if got, want := caps.AuxRdInterval, byte(0x01); got != want {
		t.Fatalf("invalid AUX read interval: got=%d, want=%d", got, want)
	}

	if got, want := dev.Link().Config(), (LinkConfig{Lanes: 4, Rate: dpcd.HBR3}); got != want {
		t.Fatalf("invalid link: got=%v, want=%v", got, want)
	}
	if got, want := core.Patterns(), []uint32{regs.TPS_TPS1, regs.TPS_TPS4, regs.TPS_NONE}; !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid PHY patterns: got=%v, want=%v", got, want)
	}
}

func TestPlugHandshakeFailure(t *testing.T) {
	sink := dpsim.NewSink(dpcd.HBR2, 4)
	dev, core, _ := newSim(t, sink, nil)
	core.Script(dpsim.Nack)
	core.Plug()

	err := drain(dev)
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("invalid error: got=%v, want=%v", err, ErrRejected)
	}
	if got, want := dev.Status(), TrainingFailed; got != want {
		t.Fatalf("invalid status: got=%v, want=%v", got, want)
	}
	if _, err := dev.Caps(); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("invalid error: got=%v, want=%v", err, ErrNotConnected)
	}
}

func TestPlugNoSink(t *testing.T) {
	sink := dpsim.NewSink(dpcd.HBR2, 4)
	sink.SetDPCD(dpcd.SINK_COUNT, 0)
	dev, core, _ := newSim(t, sink, nil)
	core.Plug()

	err := drain(dev)
	if !errors.Is(err, ErrNoSink) {
		t.Fatalf("invalid error: got=%v, want=%v", err, ErrNoSink)
	}
	if got, want := dev.Status(), Disconnected; got != want {
		t.Fatalf("invalid status: got=%v, want=%v", got, want)
	}
	if got := sink.Links(); len(got) != 0 {
		t.Fatalf("link trained without downstream sink: %v", got)
	}
}

func TestPlugStale(t *testing.T) {
	dev, core, _ := newSim(t, dpsim.NewSink(dpcd.HBR2, 4), nil)

	dev.Post(EventHotPlug)
	if err := drain(dev); err != nil {
		t.Fatalf("could not handle stale hot-plug: %+v", err)
	}
	if got, want := dev.Status(), Disconnected; got != want {
		t.Fatalf("invalid status: got=%v, want=%v", got, want)
	}
	if got := core.AuxCmds(); got != 0 {
		t.Fatalf("AUX transactions issued without sink: %d", got)
	}
}

func TestUnplug(t *testing.T) {
	dev, core := plugged(t, dpsim.NewSink(dpcd.HBR2, 4))

	core.Unplug()
	if err := drain(dev); err != nil {
		t.Fatalf("could not handle hot-unplug: %+v", err)
	}

	if got, want := dev.Status(), Disconnected; got != want {
		t.Fatalf("invalid status: got=%v, want=%v", got, want)
	}
	if dev.Link().Trained {
		t.Fatalf("link still trained")
	}
	if _, err := dev.Caps(); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("invalid error: got=%v, want=%v", err, ErrNotConnected)
	}
	if got, want := phyField(core, regs.PHYIF_PWRDOWN_MASK, regs.PHYIF_PWRDOWN_SHIFT), uint32(regs.PHY_POWER_DOWN); got != want {
		t.Fatalf("PHY not powered down: got=0x%x, want=0x%x", got, want)
	}
	if got := phyField(core, regs.PHYIF_XMIT_EN_MASK, regs.PHYIF_XMIT_EN_SHIFT); got != 0 {
		t.Fatalf("transmitters still enabled: 0b%b", got)
	}
	if got, want := core.Reg(regs.HPD_INTERRUPT_ENABLE), uint32(regs.HPD_IRQ|regs.HPD_HOT_PLUG|regs.HPD_HOT_UNPLUG); got != want {
		t.Fatalf("HPD interrupts not re-armed: got=0x%x, want=0x%x", got, want)
	}

	var buf [1]byte
	if err := dev.ReadDPCD(dpcd.DPCD_REV, buf[:]); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("invalid error: got=%v, want=%v", err, ErrNotConnected)
	}

	// replug.
	core.Plug()
	if err := drain(dev); err != nil {
		t.Fatalf("could not handle hot-plug: %+v", err)
	}
	if got, want := dev.Status(), Connected; got != want {
		t.Fatalf("invalid status: got=%v, want=%v", got, want)
	}
	if !dev.Link().Trained {
		t.Fatalf("link not trained after replug")
	}
}

func TestUnplugDuringClockRecovery(t *testing.T) {
	var (
		sink = dpsim.NewSink(dpcd.HBR2, 4)
		obs  reports
	)
	dev, core, slp := newSim(t, sink, nil, WithObserver(obs.observe))
	core.UnplugOnStatusRead(1)
	core.Plug()

	// handle the hot-plug event only: the unplug is queued meanwhile.
	err := dev.handle(<-dev.evts)
	if err != nil {
		t.Fatalf("aborted training should not fail: %+v", err)
	}

	rep := obs.last(t)
	if !errors.Is(rep.Err, ErrAborted) {
		t.Fatalf("invalid error: got=%v, want=%v", rep.Err, ErrAborted)
	}
	if rep.Link.Trained || dev.Link().Trained {
		t.Fatalf("link should not be trained")
	}
	if got, want := len(rep.Attempts), 1; got != want {
		t.Fatalf("fallback after abort: %v", rep.Attempts)
	}

	// the status read is the first AUX transaction after the CR wait.
	mark := -1
	for i := 0; i < slp.len(); i++ {
		if slp.ds[i] == crPollInterval {
			mark = i
			break
		}
	}
	if mark < 0 {
		t.Fatalf("no clock recovery wait")
	}
	if got := slp.count(auxPollInterval, mark); got > 1 {
		t.Fatalf("aborted AUX transaction polled %d times", got)
	}
	if got := slp.count(crPollInterval, mark); got != 1 {
		t.Fatalf("clock recovery went on after abort: %d waits", got)
	}

	if got := len(dev.evts); got != 1 {
		t.Fatalf("invalid number of queued events: %d", got)
	}
	if err := drain(dev); err != nil {
		t.Fatalf("could not handle hot-unplug: %+v", err)
	}
	if got, want := dev.Status(), Disconnected; got != want {
		t.Fatalf("invalid status: got=%v, want=%v", got, want)
	}

	core.Plug()
	if err := drain(dev); err != nil {
		t.Fatalf("could not handle hot-plug: %+v", err)
	}
	if !dev.Link().Trained {
		t.Fatalf("link not trained after replug")
	}
}

func TestServiceIRQ(t *testing.T) {
	sink := dpsim.NewSink(dpcd.HBR2, 4)
	var lost atomic.Bool
	sink.SetTrainer(dpsim.TrainerFunc(func(st dpsim.TrainingState) dpcd.LinkStatus {
		if lost.Load() && st.Pattern == dpcd.TRAINING_PATTERN_DISABLE {
			return dpsim.Status(st.Link.Lanes, dpcd.LANE_CR_DONE, false)
		}
		return dpsim.Ideal.LinkStatus(st)
	}))
	dev, core := plugged(t, sink)

	t.Run("vector", func(t *testing.T) {
		sink.SetDPCD(dpcd.DEVICE_SERVICE_IRQ_VECTOR, dpcd.CP_IRQ|dpcd.SINK_SPECIFIC_IRQ)
		core.ServiceIRQ()
		if err := drain(dev); err != nil {
			t.Fatalf("could not handle service IRQ: %+v", err)
		}
		if got := sink.DPCD(dpcd.DEVICE_SERVICE_IRQ_VECTOR); got != 0 {
			t.Fatalf("service vector not acknowledged: 0x%02x", got)
		}
		if got, want := len(sink.Links()), 1; got != want {
			t.Fatalf("link retrained while in sync: %v", sink.Links())
		}
	})

	t.Run("link-lost", func(t *testing.T) {
		lost.Store(true)
		defer lost.Store(false)

		core.ServiceIRQ()
		if err := drain(dev); err != nil {
			t.Fatalf("could not handle service IRQ: %+v", err)
		}
		if got, want := len(sink.Links()), 2; got != want {
			t.Fatalf("link not retrained: %v", sink.Links())
		}
		if got, want := dev.Status(), Connected; got != want {
			t.Fatalf("invalid status: got=%v, want=%v", got, want)
		}
		if !dev.Link().Trained {
			t.Fatalf("link not trained")
		}
	})

	t.Run("sink-count", func(t *testing.T) {
		sink.SetDPCD(dpcd.SINK_COUNT, 0)
		core.ServiceIRQ()
		if err := drain(dev); err != nil {
			t.Fatalf("could not handle service IRQ: %+v", err)
		}
		if got, want := dev.Status(), Disconnected; got != want {
			t.Fatalf("invalid status: got=%v, want=%v", got, want)
		}
		if dev.Link().Trained {
			t.Fatalf("link still trained")
		}
	})
}

func TestServiceIRQNotConnected(t *testing.T) {
	dev, core, _ := newSim(t, dpsim.NewSink(dpcd.HBR2, 4), nil)
	dev.Post(EventIRQ)
	if err := drain(dev); err != nil {
		t.Fatalf("could not handle service IRQ: %+v", err)
	}
	if got := core.AuxCmds(); got != 0 {
		t.Fatalf("AUX transactions issued without sink: %d", got)
	}
}

func TestServiceIRQRegisterFailure(t *testing.T) {
	dev, core := plugged(t, dpsim.NewSink(dpcd.HBR2, 4))

	bad := errors.New("bus error")
	core.Fail(bad)
	err := dev.handle(EventIRQ)
	core.Fail(nil)
	if !errors.Is(err, bad) {
		t.Fatalf("invalid error: got=%v, want=%v", err, bad)
	}

	// HPD went low: the pending hot-unplug takes care of the link.
	core.Unplug()
	if err := dev.handle(EventIRQ); err != nil {
		t.Fatalf("could not handle service IRQ: %+v", err)
	}
	if err := drain(dev); err != nil {
		t.Fatalf("could not handle hot-unplug: %+v", err)
	}
	if got, want := dev.Status(), Disconnected; got != want {
		t.Fatalf("invalid status: got=%v, want=%v", got, want)
	}
}
