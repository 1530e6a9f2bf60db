// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dptx

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-lpc/dplink/dpcd"
)

// State is a state of the link training state machine.
type State int

const (
	StateIdle State = iota
	StateClockRecovery
	StateChannelEqualization
	StateTrained
	StateClockRecoveryFailed
	StateChannelEqualizationFailed
	StateFailed
)

func (st State) String() string {
	switch st {
	case StateIdle:
		return "idle"
	case StateClockRecovery:
		return "clock-recovery"
	case StateChannelEqualization:
		return "channel-equalization"
	case StateTrained:
		return "trained"
	case StateClockRecoveryFailed:
		return "clock-recovery-failed"
	case StateChannelEqualizationFailed:
		return "channel-equalization-failed"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int(st))
}

// session is one link training attempt.
type session struct {
	dev  *Device
	caps *dpcd.Caps
	max  LinkConfig // highest configuration of the ladder

	state    State
	link     LinkState
	attempts []LinkConfig
	err      error // terminal error
}

func newSession(dev *Device, caps *dpcd.Caps, lanes int, rate dpcd.Rate) *session {
	max := LinkConfig{
		Lanes: dpcd.ClampLanes(minInt(lanes, dev.hw.maxLanes, caps.MaxLanes)),
		Rate:  dpcd.ClampRate(uint8(dpcd.MinRate(rate, dev.hw.maxRate(), caps.MaxRate))),
	}
	s := &session{
		dev:   dev,
		caps:  caps,
		max:   max,
		state: StateIdle,
	}
	s.link.Lanes = max.Lanes
	s.link.Rate = max.Rate
	return s
}

func minInt(v int, vs ...int) int {
	for _, x := range vs {
		if x < v {
			v = x
		}
	}
	return v
}

// run drives the full link training state machine until it reaches
// StateTrained or StateFailed.
func (s *session) run() error {
	var err error
	for err == nil {
		s.dev.msg.Debugf("link training: %v (%v)", s.state, s.link.Config())
		switch s.state {
		case StateIdle:
			s.state, err = s.configure()
		case StateClockRecovery:
			s.state, err = s.clockRecovery()
		case StateClockRecoveryFailed:
			s.state, err = s.crFallback()
		case StateChannelEqualization:
			s.state, err = s.channelEq()
		case StateChannelEqualizationFailed:
			s.state, err = s.eqFallback()
		case StateTrained:
			return nil
		case StateFailed:
			return s.err
		default:
			panic(fmt.Errorf("dptx: invalid link training state %v", s.state))
		}
	}
	s.state = StateFailed
	s.err = err
	return err
}

// configure writes the sink link configuration for the current
// lanes/rate.
func (s *session) configure() (State, error) {
	cfg := s.link.Config()
	s.attempts = append(s.attempts, cfg)

	lanes := byte(cfg.Lanes)
	if s.caps.EnhancedFraming {
		lanes |= dpcd.LANE_COUNT_ENH_FRAME
	}
	err := s.dev.dpcdWrite(dpcd.LINK_BW_SET, byte(cfg.Rate), lanes)
	if err == nil {
		err = s.dev.dpcdWrite(dpcd.DOWNSPREAD_CTRL, 0, dpcd.CHANNEL_CODING_8B10B)
	}
	if err != nil {
		return s.auxFailure(StateClockRecoveryFailed, "could not configure sink link", err)
	}
	return StateClockRecovery, nil
}

// fatal reports whether err ends the training without fallback.
func fatal(err error) bool {
	var rerr *regError
	switch {
	case errors.Is(err, ErrAborted), errors.Is(err, ErrPhyBusyTimeout):
		return true
	case errors.As(err, &rerr):
		return true
	}
	return false
}

// auxFailure turns an AUX error into a stage failure, except for fatal
// errors which end the training.
func (s *session) auxFailure(next State, msg string, err error) (State, error) {
	if fatal(err) {
		return StateFailed, err
	}
	s.dev.msg.Debugf("%s at %v: %+v", msg, s.link.Config(), err)
	return next, nil
}

func (s *session) clockRecovery() (State, error) {
	s.resetDrive()

	err := s.dev.transmitTPS1(s.link.Lanes, s.link.Rate)
	if err != nil {
		return StateFailed, err
	}
	err = s.applyDrive()
	if err != nil {
		return StateFailed, err
	}
	err = s.writeTrainingSet(PatternTPS1)
	if err != nil {
		return s.auxFailure(StateClockRecoveryFailed, "could not write TPS1 training set", err)
	}

	var (
		reads     = 0
		unchanged = 0
	)
	for {
		s.dev.cfg.sleep(crPollInterval)

		err = s.readStatus()
		if err != nil {
			return s.auxFailure(StateClockRecoveryFailed, "could not read lane status", err)
		}
		reads++

		if s.link.Status.ClockRecoveryOK(s.link.Lanes) {
			return StateChannelEqualization, nil
		}

		switch {
		case s.maxSwingReached():
			s.dev.msg.Debugf("clock recovery: max voltage swing reached at %v", s.link.Config())
			return StateClockRecoveryFailed, nil
		case unchanged >= crMaxUnchanged:
			s.dev.msg.Debugf("clock recovery: drive settings unchanged after %d reads at %v", unchanged, s.link.Config())
			return StateClockRecoveryFailed, nil
		case reads >= crMaxReads:
			s.dev.msg.Debugf("clock recovery: not done after %d reads at %v", reads, s.link.Config())
			return StateClockRecoveryFailed, nil
		}

		changed, err := s.adjust()
		if err != nil {
			return s.auxFailure(StateClockRecoveryFailed, "could not adjust drive settings", err)
		}
		if changed {
			unchanged = 0
		} else {
			unchanged++
		}
	}
}

func (s *session) channelEq() (State, error) {
	pattern := s.eqPattern()

	err := s.dev.setPattern(pattern)
	if err != nil {
		return StateFailed, err
	}
	err = s.writeTrainingSet(pattern)
	if err != nil {
		return s.auxFailure(StateChannelEqualizationFailed, "could not write channel-eq training set", err)
	}

	for iter := 1; ; iter++ {
		s.dev.cfg.sleep(s.caps.TrainingInterval())

		err = s.readStatus()
		if err != nil {
			return s.auxFailure(StateChannelEqualizationFailed, "could not read lane status", err)
		}

		if !s.link.Status.ClockRecoveryOK(s.link.Lanes) {
			s.dev.msg.Debugf("channel-eq: clock recovery lost at %v", s.link.Config())
			return StateChannelEqualizationFailed, nil
		}

		if s.link.Status.ChannelEqOK(s.link.Lanes) {
			return s.finish()
		}

		if iter >= eqMaxIterations {
			s.dev.msg.Debugf("channel-eq: not done after %d iterations at %v", iter, s.link.Config())
			return StateChannelEqualizationFailed, nil
		}

		_, err = s.adjust()
		if err != nil {
			return s.auxFailure(StateChannelEqualizationFailed, "could not adjust drive settings", err)
		}
	}
}

// finish ends a successful training.
func (s *session) finish() (State, error) {
	err := s.clearPattern()
	if err != nil {
		return s.auxFailure(StateChannelEqualizationFailed, "could not clear training pattern", err)
	}
	s.link.Trained = true
	return StateTrained, nil
}

// eqPattern returns the best channel-equalization pattern supported
// by the sink.
func (s *session) eqPattern() Pattern {
	switch {
	case s.caps.TPS4:
		return PatternTPS4
	case s.caps.TPS3:
		return PatternTPS3
	}
	return PatternTPS2
}

func (s *session) crFallback() (State, error) {
	cfg := s.link.Config()
	if rate, ok := cfg.Rate.Lower(); ok {
		return s.next(LinkConfig{Lanes: cfg.Lanes, Rate: rate}, ErrClockRecovery)
	}
	lanes, ok := dpcd.LowerLanes(cfg.Lanes)
	if !ok {
		return s.exhausted(ErrClockRecovery)
	}
	return s.next(LinkConfig{Lanes: lanes, Rate: s.max.Rate}, ErrClockRecovery)
}

func (s *session) eqFallback() (State, error) {
	cfg := s.link.Config()
	if lanes, ok := s.reduceLanes(); ok {
		return s.next(LinkConfig{Lanes: lanes, Rate: cfg.Rate}, ErrChannelEq)
	}
	if rate, ok := cfg.Rate.Lower(); ok {
		return s.next(LinkConfig{Lanes: s.max.Lanes, Rate: rate}, ErrChannelEq)
	}
	return s.exhausted(ErrChannelEq)
}

// reduceLanes returns the lane count to use after a channel-equalization
// failure, from the per-lane clock recovery status.
func (s *session) reduceLanes() (int, bool) {
	st := s.link.Status
	switch s.link.Lanes {
	case 4:
		if st.LaneCRDone(1) {
			return 2, true
		}
		if st.LaneCRDone(0) {
			return 1, true
		}
	case 2:
		if st.LaneCRDone(0) {
			return 1, true
		}
	}
	return s.link.Lanes, false
}

// next moves the session to the next configuration of the ladder.
// The training pattern is cleared first.
func (s *session) next(cfg LinkConfig, stage error) (State, error) {
	err := s.clearPattern()
	if err != nil && fatal(err) {
		return StateFailed, err
	}

	for _, prev := range s.attempts {
		if prev == cfg {
			s.dev.msg.Debugf("fallback to %v already attempted", cfg)
			return s.exhausted(stage)
		}
	}

	s.dev.msg.Debugf("%v at %v, falling back to %v", stage, s.link.Config(), cfg)
	s.link = LinkState{Lanes: cfg.Lanes, Rate: cfg.Rate}
	return StateIdle, nil
}

func (s *session) exhausted(stage error) (State, error) {
	s.err = &TrainingError{Stage: stage, Link: s.link.Config()}
	return StateFailed, nil
}

func (s *session) resetDrive() {
	s.link.Vswing = [4]uint8{}
	s.link.PreEmphasis = [4]uint8{}
}

// applyDrive programs the PHY with the current drive settings.
func (s *session) applyDrive() error {
	for i := 0; i < s.link.Lanes; i++ {
		err := s.dev.setVoltageSwing(i, s.link.Vswing[i])
		if err != nil {
			return err
		}
		err = s.dev.setPreEmphasis(i, s.link.PreEmphasis[i])
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *session) laneSet() []byte {
	buf := make([]byte, s.link.Lanes)
	for i := range buf {
		buf[i] = dpcd.TrainingLaneSet(s.link.Vswing[i], s.link.PreEmphasis[i])
	}
	return buf
}

// writeTrainingSet writes the training pattern and the per-lane drive
// settings to the sink.
func (s *session) writeTrainingSet(p Pattern) error {
	buf := append([]byte{p.trainingSet()}, s.laneSet()...)
	return s.dev.dpcdWrite(dpcd.TRAINING_PATTERN_SET, buf...)
}

func (s *session) readStatus() error {
	var st dpcd.LinkStatus
	err := s.dev.dpcdRead(dpcd.LANE0_1_STATUS, st[:])
	if err != nil {
		return err
	}
	s.link.Status = st
	return nil
}

func (s *session) maxSwingReached() bool {
	for i := 0; i < s.link.Lanes; i++ {
		if s.link.Vswing[i] >= dpcd.MaxLevel {
			return true
		}
	}
	return false
}

// adjust applies the drive settings requested by the sink and reports
// whether the voltage swing of any lane changed.
func (s *session) adjust() (bool, error) {
	changed := false
	for i := 0; i < s.link.Lanes; i++ {
		v, p := s.link.Status.AdjustRequest(i)
		v = clampLevel(v)
		p = clampLevel(p)
		if v != s.link.Vswing[i] {
			changed = true
		}
		s.link.Vswing[i] = v
		s.link.PreEmphasis[i] = p
	}

	err := s.applyDrive()
	if err != nil {
		return changed, err
	}
	err = s.dev.dpcdWrite(dpcd.TRAINING_LANE0_SET, s.laneSet()...)
	return changed, err
}

// clearPattern stops the training pattern on the PHY and on the sink.
// Both are attempted even if the first fails.
func (s *session) clearPattern() error {
	errPHY := s.dev.setPattern(PatternNone)
	errAUX := s.dev.dpcdWrite(dpcd.TRAINING_PATTERN_SET, dpcd.TRAINING_PATTERN_DISABLE)
	if errPHY != nil {
		return errPHY
	}
	return errAUX
}

// fast performs link training without AUX handshake: fixed-duration
// patterns, success assumed.
func (s *session) fast() error {
	s.attempts = append(s.attempts, s.link.Config())

	err := s.dev.phyConfigure(s.link.Lanes, s.link.Rate)
	if err != nil {
		return err
	}
	err = s.dev.setPattern(PatternTPS1)
	if err != nil {
		return err
	}
	err = s.dev.enableTransmitters(s.link.Lanes, true)
	if err != nil {
		return err
	}
	s.dev.cfg.sleep(fastSettleDelay)

	err = s.dev.setPattern(fastEqPattern(s.link.Rate))
	if err != nil {
		return err
	}
	s.dev.cfg.sleep(fastSettleDelay)

	err = s.dev.setPattern(PatternNone)
	if err != nil {
		return err
	}
	s.link.Trained = true
	s.state = StateTrained
	return nil
}

func fastEqPattern(r dpcd.Rate) Pattern {
	switch r {
	case dpcd.HBR2:
		return PatternTPS3
	case dpcd.HBR3:
		return PatternTPS4
	}
	return PatternTPS2
}

// train runs a link training with the connected sink. The caller holds dev.mu.
func (dev *Device) train(lanes int, rate dpcd.Rate) (LinkState, error) {
	if dev.caps == nil {
		return LinkState{}, ErrNotConnected
	}
	if lanes <= 0 {
		lanes = dev.hw.maxLanes
	}
	if rate == 0 {
		rate = dev.hw.maxRate()
	}

	s := newSession(dev, dev.caps, lanes, rate)
	rep := Report{
		Mode:      FullTraining,
		Sink:      dev.caps.Name(),
		Requested: LinkConfig{Lanes: lanes, Rate: rate},
		Start:     time.Now(),
	}
	if dev.caps.NoAuxHandshake {
		rep.Mode = FastTraining
	}

	dev.link = LinkState{}
	dev.msg.Infof("%v link training at %v...", rep.Mode, s.max)

	var err error
	switch rep.Mode {
	case FastTraining:
		err = s.fast()
		if !s.link.Trained {
			// fast training makes no AUX write.
			if e := dev.setPattern(PatternNone); e != nil {
				dev.msg.Debugf("could not clear PHY training pattern: %+v", e)
			}
		}
	default:
		err = s.run()
		if !s.link.Trained {
			// the sink must not be left in training mode.
			if e := s.clearPattern(); e != nil {
				dev.msg.Debugf("could not clear training pattern: %+v", e)
			}
		}
	}
	if err != nil {
		s.link.Trained = false
	}
	dev.link = s.link

	rep.Attempts = s.attempts
	rep.Link = s.link
	rep.Duration = time.Since(rep.Start)
	rep.Err = err

	switch {
	case err == nil:
		dev.msg.Infof("%v link training at %v... [ok] (%v)", rep.Mode, s.link.Config(), rep.Duration)
	case errors.Is(err, ErrAborted):
		dev.msg.Infof("link training aborted")
	case errors.Is(err, ErrPhyBusyTimeout):
		dev.msg.Errorf("link training failed: %+v", err)
	default:
		dev.msg.Warnf("link training failed: %+v", err)
	}

	if dev.cfg.obs != nil {
		dev.cfg.obs(rep)
	}

	if err != nil {
		return dev.link, err
	}

	if dev.cfg.video != nil {
		err = dev.cfg.video.ConfigureVideo(dev.link, DefaultVideoParams())
		if err != nil {
			// a link without video stream is reported as failed.
			dev.link.Trained = false
			return dev.link, fmt.Errorf("dptx: could not configure video stream: %w", err)
		}
	}

	return dev.link, nil
}

// RequestLinkTraining (re)trains the link with the connected sink,
// using at most the preferred lane count and rate.
// A zero lane count or rate selects the source maximum.
func (dev *Device) RequestLinkTraining(lanes int, rate dpcd.Rate) (LinkState, error) {
	dev.mu.Lock()
	defer dev.mu.Unlock()

	if dev.caps == nil {
		return LinkState{}, ErrNotConnected
	}
	if err := dev.rearm(); err != nil {
		return LinkState{}, err
	}

	link, err := dev.train(lanes, rate)
	switch {
	case err == nil:
		dev.setStatus(Connected)
	case errors.Is(err, ErrAborted):
		// unplug in progress.
	default:
		dev.setStatus(TrainingFailed)
	}
	return link, err
}
