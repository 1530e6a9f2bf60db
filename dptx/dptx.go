// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package dptx drives a DisplayPort transmitter core: AUX channel
// transactions, PHY control, link training and hot-plug handling.
package dptx // import "github.com/go-lpc/dplink/dptx"

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-lpc/dplink/dpcd"
)

var (
	// AUX transaction errors.
	ErrInvalidLength = errors.New("dptx: invalid AUX payload length")
	ErrRejected      = errors.New("dptx: AUX request rejected by sink")
	ErrNoResponse    = errors.New("dptx: no AUX response from sink")
	ErrAborted       = errors.New("dptx: AUX transaction aborted")

	// PHY faults.
	ErrPhyBusyTimeout = errors.New("dptx: PHY busy timeout")

	// Link training errors.
	ErrClockRecovery  = errors.New("dptx: clock recovery failed")
	ErrChannelEq      = errors.New("dptx: channel equalization failed")
	ErrLinkExhausted  = errors.New("dptx: lowest link configuration exhausted")
	ErrNoSink         = errors.New("dptx: no downstream sink")
	ErrNotConnected   = errors.New("dptx: sink not connected")
	ErrBadID          = errors.New("dptx: invalid core identification")
	errPollTimeout    = errors.New("dptx: poll timeout")
	errAuxTimeout     = errors.New("dptx: AUX reply timeout")
	errBadPowerState  = errors.New("dptx: invalid PHY power state")
	errBadLaneCount   = errors.New("dptx: invalid lane count")
	errBadRate        = errors.New("dptx: invalid link rate")
	errBadEDIDHeader  = errors.New("dptx: invalid EDID header")
	errBadEDIDCsum    = errors.New("dptx: invalid EDID checksum")
	errModeBandwidth  = errors.New("dptx: mode exceeds link bandwidth")
	errUnknownPattern = errors.New("dptx: unknown training pattern")
)

// TrainingError describes the exhaustion of the fallback ladder.
// It matches ErrLinkExhausted and unwraps to the error of the last
// failing stage (ErrClockRecovery or ErrChannelEq).
type TrainingError struct {
	Stage error
	Link  LinkConfig // last attempted configuration
}

func (e *TrainingError) Error() string {
	return fmt.Sprintf("%v: %v at %v", ErrLinkExhausted, e.Stage, e.Link)
}

func (e *TrainingError) Unwrap() error { return e.Stage }

func (e *TrainingError) Is(target error) bool {
	return target == ErrLinkExhausted
}

// LinkConfig is a (lanes, rate) pair of the fallback ladder.
type LinkConfig struct {
	Lanes int
	Rate  dpcd.Rate
}

func (cfg LinkConfig) String() string {
	return fmt.Sprintf("%d lane(s) @ %v", cfg.Lanes, cfg.Rate)
}

// Bandwidth returns the raw link bandwidth in Mbps.
func (cfg LinkConfig) Bandwidth() int {
	return cfg.Lanes * cfg.Rate.Mbps()
}

// LinkState is the negotiated link configuration and its training progress.
type LinkState struct {
	Lanes       int
	Rate        dpcd.Rate
	Vswing      [4]uint8
	PreEmphasis [4]uint8
	Status      dpcd.LinkStatus // last lane status block read from the sink
	Trained     bool
}

// Config returns the lanes/rate pair of the link.
func (ls LinkState) Config() LinkConfig {
	return LinkConfig{Lanes: ls.Lanes, Rate: ls.Rate}
}

func (ls LinkState) String() string {
	state := "not trained"
	if ls.Trained {
		state = "trained"
	}
	return fmt.Sprintf("%v (%s) vswing=%v pre-emphasis=%v",
		ls.Config(), state, ls.Vswing[:ls.Lanes], ls.PreEmphasis[:ls.Lanes],
	)
}

// ConnStatus is the connector state.
type ConnStatus int32

const (
	Disconnected ConnStatus = iota
	Connected
	TrainingFailed
)

func (st ConnStatus) String() string {
	switch st {
	case Disconnected:
		return "disconnected"
	case Connected:
		return "connected"
	case TrainingFailed:
		return "training failed"
	}
	return fmt.Sprintf("ConnStatus(%d)", int32(st))
}

// Mode is the kind of link training performed.
type Mode int

const (
	FullTraining Mode = iota
	FastTraining
)

func (m Mode) String() string {
	switch m {
	case FullTraining:
		return "full"
	case FastTraining:
		return "fast"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// Report summarizes one link training.
type Report struct {
	Mode      Mode
	Sink      string // sink identifier, see dpcd.Caps.Name
	Requested LinkConfig
	Attempts  []LinkConfig // configurations tried, in order
	Link      LinkState
	Start     time.Time
	Duration  time.Duration
	Err       error
}

// VideoConfigurator receives the trained link to set up the video stream.
type VideoConfigurator interface {
	ConfigureVideo(link LinkState, params VideoParams) error
}
