// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dptx

import (
	"os"
	"time"

	"github.com/go-daq/tdaq/log"
	"github.com/go-lpc/dplink/dpcd"
)

type config struct {
	lanes int       // preferred lane count, 0: source maximum
	rate  dpcd.Rate // preferred rate, 0: source maximum

	auxRetries int
	mst        bool
	fec        bool

	msg   log.MsgStream
	video VideoConfigurator
	obs   func(Report)
	sleep func(time.Duration)
}

func newConfig() config {
	return config{
		auxRetries: defaultAuxRetries,
		fec:        true,
		msg:        log.NewMsgStream("dptx", log.LvlInfo, os.Stdout),
		sleep:      time.Sleep,
	}
}

// Option configures a transmitter device.
type Option func(*config)

// WithMaxLanes limits the lane count used by link training.
func WithMaxLanes(n int) Option {
	return func(cfg *config) {
		cfg.lanes = n
	}
}

// WithMaxRate limits the link rate used by link training.
func WithMaxRate(r dpcd.Rate) Option {
	return func(cfg *config) {
		cfg.rate = r
	}
}

// WithAuxRetries sets the maximum number of attempts of one AUX transaction.
func WithAuxRetries(n int) Option {
	return func(cfg *config) {
		if n > 0 {
			cfg.auxRetries = n
		}
	}
}

// WithMST requests multi-stream mode on sinks that support it.
func WithMST(v bool) Option {
	return func(cfg *config) {
		cfg.mst = v
	}
}

// WithFEC enables forward error correction on sinks that support it,
// when the core was synthesized with FEC.
func WithFEC(v bool) Option {
	return func(cfg *config) {
		cfg.fec = v
	}
}

// WithMsgStream sets the message stream used for logging.
func WithMsgStream(msg log.MsgStream) Option {
	return func(cfg *config) {
		cfg.msg = msg
	}
}

// WithVideoConfigurator sets the collaborator notified of a trained link.
func WithVideoConfigurator(vc VideoConfigurator) Option {
	return func(cfg *config) {
		cfg.video = vc
	}
}

// WithObserver registers a function called after each link training.
func WithObserver(f func(Report)) Option {
	return func(cfg *config) {
		cfg.obs = f
	}
}

// WithSleep replaces the function used for all hardware delays.
func WithSleep(f func(time.Duration)) Option {
	return func(cfg *config) {
		cfg.sleep = f
	}
}
