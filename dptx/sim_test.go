// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dptx

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/go-daq/tdaq/log"
	"github.com/go-lpc/dplink/dptx/dpsim"
)

type sleeper struct {
	mu sync.Mutex
	ds []time.Duration
}

func (s *sleeper) sleep(d time.Duration) {
	s.mu.Lock()
	s.ds = append(s.ds, d)
	s.mu.Unlock()
}

func (s *sleeper) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ds)
}

func (s *sleeper) count(d time.Duration, from int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, v := range s.ds[from:] {
		if v == d {
			n++
		}
	}
	return n
}

func quiet() Option {
	return WithMsgStream(log.NewMsgStream("dptx", log.LvlError, io.Discard))
}

// newSim creates a device driving a simulated core connected to sink.
// All delays are recorded instead of slept.
func newSim(t *testing.T, sink *dpsim.Sink, copts []dpsim.Option, opts ...Option) (*Device, *dpsim.Core, *sleeper) {
	t.Helper()

	var (
		core = dpsim.New(sink, copts...)
		slp  = new(sleeper)
	)
	opts = append([]Option{quiet(), WithSleep(slp.sleep)}, opts...)
	dev, err := NewDevice(core, opts...)
	if err != nil {
		t.Fatalf("could not create device: %+v", err)
	}
	core.SetIRQHandler(dev.HandleIRQ)
	return dev, core, slp
}

// drain handles all queued and pending events and returns the first error.
func drain(dev *Device) error {
	var first error
	for {
		evts := dev.pending()
		select {
		case evt := <-dev.evts:
			evts = append(evts, evt)
		default:
		}
		if len(evts) == 0 {
			return first
		}
		for _, evt := range evts {
			err := dev.handle(evt)
			if err != nil && first == nil {
				first = err
			}
		}
	}
}

// plugged returns a device connected to a sink, after the handshake.
func plugged(t *testing.T, sink *dpsim.Sink, opts ...Option) (*Device, *dpsim.Core) {
	t.Helper()

	dev, core, _ := newSim(t, sink, nil, opts...)
	core.Plug()
	err := drain(dev)
	if err != nil {
		t.Fatalf("could not handle hot-plug: %+v", err)
	}
	if got, want := dev.Status(), Connected; got != want {
		t.Fatalf("invalid status: got=%v, want=%v", got, want)
	}
	return dev, core
}
