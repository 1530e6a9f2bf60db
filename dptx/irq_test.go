// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dptx

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/go-lpc/dplink/dpcd"
	"github.com/go-lpc/dplink/dptx/dpsim"
)

func TestEventString(t *testing.T) {
	for _, tc := range []struct {
		evt  Event
		want string
	}{
		{EventHotPlug, "hot-plug"},
		{EventHotUnplug, "hot-unplug"},
		{EventIRQ, "hpd-irq"},
		{Event(0), "Event(0)"},
	} {
		if got := tc.evt.String(); got != tc.want {
			t.Errorf("got=%q, want=%q", got, tc.want)
		}
	}
}

func TestHandleIRQSpurious(t *testing.T) {
	dev, _, _ := newSim(t, dpsim.NewSink(dpcd.HBR2, 4), nil)
	dev.HandleIRQ()
	if got := len(dev.evts); got != 0 {
		t.Fatalf("spurious interrupt queued %d events", got)
	}
}

func TestEventQueueFull(t *testing.T) {
	dev, core := plugged(t, dpsim.NewSink(dpcd.HBR2, 4))
	for i := 0; i < 2*eventQueueSize; i++ {
		dev.Post(EventIRQ)
	}
	if got, want := len(dev.evts), eventQueueSize; got != want {
		t.Fatalf("invalid queue length: got=%d, want=%d", got, want)
	}
	if dev.abort.Load() {
		t.Fatalf("service IRQ should not abort AUX transactions")
	}

	core.Unplug()
	if !dev.abort.Load() {
		t.Fatalf("hot-unplug should abort AUX transactions")
	}
	if got, want := dev.pending(), []Event{EventHotUnplug}; !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid pending events: got=%v, want=%v", got, want)
	}

	core.Plug()
	core.Unplug()
	if err := drain(dev); err != nil {
		t.Fatalf("could not drain events: %+v", err)
	}
	if got, want := dev.Status(), Disconnected; got != want {
		t.Fatalf("invalid status: got=%v, want=%v", got, want)
	}
	if dev.Link().Trained {
		t.Fatalf("link still trained after hot-unplug")
	}
}

func TestRunPendingUnplug(t *testing.T) {
	dev, core := plugged(t, dpsim.NewSink(dpcd.HBR2, 4))
	for i := 0; i < eventQueueSize; i++ {
		dev.Post(EventIRQ)
	}
	core.Unplug()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error)
	go func() { done <- dev.Run(ctx) }()

	waitStatus(t, dev, Disconnected)
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("could not run event loop: %+v", err)
	}
}

func TestHandleUnknownEvent(t *testing.T) {
	dev, _, _ := newSim(t, dpsim.NewSink(dpcd.HBR2, 4), nil)
	if err := dev.handle(Event(42)); err == nil {
		t.Fatalf("expected an error")
	}
}

func waitStatus(t *testing.T, dev *Device, want ConnStatus) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for dev.Status() != want {
		select {
		case <-timeout:
			t.Fatalf("timeout waiting for status %v (got=%v)", want, dev.Status())
		case <-time.After(time.Millisecond):
		}
	}
}

func TestRun(t *testing.T) {
	dev, core, _ := newSim(t, dpsim.NewSink(dpcd.HBR2, 4), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error)
	go func() {
		done <- dev.Run(ctx)
	}()

	core.Plug()
	waitStatus(t, dev, Connected)

	core.Unplug()
	waitStatus(t, dev, Disconnected)

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("could not run event loop: %+v", err)
	}
}

// uioFile mimics a Linux UIO device file.
type uioFile struct {
	ticks chan uint32

	mu     sync.Mutex
	writes []uint32
	werr   error

	once   sync.Once
	closed chan struct{}
}

func newUIOFile() *uioFile {
	return &uioFile{
		ticks:  make(chan uint32, 16),
		closed: make(chan struct{}),
	}
}

func (f *uioFile) Read(p []byte) (int, error) {
	select {
	case n := <-f.ticks:
		binary.LittleEndian.PutUint32(p, n)
		return 4, nil
	case <-f.closed:
		return 0, io.EOF
	}
}

func (f *uioFile) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.werr != nil {
		return 0, f.werr
	}
	f.writes = append(f.writes, binary.LittleEndian.Uint32(p))
	return len(p), nil
}

func (f *uioFile) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *uioFile) nwrites() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes)
}

func TestServeUIO(t *testing.T) {
	var (
		dev, core, _ = newSim(t, dpsim.NewSink(dpcd.HBR2, 4), nil)
		uio          = newUIOFile()
		n            uint32
	)
	core.SetIRQHandler(func() {
		n++
		uio.ticks <- n
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error)
	go func() {
		done <- dev.ServeUIO(ctx, uio)
	}()

	core.Plug()
	waitStatus(t, dev, Connected)

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("could not serve UIO interrupts: %+v", err)
	}

	if got, want := uio.nwrites(), 2; got < want {
		t.Fatalf("interrupt not re-enabled: %d writes", got)
	}
	for i, v := range uio.writes {
		if v != 1 {
			t.Fatalf("invalid UIO write #%d: %d", i, v)
		}
	}
}

func TestServeUIOError(t *testing.T) {
	dev, _, _ := newSim(t, dpsim.NewSink(dpcd.HBR2, 4), nil)
	uio := newUIOFile()
	uio.werr = errors.New("uio: permission denied")

	err := dev.ServeUIO(context.Background(), uio)
	if !errors.Is(err, uio.werr) {
		t.Fatalf("invalid error: got=%v, want=%v", err, uio.werr)
	}
}
