// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dptx

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/sync/errgroup"

	"github.com/go-lpc/dplink/dptx/internal/regs"
)

// Event is a hot-plug event, as delivered by the interrupt top half.
type Event uint8

const (
	EventHotPlug Event = iota + 1
	EventHotUnplug
	EventIRQ // sink service request
)

func (evt Event) String() string {
	switch evt {
	case EventHotPlug:
		return "hot-plug"
	case EventHotUnplug:
		return "hot-unplug"
	case EventIRQ:
		return "hpd-irq"
	}
	return fmt.Sprintf("Event(%d)", uint8(evt))
}

// HandleIRQ is the interrupt top half: it reads and acknowledges the
// hot-plug interrupt status and queues the corresponding events for Run.
// HandleIRQ never blocks on the device mutex.
func (dev *Device) HandleIRQ() {
	dev.irq.mu.Lock()
	defer dev.irq.mu.Unlock()

	gen := dev.irq.gen.r()
	if gen&regs.GEN_INT_HPD_EVENT == 0 {
		if err := dev.irq.bus.reset(); err != nil {
			dev.msg.Errorf("could not read interrupt status: %+v", err)
		}
		return
	}

	hpd := dev.irq.hpd.r()
	dev.irq.hpd.w(hpd & regs.HPD_EVENTS_MASK)
	dev.irq.gen.w(regs.GEN_INT_HPD_EVENT)
	if err := dev.irq.bus.reset(); err != nil {
		dev.msg.Errorf("could not handle HPD interrupt: %+v", err)
		return
	}

	if hpd&(regs.HPD_HOT_UNPLUG|regs.HPD_UNPLUG_ERR) != 0 {
		dev.abort.Store(true)
		dev.post(EventHotUnplug)
	}
	if hpd&regs.HPD_HOT_PLUG != 0 {
		dev.post(EventHotPlug)
	}
	if hpd&regs.HPD_IRQ != 0 {
		dev.post(EventIRQ)
	}
}

// Post queues an event for Run.
// Hot-plug events are never lost: when the queue is full they are kept
// pending until Run catches up. Service requests are dropped.
func (dev *Device) Post(evt Event) {
	if evt == EventHotUnplug {
		dev.abort.Store(true)
	}
	dev.post(evt)
}

func (dev *Device) post(evt Event) {
	select {
	case dev.evts <- evt:
		return
	default:
	}

	switch evt {
	case EventHotPlug, EventHotUnplug:
		dev.msg.Debugf("event queue full, %v pending", evt)
		for {
			old := dev.pend.Load()
			if dev.pend.CompareAndSwap(old, old|1<<evt) {
				break
			}
		}
		select {
		case dev.wake <- struct{}{}:
		default:
		}
	default:
		dev.msg.Warnf("event queue full, dropping %v", evt)
	}
}

// pending returns the hot-plug events that could not be queued,
// hot-unplug first. plug checks the HPD level so a stale hot-plug is harmless.
func (dev *Device) pending() []Event {
	bits := dev.pend.Swap(0)
	if bits == 0 {
		return nil
	}
	var evts []Event
	for _, evt := range []Event{EventHotUnplug, EventHotPlug} {
		if bits&(1<<evt) != 0 {
			evts = append(evts, evt)
		}
	}
	return evts
}

// Run handles queued events until ctx is done.
func (dev *Device) Run(ctx context.Context) error {
	for {
		for _, evt := range dev.pending() {
			dev.dispatch(evt)
		}
		select {
		case <-ctx.Done():
			return nil
		case evt := <-dev.evts:
			dev.dispatch(evt)
		case <-dev.wake:
		}
	}
}

func (dev *Device) dispatch(evt Event) {
	err := dev.handle(evt)
	if err != nil {
		dev.msg.Errorf("could not handle %v: %+v", evt, err)
	}
}

// handle runs one event to completion.
func (dev *Device) handle(evt Event) error {
	dev.mu.Lock()
	defer dev.mu.Unlock()

	dev.msg.Debugf("handling %v...", evt)
	switch evt {
	case EventHotPlug:
		return dev.plug()
	case EventHotUnplug:
		return dev.unplug()
	case EventIRQ:
		return dev.serviceIRQ()
	}
	return fmt.Errorf("dptx: unknown event %v", evt)
}

// ServeUIO runs the event worker and an interrupt loop reading from a
// Linux UIO device: each 4-byte read returns when an interrupt fired,
// each 4-byte write of 1 re-enables the interrupt.
// irq is closed when ctx is done.
func (dev *Device) ServeUIO(ctx context.Context, irq io.ReadWriteCloser) error {
	grp, ctx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		return dev.Run(ctx)
	})
	grp.Go(func() error {
		<-ctx.Done()
		return irq.Close()
	})
	grp.Go(func() error {
		return dev.uioLoop(ctx, irq)
	})
	err := grp.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (dev *Device) uioLoop(ctx context.Context, irq io.ReadWriter) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], 1)
	_, err := irq.Write(buf[:])
	if err != nil {
		return fmt.Errorf("dptx: could not enable UIO interrupt: %w", err)
	}

	for {
		_, err := io.ReadFull(irq, buf[:])
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("dptx: could not wait for UIO interrupt: %w", err)
		}
		dev.HandleIRQ()

		binary.LittleEndian.PutUint32(buf[:], 1)
		_, err = irq.Write(buf[:])
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("dptx: could not re-enable UIO interrupt: %w", err)
		}
	}
}
