// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dptx

import (
	"fmt"
	"sync"

	"github.com/go-daq/smbus"

	"github.com/go-lpc/dplink/dptx/internal/regs"
)

const (
	smbusPageReg  = 0xff // page selection register of the bridge
	smbusPageSize = 0x80
)

// smbusConn is the subset of the SMBus connection used by the bridge window.
type smbusConn interface {
	ReadReg(addr, reg uint8) (uint8, error)
	WriteReg(addr, reg, v uint8) error
}

// smbusWindow exposes the core registers through a paged SMBus bridge:
// each 128-byte page of the register span is selected with the page
// register, then accessed byte-wise.
type smbusWindow struct {
	mu   sync.Mutex
	conn smbusConn
	addr uint8
	page int // currently selected page, -1 if unknown
}

func newSMBusWindow(conn smbusConn, addr uint8) *smbusWindow {
	return &smbusWindow{conn: conn, addr: addr, page: -1}
}

func (w *smbusWindow) sel(off int64) (uint8, error) {
	if off < 0 || off >= regs.SPAN {
		return 0, fmt.Errorf("dptx: invalid SMBus register offset 0x%x", off)
	}
	page := int(off / smbusPageSize)
	if page != w.page {
		err := w.conn.WriteReg(w.addr, smbusPageReg, uint8(page))
		if err != nil {
			w.page = -1
			return 0, fmt.Errorf("dptx: could not select SMBus page %d: %w", page, err)
		}
		w.page = page
	}
	return uint8(off % smbusPageSize), nil
}

func (w *smbusWindow) ReadAt(p []byte, off int64) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for i := range p {
		reg, err := w.sel(off + int64(i))
		if err != nil {
			return i, err
		}
		p[i], err = w.conn.ReadReg(w.addr, reg)
		if err != nil {
			return i, fmt.Errorf("dptx: could not read SMBus register 0x%x: %w", off+int64(i), err)
		}
	}
	return len(p), nil
}

func (w *smbusWindow) WriteAt(p []byte, off int64) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for i, v := range p {
		reg, err := w.sel(off + int64(i))
		if err != nil {
			return i, err
		}
		err = w.conn.WriteReg(w.addr, reg, v)
		if err != nil {
			return i, fmt.Errorf("dptx: could not write SMBus register 0x%x: %w", off+int64(i), err)
		}
	}
	return len(p), nil
}

// OpenI2C opens a transmitter core reached through an SMBus bridge at
// address addr on the given I2C bus.
func OpenI2C(bus int, addr uint8, opts ...Option) (*Device, error) {
	conn, err := smbus.Open(bus, addr)
	if err != nil {
		return nil, fmt.Errorf("dptx: could not open SMBus %d @0x%02x: %w", bus, addr, err)
	}

	dev, err := NewDevice(newSMBusWindow(conn, addr), opts...)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	dev.closer = conn
	return dev, nil
}
