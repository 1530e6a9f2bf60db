// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dptx

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"
)

type rwer interface {
	io.ReaderAt
	io.WriterAt
}

// bus gives 32-bit access to the core registers.
// The first failing access is kept in err and turns the following
// accesses into no-ops, until the error is collected with reset.
type bus struct {
	mu  sync.Mutex
	rw  rwer
	buf [4]byte
	err error
}

func newBus(rw rwer) *bus {
	return &bus{rw: rw}
}

func (b *bus) readU32(off int64) uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.err != nil {
		return 0
	}
	_, err := b.rw.ReadAt(b.buf[:4], off)
	if err != nil {
		b.err = &regError{op: "read", off: off, err: err}
		return 0
	}
	return binary.LittleEndian.Uint32(b.buf[:4])
}

func (b *bus) writeU32(off int64, v uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.err != nil {
		return
	}
	binary.LittleEndian.PutUint32(b.buf[:4], v)
	_, err := b.rw.WriteAt(b.buf[:4], off)
	if err != nil {
		b.err = &regError{op: "write", off: off, err: err}
	}
}

// reset returns the sticky error and clears it.
func (b *bus) reset() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	err := b.err
	b.err = nil
	return err
}

// regError is a failed register access.
type regError struct {
	op  string
	off int64
	err error
}

func (e *regError) Error() string {
	return fmt.Sprintf("dptx: could not %s register 0x%x: %v", e.op, e.off, e.err)
}

func (e *regError) Unwrap() error { return e.err }

// reg32 is a single 32-bit register of the core.
type reg32 struct {
	r func() uint32
	w func(v uint32)
}

func newReg32(b *bus, offset int64) reg32 {
	return reg32{
		r: func() uint32 {
			return b.readU32(offset)
		},
		w: func(v uint32) {
			b.writeU32(offset, v)
		},
	}
}

func (reg reg32) set(mask uint32) {
	reg.w(reg.r() | mask)
}

func (reg reg32) clr(mask uint32) {
	reg.w(reg.r() &^ mask)
}

// field returns the value of the bit-field selected by mask.
func (reg reg32) field(mask uint32, shift uint) uint32 {
	return (reg.r() & mask) >> shift
}

// setField updates the bit-field selected by mask.
func (reg reg32) setField(mask uint32, shift uint, v uint32) {
	reg.w(reg.r()&^mask | (v<<shift)&mask)
}
