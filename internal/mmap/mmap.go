// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package mmap provides memory-mapped register windows.
package mmap // import "github.com/go-lpc/dplink/internal/mmap"

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

var (
	errClosed = errors.New("mmap: closed")
)

// Handle is a window over memory-mapped registers.
// Aligned 4-byte reads and writes are performed as single 32-bit accesses.
type Handle struct {
	data []byte // window
	mmap []byte // whole mapping, nil when not owned
}

// Open maps size bytes of fname (typically /dev/mem), starting at the
// physical address base. base does not need to be page aligned.
func Open(fname string, base, size int64) (*Handle, error) {
	f, err := os.OpenFile(fname, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("mmap: could not open %q: %w", fname, err)
	}
	defer f.Close()

	page := int64(os.Getpagesize())
	off := base &^ (page - 1)
	delta := base - off

	data, err := unix.Mmap(
		int(f.Fd()),
		off, int(size+delta),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED,
	)
	if err != nil {
		return nil, fmt.Errorf("mmap: could not mmap %q at 0x%x: %w", fname, base, err)
	}
	if int64(len(data)) != size+delta {
		_ = unix.Munmap(data)
		return nil, fmt.Errorf("mmap: invalid mmap'd data: %d", len(data))
	}

	h := &Handle{
		data: data[delta : delta+size],
		mmap: data,
	}
	runtime.SetFinalizer(h, (*Handle).Close)
	return h, nil
}

// HandleFrom creates a window over an already mapped memory region.
// The handle does not own the region.
func HandleFrom(data []byte) *Handle {
	return &Handle{data: data}
}

// Close closes the mmap handle.
func (h *Handle) Close() error {
	if h == nil {
		return os.ErrInvalid
	}

	if h.data == nil {
		return nil
	}
	h.data = nil
	mapping := h.mmap
	h.mmap = nil
	runtime.SetFinalizer(h, nil)

	if mapping == nil {
		return nil
	}
	return unix.Munmap(mapping)
}

// Len returns the length of the register window.
func (h *Handle) Len() int {
	return len(h.data)
}

func (h *Handle) word(off int64) *uint32 {
	return (*uint32)(unsafe.Pointer(&h.data[off]))
}

func aligned(p []byte, off int64) bool {
	return len(p) == 4 && off%4 == 0
}

// ReadAt implements the io.ReaderAt interface.
func (h *Handle) ReadAt(p []byte, off int64) (int, error) {
	if h == nil {
		return 0, os.ErrInvalid
	}

	if h.data == nil {
		return 0, errClosed
	}
	if off < 0 || int64(len(h.data)) < off {
		return 0, fmt.Errorf("mmap: invalid ReadAt offset %d", off)
	}
	if aligned(p, off) && off+4 <= int64(len(h.data)) {
		binary.LittleEndian.PutUint32(p, atomic.LoadUint32(h.word(off)))
		return 4, nil
	}
	n := copy(p, h.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements the io.WriterAt interface.
func (h *Handle) WriteAt(p []byte, off int64) (int, error) {
	if h == nil {
		return 0, os.ErrInvalid
	}

	if h.data == nil {
		return 0, errClosed
	}
	if off < 0 || int64(len(h.data)) < off {
		return 0, fmt.Errorf("mmap: invalid WriteAt offset %d", off)
	}
	if aligned(p, off) && off+4 <= int64(len(h.data)) {
		atomic.StoreUint32(h.word(off), binary.LittleEndian.Uint32(p))
		return 4, nil
	}
	n := copy(h.data[off:], p)
	if n < len(p) {
		return n, io.ErrShortWrite
	}
	return n, nil
}

var (
	_ io.ReaderAt = (*Handle)(nil)
	_ io.WriterAt = (*Handle)(nil)
	_ io.Closer   = (*Handle)(nil)
)
