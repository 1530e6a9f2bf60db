// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mmap // import "github.com/go-lpc/dplink/internal/mmap"

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestHandle(t *testing.T) {
	t.Run("nil-handle", func(t *testing.T) {
		var h *Handle

		_, err := h.ReadAt(nil, 0)
		if !errors.Is(err, os.ErrInvalid) {
			t.Fatalf("invalid read-at error: %+v", err)
		}

		_, err = h.WriteAt(nil, 0)
		if !errors.Is(err, os.ErrInvalid) {
			t.Fatalf("invalid write-at error: %+v", err)
		}

		err = h.Close()
		if !errors.Is(err, os.ErrInvalid) {
			t.Fatalf("invalid close error: %+v", err)
		}
	})
	t.Run("closed", func(t *testing.T) {
		h := HandleFrom(make([]byte, 8))
		err := h.Close()
		if err != nil {
			t.Fatalf("could not close handle: %+v", err)
		}

		_, err = h.ReadAt(nil, 0)
		if !errors.Is(err, errClosed) {
			t.Fatalf("invalid read-at error: %+v", err)
		}

		_, err = h.WriteAt(nil, 0)
		if !errors.Is(err, errClosed) {
			t.Fatalf("invalid write-at error: %+v", err)
		}

		err = h.Close()
		if err != nil {
			t.Fatalf("error closing closed handle: %+v", err)
		}
	})
}

func TestHandleFrom(t *testing.T) {
	h := HandleFrom([]byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9})

	if got, want := h.Len(), 10; got != want {
		t.Fatalf("invalid len: got=%d, want=%d", got, want)
	}

	_, err := h.WriteAt(nil, -1)
	if got, want := err.Error(), "mmap: invalid WriteAt offset -1"; got != want {
		t.Fatalf("invalid error: %+v", err)
	}

	_, err = h.ReadAt(nil, -1)
	if got, want := err.Error(), "mmap: invalid ReadAt offset -1"; got != want {
		t.Fatalf("invalid error: %+v", err)
	}

	for _, tc := range []struct {
		name string
		off  int64
		n    int
		want []byte
		err  error
	}{
		{"word", 4, 4, []byte{4, 5, 6, 7}, nil},
		{"unaligned", 1, 4, []byte{1, 2, 3, 4}, nil},
		{"byte", 9, 1, []byte{9}, nil},
		{"short", 8, 4, []byte{8, 9, 0, 0}, io.EOF},
	} {
		t.Run(tc.name, func(t *testing.T) {
			p := make([]byte, tc.n)
			_, err := h.ReadAt(p, tc.off)
			if !errors.Is(err, tc.err) {
				t.Fatalf("invalid error: got=%v, want=%v", err, tc.err)
			}
			if !reflect.DeepEqual(p, tc.want) {
				t.Fatalf("invalid read: got=%v, want=%v", p, tc.want)
			}
		})
	}

	_, err = h.WriteAt([]byte{0xef, 0xbe, 0xad, 0xde}, 4)
	if err != nil {
		t.Fatalf("could not write word: %+v", err)
	}
	p := make([]byte, 4)
	_, err = h.ReadAt(p, 4)
	if err != nil {
		t.Fatalf("could not read word: %+v", err)
	}
	if got, want := p, []byte{0xef, 0xbe, 0xad, 0xde}; !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid word: got=%v, want=%v", got, want)
	}

	_, err = h.WriteAt([]byte{1, 2, 3}, 8)
	if !errors.Is(err, io.ErrShortWrite) {
		t.Fatalf("invalid short write error: %+v", err)
	}
}

func TestOpen(t *testing.T) {
	fname := filepath.Join(t.TempDir(), "mem")
	err := os.WriteFile(fname, make([]byte, 3*os.Getpagesize()), 0644)
	if err != nil {
		t.Fatalf("could not create file: %+v", err)
	}

	base := int64(os.Getpagesize() + 16)
	h, err := Open(fname, base, 32)
	if err != nil {
		t.Fatalf("could not mmap file: %+v", err)
	}
	defer h.Close()

	if got, want := h.Len(), 32; got != want {
		t.Fatalf("invalid len: got=%d, want=%d", got, want)
	}

	_, err = h.WriteAt([]byte{1, 2, 3, 4}, 8)
	if err != nil {
		t.Fatalf("could not write: %+v", err)
	}

	err = h.Close()
	if err != nil {
		t.Fatalf("could not close handle: %+v", err)
	}

	raw, err := os.ReadFile(fname)
	if err != nil {
		t.Fatalf("could not read back file: %+v", err)
	}
	if got, want := raw[base+8:base+12], []byte{1, 2, 3, 4}; !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid file content: got=%v, want=%v", got, want)
	}

	_, err = Open(filepath.Join(t.TempDir(), "not-there"), 0, 4)
	if err == nil {
		t.Fatalf("expected an error")
	}
}
