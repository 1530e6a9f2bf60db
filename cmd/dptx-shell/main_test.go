// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/go-lpc/dplink/dptx"
)

func newSimShell(t *testing.T) (*shell, *bytes.Buffer) {
	t.Helper()
	out := new(bytes.Buffer)
	sh, err := newShell(out, true, nil)
	if err != nil {
		t.Fatalf("could not create shell: %+v", err)
	}
	waitStatus(t, sh, dptx.Connected)
	return sh, out
}

func waitStatus(t *testing.T, sh *shell, want dptx.ConnStatus) {
	t.Helper()
	timeout := time.After(10 * time.Second)
	for sh.dev.Status() != want {
		select {
		case <-timeout:
			t.Fatalf("timeout waiting for status %v (got=%v)", want, sh.dev.Status())
		case <-time.After(time.Millisecond):
		}
	}
}

func TestShell(t *testing.T) {
	sh, out := newSimShell(t)
	defer sh.Close()

	for _, tc := range []struct {
		cmd  string
		want string
	}{
		{"caps", "sink: 001a2b-dpsim"},
		{"status", "status: connected"},
		{"read 0x0 4", "00000: 12 14 c4 01"},
		{"read 0x400 3", "00400: 00 1a 2b"},
		{"write 0x1000 0x42 0x43", ""},
		{"read 0x1000 2", "01000: 42 43"},
		{"train 2 hbr", "link: 2 lane(s) @ HBR"},
		{"train", "link: 4 lane(s) @ HBR2"},
		{"mode 148500", "mode 148500 kHz @24 bpp: ok"},
		{"edid", "EDID: 1 block(s)"},
		{"help", "train [lanes] [rate]"},
	} {
		t.Run(tc.cmd, func(t *testing.T) {
			out.Reset()
			err := sh.exec(tc.cmd)
			if err != nil {
				t.Fatalf("could not run %q: %+v", tc.cmd, err)
			}
			if !strings.Contains(out.String(), tc.want) {
				t.Fatalf("invalid output:\ngot= %q\nwant=%q", out.String(), tc.want)
			}
		})
	}
}

func TestShellErrors(t *testing.T) {
	sh, _ := newSimShell(t)
	defer sh.Close()

	for _, tc := range []struct {
		cmd string
		err error
	}{
		{"read", nil},
		{"read 0xzz", nil},
		{"write 0x100", nil},
		{"write 0x100 0x1ff", nil},
		{"train 2 hbr5", nil},
		{"train 1 2 3", nil},
		{"mode", nil},
		{"foo", nil},
		{"write 0x001 0x1e", dptx.ErrRejected},
		{"quit", errQuit},
	} {
		t.Run(tc.cmd, func(t *testing.T) {
			err := sh.exec(tc.cmd)
			switch {
			case err == nil:
				t.Fatalf("expected an error")
			case tc.err != nil && !errors.Is(err, tc.err):
				t.Fatalf("invalid error: got=%v, want=%v", err, tc.err)
			}
		})
	}
}

func TestShellUnplug(t *testing.T) {
	sh, _ := newSimShell(t)
	defer sh.Close()

	err := sh.exec("unplug")
	if err != nil {
		t.Fatalf("could not unplug: %+v", err)
	}
	waitStatus(t, sh, dptx.Disconnected)

	err = sh.exec("read 0x0")
	if !errors.Is(err, dptx.ErrNotConnected) {
		t.Fatalf("invalid error: got=%v, want=%v", err, dptx.ErrNotConnected)
	}

	err = sh.exec("plug")
	if err != nil {
		t.Fatalf("could not plug: %+v", err)
	}
	waitStatus(t, sh, dptx.Connected)
}

func TestComplete(t *testing.T) {
	got := complete("re")
	if len(got) != 1 || got[0] != "read" {
		t.Fatalf("invalid completion: %q", got)
	}
	if got := complete("zz"); len(got) != 0 {
		t.Fatalf("invalid completion: %q", got)
	}
}
