// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dptx

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/go-lpc/dplink/dpcd"
	"github.com/go-lpc/dplink/dptx/dpsim"
	"github.com/go-lpc/dplink/dptx/internal/regs"
)

func TestAuxReq(t *testing.T) {
	for _, tc := range []struct {
		req  auxReq
		n    int
		want uint32
	}{
		{
			req:  auxReq{read: true, addr: 0x202},
			n:    6,
			want: 0x9<<28 | 0x202<<8 | 5,
		},
		{
			req:  auxReq{addr: 0x100},
			n:    2,
			want: 0x8<<28 | 0x100<<8 | 1,
		},
		{
			req:  auxReq{i2c: true, mot: true, read: true, addr: 0x50},
			n:    15,
			want: 0x5<<28 | 0x50<<8 | 14,
		},
		{
			req:  auxReq{i2c: true, read: true, addrOnly: true, addr: 0x50},
			n:    1,
			want: 0x1<<28 | 0x50<<8 | regs.AUX_CMD_I2C_ADDR_ONLY,
		},
		{
			req:  auxReq{i2c: true, mot: true, addr: 0x30},
			n:    1,
			want: 0x4<<28 | 0x30<<8,
		},
	} {
		t.Run(tc.req.String(), func(t *testing.T) {
			if got := tc.req.cmd(tc.n); got != tc.want {
				t.Fatalf("invalid command: got=0x%08x, want=0x%08x", got, tc.want)
			}
		})
	}
}

func TestAuxDeferThenAck(t *testing.T) {
	dev, core := plugged(t, dpsim.NewSink(dpcd.HBR2, 4))

	core.Script(
		dpsim.Defer, dpsim.Defer, dpsim.Defer,
		dpsim.Defer, dpsim.Defer, dpsim.Defer,
		dpsim.Defer, dpsim.Defer, dpsim.Defer,
	)
	beg := core.AuxCmds()

	buf := make([]byte, 3)
	err := dev.ReadDPCD(dpcd.SINK_OUI, buf)
	if err != nil {
		t.Fatalf("could not read DPCD: %+v", err)
	}
	if got, want := core.AuxCmds()-beg, 10; got != want {
		t.Fatalf("invalid number of attempts: got=%d, want=%d", got, want)
	}
	if want := []byte{0x00, 0x1a, 0x2b}; !bytes.Equal(buf, want) {
		t.Fatalf("invalid payload: got=%x, want=%x", buf, want)
	}
}

func TestAuxReplies(t *testing.T) {
	for _, tc := range []struct {
		name    string
		replies []dpsim.Reply
		cmds    int
		resets  int
		err     error
	}{
		{
			name: "ack",
			cmds: 1,
		},
		{
			name:    "nack",
			replies: []dpsim.Reply{dpsim.Nack},
			cmds:    1,
			err:     ErrRejected,
		},
		{
			name:    "i2c-nack",
			replies: []dpsim.Reply{dpsim.I2CNack},
			cmds:    1,
			err:     ErrRejected,
		},
		{
			name:    "i2c-defer",
			replies: []dpsim.Reply{dpsim.I2CDefer, dpsim.I2CDefer},
			cmds:    3,
		},
		{
			name:    "timeout",
			replies: []dpsim.Reply{dpsim.Timeout, dpsim.Timeout},
			cmds:    3,
			resets:  2,
		},
		{
			name:    "glitch",
			replies: []dpsim.Reply{dpsim.Glitch},
			cmds:    2,
			resets:  1,
		},
		{
			name:    "invalid",
			replies: []dpsim.Reply{dpsim.Invalid, dpsim.Defer},
			cmds:    3,
			resets:  1,
		},
		{
			name:    "short",
			replies: []dpsim.Reply{dpsim.Short},
			cmds:    2,
		},
		{
			name:    "defer-nack",
			replies: []dpsim.Reply{dpsim.Defer, dpsim.Nack},
			cmds:    2,
			err:     ErrRejected,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			dev, core := plugged(t, dpsim.NewSink(dpcd.HBR2, 4))
			core.Script(tc.replies...)
			var (
				cmds   = core.AuxCmds()
				resets = core.AuxResets()
				buf    = make([]byte, dpcd.CapsSize)
			)

			err := dev.ReadDPCD(dpcd.DPCD_REV, buf[:4])
			switch {
			case tc.err == nil && err != nil:
				t.Fatalf("could not read DPCD: %+v", err)
			case tc.err != nil && !errors.Is(err, tc.err):
				t.Fatalf("invalid error: got=%v, want=%v", err, tc.err)
			}

			if got, want := core.AuxCmds()-cmds, tc.cmds; got != want {
				t.Fatalf("invalid number of attempts: got=%d, want=%d", got, want)
			}
			if got, want := core.AuxResets()-resets, tc.resets; got != want {
				t.Fatalf("invalid number of AUX resets: got=%d, want=%d", got, want)
			}
			if tc.err != nil {
				return
			}
			if got, want := buf[:4], []byte{0x12, byte(dpcd.HBR2), 0xc4, 0x01}; !bytes.Equal(got, want) {
				t.Fatalf("invalid payload: got=%x, want=%x", got, want)
			}
		})
	}
}

func TestAuxBoundedRetries(t *testing.T) {
	for _, tc := range []struct {
		name  string
		opts  []Option
		reply dpsim.Reply
		want  int
	}{
		{"defer", nil, dpsim.Defer, defaultAuxRetries},
		{"timeout", nil, dpsim.Timeout, defaultAuxRetries},
		{"glitch", nil, dpsim.Glitch, defaultAuxRetries},
		{"defer-5", []Option{WithAuxRetries(5)}, dpsim.Defer, 5},
		{"defer-0", []Option{WithAuxRetries(0)}, dpsim.Defer, defaultAuxRetries},
	} {
		t.Run(tc.name, func(t *testing.T) {
			dev, core := plugged(t, dpsim.NewSink(dpcd.HBR2, 4), tc.opts...)
			replies := make([]dpsim.Reply, 2*defaultAuxRetries)
			for i := range replies {
				replies[i] = tc.reply
			}
			core.Script(replies...)
			beg := core.AuxCmds()

			var buf [1]byte
			err := dev.ReadDPCD(dpcd.DPCD_REV, buf[:])
			if !errors.Is(err, ErrNoResponse) {
				t.Fatalf("invalid error: got=%v, want=%v", err, ErrNoResponse)
			}
			if got := core.AuxCmds() - beg; got != tc.want {
				t.Fatalf("invalid number of attempts: got=%d, want=%d", got, tc.want)
			}
		})
	}
}

func TestAuxInvalidLength(t *testing.T) {
	dev, core := plugged(t, dpsim.NewSink(dpcd.HBR2, 4))
	beg := core.AuxCmds()

	for _, n := range []int{0, 16, 32} {
		err := dev.auxTransact(auxReq{read: true}, make([]byte, n))
		if !errors.Is(err, ErrInvalidLength) {
			t.Fatalf("n=%d: invalid error: got=%v, want=%v", n, err, ErrInvalidLength)
		}
	}

	err := dev.WriteDPCD(dpcd.SET_POWER, nil)
	if !errors.Is(err, ErrInvalidLength) {
		t.Fatalf("invalid error: got=%v, want=%v", err, ErrInvalidLength)
	}

	if got := core.AuxCmds() - beg; got != 0 {
		t.Fatalf("invalid requests were issued: %d", got)
	}
}

func TestAuxChunks(t *testing.T) {
	sink := dpsim.NewSink(dpcd.HBR2, 4)
	dev, core := plugged(t, sink)

	want := make([]byte, 40)
	for i := range want {
		want[i] = byte(i + 1)
	}
	beg := core.AuxCmds()
	err := dev.WriteDPCD(0x1000, want)
	if err != nil {
		t.Fatalf("could not write DPCD: %+v", err)
	}
	if got, want := core.AuxCmds()-beg, 3; got != want {
		t.Fatalf("invalid number of transactions: got=%d, want=%d", got, want)
	}
	for i, v := range want {
		if got := sink.DPCD(0x1000 + uint32(i)); got != v {
			t.Fatalf("invalid DPCD[0x%x]: got=0x%x, want=0x%x", 0x1000+i, got, v)
		}
	}

	got := make([]byte, len(want))
	err = dev.ReadDPCD(0x1000, got)
	if err != nil {
		t.Fatalf("could not read DPCD: %+v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("invalid read-back:\ngot= %x\nwant=%x", got, want)
	}
}

func TestAuxRejectedWrite(t *testing.T) {
	dev, _ := plugged(t, dpsim.NewSink(dpcd.HBR2, 4))

	err := dev.WriteDPCD(dpcd.MAX_LINK_RATE, []byte{0x1e})
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("invalid error: got=%v, want=%v", err, ErrRejected)
	}

	err = dev.WriteI2C(0x42, []byte{0x01})
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("invalid error: got=%v, want=%v", err, ErrRejected)
	}
}

func TestAuxI2C(t *testing.T) {
	dev, _ := plugged(t, dpsim.NewSink(dpcd.HBR2, 4))

	err := dev.WriteI2C(ddcAddr, []byte{0x00})
	if err != nil {
		t.Fatalf("could not write I2C: %+v", err)
	}
	buf := make([]byte, 8)
	err = dev.ReadI2C(ddcAddr, buf)
	if err != nil {
		t.Fatalf("could not read I2C: %+v", err)
	}
	if !bytes.Equal(buf, edidHeader) {
		t.Fatalf("invalid EDID header: %x", buf)
	}
}

func TestAuxNotConnected(t *testing.T) {
	dev, _, _ := newSim(t, dpsim.NewSink(dpcd.HBR2, 4), nil)

	var buf [1]byte
	err := dev.ReadDPCD(dpcd.DPCD_REV, buf[:])
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("invalid error: got=%v, want=%v", err, ErrNotConnected)
	}
}

func TestAuxAbort(t *testing.T) {
	sink := dpsim.NewSink(dpcd.HBR2, 4)
	dev, core := plugged(t, sink)
	dev.cfg.sleep = time.Sleep

	hung := core.Hang()
	errc := make(chan error, 1)
	go func() {
		var buf [1]byte
		errc <- dev.ReadDPCD(dpcd.DPCD_REV, buf[:])
	}()

	<-hung
	dev.AbortAux()

	select {
	case err := <-errc:
		if !errors.Is(err, ErrAborted) {
			t.Fatalf("invalid error: got=%v, want=%v", err, ErrAborted)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("AUX transaction was not aborted")
	}
}
