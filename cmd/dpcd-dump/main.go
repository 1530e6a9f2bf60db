// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command dpcd-dump displays the capabilities, the link status and the EDID
// of the sink connected to a DisplayPort transmitter.
//
// Example:
//
//	$> dpcd-dump -sim
//	$> dpcd-dump -base 0xff200000 -edid=false
package main // import "github.com/go-lpc/dplink/cmd/dpcd-dump"

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	tlog "github.com/go-daq/tdaq/log"
	"github.com/go-lpc/dplink/dpcd"
	"github.com/go-lpc/dplink/dptx"
	"github.com/go-lpc/dplink/dptx/dpsim"
)

func main() {
	log.SetPrefix("dpcd-dump: ")
	log.SetFlags(0)

	var (
		doSim   = flag.Bool("sim", false, "dump a simulated sink")
		devmem  = flag.String("devmem", "/dev/mem", "memory device to map the transmitter registers from")
		base    = flag.Int64("base", 0, "physical base address of the transmitter registers")
		i2cBus  = flag.Int("i2c", -1, "I2C bus of the SMBus bridge to the transmitter (-1: use -devmem)")
		i2cAddr = flag.Uint("i2c-addr", 0x3c, "I2C address of the SMBus bridge")
		doEDID  = flag.Bool("edid", true, "dump the sink EDID")
		timeout = flag.Duration("timeout", 5*time.Second, "timeout waiting for the sink")
	)

	flag.Parse()

	msg := tlog.NewMsgStream("dptx", tlog.LvlWarning, os.Stderr)

	var (
		dev  *dptx.Device
		core *dpsim.Core
		err  error
	)
	switch {
	case *doSim:
		core = dpsim.New(dpsim.NewSink(dpcd.HBR2, 4))
		dev, err = dptx.NewDevice(core, dptx.WithMsgStream(msg))
		if err == nil {
			core.SetIRQHandler(dev.HandleIRQ)
		}
	case *i2cBus >= 0:
		dev, err = dptx.OpenI2C(*i2cBus, uint8(*i2cAddr), dptx.WithMsgStream(msg))
	default:
		dev, err = dptx.Open(*devmem, *base, dptx.WithMsgStream(msg))
	}
	if err != nil {
		log.Fatalf("could not open transmitter: %+v", err)
	}
	defer dev.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if core != nil {
		core.Plug()
	}

	err = connect(ctx, dev)
	if err != nil {
		log.Fatalf("could not connect to sink: %+v", err)
	}

	err = dump(os.Stdout, dev, *doEDID)
	if err != nil {
		log.Fatalf("could not dump sink: %+v", err)
	}
}

// connect handles the transmitter events until the handshake with the sink
// completed or ctx is done.
func connect(ctx context.Context, dev *dptx.Device) error {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = dev.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	tck := time.NewTicker(time.Millisecond)
	defer tck.Stop()
	for {
		if dev.Status() != dptx.Disconnected {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("no sink connected: %w", ctx.Err())
		case <-tck.C:
			dev.HandleIRQ()
		}
	}
}

var regions = []struct {
	name string
	addr uint32
	size int
}{
	{"receiver capabilities", dpcd.DPCD_REV, dpcd.CapsSize},
	{"link configuration", dpcd.LINK_BW_SET, 9},
	{"sink count", dpcd.SINK_COUNT, 2},
	{"link status", dpcd.LANE0_1_STATUS, dpcd.LinkStatusSize},
	{"sink identification", dpcd.SINK_OUI, 12},
}

func dump(w io.Writer, dev *dptx.Device, edid bool) error {
	caps, err := dev.Caps()
	if err != nil {
		return fmt.Errorf("could not read sink capabilities: %w", err)
	}
	fmt.Fprintf(w, "sink:   %s\n", caps.Name())
	fmt.Fprintf(w, "caps:   %v\n", caps)
	fmt.Fprintf(w, "status: %v\n", dev.Status())
	fmt.Fprintf(w, "link:   %v\n", dev.Link())

	for _, r := range regions {
		buf := make([]byte, r.size)
		err := dev.ReadDPCD(r.addr, buf)
		if err != nil {
			return fmt.Errorf("could not read %s: %w", r.name, err)
		}
		fmt.Fprintf(w, "\n%s [0x%05x]:\n% x\n", r.name, r.addr, buf)
	}

	if !edid {
		return nil
	}

	raw, err := dev.ReadEDID()
	if err != nil {
		return fmt.Errorf("could not read EDID: %w", err)
	}
	fmt.Fprintf(w, "\nEDID (%d bytes):\n%s", len(raw), hex.Dump(raw))
	return nil
}
