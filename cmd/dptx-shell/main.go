// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command dptx-shell is an interactive console to inspect the DPCD space of
// a DisplayPort sink and to drive link trainings.
//
// Example:
//
//	$> dptx-shell -sim
//	dptx> caps
//	dptx> read 0x200 8
//	dptx> train 2 hbr
//	dptx> quit
package main // import "github.com/go-lpc/dplink/cmd/dptx-shell"

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	tlog "github.com/go-daq/tdaq/log"
	"github.com/go-lpc/dplink/dpcd"
	"github.com/go-lpc/dplink/dptx"
	"github.com/go-lpc/dplink/dptx/dpsim"
	"github.com/peterh/liner"
)

func main() {
	log.SetPrefix("dptx-shell: ")
	log.SetFlags(0)

	var (
		doSim   = flag.Bool("sim", false, "drive a simulated transmitter and sink")
		devmem  = flag.String("devmem", "/dev/mem", "memory device to map the transmitter registers from")
		base    = flag.Int64("base", 0, "physical base address of the transmitter registers")
		i2cBus  = flag.Int("i2c", -1, "I2C bus of the SMBus bridge to the transmitter (-1: use -devmem)")
		i2cAddr = flag.Uint("i2c-addr", 0x3c, "I2C address of the SMBus bridge")
		lvl     = flag.String("lvl", "INFO", "message level (DEBUG|INFO|WARN|ERROR)")
	)

	flag.Parse()

	msg := tlog.NewMsgStream("dptx", parseLevel(*lvl), os.Stderr)
	sh, err := newShell(os.Stdout, *doSim, func(opts ...dptx.Option) (*dptx.Device, error) {
		opts = append(opts, dptx.WithMsgStream(msg))
		if *i2cBus >= 0 {
			return dptx.OpenI2C(*i2cBus, uint8(*i2cAddr), opts...)
		}
		return dptx.Open(*devmem, *base, opts...)
	})
	if err != nil {
		log.Fatalf("could not open transmitter: %+v", err)
	}
	defer sh.Close()

	err = sh.repl()
	if err != nil {
		log.Fatalf("%+v", err)
	}
}

func parseLevel(s string) tlog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return tlog.LvlDebug
	case "WARN":
		return tlog.LvlWarning
	case "ERROR":
		return tlog.LvlError
	}
	return tlog.LvlInfo
}

type shell struct {
	out  io.Writer
	dev  *dptx.Device
	core *dpsim.Core

	stop context.CancelFunc
	done chan struct{}
}

type opener func(opts ...dptx.Option) (*dptx.Device, error)

func newShell(out io.Writer, sim bool, open opener) (*shell, error) {
	sh := &shell{
		out:  out,
		done: make(chan struct{}),
	}

	var err error
	switch {
	case sim:
		sh.core = dpsim.New(dpsim.NewSink(dpcd.HBR2, 4))
		sh.dev, err = dptx.NewDevice(sh.core, dptx.WithMsgStream(tlog.NewMsgStream("dptx", tlog.LvlError, io.Discard)))
		if err != nil {
			return nil, err
		}
		sh.core.SetIRQHandler(sh.dev.HandleIRQ)
	default:
		sh.dev, err = open()
		if err != nil {
			return nil, err
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	sh.stop = cancel
	go func() {
		defer close(sh.done)
		if sh.core == nil {
			go sh.poll(ctx)
		}
		_ = sh.dev.Run(ctx)
	}()

	if sh.core != nil {
		sh.core.Plug()
	}
	return sh, nil
}

func (sh *shell) poll(ctx context.Context) {
	tck := time.NewTicker(10 * time.Millisecond)
	defer tck.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tck.C:
			sh.dev.HandleIRQ()
		}
	}
}

func (sh *shell) Close() error {
	sh.stop()
	<-sh.done
	return sh.dev.Close()
}

var errQuit = errors.New("quit")

func (sh *shell) repl() error {
	term := liner.NewLiner()
	defer term.Close()
	term.SetCtrlCAborts(true)
	term.SetCompleter(complete)

	hist := filepath.Join(os.TempDir(), ".dptx-shell.history")
	if f, err := os.Open(hist); err == nil {
		_, _ = term.ReadHistory(f)
		f.Close()
	}
	defer func() {
		f, err := os.Create(hist)
		if err != nil {
			return
		}
		defer f.Close()
		_, _ = term.WriteHistory(f)
	}()

	for {
		line, err := term.Prompt("dptx> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("could not read command: %w", err)
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		term.AppendHistory(line)

		err = sh.exec(line)
		switch {
		case errors.Is(err, errQuit):
			return nil
		case err != nil:
			fmt.Fprintf(sh.out, "error: %+v\n", err)
		}
	}
}
