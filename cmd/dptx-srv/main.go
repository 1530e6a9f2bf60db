// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command dptx-srv starts a TDAQ server managing the link of a DisplayPort
// transmitter.
//
// Commands:
//   - /config: open the transmitter and the training database,
//   - /init: arm hot-plug detection,
//   - /reset: retrain the link, optionally with a (lanes, rate) request body,
//   - /start: start streaming training reports on /link,
//   - /stop: stop streaming training reports,
//   - /quit: close the transmitter and write the training histograms.
package main // import "github.com/go-lpc/dplink/cmd/dptx-srv"

import (
	"context"
	"flag"
	"log"
	"os"
	"strings"
	"time"

	"github.com/go-daq/tdaq"
	"github.com/go-daq/tdaq/flags"
	"github.com/sbinet/pmon"
)

var (
	doSim   = flag.Bool("sim", false, "drive a simulated transmitter and sink")
	devmem  = flag.String("devmem", "/dev/mem", "memory device to map the transmitter registers from")
	base    = flag.Int64("base", 0, "physical base address of the transmitter registers")
	i2cBus  = flag.Int("i2c", -1, "I2C bus of the SMBus bridge to the transmitter (-1: use -devmem)")
	i2cAddr = flag.Uint("i2c-addr", 0x3c, "I2C address of the SMBus bridge")
	uio     = flag.String("uio", "", "UIO device delivering the transmitter interrupt")
	dbname  = flag.String("db", "", "name of the database where to record link trainings")
	ofile   = flag.String("o", "dptx-stats.yoda", "path to the output YODA file with training histograms")
	mailTo  = flag.String("mail-to", "", "comma-separated list of addresses to alert when link training is exhausted")

	doMon  = flag.Bool("pmon", false, "enable pmon monitoring")
	doFreq = flag.Duration("freq", 1*time.Second, "pmon frequency")
)

func main() {
	cmd := flags.New()

	srv := newServer(cmd.Args[0])
	srv.cfg = config{
		sim:     *doSim,
		devmem:  *devmem,
		base:    *base,
		i2cBus:  *i2cBus,
		i2cAddr: uint8(*i2cAddr),
		uio:     *uio,
		dbname:  *dbname,
		ofile:   *ofile,
	}
	if *mailTo != "" {
		srv.cfg.mailTo = strings.Split(*mailTo, ",")
	}

	if *doMon {
		p, err := pmon.Monitor(os.Getpid())
		if err != nil {
			log.Fatalf("could not start monitoring dptx-srv: %+v", err)
		}
		f, err := os.Create("dptx-srv-pmon.log")
		if err != nil {
			log.Fatalf("could not create pmon log file: %+v", err)
		}
		defer f.Close()
		p.W = f
		p.Freq = *doFreq

		go func() {
			err := p.Run()
			if err != nil {
				log.Printf("could not run pmon: %+v", err)
			}
		}()
		defer func() {
			err := p.Kill()
			if err != nil {
				log.Printf("could not stop pmon: %+v", err)
			}
		}()
	}

	run := tdaq.New(cmd, os.Stdout)
	run.CmdHandle("/config", srv.OnConfig)
	run.CmdHandle("/init", srv.OnInit)
	run.CmdHandle("/reset", srv.OnReset)
	run.CmdHandle("/start", srv.OnStart)
	run.CmdHandle("/stop", srv.OnStop)
	run.CmdHandle("/quit", srv.OnQuit)

	run.OutputHandle("/link", srv.link)

	run.RunHandle(srv.run)

	err := run.Run(context.Background())
	if err != nil {
		log.Panicf("error: %+v", err)
	}
}
