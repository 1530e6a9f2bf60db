// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-daq/tdaq"
	"github.com/go-daq/tdaq/log"
	"github.com/go-lpc/dplink/dpcd"
	"github.com/go-lpc/dplink/dptx"
	"github.com/go-lpc/dplink/dptx/dpsim"
	"github.com/go-lpc/dplink/linkdb"
	"github.com/go-lpc/dplink/linkstats"
	"golang.org/x/sync/errgroup"
	mail "gopkg.in/gomail.v2"
)

type config struct {
	sim     bool
	devmem  string
	base    int64
	i2cBus  int
	i2cAddr uint8
	uio     string
	dbname  string
	ofile   string
	mailTo  []string
}

type server struct {
	name string
	cfg  config
	msg  log.MsgStream

	dev   *dptx.Device
	core  *dpsim.Core // simulated core, in -sim mode
	db    *linkdb.DB
	stats *linkstats.Stats

	stream atomic.Bool
	reps   chan dptx.Report

	mu    sync.Mutex
	stop  context.CancelFunc
	errc  chan error
	mails sync.WaitGroup

	alerts map[string]int // number of mail alerts per sink
	sendf  func(msg *mail.Message) error
}

func newServer(name string) *server {
	srv := &server{
		name:   name,
		stats:  linkstats.New(),
		reps:   make(chan dptx.Report, 64),
		alerts: make(map[string]int),
	}
	srv.sendf = srv.dialAndSend
	return srv
}

func (srv *server) open(msg log.MsgStream) error {
	opts := []dptx.Option{
		dptx.WithMsgStream(msg),
		dptx.WithObserver(srv.observe),
	}

	var err error
	switch {
	case srv.cfg.sim:
		srv.core = dpsim.New(dpsim.NewSink(dpcd.HBR2, 4))
		srv.dev, err = dptx.NewDevice(srv.core, opts...)
		if err == nil {
			srv.core.SetIRQHandler(srv.dev.HandleIRQ)
		}
	case srv.cfg.i2cBus >= 0:
		srv.dev, err = dptx.OpenI2C(srv.cfg.i2cBus, srv.cfg.i2cAddr, opts...)
	default:
		srv.dev, err = dptx.Open(srv.cfg.devmem, srv.cfg.base, opts...)
	}
	if err != nil {
		return fmt.Errorf("could not open transmitter: %w", err)
	}

	if srv.cfg.dbname != "" {
		srv.db, err = linkdb.Open(srv.cfg.dbname)
		if err != nil {
			return fmt.Errorf("could not open training db: %w", err)
		}
	}
	return nil
}

func (srv *server) OnConfig(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /config command...")
	srv.msg = ctx.Msg
	if srv.dev != nil {
		return nil
	}

	err := srv.open(ctx.Msg)
	if err != nil {
		ctx.Msg.Errorf("could not configure %s: %+v", srv.name, err)
		return err
	}
	return nil
}

func (srv *server) OnInit(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /init command...")
	if srv.dev == nil {
		return fmt.Errorf("could not init %s: transmitter not configured", srv.name)
	}

	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.stop != nil {
		return nil
	}

	c, cancel := context.WithCancel(context.Background())
	srv.stop = cancel
	srv.errc = make(chan error, 1)
	go func() {
		srv.errc <- srv.serve(c)
	}()

	if srv.core != nil {
		srv.core.Plug()
	}
	return nil
}

// serve delivers the transmitter interrupts to the device until ctx is done.
func (srv *server) serve(ctx context.Context) error {
	switch {
	case srv.cfg.sim:
		return srv.dev.Run(ctx)
	case srv.cfg.uio != "":
		f, err := os.OpenFile(srv.cfg.uio, os.O_RDWR, 0)
		if err != nil {
			return fmt.Errorf("could not open UIO device %q: %w", srv.cfg.uio, err)
		}
		return srv.dev.ServeUIO(ctx, f)
	}

	grp, ctx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		return srv.dev.Run(ctx)
	})
	grp.Go(func() error {
		tck := time.NewTicker(10 * time.Millisecond)
		defer tck.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-tck.C:
				srv.dev.HandleIRQ()
			}
		}
	})
	return grp.Wait()
}

func (srv *server) OnReset(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /reset command...")
	if srv.dev == nil {
		return fmt.Errorf("could not reset %s: transmitter not configured", srv.name)
	}

	lanes, rate, err := decodeLink(req.Body)
	if err != nil {
		return err
	}

	link, err := srv.dev.RequestLinkTraining(lanes, rate)
	if err != nil {
		ctx.Msg.Errorf("could not retrain link: %+v", err)
		return fmt.Errorf("could not retrain link: %w", err)
	}
	ctx.Msg.Infof("link: %v", link)
	return nil
}

func decodeLink(body []byte) (int, dpcd.Rate, error) {
	switch len(body) {
	case 0:
		return 0, 0, nil
	case 8:
		dec := tdaq.NewDecoder(bytes.NewReader(body))
		lanes := int(dec.ReadU32())
		rate := dpcd.Rate(dec.ReadU32())
		return lanes, rate, nil
	}
	return 0, 0, fmt.Errorf("invalid /reset request size (got=%d, want=0|8)", len(body))
}

func (srv *server) OnStart(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /start command...")
	srv.stream.Store(true)
	return nil
}

func (srv *server) OnStop(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /stop command...")
	srv.stream.Store(false)
	ctx.Msg.Infof("stats: %v", srv.stats.Summary())
	return nil
}

func (srv *server) OnQuit(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /quit command...")

	srv.mu.Lock()
	stop, errc := srv.stop, srv.errc
	srv.stop = nil
	srv.mu.Unlock()

	if stop != nil {
		stop()
		err := <-errc
		if err != nil {
			ctx.Msg.Errorf("could not serve interrupts: %+v", err)
		}
	}
	srv.mails.Wait()

	var errq error
	if srv.dev != nil {
		err := srv.dev.Close()
		if err != nil && errq == nil {
			errq = fmt.Errorf("could not close transmitter: %w", err)
		}
		srv.dev = nil
	}
	if srv.db != nil {
		err := srv.db.Close()
		if err != nil && errq == nil {
			errq = fmt.Errorf("could not close training db: %w", err)
		}
		srv.db = nil
	}
	if srv.cfg.ofile != "" {
		err := srv.writeStats(srv.cfg.ofile)
		if err != nil && errq == nil {
			errq = err
		}
	}

	return errq
}

func (srv *server) writeStats(fname string) error {
	f, err := os.Create(fname)
	if err != nil {
		return fmt.Errorf("could not create stats file: %w", err)
	}
	defer f.Close()

	err = srv.stats.WriteYODA(f)
	if err != nil {
		return fmt.Errorf("could not write stats: %w", err)
	}

	err = f.Close()
	if err != nil {
		return fmt.Errorf("could not close stats file: %w", err)
	}
	return nil
}

// observe records each link training report.
func (srv *server) observe(rep dptx.Report) {
	srv.stats.Fill(rep)

	if srv.db != nil {
		err := srv.db.Record(context.Background(), rep)
		if err != nil && srv.msg != nil {
			srv.msg.Warnf("could not record training: %+v", err)
		}
	}

	if srv.stream.Load() {
		select {
		case srv.reps <- rep:
		default:
			if srv.msg != nil {
				srv.msg.Warnf("training report queue full, dropping report")
			}
		}
	}

	if errors.Is(rep.Err, dptx.ErrLinkExhausted) {
		srv.alert(rep)
	}
}

func (srv *server) link(ctx tdaq.Context, dst *tdaq.Frame) error {
	select {
	case <-ctx.Ctx.Done():
		dst.Body = nil
		return nil
	case rep := <-srv.reps:
		raw, err := encodeReport(rep)
		if err != nil {
			return fmt.Errorf("could not encode training report: %w", err)
		}
		dst.Body = raw
	}
	return nil
}

func encodeReport(rep dptx.Report) ([]byte, error) {
	var (
		buf = new(bytes.Buffer)
		enc = tdaq.NewEncoder(buf)
		msg string
		ok  uint8
	)
	if rep.Err != nil {
		msg = rep.Err.Error()
	}
	if rep.Err == nil && rep.Link.Trained {
		ok = 1
	}
	enc.WriteStr(rep.Sink)
	enc.WriteU8(uint8(rep.Mode))
	enc.WriteU8(uint8(rep.Link.Lanes))
	enc.WriteU8(uint8(rep.Link.Rate))
	enc.WriteU8(ok)
	enc.WriteU32(uint32(len(rep.Attempts)))
	enc.WriteI64(rep.Start.UnixNano())
	enc.WriteI64(int64(rep.Duration))
	enc.WriteStr(msg)
	if err := enc.Err(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (srv *server) run(ctx tdaq.Context) error {
	tck := time.NewTicker(10 * time.Second)
	defer tck.Stop()
	for {
		select {
		case <-ctx.Ctx.Done():
			return nil
		case <-tck.C:
			if srv.dev == nil {
				continue
			}
			ctx.Msg.Infof("%v: %v", srv.dev.Status(), srv.dev.Link())
		}
	}
}

var (
	alertMailUsr  = os.Getenv("MAIL_USERNAME")
	alertMailPwd  = os.Getenv("MAIL_PASSWORD")
	alertMailSrv  = os.Getenv("MAIL_SERVER")
	alertMailPort = atoi(os.Getenv("MAIL_PORT"))
)

const maxAlerts = 5

func (srv *server) alert(rep dptx.Report) {
	if len(srv.cfg.mailTo) == 0 {
		return
	}

	srv.mu.Lock()
	srv.alerts[rep.Sink]++
	n := srv.alerts[rep.Sink]
	srv.mu.Unlock()
	if n > maxAlerts {
		return
	}

	msg := mail.NewMessage()
	msg.SetHeader("From", alertMailUsr)
	msg.SetHeader("Bcc", srv.cfg.mailTo...)
	msg.SetHeader("Subject", fmt.Sprintf("[dptx-srv] link training alert: %q", rep.Sink))
	msg.SetBody("text/plain", fmt.Sprintf(
		"sink: %q\nrequested: %v\nattempts: %v\nerror: %v\ndate: %v",
		rep.Sink, rep.Requested, rep.Attempts, rep.Err, rep.Start.UTC(),
	))

	srv.mails.Add(1)
	go func() {
		defer srv.mails.Done()
		err := srv.sendf(msg)
		if err != nil && srv.msg != nil {
			srv.msg.Warnf("could not send mail alert: %+v", err)
		}
	}()
}

func (srv *server) dialAndSend(msg *mail.Message) error {
	if alertMailUsr == "" || alertMailPwd == "" ||
		alertMailSrv == "" || alertMailPort == 0 {
		return fmt.Errorf("missing mail credentials")
	}

	dial := mail.NewDialer(alertMailSrv, alertMailPort, alertMailUsr, alertMailPwd)
	dial.TLSConfig = &tls.Config{
		InsecureSkipVerify: true,
	}
	return dial.DialAndSend(msg)
}

func atoi(s string) int {
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return v
}
