// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package linkstats accumulates link training statistics into histograms.
package linkstats // import "github.com/go-lpc/dplink/linkstats"

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/go-lpc/dplink/dptx"
	"go-hep.org/x/hep/hbook"
)

// Stats collects the reports of link trainings.
type Stats struct {
	mu sync.Mutex

	dur  *hbook.H1D // training duration [ms]
	nfb  *hbook.H1D // number of fallback steps
	bw   *hbook.H1D // trained link bandwidth [Gbps]
	rate map[string]int

	ok      int64
	failed  int64
	aborted int64
	fast    int64
}

// New returns an empty set of link training statistics.
func New() *Stats {
	st := &Stats{
		dur:  hbook.NewH1D(100, 0, 100),
		nfb:  hbook.NewH1D(16, 0, 16),
		bw:   hbook.NewH1D(40, 0, 40),
		rate: make(map[string]int),
	}
	st.dur.Annotation()["name"] = "dptx-duration"
	st.nfb.Annotation()["name"] = "dptx-fallbacks"
	st.bw.Annotation()["name"] = "dptx-bandwidth"
	return st
}

// Fill adds a training report to the statistics.
func (st *Stats) Fill(rep dptx.Report) {
	st.mu.Lock()
	defer st.mu.Unlock()

	switch {
	case rep.Err == nil:
		st.ok++
	case errors.Is(rep.Err, dptx.ErrAborted):
		st.aborted++
	default:
		st.failed++
	}
	if rep.Mode == dptx.FastTraining {
		st.fast++
	}

	st.dur.Fill(float64(rep.Duration)/float64(time.Millisecond), 1)
	if n := len(rep.Attempts); n > 0 {
		st.nfb.Fill(float64(n-1), 1)
	}
	if rep.Err == nil && rep.Link.Trained {
		cfg := rep.Link.Config()
		st.bw.Fill(float64(cfg.Bandwidth())*1e-3, 1)
		st.rate[cfg.String()]++
	}
}

// Summary is a snapshot of the link training statistics.
type Summary struct {
	Trainings int64
	OK        int64
	Failed    int64
	Aborted   int64
	Fast      int64

	MeanDuration  time.Duration
	MeanFallbacks float64
	MeanBandwidth float64 // Gbps

	Links map[string]int // number of trainings per trained link configuration
}

// Summary returns a snapshot of the statistics.
func (st *Stats) Summary() Summary {
	st.mu.Lock()
	defer st.mu.Unlock()

	sum := Summary{
		Trainings: st.ok + st.failed + st.aborted,
		OK:        st.ok,
		Failed:    st.failed,
		Aborted:   st.aborted,
		Fast:      st.fast,
		Links:     make(map[string]int, len(st.rate)),
	}
	if st.dur.Entries() > 0 {
		sum.MeanDuration = time.Duration(st.dur.XMean() * float64(time.Millisecond))
	}
	if st.nfb.Entries() > 0 {
		sum.MeanFallbacks = st.nfb.XMean()
	}
	if st.bw.Entries() > 0 {
		sum.MeanBandwidth = st.bw.XMean()
	}
	for k, v := range st.rate {
		sum.Links[k] = v
	}
	return sum
}

func (sum Summary) String() string {
	return fmt.Sprintf(
		"trainings=%d ok=%d failed=%d aborted=%d fast=%d <duration>=%v <fallbacks>=%.2f <bandwidth>=%.2f Gbps",
		sum.Trainings, sum.OK, sum.Failed, sum.Aborted, sum.Fast,
		sum.MeanDuration, sum.MeanFallbacks, sum.MeanBandwidth,
	)
}

// WriteYODA writes the histograms in the YODA format.
func (st *Stats) WriteYODA(w io.Writer) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	for _, h := range []*hbook.H1D{st.dur, st.nfb, st.bw} {
		raw, err := h.MarshalYODA()
		if err != nil {
			return fmt.Errorf("linkstats: could not marshal %q: %w", h.Name(), err)
		}
		_, err = w.Write(raw)
		if err != nil {
			return fmt.Errorf("linkstats: could not write %q: %w", h.Name(), err)
		}
	}
	return nil
}
