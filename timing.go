// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package accountsdb

import (
	"sync"
	"time"

	hdrhistogram "github.com/HdrHistogram/hdrhistogram-go"
)

// StoreTiming breaks down the latency of one Store call by phase, per
// SPEC_FULL.md §4.13.
type StoreTiming struct {
	Hash         time.Duration
	Append       time.Duration
	IndexUpdate  time.Duration
	Total        time.Duration
}

// timingHistograms owns one latency histogram per phase, recorded on
// every Store call and exposed read-only via Store.Timings(), following
// the teacher's precedent of a benchmark-facing histogram pipeline
// (HdrHistogram-go) rather than hand-rolled percentile bookkeeping.
type timingHistograms struct {
	mu    sync.Mutex
	hists map[string]*hdrhistogram.Histogram
}

const (
	histMinValue   = 1                  // 1 nanosecond
	histMaxValue   = 60 * 1000 * 1000 * 1000 // 60 seconds, in nanoseconds
	histSigFigures = 3
)

func newTimingHistograms() *timingHistograms {
	return &timingHistograms{hists: make(map[string]*hdrhistogram.Histogram)}
}

func (t *timingHistograms) record(phase string, d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.hists[phase]
	if !ok {
		h = hdrhistogram.New(histMinValue, histMaxValue, histSigFigures)
		t.hists[phase] = h
	}
	_ = h.RecordValue(d.Nanoseconds())
}

// snapshot returns a point-in-time copy of every phase's histogram,
// keyed by phase name.
func (t *timingHistograms) snapshot() map[string]*hdrhistogram.Histogram {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]*hdrhistogram.Histogram, len(t.hists))
	for phase, h := range t.hists {
		cp := hdrhistogram.New(histMinValue, histMaxValue, histSigFigures)
		cp.Merge(h)
		out[phase] = cp
	}
	return out
}

// Timings returns a snapshot of every phase's latency histogram recorded
// since Open, keyed by phase name ("hash", "append", "index_update",
// "total"). SPEC_FULL.md §4.13.
func (s *Store) Timings() map[string]*hdrhistogram.Histogram {
	return s.timings.snapshot()
}
