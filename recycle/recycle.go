// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package recycle implements C3, the Recycle Pool: an age-bounded pool of
// retired segments reusable to amortize mmap/allocation cost, per
// spec.md §4.3 and the "shared-ownership of segments with deferred
// reset" design note in §9.
package recycle

import (
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/shardledger/accountsdb/segment"
)

// TTL is the default age after which a retired entry is expired, per
// spec.md §4.3.
const TTL = 30 * time.Minute

// DefaultCap bounds the number of retired segments held at once; past
// this, excess segments are dropped (their mmap freed) rather than kept
// indefinitely.
const DefaultCap = 512

type entry struct {
	retiredAt time.Time
	seg       *segment.Segment
}

// Pool is a small-mutex-guarded vector of retired segments plus a
// total-bytes accumulator, matching the teacher's "Recycle Pool and
// candidate lists: exclusive mutex, small critical sections" concurrency
// policy (spec.md §5).
type Pool struct {
	mu         sync.Mutex
	entries    []entry
	totalBytes uint64
	cap        int
	ttl        time.Duration
	logger     log.Logger
}

// New constructs a Pool. A nil logger defaults to a no-op logger.
func New(logger log.Logger) *Pool {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Pool{cap: DefaultCap, ttl: TTL, logger: logger}
}

// TryTake scans linearly for a retired segment whose capacity lies in
// [minSize, maxSize] and whose prior holder has released all references
// (CanReset per I2's reuse precondition once reset to Available, which
// also requires zero in-flight Read/Iter callers per spec.md §5's
// "consumers hold a count to prevent the Recycle Pool from resetting the
// segment"). On a match, it is detached, reset, and returned ready for
// reuse.
func (p *Pool) TryTake(minSize, maxSize uint64) (*segment.Segment, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, e := range p.entries {
		cap := e.seg.Capacity()
		if cap < minSize || cap > maxSize {
			continue
		}
		if !e.seg.CanReset() {
			continue
		}
		p.entries = append(p.entries[:i], p.entries[i+1:]...)
		p.totalBytes -= cap
		e.seg.Reset()
		return e.seg, true
	}
	return nil, false
}

// Add inserts a single retired segment at the current time.
func (p *Pool) Add(seg *segment.Segment) {
	p.AddMany([]*segment.Segment{seg})
}

// AddMany inserts several retired segments, evicting (and closing) the
// oldest entries if the pool cap is exceeded.
func (p *Pool) AddMany(segs []*segment.Segment) {
	if len(segs) == 0 {
		return
	}
	now := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, s := range segs {
		p.entries = append(p.entries, entry{retiredAt: now, seg: s})
		p.totalBytes += s.Capacity()
	}
	p.evictOverCapLocked()
}

func (p *Pool) evictOverCapLocked() {
	for len(p.entries) > p.cap {
		e := p.entries[0]
		p.entries = p.entries[1:]
		p.totalBytes -= e.seg.Capacity()
		if err := e.seg.Close(); err != nil {
			level.Warn(p.logger).Log("msg", "failed to close evicted recycle-pool segment", "segment_id", e.seg.ID(), "err", err)
		}
	}
}

// ExpireOld removes entries older than the pool's TTL. A still-referenced
// entry (CanReset false: it still has live accounts, was never sealed
// Full, or has an in-flight reader) is logged as a likely leak but still
// removed and closed — per spec.md §4.3 "proceed" and §9's "logs (but
// does not abort)" policy.
func (p *Pool) ExpireOld() {
	cutoff := time.Now().Add(-p.ttl)
	p.mu.Lock()
	defer p.mu.Unlock()

	kept := p.entries[:0]
	for _, e := range p.entries {
		if e.retiredAt.After(cutoff) {
			kept = append(kept, e)
			continue
		}
		if !e.seg.CanReset() {
			level.Warn(p.logger).Log("msg", "recycle pool entry expired while still referenced", "segment_id", e.seg.ID(), "live_count", e.seg.LiveCount())
		}
		p.totalBytes -= e.seg.Capacity()
		if err := e.seg.Close(); err != nil {
			level.Warn(p.logger).Log("msg", "failed to close expired recycle-pool segment", "segment_id", e.seg.ID(), "err", err)
		}
	}
	p.entries = kept
}

// Len reports the number of retired segments currently pooled.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// TotalBytes reports the sum of pooled segment capacities.
func (p *Pool) TotalBytes() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.totalBytes
}
