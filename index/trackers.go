// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package index

import (
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/immutable"

	"github.com/shardledger/accountsdb/types"
)

type slotComparer struct{}

func (slotComparer) Compare(a, b types.Slot) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// rootedTracker is a sorted set of rooted slots, read lock-free via an
// atomic.Value-published immutable.SortedMap — the same copy-on-write
// publication pattern the teacher uses for its segment directory in
// wal.go's state.segments, generalized here to a set (map to struct{}).
type rootedTracker struct {
	mu  sync.Mutex // serializes AddRoot; readers never block
	val atomic.Value
}

func newRootedTracker() *rootedTracker {
	t := &rootedTracker{}
	t.val.Store(immutable.NewSortedMap[types.Slot, struct{}](slotComparer{}))
	return t
}

func (t *rootedTracker) load() *immutable.SortedMap[types.Slot, struct{}] {
	return t.val.Load().(*immutable.SortedMap[types.Slot, struct{}])
}

// AddRoot marks slot as rooted. Roots only ever move forward in practice,
// but AddRoot itself tolerates any insertion order.
func (t *rootedTracker) AddRoot(slot types.Slot) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m := t.load()
	if _, ok := m.Get(slot); ok {
		return
	}
	t.val.Store(m.Set(slot, struct{}{}))
}

// IsRooted reports whether slot has been rooted.
func (t *rootedTracker) IsRooted(slot types.Slot) bool {
	_, ok := t.load().Get(slot)
	return ok
}

// MaxRoot returns the greatest rooted slot, if any.
func (t *rootedTracker) MaxRoot() (types.Slot, bool) {
	m := t.load()
	if m.Len() == 0 {
		return 0, false
	}
	it := m.Iterator()
	it.Last()
	slot, _, ok := it.Prev()
	return slot, ok
}

// MaxRootLE returns the greatest rooted slot <= x, if any.
func (t *rootedTracker) MaxRootLE(x types.Slot) (types.Slot, bool) {
	m := t.load()
	it := m.Iterator()
	var best types.Slot
	found := false
	for !it.Done() {
		slot, _, _ := it.Next()
		if slot > x {
			break
		}
		best = slot
		found = true
	}
	return best, found
}

// AllLessThan returns every rooted slot strictly less than x, ascending.
func (t *rootedTracker) AllLessThan(x types.Slot) []types.Slot {
	m := t.load()
	it := m.Iterator()
	var out []types.Slot
	for !it.Done() {
		slot, _, _ := it.Next()
		if slot >= x {
			break
		}
		out = append(out, slot)
	}
	return out
}

// RemoveRoot unlinks a slot from the rooted set, used when the Ancient
// Merger fully copies away a slot's contents ("dropped root", spec.md
// §4.11).
func (t *rootedTracker) RemoveRoot(slot types.Slot) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m := t.load()
	if _, ok := m.Get(slot); !ok {
		return
	}
	t.val.Store(m.Delete(slot))
}

// scanTracker implements the ongoing-scans tracker: a counter and a
// min-root field preventing Clean from reclaiming versions a long-running
// scan might still observe (spec.md §4.6).
type scanTracker struct {
	mu      sync.Mutex
	roots   map[int64]types.Slot
	nextID  int64
}

func newScanTracker() *scanTracker {
	return &scanTracker{roots: make(map[int64]types.Slot)}
}

// Begin registers a new ongoing scan pinned at root (the max-root visible
// to it when it started) and returns a token to later End it.
func (s *scanTracker) Begin(root types.Slot) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	s.roots[id] = root
	return id
}

// End unregisters a previously-begun scan.
func (s *scanTracker) End(token int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.roots, token)
}

// MinOngoingScanRoot returns the minimum pinned root among active scans,
// and whether any scan is active at all. Clean bounds max_clean_root to
// this value (spec.md §4.9).
func (s *scanTracker) MinOngoingScanRoot() (types.Slot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.roots) == 0 {
		return 0, false
	}
	var min types.Slot
	first := true
	for _, r := range s.roots {
		if first || r < min {
			min = r
			first = false
		}
	}
	return min, true
}

// Count reports the number of currently active scans.
func (s *scanTracker) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.roots)
}

// deltaTracker holds the uncleaned-roots set and the uncleaned-pubkeys
// delta map Clean's candidate-gathering phase (P1) drains (spec.md §4.9,
// §4.6).
type deltaTracker struct {
	mu              sync.Mutex
	uncleanedRoots  map[types.Slot]struct{}
	uncleanedPubkey map[types.Slot][]types.AccountID
}

func newDeltaTracker() *deltaTracker {
	return &deltaTracker{
		uncleanedRoots:  make(map[types.Slot]struct{}),
		uncleanedPubkey: make(map[types.Slot][]types.AccountID),
	}
}

// RecordRoot marks slot as rooted-but-not-yet-cleaned.
func (d *deltaTracker) RecordRoot(slot types.Slot) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.uncleanedRoots[slot] = struct{}{}
}

// RecordTouched appends account to the delta set for slot, the set of
// accounts written in recently-rooted slots that seeds Clean's candidate
// gathering.
func (d *deltaTracker) RecordTouched(slot types.Slot, account types.AccountID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.uncleanedPubkey[slot] = append(d.uncleanedPubkey[slot], account)
}

// DrainUpTo removes and returns every uncleaned-roots entry <= maxSlot
// together with their touched-account sets, for Clean's P1.
func (d *deltaTracker) DrainUpTo(maxSlot types.Slot) (roots []types.Slot, accounts []types.AccountID) {
	d.mu.Lock()
	defer d.mu.Unlock()

	seen := make(map[types.AccountID]bool)
	for slot := range d.uncleanedRoots {
		if slot > maxSlot {
			continue
		}
		roots = append(roots, slot)
		delete(d.uncleanedRoots, slot)
		for _, a := range d.uncleanedPubkey[slot] {
			if !seen[a] {
				seen[a] = true
				accounts = append(accounts, a)
			}
		}
		delete(d.uncleanedPubkey, slot)
	}
	return roots, accounts
}
