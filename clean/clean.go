// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package clean implements C9, the Clean pass: dropping index entries and
// segment-resident bytes that no live view of the accounts tree can ever
// reach. See spec.md §4.9.
package clean

import (
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/exp/slices"

	"github.com/shardledger/accountsdb/index"
	"github.com/shardledger/accountsdb/storagemap"
	"github.com/shardledger/accountsdb/types"
)

// SnapshotGuard answers the incremental-snapshot guard consulted in P5
// (spec.md §4.9, §9's second open question). LastFullSnapshotSlot returns
// the slot of the most recent full snapshot known durable, or false if
// none has been notified yet.
type SnapshotGuard interface {
	LastFullSnapshotSlot() (types.Slot, bool)
}

// Stats summarizes one Clean pass, for logging and tests.
type Stats struct {
	MaxCleanRoot    types.Slot
	ZeroLamportPurged int
	OldRootsReclaimed int
	DeferredBySnapshot int
	DeadSlots         []types.Slot
}

// Cleaner runs C9 against an index and storage map.
type Cleaner struct {
	idx     *index.Index
	storage *storagemap.Map
	guard   SnapshotGuard
	logger  log.Logger

	// runMu serializes Clean with bank-drop (unrooted-fork retirement)
	// callbacks, per spec.md §4.9 "Ordering".
	runMu sync.Mutex
}

// New constructs a Cleaner. guard may be nil, which disables the
// incremental-snapshot guard (P5 becomes a no-op).
func New(idx *index.Index, storage *storagemap.Map, guard SnapshotGuard, logger log.Logger) *Cleaner {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Cleaner{idx: idx, storage: storage, guard: guard, logger: logger}
}

// Lock serializes an external bank-drop callback against a concurrent
// Clean pass (spec.md §4.9 "a mutex around these two code paths is
// required"). Callers retiring an unrooted fork must hold this for the
// duration of the retirement.
func (c *Cleaner) Lock()   { c.runMu.Lock() }
func (c *Cleaner) Unlock() { c.runMu.Unlock() }

type purgeCandidate struct {
	account  types.AccountID
	list     []types.IndexListEntry
	refcount int
}

// Run executes one Clean pass bounded by min(proposedMaxRoot,
// min_ongoing_scan_root), per spec.md §4.9.
func (c *Cleaner) Run(proposedMaxRoot types.Slot) Stats {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	maxCleanRoot := proposedMaxRoot
	if minScan, ok := c.idx.Scans().MinOngoingScanRoot(); ok && minScan < maxCleanRoot {
		maxCleanRoot = minScan
	}
	stats := Stats{MaxCleanRoot: maxCleanRoot}

	// P1: candidate gathering from the uncleaned-roots/pubkeys delta set.
	_, accounts := c.idx.Deltas().DrainUpTo(maxCleanRoot)
	candidateSet := make(map[types.AccountID]struct{}, len(accounts))
	for _, a := range accounts {
		candidateSet[a] = struct{}{}
	}
	candidates := make([]types.AccountID, 0, len(candidateSet))
	for a := range candidateSet {
		candidates = append(candidates, a)
	}

	// P2: index scan, classify each candidate. The scan runs sequentially
	// on the caller's goroutine.
	var zeroLamportCandidates []purgeCandidate
	var oldAccountReclaims types.ReclaimList

	for _, account := range candidates {
		list := c.idx.SlotList(account)
		if len(list) == 0 {
			continue
		}
		selected, ok := selectForClean(list, maxCleanRoot, c.idx)
		if !ok {
			continue
		}

		// P3 runs before the zero-lamport snapshot below: an account with
		// older rooted duplicates of its selected entry must have those
		// reclaimed first, or its captured refcount/list would still
		// count them and propagateZeroLamportSafety would treat a
		// soon-to-be-sole reference as multiply-referenced.
		if hasOlderRooted(list, selected.Slot, maxCleanRoot, c.idx) {
			reclaims := c.idx.CleanRooted(account, maxCleanRoot)
			oldAccountReclaims = append(oldAccountReclaims, reclaims...)
			stats.OldRootsReclaimed += len(reclaims)
			list = c.idx.SlotList(account)
		}

		if selected.Flags.ZeroLamport {
			zeroLamportCandidates = append(zeroLamportCandidates, purgeCandidate{
				account:  account,
				list:     list,
				refcount: c.idx.Refcount(account),
			})
		}
	}
	c.applyReclaims(oldAccountReclaims)

	// P4: dependency analysis for zero-lamport removal.
	savedSegments := make(map[segmentKey]bool)
	purgeSet := c.propagateZeroLamportSafety(zeroLamportCandidates, savedSegments)

	// P5: incremental-snapshot guard.
	if c.guard != nil {
		if lastFull, ok := c.guard.LastFullSnapshotSlot(); ok && maxCleanRoot > lastFull {
			kept := purgeSet[:0]
			for _, p := range purgeSet {
				newest := newestRootedAtOrBelow(p.list, maxCleanRoot, c.idx)
				if newest != nil && *newest > lastFull {
					stats.DeferredBySnapshot++
					continue
				}
				kept = append(kept, p)
			}
			purgeSet = kept
		}
	}

	// P6: apply purges.
	var purgeReclaims types.ReclaimList
	for _, p := range purgeSet {
		reclaims := c.idx.Remove(p.account)
		purgeReclaims = append(purgeReclaims, reclaims...)
	}
	stats.ZeroLamportPurged = len(purgeSet)

	// P7: handle reclaims, detect dead slots.
	deadSlots := c.applyReclaims(purgeReclaims)
	stats.DeadSlots = deadSlots

	level.Debug(c.logger).Log("msg", "clean pass complete",
		"max_clean_root", maxCleanRoot,
		"zero_lamport_purged", stats.ZeroLamportPurged,
		"old_roots_reclaimed", stats.OldRootsReclaimed,
		"deferred_by_snapshot", stats.DeferredBySnapshot,
		"dead_slots", len(stats.DeadSlots),
	)
	return stats
}

// selectForClean applies the selection rule with empty ancestors against
// maxCleanRoot, per spec.md §4.9 P2.
func selectForClean(list []types.IndexListEntry, maxCleanRoot types.Slot, idx *index.Index) (types.IndexListEntry, bool) {
	var best *types.IndexListEntry
	for i := range list {
		e := &list[i]
		if e.Slot > maxCleanRoot || !idx.Rooted().IsRooted(e.Slot) {
			continue
		}
		if best == nil || e.Slot > best.Slot {
			best = e
		}
	}
	if best == nil {
		return types.IndexListEntry{}, false
	}
	return *best, true
}

func newestRootedAtOrBelow(list []types.IndexListEntry, maxCleanRoot types.Slot, idx *index.Index) *types.Slot {
	e, ok := selectForClean(list, maxCleanRoot, idx)
	if !ok {
		return nil
	}
	s := e.Slot
	return &s
}

func hasOlderRooted(list []types.IndexListEntry, newest types.Slot, maxCleanRoot types.Slot, idx *index.Index) bool {
	for _, e := range list {
		if e.Slot != newest && e.Slot <= maxCleanRoot && idx.Rooted().IsRooted(e.Slot) {
			return true
		}
	}
	return false
}

type segmentKey struct {
	Segment types.SegmentID
}

// propagateZeroLamportSafety implements P4: an account's zero-lamport
// state may be removed only if every segment containing one of its
// rooted entries becomes fully empty as a result. It iterates to a fixed
// point: once a segment is "saved" (kept alive by some other account),
// every account referencing it is also saved.
func (c *Cleaner) propagateZeroLamportSafety(candidates []purgeCandidate, saved map[segmentKey]bool) []purgeCandidate {
	if len(candidates) == 0 {
		return nil
	}

	// segUsers[segment] = accounts (by index into candidates) that have a
	// rooted entry in that segment, excluding candidates not part of this
	// removal round.
	// remaining[segment] = the segment's live count minus the candidates'
	// entries in it.
	segUsers := make(map[segmentKey][]int)
	remaining := make(map[segmentKey]int64)
	for i, cand := range candidates {
		for _, e := range cand.list {
			if e.Location.Kind != types.LocationSegment {
				continue
			}
			key := segmentKey{Segment: e.Location.Segment}
			if _, seen := remaining[key]; !seen {
				if seg, ok := c.storage.GetSegment(e.Slot, e.Location.Segment); ok {
					remaining[key] = seg.LiveCount()
				}
			}
			remaining[key]--
			segUsers[key] = append(segUsers[key], i)
		}
	}

	excluded := make([]bool, len(candidates))
	changed := true
	for changed {
		changed = false
		for key, users := range segUsers {
			if saved[key] {
				continue
			}
			// A segment is saved if it still holds live records other
			// than the candidates' entries, or if any referencing account
			// not (yet) excluded from the purge set has a refcount above 1.
			if remaining[key] > 0 {
				saved[key] = true
				changed = true
				continue
			}
			for _, idx := range users {
				if excluded[idx] {
					continue
				}
				if candidates[idx].refcount > 1 {
					saved[key] = true
					changed = true
					break
				}
			}
		}
		if !changed {
			break
		}
		for key, users := range segUsers {
			if !saved[key] {
				continue
			}
			for _, idx := range users {
				if !excluded[idx] {
					excluded[idx] = true
					changed = true
				}
			}
		}
	}

	out := make([]purgeCandidate, 0, len(candidates))
	for i, cand := range candidates {
		if !excluded[i] {
			out = append(out, cand)
		}
	}
	slices.SortFunc(out, func(a, b purgeCandidate) bool {
		return a.account.Less(b.account)
	})
	return out
}

// applyReclaims decrements segment live counters for each reclaim and
// returns the set of slots whose segments all reached zero live accounts
// (spec.md §4.9 P7 "dead slots").
func (c *Cleaner) applyReclaims(reclaims types.ReclaimList) []types.Slot {
	touchedSlots := make(map[types.Slot]struct{})
	for _, r := range reclaims {
		if r.Location.Kind != types.LocationSegment {
			continue
		}
		seg, ok := c.storage.GetSegment(r.Slot, r.Location.Segment)
		if !ok {
			continue
		}
		var dataLen int64
		if rv, err := seg.Read(r.Location.Offset); err == nil {
			dataLen = int64(len(rv.Record.Data))
		}
		seg.DecLive(dataLen)
		touchedSlots[r.Slot] = struct{}{}
	}

	var dead []types.Slot
	for slot := range touchedSlots {
		segs := c.storage.GetSlotSegments(slot)
		if len(segs) == 0 {
			continue
		}
		allEmpty := true
		for _, s := range segs {
			if s.LiveCount() > 0 {
				allEmpty = false
				break
			}
		}
		if allEmpty {
			dead = append(dead, slot)
		}
	}
	return dead
}
