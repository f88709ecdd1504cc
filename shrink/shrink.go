// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package shrink implements C10, the Shrink pass: compacting slots whose
// segments have fallen below a live-byte ratio by rewriting only their
// live accounts into a fresh segment and retiring the originals to the
// Recycle Pool. See spec.md §4.10.
package shrink

import (
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/exp/slices"

	"github.com/shardledger/accountsdb/index"
	"github.com/shardledger/accountsdb/recycle"
	"github.com/shardledger/accountsdb/segment"
	"github.com/shardledger/accountsdb/storagemap"
	"github.com/shardledger/accountsdb/types"
)

// Allocator is implemented by the owning store to hand out fresh segment
// files without shrink needing to know about storage-path selection or
// segment-id assignment.
type Allocator interface {
	NewSegment(slot types.Slot, capacity uint64) (*segment.Segment, error)
}

// Policy selects how candidate slots are prioritized, spec.md §6
// "shrink_ratio".
type Policy struct {
	// Ratio is the per-slot live/original byte ratio above which a slot is
	// skipped as not worth rewriting (spec.md §4.10 step 3).
	Ratio float64
	// TotalSpace, when true, switches to the "ratio-of-total-usage" policy:
	// sort candidates by liveness fraction ascending and shrink the
	// sparsest first until the global liveness fraction crosses Ratio.
	TotalSpace bool
}

// DefaultRatio matches common accounts_db defaults: below 80% live, a
// segment is worth compacting.
const DefaultRatio = 0.8

// DefaultPolicy is Policy{Ratio: DefaultRatio}.
func DefaultPolicy() Policy { return Policy{Ratio: DefaultRatio} }

// CandidateSet is the thread-safe set of slots flagged for shrink
// consideration "as a side-effect of writes and reclaims" (spec.md §4.10).
type CandidateSet struct {
	mu   sync.Mutex
	set  map[types.Slot]struct{}
}

// NewCandidateSet constructs an empty set.
func NewCandidateSet() *CandidateSet {
	return &CandidateSet{set: make(map[types.Slot]struct{})}
}

// Add flags slot as a shrink candidate.
func (c *CandidateSet) Add(slot types.Slot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.set[slot] = struct{}{}
}

// Len reports the number of currently-flagged candidates.
func (c *CandidateSet) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.set)
}

// Drain removes and returns every flagged slot.
func (c *CandidateSet) Drain() []types.Slot {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.Slot, 0, len(c.set))
	for s := range c.set {
		out = append(out, s)
	}
	c.set = make(map[types.Slot]struct{})
	return out
}

// AliveAccount is one account found alive during discovery: the newest
// write-version among same-slot duplicates, cross-checked against the
// index. Exported so the Ancient Merger can reuse DiscoverAlive.
type AliveAccount struct {
	account types.AccountID
	rec     *types.AccountRecord
	oldSeg  *segment.Segment
	oldOff  uint64
}

// Account returns the account identifier.
func (a AliveAccount) Account() types.AccountID { return a.account }

// Record returns the decoded record to re-append elsewhere.
func (a AliveAccount) Record() *types.AccountRecord { return a.rec }

// DiscoverAlive enumerates every account across slot's segments, keeping
// only the greatest write-version per account among same-slot duplicates,
// then cross-checks the survivor against idx to classify alive/dead
// (spec.md §4.10 steps 1-2). Classification is done through idx.Scan so
// the lookup never holds a bin lock across this function's own work, the
// same contract Scan documents for its other caller. Dead records
// (superseded same-slot duplicates and survivors the index no longer
// points at) leave their segments' live accounting unchanged here: the
// reclaim that removed or displaced their index entry already decremented
// it. Used by both Shrink and the Ancient Merger.
func DiscoverAlive(slot types.Slot, segs []*segment.Segment, idx *index.Index) ([]AliveAccount, uint64, error) {
	type candidate struct {
		rec    *types.AccountRecord
		seg    *segment.Segment
		offset uint64
	}
	byAccount := make(map[types.AccountID]candidate)

	var originalBytes uint64
	for _, s := range segs {
		originalBytes += s.Length()
		err := s.Iter(func(rv segment.RecordView) bool {
			cur, ok := byAccount[rv.Record.AccountID]
			if !ok || rv.Record.WriteVersion > cur.rec.WriteVersion {
				byAccount[rv.Record.AccountID] = candidate{rec: rv.Record, seg: s, offset: rv.Offset}
			}
			return true
		})
		if err != nil {
			return nil, 0, err
		}
	}

	keys := make([]types.AccountID, 0, len(byAccount))
	for account := range byAccount {
		keys = append(keys, account)
	}

	var alive []AliveAccount
	var aliveBytes uint64
	idx.Scan(keys, func(account types.AccountID, list []types.IndexListEntry, _ int) index.ScanInstruction {
		c := byAccount[account]
		matched := false
		for _, e := range list {
			if e.Slot != slot {
				continue
			}
			matched = e.Location.Kind == types.LocationSegment && e.Location.Segment == c.seg.ID() && e.Location.Offset == c.offset
			break
		}
		if !matched {
			return index.ScanKeep
		}
		alive = append(alive, AliveAccount{account: account, rec: c.rec, oldSeg: c.seg, oldOff: c.offset})
		aliveBytes += segment.EncodedLen(len(c.rec.Data))
		return index.ScanKeep
	})
	return alive, originalBytes, nil
}

// Shrinker runs C10 against a storage map and index, using alloc to
// create replacement segments and pool to retire originals.
type Shrinker struct {
	storage *storagemap.Map
	idx     *index.Index
	pool    *recycle.Pool
	alloc   Allocator
	policy  Policy
	logger  log.Logger
}

// New constructs a Shrinker.
func New(storage *storagemap.Map, idx *index.Index, pool *recycle.Pool, alloc Allocator, policy Policy, logger log.Logger) *Shrinker {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Shrinker{storage: storage, idx: idx, pool: pool, alloc: alloc, policy: policy, logger: logger}
}

// ShrinkOne runs the four-step pass against a single slot (spec.md
// §4.10). Returns true if the slot was rewritten, false if it was skipped
// as already dense enough or empty.
func (s *Shrinker) ShrinkOne(slot types.Slot) (bool, error) {
	segs := s.storage.GetSlotSegments(slot)
	if len(segs) == 0 {
		return false, nil
	}

	alive, originalBytes, err := DiscoverAlive(slot, segs, s.idx)
	if err != nil {
		return false, err
	}
	if originalBytes == 0 {
		return false, nil
	}

	var aliveBytes uint64
	for _, a := range alive {
		aliveBytes += segment.EncodedLen(len(a.rec.Data))
	}

	if float64(aliveBytes) >= s.policy.Ratio*float64(originalBytes) {
		return false, nil
	}
	if len(alive) == 0 {
		// Nothing alive: just retire the segments wholesale.
		s.retire(slot, segs)
		return true, nil
	}

	capacity := types.AlignUp(aliveBytes, types.PageSize)
	newSeg, err := s.alloc.NewSegment(slot, capacity)
	if err != nil {
		return false, err
	}

	for _, a := range alive {
		buf := make([]byte, segment.EncodedLen(len(a.rec.Data)))
		segment.Encode(a.rec, buf)
		off, ok := newSeg.Append(buf)
		if !ok {
			level.Error(s.logger).Log("msg", "shrink target segment undersized", "slot", slot, "segment_id", newSeg.ID())
			return false, types.ErrCapacityExceeded
		}
		newSeg.IncLive(int64(len(a.rec.Data)))
		loc := types.InSegment(newSeg.ID(), off)
		flags := types.EntryFlags{ZeroLamport: a.rec.ZeroLamport()}
		s.idx.Insert(slot, a.account, loc, flags)
		// The account moved within the same slot; release its claim on
		// the old segment now that the index points at newSeg.
		a.oldSeg.DecLive(int64(len(a.rec.Data)))
		// Re-queue slot as uncleaned for this account: spec.md §4.9 P1's
		// second candidate source is "every account contained in segments
		// marked dirty", and this rewrite just changed which segment the
		// account lives in without going through the normal write path
		// that records it as touched. Without this, an account whose only
		// change since the last Clean pass came from a shrink rewrite is
		// never reconsidered for zero-lamport purge or old-root reclaim.
		s.idx.Deltas().RecordRoot(slot)
		s.idx.Deltas().RecordTouched(slot, a.account)
	}
	newSeg.MarkFull()
	s.storage.Insert(slot, newSeg)

	s.retire(slot, segs)
	return true, nil
}

func (s *Shrinker) retire(slot types.Slot, segs []*segment.Segment) {
	for _, old := range segs {
		s.storage.RemoveSegment(slot, old.ID())
		old.MarkFull()
	}
	s.pool.AddMany(segs)
}

// RunRatioOfTotalUsage implements the alternative global policy (spec.md
// §4.10): sort candidates by liveness fraction ascending and shrink the
// sparsest first until the aggregate liveness fraction crosses the ratio
// threshold.
func (s *Shrinker) RunRatioOfTotalUsage(candidates []types.Slot) (int, error) {
	type scored struct {
		slot     types.Slot
		fraction float64
	}
	scoredSlots := make([]scored, 0, len(candidates))
	var totalOriginal, totalAlive uint64

	for _, slot := range candidates {
		segs := s.storage.GetSlotSegments(slot)
		if len(segs) == 0 {
			continue
		}
		alive, original, err := DiscoverAlive(slot, segs, s.idx)
		if err != nil {
			return 0, err
		}
		var aliveBytes uint64
		for _, a := range alive {
			aliveBytes += segment.EncodedLen(len(a.rec.Data))
		}
		totalOriginal += original
		totalAlive += aliveBytes
		fraction := 1.0
		if original > 0 {
			fraction = float64(aliveBytes) / float64(original)
		}
		scoredSlots = append(scoredSlots, scored{slot: slot, fraction: fraction})
	}

	slices.SortFunc(scoredSlots, func(a, b scored) bool { return a.fraction < b.fraction })

	shrunk := 0
	for _, c := range scoredSlots {
		if totalOriginal > 0 && float64(totalAlive)/float64(totalOriginal) >= s.policy.Ratio {
			break
		}
		ok, err := s.ShrinkOne(c.slot)
		if err != nil {
			return shrunk, err
		}
		if ok {
			shrunk++
		}
	}
	return shrunk, nil
}
