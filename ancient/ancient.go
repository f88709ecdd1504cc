// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package ancient implements C11, the Ancient Merger: periodically
// squashing old, single-segment rooted slots into large shared segments,
// reusing Shrink's alive-account discovery. See spec.md §4.11.
package ancient

import (
	"fmt"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/shardledger/accountsdb/index"
	"github.com/shardledger/accountsdb/segment"
	"github.com/shardledger/accountsdb/shrink"
	"github.com/shardledger/accountsdb/storagemap"
	"github.com/shardledger/accountsdb/types"
)

// DefaultCapacity is the target size of an ancient segment: large enough
// that merges amortize well across many slots.
const DefaultCapacity = 128 << 20

// Merger periodically copies old rooted single-segment slots into shared
// "current ancient" segments.
type Merger struct {
	storage  *storagemap.Map
	idx      *index.Index
	alloc    shrink.Allocator
	capacity uint64
	logger   log.Logger

	mu      sync.Mutex
	current *segment.Segment
}

// New constructs a Merger. capacity of 0 uses DefaultCapacity.
func New(storage *storagemap.Map, idx *index.Index, alloc shrink.Allocator, capacity uint64, logger log.Logger) *Merger {
	if capacity == 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Merger{storage: storage, idx: idx, alloc: alloc, capacity: capacity, logger: logger}
}

// MergeSlot copies slot's live accounts into the current ancient segment,
// opening a fresh one on overflow, then drops slot's original segment. A
// slot with more than one segment is rejected with ErrMultiSegmentSlot
// rather than guessed at, per spec.md §9's first open question, which
// reserves multi-segment ancient merging for a policy decision above this
// layer.
func (m *Merger) MergeSlot(slot types.Slot) error {
	segs := m.storage.GetSlotSegments(slot)
	if len(segs) == 0 {
		return nil
	}
	if len(segs) > 1 {
		return fmt.Errorf("%w: slot %d has %d segments", types.ErrMultiSegmentSlot, slot, len(segs))
	}

	alive, _, err := shrink.DiscoverAlive(slot, segs, m.idx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, a := range alive {
		if err := m.appendLocked(slot, a); err != nil {
			return err
		}
	}

	for _, old := range segs {
		m.storage.RemoveSegment(slot, old.ID())
		if err := old.Close(); err != nil {
			level.Warn(m.logger).Log("msg", "failed to close merged-away segment", "slot", slot, "segment_id", old.ID(), "err", err)
		}
	}

	// Survivors were re-indexed under the current ancient segment's own
	// owning slot (appendLocked), not necessarily this call's slot: a
	// "current" ancient segment created by an earlier MergeSlot call keeps
	// serving later slots' accounts without moving them again. Only a slot
	// that differs from the ancient segment's owning slot has had its
	// contents fully copied away and becomes a "dropped root"; the owning
	// slot itself remains rooted, since every merged account is now only
	// reachable through it (new_after.rs: drop_root := slot != ancient_slot).
	// A slot with no surviving accounts at all (everything dead) has
	// nothing to be an owning slot for and is always dropped.
	if len(alive) == 0 || slot != m.current.Slot() {
		m.idx.Rooted().RemoveRoot(slot)
	}
	level.Debug(m.logger).Log("msg", "ancient-merged slot", "slot", slot, "live_accounts", len(alive))
	return nil
}

type aliveAccount = shrink.AliveAccount

func (m *Merger) appendLocked(slot types.Slot, a aliveAccount) error {
	buf := make([]byte, segment.EncodedLen(len(a.Record().Data)))
	segment.Encode(a.Record(), buf)

	if m.current == nil || m.current.Remaining() < uint64(len(buf)) {
		if m.current != nil {
			m.current.MarkFull()
		}
		newSeg, err := m.alloc.NewSegment(slot, m.capacity)
		if err != nil {
			return err
		}
		m.current = newSeg
	}

	off, ok := m.current.Append(buf)
	if !ok {
		return fmt.Errorf("%w: ancient segment undersized for record", types.ErrCapacityExceeded)
	}
	m.current.IncLive(int64(len(a.Record().Data)))
	loc := types.InSegment(m.current.ID(), off)
	flags := types.EntryFlags{ZeroLamport: a.Record().ZeroLamport()}

	// Survivors are indexed under the ancient segment's own owning slot
	// (the slot whose merge call first created it), not the slot being
	// merged right now: an ancient segment aggregates many slots' accounts
	// under one surviving root, matching new_after.rs's ancient_slot.
	ancientSlot := m.current.Slot()
	m.idx.Insert(ancientSlot, a.Account(), loc, flags)
	// Re-queue the owning slot as uncleaned for this account, the same
	// "segments marked dirty" re-candidacy Shrink applies, since an
	// ancient-merge reclaim doesn't go through the normal write path that
	// records an account as touched.
	m.idx.Deltas().RecordRoot(ancientSlot)
	m.idx.Deltas().RecordTouched(ancientSlot, a.Account())

	// An ancient segment holds records from many slots; register it under
	// its owning slot so storagemap.GetSegment(ancientSlot, id) resolves.
	m.storage.Insert(ancientSlot, m.current)
	return nil
}
