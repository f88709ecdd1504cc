// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package storagemap implements C2, the Storage Map: slot -> set of
// segments. The outer directory is a lock-free-readable, copy-on-write
// sorted map (the teacher's state.segments *immutable.SortedMap pattern
// in wal.go), while each slot's segment set is guarded by its own
// RWMutex, per spec.md §4.2.
package storagemap

import (
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/immutable"

	"github.com/shardledger/accountsdb/segment"
	"github.com/shardledger/accountsdb/types"
)

// slotSegments is the per-slot set of segments, independently lockable so
// that writers to distinct slots never contend (spec.md §4.2 "Thread
// safety").
type slotSegments struct {
	mu       sync.RWMutex
	segments map[types.SegmentID]*segment.Segment
}

func newSlotSegments() *slotSegments {
	return &slotSegments{segments: make(map[types.SegmentID]*segment.Segment)}
}

// Map is the concurrent slot -> segment-set directory.
type Map struct {
	dirMu sync.Mutex // serializes directory structural changes (insert/remove_slot)
	dir   atomic.Value // *immutable.SortedMap[types.Slot, *slotSegments]
}

func slotLess(a, b types.Slot) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// slotComparer implements immutable.Comparer[types.Slot] since Slot is a
// named uint64 type that benbjohnson/immutable's builtin comparer does not
// recognize via its type switch.
type slotComparer struct{}

func (slotComparer) Compare(a, b types.Slot) int { return slotLess(a, b) }

// New constructs an empty Map.
func New() *Map {
	m := &Map{}
	m.dir.Store(immutable.NewSortedMap[types.Slot, *slotSegments](slotComparer{}))
	return m
}

func (m *Map) load() *immutable.SortedMap[types.Slot, *slotSegments] {
	return m.dir.Load().(*immutable.SortedMap[types.Slot, *slotSegments])
}

// AllSlots returns every slot currently present, ascending.
func (m *Map) AllSlots() []types.Slot {
	dir := m.load()
	out := make([]types.Slot, 0, dir.Len())
	it := dir.Iterator()
	for !it.Done() {
		slot, _, _ := it.Next()
		out = append(out, slot)
	}
	return out
}

// GetSlotSegments returns the segments belonging to slot, or nil if the
// slot is unknown.
func (m *Map) GetSlotSegments(slot types.Slot) []*segment.Segment {
	dir := m.load()
	ss, ok := dir.Get(slot)
	if !ok {
		return nil
	}
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	out := make([]*segment.Segment, 0, len(ss.segments))
	for _, s := range ss.segments {
		out = append(out, s)
	}
	return out
}

// GetSegment fetches one specific segment by (slot, segment_id).
func (m *Map) GetSegment(slot types.Slot, id types.SegmentID) (*segment.Segment, bool) {
	dir := m.load()
	ss, ok := dir.Get(slot)
	if !ok {
		return nil, false
	}
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	s, ok := ss.segments[id]
	return s, ok
}

// Insert adds seg to slot's segment set, creating the slot entry if
// needed. Creating a new slot entry is a directory-structural change and
// takes dirMu; adding to an existing slot's set only needs that slot's
// own write lock.
func (m *Map) Insert(slot types.Slot, seg *segment.Segment) {
	dir := m.load()
	if ss, ok := dir.Get(slot); ok {
		ss.mu.Lock()
		ss.segments[seg.ID()] = seg
		ss.mu.Unlock()
		return
	}

	m.dirMu.Lock()
	defer m.dirMu.Unlock()
	dir = m.load()
	ss, ok := dir.Get(slot)
	if !ok {
		ss = newSlotSegments()
		dir = dir.Set(slot, ss)
		m.dir.Store(dir)
	}
	ss.mu.Lock()
	ss.segments[seg.ID()] = seg
	ss.mu.Unlock()
}

// RemoveSlot detaches and returns every segment owned by slot, removing
// the slot from the directory. Callers are responsible for closing or
// recycling the returned segments.
func (m *Map) RemoveSlot(slot types.Slot) []*segment.Segment {
	m.dirMu.Lock()
	defer m.dirMu.Unlock()

	dir := m.load()
	ss, ok := dir.Get(slot)
	if !ok {
		return nil
	}
	dir = dir.Delete(slot)
	m.dir.Store(dir)

	ss.mu.Lock()
	defer ss.mu.Unlock()
	out := make([]*segment.Segment, 0, len(ss.segments))
	for _, s := range ss.segments {
		out = append(out, s)
	}
	return out
}

// RemoveSegment removes one segment from slot's set without removing the
// slot itself (used by shrink/ancient when replacing individual
// segments).
func (m *Map) RemoveSegment(slot types.Slot, id types.SegmentID) (*segment.Segment, bool) {
	dir := m.load()
	ss, ok := dir.Get(slot)
	if !ok {
		return nil, false
	}
	ss.mu.Lock()
	defer ss.mu.Unlock()
	s, ok := ss.segments[id]
	if ok {
		delete(ss.segments, id)
	}
	return s, ok
}

// Len reports the number of slots tracked.
func (m *Map) Len() int { return m.load().Len() }
