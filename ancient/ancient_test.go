// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package ancient

import (
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shardledger/accountsdb/index"
	"github.com/shardledger/accountsdb/segment"
	"github.com/shardledger/accountsdb/storagemap"
	"github.com/shardledger/accountsdb/types"
)

type fakeAllocator struct {
	dir    string
	nextID uint32
}

func (a *fakeAllocator) NewSegment(slot types.Slot, capacity uint64) (*segment.Segment, error) {
	id := types.SegmentID(1000 + atomic.AddUint32(&a.nextID, 1))
	path := filepath.Join(a.dir, "ancient.seg")
	return segment.Create(path, id, slot, capacity)
}

func singleSegmentSlot(t *testing.T, storage *storagemap.Map, idx *index.Index, dir string, slot types.Slot, account types.AccountID) {
	t.Helper()
	seg, err := segment.Create(filepath.Join(dir, "orig.seg"), 1, slot, types.PageSize)
	require.NoError(t, err)
	t.Cleanup(func() { _ = seg.Close() })

	rec := &types.AccountRecord{AccountID: account, Lamports: 7}
	buf := make([]byte, segment.EncodedLen(len(rec.Data)))
	segment.Encode(rec, buf)
	off, ok := seg.Append(buf)
	require.True(t, ok)
	seg.IncLive(int64(len(rec.Data)))
	storage.Insert(slot, seg)
	idx.Insert(slot, account, types.InSegment(1, off), types.EntryFlags{})
}

func TestMergeSlotMovesLiveAccount(t *testing.T) {
	idx := index.New(8)
	storage := storagemap.New()
	dir := t.TempDir()
	alloc := &fakeAllocator{dir: t.TempDir()}

	var acct types.AccountID
	acct[0] = 1
	singleSegmentSlot(t, storage, idx, dir, 3, acct)
	idx.Rooted().AddRoot(3)

	m := New(storage, idx, alloc, 0, nil)
	require.NoError(t, m.MergeSlot(3))

	entry, ok := idx.Get(acct, nil, nil)
	require.True(t, ok)
	require.NotEqual(t, types.SegmentID(1), entry.Location.Segment, "the account must now live in a fresh ancient segment")

	segs := storage.GetSlotSegments(3)
	require.Len(t, segs, 1, "the original segment is replaced by the ancient segment it was merged into")
	require.NotEqual(t, types.SegmentID(1), segs[0].ID())
	require.True(t, idx.Rooted().IsRooted(3), "slot 3 created the ancient segment and remains its owning slot, so it stays rooted even though its original segment is gone")
}

func TestMergeSlotRejectsMultiSegment(t *testing.T) {
	idx := index.New(8)
	storage := storagemap.New()
	dir := t.TempDir()
	alloc := &fakeAllocator{dir: t.TempDir()}

	var a1, a2 types.AccountID
	a1[0], a2[0] = 1, 2

	seg1, err := segment.Create(filepath.Join(dir, "s1.seg"), 1, 4, types.PageSize)
	require.NoError(t, err)
	t.Cleanup(func() { _ = seg1.Close() })
	seg2, err := segment.Create(filepath.Join(dir, "s2.seg"), 2, 4, types.PageSize)
	require.NoError(t, err)
	t.Cleanup(func() { _ = seg2.Close() })
	storage.Insert(4, seg1)
	storage.Insert(4, seg2)

	rec := &types.AccountRecord{AccountID: a1, Lamports: 1}
	buf := make([]byte, segment.EncodedLen(len(rec.Data)))
	segment.Encode(rec, buf)
	off, ok := seg1.Append(buf)
	require.True(t, ok)
	seg1.IncLive(int64(len(rec.Data)))
	idx.Insert(4, a1, types.InSegment(1, off), types.EntryFlags{})

	rec2 := &types.AccountRecord{AccountID: a2, Lamports: 1}
	buf2 := make([]byte, segment.EncodedLen(len(rec2.Data)))
	segment.Encode(rec2, buf2)
	off2, ok := seg2.Append(buf2)
	require.True(t, ok)
	seg2.IncLive(int64(len(rec2.Data)))
	idx.Insert(4, a2, types.InSegment(2, off2), types.EntryFlags{})

	idx.Rooted().AddRoot(4)

	m := New(storage, idx, alloc, 0, nil)
	err = m.MergeSlot(4)
	require.Error(t, err)
	require.True(t, errors.Is(err, types.ErrMultiSegmentSlot))
	require.True(t, idx.Rooted().IsRooted(4), "a rejected merge must leave the slot rooted")
}

func TestMergeSlotEmptySlotIsNoop(t *testing.T) {
	idx := index.New(8)
	storage := storagemap.New()
	alloc := &fakeAllocator{dir: t.TempDir()}

	m := New(storage, idx, alloc, 0, nil)
	require.NoError(t, m.MergeSlot(123))
}

func TestMergeSlotSharesAncientSegmentAcrossSlots(t *testing.T) {
	idx := index.New(8)
	storage := storagemap.New()
	dir := t.TempDir()
	alloc := &fakeAllocator{dir: t.TempDir()}

	var a1, a2 types.AccountID
	a1[0] = 1
	a2[0] = 2
	singleSegmentSlot(t, storage, idx, dir, 10, a1)
	idx.Rooted().AddRoot(10)

	m := New(storage, idx, alloc, 0, nil)
	require.NoError(t, m.MergeSlot(10))

	segsAfterFirst := storage.GetSlotSegments(10)
	require.Len(t, segsAfterFirst, 1, "slot 10's original segment is replaced by the ancient segment")

	// Merge a second, distinct slot; it should land in the same current
	// ancient segment rather than allocating a fresh one, since the first
	// has ample remaining capacity.
	seg2, err := segment.Create(filepath.Join(dir, "orig2.seg"), 2, 11, types.PageSize)
	require.NoError(t, err)
	t.Cleanup(func() { _ = seg2.Close() })
	rec := &types.AccountRecord{AccountID: a2, Lamports: 9}
	buf := make([]byte, segment.EncodedLen(len(rec.Data)))
	segment.Encode(rec, buf)
	off, ok := seg2.Append(buf)
	require.True(t, ok)
	seg2.IncLive(int64(len(rec.Data)))
	storage.Insert(11, seg2)
	idx.Insert(11, a2, types.InSegment(2, off), types.EntryFlags{})
	idx.Rooted().AddRoot(11)

	require.NoError(t, m.MergeSlot(11))

	// Slot 10 created the current ancient segment, so it is the owning
	// slot both merges index survivors under; slot 11 contributed an
	// account but is fully merged away and drops its root.
	e1, ok := idx.Get(a1, map[types.Slot]bool{10: true}, nil)
	require.True(t, ok)
	e2, ok := idx.Get(a2, map[types.Slot]bool{10: true}, nil)
	require.True(t, ok)
	require.Equal(t, e1.Location.Segment, e2.Location.Segment, "both slots' survivors must share the current ancient segment")
	require.True(t, idx.Rooted().IsRooted(10), "the owning slot stays rooted")
	require.False(t, idx.Rooted().IsRooted(11), "a merged-away slot that isn't the owning slot drops its root")
}
