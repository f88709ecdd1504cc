// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package clean

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shardledger/accountsdb/index"
	"github.com/shardledger/accountsdb/segment"
	"github.com/shardledger/accountsdb/storagemap"
	"github.com/shardledger/accountsdb/types"
)

func putRecord(t *testing.T, storage *storagemap.Map, idx *index.Index, dir string, id types.SegmentID, slot types.Slot, account types.AccountID, lamports uint64) {
	t.Helper()
	path := filepath.Join(dir, filepath.Base(t.Name())+string(rune('a'+int(id))))
	seg, err := segment.Create(path, id, slot, types.PageSize)
	require.NoError(t, err)
	t.Cleanup(func() { _ = seg.Close() })

	rec := &types.AccountRecord{AccountID: account, Lamports: lamports}
	buf := make([]byte, segment.EncodedLen(len(rec.Data)))
	segment.Encode(rec, buf)
	off, ok := seg.Append(buf)
	require.True(t, ok)
	seg.IncLive(int64(len(rec.Data)))
	storage.Insert(slot, seg)

	flags := types.EntryFlags{ZeroLamport: rec.ZeroLamport()}
	idx.Insert(slot, account, types.InSegment(id, off), flags)
}

type fakeGuard struct {
	slot types.Slot
	ok   bool
}

func (g fakeGuard) LastFullSnapshotSlot() (types.Slot, bool) { return g.slot, g.ok }

func TestRunPurgesZeroLamport(t *testing.T) {
	idx := index.New(8)
	storage := storagemap.New()
	dir := t.TempDir()

	var acct types.AccountID
	acct[0] = 1
	putRecord(t, storage, idx, dir, 1, 5, acct, 0)
	idx.Rooted().AddRoot(5)
	idx.Deltas().RecordRoot(5)
	idx.Deltas().RecordTouched(5, acct)

	c := New(idx, storage, nil, nil)
	stats := c.Run(10)

	require.Equal(t, 1, stats.ZeroLamportPurged)
	_, ok := idx.Get(acct, nil, nil)
	require.False(t, ok, "zero-lamport account with no other reference must be purged")
}

func TestRunKeepsNonZeroLamport(t *testing.T) {
	idx := index.New(8)
	storage := storagemap.New()
	dir := t.TempDir()

	var acct types.AccountID
	acct[0] = 2
	putRecord(t, storage, idx, dir, 1, 5, acct, 100)
	idx.Rooted().AddRoot(5)
	idx.Deltas().RecordRoot(5)
	idx.Deltas().RecordTouched(5, acct)

	c := New(idx, storage, nil, nil)
	stats := c.Run(10)

	require.Equal(t, 0, stats.ZeroLamportPurged)
	entry, ok := idx.Get(acct, nil, nil)
	require.True(t, ok)
	require.Equal(t, types.Slot(5), entry.Slot)
}

func TestRunReclaimsOldRoots(t *testing.T) {
	idx := index.New(8)
	storage := storagemap.New()
	dir := t.TempDir()

	var acct types.AccountID
	acct[0] = 3
	putRecord(t, storage, idx, dir, 1, 3, acct, 50)
	putRecord(t, storage, idx, dir, 2, 7, acct, 60)
	idx.Rooted().AddRoot(3)
	idx.Rooted().AddRoot(7)
	idx.Deltas().RecordRoot(7)
	idx.Deltas().RecordTouched(7, acct)

	require.Len(t, idx.SlotList(acct), 2)

	c := New(idx, storage, nil, nil)
	stats := c.Run(10)

	require.Equal(t, 1, stats.OldRootsReclaimed)
	require.Len(t, idx.SlotList(acct), 1, "only the newest rooted entry survives")
	entry, ok := idx.Get(acct, nil, nil)
	require.True(t, ok)
	require.Equal(t, types.Slot(7), entry.Slot)
}

func TestRunDefersZeroLamportBySnapshotGuard(t *testing.T) {
	idx := index.New(8)
	storage := storagemap.New()
	dir := t.TempDir()

	var acct types.AccountID
	acct[0] = 4
	putRecord(t, storage, idx, dir, 1, 9, acct, 0)
	idx.Rooted().AddRoot(9)
	idx.Deltas().RecordRoot(9)
	idx.Deltas().RecordTouched(9, acct)

	// Snapshot guard reports the last known-durable snapshot is behind
	// slot 9, so the purge must be deferred until a newer snapshot lands.
	c := New(idx, storage, fakeGuard{slot: 3, ok: true}, nil)
	stats := c.Run(10)

	require.Equal(t, 0, stats.ZeroLamportPurged)
	require.Equal(t, 1, stats.DeferredBySnapshot)
	_, ok := idx.Get(acct, nil, nil)
	require.True(t, ok, "deferred purge must leave the entry in place")
}

func TestRunDetectsDeadSlots(t *testing.T) {
	idx := index.New(8)
	storage := storagemap.New()
	dir := t.TempDir()

	var acct types.AccountID
	acct[0] = 5
	putRecord(t, storage, idx, dir, 1, 11, acct, 0)
	idx.Rooted().AddRoot(11)
	idx.Deltas().RecordRoot(11)
	idx.Deltas().RecordTouched(11, acct)

	c := New(idx, storage, nil, nil)
	stats := c.Run(20)

	require.Contains(t, stats.DeadSlots, types.Slot(11))
}
