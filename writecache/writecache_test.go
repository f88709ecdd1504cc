// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package writecache

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/shardledger/accountsdb/types"
)

type fakeSink struct {
	mu        sync.Mutex
	appended  []*types.AccountRecord
	locations []types.StorageLocation
	updates   []struct {
		slot    types.Slot
		account types.AccountID
		loc     types.StorageLocation
	}
}

func (f *fakeSink) AppendRecords(slot types.Slot, records []*types.AccountRecord) ([]types.StorageLocation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	locs := make([]types.StorageLocation, len(records))
	for i, r := range records {
		loc := types.InSegment(1, uint64(len(f.appended)*64))
		locs[i] = loc
		f.appended = append(f.appended, r)
	}
	return locs, nil
}

func (f *fakeSink) UpdateIndex(slot types.Slot, account types.AccountID, loc types.StorageLocation, hash [32]byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, struct {
		slot    types.Slot
		account types.AccountID
		loc     types.StorageLocation
	}{slot, account, loc})
}

func TestStoreLoadFlush(t *testing.T) {
	c := New(0, nil)
	defer c.Close()

	var acct types.AccountID
	acct[0] = 1
	rec := &types.AccountRecord{AccountID: acct, Lamports: 5}
	c.Store(7, acct, rec)

	entry, ok := c.Load(7, acct)
	require.True(t, ok)
	require.Equal(t, rec, entry.Record)

	time.Sleep(5 * time.Millisecond) // let the background hasher run
	require.NotEqual(t, [32]byte{}, entry.Hash())

	sink := &fakeSink{}
	require.NoError(t, c.Flush(7, sink))
	require.Len(t, sink.appended, 1)
	require.Len(t, sink.updates, 1)

	_, ok = c.Load(7, acct)
	require.False(t, ok, "flush must remove the slot's cache entry")
}

func TestFlushIdempotent(t *testing.T) {
	c := New(0, nil)
	defer c.Close()
	var acct types.AccountID
	c.Store(1, acct, &types.AccountRecord{AccountID: acct})

	sink := &fakeSink{}
	require.NoError(t, c.Flush(1, sink))
	require.Len(t, sink.appended, 1)

	require.NoError(t, c.Flush(1, sink))
	require.Len(t, sink.appended, 1, "second flush of an already-flushed slot must be a no-op")
}

func TestPurgeDropsWithoutFlush(t *testing.T) {
	c := New(0, nil)
	defer c.Close()
	var acct types.AccountID
	c.Store(3, acct, &types.AccountRecord{AccountID: acct, Data: []byte("x")})
	require.True(t, c.HasSlot(3))

	c.Purge(3)
	require.False(t, c.HasSlot(3))
	require.Equal(t, uint64(0), c.TotalBytes())
}

func TestOverLimit(t *testing.T) {
	c := New(4, nil)
	defer c.Close()
	var acct types.AccountID
	c.Store(1, acct, &types.AccountRecord{AccountID: acct, Data: []byte("12345")})
	require.True(t, c.OverLimit())
}
