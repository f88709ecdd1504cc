// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package accountsdb

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/shardledger/accountsdb/shrink"
	"github.com/shardledger/accountsdb/types"
)

// openScenarioStore opens a Store against a fresh temp directory and a
// fresh Prometheus registry, so the metrics collectors one test's Open
// registers never collide with another's in the same test binary.
func openScenarioStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	dir := t.TempDir()
	base := []Option{
		WithStoragePaths(dir),
		WithCachingEnabled(false),
		WithRegisterer(prometheus.NewRegistry()),
	}
	store, err := Open(append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func accountID(b byte) types.AccountID {
	var id types.AccountID
	id[0] = b
	return id
}

// Scenario 1: store then load, both under the writing slot's ancestor
// set and with no ancestors/unspecified hint.
func TestScenarioSingleStoreThenLoad(t *testing.T) {
	store := openScenarioStore(t)
	pk := accountID(1)

	_, err := store.Store(1, []AccountWrite{
		{Account: pk, Record: &types.AccountRecord{AccountID: pk, Lamports: 10}},
	})
	require.NoError(t, err)

	rec, slot, ok := store.Load(map[types.Slot]bool{1: true}, pk, types.FixedMaxRoot)
	require.True(t, ok)
	require.Equal(t, types.Slot(1), slot)
	require.Equal(t, uint64(10), rec.Lamports)

	_, _, ok = store.Load(nil, pk, types.Unspecified)
	require.False(t, ok, "an unrooted slot 1 is invisible with no ancestors and no fixed root")
}

// Scenario 2: rooting the slot makes it visible with no ancestors.
func TestScenarioRootThenRead(t *testing.T) {
	store := openScenarioStore(t)
	pk := accountID(2)

	_, err := store.Store(1, []AccountWrite{
		{Account: pk, Record: &types.AccountRecord{AccountID: pk, Lamports: 10}},
	})
	require.NoError(t, err)

	store.AddRoot(1)

	rec, slot, ok := store.Load(nil, pk, types.Unspecified)
	require.True(t, ok)
	require.Equal(t, types.Slot(1), slot)
	require.Equal(t, uint64(10), rec.Lamports)
}

// Scenario 3: a newer rooted write shadows an older one with no
// ancestors, but the older write remains reachable via its own
// ancestor set.
func TestScenarioOverwriteAcrossSlots(t *testing.T) {
	store := openScenarioStore(t)
	pk := accountID(3)

	_, err := store.Store(1, []AccountWrite{
		{Account: pk, Record: &types.AccountRecord{AccountID: pk, Lamports: 10}},
	})
	require.NoError(t, err)
	store.AddRoot(1)

	_, err = store.Store(2, []AccountWrite{
		{Account: pk, Record: &types.AccountRecord{AccountID: pk, Lamports: 20}},
	})
	require.NoError(t, err)
	store.AddRoot(2)

	rec, slot, ok := store.Load(nil, pk, types.Unspecified)
	require.True(t, ok)
	require.Equal(t, uint64(20), rec.Lamports)
	require.Equal(t, types.Slot(2), slot)

	rec, slot, ok = store.Load(map[types.Slot]bool{1: true}, pk, types.FixedMaxRoot)
	require.True(t, ok)
	require.Equal(t, uint64(10), rec.Lamports)
	require.Equal(t, types.Slot(1), slot)
}

// Scenario 4: a rooted zero-lamport account with no surviving older
// rooted duplicate is purged entirely by Clean, and the segment(s) it
// occupied lose exactly the one live reference.
func TestScenarioZeroLamportClean(t *testing.T) {
	store := openScenarioStore(t)
	pk := accountID(4)

	_, err := store.Store(3, []AccountWrite{
		{Account: pk, Record: &types.AccountRecord{AccountID: pk, Lamports: 0}},
	})
	require.NoError(t, err)
	store.AddRoot(3)

	segsBefore := store.GetSnapshotStorages(3)
	require.NotEmpty(t, segsBefore)
	var liveBefore int64
	for _, segs := range segsBefore {
		for _, seg := range segs {
			liveBefore += seg.LiveCount()
		}
	}

	stats := store.Clean(3)
	require.Equal(t, 1, stats.ZeroLamportPurged)

	_, _, ok := store.Load(nil, pk, types.Unspecified)
	require.False(t, ok, "a purged zero-lamport account must no longer load")

	var liveAfter int64
	for _, segs := range store.GetSnapshotStorages(3) {
		for _, seg := range segs {
			liveAfter += seg.LiveCount()
		}
	}
	require.Equal(t, liveBefore-1, liveAfter, "exactly one live reference must be reclaimed")
}

// Scenario 5: overwriting 90 of 100 rooted accounts in a later slot,
// then cleaning and shrinking, must compact the original slot without
// disturbing the 10 accounts that still live there.
func TestScenarioShrinkRoundTrip(t *testing.T) {
	store := openScenarioStore(t, WithShrinkPolicy(shrink.Policy{Ratio: 0.99}))

	const total = 100
	const overwritten = 90

	writes := make([]AccountWrite, total)
	ids := make([]types.AccountID, total)
	for i := 0; i < total; i++ {
		id := accountID(byte(i + 1))
		ids[i] = id
		writes[i] = AccountWrite{Account: id, Record: &types.AccountRecord{AccountID: id, Lamports: 1}}
	}
	_, err := store.Store(10, writes)
	require.NoError(t, err)
	store.AddRoot(10)

	overwriteWrites := make([]AccountWrite, overwritten)
	for i := 0; i < overwritten; i++ {
		overwriteWrites[i] = AccountWrite{Account: ids[i], Record: &types.AccountRecord{AccountID: ids[i], Lamports: 2}}
	}
	_, err = store.Store(11, overwriteWrites)
	require.NoError(t, err)
	store.AddRoot(11)

	store.Clean(11)

	require.GreaterOrEqual(t, store.shrinkCandidates.Len(), 1)

	rewritten := store.ShrinkCandidates()
	require.GreaterOrEqual(t, rewritten, 1)

	for i := overwritten; i < total; i++ {
		rec, slot, ok := store.Load(map[types.Slot]bool{10: true, 11: true}, ids[i], types.FixedMaxRoot)
		require.True(t, ok, "surviving account %d must still load after shrink", i)
		require.Equal(t, uint64(1), rec.Lamports)
		require.Equal(t, types.Slot(10), slot)
	}
}

// Scenario 6: a reader repeatedly loading under a fixed max root must
// never observe a transient miss while a concurrent writer roots and
// flushes the same slot.
func TestScenarioLookupRetryUnderFlush(t *testing.T) {
	store := openScenarioStore(t, WithCachingEnabled(true))
	pk := accountID(6)

	_, err := store.Store(7, []AccountWrite{
		{Account: pk, Record: &types.AccountRecord{AccountID: pk, Lamports: 42}},
	})
	require.NoError(t, err)

	var stop atomic.Bool
	var sawMiss atomic.Bool
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for !stop.Load() {
			if _, _, ok := store.Load(map[types.Slot]bool{7: true}, pk, types.FixedMaxRoot); !ok {
				sawMiss.Store(true)
				return
			}
		}
	}()

	store.AddRoot(7)
	require.NoError(t, store.FlushSlot(7))
	stop.Store(true)
	wg.Wait()

	require.False(t, sawMiss.Load(), "a fixed-max-root reader must never observe a miss across a concurrent flush")
}
