// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package accountsdb

import (
	"fmt"
	"os"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/shardledger/accountsdb/types"
)

// BenchmarkStore mirrors the teacher's BenchmarkAppend: record-size x
// batch-size matrix, timer started only around the operation under test.
func BenchmarkStore(b *testing.B) {
	sizes := []int{10, 1024, 100 * 1024}
	sizeNames := []string{"10", "1k", "100k"}
	batchSizes := []int{1, 10}

	for i, sz := range sizes {
		for _, batchSize := range batchSizes {
			b.Run(fmt.Sprintf("dataSize=%s/batchSize=%d", sizeNames[i], batchSize), func(b *testing.B) {
				store, done := openBenchStore(b)
				defer done()
				runStoreBench(b, store, sz, batchSize)
			})
		}
	}
}

func openBenchStore(b *testing.B) (*Store, func()) {
	tmpDir, err := os.MkdirTemp("", "accountsdb-bench-*")
	require.NoError(b, err)

	store, err := Open(WithStoragePaths(tmpDir), WithSegmentCapacity(4<<20), WithRegisterer(prometheus.NewRegistry()))
	require.NoError(b, err)

	return store, func() {
		store.Close()
		os.RemoveAll(tmpDir)
	}
}

func runStoreBench(b *testing.B, store *Store, dataSize, batchSize int) {
	data := randomAccountData[:dataSize]
	slot := types.Slot(1)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		writes := make([]AccountWrite, batchSize)
		for j := range writes {
			var id types.AccountID
			id[0] = byte(i)
			id[1] = byte(j)
			id[2] = byte(i >> 8)
			writes[j] = AccountWrite{
				Account: id,
				Record:  &types.AccountRecord{AccountID: id, Lamports: 1, Data: data},
			}
		}
		if _, err := store.Store(slot, writes); err != nil {
			b.Fatalf("store failed: %s", err)
		}
		slot++
	}
}

// BenchmarkLoad mirrors the teacher's BenchmarkGetLogs: populate then
// measure read latency alone.
func BenchmarkLoad(b *testing.B) {
	counts := []int{1000, 100_000}
	countNames := []string{"1k", "100k"}

	for i, n := range counts {
		store, done := openBenchStore(b)
		ids := populateBenchAccounts(b, store, n)
		b.Run(fmt.Sprintf("numAccounts=%s", countNames[i]), func(b *testing.B) {
			runLoadBench(b, store, ids)
		})
		done()
	}
}

var randomAccountData = make([]byte, 1<<20)

func populateBenchAccounts(b *testing.B, store *Store, n int) []types.AccountID {
	ids := make([]types.AccountID, n)
	slot := types.Slot(1)
	batch := make([]AccountWrite, 0, 1000)
	for i := 0; i < n; i++ {
		var id types.AccountID
		id[0] = byte(i)
		id[1] = byte(i >> 8)
		id[2] = byte(i >> 16)
		ids[i] = id
		batch = append(batch, AccountWrite{Account: id, Record: &types.AccountRecord{AccountID: id, Lamports: 1, Data: randomAccountData[:128]}})
		if len(batch) == cap(batch) {
			_, err := store.Store(slot, batch)
			require.NoError(b, err)
			store.AddRoot(slot)
			require.NoError(b, store.FlushSlot(slot))
			batch = batch[:0]
			slot++
		}
	}
	if len(batch) > 0 {
		_, err := store.Store(slot, batch)
		require.NoError(b, err)
	}
	store.AddRoot(slot)
	require.NoError(b, store.FlushSlot(slot))
	return ids
}

func runLoadBench(b *testing.B, store *Store, ids []types.AccountID) {
	ancestors := map[types.Slot]bool{}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		id := ids[i%len(ids)]
		if _, _, ok := store.Load(ancestors, id, types.Unspecified); !ok {
			b.Fatalf("unexpected miss for account %v", id)
		}
	}
}
