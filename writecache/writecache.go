// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package writecache implements C4, the Write Cache: a per-slot in-memory
// map of account-id -> latest cached record for unrooted slots, with
// asynchronous content hashing off the hot path, per spec.md §4.4.
package writecache

import (
	"sync"
	"sync/atomic"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/shardledger/accountsdb/types"
)

// CachedAccount pairs a cached record with its lazily-computed content
// hash, per spec.md §4.4.
type CachedAccount struct {
	Record *types.AccountRecord

	mu        sync.Mutex
	hashReady bool
}

// Hash returns the content hash, computing it synchronously if the
// background hasher has not gotten to it yet (spec.md §9 "if the cache
// entry is flushed before the hash is computed, the hash is computed at
// flush time instead" — here applied uniformly to any reader, not just
// flush, since it's cheap and idempotent).
func (c *CachedAccount) Hash() [32]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.hashReady {
		c.Record.ContentHash = c.Record.ComputeHash()
		c.hashReady = true
	}
	return c.Record.ContentHash
}

type hashJob struct {
	account types.AccountID
	slot    types.Slot
	entry   *CachedAccount
}

type slotCache struct {
	mu       sync.RWMutex
	accounts map[types.AccountID]*CachedAccount
	draining bool
}

// FlushSink is implemented by the owning Store so writecache stays
// decoupled from the index/storagemap concrete types (accept interfaces,
// per the idiomatic-Go rule), while still letting Flush satisfy the
// ordering contract: AppendRecords must be called, then UpdateIndex for
// every record, strictly before the cache's own slot entry is removed.
type FlushSink interface {
	// AppendRecords writes records (already deduplicated to the latest
	// write-version per account, spec.md I5) into one or more segments
	// for slot, returning each record's new location in the same order.
	AppendRecords(slot types.Slot, records []*types.AccountRecord) ([]types.StorageLocation, error)
	// UpdateIndex publishes the new segment location for (slot, account).
	// Called once per record before the slot's cache map is cleared.
	UpdateIndex(slot types.Slot, account types.AccountID, loc types.StorageLocation, hash [32]byte)
}

// Cache is the process-wide write cache across all unrooted slots.
type Cache struct {
	mu    sync.RWMutex
	slots map[types.Slot]*slotCache

	totalBytes int64 // atomic
	limitBytes uint64

	queue  *unboundedQueue
	logger log.Logger

	closeOnce sync.Once
	done      chan struct{}
}

// New constructs a Cache with the given byte budget (0 disables it;
// OverLimit reports against it, and exceeding it forces no flush) and starts the
// background hasher goroutine, mirroring the teacher's single dedicated
// runRotate() consumer fed by a channel.
func New(limitBytes uint64, logger log.Logger) *Cache {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	c := &Cache{
		slots:      make(map[types.Slot]*slotCache),
		limitBytes: limitBytes,
		queue:      newUnboundedQueue(),
		logger:     logger,
		done:       make(chan struct{}),
	}
	go c.runHasher()
	return c
}

func (c *Cache) runHasher() {
	for {
		job, ok := c.queue.pop()
		if !ok {
			close(c.done)
			return
		}
		job.entry.Hash()
	}
}

// Close stops the background hasher. Safe to call multiple times.
func (c *Cache) Close() {
	c.closeOnce.Do(func() {
		c.queue.close()
		<-c.done
	})
}

func (c *Cache) getOrCreateSlot(slot types.Slot) *slotCache {
	c.mu.RLock()
	sc, ok := c.slots[slot]
	c.mu.RUnlock()
	if ok {
		return sc
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	sc, ok = c.slots[slot]
	if !ok {
		sc = &slotCache{accounts: make(map[types.AccountID]*CachedAccount)}
		c.slots[slot] = sc
	}
	return sc
}

// Store inserts or overwrites the cached record for (slot, account) and
// enqueues it for background hashing, never blocking since the queue is
// unbounded (spec.md §4.4/§5).
func (c *Cache) Store(slot types.Slot, account types.AccountID, rec *types.AccountRecord) {
	sc := c.getOrCreateSlot(slot)
	entry := &CachedAccount{Record: rec}

	sc.mu.Lock()
	prev, existed := sc.accounts[account]
	sc.accounts[account] = entry
	sc.mu.Unlock()

	delta := int64(len(rec.Data))
	if existed {
		delta -= int64(len(prev.Record.Data))
	}
	atomic.AddInt64(&c.totalBytes, delta)

	c.queue.push(hashJob{account: account, slot: slot, entry: entry})
}

// Load returns the cached entry for (slot, account), if the slot has not
// yet been flushed or purged.
func (c *Cache) Load(slot types.Slot, account types.AccountID) (*CachedAccount, bool) {
	c.mu.RLock()
	sc, ok := c.slots[slot]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	e, ok := sc.accounts[account]
	return e, ok
}

// TotalBytes reports the cache's current size estimate (spec.md §4.4
// "Size-bounded"). No slot is force-flushed when it exceeds the budget.
func (c *Cache) TotalBytes() uint64 {
	return uint64(atomic.LoadInt64(&c.totalBytes))
}

// OverLimit reports whether TotalBytes exceeds the configured budget. A
// zero limit means no budget is enforced.
func (c *Cache) OverLimit() bool {
	return c.limitBytes > 0 && c.TotalBytes() > c.limitBytes
}

// Purge discards a slot's cache entirely without flushing, used when an
// unrooted fork is abandoned (spec.md §3 Lifecycle "slot-purge").
func (c *Cache) Purge(slot types.Slot) {
	c.mu.Lock()
	sc, ok := c.slots[slot]
	if ok {
		delete(c.slots, slot)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	var freed int64
	for _, e := range sc.accounts {
		freed += int64(len(e.Record.Data))
	}
	atomic.AddInt64(&c.totalBytes, -freed)
}

// Flush atomically drains slot's cache map and writes every record to
// sink, updating the index for each BEFORE removing the slot's map entry
// — the ordering contract spec.md §4.4 relies on for lookup-retry safety
// (§4.7). A second Flush of an already-flushed (or never-written) slot is
// a no-op (the "Idempotent flush" law, spec.md §8).
func (c *Cache) Flush(slot types.Slot, sink FlushSink) error {
	c.mu.RLock()
	sc, ok := c.slots[slot]
	c.mu.RUnlock()
	if !ok {
		return nil
	}

	sc.mu.Lock()
	if sc.draining || len(sc.accounts) == 0 {
		sc.mu.Unlock()
		return nil
	}
	sc.draining = true
	accounts := make([]types.AccountID, 0, len(sc.accounts))
	entries := make([]*CachedAccount, 0, len(sc.accounts))
	for a, e := range sc.accounts {
		accounts = append(accounts, a)
		entries = append(entries, e)
	}
	sc.mu.Unlock()

	records := make([]*types.AccountRecord, len(entries))
	hashes := make([][32]byte, len(entries))
	var freed int64
	for i, e := range entries {
		hashes[i] = e.Hash()
		records[i] = e.Record
		freed += int64(len(e.Record.Data))
	}

	locs, err := sink.AppendRecords(slot, records)
	if err != nil {
		level.Error(c.logger).Log("msg", "flush failed to append records", "slot", slot, "err", err)
		sc.mu.Lock()
		sc.draining = false
		sc.mu.Unlock()
		return err
	}

	for i, account := range accounts {
		sink.UpdateIndex(slot, account, locs[i], hashes[i])
	}

	// Only after every record's new location is published to the index is
	// it safe to drop the slot's cache entry: spec.md §4.4's ordering
	// contract, which §4.7's retry-loop safety argument depends on so a
	// racing Load never sees a "cached but gone" hole mid-flush.
	c.mu.Lock()
	delete(c.slots, slot)
	c.mu.Unlock()

	atomic.AddInt64(&c.totalBytes, -freed)
	return nil
}

// HasSlot reports whether slot currently has a live (unflushed) cache
// entry.
func (c *Cache) HasSlot(slot types.Slot) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.slots[slot]
	return ok
}
