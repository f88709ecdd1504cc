// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package readcache implements C5, the Read Cache: a bounded LRU of
// recently read rooted accounts keyed by (account_id, slot), populated
// only on segment-sourced reads (spec.md §4.5).
package readcache

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/shardledger/accountsdb/types"
)

// DefaultBudgetBytes is the default byte budget (200 MB, spec.md §4.5).
const DefaultBudgetBytes = 200 << 20

// averageRecordBytes estimates a typical encoded record size so the byte
// budget can be translated into an LRU entry-count cap; golang-lru/v2's
// Cache is sized by entry count, not bytes. Cache keeps no running byte
// total: it evicts by count alone, so the byte budget is met only to the
// extent records average this size.
const averageRecordBytes = 256

type key struct {
	Account types.AccountID
	Slot    types.Slot
}

// Cache is the bounded read-through cache for segment-sourced accounts.
type Cache struct {
	lru         *lru.Cache[key, *types.AccountRecord]
	budgetBytes uint64
}

// New constructs a Cache with the given byte budget (0 uses
// DefaultBudgetBytes).
func New(budgetBytes uint64) *Cache {
	if budgetBytes == 0 {
		budgetBytes = DefaultBudgetBytes
	}
	entries := int(budgetBytes / averageRecordBytes)
	if entries < 1 {
		entries = 1
	}
	l, err := lru.New[key, *types.AccountRecord](entries)
	if err != nil {
		// Only possible error is size <= 0, already guarded above.
		panic(err)
	}
	return &Cache{lru: l, budgetBytes: budgetBytes}
}

// Get returns the cached record for (account, slot), if present.
func (c *Cache) Get(account types.AccountID, slot types.Slot) (*types.AccountRecord, bool) {
	return c.lru.Get(key{account, slot})
}

// Put populates the cache for a segment-sourced read. Cache-resident
// reads must never call this (spec.md §4.5 "not populated for
// cache-located reads").
func (c *Cache) Put(account types.AccountID, slot types.Slot, rec *types.AccountRecord) {
	c.lru.Add(key{account, slot}, rec)
}

// Remove evicts a single entry. Shrink and Clean do not call it; a
// version they invalidate stays cached until LRU eviction drops it.
func (c *Cache) Remove(account types.AccountID, slot types.Slot) {
	c.lru.Remove(key{account, slot})
}

// Len reports the number of cached entries.
func (c *Cache) Len() int { return c.lru.Len() }
