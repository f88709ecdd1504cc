// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package index implements C6, the Account Index: account-id -> ordered
// (slot, location, flags) list with per-key refcount, plus the
// rooted-slot tracker, uncleaned-roots/uncleaned-pubkeys delta sets, and
// ongoing-scans tracker Clean consults. See spec.md §4.6.
//
// The index is partitioned into a large number of independently-locked
// bins keyed by a prefix of the account id (spec.md §9 "per-key sharded
// locks"), generalizing the teacher's single copy-on-write state into N
// shards so point operations on distinct accounts never contend.
package index

import (
	"sync"

	"github.com/shardledger/accountsdb/types"
)

// DefaultBins is the default shard count, matching spec.md §9's "N
// typically >= 8192".
const DefaultBins = 8192

type accountEntry struct {
	slotList []types.IndexListEntry
	refcount int
}

type bin struct {
	mu       sync.RWMutex
	accounts map[types.AccountID]*accountEntry
}

// Index is the sharded account index.
type Index struct {
	bins []bin

	rooted  *rootedTracker
	scans   *scanTracker
	deltas  *deltaTracker
}

// New constructs an Index with numBins shards (0 uses DefaultBins).
func New(numBins int) *Index {
	if numBins <= 0 {
		numBins = DefaultBins
	}
	idx := &Index{
		bins:   make([]bin, numBins),
		rooted: newRootedTracker(),
		scans:  newScanTracker(),
		deltas: newDeltaTracker(),
	}
	for i := range idx.bins {
		idx.bins[i].accounts = make(map[types.AccountID]*accountEntry)
	}
	return idx
}

func (idx *Index) bin(account types.AccountID) *bin {
	return &idx.bins[account.Bin(len(idx.bins))]
}

// Rooted exposes the rooted-slots tracker (AddRoot/IsRooted/MaxRoot/...).
func (idx *Index) Rooted() *rootedTracker { return idx.rooted }

// Scans exposes the ongoing-scans tracker.
func (idx *Index) Scans() *scanTracker { return idx.scans }

// Deltas exposes the uncleaned-roots/uncleaned-pubkeys tracker Clean
// drains for candidate gathering (spec.md §4.9 P1).
func (idx *Index) Deltas() *deltaTracker { return idx.deltas }

// selectEntry implements the selection rule, spec.md §4.7: among entries
// in ancestors, the greatest slot; else among rooted entries <= maxRoot,
// the greatest; else not found.
func selectEntry(list []types.IndexListEntry, ancestors map[types.Slot]bool, maxRoot types.Slot, haveMaxRoot bool, rooted *rootedTracker) (types.IndexListEntry, bool) {
	var best *types.IndexListEntry
	for i := range list {
		e := &list[i]
		if len(ancestors) > 0 && ancestors[e.Slot] {
			if best == nil || e.Slot > best.Slot {
				best = e
			}
		}
	}
	if best != nil {
		return *best, true
	}

	effectiveMax := maxRoot
	if !haveMaxRoot {
		m, ok := rooted.MaxRoot()
		if !ok {
			return types.IndexListEntry{}, false
		}
		effectiveMax = m
	}
	best = nil
	for i := range list {
		e := &list[i]
		if e.Slot > effectiveMax {
			continue
		}
		if !rooted.IsRooted(e.Slot) {
			continue
		}
		if best == nil || e.Slot > best.Slot {
			best = e
		}
	}
	if best == nil {
		return types.IndexListEntry{}, false
	}
	return *best, true
}

// Get resolves (account, ancestors, maxRoot) to the selected index entry,
// per the selection rule. maxRoot == nil selects the "current max root"
// policy.
func (idx *Index) Get(account types.AccountID, ancestors map[types.Slot]bool, maxRoot *types.Slot) (types.IndexListEntry, bool) {
	b := idx.bin(account)
	b.mu.RLock()
	ae, ok := b.accounts[account]
	if !ok {
		b.mu.RUnlock()
		return types.IndexListEntry{}, false
	}
	list := make([]types.IndexListEntry, len(ae.slotList))
	copy(list, ae.slotList)
	b.mu.RUnlock()

	if maxRoot != nil {
		return selectEntry(list, ancestors, *maxRoot, true, idx.rooted)
	}
	return selectEntry(list, ancestors, 0, false, idx.rooted)
}

// Keys returns every account currently present in the index, across all
// bins. Used by Store.ScanAccounts, which has no secondary index to scan
// by ordered key range and so must enumerate every known account
// (spec.md §6 "scan_accounts").
func (idx *Index) Keys() []types.AccountID {
	var out []types.AccountID
	for i := range idx.bins {
		b := &idx.bins[i]
		b.mu.RLock()
		for account := range b.accounts {
			out = append(out, account)
		}
		b.mu.RUnlock()
	}
	return out
}

// Refcount returns the current refcount for account (0 if unknown).
func (idx *Index) Refcount(account types.AccountID) int {
	b := idx.bin(account)
	b.mu.RLock()
	defer b.mu.RUnlock()
	ae, ok := b.accounts[account]
	if !ok {
		return 0
	}
	return ae.refcount
}

// SlotList returns a copy of account's full slot list, used by Clean/
// Shrink which need to reason about every entry, not just the selected
// one.
func (idx *Index) SlotList(account types.AccountID) []types.IndexListEntry {
	b := idx.bin(account)
	b.mu.RLock()
	defer b.mu.RUnlock()
	ae, ok := b.accounts[account]
	if !ok {
		return nil
	}
	out := make([]types.IndexListEntry, len(ae.slotList))
	copy(out, ae.slotList)
	return out
}

func refDelta(loc types.StorageLocation, sign int) int {
	if loc.IsCached() {
		return 0
	}
	return sign
}

// Insert upserts (slot, account, location, flags). If an entry for this
// slot already exists (spec.md I5's "at most one entry per slot"), its
// previous location is displaced into the returned ReclaimList and the
// refcount is adjusted so I3 continues to hold.
func (idx *Index) Insert(slot types.Slot, account types.AccountID, loc types.StorageLocation, flags types.EntryFlags) types.ReclaimList {
	b := idx.bin(account)
	b.mu.Lock()
	defer b.mu.Unlock()

	ae, ok := b.accounts[account]
	if !ok {
		ae = &accountEntry{}
		b.accounts[account] = ae
	}

	for i := range ae.slotList {
		if ae.slotList[i].Slot == slot {
			prev := ae.slotList[i]
			ae.slotList[i] = types.IndexListEntry{Slot: slot, Location: loc, Flags: flags}
			ae.refcount += refDelta(loc, 1) - refDelta(prev.Location, 1)
			if prev.Location == loc {
				return nil
			}
			return types.ReclaimList{{Account: account, Slot: slot, Location: prev.Location}}
		}
	}

	ae.slotList = append(ae.slotList, types.IndexListEntry{Slot: slot, Location: loc, Flags: flags})
	ae.refcount += refDelta(loc, 1)
	return nil
}

// PurgeExact removes the entries for account at exactly the given slots,
// returning their prior locations as reclaims.
func (idx *Index) PurgeExact(account types.AccountID, slots []types.Slot) types.ReclaimList {
	if len(slots) == 0 {
		return nil
	}
	want := make(map[types.Slot]bool, len(slots))
	for _, s := range slots {
		want[s] = true
	}

	b := idx.bin(account)
	b.mu.Lock()
	defer b.mu.Unlock()

	ae, ok := b.accounts[account]
	if !ok {
		return nil
	}
	var reclaims types.ReclaimList
	kept := ae.slotList[:0]
	for _, e := range ae.slotList {
		if want[e.Slot] {
			reclaims = append(reclaims, types.Reclaim{Account: account, Slot: e.Slot, Location: e.Location})
			ae.refcount -= refDelta(e.Location, 1)
			continue
		}
		kept = append(kept, e)
	}
	ae.slotList = kept
	if len(ae.slotList) == 0 {
		delete(b.accounts, account)
	}
	return reclaims
}

// ScanInstruction is the callback result for Scan, spec.md §4.6.
type ScanInstruction int

const (
	// ScanKeep leaves the entry untouched.
	ScanKeep ScanInstruction = iota
	// ScanUnref decrements refcount bookkeeping for entries the callback
	// determined are dead at the segment level (used by Shrink).
	ScanUnref
	// ScanNone removes the account from the index entirely.
	ScanNone
)

// Scan invokes callback once per key, passing a copy of the slot list and
// current refcount; the callback itself runs without the bin lock, since
// the copy is taken first and only the instruction application re-takes
// the lock (spec.md §4.6
// "scans never hold a bin lock across the callback's external I/O").
func (idx *Index) Scan(keys []types.AccountID, callback func(types.AccountID, []types.IndexListEntry, int) ScanInstruction) {
	for _, account := range keys {
		list := idx.SlotList(account)
		refcount := idx.Refcount(account)
		instr := callback(account, list, refcount)

		switch instr {
		case ScanKeep:
		case ScanNone:
			b := idx.bin(account)
			b.mu.Lock()
			delete(b.accounts, account)
			b.mu.Unlock()
		case ScanUnref:
			b := idx.bin(account)
			b.mu.Lock()
			if ae, ok := b.accounts[account]; ok && ae.refcount > 0 {
				ae.refcount--
			}
			b.mu.Unlock()
		}
	}
}

// CleanRooted applies "keep only the newest rooted entry <= maxCleanRoot,
// plus any entries strictly > maxCleanRoot; the rest are dead" (spec.md
// §4.6), returning the dead entries as reclaims.
func (idx *Index) CleanRooted(account types.AccountID, maxCleanRoot types.Slot) types.ReclaimList {
	b := idx.bin(account)
	b.mu.Lock()
	defer b.mu.Unlock()

	ae, ok := b.accounts[account]
	if !ok {
		return nil
	}

	var newestRooted *types.Slot
	for _, e := range ae.slotList {
		if e.Slot <= maxCleanRoot && idx.rooted.IsRooted(e.Slot) {
			s := e.Slot
			if newestRooted == nil || s > *newestRooted {
				newestRooted = &s
			}
		}
	}
	if newestRooted == nil {
		return nil
	}

	var reclaims types.ReclaimList
	kept := ae.slotList[:0]
	for _, e := range ae.slotList {
		if e.Slot <= maxCleanRoot && e.Slot != *newestRooted {
			reclaims = append(reclaims, types.Reclaim{Account: account, Slot: e.Slot, Location: e.Location})
			ae.refcount -= refDelta(e.Location, 1)
			continue
		}
		kept = append(kept, e)
	}
	ae.slotList = kept
	return reclaims
}

// Remove deletes the account from the index entirely, used by Clean's
// zero-lamport purge (spec.md §4.9 P6), returning the removed entries as
// reclaims.
func (idx *Index) Remove(account types.AccountID) types.ReclaimList {
	b := idx.bin(account)
	b.mu.Lock()
	defer b.mu.Unlock()

	ae, ok := b.accounts[account]
	if !ok {
		return nil
	}
	reclaims := make(types.ReclaimList, 0, len(ae.slotList))
	for _, e := range ae.slotList {
		reclaims = append(reclaims, types.Reclaim{Account: account, Slot: e.Slot, Location: e.Location})
	}
	delete(b.accounts, account)
	return reclaims
}
