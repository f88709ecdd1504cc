// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package accountsdb is a content-addressed, versioned, slot-keyed
// key/value store for account state in a high-throughput ledger. It ties
// together the Append Segment, Storage Map, Recycle Pool, Write Cache,
// Read Cache and Account Index into the Lookup Engine (C7) and Write
// Path (C8); Clean, Shrink and the Ancient Merger run as reclamation
// passes against the same shared state. See SPEC_FULL.md.
package accountsdb

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/shardledger/accountsdb/ancient"
	"github.com/shardledger/accountsdb/clean"
	"github.com/shardledger/accountsdb/index"
	"github.com/shardledger/accountsdb/readcache"
	"github.com/shardledger/accountsdb/recycle"
	"github.com/shardledger/accountsdb/segment"
	"github.com/shardledger/accountsdb/shrink"
	"github.com/shardledger/accountsdb/storagemap"
	"github.com/shardledger/accountsdb/types"
	"github.com/shardledger/accountsdb/writecache"
)

// AccountWrite is one (account_id, record) pair of a store() batch,
// spec.md §6.
type AccountWrite struct {
	Account types.AccountID
	Record  *types.AccountRecord
}

// ScanConfig configures scan_accounts/scan_by_index, spec.md §6/§5.
// Cancel, if non-nil, is checked between keys so a long scan can be
// cooperatively aborted.
type ScanConfig struct {
	Cancel *atomic.Bool
}

// writeVersionCounter is the process-wide monotonic write-version
// counter shared by every Store (spec.md §9); accessed atomically.
var writeVersionCounter uint64

// Store is the top-level accounts-storage engine.
type Store struct {
	closed uint32 // atomic; 1 once Close has run

	storagePaths          []string
	segmentCapacity       uint64
	cachingEnabled        bool
	writeCacheLimitBytes  uint64
	ancientEnabled        bool
	indexBins             int
	readCacheBytes        uint64
	shrinkPolicy          shrink.Policy
	scanWorkers           int
	reclaimWorkers        int

	logger log.Logger
	reg    prometheus.Registerer

	metrics *storeMetrics
	timings *timingHistograms

	storage *storagemap.Map
	idx     *index.Index
	recyclePool *recycle.Pool
	wcache  *writecache.Cache
	rcache  *readcache.Cache

	cleaner  *clean.Cleaner
	shrinker *shrink.Shrinker
	merger   *ancient.Merger

	shrinkCandidates *shrink.CandidateSet

	nextSegment uint32 // atomic

	allocMu sync.Mutex // serializes "pick or create segment for slot" decisions

	manifestsMu sync.Mutex
	manifests   map[string]*manifest
	segHome     map[types.SegmentID]string // segment id -> storage path, for manifest updates

	lastFullSnapshot atomic.Value // types.Slot; absent until first NotifyFullSnapshotDurable
}

// Open creates or recovers a Store rooted at the configured storage
// paths, mirroring the teacher's Open(dir, opts...) shape: apply options,
// validate/fill defaults, then load persisted state before the Store is
// usable.
func Open(opts ...Option) (*Store, error) {
	s := &Store{
		cachingEnabled: true,
		manifests:      make(map[string]*manifest),
		segHome:        make(map[types.SegmentID]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.applyDefaults()

	s.metrics = newStoreMetrics(s.reg)
	s.timings = newTimingHistograms()

	s.storage = storagemap.New()
	s.idx = index.New(s.indexBins)
	s.recyclePool = recycle.New(s.logger)
	s.wcache = writecache.New(s.writeCacheLimitBytes, s.logger)
	s.rcache = readcache.New(s.readCacheBytes)
	s.shrinkCandidates = shrink.NewCandidateSet()

	for _, p := range s.storagePaths {
		if err := os.MkdirAll(p, 0o755); err != nil {
			return nil, fmt.Errorf("%w: create storage path %s: %v", types.ErrIoFailed, p, err)
		}
		m, err := openManifest(p)
		if err != nil {
			return nil, err
		}
		s.manifests[p] = m
		if err := s.recoverPath(p, m); err != nil {
			return nil, err
		}
	}

	s.cleaner = clean.New(s.idx, s.storage, s, s.logger)
	s.shrinker = shrink.New(s.storage, s.idx, s.recyclePool, s, s.shrinkPolicy, s.logger)
	if s.ancientEnabled {
		s.merger = ancient.New(s.storage, s.idx, s, 0, s.logger)
	}

	return s, nil
}

func (s *Store) recoverPath(path string, m *manifest) error {
	return m.All(func(slot types.Slot, id types.SegmentID, rec manifestRecord) error {
		filePath := filepath.Join(path, segmentFileName(slot, id))
		seg, err := segment.Open(filePath, id, slot, rec.Capacity, 0, rec.Status)
		if err != nil {
			return err
		}
		if _, err := seg.RecoverLength(); err != nil {
			return err
		}
		s.storage.Insert(slot, seg)
		s.segHome[id] = path
		if uint32(id) >= s.nextSegment {
			s.nextSegment = uint32(id) + 1
		}
		s.metrics.segmentCount.Inc()
		return nil
	})
}

// NewSegment allocates a fresh segment for slot with at least the given
// capacity, serving it from the Recycle Pool when possible. It satisfies
// both shrink.Allocator and ancient's equivalent interface.
func (s *Store) NewSegment(slot types.Slot, capacity uint64) (*segment.Segment, error) {
	capacity = types.AlignUp(capacity, types.PageSize)
	if capacity == 0 {
		capacity = s.segmentCapacity
	}

	if seg, ok := s.recyclePool.TryTake(capacity, capacity*4); ok {
		seg.SetSlot(slot)
		s.metrics.recycleHits.Inc()
		path := s.segHome[seg.ID()]
		if path == "" {
			path = s.pickPath()
			s.segHome[seg.ID()] = path
		}
		if err := s.manifestAt(path).Put(slot, seg.ID(), manifestRecord{Capacity: seg.Capacity(), Status: types.Available}); err != nil {
			return nil, err
		}
		return seg, nil
	}
	s.metrics.recycleMisses.Inc()

	id := types.SegmentID(atomic.AddUint32(&s.nextSegment, 1))
	path := s.pickPath()
	filePath := filepath.Join(path, segmentFileName(slot, id))
	seg, err := segment.Create(filePath, id, slot, capacity)
	if err != nil {
		return nil, err
	}
	s.segHome[id] = path
	if err := s.manifestAt(path).Put(slot, id, manifestRecord{Capacity: seg.Capacity(), Status: types.Available}); err != nil {
		seg.Close()
		return nil, err
	}
	s.metrics.segmentCount.Inc()
	return seg, nil
}

func (s *Store) pickPath() string {
	i := atomic.AddUint32(&s.nextSegment, 0) // read-only peek, path choice need not be strictly fair
	return s.storagePaths[int(i)%len(s.storagePaths)]
}

func (s *Store) manifestAt(path string) *manifest {
	s.manifestsMu.Lock()
	defer s.manifestsMu.Unlock()
	return s.manifests[path]
}

// LastFullSnapshotSlot implements clean.SnapshotGuard.
func (s *Store) LastFullSnapshotSlot() (types.Slot, bool) {
	v := s.lastFullSnapshot.Load()
	if v == nil {
		return 0, false
	}
	return v.(types.Slot), true
}

// NotifyFullSnapshotDurable is the notify_full_snapshot_durable hook
// spec.md §9's second open question requires, resolved per DESIGN.md: it
// advances the last-known-durable full snapshot slot (never backward),
// which Clean's P5 guard consults via LastFullSnapshotSlot to defer
// purging any account whose newest entry is newer than the last durable
// snapshot.
func (s *Store) NotifyFullSnapshotDurable(slot types.Slot) {
	if v := s.lastFullSnapshot.Load(); v != nil && v.(types.Slot) >= slot {
		return
	}
	s.lastFullSnapshot.Store(slot)
}

// pickOrCreateSegment returns a segment in slot's set with at least
// needed bytes remaining, creating one if necessary (spec.md §4.8 step
// 3).
func (s *Store) pickOrCreateSegment(slot types.Slot, needed uint64) (*segment.Segment, error) {
	s.allocMu.Lock()
	defer s.allocMu.Unlock()

	for _, seg := range s.storage.GetSlotSegments(slot) {
		if seg.Status() != types.Full && seg.Remaining() >= needed {
			return seg, nil
		}
	}

	capacity := s.segmentCapacity
	if needed > capacity {
		capacity = needed
	}
	seg, err := s.NewSegment(slot, capacity)
	if err != nil {
		return nil, err
	}
	seg.MarkCandidate()
	s.storage.Insert(slot, seg)
	return seg, nil
}

// Store is the Write Path (C8): assign write-versions, route each record
// to the cache or directly to a segment, update the index, and return
// latency timing.
func (s *Store) Store(slot types.Slot, writes []AccountWrite) (StoreTiming, error) {
	start := time.Now()
	var timing StoreTiming

	if atomic.LoadUint32(&s.closed) == 1 {
		return timing, types.ErrClosed
	}

	var reclaims types.ReclaimList

	if s.cachingEnabled {
		hashStart := time.Now()
		for _, w := range writes {
			w.Record.WriteVersion = types.WriteVersion(atomic.AddUint64(&writeVersionCounter, 1))
			s.wcache.Store(slot, w.Account, w.Record)
			flags := types.EntryFlags{ZeroLamport: w.Record.ZeroLamport()}
			rl := s.idx.Insert(slot, w.Account, types.Cached(), flags)
			reclaims = append(reclaims, rl...)
			s.idx.Deltas().RecordTouched(slot, w.Account)
			s.metrics.accountsStored.Inc()
			s.metrics.bytesStored.Add(float64(len(w.Record.Data)))
		}
		timing.Hash = time.Since(hashStart)
	} else {
		appendStart := time.Now()
		var total uint64
		for _, w := range writes {
			total += segment.EncodedLen(len(w.Record.Data))
		}
		seg, err := s.pickOrCreateSegment(slot, total)
		if err != nil {
			return timing, err
		}

		indexStart := time.Now()
		for _, w := range writes {
			w.Record.WriteVersion = types.WriteVersion(atomic.AddUint64(&writeVersionCounter, 1))
			buf := make([]byte, segment.EncodedLen(len(w.Record.Data)))
			segment.Encode(w.Record, buf)

			off, ok := seg.Append(buf)
			if !ok {
				seg.MarkFull()
				seg, err = s.pickOrCreateSegment(slot, uint64(len(buf)))
				if err != nil {
					return timing, err
				}
				off, ok = seg.Append(buf)
				if !ok {
					return timing, types.ErrCapacityExceeded
				}
			}
			seg.IncLive(int64(len(w.Record.Data)))
			loc := types.InSegment(seg.ID(), off)
			flags := types.EntryFlags{ZeroLamport: w.Record.ZeroLamport()}
			rl := s.idx.Insert(slot, w.Account, loc, flags)
			reclaims = append(reclaims, rl...)
			s.idx.Deltas().RecordTouched(slot, w.Account)
			s.metrics.accountsStored.Inc()
			s.metrics.bytesStored.Add(float64(len(w.Record.Data)))
		}
		timing.IndexUpdate = time.Since(indexStart)
		timing.Append = time.Since(appendStart) - timing.IndexUpdate
		s.shrinkCandidates.Add(slot)
	}

	s.applyReclaims(reclaims)

	timing.Total = time.Since(start)
	s.timings.record("hash", timing.Hash)
	s.timings.record("append", timing.Append)
	s.timings.record("index_update", timing.IndexUpdate)
	s.timings.record("total", timing.Total)
	s.metrics.writeCacheBytes.Set(float64(s.wcache.TotalBytes()))
	return timing, nil
}

// applyReclaims decrements segment live accounting for entries an index
// update displaced, matching the same bookkeeping Clean/Shrink apply.
func (s *Store) applyReclaims(reclaims types.ReclaimList) {
	for _, r := range reclaims {
		if r.Location.Kind != types.LocationSegment {
			continue
		}
		seg, ok := s.storage.GetSegment(r.Slot, r.Location.Segment)
		if !ok {
			continue
		}
		var dataLen int64
		if rv, err := seg.Read(r.Location.Offset); err == nil {
			dataLen = int64(len(rv.Record.Data))
		}
		seg.DecLive(dataLen)
		if seg.CanReset() {
			s.shrinkCandidates.Add(r.Slot)
		}
	}
}

const lookupRetryLimit = 100000

// Load is the Lookup Engine (C7): resolves account under ancestors/hint,
// retrying across races with flush/shrink/clean per the safety argument
// in spec.md §4.7.
func (s *Store) Load(ancestors map[types.Slot]bool, account types.AccountID, hint types.LoadHint) (*types.AccountRecord, types.Slot, bool) {
	s.metrics.loads.Inc()

	var fixedMaxRoot *types.Slot
	if hint == types.FixedMaxRoot {
		if m, ok := s.idx.Rooted().MaxRoot(); ok {
			fixedMaxRoot = &m
		}
	}

	failures := 0
	for {
		entry, ok := s.idx.Get(account, ancestors, fixedMaxRoot)
		if !ok {
			s.metrics.loadMisses.Inc()
			return nil, 0, false
		}

		if entry.Location.IsCached() {
			cached, ok := s.wcache.Load(entry.Slot, account)
			if !ok {
				failures = s.countRetry(failures, hint)
				continue
			}
			return cached.Record, entry.Slot, true
		}

		seg, ok := s.storage.GetSegment(entry.Slot, entry.Location.Segment)
		if !ok {
			failures = s.countRetry(failures, hint)
			continue
		}
		rv, err := seg.Read(entry.Location.Offset)
		if err != nil {
			failures = s.countRetry(failures, hint)
			continue
		}
		s.rcache.Put(account, entry.Slot, rv.Record)
		return rv.Record, entry.Slot, true
	}
}

// countRetry tracks retry-protocol iterations toward lookupRetryLimit, per
// spec.md §4.7's pseudocode: only Unspecified-hint lookups consume the
// shared failure budget. A FixedMaxRoot caller has asserted its root won't
// move, so a Segment(None)/cache miss there is ordinary flush/shrink/clean
// churn against a location the caller's own snapshot still names, and it
// must retry freely rather than risk tripping the corrupt-index panic.
func (s *Store) countRetry(failures int, hint types.LoadHint) int {
	s.metrics.lookupRetries.Inc()
	if hint == types.FixedMaxRoot {
		return failures
	}
	failures++
	if failures > lookupRetryLimit {
		panic("accountsdb: corrupt index: exceeded lookup retry limit")
	}
	return failures
}

// LoadHash resolves account to its content hash, spec.md §6 "load_hash".
// It loads the full record through Load and returns its stored hash,
// computing the hash when the record carries none.
func (s *Store) LoadHash(ancestors map[types.Slot]bool, account types.AccountID, hint types.LoadHint) ([32]byte, bool) {
	rec, _, ok := s.Load(ancestors, account, hint)
	if !ok {
		return [32]byte{}, false
	}
	if rec.ContentHash == ([32]byte{}) {
		return rec.ComputeHash(), true
	}
	return rec.ContentHash, true
}

// ScanAccounts iterates every account known to the index, resolving each
// under ancestors and invoking callback with its materialized record.
// callback returning false stops the scan early; cfg.Cancel, if set, is
// checked between keys (spec.md §6/§5).
func (s *Store) ScanAccounts(ancestors map[types.Slot]bool, callback func(types.AccountID, *types.AccountRecord) bool, cfg ScanConfig) error {
	for _, account := range s.idx.Keys() {
		if cfg.Cancel != nil && cfg.Cancel.Load() {
			return types.ErrCancelledScan
		}
		rec, _, ok := s.Load(ancestors, account, types.Unspecified)
		if !ok {
			continue
		}
		if !callback(account, rec) {
			break
		}
	}
	return nil
}

// ScanByIndex iterates accounts owned by ownerID (the secondary index
// key), spec.md §6 "scan_by_index". The account index does not maintain
// a standing owner-id secondary index (not named as a component in
// spec.md §4), so this performs a full key scan filtered by owner,
// documented here rather than silently degrading to something cheaper.
func (s *Store) ScanByIndex(ancestors map[types.Slot]bool, ownerID types.AccountID, callback func(types.AccountID, *types.AccountRecord) bool) error {
	return s.ScanAccounts(ancestors, func(account types.AccountID, rec *types.AccountRecord) bool {
		if rec.OwnerID != ownerID {
			return true
		}
		return callback(account, rec)
	}, ScanConfig{})
}

// AddRoot marks slot as rooted and seeds Clean's candidate-gathering
// delta set for it, spec.md §6 "add_root".
func (s *Store) AddRoot(slot types.Slot) {
	s.idx.Rooted().AddRoot(slot)
	s.idx.Deltas().RecordRoot(slot)
}

// IsRooted reports whether slot has been rooted.
func (s *Store) IsRooted(slot types.Slot) bool {
	return s.idx.Rooted().IsRooted(slot)
}

type storeFlushSink struct {
	store *Store
}

func (f *storeFlushSink) AppendRecords(slot types.Slot, records []*types.AccountRecord) ([]types.StorageLocation, error) {
	var total uint64
	for _, r := range records {
		total += segment.EncodedLen(len(r.Data))
	}
	seg, err := f.store.pickOrCreateSegment(slot, total)
	if err != nil {
		return nil, err
	}

	locs := make([]types.StorageLocation, len(records))
	for i, r := range records {
		buf := make([]byte, segment.EncodedLen(len(r.Data)))
		segment.Encode(r, buf)
		off, ok := seg.Append(buf)
		if !ok {
			seg.MarkFull()
			seg, err = f.store.pickOrCreateSegment(slot, uint64(len(buf)))
			if err != nil {
				return nil, err
			}
			off, ok = seg.Append(buf)
			if !ok {
				return nil, types.ErrCapacityExceeded
			}
		}
		seg.IncLive(int64(len(r.Data)))
		locs[i] = types.InSegment(seg.ID(), off)
	}
	f.store.shrinkCandidates.Add(slot)
	return locs, nil
}

func (f *storeFlushSink) UpdateIndex(slot types.Slot, account types.AccountID, loc types.StorageLocation, hash [32]byte) {
	flags := types.EntryFlags{}
	for _, e := range f.store.idx.SlotList(account) {
		if e.Slot == slot {
			flags = e.Flags
			break
		}
	}
	rl := f.store.idx.Insert(slot, account, loc, flags)
	f.store.applyReclaims(rl)
}

// FlushSlot moves slot's write-cache entries into segments and publishes
// their locations to the index, spec.md §6 "flush_slot". A no-op if
// caching is disabled or the slot has nothing cached (idempotent flush,
// spec.md §8).
func (s *Store) FlushSlot(slot types.Slot) error {
	if !s.cachingEnabled {
		return nil
	}
	if err := s.wcache.Flush(slot, &storeFlushSink{store: s}); err != nil {
		level.Error(s.logger).Log("msg", "flush failed", "slot", slot, "err", err)
		return err
	}
	s.metrics.flushes.Inc()
	return nil
}

// PurgeSlot drops every trace of slot: its write-cache entry (without
// flushing) and any segments written directly to it, spec.md §6
// "purge_slot". Used when an unrooted fork is abandoned.
func (s *Store) PurgeSlot(slot types.Slot) {
	s.cleaner.Lock()
	defer s.cleaner.Unlock()

	s.wcache.Purge(slot)

	segs := s.storage.RemoveSlot(slot)
	for _, seg := range segs {
		seg.Iter(func(rv segment.RecordView) bool {
			reclaims := s.idx.PurgeExact(rv.Record.AccountID, []types.Slot{slot})
			for _, r := range reclaims {
				if r.Location.Kind == types.LocationSegment && r.Location.Segment == seg.ID() {
					seg.DecLive(int64(len(rv.Record.Data)))
				}
			}
			return true
		})
		seg.MarkFull()
	}
	// Entries still pointing at the purged write-cache contents.
	for _, account := range s.idx.Keys() {
		s.idx.PurgeExact(account, []types.Slot{slot})
	}
	s.recyclePool.AddMany(segs)
	s.metrics.purgedSlots.Inc()
}

// RemoveUnrootedSlots purges every slot in slots that is not rooted,
// spec.md §6 "remove_unrooted_slots". Rooted slots are left untouched.
func (s *Store) RemoveUnrootedSlots(slots []types.Slot) {
	for _, slot := range slots {
		if s.idx.Rooted().IsRooted(slot) {
			continue
		}
		s.PurgeSlot(slot)
	}
}

// Clean runs one Clean pass (C9) bounded by maxRoot, spec.md §6 "clean".
// The incremental-snapshot guard consults NotifyFullSnapshotDurable
// state rather than a per-call parameter, per DESIGN.md's resolution of
// spec.md §9's second open question.
func (s *Store) Clean(maxRoot types.Slot) clean.Stats {
	stats := s.cleaner.Run(maxRoot)
	s.metrics.cleanPasses.Inc()
	s.metrics.cleanZeroLamports.Add(float64(stats.ZeroLamportPurged))
	s.metrics.cleanOldRoots.Add(float64(stats.OldRootsReclaimed))
	for _, slot := range stats.DeadSlots {
		s.shrinkCandidates.Add(slot)
	}
	return stats
}

// ShrinkCandidates drains the current shrink candidate set, rewrites
// every slot the policy deems worth compacting, and returns the number
// of slots actually rewritten, spec.md §6 "shrink_candidates".
func (s *Store) ShrinkCandidates() int {
	candidates := s.shrinkCandidates.Drain()
	if len(candidates) == 0 {
		return 0
	}
	if s.shrinkPolicy.TotalSpace {
		n, err := s.shrinker.RunRatioOfTotalUsage(candidates)
		if err != nil {
			level.Error(s.logger).Log("msg", "shrink pass failed", "err", err)
		}
		s.metrics.shrinkPasses.WithLabelValues("rewritten").Add(float64(n))
		return n
	}

	rewritten := 0
	for _, slot := range candidates {
		ok, err := s.shrinker.ShrinkOne(slot)
		if err != nil {
			level.Error(s.logger).Log("msg", "shrink failed", "slot", slot, "err", err)
			s.metrics.shrinkPasses.WithLabelValues("error").Inc()
			continue
		}
		if ok {
			rewritten++
			s.metrics.shrinkPasses.WithLabelValues("rewritten").Inc()
		} else {
			s.metrics.shrinkPasses.WithLabelValues("skipped").Inc()
		}
	}
	return rewritten
}

// MergeAncient runs the Ancient Merger (C11) against slot, if enabled.
func (s *Store) MergeAncient(slot types.Slot) error {
	if s.merger == nil {
		return nil
	}
	err := s.merger.MergeSlot(slot)
	switch {
	case err == nil:
		s.metrics.ancientMerges.WithLabelValues("merged").Inc()
	case errors.Is(err, types.ErrMultiSegmentSlot):
		s.metrics.ancientMerges.WithLabelValues("skipped_multi_segment").Inc()
	default:
		s.metrics.ancientMerges.WithLabelValues("error").Inc()
	}
	return err
}

// GetSnapshotStorages returns, for every rooted slot <= maxSlot, the list
// of segments holding its accounts, spec.md §6 "get_snapshot_storages".
func (s *Store) GetSnapshotStorages(maxSlot types.Slot) [][]*segment.Segment {
	var out [][]*segment.Segment
	for _, slot := range s.storage.AllSlots() {
		if slot > maxSlot || !s.idx.Rooted().IsRooted(slot) {
			continue
		}
		segs := s.storage.GetSlotSegments(slot)
		if len(segs) > 0 {
			out = append(out, segs)
		}
	}
	return out
}

// Close releases every open segment, the manifest databases, and stops
// the write cache's background hasher.
func (s *Store) Close() error {
	if !atomic.CompareAndSwapUint32(&s.closed, 0, 1) {
		return nil
	}
	s.wcache.Close()

	var firstErr error
	for _, slot := range s.storage.AllSlots() {
		for _, seg := range s.storage.GetSlotSegments(slot) {
			if err := seg.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	for _, m := range s.manifests {
		if err := m.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
