// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package accountsdb

import (
	"runtime"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/shardledger/accountsdb/index"
	"github.com/shardledger/accountsdb/readcache"
	"github.com/shardledger/accountsdb/shrink"
)

// DefaultSegmentCapacity is the size a freshly allocated segment targets
// before it is considered full, mirroring the teacher's
// DefaultSegmentSize.
const DefaultSegmentCapacity = 64 << 20

// Option configures a Store at Open time, mirroring the teacher's
// walOpt func(*WAL) functional-options pattern.
type Option func(*Store)

// WithStoragePaths sets the directories new segments round-robin across
// (spec.md §6 "storage_paths"). Defaults to a single "." path.
func WithStoragePaths(paths ...string) Option {
	return func(s *Store) {
		if len(paths) > 0 {
			s.storagePaths = paths
		}
	}
}

// WithCachingEnabled toggles the write cache (spec.md §6
// "caching_enabled"). Default true.
func WithCachingEnabled(enabled bool) Option {
	return func(s *Store) { s.cachingEnabled = enabled }
}

// WithShrinkPolicy sets the shrink ratio policy (spec.md §6
// "shrink_ratio").
func WithShrinkPolicy(p shrink.Policy) Option {
	return func(s *Store) { s.shrinkPolicy = p }
}

// WithWriteCacheLimitBytes sets the write-cache byte budget (spec.md §6
// "write_cache_limit_bytes"). 0 disables the budget. Exceeding it forces
// no flush: cached slots are flushed only through FlushSlot.
func WithWriteCacheLimitBytes(n uint64) Option {
	return func(s *Store) { s.writeCacheLimitBytes = n }
}

// WithAncientSegments enables the Ancient Merger (spec.md §6
// "ancient_segments").
func WithAncientSegments(enabled bool) Option {
	return func(s *Store) { s.ancientEnabled = enabled }
}

// WithIndexBins sets the account index's shard count (spec.md §6
// "accounts_index_bins"). 0 uses index.DefaultBins.
func WithIndexBins(n int) Option {
	return func(s *Store) { s.indexBins = n }
}

// WithReadOnlyCacheBytes sets C5's byte budget (spec.md §6
// "read_only_cache_bytes"). 0 uses readcache.DefaultBudgetBytes.
func WithReadOnlyCacheBytes(n uint64) Option {
	return func(s *Store) { s.readCacheBytes = n }
}

// WithSegmentCapacity overrides the default new-segment size.
func WithSegmentCapacity(n uint64) Option {
	return func(s *Store) { s.segmentCapacity = n }
}

// WithLogger sets the structured logger every subsystem reports through
// (ambient stack: go-kit/log).
func WithLogger(logger log.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithRegisterer sets the Prometheus registerer metrics are registered
// against. Defaults to prometheus.DefaultRegisterer.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(s *Store) { s.reg = reg }
}

func (s *Store) applyDefaults() {
	if len(s.storagePaths) == 0 {
		s.storagePaths = []string{"."}
	}
	if s.segmentCapacity == 0 {
		s.segmentCapacity = DefaultSegmentCapacity
	}
	if s.indexBins <= 0 {
		s.indexBins = index.DefaultBins
	}
	if s.readCacheBytes == 0 {
		s.readCacheBytes = readcache.DefaultBudgetBytes
	}
	if s.shrinkPolicy == (shrink.Policy{}) {
		s.shrinkPolicy = shrink.DefaultPolicy()
	}
	if s.logger == nil {
		s.logger = log.NewNopLogger()
	}
	if s.reg == nil {
		s.reg = prometheus.DefaultRegisterer
	}
	if s.scanWorkers <= 0 {
		s.scanWorkers = runtime.NumCPU()
	}
	if s.reclaimWorkers <= 0 {
		s.reclaimWorkers = maxInt(1, runtime.NumCPU()/4)
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
