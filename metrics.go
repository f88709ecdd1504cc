// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package accountsdb

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// storeMetrics mirrors the teacher's walMetrics: a flat struct of
// promauto-registered collectors built once at Open and referenced by
// every hot-path method, renamed for the accounts-storage domain.
type storeMetrics struct {
	accountsStored    prometheus.Counter
	bytesStored       prometheus.Counter
	loads             prometheus.Counter
	loadMisses        prometheus.Counter
	lookupRetries     prometheus.Counter
	flushes           prometheus.Counter
	purgedSlots       prometheus.Counter
	cleanPasses       prometheus.Counter
	cleanZeroLamports prometheus.Counter
	cleanOldRoots     prometheus.Counter
	shrinkPasses      *prometheus.CounterVec
	ancientMerges     *prometheus.CounterVec
	recycleHits       prometheus.Counter
	recycleMisses     prometheus.Counter
	writeCacheBytes   prometheus.Gauge
	segmentCount      prometheus.Gauge
}

func newStoreMetrics(reg prometheus.Registerer) *storeMetrics {
	return &storeMetrics{
		accountsStored: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "accounts_stored",
			Help: "accounts_stored counts the number of account records written via Store.",
		}),
		bytesStored: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "account_bytes_stored",
			Help: "account_bytes_stored counts the bytes of account data written, before header/hash overhead.",
		}),
		loads: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "loads",
			Help: "loads counts calls to Load, successful or not.",
		}),
		loadMisses: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "load_misses",
			Help: "load_misses counts Load calls that returned absent.",
		}),
		lookupRetries: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "lookup_retries",
			Help: "lookup_retries counts retry-protocol iterations beyond the first, per spec.md §4.7.",
		}),
		flushes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "flushes",
			Help: "flushes counts calls to FlushSlot that moved at least one record to a segment.",
		}),
		purgedSlots: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "purged_slots",
			Help: "purged_slots counts slots dropped via PurgeSlot/RemoveUnrootedSlots.",
		}),
		cleanPasses: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "clean_passes",
			Help: "clean_passes counts completed Clean invocations.",
		}),
		cleanZeroLamports: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "clean_zero_lamports_purged",
			Help: "clean_zero_lamports_purged counts accounts removed entirely by a Clean pass.",
		}),
		cleanOldRoots: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "clean_old_roots_reclaimed",
			Help: "clean_old_roots_reclaimed counts superseded rooted index entries reclaimed by Clean.",
		}),
		shrinkPasses: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "shrink_passes",
			Help: "shrink_passes counts ShrinkOne invocations by outcome.",
		}, []string{"outcome"}),
		ancientMerges: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "ancient_merges",
			Help: "ancient_merges counts MergeSlot invocations by outcome.",
		}, []string{"outcome"}),
		recycleHits: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "recycle_pool_hits",
			Help: "recycle_pool_hits counts segment allocations served from the Recycle Pool.",
		}),
		recycleMisses: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "recycle_pool_misses",
			Help: "recycle_pool_misses counts segment allocations that required a fresh mmap.",
		}),
		writeCacheBytes: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "write_cache_bytes",
			Help: "write_cache_bytes is the current estimated size of the write cache.",
		}),
		segmentCount: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "segment_count",
			Help: "segment_count is the current number of segments tracked across all slots.",
		}),
	}
}
