// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package segment implements C1, the Append Segment: an immutable-after-
// seal, memory-mapped, append-only sequential log of encoded account
// records. See SPEC_FULL.md §4.1.
package segment

import (
	"fmt"
	"os"
	"sync/atomic"

	"github.com/shardledger/accountsdb/types"
)

// RecordView is a borrowed view of one decoded record plus the raw bytes
// it was decoded from. Its lifetime is tied to the Segment's mmap region
// (spec.md §4.1 "a borrowed view whose lifetime is tied to the segment's
// lifetime"); callers that need to retain data past a Reset must copy it.
type RecordView struct {
	Record *types.AccountRecord
	Offset uint64
	Raw    []byte
}

// Segment is a fixed-capacity, memory-mapped append-only byte region.
// Reservation of space is a single atomic fetch-add on length; readers
// must only read offsets strictly below the published watermark, bumped
// with a release store after the bytes are fully written (spec.md §4.1).
type Segment struct {
	id       types.SegmentID
	slot     types.Slot
	capacity uint64

	file *os.File
	data []byte

	// length is the atomically-reserved tail cursor; published is the
	// watermark readers may read up to. A writer bumps length first to
	// reserve space, writes bytes, then bumps published — the
	// reserve-then-publish split the teacher's frame-header scheme
	// relies on implicitly via a single writer goroutine; here it is
	// explicit because Store's write path may append from multiple
	// goroutines into the same segment.
	length    uint64 // atomic
	published uint64 // atomic

	liveCount int64 // atomic
	liveBytes int64 // atomic

	// readers counts in-flight Read/Iter calls, pinning the segment against
	// a concurrent Recycle Pool reset for their duration (spec.md §5
	// "consumers hold a count to prevent the Recycle Pool from resetting
	// the segment", §9's "shared-ownership of segments with deferred
	// reset"). Without it, a reader mid-decode can race a second goroutine
	// that drives live_count to zero, resets this exact segment via the
	// pool, and reassigns it to a new writer appending at the same offsets.
	readers int64 // atomic

	status types.SegmentStatus // read and written without a lock
}

// Create allocates a new segment backed by a freshly truncated file of
// the given capacity (rounded up to types.PageSize) and maps it.
func Create(path string, id types.SegmentID, slot types.Slot, capacity uint64) (*Segment, error) {
	capacity = types.AlignUp(capacity, types.PageSize)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: create segment file: %v", types.ErrIoFailed, err)
	}
	if err := fallocate(int(f.Fd()), int64(capacity)); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: truncate segment file: %v", types.ErrIoFailed, err)
	}
	data, err := mmapFile(int(f.Fd()), int(capacity))
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: mmap segment file: %v", types.ErrIoFailed, err)
	}
	return &Segment{
		id:       id,
		slot:     slot,
		capacity: capacity,
		file:     f,
		data:     data,
		status:   types.Available,
	}, nil
}

// Open maps an existing segment file of known capacity and published
// length, used during recovery (SPEC_FULL.md §4.12).
func Open(path string, id types.SegmentID, slot types.Slot, capacity, length uint64, status types.SegmentStatus) (*Segment, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: open segment file: %v", types.ErrIoFailed, err)
	}
	data, err := mmapFile(int(f.Fd()), int(capacity))
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: mmap segment file: %v", types.ErrIoFailed, err)
	}
	s := &Segment{
		id:       id,
		slot:     slot,
		capacity: capacity,
		file:     f,
		data:     data,
		status:   status,
	}
	atomic.StoreUint64(&s.length, length)
	atomic.StoreUint64(&s.published, length)
	return s, nil
}

func (s *Segment) ID() types.SegmentID { return s.id }
func (s *Segment) Slot() types.Slot    { return s.slot }
func (s *Segment) Capacity() uint64    { return s.capacity }
func (s *Segment) Length() uint64      { return atomic.LoadUint64(&s.published) }
func (s *Segment) Status() types.SegmentStatus { return s.status }

// SetSlot reassigns the owning slot, used when a recycled segment is
// handed to a new writer (spec.md §3 "owning slot (mutable across
// recycles)").
func (s *Segment) SetSlot(slot types.Slot) { s.slot = slot }

func (s *Segment) LiveCount() int64 { return atomic.LoadInt64(&s.liveCount) }
func (s *Segment) LiveBytes() int64 { return atomic.LoadInt64(&s.liveBytes) }

// IncLive records a newly-indexed account record in this segment. It
// updates the live counters only; the status is left unchanged.
func (s *Segment) IncLive(bytes int64) {
	atomic.AddInt64(&s.liveCount, 1)
	atomic.AddInt64(&s.liveBytes, bytes)
}

// DecLive records a reclaimed (dead) account record, per spec.md I2/I3.
// Returns the live count after decrementing.
func (s *Segment) DecLive(bytes int64) int64 {
	n := atomic.AddInt64(&s.liveCount, -1)
	atomic.AddInt64(&s.liveBytes, -bytes)
	if n < 0 {
		// Defensive: a double-reclaim would violate I2. This is the one
		// place segment itself can detect a corrupt index without
		// consulting the index, so it is surfaced as an invariant
		// violation rather than silently clamped.
		panic(fmt.Sprintf("accountsdb: live_count went negative on segment %d (slot %d)", s.id, s.slot))
	}
	return n
}

// MarkCandidate transitions Available -> Candidate when a writer reserves
// space in this segment (spec.md §4 Lifecycle).
func (s *Segment) MarkCandidate() { s.status = types.Candidate }

// MarkFull transitions to Full when remaining capacity cannot hold the
// next record.
func (s *Segment) MarkFull() { s.status = types.Full }

// CanReset reports whether I2's reset precondition holds: live_count==0,
// the segment was previously Full, and no reader is currently inside
// Read/Iter borrowing s.data (spec.md §5). The Recycle Pool must check this
// instead of the live_count/status pair alone, or a reset can land mid-read.
func (s *Segment) CanReset() bool {
	return s.Status() == types.Full && s.LiveCount() == 0 && s.Readers() == 0
}

// Readers reports the number of in-flight Read/Iter calls.
func (s *Segment) Readers() int64 { return atomic.LoadInt64(&s.readers) }

// Append atomically reserves aligned_len(recordBytes) at the tail and
// writes recordBytes there, publishing the new watermark only after the
// bytes are fully written. Returns (offset, true) on success, or
// (0, false) if capacity would be exceeded (types.ErrCapacityExceeded is
// the caller's signal to roll to a new segment, per spec.md §4.1/§7).
func (s *Segment) Append(recordBytes []byte) (uint64, bool) {
	n := uint64(len(recordBytes))
	for {
		cur := atomic.LoadUint64(&s.length)
		next := cur + n
		if next > s.capacity {
			return 0, false
		}
		if atomic.CompareAndSwapUint64(&s.length, cur, next) {
			copy(s.data[cur:next], recordBytes)
			// Release store: bump the watermark only after bytes land,
			// so iter()/read() never observe a torn write (spec.md §4.1).
			for {
				pub := atomic.LoadUint64(&s.published)
				if pub != cur {
					// Another writer reserved a lower range but hasn't
					// published yet; spin until it's our turn so the
					// watermark advances in append order.
					continue
				}
				if atomic.CompareAndSwapUint64(&s.published, pub, next) {
					break
				}
			}
			return cur, true
		}
	}
}

// Read parses the header and data slices at offset. Returns
// types.ErrNotFound if offset is beyond the published watermark (the
// Lookup Engine's "Segment(None)" outcome, spec.md §4.7).
func (s *Segment) Read(offset uint64) (RecordView, error) {
	atomic.AddInt64(&s.readers, 1)
	defer atomic.AddInt64(&s.readers, -1)

	pub := atomic.LoadUint64(&s.published)
	if offset >= pub {
		return RecordView{}, types.ErrNotFound
	}
	rec, err := Decode(s.data[offset:pub])
	if err != nil {
		return RecordView{}, err
	}
	return RecordView{Record: rec, Offset: offset, Raw: s.data[offset : offset+EncodedLen(len(rec.Data))]}, nil
}

// Iter calls fn for every record from offset 0 to the published length,
// in append order. fn returning false stops iteration early. The reader
// count is held for the full iteration, not per-record, since a caller
// like shrink.DiscoverAlive depends on a stable view of s.data throughout.
func (s *Segment) Iter(fn func(RecordView) bool) error {
	atomic.AddInt64(&s.readers, 1)
	defer atomic.AddInt64(&s.readers, -1)

	pub := atomic.LoadUint64(&s.published)
	var off uint64
	for off < pub {
		rec, err := Decode(s.data[off:pub])
		if err != nil {
			return err
		}
		n := EncodedLen(len(rec.Data))
		if !fn(RecordView{Record: rec, Offset: off, Raw: s.data[off : off+n]}) {
			return nil
		}
		off += n
	}
	return nil
}

// Reset zeroes the length/published counters so the region is reusable.
// Callers must ensure CanReset() held at the point of the decision and
// that no reader/writer of the prior life is still active; violating this
// is undefined behavior per spec.md §4.1.
func (s *Segment) Reset() {
	atomic.StoreUint64(&s.length, 0)
	atomic.StoreUint64(&s.published, 0)
	atomic.StoreInt64(&s.liveCount, 0)
	atomic.StoreInt64(&s.liveBytes, 0)
	s.status = types.Available
}

// RecoverLength scans the mapped region from offset 0 decoding records
// sequentially until a decode failure or the capacity is exhausted,
// setting length/published to the longest valid prefix found. Used at
// process restart to recover a segment's true tail without a separate
// persisted length, the same tail-scan technique the teacher's
// RecoverTail uses to find where a crash-truncated segment actually
// ends.
func (s *Segment) RecoverLength() (uint64, error) {
	var off uint64
	for off < s.capacity {
		rec, err := Decode(s.data[off:])
		if err != nil || rec.WriteVersion == 0 {
			// A zero write-version can only mean unwritten (zeroed) tail
			// space: real records are always assigned a write-version
			// starting from 1 (types.WriteVersion counter, store.go).
			break
		}
		off += EncodedLen(len(rec.Data))
	}
	atomic.StoreUint64(&s.length, off)
	atomic.StoreUint64(&s.published, off)
	return off, nil
}

// Flush forces mmap'd pages to stable storage.
func (s *Segment) Flush() error {
	if err := msync(s.data); err != nil {
		return fmt.Errorf("%w: msync segment %d: %v", types.ErrIoFailed, s.id, err)
	}
	return nil
}

// Close unmaps and closes the backing file. Callers must have drained all
// readers/writers first.
func (s *Segment) Close() error {
	var errs []error
	if s.data != nil {
		if err := munmap(s.data); err != nil {
			errs = append(errs, err)
		}
		s.data = nil
	}
	if s.file != nil {
		if err := s.file.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: close segment %d: %v", types.ErrIoFailed, s.id, errs[0])
	}
	return nil
}

// Remaining returns the number of bytes left before the segment is full.
func (s *Segment) Remaining() uint64 {
	return s.capacity - atomic.LoadUint64(&s.length)
}
