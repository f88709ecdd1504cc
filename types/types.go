// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package types holds the data model shared across every accountsdb
// subpackage: account identifiers, slots, write-versions, the account
// record wire format and the storage-location/error sentinels that readers
// and writers exchange across package boundaries.
package types

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
)

// Sentinel errors returned across package boundaries. ErrNotFound is
// translated to "absent" at the Store.Load boundary per SPEC_FULL §7;
// internal callers (segment, index) use it to distinguish "missing" from
// "I/O failed".
var (
	ErrNotFound             = errors.New("accountsdb: not found")
	ErrClosed               = errors.New("accountsdb: store closed")
	ErrCorrupt              = errors.New("accountsdb: corrupt record")
	ErrCapacityExceeded     = errors.New("accountsdb: segment capacity exceeded")
	ErrInvariantViolation   = errors.New("accountsdb: invariant violation")
	ErrIoFailed             = errors.New("accountsdb: io failed")
	ErrCancelledScan        = errors.New("accountsdb: scan cancelled")
	ErrSnapshotBaseMismatch = errors.New("accountsdb: snapshot base mismatch")
	// ErrMultiSegmentSlot is returned by the Ancient Merger when asked to
	// merge a slot spanning more than one segment. Per spec.md §9's first
	// open question, multi-segment ancient merging is a policy decision
	// left to the layer above; the merger skips such slots rather than
	// guessing a merge order.
	ErrMultiSegmentSlot = errors.New("accountsdb: ancient merge requires a single-segment slot")
)

// AccountID is an opaque 32-byte account identifier. Ordering is by byte
// value, matching spec.md §3.
type AccountID [32]byte

// Less reports whether a sorts before b by byte value.
func (a AccountID) Less(b AccountID) bool {
	return bytes.Compare(a[:], b[:]) < 0
}

func (a AccountID) String() string {
	return fmt.Sprintf("%x", a[:8])
}

// Bin returns the index of the per-key lock/shard bin this account hashes
// to: the first four bytes of the identifier, read big-endian, modulo
// numBins (spec.md §4.6/§9).
func (a AccountID) Bin(numBins int) int {
	if numBins <= 1 {
		return 0
	}
	prefix := binary.BigEndian.Uint32(a[:4])
	return int(prefix % uint32(numBins))
}

// Slot is a 64-bit monotonic ledger position. Slots form a forest; a
// moving root advances monotonically over it.
type Slot uint64

// WriteVersion is the process-wide monotonic counter assigned at store
// time, used to break ties among writes to the same account in the same
// slot.
type WriteVersion uint64

// SegmentID is a 32-bit identifier for a segment, unique for the process
// lifetime except across a recycle-and-reuse.
type SegmentID uint32

// LocationKind discriminates the two places a StorageLocation can name.
type LocationKind uint8

const (
	// LocationCached means the account's latest write lives in the write
	// cache for its slot and has not yet been flushed to a segment.
	LocationCached LocationKind = iota
	// LocationSegment means the account lives at a byte offset inside a
	// specific segment.
	LocationSegment
)

// StorageLocation is one of Cached or Segment(segment_id, offset) per
// spec.md §3.
type StorageLocation struct {
	Kind     LocationKind
	Segment  SegmentID
	Offset   uint64
}

// Cached constructs a cache-resident location.
func Cached() StorageLocation { return StorageLocation{Kind: LocationCached} }

// InSegment constructs a segment-resident location.
func InSegment(id SegmentID, offset uint64) StorageLocation {
	return StorageLocation{Kind: LocationSegment, Segment: id, Offset: offset}
}

// IsCached reports whether the location is cache-resident.
func (l StorageLocation) IsCached() bool { return l.Kind == LocationCached }

// AccountRecord is the payload encoded into a segment, per spec.md §3.
type AccountRecord struct {
	WriteVersion    WriteVersion
	AccountID       AccountID
	Lamports        uint64
	OwnerID         AccountID
	ExecutableFlag  bool
	RentEpoch       uint64
	Data            []byte
	ContentHash     [32]byte
}

// ZeroLamport reports whether this is a "zero-lamport" write, the signal
// Clean uses to consider removing the account entirely (spec.md §4.8).
func (r *AccountRecord) ZeroLamport() bool { return r.Lamports == 0 }

// ComputeHash derives the content hash deterministically from the rest of
// the record, including for a zero-byte payload (spec.md §8 boundary
// behavior).
func (r *AccountRecord) ComputeHash() [32]byte {
	h := sha256.New()
	var hdr [48]byte
	binary.LittleEndian.PutUint64(hdr[0:8], uint64(r.WriteVersion))
	copy(hdr[8:40], r.AccountID[:])
	binary.LittleEndian.PutUint64(hdr[40:48], r.Lamports)
	h.Write(hdr[:])
	h.Write(r.OwnerID[:])
	var flags [9]byte
	if r.ExecutableFlag {
		flags[0] = 1
	}
	binary.LittleEndian.PutUint64(flags[1:9], r.RentEpoch)
	h.Write(flags[:])
	h.Write(r.Data)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// EntryFlags carries per-slot-entry bits in the account index's slot list.
type EntryFlags struct {
	ZeroLamport bool
}

// IndexListEntry is one (slot, location, flags) element of an account's
// slot_list (spec.md §3, §4.6).
type IndexListEntry struct {
	Slot     Slot
	Location StorageLocation
	Flags    EntryFlags
}

// Reclaim names a prior (slot, location) displaced by an index update, to
// be applied against segment liveness counters (spec.md §4.6 insert,
// §4.8 step 4, §4.9 P3/P7).
type Reclaim struct {
	Account  AccountID
	Slot     Slot
	Location StorageLocation
}

// ReclaimList is an ordered batch of Reclaim entries.
type ReclaimList []Reclaim

// LoadHint selects the lookup engine's retry-assertion policy (spec.md
// §4.7).
type LoadHint uint8

const (
	// Unspecified is the general case: the root may advance during the
	// load.
	Unspecified LoadHint = iota
	// FixedMaxRoot asserts the caller's root/tip will not move during the
	// load, allowing tighter assertions and fewer retries.
	FixedMaxRoot
)

// SegmentStatus is the lifecycle state of a Segment (spec.md §3).
type SegmentStatus uint8

const (
	Available SegmentStatus = iota
	Candidate
	Full
)

func (s SegmentStatus) String() string {
	switch s {
	case Available:
		return "available"
	case Candidate:
		return "candidate"
	case Full:
		return "full"
	default:
		return "unknown"
	}
}

// PageSize is the alignment boundary capacities must round up to, per
// spec.md §4.1 "aligned_len rounds to system page size".
const PageSize = 4096

// AlignUp rounds n up to the next multiple of align.
func AlignUp(n, align uint64) uint64 {
	if align == 0 {
		return n
	}
	return (n + align - 1) / align * align
}
