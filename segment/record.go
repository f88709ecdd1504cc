// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package segment

import (
	"encoding/binary"
	"fmt"

	"github.com/shardledger/accountsdb/types"
)

// headerLen is the size of the fixed portion of an encoded account record,
// before the variable-length data bytes, per SPEC_FULL.md §3 "Encoding".
const headerLen = 96

// MaxEntrySize bounds a single record's data payload, mirroring the
// teacher's segment/reader.go MaxEntrySize corruption guard.
const MaxEntrySize = 64 << 20

// EncodedLen returns the total encoded length of a record with the given
// data length, before page-capacity rounding.
func EncodedLen(dataLen int) uint64 {
	return headerLen + types.AlignUp(uint64(dataLen), 8) + 32
}

// Encode serializes rec into dst, growing dst if needed, and returns the
// full encoded slice (length EncodedLen(len(rec.Data))).
func Encode(rec *types.AccountRecord, dst []byte) []byte {
	n := EncodedLen(len(rec.Data))
	if uint64(cap(dst)) < n {
		dst = make([]byte, n)
	}
	dst = dst[:n]

	binary.LittleEndian.PutUint64(dst[0:8], uint64(rec.WriteVersion))
	copy(dst[8:40], rec.AccountID[:])
	binary.LittleEndian.PutUint64(dst[40:48], rec.Lamports)
	copy(dst[48:80], rec.OwnerID[:])
	if rec.ExecutableFlag {
		dst[80] = 1
	} else {
		dst[80] = 0
	}
	binary.LittleEndian.PutUint64(dst[81:89], rec.RentEpoch)
	binary.LittleEndian.PutUint32(dst[89:93], uint32(len(rec.Data)))
	// dst[93:96] is padding, left zero.

	dataStart := headerLen
	dataAligned := types.AlignUp(uint64(len(rec.Data)), 8)
	copy(dst[dataStart:], rec.Data)
	for i := dataStart + len(rec.Data); uint64(i) < uint64(dataStart)+dataAligned; i++ {
		dst[i] = 0
	}

	hash := rec.ContentHash
	if hash == ([32]byte{}) {
		hash = rec.ComputeHash()
	}
	hashOff := uint64(dataStart) + dataAligned
	copy(dst[hashOff:hashOff+32], hash[:])
	return dst
}

// Decode parses an encoded record from b. The returned record holds its
// own copy of the data, so it stays valid after b is reused.
func Decode(b []byte) (*types.AccountRecord, error) {
	if len(b) < headerLen {
		return nil, fmt.Errorf("%w: record shorter than header (%d bytes)", types.ErrCorrupt, len(b))
	}
	dataLen := binary.LittleEndian.Uint32(b[89:93])
	if dataLen > MaxEntrySize {
		return nil, fmt.Errorf("%w: record data length %d exceeds MaxEntrySize", types.ErrCorrupt, dataLen)
	}
	dataAligned := types.AlignUp(uint64(dataLen), 8)
	need := uint64(headerLen) + dataAligned + 32
	if uint64(len(b)) < need {
		return nil, fmt.Errorf("%w: record truncated, need %d have %d", types.ErrCorrupt, need, len(b))
	}

	rec := &types.AccountRecord{
		WriteVersion: types.WriteVersion(binary.LittleEndian.Uint64(b[0:8])),
		Lamports:     binary.LittleEndian.Uint64(b[40:48]),
		RentEpoch:    binary.LittleEndian.Uint64(b[81:89]),
	}
	copy(rec.AccountID[:], b[8:40])
	copy(rec.OwnerID[:], b[48:80])
	rec.ExecutableFlag = b[80] != 0
	rec.Data = append([]byte(nil), b[headerLen:headerLen+int(dataLen)]...)
	hashOff := uint64(headerLen) + dataAligned
	copy(rec.ContentHash[:], b[hashOff:hashOff+32])
	return rec, nil
}

// AccountIDAt reads just the account_id field out of an encoded record,
// without allocating a full decode, used by I1's invariant check and by
// scans that only need the key.
func AccountIDAt(b []byte) (types.AccountID, error) {
	var id types.AccountID
	if len(b) < headerLen {
		return id, fmt.Errorf("%w: record shorter than header", types.ErrCorrupt)
	}
	copy(id[:], b[8:40])
	return id, nil
}
