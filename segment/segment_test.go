// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package segment

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shardledger/accountsdb/types"
)

func newTestSegment(t *testing.T, capacity uint64) *Segment {
	t.Helper()
	dir := t.TempDir()
	s, err := Create(filepath.Join(dir, "0000000001.seg"), 1, 10, capacity)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testRecord(id byte, lamports uint64, data []byte) *types.AccountRecord {
	var aid types.AccountID
	aid[0] = id
	return &types.AccountRecord{
		WriteVersion: types.WriteVersion(1),
		AccountID:    aid,
		Lamports:     lamports,
		Data:         data,
	}
}

func TestAppendReadRoundTrip(t *testing.T) {
	s := newTestSegment(t, types.PageSize)
	rec := testRecord(1, 10, []byte("hello"))
	buf := Encode(rec, nil)

	off, ok := s.Append(buf)
	require.True(t, ok)
	require.Equal(t, uint64(0), off)

	view, err := s.Read(off)
	require.NoError(t, err)
	require.Equal(t, rec.AccountID, view.Record.AccountID)
	require.Equal(t, rec.Lamports, view.Record.Lamports)
	require.Equal(t, rec.Data, view.Record.Data)
}

func TestZeroByteDataDeterministic(t *testing.T) {
	rec := testRecord(2, 5, nil)
	b1 := Encode(rec, nil)
	rec.ContentHash = [32]byte{} // force recompute both times
	b2 := Encode(rec, nil)
	require.Equal(t, b1, b2)

	decoded, err := Decode(b1)
	require.NoError(t, err)
	require.Equal(t, rec.ComputeHash(), decoded.ContentHash)
	require.Len(t, decoded.Data, 0)
}

func TestSegmentFullOnExactFit(t *testing.T) {
	// Create rounds capacity up to PageSize, so the record fills a page.
	rec := testRecord(3, 1, make([]byte, types.PageSize-128))
	buf := Encode(rec, nil)
	s := newTestSegment(t, uint64(len(buf)))

	off, ok := s.Append(buf)
	require.True(t, ok)
	require.Equal(t, uint64(0), off)

	_, ok = s.Append(buf)
	require.False(t, ok, "append beyond exact-fit capacity must fail")
}

func TestIterSequential(t *testing.T) {
	s := newTestSegment(t, 4*types.PageSize)
	var offsets []uint64
	for i := byte(0); i < 5; i++ {
		rec := testRecord(i, uint64(i), []byte{i, i})
		off, ok := s.Append(Encode(rec, nil))
		require.True(t, ok)
		offsets = append(offsets, off)
	}

	var seen []uint64
	err := s.Iter(func(v RecordView) bool {
		seen = append(seen, v.Offset)
		return true
	})
	require.NoError(t, err)
	require.Equal(t, offsets, seen)
}

func TestResetRequiresEmptyFull(t *testing.T) {
	s := newTestSegment(t, types.PageSize)
	require.False(t, s.CanReset())

	s.MarkFull()
	s.IncLive(10)
	require.False(t, s.CanReset())

	s.DecLive(10)
	require.True(t, s.CanReset())

	s.Reset()
	require.Equal(t, types.Available, s.Status())
	require.Equal(t, uint64(0), s.Length())
}

func TestReadPastWatermarkIsNotFound(t *testing.T) {
	s := newTestSegment(t, types.PageSize)
	_, err := s.Read(0)
	require.ErrorIs(t, err, types.ErrNotFound)
}
