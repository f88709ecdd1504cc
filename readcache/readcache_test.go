// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package readcache

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shardledger/accountsdb/types"
)

func TestPutGetRemove(t *testing.T) {
	c := New(1 << 20)
	var acct types.AccountID
	acct[0] = 9
	rec := &types.AccountRecord{Lamports: 42}

	_, ok := c.Get(acct, 1)
	require.False(t, ok)

	c.Put(acct, 1, rec)
	got, ok := c.Get(acct, 1)
	require.True(t, ok)
	require.Same(t, rec, got)

	c.Remove(acct, 1)
	_, ok = c.Get(acct, 1)
	require.False(t, ok)
}

func TestDistinctSlotsDistinctEntries(t *testing.T) {
	c := New(1 << 20)
	var acct types.AccountID
	c.Put(acct, 1, &types.AccountRecord{Lamports: 1})
	c.Put(acct, 2, &types.AccountRecord{Lamports: 2})
	require.Equal(t, 2, c.Len())

	r1, _ := c.Get(acct, 1)
	r2, _ := c.Get(acct, 2)
	require.Equal(t, uint64(1), r1.Lamports)
	require.Equal(t, uint64(2), r2.Lamports)
}
