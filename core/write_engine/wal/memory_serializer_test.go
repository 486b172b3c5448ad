package wal

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	flushmanager "github.com/sushant-115/blockcache/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/blockcache/core/write_engine/page_manager"
)

func TestMemorySerializer_SeedAndLookup(t *testing.T) {
	m := NewMemorySerializer(4)
	m.Seed(3, []byte("abcd"), 7)
	m.SeedDeleted(1)

	maxID, err := m.MaxBlockID()
	require.NoError(t, err)
	require.Equal(t, pagemanager.BlockID(4), maxID)

	recencies, err := m.AllRecencies()
	require.NoError(t, err)
	require.Equal(t, []pagemanager.Recency{0, 0, 0, 7}, recencies)

	deleted, err := m.DeleteBit(1)
	require.NoError(t, err)
	require.True(t, deleted)
	deleted, err = m.DeleteBit(3)
	require.NoError(t, err)
	require.False(t, deleted)

	token, recency, ok, err := m.IndexRead(3)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, pagemanager.Recency(7), recency)
	data, err := m.Read(context.Background(), token)
	require.NoError(t, err)
	require.Equal(t, []byte("abcd"), data)
}

func TestMemorySerializer_FailureInjection(t *testing.T) {
	m := NewMemorySerializer(4)
	ctx := context.Background()
	boom := errors.New("disk on fire")

	m.SetWriteHook(func(context.Context, []flushmanager.WriteRequest) error { return boom })
	_, err := m.Write(ctx, []flushmanager.WriteRequest{{BlockID: 0, Data: []byte("abcd")}})
	require.ErrorIs(t, err, boom)
	m.SetWriteHook(nil)

	tokens, err := m.Write(ctx, []flushmanager.WriteRequest{{BlockID: 0, Data: []byte("abcd")}})
	require.NoError(t, err)

	m.FailIndexWrites(boom)
	err = m.IndexWrite(ctx, []flushmanager.IndexOp{{BlockID: 0, Kind: flushmanager.IndexOpUpdate, Token: tokens[0], Recency: 1}})
	require.ErrorIs(t, err, boom)
	require.Empty(t, m.IndexWrites())

	m.FailReads(boom)
	_, err = m.Read(ctx, tokens[0])
	require.ErrorIs(t, err, boom)

	m.FailReads(nil)
	m.SetReadHook(func(context.Context, pagemanager.Token) error { return boom })
	_, err = m.Read(ctx, tokens[0])
	require.ErrorIs(t, err, boom)
	m.SetReadHook(nil)
	data, err := m.Read(ctx, tokens[0])
	require.NoError(t, err)
	require.Equal(t, []byte("abcd"), data)
}
