package cache

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/arcrelay/rpcgate/internal/domain"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryWindow_RecentInChronologicalOrderAndBounded(t *testing.T) {
	w := NewMemoryWindow(3)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		w.Push(ctx, domain.RequestLogEntry{EndpointID: 1, Method: "eth_call", Success: i%2 == 0})
	}

	entries, err := w.Recent(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	// Only the last 3 pushes (i=2,3,4) survive, oldest-first.
	assert.True(t, entries[0].Success)
	assert.False(t, entries[1].Success)
	assert.True(t, entries[2].Success)
}

func TestMemoryWindow_SeparatesEndpoints(t *testing.T) {
	w := NewMemoryWindow(20)
	ctx := context.Background()

	w.Push(ctx, domain.RequestLogEntry{EndpointID: 1, Success: true})
	w.Push(ctx, domain.RequestLogEntry{EndpointID: 2, Success: false})

	e1, _ := w.Recent(ctx, 1, 10)
	e2, _ := w.Recent(ctx, 2, 10)

	require.Len(t, e1, 1)
	require.Len(t, e2, 1)
	assert.True(t, e1[0].Success)
	assert.False(t, e2[0].Success)
}

func TestRedisWindow_PushAndRecent(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	w := NewRedisWindow(client, 5)
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		w.Push(ctx, domain.RequestLogEntry{EndpointID: 9, Method: "eth_chainId", Success: i%2 == 0})
	}

	entries, err := w.Recent(ctx, 9, 10)
	require.NoError(t, err)
	assert.Len(t, entries, 5)
}

func TestRedisWindow_EmptyForUnknownEndpoint(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	w := NewRedisWindow(client, 5)
	entries, err := w.Recent(context.Background(), 123, 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
