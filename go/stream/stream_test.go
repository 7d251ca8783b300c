package stream

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestAdapter(t *testing.T, serverID string) (*Adapter, *miniredis.Miniredis) {
	t.Helper()
	var mr = miniredis.RunT(t)
	var client = redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewAdapter(client, Config{
		Namespace: "test",
		ServerID:  serverID,
		MaxLen:    1000,
		BatchSize: 64,
		IdleDelay: 50 * time.Millisecond,
	}), mr
}

func TestAppendAndRange(t *testing.T) {
	var a, _ = newTestAdapter(t, "server-a")
	var ctx = context.Background()

	id1, err := a.Append(ctx, "doc1", []byte("one"))
	require.NoError(t, err)
	id2, err := a.Append(ctx, "doc1", []byte("two"))
	require.NoError(t, err)
	_, err = a.Append(ctx, "doc2", []byte("other"))
	require.NoError(t, err)

	// Full read from the beginning.
	entries, err := a.Range(ctx, "doc1", Zero, 100)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, id1, entries[0].ID)
	require.Equal(t, []byte("one"), entries[0].Payload)
	require.Equal(t, "server-a", entries[0].ServerID)
	require.NotZero(t, entries[0].TS)

	// Reads are strictly after the cursor.
	entries, err = a.Range(ctx, "doc1", id1, 100)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, id2, entries[0].ID)

	entries, err = a.Range(ctx, "doc1", id2, 100)
	require.NoError(t, err)
	require.Empty(t, entries)

	// Limit is honored; the caller resumes with the last returned ID.
	entries, err = a.Range(ctx, "doc1", Zero, 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, id1, entries[0].ID)
}

func TestRangeOfMissingStream(t *testing.T) {
	var a, _ = newTestAdapter(t, "server-a")

	entries, err := a.Range(context.Background(), "nope", Zero, 10)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestSubscribeFiltersOwnOrigin(t *testing.T) {
	var a, mr = newTestAdapter(t, "server-a")
	var b = NewAdapter(
		redis.NewClient(&redis.Options{Addr: mr.Addr()}),
		Config{Namespace: "test", ServerID: "server-b", MaxLen: 1000, BatchSize: 64, IdleDelay: 50 * time.Millisecond},
	)
	var ctx = context.Background()

	var mu sync.Mutex
	var seen []Entry
	var stop = a.Subscribe(ctx, "doc1", Zero, func(e Entry) {
		mu.Lock()
		seen = append(seen, e)
		mu.Unlock()
	})
	defer stop()

	_, err := a.Append(ctx, "doc1", []byte("own"))
	require.NoError(t, err)
	_, err = b.Append(ctx, "doc1", []byte("remote-1"))
	require.NoError(t, err)
	_, err = b.Append(ctx, "doc1", []byte("remote-2"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []byte("remote-1"), seen[0].Payload)
	require.Equal(t, []byte("remote-2"), seen[1].Payload)
	require.Equal(t, "server-b", seen[0].ServerID)
	require.NotEqual(t, seen[0].ID, seen[1].ID)
}

func TestSubscribeFromTailSkipsBacklog(t *testing.T) {
	var a, mr = newTestAdapter(t, "server-a")
	var b = NewAdapter(
		redis.NewClient(&redis.Options{Addr: mr.Addr()}),
		Config{Namespace: "test", ServerID: "server-b", MaxLen: 1000, BatchSize: 64, IdleDelay: 50 * time.Millisecond},
	)
	var ctx = context.Background()

	_, err := b.Append(ctx, "doc1", []byte("backlog"))
	require.NoError(t, err)

	var mu sync.Mutex
	var seen []Entry
	var stop = a.Subscribe(ctx, "doc1", Tail, func(e Entry) {
		mu.Lock()
		seen = append(seen, e)
		mu.Unlock()
	})
	defer stop()

	// Give the tail a moment to resolve its cursor, then append.
	time.Sleep(100 * time.Millisecond)
	_, err = b.Append(ctx, "doc1", []byte("live"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []byte("live"), seen[0].Payload)
}

func TestSubscribeStops(t *testing.T) {
	var a, mr = newTestAdapter(t, "server-a")
	var b = NewAdapter(
		redis.NewClient(&redis.Options{Addr: mr.Addr()}),
		Config{Namespace: "test", ServerID: "server-b", MaxLen: 1000, BatchSize: 64, IdleDelay: 50 * time.Millisecond},
	)
	var ctx = context.Background()

	var mu sync.Mutex
	var count int
	var stop = a.Subscribe(ctx, "doc1", Zero, func(Entry) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	_, err := b.Append(ctx, "doc1", []byte("before-stop"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	}, 5*time.Second, 10*time.Millisecond)

	stop()
	time.Sleep(100 * time.Millisecond)

	_, err = b.Append(ctx, "doc1", []byte("after-stop"))
	require.NoError(t, err)
	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, count)
}

func TestAppendReportsStoreUnavailable(t *testing.T) {
	var a, mr = newTestAdapter(t, "server-a")
	mr.Close()

	_, err := a.Append(context.Background(), "doc1", []byte("x"))
	require.ErrorIs(t, err, ErrStoreUnavailable)

	_, err = a.Range(context.Background(), "doc1", Zero, 10)
	require.ErrorIs(t, err, ErrStoreUnavailable)
}
