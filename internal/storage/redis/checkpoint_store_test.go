package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/taxdue-crawler/internal/crawler"
)

// newTestClient uses CRAWLER_TEST_REDIS_ADDR when set and an in-process
// miniredis otherwise.
func newTestClient(t *testing.T) (*goredis.Client, *miniredis.Miniredis) {
	t.Helper()
	if addr := os.Getenv("CRAWLER_TEST_REDIS_ADDR"); addr != "" {
		client := goredis.NewClient(&goredis.Options{Addr: addr})
		t.Cleanup(func() { _ = client.Close() })
		return client, nil
	}
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client, mr
}

func newTestStore(t *testing.T, client *goredis.Client) *CheckpointStore {
	t.Helper()
	store, err := NewCheckpointStore(client, Config{
		KeyPrefix: "taxdue-test-" + t.Name(),
		RunID:     "run-1",
	})
	require.NoError(t, err)
	return store
}

func TestNewCheckpointStoreValidates(t *testing.T) {
	t.Parallel()

	_, err := NewCheckpointStore(nil, Config{RunID: "r"})
	require.Error(t, err)

	client := goredis.NewClient(&goredis.Options{Addr: "127.0.0.1:0"})
	defer func() { _ = client.Close() }()
	_, err = NewCheckpointStore(client, Config{})
	require.Error(t, err)

	store, err := NewCheckpointStore(client, Config{RunID: "r"})
	require.NoError(t, err)
	require.Equal(t, "taxdue:r:results", store.resultsKey())
	require.Equal(t, "taxdue:r:cursor", store.cursorKey())
}

func TestFlushAndLoadRoundTrip(t *testing.T) {
	client, _ := newTestClient(t)
	store := newTestStore(t, client)
	ctx := context.Background()

	cp, err := store.Load(ctx)
	require.NoError(t, err)
	require.Empty(t, cp.Results)

	amount := 42.5
	at := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	batch := []crawler.FetchResult{
		{Identifier: "R1", Status: crawler.StatusSuccess, AmountDue: &amount, Attempts: 1, FetchedAt: at},
		{Identifier: "R2", Status: crawler.StatusFailed, ErrorKind: "http", StatusCode: 404, Attempts: 1, FetchedAt: at},
	}
	require.NoError(t, store.Flush(ctx, batch, crawler.Cursor{Total: 5, Attempts: 2}))
	// Replaying the same batch is idempotent for results.
	require.NoError(t, store.Flush(ctx, batch, crawler.Cursor{Total: 5, Attempts: 2}))

	cp, err = store.Load(ctx)
	require.NoError(t, err)
	require.Len(t, cp.Results, 2)
	require.InDelta(t, 42.5, *cp.Results["R1"].AmountDue, 1e-9)
	require.Equal(t, 404, cp.Results["R2"].StatusCode)
	require.Equal(t, 5, cp.Cursor.Total)
	require.Equal(t, 2, cp.Cursor.Attempts)
	require.Equal(t, int64(2), cp.Cursor.Seq)
	require.False(t, cp.LastFlush.IsZero())
}

func TestLoadRejectsOtherVersions(t *testing.T) {
	client, _ := newTestClient(t)
	store := newTestStore(t, client)
	ctx := context.Background()

	require.NoError(t, client.HSet(ctx, store.cursorKey(), "version", 99).Err())
	_, err := store.Load(ctx)
	require.ErrorIs(t, err, crawler.ErrVersionMismatch)
}

func TestFlushFailsWhenServerUnavailable(t *testing.T) {
	client, mr := newTestClient(t)
	if mr == nil {
		t.Skip("requires in-process redis")
	}
	store := newTestStore(t, client)
	mr.SetError("READONLY replica")

	err := store.Flush(context.Background(), []crawler.FetchResult{{Identifier: "R1"}}, crawler.Cursor{})
	require.ErrorIs(t, err, crawler.ErrCheckpointIO)
}
