package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/taxdue-crawler/internal/checkpoint"
	"github.com/JakeFAU/taxdue-crawler/internal/clock/system"
	"github.com/JakeFAU/taxdue-crawler/internal/crawler"
	"github.com/JakeFAU/taxdue-crawler/internal/parser"
	"github.com/JakeFAU/taxdue-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/taxdue-crawler/internal/storage/memory"
	"github.com/JakeFAU/taxdue-crawler/internal/worker"
)

const page = `<table><tr><td id="dnn_ctr368_View_tdPMTotalDue">$10.00</td></tr></table>`

type openLimiter struct{}

func (openLimiter) Acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errors.Join(crawler.ErrCancelled, err)
	}
	return nil
}

// stubFetcher serves page for every identifier except those listed in fail,
// and calls onFetch (if set) with the running call count.
type stubFetcher struct {
	mu      sync.Mutex
	calls   int
	perID   map[string]int
	fail    map[string]error
	onFetch func(n int)
}

func (f *stubFetcher) Fetch(_ context.Context, req crawler.FetchRequest) (crawler.RawResponse, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	if f.perID == nil {
		f.perID = make(map[string]int)
	}
	f.perID[req.Identifier]++
	err := f.fail[req.Identifier]
	hook := f.onFetch
	f.mu.Unlock()

	if hook != nil {
		hook(n)
	}
	if err != nil {
		return crawler.RawResponse{}, err
	}
	return crawler.RawResponse{Identifier: req.Identifier, StatusCode: 200, Body: []byte(page)}, nil
}

func (f *stubFetcher) count(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.perID[id]
}

// recordingStore captures flushed batches and can fail on demand.
type recordingStore struct {
	mu      sync.Mutex
	batches [][]crawler.FetchResult
	cursors []crawler.Cursor
	failN   int
	always  bool
}

func (s *recordingStore) Load(context.Context) (crawler.Checkpoint, error) {
	return crawler.NewCheckpoint("test"), nil
}

func (s *recordingStore) Flush(_ context.Context, results []crawler.FetchResult, cursor crawler.Cursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.always || s.failN > 0 {
		s.failN--
		return &crawler.CheckpointIOError{Op: "write", Err: errors.New("disk full")}
	}
	s.batches = append(s.batches, append([]crawler.FetchResult(nil), results...))
	s.cursors = append(s.cursors, cursor)
	return nil
}

func (s *recordingStore) identifiers() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make(map[string]int)
	for _, b := range s.batches {
		for _, r := range b {
			ids[r.Identifier]++
		}
	}
	return ids
}

func newWorkers(n int, fetcher crawler.Fetcher) []*worker.Worker {
	return newLimitedWorkers(n, openLimiter{}, fetcher)
}

func newLimitedWorkers(n int, limiter crawler.RateLimiter, fetcher crawler.Fetcher) []*worker.Worker {
	policy := crawler.NewExponentialRetryPolicy(crawler.RetryConfig{
		MaxAttempts:      3,
		ParseMaxAttempts: 2,
		BaseDelay:        time.Millisecond,
		MaxDelay:         5 * time.Millisecond,
	})
	workers := make([]*worker.Worker, 0, n)
	for i := 0; i < n; i++ {
		workers = append(workers, worker.New(
			limiter,
			fetcher,
			parser.New(parser.Config{}),
			policy,
			nil,
			system.New(),
			worker.Config{FetchTimeout: time.Second},
			zap.NewNop(),
		))
	}
	return workers
}

func identifiers(n int) []string {
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		ids = append(ids, fmt.Sprintf("R%04d", i))
	}
	return ids
}

func TestRunFlushesEveryThreshold(t *testing.T) {
	t.Parallel()

	store := &recordingStore{}
	var published int
	var pubMu sync.Mutex
	onFlushed := func(_ context.Context, results []crawler.FetchResult) {
		pubMu.Lock()
		published += len(results)
		pubMu.Unlock()
	}
	s := New(newWorkers(10, &stubFetcher{}), store, Config{Threshold: 25, Total: 100}, onFlushed, zap.NewNop())

	stats, err := s.Run(context.Background(), identifiers(100))
	require.NoError(t, err)

	assert.Equal(t, 4, stats.Flushes)
	assert.Equal(t, 100, stats.Succeeded)
	assert.Equal(t, 0, stats.Failed)
	assert.Equal(t, 0, stats.Remaining)
	assert.Equal(t, 100, stats.Fetches)
	assert.Equal(t, 100, stats.Attempted)
	require.Len(t, store.batches, 4)
	for _, b := range store.batches {
		assert.Len(t, b, 25)
	}
	assert.Equal(t, 100, store.cursors[3].Attempts)
	assert.Equal(t, 100, store.cursors[3].Total)
	assert.Len(t, store.identifiers(), 100)
	assert.Equal(t, 100, published)
	assert.Equal(t, stats, s.Stats())
}

// busiestWindow returns the most fetches that fall inside any half-open
// window of length w.
func busiestWindow(times []time.Time, w time.Duration) int {
	sorted := append([]time.Time(nil), times...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Before(sorted[j]) })
	worst := 0
	for i := range sorted {
		end := sorted[i].Add(w)
		n := 0
		for _, at := range sorted[i:] {
			if at.Before(end) {
				n++
			}
		}
		worst = max(worst, n)
	}
	return worst
}

func TestRunKeepsFetchesWithinRateWindow(t *testing.T) {
	t.Parallel()

	const (
		capacity = 5
		window   = 50 * time.Millisecond
	)
	limiter, err := ratelimit.New(ratelimit.Config{Capacity: capacity, Window: window})
	require.NoError(t, err)

	var (
		mu      sync.Mutex
		fetches []time.Time
	)
	fetcher := &stubFetcher{onFetch: func(int) {
		at := time.Now()
		mu.Lock()
		fetches = append(fetches, at)
		mu.Unlock()
	}}
	store := &recordingStore{}
	s := New(newLimitedWorkers(10, limiter, fetcher), store, Config{Threshold: 10, Total: 30}, nil, zap.NewNop())

	stats, err := s.Run(context.Background(), identifiers(30))
	require.NoError(t, err)
	require.Equal(t, 30, stats.Succeeded)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, fetches, 30)
	assert.LessOrEqual(t, busiestWindow(fetches, window), capacity)
}

func TestRunFinalFlushForPartialBatch(t *testing.T) {
	t.Parallel()

	store := &recordingStore{}
	s := New(newWorkers(3, &stubFetcher{}), store, Config{Threshold: 25, Total: 30}, nil, zap.NewNop())

	stats, err := s.Run(context.Background(), identifiers(30))
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Flushes)
	require.Len(t, store.batches, 2)
	assert.Len(t, store.batches[0], 25)
	assert.Len(t, store.batches[1], 5)
}

func TestRunRetriesUntilCeiling(t *testing.T) {
	t.Parallel()

	fetcher := &stubFetcher{fail: map[string]error{
		"R0001": crawler.NewHTTPError("http://example.test/R0001", 503, nil),
		"R0002": crawler.NewHTTPError("http://example.test/R0002", 404, nil),
	}}
	store := &recordingStore{}
	s := New(newWorkers(2, fetcher), store, Config{Threshold: 10, Total: 4, PriorAttempts: 7}, nil, zap.NewNop())

	stats, err := s.Run(context.Background(), identifiers(4))
	require.NoError(t, err)

	assert.Equal(t, 3, fetcher.count("R0001"))
	assert.Equal(t, 1, fetcher.count("R0002"))
	assert.Equal(t, 2, stats.Succeeded)
	assert.Equal(t, 2, stats.Failed)
	assert.Equal(t, 2, stats.Retries)
	assert.Equal(t, 6, stats.Fetches)
	assert.Equal(t, 4, stats.Attempted)

	require.Len(t, store.batches, 1)
	assert.Equal(t, 13, store.cursors[0].Attempts)
	for _, r := range store.batches[0] {
		switch r.Identifier {
		case "R0001":
			assert.Equal(t, crawler.StatusFailed, r.Status)
			assert.Equal(t, 3, r.Attempts)
			assert.Equal(t, 503, r.StatusCode)
		case "R0002":
			assert.Equal(t, crawler.StatusFailed, r.Status)
			assert.Equal(t, 1, r.Attempts)
		default:
			assert.Equal(t, crawler.StatusSuccess, r.Status)
		}
	}
}

func TestRunInterruptedFlushesCompletedWork(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fetcher := &stubFetcher{onFetch: func(n int) {
		if n == 30 {
			cancel()
		}
	}}
	store := &recordingStore{}
	s := New(newWorkers(4, fetcher), store, Config{Threshold: 25, Total: 100}, nil, zap.NewNop())

	stats, err := s.Run(ctx, identifiers(100))
	require.NoError(t, err)

	fetcher.mu.Lock()
	calls := fetcher.calls
	fetcher.mu.Unlock()
	assert.GreaterOrEqual(t, calls, 30)
	assert.Less(t, calls, 100)
	assert.Equal(t, calls, stats.Fetches)
	assert.Equal(t, calls, stats.Succeeded)
	assert.Equal(t, 100-calls, stats.Remaining)
	assert.Len(t, store.identifiers(), calls)
}

func TestRunKeepsResultsAfterFailedFlush(t *testing.T) {
	t.Parallel()

	store := &recordingStore{failN: 1}
	s := New(newWorkers(1, &stubFetcher{}), store, Config{Threshold: 2, Total: 4}, nil, zap.NewNop())

	stats, err := s.Run(context.Background(), identifiers(4))
	require.NoError(t, err)

	assert.Equal(t, 1, stats.FlushFailures)
	ids := store.identifiers()
	assert.Len(t, ids, 4)
	for id, n := range ids {
		assert.Equal(t, 1, n, id)
	}
}

func TestRunFinalFlushFailureIsFatal(t *testing.T) {
	t.Parallel()

	store := &recordingStore{always: true}
	s := New(newWorkers(2, &stubFetcher{}), store, Config{Threshold: 100, Total: 5}, nil, zap.NewNop())

	stats, err := s.Run(context.Background(), identifiers(5))
	require.Error(t, err)
	require.ErrorIs(t, err, crawler.ErrCheckpointIO)
	assert.Equal(t, 0, stats.Flushes)
	assert.Equal(t, 1, stats.FlushFailures)
}

func TestRunEmptyIdentifiers(t *testing.T) {
	t.Parallel()

	store := &recordingStore{}
	s := New(newWorkers(2, &stubFetcher{}), store, Config{}, nil, zap.NewNop())

	stats, err := s.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, Stats{}, stats)
	assert.Empty(t, store.batches)
}

func TestRunRequiresWorkers(t *testing.T) {
	t.Parallel()

	_, err := New(nil, &recordingStore{}, Config{}, nil, nil).Run(context.Background(), identifiers(1))
	require.Error(t, err)
}

func TestRunWithBlobCheckpoint(t *testing.T) {
	t.Parallel()

	blobs := memory.NewBlobStore()
	store, err := checkpoint.New(blobs, "grayson")
	require.NoError(t, err)
	_, err = store.Load(context.Background())
	require.NoError(t, err)

	s := New(newWorkers(5, &stubFetcher{}), store, Config{Threshold: 10, Total: 40}, nil, zap.NewNop())
	_, err = s.Run(context.Background(), identifiers(40))
	require.NoError(t, err)
	assert.Equal(t, 4, blobs.Puts())

	reloaded, err := checkpoint.New(blobs, "grayson")
	require.NoError(t, err)
	cp, err := reloaded.Load(context.Background())
	require.NoError(t, err)
	succeeded, failed := cp.Counts()
	assert.Equal(t, 40, succeeded)
	assert.Equal(t, 0, failed)
	assert.Equal(t, 40, cp.Cursor.Attempts)
	assert.Equal(t, int64(4), cp.Cursor.Seq)
}
