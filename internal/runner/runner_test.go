package runner

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/taxdue-crawler/internal/checkpoint"
	"github.com/JakeFAU/taxdue-crawler/internal/clock/system"
	"github.com/JakeFAU/taxdue-crawler/internal/crawler"
	collyfetcher "github.com/JakeFAU/taxdue-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/taxdue-crawler/internal/hash/sha256"
	"github.com/JakeFAU/taxdue-crawler/internal/id/uuid"
	"github.com/JakeFAU/taxdue-crawler/internal/parser"
	"github.com/JakeFAU/taxdue-crawler/internal/policy/ratelimit"
	pubmemory "github.com/JakeFAU/taxdue-crawler/internal/publisher/memory"
	"github.com/JakeFAU/taxdue-crawler/internal/storage/local"
)

const recordPage = `<html><body><table><tr>
<td id="dnn_ctr368_View_tdPMTotalDue">$%d.25</td></tr></table>
<table id="tblPaymentHistoryData">
<tr><th>Tax Year</th><th>Transaction Date</th><th>Effective Date</th><th>Amount</th><th>Receipt</th></tr>
<tr><td>2023</td><td>01-30-2024</td><td>01-30-2024</td><td>$100.00</td><td><a href="#">77</a></td></tr>
</table></body></html>`

// taxSite serves record pages. R0404 is missing, R0503 is always
// unavailable, and RBAD has no total-due cell.
type taxSite struct {
	mu    sync.Mutex
	hits  map[string]int
	total int
	onHit func(total int)
}

func (s *taxSite) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := path.Base(r.URL.Path)
	s.mu.Lock()
	if s.hits == nil {
		s.hits = make(map[string]int)
	}
	s.hits[id]++
	s.total++
	total := s.total
	hook := s.onHit
	s.mu.Unlock()
	if hook != nil {
		hook(total)
	}

	switch id {
	case "R0404":
		http.NotFound(w, r)
	case "R0503":
		http.Error(w, "busy", http.StatusServiceUnavailable)
	case "RBAD":
		_, _ = w.Write([]byte("<html><body>maintenance</body></html>"))
	default:
		_, _ = fmt.Fprintf(w, recordPage, len(id))
	}
}

func (s *taxSite) hitsFor(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[id]
}

func (s *taxSite) totalHits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

type fixture struct {
	site  *taxSite
	srv   *httptest.Server
	dir   string
	pub   *pubmemory.Publisher
	runID string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	site := &taxSite{}
	srv := httptest.NewServer(site)
	t.Cleanup(srv.Close)
	return &fixture{site: site, srv: srv, dir: t.TempDir(), pub: pubmemory.New(), runID: "grayson"}
}

func (f *fixture) runner(t *testing.T, concurrency, threshold int) *Runner {
	t.Helper()

	limiter, err := ratelimit.New(ratelimit.Config{Capacity: 100, Window: 50 * time.Millisecond})
	require.NoError(t, err)
	fetcher, err := collyfetcher.New(collyfetcher.Config{
		URLTemplate: f.srv.URL + "/Property-Detail/PropertyQuickRefID/{id}",
		UserAgent:   "taxdue-test",
		Timeout:     2 * time.Second,
	})
	require.NoError(t, err)
	blobs, err := local.New(local.Config{BaseDir: f.dir})
	require.NoError(t, err)
	store, err := checkpoint.New(blobs, f.runID)
	require.NoError(t, err)

	r, err := New(Deps{
		Limiter: limiter,
		Fetcher: fetcher,
		Parser:  parser.New(parser.Config{}),
		Policy: crawler.NewExponentialRetryPolicy(crawler.RetryConfig{
			MaxAttempts:      3,
			ParseMaxAttempts: 2,
			BaseDelay:        time.Millisecond,
			MaxDelay:         4 * time.Millisecond,
		}),
		Store:     store,
		Publisher: f.pub,
		Hasher:    sha256.New(),
		Clock:     system.New(),
		IDs:       uuid.New(),
		Logger:    zap.NewNop(),
	}, Options{
		RunID:        f.runID,
		Concurrency:  concurrency,
		Threshold:    threshold,
		FetchTimeout: 2 * time.Second,
		FlushTimeout: 2 * time.Second,
		Topic:        "tax-results",
	})
	require.NoError(t, err)
	return r
}

func (f *fixture) checkpoint(t *testing.T) crawler.Checkpoint {
	t.Helper()
	blobs, err := local.New(local.Config{BaseDir: f.dir})
	require.NoError(t, err)
	store, err := checkpoint.New(blobs, f.runID)
	require.NoError(t, err)
	cp, err := store.Load(context.Background())
	require.NoError(t, err)
	return cp
}

func ids(n int) []string {
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, fmt.Sprintf("R%04d", 1000+i))
	}
	return out
}

func TestStartCompletesAndClassifies(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	input := append(ids(20), "R0404", "R0503", "RBAD", "R1000")

	summary, err := f.runner(t, 4, 5).Start(context.Background(), input)
	require.NoError(t, err)

	assert.Equal(t, 23, summary.Total)
	assert.Equal(t, 20, summary.Succeeded)
	assert.Equal(t, 3, summary.Failed)
	assert.Equal(t, 0, summary.Remaining)
	assert.Equal(t, 23, summary.Attempted)
	assert.False(t, summary.Interrupted)

	assert.Equal(t, 1, f.site.hitsFor("R0404"))
	assert.Equal(t, 3, f.site.hitsFor("R0503"))
	assert.Equal(t, 2, f.site.hitsFor("RBAD"))
	assert.Equal(t, 1, f.site.hitsFor("R1000"))

	cp := f.checkpoint(t)
	require.Len(t, cp.Results, 23)
	assert.Equal(t, f.site.totalHits(), cp.Cursor.Attempts)
	ok := cp.Results["R1005"]
	require.NotNil(t, ok.AmountDue)
	assert.InDelta(t, 5.25, *ok.AmountDue, 0.001)
	require.NotNil(t, ok.LastPayment)
	assert.Equal(t, "77", ok.LastPayment.Receipt)
	assert.NotEmpty(t, ok.ContentHash)

	missing := cp.Results["R0404"]
	assert.Equal(t, crawler.StatusFailed, missing.Status)
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
	assert.Equal(t, 1, missing.Attempts)
	assert.Equal(t, "parse", cp.Results["RBAD"].ErrorKind)

	failed := cp.FailedResults()
	require.Len(t, failed, 3)

	assert.Len(t, f.pub.Messages(), 23)
	msg, isMsg := f.pub.Messages()[0].Payload.(ResultMessage)
	require.True(t, isMsg)
	assert.Equal(t, "grayson", msg.RunID)
	assert.NotEmpty(t, msg.SessionID)
}

func TestStartIsIdempotentOnCompletedRun(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	input := ids(30)

	first, err := f.runner(t, 5, 10).Start(context.Background(), input)
	require.NoError(t, err)
	require.Equal(t, 30, first.Succeeded)
	hits := f.site.totalHits()

	r := f.runner(t, 5, 10)
	second, err := r.Start(context.Background(), input)
	require.NoError(t, err)
	assert.Equal(t, hits, f.site.totalHits())
	assert.Equal(t, 30, second.Skipped)
	assert.Equal(t, 30, second.Succeeded)
	assert.Equal(t, 0, second.Attempted)
	assert.Equal(t, 0, second.Remaining)
	assert.Equal(t, 0, second.Flushes)

	snap := r.Snapshot()
	assert.False(t, snap.Running)
	require.NotNil(t, snap.Summary)
	assert.Equal(t, second, *snap.Summary)
}

func TestStartResumesAfterInterruption(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	input := ids(60)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.site.mu.Lock()
	f.site.onHit = func(total int) {
		if total == 25 {
			cancel()
		}
	}
	f.site.mu.Unlock()

	first, err := f.runner(t, 4, 10).Start(ctx, input)
	require.NoError(t, err)
	assert.True(t, first.Interrupted)
	assert.Greater(t, first.Remaining, 0)
	assert.Equal(t, first.Total, first.Succeeded+first.Failed+first.Remaining)

	cp := f.checkpoint(t)
	assert.Len(t, cp.Results, first.Succeeded)

	f.site.mu.Lock()
	f.site.onHit = nil
	f.site.mu.Unlock()

	second, err := f.runner(t, 4, 10).Start(context.Background(), input)
	require.NoError(t, err)
	assert.False(t, second.Interrupted)
	assert.Equal(t, 60, second.Succeeded)
	assert.Equal(t, first.Succeeded, second.Skipped)

	for _, id := range input {
		assert.Equal(t, 1, f.site.hitsFor(id), id)
	}
	assert.Len(t, f.checkpoint(t).Results, 60)
}

func TestStartEmptyInput(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	summary, err := f.runner(t, 2, 10).Start(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, crawler.RunSummary{RunID: "grayson"}, summary)
	assert.Zero(t, f.site.totalHits())
}

func TestStartDeduplicatesInput(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	summary, err := f.runner(t, 2, 10).Start(context.Background(), []string{"R1000", "R1001", "R1000"})
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Total)
	assert.Equal(t, 1, f.site.hitsFor("R1000"))
}

func TestPublishFailureIsNotFatal(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.pub.SetError(errors.New("broker down"))
	summary, err := f.runner(t, 2, 5).Start(context.Background(), ids(10))
	require.NoError(t, err)
	assert.Equal(t, 10, summary.Succeeded)
	assert.Empty(t, f.pub.Messages())
	assert.Len(t, f.checkpoint(t).Results, 10)
}

type failingStore struct{ loadErr error }

func (s failingStore) Load(context.Context) (crawler.Checkpoint, error) {
	if s.loadErr != nil {
		return crawler.Checkpoint{}, s.loadErr
	}
	return crawler.NewCheckpoint("grayson"), nil
}

func (failingStore) Flush(context.Context, []crawler.FetchResult, crawler.Cursor) error {
	return &crawler.CheckpointIOError{Op: "write", Err: errors.New("read-only filesystem")}
}

func TestStartCheckpointFailures(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	base := f.runner(t, 2, 5)

	deps := base.deps
	deps.Store = failingStore{loadErr: fmt.Errorf("decode: %w", crawler.ErrVersionMismatch)}
	loadFails, err := New(deps, base.opts)
	require.NoError(t, err)
	summary, err := loadFails.Start(context.Background(), ids(3))
	require.ErrorIs(t, err, crawler.ErrVersionMismatch)
	assert.Equal(t, 3, summary.Remaining)
	assert.Zero(t, f.site.totalHits())

	deps.Store = failingStore{}
	flushFails, err := New(deps, base.opts)
	require.NoError(t, err)
	summary, err = flushFails.Start(context.Background(), ids(3))
	require.ErrorIs(t, err, crawler.ErrCheckpointIO)
	assert.Equal(t, 3, summary.Succeeded)
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(Deps{}, Options{RunID: "x", Concurrency: 1})
	require.Error(t, err)

	f := newFixture(t)
	r := f.runner(t, 1, 1)
	_, err = New(r.deps, Options{Concurrency: 1})
	require.Error(t, err)
	_, err = New(r.deps, Options{RunID: "x"})
	require.Error(t, err)
}

func TestStartRejectsConcurrentRuns(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	f.site.mu.Lock()
	f.site.onHit = func(int) {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
	}
	f.site.mu.Unlock()

	r := f.runner(t, 1, 1)
	done := make(chan error, 1)
	go func() {
		_, err := r.Start(context.Background(), ids(1))
		done <- err
	}()
	<-entered

	assert.True(t, r.Snapshot().Running)
	_, err := r.Start(context.Background(), ids(1))
	require.ErrorIs(t, err, ErrRunning)

	close(release)
	require.NoError(t, <-done)
	assert.False(t, r.Snapshot().Running)
}

func TestSnapshotCarriesPartialSummary(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	_, err := f.runner(t, 1, 1).Start(context.Background(), ids(2))
	require.NoError(t, err)

	release := make(chan struct{})
	entered := make(chan struct{})
	f.site.mu.Lock()
	f.site.onHit = func(total int) {
		if total == 5 {
			close(entered)
			<-release
		}
	}
	f.site.mu.Unlock()

	r := f.runner(t, 1, 1)
	done := make(chan error, 1)
	go func() {
		_, err := r.Start(context.Background(), ids(5))
		done <- err
	}()
	<-entered

	snap := r.Snapshot()
	require.True(t, snap.Running)
	require.NotNil(t, snap.Summary)
	partial := *snap.Summary
	assert.Equal(t, 5, partial.Total)
	assert.Equal(t, 2, partial.Skipped)
	assert.Equal(t, 4, partial.Succeeded)
	assert.Equal(t, 0, partial.Failed)
	assert.Equal(t, 1, partial.Remaining)
	assert.Equal(t, 2, partial.Attempted)
	assert.Equal(t, partial.Total, partial.Succeeded+partial.Failed+partial.Remaining)

	close(release)
	require.NoError(t, <-done)
	final := r.Snapshot()
	require.NotNil(t, final.Summary)
	assert.Equal(t, 5, final.Summary.Succeeded)
	assert.Equal(t, 0, final.Summary.Remaining)
}
