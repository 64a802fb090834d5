// Package scheduler coordinates workers over one run: it seeds the task
// queue, re-enqueues retries after their backoff, and flushes terminal
// results to the checkpoint store in batches.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/taxdue-crawler/internal/crawler"
	"github.com/JakeFAU/taxdue-crawler/internal/metrics"
	"github.com/JakeFAU/taxdue-crawler/internal/queue/memory"
	"github.com/JakeFAU/taxdue-crawler/internal/worker"
)

const (
	defaultThreshold    = 100
	defaultFlushTimeout = 30 * time.Second
)

// Config controls batching and cursor bookkeeping.
type Config struct {
	// Threshold is the number of terminal results that triggers a flush.
	Threshold int
	// Total is the size of the full identifier set, recorded in the cursor.
	Total int
	// PriorAttempts is the attempt count already recorded by earlier runs.
	PriorAttempts int
	// FlushTimeout bounds a single checkpoint write.
	FlushTimeout time.Duration
}

// FlushedFunc is called after a batch has been durably checkpointed.
type FlushedFunc func(ctx context.Context, results []crawler.FetchResult)

// Stats summarizes scheduler progress.
type Stats struct {
	Total         int `json:"total"`
	Attempted     int `json:"attempted"`
	Fetches       int `json:"fetches"`
	Succeeded     int `json:"succeeded"`
	Failed        int `json:"failed"`
	Retries       int `json:"retries"`
	Remaining     int `json:"remaining"`
	Flushes       int `json:"flushes"`
	FlushFailures int `json:"flush_failures"`
}

// Scheduler runs a fixed set of workers against one identifier set.
type Scheduler struct {
	workers   []*worker.Worker
	store     crawler.CheckpointStore
	cfg       Config
	onFlushed FlushedFunc
	logger    *zap.Logger

	mu      sync.Mutex
	current *run
	last    Stats
}

// New constructs a Scheduler. onFlushed may be nil.
func New(workers []*worker.Worker, store crawler.CheckpointStore, cfg Config, onFlushed FlushedFunc, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = defaultThreshold
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = defaultFlushTimeout
	}
	return &Scheduler{
		workers:   workers,
		store:     store,
		cfg:       cfg,
		onFlushed: onFlushed,
		logger:    logger,
	}
}

// Run processes identifiers until each is terminal or ctx is cancelled.
// On cancellation in-flight fetches finish, pending work is abandoned, and
// any buffered results are flushed before Run returns. A failed final flush
// is returned as an error.
func (s *Scheduler) Run(ctx context.Context, identifiers []string) (Stats, error) {
	if len(s.workers) == 0 {
		return Stats{}, errors.New("scheduler has no workers")
	}
	if s.store == nil {
		return Stats{}, errors.New("scheduler has no checkpoint store")
	}

	r := newRun(s, len(identifiers))
	for _, id := range identifiers {
		task := crawler.FetchTask{Identifier: id, State: crawler.TaskPending}
		// Capacity covers every identifier so seeding never blocks.
		if err := r.queue.Enqueue(context.Background(), task); err != nil {
			return Stats{}, fmt.Errorf("seed queue: %w", err)
		}
	}
	if len(identifiers) == 0 {
		r.queue.Close()
	}

	s.mu.Lock()
	s.current = r
	s.mu.Unlock()

	flushCtx := context.WithoutCancel(ctx)
	flusherDone := make(chan struct{})
	go func() {
		defer close(flusherDone)
		for b := range r.batches {
			_ = r.flush(flushCtx, b)
		}
	}()

	var wg sync.WaitGroup
	for _, w := range s.workers {
		wg.Add(1)
		go func(w *worker.Worker) {
			defer wg.Done()
			w.Run(ctx, r.queue, r)
		}(w)
	}
	wg.Wait()
	r.retries.Wait()
	close(r.batches)
	<-flusherDone

	err := r.finalFlush(flushCtx)
	stats := r.snapshot()

	s.mu.Lock()
	s.current = nil
	s.last = stats
	s.mu.Unlock()

	if ctx.Err() != nil {
		s.logger.Info("run interrupted", zap.Int("remaining", stats.Remaining), zap.Int("flushes", stats.Flushes))
	}
	return stats, err
}

// Stats reports progress of the active run, or the last completed one.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	r := s.current
	last := s.last
	s.mu.Unlock()
	if r != nil {
		return r.snapshot()
	}
	return last
}

type batch struct {
	results []crawler.FetchResult
	cursor  crawler.Cursor
}

// run holds the state of one Scheduler.Run call and receives worker outcomes.
type run struct {
	s       *Scheduler
	queue   *memory.Queue
	batches chan batch
	retries sync.WaitGroup

	mu          sync.Mutex
	buffer      []crawler.FetchResult
	sinceFlush  int
	outstanding int
	stats       Stats
}

func newRun(s *Scheduler, n int) *run {
	return &run{
		s:           s,
		queue:       memory.NewQueue(n),
		batches:     make(chan batch, 1),
		outstanding: n,
		stats:       Stats{Total: n},
	}
}

// Handle implements worker.Sink.
func (r *run) Handle(ctx context.Context, out worker.Outcome) {
	if out.Fetched {
		r.mu.Lock()
		r.stats.Fetches++
		if out.Task.Attempt == 1 {
			r.stats.Attempted++
		}
		r.mu.Unlock()
	}

	switch out.Task.State {
	case crawler.TaskSuccess, crawler.TaskFailed:
		r.complete(out)
	case crawler.TaskRetryPending:
		r.retry(ctx, out)
	default:
		r.s.logger.Debug("task left pending", zap.String("identifier", out.Task.Identifier), zap.Error(out.Err))
	}
}

func (r *run) complete(out worker.Outcome) {
	if out.Result == nil {
		r.s.logger.Error("terminal outcome without result", zap.String("identifier", out.Task.Identifier))
		return
	}
	result := *out.Result

	r.mu.Lock()
	r.buffer = append(r.buffer, result)
	r.sinceFlush++
	if result.Status == crawler.StatusSuccess {
		r.stats.Succeeded++
	} else {
		r.stats.Failed++
	}
	r.outstanding--
	var cut *batch
	if r.sinceFlush >= r.s.cfg.Threshold {
		b := r.cutLocked()
		cut = &b
	}
	done := r.outstanding == 0
	r.mu.Unlock()

	metrics.ObserveResult(string(result.Status), result.ErrorKind)
	if cut != nil {
		r.batches <- *cut
	}
	if done {
		r.queue.Close()
	}
}

func (r *run) retry(ctx context.Context, out worker.Outcome) {
	if ctx.Err() != nil {
		return
	}
	r.mu.Lock()
	r.stats.Retries++
	r.mu.Unlock()

	r.retries.Add(1)
	go func() {
		defer r.retries.Done()
		timer := time.NewTimer(out.RetryAfter)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		task := out.Task
		task.State = crawler.TaskPending
		if err := r.queue.Enqueue(ctx, task); err != nil {
			r.s.logger.Debug("retry not enqueued", zap.String("identifier", task.Identifier), zap.Error(err))
		}
	}()
}

// cutLocked takes the whole buffer as one batch. Caller holds r.mu.
func (r *run) cutLocked() batch {
	b := batch{
		results: r.buffer,
		cursor: crawler.Cursor{
			Total:    r.s.cfg.Total,
			Attempts: r.s.cfg.PriorAttempts + r.stats.Fetches,
		},
	}
	r.buffer = nil
	r.sinceFlush = 0
	return b
}

func (r *run) flush(ctx context.Context, b batch) error {
	flushCtx, cancel := context.WithTimeout(ctx, r.s.cfg.FlushTimeout)
	defer cancel()

	start := time.Now()
	err := r.s.store.Flush(flushCtx, b.results, b.cursor)
	metrics.ObserveFlush(err, time.Since(start))
	if err != nil {
		r.mu.Lock()
		r.buffer = append(append(make([]crawler.FetchResult, 0, len(b.results)+len(r.buffer)), b.results...), r.buffer...)
		r.stats.FlushFailures++
		r.mu.Unlock()
		r.s.logger.Error("checkpoint flush failed; results kept for next flush",
			zap.Int("batch_size", len(b.results)),
			zap.Error(err),
		)
		return err
	}

	r.mu.Lock()
	r.stats.Flushes++
	r.mu.Unlock()
	r.s.logger.Info("checkpoint flushed",
		zap.Int("batch_size", len(b.results)),
		zap.Int("attempts", b.cursor.Attempts),
	)
	if r.s.onFlushed != nil {
		r.s.onFlushed(ctx, b.results)
	}
	return nil
}

func (r *run) finalFlush(ctx context.Context) error {
	r.mu.Lock()
	if len(r.buffer) == 0 {
		r.mu.Unlock()
		return nil
	}
	b := r.cutLocked()
	r.mu.Unlock()

	if err := r.flush(ctx, b); err != nil {
		return fmt.Errorf("final checkpoint flush: %w", err)
	}
	return nil
}

func (r *run) snapshot() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.stats
	st.Remaining = st.Total - st.Succeeded - st.Failed
	return st
}
