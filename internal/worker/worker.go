// Package worker implements the per-task fetch pipeline: acquire a rate
// limit grant, fetch, parse, and classify the outcome.
package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/taxdue-crawler/internal/crawler"
	"github.com/JakeFAU/taxdue-crawler/internal/metrics"
)

const defaultFetchTimeout = 30 * time.Second

// Config controls Worker behavior.
type Config struct {
	// FetchTimeout bounds one fetch. Fetches are detached from run
	// cancellation so in-flight work can finish during a drain.
	FetchTimeout time.Duration
}

// Outcome is the result of processing one task. Exactly one of Result
// (terminal), RetryAfter (retry), or neither (interrupted before fetching)
// applies, as reported by Task.State.
type Outcome struct {
	Task       crawler.FetchTask
	Result     *crawler.FetchResult
	RetryAfter time.Duration
	Fetched    bool
	Err        error
}

// Sink receives outcomes from a running worker.
type Sink interface {
	Handle(ctx context.Context, outcome Outcome)
}

// Worker executes fetch tasks.
type Worker struct {
	limiter crawler.RateLimiter
	fetcher crawler.Fetcher
	parser  crawler.Parser
	policy  crawler.RetryPolicy
	hasher  crawler.Hasher
	clock   crawler.Clock
	cfg     Config
	logger  *zap.Logger
}

// New constructs a Worker. hasher may be nil.
func New(
	limiter crawler.RateLimiter,
	fetcher crawler.Fetcher,
	parser crawler.Parser,
	policy crawler.RetryPolicy,
	hasher crawler.Hasher,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = defaultFetchTimeout
	}
	return &Worker{
		limiter: limiter,
		fetcher: fetcher,
		parser:  parser,
		policy:  policy,
		hasher:  hasher,
		clock:   clock,
		cfg:     cfg,
		logger:  logger,
	}
}

// Run blocks, consuming tasks until the queue closes or ctx finishes.
func (w *Worker) Run(ctx context.Context, queue crawler.Queue, sink Sink) {
	for {
		if ctx.Err() != nil {
			return
		}
		task, err := queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, crawler.ErrQueueClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued task", zap.String("identifier", task.Identifier), zap.Int("attempt", task.Attempt+1))
		metrics.IncActiveWorkers()
		outcome := w.Process(ctx, task)
		metrics.DecActiveWorkers()
		sink.Handle(ctx, outcome)
	}
}

// Process runs one attempt for task. If ctx ends while waiting for a rate
// limit grant the task is returned pending and unattempted.
func (w *Worker) Process(ctx context.Context, task crawler.FetchTask) Outcome {
	if err := w.limiter.Acquire(ctx); err != nil {
		task.State = crawler.TaskPending
		metrics.ObserveFetch("cancelled", 0)
		return Outcome{Task: task, Err: err}
	}

	task.State = crawler.TaskInFlight
	task.Attempt++
	start := time.Now()
	raw, parsed, err := w.fetchAndParse(ctx, task)
	elapsed := time.Since(start)
	task.LastErr = err

	if err == nil {
		task.State = crawler.TaskSuccess
		metrics.ObserveFetch("success", elapsed)
		return Outcome{Task: task, Result: w.successResult(task, raw, parsed), Fetched: true}
	}

	fields := []zap.Field{
		zap.String("identifier", task.Identifier),
		zap.Int("attempt", task.Attempt),
		zap.Error(err),
	}
	class := crawler.Classify(err)
	if class == crawler.ClassDefect {
		w.logger.Error("request defect; failing identifier", append(fields, zap.Bool("defect", true))...)
	}
	if w.policy.ShouldRetry(err, task.Attempt) {
		task.State = crawler.TaskRetryPending
		delay := w.policy.Backoff(task.Attempt)
		metrics.ObserveFetch("retry", elapsed)
		w.logger.Warn("fetch failed; retrying", append(fields, zap.Duration("backoff", delay))...)
		return Outcome{Task: task, RetryAfter: delay, Fetched: true, Err: err}
	}

	task.State = crawler.TaskFailed
	metrics.ObserveFetch("failed", elapsed)
	if class != crawler.ClassDefect {
		w.logger.Warn("fetch failed; giving up", fields...)
	}
	return Outcome{Task: task, Result: w.failureResult(task, err), Fetched: true, Err: err}
}

func (w *Worker) fetchAndParse(ctx context.Context, task crawler.FetchTask) (crawler.RawResponse, crawler.ParsedResult, error) {
	fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.FetchTimeout)
	defer cancel()

	raw, err := w.fetcher.Fetch(fetchCtx, crawler.FetchRequest{Identifier: task.Identifier, Attempt: task.Attempt})
	if err != nil {
		return crawler.RawResponse{}, crawler.ParsedResult{}, err
	}
	parsed, err := w.parser.Parse(raw)
	if err != nil {
		return raw, crawler.ParsedResult{}, err
	}
	return raw, parsed, nil
}

func (w *Worker) successResult(task crawler.FetchTask, raw crawler.RawResponse, parsed crawler.ParsedResult) *crawler.FetchResult {
	amount := parsed.AmountDue
	res := &crawler.FetchResult{
		Identifier: task.Identifier,
		Status:     crawler.StatusSuccess,
		AmountDue:  &amount,
		Payments:   parsed.Payments,
		Attempts:   task.Attempt,
		StatusCode: raw.StatusCode,
		FetchedAt:  w.clock.Now(),
	}
	if latest, ok := parsed.LatestPayment(); ok {
		res.LastPayment = &latest
	}
	if w.hasher != nil {
		digest, err := w.hasher.Hash(raw.Body)
		if err != nil {
			w.logger.Warn("hash content failed", zap.String("identifier", task.Identifier), zap.Error(err))
		}
		res.ContentHash = digest
	}
	return res
}

func (w *Worker) failureResult(task crawler.FetchTask, err error) *crawler.FetchResult {
	return &crawler.FetchResult{
		Identifier: task.Identifier,
		Status:     crawler.StatusFailed,
		Attempts:   task.Attempt,
		ErrorKind:  crawler.ErrorKind(err),
		Error:      err.Error(),
		StatusCode: crawler.StatusCode(err),
		FetchedAt:  w.clock.Now(),
	}
}
