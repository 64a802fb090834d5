// Package runner drives one run end to end: load the checkpoint, compute
// the remaining identifiers, run the scheduler, and report a summary.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/taxdue-crawler/internal/crawler"
	"github.com/JakeFAU/taxdue-crawler/internal/idlist"
	"github.com/JakeFAU/taxdue-crawler/internal/logging"
	"github.com/JakeFAU/taxdue-crawler/internal/metrics"
	"github.com/JakeFAU/taxdue-crawler/internal/scheduler"
	"github.com/JakeFAU/taxdue-crawler/internal/worker"
)

// ErrRunning is returned when Start is called while a run is active.
var ErrRunning = errors.New("run already in progress")

// Deps are the collaborators a Runner needs. Publisher and Hasher are
// optional.
type Deps struct {
	Limiter   crawler.RateLimiter
	Fetcher   crawler.Fetcher
	Parser    crawler.Parser
	Policy    crawler.RetryPolicy
	Store     crawler.CheckpointStore
	Publisher crawler.Publisher
	Hasher    crawler.Hasher
	Clock     crawler.Clock
	IDs       crawler.IDGenerator
	Logger    *zap.Logger
}

// Options configure a Runner.
type Options struct {
	RunID        string
	Concurrency  int
	Threshold    int
	FetchTimeout time.Duration
	FlushTimeout time.Duration
	// Topic receives one message per flushed result. Empty disables publishing.
	Topic string
}

// ResultMessage is the payload published for each flushed result.
type ResultMessage struct {
	RunID     string `json:"run_id"`
	SessionID string `json:"session_id"`
	crawler.FetchResult
}

// Snapshot describes the runner's current or most recent run.
type Snapshot struct {
	RunID      string              `json:"run_id"`
	SessionID  string              `json:"session_id,omitempty"`
	Running    bool                `json:"running"`
	StartedAt  time.Time           `json:"started_at,omitempty"`
	FinishedAt time.Time           `json:"finished_at,omitempty"`
	Progress   scheduler.Stats     `json:"progress"`
	// Summary is the partial summary while Running, then the final one.
	Summary *crawler.RunSummary `json:"summary,omitempty"`
}

// Runner executes runs against a single checkpoint.
type Runner struct {
	deps   Deps
	opts   Options
	logger *zap.Logger

	mu      sync.Mutex
	running bool
	sched   *scheduler.Scheduler
	base    crawler.RunSummary
	state   Snapshot
}

// New validates deps and returns a Runner.
func New(deps Deps, opts Options) (*Runner, error) {
	switch {
	case deps.Limiter == nil:
		return nil, fmt.Errorf("rate limiter is required")
	case deps.Fetcher == nil:
		return nil, fmt.Errorf("fetcher is required")
	case deps.Parser == nil:
		return nil, fmt.Errorf("parser is required")
	case deps.Policy == nil:
		return nil, fmt.Errorf("retry policy is required")
	case deps.Store == nil:
		return nil, fmt.Errorf("checkpoint store is required")
	case deps.Clock == nil:
		return nil, fmt.Errorf("clock is required")
	case deps.IDs == nil:
		return nil, fmt.Errorf("id generator is required")
	}
	if opts.RunID == "" {
		return nil, fmt.Errorf("run id is required")
	}
	if opts.Concurrency <= 0 {
		return nil, fmt.Errorf("concurrency must be > 0")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		deps:   deps,
		opts:   opts,
		logger: logger,
		state:  Snapshot{RunID: opts.RunID},
	}, nil
}

// Start runs every identifier not already terminal in the checkpoint. It
// returns once all are terminal or ctx is cancelled and in-flight work has
// drained. A checkpoint load or final flush failure is returned as an error
// alongside the best summary available.
func (r *Runner) Start(ctx context.Context, identifiers []string) (crawler.RunSummary, error) {
	sessionID, err := r.deps.IDs.NewID()
	if err != nil {
		return crawler.RunSummary{}, fmt.Errorf("generate session id: %w", err)
	}
	ids := idlist.Dedupe(identifiers)
	if err := r.begin(sessionID, len(ids)); err != nil {
		return crawler.RunSummary{}, err
	}
	logger := logging.ForRun(r.logger, r.opts.RunID, sessionID)

	summary, err := r.run(ctx, logger, sessionID, ids)
	r.finish(summary)
	return summary, err
}

func (r *Runner) run(ctx context.Context, logger *zap.Logger, sessionID string, ids []string) (crawler.RunSummary, error) {
	summary := crawler.RunSummary{RunID: r.opts.RunID, Total: len(ids)}

	cp, err := r.deps.Store.Load(ctx)
	if err != nil {
		logger.Error("load checkpoint failed", zap.Error(err))
		summary.Remaining = summary.Total
		return summary, fmt.Errorf("load checkpoint: %w", err)
	}

	remaining := make([]string, 0, len(ids))
	for _, id := range ids {
		res, ok := cp.Results[id]
		if !ok {
			remaining = append(remaining, id)
			continue
		}
		if res.Status == crawler.StatusSuccess {
			summary.Succeeded++
		} else {
			summary.Failed++
		}
	}
	summary.Skipped = len(ids) - len(remaining)
	r.mu.Lock()
	r.base = summary
	r.mu.Unlock()
	logger.Info("run starting",
		zap.Int("total", summary.Total),
		zap.Int("skipped", summary.Skipped),
		zap.Int("remaining", len(remaining)),
		zap.Int("concurrency", r.opts.Concurrency),
	)

	if len(remaining) == 0 {
		summary.Interrupted = ctx.Err() != nil
		logger.Info("nothing to do; every identifier is terminal")
		return summary, nil
	}

	workers := make([]*worker.Worker, 0, r.opts.Concurrency)
	for i := 0; i < r.opts.Concurrency; i++ {
		workers = append(workers, worker.New(
			r.deps.Limiter,
			r.deps.Fetcher,
			r.deps.Parser,
			r.deps.Policy,
			r.deps.Hasher,
			r.deps.Clock,
			worker.Config{FetchTimeout: r.opts.FetchTimeout},
			logger.Named("worker").With(zap.Int("worker", i)),
		))
	}
	sched := scheduler.New(
		workers,
		r.deps.Store,
		scheduler.Config{
			Threshold:     r.opts.Threshold,
			Total:         len(ids),
			PriorAttempts: cp.Cursor.Attempts,
			FlushTimeout:  r.opts.FlushTimeout,
		},
		r.publishFunc(logger, sessionID),
		logger.Named("scheduler"),
	)
	r.mu.Lock()
	r.sched = sched
	r.mu.Unlock()

	stats, err := sched.Run(ctx, remaining)
	summary = withStats(summary, stats)
	summary.Interrupted = ctx.Err() != nil

	fields := []zap.Field{
		zap.Int("total", summary.Total),
		zap.Int("attempted", summary.Attempted),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
		zap.Int("remaining", summary.Remaining),
		zap.Int("flushes", summary.Flushes),
		zap.Bool("interrupted", summary.Interrupted),
	}
	if err != nil {
		logger.Error("run ended with unsaved results", append(fields, zap.Error(err))...)
		return summary, err
	}
	logger.Info("run finished", fields...)
	return summary, nil
}

func (r *Runner) publishFunc(logger *zap.Logger, sessionID string) scheduler.FlushedFunc {
	if r.deps.Publisher == nil || r.opts.Topic == "" {
		return nil
	}
	return func(ctx context.Context, results []crawler.FetchResult) {
		for _, res := range results {
			msg := ResultMessage{RunID: r.opts.RunID, SessionID: sessionID, FetchResult: res}
			_, err := r.deps.Publisher.Publish(ctx, r.opts.Topic, msg)
			metrics.ObservePublish(err)
			if err != nil {
				logger.Warn("publish result failed",
					zap.String("identifier", res.Identifier),
					zap.String("topic", r.opts.Topic),
					zap.Error(err),
				)
			}
		}
	}
}

// withStats adds scheduler progress to a summary holding the counts carried
// over from the checkpoint.
func withStats(summary crawler.RunSummary, stats scheduler.Stats) crawler.RunSummary {
	summary.Attempted = stats.Attempted
	summary.Succeeded += stats.Succeeded
	summary.Failed += stats.Failed
	summary.Remaining = summary.Total - summary.Succeeded - summary.Failed
	summary.Flushes = stats.Flushes
	return summary
}

func (r *Runner) begin(sessionID string, total int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return ErrRunning
	}
	r.running = true
	r.sched = nil
	r.base = crawler.RunSummary{RunID: r.opts.RunID, Total: total}
	r.state = Snapshot{
		RunID:     r.opts.RunID,
		SessionID: sessionID,
		Running:   true,
		StartedAt: r.deps.Clock.Now(),
	}
	return nil
}

func (r *Runner) finish(summary crawler.RunSummary) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sched != nil {
		r.state.Progress = r.sched.Stats()
	}
	r.running = false
	r.state.Running = false
	r.state.FinishedAt = r.deps.Clock.Now()
	r.state.Summary = &summary
}

// Snapshot returns live progress while a run is active, otherwise the
// outcome of the most recent run.
func (r *Runner) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := r.state
	if r.running {
		if r.sched != nil {
			snap.Progress = r.sched.Stats()
		}
		partial := withStats(r.base, snap.Progress)
		snap.Summary = &partial
		return snap
	}
	if snap.Summary != nil {
		summary := *snap.Summary
		snap.Summary = &summary
	}
	return snap
}
