// Package checkpoint persists run progress as a versioned JSON snapshot in
// a crawler.BlobStore. Each flush rewrites the whole snapshot, so the blob
// store's replace semantics decide atomicity.
package checkpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/taxdue-crawler/internal/clock/system"
	"github.com/JakeFAU/taxdue-crawler/internal/crawler"
)

// Format identifies checkpoint snapshots written by this package.
const Format = "taxdue-checkpoint"

const contentType = "application/json"

// snapshot is the on-disk document.
type snapshot struct {
	Format    string                `json:"format"`
	Version   int                   `json:"version"`
	RunID     string                `json:"run_id"`
	Cursor    crawler.Cursor        `json:"cursor"`
	LastFlush time.Time             `json:"last_flush"`
	Results   []crawler.FetchResult `json:"results"`
}

// Option customizes a Store.
type Option func(*Store)

// WithPrefix places the snapshot under prefix.
func WithPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

// WithClock overrides the flush timestamp source.
func WithClock(clock crawler.Clock) Option {
	return func(s *Store) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Store implements crawler.CheckpointStore over a blob store. Flush is safe
// to call concurrently but callers are expected to serialize it.
type Store struct {
	blobs  crawler.BlobStore
	runID  string
	prefix string
	clock  crawler.Clock
	logger *zap.Logger

	mu    sync.Mutex
	state *crawler.Checkpoint
}

// New builds a Store for runID.
func New(blobs crawler.BlobStore, runID string, opts ...Option) (*Store, error) {
	if blobs == nil {
		return nil, errors.New("blob store is required")
	}
	if runID == "" {
		return nil, errors.New("run id is required")
	}
	s := &Store{
		blobs:  blobs,
		runID:  runID,
		clock:  system.New(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Path returns the object path of the snapshot.
func (s *Store) Path() string {
	return path.Join(s.prefix, s.runID+".checkpoint.json")
}

// Load reads the snapshot. A missing snapshot loads as an empty checkpoint.
func (s *Store) Load(ctx context.Context) (crawler.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp, err := s.read(ctx)
	if err != nil {
		return crawler.Checkpoint{}, err
	}
	s.state = &cp
	return cp.Clone(), nil
}

func (s *Store) read(ctx context.Context) (crawler.Checkpoint, error) {
	data, err := s.blobs.GetObject(ctx, s.Path())
	if errors.Is(err, crawler.ErrObjectNotFound) {
		s.logger.Info("no checkpoint found; starting fresh", zap.String("path", s.Path()))
		return crawler.NewCheckpoint(s.runID), nil
	}
	if err != nil {
		return crawler.Checkpoint{}, &crawler.CheckpointIOError{Op: "read", Err: err}
	}
	return decode(data, s.runID)
}

func decode(data []byte, runID string) (crawler.Checkpoint, error) {
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return crawler.Checkpoint{}, &crawler.CheckpointIOError{Op: "decode", Err: err}
	}
	if snap.Format != Format || snap.Version != crawler.CheckpointVersion {
		return crawler.Checkpoint{}, fmt.Errorf("snapshot %q version %d, want %q version %d: %w",
			snap.Format, snap.Version, Format, crawler.CheckpointVersion, crawler.ErrVersionMismatch)
	}
	if snap.RunID != runID {
		return crawler.Checkpoint{}, &crawler.CheckpointIOError{
			Op:  "decode",
			Err: fmt.Errorf("snapshot belongs to run %q, not %q", snap.RunID, runID),
		}
	}

	cp := crawler.NewCheckpoint(runID)
	cp.Cursor = snap.Cursor
	cp.LastFlush = snap.LastFlush
	for _, res := range snap.Results {
		cp.Results[res.Identifier] = res
	}
	return cp, nil
}

func encode(cp crawler.Checkpoint) ([]byte, error) {
	snap := snapshot{
		Format:    Format,
		Version:   crawler.CheckpointVersion,
		RunID:     cp.RunID,
		Cursor:    cp.Cursor,
		LastFlush: cp.LastFlush,
		Results:   cp.SortedResults(),
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	return data, nil
}

// Flush merges results into the snapshot and rewrites it. On failure the
// in-memory state is left as it was before the call.
func (s *Store) Flush(ctx context.Context, results []crawler.FetchResult, cursor crawler.Cursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == nil {
		cp, err := s.read(ctx)
		if err != nil {
			return err
		}
		s.state = &cp
	}

	next := s.state.Clone()
	next.Merge(results, cursor, s.clock.Now())
	data, err := encode(next)
	if err != nil {
		return &crawler.CheckpointIOError{Op: "encode", Err: err}
	}
	uri, err := s.blobs.PutObject(ctx, s.Path(), contentType, bytes.NewReader(data))
	if err != nil {
		return &crawler.CheckpointIOError{Op: "write", Err: err}
	}
	s.state = &next
	s.logger.Debug("checkpoint written",
		zap.String("uri", uri),
		zap.Int("batch", len(results)),
		zap.Int("results", len(next.Results)),
		zap.Int64("seq", next.Cursor.Seq),
	)
	return nil
}
