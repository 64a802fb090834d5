// Package redis provides a Redis-backed checkpoint store: one hash of
// results and one hash of cursor fields per run, written in MULTI/EXEC.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/JakeFAU/taxdue-crawler/internal/crawler"
)

const defaultKeyPrefix = "taxdue"

// Config selects the key namespace for a run.
type Config struct {
	KeyPrefix string
	RunID     string
}

type redisClient interface {
	TxPipelined(ctx context.Context, fn func(goredis.Pipeliner) error) ([]goredis.Cmder, error)
	HGetAll(ctx context.Context, key string) *goredis.MapStringStringCmd
	Close() error
}

// CheckpointStore implements crawler.CheckpointStore on Redis hashes.
type CheckpointStore struct {
	client redisClient
	prefix string
	runID  string
	now    func() time.Time
}

// NewCheckpointStore wraps an existing client.
func NewCheckpointStore(client redisClient, cfg Config) (*CheckpointStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if cfg.RunID == "" {
		return nil, fmt.Errorf("run id is required")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = defaultKeyPrefix
	}
	return &CheckpointStore{client: client, prefix: cfg.KeyPrefix, runID: cfg.RunID, now: time.Now}, nil
}

// Close closes the underlying client.
func (s *CheckpointStore) Close() error {
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("close redis client: %w", err)
	}
	return nil
}

func (s *CheckpointStore) resultsKey() string {
	return fmt.Sprintf("%s:%s:results", s.prefix, s.runID)
}

func (s *CheckpointStore) cursorKey() string {
	return fmt.Sprintf("%s:%s:cursor", s.prefix, s.runID)
}

// Load reads the run's cursor and results. A run with no cursor hash loads
// as an empty checkpoint.
func (s *CheckpointStore) Load(ctx context.Context) (crawler.Checkpoint, error) {
	cp := crawler.NewCheckpoint(s.runID)

	fields, err := s.client.HGetAll(ctx, s.cursorKey()).Result()
	if err != nil {
		return crawler.Checkpoint{}, &crawler.CheckpointIOError{Op: "read", Err: fmt.Errorf("hgetall cursor: %w", err)}
	}
	if len(fields) == 0 {
		return cp, nil
	}
	if err := decodeCursor(fields, &cp); err != nil {
		return crawler.Checkpoint{}, err
	}

	entries, err := s.client.HGetAll(ctx, s.resultsKey()).Result()
	if err != nil {
		return crawler.Checkpoint{}, &crawler.CheckpointIOError{Op: "read", Err: fmt.Errorf("hgetall results: %w", err)}
	}
	for id, payload := range entries {
		var res crawler.FetchResult
		if err := json.Unmarshal([]byte(payload), &res); err != nil {
			return crawler.Checkpoint{}, &crawler.CheckpointIOError{Op: "decode", Err: fmt.Errorf("result %s: %w", id, err)}
		}
		cp.Results[id] = res
	}
	return cp, nil
}

func decodeCursor(fields map[string]string, cp *crawler.Checkpoint) error {
	version, err := strconv.Atoi(fields["version"])
	if err != nil {
		return &crawler.CheckpointIOError{Op: "decode", Err: fmt.Errorf("version: %w", err)}
	}
	if version != crawler.CheckpointVersion {
		return fmt.Errorf("run %s has version %d, want %d: %w",
			cp.RunID, version, crawler.CheckpointVersion, crawler.ErrVersionMismatch)
	}
	ints := map[string]*int{"total": &cp.Cursor.Total, "attempts": &cp.Cursor.Attempts}
	for name, dst := range ints {
		if raw, ok := fields[name]; ok {
			v, err := strconv.Atoi(raw)
			if err != nil {
				return &crawler.CheckpointIOError{Op: "decode", Err: fmt.Errorf("%s: %w", name, err)}
			}
			*dst = v
		}
	}
	if raw, ok := fields["seq"]; ok {
		seq, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return &crawler.CheckpointIOError{Op: "decode", Err: fmt.Errorf("seq: %w", err)}
		}
		cp.Cursor.Seq = seq
	}
	if raw, ok := fields["last_flush"]; ok {
		at, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return &crawler.CheckpointIOError{Op: "decode", Err: fmt.Errorf("last_flush: %w", err)}
		}
		cp.LastFlush = at
	}
	return nil
}

// Flush writes results and cursor fields in a single MULTI/EXEC block.
func (s *CheckpointStore) Flush(ctx context.Context, results []crawler.FetchResult, cursor crawler.Cursor) error {
	values := make(map[string]any, len(results))
	for _, res := range results {
		payload, err := json.Marshal(res)
		if err != nil {
			return &crawler.CheckpointIOError{Op: "encode", Err: err}
		}
		values[res.Identifier] = payload
	}

	cursorFields := map[string]any{
		"version":    crawler.CheckpointVersion,
		"attempts":   cursor.Attempts,
		"last_flush": s.now().UTC().Format(time.RFC3339Nano),
	}
	if cursor.Total > 0 {
		cursorFields["total"] = cursor.Total
	}

	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		if len(values) > 0 {
			pipe.HSet(ctx, s.resultsKey(), values)
		}
		pipe.HSet(ctx, s.cursorKey(), cursorFields)
		pipe.HIncrBy(ctx, s.cursorKey(), "seq", 1)
		return nil
	})
	if err != nil {
		return &crawler.CheckpointIOError{Op: "write", Err: fmt.Errorf("exec: %w", err)}
	}
	return nil
}
