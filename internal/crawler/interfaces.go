package crawler

import (
	"context"
	"io"
	"time"
)

// Fetcher retrieves the raw record page for one identifier.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (RawResponse, error)
}

// Parser extracts structured fields from a raw record page.
type Parser interface {
	Parse(raw RawResponse) (ParsedResult, error)
}

// RateLimiter gates outbound requests. Acquire blocks until a grant is
// available or ctx is done.
type RateLimiter interface {
	Acquire(ctx context.Context) error
}

// RetryPolicy decides whether a failed attempt is retried and how long to wait.
type RetryPolicy interface {
	ShouldRetry(err error, attempt int) bool
	Backoff(attempt int) time.Duration
}

// CheckpointStore persists terminal results so a run can resume.
type CheckpointStore interface {
	Load(ctx context.Context) (Checkpoint, error)
	Flush(ctx context.Context, results []FetchResult, cursor Cursor) error
}

// BlobStore reads and writes whole objects by path.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
	GetObject(ctx context.Context, path string) ([]byte, error)
}

// Publisher pushes result events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Queue provides enqueue/dequeue semantics for fetch tasks.
type Queue interface {
	Enqueue(ctx context.Context, task FetchTask) error
	Dequeue(ctx context.Context) (FetchTask, error)
}

// Hasher computes digests of fetched content.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces session IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
