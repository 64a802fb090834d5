// Package memory provides the in-process task queue used by the scheduler.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/taxdue-crawler/internal/crawler"
)

// Queue is a bounded in-memory queue with context-aware operations. Close
// lets consumers drain what is buffered, then Dequeue reports
// crawler.ErrQueueClosed.
type Queue struct {
	ch     chan crawler.FetchTask
	mu     sync.RWMutex
	closed bool
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	return &Queue{
		ch: make(chan crawler.FetchTask, capacity),
	}
}

// Enqueue pushes a task into the queue or returns if the context ends.
// Enqueueing after Close returns crawler.ErrQueueClosed.
func (q *Queue) Enqueue(ctx context.Context, task crawler.FetchTask) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return crawler.ErrQueueClosed
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- task:
		return nil
	}
}

// Dequeue pops the next task, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (crawler.FetchTask, error) {
	select {
	case <-ctx.Done():
		return crawler.FetchTask{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case task, ok := <-q.ch:
		if !ok {
			return crawler.FetchTask{}, crawler.ErrQueueClosed
		}
		return task, nil
	}
}

// Len returns the number of buffered tasks.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close closes the underlying channel for shutdown. It waits for in-progress
// Enqueue calls to return.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}
