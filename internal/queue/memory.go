package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

type memEntry struct {
	id  string
	job Job
}

// MemoryQueue is a channel-backed Queue for tests and single-node runs.
type MemoryQueue struct {
	ch     chan memEntry
	seq    atomic.Int64
	mu     sync.Mutex
	dlq    []Job
	closed atomic.Bool
}

// NewMemoryQueue returns a queue with the given buffer capacity.
func NewMemoryQueue(capacity int) *MemoryQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &MemoryQueue{ch: make(chan memEntry, capacity)}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, job Job) error {
	if q.closed.Load() {
		return fmt.Errorf("queue closed")
	}
	entry := memEntry{id: fmt.Sprintf("mem-%d", q.seq.Add(1)), job: job}
	select {
	case q.ch <- entry:
		return nil
	default:
		return fmt.Errorf("queue full")
	}
}

func (q *MemoryQueue) Dequeue(ctx context.Context, consumer string, block time.Duration) (string, *Job, error) {
	timer := time.NewTimer(block)
	defer timer.Stop()
	select {
	case entry, ok := <-q.ch:
		if !ok {
			return "", nil, nil
		}
		job := entry.job
		return entry.id, &job, nil
	case <-timer.C:
		return "", nil, nil
	case <-ctx.Done():
		return "", nil, ctx.Err()
	}
}

func (q *MemoryQueue) Ack(ctx context.Context, msgID string) error { return nil }

func (q *MemoryQueue) AddDLQ(ctx context.Context, job Job, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dlq = append(q.dlq, job)
	return nil
}

func (q *MemoryQueue) Depths(ctx context.Context) (int64, int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.ch)), int64(len(q.dlq)), nil
}

func (q *MemoryQueue) Close() error {
	if q.closed.CompareAndSwap(false, true) {
		close(q.ch)
	}
	return nil
}

var _ Queue = (*MemoryQueue)(nil)
