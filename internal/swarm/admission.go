package swarm

import (
	"context"
	"sync"
)

// admissionQueue is a FIFO hand-off lock. Unlock passes ownership directly
// to the oldest waiter, so callers are admitted strictly in arrival order.
type admissionQueue struct {
	mu      sync.Mutex
	held    bool
	waiters []chan struct{}
}

// Lock blocks until the caller owns the queue or ctx is done.
func (q *admissionQueue) Lock(ctx context.Context) error {
	q.mu.Lock()
	if !q.held {
		q.held = true
		q.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	q.waiters = append(q.waiters, ch)
	q.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		q.mu.Lock()
		for i, w := range q.waiters {
			if w == ch {
				q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
				q.mu.Unlock()
				return ctx.Err()
			}
		}
		q.mu.Unlock()
		// Ownership was handed over concurrently with the cancellation.
		q.Unlock()
		return ctx.Err()
	}
}

func (q *admissionQueue) Unlock() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.waiters) > 0 {
		next := q.waiters[0]
		q.waiters = q.waiters[1:]
		close(next)
		return
	}
	q.held = false
}

// Waiting returns the number of callers queued behind the current owner.
func (q *admissionQueue) Waiting() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiters)
}
