package reconcile

import (
	"context"
	"sync"
)

// plotLocks serialises work per plot. Waiters are served in arrival order so a
// later event never overtakes an earlier one for the same plot.
type plotLocks struct {
	mu     sync.Mutex
	queues map[int32]*plotQueue
}

type plotQueue struct {
	waiters []chan struct{}
}

func newPlotLocks() *plotLocks {
	return &plotLocks{queues: make(map[int32]*plotQueue)}
}

// lock blocks until the caller holds plotID or ctx ends.
func (l *plotLocks) lock(ctx context.Context, plotID int32) (func(), error) {
	l.mu.Lock()
	q, held := l.queues[plotID]
	if !held {
		l.queues[plotID] = &plotQueue{}
		l.mu.Unlock()
		return func() { l.unlock(plotID) }, nil
	}
	ch := make(chan struct{})
	q.waiters = append(q.waiters, ch)
	l.mu.Unlock()

	select {
	case <-ch:
		return func() { l.unlock(plotID) }, nil
	case <-ctx.Done():
		l.mu.Lock()
		defer l.mu.Unlock()
		for i, w := range q.waiters {
			if w == ch {
				q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
				return nil, ctx.Err()
			}
		}
		// The lock was handed over while ctx ended; pass it on.
		l.release(plotID)
		return nil, ctx.Err()
	}
}

func (l *plotLocks) unlock(plotID int32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.release(plotID)
}

// release must run with l.mu held.
func (l *plotLocks) release(plotID int32) {
	q := l.queues[plotID]
	if q == nil {
		return
	}
	if len(q.waiters) > 0 {
		next := q.waiters[0]
		q.waiters = q.waiters[1:]
		close(next)
		return
	}
	delete(l.queues, plotID)
}

// held reports whether anyone holds plotID.
func (l *plotLocks) held(plotID int32) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.queues[plotID]
	return ok
}
