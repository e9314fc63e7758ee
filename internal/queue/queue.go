// Package queue provides the in-memory admission queue between intake and
// the worker pool.
//
// The contract is deliberately asymmetric: Put never fails or blocks, at any
// depth, while Full is only an advisory predicate checked at the HTTP
// boundary. Admission control lives in the intake handler, not here — that
// is what lets the startup recovery loader re-enqueue more persisted events
// than the steady-state capacity without losing durable work.
package queue

import (
	"context"
	"sync"
)

// EventQueue is the handoff between intake and workers.
type EventQueue interface {
	// Put appends an event id. It always succeeds, even past capacity.
	Put(id string)
	// Get removes and returns the oldest id, blocking until one is
	// available or ctx is done.
	Get(ctx context.Context) (string, error)
	// Full reports whether depth has reached the soft capacity.
	Full() bool
	// Len returns the current depth.
	Len() int
}

// MemoryQueue is an unbounded FIFO with a soft capacity. Safe for concurrent use.
type MemoryQueue struct {
	maxsize int

	mu    sync.Mutex
	items []string
	avail chan struct{} // capacity 1; coalesced "items may be available" signal
}

// New creates a MemoryQueue with the given soft capacity.
func New(maxsize int) *MemoryQueue {
	return &MemoryQueue{
		maxsize: maxsize,
		avail:   make(chan struct{}, 1),
	}
}

// Put appends id to the queue. Infallible and non-blocking regardless of depth.
func (q *MemoryQueue) Put(id string) {
	q.mu.Lock()
	q.items = append(q.items, id)
	q.mu.Unlock()
	q.signal()
}

// Get returns the oldest id, blocking until one is available or ctx is done.
func (q *MemoryQueue) Get(ctx context.Context) (string, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			id := q.items[0]
			q.items = q.items[1:]
			if len(q.items) == 0 {
				q.items = nil // release the backing array once drained
			} else {
				// Wake another waiter: the coalesced signal may have been
				// consumed for an item someone else already took.
				q.signal()
			}
			q.mu.Unlock()
			return id, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-q.avail:
		}
	}
}

// Full reports whether depth has reached the soft capacity. Advisory only:
// the intake handler uses it to reject new submissions with 429.
func (q *MemoryQueue) Full() bool {
	return q.Len() >= q.maxsize
}

// Len returns the current depth.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *MemoryQueue) signal() {
	select {
	case q.avail <- struct{}{}:
	default:
	}
}
