// Package queue provides the update queue: an unbounded FIFO of "this file
// may have changed" items with many producers and exactly one consumer.
//
// Push never blocks and never drops. No deduplication happens here; the
// consumer re-verifies each item against the target's snapshot, so redundant
// items for the same file are cheap to discard.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/emirpasic/gods/queues/linkedlistqueue"

	"github.com/tripwire/rewriter/internal/registry"
)

// ErrClosed is returned by Push after Close, and by Pop once a closed queue
// has been drained.
var ErrClosed = errors.New("queue: closed")

// Method identifies the detection path that produced an Item.
type Method int

const (
	// Poll items come from the periodic scan.
	Poll Method = iota
	// Notification items come from file-system notifications.
	Notification
)

// String returns "poll" or "notification".
func (m Method) String() string {
	if m == Notification {
		return "notification"
	}
	return "poll"
}

// Item refers to a Target File that may need updating.
type Item struct {
	Target     *registry.TargetFile
	Method     Method
	EnqueuedAt time.Time
}

// Queue is safe for concurrent Push; Pop must be called from a single
// goroutine.
type Queue struct {
	mu     sync.Mutex
	items  *linkedlistqueue.Queue
	closed bool

	// ready holds at most one wake-up token for the consumer.
	ready chan struct{}
	done  chan struct{}
}

// New returns an empty Queue.
func New() *Queue {
	return &Queue{
		items: linkedlistqueue.New(),
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// Push appends item. EnqueuedAt is set when zero.
func (q *Queue) Push(item Item) error {
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = time.Now()
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.items.Enqueue(item)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return nil
}

// Pop removes and returns the oldest item, blocking until one is available.
// It returns ctx.Err() when ctx is cancelled, and ErrClosed once the queue is
// closed and empty.
func (q *Queue) Pop(ctx context.Context) (Item, error) {
	for {
		if item, ok := q.TryPop(); ok {
			return item, nil
		}

		q.mu.Lock()
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return Item{}, ErrClosed
		}

		select {
		case <-ctx.Done():
			return Item{}, ctx.Err()
		case <-q.done:
		case <-q.ready:
		}
	}
}

// TryPop removes and returns the oldest item without blocking.
func (q *Queue) TryPop() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	v, ok := q.items.Dequeue()
	if !ok {
		return Item{}, false
	}
	return v.(Item), true
}

// Len returns the number of queued items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Size()
}

// Close stops accepting new items and wakes the consumer. Items already
// queued can still be popped. Close is idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}
