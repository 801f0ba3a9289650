// Package queue implements the shared priority queue drained by the
// dispatcher's worker pool. Ordering is a stable min-priority order:
// lower priority values pop first, ties break by push order.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"sync"

	"github.com/sdewitt/kiln/internal/model"
)

// ErrClosed is returned by Push after Close, and by Pop once the queue is
// closed and drained.
var ErrClosed = errors.New("queue is closed")

type item struct {
	msg *model.Message
	seq uint64
}

// items implements heap.Interface with (priority, seq) ordering.
type items []*item

func (h items) Len() int { return len(h) }

func (h items) Less(i, j int) bool {
	if h[i].msg.Priority != h[j].msg.Priority {
		return h[i].msg.Priority < h[j].msg.Priority
	}
	return h[i].seq < h[j].seq
}

func (h items) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *items) Push(x any) { *h = append(*h, x.(*item)) }

func (h *items) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// PriorityQueue is a blocking, stable min-priority queue.
// Safe for concurrent use by any number of producers and consumers.
type PriorityQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	heap   items
	seq    uint64
	closed bool
}

// New creates an empty priority queue.
func New() *PriorityQueue {
	q := &PriorityQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push adds a message to the queue.
func (q *PriorityQueue) Push(msg *model.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	heap.Push(&q.heap, &item{msg: msg, seq: q.seq})
	q.seq++
	q.cond.Signal()
	return nil
}

// Pop removes and returns the lowest-priority-value message, blocking until
// one is available, the context is cancelled, or the queue is closed and
// drained.
func (q *PriorityQueue) Pop(ctx context.Context) (*model.Message, error) {
	// Wake any waiter when the context ends; Wait cannot observe ctx itself.
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.heap) == 0 {
		if q.closed {
			return nil, ErrClosed
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		q.cond.Wait()
	}

	it := heap.Pop(&q.heap).(*item)
	return it.msg, nil
}

// Len returns the number of queued messages.
func (q *PriorityQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// Close stops the queue. Pending messages remain poppable; once drained,
// Pop returns ErrClosed.
func (q *PriorityQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}
