package dispatch

import (
	"container/heap"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sdewitt/kiln/internal/model"
)

// ScheduledTask is the handle returned by Schedule. It describes a message
// template; each firing clones the template into a fresh message with its
// own ID.
type ScheduledTask struct {
	ID       string
	Type     string
	Payload  json.RawMessage
	Priority int
	TimeoutS int
	RetryMax int

	// Every, when positive, makes the schedule recurring.
	Every time.Duration

	cancelled bool // guarded by the scheduler mutex
}

// entry is one pending heap item: either a deferred one-shot message
// (already accepted, holding a tracker slot) or a template firing.
type entry struct {
	runAt time.Time
	seq   uint64
	msg   *model.Message
	task  *ScheduledTask
}

// entryHeap orders entries by runAt, ties broken by insertion order.
type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if !h[i].runAt.Equal(h[j].runAt) {
		return h[i].runAt.Before(h[j].runAt)
	}
	return h[i].seq < h[j].seq
}

func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x any) { *h = append(*h, x.(*entry)) }

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// scheduler owns the min-heap of pending delayed and recurring submissions
// and feeds due entries into the dispatch path on a fixed tick.
//
// Cancellation tie-break: an entry is checked against its cancel flag under
// the scheduler mutex at pop time. A firing that has already been popped
// completes even if Cancel is called concurrently; a cancel that lands
// before the pop wins. Either way a cancelled instant fires at most once.
type scheduler struct {
	d    *Dispatcher
	tick time.Duration

	mu   sync.Mutex
	heap entryHeap
	seq  uint64

	stopCh chan struct{}
	done   chan struct{}
}

func newScheduler(d *Dispatcher, tick time.Duration) *scheduler {
	return &scheduler{
		d:      d,
		tick:   tick,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// run ticks until stopped, firing every due entry.
func (s *scheduler) run() {
	defer close(s.done)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case now := <-ticker.C:
			s.fire(now)
		}
	}
}

// deferMessage parks an accepted message until its delay elapses.
func (s *scheduler) deferMessage(msg *model.Message, runAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pushLocked(&entry{runAt: runAt, msg: msg})
}

// add inserts a schedule template for its first firing.
func (s *scheduler) add(task *ScheduledTask, first time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pushLocked(&entry{runAt: first, task: task})
}

// cancel marks a schedule so it never fires again. Safe against a
// concurrent firing; see the tie-break note on the scheduler type.
func (s *scheduler) cancel(task *ScheduledTask) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task.cancelled = true
}

// fire pops all due entries and dispatches them. Recurring templates are
// reinserted at runAt + Every under the same lock as the pop, so a
// schedule has at most one pending heap entry at any time.
func (s *scheduler) fire(now time.Time) {
	s.mu.Lock()
	var due []*entry
	for len(s.heap) > 0 && !s.heap[0].runAt.After(now) {
		e := heap.Pop(&s.heap).(*entry)
		if e.task != nil && e.task.cancelled {
			continue
		}
		if e.task != nil && e.task.Every > 0 {
			s.pushLocked(&entry{runAt: e.runAt.Add(e.task.Every), task: e.task})
		}
		due = append(due, e)
	}
	scheduledEntries.Set(float64(len(s.heap)))
	s.mu.Unlock()

	for _, e := range due {
		if e.msg != nil {
			go s.d.dispatch(e.msg)
			continue
		}
		msg := s.materialize(e.task)
		s.d.pending.add()
		go s.d.dispatch(msg)
	}
}

// materialize builds a fresh message from a schedule template.
func (s *scheduler) materialize(task *ScheduledTask) *model.Message {
	return &model.Message{
		ID:        model.NewID(),
		Type:      task.Type,
		Payload:   append(json.RawMessage(nil), task.Payload...),
		Priority:  task.Priority,
		RetryMax:  task.RetryMax,
		RetryLeft: task.RetryMax,
		TimeoutS:  task.TimeoutS,
		CreatedAt: time.Now().UTC(),
	}
}

// stop halts the tick loop and resolves parked deferred messages with a
// shutdown failure so Join does not hang on them. Pending templates are
// simply dropped.
func (s *scheduler) stop() {
	close(s.stopCh)
	<-s.done

	s.mu.Lock()
	parked := s.heap
	s.heap = nil
	scheduledEntries.Set(0)
	s.mu.Unlock()

	for _, e := range parked {
		if e.msg != nil {
			s.d.finish(e.msg, model.Failed(e.msg, model.KindShutdown,
				fmt.Sprintf("engine shut down before delayed message %s became due", e.msg.ID)))
		}
	}
}

func (s *scheduler) pushLocked(e *entry) {
	e.seq = s.seq
	s.seq++
	heap.Push(&s.heap, e)
	scheduledEntries.Set(float64(len(s.heap)))
}
