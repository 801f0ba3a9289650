package dispatch

import (
	"context"
	"sync"

	"github.com/sdewitt/kiln/internal/model"
)

// resultSink is the keyed store of terminal results. Results are keyed by
// the logical task's origin ID, so the ID returned from Submit stays valid
// across retry attempts.
type resultSink struct {
	mu      sync.Mutex
	cond    *sync.Cond
	results map[string]*model.Result
}

func newResultSink() *resultSink {
	s := &resultSink{results: make(map[string]*model.Result)}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// deliver stores a terminal result and wakes blocked readers.
func (s *resultSink) deliver(key string, res *model.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[key] = res
	s.cond.Broadcast()
}

// get returns the results present for ids without blocking. Reads are
// idempotent; results stay in the sink.
func (s *resultSink) get(ids []string) map[string]*model.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(ids)
}

// waitAll blocks until every id has a result or ctx ends, returning
// whatever is present either way.
func (s *resultSink) waitAll(ctx context.Context, ids []string) (map[string]*model.Result, error) {
	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	defer stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		if s.haveAllLocked(ids) {
			return s.snapshotLocked(ids), nil
		}
		if ctx.Err() != nil {
			return s.snapshotLocked(ids), ctx.Err()
		}
		s.cond.Wait()
	}
}

func (s *resultSink) haveAllLocked(ids []string) bool {
	for _, id := range ids {
		if _, ok := s.results[id]; !ok {
			return false
		}
	}
	return true
}

func (s *resultSink) snapshotLocked(ids []string) map[string]*model.Result {
	out := make(map[string]*model.Result, len(ids))
	for _, id := range ids {
		if res, ok := s.results[id]; ok {
			out[id] = res
		}
	}
	return out
}

// tracker counts logical tasks between acceptance and terminal delivery,
// backing Join. Unlike sync.WaitGroup it tolerates Add after Wait and
// supports context-bounded waits.
type tracker struct {
	mu   sync.Mutex
	cond *sync.Cond
	n    int
}

func newTracker() *tracker {
	t := &tracker{}
	t.cond = sync.NewCond(&t.mu)
	return t
}

func (t *tracker) add() {
	t.mu.Lock()
	t.n++
	t.mu.Unlock()
}

func (t *tracker) done() {
	t.mu.Lock()
	t.n--
	if t.n <= 0 {
		t.cond.Broadcast()
	}
	t.mu.Unlock()
}

// wait blocks until the pending count reaches zero or ctx ends.
func (t *tracker) wait(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		t.mu.Lock()
		t.cond.Broadcast()
		t.mu.Unlock()
	})
	defer stop()

	t.mu.Lock()
	defer t.mu.Unlock()

	for t.n > 0 {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		t.cond.Wait()
	}
	return nil
}
