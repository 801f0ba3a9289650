package dispatch

import (
	"math/rand/v2"
	"sync"
	"time"

	"github.com/sdewitt/kiln/internal/model"
)

// retrier re-submits failed messages with exponential backoff and jitter.
// Each pending retry waits on its own goroutine; stopping the retrier
// resolves outstanding waits immediately with the original failure so the
// tracker drains during shutdown.
type retrier struct {
	d      *Dispatcher
	base   time.Duration
	max    time.Duration
	jitter time.Duration

	mu      sync.Mutex
	stopped bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func newRetrier(d *Dispatcher, base, max, jitter time.Duration) *retrier {
	return &retrier{
		d:      d,
		base:   base,
		max:    max,
		jitter: jitter,
		stopCh: make(chan struct{}),
	}
}

// schedule arranges a new attempt of msg after backoff. The failed result
// res becomes terminal only if the retrier is stopped before the backoff
// elapses. The logical task's tracker slot carries over to the new attempt.
func (r *retrier) schedule(msg *model.Message, res *model.Result) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		r.d.finish(msg, res)
		return
	}
	r.wg.Add(1)
	r.mu.Unlock()

	attempt := msg.RetryMax - msg.RetryLeft
	wait := r.backoff(attempt)

	tasksProcessed.WithLabelValues(msg.Type, outcomeRetried).Inc()
	r.d.logger.Debug("retry scheduled",
		"message_id", msg.ID,
		"type", msg.Type,
		"attempt", attempt+1,
		"retry_left", msg.RetryLeft-1,
		"backoff", wait,
	)

	go func() {
		defer r.wg.Done()

		timer := time.NewTimer(wait)
		defer timer.Stop()

		select {
		case <-r.stopCh:
			r.d.finish(msg, res)
		case <-timer.C:
			next := msg.Clone()
			next.RetryLeft--
			r.d.dispatch(next)
		}
	}()
}

// backoff computes min(base * 2^attempt, max) plus uniform jitter.
func (r *retrier) backoff(attempt int) time.Duration {
	if attempt > 62 {
		attempt = 62
	}
	wait := r.base << uint(attempt)
	if wait > r.max || wait <= 0 {
		wait = r.max
	}
	if r.jitter > 0 {
		wait += rand.N(r.jitter)
	}
	return wait
}

// stop aborts pending backoff waits and blocks until they have resolved.
// A schedule call racing stop resolves its failure terminally instead of
// queueing a new attempt.
func (r *retrier) stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	close(r.stopCh)
	r.mu.Unlock()
	r.wg.Wait()
}
