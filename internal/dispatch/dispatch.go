package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/sdewitt/kiln/internal/corelet"
	"github.com/sdewitt/kiln/internal/model"
	"github.com/sdewitt/kiln/internal/queue"
	"github.com/sdewitt/kiln/internal/ratelimit"
	"github.com/sdewitt/kiln/internal/registry"
)

// DefaultTimeoutS is the execution budget applied when a submission does
// not set one.
const DefaultTimeoutS = 30

// Submission errors. These are the only errors Submit raises
// synchronously; everything that goes wrong after acceptance surfaces as a
// failure Result.
var (
	ErrShutdown       = errors.New("dispatcher is shutting down")
	ErrInvalidTimeout = errors.New("timeout must be positive")
)

// Config holds dispatcher tuning. Zero values fall back to defaults.
type Config struct {
	// Workers sizes the worker pool. It also bounds concurrently live
	// corelets: one worker supervises exactly one corelet at a time.
	Workers int

	// DefaultTimeoutS applies to submissions with no timeout of their own.
	DefaultTimeoutS int

	// Retry backoff shape.
	RetryBase    time.Duration
	RetryMaxWait time.Duration
	RetryJitter  time.Duration

	// CoreletGrace is the SIGTERM-to-SIGKILL window for corelet teardown.
	CoreletGrace time.Duration

	// CoreletCommand overrides the corelet child command line; empty
	// re-execs the current binary.
	CoreletCommand []string

	// SchedulerTick is the scheduler's polling interval.
	SchedulerTick time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.DefaultTimeoutS <= 0 {
		c.DefaultTimeoutS = DefaultTimeoutS
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 100 * time.Millisecond
	}
	if c.RetryMaxWait <= 0 {
		c.RetryMaxWait = 30 * time.Second
	}
	if c.SchedulerTick <= 0 {
		c.SchedulerTick = 500 * time.Millisecond
	}
	return c
}

// SnapshotWriter persists completed task/result pairs. Optional debug
// facility, outside the correctness surface.
type SnapshotWriter interface {
	SaveSnapshot(ctx context.Context, res *model.Result) error
}

// Option configures optional dispatcher collaborators.
type Option func(*Dispatcher)

// WithSnapshots enables persisting every terminal result through w.
func WithSnapshots(w SnapshotWriter) Option {
	return func(d *Dispatcher) { d.snaps = w }
}

// Dispatcher is the public façade of the execution engine. It owns the
// shared priority queue and wires together the handler registry, the rate
// limiter gate, the worker pool, the corelet manager, the retry
// coordinator and the scheduler.
type Dispatcher struct {
	cfg      Config
	reg      *registry.Registry
	gate     ratelimit.Gate
	logger   *slog.Logger
	queue    *queue.PriorityQueue
	sink     *resultSink
	pending  *tracker
	corelets *corelet.Manager
	sched    *scheduler
	retrier  *retrier
	crontab  *cron.Cron
	snaps    SnapshotWriter

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	stopping atomic.Bool
	stopCh   chan struct{}
}

// New creates a dispatcher and starts its worker pool, scheduler and cron
// runner. Stop it with Shutdown.
func New(cfg Config, reg *registry.Registry, gate ratelimit.Gate, logger *slog.Logger, opts ...Option) *Dispatcher {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	d := &Dispatcher{
		cfg:     cfg,
		reg:     reg,
		gate:    gate,
		logger:  logger,
		queue:   queue.New(),
		sink:    newResultSink(),
		pending: newTracker(),
		corelets: corelet.NewManager(corelet.Config{
			Command: cfg.CoreletCommand,
			Grace:   cfg.CoreletGrace,
		}, logger),
		baseCtx: ctx,
		cancel:  cancel,
		stopCh:  make(chan struct{}),
	}
	d.sched = newScheduler(d, cfg.SchedulerTick)
	d.retrier = newRetrier(d, cfg.RetryBase, cfg.RetryMaxWait, cfg.RetryJitter)
	d.crontab = cron.New(cron.WithSeconds())

	for _, opt := range opts {
		opt(d)
	}

	for i := 0; i < cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}
	go d.sched.run()
	d.crontab.Start()

	logger.Info("dispatcher started", "workers", cfg.Workers, "scheduler_tick", cfg.SchedulerTick)
	return d
}

// Submit accepts a message for execution and returns its ID. Only
// malformed submissions error synchronously: an unregistered type, a
// negative timeout, or a dispatcher that is shutting down. Once accepted,
// every outcome surfaces as a Result under the returned ID.
//
// A message whose DelayUntil lies in the future is parked with the
// scheduler. Everything else passes the rate limiter gate, which may block
// the caller for the computed wait, and then enters the queue — or, for
// inline-mode types, executes synchronously on the calling goroutine.
func (d *Dispatcher) Submit(ctx context.Context, msg *model.Message) (string, error) {
	if d.stopping.Load() {
		return "", ErrShutdown
	}

	if msg.TimeoutS < 0 {
		return "", fmt.Errorf("%w: got %d", ErrInvalidTimeout, msg.TimeoutS)
	}
	if msg.TimeoutS == 0 {
		msg.TimeoutS = d.cfg.DefaultTimeoutS
	}
	if _, err := d.reg.Resolve(msg.Type); err != nil {
		return "", err
	}

	if msg.ID == "" {
		msg.ID = model.NewID()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if msg.RetryLeft == 0 {
		msg.RetryLeft = msg.RetryMax
	}

	d.pending.add()

	if msg.DelayUntil != nil && msg.DelayUntil.After(time.Now()) {
		d.sched.deferMessage(msg, *msg.DelayUntil)
		return msg.ID, nil
	}

	d.dispatch(msg)
	return msg.ID, nil
}

// GetResults returns terminal results for ids. With block set it waits
// until every id has a result or ctx ends; without it, it returns whatever
// is currently available. Reads are idempotent.
func (d *Dispatcher) GetResults(ctx context.Context, ids []string, block bool) (map[string]*model.Result, error) {
	if !block {
		return d.sink.get(ids), nil
	}
	return d.sink.waitAll(ctx, ids)
}

// Join blocks until all accepted work has reached a terminal result or ctx
// ends.
func (d *Dispatcher) Join(ctx context.Context) error {
	return d.pending.wait(ctx)
}

// QueueDepth returns the number of messages waiting for a worker.
func (d *Dispatcher) QueueDepth() int {
	return d.queue.Len()
}

// Stopping reports whether Shutdown has begun.
func (d *Dispatcher) Stopping() bool {
	return d.stopping.Load()
}

// Schedule registers a delayed and optionally recurring submission. Each
// firing materializes a fresh message from the template. Cancel the
// returned handle with CancelSchedule.
func (d *Dispatcher) Schedule(msgType string, payload []byte, delay, every time.Duration, priority int) (*ScheduledTask, error) {
	if d.stopping.Load() {
		return nil, ErrShutdown
	}
	if _, err := d.reg.Resolve(msgType); err != nil {
		return nil, err
	}

	task := &ScheduledTask{
		ID:       model.NewID(),
		Type:     msgType,
		Payload:  payload,
		Priority: priority,
		TimeoutS: d.cfg.DefaultTimeoutS,
		Every:    every,
	}
	d.sched.add(task, time.Now().Add(delay))
	return task, nil
}

// CancelSchedule stops future firings of task. A firing already popped
// from the scheduler heap completes; see the scheduler tie-break note.
func (d *Dispatcher) CancelSchedule(task *ScheduledTask) {
	d.sched.cancel(task)
}

// worker drains the shared queue until it is closed and empty, or until
// forced shutdown cancels the base context.
func (d *Dispatcher) worker(id int) {
	defer d.wg.Done()

	for {
		msg, err := d.queue.Pop(d.baseCtx)
		if err != nil {
			return
		}
		queueDepth.Set(float64(d.queue.Len()))

		// A message can reach a worker slightly before it is due when its
		// delay raced the scheduler tick. The margin is at most one tick,
		// so sleeping here is cheaper than another queue round-trip.
		if msg.DelayUntil != nil {
			if wait := time.Until(*msg.DelayUntil); wait > 0 {
				select {
				case <-time.After(wait):
				case <-d.baseCtx.Done():
					d.finish(msg, model.Failed(msg, model.KindShutdown, "engine stopped before message became due"))
					return
				}
			}
		}

		d.complete(msg, d.execute(msg))
	}
}

// dispatch moves an accepted message through the rate limiter gate and
// into the queue, or runs it synchronously for inline-mode types. Called
// from Submit on the caller's goroutine and from scheduler, retry and
// chaining goroutines.
func (d *Dispatcher) dispatch(msg *model.Message) {
	if wait := d.gate.Reserve(msg.Type); wait > 0 {
		d.logger.Debug("rate limit deferral", "type", msg.Type, "message_id", msg.ID, "wait", wait)
		select {
		case <-time.After(wait):
		case <-d.stopCh:
			d.finish(msg, model.Failed(msg, model.KindShutdown, "engine stopped during rate limit wait"))
			return
		}
	}

	reg, err := d.reg.Resolve(msg.Type)
	if err != nil {
		// The type was registered at submit time; losing it here means a
		// re-registration race. Surface it as a validation failure.
		d.finish(msg, model.Failed(msg, model.KindValidation, err.Error()))
		return
	}

	if reg.Mode == registry.ModeInline {
		d.complete(msg, d.execute(msg))
		return
	}

	if err := d.queue.Push(msg); err != nil {
		d.finish(msg, model.Failed(msg, model.KindShutdown, "engine stopped before message was queued"))
		return
	}
	queueDepth.Set(float64(d.queue.Len()))
}

// execute runs one attempt of msg on the backend its registration names
// and returns the attempt's result.
func (d *Dispatcher) execute(msg *model.Message) *model.Result {
	reg, err := d.reg.Resolve(msg.Type)
	if err != nil {
		return model.Failed(msg, model.KindValidation, err.Error())
	}

	start := time.Now()
	queueLatency.WithLabelValues(msg.Type).Observe(start.Sub(msg.CreatedAt).Seconds())

	ctx, cancel := context.WithTimeout(d.baseCtx, msg.Timeout())
	defer cancel()

	var res *model.Result
	if reg.Mode == registry.ModeProcess {
		res = d.corelets.Execute(ctx, msg)
	} else {
		res = d.runLocal(ctx, reg, msg)
	}

	taskDuration.WithLabelValues(msg.Type, string(reg.Mode)).Observe(time.Since(start).Seconds())
	return res
}

// runLocal invokes a handler in-process under cooperative cancellation.
// The handler receives ctx and is expected to honor it at safe points; on
// deadline the attempt is converted to a timeout result and the handler
// goroutine is left to wind down on its own. Panics become failure
// results; workers never die from handler failures.
func (d *Dispatcher) runLocal(ctx context.Context, reg registry.Registration, msg *model.Message) *model.Result {
	resCh := make(chan *model.Result, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				resCh <- model.Failed(msg, model.KindExecution, fmt.Sprintf("handler panic: %v", r))
			}
		}()

		data, err := reg.Factory().Process(ctx, msg)
		if err != nil {
			resCh <- model.Failed(msg, model.KindExecution, err.Error())
			return
		}
		resCh <- model.Succeeded(msg, data)
	}()

	select {
	case res := <-resCh:
		return res
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return model.Failed(msg, model.KindTimeout,
				fmt.Sprintf("handler exceeded %ds budget", msg.TimeoutS))
		}
		return model.Failed(msg, model.KindShutdown, "engine stopped during execution")
	}
}

// complete routes an attempt's result: failed attempts with remaining
// budget go to the retry coordinator, everything else is terminal.
func (d *Dispatcher) complete(msg *model.Message, res *model.Result) {
	retryable := !res.Success &&
		!msg.AbortOnError &&
		msg.RetryLeft > 0 &&
		res.Error != nil &&
		res.Error.Kind != model.KindShutdown

	if retryable {
		d.retrier.schedule(msg, res)
		return
	}
	d.finish(msg, res)
}

// finish delivers a terminal result: metrics, optional snapshot,
// follow-up chaining, then the sink. The sink key is the logical task's
// origin ID so callers can join on the ID Submit returned.
func (d *Dispatcher) finish(msg *model.Message, res *model.Result) {
	if res.Success {
		tasksProcessed.WithLabelValues(msg.Type, outcomeSucceeded).Inc()
	} else {
		tasksProcessed.WithLabelValues(msg.Type, outcomeFailed).Inc()
		d.logger.Warn("task failed",
			"message_id", msg.ID,
			"type", msg.Type,
			"kind", res.Error.Kind,
			"error", res.Error.Description,
			"attempts", res.Attempts,
		)
	}

	if d.snaps != nil {
		if err := d.snaps.SaveSnapshot(d.baseCtx, res); err != nil {
			d.logger.Error("snapshot write failed", "message_id", msg.ID, "error", err)
		}
	}

	d.chain(msg, res)
	d.sink.deliver(msg.Origin(), res)
	d.pending.done()
}

// chain submits the follow-up message a terminal result names, if any.
// Success chains carry the result data as payload; failure chains carry
// the original payload. AbortOnError suppresses failure chaining.
func (d *Dispatcher) chain(msg *model.Message, res *model.Result) {
	next := ""
	var payload []byte
	switch {
	case res.Success && msg.OnSuccess != "":
		next, payload = msg.OnSuccess, res.Data
	case !res.Success && msg.OnFailure != "" && !msg.AbortOnError:
		next, payload = msg.OnFailure, msg.Payload
	default:
		return
	}

	if d.stopping.Load() {
		d.logger.Debug("dropping follow-up during shutdown", "type", next, "origin", msg.ID)
		return
	}
	if _, err := d.reg.Resolve(next); err != nil {
		d.logger.Warn("follow-up type not registered", "type", next, "origin", msg.ID)
		return
	}

	fu := &model.Message{
		ID:        model.NewID(),
		Type:      next,
		Payload:   payload,
		Priority:  msg.Priority,
		TimeoutS:  d.cfg.DefaultTimeoutS,
		CreatedAt: time.Now().UTC(),
	}
	d.pending.add()
	go d.dispatch(fu)
}

// Shutdown stops the engine: intake closes immediately, the scheduler and
// retry coordinator resolve their pending work, and workers drain the
// queue until ctx expires, at which point in-flight handlers are cancelled
// and live corelets are torn down with the configured grace period.
func (d *Dispatcher) Shutdown(ctx context.Context, grace time.Duration) error {
	if !d.stopping.CompareAndSwap(false, true) {
		return ErrShutdown
	}
	d.logger.Info("dispatcher shutting down")
	close(d.stopCh)

	cronCtx := d.crontab.Stop()
	d.sched.stop()
	d.retrier.stop()
	d.queue.Close()

	workersDone := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(workersDone)
	}()

	var err error
	select {
	case <-workersDone:
	case <-ctx.Done():
		err = ctx.Err()
		d.cancel()
		<-workersDone
	}

	// Sweep any corelet that survived its supervisor.
	d.corelets.Shutdown(grace)
	<-cronCtx.Done()
	d.cancel()

	d.logger.Info("dispatcher stopped")
	return err
}
