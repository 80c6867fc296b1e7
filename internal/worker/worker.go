package worker

import (
	"context"
	"sync"
	"time"

	"github.com/UniQw/fetchq/internal/hctx"
	"github.com/UniQw/fetchq/internal/logging"
	"github.com/UniQw/fetchq/internal/queue"
	"github.com/UniQw/fetchq/internal/task"
	"github.com/UniQw/fetchq/internal/transfer"
)

// maxBackoff caps the pause between retry passes.
const maxBackoff = 30 * time.Second

// State is the worker's position in its loop.
type State int32

const (
	StateIdle State = iota
	StateTaking
	StateExecuting
	StateResting
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateTaking:
		return "taking"
	case StateExecuting:
		return "executing"
	case StateResting:
		return "resting"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Transfer is one cancellable fetch attempt.
type Transfer interface {
	Run(ctx context.Context) transfer.Outcome
	Cancel()
}

// Factory creates the transfer for key; progress receives percentages.
type Factory func(key string, progress func(percent int)) Transfer

// Cache is the part of the store the worker consults directly.
type Cache interface {
	Exists(key string) bool
	RemoveStaging(key string) error
}

// Observer learns when a task leaves a worker for good.
type Observer interface {
	// TaskFinished is called after the task completed or failed terminally.
	TaskFinished(w *Worker, t *task.Task)
	// TaskCancelled is called after the task was abandoned without a rest
	// callback to hand it to.
	TaskCancelled(w *Worker, t *task.Task)
}

// Config wires a worker to its collaborators.
type Config struct {
	ID          int
	Queue       *queue.Queue
	Cache       Cache
	NewTransfer Factory
	Observer    Observer
	// Backoff is the pause before the first replay after a recoverable
	// failure; it doubles on each further retry.
	Backoff time.Duration
	Logger  logging.Logger
}

// Worker repeatedly takes a task from the queue and drives it to completion.
type Worker struct {
	id          int
	q           *queue.Queue
	cache       Cache
	newTransfer Factory
	obs         Observer
	backoff     time.Duration
	log         logging.Logger

	mu        sync.Mutex
	state     State
	current   *task.Task
	live      Transfer
	abort     bool
	resting   bool
	wake      chan struct{}
	onYield   func(*task.Task)
	interrupt context.CancelFunc
}

// New creates a worker. Call Run to start its loop.
func New(cfg Config) *Worker {
	return &Worker{
		id:          cfg.ID,
		q:           cfg.Queue,
		cache:       cfg.Cache,
		newTransfer: cfg.NewTransfer,
		obs:         cfg.Observer,
		backoff:     cfg.Backoff,
		log:         logging.OrNop(cfg.Logger),
	}
}

// ID returns the worker's position in the pool.
func (w *Worker) ID() int { return w.id }

// State returns a snapshot of the loop state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Current returns the task being executed, or nil.
func (w *Worker) Current() *task.Task {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Idle reports whether the worker is blocked waiting for work.
func (w *Worker) Idle() bool { return w.State() == StateTaking }

// Resting reports whether a rest has been requested and not yet woken.
func (w *Worker) Resting() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.resting
}

// Rest asks the worker to pause: its live transfer is cancelled and it stops
// before the next sub-resource or before taking more work. onYield, if not
// nil, runs once on the worker goroutine when the pause is honored, with the
// abandoned task or nil when the worker was between tasks.
func (w *Worker) Rest(onYield func(displaced *task.Task)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.resting {
		w.resting = true
		w.wake = make(chan struct{})
	}
	if onYield != nil {
		w.onYield = onYield
	}
	if w.live != nil {
		w.live.Cancel()
	}
	if w.interrupt != nil {
		w.interrupt()
	}
}

// Wake resumes a resting worker. A rest whose callback has not fired yet
// cannot be woken.
func (w *Worker) Wake() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.resting && w.onYield == nil {
		w.resting = false
		close(w.wake)
	}
}

// Cancel abandons the current task if it matches key. It reports whether a
// matching task was found.
func (w *Worker) Cancel(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.current == nil || !w.current.Matches(key) {
		return false
	}
	w.abort = true
	if w.live != nil {
		w.live.Cancel()
	}
	if w.interrupt != nil {
		w.interrupt()
	}
	return true
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// Run executes the loop until ctx is done.
func (w *Worker) Run(ctx context.Context) {
	defer w.setState(StateStopped)
	w.log.Debugf("worker started: id=%d", w.id)
	for {
		if !w.awaitWake(ctx) {
			w.log.Debugf("worker stopped: id=%d", w.id)
			return
		}
		t, err := w.take(ctx)
		if err != nil {
			if ctx.Err() != nil {
				w.log.Debugf("worker stopped: id=%d", w.id)
				return
			}
			continue
		}
		w.execute(ctx, t)
	}
}

// awaitWake honors a pending rest. It returns false once ctx is done.
func (w *Worker) awaitWake(ctx context.Context) bool {
	for {
		if ctx.Err() != nil {
			return false
		}
		w.mu.Lock()
		if !w.resting {
			w.state = StateIdle
			w.mu.Unlock()
			return true
		}
		cb := w.onYield
		w.onYield = nil
		ch := w.wake
		w.state = StateResting
		w.mu.Unlock()

		if cb != nil {
			cb(nil)
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return false
		}
	}
}

// interruptible derives a context that Rest and Cancel can cut short.
func (w *Worker) interruptible(ctx context.Context) (context.Context, context.CancelFunc) {
	c, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	if w.resting || w.abort {
		cancel()
	} else {
		w.interrupt = cancel
	}
	w.mu.Unlock()
	return c, cancel
}

func (w *Worker) release(cancel context.CancelFunc) {
	w.mu.Lock()
	w.interrupt = nil
	w.mu.Unlock()
	cancel()
}

func (w *Worker) take(ctx context.Context) (*task.Task, error) {
	w.setState(StateTaking)
	tctx, cancel := w.interruptible(ctx)
	defer w.release(cancel)
	t, err := w.q.Take(tctx)
	if err != nil {
		return nil, err
	}
	w.mu.Lock()
	w.current = t
	w.abort = false
	w.state = StateExecuting
	w.mu.Unlock()
	return t, nil
}

func (w *Worker) clearCurrent() {
	w.mu.Lock()
	w.current = nil
	w.abort = false
	w.mu.Unlock()
}

func (w *Worker) restRequested() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.resting
}

func (w *Worker) aborted() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.abort
}

// yield hands t to the pending rest callback, or reports it cancelled.
func (w *Worker) yield(t *task.Task) {
	w.mu.Lock()
	cb := w.onYield
	w.onYield = nil
	w.current = nil
	w.mu.Unlock()
	if cb != nil {
		w.log.Debugf("task displaced: worker=%d tag=%s", w.id, t.Tag())
		cb(t)
		return
	}
	w.obs.TaskCancelled(w, t)
}

func (w *Worker) execute(ctx context.Context, t *task.Task) {
	defer w.clearCurrent()
	for {
		switch {
		case ctx.Err() != nil:
			w.obs.TaskCancelled(w, t)
			return
		case w.aborted():
			w.log.Debugf("task cancelled: worker=%d tag=%s", w.id, t.Tag())
			w.obs.TaskCancelled(w, t)
			return
		case w.restRequested():
			w.yield(t)
			return
		}

		key := t.Next()
		if w.cache.Exists(key) {
			t.NotifyComplete(key)
		} else {
			out := w.fetch(ctx, t, key)
			switch out.Kind {
			case transfer.Success:
				t.NotifyComplete(key)
			case transfer.Cancelled:
				// A user cancel wins over a rest; awaitWake then yields nil.
				if ctx.Err() == nil && !w.aborted() && w.restRequested() {
					w.yield(t)
				} else {
					w.log.Debugf("task cancelled: worker=%d tag=%s key=%s", w.id, t.Tag(), key)
					w.obs.TaskCancelled(w, t)
				}
				return
			case transfer.Unrecoverable:
				if transfer.IsStale(out.Err) {
					if err := w.cache.RemoveStaging(key); err != nil {
						w.log.Warnf("discard staging failed: key=%s err=%v", key, err)
					}
				}
				w.log.Warnf("transfer failed: worker=%d tag=%s key=%s err=%v", w.id, t.Tag(), key, out.Err)
				t.NotifyError(out.Err.Error())
				w.obs.TaskFinished(w, t)
				return
			case transfer.Recoverable:
				if err := t.Retry().Retry(out.Err); err != nil {
					w.log.Warnf("transfer failed: worker=%d tag=%s key=%s err=%v", w.id, t.Tag(), key, err)
					t.NotifyError(err.Error())
					w.obs.TaskFinished(w, t)
					return
				}
				w.log.Infof("transfer retry: worker=%d tag=%s key=%s try=%d err=%v", w.id, t.Tag(), key, t.Retry().Tries(), out.Err)
				w.pause(ctx, w.backoffFor(t.Retry().Tries()))
			}
		}

		if !t.HasMore() {
			w.log.Debugf("task done: worker=%d tag=%s", w.id, t.Tag())
			w.obs.TaskFinished(w, t)
			return
		}
	}
}

func (w *Worker) fetch(ctx context.Context, t *task.Task, key string) transfer.Outcome {
	tr := w.newTransfer(key, func(p int) { t.NotifyProgress(p, key) })
	w.mu.Lock()
	w.live = tr
	if w.resting || w.abort {
		tr.Cancel()
	}
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.live = nil
		w.mu.Unlock()
	}()
	st := hctx.New(w.id, t.Tag(), t.Retry().Tries()+1)
	return tr.Run(hctx.WithState(ctx, st))
}

func (w *Worker) backoffFor(tries int) time.Duration {
	if w.backoff <= 0 || tries <= 0 {
		return 0
	}
	d := w.backoff << (tries - 1)
	if d <= 0 || d > maxBackoff {
		return maxBackoff
	}
	return d
}

// pause sleeps for d unless ctx is done or the worker is asked to rest or cancel.
func (w *Worker) pause(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	pctx, cancel := w.interruptible(ctx)
	defer w.release(cancel)
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-pctx.Done():
	}
}
