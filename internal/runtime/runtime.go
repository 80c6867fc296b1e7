package runtime

import (
	"context"
	"sync"
	"time"

	"github.com/UniQw/fetchq/internal/logging"
	"github.com/UniQw/fetchq/internal/queue"
	"github.com/UniQw/fetchq/internal/task"
	"github.com/UniQw/fetchq/internal/worker"
)

// Logger is a minimal logging interface used internally by the runtime.
type Logger = logging.Logger

type Config struct {
	Concurrency int
	Queue       *queue.Queue
	Cache       worker.Cache
	NewTransfer worker.Factory
	Observer    worker.Observer
	Backoff     time.Duration
	Logger      Logger
}

// Runtime owns a fixed pool of workers sharing one queue.
type Runtime struct {
	cfg     Config
	workers []*worker.Worker
	wg      sync.WaitGroup
	mu      sync.Mutex
	started bool
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc
	log     Logger
}

// New creates the pool. Workers exist immediately but only run after Start.
func New(cfg Config) *Runtime {
	ctx, cancel := context.WithCancel(context.Background())
	lg := logging.OrNop(cfg.Logger)
	ws := make([]*worker.Worker, 0, cfg.Concurrency)
	for i := 0; i < cfg.Concurrency; i++ {
		ws = append(ws, worker.New(worker.Config{
			ID:          i,
			Queue:       cfg.Queue,
			Cache:       cfg.Cache,
			NewTransfer: cfg.NewTransfer,
			Observer:    cfg.Observer,
			Backoff:     cfg.Backoff,
			Logger:      lg,
		}))
	}
	return &Runtime{cfg: cfg, workers: ws, ctx: ctx, cancel: cancel, log: lg}
}

// Start launches one goroutine per worker.
func (rt *Runtime) Start() {
	rt.mu.Lock()
	if rt.started || rt.stopped {
		rt.log.Warnf("runtime already started; ignoring Start()")
		rt.mu.Unlock()
		return
	}
	rt.started = true
	rt.mu.Unlock()
	rt.log.Infof("runtime starting: concurrency=%d", len(rt.workers))

	for _, w := range rt.workers {
		rt.wg.Add(1)
		go func(w *worker.Worker) {
			defer rt.wg.Done()
			w.Run(rt.ctx)
		}(w)
	}
}

// Stop cancels every worker and waits for their loops to exit. A stopped
// runtime cannot be restarted.
func (rt *Runtime) Stop() {
	rt.mu.Lock()
	if !rt.started {
		rt.log.Warnf("runtime not started; ignoring Stop()")
		rt.mu.Unlock()
		return
	}
	rt.started = false
	rt.stopped = true
	rt.mu.Unlock()
	rt.log.Infof("runtime stopping")

	rt.cancel()
	rt.wg.Wait()
}

// Last returns the last worker in pool order, or nil for an empty pool.
func (rt *Runtime) Last() *worker.Worker {
	if len(rt.workers) == 0 {
		return nil
	}
	return rt.workers[len(rt.workers)-1]
}

// HasIdle reports whether any worker is blocked waiting for work.
func (rt *Runtime) HasIdle() bool {
	for _, w := range rt.workers {
		if w.Idle() {
			return true
		}
	}
	return false
}

// RestAll pauses every worker and cancels their live transfers.
func (rt *Runtime) RestAll() {
	for _, w := range rt.workers {
		w.Rest(nil)
	}
}

// WakeAll resumes every resting worker.
func (rt *Runtime) WakeAll() {
	for _, w := range rt.workers {
		w.Wake()
	}
}

// Cancel asks the worker running a task that matches key to abandon it.
func (rt *Runtime) Cancel(key string) bool {
	for _, w := range rt.workers {
		if w.Cancel(key) {
			return true
		}
	}
	return false
}

// Slot pairs a running task with the worker holding it.
type Slot struct {
	Worker int
	Task   *task.Task
}

// Running returns the tasks currently held by workers, in pool order.
func (rt *Runtime) Running() []Slot {
	out := make([]Slot, 0, len(rt.workers))
	for _, w := range rt.workers {
		if t := w.Current(); t != nil {
			out = append(out, Slot{Worker: w.ID(), Task: t})
		}
	}
	return out
}

// CfgConcurrency returns the pool size.
func (rt *Runtime) CfgConcurrency() int { return len(rt.workers) }
