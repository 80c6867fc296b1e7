// Package fetchq downloads remote resources in the background through a fixed
// pool of workers sharing one queue. Transfers resume from partial files,
// results land in a size-bounded disk cache, and queued or running work can be
// cancelled or displaced by priority requests.
package fetchq

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/UniQw/fetchq/internal/cache"
	"github.com/UniQw/fetchq/internal/queue"
	rtm "github.com/UniQw/fetchq/internal/runtime"
	"github.com/UniQw/fetchq/internal/task"
	"github.com/UniQw/fetchq/internal/transfer"
	"github.com/UniQw/fetchq/internal/worker"
)

// Request is one independent download passed to AddRequests.
type Request struct {
	Key      string
	Listener Listener
	Tag      string
}

// Manager schedules downloads onto its worker pool.
type Manager struct {
	cfg       Config
	log       Logger
	policy    NetworkPolicy
	storage   StoragePolicy
	tokens    TokenStore
	client    *http.Client
	ownClient bool
	cache     *cache.Cache
	q         *queue.Queue
	rt        *rtm.Runtime

	mu         sync.Mutex
	inflight   map[string]int
	displacing bool
	paused     bool
	started    bool
	stopped    bool
}

// New validates cfg, prepares the cache directory and builds the worker
// pool. Call Start to begin processing.
func New(cfg Config) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Manager{
		cfg:      cfg,
		log:      cfg.Logger,
		policy:   cfg.Policy,
		storage:  cfg.Storage,
		tokens:   cfg.Tokens,
		client:   cfg.HTTPClient,
		q:        queue.New(),
		inflight: make(map[string]int),
	}
	if m.log == nil {
		m.log = NewFmtLogger()
	}
	if m.policy == nil {
		m.policy = AllowAll
	}
	if m.storage == nil {
		m.storage = DiskStorage
	}
	if m.tokens == nil {
		m.tokens = NewMemoryTokens()
	}
	if m.client == nil {
		m.client = transfer.NewClient(cfg.ConnectTimeout, cfg.ReadTimeout)
		m.ownClient = true
	}

	c, err := cache.New(cfg.CacheDir, cache.Limits{
		MaxBytes: int64(cfg.CacheMaxBytes),
		MaxFiles: cfg.CacheMaxFiles,
	}, m.log)
	if err != nil {
		return nil, fmt.Errorf("fetchq: open cache: %w", err)
	}
	m.cache = c

	fetcher := &transfer.Fetcher{
		Client:         m.client,
		Store:          c,
		Tokens:         m.tokens,
		ReadTimeout:    cfg.ReadTimeout,
		MaxContentSize: int64(cfg.MaxContentSize),
		Log:            m.log,
	}
	m.rt = rtm.New(rtm.Config{
		Concurrency: cfg.Concurrency,
		Queue:       m.q,
		Cache:       c,
		NewTransfer: func(key string, progress func(int)) worker.Transfer {
			return fetcher.New(key, progress)
		},
		Observer: observer{m},
		Backoff:  cfg.RetryBackoff,
		Logger:   m.log,
	})
	return m, nil
}

// Start launches the workers. It is idempotent and non-blocking.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.started || m.stopped {
		m.log.Warnf("manager already started; ignoring Start()")
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()
	m.log.Infof("starting manager: concurrency=%d cache=%s", m.rt.CfgConcurrency(), m.cache.Root())
	m.rt.Start()
}

// Stop cancels running transfers, waits for the workers to exit and flushes
// the cache's background work. Staging files are kept for a later resume.
// Stopping a Manager that was never started only releases its resources; it
// cannot be started afterwards.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.started {
		first := !m.stopped
		m.stopped = true
		m.mu.Unlock()
		if !first {
			m.log.Warnf("manager not started; ignoring Stop()")
			return
		}
		m.log.Infof("manager never started; releasing cache")
		m.close()
		return
	}
	m.started = false
	m.stopped = true
	m.mu.Unlock()
	m.log.Infof("stopping manager: queued=%d", m.q.Len())
	m.rt.Stop()
	m.close()
}

func (m *Manager) close() {
	m.cache.Close()
	if m.ownClient {
		m.client.CloseIdleConnections()
	}
}

func (m *Manager) isStopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

// admit consults the network and storage policies, reporting a refusal
// through l.
func (m *Manager) admit(l Listener) error {
	if !m.policy.DownloadAllowed() {
		l.OnError(ErrDownloadNotAllowed.Error())
		return ErrDownloadNotAllowed
	}
	if m.cfg.MinFreeStorage <= 0 {
		return nil
	}
	free, err := m.storage.FreeBytes(m.cache.Root())
	switch {
	case errors.Is(err, errStatUnsupported):
	case err != nil:
		m.log.Warnf("free space check failed: dir=%s err=%v", m.cache.Root(), err)
	case free < int64(m.cfg.MinFreeStorage):
		err := fmt.Errorf("%w: free=%d min=%d", ErrInsufficientStorage, free, m.cfg.MinFreeStorage)
		l.OnError(err.Error())
		return err
	}
	return nil
}

func (m *Manager) ongoingLocked(key string) bool { return m.inflight[key] > 0 }

// registerLocked records every key of t unless its identity is already in flight.
func (m *Manager) registerLocked(t *task.Task) bool {
	if m.ongoingLocked(t.Identity()) {
		return false
	}
	for _, k := range t.Keys() {
		m.inflight[k]++
	}
	return true
}

func (m *Manager) release(t *task.Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range t.Keys() {
		if m.inflight[k] <= 1 {
			delete(m.inflight, k)
			continue
		}
		m.inflight[k]--
	}
}

func newTask(keys []string, batch bool, l Listener, opts []Option) *task.Task {
	var t *task.Task
	if batch {
		t = task.NewCompound(keys, l)
	} else {
		t = task.New(keys[0], l)
	}
	t.SetTag(buildOptions(opts).tag)
	return t
}

// Add enqueues a download of key. A key already queued or running is dropped
// with ErrDuplicateTask and no listener call. When the network policy refuses
// the download, l.OnError fires and ErrDownloadNotAllowed is returned.
func (m *Manager) Add(key string, l Listener, opts ...Option) error {
	if key == "" {
		return ErrInvalidKey
	}
	return m.enqueue(newTask([]string{key}, false, orNop(l), opts))
}

// AddBatched enqueues keys as one task with a single progress timeline on l.
// The first key identifies the batch for deduplication and cancellation.
// Empty or repeated keys are rejected with ErrInvalidKey.
func (m *Manager) AddBatched(keys []string, l Listener, opts ...Option) error {
	if len(keys) == 0 {
		return ErrInvalidKey
	}
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if k == "" {
			return ErrInvalidKey
		}
		if _, dup := seen[k]; dup {
			return fmt.Errorf("%w: repeated in batch: %s", ErrInvalidKey, k)
		}
		seen[k] = struct{}{}
	}
	l = orNop(l)
	return m.enqueue(newTask(keys, true, newBatchListener(l, keys), opts))
}

// AddRequests adds each request independently. Every failure is returned
// joined; duplicates are included.
func (m *Manager) AddRequests(reqs ...Request) error {
	var errs []error
	for _, r := range reqs {
		if err := m.Add(r.Key, r.Listener, Tag(r.Tag)); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r.Key, err))
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) enqueue(t *task.Task) error {
	if m.isStopped() {
		return ErrStopped
	}
	if err := m.admit(listenerOf(t)); err != nil {
		return err
	}
	m.mu.Lock()
	ok := m.registerLocked(t)
	m.mu.Unlock()
	if !ok {
		m.log.Debugf("ongoing task detected; request dropped: key=%s", t.Identity())
		return ErrDuplicateTask
	}
	m.q.PushBack(t)
	m.log.Debugf("task queued: tag=%s keys=%d queued=%d", t.Tag(), t.Len(), m.q.Len())
	return nil
}

// listenerOf lets admit report refusals on the listener the task was built
// with, batch aggregation included.
func listenerOf(t *task.Task) Listener {
	return taskListener{t}
}

type taskListener struct{ t *task.Task }

func (l taskListener) OnProgress(p int, key string) { l.t.NotifyProgress(p, key) }
func (l taskListener) OnComplete(key string)        { l.t.NotifyComplete(key) }
func (l taskListener) OnError(msg string)           { l.t.NotifyError(msg) }

// Prioritize runs key ahead of everything queued. If a worker is idle the
// task is simply placed at the front. Otherwise the last worker abandons its
// task, which is requeued right behind the new one with its listener moved to
// a fresh copy, and the worker picks the new task first.
func (m *Manager) Prioritize(key string, l Listener, opts ...Option) error {
	if key == "" {
		return ErrInvalidKey
	}
	if m.isStopped() {
		return ErrStopped
	}
	m.mu.Lock()
	ongoing := m.ongoingLocked(key)
	m.mu.Unlock()
	if ongoing {
		m.log.Debugf("same task detected; prioritize dropped: key=%s", key)
		return ErrDuplicateTask
	}
	l = orNop(l)
	if err := m.admit(l); err != nil {
		return err
	}
	t := newTask([]string{key}, false, l, opts)

	m.mu.Lock()
	if !m.registerLocked(t) {
		m.mu.Unlock()
		m.log.Debugf("same task detected; prioritize dropped: key=%s", key)
		return ErrDuplicateTask
	}
	last := m.rt.Last()
	if !m.started || m.paused || m.displacing || last == nil || last.Resting() || m.rt.HasIdle() {
		m.mu.Unlock()
		m.q.PushFront(t)
		m.log.Debugf("task prioritized: tag=%s key=%s queued=%d", t.Tag(), key, m.q.Len())
		return nil
	}
	m.displacing = true
	m.mu.Unlock()

	m.log.Debugf("displacing worker for priority task: worker=%d key=%s", last.ID(), key)
	last.Rest(func(displaced *task.Task) {
		m.reschedule(last, t, displaced)
	})
	return nil
}

// reschedule runs on the displaced worker's goroutine once it has let go of
// its task.
func (m *Manager) reschedule(w *worker.Worker, priority, displaced *task.Task) {
	var requeued *task.Task
	if displaced != nil {
		requeued = displaced.Clone()
		displaced.Release()
	}
	m.q.Rebuild(func(held []*task.Task) []*task.Task {
		out := make([]*task.Task, 0, len(held)+2)
		out = append(out, priority)
		if requeued != nil {
			out = append(out, requeued)
		}
		return append(out, held...)
	})

	m.mu.Lock()
	m.displacing = false
	paused := m.paused
	m.mu.Unlock()
	m.log.Debugf("queue rebuilt after displacement: worker=%d displaced=%t queued=%d", w.ID(), requeued != nil, m.q.Len())
	if !paused {
		w.Wake()
	}
}

// Cancel removes a queued task matching key, or stops the running one. A
// queued task is dropped silently; a running one stops at its next read. It
// reports whether a matching task was found.
func (m *Manager) Cancel(key string) bool {
	if t, ok := m.q.RemoveFirst(func(t *task.Task) bool { return t.Matches(key) }); ok {
		m.release(t)
		m.log.Debugf("task removed from queue: tag=%s key=%s", t.Tag(), key)
		return true
	}
	if m.rt.Cancel(key) {
		m.log.Debugf("running task cancelled: key=%s", key)
		return true
	}
	return false
}

// CancelAll pauses every worker and abandons their running tasks. Queued
// tasks stay queued until ResumeAll.
func (m *Manager) CancelAll() {
	m.mu.Lock()
	m.paused = true
	m.mu.Unlock()
	m.rt.RestAll()
	m.log.Infof("all workers paused: queued=%d", m.q.Len())
}

// ResumeAll wakes workers paused by CancelAll.
func (m *Manager) ResumeAll() {
	m.mu.Lock()
	m.paused = false
	m.mu.Unlock()
	m.rt.WakeAll()
	m.log.Infof("workers resumed: queued=%d", m.q.Len())
}

// ConnectivityChanged is the hook for host connectivity events. It only
// records the transition; policy decisions stay with the NetworkPolicy.
func (m *Manager) ConnectivityChanged(state ConnectivityState) {
	m.log.Infof("connectivity changed: state=%s queued=%d", state, m.q.Len())
}

// AllCached reports whether every key has a complete artifact.
func (m *Manager) AllCached(keys ...string) bool {
	for _, k := range keys {
		if !m.cache.Exists(k) {
			return false
		}
	}
	return true
}

// CachedFile returns the artifact path for key when it is complete.
func (m *Manager) CachedFile(key string) (string, bool) {
	if !m.cache.Exists(key) {
		return "", false
	}
	return m.cache.Artifact(key), true
}

// RemoveCached deletes the artifacts and freshness token for key.
func (m *Manager) RemoveCached(ctx context.Context, key string) error {
	return errors.Join(m.cache.RemoveByKey(key), m.tokens.Clear(ctx, key))
}

// ClearCache removes every artifact not currently being written and waits
// for the pass to finish.
func (m *Manager) ClearCache() {
	m.cache.ClearAll()
	m.cache.Wait()
}

// CacheUsage returns the bytes and file count held by complete artifacts.
func (m *Manager) CacheUsage() (int64, int, error) { return m.cache.Usage() }

// ListTasks returns the tasks in state, optionally narrowed by filter.
func (m *Manager) ListTasks(state State, filter TaskFilter) ([]*TaskInfo, error) {
	var out []*TaskInfo
	keep := func(ti *TaskInfo) {
		if filter == nil || filter(ti) {
			out = append(out, ti)
		}
	}
	switch state {
	case StatePending:
		for _, t := range m.q.Snapshot() {
			keep(newTaskInfo(t, StatePending, -1))
		}
	case StateActive:
		for _, s := range m.rt.Running() {
			keep(newTaskInfo(s.Task, StateActive, s.Worker))
		}
	default:
		return nil, ErrUnknownState
	}
	return out, nil
}

// observer receives task lifecycle events from the workers.
type observer struct{ m *Manager }

func (o observer) TaskFinished(_ *worker.Worker, t *task.Task) { o.m.release(t) }

func (o observer) TaskCancelled(_ *worker.Worker, t *task.Task) { o.m.release(t) }
