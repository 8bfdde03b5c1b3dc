package attachment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/italolelis/attachment_downloader/internal/logctx"
	"github.com/italolelis/attachment_downloader/internal/telemetry"
)

const (
	defaultMaxConcurrent   = 3
	defaultRenderCacheSize = 512
)

// Options configures a Queue. Zero values select the defaults.
type Options struct {
	MaxConcurrent int

	// MaxRetries bounds automatic retries of failed attempts. Zero disables
	// them; failed tasks then wait for an explicit Retry or Redownload.
	MaxRetries           int
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration

	// StallTimeout fails a downloading task that has not produced any backend
	// event for this long. Zero disables the watchdog.
	StallTimeout time.Duration

	RenderCacheSize int

	Telemetry *telemetry.Telemetry
	Logger    *slog.Logger
	Clock     func() time.Time
	NewID     func() string
}

// TaskHandle is what Enqueue hands back to callers.
type TaskHandle struct {
	TaskID     string `json:"task_id,omitempty"`
	TargetID   string `json:"target_id"`
	Cached     bool   `json:"cached"`
	CachedPath string `json:"cached_path,omitempty"`
}

// Queue is the admission and scheduling authority for attachment downloads
// and the only component that creates, starts or destroys Tasks. All state
// lives behind one mutex; backend requests are issued without blocking and
// their results come back through HandleEvent.
type Queue struct {
	backend   Backend
	cache     DiskCache
	opts      Options
	logger    *slog.Logger
	telemetry *telemetry.Telemetry

	mu            sync.Mutex
	seq           uint64
	tasks         []*Task
	byID          map[string]*Task
	byHash        map[string]*Task
	byCorrelation map[string]*Task
	suspended     bool
	closed        bool
	retryTimers   map[string]*time.Timer
	backoffs      map[string]*backoff.ExponentialBackOff

	renders    *lru.Cache[string, RenderState]
	reg        *registry
	dispatcher *dispatcher
	stale      atomic.Int64
}

// NewQueue creates a Queue on top of the given backend and disk cache.
func NewQueue(backend Backend, cache DiskCache, opts Options) (*Queue, error) {
	if backend == nil {
		return nil, errors.New("attachment queue requires a backend")
	}

	if cache == nil {
		return nil, errors.New("attachment queue requires a disk cache")
	}

	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = defaultMaxConcurrent
	}

	if opts.RenderCacheSize <= 0 {
		opts.RenderCacheSize = defaultRenderCacheSize
	}

	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}

	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	renders, err := lru.New[string, RenderState](opts.RenderCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create render cache: %w", err)
	}

	reg := newRegistry()

	return &Queue{
		backend:       backend,
		cache:         cache,
		opts:          opts,
		logger:        opts.Logger,
		telemetry:     opts.Telemetry,
		byID:          make(map[string]*Task),
		byHash:        make(map[string]*Task),
		byCorrelation: make(map[string]*Task),
		retryTimers:   make(map[string]*time.Timer),
		backoffs:      make(map[string]*backoff.ExponentialBackOff),
		renders:       renders,
		reg:           reg,
		dispatcher:    &dispatcher{reg: reg, logger: opts.Logger},
	}, nil
}

// MaxConcurrent is the ceiling of simultaneously downloading tasks.
func (q *Queue) MaxConcurrent() int {
	return q.opts.MaxConcurrent
}

// Enqueue asks for target to be materialized locally. It returns a
// *DuplicateTargetError if a live task already covers target.HashOrURL, and a
// handle with Cached set when the disk cache already holds the content.
func (q *Queue) Enqueue(ctx context.Context, target Target) (TaskHandle, error) {
	logger := logctx.LoggerFromContext(ctx).With("target_id", target.ID, "kind", target.Kind.String())

	if target.ID == "" || target.HashOrURL == "" {
		return TaskHandle{}, fmt.Errorf("invalid target: id and hash_or_url are required")
	}

	if h, ok := q.liveHandle(target.HashOrURL); ok {
		q.telemetry.RecordEnqueue(ctx, "duplicate")

		return TaskHandle{}, &DuplicateTargetError{HashOrURL: target.HashOrURL, Existing: h}
	}

	if path, ok := q.cachedPath(ctx, target); ok {
		logger.DebugContext(ctx, "attachment served from disk cache", "path", path)

		rs := CachedRenderState(target)
		q.renders.Add(target.ID, rs)
		q.dispatcher.push(notification{
			snapshot: Snapshot{Target: target, State: StateCompleted, ProgressPercent: 100, CachedPath: path},
			render:   rs,
		})
		q.dispatcher.drain()
		q.telemetry.RecordEnqueue(ctx, "cached")

		return TaskHandle{TargetID: target.ID, Cached: true, CachedPath: path}, nil
	}

	q.mu.Lock()

	if existing, ok := q.byHash[target.HashOrURL]; ok {
		q.mu.Unlock()
		q.telemetry.RecordEnqueue(ctx, "duplicate")

		return TaskHandle{}, &DuplicateTargetError{HashOrURL: target.HashOrURL, Existing: handleOf(existing)}
	}

	if q.closed {
		q.mu.Unlock()

		return TaskHandle{}, errors.New("attachment queue is closed")
	}

	q.seq++
	t := newTask(q.opts.NewID(), q.seq, target, q.backend, q.opts.NewID, q.opts.Clock)
	q.tasks = append(q.tasks, t)
	q.byID[t.id] = t
	q.byHash[target.HashOrURL] = t
	q.changed(ctx, t, StateUndefined, "")
	q.promote(ctx)
	h := handleOf(t)

	q.mu.Unlock()
	q.dispatcher.drain()

	q.telemetry.RecordEnqueue(ctx, "queued")
	logger.InfoContext(ctx, "attachment enqueued", "task_id", h.TaskID)

	return h, nil
}

// Pause suspends a downloading task on the user's behalf. A task already held
// by connectivity, the backend or a full queue becomes user-paused instead.
// User-paused tasks are never started again automatically.
func (q *Queue) Pause(ctx context.Context, taskID string) error {
	return q.control(ctx, taskID, "pause", func(t *Task) error {
		return t.Pause(PauseByUser)
	})
}

// Resume continues a paused task, whatever paused it. When no slot is free
// the task stays paused and is resumed by promotion as soon as one frees up.
func (q *Queue) Resume(ctx context.Context, taskID string) error {
	return q.control(ctx, taskID, "resume", func(t *Task) error {
		if t.state != StatePaused {
			return &InvalidTransitionError{Op: "resume", From: t.state}
		}

		if q.suspended || q.activeCount() >= q.opts.MaxConcurrent {
			t.pauseReason = PauseAwaitingSlot

			return nil
		}

		return t.Resume()
	})
}

// Cancel abandons a task and removes it from the queue immediately.
func (q *Queue) Cancel(ctx context.Context, taskID string) error {
	return q.control(ctx, taskID, "cancel", func(t *Task) error {
		return t.Cancel()
	})
}

// Retry puts a failed task back in line.
func (q *Queue) Retry(ctx context.Context, taskID string) error {
	return q.control(ctx, taskID, "retry", func(t *Task) error {
		q.stopRetryTimer(t.id)

		return t.requeue()
	})
}

// Redownload cancels any live task for target and enqueues it afresh.
func (q *Queue) Redownload(ctx context.Context, target Target) (TaskHandle, error) {
	q.mu.Lock()

	if t, ok := q.byHash[target.HashOrURL]; ok {
		if err := q.mutate(ctx, t, t.Cancel); err != nil {
			q.mu.Unlock()

			return TaskHandle{}, fmt.Errorf("failed to cancel previous attempt: %w", err)
		}
	}

	q.mu.Unlock()
	q.dispatcher.drain()

	return q.Enqueue(ctx, target)
}

// PauseAll pauses every downloading task and holds promotion until ResumeAll.
// Tasks that are already paused keep their pause reason.
func (q *Queue) PauseAll(ctx context.Context) {
	q.mu.Lock()

	q.suspended = true
	paused := 0

	for _, t := range q.tasks {
		if t.state != StateDownloading {
			continue
		}

		if err := q.mutate(ctx, t, func() error { return t.Pause(PauseByConnectivity) }); err == nil {
			paused++
		}
	}

	q.mu.Unlock()
	q.dispatcher.drain()

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "paused all attachment downloads", "paused", paused)
}

// ResumeAll lifts the hold placed by PauseAll and restarts only the single
// earliest eligible task. Further slots are filled by promotion as tasks
// complete, so a reconnect never resumes everything at once.
func (q *Queue) ResumeAll(ctx context.Context) {
	q.mu.Lock()

	q.suspended = false

	var resumed string

	if q.activeCount() < q.opts.MaxConcurrent {
		if t := q.nextEligible(); t != nil {
			if err := q.mutate(ctx, t, q.admit(t)); err == nil {
				resumed = t.id
			}
		}
	}

	q.mu.Unlock()
	q.dispatcher.drain()

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "resumed attachment downloads", "task_id", resumed)
}

// HandleEvent routes a backend event to the task owning its correlation id.
// Events for superseded, cancelled or finished attempts are counted and
// dropped.
func (q *Queue) HandleEvent(ctx context.Context, ev Event) {
	q.mu.Lock()

	t, ok := q.byCorrelation[ev.CorrelationID]

	var err error
	if !ok {
		err = ErrStaleEvent
	} else {
		err = q.mutate(ctx, t, func() error { return t.HandleEvent(ev) })
	}

	// only a task leaving Downloading frees a slot
	if err == nil && t.state != StateDownloading {
		q.promote(ctx)
	}

	q.mu.Unlock()
	q.dispatcher.drain()

	if errors.Is(err, ErrStaleEvent) {
		q.stale.Add(1)
		q.telemetry.RecordStaleEvent(ctx, ev.Type.String())
		logctx.LoggerFromContext(ctx).DebugContext(ctx, "stale attachment event ignored",
			"correlation_id", ev.CorrelationID, "event", ev.Type.String())
	}
}

// Run consumes backend events until ctx is done or the channel is closed, and
// drives the stall watchdog when one is configured.
func (q *Queue) Run(ctx context.Context, events <-chan Event) {
	logger := logctx.LoggerFromContext(ctx)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("attachment queue panic",
				"operation", "run",
				"panic", r,
				"stack", string(debug.Stack()))

			if ctx.Err() == nil {
				time.Sleep(time.Second)
				q.Run(ctx, events)
			}
		}
	}()

	var watchdog <-chan time.Time

	if q.opts.StallTimeout > 0 {
		ticker := time.NewTicker(q.opts.StallTimeout / 2)
		defer ticker.Stop()

		watchdog = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			logger.Info("attachment queue shutdown", "reason", "context_cancelled")

			return
		case ev, ok := <-events:
			if !ok {
				logger.Info("attachment queue shutdown", "reason", "backend_events_closed")

				return
			}

			q.HandleEvent(ctx, ev)
		case <-watchdog:
			q.ExpireStalled(ctx)
		}
	}
}

// ExpireStalled fails every downloading task that has been silent for longer
// than the configured StallTimeout.
func (q *Queue) ExpireStalled(ctx context.Context) int {
	if q.opts.StallTimeout <= 0 {
		return 0
	}

	q.mu.Lock()

	now := q.opts.Clock()
	expired := 0

	for _, t := range slices.Clone(q.tasks) {
		if !t.stalled(now, q.opts.StallTimeout) {
			continue
		}

		_ = q.mutate(ctx, t, func() error {
			t.expire("stalled")

			return nil
		})
		expired++
	}

	if expired > 0 {
		q.promote(ctx)
	}

	q.mu.Unlock()
	q.dispatcher.drain()

	if expired > 0 {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "expired stalled attachment downloads", "count", expired)
	}

	return expired
}

// Subscribe registers fn for RenderState updates of targetID. If the target
// has a known state, fn receives it right away so a reattached view can
// redraw without waiting for the next transition.
func (q *Queue) Subscribe(targetID string, fn func(RenderState)) *Subscription {
	sub := q.reg.add(targetID, subscriber{onRender: fn})

	// queued under mu so it cannot overtake a later transition's broadcast
	q.mu.Lock()
	if rs, ok := q.renderStateLocked(targetID); ok {
		q.dispatcher.push(notification{render: rs, only: sub.id})
	}
	q.mu.Unlock()

	q.dispatcher.drain()

	return sub
}

// SubscribeAll registers fn for every task transition.
func (q *Queue) SubscribeAll(fn func(Snapshot)) *Subscription {
	return q.reg.add(globalKey, subscriber{onChange: fn})
}

// RenderState returns the current projection for targetID, falling back to
// the last state broadcast for it.
func (q *Queue) RenderState(targetID string) (RenderState, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.renderStateLocked(targetID)
}

func (q *Queue) renderStateLocked(targetID string) (RenderState, bool) {
	for _, t := range q.tasks {
		if t.target.ID == targetID {
			return Project(t.Snapshot()), true
		}
	}

	return q.renders.Get(targetID)
}

// Snapshot returns a copy of a live task.
func (q *Queue) Snapshot(taskID string) (Snapshot, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.byID[taskID]
	if !ok {
		return Snapshot{}, false
	}

	return t.Snapshot(), true
}

// Snapshots returns copies of every live task in admission order.
func (q *Queue) Snapshots() []Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()

	ordered := q.ordered()
	out := make([]Snapshot, 0, len(ordered))

	for _, t := range ordered {
		out = append(out, t.Snapshot())
	}

	return out
}

// ActiveCount returns the number of tasks currently downloading.
func (q *Queue) ActiveCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.activeCount()
}

// StaleEvents returns how many backend events were dropped by the
// correlation guard.
func (q *Queue) StaleEvents() int64 {
	return q.stale.Load()
}

// Close stops pending retry timers and rejects further enqueues.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true

	for id := range q.retryTimers {
		q.stopRetryTimer(id)
	}
}

func (q *Queue) control(ctx context.Context, taskID, op string, fn func(*Task) error) error {
	q.mu.Lock()

	t, ok := q.byID[taskID]
	if !ok {
		q.mu.Unlock()

		return fmt.Errorf("failed to %s task %s: %w", op, taskID, ErrTaskNotFound)
	}

	err := q.mutate(ctx, t, func() error { return fn(t) })
	if err == nil {
		q.promote(ctx)
	}

	q.mu.Unlock()
	q.dispatcher.drain()

	logger := logctx.LoggerFromContext(ctx).With("task_id", taskID, "operation", op)
	if err != nil {
		logger.WarnContext(ctx, "attachment control rejected", "err", err)

		return err
	}

	logger.InfoContext(ctx, "attachment control applied")

	return nil
}

// mutate runs fn against t and, when it succeeds, publishes the transition.
// Callers hold q.mu.
func (q *Queue) mutate(ctx context.Context, t *Task, fn func() error) error {
	prevState, prevCorrelation := t.state, t.correlationID

	if err := fn(); err != nil {
		return err
	}

	q.changed(ctx, t, prevState, prevCorrelation)

	return nil
}

// changed re-indexes t, recomputes its RenderState and queues the broadcast.
// Completed and removed tasks leave the queue here. Callers hold q.mu.
func (q *Queue) changed(ctx context.Context, t *Task, prevState State, prevCorrelation string) {
	if prevCorrelation != t.correlationID {
		delete(q.byCorrelation, prevCorrelation)
	}

	if t.correlationID != "" {
		q.byCorrelation[t.correlationID] = t
	}

	if prevState != t.state {
		q.telemetry.RecordTaskTransition(ctx, prevState.String(), t.state.String())

		if prevState == StateDownloading {
			q.telemetry.DecrementActiveDownloads(ctx)
		}

		if t.state == StateDownloading {
			q.telemetry.IncrementActiveDownloads(ctx)
		}
	}

	snap := t.Snapshot()
	rs := Project(snap)
	q.renders.Add(t.target.ID, rs)
	q.dispatcher.push(notification{snapshot: snap, render: rs})

	switch {
	case t.removed:
		q.telemetry.RecordDownload(ctx, "cancelled", q.opts.Clock().Sub(t.enqueuedAt))
		q.drop(t)
	case t.state == StateCompleted:
		q.telemetry.RecordDownload(ctx, "completed", q.opts.Clock().Sub(t.enqueuedAt))
		q.drop(t)
	case t.state == StateError && prevState != StateError:
		q.telemetry.RecordDownload(ctx, "failed", q.opts.Clock().Sub(t.enqueuedAt))
		q.scheduleRetry(ctx, t)
	}
}

// promote fills free concurrency slots with the earliest eligible tasks.
// User-paused tasks are never picked. Callers hold q.mu.
func (q *Queue) promote(ctx context.Context) {
	if q.suspended {
		return
	}

	for q.activeCount() < q.opts.MaxConcurrent {
		t := q.nextEligible()
		if t == nil {
			return
		}

		if err := q.mutate(ctx, t, q.admit(t)); err != nil {
			// not reachable for eligible tasks; bail out rather than spin
			logctx.LoggerFromContext(ctx).ErrorContext(ctx, "failed to promote attachment task",
				"task_id", t.id, "err", err)

			return
		}
	}
}

// admit returns the transition that moves an eligible task to Downloading.
func (q *Queue) admit(t *Task) func() error {
	if t.state == StatePaused {
		return t.Resume
	}

	return t.Start
}

func (q *Queue) nextEligible() *Task {
	var next *Task

	for _, t := range q.tasks {
		eligible := t.state == StateQueued || (t.state == StatePaused && t.pauseReason.automatic())
		if !eligible {
			continue
		}

		if next == nil || t.before(next) {
			next = t
		}
	}

	return next
}

func (q *Queue) activeCount() int {
	n := 0

	for _, t := range q.tasks {
		if t.state == StateDownloading {
			n++
		}
	}

	return n
}

func (q *Queue) ordered() []*Task {
	out := slices.Clone(q.tasks)
	slices.SortStableFunc(out, func(a, b *Task) int {
		switch {
		case a.before(b):
			return -1
		case b.before(a):
			return 1
		default:
			return 0
		}
	})

	return out
}

func (q *Queue) drop(t *Task) {
	q.tasks = slices.DeleteFunc(q.tasks, func(o *Task) bool { return o == t })
	delete(q.byID, t.id)

	if q.byHash[t.target.HashOrURL] == t {
		delete(q.byHash, t.target.HashOrURL)
	}

	if t.correlationID != "" {
		delete(q.byCorrelation, t.correlationID)
	}

	q.stopRetryTimer(t.id)
	delete(q.backoffs, t.id)
}

func (q *Queue) scheduleRetry(ctx context.Context, t *Task) {
	if q.opts.MaxRetries <= 0 || t.retryCount > q.opts.MaxRetries || q.closed {
		return
	}

	b, ok := q.backoffs[t.id]
	if !ok {
		b = backoff.NewExponentialBackOff()
		if q.opts.RetryInitialInterval > 0 {
			b.InitialInterval = q.opts.RetryInitialInterval
		}

		if q.opts.RetryMaxInterval > 0 {
			b.MaxInterval = q.opts.RetryMaxInterval
		}

		b.Reset()
		q.backoffs[t.id] = b
	}

	delay := b.NextBackOff()
	taskID, attempt := t.id, t.retryCount

	q.stopRetryTimer(taskID)
	q.retryTimers[taskID] = time.AfterFunc(delay, func() {
		q.retryAfterBackoff(taskID, attempt)
	})

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "attachment retry scheduled",
		"task_id", taskID, "attempt", attempt, "delay", delay.String())
}

func (q *Queue) retryAfterBackoff(taskID string, attempt int) {
	ctx := logctx.WithLogger(context.Background(), q.logger)

	q.mu.Lock()

	delete(q.retryTimers, taskID)

	t, ok := q.byID[taskID]
	if ok && !q.closed && t.state == StateError && t.retryCount == attempt {
		if err := q.mutate(ctx, t, t.requeue); err == nil {
			q.promote(ctx)
		}
	}

	q.mu.Unlock()
	q.dispatcher.drain()
}

func (q *Queue) stopRetryTimer(taskID string) {
	if timer, ok := q.retryTimers[taskID]; ok {
		timer.Stop()
		delete(q.retryTimers, taskID)
	}
}

// liveHandle is a lock-scoped lookup used before touching the disk cache.
func (q *Queue) liveHandle(hashOrURL string) (TaskHandle, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.byHash[hashOrURL]
	if !ok {
		return TaskHandle{}, false
	}

	return handleOf(t), true
}

func (q *Queue) cachedPath(ctx context.Context, target Target) (string, bool) {
	logger := logctx.LoggerFromContext(ctx)

	exists, err := q.cache.Exists(ctx, target)
	if err != nil {
		logger.WarnContext(ctx, "disk cache lookup failed, downloading instead", "target_id", target.ID, "err", err)

		return "", false
	}

	if !exists {
		return "", false
	}

	path, err := q.cache.ResolvePath(ctx, target)
	if err != nil || path == "" {
		logger.WarnContext(ctx, "disk cache could not resolve path, downloading instead", "target_id", target.ID, "err", err)

		return "", false
	}

	return path, true
}

func handleOf(t *Task) TaskHandle {
	return TaskHandle{TaskID: t.id, TargetID: t.target.ID}
}
