package attachment

import (
	"time"
)

// Task is one logical download of one target. It owns the target's state and
// correlation id but makes no scheduling decisions. A Task is not safe for
// concurrent use; the Queue that owns it serializes every call.
type Task struct {
	id     string
	seq    uint64
	target Target

	state         State
	progress      float64
	correlationID string
	enqueuedAt    time.Time
	lastActivity  time.Time
	retryCount    int
	cachedPath    string
	pauseReason   PauseReason
	lastErr       error
	removed       bool

	backend Backend
	newID   func() string
	now     func() time.Time
}

// Snapshot is a read-only copy of a Task.
type Snapshot struct {
	TaskID          string
	Target          Target
	State           State
	ProgressPercent float64
	CorrelationID   string
	EnqueuedAt      time.Time
	RetryCount      int
	CachedPath      string
	PauseReason     PauseReason
	Err             error
}

func newTask(id string, seq uint64, target Target, backend Backend, newID func() string, now func() time.Time) *Task {
	enqueuedAt := now()

	return &Task{
		id:           id,
		seq:          seq,
		target:       target,
		state:        StateQueued,
		enqueuedAt:   enqueuedAt,
		lastActivity: enqueuedAt,
		backend:      backend,
		newID:        newID,
		now:          now,
	}
}

func (t *Task) ID() string { return t.id }

func (t *Task) State() State { return t.state }

func (t *Task) Snapshot() Snapshot {
	return Snapshot{
		TaskID:          t.id,
		Target:          t.target,
		State:           t.state,
		ProgressPercent: t.progress,
		CorrelationID:   t.correlationID,
		EnqueuedAt:      t.enqueuedAt,
		RetryCount:      t.retryCount,
		CachedPath:      t.cachedPath,
		PauseReason:     t.pauseReason,
		Err:             t.lastErr,
	}
}

// Start begins a fresh attempt under a new correlation id.
func (t *Task) Start() error {
	if t.removed {
		return &InvalidTransitionError{Op: "start", From: t.state}
	}

	switch t.state {
	case StateQueued:
	case StatePaused:
		// the suspended attempt is superseded
		t.backend.RequestCancel(t.correlationID)
	case StateError:
		t.progress = 0
	default:
		return &InvalidTransitionError{Op: "start", From: t.state}
	}

	t.correlationID = t.newID()
	t.state = StateDownloading
	t.pauseReason = PauseNone
	t.lastErr = nil
	t.lastActivity = t.now()
	t.backend.RequestDownload(t.target, t.correlationID)

	return nil
}

// Pause suspends the in-flight attempt. The backend's own Suspended
// acknowledgement is later accepted as a confirmation. A user pause on a
// task held for an automatic reason only takes ownership of the hold.
func (t *Task) Pause(reason PauseReason) error {
	if !t.removed && t.state == StatePaused && reason == PauseByUser && t.pauseReason.automatic() {
		t.pauseReason = PauseByUser

		return nil
	}

	if t.removed || t.state != StateDownloading {
		return &InvalidTransitionError{Op: "pause", From: t.state}
	}

	t.backend.RequestPause(t.correlationID)
	t.state = StatePaused
	t.pauseReason = reason

	return nil
}

// Resume continues the paused attempt under the same correlation id.
func (t *Task) Resume() error {
	if t.removed || t.state != StatePaused {
		return &InvalidTransitionError{Op: "resume", From: t.state}
	}

	t.backend.RequestResume(t.correlationID)
	t.state = StateDownloading
	t.pauseReason = PauseNone
	t.lastActivity = t.now()

	return nil
}

// Cancel abandons the transfer and marks the task for removal. Any later
// event carrying the old correlation id is dropped.
func (t *Task) Cancel() error {
	if t.removed || t.state == StateCompleted {
		return &InvalidTransitionError{Op: "cancel", From: t.state}
	}

	if t.state == StateDownloading || t.state == StatePaused {
		t.backend.RequestCancel(t.correlationID)
	}

	t.correlationID = ""
	t.state = StateUndefined
	t.pauseReason = PauseNone
	t.removed = true

	return nil
}

// requeue moves a failed task back to Queued for a retry. The next attempt
// reports progress from scratch.
func (t *Task) requeue() error {
	if t.removed || t.state != StateError {
		return &InvalidTransitionError{Op: "retry", From: t.state}
	}

	t.state = StateQueued
	t.progress = 0

	return nil
}

// accepts is the single correlation guard every event passes through.
func (t *Task) accepts(correlationID string) bool {
	if t.removed || correlationID == "" || correlationID != t.correlationID {
		return false
	}

	return t.state == StateDownloading || t.state == StatePaused
}

// HandleEvent applies a backend event. It returns ErrStaleEvent, without
// touching the task, when the event does not belong to the live attempt.
func (t *Task) HandleEvent(ev Event) error {
	if !t.accepts(ev.CorrelationID) {
		return ErrStaleEvent
	}

	t.lastActivity = t.now()

	switch ev.Type {
	case EventProgress:
		t.onProgress(ev.Percent)
	case EventSuspended:
		t.onSuspended()
	case EventResumed:
		// confirmation only
	case EventCompleted:
		t.onCompleted(ev.Path)
	case EventFailed:
		t.onFailed(&TransferFailedError{Reason: ev.Reason})
	}

	return nil
}

func (t *Task) onProgress(percent float64) {
	percent = min(max(percent, 0), 100)
	if percent > t.progress {
		t.progress = percent
	}
}

func (t *Task) onSuspended() {
	if t.state == StatePaused {
		return
	}

	t.state = StatePaused
	t.pauseReason = PauseByBackend
}

func (t *Task) onCompleted(path string) {
	if path == "" {
		t.onFailed(&TransferFailedError{Reason: "completed without a cached path"})

		return
	}

	t.state = StateCompleted
	t.cachedPath = path
	t.progress = 100
	t.pauseReason = PauseNone
}

func (t *Task) onFailed(err error) {
	t.state = StateError
	t.retryCount++
	t.lastErr = err
	t.pauseReason = PauseNone
}

// stalled reports whether a downloading task has been silent for longer than
// timeout.
func (t *Task) stalled(now time.Time, timeout time.Duration) bool {
	return t.state == StateDownloading && now.Sub(t.lastActivity) > timeout
}

// expire fails the live attempt locally and tells the backend to drop it.
func (t *Task) expire(reason string) {
	t.backend.RequestCancel(t.correlationID)
	t.onFailed(&TransferFailedError{Reason: reason})
}

// before orders tasks FIFO by enqueue time, then by insertion.
func (t *Task) before(o *Task) bool {
	if !t.enqueuedAt.Equal(o.enqueuedAt) {
		return t.enqueuedAt.Before(o.enqueuedAt)
	}

	return t.seq < o.seq
}
