package attachment

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTask(t *testing.T) (*Task, *fakeBackend, *fakeClock) {
	t.Helper()

	b := &fakeBackend{}
	clock := newFakeClock()

	return newTask("t1", 1, testTarget(1), b, sequentialIDs("c"), clock.Now), b, clock
}

func TestTask_StartIssuesFreshCorrelationID(t *testing.T) {
	task, b, _ := newTestTask(t)

	require.NoError(t, task.Start())

	s := task.Snapshot()
	assert.Equal(t, StateDownloading, s.State)
	assert.Equal(t, "c-1", s.CorrelationID)

	downloads := b.ops("download")
	require.Len(t, downloads, 1)
	assert.Equal(t, "c-1", downloads[0].correlationID)
	assert.Equal(t, "sha256:1", downloads[0].hashOrURL)

	err := task.Start()
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, "c-1", task.Snapshot().CorrelationID, "a rejected start keeps the attempt")
	assert.Len(t, b.ops("download"), 1)
}

func TestTask_RetryAfterErrorSupersedesOldAttempt(t *testing.T) {
	task, _, _ := newTestTask(t)

	require.NoError(t, task.Start())
	require.NoError(t, task.HandleEvent(ProgressEvent("c-1", 40)))
	require.NoError(t, task.HandleEvent(FailedEvent("c-1", "reset")))

	s := task.Snapshot()
	assert.Equal(t, StateError, s.State)
	assert.Equal(t, 1, s.RetryCount)

	var failed *TransferFailedError
	require.ErrorAs(t, s.Err, &failed)
	assert.Equal(t, "reset", failed.Reason)

	require.NoError(t, task.Start())
	assert.Equal(t, "c-2", task.Snapshot().CorrelationID)
	assert.Zero(t, task.Snapshot().ProgressPercent)
	assert.NoError(t, task.Snapshot().Err)

	// the old attempt is now stale
	assert.ErrorIs(t, task.HandleEvent(CompletedEvent("c-1", "/cache/old")), ErrStaleEvent)
	assert.Equal(t, StateDownloading, task.State())
}

func TestTask_RequeueStartsFromZero(t *testing.T) {
	task, _, _ := newTestTask(t)

	require.NoError(t, task.Start())
	require.NoError(t, task.HandleEvent(ProgressEvent("c-1", 80)))
	require.NoError(t, task.HandleEvent(FailedEvent("c-1", "reset")))

	require.NoError(t, task.requeue())
	assert.Equal(t, StateQueued, task.State())
	assert.Zero(t, task.Snapshot().ProgressPercent)

	require.NoError(t, task.Start())
	require.NoError(t, task.HandleEvent(ProgressEvent("c-2", 10)))
	assert.InDelta(t, 10, task.Snapshot().ProgressPercent, 0)
}

func TestTask_UserPauseTakesOverAutomaticHold(t *testing.T) {
	task, b, _ := newTestTask(t)

	require.NoError(t, task.Start())
	require.NoError(t, task.Pause(PauseByConnectivity))

	require.NoError(t, task.Pause(PauseByUser))
	assert.Equal(t, PauseByUser, task.Snapshot().PauseReason)
	assert.Len(t, b.ops("pause"), 1)

	assert.ErrorIs(t, task.Pause(PauseByUser), ErrInvalidTransition)
	assert.ErrorIs(t, task.Pause(PauseByConnectivity), ErrInvalidTransition)
}

func TestTask_ProgressIsClampedAndMonotonic(t *testing.T) {
	task, _, _ := newTestTask(t)
	require.NoError(t, task.Start())

	for _, p := range []float64{10, 55, 30, 150} {
		require.NoError(t, task.HandleEvent(ProgressEvent("c-1", p)))
	}

	assert.InDelta(t, 100, task.Snapshot().ProgressPercent, 0)

	fresh, _, _ := newTestTask(t)
	require.NoError(t, fresh.Start())
	require.NoError(t, fresh.HandleEvent(ProgressEvent("c-1", -5)))
	assert.Zero(t, fresh.Snapshot().ProgressPercent)
}

func TestTask_PauseResumeKeepsCorrelationAndProgress(t *testing.T) {
	task, b, _ := newTestTask(t)

	require.NoError(t, task.Start())
	require.NoError(t, task.HandleEvent(ProgressEvent("c-1", 42)))

	require.NoError(t, task.Pause(PauseByUser))
	assert.Equal(t, StatePaused, task.State())
	assert.Equal(t, PauseByUser, task.Snapshot().PauseReason)

	// the backend's acknowledgement is a confirmation, not a transition
	require.NoError(t, task.HandleEvent(SuspendedEvent("c-1")))
	assert.Equal(t, PauseByUser, task.Snapshot().PauseReason)

	require.NoError(t, task.Resume())

	s := task.Snapshot()
	assert.Equal(t, StateDownloading, s.State)
	assert.Equal(t, "c-1", s.CorrelationID)
	assert.InDelta(t, 42, s.ProgressPercent, 0)
	assert.Equal(t, PauseNone, s.PauseReason)

	require.Len(t, b.ops("pause"), 1)
	require.Len(t, b.ops("resume"), 1)
	assert.Equal(t, "c-1", b.ops("resume")[0].correlationID)
}

func TestTask_BackendSuspensionPauses(t *testing.T) {
	task, _, _ := newTestTask(t)
	require.NoError(t, task.Start())

	require.NoError(t, task.HandleEvent(SuspendedEvent("c-1")))

	assert.Equal(t, StatePaused, task.State())
	assert.Equal(t, PauseByBackend, task.Snapshot().PauseReason)
}

func TestTask_CompletedIsTerminal(t *testing.T) {
	task, _, _ := newTestTask(t)
	require.NoError(t, task.Start())

	require.NoError(t, task.HandleEvent(CompletedEvent("c-1", "/cache/m1.jpg")))

	s := task.Snapshot()
	assert.Equal(t, StateCompleted, s.State)
	assert.Equal(t, "/cache/m1.jpg", s.CachedPath)
	assert.InDelta(t, 100, s.ProgressPercent, 0)

	for _, ev := range []Event{
		FailedEvent("c-1", "late"),
		ProgressEvent("c-1", 10),
		SuspendedEvent("c-1"),
	} {
		assert.ErrorIs(t, task.HandleEvent(ev), ErrStaleEvent, ev.Type.String())
	}

	assert.Equal(t, StateCompleted, task.State())

	for name, op := range map[string]func() error{
		"start":  task.Start,
		"pause":  func() error { return task.Pause(PauseByUser) },
		"resume": task.Resume,
		"cancel": task.Cancel,
	} {
		assert.ErrorIs(t, op(), ErrInvalidTransition, name)
	}

	assert.Equal(t, StateCompleted, task.State())
}

func TestTask_CompletedWithoutPathFails(t *testing.T) {
	task, _, _ := newTestTask(t)
	require.NoError(t, task.Start())

	require.NoError(t, task.HandleEvent(CompletedEvent("c-1", "")))

	assert.Equal(t, StateError, task.State())
	assert.Empty(t, task.Snapshot().CachedPath)
}

func TestTask_InvalidTransitionsLeaveStateUntouched(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*Task)
		op    func(*Task) error
		want  State
	}{
		{
			name:  "pause queued",
			setup: func(*Task) {},
			op:    func(t *Task) error { return t.Pause(PauseByUser) },
			want:  StateQueued,
		},
		{
			name:  "resume queued",
			setup: func(*Task) {},
			op:    (*Task).Resume,
			want:  StateQueued,
		},
		{
			name:  "resume downloading",
			setup: func(t *Task) { _ = t.Start() },
			op:    (*Task).Resume,
			want:  StateDownloading,
		},
		{
			name:  "requeue downloading",
			setup: func(t *Task) { _ = t.Start() },
			op:    (*Task).requeue,
			want:  StateDownloading,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task, _, _ := newTestTask(t)
			tt.setup(task)

			before := task.Snapshot()

			assert.ErrorIs(t, tt.op(task), ErrInvalidTransition)
			assert.Equal(t, tt.want, task.State())
			assert.Equal(t, before, task.Snapshot())
		})
	}
}

func TestTask_CancelInvalidatesCorrelation(t *testing.T) {
	task, b, _ := newTestTask(t)
	require.NoError(t, task.Start())

	require.NoError(t, task.Cancel())

	cancels := b.ops("cancel")
	require.Len(t, cancels, 1)
	assert.Equal(t, "c-1", cancels[0].correlationID)

	assert.Empty(t, task.Snapshot().CorrelationID)
	assert.ErrorIs(t, task.HandleEvent(ProgressEvent("c-1", 90)), ErrStaleEvent)
	assert.ErrorIs(t, task.Cancel(), ErrInvalidTransition)
	assert.ErrorIs(t, task.Start(), ErrInvalidTransition)
}

func TestTask_CancelQueuedSkipsBackend(t *testing.T) {
	task, b, _ := newTestTask(t)

	require.NoError(t, task.Cancel())
	assert.Empty(t, b.ops("cancel"))
}

func TestTask_Stalled(t *testing.T) {
	task, _, clock := newTestTask(t)
	require.NoError(t, task.Start())

	clock.Advance(30 * time.Second)
	assert.False(t, task.stalled(clock.Now(), time.Minute))

	require.NoError(t, task.HandleEvent(ProgressEvent("c-1", 5)))

	clock.Advance(59 * time.Second)
	assert.False(t, task.stalled(clock.Now(), time.Minute), "progress resets the watchdog")

	clock.Advance(2 * time.Second)
	assert.True(t, task.stalled(clock.Now(), time.Minute))

	require.NoError(t, task.Pause(PauseByUser))
	assert.False(t, task.stalled(clock.Now(), time.Minute), "paused tasks never stall")
}

func TestTask_BeforeOrdersByTimeThenInsertion(t *testing.T) {
	clock := newFakeClock()
	b := &fakeBackend{}
	ids := sequentialIDs("c")

	first := newTask("a", 2, testTarget(1), b, ids, clock.Now)
	sameInstant := newTask("b", 3, testTarget(2), b, ids, clock.Now)

	clock.Advance(-time.Second)
	earlier := newTask("c", 4, testTarget(3), b, ids, clock.Now)

	assert.True(t, first.before(sameInstant))
	assert.False(t, sameInstant.before(first))
	assert.True(t, earlier.before(first), "enqueue time wins over insertion order")
}
