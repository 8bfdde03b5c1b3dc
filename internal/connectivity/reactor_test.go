package connectivity

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingQueue struct {
	mu    sync.Mutex
	calls []string
}

func (q *recordingQueue) PauseAll(context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.calls = append(q.calls, "pause_all")
}

func (q *recordingQueue) ResumeAll(context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.calls = append(q.calls, "resume_all")
}

func (q *recordingQueue) snapshot() []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	return append([]string(nil), q.calls...)
}

func TestReactor_Handle(t *testing.T) {
	q := &recordingQueue{}
	r := NewReactor(q, nil)
	ctx := context.Background()

	r.Handle(ctx, Disconnected)
	r.Handle(ctx, Connected)
	r.Handle(ctx, Status(0))

	assert.Equal(t, []string{"pause_all", "resume_all"}, q.snapshot())
}

func TestReactor_RunForwardsEveryStatus(t *testing.T) {
	q := &recordingQueue{}
	r := NewReactor(q, nil)

	signal := make(chan Status)
	done := make(chan struct{})

	go func() {
		r.Run(context.Background(), signal)
		close(done)
	}()

	signal <- Disconnected
	signal <- Connected
	signal <- Connected
	close(signal)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reactor did not stop when the signal closed")
	}

	require.Equal(t, []string{"pause_all", "resume_all", "resume_all"}, q.snapshot())
}

func TestReactor_RunStopsOnContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		NewReactor(&recordingQueue{}, nil).Run(ctx, make(chan Status))
		close(done)
	}()

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reactor did not stop on context cancellation")
	}
}
