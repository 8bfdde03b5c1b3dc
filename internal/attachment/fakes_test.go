package attachment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type backendCall struct {
	op            string
	correlationID string
	hashOrURL     string
}

// fakeBackend records every request the queue issues.
type fakeBackend struct {
	mu    sync.Mutex
	calls []backendCall
}

func (b *fakeBackend) record(c backendCall) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.calls = append(b.calls, c)
}

func (b *fakeBackend) RequestDownload(target Target, correlationID string) {
	b.record(backendCall{op: "download", correlationID: correlationID, hashOrURL: target.HashOrURL})
}

func (b *fakeBackend) RequestPause(correlationID string) {
	b.record(backendCall{op: "pause", correlationID: correlationID})
}

func (b *fakeBackend) RequestResume(correlationID string) {
	b.record(backendCall{op: "resume", correlationID: correlationID})
}

func (b *fakeBackend) RequestCancel(correlationID string) {
	b.record(backendCall{op: "cancel", correlationID: correlationID})
}

func (b *fakeBackend) ops(op string) []backendCall {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []backendCall

	for _, c := range b.calls {
		if c.op == op {
			out = append(out, c)
		}
	}

	return out
}

// fakeCache maps HashOrURL to a cached path.
type fakeCache struct {
	mu    sync.Mutex
	paths map[string]string
	err   error
}

func (c *fakeCache) Exists(_ context.Context, t Target) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.err != nil {
		return false, c.err
	}

	_, ok := c.paths[t.HashOrURL]

	return ok, nil
}

func (c *fakeCache) ResolvePath(_ context.Context, t Target) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	path, ok := c.paths[t.HashOrURL]
	if !ok {
		return "", errors.New("not cached")
	}

	return path, nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}

func sequentialIDs(prefix string) func() string {
	var (
		mu sync.Mutex
		n  int
	)

	return func() string {
		mu.Lock()
		defer mu.Unlock()

		n++

		return fmt.Sprintf("%s-%d", prefix, n)
	}
}

type queueFixture struct {
	queue   *Queue
	backend *fakeBackend
	cache   *fakeCache
	clock   *fakeClock
}

func newFixture(t *testing.T, opts Options) *queueFixture {
	t.Helper()

	f := &queueFixture{
		backend: &fakeBackend{},
		cache:   &fakeCache{paths: map[string]string{}},
		clock:   newFakeClock(),
	}

	if opts.Clock == nil {
		opts.Clock = f.clock.Now
	}

	if opts.NewID == nil {
		opts.NewID = sequentialIDs("id")
	}

	q, err := NewQueue(f.backend, f.cache, opts)
	require.NoError(t, err)

	t.Cleanup(q.Close)

	f.queue = q

	return f
}

func testTarget(n int) Target {
	return Target{ID: fmt.Sprintf("m%d", n), HashOrURL: fmt.Sprintf("sha256:%d", n), Kind: KindImage}
}

// enqueue adds testTarget(n) and advances the clock so enqueue times differ.
func (f *queueFixture) enqueue(t *testing.T, n int) TaskHandle {
	t.Helper()

	h, err := f.queue.Enqueue(context.Background(), testTarget(n))
	require.NoError(t, err)

	f.clock.Advance(time.Millisecond)

	return h
}

func (f *queueFixture) snapshot(t *testing.T, h TaskHandle) Snapshot {
	t.Helper()

	s, ok := f.queue.Snapshot(h.TaskID)
	require.True(t, ok, "task %s is not live", h.TaskID)

	return s
}

func (f *queueFixture) states(t *testing.T, handles ...TaskHandle) []State {
	t.Helper()

	out := make([]State, 0, len(handles))

	for _, h := range handles {
		out = append(out, f.snapshot(t, h).State)
	}

	return out
}

func (f *queueFixture) event(ev Event) {
	f.queue.HandleEvent(context.Background(), ev)
}
