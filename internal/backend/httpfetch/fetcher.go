package httpfetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/italolelis/attachment_downloader/internal/attachment"
	"github.com/italolelis/attachment_downloader/internal/backend/progress"
	"github.com/italolelis/attachment_downloader/internal/logctx"
	"github.com/italolelis/attachment_downloader/internal/telemetry"
)

const (
	dirPerm  = 0o755
	filePerm = 0o644

	partialSuffix      = ".part"
	defaultEventBuffer = 64
	defaultRetryAfter  = 5 * time.Second
	defaultStep        = 1.0
	logInterval        = 8 * 1024 * 1024
)

// Store is where finished attachments are written and indexed.
type Store interface {
	PathFor(target attachment.Target) string
	Record(ctx context.Context, target attachment.Target, path string, size int64) error
}

type Options struct {
	Client    *http.Client
	Telemetry *telemetry.Telemetry
	Logger    *slog.Logger

	// EventBuffer sizes the events channel.
	EventBuffer int
	// ProgressStep is the minimum percentage advance between progress events.
	ProgressStep float64
	// RetryAfter is how long a throttled attempt waits when the server does
	// not send a Retry-After header.
	RetryAfter time.Duration
}

// Fetcher is a Transfer Backend that downloads over HTTP into partial files
// and resumes them with Range requests. Request methods never block; every
// outcome is reported on Events.
type Fetcher struct {
	client    *http.Client
	resolver  Resolver
	store     Store
	telemetry *telemetry.Telemetry
	logger    *slog.Logger
	opts      Options

	events chan attachment.Event
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	attempts map[string]*attempt
	closed   bool
}

type attempt struct {
	cid       string
	target    attachment.Target
	final     string
	cancel    context.CancelFunc
	done      chan struct{}
	notBefore time.Time
}

func (a *attempt) partial() string {
	return a.final + partialSuffix
}

// suspendError marks a response the server asked us to come back later for.
type suspendError struct {
	status     int
	retryAfter time.Duration
}

func (e *suspendError) Error() string {
	return fmt.Sprintf("server asked to retry later (status %d, after %s)", e.status, e.retryAfter)
}

func New(resolver Resolver, store Store, opts Options) *Fetcher {
	if opts.Client == nil {
		opts.Client = http.DefaultClient
	}

	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	if opts.EventBuffer <= 0 {
		opts.EventBuffer = defaultEventBuffer
	}

	if opts.ProgressStep <= 0 {
		opts.ProgressStep = defaultStep
	}

	if opts.RetryAfter <= 0 {
		opts.RetryAfter = defaultRetryAfter
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Fetcher{
		client:    opts.Client,
		resolver:  resolver,
		store:     store,
		telemetry: opts.Telemetry,
		logger:    opts.Logger,
		opts:      opts,
		events:    make(chan attachment.Event, opts.EventBuffer),
		ctx:       ctx,
		cancel:    cancel,
		attempts:  make(map[string]*attempt),
	}
}

// Events is closed by Close once every in-flight attempt has stopped.
func (f *Fetcher) Events() <-chan attachment.Event {
	return f.events
}

func (f *Fetcher) RequestDownload(target attachment.Target, correlationID string) {
	f.telemetry.RecordBackendRequest(f.ctx, "download")

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return
	}

	if _, ok := f.attempts[correlationID]; ok {
		return
	}

	a := &attempt{cid: correlationID, target: target, final: f.store.PathFor(target)}
	f.attempts[correlationID] = a
	f.launch(a, false)
}

func (f *Fetcher) RequestPause(correlationID string) {
	f.telemetry.RecordBackendRequest(f.ctx, "pause")

	f.mu.Lock()
	defer f.mu.Unlock()

	if a, ok := f.attempts[correlationID]; ok {
		a.cancel()
	}
}

func (f *Fetcher) RequestResume(correlationID string) {
	f.telemetry.RecordBackendRequest(f.ctx, "resume")

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return
	}

	a, ok := f.attempts[correlationID]
	if !ok {
		f.goEmit(attachment.FailedEvent(correlationID, "no transfer to resume"))

		return
	}

	f.launch(a, true)
}

func (f *Fetcher) RequestCancel(correlationID string) {
	f.telemetry.RecordBackendRequest(f.ctx, "cancel")

	f.mu.Lock()
	defer f.mu.Unlock()

	a, ok := f.attempts[correlationID]
	if !ok {
		return
	}

	delete(f.attempts, correlationID)
	a.cancel()

	if f.closed {
		return
	}

	done, partial := a.done, a.partial()

	f.wg.Add(1)

	go func() {
		defer f.wg.Done()

		<-done

		if err := os.Remove(partial); err != nil && !errors.Is(err, os.ErrNotExist) {
			f.logger.Warn("failed to remove partial file", "path", partial, "err", err)
		}
	}()
}

// Close stops all attempts, waits for them and closes Events. Partial files
// stay on disk so a later process can resume them.
func (f *Fetcher) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()

		return
	}

	f.closed = true
	f.mu.Unlock()

	f.cancel()
	f.wg.Wait()
	close(f.events)
}

// launch starts a goroutine for a. A previous goroutine of the same attempt
// is stopped first and the new one waits for it to release the partial file.
// Callers hold f.mu.
func (f *Fetcher) launch(a *attempt, resumed bool) {
	if a.cancel != nil {
		a.cancel()
	}

	prev := a.done
	ctx, cancel := context.WithCancel(f.ctx)
	done := make(chan struct{})
	a.cancel, a.done = cancel, done

	f.wg.Add(1)

	go f.run(ctx, a, done, prev, resumed)
}

func (f *Fetcher) run(ctx context.Context, a *attempt, done chan struct{}, prev <-chan struct{}, resumed bool) {
	defer f.wg.Done()
	defer close(done)

	if prev != nil {
		<-prev
	}

	f.mu.Lock()
	wait := time.Until(a.notBefore)
	f.mu.Unlock()

	if wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()

			return
		case <-timer.C:
		}
	}

	if ctx.Err() != nil {
		return
	}

	logger := f.logger.With("target_id", a.target.ID, "kind", a.target.Kind.String())
	ctx = logctx.WithLogger(logctx.WithCorrelationID(ctx, a.cid), logger)

	var size int64

	err := f.telemetry.InstrumentFetch(ctx, a.target.Kind.String(), func(ctx context.Context) error {
		var err error

		size, err = f.fetch(ctx, a, resumed)

		return err
	})

	var suspend *suspendError

	switch {
	case err == nil:
		// a completed file wins over a pause that raced with the last read
		if err := f.store.Record(context.WithoutCancel(ctx), a.target, a.final, size); err != nil {
			logger.WarnContext(ctx, "failed to index cached attachment", "path", a.final, "err", err)
		}

		f.forget(a)
		f.emit(attachment.CompletedEvent(a.cid, a.final))
	case ctx.Err() != nil:
		logger.DebugContext(ctx, "attachment fetch interrupted")
	case errors.As(err, &suspend):
		f.mu.Lock()
		a.notBefore = time.Now().Add(suspend.retryAfter)
		f.mu.Unlock()

		logger.InfoContext(ctx, "attachment fetch throttled", "status", suspend.status, "retry_after", suspend.retryAfter.String())
		f.emit(attachment.SuspendedEvent(a.cid))
	default:
		logger.ErrorContext(ctx, "attachment fetch failed", "err", err)
		f.forget(a)
		f.emit(attachment.FailedEvent(a.cid, err.Error()))
	}
}

// fetch downloads a.target into its partial file, resuming from whatever is
// already there, and renames it into place. It returns the final size.
func (f *Fetcher) fetch(ctx context.Context, a *attempt, resumed bool) (int64, error) {
	logger := logctx.LoggerFromContext(ctx)

	url, err := f.resolver.ResolveURL(ctx, a.target)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve download url: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(a.final), dirPerm); err != nil {
		return 0, fmt.Errorf("failed to create target directory: %w", err)
	}

	var offset int64
	if info, err := os.Stat(a.partial()); err == nil {
		offset = info.Size()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to build request: %w", err)
	}

	if offset > 0 {
		req.Header.Set("Range", "bytes="+strconv.FormatInt(offset, 10)+"-")
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to get file: %w", err)
	}
	defer resp.Body.Close()

	flags := os.O_CREATE | os.O_WRONLY

	switch resp.StatusCode {
	case http.StatusOK:
		offset = 0
		flags |= os.O_TRUNC
	case http.StatusPartialContent:
		flags |= os.O_APPEND
	case http.StatusRequestedRangeNotSatisfiable:
		if offset == 0 {
			return 0, fmt.Errorf("unexpected status %d", resp.StatusCode)
		}

		// the partial file already holds everything
		return offset, f.promotePartial(a)
	case http.StatusTooManyRequests, http.StatusServiceUnavailable:
		return 0, &suspendError{status: resp.StatusCode, retryAfter: f.retryAfter(resp)}
	default:
		return 0, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	if resumed {
		f.emit(attachment.ResumedEvent(a.cid))
	}

	total := int64(-1)
	if resp.ContentLength >= 0 {
		total = offset + resp.ContentLength
	}

	out, err := os.OpenFile(a.partial(), flags, filePerm)
	if err != nil {
		return 0, fmt.Errorf("failed to create target file: %w", err)
	}

	written, err := f.writeFile(ctx, out, resp.Body, a, offset, total)
	if closeErr := out.Close(); err == nil && closeErr != nil {
		err = fmt.Errorf("failed to close target file: %w", closeErr)
	}

	if err != nil {
		return 0, err
	}

	if total >= 0 && written != total {
		return 0, fmt.Errorf("short transfer: got %s of %s", humanize.Bytes(uint64(written)), humanize.Bytes(uint64(total)))
	}

	if err := f.promotePartial(a); err != nil {
		return 0, err
	}

	logger.InfoContext(ctx, "downloaded and saved attachment", "path", a.final, "size", humanize.Bytes(uint64(written)))

	return written, nil
}

func (f *Fetcher) writeFile(ctx context.Context, out io.Writer, body io.Reader, a *attempt, offset, total int64) (int64, error) {
	logger := logctx.LoggerFromContext(ctx)

	if total >= 0 {
		logger.InfoContext(ctx, "downloading attachment",
			"path", a.final, "size", humanize.Bytes(uint64(total)), "offset", humanize.Bytes(uint64(offset)))
	} else {
		logger.InfoContext(ctx, "downloading attachment", "path", a.final, "offset", humanize.Bytes(uint64(offset)))
	}

	pr := progress.NewReader(body, offset, total, f.opts.ProgressStep, logInterval, func(read, total int64) {
		if total > 0 {
			pct := float64(read) * 100 / float64(total)

			logger.DebugContext(ctx, "download progress",
				"downloaded", humanize.Bytes(uint64(read)),
				"total", humanize.Bytes(uint64(total)),
				"percent", humanize.FtoaWithDigits(pct, 2))

			f.emit(attachment.ProgressEvent(a.cid, pct))
		} else {
			logger.DebugContext(ctx, "download progress", "downloaded", humanize.Bytes(uint64(read)))
		}
	})

	n, err := io.Copy(out, pr)
	f.telemetry.RecordBytesFetched(ctx, n)

	if err != nil {
		return 0, fmt.Errorf("failed to copy file: %w", err)
	}

	return pr.BytesRead(), nil
}

func (f *Fetcher) promotePartial(a *attempt) error {
	if err := os.Rename(a.partial(), a.final); err != nil {
		return fmt.Errorf("failed to move partial file into place: %w", err)
	}

	return nil
}

func (f *Fetcher) retryAfter(resp *http.Response) time.Duration {
	if s := resp.Header.Get("Retry-After"); s != "" {
		if secs, err := strconv.Atoi(s); err == nil && secs >= 0 {
			return time.Duration(secs) * time.Second
		}

		if at, err := http.ParseTime(s); err == nil {
			if d := time.Until(at); d > 0 {
				return d
			}
		}
	}

	return f.opts.RetryAfter
}

func (f *Fetcher) forget(a *attempt) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.attempts[a.cid] == a {
		delete(f.attempts, a.cid)
	}
}

// emit never holds f.mu, so a slow consumer cannot block request methods.
func (f *Fetcher) emit(ev attachment.Event) {
	select {
	case f.events <- ev:
	case <-f.ctx.Done():
	}
}

// goEmit reports ev from a new goroutine. Callers hold f.mu.
func (f *Fetcher) goEmit(ev attachment.Event) {
	f.wg.Add(1)

	go func() {
		defer f.wg.Done()

		f.emit(ev)
	}()
}
