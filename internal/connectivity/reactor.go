package connectivity

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/italolelis/attachment_downloader/internal/logctx"
	"github.com/italolelis/attachment_downloader/internal/telemetry"
)

// Controller is the part of the download queue the reactor drives.
type Controller interface {
	PauseAll(ctx context.Context)
	ResumeAll(ctx context.Context)
}

// Reactor bridges the Connectivity Signal to the download queue. It keeps no
// state of its own; deduplicating repeated statuses is the signal's job.
type Reactor struct {
	queue     Controller
	telemetry *telemetry.Telemetry
}

func NewReactor(queue Controller, tel *telemetry.Telemetry) *Reactor {
	return &Reactor{queue: queue, telemetry: tel}
}

// Handle applies a single status.
func (r *Reactor) Handle(ctx context.Context, s Status) {
	logger := logctx.LoggerFromContext(ctx)

	switch s {
	case Disconnected:
		logger.InfoContext(ctx, "connectivity lost, pausing attachment downloads")
		r.queue.PauseAll(ctx)
	case Connected:
		logger.InfoContext(ctx, "connectivity restored, resuming attachment downloads")
		r.queue.ResumeAll(ctx)
	default:
		logger.WarnContext(ctx, "ignoring unknown connectivity status", "status", int(s))

		return
	}

	r.telemetry.RecordConnectivityChange(ctx, s.String())
}

// Run applies statuses from signal until ctx is done or signal is closed.
func (r *Reactor) Run(ctx context.Context, signal <-chan Status) {
	logger := logctx.LoggerFromContext(ctx)

	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("connectivity reactor panic",
				"operation", "run",
				"panic", rec,
				"stack", string(debug.Stack()))

			if ctx.Err() == nil {
				logger.Info("restarting connectivity reactor after panic", "operation", "run")
				time.Sleep(time.Second)
				r.Run(ctx, signal)
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			logger.Info("connectivity reactor shutdown", "operation", "run", "reason", "context_cancelled")

			return
		case s, ok := <-signal:
			if !ok {
				logger.Info("connectivity reactor shutdown", "operation", "run", "reason", "signal_closed")

				return
			}

			r.Handle(ctx, s)
		}
	}
}
