package notifier

import (
	"context"
	"fmt"

	"github.com/italolelis/attachment_downloader/internal/attachment"
	"github.com/italolelis/attachment_downloader/internal/logctx"
)

const defaultReportBuffer = 32

// FailureReporter turns failed attachment downloads into notifications.
// Observe is called from queue callbacks and never blocks; delivery happens
// in Run. Reports that do not fit in the buffer are dropped.
type FailureReporter struct {
	notifier Notifier
	pending  chan string
}

func NewFailureReporter(n Notifier, buffer int) *FailureReporter {
	if buffer <= 0 {
		buffer = defaultReportBuffer
	}

	return &FailureReporter{notifier: n, pending: make(chan string, buffer)}
}

// Observe is meant to be passed to Queue.SubscribeAll.
func (r *FailureReporter) Observe(s attachment.Snapshot) {
	if s.State != attachment.StateError {
		return
	}

	msg := fmt.Sprintf("❌ Attachment download failed: %s %s (attempt %d)", s.Target.Kind, s.Target.ID, s.RetryCount)
	if s.Err != nil {
		msg += ": " + s.Err.Error()
	}

	select {
	case r.pending <- msg:
	default:
	}
}

func (r *FailureReporter) Run(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-r.pending:
			if err := r.notifier.Notify(ctx, msg); err != nil {
				logger.ErrorContext(ctx, "failed to send notification", "err", err)
			}
		}
	}
}
