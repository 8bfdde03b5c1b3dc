package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/italolelis/attachment_downloader/internal/attachment"
	"github.com/italolelis/attachment_downloader/internal/logctx"
	"github.com/italolelis/attachment_downloader/internal/telemetry"
)

const maxRequestBody = 64 * 1024

// Queue is the part of the download queue exposed over HTTP.
type Queue interface {
	Enqueue(ctx context.Context, target attachment.Target) (attachment.TaskHandle, error)
	Redownload(ctx context.Context, target attachment.Target) (attachment.TaskHandle, error)
	Pause(ctx context.Context, taskID string) error
	Resume(ctx context.Context, taskID string) error
	Cancel(ctx context.Context, taskID string) error
	Retry(ctx context.Context, taskID string) error
	Snapshots() []attachment.Snapshot
	RenderState(targetID string) (attachment.RenderState, bool)
	Subscribe(targetID string, fn func(attachment.RenderState)) *attachment.Subscription
}

type TargetRequest struct {
	ID        string `json:"id"`
	HashOrURL string `json:"hash_or_url"`
	Kind      string `json:"kind"`
}

type TaskView struct {
	TaskID        string    `json:"task_id"`
	TargetID      string    `json:"target_id"`
	HashOrURL     string    `json:"hash_or_url"`
	Kind          string    `json:"kind"`
	State         string    `json:"state"`
	Progress      float64   `json:"progress_percent"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	EnqueuedAt    time.Time `json:"enqueued_at"`
	RetryCount    int       `json:"retry_count"`
	PauseReason   string    `json:"pause_reason,omitempty"`
	Error         string    `json:"error,omitempty"`
}

type ErrorResponse struct {
	Error     string                 `json:"error"`
	RequestID string                 `json:"request_id,omitempty"`
	Existing  *attachment.TaskHandle `json:"existing,omitempty"`
}

type AttachmentHandler struct {
	queue     Queue
	telemetry *telemetry.Telemetry
	stream    *streamer
}

// NewAttachmentHandler creates the handler for the attachment observer API.
func NewAttachmentHandler(q Queue, t *telemetry.Telemetry) *AttachmentHandler {
	return &AttachmentHandler{
		queue:     q,
		telemetry: t,
		stream:    newStreamer(q),
	}
}

func (h *AttachmentHandler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/", h.HandleList)
	r.Post("/", h.HandleEnqueue)
	r.Post("/redownload", h.HandleRedownload)
	r.Get("/targets/{targetID}", h.HandleRenderState)
	r.Get("/targets/{targetID}/stream", h.stream.ServeHTTP)
	r.Post("/{taskID}/{action}", h.HandleControl)

	return r
}

// HandleEnqueue asks for an attachment to be downloaded.
func (h *AttachmentHandler) HandleEnqueue(w http.ResponseWriter, r *http.Request) {
	h.enqueue(w, r, h.queue.Enqueue)
}

// HandleRedownload cancels any live task for the target and enqueues it again.
func (h *AttachmentHandler) HandleRedownload(w http.ResponseWriter, r *http.Request) {
	h.enqueue(w, r, h.queue.Redownload)
}

func (h *AttachmentHandler) enqueue(
	w http.ResponseWriter,
	r *http.Request,
	fn func(context.Context, attachment.Target) (attachment.TaskHandle, error),
) {
	ctx := r.Context()
	logger := logctx.LoggerFromContext(ctx)

	target, err := decodeTarget(w, r)
	if err != nil {
		logger.DebugContext(ctx, "invalid enqueue request", "err", err)
		writeError(ctx, w, http.StatusBadRequest, err, nil)

		return
	}

	handle, err := fn(ctx, target)
	if err != nil {
		var dup *attachment.DuplicateTargetError
		if errors.As(err, &dup) {
			writeError(ctx, w, http.StatusConflict, err, &dup.Existing)

			return
		}

		logger.ErrorContext(ctx, "failed to enqueue attachment", "target_id", target.ID, "err", err)
		h.telemetry.RecordSystemError(ctx, "rest", "enqueue")
		writeError(ctx, w, http.StatusInternalServerError, err, nil)

		return
	}

	status := http.StatusAccepted
	if handle.Cached {
		status = http.StatusOK
	}

	writeJSON(ctx, w, status, handle)
}

// HandleList returns every live task in admission order.
func (h *AttachmentHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	snaps := h.queue.Snapshots()
	views := make([]TaskView, 0, len(snaps))

	for _, s := range snaps {
		views = append(views, newTaskView(s))
	}

	writeJSON(r.Context(), w, http.StatusOK, views)
}

// HandleControl applies pause, resume, cancel or retry to a task.
func (h *AttachmentHandler) HandleControl(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	taskID := chi.URLParam(r, "taskID")

	var op func(context.Context, string) error

	switch chi.URLParam(r, "action") {
	case "pause":
		op = h.queue.Pause
	case "resume":
		op = h.queue.Resume
	case "cancel":
		op = h.queue.Cancel
	case "retry":
		op = h.queue.Retry
	default:
		http.NotFound(w, r)

		return
	}

	if err := op(ctx, taskID); err != nil {
		switch {
		case errors.Is(err, attachment.ErrTaskNotFound):
			writeError(ctx, w, http.StatusNotFound, err, nil)
		case errors.Is(err, attachment.ErrInvalidTransition):
			writeError(ctx, w, http.StatusConflict, err, nil)
		default:
			writeError(ctx, w, http.StatusInternalServerError, err, nil)
		}

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandleRenderState returns what a view bound to targetID should draw.
func (h *AttachmentHandler) HandleRenderState(w http.ResponseWriter, r *http.Request) {
	targetID := chi.URLParam(r, "targetID")

	rs, ok := h.queue.RenderState(targetID)
	if !ok {
		writeError(r.Context(), w, http.StatusNotFound, errors.New("unknown target"), nil)

		return
	}

	writeJSON(r.Context(), w, http.StatusOK, rs)
}

func decodeTarget(w http.ResponseWriter, r *http.Request) (attachment.Target, error) {
	var req TargetRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		return attachment.Target{}, errors.New("invalid request body")
	}

	if req.ID == "" || req.HashOrURL == "" {
		return attachment.Target{}, errors.New("id and hash_or_url are required")
	}

	kind, err := attachment.ParseKind(req.Kind)
	if err != nil {
		return attachment.Target{}, err
	}

	return attachment.Target{ID: req.ID, HashOrURL: req.HashOrURL, Kind: kind}, nil
}

func newTaskView(s attachment.Snapshot) TaskView {
	v := TaskView{
		TaskID:        s.TaskID,
		TargetID:      s.Target.ID,
		HashOrURL:     s.Target.HashOrURL,
		Kind:          s.Target.Kind.String(),
		State:         s.State.String(),
		Progress:      s.ProgressPercent,
		CorrelationID: s.CorrelationID,
		EnqueuedAt:    s.EnqueuedAt,
		RetryCount:    s.RetryCount,
	}

	if s.State == attachment.StatePaused {
		v.PauseReason = s.PauseReason.String()
	}

	if s.Err != nil {
		v.Error = s.Err.Error()
	}

	return v
}

func writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logctx.LoggerFromContext(ctx).ErrorContext(ctx, "failed to encode response", "err", err)
	}
}

func writeError(ctx context.Context, w http.ResponseWriter, status int, err error, existing *attachment.TaskHandle) {
	writeJSON(ctx, w, status, ErrorResponse{
		Error:     err.Error(),
		RequestID: telemetry.GetRequestID(ctx),
		Existing:  existing,
	})
}
