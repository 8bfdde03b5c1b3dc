package attachment

import "context"

// Backend performs the network I/O for transfers. Every method is a
// fire-and-forget request: it must not block and must not call back into the
// Queue. Results arrive later as Events carrying the correlation id.
type Backend interface {
	RequestDownload(target Target, correlationID string)
	RequestPause(correlationID string)
	RequestResume(correlationID string)
	RequestCancel(correlationID string)
}

// DiskCache answers whether content is already materialized locally. It only
// reflects fully persisted content and says nothing about in-flight tasks.
type DiskCache interface {
	Exists(ctx context.Context, target Target) (bool, error)
	ResolvePath(ctx context.Context, target Target) (string, error)
}

// EventType enumerates the backend notifications.
type EventType int

const (
	EventProgress EventType = iota + 1
	EventSuspended
	EventResumed
	EventCompleted
	EventFailed
)

func (t EventType) String() string {
	switch t {
	case EventProgress:
		return "progress"
	case EventSuspended:
		return "suspended"
	case EventResumed:
		return "resumed"
	case EventCompleted:
		return "completed"
	case EventFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Event is an asynchronous notification from the Backend.
type Event struct {
	CorrelationID string
	Type          EventType
	Percent       float64 // EventProgress
	Path          string  // EventCompleted
	Reason        string  // EventFailed
}

func ProgressEvent(correlationID string, percent float64) Event {
	return Event{CorrelationID: correlationID, Type: EventProgress, Percent: percent}
}

func SuspendedEvent(correlationID string) Event {
	return Event{CorrelationID: correlationID, Type: EventSuspended}
}

func ResumedEvent(correlationID string) Event {
	return Event{CorrelationID: correlationID, Type: EventResumed}
}

func CompletedEvent(correlationID, path string) Event {
	return Event{CorrelationID: correlationID, Type: EventCompleted, Path: path}
}

func FailedEvent(correlationID, reason string) Event {
	return Event{CorrelationID: correlationID, Type: EventFailed, Reason: reason}
}
