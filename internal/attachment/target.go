package attachment

import "fmt"

// Kind is the type of content an attachment carries.
type Kind int

const (
	KindImage Kind = iota
	KindVideo
	KindVoice
	KindGenericFile
	KindMapSnapshot
)

func (k Kind) String() string {
	switch k {
	case KindImage:
		return "image"
	case KindVideo:
		return "video"
	case KindVoice:
		return "voice"
	case KindGenericFile:
		return "file"
	case KindMapSnapshot:
		return "map"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind maps the wire name of a kind back to a Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "image":
		return KindImage, nil
	case "video":
		return KindVideo, nil
	case "voice":
		return KindVoice, nil
	case "file":
		return KindGenericFile, nil
	case "map":
		return KindMapSnapshot, nil
	}

	return 0, fmt.Errorf("unknown attachment kind %q", s)
}

// Target identifies a piece of remote content. Two targets with the same
// HashOrURL are the same transfer, whoever asked for them.
type Target struct {
	ID        string
	HashOrURL string
	Kind      Kind
}

// State is the lifecycle state of a transfer task.
type State int

const (
	StateUndefined State = iota
	StateQueued
	StateDownloading
	StatePaused
	StateCompleted
	StateError
)

func (s State) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateDownloading:
		return "downloading"
	case StatePaused:
		return "paused"
	case StateCompleted:
		return "completed"
	case StateError:
		return "error"
	default:
		return "undefined"
	}
}

// PauseReason records who paused a task.
type PauseReason int

const (
	PauseNone PauseReason = iota
	PauseByUser
	PauseByConnectivity
	PauseByBackend
	// PauseAwaitingSlot is a resume request parked until a concurrency slot
	// frees up.
	PauseAwaitingSlot
)

func (r PauseReason) String() string {
	switch r {
	case PauseByUser:
		return "user"
	case PauseByConnectivity:
		return "connectivity"
	case PauseByBackend:
		return "backend"
	case PauseAwaitingSlot:
		return "awaiting_slot"
	default:
		return "none"
	}
}

// automatic reports whether a task paused for this reason may be resumed by
// the queue without the user asking.
func (r PauseReason) automatic() bool {
	return r == PauseByConnectivity || r == PauseByBackend || r == PauseAwaitingSlot
}
