package connectivity

// Status is a value of the Connectivity Signal.
type Status int

const (
	Disconnected Status = iota + 1
	Connected
)

func (s Status) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}
