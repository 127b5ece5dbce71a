// Package event defines the trace events the streaming engine emits.
package event

import "time"

// Type identifies the kind of event.
type Type int

const (
	SessionStarted Type = iota + 1
	Calibrated
	Iteration
	PauseApplied
	CopyFailed
	Cancelled
	ChainCollapsed
	SessionClean
)

var typeNames = [...]string{
	SessionStarted: "SessionStarted",
	Calibrated:     "Calibrated",
	Iteration:      "Iteration",
	PauseApplied:   "PauseApplied",
	CopyFailed:     "CopyFailed",
	Cancelled:      "Cancelled",
	ChainCollapsed: "ChainCollapsed",
	SessionClean:   "SessionClean",
}

func (t Type) String() string {
	if int(t) < len(typeNames) && typeNames[t] != "" {
		return typeNames[t]
	}
	return "Unknown"
}

// Event is a single trace record from a stream session.
type Event struct {
	Type      Type
	Timestamp time.Time
	Node      string // node name the event concerns
	Offset    int64
	Length    int64
	Copied    bool
	Rate      float64 // foreground rate, Calibrated/PauseApplied only
	Error     error
}

// Emit sends e on ch without blocking; a full or nil channel drops it.
func Emit(ch chan<- Event, e Event) {
	if ch == nil {
		return
	}
	e.Timestamp = time.Now()
	select {
	case ch <- e:
	default:
	}
}
