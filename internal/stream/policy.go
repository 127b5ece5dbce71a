package stream

import (
	"errors"
	"fmt"
	"syscall"
)

// Policy selects how the copy loop reacts to a failed probe or copy.
type Policy int

const (
	// Report remembers the first error and terminates the loop.
	Report Policy = iota
	// Ignore remembers the first error but keeps advancing.
	Ignore
	// Stop retries the same offset on the next iteration without
	// recording an error, treating the failure as a pause request.
	Stop
	// Enospc stops on out-of-space errors and reports everything else.
	Enospc
)

func (p Policy) String() string {
	switch p {
	case Report:
		return "report"
	case Ignore:
		return "ignore"
	case Stop:
		return "stop"
	case Enospc:
		return "enospc"
	default:
		return "unknown"
	}
}

// ParsePolicy maps a flag value to a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "report":
		return Report, nil
	case "ignore":
		return Ignore, nil
	case "stop":
		return Stop, nil
	case "enospc":
		return Enospc, nil
	default:
		return Report, fmt.Errorf("unknown error policy %q", s)
	}
}

// Action is the resolved per-error reaction.
type Action int

const (
	ActionIgnore Action = iota
	ActionReport
	ActionStop
)

// resolveAction maps an I/O error and the session policy to an action.
func resolveAction(err error, p Policy) Action {
	switch p {
	case Ignore:
		return ActionIgnore
	case Stop:
		return ActionStop
	case Enospc:
		if errors.Is(err, syscall.ENOSPC) {
			return ActionStop
		}
		return ActionReport
	default:
		return ActionReport
	}
}
