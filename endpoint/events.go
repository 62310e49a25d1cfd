package endpoint

import (
	"fmt"

	"github.com/opd-ai/swiftlet/address"
)

// EventKind identifies an Endpoint event. Each kind maps to one
// EventCallbacks method.
type EventKind uint8

const (
	// EventConnectionStarted maps to ConnectionStarted.
	EventConnectionStarted EventKind = iota + 1
	// EventMainReadable maps to MainStreamRecv.
	EventMainReadable
	// EventBackgroundReadable maps to BackgroundStreamRecv.
	EventBackgroundReadable
	// EventEndingWarning maps to ConnectionEndingWarning.
	EventEndingWarning
	// EventConnectionEnded maps to ConnectionEnded.
	EventConnectionEnded
)

// String returns a human-readable representation of the EventKind.
func (k EventKind) String() string {
	switch k {
	case EventConnectionStarted:
		return "connection_started"
	case EventMainReadable:
		return "main_readable"
	case EventBackgroundReadable:
		return "background_readable"
	case EventEndingWarning:
		return "connection_ending_warning"
	case EventConnectionEnded:
		return "connection_ended"
	default:
		return fmt.Sprintf("EventKind(%d)", uint8(k))
	}
}

// Event is one pending callback. Reason is set for the ending and ended
// kinds.
type Event struct {
	Kind   EventKind
	ID     ConnectionID
	Addr   address.Address
	Reason EndReason
}
