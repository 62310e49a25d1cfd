package socket

import (
	"context"
	"time"
)

// Notifier blocks the event loop until a socket becomes readable, a wake
// is requested, or a deadline passes. Implementations are chosen per
// platform at build time.
type Notifier interface {
	// Wait returns readable=true when the socket has datagrams queued. It
	// returns false on wake, deadline expiry, or ctx cancellation; a zero
	// deadline waits without a timeout. ctx errors are returned as is.
	Wait(ctx context.Context, deadline time.Time) (readable bool, err error)
	// Wake interrupts a current or the next Wait. It may be called from any
	// goroutine.
	Wake()
	// Close releases notifier resources. It does not close the socket.
	Close() error
}

// NewNotifier creates the platform notifier for s.
func NewNotifier(s *Socket) (Notifier, error) {
	return newNotifier(s)
}
