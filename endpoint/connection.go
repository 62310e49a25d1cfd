package endpoint

import (
	"fmt"
	"time"

	"github.com/opd-ai/swiftlet/address"
	"github.com/opd-ai/swiftlet/engine"
)

// State is a connection's lifecycle state. Transitions only move forward.
type State uint8

const (
	// StateEstablishing means the handshake is in progress.
	StateEstablishing State = iota
	// StateActive means ConnectionStarted fired and streams are usable.
	StateActive
	// StateEnding means a close began; sends fail and the reason is fixed.
	StateEnding
	// StateEnded means ConnectionEnded fired or is about to.
	StateEnded
)

// String returns a human-readable representation of the State.
func (s State) String() string {
	switch s {
	case StateEstablishing:
		return "establishing"
	case StateActive:
		return "active"
	case StateEnding:
		return "ending"
	case StateEnded:
		return "ended"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

type streamKind uint8

const (
	streamMain streamKind = iota
	streamBackground
)

func (s streamKind) String() string {
	if s == streamMain {
		return "main"
	}
	return "background"
}

// recvBuffer accumulates stream bytes until the application consumes them.
type recvBuffer struct {
	buf        []byte
	limit      int
	firstBytes int
	// delivered is set once the first callback ran.
	delivered bool
	// pending is set while a readable event is queued.
	pending bool
}

func newRecvBuffer(initial, limit, firstBytes int) recvBuffer {
	return recvBuffer{
		buf:        make([]byte, 0, min(initial, limit)),
		limit:      limit,
		firstBytes: firstBytes,
	}
}

// push appends p unless that would exceed the limit.
func (b *recvBuffer) push(p []byte) bool {
	if len(b.buf)+len(p) > b.limit {
		return false
	}
	b.buf = append(b.buf, p...)
	return true
}

// ready reports whether a delivery is due: the first one waits for
// firstBytes, later ones for any byte.
func (b *recvBuffer) ready() bool {
	if len(b.buf) == 0 {
		return false
	}
	if !b.delivered {
		return len(b.buf) >= b.firstBytes
	}
	return true
}

// consume drops the first n bytes and marks the first delivery done.
func (b *recvBuffer) consume(n int) {
	b.delivered = true
	n = max(0, min(n, len(b.buf)))
	if n == 0 {
		return
	}
	rest := copy(b.buf, b.buf[n:])
	b.buf = b.buf[:rest]
}

// connection is the per-peer record owned by the Endpoint table.
type connection struct {
	id     ConnectionID
	peer   address.Address
	handle engine.Handle
	// bound is false on a server until the engine reports the handshake.
	bound bool
	// started is set once ConnectionStarted was queued.
	started bool

	state  State
	reason EndReason

	lastActivity   time.Time
	keepAlive      time.Duration
	nextKeepAlive  time.Time
	endingDeadline time.Time

	main       recvBuffer
	background recvBuffer
}

func newConnection(id ConnectionID, peer address.Address, now time.Time, cfg Config) *connection {
	return &connection{
		id:           id,
		peer:         peer,
		state:        StateEstablishing,
		lastActivity: now,
		keepAlive:    cfg.KeepAliveInterval,
		main:         newRecvBuffer(cfg.InitialMainRecvSize, cfg.ReliableStreamBuffer, cfg.MainRecvFirstBytes),
		background:   newRecvBuffer(cfg.InitialBackgroundRecvSize, cfg.UnreliableStreamBuffer, cfg.BackgroundRecvFirstBytes),
	}
}

func (c *connection) stream(kind streamKind) *recvBuffer {
	if kind == streamMain {
		return &c.main
	}
	return &c.background
}

// readable reports whether received stream data is still delivered. Data
// that arrives while Ending is handed out; only sends stop. A connection
// that never started delivers nothing.
func (c *connection) readable() bool {
	return c.started && (c.state == StateActive || c.state == StateEnding)
}

// deadline returns the earliest timer of c, or the zero time.
func (c *connection) deadline(idle time.Duration) time.Time {
	switch c.state {
	case StateEstablishing:
		return c.lastActivity.Add(idle)
	case StateActive:
		d := c.lastActivity.Add(idle)
		if c.keepAlive > 0 && c.nextKeepAlive.Before(d) {
			d = c.nextKeepAlive
		}
		return d
	case StateEnding:
		return c.endingDeadline
	default:
		return time.Time{}
	}
}
