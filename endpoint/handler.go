package endpoint

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/opd-ai/swiftlet/address"
	"github.com/opd-ai/swiftlet/socket"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultReadBudget is how many datagrams one loop iteration reads
	// before dispatching timers and flushing.
	DefaultReadBudget = 64
	// DefaultTickInterval is the period of the timer pass when no
	// connection deadline is sooner.
	DefaultTickInterval = 100 * time.Millisecond

	writeRetryDelay = time.Millisecond
)

// HandlerOption customises a Handler.
type HandlerOption func(*Handler)

// WithReadBudget bounds the datagrams read per loop iteration.
func WithReadBudget(n int) HandlerOption {
	return func(h *Handler) {
		if n > 0 {
			h.readBudget = n
		}
	}
}

// WithTickInterval sets the timer pass period.
func WithTickInterval(d time.Duration) HandlerOption {
	return func(h *Handler) {
		if d > 0 {
			h.tickInterval = d
		}
	}
}

// WithNotifier replaces the socket readiness notifier. The Handler takes
// ownership of n.
func WithNotifier(n socket.Notifier) HandlerOption {
	return func(h *Handler) {
		h.notifier = n
	}
}

// Handler runs the event loop of one Endpoint: it reads datagrams, feeds
// them to the Endpoint, dispatches events to the callbacks, runs timers and
// writes outbound datagrams.
type Handler struct {
	ep           *Endpoint
	cb           EventCallbacks
	notifier     socket.Notifier
	readBudget   int
	tickInterval time.Duration

	buf     []byte
	retry   bool
	stopped atomic.Bool
}

// NewHandler binds cb to ep.
func NewHandler(ep *Endpoint, cb EventCallbacks, opts ...HandlerOption) (*Handler, error) {
	if ep == nil || cb == nil {
		return nil, newError("new_handler", ConnectionID{}, ErrConfigCreation, errors.New("nil endpoint or callbacks"))
	}
	h := &Handler{
		ep:           ep,
		cb:           cb,
		readBudget:   DefaultReadBudget,
		tickInterval: DefaultTickInterval,
		buf:          make([]byte, socket.MaxDatagramSize),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.notifier == nil {
		s, ok := ep.sock.(*socket.Socket)
		if !ok {
			return nil, newError("new_handler", ConnectionID{}, ErrSocketCreation, errors.New("endpoint socket has no notifier"))
		}
		n, err := socket.NewNotifier(s)
		if err != nil {
			return nil, newError("new_handler", ConnectionID{}, ErrSocketCreation, err)
		}
		h.notifier = n
	}
	ep.eng.SetNotify(h.notifier.Wake)
	return h, nil
}

// Endpoint returns the Endpoint the Handler drives.
func (h *Handler) Endpoint() *Endpoint {
	return h.ep
}

// Stop makes Run return after its current iteration. It may be called from
// any goroutine.
func (h *Handler) Stop() {
	h.stopped.Store(true)
	h.notifier.Wake()
}

// Run drives the Endpoint until ctx is cancelled, Stop is called or a
// Ticker callback asks to stop. It returns nil in those cases and an
// ErrSocketRecv or ErrSocketSend error when the socket fails. Run does not
// close the Endpoint.
func (h *Handler) Run(ctx context.Context) error {
	defer func() {
		h.ep.eng.SetNotify(nil)
		h.notifier.Close()
	}()

	logger := logrus.WithFields(logrus.Fields{
		"function": "Handler.Run",
		"local":    h.ep.LocalAddr().String(),
	})
	logger.Debug("Event loop started")
	defer logger.Debug("Event loop stopped")

	nextTick := h.ep.clock.Now().Add(h.tickInterval)
	for !h.stopped.Load() && ctx.Err() == nil {
		readable, err := h.notifier.Wait(ctx, h.wakeAt(nextTick))
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return newError("run", ConnectionID{}, ErrSocketRecv, err)
		}
		if readable {
			if err := h.readBatch(); err != nil {
				return err
			}
		}
		h.dispatch(h.ep.PollEvents())

		now := h.ep.clock.Now()
		if h.timersDue(now, nextTick) {
			if err := h.ep.Tick(now); err != nil {
				logger.WithField("error", err.Error()).Warn("Timer pass reported errors")
			}
			h.dispatch(h.ep.takeEvents())
			if !now.Before(nextTick) {
				nextTick = now.Add(h.tickInterval)
			}
			if t, ok := h.cb.(Ticker); ok && t.Tick(h.ep) {
				h.stopped.Store(true)
			}
		}

		if err := h.flush(); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) wakeAt(nextTick time.Time) time.Time {
	at := nextTick
	if d := h.ep.NextDeadline(); !d.IsZero() && d.Before(at) {
		at = d
	}
	if h.retry {
		if r := h.ep.clock.Now().Add(writeRetryDelay); r.Before(at) {
			at = r
		}
	}
	return at
}

func (h *Handler) timersDue(now, nextTick time.Time) bool {
	if !now.Before(nextTick) {
		return true
	}
	d := h.ep.NextDeadline()
	return !d.IsZero() && !now.Before(d)
}

// readBatch reads until the socket would block or the budget is spent.
func (h *Handler) readBatch() error {
	for i := 0; i < h.readBudget; i++ {
		n, from, err := h.ep.sock.ReadFrom(h.buf)
		switch {
		case errors.Is(err, socket.ErrWouldBlock):
			return nil
		case socket.IsTransient(err):
			logrus.WithFields(logrus.Fields{
				"function": "Handler.readBatch",
				"error":    err.Error(),
			}).Debug("Transient receive error")
			continue
		case err != nil:
			return newError("run", ConnectionID{}, ErrSocketRecv, err)
		}

		evs, err := h.ep.Update(h.buf[:n], from)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Handler.readBatch",
				"from":     from.String(),
				"error":    err.Error(),
			}).Debug("Datagram rejected")
		}
		h.dispatch(evs)
	}
	return nil
}

// flush writes outbound datagrams until the socket would block.
func (h *Handler) flush() error {
	out := h.ep.DrainOutbound()
	h.retry = false
	sent := 0
	defer func() { h.ep.sent(sent) }()

	for i, d := range out {
		_, err := h.ep.sock.WriteTo(d.Data, d.To)
		switch {
		case err == nil:
			sent++
		case errors.Is(err, socket.ErrWouldBlock):
			h.ep.RequeueOutbound(out[i:])
			h.retry = true
			return nil
		case socket.IsTransient(err):
			logrus.WithFields(logrus.Fields{
				"function": "Handler.flush",
				"to":       d.To.String(),
				"error":    err.Error(),
			}).Warn("Dropping datagram")
		default:
			return newError("run", ConnectionID{}, ErrSocketSend, err)
		}
	}
	return nil
}

// dispatch runs callbacks in order. Events produced by a callback, for
// example by closing a connection, run after the ones already queued.
func (h *Handler) dispatch(evs []Event) {
	for len(evs) > 0 {
		ev := evs[0]
		evs = evs[1:]
		h.handle(ev)
		evs = append(evs, h.ep.takeEvents()...)
	}
}

func (h *Handler) handle(ev Event) {
	switch ev.Kind {
	case EventConnectionStarted:
		if !h.cb.ConnectionStarted(h.ep, ev.ID, ev.Addr) {
			h.ep.refuse(ev.ID)
		}
	case EventMainReadable:
		h.deliver(ev, streamMain, h.cb.MainStreamRecv)
	case EventBackgroundReadable:
		h.deliver(ev, streamBackground, h.cb.BackgroundStreamRecv)
	case EventEndingWarning:
		h.cb.ConnectionEndingWarning(h.ep, ev.ID, ev.Addr, ev.Reason)
	case EventConnectionEnded:
		h.cb.ConnectionEnded(h.ep, ev.ID, ev.Reason)
		h.ep.release(ev.ID)
	}
}

type recvFunc func(ep *Endpoint, id ConnectionID, addr address.Address, data []byte) (int, bool)

func (h *Handler) deliver(ev Event, kind streamKind, recv recvFunc) {
	data, ok := h.ep.deliverable(ev.ID, kind)
	if !ok {
		return
	}
	n, keep := recv(h.ep, ev.ID, ev.Addr, data)
	h.ep.consume(ev.ID, kind, n)
	if !keep {
		h.ep.finishStream(ev.ID, kind)
	}
}
