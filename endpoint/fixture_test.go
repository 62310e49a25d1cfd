package endpoint

import (
	"context"
	"testing"
	"time"

	"github.com/opd-ai/swiftlet/address"
	"github.com/opd-ai/swiftlet/engine"
	"github.com/opd-ai/swiftlet/engine/enginetest"
	"github.com/opd-ai/swiftlet/randomness"
	"github.com/opd-ai/swiftlet/socket"
	"github.com/stretchr/testify/require"
)

type manualClock struct {
	now time.Time
}

func (c *manualClock) Now() time.Time { return c.now }

func (c *manualClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type fakeSocket struct {
	local   address.Address
	written []engine.Datagram
	// writeErrs are returned by successive writes; nil entries succeed.
	writeErrs []error
	closed    bool
}

func (s *fakeSocket) LocalAddr() address.Address { return s.local }

func (s *fakeSocket) ReadFrom([]byte) (int, address.Address, error) {
	return 0, address.Address{}, socket.ErrWouldBlock
}

func (s *fakeSocket) WriteTo(b []byte, to address.Address) (int, error) {
	if len(s.writeErrs) > 0 {
		err := s.writeErrs[0]
		s.writeErrs = s.writeErrs[1:]
		if err != nil {
			return 0, err
		}
	}
	s.written = append(s.written, engine.Datagram{To: to, Data: append([]byte(nil), b...)})
	return len(b), nil
}

func (s *fakeSocket) Close() error {
	s.closed = true
	return nil
}

type nopNotifier struct{}

func (nopNotifier) Wait(ctx context.Context, _ time.Time) (bool, error) { return false, ctx.Err() }
func (nopNotifier) Wake()                                              {}
func (nopNotifier) Close() error                                       { return nil }

// clockNotifier jumps the manual clock to each wait deadline.
type clockNotifier struct {
	clock *manualClock
	waits int
}

func (n *clockNotifier) Wait(ctx context.Context, deadline time.Time) (bool, error) {
	n.waits++
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if deadline.After(n.clock.now) {
		n.clock.now = deadline
	}
	return false, nil
}

func (n *clockNotifier) Wake()        {}
func (n *clockNotifier) Close() error { return nil }

// entry is the comparable record of one callback.
type entry struct {
	Kind   EventKind
	ID     ConnectionID
	Reason EndReason
	Data   string
}

// recorder logs callbacks and lets tests steer their return values.
type recorder struct {
	log    []entry
	refuse bool
	// main and background decide consumption; nil consumes everything.
	main       func(data []byte) (int, bool)
	background func(data []byte) (int, bool)
	onEnded    func(ep *Endpoint, id ConnectionID)
}

func (r *recorder) ConnectionStarted(_ *Endpoint, id ConnectionID, _ address.Address) bool {
	r.log = append(r.log, entry{Kind: EventConnectionStarted, ID: id})
	return !r.refuse
}

func (r *recorder) ConnectionEndingWarning(_ *Endpoint, id ConnectionID, _ address.Address, reason EndReason) {
	r.log = append(r.log, entry{Kind: EventEndingWarning, ID: id, Reason: reason})
}

func (r *recorder) ConnectionEnded(ep *Endpoint, id ConnectionID, reason EndReason) {
	r.log = append(r.log, entry{Kind: EventConnectionEnded, ID: id, Reason: reason})
	if r.onEnded != nil {
		r.onEnded(ep, id)
	}
}

func (r *recorder) MainStreamRecv(_ *Endpoint, id ConnectionID, _ address.Address, data []byte) (int, bool) {
	r.log = append(r.log, entry{Kind: EventMainReadable, ID: id, Data: string(data)})
	if r.main != nil {
		return r.main(data)
	}
	return len(data), true
}

func (r *recorder) BackgroundStreamRecv(_ *Endpoint, id ConnectionID, _ address.Address, data []byte) (int, bool) {
	r.log = append(r.log, entry{Kind: EventBackgroundReadable, ID: id, Data: string(data)})
	if r.background != nil {
		return r.background(data)
	}
	return len(data), true
}

func (r *recorder) take() []entry {
	out := r.log
	r.log = nil
	return out
}

// fixture wires an Endpoint to the simulated engine, a manual clock and a
// recording Handler.
type fixture struct {
	t     *testing.T
	ep    *Endpoint
	eng   *enginetest.Engine
	clock *manualClock
	sock  *fakeSocket
	cb    *recorder
	h     *Handler
}

var (
	serverAddr = address.MustParse("127.0.0.1:4433")
	clientAddr = address.MustParse("127.0.0.1:50000")
	peerA      = address.MustParse("127.0.0.1:6001")
	peerB      = address.MustParse("127.0.0.1:6002")
)

func newFixture(t *testing.T, server bool, mutate func(*Config)) *fixture {
	t.Helper()
	cfg := DefaultConfig()
	cfg.TLS = testTLS()
	if mutate != nil {
		mutate(&cfg)
	}
	require.NoError(t, cfg.Validate())

	rnd, err := randomness.NewSeeded([]byte(t.Name()))
	require.NoError(t, err)

	local := clientAddr
	if server {
		local = serverAddr
	}
	f := &fixture{
		t:     t,
		eng:   enginetest.New(cfg.ReliableStreamBuffer, cfg.UnreliableStreamBuffer),
		clock: &manualClock{now: time.Unix(1_700_000_000, 0)},
		sock:  &fakeSocket{local: local},
		cb:    &recorder{},
	}
	f.ep = newEndpoint(cfg, f.sock, f.eng, rnd, server, WithClock(f.clock))
	f.h, err = NewHandler(f.ep, f.cb, WithNotifier(nopNotifier{}))
	require.NoError(t, err)
	return f
}

// poll collects engine events and runs their callbacks.
func (f *fixture) poll() []entry {
	f.h.dispatch(f.ep.PollEvents())
	return f.cb.take()
}

// tick advances the clock, runs the timers and their callbacks.
func (f *fixture) tick(d time.Duration) ([]entry, error) {
	f.clock.Advance(d)
	err := f.ep.Tick(f.clock.Now())
	f.h.dispatch(f.ep.takeEvents())
	return f.cb.take(), err
}

// update feeds a datagram and runs the resulting callbacks.
func (f *fixture) update(b []byte, from address.Address) ([]entry, error) {
	evs, err := f.ep.Update(b, from)
	f.h.dispatch(evs)
	return f.cb.take(), err
}

// connect creates an Active client connection to peer.
func (f *fixture) connect(peer address.Address) (ConnectionID, engine.Handle) {
	f.t.Helper()
	id, err := f.ep.AddClientConnection(peer)
	require.NoError(f.t, err)
	hs := f.eng.Handles()
	h := hs[len(hs)-1]
	f.eng.Establish(h)
	require.Equal(f.t, []entry{{Kind: EventConnectionStarted, ID: id}}, f.poll())
	return id, h
}

// accept creates an Active server connection from peer.
func (f *fixture) accept(peer address.Address) (ConnectionID, engine.Handle) {
	f.t.Helper()
	_, err := f.update(initialPacket(), peer)
	require.NoError(f.t, err)
	h := f.eng.Accept(peer)
	got := f.poll()
	require.Len(f.t, got, 1)
	require.Equal(f.t, EventConnectionStarted, got[0].Kind)
	return got[0].ID, h
}

// initialPacket returns bytes that pass engine.LooksLikeInitial.
func initialPacket() []byte {
	b := make([]byte, engine.MinInitialSize)
	b[0] = 0xc3
	b[4] = 0x01
	return b
}
