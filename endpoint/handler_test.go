package endpoint

import (
	"context"
	"errors"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/opd-ai/swiftlet/address"
	"github.com/opd-ai/swiftlet/engine"
	"github.com/opd-ai/swiftlet/randomness"
	"github.com/opd-ai/swiftlet/socket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type tickingRecorder struct {
	*recorder
	ticks    int
	stopWhen func(ep *Endpoint) bool
}

func (r *tickingRecorder) Tick(ep *Endpoint) bool {
	r.ticks++
	return r.stopWhen(ep)
}

type errNotifier struct{ err error }

func (n errNotifier) Wait(context.Context, time.Time) (bool, error) { return false, n.err }
func (errNotifier) Wake()                                          {}
func (errNotifier) Close() error                                   { return nil }

// TestNewHandler_Validation tests constructor argument checks.
func TestNewHandler_Validation(t *testing.T) {
	f := newFixture(t, false, nil)

	_, err := NewHandler(nil, f.cb)
	assert.ErrorIs(t, err, ErrConfigCreation)
	_, err = NewHandler(f.ep, nil)
	assert.ErrorIs(t, err, ErrConfigCreation)

	_, err = NewHandler(f.ep, f.cb)
	assert.ErrorIs(t, err, ErrSocketCreation, "a fake socket has no default notifier")
}

// TestHandler_RunTimers tests that Run drives keep-alives and the idle
// timeout, and that a Ticker stops the loop.
func TestHandler_RunTimers(t *testing.T) {
	f := newFixture(t, false, func(c *Config) {
		c.IdleTimeout = 5 * time.Second
		c.KeepAliveInterval = 2 * time.Second
	})
	id, h := f.connect(serverAddr)

	cb := &tickingRecorder{
		recorder: f.cb,
		stopWhen: func(ep *Endpoint) bool { return ep.NumConnections() == 0 },
	}
	n := &clockNotifier{clock: f.clock}
	handler, err := NewHandler(f.ep, cb, WithNotifier(n), WithTickInterval(100*time.Millisecond))
	require.NoError(t, err)
	assert.Same(t, f.ep, handler.Endpoint())

	start := f.clock.Now()
	require.NoError(t, handler.Run(context.Background()))

	assert.Equal(t, []entry{
		{Kind: EventEndingWarning, ID: id, Reason: IdleTimeout()},
		{Kind: EventConnectionEnded, ID: id, Reason: IdleTimeout()},
	}, f.cb.take())
	assert.Equal(t, start.Add(10*time.Second), f.clock.Now())

	conn, ok := f.eng.Conn(h)
	require.True(t, ok)
	assert.Equal(t, 2, conn.Pings)
	assert.Positive(t, cb.ticks)
}

// TestHandler_RunStops tests the explicit shutdown paths.
func TestHandler_RunStops(t *testing.T) {
	t.Run("stop", func(t *testing.T) {
		f := newFixture(t, false, nil)
		f.h.Stop()
		assert.NoError(t, f.h.Run(context.Background()))
	})

	t.Run("cancelled", func(t *testing.T) {
		f := newFixture(t, false, nil)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		assert.NoError(t, f.h.Run(ctx))
	})

	t.Run("notifier failure", func(t *testing.T) {
		f := newFixture(t, false, nil)
		cause := errors.New("poll failed")
		h, err := NewHandler(f.ep, f.cb, WithNotifier(errNotifier{err: cause}))
		require.NoError(t, err)
		err = h.Run(context.Background())
		assert.ErrorIs(t, err, ErrSocketRecv)
		assert.ErrorIs(t, err, cause)
	})
}

// TestHandler_Flush tests write retries and error handling.
func TestHandler_Flush(t *testing.T) {
	a := engine.Datagram{To: serverAddr, Data: []byte("a")}
	b := engine.Datagram{To: serverAddr, Data: []byte("b")}
	c := engine.Datagram{To: serverAddr, Data: []byte("c")}

	t.Run("would block", func(t *testing.T) {
		f := newFixture(t, false, nil)
		f.eng.QueueOutbound(a)
		f.eng.QueueOutbound(b)
		f.eng.QueueOutbound(c)
		f.sock.writeErrs = []error{nil, socket.ErrWouldBlock}

		require.NoError(t, f.h.flush())
		assert.True(t, f.h.retry)
		assert.Equal(t, []engine.Datagram{a}, f.sock.written)

		require.NoError(t, f.h.flush())
		assert.False(t, f.h.retry)
		assert.Equal(t, []engine.Datagram{a, b, c}, f.sock.written)
	})

	t.Run("transient", func(t *testing.T) {
		if !socket.IsTransient(syscall.ECONNREFUSED) {
			t.Skip("no transient errors on this platform")
		}
		f := newFixture(t, false, nil)
		f.eng.QueueOutbound(a)
		f.eng.QueueOutbound(b)
		f.sock.writeErrs = []error{syscall.ECONNREFUSED}

		require.NoError(t, f.h.flush())
		assert.Equal(t, []engine.Datagram{b}, f.sock.written)
	})

	t.Run("fatal", func(t *testing.T) {
		f := newFixture(t, false, nil)
		f.eng.QueueOutbound(a)
		f.sock.writeErrs = []error{socket.ErrClosed}

		err := f.h.flush()
		assert.ErrorIs(t, err, ErrSocketSend)
		assert.ErrorIs(t, err, socket.ErrClosed)
	})
}

// echoServer sends every main stream byte back.
type echoServer struct {
	BaseCallbacks
	ended chan EndReason
}

func (s *echoServer) MainStreamRecv(ep *Endpoint, id ConnectionID, _ address.Address, data []byte) (int, bool) {
	n, err := ep.MainStreamSend(id, data)
	if err != nil {
		return 0, true
	}
	return n, true
}

func (s *echoServer) ConnectionEnded(_ *Endpoint, _ ConnectionID, reason EndReason) {
	s.ended <- reason
}

// helloClient sends a greeting, waits for the echo and closes.
type helloClient struct {
	BaseCallbacks
	mu       sync.Mutex
	received []byte
	warned   []EndReason
	ended    chan EndReason
}

func (c *helloClient) ConnectionStarted(ep *Endpoint, id ConnectionID, _ address.Address) bool {
	_, err := ep.MainStreamSend(id, []byte("hello"))
	return err == nil
}

func (c *helloClient) MainStreamRecv(ep *Endpoint, id ConnectionID, _ address.Address, data []byte) (int, bool) {
	c.mu.Lock()
	c.received = append(c.received, data...)
	done := string(c.received) == "hello"
	c.mu.Unlock()
	if done {
		_ = ep.CloseConnection(id, 0)
	}
	return len(data), true
}

func (c *helloClient) ConnectionEndingWarning(_ *Endpoint, _ ConnectionID, _ address.Address, reason EndReason) {
	c.mu.Lock()
	c.warned = append(c.warned, reason)
	c.mu.Unlock()
}

func (c *helloClient) ConnectionEnded(_ *Endpoint, _ ConnectionID, reason EndReason) {
	c.ended <- reason
}

// TestHandler_Loopback runs a client and a server over real UDP sockets on
// the loopback interface.
func TestHandler_Loopback(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping loopback test in short mode")
	}

	serverTLS, clientTLS, err := engine.SelfSignedTLS([]string{"swiftlet-test"})
	require.NoError(t, err)

	serverCfg := DefaultConfig()
	serverCfg.TLS = serverTLS
	srv, err := NewServer(serverCfg, address.MustParse("127.0.0.1:0"), randomness.System())
	require.NoError(t, err)
	defer srv.Close()
	require.NotZero(t, srv.LocalAddr().Port())

	clientCfg := DefaultConfig()
	clientCfg.TLS = clientTLS
	cli, id, err := NewClientWithFirstConnection(clientCfg, randomness.System(), srv.LocalAddr())
	require.NoError(t, err)
	defer cli.Close()

	server := &echoServer{ended: make(chan EndReason, 1)}
	client := &helloClient{ended: make(chan EndReason, 1)}

	srvHandler, err := NewHandler(srv, server, WithTickInterval(10*time.Millisecond))
	require.NoError(t, err)
	cliHandler, err := NewHandler(cli, client, WithTickInterval(10*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	runErrs := make(chan error, 2)
	for _, h := range []*Handler{srvHandler, cliHandler} {
		wg.Add(1)
		go func(h *Handler) {
			defer wg.Done()
			runErrs <- h.Run(ctx)
		}(h)
	}

	wait := func(ch chan EndReason) EndReason {
		select {
		case r := <-ch:
			return r
		case <-time.After(10 * time.Second):
			t.Fatal("timed out waiting for connection_ended")
			return EndReason{}
		}
	}
	assert.Equal(t, LocalApplication(0), wait(client.ended))
	assert.Equal(t, PeerApplication(0), wait(server.ended))

	client.mu.Lock()
	assert.Equal(t, "hello", string(client.received))
	assert.Equal(t, []EndReason{LocalApplication(0)}, client.warned)
	client.mu.Unlock()

	cancel()
	wg.Wait()
	close(runErrs)
	for err := range runErrs {
		assert.NoError(t, err)
	}

	assert.False(t, id.IsZero())
	assert.Equal(t, 0, cli.NumConnections())
	assert.Equal(t, 0, srv.NumConnections())
}
