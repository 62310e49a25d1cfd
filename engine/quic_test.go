package engine

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/opd-ai/swiftlet/address"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testALPN = []string{"swiftlet-test"}

// link shuttles datagrams between two engines in memory.
type link struct {
	server, client         *QUIC
	serverAddr, clientAddr address.Address
	stop                   chan struct{}
	wg                     sync.WaitGroup

	mu       sync.Mutex
	srvEvs   []Event
	cliEvs   []Event
	dropFrom address.Address
}

func newLink(t *testing.T) *link {
	t.Helper()
	serverTLS, clientTLS, err := SelfSignedTLS(testALPN)
	require.NoError(t, err)

	l := &link{
		serverAddr: address.MustParse("127.0.0.1:7000"),
		clientAddr: address.MustParse("127.0.0.1:7001"),
		stop:       make(chan struct{}),
	}
	l.server, err = New(Config{
		TLS:                  serverTLS,
		IdleTimeout:          5 * time.Second,
		MainSendBuffer:       1 << 16,
		BackgroundSendBuffer: 1 << 16,
		Server:               true,
		Local:                l.serverAddr,
	})
	require.NoError(t, err)
	l.client, err = New(Config{
		TLS:                  clientTLS,
		IdleTimeout:          5 * time.Second,
		MainSendBuffer:       1 << 16,
		BackgroundSendBuffer: 1 << 16,
		Local:                l.clientAddr,
	})
	require.NoError(t, err)

	l.wg.Add(1)
	go l.run()
	t.Cleanup(func() {
		close(l.stop)
		l.wg.Wait()
		assert.NoError(t, l.client.Shutdown())
		assert.NoError(t, l.server.Shutdown())
	})
	return l
}

func (l *link) run() {
	defer l.wg.Done()
	tick := time.NewTicker(time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-tick.C:
		}
		for _, d := range l.client.Outbound() {
			if d.To == l.serverAddr {
				_ = l.server.Deliver(d.Data, l.clientAddr)
			}
		}
		for _, d := range l.server.Outbound() {
			if d.To == l.clientAddr {
				_ = l.client.Deliver(d.Data, l.serverAddr)
			}
		}
		srv := l.server.Events()
		cli := l.client.Events()
		l.mu.Lock()
		l.srvEvs = append(l.srvEvs, srv...)
		l.cliEvs = append(l.cliEvs, cli...)
		l.mu.Unlock()
	}
}

func (l *link) events(server bool) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	if server {
		return append([]Event(nil), l.srvEvs...)
	}
	return append([]Event(nil), l.cliEvs...)
}

func find(evs []Event, kind EventKind) (Event, bool) {
	for _, ev := range evs {
		if ev.Kind == kind {
			return ev, true
		}
	}
	return Event{}, false
}

func collect(evs []Event, kind EventKind) []byte {
	var out bytes.Buffer
	for _, ev := range evs {
		if ev.Kind == kind {
			out.Write(ev.Data)
		}
	}
	return out.Bytes()
}

func (l *link) establish(t *testing.T) (client, server Handle) {
	t.Helper()
	h, err := l.client.Dial(l.serverAddr)
	require.NoError(t, err)

	var srv Event
	require.Eventually(t, func() bool {
		_, cliOK := find(l.events(false), EventEstablished)
		var srvOK bool
		srv, srvOK = find(l.events(true), EventEstablished)
		return cliOK && srvOK
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, l.clientAddr, srv.Peer)
	return h, srv.Handle
}

// TestQUIC_MainAndBackground tests a full exchange over both channels
// followed by an application close.
func TestQUIC_MainAndBackground(t *testing.T) {
	l := newLink(t)
	cli, srv := l.establish(t)

	n, err := l.client.SendMain(cli, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	require.Eventually(t, func() bool {
		return bytes.Equal([]byte("hello"), collect(l.events(true), EventMainData))
	}, 5*time.Second, 5*time.Millisecond)

	n, err = l.server.SendMain(srv, []byte("world"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	require.Eventually(t, func() bool {
		return bytes.Equal([]byte("world"), collect(l.events(false), EventMainData))
	}, 5*time.Second, 5*time.Millisecond)

	_, err = l.client.SendBackground(cli, []byte("media"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return bytes.Equal([]byte("media"), collect(l.events(true), EventBackgroundData))
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, l.client.Ping(cli))

	require.NoError(t, l.client.Close(cli, 0, false))
	require.NoError(t, l.client.Close(cli, 0, false))

	var cliClosed, srvClosed Event
	require.Eventually(t, func() bool {
		var ok1, ok2 bool
		cliClosed, ok1 = find(l.events(false), EventClosed)
		srvClosed, ok2 = find(l.events(true), EventClosed)
		return ok1 && ok2
	}, 5*time.Second, 5*time.Millisecond)

	assert.Equal(t, OriginLocal, cliClosed.Close.Origin)
	assert.True(t, cliClosed.Close.Application)
	assert.Equal(t, OriginPeer, srvClosed.Close.Origin)
	assert.True(t, srvClosed.Close.Application)
	assert.Equal(t, uint64(0), srvClosed.Close.Code)

	_, err = l.client.SendMain(cli, []byte("late"))
	assert.ErrorIs(t, err, ErrUnknownHandle)
}

// TestQUIC_EndpointClose tests that endpoint closes are classified by
// phrase on the peer.
func TestQUIC_EndpointClose(t *testing.T) {
	l := newLink(t)
	_, srv := l.establish(t)

	require.NoError(t, l.server.Close(srv, 0x02, true))

	var cliClosed Event
	require.Eventually(t, func() bool {
		var ok bool
		cliClosed, ok = find(l.events(false), EventClosed)
		return ok
	}, 5*time.Second, 5*time.Millisecond)

	assert.Equal(t, OriginPeer, cliClosed.Close.Origin)
	assert.False(t, cliClosed.Close.Application)
	assert.Equal(t, uint64(0x02), cliClosed.Close.Code)
}

// TestQUIC_SendCap tests that sends beyond the cap are partially accepted.
func TestQUIC_SendCap(t *testing.T) {
	_, clientTLS, err := SelfSignedTLS(testALPN)
	require.NoError(t, err)
	q, err := New(Config{
		TLS:                  clientTLS,
		IdleTimeout:          time.Second,
		MainSendBuffer:       8,
		BackgroundSendBuffer: 8,
		Local:                address.MustParse("127.0.0.1:7100"),
	})
	require.NoError(t, err)
	defer q.Shutdown()

	// Nobody answers, so queued main bytes stay queued.
	h, err := q.Dial(address.MustParse("127.0.0.1:7101"))
	require.NoError(t, err)

	n, err := q.SendMain(h, []byte("0123456789"))
	require.NoError(t, err)
	assert.Equal(t, 8, n)

	n, err = q.SendMain(h, []byte("x"))
	assert.ErrorIs(t, err, ErrBufferFull)
	assert.Equal(t, 0, n)

	_, err = q.SendBackground(h, []byte("x"))
	assert.ErrorIs(t, err, ErrNotEstablished)
	assert.ErrorIs(t, q.Ping(h), ErrNotEstablished)

	require.Eventually(t, func() bool {
		return len(q.Outbound()) > 0
	}, 5*time.Second, 5*time.Millisecond, "client Initial should have been written")

	require.NoError(t, q.Close(h, 0, true))
	_, err = q.SendMain(h, []byte("x"))
	assert.ErrorIs(t, err, ErrClosing)

	require.Eventually(t, func() bool {
		for _, ev := range q.Events() {
			if ev.Kind == EventClosed && ev.Handle == h {
				assert.Equal(t, OriginLocal, ev.Close.Origin)
				return true
			}
		}
		return false
	}, 5*time.Second, 5*time.Millisecond)
}

// TestNew_Validation tests configuration checks.
func TestNew_Validation(t *testing.T) {
	serverTLS, clientTLS, err := SelfSignedTLS(testALPN)
	require.NoError(t, err)
	base := Config{
		TLS:                  clientTLS,
		IdleTimeout:          time.Second,
		MainSendBuffer:       1,
		BackgroundSendBuffer: 1,
		Local:                address.MustParse("127.0.0.1:1"),
	}

	noTLS := base
	noTLS.TLS = nil
	_, err = New(noTLS)
	assert.Error(t, err)

	serverNoCert := base
	serverNoCert.Server = true
	_, err = New(serverNoCert)
	assert.Error(t, err)

	noIdle := base
	noIdle.IdleTimeout = 0
	_, err = New(noIdle)
	assert.Error(t, err)

	ok := base
	ok.TLS = serverTLS
	ok.Server = true
	q, err := New(ok)
	require.NoError(t, err)
	_, err = q.Dial(address.MustParse("127.0.0.1:2"))
	assert.Error(t, err)
	assert.NoError(t, q.Shutdown())
	assert.NoError(t, q.Shutdown())
}
