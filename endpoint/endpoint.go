package endpoint

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"time"

	"github.com/opd-ai/swiftlet/address"
	"github.com/opd-ai/swiftlet/engine"
	"github.com/opd-ai/swiftlet/randomness"
	"github.com/opd-ai/swiftlet/socket"
	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// maxIDAttempts bounds retries when a fresh ConnectionID collides.
const maxIDAttempts = 8

// packetSocket is the part of *socket.Socket the Endpoint and Handler use.
type packetSocket interface {
	LocalAddr() address.Address
	ReadFrom(b []byte) (int, address.Address, error)
	WriteTo(b []byte, to address.Address) (int, error)
	Close() error
}

// transport is the engine capability the Endpoint drives. *engine.QUIC
// implements it.
type transport interface {
	Dial(peer address.Address) (engine.Handle, error)
	Deliver(b []byte, from address.Address) error
	Outbound() []engine.Datagram
	Events() []engine.Event
	SendMain(h engine.Handle, b []byte) (int, error)
	SendBackground(h engine.Handle, b []byte) (int, error)
	Ping(h engine.Handle) error
	Close(h engine.Handle, code uint64, endpointOriginated bool) error
	SetNotify(fn func())
	Shutdown() error
}

var (
	_ packetSocket = (*socket.Socket)(nil)
	_ transport    = (*engine.QUIC)(nil)
)

// Option customises an Endpoint.
type Option func(*Endpoint)

// WithClock replaces the real clock.
func WithClock(c Clock) Option {
	return func(e *Endpoint) {
		if c != nil {
			e.clock = c
		}
	}
}

// WithMetrics installs metrics; the default is NopMetrics.
func WithMetrics(m *Metrics) Option {
	return func(e *Endpoint) {
		if m != nil {
			e.metrics = m
		}
	}
}

// Endpoint owns one UDP socket, the QUIC engine behind it and every
// connection using them. It is not safe for concurrent use: all calls,
// including those made from callbacks, must come from the goroutine
// running Handler.Run.
type Endpoint struct {
	cfg      Config
	sock     packetSocket
	eng      transport
	rnd      io.Reader
	isServer bool
	clock    Clock
	metrics  *Metrics

	conns    map[ConnectionID]*connection
	byAddr   map[address.Address]ConnectionID
	byHandle map[engine.Handle]ConnectionID
	retired  *cache.Cache
	limiter  *rate.Limiter

	pending   []Event
	toRelease []ConnectionID
	requeued  []engine.Datagram
	closed    bool
}

// NewServer binds bind and accepts connections on it.
func NewServer(cfg Config, bind address.Address, rnd io.Reader, opts ...Option) (*Endpoint, error) {
	return create(cfg, bind, rnd, true, opts)
}

// NewClient binds an ephemeral socket of the family chosen by cfg.IPv6.
func NewClient(cfg Config, rnd io.Reader, opts ...Option) (*Endpoint, error) {
	family := address.FamilyIPv4
	if cfg.IPv6 {
		family = address.FamilyIPv6
	}
	return create(cfg, address.Unspecified(family), rnd, false, opts)
}

// NewClientWithFirstConnection is NewClient followed by
// AddClientConnection.
func NewClientWithFirstConnection(cfg Config, rnd io.Reader, peer address.Address, opts ...Option) (*Endpoint, ConnectionID, error) {
	ep, err := NewClient(cfg, rnd, opts...)
	if err != nil {
		return nil, ConnectionID{}, err
	}
	id, err := ep.AddClientConnection(peer)
	if err != nil {
		ep.Close()
		return nil, ConnectionID{}, err
	}
	return ep, id, nil
}

func create(cfg Config, bind address.Address, rnd io.Reader, server bool, opts []Option) (*Endpoint, error) {
	const op = "create_endpoint"
	if err := cfg.Validate(); err != nil {
		return nil, newError(op, ConnectionID{}, ErrConfigCreation, err)
	}
	var probe [1]byte
	if err := randomness.Fill(rnd, probe[:]); err != nil {
		return nil, newError(op, ConnectionID{}, ErrRandomness, err)
	}

	sock, err := socket.Listen(bind, socket.Options{TrafficClass: cfg.TrafficClass})
	if err != nil {
		return nil, newError(op, ConnectionID{}, ErrSocketCreation, err)
	}

	eng, err := engine.New(engine.Config{
		TLS:                  cfg.TLS,
		IdleTimeout:          cfg.IdleTimeout,
		MainSendBuffer:       cfg.ReliableStreamBuffer,
		BackgroundSendBuffer: cfg.UnreliableStreamBuffer,
		Server:               server,
		Local:                sock.LocalAddr(),
	})
	if err != nil {
		sock.Close()
		return nil, newError(op, ConnectionID{}, ErrConfigCreation, err)
	}

	ep := newEndpoint(cfg, sock, eng, rnd, server, opts...)
	logrus.WithFields(logrus.Fields{
		"function": "endpoint.create",
		"local":    sock.LocalAddr().String(),
		"server":   server,
	}).Info("Endpoint created")
	return ep, nil
}

// newEndpoint assembles an Endpoint from already constructed parts. cfg
// must be valid.
func newEndpoint(cfg Config, sock packetSocket, eng transport, rnd io.Reader, server bool, opts ...Option) *Endpoint {
	burst := max(1, int(math.Ceil(cfg.NewConnectionRate)))
	e := &Endpoint{
		cfg:      cfg,
		sock:     sock,
		eng:      eng,
		rnd:      rnd,
		isServer: server,
		clock:    RealClock{},
		metrics:  NopMetrics(),
		conns:    make(map[ConnectionID]*connection),
		byAddr:   make(map[address.Address]ConnectionID),
		byHandle: make(map[engine.Handle]ConnectionID),
		retired:  cache.New(cfg.IdleTimeout, 2*cfg.IdleTimeout),
		limiter:  rate.NewLimiter(rate.Limit(cfg.NewConnectionRate), burst),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// IsServer reports whether the Endpoint accepts connections.
func (e *Endpoint) IsServer() bool {
	return e.isServer
}

// LocalAddr returns the bound socket address.
func (e *Endpoint) LocalAddr() address.Address {
	return e.sock.LocalAddr()
}

// Config returns the configuration the Endpoint was built with.
func (e *Endpoint) Config() Config {
	return e.cfg
}

// NumConnections counts connections that have not ended.
func (e *Endpoint) NumConnections() int {
	n := 0
	for _, c := range e.conns {
		if c.state != StateEnded {
			n++
		}
	}
	return n
}

// lookup returns a connection that has not ended.
func (e *Endpoint) lookup(op string, id ConnectionID) (*connection, error) {
	c, ok := e.conns[id]
	if !ok || c.state == StateEnded {
		return nil, newError(op, id, ErrConnectionNotFound, nil)
	}
	return c, nil
}

// ConnectionAddr returns the peer address of id.
func (e *Endpoint) ConnectionAddr(id ConnectionID) (address.Address, error) {
	c, err := e.lookup("connection_addr", id)
	if err != nil {
		return address.Address{}, err
	}
	return c.peer, nil
}

// ConnectionState returns the lifecycle state of id.
func (e *Endpoint) ConnectionState(id ConnectionID) (State, error) {
	c, err := e.lookup("connection_state", id)
	if err != nil {
		return 0, err
	}
	return c.state, nil
}

// MainRecvFirstBytes returns how many main stream bytes id buffers before
// its first MainStreamRecv.
func (e *Endpoint) MainRecvFirstBytes(id ConnectionID) (int, error) {
	c, err := e.lookup("main_recv_first_bytes", id)
	if err != nil {
		return 0, err
	}
	return c.main.firstBytes, nil
}

// BackgroundRecvFirstBytes is MainRecvFirstBytes for the background
// stream.
func (e *Endpoint) BackgroundRecvFirstBytes(id ConnectionID) (int, error) {
	c, err := e.lookup("background_recv_first_bytes", id)
	if err != nil {
		return 0, err
	}
	return c.background.firstBytes, nil
}

// UpdateKeepAliveDuration sets the ping period of id and restarts its
// keep-alive timer. A non-positive d disables keep-alive for id.
func (e *Endpoint) UpdateKeepAliveDuration(id ConnectionID, d time.Duration) error {
	c, err := e.lookup("update_keep_alive_duration", id)
	if err != nil {
		return err
	}
	c.keepAlive = max(d, 0)
	c.nextKeepAlive = time.Time{}
	if c.keepAlive > 0 {
		c.nextKeepAlive = e.clock.Now().Add(c.keepAlive)
	}
	return nil
}

func (e *Endpoint) mintID() (ConnectionID, error) {
	for i := 0; i < maxIDAttempts; i++ {
		id, err := newConnectionID(e.rnd)
		if err != nil {
			return ConnectionID{}, err
		}
		if id.IsZero() {
			continue
		}
		if _, used := e.conns[id]; used {
			continue
		}
		if _, retired := e.retired.Get(id.String()); retired {
			continue
		}
		return id, nil
	}
	return ConnectionID{}, fmt.Errorf("no unused connection id after %d attempts", maxIDAttempts)
}

func (e *Endpoint) insert(c *connection) {
	e.conns[c.id] = c
	e.byAddr[c.peer] = c.id
	if c.bound {
		e.byHandle[c.handle] = c.id
	}
	e.metrics.Connections.Set(float64(e.NumConnections()))
}

// AddClientConnection starts a handshake with peer. It fails with
// ErrIsServer on a server Endpoint.
func (e *Endpoint) AddClientConnection(peer address.Address) (ConnectionID, error) {
	const op = "add_client_connection"
	if e.isServer {
		return ConnectionID{}, newError(op, ConnectionID{}, ErrIsServer, nil)
	}
	if e.closed {
		return ConnectionID{}, newError(op, ConnectionID{}, ErrConnectionCreation, errors.New("endpoint closed"))
	}
	local := e.sock.LocalAddr()
	if !peer.IsValid() || peer.Family() != local.Family() {
		return ConnectionID{}, newError(op, ConnectionID{}, ErrConnectionCreation,
			fmt.Errorf("peer %s does not match %s socket", peer, local.Family()))
	}
	if id, dup := e.byAddr[peer]; dup {
		return ConnectionID{}, newError(op, id, ErrConnectionCreation, fmt.Errorf("already connected to %s", peer))
	}

	id, err := e.mintID()
	if err != nil {
		return ConnectionID{}, newError(op, ConnectionID{}, ErrConnectionCreation, fmt.Errorf("%w: %w", ErrRandomness, err))
	}
	h, err := e.eng.Dial(peer)
	if err != nil {
		return ConnectionID{}, newError(op, id, ErrConnectionCreation, err)
	}

	c := newConnection(id, peer, e.clock.Now(), e.cfg)
	c.handle = h
	c.bound = true
	e.insert(c)

	logrus.WithFields(logrus.Fields{
		"function": "Endpoint.AddClientConnection",
		"id":       id.String(),
		"peer":     peer.String(),
	}).Info("Connecting")
	return id, nil
}

// CloseConnection closes id with an application error code. Closing a
// connection that is already ending succeeds without effect.
func (e *Endpoint) CloseConnection(id ConnectionID, appErrorCode uint64) error {
	const op = "close_connection"
	c, err := e.lookup(op, id)
	if err != nil {
		return err
	}
	if err := e.closeConn(c, LocalApplication(appErrorCode), appErrorCode, false); err != nil {
		return newError(op, id, ErrConnectionClose, err)
	}
	return nil
}

// closeConn asks the engine to close c and moves it to Ending. The engine's
// close report or the ending deadline finishes it.
func (e *Endpoint) closeConn(c *connection, reason EndReason, code uint64, endpointOriginated bool) error {
	if c.state >= StateEnding {
		return nil
	}
	if c.bound {
		err := e.eng.Close(c.handle, code, endpointOriginated)
		if err != nil && !errors.Is(err, engine.ErrUnknownHandle) {
			return err
		}
	}
	e.enterEnding(c, reason)
	return nil
}

func (e *Endpoint) enterEnding(c *connection, reason EndReason) {
	c.state = StateEnding
	c.reason = reason
	c.endingDeadline = e.clock.Now().Add(e.cfg.IdleTimeout)
	e.pending = append(e.pending, Event{Kind: EventEndingWarning, ID: c.id, Addr: c.peer, Reason: reason})

	logrus.WithFields(logrus.Fields{
		"function": "Endpoint.enterEnding",
		"id":       c.id.String(),
		"peer":     c.peer.String(),
		"reason":   reason.String(),
	}).Info("Connection ending")
}

// end moves c to Ended. An Active connection passes through Ending first;
// a connection already Ending keeps its reason. Only an engine failure
// during the handshake ends an Establishing connection directly.
func (e *Endpoint) end(c *connection, reason EndReason) {
	switch c.state {
	case StateEnded:
		return
	case StateActive:
		e.enterEnding(c, reason)
	case StateEstablishing:
		c.reason = reason
	}
	c.state = StateEnded
	e.pending = append(e.pending, Event{Kind: EventConnectionEnded, ID: c.id, Addr: c.peer, Reason: c.reason})
	e.metrics.ConnectionsEnded.With("reason", c.reason.Kind.String()).Add(1)
	e.metrics.Connections.Set(float64(e.NumConnections()))

	logrus.WithFields(logrus.Fields{
		"function":    "Endpoint.end",
		"id":          c.id.String(),
		"peer":        c.peer.String(),
		"reason":      c.reason.String(),
		"connections": e.NumConnections(),
	}).Info("Connection ended")
}

// release removes an ended connection from the table and retires its id.
func (e *Endpoint) release(id ConnectionID) {
	c, ok := e.conns[id]
	if !ok || c.state != StateEnded {
		return
	}
	delete(e.conns, id)
	if e.byAddr[c.peer] == id {
		delete(e.byAddr, c.peer)
	}
	if c.bound && e.byHandle[c.handle] == id {
		delete(e.byHandle, c.handle)
	}
	e.retired.SetDefault(id.String(), struct{}{})
}

// reap releases ended connections whose events were handed out.
func (e *Endpoint) reap() {
	for _, id := range e.toRelease {
		e.release(id)
	}
	e.toRelease = e.toRelease[:0]
}

// takeEvents hands out pending events in the order they were produced.
func (e *Endpoint) takeEvents() []Event {
	evs := e.pending
	e.pending = nil
	for _, ev := range evs {
		if ev.Kind == EventConnectionEnded {
			e.toRelease = append(e.toRelease, ev.ID)
		}
	}
	return evs
}

// MainStreamSend queues b on the main stream and returns how many bytes
// were accepted, which is fewer than len(b) when the send buffer fills up.
func (e *Endpoint) MainStreamSend(id ConnectionID, b []byte) (int, error) {
	return e.streamSend("main_stream_send", id, b, e.eng.SendMain)
}

// BackgroundStreamSend queues b on the background stream. Accepted bytes
// may still be dropped under congestion. Sends fail once the connection
// is Ending.
func (e *Endpoint) BackgroundStreamSend(id ConnectionID, b []byte) (int, error) {
	return e.streamSend("background_stream_send", id, b, e.eng.SendBackground)
}

func (e *Endpoint) streamSend(op string, id ConnectionID, b []byte, send func(engine.Handle, []byte) (int, error)) (int, error) {
	c, err := e.lookup(op, id)
	if err != nil {
		return 0, err
	}
	switch c.state {
	case StateEstablishing:
		return 0, newError(op, id, ErrStreamSend, errors.New("connection not established"))
	case StateEnding:
		return 0, newError(op, id, ErrStreamSend, errors.New("connection ending"))
	}
	if len(b) == 0 {
		return 0, nil
	}

	n, err := send(c.handle, b)
	switch {
	case errors.Is(err, engine.ErrBufferFull):
		return 0, newError(op, id, ErrStreamSend, err)
	case err != nil:
		return 0, newError(op, id, ErrConnectionSend, err)
	}
	return n, nil
}

// Update feeds one datagram received from the socket. On a server, a QUIC
// Initial from an unknown address creates an Establishing connection if
// admission control allows it. The returned events are pending callbacks.
// Errors describe the dropped datagram and are not fatal.
func (e *Endpoint) Update(datagram []byte, from address.Address) ([]Event, error) {
	const op = "update"
	e.reap()
	if e.closed {
		return nil, newError(op, ConnectionID{}, ErrConnectionRecv, errors.New("endpoint closed"))
	}
	e.metrics.DatagramsReceived.Add(1)
	now := e.clock.Now()

	if id, ok := e.byAddr[from]; ok {
		c := e.conns[id]
		if c.state != StateEnded {
			c.lastActivity = now
		}
		if err := e.eng.Deliver(datagram, from); err != nil {
			e.collect()
			return e.takeEvents(), newError(op, id, ErrConnectionRecv, err)
		}
		e.collect()
		return e.takeEvents(), nil
	}

	if !engine.LooksLikeInitial(datagram) {
		logrus.WithFields(logrus.Fields{
			"function": "Endpoint.Update",
			"from":     from.String(),
			"size":     len(datagram),
		}).Debug("Dropping datagram from unknown address")
		e.collect()
		return e.takeEvents(), nil
	}
	if !e.isServer {
		e.collect()
		return e.takeEvents(), newError(op, ConnectionID{}, ErrIsServer, fmt.Errorf("client received initial packet from %s", from))
	}
	if cause := e.admit(now); cause != "" {
		e.metrics.AdmissionsRejected.With("cause", cause).Add(1)
		logrus.WithFields(logrus.Fields{
			"function": "Endpoint.Update",
			"from":     from.String(),
			"cause":    cause,
		}).Warn("Refusing new connection")
		e.collect()
		return e.takeEvents(), nil
	}

	id, err := e.mintID()
	if err != nil {
		return e.takeEvents(), newError(op, ConnectionID{}, ErrRandomness, err)
	}
	e.insert(newConnection(id, from, now, e.cfg))
	logrus.WithFields(logrus.Fields{
		"function": "Endpoint.Update",
		"id":       id.String(),
		"peer":     from.String(),
	}).Debug("New incoming connection")

	if err := e.eng.Deliver(datagram, from); err != nil {
		e.collect()
		return e.takeEvents(), newError(op, id, ErrConnectionRecv, err)
	}
	e.collect()
	return e.takeEvents(), nil
}

// admit returns a non-empty cause when a new server connection must be
// refused.
func (e *Endpoint) admit(now time.Time) string {
	if e.NumConnections() >= e.cfg.MaxConnections {
		return "max_connections"
	}
	if !e.limiter.AllowN(now, 1) {
		return "rate"
	}
	return ""
}

// PollEvents collects events the engine produced since the last call, for
// example handshakes completing or stream data arriving.
func (e *Endpoint) PollEvents() []Event {
	e.reap()
	e.collect()
	return e.takeEvents()
}

func (e *Endpoint) collect() {
	for _, ev := range e.eng.Events() {
		e.handleEngineEvent(ev)
	}
}

func (e *Endpoint) handleEngineEvent(ev engine.Event) {
	if ev.Kind == engine.EventEstablished {
		e.established(ev)
		return
	}

	id, ok := e.byHandle[ev.Handle]
	if !ok {
		logrus.WithFields(logrus.Fields{
			"function": "Endpoint.handleEngineEvent",
			"kind":     ev.Kind.String(),
			"handle":   ev.Handle,
		}).Debug("Event for unknown handle")
		return
	}
	c := e.conns[id]

	switch ev.Kind {
	case engine.EventMainData:
		e.received(c, streamMain, ev.Data)
	case engine.EventBackgroundData:
		e.received(c, streamBackground, ev.Data)
	case engine.EventClosed:
		e.end(c, reasonFromClose(ev.Close))
	}
}

func (e *Endpoint) established(ev engine.Event) {
	var c *connection
	if e.isServer {
		if id, ok := e.byAddr[ev.Peer]; ok {
			c = e.conns[id]
		}
		if c == nil || c.bound || c.state != StateEstablishing {
			logrus.WithFields(logrus.Fields{
				"function": "Endpoint.established",
				"peer":     ev.Peer.String(),
			}).Debug("Handshake without a pending connection, refusing")
			_ = e.eng.Close(ev.Handle, uint64(ConnectionRefused), true)
			return
		}
		c.handle = ev.Handle
		c.bound = true
		e.byHandle[ev.Handle] = c.id
	} else {
		id, ok := e.byHandle[ev.Handle]
		if !ok {
			return
		}
		c = e.conns[id]
	}
	if c.state != StateEstablishing {
		return
	}

	now := e.clock.Now()
	c.state = StateActive
	c.started = true
	c.lastActivity = now
	if c.keepAlive > 0 {
		c.nextKeepAlive = now.Add(c.keepAlive)
	}
	e.pending = append(e.pending, Event{Kind: EventConnectionStarted, ID: c.id, Addr: c.peer})
	e.metrics.ConnectionsStarted.Add(1)

	logrus.WithFields(logrus.Fields{
		"function": "Endpoint.established",
		"id":       c.id.String(),
		"peer":     c.peer.String(),
	}).Info("Connection established")
}

func (e *Endpoint) received(c *connection, kind streamKind, data []byte) {
	if !c.readable() {
		return
	}
	buf := c.stream(kind)
	if !buf.push(data) {
		e.metrics.DroppedBytes.With("stream", kind.String()).Add(float64(len(data)))
		logrus.WithFields(logrus.Fields{
			"function": "Endpoint.received",
			"id":       c.id.String(),
			"stream":   kind.String(),
			"bytes":    len(data),
			"buffered": len(buf.buf),
		}).Warn("Receive buffer full")
		if kind == streamMain {
			_ = e.closeConn(c, LocalEndpoint(FlowControlError), uint64(FlowControlError), true)
		}
		return
	}
	if !buf.pending {
		buf.pending = true
		evKind := EventMainReadable
		if kind == streamBackground {
			evKind = EventBackgroundReadable
		}
		e.pending = append(e.pending, Event{Kind: evKind, ID: c.id, Addr: c.peer})
	}
}

// deliverable returns the buffered bytes of a stream when a delivery is
// due. It clears the readable mark so new data queues a fresh event.
func (e *Endpoint) deliverable(id ConnectionID, kind streamKind) ([]byte, bool) {
	c, ok := e.conns[id]
	if !ok {
		return nil, false
	}
	buf := c.stream(kind)
	buf.pending = false
	if !c.readable() || !buf.ready() {
		return nil, false
	}
	return buf.buf, true
}

func (e *Endpoint) consume(id ConnectionID, kind streamKind, n int) {
	c, ok := e.conns[id]
	if !ok {
		return
	}
	buf := c.stream(kind)
	n = max(0, min(n, len(buf.buf)))
	buf.consume(n)
	e.metrics.DeliveredBytes.With("stream", kind.String()).Add(float64(n))
}

// finishStream closes a connection whose recv callback returned ok=false.
func (e *Endpoint) finishStream(id ConnectionID, kind streamKind) {
	c, ok := e.conns[id]
	if !ok {
		return
	}
	code := MainStreamFinished
	if kind == streamBackground {
		code = BackgroundStreamFinished
	}
	if err := e.closeConn(c, LocalEndpoint(code), uint64(code), true); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Endpoint.finishStream",
			"id":       id.String(),
			"error":    err.Error(),
		}).Warn("Close after stream finish failed")
	}
}

// refuse closes a connection the application rejected.
func (e *Endpoint) refuse(id ConnectionID) {
	c, ok := e.conns[id]
	if !ok {
		return
	}
	if err := e.closeConn(c, LocalEndpoint(ConnectionRefused), uint64(ConnectionRefused), true); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Endpoint.refuse",
			"id":       id.String(),
			"error":    err.Error(),
		}).Warn("Refusing connection failed")
	}
}

// sortedIDs orders connection ids so timer passes are reproducible.
func (e *Endpoint) sortedIDs() []ConnectionID {
	ids := make([]ConnectionID, 0, len(e.conns))
	for id := range e.conns {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return bytes.Compare(ids[i][:], ids[j][:]) < 0 })
	return ids
}

// Tick runs the timers: idle expiry, ending deadlines and keep-alive
// pings. Ping failures are returned joined; they end nothing.
func (e *Endpoint) Tick(now time.Time) error {
	e.reap()
	e.collect()

	var errs []error
	for _, id := range e.sortedIDs() {
		c := e.conns[id]
		switch c.state {
		case StateEstablishing, StateActive:
			if !now.Before(c.lastActivity.Add(e.cfg.IdleTimeout)) {
				logrus.WithFields(logrus.Fields{
					"function": "Endpoint.Tick",
					"id":       id.String(),
					"idle":     now.Sub(c.lastActivity).String(),
				}).Info("Idle timeout")
				if c.bound {
					_ = e.eng.Close(c.handle, uint64(NoError), true)
				}
				e.enterEnding(c, IdleTimeout())
				continue
			}
			if c.state == StateActive && c.keepAlive > 0 && !now.Before(c.nextKeepAlive) {
				c.nextKeepAlive = now.Add(c.keepAlive)
				if err := e.eng.Ping(c.handle); err != nil {
					e.metrics.PingFailures.Add(1)
					logrus.WithFields(logrus.Fields{
						"function": "Endpoint.Tick",
						"id":       id.String(),
						"error":    err.Error(),
					}).Warn("Keep-alive ping failed")
					errs = append(errs, newError("tick", id, ErrConnectionPing, err))
				}
			}
		case StateEnding:
			if !now.Before(c.endingDeadline) {
				e.end(c, c.reason)
			}
		}
	}
	return errors.Join(errs...)
}

// NextDeadline returns the earliest connection timer, or the zero time
// when there is none.
func (e *Endpoint) NextDeadline() time.Time {
	var next time.Time
	for _, c := range e.conns {
		d := c.deadline(e.cfg.IdleTimeout)
		if d.IsZero() {
			continue
		}
		if next.IsZero() || d.Before(next) {
			next = d
		}
	}
	return next
}

// DrainOutbound returns the datagrams waiting to be written to the socket.
func (e *Endpoint) DrainOutbound() []engine.Datagram {
	out := append(e.requeued, e.eng.Outbound()...)
	e.requeued = nil
	return out
}

// RequeueOutbound puts back datagrams the socket could not take; they are
// returned first by the next DrainOutbound.
func (e *Endpoint) RequeueOutbound(ds []engine.Datagram) {
	if len(ds) == 0 {
		return
	}
	e.requeued = append(append([]engine.Datagram(nil), ds...), e.requeued...)
}

// sent records datagrams written to the socket.
func (e *Endpoint) sent(n int) {
	e.metrics.DatagramsSent.Add(float64(n))
}

// Close closes every connection, the engine and the socket. No callbacks
// run for connections closed this way.
func (e *Endpoint) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true

	for _, c := range e.conns {
		if c.bound && c.state < StateEnding {
			_ = e.eng.Close(c.handle, uint64(NoError), true)
		}
	}
	err := errors.Join(e.eng.Shutdown(), e.sock.Close())

	logrus.WithFields(logrus.Fields{
		"function":    "Endpoint.Close",
		"local":       e.sock.LocalAddr().String(),
		"connections": e.NumConnections(),
	}).Info("Endpoint closed")
	return err
}
