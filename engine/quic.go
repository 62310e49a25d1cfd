package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opd-ai/swiftlet/address"
	"github.com/quic-go/quic-go"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// mainPreamble is the first byte a client writes on the main stream.
const mainPreamble = 0x80

const mainReadChunk = 32 * 1024

type closeRequest struct {
	code   uint64
	phrase string
}

// qconn is the engine's view of one connection. Fields below mu are
// guarded by QUIC.mu.
type qconn struct {
	handle Handle
	peer   address.Address
	wake   chan struct{}
	bgSeq  atomic.Uint64

	conn       quic.Connection
	cancelDial context.CancelFunc
	main       quic.Stream
	mainQueue  [][]byte
	mainQueued int
	bgQueue    [][]byte
	bgQueued   int
	closing    *closeRequest
	closeErr   error
	reported   bool
}

func (c *qconn) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// QUIC is the quic-go backed engine. Its exported methods are safe for
// concurrent use, although the core calls them from one goroutine.
type QUIC struct {
	cfg    Config
	pipe   *packetPipe
	tr     *quic.Transport
	ln     *quic.Listener
	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	mu       sync.Mutex
	conns    map[Handle]*qconn
	next     Handle
	events   []Event
	outbound []Datagram
	notify   func()
	shutdown bool
}

// New starts an engine. A server engine begins accepting immediately.
func New(cfg Config) (*QUIC, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	depth := cfg.InboundQueue
	if depth <= 0 {
		depth = DefaultInboundQueue
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &QUIC{
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
		group:  &errgroup.Group{},
		conns:  make(map[Handle]*qconn),
	}
	q.pipe = newPacketPipe(cfg.Local, depth, q.pushOutbound)
	q.tr = &quic.Transport{Conn: q.pipe}

	if cfg.Server {
		ln, err := q.tr.Listen(cfg.TLS.Clone(), q.quicConfig())
		if err != nil {
			cancel()
			q.tr.Close()
			q.pipe.Close()
			return nil, fmt.Errorf("engine: listen: %w", err)
		}
		q.ln = ln
		q.group.Go(q.acceptLoop)
	}

	logrus.WithFields(logrus.Fields{
		"function": "engine.New",
		"local":    cfg.Local.String(),
		"server":   cfg.Server,
		"alpn":     cfg.TLS.NextProtos,
	}).Debug("QUIC engine started")

	return q, nil
}

func (q *QUIC) quicConfig() *quic.Config {
	conf := &quic.Config{
		Versions:              []quic.Version{quic.Version1},
		HandshakeIdleTimeout:  q.cfg.IdleTimeout,
		MaxIdleTimeout:        2 * q.cfg.IdleTimeout,
		MaxIncomingUniStreams: -1,
		EnableDatagrams:       true,
	}
	if q.cfg.Server {
		conf.MaxIncomingStreams = 1
	} else {
		conf.MaxIncomingStreams = -1
	}
	return conf
}

// SetNotify installs the function called, from any goroutine, whenever
// events or outbound datagrams become available.
func (q *QUIC) SetNotify(fn func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.notify = fn
}

func (q *QUIC) wakeCore() {
	q.mu.Lock()
	fn := q.notify
	q.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (q *QUIC) pushOutbound(d Datagram) {
	q.mu.Lock()
	q.outbound = append(q.outbound, d)
	q.mu.Unlock()
	q.wakeCore()
}

func (q *QUIC) push(ev Event) {
	q.mu.Lock()
	q.events = append(q.events, ev)
	q.mu.Unlock()
	q.wakeCore()
}

// Deliver hands one inbound datagram to quic-go. b is copied.
func (q *QUIC) Deliver(b []byte, from address.Address) error {
	return q.pipe.deliver(append([]byte(nil), b...), from)
}

// Outbound returns and clears the datagrams quic-go has written.
func (q *QUIC) Outbound() []Datagram {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.outbound
	q.outbound = nil
	return out
}

// Events returns and clears pending events in the order they happened.
func (q *QUIC) Events() []Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	evs := q.events
	q.events = nil
	return evs
}

// Dial starts a client handshake to peer. The handle is valid at once;
// EventEstablished or EventClosed follows.
func (q *QUIC) Dial(peer address.Address) (Handle, error) {
	if q.cfg.Server {
		return 0, errors.New("engine: dial on a server engine")
	}
	if peer.Family() != q.cfg.Local.Family() {
		return 0, fmt.Errorf("engine: cannot dial %s peer from %s socket", peer.Family(), q.cfg.Local.Family())
	}

	ctx, cancel := context.WithCancel(q.ctx)

	q.mu.Lock()
	if q.shutdown {
		q.mu.Unlock()
		cancel()
		return 0, ErrShutdown
	}
	q.next++
	c := &qconn{handle: q.next, peer: peer, wake: make(chan struct{}, 1), cancelDial: cancel}
	q.conns[c.handle] = c
	q.mu.Unlock()

	q.group.Go(func() error {
		defer cancel()
		q.runClient(ctx, c)
		return nil
	})
	return c.handle, nil
}

func (q *QUIC) runClient(ctx context.Context, c *qconn) {
	conn, err := q.tr.Dial(ctx, c.peer.UDPAddr(), q.cfg.TLS.Clone(), q.quicConfig())
	if err != nil {
		info := Classify(err)
		q.mu.Lock()
		if c.closing != nil {
			info = CloseInfo{Origin: OriginLocal, Code: c.closing.code, Application: c.closing.phrase != EndpointPhrase}
		}
		q.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "QUIC.runClient",
			"peer":     c.peer.String(),
			"error":    err.Error(),
		}).Debug("Dial failed")
		q.report(c, info)
		return
	}

	q.mu.Lock()
	c.conn = conn
	c.cancelDial = nil
	closing := c.closing
	q.mu.Unlock()
	if closing != nil {
		_ = conn.CloseWithError(quic.ApplicationErrorCode(closing.code), closing.phrase)
		q.serve(c)
		return
	}

	str, err := conn.OpenStreamSync(ctx)
	if err == nil {
		_, err = str.Write([]byte{mainPreamble})
	}
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "QUIC.runClient",
			"peer":     c.peer.String(),
			"error":    err.Error(),
		}).Debug("Main stream open failed")
		_ = conn.CloseWithError(codeInternalError, EndpointPhrase)
		q.serve(c)
		return
	}

	q.mu.Lock()
	c.main = str
	q.mu.Unlock()
	c.signal()

	q.push(Event{Kind: EventEstablished, Handle: c.handle, Peer: c.peer})
	q.serve(c)
}

func (q *QUIC) acceptLoop() error {
	for {
		conn, err := q.ln.Accept(q.ctx)
		if err != nil {
			return nil
		}

		peer, err := address.FromNetAddr(conn.RemoteAddr())
		if err != nil {
			_ = conn.CloseWithError(codeInternalError, EndpointPhrase)
			continue
		}

		q.mu.Lock()
		if q.shutdown {
			q.mu.Unlock()
			_ = conn.CloseWithError(codeNoError, EndpointPhrase)
			return nil
		}
		q.next++
		c := &qconn{handle: q.next, peer: peer, wake: make(chan struct{}, 1), conn: conn}
		q.conns[c.handle] = c
		q.mu.Unlock()

		logrus.WithFields(logrus.Fields{
			"function": "QUIC.acceptLoop",
			"peer":     peer.String(),
			"handle":   c.handle,
		}).Debug("Accepted connection")

		q.push(Event{Kind: EventEstablished, Handle: c.handle, Peer: peer})
		q.group.Go(func() error {
			q.serve(c)
			return nil
		})
	}
}

// serve runs the connection's readers and writer until it closes, then
// reports EventClosed after every data event it produced.
func (q *QUIC) serve(c *qconn) {
	connCtx := c.conn.Context()
	g, ctx := errgroup.WithContext(connCtx)

	if q.cfg.Server {
		g.Go(func() error { return q.acceptMain(ctx, c) })
	} else {
		g.Go(func() error { return q.readMain(c) })
	}
	g.Go(func() error { return q.readBackground(ctx, c) })
	g.Go(func() error { return q.writeLoop(ctx, c) })

	<-ctx.Done()
	if connCtx.Err() == nil {
		_ = c.conn.CloseWithError(codeInternalError, EndpointPhrase)
	}
	if err := g.Wait(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "QUIC.serve",
			"peer":     c.peer.String(),
			"error":    err.Error(),
		}).Debug("Connection goroutine failed")
	}

	q.report(c, q.closeInfo(c, connCtx))
}

// closeInfo prefers the context cause and falls back to the error a reader
// saw when the connection went down.
func (q *QUIC) closeInfo(c *qconn, connCtx context.Context) CloseInfo {
	info := Classify(context.Cause(connCtx))
	if info.Origin != OriginUnknown {
		return info
	}
	q.mu.Lock()
	readErr := c.closeErr
	q.mu.Unlock()
	if readErr != nil {
		return Classify(readErr)
	}
	return info
}

// noteCloseErr records the first non-context error a reader returned.
func (q *QUIC) noteCloseErr(c *qconn, err error) {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
		return
	}
	q.mu.Lock()
	if c.closeErr == nil {
		c.closeErr = err
	}
	q.mu.Unlock()
}

func (q *QUIC) report(c *qconn, info CloseInfo) {
	q.mu.Lock()
	if c.reported {
		q.mu.Unlock()
		return
	}
	c.reported = true
	delete(q.conns, c.handle)
	q.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "QUIC.report",
		"peer":     c.peer.String(),
		"handle":   c.handle,
		"close":    info.String(),
	}).Debug("Connection closed")

	q.push(Event{Kind: EventClosed, Handle: c.handle, Peer: c.peer, Close: info})
}

func (q *QUIC) acceptMain(ctx context.Context, c *qconn) error {
	str, err := c.conn.AcceptStream(ctx)
	if err != nil {
		q.noteCloseErr(c, err)
		return nil
	}

	var preamble [1]byte
	if _, err := io.ReadFull(str, preamble[:]); err != nil {
		q.noteCloseErr(c, err)
		return nil
	}
	if preamble[0] != mainPreamble {
		logrus.WithFields(logrus.Fields{
			"function": "QUIC.acceptMain",
			"peer":     c.peer.String(),
			"preamble": preamble[0],
		}).Warn("Bad main stream preamble")
		_ = c.conn.CloseWithError(codeProtocolViolation, EndpointPhrase)
		return nil
	}

	q.mu.Lock()
	c.main = str
	q.mu.Unlock()
	c.signal()

	return q.readMain(c)
}

func (q *QUIC) readMain(c *qconn) error {
	q.mu.Lock()
	str := c.main
	q.mu.Unlock()
	if str == nil {
		return nil
	}

	buf := make([]byte, mainReadChunk)
	for {
		n, err := str.Read(buf)
		if n > 0 {
			q.push(Event{Kind: EventMainData, Handle: c.handle, Peer: c.peer, Data: append([]byte(nil), buf[:n]...)})
		}
		if err != nil {
			q.noteCloseErr(c, err)
			return nil
		}
	}
}

func (q *QUIC) readBackground(ctx context.Context, c *qconn) error {
	var filter seqFilter
	for {
		b, err := c.conn.ReceiveDatagram(ctx)
		if err != nil {
			q.noteCloseErr(c, err)
			return nil
		}
		kind, seq, data, err := parseFrame(b)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "QUIC.readBackground",
				"peer":     c.peer.String(),
				"error":    err.Error(),
			}).Debug("Dropping malformed background frame")
			continue
		}
		if kind == framePing || len(data) == 0 {
			continue
		}
		if !filter.admit(seq) {
			continue
		}
		q.push(Event{Kind: EventBackgroundData, Handle: c.handle, Peer: c.peer, Data: data})
	}
}

func (q *QUIC) writeLoop(ctx context.Context, c *qconn) error {
	for {
		select {
		case <-c.wake:
		case <-ctx.Done():
			return nil
		}

		for {
			q.mu.Lock()
			var main [][]byte
			if c.main != nil {
				main = c.mainQueue
				c.mainQueue = nil
			}
			bg := c.bgQueue
			c.bgQueue = nil
			closing := c.closing
			q.mu.Unlock()

			// Everything taken has been written, so a requested close goes
			// out now. Main bytes queued before the stream exists are
			// discarded with the connection.
			if len(main) == 0 && len(bg) == 0 {
				if closing != nil {
					_ = c.conn.CloseWithError(quic.ApplicationErrorCode(closing.code), closing.phrase)
					return nil
				}
				break
			}

			for _, chunk := range bg {
				frame := appendFrame(make([]byte, 0, frameHeaderLen+len(chunk)), frameData, c.bgSeq.Add(1), chunk)
				if err := c.conn.SendDatagram(frame); err != nil {
					logrus.WithFields(logrus.Fields{
						"function": "QUIC.writeLoop",
						"peer":     c.peer.String(),
						"error":    err.Error(),
					}).Debug("Background frame dropped")
				}
				q.mu.Lock()
				c.bgQueued -= len(chunk)
				q.mu.Unlock()
			}

			for _, chunk := range main {
				_, err := c.main.Write(chunk)
				q.mu.Lock()
				c.mainQueued -= len(chunk)
				q.mu.Unlock()
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					if closing != nil {
						_ = c.conn.CloseWithError(quic.ApplicationErrorCode(closing.code), closing.phrase)
						return nil
					}
					return fmt.Errorf("main stream write: %w", err)
				}
			}
		}
	}
}

func (q *QUIC) lookup(h Handle) (*qconn, error) {
	if q.shutdown {
		return nil, ErrShutdown
	}
	c, ok := q.conns[h]
	if !ok {
		return nil, ErrUnknownHandle
	}
	return c, nil
}

// SendMain queues up to MainSendBuffer minus the queued bytes of b for the
// main stream and returns how many were taken.
func (q *QUIC) SendMain(h Handle, b []byte) (int, error) {
	q.mu.Lock()
	c, err := q.lookup(h)
	if err != nil {
		q.mu.Unlock()
		return 0, err
	}
	if c.closing != nil {
		q.mu.Unlock()
		return 0, ErrClosing
	}
	n := min(len(b), q.cfg.MainSendBuffer-c.mainQueued)
	if n <= 0 {
		q.mu.Unlock()
		if len(b) == 0 {
			return 0, nil
		}
		return 0, ErrBufferFull
	}
	c.mainQueue = append(c.mainQueue, append([]byte(nil), b[:n]...))
	c.mainQueued += n
	q.mu.Unlock()

	c.signal()
	return n, nil
}

// SendBackground queues up to BackgroundSendBuffer minus the queued bytes
// of b as background frames and returns how many were taken. Queued frames
// may still be dropped by quic-go under congestion.
func (q *QUIC) SendBackground(h Handle, b []byte) (int, error) {
	q.mu.Lock()
	c, err := q.lookup(h)
	if err != nil {
		q.mu.Unlock()
		return 0, err
	}
	if c.closing != nil {
		q.mu.Unlock()
		return 0, ErrClosing
	}
	if c.conn == nil {
		q.mu.Unlock()
		return 0, ErrNotEstablished
	}
	n := min(len(b), q.cfg.BackgroundSendBuffer-c.bgQueued)
	if n <= 0 {
		q.mu.Unlock()
		if len(b) == 0 {
			return 0, nil
		}
		return 0, ErrBufferFull
	}
	c.bgQueue = append(c.bgQueue, splitPayload(append([]byte(nil), b[:n]...))...)
	c.bgQueued += n
	q.mu.Unlock()

	c.signal()
	return n, nil
}

// Ping sends one ack-eliciting background ping frame.
func (q *QUIC) Ping(h Handle) error {
	q.mu.Lock()
	c, err := q.lookup(h)
	var conn quic.Connection
	if err == nil {
		conn = c.conn
	}
	q.mu.Unlock()
	if err != nil {
		return err
	}
	if conn == nil {
		return ErrNotEstablished
	}

	frame := appendFrame(make([]byte, 0, frameHeaderLen), framePing, c.bgSeq.Add(1), nil)
	if err := conn.SendDatagram(frame); err != nil {
		return fmt.Errorf("engine: ping: %w", err)
	}
	return nil
}

// Close requests a graceful close. Bytes already queued on the main stream
// are written first. endpointOriginated selects the reason phrase the peer
// uses to tell endpoint closes from application closes. A second call is
// a no-op.
func (q *QUIC) Close(h Handle, code uint64, endpointOriginated bool) error {
	q.mu.Lock()
	c, err := q.lookup(h)
	if err != nil {
		q.mu.Unlock()
		return err
	}
	if c.closing != nil {
		q.mu.Unlock()
		return nil
	}
	c.closing = &closeRequest{code: code, phrase: phraseFor(endpointOriginated)}
	cancelDial := c.cancelDial
	main := c.main
	q.mu.Unlock()

	if cancelDial != nil {
		cancelDial()
	}
	if main != nil {
		// Bound the drain; a stalled peer must not hold the close back.
		_ = main.SetWriteDeadline(time.Now().Add(q.cfg.IdleTimeout))
	}
	c.signal()
	return nil
}

// Shutdown closes every connection and stops the engine. Events queued
// before Shutdown can still be collected.
func (q *QUIC) Shutdown() error {
	q.mu.Lock()
	if q.shutdown {
		q.mu.Unlock()
		return nil
	}
	q.shutdown = true
	conns := make([]*qconn, 0, len(q.conns))
	for _, c := range q.conns {
		conns = append(conns, c)
	}
	q.mu.Unlock()

	for _, c := range conns {
		q.mu.Lock()
		conn := c.conn
		q.mu.Unlock()
		if conn != nil {
			_ = conn.CloseWithError(codeNoError, EndpointPhrase)
		}
	}

	q.cancel()
	var errs []error
	if q.ln != nil {
		if err := q.ln.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := q.tr.Close(); err != nil {
		errs = append(errs, err)
	}
	errs = append(errs, q.pipe.Close())
	errs = append(errs, q.group.Wait())

	logrus.WithFields(logrus.Fields{
		"function": "QUIC.Shutdown",
		"local":    q.cfg.Local.String(),
	}).Debug("QUIC engine stopped")

	return errors.Join(errs...)
}
