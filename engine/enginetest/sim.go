package enginetest

import (
	"errors"
	"fmt"
	"sync"

	"github.com/opd-ai/swiftlet/address"
	"github.com/opd-ai/swiftlet/engine"
	"github.com/sirupsen/logrus"
)

// DeliveryRecord is one datagram handed to Deliver.
type DeliveryRecord struct {
	From address.Address
	Size int
}

// CloseRecord is one accepted Close request.
type CloseRecord struct {
	Code               uint64
	EndpointOriginated bool
}

// Conn is the simulated state of one handle.
type Conn struct {
	Handle     engine.Handle
	Peer       address.Address
	Main       []byte
	Background [][]byte
	Pings      int
	Close      *CloseRecord
}

// Engine is a simulated transport engine. It is safe for concurrent use.
type Engine struct {
	mu         sync.Mutex
	mainCap    int
	bgCap      int
	next       engine.Handle
	conns      map[engine.Handle]*Conn
	events     []engine.Event
	outbound   []engine.Datagram
	deliveries []DeliveryRecord
	notify     func()
	shutdown   bool

	// Errors returned by the matching method when non-nil.
	DialErr    error
	DeliverErr error
	PingErr    error
	CloseErr   error
}

// New creates a simulated engine with the given send buffer capacities.
func New(mainCap, backgroundCap int) *Engine {
	logrus.WithFields(logrus.Fields{
		"function":       "enginetest.New",
		"main_cap":       mainCap,
		"background_cap": backgroundCap,
	}).Debug("Creating simulated engine")

	return &Engine{
		mainCap: mainCap,
		bgCap:   backgroundCap,
		conns:   make(map[engine.Handle]*Conn),
	}
}

func (e *Engine) lookup(h engine.Handle) (*Conn, error) {
	c, ok := e.conns[h]
	if !ok {
		return nil, fmt.Errorf("%w: %d", engine.ErrUnknownHandle, h)
	}
	return c, nil
}

func (e *Engine) newConn(peer address.Address) *Conn {
	e.next++
	c := &Conn{Handle: e.next, Peer: peer}
	e.conns[c.Handle] = c
	return c
}

// Dial records a client connection attempt. Nothing is sent until the test
// calls Establish.
func (e *Engine) Dial(peer address.Address) (engine.Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.DialErr != nil {
		return 0, e.DialErr
	}
	if e.shutdown {
		return 0, engine.ErrShutdown
	}
	return e.newConn(peer).Handle, nil
}

// Deliver records the datagram.
func (e *Engine) Deliver(b []byte, from address.Address) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.DeliverErr != nil {
		return e.DeliverErr
	}
	if e.shutdown {
		return engine.ErrShutdown
	}
	e.deliveries = append(e.deliveries, DeliveryRecord{From: from, Size: len(b)})
	return nil
}

// Outbound returns and clears datagrams queued with QueueOutbound.
func (e *Engine) Outbound() []engine.Datagram {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.outbound
	e.outbound = nil
	return out
}

// Events returns and clears pending events.
func (e *Engine) Events() []engine.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	evs := e.events
	e.events = nil
	return evs
}

func (e *Engine) send(h engine.Handle, b []byte, limit int, queued func(*Conn) int, add func(*Conn, []byte)) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, err := e.lookup(h)
	if err != nil {
		return 0, err
	}
	if c.Close != nil {
		return 0, engine.ErrClosing
	}
	n := min(len(b), limit-queued(c))
	if n <= 0 {
		if len(b) == 0 {
			return 0, nil
		}
		return 0, engine.ErrBufferFull
	}
	add(c, b[:n])
	return n, nil
}

// SendMain appends to the simulated main send queue, up to the capacity.
func (e *Engine) SendMain(h engine.Handle, b []byte) (int, error) {
	return e.send(h, b, e.mainCap,
		func(c *Conn) int { return len(c.Main) },
		func(c *Conn, p []byte) { c.Main = append(c.Main, p...) })
}

// SendBackground appends one chunk to the simulated background queue.
func (e *Engine) SendBackground(h engine.Handle, b []byte) (int, error) {
	return e.send(h, b, e.bgCap,
		func(c *Conn) int {
			n := 0
			for _, p := range c.Background {
				n += len(p)
			}
			return n
		},
		func(c *Conn, p []byte) { c.Background = append(c.Background, append([]byte(nil), p...)) })
}

// Ping counts a keep-alive.
func (e *Engine) Ping(h engine.Handle) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, err := e.lookup(h)
	if err != nil {
		return err
	}
	if e.PingErr != nil {
		return e.PingErr
	}
	c.Pings++
	return nil
}

// Close records the first close request of h. The Closed event is only
// produced by Closed or Finish.
func (e *Engine) Close(h engine.Handle, code uint64, endpointOriginated bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.CloseErr != nil {
		return e.CloseErr
	}
	c, err := e.lookup(h)
	if err != nil {
		return err
	}
	if c.Close == nil {
		c.Close = &CloseRecord{Code: code, EndpointOriginated: endpointOriginated}
	}
	return nil
}

// SetNotify installs the wake function.
func (e *Engine) SetNotify(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.notify = fn
}

// Shutdown marks the engine stopped.
func (e *Engine) Shutdown() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.shutdown {
		return errors.New("enginetest: already shut down")
	}
	e.shutdown = true
	return nil
}

func (e *Engine) push(ev engine.Event) {
	e.mu.Lock()
	e.events = append(e.events, ev)
	fn := e.notify
	e.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Establish reports the handshake of a dialled handle as complete.
func (e *Engine) Establish(h engine.Handle) {
	e.mu.Lock()
	c, ok := e.conns[h]
	e.mu.Unlock()
	if !ok {
		panic(fmt.Sprintf("enginetest: establish unknown handle %d", h))
	}
	e.push(engine.Event{Kind: engine.EventEstablished, Handle: h, Peer: c.Peer})
}

// Accept simulates a server handshake with peer completing and returns the
// new handle.
func (e *Engine) Accept(peer address.Address) engine.Handle {
	e.mu.Lock()
	h := e.newConn(peer).Handle
	e.mu.Unlock()
	e.push(engine.Event{Kind: engine.EventEstablished, Handle: h, Peer: peer})
	return h
}

// ReceiveMain simulates main stream bytes arriving on h.
func (e *Engine) ReceiveMain(h engine.Handle, b []byte) {
	e.push(engine.Event{Kind: engine.EventMainData, Handle: h, Data: append([]byte(nil), b...)})
}

// ReceiveBackground simulates one background frame arriving on h.
func (e *Engine) ReceiveBackground(h engine.Handle, b []byte) {
	e.push(engine.Event{Kind: engine.EventBackgroundData, Handle: h, Data: append([]byte(nil), b...)})
}

// Closed reports h as closed with info and forgets it.
func (e *Engine) Closed(h engine.Handle, info engine.CloseInfo) {
	e.mu.Lock()
	delete(e.conns, h)
	e.mu.Unlock()
	e.push(engine.Event{Kind: engine.EventClosed, Handle: h, Close: info})
}

// Finish completes a recorded close request of h the way the real engine
// reports a local close.
func (e *Engine) Finish(h engine.Handle) bool {
	e.mu.Lock()
	c, ok := e.conns[h]
	e.mu.Unlock()
	if !ok || c.Close == nil {
		return false
	}
	e.Closed(h, engine.CloseInfo{
		Origin:      engine.OriginLocal,
		Application: !c.Close.EndpointOriginated,
		Code:        c.Close.Code,
	})
	return true
}

// QueueOutbound adds a datagram for the next Outbound call.
func (e *Engine) QueueOutbound(d engine.Datagram) {
	e.mu.Lock()
	e.outbound = append(e.outbound, d)
	e.mu.Unlock()
}

// Conn returns a copy of the simulated state of h.
func (e *Engine) Conn(h engine.Handle) (Conn, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.conns[h]
	if !ok {
		return Conn{}, false
	}
	cp := *c
	cp.Main = append([]byte(nil), c.Main...)
	cp.Background = append([][]byte(nil), c.Background...)
	return cp, true
}

// Handles returns every live handle, in creation order.
func (e *Engine) Handles() []engine.Handle {
	e.mu.Lock()
	defer e.mu.Unlock()
	hs := make([]engine.Handle, 0, len(e.conns))
	for h := engine.Handle(1); h <= e.next; h++ {
		if _, ok := e.conns[h]; ok {
			hs = append(hs, h)
		}
	}
	return hs
}

// Deliveries returns the datagrams delivered so far.
func (e *Engine) Deliveries() []DeliveryRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]DeliveryRecord(nil), e.deliveries...)
}
