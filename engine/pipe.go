package engine

import (
	"net"
	"os"
	"sync"
	"time"

	"github.com/opd-ai/swiftlet/address"
)

type pipePacket struct {
	data []byte
	from *net.UDPAddr
}

// packetPipe is the net.PacketConn handed to quic-go. Reads come from
// deliver; writes go to the sink.
type packetPipe struct {
	local    *net.UDPAddr
	inbound  chan pipePacket
	sink     func(Datagram)
	deadline *readDeadline

	closeOnce sync.Once
	done      chan struct{}
}

func newPacketPipe(local address.Address, depth int, sink func(Datagram)) *packetPipe {
	return &packetPipe{
		local:    local.UDPAddr(),
		inbound:  make(chan pipePacket, depth),
		sink:     sink,
		deadline: newReadDeadline(),
		done:     make(chan struct{}),
	}
}

// deliver queues one inbound datagram. It never blocks.
func (p *packetPipe) deliver(b []byte, from address.Address) error {
	select {
	case <-p.done:
		return ErrShutdown
	default:
	}
	select {
	case p.inbound <- pipePacket{data: b, from: from.UDPAddr()}:
		return nil
	default:
		return ErrInboundFull
	}
}

func (p *packetPipe) ReadFrom(b []byte) (int, net.Addr, error) {
	select {
	case <-p.done:
		return 0, nil, net.ErrClosed
	default:
	}
	for {
		expired, changed := p.deadline.channels()
		select {
		case pkt := <-p.inbound:
			return copy(b, pkt.data), pkt.from, nil
		case <-expired:
			return 0, nil, os.ErrDeadlineExceeded
		case <-changed:
		case <-p.done:
			return 0, nil, net.ErrClosed
		}
	}
}

func (p *packetPipe) WriteTo(b []byte, to net.Addr) (int, error) {
	select {
	case <-p.done:
		return 0, net.ErrClosed
	default:
	}
	dst, err := address.FromNetAddr(to)
	if err != nil {
		return 0, err
	}
	p.sink(Datagram{To: dst, Data: append([]byte(nil), b...)})
	return len(b), nil
}

func (p *packetPipe) Close() error {
	p.closeOnce.Do(func() { close(p.done) })
	return nil
}

func (p *packetPipe) LocalAddr() net.Addr {
	return p.local
}

func (p *packetPipe) SetDeadline(t time.Time) error {
	return p.SetReadDeadline(t)
}

func (p *packetPipe) SetReadDeadline(t time.Time) error {
	p.deadline.set(t)
	return nil
}

// SetWriteDeadline is a no-op: writes never block.
func (p *packetPipe) SetWriteDeadline(time.Time) error {
	return nil
}

// readDeadline tracks the read deadline of a packetPipe. Each set swaps in
// a fresh pair of channels and closes the previous changed channel, so a
// blocked reader picks up the new deadline. A timer only ever closes the
// expired channel it was created with.
type readDeadline struct {
	mu      sync.Mutex
	timer   *time.Timer
	expired chan struct{}
	changed chan struct{}
}

func newReadDeadline() *readDeadline {
	return &readDeadline{
		expired: make(chan struct{}),
		changed: make(chan struct{}),
	}
}

// set replaces the deadline. A zero t means no deadline; a t in the past
// expires at once.
func (d *readDeadline) set(t time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	close(d.changed)
	d.changed = make(chan struct{})
	expired := make(chan struct{})
	d.expired = expired

	if t.IsZero() {
		return
	}
	if wait := time.Until(t); wait > 0 {
		d.timer = time.AfterFunc(wait, func() { close(expired) })
		return
	}
	close(expired)
}

func (d *readDeadline) channels() (expired, changed <-chan struct{}) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.expired, d.changed
}
