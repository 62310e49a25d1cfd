//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package socket

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/opd-ai/swiftlet/address"
	"github.com/sirupsen/logrus"
)

const inboxDepth = 256

type inbound struct {
	data []byte
	from address.Address
}

// sysSocket reads on a background goroutine where no poll(2) equivalent is
// wired up. ReadFrom consumes the goroutine's queue without waiting.
type sysSocket struct {
	conn  *net.UDPConn
	inbox chan inbound
	ready chan struct{}
	done  chan struct{}
	once  sync.Once

	mu  sync.Mutex
	err error
}

func newSysSocket(conn *net.UDPConn) (*sysSocket, error) {
	s := &sysSocket{
		conn:  conn,
		inbox: make(chan inbound, inboxDepth),
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

func (s *sysSocket) readLoop() {
	buf := make([]byte, MaxDatagramSize)
	for {
		n, ap, err := s.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			s.mu.Lock()
			s.err = err
			s.mu.Unlock()
			s.signal()
			return
		}

		pkt := inbound{data: append([]byte(nil), buf[:n]...), from: address.FromAddrPort(ap)}
		select {
		case s.inbox <- pkt:
			s.signal()
		case <-s.done:
			return
		default:
			logrus.WithFields(logrus.Fields{
				"function": "sysSocket.readLoop",
				"from":     pkt.from.String(),
			}).Debug("Inbox full, dropping datagram")
		}
	}
}

func (s *sysSocket) signal() {
	select {
	case s.ready <- struct{}{}:
	default:
	}
}

func (s *sysSocket) readFrom(b []byte) (int, address.Address, error) {
	select {
	case pkt := <-s.inbox:
		return copy(b, pkt.data), pkt.from, nil
	default:
	}

	s.mu.Lock()
	err := s.err
	s.mu.Unlock()
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return 0, address.Address{}, ErrClosed
		}
		return 0, address.Address{}, fmt.Errorf("socket: recvfrom: %w", err)
	}
	return 0, address.Address{}, ErrWouldBlock
}

func (s *sysSocket) writeTo(b []byte, to address.Address) (int, error) {
	// An expired deadline is checked before the write is attempted, so use a
	// short one to stay non-blocking in practice.
	if err := s.conn.SetWriteDeadline(time.Now().Add(time.Millisecond)); err != nil {
		return 0, err
	}
	n, err := s.conn.WriteToUDPAddrPort(b, to.AddrPort())
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return 0, ErrWouldBlock
	}
	if errors.Is(err, net.ErrClosed) {
		return 0, ErrClosed
	}
	if err != nil {
		return 0, fmt.Errorf("socket: sendto %s: %w", to, err)
	}
	return n, nil
}

func (s *sysSocket) close() {
	s.once.Do(func() {
		close(s.done)
		// Unblock the reader; the caller closes the conn right after.
		_ = s.conn.SetReadDeadline(time.Now())
	})
}

// IsTransient reports whether err affects a single datagram and leaves the
// socket usable. No error qualifies on this platform.
func IsTransient(err error) bool {
	return false
}
