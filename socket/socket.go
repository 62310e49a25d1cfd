package socket

import (
	"errors"
	"fmt"
	"net"

	"github.com/opd-ai/swiftlet/address"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

var (
	// ErrWouldBlock is returned by ReadFrom and WriteTo when the operation
	// cannot complete without waiting. It is never fatal.
	ErrWouldBlock = errors.New("socket: operation would block")
	// ErrFamilyMismatch is returned by WriteTo when the destination family
	// differs from the socket family.
	ErrFamilyMismatch = errors.New("socket: address family mismatch")
	// ErrClosed is returned after Close.
	ErrClosed = net.ErrClosed
)

// MaxDatagramSize bounds the buffer callers need for ReadFrom.
const MaxDatagramSize = 65535

// Options tunes a bound socket.
type Options struct {
	// TrafficClass is written to IP_TOS (IPv4) or IPV6_TCLASS (IPv6)
	// when non-zero.
	TrafficClass int
	// ReadBuffer and WriteBuffer set SO_RCVBUF and SO_SNDBUF when non-zero.
	ReadBuffer  int
	WriteBuffer int
}

// Socket is a bound, non-blocking UDP socket of a single address family.
// A Socket is owned by one goroutine except for Close.
type Socket struct {
	conn  *net.UDPConn
	local address.Address
	sys   *sysSocket
}

// Listen binds a UDP socket. The family of bind decides the family of the
// socket; IPv6 sockets are bound v6-only.
func Listen(bind address.Address, opts Options) (*Socket, error) {
	if !bind.IsValid() {
		return nil, fmt.Errorf("socket: invalid bind address %s", bind)
	}

	conn, err := net.ListenUDP(bind.Network(), bind.UDPAddr())
	if err != nil {
		return nil, fmt.Errorf("socket: listen %s: %w", bind, err)
	}

	if err := applyOptions(conn, bind.Family(), opts); err != nil {
		conn.Close()
		return nil, err
	}

	local, err := address.FromNetAddr(conn.LocalAddr())
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("socket: local address: %w", err)
	}
	// Keep the requested family if the platform reports a mapped form.
	if local.Family() != bind.Family() {
		local = bind.WithPort(local.Port())
	}

	sys, err := newSysSocket(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function": "socket.Listen",
		"local":    local.String(),
		"tclass":   opts.TrafficClass,
	}).Debug("UDP socket bound")

	return &Socket{conn: conn, local: local, sys: sys}, nil
}

func applyOptions(conn *net.UDPConn, family address.Family, opts Options) error {
	if opts.ReadBuffer > 0 {
		if err := conn.SetReadBuffer(opts.ReadBuffer); err != nil {
			return fmt.Errorf("socket: SO_RCVBUF: %w", err)
		}
	}
	if opts.WriteBuffer > 0 {
		if err := conn.SetWriteBuffer(opts.WriteBuffer); err != nil {
			return fmt.Errorf("socket: SO_SNDBUF: %w", err)
		}
	}
	if opts.TrafficClass == 0 {
		return nil
	}

	var err error
	if family == address.FamilyIPv6 {
		err = ipv6.NewConn(conn).SetTrafficClass(opts.TrafficClass)
	} else {
		err = ipv4.NewConn(conn).SetTOS(opts.TrafficClass)
	}
	if err != nil {
		return fmt.Errorf("socket: traffic class %#x: %w", opts.TrafficClass, err)
	}
	return nil
}

// LocalAddr returns the bound address, with the kernel-assigned port for an
// ephemeral bind.
func (s *Socket) LocalAddr() address.Address {
	return s.local
}

// Family returns the socket's address family.
func (s *Socket) Family() address.Family {
	return s.local.Family()
}

// ReadFrom reads one datagram without waiting. It returns ErrWouldBlock when
// nothing is queued.
func (s *Socket) ReadFrom(b []byte) (int, address.Address, error) {
	return s.sys.readFrom(b)
}

// WriteTo sends one datagram without waiting. It returns ErrWouldBlock when
// the kernel send buffer is full.
func (s *Socket) WriteTo(b []byte, to address.Address) (int, error) {
	if to.Family() != s.local.Family() {
		return 0, fmt.Errorf("%w: %s socket, %s destination", ErrFamilyMismatch, s.local.Family(), to.Family())
	}
	return s.sys.writeTo(b, to)
}

// Close releases the socket. Pending and later calls return ErrClosed.
func (s *Socket) Close() error {
	s.sys.close()
	return s.conn.Close()
}
