//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package socket

import (
	"errors"
	"fmt"
	"net"
	"syscall"

	"github.com/opd-ai/swiftlet/address"
	"golang.org/x/sys/unix"
)

type sysSocket struct {
	raw syscall.RawConn
	fd  int
}

func newSysSocket(conn *net.UDPConn) (*sysSocket, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return nil, fmt.Errorf("socket: raw conn: %w", err)
	}
	s := &sysSocket{raw: raw, fd: -1}
	if err := raw.Control(func(fd uintptr) { s.fd = int(fd) }); err != nil {
		return nil, fmt.Errorf("socket: descriptor: %w", err)
	}
	return s, nil
}

func (s *sysSocket) readFrom(b []byte) (int, address.Address, error) {
	var (
		n    int
		from unix.Sockaddr
		rerr error
	)
	err := s.raw.Read(func(fd uintptr) bool {
		n, from, rerr = unix.Recvfrom(int(fd), b, unix.MSG_DONTWAIT)
		return true
	})
	if err != nil {
		return 0, address.Address{}, mapClosed(err)
	}
	if rerr != nil {
		if isWouldBlock(rerr) {
			return 0, address.Address{}, ErrWouldBlock
		}
		return 0, address.Address{}, fmt.Errorf("socket: recvfrom: %w", rerr)
	}

	addr, err := fromSockaddr(from)
	if err != nil {
		return 0, address.Address{}, err
	}
	return n, addr, nil
}

func (s *sysSocket) writeTo(b []byte, to address.Address) (int, error) {
	sa := toSockaddr(to)
	var werr error
	err := s.raw.Write(func(fd uintptr) bool {
		werr = unix.Sendto(int(fd), b, unix.MSG_DONTWAIT, sa)
		return true
	})
	if err != nil {
		return 0, mapClosed(err)
	}
	if werr != nil {
		if isWouldBlock(werr) {
			return 0, ErrWouldBlock
		}
		return 0, fmt.Errorf("socket: sendto %s: %w", to, werr)
	}
	return len(b), nil
}

func (s *sysSocket) close() {}

func isWouldBlock(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EINTR)
}

func mapClosed(err error) error {
	if errors.Is(err, net.ErrClosed) {
		return ErrClosed
	}
	return err
}

func fromSockaddr(sa unix.Sockaddr) (address.Address, error) {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return address.IPv4(v.Addr, uint16(v.Port)), nil
	case *unix.SockaddrInet6:
		return address.IPv6(v.Addr, uint16(v.Port)), nil
	default:
		return address.Address{}, fmt.Errorf("socket: unsupported peer sockaddr %T", sa)
	}
}

func toSockaddr(a address.Address) unix.Sockaddr {
	ip := a.IPBytes()
	if a.Is4() {
		return &unix.SockaddrInet4{Port: int(a.Port()), Addr: [4]byte(ip)}
	}
	return &unix.SockaddrInet6{Port: int(a.Port()), Addr: [16]byte(ip)}
}

// IsTransient reports whether err is an ICMP-driven or resource error that
// affects a single datagram and leaves the socket usable.
func IsTransient(err error) bool {
	return errors.Is(err, unix.ECONNREFUSED) ||
		errors.Is(err, unix.EHOSTUNREACH) ||
		errors.Is(err, unix.ENETUNREACH) ||
		errors.Is(err, unix.ENOBUFS)
}
