package engine

import (
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/opd-ai/swiftlet/address"
)

// Handle names one engine connection. Handles are never reused within an
// engine.
type Handle uint64

// Datagram is one UDP payload with its destination.
type Datagram struct {
	To   address.Address
	Data []byte
}

// EventKind identifies an engine event.
type EventKind uint8

const (
	// EventEstablished reports a completed handshake.
	EventEstablished EventKind = iota + 1
	// EventMainData carries bytes read from the main stream.
	EventMainData
	// EventBackgroundData carries the payload of one accepted background
	// frame.
	EventBackgroundData
	// EventClosed is the last event for a handle.
	EventClosed
)

// String returns a human-readable representation of the EventKind.
func (k EventKind) String() string {
	switch k {
	case EventEstablished:
		return "established"
	case EventMainData:
		return "main-data"
	case EventBackgroundData:
		return "background-data"
	case EventClosed:
		return "closed"
	default:
		return fmt.Sprintf("EventKind(%d)", uint8(k))
	}
}

// Event is something that happened to one connection.
type Event struct {
	Kind   EventKind
	Handle Handle
	Peer   address.Address
	Data   []byte
	Close  CloseInfo
}

// Config configures an engine.
type Config struct {
	// TLS is cloned for every handshake. It must list at least one ALPN
	// protocol; a server config must carry a certificate.
	TLS *tls.Config
	// IdleTimeout bounds the handshake. quic-go's own idle timer is set to
	// twice this so the core always detects idleness first.
	IdleTimeout time.Duration
	// MainSendBuffer and BackgroundSendBuffer cap queued, unwritten bytes.
	MainSendBuffer       int
	BackgroundSendBuffer int
	// Server accepts incoming connections.
	Server bool
	// Local is the socket address, reported to quic-go as the pipe's
	// LocalAddr.
	Local address.Address
	// InboundQueue bounds datagrams delivered but not yet read by quic-go.
	// Zero means DefaultInboundQueue.
	InboundQueue int
}

// DefaultInboundQueue is used when Config.InboundQueue is zero.
const DefaultInboundQueue = 1024

var (
	// ErrUnknownHandle is returned for handles that were never issued or
	// whose EventClosed has been queued.
	ErrUnknownHandle = errors.New("engine: unknown connection handle")
	// ErrBufferFull is returned when a send would exceed the send cap.
	ErrBufferFull = errors.New("engine: send buffer full")
	// ErrClosing is returned for sends after Close was requested.
	ErrClosing = errors.New("engine: connection closing")
	// ErrNotEstablished is returned for operations that need a completed
	// handshake.
	ErrNotEstablished = errors.New("engine: connection not established")
	// ErrInboundFull is returned by Deliver when quic-go falls behind.
	ErrInboundFull = errors.New("engine: inbound queue full")
	// ErrShutdown is returned after Shutdown.
	ErrShutdown = errors.New("engine: shut down")
)

func (c Config) validate() error {
	if c.TLS == nil {
		return errors.New("engine: TLS config required")
	}
	if len(c.TLS.NextProtos) == 0 {
		return errors.New("engine: at least one ALPN protocol required")
	}
	if c.Server && len(c.TLS.Certificates) == 0 && c.TLS.GetCertificate == nil && c.TLS.GetConfigForClient == nil {
		return errors.New("engine: server TLS config has no certificate")
	}
	if c.IdleTimeout <= 0 {
		return errors.New("engine: idle timeout must be positive")
	}
	if c.MainSendBuffer <= 0 || c.BackgroundSendBuffer <= 0 {
		return errors.New("engine: send buffers must be positive")
	}
	if !c.Local.IsValid() {
		return errors.New("engine: local address required")
	}
	return nil
}
