package endpoint

import (
	"fmt"

	"github.com/opd-ai/swiftlet/engine"
)

// CloseCode is an endpoint close code. Values up to NoViablePath are the
// QUIC transport error codes; the rest extend that space.
type CloseCode uint64

const (
	NoError                  CloseCode = 0x00
	InternalError            CloseCode = 0x01
	ConnectionRefused        CloseCode = 0x02
	FlowControlError         CloseCode = 0x03
	StreamLimitError         CloseCode = 0x04
	StreamStateError         CloseCode = 0x05
	FinalSizeError           CloseCode = 0x06
	FrameEncodingError       CloseCode = 0x07
	TransportParameterError  CloseCode = 0x08
	ConnectionIDLimitError   CloseCode = 0x09
	ProtocolViolation        CloseCode = 0x0a
	InvalidToken             CloseCode = 0x0b
	ApplicationError         CloseCode = 0x0c
	CryptoBufferExceeded     CloseCode = 0x0d
	KeyUpdateError           CloseCode = 0x0e
	AEADLimitReached         CloseCode = 0x0f
	NoViablePath             CloseCode = 0x10
	MainStreamFinished       CloseCode = 0x11
	BackgroundStreamFinished CloseCode = 0x12
	UnexpectedClose          CloseCode = 0x13

	// CryptoErrorStart and CryptoErrorEnd bound the handshake failures;
	// the low byte is the TLS alert.
	CryptoErrorStart CloseCode = 0x100
	CryptoErrorEnd   CloseCode = 0x1ff
)

var closeCodeNames = map[CloseCode]string{
	NoError:                  "no error",
	InternalError:            "internal error",
	ConnectionRefused:        "connection refused",
	FlowControlError:         "flow control error",
	StreamLimitError:         "stream limit error",
	StreamStateError:         "stream state error",
	FinalSizeError:           "final size error",
	FrameEncodingError:       "frame encoding error",
	TransportParameterError:  "transport parameter error",
	ConnectionIDLimitError:   "connection id limit error",
	ProtocolViolation:        "protocol violation",
	InvalidToken:             "invalid token",
	ApplicationError:         "application error",
	CryptoBufferExceeded:     "crypto buffer exceeded",
	KeyUpdateError:           "key update error",
	AEADLimitReached:         "AEAD limit reached",
	NoViablePath:             "no viable path",
	MainStreamFinished:       "main stream finished",
	BackgroundStreamFinished: "background stream finished",
	UnexpectedClose:          "unexpected close",
}

// String returns a human-readable representation of the CloseCode.
func (c CloseCode) String() string {
	if name, ok := closeCodeNames[c]; ok {
		return name
	}
	if c.IsCrypto() {
		return fmt.Sprintf("crypto error (alert %d)", c.Alert())
	}
	return fmt.Sprintf("CloseCode(%#x)", uint64(c))
}

// IsCrypto reports whether c lies in the handshake failure range.
func (c CloseCode) IsCrypto() bool {
	return c >= CryptoErrorStart && c <= CryptoErrorEnd
}

// Alert returns the TLS alert of a crypto close code.
func (c CloseCode) Alert() uint8 {
	return uint8(c - CryptoErrorStart)
}

// ReasonKind says who ended a connection and in which code space.
type ReasonKind uint8

const (
	// ReasonUncertain is used when the cause could not be classified.
	ReasonUncertain ReasonKind = iota
	// ReasonIdleTimeout means no datagram arrived within the idle timeout.
	ReasonIdleTimeout
	// ReasonLocalEndpoint carries a CloseCode chosen by this endpoint.
	ReasonLocalEndpoint
	// ReasonPeerEndpoint carries a CloseCode chosen by the peer endpoint.
	ReasonPeerEndpoint
	// ReasonLocalApplication carries a code passed to CloseConnection.
	ReasonLocalApplication
	// ReasonPeerApplication carries the peer application's code.
	ReasonPeerApplication
)

// String returns a human-readable representation of the ReasonKind.
func (k ReasonKind) String() string {
	switch k {
	case ReasonUncertain:
		return "uncertain"
	case ReasonIdleTimeout:
		return "idle timeout"
	case ReasonLocalEndpoint:
		return "local endpoint"
	case ReasonPeerEndpoint:
		return "peer endpoint"
	case ReasonLocalApplication:
		return "local application"
	case ReasonPeerApplication:
		return "peer application"
	default:
		return fmt.Sprintf("ReasonKind(%d)", uint8(k))
	}
}

// EndReason describes why a connection reached Ending or Ended. Code is a
// CloseCode for the endpoint kinds and an application code for the
// application kinds.
type EndReason struct {
	Kind ReasonKind
	Code uint64
}

// LocalEndpoint builds a reason for a close this endpoint decided on.
func LocalEndpoint(code CloseCode) EndReason {
	return EndReason{Kind: ReasonLocalEndpoint, Code: uint64(code)}
}

// PeerEndpoint builds a reason for a close the peer endpoint decided on.
func PeerEndpoint(code CloseCode) EndReason {
	return EndReason{Kind: ReasonPeerEndpoint, Code: uint64(code)}
}

// LocalApplication builds a reason for CloseConnection.
func LocalApplication(code uint64) EndReason {
	return EndReason{Kind: ReasonLocalApplication, Code: code}
}

// PeerApplication builds a reason for a peer application close.
func PeerApplication(code uint64) EndReason {
	return EndReason{Kind: ReasonPeerApplication, Code: code}
}

// IdleTimeout is the reason for idle expiry.
func IdleTimeout() EndReason {
	return EndReason{Kind: ReasonIdleTimeout}
}

// IsApplication reports whether Code is an application code.
func (r EndReason) IsApplication() bool {
	return r.Kind == ReasonLocalApplication || r.Kind == ReasonPeerApplication
}

// CloseCode returns Code as an endpoint close code. It is only meaningful
// for the endpoint kinds.
func (r EndReason) CloseCode() CloseCode {
	return CloseCode(r.Code)
}

// String formats the reason for logs.
func (r EndReason) String() string {
	switch r.Kind {
	case ReasonLocalEndpoint, ReasonPeerEndpoint:
		return fmt.Sprintf("%s: %s", r.Kind, r.CloseCode())
	case ReasonLocalApplication, ReasonPeerApplication:
		return fmt.Sprintf("%s: code %d", r.Kind, r.Code)
	default:
		return r.Kind.String()
	}
}

// reasonFromClose maps the engine's close classification to an EndReason.
func reasonFromClose(info engine.CloseInfo) EndReason {
	switch info.Origin {
	case engine.OriginTimeout:
		return IdleTimeout()
	case engine.OriginLocal:
		if info.Application {
			return LocalApplication(info.Code)
		}
		return LocalEndpoint(CloseCode(info.Code))
	case engine.OriginPeer:
		if info.Abrupt {
			return PeerEndpoint(UnexpectedClose)
		}
		if info.Application {
			return PeerApplication(info.Code)
		}
		return PeerEndpoint(CloseCode(info.Code))
	default:
		return EndReason{Kind: ReasonUncertain}
	}
}
