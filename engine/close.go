package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/quic-go/quic-go"
)

// EndpointPhrase is the CONNECTION_CLOSE reason phrase marking a close
// requested by the endpoint rather than by the application. Application
// closes carry an empty phrase.
const EndpointPhrase = "swiftlet"

// Codes the engine itself closes with. They share the numbering of QUIC
// transport error codes.
const (
	codeNoError           = 0x00
	codeInternalError     = 0x01
	codeProtocolViolation = 0x0a
)

// Origin tells which side ended a connection.
type Origin uint8

const (
	// OriginUnknown means the cause could not be attributed.
	OriginUnknown Origin = iota
	// OriginTimeout means a handshake or idle timer fired inside quic-go.
	OriginTimeout
	// OriginLocal means this side sent the CONNECTION_CLOSE.
	OriginLocal
	// OriginPeer means the peer sent the CONNECTION_CLOSE or a stateless
	// reset.
	OriginPeer
)

// String returns a human-readable representation of the Origin.
func (o Origin) String() string {
	switch o {
	case OriginUnknown:
		return "unknown"
	case OriginTimeout:
		return "timeout"
	case OriginLocal:
		return "local"
	case OriginPeer:
		return "peer"
	default:
		return fmt.Sprintf("Origin(%d)", uint8(o))
	}
}

// CloseInfo describes how a connection ended.
type CloseInfo struct {
	Origin Origin
	// Application is set for closes carrying an application error code.
	// Endpoint closes and transport errors leave it unset.
	Application bool
	// Code is the application code, or the endpoint/transport code.
	Code uint64
	// Abrupt is set when no CONNECTION_CLOSE was exchanged, e.g. a
	// stateless reset.
	Abrupt bool
	// Message is the peer's reason phrase, for logs only.
	Message string
}

// String formats the close for logs.
func (c CloseInfo) String() string {
	kind := "endpoint"
	if c.Application {
		kind = "application"
	}
	return fmt.Sprintf("%s %s code=%#x", c.Origin, kind, c.Code)
}

// Classify maps an error returned by quic-go, or the cause of a closed
// connection context, onto a CloseInfo.
func Classify(err error) CloseInfo {
	var (
		appErr   *quic.ApplicationError
		trErr    *quic.TransportError
		idleErr  *quic.IdleTimeoutError
		hsErr    *quic.HandshakeTimeoutError
		resetErr *quic.StatelessResetError
	)

	switch {
	case err == nil:
		return CloseInfo{Origin: OriginUnknown}
	case errors.As(err, &appErr):
		info := CloseInfo{
			Origin:      originOf(appErr.Remote),
			Application: appErr.ErrorMessage != EndpointPhrase,
			Code:        uint64(appErr.ErrorCode),
		}
		if appErr.ErrorMessage != EndpointPhrase {
			info.Message = appErr.ErrorMessage
		}
		return info
	case errors.As(err, &trErr):
		return CloseInfo{
			Origin:  originOf(trErr.Remote),
			Code:    uint64(trErr.ErrorCode),
			Message: trErr.ErrorMessage,
		}
	case errors.As(err, &idleErr), errors.As(err, &hsErr):
		return CloseInfo{Origin: OriginTimeout, Abrupt: true}
	case errors.As(err, &resetErr):
		return CloseInfo{Origin: OriginPeer, Abrupt: true}
	case errors.Is(err, context.DeadlineExceeded):
		return CloseInfo{Origin: OriginTimeout, Abrupt: true}
	default:
		return CloseInfo{Origin: OriginUnknown, Abrupt: true, Message: err.Error()}
	}
}

func originOf(remote bool) Origin {
	if remote {
		return OriginPeer
	}
	return OriginLocal
}

func phraseFor(endpointOriginated bool) string {
	if endpointOriginated {
		return EndpointPhrase
	}
	return ""
}
