package endpoint

import (
	"errors"
	"testing"

	"github.com/opd-ai/swiftlet/engine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestError_Matching tests that errors.Is sees both the kind and the cause.
func TestError_Matching(t *testing.T) {
	cause := errors.New("boom")
	id := ConnectionID{0xab}
	err := error(newError("main_stream_send", id, ErrStreamSend, cause))

	assert.ErrorIs(t, err, ErrStreamSend)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrConnectionSend)

	var e *Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, "main_stream_send", e.Op)
	assert.Equal(t, id, e.ID)
	assert.Equal(t, "swiftlet main_stream_send ab000000000000000000000000000000: stream send failed: boom", err.Error())
}

// TestError_NoCause tests formatting without an id or cause.
func TestError_NoCause(t *testing.T) {
	err := newError("add_client_connection", ConnectionID{}, ErrIsServer, nil)
	assert.Equal(t, "swiftlet add_client_connection: operation not permitted in this endpoint mode", err.Error())
	assert.ErrorIs(t, err, ErrIsServer)
}

// TestCloseCode_String tests names, crypto codes and unknown codes.
func TestCloseCode_String(t *testing.T) {
	assert.Equal(t, "connection refused", ConnectionRefused.String())
	assert.Equal(t, "main stream finished", MainStreamFinished.String())
	assert.Equal(t, "crypto error (alert 42)", (CryptoErrorStart + 42).String())
	assert.True(t, (CryptoErrorStart + 42).IsCrypto())
	assert.False(t, UnexpectedClose.IsCrypto())
	assert.Equal(t, "CloseCode(0x200)", CloseCode(0x200).String())
}

// TestEndReason_String tests log formatting of reasons.
func TestEndReason_String(t *testing.T) {
	assert.Equal(t, "local endpoint: flow control error", LocalEndpoint(FlowControlError).String())
	assert.Equal(t, "peer application: code 7", PeerApplication(7).String())
	assert.Equal(t, "idle timeout", IdleTimeout().String())
	assert.True(t, LocalApplication(1).IsApplication())
	assert.False(t, PeerEndpoint(NoError).IsApplication())
	assert.Equal(t, ProtocolViolation, PeerEndpoint(ProtocolViolation).CloseCode())
}

// TestReasonFromClose tests the mapping from engine close info.
func TestReasonFromClose(t *testing.T) {
	tests := []struct {
		name     string
		info     engine.CloseInfo
		expected EndReason
	}{
		{"timeout", engine.CloseInfo{Origin: engine.OriginTimeout, Abrupt: true}, IdleTimeout()},
		{"local app", engine.CloseInfo{Origin: engine.OriginLocal, Application: true, Code: 3}, LocalApplication(3)},
		{"local endpoint", engine.CloseInfo{Origin: engine.OriginLocal, Code: 2}, LocalEndpoint(ConnectionRefused)},
		{"peer app", engine.CloseInfo{Origin: engine.OriginPeer, Application: true, Code: 9}, PeerApplication(9)},
		{"peer endpoint", engine.CloseInfo{Origin: engine.OriginPeer, Code: 0x11}, PeerEndpoint(MainStreamFinished)},
		{"peer reset", engine.CloseInfo{Origin: engine.OriginPeer, Abrupt: true}, PeerEndpoint(UnexpectedClose)},
		{"unknown", engine.CloseInfo{Abrupt: true, Message: "eof"}, EndReason{Kind: ReasonUncertain}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, reasonFromClose(tt.info))
		})
	}
}
