package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func initialPacket(first byte, version uint32, size int) []byte {
	b := make([]byte, size)
	b[0] = first
	b[1] = byte(version >> 24)
	b[2] = byte(version >> 16)
	b[3] = byte(version >> 8)
	b[4] = byte(version)
	return b
}

// TestLooksLikeInitial tests the Initial packet heuristic.
func TestLooksLikeInitial(t *testing.T) {
	tests := []struct {
		name     string
		packet   []byte
		expected bool
	}{
		{"V1Initial", initialPacket(0xc3, 1, 1200), true},
		{"V1InitialPadded", initialPacket(0xc0, 1, 1452), true},
		{"TooSmall", initialPacket(0xc3, 1, 1199), false},
		{"ShortHeader", initialPacket(0x43, 1, 1200), false},
		{"NoFixedBit", initialPacket(0x83, 1, 1200), false},
		{"Handshake", initialPacket(0xe3, 1, 1200), false},
		{"ZeroRTT", initialPacket(0xd3, 1, 1200), false},
		{"VersionNegotiation", initialPacket(0xc3, 0, 1200), false},
		{"QUICv2", initialPacket(0xd3, 0x6b3343cf, 1200), false},
		{"Empty", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, LooksLikeInitial(tt.packet))
		})
	}
}
