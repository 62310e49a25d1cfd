package engine

import "encoding/binary"

const (
	quicVersion1 = 0x00000001
	// MinInitialSize is the smallest UDP payload a client may carry an
	// Initial packet in.
	MinInitialSize = 1200
)

// LooksLikeInitial reports whether b plausibly starts a QUIC v1 client
// Initial: a long header with the fixed bit, packet type 0, version 1,
// and a padded datagram. It does not decrypt anything.
func LooksLikeInitial(b []byte) bool {
	if len(b) < MinInitialSize {
		return false
	}
	if b[0]&0xc0 != 0xc0 {
		return false
	}
	if (b[0]&0x30)>>4 != 0 {
		return false
	}
	return binary.BigEndian.Uint32(b[1:5]) == quicVersion1
}
