package engine

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Background frame kinds.
const (
	frameData byte = 0x01
	framePing byte = 0x02
)

const (
	frameHeaderLen = 9
	// MaxBackgroundPayload is the largest data slice carried by one
	// background frame.
	MaxBackgroundPayload = 1024
)

var errShortFrame = errors.New("engine: background frame too short")

func appendFrame(dst []byte, kind byte, seq uint64, data []byte) []byte {
	dst = append(dst, kind)
	dst = binary.BigEndian.AppendUint64(dst, seq)
	return append(dst, data...)
}

func parseFrame(b []byte) (kind byte, seq uint64, data []byte, err error) {
	if len(b) < frameHeaderLen {
		return 0, 0, nil, errShortFrame
	}
	kind = b[0]
	if kind != frameData && kind != framePing {
		return 0, 0, nil, fmt.Errorf("engine: unknown background frame kind %#x", kind)
	}
	data = b[frameHeaderLen:]
	if len(data) > MaxBackgroundPayload {
		return 0, 0, nil, fmt.Errorf("engine: background frame payload %d exceeds %d", len(data), MaxBackgroundPayload)
	}
	return kind, binary.BigEndian.Uint64(b[1:frameHeaderLen]), data, nil
}

// seqFilter admits strictly increasing sequence numbers. Sequence zero is
// never admitted; senders start at one.
type seqFilter struct {
	last uint64
}

func (f *seqFilter) admit(seq uint64) bool {
	if seq <= f.last {
		return false
	}
	f.last = seq
	return true
}

// splitPayload cuts b into frame-sized pieces without copying.
func splitPayload(b []byte) [][]byte {
	var out [][]byte
	for len(b) > MaxBackgroundPayload {
		out = append(out, b[:MaxBackgroundPayload])
		b = b[MaxBackgroundPayload:]
	}
	if len(b) > 0 {
		out = append(out, b)
	}
	return out
}
