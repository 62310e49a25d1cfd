// Package engine adapts quic-go to the sans-IO surface the endpoint core
// drives.
//
// # Packet Pipe
//
// quic-go reads and writes a net.PacketConn. The engine hands it an
// in-memory pipe instead of the real socket: Deliver pushes inbound
// datagrams into the pipe and every datagram quic-go writes is queued for
// Outbound. The event loop stays the only goroutine touching the socket.
//
// # Channels
//
// Each connection carries two byte channels. The main channel is the first
// client-initiated bidirectional stream; the client writes the one byte
// preamble 0x80 when it opens it. The background channel rides on QUIC
// DATAGRAM frames, each framed as
//
//	kind (1 byte) | sequence (8 bytes, big endian) | data (<= 1024 bytes)
//
// Receivers drop frames whose sequence is not greater than the last one
// delivered, so background bytes may be lost but are never reordered.
//
// # Events
//
// quic-go and the per-connection goroutines never call back into the core.
// They append Events under the engine lock and invoke the notify function
// set with SetNotify; the core collects them with Events on its own
// goroutine.
package engine
