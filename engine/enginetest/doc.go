// Package enginetest provides a simulated transport engine with the same
// method set as *engine.QUIC. Tests drive it explicitly: handshakes,
// stream data and closes happen when the test says so, and every call the
// code under test makes is recorded for inspection.
//
// It never touches the network. Use it for deterministic state machine
// tests; use the real engine over loopback sockets for end to end tests.
package enginetest
