// Package endpoint manages real-time QUIC connections over one UDP socket.
//
// # Overview
//
// An Endpoint owns a socket, the QUIC engine and a table of connections.
// Each connection carries two byte channels: the reliable, ordered main
// stream and the best-effort background stream. A Handler runs the event
// loop and turns socket readiness into callbacks on an EventCallbacks
// value:
//
//	ep, err := endpoint.NewServer(cfg, address.MustParse("0.0.0.0:4433"), randomness.System())
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer ep.Close()
//
//	h, err := endpoint.NewHandler(ep, callbacks)
//	if err != nil {
//		log.Fatal(err)
//	}
//	err = h.Run(ctx)
//
// # Connection Lifecycle
//
// Every connection moves through Establishing, Active, Ending and Ended,
// never backwards. ConnectionStarted fires once when the handshake
// completes, ConnectionEndingWarning when a close begins, and
// ConnectionEnded exactly once at the end. The reason reported by
// ConnectionEnded is the one fixed when the connection started ending.
// A handshake the engine reports as failed goes straight to Ended; idle
// expiry and local closes during the handshake still pass through Ending.
//
// # Threading
//
// The Endpoint is not safe for concurrent use. Callbacks run on the
// goroutine calling Handler.Run and may call Endpoint methods directly;
// other goroutines must hand their data to that goroutine themselves.
//
// # Errors
//
// Every returned error is an *Error. Use errors.Is with the Err* kinds:
//
//	if _, err := ep.MainStreamSend(id, frame); errors.Is(err, endpoint.ErrStreamSend) {
//		// the send buffer is full or the connection is ending
//	}
package endpoint
