package endpoint

import "github.com/opd-ai/swiftlet/address"

// EventCallbacks is implemented by the application. All methods run on the
// goroutine calling Handler.Run and must return promptly. They may call
// Endpoint methods.
type EventCallbacks interface {
	// ConnectionStarted reports a completed handshake. Returning false
	// closes the connection with ConnectionRefused.
	ConnectionStarted(ep *Endpoint, id ConnectionID, addr address.Address) bool
	// ConnectionEndingWarning reports that the connection began closing.
	// Sends on it fail from now on.
	ConnectionEndingWarning(ep *Endpoint, id ConnectionID, addr address.Address, reason EndReason)
	// ConnectionEnded is the last callback for id. The reason equals the
	// one passed to ConnectionEndingWarning, if that fired.
	ConnectionEnded(ep *Endpoint, id ConnectionID, reason EndReason)
	// MainStreamRecv delivers every buffered main stream byte. The first
	// consumed bytes are dropped from the buffer; the rest are offered
	// again with later data. data is only valid during the call.
	// Returning ok=false finishes the stream and closes the connection.
	MainStreamRecv(ep *Endpoint, id ConnectionID, addr address.Address, data []byte) (consumed int, ok bool)
	// BackgroundStreamRecv is MainStreamRecv for the background stream.
	BackgroundStreamRecv(ep *Endpoint, id ConnectionID, addr address.Address, data []byte) (consumed int, ok bool)
}

// Ticker is optionally implemented by EventCallbacks values. Tick runs
// after every timer pass; returning true stops Handler.Run.
type Ticker interface {
	Tick(ep *Endpoint) (stop bool)
}

// BaseCallbacks accepts every connection and discards all stream data.
// Embed it to implement only the callbacks you need.
type BaseCallbacks struct{}

// ConnectionStarted accepts the connection.
func (BaseCallbacks) ConnectionStarted(*Endpoint, ConnectionID, address.Address) bool {
	return true
}

// ConnectionEndingWarning does nothing.
func (BaseCallbacks) ConnectionEndingWarning(*Endpoint, ConnectionID, address.Address, EndReason) {}

// ConnectionEnded does nothing.
func (BaseCallbacks) ConnectionEnded(*Endpoint, ConnectionID, EndReason) {}

// MainStreamRecv consumes everything.
func (BaseCallbacks) MainStreamRecv(_ *Endpoint, _ ConnectionID, _ address.Address, data []byte) (int, bool) {
	return len(data), true
}

// BackgroundStreamRecv consumes everything.
func (BaseCallbacks) BackgroundStreamRecv(_ *Endpoint, _ ConnectionID, _ address.Address, data []byte) (int, bool) {
	return len(data), true
}
