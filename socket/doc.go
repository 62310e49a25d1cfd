// Package socket provides the bound UDP socket and the readiness notifier
// used by the endpoint event loop.
//
// # Socket
//
// A Socket reads and writes single datagrams without ever blocking. When
// the kernel has nothing queued, or no send buffer space, the call returns
// ErrWouldBlock and the caller retries after the next readiness signal.
//
// # Notifier
//
// A Notifier suspends the event loop until the socket is readable, another
// goroutine calls Wake, or a deadline passes. On Linux and the BSDs it is
// poll(2) over the socket and a wake pipe. Elsewhere a reader goroutine
// feeds a queue and the notifier selects on it.
package socket
