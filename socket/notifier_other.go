//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package socket

import (
	"context"
	"time"
)

type chanNotifier struct {
	sock *sysSocket
	wake chan struct{}
}

func newNotifier(s *Socket) (Notifier, error) {
	return &chanNotifier{sock: s.sys, wake: make(chan struct{}, 1)}, nil
}

func (n *chanNotifier) Wait(ctx context.Context, deadline time.Time) (bool, error) {
	if len(n.sock.inbox) > 0 {
		return true, nil
	}

	var timeout <-chan time.Time
	if !deadline.IsZero() {
		t := time.NewTimer(time.Until(deadline))
		defer t.Stop()
		timeout = t.C
	}

	select {
	case <-n.sock.ready:
		// Also fires when the reader stops on an error; ReadFrom reports it.
		return true, nil
	case <-n.wake:
		return false, nil
	case <-timeout:
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (n *chanNotifier) Wake() {
	select {
	case n.wake <- struct{}{}:
	default:
	}
}

func (n *chanNotifier) Close() error {
	return nil
}
