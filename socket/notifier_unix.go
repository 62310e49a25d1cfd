//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package socket

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// pollNotifier waits with poll(2) on the socket descriptor and the read end
// of a non-blocking wake pipe.
type pollNotifier struct {
	sockFD int
	wakeR  int
	wakeW  int

	mu     sync.Mutex
	closed bool
}

func newNotifier(s *Socket) (Notifier, error) {
	var p [2]int
	if err := unix.Pipe(p[:]); err != nil {
		return nil, fmt.Errorf("socket: wake pipe: %w", err)
	}
	for _, fd := range p {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(p[0])
			unix.Close(p[1])
			return nil, fmt.Errorf("socket: wake pipe: %w", err)
		}
	}
	return &pollNotifier{sockFD: s.sys.fd, wakeR: p[0], wakeW: p[1]}, nil
}

func (n *pollNotifier) Wait(ctx context.Context, deadline time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	stop := context.AfterFunc(ctx, n.Wake)
	defer stop()

	for {
		timeout := -1
		if !deadline.IsZero() {
			d := time.Until(deadline)
			if d <= 0 {
				timeout = 0
			} else {
				// Round up so a sub-millisecond remainder does not spin.
				timeout = int((d + time.Millisecond - 1) / time.Millisecond)
			}
		}

		fds := []unix.PollFd{
			{Fd: int32(n.sockFD), Events: unix.POLLIN},
			{Fd: int32(n.wakeR), Events: unix.POLLIN},
		}
		_, err := unix.Poll(fds, timeout)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("socket: poll: %w", err)
		}

		if fds[1].Revents&unix.POLLIN != 0 {
			n.drainWake()
		}
		if err := ctx.Err(); err != nil {
			return false, err
		}
		if fds[0].Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
			return false, fmt.Errorf("socket: poll revents %#x", fds[0].Revents)
		}
		return fds[0].Revents&unix.POLLIN != 0, nil
	}
}

func (n *pollNotifier) drainWake() {
	var buf [64]byte
	for {
		if k, err := unix.Read(n.wakeR, buf[:]); err != nil || k == 0 {
			return
		}
	}
}

func (n *pollNotifier) Wake() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	// A full pipe already guarantees a wakeup.
	_, _ = unix.Write(n.wakeW, []byte{1})
}

func (n *pollNotifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	n.closed = true
	return errors.Join(unix.Close(n.wakeR), unix.Close(n.wakeW))
}
