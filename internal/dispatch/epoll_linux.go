//go:build linux

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sys/unix"
)

// maxEpollEvents bounds one epoll_wait call's event buffer; the loop
// doesn't need to know exactly which fd woke it since Step always sweeps
// every listener and the self-pipe regardless (a listener that isn't
// actually readable returns EAGAIN immediately, which is cheap).
const maxEpollEvents = 16

// Run drives the Dispatcher's event loop until ctx is cancelled or a
// terminate control event is processed. It owns the epoll instance:
// socket readability and the self-pipe are registered once at startup,
// and the wait timeout is recomputed every iteration from the TimerWheel's
// next deadline so a session's TX/detect timer fires on time even when no
// fd is ever readable.
func (d *Dispatcher) Run(ctx context.Context) error {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return fmt.Errorf("dispatcher: epoll_create1: %w", err)
	}
	defer func() {
		if cerr := unix.Close(epfd); cerr != nil {
			d.logger.Warn("close epoll fd failed", slog.String("error", cerr.Error()))
		}
	}()

	if err := registerFd(epfd, d.pipe.fd()); err != nil {
		return fmt.Errorf("dispatcher: register self-pipe: %w", err)
	}
	for _, l := range d.listeners {
		fd, err := l.Fd()
		if err != nil {
			return fmt.Errorf("dispatcher: listener fd: %w", err)
		}
		if err := registerFd(epfd, fd); err != nil {
			return fmt.Errorf("dispatcher: register listener fd %d: %w", fd, err)
		}
	}

	events := make([]unix.EpollEvent, maxEpollEvents)

	for {
		if ctx.Err() != nil {
			return nil
		}

		timeoutMS := d.nextTimeoutMillis()

		_, err := unix.EpollWait(epfd, events, timeoutMS)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("dispatcher: epoll_wait: %w", err)
		}

		now := d.now()
		d.Step(now)

		if d.Terminated() {
			return nil
		}
	}
}

// nextTimeoutMillis computes the epoll_wait timeout from the TimerWheel's
// earliest pending deadline, capped so the loop still wakes periodically
// even with no timers scheduled (e.g. before the first instance is
// configured).
func (d *Dispatcher) nextTimeoutMillis() int {
	const idleTimeout = time.Second

	deadline, ok := d.timers.NextDeadline()
	if !ok {
		return int(idleTimeout.Milliseconds())
	}

	remaining := deadline.Sub(d.now())
	if remaining <= 0 {
		return 0
	}
	if remaining > idleTimeout {
		remaining = idleTimeout
	}
	return int(remaining.Milliseconds())
}

// registerFd adds fd to epfd's interest list for level-triggered
// readability.
func registerFd(epfd, fd int) error {
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl add fd %d: %w", fd, err)
	}
	return nil
}
