//go:build linux

package dispatch

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// controlEvent is the single byte written to the self-pipe to identify
// which signal-driven control event fired.
type controlEvent byte

const (
	eventReload    controlEvent = 'H'
	eventDump      controlEvent = 'U'
	eventTerminate controlEvent = 'T'
)

// pendingEvents summarizes every control event drained in one Step.
type pendingEvents struct {
	reload    bool
	dump      bool
	terminate bool
}

// selfPipe is a pipe(2) pair used to turn asynchronous signal delivery
// into a condition the single-threaded Dispatcher loop can observe via
// epoll alongside its sockets and timers. The write end is
// touched by the signal-forwarder goroutine; the read end is only ever
// drained by the Dispatcher's own goroutine.
type selfPipe struct {
	readFD  int
	writeFD int
}

// newSelfPipe creates a nonblocking pipe(2) pair.
func newSelfPipe() (*selfPipe, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("self-pipe: %w", err)
	}
	return &selfPipe{readFD: fds[0], writeFD: fds[1]}, nil
}

// notify writes one byte identifying ev to the pipe. Nonblocking: if the
// pipe's buffer is somehow full (impossible in practice -- at most three
// distinct byte values are ever pending), the write is dropped rather than
// blocking the signal handler's forwarder goroutine.
func (p *selfPipe) notify(ev controlEvent) {
	buf := [1]byte{byte(ev)}
	_, _ = unix.Write(p.writeFD, buf[:])
}

// fd returns the read end, for epoll registration.
func (p *selfPipe) fd() int { return p.readFD }

// drain reads every pending byte off the pipe and summarizes which
// control events were seen.
func (p *selfPipe) drain() pendingEvents {
	var events pendingEvents
	var buf [64]byte

	for {
		n, err := unix.Read(p.readFD, buf[:])
		if n <= 0 || err != nil {
			return events
		}
		for _, b := range buf[:n] {
			switch controlEvent(b) {
			case eventReload:
				events.reload = true
			case eventDump:
				events.dump = true
			case eventTerminate:
				events.terminate = true
			}
		}
		if n < len(buf) {
			return events
		}
	}
}

// close releases both ends of the pipe.
func (p *selfPipe) close() {
	_ = unix.Close(p.readFD)
	_ = unix.Close(p.writeFD)
}
