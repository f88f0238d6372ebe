package dispatch_test

import (
	"testing"

	"golang.org/x/sys/unix"
)

// newBlockedPipe returns a nonblocking pipe(2) pair for exercising the
// Event Publisher's consumer-pipe writes without a real sibling process on
// the read end.
func newBlockedPipe(t *testing.T) (readFD, writeFD int) {
	t.Helper()
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		t.Fatalf("pipe2: %v", err)
	}
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

// readRecord performs a single blocking-ish read by retrying on EAGAIN,
// since the read end is nonblocking but the Publisher's write is expected
// to have already completed by the time the test calls this.
func readRecord(fd int, buf []byte) (int, error) {
	for {
		n, err := unix.Read(fd, buf)
		if err == unix.EAGAIN {
			continue
		}
		return n, err
	}
}
