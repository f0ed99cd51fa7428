//go:build linux || darwin || freebsd || netbsd || openbsd

package linechan

import (
	"errors"
	"io"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// pollInterval bounds how long the watcher sleeps in poll before checking
// whether the channel was closed.
const pollInterval = 250 * time.Millisecond

type fder interface {
	Fd() uintptr
}

func pollableFd(r io.Reader) (int, bool) {
	f, ok := r.(fder)
	if !ok {
		return 0, false
	}
	fd := int(f.Fd())
	if _, err := waitReadable(fd, 0); err != nil {
		return 0, false
	}
	return fd, true
}

// watchFd waits for readiness and hands each read-ready event to the loop,
// then waits for that drain to finish before polling again.
func (c *Channel) watchFd(fd int) {
	c.log.Debug("watching input", zap.Int("fd", fd), zap.Bool("terminal", term.IsTerminal(fd)))
	for {
		ready, err := waitReadable(fd, pollInterval)
		if c.closed.Load() {
			return
		}
		if err != nil {
			c.dispatch.Post(func() { c.eof(err) })
			return
		}
		if !ready {
			continue
		}
		more := make(chan bool, 1)
		if !c.dispatch.Post(func() { more <- c.drainFd(fd) }) {
			return
		}
		select {
		case ok := <-more:
			if !ok {
				return
			}
		case <-c.done:
			return
		}
	}
}

// drainFd runs on the loop. It reads until a zero-timeout poll reports no
// more data, and returns false once the input is finished.
func (c *Channel) drainFd(fd int) bool {
	if c.closed.Load() {
		return false
	}
	buf := make([]byte, ChunkSize)
	for i := 0; i < maxChunksPerTurn; i++ {
		n, err := readFd(fd, buf)
		if errors.Is(err, unix.EAGAIN) {
			return true
		}
		if n > 0 {
			c.feed(buf[:n])
		}
		if err != nil || n == 0 {
			if err == nil {
				err = io.EOF
			}
			c.eof(err)
			return false
		}
		ready, err := waitReadable(fd, 0)
		if err != nil || !ready {
			return err == nil
		}
	}
	return true
}

func readFd(fd int, buf []byte) (int, error) {
	for {
		n, err := unix.Read(fd, buf)
		if err == unix.EINTR {
			continue
		}
		if n < 0 {
			n = 0
		}
		return n, err
	}
}

func waitReadable(fd int, timeout time.Duration) (bool, error) {
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	for {
		n, err := unix.Poll(fds, int(timeout/time.Millisecond))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return false, err
		}
		if n == 0 {
			return false, nil
		}
		if fds[0].Revents&unix.POLLNVAL != 0 {
			return false, unix.EBADF
		}
		return fds[0].Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0, nil
	}
}
