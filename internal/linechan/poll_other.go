//go:build !(linux || darwin || freebsd || netbsd || openbsd)

package linechan

import "io"

func pollableFd(io.Reader) (int, bool) {
	return 0, false
}

func (c *Channel) watchFd(int) {
	c.watchReader()
}
