// Package linechan implements the newline-delimited message channel between
// the sandbox and its parent process.
//
// Input readiness is detected off the event loop; the loop is only handed a
// read-ready event and then drains whatever is available without blocking.
package linechan

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/joeycumines/koala/internal/metrics"
)

// ChunkSize is the maximum number of bytes consumed per read.
const ChunkSize = 1024

// maxChunksPerTurn bounds a single drain so a fast writer cannot starve the
// event loop. Remaining input is picked up on the next readiness event.
const maxChunksPerTurn = 64

// Dispatcher runs callbacks on the owning event loop. Post returns false if
// the loop is no longer accepting work.
type Dispatcher interface {
	Post(fn func()) bool
}

// Options configure a Channel.
type Options struct {
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	// OnClose is invoked on the loop once input reaches EOF or fails.
	OnClose func(err error)
}

// Channel reads lines from in and writes lines to out. Lines are delivered
// to the deliver callback on the dispatcher, in arrival order.
type Channel struct {
	in       io.Reader
	out      io.Writer
	dispatch Dispatcher
	deliver  func(line string)
	opts     Options
	log      *zap.Logger

	splitter Splitter

	outMu sync.Mutex

	started   atomic.Bool
	closed    atomic.Bool
	eofSeen   bool // loop-owned
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a channel. Nothing is read until Start is called.
func New(in io.Reader, out io.Writer, dispatch Dispatcher, deliver func(line string), opts Options) *Channel {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Channel{
		in:       in,
		out:      out,
		dispatch: dispatch,
		deliver:  deliver,
		opts:     opts,
		log:      log.Named("linechan"),
		done:     make(chan struct{}),
	}
}

// Start begins watching the input. It is a no-op after the first call. The
// watcher stops when ctx is done or Close is called.
func (c *Channel) Start(ctx context.Context) {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	context.AfterFunc(ctx, c.Close)
	if fd, ok := pollableFd(c.in); ok {
		go c.watchFd(fd)
		return
	}
	go c.watchReader()
}

// Close stops delivering input. Pending writes are unaffected.
func (c *Channel) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
	})
}

// Send writes msg followed by a newline as a single write.
func (c *Channel) Send(msg string) error {
	b := make([]byte, 0, len(msg)+1)
	b = append(b, msg...)
	b = append(b, '\n')

	c.outMu.Lock()
	defer c.outMu.Unlock()
	if _, err := c.out.Write(b); err != nil {
		return err
	}
	c.opts.Metrics.MessageOut()
	return nil
}

// feed runs on the loop.
func (c *Channel) feed(chunk []byte) {
	if c.closed.Load() || c.eofSeen {
		return
	}
	c.splitter.Feed(chunk, c.emit)
}

func (c *Channel) emit(line string) {
	if c.closed.Load() {
		return
	}
	c.opts.Metrics.MessageIn()
	c.deliver(line)
}

// eof runs on the loop. Input closure is never escalated.
func (c *Channel) eof(err error) {
	if c.eofSeen {
		return
	}
	c.eofSeen = true
	fields := []zap.Field{zap.Int("discarded", c.splitter.Pending())}
	if err != nil && err != io.EOF {
		fields = append(fields, zap.Error(err))
	}
	c.log.Debug("input closed", fields...)
	if c.opts.OnClose != nil {
		c.opts.OnClose(err)
	}
}

// watchReader is the fallback for readers without a pollable descriptor: a
// dedicated goroutine blocks in Read and posts each chunk.
func (c *Channel) watchReader() {
	for {
		buf := make([]byte, ChunkSize)
		n, err := c.in.Read(buf)
		if c.closed.Load() {
			return
		}
		if n > 0 {
			chunk := buf[:n]
			if !c.dispatch.Post(func() { c.feed(chunk) }) {
				return
			}
		}
		if err != nil {
			c.dispatch.Post(func() { c.eof(err) })
			return
		}
	}
}
