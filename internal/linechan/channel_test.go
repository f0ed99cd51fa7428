package linechan

import (
	"bytes"
	"context"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// serialDispatcher runs posted callbacks immediately, one at a time.
type serialDispatcher struct {
	mu sync.Mutex
}

func (d *serialDispatcher) Post(fn func()) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	fn()
	return true
}

type recorder struct {
	lines  chan string
	closed chan error
}

func newRecorder() *recorder {
	return &recorder{lines: make(chan string, 16), closed: make(chan error, 1)}
}

func (r *recorder) next(t *testing.T) string {
	t.Helper()
	select {
	case line := <-r.lines:
		return line
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for line")
		return ""
	}
}

func (r *recorder) waitClosed(t *testing.T) error {
	t.Helper()
	select {
	case err := <-r.closed:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for close")
		return nil
	}
}

func startChannel(t *testing.T, in io.Reader, out io.Writer) (*Channel, *recorder) {
	t.Helper()
	rec := newRecorder()
	ch := New(in, out, &serialDispatcher{}, func(line string) { rec.lines <- line }, Options{
		Logger:  zaptest.NewLogger(t),
		OnClose: func(err error) { rec.closed <- err },
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	ch.Start(ctx)
	return ch, rec
}

func TestChannelPipeFd(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()

	_, rec := startChannel(t, r, io.Discard)

	_, err = w.Write([]byte("first\nsec"))
	require.NoError(t, err)
	require.Equal(t, "first", rec.next(t))

	_, err = w.Write([]byte("ond\n\n"))
	require.NoError(t, err)
	require.Equal(t, "second", rec.next(t))
	require.Equal(t, "", rec.next(t))

	require.NoError(t, w.Close())
	rec.waitClosed(t)
}

func TestChannelPlainReader(t *testing.T) {
	pr, pw := io.Pipe()
	_, rec := startChannel(t, pr, io.Discard)

	go func() {
		_, _ = pw.Write([]byte("a\nb"))
		_, _ = pw.Write([]byte("\n"))
		_ = pw.Close()
	}()

	require.Equal(t, "a", rec.next(t))
	require.Equal(t, "b", rec.next(t))
	require.ErrorIs(t, rec.waitClosed(t), io.EOF)
}

func TestChannelLargeInput(t *testing.T) {
	long := strings.Repeat("x", 5*ChunkSize+17)
	_, rec := startChannel(t, strings.NewReader(long+"\nend\n"), io.Discard)
	require.Equal(t, long, rec.next(t))
	require.Equal(t, "end", rec.next(t))
	rec.waitClosed(t)
}

func TestChannelCloseStopsDelivery(t *testing.T) {
	pr, pw := io.Pipe()
	ch, rec := startChannel(t, pr, io.Discard)
	ch.Close()
	go func() { _, _ = pw.Write([]byte("ignored\n")) }()

	select {
	case line := <-rec.lines:
		t.Fatalf("unexpected line %q", line)
	case <-time.After(100 * time.Millisecond):
	}
}

type writeLog struct {
	mu     sync.Mutex
	writes [][]byte
}

func (w *writeLog) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.writes = append(w.writes, bytes.Clone(p))
	return len(p), nil
}

func TestSendWritesWholeLines(t *testing.T) {
	out := &writeLog{}
	ch := New(strings.NewReader(""), out, &serialDispatcher{}, func(string) {}, Options{})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, ch.Send(`{"channel":"c","value":"v"}`))
		}()
	}
	wg.Wait()

	require.Len(t, out.writes, 20)
	for _, w := range out.writes {
		require.Equal(t, "{\"channel\":\"c\",\"value\":\"v\"}\n", string(w))
	}
}
