package network

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// queue is a Scheduler that holds posted callbacks until drained, standing
// in for later turns of the event loop.
type queue struct {
	ch chan func()
}

func newQueue() *queue {
	return &queue{ch: make(chan func(), 64)}
}

func (q *queue) Post(fn func()) bool {
	q.ch <- fn
	return true
}

// runNext runs one posted callback, waiting for it if necessary.
func (q *queue) runNext(t *testing.T) {
	t.Helper()
	select {
	case fn := <-q.ch:
		fn()
	case <-time.After(5 * time.Second):
		t.Fatal("nothing posted")
	}
}

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func TestGateOrdinals(t *testing.T) {
	g := NewGate(zaptest.NewLogger(t), nil)

	require.Equal(t, Deny, g.Check(OpGet, mustParse(t, "file:///etc/passwd")), "file denied even when first")
	require.Equal(t, Allow, g.Check(OpGet, mustParse(t, "koala:/top.js")))
	require.Equal(t, Deny, g.Check(OpGet, mustParse(t, "koala:/top.js")))
	require.Equal(t, Deny, g.Check(OpGet, mustParse(t, "KOALA:/other.js")))
	require.Equal(t, Deny, g.Check(OpPost, mustParse(t, "FILE:///tmp/x")))
	require.Equal(t, Allow, g.Check(OpGet, mustParse(t, "https://example.com/")))
	require.Equal(t, Allow, g.Check(OpGet, mustParse(t, "about:blank")))
}

func TestGateCheckRedirect(t *testing.T) {
	g := NewGate(nil, nil)
	require.Equal(t, Deny, g.CheckRedirect(mustParse(t, "koala:/top.js")))
	require.Equal(t, Deny, g.CheckRedirect(mustParse(t, "file:///etc/passwd")))
	require.Equal(t, Allow, g.CheckRedirect(mustParse(t, "http://example.com/")))
	// redirect checks never consume the bundle ordinal
	require.Equal(t, Allow, g.Check(OpGet, mustParse(t, "koala:/top.js")))
}

func TestBlockedReply(t *testing.T) {
	q := newQueue()
	u := mustParse(t, "file:///etc/passwd")
	r := NewBlockedReply(OpGet, Request{URL: u}, q)

	require.ErrorIs(t, r.Err(), ErrBlocked)
	require.Contains(t, r.Err().Error(), "request blocked by koala")
	require.True(t, r.Blocked())
	require.False(t, r.IsFinished())

	var events []string
	r.OnError(func(err error) {
		require.ErrorIs(t, err, ErrBlocked)
		events = append(events, "error")
	})
	r.OnFinished(func(*Reply) { events = append(events, "finished") })
	require.Empty(t, events, "listeners must not run before the loop turns")

	n, err := r.Read(make([]byte, 16))
	require.Zero(t, n)
	require.ErrorIs(t, err, ErrBlocked)
	r.Abort()

	require.Len(t, q.ch, 2)
	q.runNext(t)
	require.Equal(t, []string{"error"}, events)
	q.runNext(t)
	require.Equal(t, []string{"error", "finished"}, events)
	require.True(t, r.IsFinished())
	require.Equal(t, OpGet, r.Operation())
	require.Equal(t, u, r.URL())
}

func TestManagerBundleServedOnce(t *testing.T) {
	q := newQueue()
	m, err := NewManager(q, Options{
		Bundle: fstest.MapFS{"top.js": {Data: []byte("var x = 1;")}},
		Logger: zaptest.NewLogger(t),
	})
	require.NoError(t, err)

	first := m.Request(context.Background(), Request{URL: mustParse(t, "koala:/top.js")})
	require.NoError(t, first.Err())
	q.runNext(t)
	require.True(t, first.IsFinished())
	require.Equal(t, http.StatusOK, first.StatusCode())
	require.Contains(t, first.ContentType(), "javascript")
	body, err := io.ReadAll(first)
	require.NoError(t, err)
	require.Equal(t, "var x = 1;", string(body))

	second := m.Request(context.Background(), Request{URL: mustParse(t, "koala:/top.js")})
	require.ErrorIs(t, second.Err(), ErrBlocked)
}

func TestManagerFileBlocked(t *testing.T) {
	q := newQueue()
	m, err := NewManager(q, Options{})
	require.NoError(t, err)

	r := m.Request(context.Background(), Request{URL: mustParse(t, "file:///etc/passwd")})
	require.ErrorIs(t, r.Err(), ErrBlocked)
	finished := false
	r.OnFinished(func(*Reply) { finished = true })
	q.runNext(t)
	q.runNext(t)
	require.True(t, finished)
}

func TestManagerHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		switch req.URL.Path {
		case "/page":
			w.Header().Set("X-Seen-Agent", req.Header.Get("User-Agent"))
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			_, _ = io.WriteString(w, "<p>hi</p>")
		case "/escape":
			http.Redirect(w, req, "file:///etc/passwd", http.StatusFound)
		case "/form":
			b, _ := io.ReadAll(req.Body)
			_, _ = w.Write(append([]byte(req.Method+" "), b...))
		default:
			http.NotFound(w, req)
		}
	}))
	defer srv.Close()

	q := newQueue()
	m, err := NewManager(q, Options{UserAgent: "koala-test", Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)

	t.Run("page", func(t *testing.T) {
		r := m.Request(context.Background(), Request{URL: mustParse(t, srv.URL+"/page")})
		_, err := r.Read(make([]byte, 1))
		require.ErrorIs(t, err, ErrNotFinished)
		q.runNext(t)
		require.NoError(t, r.Err())
		require.Equal(t, http.StatusOK, r.StatusCode())
		require.Equal(t, "text/html", r.ContentType())
		require.Equal(t, "<p>hi</p>", string(r.Body()))
		require.Equal(t, "koala-test", r.Header().Get("X-Seen-Agent"))
	})

	t.Run("redirect to file is blocked", func(t *testing.T) {
		r := m.Request(context.Background(), Request{URL: mustParse(t, srv.URL+"/escape")})
		var got error
		r.OnError(func(err error) { got = err })
		q.runNext(t)
		require.ErrorIs(t, got, ErrBlocked)
	})

	t.Run("post body", func(t *testing.T) {
		r := m.Request(context.Background(), Request{
			Op:     OpPost,
			URL:    mustParse(t, srv.URL+"/form"),
			Header: http.Header{"Content-Type": {"application/x-www-form-urlencoded"}},
			Body:   []byte("a=1"),
		})
		q.runNext(t)
		require.NoError(t, r.Err())
		require.Equal(t, "POST a=1", string(r.Body()))
	})

	t.Run("abort", func(t *testing.T) {
		block := make(chan struct{})
		slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			select {
			case <-block:
			case <-req.Context().Done():
			}
		}))
		defer slow.Close()
		defer close(block)

		r := m.Request(context.Background(), Request{URL: mustParse(t, slow.URL)})
		r.Abort()
		q.runNext(t)
		require.ErrorIs(t, r.Err(), ErrAborted)
		require.True(t, r.IsFinished())
	})
}

func TestNewTransport(t *testing.T) {
	tr, err := newTransport(nil)
	require.NoError(t, err)
	require.NotNil(t, tr)

	tr, err = newTransport(&Proxy{Type: "http", Host: "127.0.0.1", Port: 3128})
	require.NoError(t, err)
	pu, err := tr.Proxy(&http.Request{URL: mustParse(t, "http://example.com/")})
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:3128", pu.Host)

	tr, err = newTransport(&Proxy{Type: "socks5", Host: "127.0.0.1", Port: 1080})
	require.NoError(t, err)
	require.Nil(t, tr.Proxy)
	require.NotNil(t, tr.DialContext)

	_, err = newTransport(&Proxy{Type: "gopher", Host: "h", Port: 1})
	require.Error(t, err)
	_, err = newTransport(&Proxy{Host: "h", Port: 0})
	require.Error(t, err)
}

func TestBundlePath(t *testing.T) {
	require.Equal(t, "top.js", bundlePath(mustParse(t, "koala:/top.js")))
	require.Equal(t, "top.js", bundlePath(mustParse(t, "koala:top.js")))
	require.Equal(t, "top.js", bundlePath(mustParse(t, "koala:/../top.js")))
}
