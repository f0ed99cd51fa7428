package network

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/joeycumines/koala/internal/metrics"
)

const maxRedirects = 10

// Options configure a Manager.
type Options struct {
	// Bundle serves the bundle scheme. Paths are relative to its root.
	Bundle fs.FS
	Jar    http.CookieJar
	Proxy  *Proxy
	// Transport replaces the proxy-aware default transport.
	Transport http.RoundTripper
	UserAgent string
	Timeout   time.Duration
	Gate      *Gate
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
}

// Manager creates replies for frame requests. Request must be called from
// the event loop; replies complete on a later loop turn.
type Manager struct {
	gate   *Gate
	sched  Scheduler
	client *resty.Client
	bundle fs.FS
	log    *zap.Logger
}

func NewManager(sched Scheduler, opts Options) (*Manager, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	gate := opts.Gate
	if gate == nil {
		gate = NewGate(logger, opts.Metrics)
	}

	transport := opts.Transport
	if transport == nil {
		t, err := newTransport(opts.Proxy)
		if err != nil {
			return nil, err
		}
		transport = t
	}

	m := &Manager{
		gate:   gate,
		sched:  sched,
		bundle: opts.Bundle,
		log:    logger.Named("network"),
	}

	m.client = resty.New().
		SetTransport(transport).
		SetCookieJar(opts.Jar).
		SetRedirectPolicy(resty.RedirectPolicyFunc(func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			if m.gate.CheckRedirect(req.URL) == Deny {
				return fmt.Errorf("%w: %s", ErrBlocked, req.URL)
			}
			return nil
		}))
	if opts.UserAgent != "" {
		m.client.SetHeader("User-Agent", opts.UserAgent)
	}
	if opts.Timeout > 0 {
		m.client.SetTimeout(opts.Timeout)
	}
	return m, nil
}

// Request starts req and returns its reply. Refused requests get a blocked
// reply; every reply completes asynchronously.
func (m *Manager) Request(ctx context.Context, req Request) *Reply {
	if req.Op == 0 {
		req.Op = OpGet
	}
	if m.gate.Check(req.Op, req.URL) == Deny {
		return NewBlockedReply(req.Op, req, m.sched)
	}
	if strings.EqualFold(req.URL.Scheme, BundleScheme) {
		return m.serveBundle(req)
	}
	return m.fetch(ctx, req)
}

func (m *Manager) serveBundle(req Request) *Reply {
	r := newReply(req)
	name := bundlePath(req.URL)

	var (
		data   []byte
		err    error
		status = http.StatusOK
		header = http.Header{}
	)
	if m.bundle == nil {
		err = fs.ErrNotExist
	} else {
		data, err = fs.ReadFile(m.bundle, name)
	}
	if err != nil {
		status = http.StatusNotFound
		err = fmt.Errorf("bundle %s: %w", name, err)
	} else if ct := mime.TypeByExtension(path.Ext(name)); ct != "" {
		header.Set("Content-Type", ct)
	}

	m.log.Debug("serving bundle", zap.String("reply", r.id), zap.String("path", name), zap.Error(err))
	m.sched.Post(func() { r.complete(status, header, data, nil, err) })
	return r
}

func (m *Manager) fetch(ctx context.Context, req Request) *Reply {
	r := newReply(req)
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	method := req.method()
	target := req.URL.String()
	log := m.log.With(zap.String("reply", r.id), zap.String("method", method), zap.String("url", target))
	log.Debug("request started")

	go func() {
		defer cancel()

		rr := m.client.R().SetContext(ctx)
		for k, vs := range req.Header {
			for _, v := range vs {
				rr.Header.Add(k, v)
			}
		}
		if len(req.Body) != 0 {
			rr.SetBody(req.Body)
		}
		resp, err := rr.Execute(method, target)

		var (
			status int
			header http.Header
			body   []byte
			final  *url.URL
		)
		if resp != nil && resp.RawResponse != nil {
			status = resp.StatusCode()
			header = resp.Header()
			body = resp.Body()
			if resp.RawResponse.Request != nil {
				final = resp.RawResponse.Request.URL
			}
		}
		if err != nil {
			if errors.Is(err, context.Canceled) {
				err = fmt.Errorf("%w: %w", ErrAborted, err)
			}
			log.Debug("request failed", zap.Error(err))
		} else {
			log.Debug("request finished", zap.Int("status", status), zap.Int("bytes", len(body)))
		}

		if !m.sched.Post(func() { r.complete(status, header, body, final, err) }) {
			log.Debug("dropping reply, loop stopped")
		}
	}()
	return r
}

// bundlePath maps koala:/top.js and koala:top.js to "top.js".
func bundlePath(u *url.URL) string {
	p := u.Path
	if p == "" {
		p = u.Opaque
	}
	p = path.Clean("/" + p)
	return strings.TrimPrefix(p, "/")
}
