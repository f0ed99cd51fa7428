package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/google/uuid"
)

var (
	// ErrBlocked is the error carried by replies the gate refused.
	ErrBlocked = errors.New("request blocked by koala")
	// ErrNotFinished is returned by Read before the reply completes.
	ErrNotFinished = errors.New("reply not finished")
	// ErrAborted is the error of a reply aborted before completion.
	ErrAborted = errors.New("reply aborted")
)

// Scheduler defers work to a later turn of the event loop. Post returns
// false if the loop is no longer accepting work.
type Scheduler interface {
	Post(fn func()) bool
}

// Request describes one resource request.
type Request struct {
	Op Operation
	// Method is used when Op is OpCustom.
	Method string
	URL    *url.URL
	Header http.Header
	Body   []byte
}

func (r Request) method() string {
	if r.Op == OpCustom && r.Method != "" {
		return r.Method
	}
	if m := r.Op.Method(); m != "" {
		return m
	}
	return http.MethodGet
}

// Reply is the asynchronous result of a Request. Its listeners always run
// on the event loop, on a turn after the one that created the reply. A
// Reply is not safe for concurrent use.
type Reply struct {
	id  string
	req Request

	err      error
	status   int
	header   http.Header
	body     []byte
	final    *url.URL
	offset   int
	finished bool
	blocked  bool

	cancel     context.CancelFunc
	onError    []func(error)
	onFinished []func(*Reply)
}

func newReply(req Request) *Reply {
	return &Reply{id: uuid.NewString(), req: req, final: req.URL}
}

// NewBlockedReply returns a reply that has already failed with ErrBlocked.
// The error and finished notifications are posted to sched, in that order,
// so listeners attached by the caller after this returns still see them.
func NewBlockedReply(op Operation, req Request, sched Scheduler) *Reply {
	req.Op = op
	r := newReply(req)
	r.blocked = true
	r.err = fmt.Errorf("%w: %s", ErrBlocked, req.URL)
	sched.Post(r.notifyError)
	sched.Post(r.notifyFinished)
	return r
}

// ID correlates the reply in logs.
func (r *Reply) ID() string { return r.id }

func (r *Reply) Operation() Operation { return r.req.Op }

// URL is the requested URL.
func (r *Reply) URL() *url.URL { return r.req.URL }

// FinalURL is the URL after redirects.
func (r *Reply) FinalURL() *url.URL { return r.final }

// Err is the failure, if any. Blocked replies report it from construction.
func (r *Reply) Err() error { return r.err }

func (r *Reply) Blocked() bool { return r.blocked }

func (r *Reply) IsFinished() bool { return r.finished }

func (r *Reply) StatusCode() int { return r.status }

func (r *Reply) Header() http.Header { return r.header }

// Body is the complete response body, valid once finished.
func (r *Reply) Body() []byte { return r.body }

// ContentType returns the media type without parameters.
func (r *Reply) ContentType() string {
	ct := ""
	if r.header != nil {
		ct = r.header.Get("Content-Type")
	}
	if ct == "" && r.final != nil {
		ct = mime.TypeByExtension(path.Ext(r.final.Path))
	}
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(ct))
	}
	return mt
}

// Read consumes the body. It fails immediately on a failed reply.
func (r *Reply) Read(p []byte) (int, error) {
	if r.err != nil {
		return 0, r.err
	}
	if !r.finished {
		return 0, ErrNotFinished
	}
	if r.offset >= len(r.body) {
		return 0, io.EOF
	}
	n := copy(p, r.body[r.offset:])
	r.offset += n
	return n, nil
}

// Abort cancels an in-flight reply. It has no effect on a finished or
// blocked reply.
func (r *Reply) Abort() {
	if r.finished || r.blocked || r.cancel == nil {
		return
	}
	r.cancel()
}

// OnError registers fn to run when the reply fails.
func (r *Reply) OnError(fn func(error)) {
	r.onError = append(r.onError, fn)
}

// OnFinished registers fn to run when the reply completes, successfully
// or not.
func (r *Reply) OnFinished(fn func(*Reply)) {
	r.onFinished = append(r.onFinished, fn)
}

func (r *Reply) notifyError() {
	for _, fn := range r.onError {
		fn(r.err)
	}
}

func (r *Reply) notifyFinished() {
	r.finished = true
	for _, fn := range r.onFinished {
		fn(r)
	}
}

// complete runs on the loop and fires the listeners.
func (r *Reply) complete(status int, header http.Header, body []byte, final *url.URL, err error) {
	if r.finished {
		return
	}
	r.status = status
	r.header = header
	r.body = body
	if final != nil {
		r.final = final
	}
	r.err = err
	if err != nil {
		r.notifyError()
	}
	r.notifyFinished()
}
