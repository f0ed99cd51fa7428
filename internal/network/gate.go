// Package network is the sandbox's network stack: every resource request
// made by a frame passes through a Gate, and requests the gate refuses are
// answered with a synthetic failed Reply.
package network

import (
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/joeycumines/koala/internal/metrics"
)

const (
	// BundleScheme serves the bootstrap document from the embedded bundle.
	BundleScheme = "koala"
	// FileScheme is never served.
	FileScheme = "file"
)

// Operation is the kind of resource request.
type Operation int

const (
	OpGet Operation = iota + 1
	OpHead
	OpPost
	OpPut
	OpDelete
	OpCustom
)

// Method returns the HTTP method for o. OpCustom has no fixed method.
func (o Operation) Method() string {
	switch o {
	case OpGet:
		return http.MethodGet
	case OpHead:
		return http.MethodHead
	case OpPost:
		return http.MethodPost
	case OpPut:
		return http.MethodPut
	case OpDelete:
		return http.MethodDelete
	default:
		return ""
	}
}

func (o Operation) String() string {
	if m := o.Method(); m != "" {
		return m
	}
	return "CUSTOM"
}

// Decision is the gate's verdict on a request.
type Decision int

const (
	Allow Decision = iota
	Deny
)

func (d Decision) String() string {
	if d == Deny {
		return "deny"
	}
	return "allow"
}

// Gate decides whether a request may proceed. Only the first bundle-scheme
// request is allowed, since that is the bootstrap document; file-scheme
// requests are always denied. Everything else is left to the default
// network handling.
//
// Check mutates the gate and must only be called from the event loop.
type Gate struct {
	sawBundle bool
	log       *zap.Logger
	metrics   *metrics.Metrics
}

func NewGate(logger *zap.Logger, m *metrics.Metrics) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{log: logger.Named("gate"), metrics: m}
}

// Check records the request and returns the decision for it.
func (g *Gate) Check(op Operation, u *url.URL) Decision {
	scheme := strings.ToLower(u.Scheme)
	d := Allow
	switch scheme {
	case BundleScheme:
		if g.sawBundle {
			d = Deny
		}
		g.sawBundle = true
	case FileScheme:
		d = Deny
	}
	g.metrics.RequestDecided(scheme, d == Allow)
	if d == Deny {
		g.log.Info("request blocked",
			zap.Stringer("op", op),
			zap.String("url", u.String()),
		)
	}
	return d
}

// CheckRedirect decides a redirect hop. Redirects may never land on the
// bundle or file schemes, whatever the ordinal. It does not touch gate
// state and is safe from any goroutine.
func (g *Gate) CheckRedirect(u *url.URL) Decision {
	scheme := strings.ToLower(u.Scheme)
	if scheme == BundleScheme || scheme == FileScheme {
		g.metrics.RequestDecided(scheme, false)
		g.log.Info("redirect blocked", zap.String("url", u.String()))
		return Deny
	}
	return Allow
}
