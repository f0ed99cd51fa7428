// Package bridge implements the synchronous host-to-guest callback
// exchange. The host raises a request, every observer runs to completion on
// the calling goroutine, and whatever value an observer left in the slot is
// the answer.
package bridge

import (
	"errors"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/joeycumines/koala/internal/frames"
	"github.com/joeycumines/koala/internal/goid"
	"github.com/joeycumines/koala/internal/metrics"
)

// Kind names a callback request.
type Kind string

const (
	KindNavigate Kind = "navigate"
	KindAlert    Kind = "alert"
	KindConfirm  Kind = "confirm"
	KindPrompt   Kind = "prompt"
)

// NavigationReason describes what triggered a navigation request.
type NavigationReason string

const (
	ReasonLink   NavigationReason = "link"
	ReasonForm   NavigationReason = "form"
	ReasonReload NavigationReason = "reload"
	ReasonOther  NavigationReason = "other"
)

var (
	// ErrReentrantCallback is returned for a request raised while another
	// request is still being answered.
	ErrReentrantCallback = errors.New("callback requested while another is outstanding")
	// ErrNoOutstandingCallback is returned by SetValue outside a request.
	ErrNoOutstandingCallback = errors.New("no callback outstanding")
	// ErrForeignGoroutine is returned by SetValue when called from a
	// goroutine other than the one that raised the request.
	ErrForeignGoroutine = errors.New("callback value set from another goroutine")
)

// Call is one callback request as seen by observers.
type Call struct {
	Kind  Kind
	Frame frames.ID
	Args  []any
}

// Observer answers calls by invoking Bridge.SetValue. An error is logged
// and does not stop the remaining observers.
type Observer func(Call) error

type observer struct {
	id int
	fn Observer
}

// Bridge is the single-slot exchange. It must be used from one goroutine
// (the event loop); SetValue enforces this.
type Bridge struct {
	observers []observer
	nextID    int

	outstanding *Call
	pending     any
	owner       int64

	log     *zap.Logger
	metrics *metrics.Metrics
}

func New(logger *zap.Logger, m *metrics.Metrics) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{log: logger.Named("bridge"), metrics: m}
}

// Observe registers fn. Observers run in registration order.
func (b *Bridge) Observe(fn Observer) (remove func()) {
	b.nextID++
	id := b.nextID
	b.observers = append(b.observers, observer{id: id, fn: fn})
	return func() {
		b.observers = slices.DeleteFunc(b.observers, func(o observer) bool { return o.id == id })
	}
}

// current returns the request currently being answered.
func (b *Bridge) current() (Call, bool) {
	if b.outstanding == nil {
		return Call{}, false
	}
	return *b.outstanding, true
}

// Request raises a call and returns the value left in the slot, or nil if
// no observer answered.
func (b *Bridge) Request(kind Kind, frame frames.ID, args ...any) (any, error) {
	if b.outstanding != nil {
		b.metrics.Callback(string(kind), "error")
		b.log.Warn("reentrant callback refused",
			zap.String("kind", string(kind)),
			zap.String("outstanding", string(b.outstanding.Kind)),
		)
		return nil, fmt.Errorf("%w: %s raised during %s", ErrReentrantCallback, kind, b.outstanding.Kind)
	}

	call := Call{Kind: kind, Frame: frame, Args: args}
	b.outstanding = &call
	b.pending = nil
	b.owner = goid.Current()
	defer func() {
		b.outstanding = nil
		b.pending = nil
	}()

	for _, o := range slices.Clone(b.observers) {
		if err := o.fn(call); err != nil {
			b.log.Debug("callback observer failed",
				zap.String("kind", string(kind)),
				zap.Stringer("frame", frame),
				zap.Error(err),
			)
		}
	}
	return b.pending, nil
}

// SetValue answers the outstanding request. A nil value leaves the request
// unanswered.
func (b *Bridge) SetValue(v any) error {
	if b.outstanding == nil {
		return ErrNoOutstandingCallback
	}
	if goid.Current() != b.owner {
		return ErrForeignGoroutine
	}
	b.pending = v
	return nil
}
