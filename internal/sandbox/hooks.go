package sandbox

import (
	"net/url"

	"go.uber.org/zap"

	"github.com/joeycumines/koala/internal/bridge"
	"github.com/joeycumines/koala/internal/engine"
	"github.com/joeycumines/koala/internal/frames"
)

var _ engine.Hooks = (*Host)(nil)

// AcceptNavigation lets the root frame navigate exactly once, to the
// bootstrap document. Every other frame asks the guest.
func (h *Host) AcceptNavigation(f *engine.Frame, u *url.URL, nav engine.NavigationType) (bool, error) {
	if f.IsMain() {
		if h.navigated {
			h.log.Warn("root frame navigation refused", zap.String("url", u.String()))
			return false, nil
		}
		h.navigated = true
		return true, nil
	}
	return h.bridge.Navigate(h.frameID(f), u.String(), navigationReason(nav))
}

func navigationReason(nav engine.NavigationType) bridge.NavigationReason {
	switch nav {
	case engine.NavigationLink:
		return bridge.ReasonLink
	case engine.NavigationForm:
		return bridge.ReasonForm
	case engine.NavigationReload:
		return bridge.ReasonReload
	default:
		return bridge.ReasonOther
	}
}

// Dialogs raised by the root frame never reach the guest: alerts are
// dropped, confirms declined, prompts cancelled.

func (h *Host) Alert(f *engine.Frame, message string) error {
	if f.IsMain() {
		h.log.Debug("root alert suppressed", zap.String("message", message))
		return nil
	}
	return h.bridge.Alert(h.frameID(f), message)
}

func (h *Host) Confirm(f *engine.Frame, message string) (bool, error) {
	if f.IsMain() {
		return false, nil
	}
	return h.bridge.Confirm(h.frameID(f), message)
}

func (h *Host) Prompt(f *engine.Frame, message, defaultValue string) (string, bool, error) {
	if f.IsMain() {
		return "", false, nil
	}
	return h.bridge.Prompt(h.frameID(f), message, defaultValue)
}

// ShouldInterrupt always declines: the guest shares the root frame, so
// interrupting would kill it too.
func (h *Host) ShouldInterrupt() bool {
	h.opts.Metrics.InterruptDeclined()
	return false
}

func (h *Host) FrameCreated(f *engine.Frame) {
	s := h.tracker.Created(f.Document(), f, f.Parent())
	h.opts.Metrics.FrameEvent("created")
	h.log.Debug("frame created", zap.Stringer("frame", s.Frame), zap.Stringer("parent", s.Parent))
	_ = h.emit("frameSpawned", documentMap(s.Document), uint64(s.Frame), frameRef(s.Parent))
}

func (h *Host) FrameDestroyed(f *engine.Frame) {
	id, ok := h.tracker.Destroyed(f)
	if !ok {
		return
	}
	h.opts.Metrics.FrameEvent("destroyed")
	_ = h.emit("frameEvent", uint64(id), "destroyed", nil)
}

func (h *Host) FrameEvent(f *engine.Frame, ev engine.FrameEvent) {
	if f.IsMain() {
		if ev.Kind == engine.EventLoaded {
			h.bootstrapped(ev)
		}
		return
	}
	id, ok := h.tracker.ID(f)
	if !ok {
		return
	}
	h.opts.Metrics.FrameEvent(string(ev.Kind))

	var detail map[string]any
	if ev.Kind == engine.EventLoaded {
		var errMsg any
		if ev.Err != nil {
			errMsg = ev.Err.Error()
		}
		detail = map[string]any{
			"ok":    ev.OK,
			"error": errMsg,
			"url":   f.URL().String(),
			"title": f.Title(),
		}
	}
	_ = h.emit("frameEvent", uint64(id), string(ev.Kind), detail)
}

func (h *Host) WindowObjectCleared(f *engine.Frame) {
	if f.IsMain() {
		return
	}
	if id, ok := h.tracker.ID(f); ok {
		h.opts.Metrics.FrameEvent("cleared")
		_ = h.emit("frameEvent", uint64(id), "cleared", nil)
	}
}

func (h *Host) ConsoleMessage(f *engine.Frame, level, message string) {
	fields := []zap.Field{zap.String("frame", h.frameID(f).String()), zap.String("message", message)}
	switch level {
	case engine.LevelError:
		h.log.Error("console", fields...)
	case engine.LevelWarn:
		h.log.Warn("console", fields...)
	default:
		h.log.Info("console", fields...)
	}
}

// bootstrapped runs once the root frame has finished loading the bootstrap
// document, at which point the guest has registered its listeners.
func (h *Host) bootstrapped(ev engine.FrameEvent) {
	if !ev.OK {
		h.log.Error("bootstrap failed", zap.Error(ev.Err))
		h.finish(1, ErrBootstrapFailed)
		return
	}
	h.channel.Start(h.rt.Context())
}

// frameID is None for the root and for frames the tracker never saw.
func (h *Host) frameID(f *engine.Frame) frames.ID {
	id, _ := h.tracker.ID(f)
	return id
}

// frameRef is the guest view of an id: a number, or nil for the root.
func frameRef(id frames.ID) any {
	if id == frames.None {
		return nil
	}
	return uint64(id)
}

func documentMap(doc frames.Document) map[string]any {
	return map[string]any{"url": doc.URL(), "title": doc.Title()}
}
