// Package engine is a small script/DOM engine: a page of nested frames,
// each with its own goja VM and a parsed goquery document, all driven by a
// single goja_nodejs event loop.
//
// Every policy decision (navigation, dialogs, interrupting scripts) is
// delegated to Hooks. Every resource load goes through a Loader.
package engine

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/joeycumines/koala/internal/network"
)

var (
	ErrFrameClosed       = errors.New("frame closed")
	ErrCrossFrameAccess  = errors.New("cross-frame access disabled")
	ErrNoMatch           = errors.New("no element matches selector")
	ErrNoScope           = errors.New("frame has no script scope")
	ErrNotNavigable      = errors.New("element does not navigate")
	ErrScriptInterrupted = errors.New("script interrupted")
)

// NavigationType says what triggered a navigation.
type NavigationType int

const (
	NavigationOther NavigationType = iota
	NavigationLink
	NavigationForm
	NavigationReload
)

func (n NavigationType) String() string {
	switch n {
	case NavigationLink:
		return "link"
	case NavigationForm:
		return "form"
	case NavigationReload:
		return "reload"
	default:
		return "other"
	}
}

// EventKind names a frame load event.
type EventKind string

const (
	EventLoading EventKind = "loading"
	EventLoaded  EventKind = "loaded"
)

// FrameEvent reports load progress. OK and Err are only meaningful for
// EventLoaded.
type FrameEvent struct {
	Kind EventKind
	OK   bool
	Err  error
}

// Hooks is implemented by the embedder. All methods are called on the
// event loop except ShouldInterrupt, which is called from a timer
// goroutine while a script is running.
type Hooks interface {
	AcceptNavigation(f *Frame, u *url.URL, nav NavigationType) (bool, error)
	Alert(f *Frame, message string) error
	Confirm(f *Frame, message string) (bool, error)
	Prompt(f *Frame, message, defaultValue string) (answer string, ok bool, err error)
	ShouldInterrupt() bool
	FrameCreated(f *Frame)
	FrameDestroyed(f *Frame)
	FrameEvent(f *Frame, ev FrameEvent)
	// WindowObjectCleared is called after a frame's global scope is
	// replaced and before any of the new document's scripts run.
	WindowObjectCleared(f *Frame)
	ConsoleMessage(f *Frame, level, message string)
}

// NopHooks allows every navigation, declines every dialog and never
// interrupts. Embed it to override selectively.
type NopHooks struct{}

func (NopHooks) AcceptNavigation(*Frame, *url.URL, NavigationType) (bool, error) { return true, nil }
func (NopHooks) Alert(*Frame, string) error                                      { return nil }
func (NopHooks) Confirm(*Frame, string) (bool, error)                            { return false, nil }
func (NopHooks) Prompt(*Frame, string, string) (string, bool, error)             { return "", false, nil }
func (NopHooks) ShouldInterrupt() bool                                           { return false }
func (NopHooks) FrameCreated(*Frame)                                             {}
func (NopHooks) FrameDestroyed(*Frame)                                           {}
func (NopHooks) FrameEvent(*Frame, FrameEvent)                                   {}
func (NopHooks) WindowObjectCleared(*Frame)                                      {}
func (NopHooks) ConsoleMessage(*Frame, string, string)                           {}

// Loader issues resource requests for frames.
type Loader interface {
	Request(ctx context.Context, req network.Request) *network.Reply
}

// Settings are read on every use, so changes apply to subsequent
// operations.
type Settings struct {
	// CrossFrameAccess lets the root frame evaluate scripts in, and query
	// the documents of, child frames.
	CrossFrameAccess bool
	// ScriptTimeLimit is how long a script may run before ShouldInterrupt
	// is consulted, and how often after that. Zero disables the check.
	ScriptTimeLimit time.Duration
}

// PageOptions configure NewPage.
type PageOptions struct {
	Logger   *zap.Logger
	Settings Settings
}

// Page is a tree of frames rooted at the main frame. All methods must be
// called on the event loop.
type Page struct {
	rt       *Runtime
	loader   Loader
	hooks    Hooks
	settings Settings
	main     *Frame
	log      *zap.Logger
}

func NewPage(rt *Runtime, loader Loader, hooks Hooks, opts PageOptions) *Page {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if hooks == nil {
		hooks = NopHooks{}
	}
	p := &Page{
		rt:       rt,
		loader:   loader,
		hooks:    hooks,
		settings: opts.Settings,
		log:      logger.Named("engine"),
	}
	p.main = newFrame(p, nil)
	rt.SetConsoleHandler(func(level, msg string) {
		p.hooks.ConsoleMessage(p.main, level, msg)
	})
	return p
}

func (p *Page) MainFrame() *Frame {
	return p.main
}

// Settings returns the live settings.
func (p *Page) Settings() *Settings {
	return &p.settings
}

// Close destroys every child frame and stops pending loads.
func (p *Page) Close() {
	for _, c := range append([]*Frame(nil), p.main.children...) {
		c.Close()
	}
	p.main.abortPending()
	p.main.clearTimers()
}

// run compiles and runs src in f's VM under the watchdog.
func (p *Page) run(f *Frame, name, src string) (goja.Value, error) {
	prg, err := goja.Compile(name, src, false)
	if err != nil {
		return nil, err
	}
	stop := p.watch(f.vm)
	defer stop()
	return f.vm.RunProgram(prg)
}

// exec runs a document script, reporting failures through the console
// hook.
func (p *Page) exec(f *Frame, name, src string) {
	if _, err := p.run(f, name, src); err != nil {
		p.reportScriptError(f, err)
	}
}

func (p *Page) reportScriptError(f *Frame, err error) {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		p.log.Debug("script interrupted", zap.Any("value", interrupted.Value()))
		return
	}
	p.hooks.ConsoleMessage(f, LevelError, err.Error())
}

// watch arms the long-running script check for vm. The returned function
// disarms it and must be called on the loop once the script returns.
func (p *Page) watch(vm *goja.Runtime) (stop func()) {
	limit := p.settings.ScriptTimeLimit
	if limit <= 0 {
		return func() {}
	}

	var (
		mu          sync.Mutex
		stopped     bool
		interrupted bool
		timer       *time.Timer
	)
	check := func() {
		mu.Lock()
		defer mu.Unlock()
		if stopped {
			return
		}
		if p.hooks.ShouldInterrupt() {
			interrupted = true
			vm.Interrupt(ErrScriptInterrupted)
			return
		}
		timer.Reset(limit)
	}

	mu.Lock()
	timer = time.AfterFunc(limit, check)
	mu.Unlock()

	return func() {
		mu.Lock()
		defer mu.Unlock()
		stopped = true
		timer.Stop()
		if interrupted {
			vm.ClearInterrupt()
		}
	}
}
