// Package sandbox hosts one guest program in the root frame of an engine
// page and mediates everything it can reach: the line protocol on stdio,
// the network through the resource access gate, child frames through the
// frame tracker, and frame dialogs through the callback bridge.
package sandbox

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/require"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/joeycumines/koala/internal/bridge"
	"github.com/joeycumines/koala/internal/cookies"
	"github.com/joeycumines/koala/internal/engine"
	"github.com/joeycumines/koala/internal/frames"
	"github.com/joeycumines/koala/internal/linechan"
	"github.com/joeycumines/koala/internal/metrics"
	"github.com/joeycumines/koala/internal/network"
)

//go:embed bundle
var bundleFiles embed.FS

// TopURL is the bootstrap document loaded into the root frame.
const TopURL = network.BundleScheme + ":/top.js"

var (
	// ErrBootstrapFailed is returned by Run when the bootstrap document
	// could not be loaded.
	ErrBootstrapFailed = errors.New("bootstrap document failed to load")
	// ErrNotLaunched is returned by Run before Launch.
	ErrNotLaunched = errors.New("sandbox not launched")
)

// FileReader reads a guest script file.
type FileReader func(path string) ([]byte, error)

// Config holds the tunables of a Host.
type Config struct {
	UserAgent      string
	Proxy          *network.Proxy
	RequestTimeout time.Duration
	// ScriptTimeLimit is how often a long-running script is offered for
	// interruption. The host always declines.
	ScriptTimeLimit time.Duration
}

// Options are the collaborators of a Host. Zero values get defaults.
type Options struct {
	Stdin    io.Reader
	Stdout   io.Writer
	ReadFile FileReader
	// Transport replaces the proxy-aware HTTP transport.
	Transport http.RoundTripper
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
}

// Host is the sandbox. Apart from New, Launch, Run and Close, everything
// runs on the event loop.
type Host struct {
	id   string
	cfg  Config
	opts Options
	log  *zap.Logger

	rt      *engine.Runtime
	page    *engine.Page
	gate    *network.Gate
	net     *network.Manager
	jar     *cookies.Jar
	bridge  *bridge.Bridge
	tracker *frames.Tracker[*engine.Frame]
	channel *linechan.Channel

	navigated bool
	launched  bool
	mainPath  string
	mainSrc   string

	listeners  map[string][]listener
	listenerID int

	removeCookieListener func()

	done     chan struct{}
	doneOnce sync.Once
	exitCode int
	exitErr  error
}

// New builds a host with a running event loop. Nothing is loaded until
// Launch.
func New(cfg Config, opts Options) (*Host, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Stdin == nil {
		opts.Stdin = os.Stdin
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.ReadFile == nil {
		opts.ReadFile = os.ReadFile
	}

	h := &Host{
		id:        uuid.NewString(),
		cfg:       cfg,
		opts:      opts,
		listeners: make(map[string][]listener),
		done:      make(chan struct{}),
	}
	h.log = opts.Logger.Named("sandbox").With(zap.String("host", h.id))
	h.gate = network.NewGate(opts.Logger, opts.Metrics)

	rt, err := engine.NewRuntime(context.Background(), engine.RuntimeOptions{
		SourceLoader: h.loadSource,
		Modules: map[string]require.ModuleLoader{
			"koala": func(vm *goja.Runtime, module *goja.Object) {
				_ = module.Set("exports", vm.Get("koala"))
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("start event loop: %w", err)
	}
	h.rt = rt

	bundle, err := fs.Sub(bundleFiles, "bundle")
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	h.jar = cookies.NewJar(opts.Logger)
	h.net, err = network.NewManager(rt, network.Options{
		Bundle:    bundle,
		Jar:       h.jar,
		Proxy:     cfg.Proxy,
		Transport: opts.Transport,
		UserAgent: cfg.UserAgent,
		Timeout:   cfg.RequestTimeout,
		Gate:      h.gate,
		Logger:    opts.Logger,
		Metrics:   opts.Metrics,
	})
	if err != nil {
		_ = rt.Close()
		return nil, fmt.Errorf("network: %w", err)
	}
	h.bridge = bridge.New(opts.Logger, opts.Metrics)
	h.channel = linechan.New(opts.Stdin, opts.Stdout, rt, h.deliver, linechan.Options{
		Logger:  opts.Logger,
		Metrics: opts.Metrics,
		OnClose: func(err error) {
			h.log.Debug("input closed", zap.Error(err))
		},
	})

	if err := rt.RunOnLoopSync(func(*goja.Runtime) error {
		h.page = engine.NewPage(rt, h.net, h, engine.PageOptions{
			Logger: opts.Logger,
			Settings: engine.Settings{
				ScriptTimeLimit: cfg.ScriptTimeLimit,
			},
		})
		h.tracker = frames.NewTracker(h.page.MainFrame())
		h.bridge.Observe(h.answerCallback)
		return nil
	}); err != nil {
		_ = rt.Close()
		return nil, err
	}

	h.removeCookieListener = h.jar.OnUpdated(func(all []*http.Cookie) {
		h.opts.Metrics.CookiesUpdated()
		h.rt.Post(func() { h.cookiesChanged(all) })
	})
	return h, nil
}

// Launch installs the bridge into the root frame and loads the bootstrap
// document, which runs the main script at path with source src.
func (h *Host) Launch(path, src string) error {
	return h.rt.RunOnLoopSync(func(*goja.Runtime) error {
		if h.launched {
			return errors.New("sandbox already launched")
		}
		h.launched = true
		h.mainPath, h.mainSrc = path, src

		h.page.Settings().CrossFrameAccess = true
		main := h.page.MainFrame()
		main.AddWindowObject("__bridge", h.newBridgeObject)
		if _, err := main.Navigate(TopURL, engine.NavigationOther); err != nil {
			return fmt.Errorf("load bootstrap document: %w", err)
		}
		h.log.Info("launched", zap.String("script", path))
		return nil
	})
}

// Run blocks until the guest exits, returning its exit code, or until ctx
// is done. The host is closed on return.
func (h *Host) Run(ctx context.Context) (int, error) {
	defer h.Close()
	if !h.isLaunched() {
		return 1, ErrNotLaunched
	}
	select {
	case <-h.done:
		return h.exitCode, h.exitErr
	case <-ctx.Done():
		return 1, ctx.Err()
	}
}

func (h *Host) isLaunched() bool {
	var launched bool
	_ = h.rt.RunOnLoopSync(func(*goja.Runtime) error {
		launched = h.launched
		return nil
	})
	return launched
}

// Close stops input, the event loop and every frame. Safe to call more
// than once.
func (h *Host) Close() {
	h.finish(0, nil)
	h.channel.Close()
	if h.removeCookieListener != nil {
		h.removeCookieListener()
	}
	_ = h.rt.RunOnLoopSync(func(*goja.Runtime) error {
		h.page.Close()
		return nil
	})
	_ = h.rt.Close()
}

// finish records the outcome. Only the first call counts.
func (h *Host) finish(code int, err error) {
	h.doneOnce.Do(func() {
		h.exitCode, h.exitErr = code, err
		close(h.done)
	})
}

// exit ends the guest. The root VM is interrupted so the calling script
// does not continue.
func (h *Host) exit(code int) {
	h.log.Info("guest exited", zap.Int("code", code))
	h.finish(code, nil)
	h.channel.Close()
	h.page.MainFrame().VM().Interrupt(exitSignal{code: code})
}

type exitSignal struct{ code int }

func (s exitSignal) String() string { return fmt.Sprintf("exit(%d)", s.code) }

// deliver forwards one input line to the guest.
func (h *Host) deliver(line string) {
	h.emit("message", line)
}

// emit calls the guest listeners for event in registration order.
func (h *Host) emit(event string, args ...any) error {
	list := h.listeners[event]
	if len(list) == 0 {
		return nil
	}
	vm := h.page.MainFrame().VM()
	values := make([]goja.Value, len(args))
	for i, a := range args {
		values[i] = vm.ToValue(a)
	}
	var errs []error
	for _, l := range slices.Clone(list) {
		if _, err := l.fn(goja.Undefined(), values...); err != nil {
			h.log.Debug("guest listener failed", zap.String("event", event), zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type listener struct {
	id int
	fn goja.Callable
}

func (h *Host) listen(event string, fn goja.Callable) (remove func()) {
	h.listenerID++
	id := h.listenerID
	h.listeners[event] = append(h.listeners[event], listener{id: id, fn: fn})
	return func() {
		h.listeners[event] = slices.DeleteFunc(slices.Clone(h.listeners[event]), func(l listener) bool {
			return l.id == id
		})
	}
}

// answerCallback hands a bridge request to the guest.
func (h *Host) answerCallback(c bridge.Call) error {
	return h.emit("callback", string(c.Kind), frameRef(c.Frame), c.Args)
}

func (h *Host) cookiesChanged(all []*http.Cookie) {
	records := make([]any, len(all))
	for i, c := range all {
		records[i] = cookies.ToRecord(c).Map()
	}
	_ = h.emit("cookiesChanged", records)
}

// loadSource backs the native require() of every frame. Script files only
// reach a guest through readScriptFile, so every file lookup misses.
func (h *Host) loadSource(string) ([]byte, error) {
	return nil, require.ModuleFileDoesNotExistError
}
