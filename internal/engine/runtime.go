package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/console"
	"github.com/dop251/goja_nodejs/eventloop"
	"github.com/dop251/goja_nodejs/require"

	"github.com/joeycumines/koala/internal/goid"
)

// DefaultSyncTimeout bounds RunOnLoopSync.
const DefaultSyncTimeout = 5 * time.Second

var errLoopNotRunning = errors.New("event loop not running")

// Console levels passed to console handlers.
const (
	LevelLog   = "log"
	LevelWarn  = "warn"
	LevelError = "error"
)

// RuntimeOptions configure NewRuntime.
type RuntimeOptions struct {
	// SourceLoader backs require() for non-native modules in every frame.
	SourceLoader require.SourceLoader
	// Modules are native modules available to the loop's VM only.
	Modules map[string]require.ModuleLoader
}

// Runtime owns the event loop. The loop goroutine is the only goroutine
// that may touch any goja.Runtime the engine creates: the root VM that
// belongs to the loop, and the VM of every child frame.
type Runtime struct {
	loop         *eventloop.EventLoop
	registry     *require.Registry
	sourceLoader require.SourceLoader
	timeout      time.Duration

	// vm is the loop's own VM; read only on the loop.
	vm     *goja.Runtime
	loopID atomic.Int64

	consoleHandler atomic.Pointer[func(level, msg string)]

	mu      sync.RWMutex
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
}

// NewRuntime starts the event loop. It stops when ctx is done or Close is
// called.
func NewRuntime(ctx context.Context, opts RuntimeOptions) (*Runtime, error) {
	var regOpts []require.Option
	if opts.SourceLoader != nil {
		regOpts = append(regOpts, require.WithLoader(opts.SourceLoader))
	}
	registry := require.NewRegistry(regOpts...)

	lifecycle, cancel := context.WithCancel(context.Background())
	rt := &Runtime{
		registry:     registry,
		sourceLoader: opts.SourceLoader,
		timeout:      DefaultSyncTimeout,
		ctx:          lifecycle,
		cancel:       cancel,
	}
	registry.RegisterNativeModule("console", console.RequireWithPrinter(printer{emit: rt.emitConsole}))
	for name, loader := range opts.Modules {
		registry.RegisterNativeModule(name, loader)
	}

	rt.loop = eventloop.NewEventLoop(
		eventloop.WithRegistry(registry),
		eventloop.EnableConsole(true),
	)
	rt.loop.Start()

	ready := make(chan struct{})
	if !rt.loop.RunOnLoop(func(vm *goja.Runtime) {
		rt.vm = vm
		rt.loopID.Store(goid.Current())
		close(ready)
	}) {
		cancel()
		return nil, errLoopNotRunning
	}
	<-ready

	if ctx.Done() != nil {
		context.AfterFunc(ctx, func() { _ = rt.Close() })
	}
	return rt, nil
}

// Close stops the loop, waiting for the running job. Safe to call more
// than once.
func (rt *Runtime) Close() error {
	rt.mu.Lock()
	if rt.stopped {
		rt.mu.Unlock()
		return nil
	}
	rt.stopped = true
	rt.mu.Unlock()

	rt.cancel()
	if rt.OnLoop() {
		rt.loop.StopNoWait()
	} else {
		rt.loop.Stop()
	}
	return nil
}

// Context is cancelled when the runtime stops.
func (rt *Runtime) Context() context.Context {
	return rt.ctx
}

func (rt *Runtime) IsRunning() bool {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return !rt.stopped
}

// OnLoop reports whether the caller is the loop goroutine.
func (rt *Runtime) OnLoop() bool {
	id := rt.loopID.Load()
	return id != 0 && goid.Current() == id
}

// RunOnLoop queues fn for a later loop turn.
func (rt *Runtime) RunOnLoop(fn func(*goja.Runtime)) bool {
	if !rt.IsRunning() {
		return false
	}
	return rt.loop.RunOnLoop(fn)
}

// Post queues fn for a later loop turn. It satisfies the scheduler
// interfaces of the network and channel packages.
func (rt *Runtime) Post(fn func()) bool {
	return rt.RunOnLoop(func(*goja.Runtime) { fn() })
}

// RunOnLoopSync runs fn on the loop and waits for it. Called from the loop
// itself it runs fn directly, since waiting would deadlock.
func (rt *Runtime) RunOnLoopSync(fn func(*goja.Runtime) error) error {
	if !rt.IsRunning() {
		return errLoopNotRunning
	}
	if rt.OnLoop() {
		return fn(rt.vm)
	}

	errCh := make(chan error, 1)
	if !rt.loop.RunOnLoop(func(vm *goja.Runtime) { errCh <- fn(vm) }) {
		return errLoopNotRunning
	}

	var timeout <-chan time.Time
	if rt.timeout > 0 {
		timer := time.NewTimer(rt.timeout)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case err := <-errCh:
		return err
	case <-rt.ctx.Done():
		return errors.New("runtime stopped before completion")
	case <-timeout:
		return fmt.Errorf("operation timed out after %v", rt.timeout)
	}
}

// SetTimeout schedules fn on the loop after d.
func (rt *Runtime) SetTimeout(fn func(), d time.Duration) *eventloop.Timer {
	return rt.loop.SetTimeout(func(*goja.Runtime) { fn() }, d)
}

func (rt *Runtime) ClearTimeout(t *eventloop.Timer) {
	rt.loop.ClearTimeout(t)
}

// SetConsoleHandler routes console output of the loop's VM to fn.
func (rt *Runtime) SetConsoleHandler(fn func(level, msg string)) {
	rt.consoleHandler.Store(&fn)
}

func (rt *Runtime) emitConsole(level, msg string) {
	if fn := rt.consoleHandler.Load(); fn != nil {
		(*fn)(level, msg)
	}
}

// newFrameRegistry builds the require registry of a child frame VM, with
// console output routed to emit.
func (rt *Runtime) newFrameRegistry(emit func(level, msg string)) *require.Registry {
	var opts []require.Option
	if rt.sourceLoader != nil {
		opts = append(opts, require.WithLoader(rt.sourceLoader))
	}
	reg := require.NewRegistry(opts...)
	reg.RegisterNativeModule("console", console.RequireWithPrinter(printer{emit: emit}))
	return reg
}

type printer struct {
	emit func(level, msg string)
}

func (p printer) Log(s string)   { p.emit(LevelLog, s) }
func (p printer) Warn(s string)  { p.emit(LevelWarn, s) }
func (p printer) Error(s string) { p.emit(LevelError, s) }
