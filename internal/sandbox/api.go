package sandbox

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/dop251/goja"
	"go.uber.org/zap"
	"golang.org/x/text/encoding/unicode"

	"github.com/joeycumines/koala/internal/cookies"
	"github.com/joeycumines/koala/internal/engine"
	"github.com/joeycumines/koala/internal/frames"
)

var errUnknownFrame = errors.New("unknown frame")

// newBridgeObject builds the __bridge global of the root frame.
func (h *Host) newBridgeObject(vm *goja.Runtime) goja.Value {
	obj := vm.NewObject()
	set := func(name string, fn func(call goja.FunctionCall) goja.Value) {
		_ = obj.Set(name, fn)
	}
	throw := func(err error) {
		panic(vm.NewGoError(err))
	}

	set("getMainScript", func(goja.FunctionCall) goja.Value {
		return vm.ToValue(map[string]any{"path": h.mainPath, "src": h.mainSrc})
	})

	set("readScriptFile", func(call goja.FunctionCall) goja.Value {
		path := call.Argument(0).String()
		src, err := h.readScript(path)
		if err != nil {
			return vm.ToValue(map[string]any{"error": err.Error()})
		}
		return vm.ToValue(map[string]any{"path": path, "src": src})
	})

	set("setCallbackValue", func(call goja.FunctionCall) goja.Value {
		if err := h.bridge.SetValue(call.Argument(0).Export()); err != nil {
			h.log.Debug("callback value ignored", zap.Error(err))
		}
		return goja.Undefined()
	})

	set("exit", func(call goja.FunctionCall) goja.Value {
		h.exit(int(call.Argument(0).ToInteger()))
		return goja.Undefined()
	})

	set("send", func(call goja.FunctionCall) goja.Value {
		if err := h.channel.Send(call.Argument(0).String()); err != nil {
			throw(fmt.Errorf("send: %w", err))
		}
		return goja.Undefined()
	})

	for method, event := range map[string]string{
		"onMessage":        "message",
		"onCallback":       "callback",
		"onFrameSpawned":   "frameSpawned",
		"onFrameEvent":     "frameEvent",
		"onCookiesChanged": "cookiesChanged",
	} {
		set(method, func(call goja.FunctionCall) goja.Value {
			fn, ok := goja.AssertFunction(call.Argument(0))
			if !ok {
				panic(vm.NewTypeError("%s expects a function", method))
			}
			return vm.ToValue(h.listen(event, fn))
		})
	}

	set("getCookies", func(goja.FunctionCall) goja.Value {
		all := h.jar.All()
		out := make([]any, len(all))
		for i, c := range all {
			out[i] = cookies.ToRecord(c).Map()
		}
		return vm.ToValue(out)
	})

	set("setCookies", func(call goja.FunctionCall) goja.Value {
		list, _ := call.Argument(0).Export().([]any)
		records := cookies.ParseRecords(list)
		jar := make([]*http.Cookie, len(records))
		for i, r := range records {
			jar[i] = cookies.FromRecord(r)
		}
		h.jar.SetAll(jar)
		return goja.Undefined()
	})

	set("createFrame", func(call goja.FunctionCall) goja.Value {
		parent := h.page.MainFrame()
		if arg := call.Argument(0); !goja.IsUndefined(arg) && !goja.IsNull(arg) {
			parent = h.mustFrame(vm, arg)
		}
		c, err := parent.CreateChild()
		if err != nil {
			throw(err)
		}
		return vm.ToValue(uint64(h.frameID(c)))
	})

	set("frameNavigate", func(call goja.FunctionCall) goja.Value {
		ok, err := h.mustFrame(vm, call.Argument(0)).Navigate(call.Argument(1).String(), engine.NavigationOther)
		if err != nil {
			throw(err)
		}
		return vm.ToValue(ok)
	})

	set("frameReload", func(call goja.FunctionCall) goja.Value {
		ok, err := h.mustFrame(vm, call.Argument(0)).Reload()
		if err != nil {
			throw(err)
		}
		return vm.ToValue(ok)
	})

	set("frameClick", func(call goja.FunctionCall) goja.Value {
		ok, err := h.mustFrame(vm, call.Argument(0)).Click(call.Argument(1).String())
		if err != nil {
			throw(err)
		}
		return vm.ToValue(ok)
	})

	set("frameSubmit", func(call goja.FunctionCall) goja.Value {
		f := h.mustFrame(vm, call.Argument(0))
		ok, err := f.Submit(call.Argument(1).String(), formOverrides(call.Argument(2).Export()))
		if err != nil {
			throw(err)
		}
		return vm.ToValue(ok)
	})

	set("frameEvaluate", func(call goja.FunctionCall) goja.Value {
		v, err := h.mustFrame(vm, call.Argument(0)).Evaluate(call.Argument(1).String())
		if err != nil {
			throw(err)
		}
		return vm.ToValue(v)
	})

	set("frameQuery", func(call goja.FunctionCall) goja.Value {
		els, err := h.mustFrame(vm, call.Argument(0)).Query(call.Argument(1).String())
		if err != nil {
			throw(err)
		}
		out := make([]any, len(els))
		for i, e := range els {
			out[i] = e.Map()
		}
		return vm.ToValue(out)
	})

	set("frameInfo", func(call goja.FunctionCall) goja.Value {
		id := frames.ID(call.Argument(0).ToInteger())
		f, ok := h.tracker.Frame(id)
		if !ok {
			return goja.Null()
		}
		width, height := f.Size()
		parent := frames.None
		if p := f.Parent(); p != nil {
			parent = h.frameID(p)
		}
		return vm.ToValue(map[string]any{
			"id":     uint64(id),
			"parent": frameRef(parent),
			"url":    f.URL().String(),
			"title":  f.Title(),
			"width":  width,
			"height": height,
		})
	})

	set("frameResize", func(call goja.FunctionCall) goja.Value {
		h.mustFrame(vm, call.Argument(0)).SetSize(int(call.Argument(1).ToInteger()), int(call.Argument(2).ToInteger()))
		return goja.Undefined()
	})

	set("frameClose", func(call goja.FunctionCall) goja.Value {
		h.mustFrame(vm, call.Argument(0)).Close()
		return goja.Undefined()
	})

	set("compile", func(call goja.FunctionCall) goja.Value {
		fn, err := compileModule(vm, call.Argument(0).String(), call.Argument(1).String())
		if err != nil {
			throw(err)
		}
		return fn
	})

	return obj
}

// mustFrame resolves a guest frame id or throws.
func (h *Host) mustFrame(vm *goja.Runtime, v goja.Value) *engine.Frame {
	id := frames.ID(v.ToInteger())
	f, ok := h.tracker.Frame(id)
	if !ok {
		panic(vm.NewGoError(fmt.Errorf("%w: %s", errUnknownFrame, v)))
	}
	return f
}

// readScript reads a guest file as UTF-8. Invalid sequences become
// replacement characters.
func (h *Host) readScript(path string) (string, error) {
	b, err := h.opts.ReadFile(path)
	if err != nil {
		return "", err
	}
	b, err = unicode.UTF8.NewDecoder().Bytes(b)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// compileModule evaluates src wrapped as a CommonJS module function.
func compileModule(vm *goja.Runtime, path, src string) (goja.Value, error) {
	prg, err := goja.Compile(path, "(function (exports, require, module, __filename, __dirname) {"+src+"\n})", false)
	if err != nil {
		return nil, err
	}
	return vm.RunProgram(prg)
}

// formOverrides converts a guest object of field values. Arrays give a
// field several values; everything else is stringified.
func formOverrides(v any) url.Values {
	m, ok := v.(map[string]any)
	if !ok || len(m) == 0 {
		return nil
	}
	values := url.Values{}
	for k, field := range m {
		switch x := field.(type) {
		case nil:
		case []any:
			for _, e := range x {
				values.Add(k, fmt.Sprint(e))
			}
		default:
			values.Add(k, fmt.Sprint(x))
		}
	}
	return values
}
