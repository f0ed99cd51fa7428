package engine

import (
	"math"
	"strconv"
	"time"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/console"
)

// installWindow populates the frame's global scope with the browser-like
// surface scripts expect: window, document, location and dialogs.
func (f *Frame) installWindow() {
	vm := f.vm
	global := vm.GlobalObject()
	_ = vm.Set("window", global)
	_ = vm.Set("self", global)
	_ = vm.Set("document", f.newDocumentObject(vm))
	_ = vm.Set("location", f.newLocationObject(vm))

	_ = vm.Set("alert", func(call goja.FunctionCall) goja.Value {
		if err := f.page.hooks.Alert(f, argString(call, 0)); err != nil {
			panic(vm.NewGoError(err))
		}
		return goja.Undefined()
	})
	_ = vm.Set("confirm", func(call goja.FunctionCall) goja.Value {
		ok, err := f.page.hooks.Confirm(f, argString(call, 0))
		if err != nil {
			panic(vm.NewGoError(err))
		}
		return vm.ToValue(ok)
	})
	_ = vm.Set("prompt", func(call goja.FunctionCall) goja.Value {
		answer, ok, err := f.page.hooks.Prompt(f, argString(call, 0), argString(call, 1))
		if err != nil {
			panic(vm.NewGoError(err))
		}
		if !ok {
			return goja.Null()
		}
		return vm.ToValue(answer)
	})
}

func (f *Frame) installConsole() {
	console.Enable(f.vm)
}

func (f *Frame) newDocumentObject(vm *goja.Runtime) *goja.Object {
	doc := f.doc
	obj := vm.NewObject()
	_ = obj.DefineAccessorProperty("title", vm.ToValue(func(goja.FunctionCall) goja.Value {
		return vm.ToValue(doc.Title())
	}), nil, goja.FLAG_TRUE, goja.FLAG_TRUE)
	_ = obj.Set("URL", doc.URL())

	query := func(selector string) []Element {
		els, err := doc.Query(selector)
		if err != nil {
			panic(vm.NewGoError(err))
		}
		return els
	}
	_ = obj.Set("querySelector", func(call goja.FunctionCall) goja.Value {
		els := query(argString(call, 0))
		if len(els) == 0 {
			return goja.Null()
		}
		return vm.ToValue(els[0].Map())
	})
	_ = obj.Set("querySelectorAll", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(elementMaps(query(argString(call, 0))))
	})
	_ = obj.Set("getElementById", func(call goja.FunctionCall) goja.Value {
		els := query("[id=" + strconv.Quote(argString(call, 0)) + "]")
		if len(els) == 0 {
			return goja.Null()
		}
		return vm.ToValue(els[0].Map())
	})
	return obj
}

func (f *Frame) newLocationObject(vm *goja.Runtime) *goja.Object {
	href := f.url.String()
	navigate := func(call goja.FunctionCall) goja.Value {
		if _, err := f.Navigate(argString(call, 0), NavigationOther); err != nil {
			panic(vm.NewGoError(err))
		}
		return goja.Undefined()
	}

	obj := vm.NewObject()
	_ = obj.DefineAccessorProperty("href",
		vm.ToValue(func(goja.FunctionCall) goja.Value { return vm.ToValue(href) }),
		vm.ToValue(navigate),
		goja.FLAG_TRUE, goja.FLAG_TRUE)
	_ = obj.Set("assign", navigate)
	_ = obj.Set("replace", navigate)
	_ = obj.Set("reload", func(goja.FunctionCall) goja.Value {
		if _, err := f.Reload(); err != nil {
			panic(vm.NewGoError(err))
		}
		return goja.Undefined()
	})
	_ = obj.Set("toString", func(goja.FunctionCall) goja.Value { return vm.ToValue(href) })
	return obj
}

// installTimers gives a child frame its own setTimeout family, driven by
// the shared loop and cancelled when the frame's document goes away.
func (f *Frame) installTimers() {
	vm := f.vm
	gen := f.generation

	schedule := func(call goja.FunctionCall, repeat bool) goja.Value {
		fn, ok := goja.AssertFunction(call.Argument(0))
		if !ok {
			panic(vm.NewTypeError("timer callback is not a function"))
		}
		delay := time.Duration(max(call.Argument(1).ToInteger(), 0)) * time.Millisecond
		if repeat && delay < time.Millisecond {
			delay = time.Millisecond
		}
		var args []goja.Value
		if len(call.Arguments) > 2 {
			args = append(args, call.Arguments[2:]...)
		}

		f.nextTimer++
		id := f.nextTimer
		var arm func()
		arm = func() {
			f.timers[id] = f.page.rt.SetTimeout(func() {
				if f.closed || f.generation != gen {
					return
				}
				if _, live := f.timers[id]; !live {
					return
				}
				if !repeat {
					delete(f.timers, id)
				}
				stop := f.page.watch(vm)
				_, err := fn(goja.Undefined(), args...)
				stop()
				if err != nil {
					f.page.reportScriptError(f, err)
				}
				if _, live := f.timers[id]; repeat && live {
					arm()
				}
			}, delay)
		}
		arm()
		return vm.ToValue(id)
	}
	cancel := func(call goja.FunctionCall) goja.Value {
		id := call.Argument(0).ToInteger()
		if t, ok := f.timers[id]; ok {
			f.page.rt.ClearTimeout(t)
			delete(f.timers, id)
		}
		return goja.Undefined()
	}

	_ = vm.Set("setTimeout", func(call goja.FunctionCall) goja.Value { return schedule(call, false) })
	_ = vm.Set("setInterval", func(call goja.FunctionCall) goja.Value { return schedule(call, true) })
	_ = vm.Set("clearTimeout", cancel)
	_ = vm.Set("clearInterval", cancel)
}

func (f *Frame) clearTimers() {
	for id, t := range f.timers {
		f.page.rt.ClearTimeout(t)
		delete(f.timers, id)
	}
}

func argString(call goja.FunctionCall, i int) string {
	v := call.Argument(i)
	if goja.IsUndefined(v) || goja.IsNull(v) {
		return ""
	}
	return v.String()
}

func elementMaps(els []Element) []any {
	out := make([]any, len(els))
	for i, e := range els {
		out[i] = e.Map()
	}
	return out
}

// detach reduces an exported script value to plain data that can be
// handed to another VM. Functions and host objects become nil.
func detach(v any) any {
	switch x := v.(type) {
	case nil, bool, string:
		return x
	case int64:
		return x
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil
		}
		return x
	case int:
		return int64(x)
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = detach(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = detach(e)
		}
		return out
	default:
		return nil
	}
}
