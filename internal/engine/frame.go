package engine

import (
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/eventloop"
	"go.uber.org/zap"

	"github.com/joeycumines/koala/internal/network"
)

var blankURL = &url.URL{Scheme: "about", Opaque: "blank"}

// Frame is one browsing context of a Page. All methods must be called on
// the event loop.
type Frame struct {
	page     *Page
	parent   *Frame
	children []*Frame

	url *url.URL
	doc *Document
	vm  *goja.Runtime
	// generation increments with every new document so work scheduled for
	// an old document can tell it is stale.
	generation int

	pending *network.Reply

	timers    map[int64]*eventloop.Timer
	nextTimer int64

	windowObjects []windowObject

	width, height int
	closed        bool
	log           *zap.Logger
}

type windowObject struct {
	name    string
	factory func(vm *goja.Runtime) goja.Value
}

func newFrame(p *Page, parent *Frame) *Frame {
	f := &Frame{
		page:   p,
		parent: parent,
		url:    blankURL,
		timers: make(map[int64]*eventloop.Timer),
		log:    p.log,
	}
	f.doc = blankDocument(f.url)
	return f
}

func (f *Frame) IsMain() bool { return f.parent == nil }

func (f *Frame) Page() *Page { return f.page }

// Parent is nil for the main frame.
func (f *Frame) Parent() *Frame { return f.parent }

func (f *Frame) Children() []*Frame { return slices.Clone(f.children) }

func (f *Frame) URL() *url.URL { return f.url }

func (f *Frame) Title() string { return f.doc.Title() }

func (f *Frame) Document() *Document { return f.doc }

func (f *Frame) Closed() bool { return f.closed }

// VM is the frame's current global scope. It is replaced on every load.
func (f *Frame) VM() *goja.Runtime { return f.vm }

func (f *Frame) SetSize(width, height int) {
	f.width, f.height = width, height
}

func (f *Frame) Size() (width, height int) {
	return f.width, f.height
}

// AddWindowObject installs the value built by factory as a global of this
// frame, now if a scope exists and again after every clear.
func (f *Frame) AddWindowObject(name string, factory func(vm *goja.Runtime) goja.Value) {
	f.windowObjects = append(f.windowObjects, windowObject{name: name, factory: factory})
	if f.vm != nil {
		_ = f.vm.Set(name, factory(f.vm))
	}
}

// CreateChild adds an empty child frame showing about:blank.
func (f *Frame) CreateChild() (*Frame, error) {
	if f.closed {
		return nil, ErrFrameClosed
	}
	c := newFrame(f.page, f)
	f.children = append(f.children, c)
	c.resetWindow(c.doc, false)
	f.page.hooks.FrameCreated(c)
	return c, nil
}

// Navigate loads raw, resolved against the current URL. It reports
// whether the navigation was accepted; the load itself completes later.
func (f *Frame) Navigate(raw string, nav NavigationType) (bool, error) {
	u, err := f.resolve(raw)
	if err != nil {
		return false, err
	}
	return f.navigate(network.Request{Op: network.OpGet, URL: u}, nav)
}

// Reload loads the current URL again.
func (f *Frame) Reload() (bool, error) {
	return f.navigate(network.Request{Op: network.OpGet, URL: f.url}, NavigationReload)
}

func (f *Frame) navigate(req network.Request, nav NavigationType) (bool, error) {
	if f.closed {
		return false, ErrFrameClosed
	}
	accept, err := f.page.hooks.AcceptNavigation(f, req.URL, nav)
	if err != nil {
		return false, err
	}
	if !accept {
		f.log.Debug("navigation refused", zap.String("url", req.URL.String()), zap.Stringer("type", nav))
		return false, nil
	}

	f.abortPending()
	f.page.hooks.FrameEvent(f, FrameEvent{Kind: EventLoading})
	reply := f.page.loader.Request(f.page.rt.Context(), req)
	f.pending = reply
	reply.OnFinished(func(r *network.Reply) {
		if f.pending != r || f.closed {
			return
		}
		f.pending = nil
		f.commit(r)
	})
	return true, nil
}

func (f *Frame) abortPending() {
	if f.pending != nil {
		r := f.pending
		f.pending = nil
		r.Abort()
	}
}

// commit replaces the frame's document with a finished load.
func (f *Frame) commit(r *network.Reply) {
	if err := r.Err(); err != nil {
		f.log.Info("load failed", zap.String("url", r.URL().String()), zap.Error(err))
		f.page.hooks.FrameEvent(f, FrameEvent{Kind: EventLoaded, Err: err})
		return
	}

	u := r.FinalURL()
	isScript := strings.Contains(r.ContentType(), "javascript")
	var doc *Document
	if isScript {
		doc = blankDocument(u)
	} else {
		var err error
		if doc, err = ParseDocument(u, r.Body()); err != nil {
			f.page.hooks.FrameEvent(f, FrameEvent{Kind: EventLoaded, Err: err})
			return
		}
	}
	f.url = u
	f.resetWindow(doc, true)
	gen := f.generation

	finish := func() {
		if f.closed || f.generation != gen {
			return
		}
		f.loadChildFrames()
		f.page.hooks.FrameEvent(f, FrameEvent{Kind: EventLoaded, OK: true})
	}
	if isScript {
		f.page.exec(f, u.String(), string(r.Body()))
		finish()
		return
	}
	f.runScripts(gen, doc.scripts(), finish)
}

// resetWindow installs a fresh global scope for doc. Child frames of the
// previous document are destroyed.
func (f *Frame) resetWindow(doc *Document, notify bool) {
	for _, c := range slices.Clone(f.children) {
		c.Close()
	}
	f.clearTimers()
	f.generation++
	f.doc = doc

	if f.IsMain() {
		f.vm = f.page.rt.vm
	} else {
		f.vm = goja.New()
		reg := f.page.rt.newFrameRegistry(func(level, msg string) {
			f.page.hooks.ConsoleMessage(f, level, msg)
		})
		reg.Enable(f.vm)
		f.installTimers()
		f.installConsole()
	}
	f.installWindow()
	for _, wo := range f.windowObjects {
		_ = f.vm.Set(wo.name, wo.factory(f.vm))
	}
	if notify {
		f.page.hooks.WindowObjectCleared(f)
	}
}

// runScripts executes scripts in order, fetching external ones through the
// loader, then calls done.
func (f *Frame) runScripts(gen int, scripts []script, done func()) {
	for i, s := range scripts {
		if f.closed || f.generation != gen {
			return
		}
		if s.src == "" {
			f.page.exec(f, f.url.String(), s.text)
			continue
		}
		u, err := f.resolve(s.src)
		if err != nil {
			f.page.hooks.ConsoleMessage(f, LevelError, err.Error())
			continue
		}
		rest := scripts[i+1:]
		reply := f.page.loader.Request(f.page.rt.Context(), network.Request{Op: network.OpGet, URL: u})
		reply.OnFinished(func(r *network.Reply) {
			if f.closed || f.generation != gen {
				return
			}
			if err := r.Err(); err != nil {
				f.page.hooks.ConsoleMessage(f, LevelError, fmt.Sprintf("failed to load script %s: %v", u, err))
			} else {
				f.page.exec(f, u.String(), string(r.Body()))
			}
			f.runScripts(gen, rest, done)
		})
		return
	}
	done()
}

// loadChildFrames creates a child for every iframe in the document.
func (f *Frame) loadChildFrames() {
	for _, src := range f.doc.frameSources() {
		c, err := f.CreateChild()
		if err != nil {
			return
		}
		if src == "" {
			continue
		}
		if _, err := c.Navigate(src, NavigationOther); err != nil {
			f.log.Debug("iframe navigation failed", zap.String("src", src), zap.Error(err))
		}
	}
}

// Close destroys f and its descendants, deepest first. The main frame
// cannot be closed.
func (f *Frame) Close() {
	if f.closed || f.IsMain() {
		return
	}
	for _, c := range slices.Clone(f.children) {
		c.Close()
	}
	f.closed = true
	f.abortPending()
	f.clearTimers()
	f.parent.children = slices.DeleteFunc(f.parent.children, func(c *Frame) bool { return c == f })
	f.page.hooks.FrameDestroyed(f)
}

// Evaluate runs src in the frame's global scope and returns its result as
// plain data (nil, bool, numbers, strings, []any, map[string]any).
func (f *Frame) Evaluate(src string) (any, error) {
	if err := f.checkAccess(); err != nil {
		return nil, err
	}
	v, err := f.page.run(f, "evaluate", src)
	if err != nil {
		return nil, err
	}
	return detach(v.Export()), nil
}

// Query returns snapshots of matching elements of the current document.
func (f *Frame) Query(selector string) ([]Element, error) {
	if err := f.checkAccess(); err != nil {
		return nil, err
	}
	return f.doc.Query(selector)
}

// Click activates the first element matching selector: links navigate,
// submit controls submit their form. An onclick attribute runs first and
// can cancel the default action by returning false.
func (f *Frame) Click(selector string) (bool, error) {
	if err := f.checkAccess(); err != nil {
		return false, err
	}
	sel, err := f.doc.Find(selector)
	if err != nil {
		return false, err
	}
	sel = sel.First()
	if sel.Length() == 0 {
		return false, fmt.Errorf("%w: %s", ErrNoMatch, selector)
	}

	if handler, ok := sel.Attr("onclick"); ok {
		v, err := f.page.run(f, "onclick", "(function () {"+handler+"\n}).call(null)")
		if err != nil {
			return false, err
		}
		if v != nil && v.StrictEquals(f.vm.ToValue(false)) {
			return false, nil
		}
	}

	switch tag := goquery.NodeName(sel); {
	case tag == "a":
		href, ok := sel.Attr("href")
		if !ok {
			return false, ErrNotNavigable
		}
		if code, ok := strings.CutPrefix(strings.TrimSpace(href), "javascript:"); ok {
			f.page.exec(f, "javascript-url", code)
			return false, nil
		}
		u, err := f.resolve(href)
		if err != nil {
			return false, err
		}
		return f.navigate(network.Request{Op: network.OpGet, URL: u}, NavigationLink)
	case isSubmitControl(sel):
		form := sel.Closest("form")
		if form.Length() == 0 {
			return false, ErrNotNavigable
		}
		return f.submitForm(form, sel, nil)
	default:
		return false, ErrNotNavigable
	}
}

// Submit submits the first form matching selector. Values in overrides
// replace the document's field values.
func (f *Frame) Submit(selector string, overrides url.Values) (bool, error) {
	if err := f.checkAccess(); err != nil {
		return false, err
	}
	sel, err := f.doc.Find(selector)
	if err != nil {
		return false, err
	}
	form := sel.First()
	if goquery.NodeName(form) != "form" {
		form = form.Closest("form")
	}
	if form.Length() == 0 {
		return false, fmt.Errorf("%w: %s", ErrNoMatch, selector)
	}
	return f.submitForm(form, nil, overrides)
}

func (f *Frame) submitForm(form, submitter *goquery.Selection, overrides url.Values) (bool, error) {
	target, err := f.resolve(form.AttrOr("action", ""))
	if err != nil {
		return false, err
	}
	values := formValues(form)
	if submitter != nil {
		if name, ok := submitter.Attr("name"); ok && name != "" {
			values.Add(name, submitter.AttrOr("value", ""))
		}
	}
	for k, vs := range overrides {
		values[k] = vs
	}

	if strings.EqualFold(form.AttrOr("method", "get"), "post") {
		return f.navigate(network.Request{
			Op:     network.OpPost,
			URL:    target,
			Header: http.Header{"Content-Type": {"application/x-www-form-urlencoded"}},
			Body:   []byte(values.Encode()),
		}, NavigationForm)
	}
	u := *target
	u.RawQuery = values.Encode()
	u.Fragment = ""
	return f.navigate(network.Request{Op: network.OpGet, URL: &u}, NavigationForm)
}

func (f *Frame) checkAccess() error {
	if f.closed {
		return ErrFrameClosed
	}
	if f.vm == nil {
		return ErrNoScope
	}
	if !f.IsMain() && !f.page.settings.CrossFrameAccess {
		return ErrCrossFrameAccess
	}
	return nil
}

func (f *Frame) resolve(raw string) (*url.URL, error) {
	ref, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, err
	}
	if f.url == nil || f.url.Opaque != "" {
		return ref, nil
	}
	return f.url.ResolveReference(ref), nil
}

func isSubmitControl(s *goquery.Selection) bool {
	switch goquery.NodeName(s) {
	case "button":
		t := strings.ToLower(s.AttrOr("type", "submit"))
		return t == "submit"
	case "input":
		t := strings.ToLower(s.AttrOr("type", ""))
		return t == "submit" || t == "image"
	}
	return false
}

func formValues(form *goquery.Selection) url.Values {
	values := url.Values{}
	form.Find("input[name], textarea[name], select[name]").Each(func(_ int, s *goquery.Selection) {
		name := s.AttrOr("name", "")
		if name == "" {
			return
		}
		if _, disabled := s.Attr("disabled"); disabled {
			return
		}
		switch goquery.NodeName(s) {
		case "input":
			switch strings.ToLower(s.AttrOr("type", "text")) {
			case "submit", "button", "image", "reset", "file":
			case "checkbox", "radio":
				if _, checked := s.Attr("checked"); checked {
					values.Add(name, s.AttrOr("value", "on"))
				}
			default:
				values.Add(name, s.AttrOr("value", ""))
			}
		case "textarea":
			values.Add(name, s.Text())
		case "select":
			opt := s.Find("option[selected]").First()
			if opt.Length() == 0 {
				opt = s.Find("option").First()
			}
			if opt.Length() != 0 {
				values.Add(name, opt.AttrOr("value", strings.TrimSpace(opt.Text())))
			}
		}
	})
	return values
}
