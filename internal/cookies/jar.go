// Package cookies holds the sandbox's authoritative cookie store and its
// conversion to and from the records the guest reads and writes.
package cookies

import (
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/publicsuffix"
)

// Jar is a cookie store usable as an http.CookieJar. Every mutation that
// changes the stored set fires a single update notification carrying the
// full set. Listeners run on the goroutine that made the change, outside
// the jar's lock.
type Jar struct {
	mu        sync.Mutex
	entries   []*http.Cookie
	listeners []listener
	nextID    int
	now       func() time.Time
	log       *zap.Logger
}

type listener struct {
	id int
	fn func([]*http.Cookie)
}

var _ http.CookieJar = (*Jar)(nil)

func NewJar(logger *zap.Logger) *Jar {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Jar{now: time.Now, log: logger.Named("cookies")}
}

// OnUpdated registers fn and returns a function that removes it.
func (j *Jar) OnUpdated(fn func(all []*http.Cookie)) (remove func()) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.nextID++
	id := j.nextID
	j.listeners = append(j.listeners, listener{id: id, fn: fn})
	return func() {
		j.mu.Lock()
		defer j.mu.Unlock()
		j.listeners = slices.DeleteFunc(j.listeners, func(l listener) bool { return l.id == id })
	}
}

// SetCookies stores cookies received in a response from u.
func (j *Jar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	host := canonicalHost(u)
	if host == "" {
		return
	}

	j.mu.Lock()
	now := j.now()
	changed := false
	for _, in := range cookies {
		c, ok := j.normalize(u, host, in, now)
		if !ok {
			continue
		}
		if isExpired(c, now) {
			changed = j.remove(c) || changed
			continue
		}
		changed = j.upsert(c) || changed
	}
	j.unlockAndNotify(changed)
}

// Cookies returns the cookies to send in a request to u.
func (j *Jar) Cookies(u *url.URL) []*http.Cookie {
	host := canonicalHost(u)
	if host == "" {
		return nil
	}
	secure := u.Scheme == "https" || u.Scheme == "wss"
	reqPath := u.EscapedPath()
	if reqPath == "" {
		reqPath = "/"
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	now := j.now()
	var out []*http.Cookie
	for _, c := range j.entries {
		if isExpired(c, now) || (c.Secure && !secure) {
			continue
		}
		if !hostMatches(host, c.Domain) || !pathMatches(reqPath, c.Path) {
			continue
		}
		out = append(out, &http.Cookie{Name: c.Name, Value: c.Value})
	}
	return out
}

// All returns a copy of every stored cookie, in insertion order.
func (j *Jar) All() []*http.Cookie {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.snapshot()
}

// SetAll replaces the whole store and reports whether it changed.
func (j *Jar) SetAll(cookies []*http.Cookie) bool {
	next := make([]*http.Cookie, 0, len(cookies))
	for _, c := range cookies {
		cp := *c
		next = slices.DeleteFunc(next, func(e *http.Cookie) bool { return sameIdentity(e, &cp) })
		next = append(next, &cp)
	}

	j.mu.Lock()
	changed := !sameSet(j.entries, next)
	j.entries = next
	j.unlockAndNotify(changed)
	return changed
}

// Insert adds c unless a cookie with the same name, domain and path exists.
func (j *Jar) Insert(c *http.Cookie) bool {
	j.mu.Lock()
	if j.index(c) >= 0 {
		j.mu.Unlock()
		return false
	}
	cp := *c
	j.entries = append(j.entries, &cp)
	j.unlockAndNotify(true)
	return true
}

// Update replaces an existing cookie with c.
func (j *Jar) Update(c *http.Cookie) bool {
	j.mu.Lock()
	changed := false
	if j.index(c) >= 0 {
		changed = j.upsert(c)
	}
	j.unlockAndNotify(changed)
	return changed
}

// Delete removes the cookie with c's name, domain and path.
func (j *Jar) Delete(c *http.Cookie) bool {
	j.mu.Lock()
	changed := j.remove(c)
	j.unlockAndNotify(changed)
	return changed
}

// unlockAndNotify releases j.mu and, if changed, notifies listeners.
func (j *Jar) unlockAndNotify(changed bool) {
	if !changed {
		j.mu.Unlock()
		return
	}
	all := j.snapshot()
	fns := make([]func([]*http.Cookie), len(j.listeners))
	for i, l := range j.listeners {
		fns[i] = l.fn
	}
	j.mu.Unlock()

	j.log.Debug("cookies updated", zap.Int("count", len(all)))
	for _, fn := range fns {
		fn(all)
	}
}

func (j *Jar) snapshot() []*http.Cookie {
	out := make([]*http.Cookie, len(j.entries))
	for i, c := range j.entries {
		cp := *c
		out[i] = &cp
	}
	return out
}

func (j *Jar) index(c *http.Cookie) int {
	return slices.IndexFunc(j.entries, func(e *http.Cookie) bool { return sameIdentity(e, c) })
}

func (j *Jar) upsert(c *http.Cookie) bool {
	cp := *c
	if i := j.index(c); i >= 0 {
		if ToRecord(j.entries[i]).Equal(ToRecord(&cp)) {
			return false
		}
		j.entries[i] = &cp
		return true
	}
	j.entries = append(j.entries, &cp)
	return true
}

func (j *Jar) remove(c *http.Cookie) bool {
	i := j.index(c)
	if i < 0 {
		return false
	}
	j.entries = slices.Delete(j.entries, i, i+1)
	return true
}

// normalize applies the default domain and path and rejects cookies for
// foreign hosts or public suffixes.
func (j *Jar) normalize(u *url.URL, host string, in *http.Cookie, now time.Time) (*http.Cookie, bool) {
	c := *in
	c.Raw = ""
	c.Unparsed = nil

	if c.Domain == "" {
		c.Domain = host
	} else {
		d := strings.ToLower(strings.TrimPrefix(c.Domain, "."))
		if !hostMatches(host, "."+d) {
			j.log.Debug("rejecting cookie for foreign domain", zap.String("name", c.Name), zap.String("domain", d), zap.String("host", host))
			return nil, false
		}
		if d != host && net.ParseIP(host) == nil {
			if ps, _ := publicsuffix.PublicSuffix(d); ps == d {
				j.log.Debug("rejecting cookie for public suffix", zap.String("name", c.Name), zap.String("domain", d))
				return nil, false
			}
		}
		c.Domain = "." + d
	}

	if c.Path == "" || c.Path[0] != '/' {
		c.Path = defaultPath(u.EscapedPath())
	}

	if c.MaxAge > 0 {
		c.Expires = now.Add(time.Duration(c.MaxAge) * time.Second)
		c.MaxAge = 0
	}
	return &c, true
}

func isExpired(c *http.Cookie, now time.Time) bool {
	if c.MaxAge < 0 {
		return true
	}
	return !c.Expires.IsZero() && !c.Expires.After(now)
}

func sameIdentity(a, b *http.Cookie) bool {
	return a.Name == b.Name && a.Path == b.Path && strings.EqualFold(a.Domain, b.Domain)
}

func sameSet(a, b []*http.Cookie) bool {
	if len(a) != len(b) {
		return false
	}
	for _, x := range a {
		i := slices.IndexFunc(b, func(y *http.Cookie) bool { return sameIdentity(x, y) })
		if i < 0 || !ToRecord(x).Equal(ToRecord(b[i])) {
			return false
		}
	}
	return true
}

func canonicalHost(u *url.URL) string {
	return strings.ToLower(u.Hostname())
}

// hostMatches applies domain matching: a leading dot matches the domain and
// its subdomains, otherwise the host must match exactly.
func hostMatches(host, domain string) bool {
	domain = strings.ToLower(domain)
	if !strings.HasPrefix(domain, ".") {
		return host == domain
	}
	d := domain[1:]
	return host == d || strings.HasSuffix(host, domain)
}

func pathMatches(reqPath, cookiePath string) bool {
	if cookiePath == "" || cookiePath == "/" || reqPath == cookiePath {
		return true
	}
	if !strings.HasPrefix(reqPath, cookiePath) {
		return false
	}
	return strings.HasSuffix(cookiePath, "/") || reqPath[len(cookiePath)] == '/'
}

func defaultPath(p string) string {
	if p == "" || p[0] != '/' {
		return "/"
	}
	i := strings.LastIndex(p, "/")
	if i == 0 {
		return "/"
	}
	return p[:i]
}
