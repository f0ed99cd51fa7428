package cookies

import (
	"net/http"
	"time"
)

// ExpiresLayout is the textual form of a record's expiry: always UTC, with
// millisecond precision.
const ExpiresLayout = "2006-01-02 15:04:05.000 UTC"

// Record is the guest-facing form of a cookie. A nil Expires marks a
// session cookie.
type Record struct {
	Name     string
	Value    string
	Domain   string
	Path     string
	Expires  *time.Time
	HttpOnly bool
	Secure   bool
}

// Equal reports whether r and o describe the same cookie state.
func (r Record) Equal(o Record) bool {
	if r.Name != o.Name || r.Value != o.Value || r.Domain != o.Domain || r.Path != o.Path ||
		r.HttpOnly != o.HttpOnly || r.Secure != o.Secure {
		return false
	}
	if r.Expires == nil || o.Expires == nil {
		return r.Expires == nil && o.Expires == nil
	}
	return r.Expires.Equal(*o.Expires)
}

// Map renders the record with the field names the guest sees. expires is
// a string in ExpiresLayout, or nil.
func (r Record) Map() map[string]any {
	var expires any
	if r.Expires != nil {
		expires = r.Expires.UTC().Format(ExpiresLayout)
	}
	return map[string]any{
		"name":       r.Name,
		"value":      r.Value,
		"domain":     r.Domain,
		"path":       r.Path,
		"expires":    expires,
		"isHttpOnly": r.HttpOnly,
		"isSecure":   r.Secure,
	}
}

// ToRecord converts a stored cookie. The expiry is truncated to
// milliseconds in UTC.
func ToRecord(c *http.Cookie) Record {
	r := Record{
		Name:     c.Name,
		Value:    c.Value,
		Domain:   c.Domain,
		Path:     c.Path,
		HttpOnly: c.HttpOnly,
		Secure:   c.Secure,
	}
	if !c.Expires.IsZero() {
		t := c.Expires.UTC().Truncate(time.Millisecond)
		r.Expires = &t
	}
	return r
}

// FromRecord is the inverse of ToRecord.
func FromRecord(r Record) *http.Cookie {
	c := &http.Cookie{
		Name:     r.Name,
		Value:    r.Value,
		Domain:   r.Domain,
		Path:     r.Path,
		HttpOnly: r.HttpOnly,
		Secure:   r.Secure,
	}
	if r.Expires != nil {
		c.Expires = r.Expires.UTC()
	}
	return c
}

// ParseRecord builds a record from loosely typed guest data. Fields that
// are missing or of the wrong type keep their zero value, and an expiry
// that does not parse yields a session cookie.
func ParseRecord(raw map[string]any) Record {
	var r Record
	r.Name, _ = raw["name"].(string)
	r.Value, _ = raw["value"].(string)
	r.Domain, _ = raw["domain"].(string)
	r.Path, _ = raw["path"].(string)
	r.HttpOnly, _ = raw["isHttpOnly"].(bool)
	r.Secure, _ = raw["isSecure"].(bool)
	if s, ok := raw["expires"].(string); ok {
		if t, err := time.Parse(ExpiresLayout, s); err == nil {
			t = t.UTC()
			r.Expires = &t
		}
	}
	return r
}

// ParseRecords applies ParseRecord to every object in list; other entries
// are skipped.
func ParseRecords(list []any) []Record {
	out := make([]Record, 0, len(list))
	for _, item := range list {
		if m, ok := item.(map[string]any); ok {
			out = append(out, ParseRecord(m))
		}
	}
	return out
}
