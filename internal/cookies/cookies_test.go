package cookies

import (
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func ts(t *testing.T, s string) *time.Time {
	t.Helper()
	v, err := time.Parse(ExpiresLayout, s)
	require.NoError(t, err)
	return &v
}

func TestRecordRoundTrip(t *testing.T) {
	for _, r := range []Record{
		{Name: "sid", Value: "abc", Domain: ".example.com", Path: "/", Expires: ts(t, "2031-04-05 06:07:08.009 UTC"), HttpOnly: true, Secure: true},
		{Name: "session", Value: "", Domain: "example.com", Path: "/app"},
	} {
		got := ToRecord(FromRecord(r))
		require.True(t, r.Equal(got), "got %+v want %+v", got, r)
	}
}

func TestToRecordTruncatesToMillisecondsUTC(t *testing.T) {
	loc := time.FixedZone("X", 3*3600)
	c := &http.Cookie{Name: "a", Expires: time.Date(2030, 1, 2, 6, 4, 5, 123456789, loc)}
	r := ToRecord(c)
	require.NotNil(t, r.Expires)
	require.Equal(t, "2030-01-02 03:04:05.123 UTC", r.Map()["expires"])
}

func TestRecordMap(t *testing.T) {
	m := Record{Name: "n", Value: "v", Domain: "d", Path: "/", Secure: true}.Map()
	require.Equal(t, map[string]any{
		"name":       "n",
		"value":      "v",
		"domain":     "d",
		"path":       "/",
		"expires":    nil,
		"isHttpOnly": false,
		"isSecure":   true,
	}, m)
}

func TestParseRecordLenient(t *testing.T) {
	r := ParseRecord(map[string]any{
		"name":       "n",
		"value":      42,
		"domain":     "example.com",
		"expires":    "tomorrow",
		"isHttpOnly": "yes",
		"isSecure":   true,
	})
	require.Equal(t, "n", r.Name)
	require.Empty(t, r.Value)
	require.Empty(t, r.Path)
	require.Nil(t, r.Expires)
	require.False(t, r.HttpOnly)
	require.True(t, r.Secure)

	r = ParseRecord(map[string]any{"expires": "2031-04-05 06:07:08.009 UTC"})
	require.NotNil(t, r.Expires)
	require.True(t, r.Expires.Equal(*ts(t, "2031-04-05 06:07:08.009 UTC")))

	require.Len(t, ParseRecords([]any{map[string]any{"name": "a"}, "junk", nil}), 1)
}

func TestJarSetCookiesAndCookies(t *testing.T) {
	j := NewJar(zaptest.NewLogger(t))
	u, _ := url.Parse("https://www.example.com/app/page")

	j.SetCookies(u, []*http.Cookie{
		{Name: "host", Value: "1"},
		{Name: "dom", Value: "2", Domain: "example.com", Path: "/"},
		{Name: "sec", Value: "3", Secure: true, Path: "/"},
		{Name: "psl", Value: "4", Domain: "com"},
		{Name: "foreign", Value: "5", Domain: "other.org"},
	})

	all := j.All()
	require.Len(t, all, 3)
	require.Equal(t, "www.example.com", all[0].Domain)
	require.Equal(t, "/app", all[0].Path)
	require.Equal(t, ".example.com", all[1].Domain)

	names := func(cs []*http.Cookie) []string {
		var out []string
		for _, c := range cs {
			out = append(out, c.Name)
		}
		return out
	}
	require.Equal(t, []string{"host", "dom", "sec"}, names(j.Cookies(u)))

	plain, _ := url.Parse("http://api.example.com/")
	require.Equal(t, []string{"dom"}, names(j.Cookies(plain)))
}

func TestJarExpiry(t *testing.T) {
	now := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	j := NewJar(nil)
	j.now = func() time.Time { return now }
	u, _ := url.Parse("http://example.com/")

	j.SetCookies(u, []*http.Cookie{{Name: "a", Value: "1", MaxAge: 60}})
	all := j.All()
	require.Len(t, all, 1)
	require.True(t, all[0].Expires.Equal(now.Add(time.Minute)))

	j.SetCookies(u, []*http.Cookie{{Name: "a", MaxAge: -1}})
	require.Empty(t, j.All())
}

func TestJarMutationsNotify(t *testing.T) {
	j := NewJar(nil)
	var (
		mu      sync.Mutex
		updates [][]*http.Cookie
	)
	remove := j.OnUpdated(func(all []*http.Cookie) {
		mu.Lock()
		defer mu.Unlock()
		updates = append(updates, all)
	})

	c := &http.Cookie{Name: "a", Value: "1", Domain: "example.com", Path: "/"}
	require.True(t, j.Insert(c))
	require.False(t, j.Insert(c))
	require.Len(t, updates, 1)

	require.False(t, j.Update(&http.Cookie{Name: "a", Value: "1", Domain: "example.com", Path: "/"}))
	require.True(t, j.Update(&http.Cookie{Name: "a", Value: "2", Domain: "example.com", Path: "/"}))
	require.False(t, j.Update(&http.Cookie{Name: "missing", Domain: "example.com", Path: "/"}))
	require.Len(t, updates, 2)
	require.Equal(t, "2", updates[1][0].Value)

	require.True(t, j.Delete(c))
	require.False(t, j.Delete(c))
	require.Len(t, updates, 3)
	require.Empty(t, updates[2])

	set := []*http.Cookie{
		{Name: "x", Value: "1", Domain: "a.com", Path: "/"},
		{Name: "y", Value: "2", Domain: "b.com", Path: "/"},
	}
	require.True(t, j.SetAll(set))
	require.False(t, j.SetAll(set))
	require.Len(t, updates, 4)
	require.Len(t, updates[3], 2)

	remove()
	j.SetAll(nil)
	require.Len(t, updates, 4)
	require.Empty(t, j.All())
}

func TestJarSetCookiesCoalescesNotification(t *testing.T) {
	j := NewJar(nil)
	count := 0
	j.OnUpdated(func([]*http.Cookie) { count++ })
	u, _ := url.Parse("http://example.com/")

	j.SetCookies(u, []*http.Cookie{{Name: "a", Value: "1"}, {Name: "b", Value: "2"}})
	require.Equal(t, 1, count)

	j.SetCookies(u, []*http.Cookie{{Name: "a", Value: "1", Path: "/"}})
	require.Equal(t, 1, count, "unchanged cookie must not notify")
}
