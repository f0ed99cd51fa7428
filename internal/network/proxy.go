package network

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/net/proxy"
)

// Proxy is the application-wide proxy, applied once at startup.
type Proxy struct {
	// Type is "http" (the default) or "socks5".
	Type string
	Host string
	Port int
}

func (p *Proxy) addr() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

func newTransport(p *Proxy) (*http.Transport, error) {
	t := http.DefaultTransport.(*http.Transport).Clone()
	if p == nil || p.Host == "" {
		return t, nil
	}
	if p.Port <= 0 || p.Port > 65535 {
		return nil, fmt.Errorf("invalid proxy port %d", p.Port)
	}

	switch strings.ToLower(p.Type) {
	case "", "http":
		t.Proxy = http.ProxyURL(&url.URL{Scheme: "http", Host: p.addr()})
	case "socks5":
		d, err := proxy.SOCKS5("tcp", p.addr(), nil, proxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("socks5 proxy: %w", err)
		}
		cd, ok := d.(proxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("socks5 proxy: dialer does not support contexts")
		}
		t.Proxy = nil
		t.DialContext = cd.DialContext
	default:
		return nil, fmt.Errorf("unsupported proxy type %q", p.Type)
	}
	return t, nil
}
