package transport

import (
	"errors"
	"net"
	"net/url"
	"testing"
)

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse %q: %v", raw, err)
	}
	return u
}

func staticResolver(addrs map[string][]string) func(string) ([]net.IP, error) {
	return func(host string) ([]net.IP, error) {
		raw, ok := addrs[host]
		if !ok {
			return nil, errors.New("no such host")
		}
		ips := make([]net.IP, len(raw))
		for i, a := range raw {
			ips[i] = net.ParseIP(a)
		}
		return ips, nil
	}
}

func TestURLPolicy_RejectsPlainHTTP(t *testing.T) {
	p := newURLPolicy(nil)
	err := p.validate(mustURL(t, "http://tools.example.com/mcp"))
	if !errors.Is(err, ErrForbiddenURL) {
		t.Fatalf("expected forbidden URL, got %v", err)
	}
}

func TestURLPolicy_AllowsHTTPForAllowListedHost(t *testing.T) {
	p := newURLPolicy([]string{"localhost"})
	if err := p.validate(mustURL(t, "http://localhost:8931/mcp")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestURLPolicy_RejectsLoopbackLiteral(t *testing.T) {
	p := newURLPolicy(nil)
	for _, raw := range []string{
		"https://127.0.0.1/mcp",
		"https://[::1]/mcp",
		"https://169.254.169.254/latest/meta-data",
		"https://10.0.0.5/mcp",
		"https://192.168.1.10/mcp",
	} {
		if err := p.validate(mustURL(t, raw)); !errors.Is(err, ErrForbiddenURL) {
			t.Fatalf("%s: expected forbidden URL, got %v", raw, err)
		}
	}
}

func TestURLPolicy_RejectsHostResolvingToInternal(t *testing.T) {
	p := newURLPolicy(nil)
	p.lookupIP = staticResolver(map[string][]string{
		"internal.example.com": {"203.0.113.9", "10.1.2.3"},
	})
	err := p.validate(mustURL(t, "https://internal.example.com/mcp"))
	if !errors.Is(err, ErrForbiddenURL) {
		t.Fatalf("expected forbidden URL for DNS-pinned internal host, got %v", err)
	}
}

func TestURLPolicy_AllowsPublicHTTPS(t *testing.T) {
	p := newURLPolicy(nil)
	p.lookupIP = staticResolver(map[string][]string{
		"tools.example.com": {"203.0.113.9"},
	})
	if err := p.validate(mustURL(t, "https://tools.example.com/mcp")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestURLPolicy_AllowListedHostSkipsAddressCheck(t *testing.T) {
	p := newURLPolicy([]string{"dev.internal"})
	p.lookupIP = staticResolver(map[string][]string{
		"dev.internal": {"10.0.0.7"},
	})
	if err := p.validate(mustURL(t, "https://dev.internal/mcp")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestParseEndpoint(t *testing.T) {
	ep, err := ParseEndpoint("stdio://filesystem")
	if err != nil || ep.Kind != KindStdio || ep.Module != "filesystem" {
		t.Fatalf("stdio parse: %+v %v", ep, err)
	}

	ep, err = ParseEndpoint("https://tools.example.com/mcp")
	if err != nil || ep.Kind != KindHTTP {
		t.Fatalf("https parse: %+v %v", ep, err)
	}

	ep, err = ParseEndpoint("sse://tools.example.com/stream")
	if err != nil || ep.Kind != KindSSE || ep.URL.Scheme != "https" {
		t.Fatalf("sse parse: %+v %v", ep, err)
	}

	ep, err = ParseEndpoint("sse+http://localhost:9000/stream")
	if err != nil || ep.Kind != KindSSE || ep.URL.Scheme != "http" {
		t.Fatalf("sse+http parse: %+v %v", ep, err)
	}

	if _, err := ParseEndpoint("ftp://example.com"); err == nil {
		t.Fatal("expected error for unsupported scheme")
	}
	if _, err := ParseEndpoint("stdio://"); err == nil {
		t.Fatal("expected error for empty module")
	}
}

func TestBackoffDelay(t *testing.T) {
	b := DefaultBackoff()
	if b.delay(1) != b.Base {
		t.Fatalf("first delay should be base, got %v", b.delay(1))
	}
	if b.delay(2) != 2*b.Base {
		t.Fatalf("second delay should double, got %v", b.delay(2))
	}
	if b.delay(10) != b.Cap {
		t.Fatalf("delay must cap at %v, got %v", b.Cap, b.delay(10))
	}
}

func TestResolveStdio(t *testing.T) {
	cfg := Config{StdioServers: map[string]StdioServer{
		"filesystem": {Command: "/opt/tools/fs-server", Args: []string{"--root", "/srv"}},
		"sneaky":     {Command: "/opt/tools/../../bin/sh"},
	}}

	if _, err := resolveStdio(cfg, "filesystem"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := resolveStdio(cfg, "../../etc/passwd"); !errors.Is(err, ErrPathTraversal) {
		t.Fatalf("expected path traversal, got %v", err)
	}
	if _, err := resolveStdio(cfg, "missing"); !errors.Is(err, ErrNotAllowListed) {
		t.Fatalf("expected not allow-listed, got %v", err)
	}
	if _, err := resolveStdio(cfg, "sneaky"); !errors.Is(err, ErrPathTraversal) {
		t.Fatalf("expected traversal in configured command, got %v", err)
	}
}
