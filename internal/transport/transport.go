// Package transport owns the connections to MCP tool servers: spawning
// allow-listed stdio subprocesses, opening HTTP/SSE endpoints, framing
// JSON-RPC traffic, and supervising reconnection. Every peer is treated
// as untrusted.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Kind identifies the wire mechanism behind an endpoint.
type Kind string

const (
	KindStdio Kind = "stdio"
	KindHTTP  Kind = "http"
	KindSSE   Kind = "sse"
)

// State is the lifecycle position of a connection.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDegraded
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	default:
		return "disconnected"
	}
}

// ConnectionError wraps a transport failure surfaced after retries are
// exhausted. The message is safe to show callers.
type ConnectionError struct {
	Endpoint string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("tool server %s unreachable: %v", e.Endpoint, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

var (
	// ErrPathTraversal marks stdio endpoints that try to escape the
	// allow-list. Always fatal for the connection attempt.
	ErrPathTraversal = errors.New("stdio endpoint contains a path traversal")
	// ErrNotAllowListed marks stdio modules missing from configuration.
	ErrNotAllowListed = errors.New("stdio module is not allow-listed")
	// ErrForbiddenURL marks HTTP/SSE endpoints rejected by the URL policy.
	ErrForbiddenURL = errors.New("endpoint URL violates transport policy")
)

// StdioServer is one allow-listed subprocess tool server. The command is
// executed with this exact argument vector; no shell is ever involved.
type StdioServer struct {
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
}

// Backoff controls reconnection behavior after transport failures.
type Backoff struct {
	Base        time.Duration `yaml:"base"`
	Cap         time.Duration `yaml:"cap"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// DefaultBackoff returns the production retry schedule.
func DefaultBackoff() Backoff {
	return Backoff{Base: 500 * time.Millisecond, Cap: 30 * time.Second, MaxAttempts: 5}
}

// delay returns the sleep before the given 1-based attempt.
func (b Backoff) delay(attempt int) time.Duration {
	d := b.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= b.Cap {
			return b.Cap
		}
	}
	if d > b.Cap {
		return b.Cap
	}
	return d
}

// Config is the transport policy surface.
type Config struct {
	// StdioServers maps allow-listed module names to their launch spec.
	StdioServers map[string]StdioServer
	// AllowedHosts may use plain http and resolve to private addresses
	// (local development). Everything else must be public https.
	AllowedHosts []string
	// Backoff is the reconnect schedule.
	Backoff Backoff
	// RequestTimeout bounds a single round-trip when the caller supplies
	// no deadline of its own.
	RequestTimeout time.Duration
}

// Endpoint is a parsed endpoint identifier:
//
//	stdio://<module-name>
//	https://host/path  (http:// only for allow-listed dev hosts)
//	sse://host/path    (SSE over https; sse+http:// for dev hosts)
type Endpoint struct {
	Raw  string
	Kind Kind
	// Module is the allow-list key for stdio endpoints.
	Module string
	// URL is the request URL for HTTP and SSE endpoints.
	URL *url.URL
}

// ParseEndpoint classifies and validates an endpoint identifier. It does
// not consult the allow-list; that happens at dial time.
func ParseEndpoint(raw string) (Endpoint, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid endpoint %q: %w", raw, err)
	}
	switch u.Scheme {
	case "stdio":
		name := u.Host + u.Path
		if name == "" {
			return Endpoint{}, fmt.Errorf("stdio endpoint %q has no module name", raw)
		}
		return Endpoint{Raw: raw, Kind: KindStdio, Module: name}, nil
	case "http", "https":
		return Endpoint{Raw: raw, Kind: KindHTTP, URL: u}, nil
	case "sse", "sse+http":
		httpURL := *u
		if u.Scheme == "sse" {
			httpURL.Scheme = "https"
		} else {
			httpURL.Scheme = "http"
		}
		return Endpoint{Raw: raw, Kind: KindSSE, URL: &httpURL}, nil
	default:
		return Endpoint{}, fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}
}

// Transport is one live connection to a tool server. Implementations are
// driven by a single connection actor and need not be safe for
// concurrent Call invocations.
type Transport interface {
	// Connect establishes the connection and performs the MCP handshake.
	Connect(ctx context.Context) error
	// Call performs one request/response round-trip.
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
	// Close tears the connection down and releases the process/socket.
	Close() error
}

// resolveStdio maps a module name onto its allow-listed launch spec.
// Names and command paths containing traversal segments are rejected
// before anything is spawned.
func resolveStdio(cfg Config, module string) (StdioServer, error) {
	if containsTraversal(module) {
		return StdioServer{}, fmt.Errorf("%w: %q", ErrPathTraversal, module)
	}
	spec, ok := cfg.StdioServers[module]
	if !ok {
		return StdioServer{}, fmt.Errorf("%w: %q", ErrNotAllowListed, module)
	}
	if containsTraversal(spec.Command) {
		return StdioServer{}, fmt.Errorf("%w: configured command for %q", ErrPathTraversal, module)
	}
	return spec, nil
}

func containsTraversal(p string) bool {
	for _, seg := range strings.Split(strings.ReplaceAll(p, "\\", "/"), "/") {
		if seg == ".." {
			return true
		}
	}
	return false
}
