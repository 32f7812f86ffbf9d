package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/outrider-ai/toolgate/internal/jsonrpc"
)

// urlPolicy rejects endpoint URLs that could be used for SSRF: plain
// http, and hosts resolving to loopback/link-local/private addresses,
// unless the host is explicitly allow-listed for local development.
type urlPolicy struct {
	allowedHosts map[string]struct{}
	lookupIP     func(host string) ([]net.IP, error) // injectable for tests
}

func newURLPolicy(allowed []string) *urlPolicy {
	hosts := make(map[string]struct{}, len(allowed))
	for _, h := range allowed {
		hosts[strings.ToLower(h)] = struct{}{}
	}
	return &urlPolicy{allowedHosts: hosts, lookupIP: net.LookupIP}
}

func (p *urlPolicy) hostAllowed(host string) bool {
	_, ok := p.allowedHosts[strings.ToLower(host)]
	return ok
}

// validate checks scheme and destination address class.
func (p *urlPolicy) validate(u *url.URL) error {
	host := u.Hostname()
	allowed := p.hostAllowed(host)

	if u.Scheme != "https" {
		if u.Scheme == "http" && allowed {
			return nil // explicit local-dev exemption
		}
		return fmt.Errorf("%w: scheme %q for host %q", ErrForbiddenURL, u.Scheme, host)
	}
	if allowed {
		return nil
	}

	ips, err := p.resolve(host)
	if err != nil {
		return fmt.Errorf("%w: cannot resolve %q: %v", ErrForbiddenURL, host, err)
	}
	for _, ip := range ips {
		if isInternalIP(ip) {
			return fmt.Errorf("%w: %q resolves to internal address %s", ErrForbiddenURL, host, ip)
		}
	}
	return nil
}

func (p *urlPolicy) resolve(host string) ([]net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []net.IP{ip}, nil
	}
	return p.lookupIP(host)
}

func isInternalIP(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() ||
		ip.IsPrivate() || ip.IsUnspecified()
}

// newHTTPClient builds a client that refuses redirects to a different
// origin than the one requested.
func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			origin := via[0].URL
			if req.URL.Scheme != origin.Scheme || req.URL.Host != origin.Host {
				return fmt.Errorf("refusing cross-origin redirect to %s", req.URL.Host)
			}
			if len(via) >= 3 {
				return fmt.Errorf("too many redirects")
			}
			return nil
		},
	}
}

// httpTransport performs one JSON-RPC round-trip per POST request.
type httpTransport struct {
	endpoint *url.URL
	policy   *urlPolicy
	client   *http.Client
	nextID   atomic.Uint64
}

func newHTTPTransport(cfg Config, u *url.URL) *httpTransport {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &httpTransport{
		endpoint: u,
		policy:   newURLPolicy(cfg.AllowedHosts),
		client:   newHTTPClient(timeout),
	}
}

func (t *httpTransport) Connect(ctx context.Context) error {
	return t.policy.validate(t.endpoint)
}

func (t *httpTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := t.nextID.Add(1)
	msg, err := jsonrpc.NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint.String(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http round-trip: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tool server returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, jsonrpc.MaxFrameBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	reply, err := jsonrpc.Parse(data)
	if err != nil {
		return nil, err
	}
	if reply.Error != nil {
		return nil, reply.Error
	}
	return reply.Result, nil
}

func (t *httpTransport) Close() error { return nil }

// sseTransport posts requests over HTTP and receives responses on a
// long-lived text/event-stream opened at connect time.
type sseTransport struct {
	endpoint *url.URL
	policy   *urlPolicy
	client   *http.Client
	logger   *zap.Logger
	nextID   atomic.Uint64

	stream    io.Closer
	responses chan *jsonrpc.Message
	dead      chan struct{}
	deadErr   error
}

func newSSETransport(cfg Config, u *url.URL, logger *zap.Logger) *sseTransport {
	return &sseTransport{
		endpoint: u,
		policy:   newURLPolicy(cfg.AllowedHosts),
		// No client timeout: the event stream stays open indefinitely.
		// Per-request deadlines come from the caller's context.
		client: newHTTPClient(0),
		logger: logger,
	}
}

func (t *sseTransport) Connect(ctx context.Context) error {
	if err := t.policy.validate(t.endpoint); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.endpoint.String(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := t.client.Do(req) //nolint:bodyclose // closed via t.stream
	if err != nil {
		return fmt.Errorf("open event stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return fmt.Errorf("event stream returned status %d", resp.StatusCode)
	}

	t.stream = resp.Body
	t.responses = make(chan *jsonrpc.Message, 16)
	t.dead = make(chan struct{})
	go t.readLoop(resp.Body)
	return nil
}

func (t *sseTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := t.nextID.Add(1)
	msg, err := jsonrpc.NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint.String(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post request: %w", err)
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return nil, fmt.Errorf("tool server returned status %d", resp.StatusCode)
	}

	want := fmt.Sprintf("%d", id)
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.dead:
			return nil, fmt.Errorf("event stream closed: %w", t.deadErr)
		case reply := <-t.responses:
			if string(reply.ID) != want {
				continue
			}
			if reply.Error != nil {
				return nil, reply.Error
			}
			return reply.Result, nil
		}
	}
}

func (t *sseTransport) Close() error {
	if t.stream != nil {
		return t.stream.Close()
	}
	return nil
}

// readLoop parses "data:" lines from the event stream. Event names and
// comments are ignored; each data payload is one JSON-RPC frame.
func (t *sseTransport) readLoop(body io.Reader) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), jsonrpc.MaxFrameBytes)
	for scanner.Scan() {
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		msg, err := jsonrpc.Parse([]byte(strings.TrimSpace(data)))
		if err != nil {
			t.logger.Warn("unparseable event-stream frame", zap.Error(err))
			continue
		}
		if msg.IsNotification() {
			continue
		}
		select {
		case t.responses <- msg:
		default:
			t.logger.Warn("dropping unclaimed event-stream frame")
		}
	}
	t.deadErr = scanner.Err()
	if t.deadErr == nil {
		t.deadErr = io.EOF
	}
	close(t.dead)
}
