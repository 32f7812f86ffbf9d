// Package registry maintains per-endpoint snapshots of the tool
// descriptors an MCP server advertises. Every descriptor field is
// sanitized before it is cached or returned, so callers never see raw
// server-controlled text.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/outrider-ai/toolgate/internal/jsonrpc"
	"github.com/outrider-ai/toolgate/internal/sanitize"
)

// ErrToolNotFound is returned by Lookup when the endpoint's snapshot
// does not contain the requested tool.
var ErrToolNotFound = errors.New("registry: tool not found")

const defaultTTL = 5 * time.Minute

// Fetcher issues a JSON-RPC request to an endpoint and returns the raw
// result. transport.Manager satisfies this.
type Fetcher interface {
	Send(ctx context.Context, endpoint, method string, params any) (json.RawMessage, error)
}

// Registry caches sanitized tool descriptors per endpoint.
type Registry struct {
	fetcher   Fetcher
	sanitizer *sanitize.Sanitizer
	cache     *listCache
	logger    *zap.Logger
	disabled  bool // TTL <= 0 forces a fetch on every call
}

// Option configures a Registry.
type Option func(*Registry)

// WithTTL overrides the snapshot lifetime. A non-positive TTL disables
// caching entirely.
func WithTTL(ttl time.Duration) Option {
	return func(r *Registry) {
		if ttl <= 0 {
			r.disabled = true
			return
		}
		r.cache = newListCache(ttl)
	}
}

// WithSanitizer overrides the sanitizer applied to descriptors.
func WithSanitizer(s *sanitize.Sanitizer) Option {
	return func(r *Registry) { r.sanitizer = s }
}

// New builds a Registry on top of the given fetcher.
func New(fetcher Fetcher, logger *zap.Logger, opts ...Option) *Registry {
	r := &Registry{
		fetcher:   fetcher,
		sanitizer: sanitize.New(sanitize.DefaultLimits()),
		cache:     newListCache(defaultTTL),
		logger:    logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// List returns the sanitized descriptors for the endpoint. Fresh
// snapshots are served from cache; a stale snapshot is returned
// immediately while one caller refreshes it in the background.
func (r *Registry) List(ctx context.Context, endpoint string) ([]ToolDescriptor, error) {
	if r.disabled {
		return r.fetch(ctx, endpoint)
	}

	got := r.cache.Get(endpoint)
	if got.Hit {
		if got.NeedsRefresh {
			go r.refresh(endpoint)
		}
		return got.Tools, nil
	}

	tools, err := r.fetch(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	r.cache.Set(endpoint, tools)
	return tools, nil
}

// Lookup returns the descriptor for a single tool on the endpoint.
func (r *Registry) Lookup(ctx context.Context, endpoint, toolName string) (ToolDescriptor, error) {
	tools, err := r.List(ctx, endpoint)
	if err != nil {
		return ToolDescriptor{}, err
	}
	for _, t := range tools {
		if t.Name == toolName {
			return t, nil
		}
	}
	return ToolDescriptor{}, fmt.Errorf("%w: %q on %s", ErrToolNotFound, toolName, endpoint)
}

// Invalidate drops the cached snapshot for the endpoint.
func (r *Registry) Invalidate(endpoint string) {
	r.cache.Delete(endpoint)
}

// refresh re-fetches an endpoint's snapshot in the background after a
// stale cache hit. Failures keep serving the stale snapshot.
func (r *Registry) refresh(endpoint string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	tools, err := r.fetch(ctx, endpoint)
	if err != nil {
		r.logger.Warn("tool list refresh failed, serving stale snapshot",
			zap.String("endpoint", endpoint),
			zap.Error(err))
		return
	}
	r.cache.Set(endpoint, tools)
}

// listToolsResult is the MCP tools/list response shape.
type listToolsResult struct {
	Tools []struct {
		Name        string         `json:"name"`
		Description string         `json:"description"`
		InputSchema map[string]any `json:"inputSchema"`
		Category    string         `json:"category"`
		Icon        string         `json:"icon"`
	} `json:"tools"`
}

func (r *Registry) fetch(ctx context.Context, endpoint string) ([]ToolDescriptor, error) {
	raw, err := r.fetcher.Send(ctx, endpoint, jsonrpc.MethodListTools, struct{}{})
	if err != nil {
		return nil, fmt.Errorf("list tools on %s: %w", endpoint, err)
	}

	var result listToolsResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("parse tools/list result from %s: %w", endpoint, err)
	}

	// Dedupe by name, last occurrence wins; preserve first-seen order.
	index := make(map[string]int, len(result.Tools))
	tools := make([]ToolDescriptor, 0, len(result.Tools))
	for _, t := range result.Tools {
		d := r.sanitizeDescriptor(endpoint, t.Name, t.Description, t.Category, t.Icon, t.InputSchema)
		if d.Name == "" {
			r.logger.Warn("dropping tool descriptor with empty name", zap.String("endpoint", endpoint))
			continue
		}
		if i, seen := index[d.Name]; seen {
			tools[i] = d
			continue
		}
		index[d.Name] = len(tools)
		tools = append(tools, d)
	}
	return tools, nil
}

// sanitizeDescriptor neutralizes every server-controlled field. The
// schema map is sanitized structurally, which also bounds its depth.
func (r *Registry) sanitizeDescriptor(endpoint, name, desc, category, icon string, schema map[string]any) ToolDescriptor {
	d := ToolDescriptor{
		Name:        r.sanitizer.String(name),
		Description: r.sanitizer.String(desc),
		Category:    r.sanitizer.String(category),
		Icon:        r.sanitizer.Icon(icon),
		Endpoint:    endpoint,
	}
	if schema != nil {
		if cleaned, ok := r.sanitizer.Sanitize(schema).(map[string]any); ok {
			d.InputSchema = cleaned
		}
	}
	return d
}
