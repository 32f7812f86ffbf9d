// Package gateway is the boundary-control facade between agent
// sessions and untrusted MCP tool servers. Every tool call passes
// through authorization, rate limiting, argument validation, the
// transport, and result sanitization, and produces exactly one audit
// event.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/outrider-ai/toolgate/internal/audit"
	"github.com/outrider-ai/toolgate/internal/authz"
	"github.com/outrider-ai/toolgate/internal/jsonrpc"
	"github.com/outrider-ai/toolgate/internal/ratelimit"
	"github.com/outrider-ai/toolgate/internal/registry"
	"github.com/outrider-ai/toolgate/internal/sanitize"
	"github.com/outrider-ai/toolgate/internal/transport"
	"github.com/outrider-ai/toolgate/internal/validate"
)

// RedactedResult replaces tool output that could not be sanitized.
const RedactedResult = "[RESULT_REDACTED]"

// Catalog is the descriptor source the gateway reads from.
// registry.Registry satisfies this.
type Catalog interface {
	List(ctx context.Context, endpoint string) ([]registry.ToolDescriptor, error)
	Lookup(ctx context.Context, endpoint, toolName string) (registry.ToolDescriptor, error)
}

// Caller issues tool calls on an endpoint. transport.Manager satisfies
// this.
type Caller interface {
	Send(ctx context.Context, endpoint, method string, params any) (json.RawMessage, error)
}

// CallRequest is a single tool invocation on behalf of a session.
type CallRequest struct {
	SessionID string
	Role      string
	Endpoint  string
	ToolName  string
	Arguments map[string]any
}

// CallResult is the sanitized outcome of a successful tool call.
type CallResult struct {
	RequestID string `json:"request_id"`
	ToolName  string `json:"tool_name"`
	Content   any    `json:"content"`
	Degraded  bool   `json:"degraded,omitempty"` // result was redacted by the sanitizer
}

// Gateway wires the boundary controls around the transport.
type Gateway struct {
	gate      *authz.Gate
	limiter   *ratelimit.Limiter
	catalog   Catalog
	caller    Caller
	validator *validate.Validator
	sanitizer *sanitize.Sanitizer
	events    audit.EventWriter
	logger    *zap.Logger
	now       func() time.Time
	newID     func() string
}

// Config carries the gateway's collaborators.
type Config struct {
	Gate      *authz.Gate
	Limiter   *ratelimit.Limiter
	Catalog   Catalog
	Caller    Caller
	Validator *validate.Validator
	Sanitizer *sanitize.Sanitizer
	Events    audit.EventWriter
	Logger    *zap.Logger
}

// New assembles a Gateway from its collaborators.
func New(cfg Config) *Gateway {
	sanitizer := cfg.Sanitizer
	if sanitizer == nil {
		sanitizer = sanitize.New(sanitize.DefaultLimits())
	}
	return &Gateway{
		gate:      cfg.Gate,
		limiter:   cfg.Limiter,
		catalog:   cfg.Catalog,
		caller:    cfg.Caller,
		validator: cfg.Validator,
		sanitizer: sanitizer,
		events:    cfg.Events,
		logger:    cfg.Logger,
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// ListTools returns the sanitized descriptors an endpoint advertises.
func (g *Gateway) ListTools(ctx context.Context, endpoint string) ([]registry.ToolDescriptor, error) {
	tools, err := g.catalog.List(ctx, endpoint)
	if err != nil {
		return nil, g.mapError(err)
	}
	return tools, nil
}

// callToolParams is the MCP tools/call request shape.
type callToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// CallTool runs the full control pipeline for one tool invocation.
// Exactly one audit event is recorded per call, whatever the outcome.
func (g *Gateway) CallTool(ctx context.Context, req CallRequest) (*CallResult, error) {
	start := g.now()
	event := &audit.Event{
		RequestID: g.newID(),
		Timestamp: start,
		SessionID: req.SessionID,
		Role:      req.Role,
		Endpoint:  req.Endpoint,
		ToolName:  req.ToolName,
	}
	defer func() {
		event.LatencyMs = float32(g.now().Sub(start).Microseconds()) / 1000
		g.events.Write(event)
	}()

	// Authorization runs before the registry lookup so a denied caller
	// learns nothing about which tools exist.
	if !g.gate.Check(req.Role, req.ToolName) {
		event.Decision = audit.DecisionDeniedAuthz
		event.Severity = audit.SeverityWarning
		event.Detail = "role not permitted"
		return nil, &Error{Kind: KindAuthorization, Message: "not authorized"}
	}

	decision := g.limiter.Allow(ratelimit.Identifier(req.SessionID, req.ToolName))
	if !decision.Allowed {
		// Rate-limit denials are expected during normal operation and do
		// not indicate abuse on their own.
		event.Decision = audit.DecisionDeniedRateLimit
		event.Severity = audit.SeverityInfo
		event.Detail = "rate limit exceeded"
		return nil, &Error{
			Kind:       KindRateLimit,
			Message:    "rate limit exceeded",
			RetryAfter: decision.RetryAfter,
		}
	}

	desc, err := g.catalog.Lookup(ctx, req.Endpoint, req.ToolName)
	if err != nil {
		gerr := g.mapError(err)
		event.Decision = decisionFor(gerr)
		event.Severity = audit.SeverityWarning
		event.Detail = gerr.Message
		return nil, gerr
	}

	args, err := g.validator.Validate(req.ToolName, req.Arguments, desc.InputSchema)
	if err != nil {
		gerr := g.mapError(err)
		event.Decision = audit.DecisionDeniedValidation
		event.Severity = severityForValidation(gerr.Kind)
		event.Detail = gerr.Message
		return nil, gerr
	}

	raw, err := g.caller.Send(ctx, req.Endpoint, jsonrpc.MethodCallTool, callToolParams{
		Name:      req.ToolName,
		Arguments: args,
	})
	if err != nil {
		gerr := g.mapError(err)
		event.Decision = decisionFor(gerr)
		event.Severity = audit.SeverityWarning
		event.Detail = gerr.Message
		return nil, gerr
	}

	content, degraded := g.sanitizeResult(event.RequestID, raw)

	event.Decision = audit.DecisionAllowed
	event.Severity = audit.SeverityInfo
	if degraded {
		event.Severity = audit.SeverityCritical
		event.Detail = "result redacted: sanitization failed"
	}
	return &CallResult{
		RequestID: event.RequestID,
		ToolName:  req.ToolName,
		Content:   content,
		Degraded:  degraded,
	}, nil
}

// sanitizeResult decodes and sanitizes the raw tool result. A result
// that cannot be decoded or sanitized is replaced wholesale rather than
// passed through raw.
func (g *Gateway) sanitizeResult(requestID string, raw json.RawMessage) (content any, degraded bool) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("result sanitization panicked, redacting",
				zap.String("request_id", requestID),
				zap.Any("panic", r),
			)
			content = RedactedResult
			degraded = true
		}
	}()

	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		g.logger.Error("tool result is not valid JSON, redacting",
			zap.String("request_id", requestID),
			zap.Error(err),
		)
		return RedactedResult, true
	}
	return g.sanitizer.Sanitize(decoded), false
}

// mapError folds package-level failures into the stable taxonomy.
func (g *Gateway) mapError(err error) *Error {
	var gerr *Error
	if errors.As(err, &gerr) {
		return gerr
	}

	var verr *validate.Error
	if errors.As(err, &verr) {
		return &Error{Kind: Kind(verr.Kind), Message: verr.Error()}
	}

	if errors.Is(err, registry.ErrToolNotFound) {
		return &Error{Kind: KindNotFound, Message: "unknown tool"}
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindCancelled, Message: "call cancelled"}
	}

	var cerr *transport.ConnectionError
	if errors.As(err, &cerr) {
		return &Error{Kind: KindConnection, Message: "tool server unavailable"}
	}
	if errors.Is(err, transport.ErrPathTraversal) ||
		errors.Is(err, transport.ErrNotAllowListed) ||
		errors.Is(err, transport.ErrForbiddenURL) {
		return &Error{Kind: KindConnection, Message: "endpoint rejected by policy"}
	}

	return &Error{Kind: KindConnection, Message: "tool server unavailable"}
}

func decisionFor(err *Error) string {
	if err.Kind == KindCancelled {
		return audit.DecisionCancelled
	}
	return audit.DecisionFailed
}

func severityForValidation(kind Kind) string {
	switch kind {
	case KindInjection, KindPathTraversal:
		return audit.SeverityCritical
	default:
		return audit.SeverityWarning
	}
}
