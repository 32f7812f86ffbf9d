package server

import (
	"net/http"

	"github.com/outrider-ai/toolgate/internal/gateway"
)

// CallToolRequest is the POST /v1/tools/call body.
type CallToolRequest struct {
	SessionID string         `json:"session_id"`
	Endpoint  string         `json:"endpoint"`
	ToolName  string         `json:"tool_name"`
	Arguments map[string]any `json:"arguments"`
}

// ErrorResp is the uniform error body.
type ErrorResp struct {
	Kind       string  `json:"kind,omitempty"`
	Detail     string  `json:"detail"`
	RetryAfter float64 `json:"retry_after_seconds,omitempty"`
}

// statusForKind maps gateway failure kinds to HTTP status codes.
func statusForKind(kind gateway.Kind) int {
	switch kind {
	case gateway.KindAuthorization:
		return http.StatusForbidden
	case gateway.KindRateLimit:
		return http.StatusTooManyRequests
	case gateway.KindNotFound:
		return http.StatusNotFound
	case gateway.KindSchema, gateway.KindRange, gateway.KindPattern,
		gateway.KindPathTraversal, gateway.KindInjection:
		return http.StatusBadRequest
	case gateway.KindConnection:
		return http.StatusBadGateway
	case gateway.KindCancelled:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
