// Package server exposes the gateway over HTTP.
package server

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/outrider-ai/toolgate/internal/audit"
	"github.com/outrider-ai/toolgate/internal/auth"
	"github.com/outrider-ai/toolgate/internal/gateway"
	"github.com/outrider-ai/toolgate/internal/registry"
)

// Gateway is the call surface the handlers need. gateway.Gateway
// satisfies this.
type Gateway interface {
	CallTool(ctx context.Context, req gateway.CallRequest) (*gateway.CallResult, error)
	ListTools(ctx context.Context, endpoint string) ([]registry.ToolDescriptor, error)
}

// Dependencies holds shared state injected into all HTTP handlers.
type Dependencies struct {
	Gateway       Gateway
	Authenticator auth.Authenticator
	Events        *audit.RingWriter // nil disables the events API
	Logger        *zap.Logger
	ClientRPS     float64
	ClientBurst   int
}

// NewRouter builds the HTTP mux with all routes wired up.
func NewRouter(deps *Dependencies) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/tools/call", deps.authMiddleware(deps.handleCallTool))
	mux.HandleFunc("GET /v1/tools", deps.authMiddleware(deps.handleListTools))
	mux.HandleFunc("GET /v1/events", deps.authMiddleware(deps.handleListEvents))

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	limited := rateLimitMiddleware(newClientLimiter(deps.ClientRPS, deps.ClientBurst), deps.Logger)(mux)
	return corsMiddleware(requestLogging(limited, deps.Logger))
}
