package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/outrider-ai/toolgate/internal/gateway"
)

func (d *Dependencies) handleCallTool(w http.ResponseWriter, r *http.Request) {
	principal := principalFromContext(r.Context())

	var req CallToolRequest
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "malformed JSON body"})
		return
	}
	if req.SessionID == "" || req.Endpoint == "" || req.ToolName == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "session_id, endpoint, and tool_name are required"})
		return
	}

	result, err := d.Gateway.CallTool(r.Context(), gateway.CallRequest{
		SessionID: req.SessionID,
		Role:      principal.Role,
		Endpoint:  req.Endpoint,
		ToolName:  req.ToolName,
		Arguments: req.Arguments,
	})
	if err != nil {
		d.writeGatewayError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (d *Dependencies) handleListTools(w http.ResponseWriter, r *http.Request) {
	endpoint := r.URL.Query().Get("endpoint")
	if endpoint == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "endpoint query parameter is required"})
		return
	}

	tools, err := d.Gateway.ListTools(r.Context(), endpoint)
	if err != nil {
		d.writeGatewayError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"tools": tools})
}

func (d *Dependencies) handleListEvents(w http.ResponseWriter, r *http.Request) {
	if d.Events == nil {
		writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "event history is not enabled"})
		return
	}

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "limit must be between 1 and 1000"})
			return
		}
		limit = n
	}

	events := d.Events.Recent(limit)
	out := make([]eventResp, len(events))
	for i, e := range events {
		out[i] = eventResp{
			RequestID: e.RequestID,
			Timestamp: e.Timestamp,
			SessionID: e.SessionID,
			Role:      e.Role,
			Endpoint:  e.Endpoint,
			ToolName:  e.ToolName,
			Decision:  e.Decision,
			Severity:  e.Severity,
			Detail:    e.Detail,
			LatencyMs: e.LatencyMs,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out})
}

type eventResp struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"`
	Endpoint  string    `json:"endpoint"`
	ToolName  string    `json:"tool_name"`
	Decision  string    `json:"decision"`
	Severity  string    `json:"severity"`
	Detail    string    `json:"detail,omitempty"`
	LatencyMs float32   `json:"latency_ms"`
}

func (d *Dependencies) writeGatewayError(w http.ResponseWriter, err error) {
	var gerr *gateway.Error
	if !errors.As(err, &gerr) {
		d.Logger.Error("unexpected gateway failure", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "internal error"})
		return
	}

	resp := ErrorResp{Kind: string(gerr.Kind), Detail: gerr.Message}
	if gerr.Kind == gateway.KindRateLimit && gerr.RetryAfter > 0 {
		resp.RetryAfter = gerr.RetryAfter.Seconds()
		w.Header().Set("Retry-After", strconv.Itoa(int(gerr.RetryAfter.Seconds()+0.5)))
	}
	writeJSON(w, statusForKind(gerr.Kind), resp)
}
