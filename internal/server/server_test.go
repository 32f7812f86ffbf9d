package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/outrider-ai/toolgate/internal/audit"
	"github.com/outrider-ai/toolgate/internal/auth"
	"github.com/outrider-ai/toolgate/internal/gateway"
	"github.com/outrider-ai/toolgate/internal/registry"
)

type stubGateway struct {
	result *gateway.CallResult
	err    error
	tools  []registry.ToolDescriptor
	last   gateway.CallRequest
}

func (g *stubGateway) CallTool(ctx context.Context, req gateway.CallRequest) (*gateway.CallResult, error) {
	g.last = req
	if g.err != nil {
		return nil, g.err
	}
	return g.result, nil
}

func (g *stubGateway) ListTools(ctx context.Context, endpoint string) ([]registry.ToolDescriptor, error) {
	if g.err != nil {
		return nil, g.err
	}
	return g.tools, nil
}

func newTestRouter(gw *stubGateway, ring *audit.RingWriter) http.Handler {
	return NewRouter(&Dependencies{
		Gateway: gw,
		Authenticator: auth.NewStaticAuthenticator(map[string]auth.Principal{
			"tgk_testkey0001": {Name: "test", Role: "developer"},
		}),
		Events:      ring,
		Logger:      zap.NewNop(),
		ClientRPS:   1000,
		ClientBurst: 1000,
	})
}

func doCall(t *testing.T, router http.Handler, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/tools/call", strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

const validBody = `{"session_id":"s1","endpoint":"stdio://alpha","tool_name":"search","arguments":{"query":"x"}}`

func TestCallToolOK(t *testing.T) {
	gw := &stubGateway{result: &gateway.CallResult{RequestID: "r1", ToolName: "search", Content: "ok"}}
	router := newTestRouter(gw, nil)

	rec := doCall(t, router, "tgk_testkey0001", validBody)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if gw.last.Role != "developer" {
		t.Fatalf("role = %q, want principal's role", gw.last.Role)
	}

	var res gateway.CallResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.RequestID != "r1" {
		t.Fatalf("request_id = %q", res.RequestID)
	}
}

func TestCallToolRequiresAuth(t *testing.T) {
	gw := &stubGateway{result: &gateway.CallResult{}}
	router := newTestRouter(gw, nil)

	if rec := doCall(t, router, "", validBody); rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if rec := doCall(t, router, "tgk_wrongkey000", validBody); rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestCallToolRejectsBadBody(t *testing.T) {
	gw := &stubGateway{result: &gateway.CallResult{}}
	router := newTestRouter(gw, nil)

	if rec := doCall(t, router, "tgk_testkey0001", `{not json`); rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if rec := doCall(t, router, "tgk_testkey0001", `{"tool_name":"search"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestGatewayErrorMapping(t *testing.T) {
	cases := []struct {
		kind   gateway.Kind
		status int
	}{
		{gateway.KindAuthorization, http.StatusForbidden},
		{gateway.KindRateLimit, http.StatusTooManyRequests},
		{gateway.KindNotFound, http.StatusNotFound},
		{gateway.KindSchema, http.StatusBadRequest},
		{gateway.KindInjection, http.StatusBadRequest},
		{gateway.KindConnection, http.StatusBadGateway},
	}
	for _, tc := range cases {
		t.Run(string(tc.kind), func(t *testing.T) {
			gw := &stubGateway{err: &gateway.Error{Kind: tc.kind, Message: "denied", RetryAfter: 30 * time.Second}}
			router := newTestRouter(gw, nil)

			rec := doCall(t, router, "tgk_testkey0001", validBody)
			if rec.Code != tc.status {
				t.Fatalf("status = %d, want %d", rec.Code, tc.status)
			}
			if tc.kind == gateway.KindRateLimit && rec.Header().Get("Retry-After") == "" {
				t.Fatal("missing Retry-After header")
			}
		})
	}
}

func TestListTools(t *testing.T) {
	gw := &stubGateway{tools: []registry.ToolDescriptor{{Name: "search", Endpoint: "stdio://alpha"}}}
	router := newTestRouter(gw, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/tools?endpoint=stdio%3A%2F%2Falpha", nil)
	req.Header.Set("Authorization", "Bearer tgk_testkey0001")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var body struct {
		Tools []registry.ToolDescriptor `json:"tools"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Tools) != 1 || body.Tools[0].Name != "search" {
		t.Fatalf("unexpected tools: %+v", body.Tools)
	}

	// Missing endpoint parameter.
	req = httptest.NewRequest(http.MethodGet, "/v1/tools", nil)
	req.Header.Set("Authorization", "Bearer tgk_testkey0001")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestListEvents(t *testing.T) {
	ring := audit.NewRingWriter(10)
	ring.Write(&audit.Event{RequestID: "r1", Decision: audit.DecisionAllowed, Timestamp: time.Now()})
	ring.Write(&audit.Event{RequestID: "r2", Decision: audit.DecisionDeniedAuthz, Timestamp: time.Now()})

	gw := &stubGateway{result: &gateway.CallResult{}}
	router := newTestRouter(gw, ring)

	req := httptest.NewRequest(http.MethodGet, "/v1/events?limit=5", nil)
	req.Header.Set("Authorization", "Bearer tgk_testkey0001")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var body struct {
		Events []eventResp `json:"events"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Events) != 2 || body.Events[0].RequestID != "r2" {
		t.Fatalf("unexpected events: %+v", body.Events)
	}
}

func TestHealthz(t *testing.T) {
	gw := &stubGateway{}
	router := newTestRouter(gw, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestClientRateLimit(t *testing.T) {
	gw := &stubGateway{}
	router := NewRouter(&Dependencies{
		Gateway: gw,
		Authenticator: auth.NewStaticAuthenticator(map[string]auth.Principal{
			"tgk_testkey0001": {Name: "test", Role: "developer"},
		}),
		Logger:      zap.NewNop(),
		ClientRPS:   1, // refill too slow to matter inside the test
		ClientBurst: 3,
	})

	var limited int
	for i := 0; i < 10; i++ {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		req.RemoteAddr = "192.0.2.1:1234"
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		if rec.Code == http.StatusTooManyRequests {
			limited++
		}
	}
	if limited == 0 {
		t.Fatal("no request was rate limited")
	}
}
