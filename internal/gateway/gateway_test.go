package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/outrider-ai/toolgate/internal/audit"
	"github.com/outrider-ai/toolgate/internal/authz"
	"github.com/outrider-ai/toolgate/internal/ratelimit"
	"github.com/outrider-ai/toolgate/internal/registry"
	"github.com/outrider-ai/toolgate/internal/sanitize"
	"github.com/outrider-ai/toolgate/internal/validate"
)

type stubCatalog struct {
	lookups atomic.Int32
	tools   map[string]registry.ToolDescriptor
}

func (c *stubCatalog) List(ctx context.Context, endpoint string) ([]registry.ToolDescriptor, error) {
	out := make([]registry.ToolDescriptor, 0, len(c.tools))
	for _, d := range c.tools {
		out = append(out, d)
	}
	return out, nil
}

func (c *stubCatalog) Lookup(ctx context.Context, endpoint, toolName string) (registry.ToolDescriptor, error) {
	c.lookups.Add(1)
	d, ok := c.tools[toolName]
	if !ok {
		return registry.ToolDescriptor{}, fmt.Errorf("%w: %q", registry.ErrToolNotFound, toolName)
	}
	return d, nil
}

type stubCaller struct {
	calls  atomic.Int32
	result string
	err    error
}

func (c *stubCaller) Send(ctx context.Context, endpoint, method string, params any) (json.RawMessage, error) {
	c.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.err != nil {
		return nil, c.err
	}
	return json.RawMessage(c.result), nil
}

// echoCaller reflects the validated arguments back as the tool result.
type echoCaller struct{}

func (echoCaller) Send(ctx context.Context, endpoint, method string, params any) (json.RawMessage, error) {
	p := params.(callToolParams)
	return json.Marshal(map[string]any{"echo": p.Arguments})
}

type collectWriter struct {
	mu     sync.Mutex
	events []*audit.Event
}

func (w *collectWriter) Write(event *audit.Event) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.events = append(w.events, event)
}

func (w *collectWriter) Close() {}

func (w *collectWriter) all() []*audit.Event {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]*audit.Event(nil), w.events...)
}

func searchSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{"type": "string", "maxLength": float64(100)},
			"limit": map[string]any{"type": "integer", "minimum": float64(1), "maximum": float64(50)},
		},
		"required": []any{"query"},
	}
}

type fixture struct {
	gw      *Gateway
	catalog *stubCatalog
	caller  *stubCaller
	events  *collectWriter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	catalog := &stubCatalog{tools: map[string]registry.ToolDescriptor{
		"search": {Name: "search", Endpoint: "stdio://alpha", InputSchema: searchSchema()},
	}}
	caller := &stubCaller{result: `{"content":[{"type":"text","text":"ok"}]}`}
	events := &collectWriter{}

	gw := New(Config{
		Gate: authz.NewGate(map[string][]string{
			"developer": {"search"},
			"guest":     {"search", "web_search"},
		}),
		Limiter:   ratelimit.New(ratelimit.Config{Default: ratelimit.Limits{PerMinute: 5, PerHour: 100, Cooldown: 5 * time.Minute}}),
		Catalog:   catalog,
		Caller:    caller,
		Validator: validate.New(validate.Config{}),
		Events:    events,
		Logger:    zap.NewNop(),
	})
	return &fixture{gw: gw, catalog: catalog, caller: caller, events: events}
}

func callReq(args map[string]any) CallRequest {
	return CallRequest{
		SessionID: "sess-1",
		Role:      "developer",
		Endpoint:  "stdio://alpha",
		ToolName:  "search",
		Arguments: args,
	}
}

func TestCallToolSuccess(t *testing.T) {
	f := newFixture(t)

	res, err := f.gw.CallTool(context.Background(), callReq(map[string]any{"query": "golang"}))
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if res.RequestID == "" {
		t.Fatal("missing request id")
	}
	if res.Degraded {
		t.Fatal("clean result marked degraded")
	}

	events := f.events.all()
	if len(events) != 1 {
		t.Fatalf("got %d audit events, want 1", len(events))
	}
	if events[0].Decision != audit.DecisionAllowed {
		t.Fatalf("decision = %q, want allowed", events[0].Decision)
	}
}

func TestCallToolResultSanitized(t *testing.T) {
	f := newFixture(t)
	f.caller.result = `{"content":[{"type":"text","text":"hi <script>alert(1)</script> there"}]}`

	res, err := f.gw.CallTool(context.Background(), callReq(map[string]any{"query": "x"}))
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	blob, _ := json.Marshal(res.Content)
	if strings.Contains(strings.ToLower(string(blob)), "<script") {
		t.Fatalf("script survived sanitization: %s", blob)
	}
}

func TestCallToolEchoRoundTrip(t *testing.T) {
	f := newFixture(t)
	f.gw.caller = echoCaller{}

	res, err := f.gw.CallTool(context.Background(), callReq(map[string]any{
		"query": "alpha & <b>beta</b>",
		"limit": float64(3),
	}))
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if res.Degraded {
		t.Fatal("echoed result marked degraded")
	}

	s := sanitize.New(sanitize.Limits{})
	want := map[string]any{"echo": map[string]any{
		"query": s.String("alpha & <b>beta</b>"),
		"limit": float64(3), // integers come back as JSON numbers
	}}
	if !reflect.DeepEqual(res.Content, want) {
		t.Fatalf("content = %#v, want sanitized echo %#v", res.Content, want)
	}

	// Sanitizing already-sanitized output must be a no-op.
	if again := s.Sanitize(res.Content); !reflect.DeepEqual(again, res.Content) {
		t.Fatalf("sanitization not idempotent: %#v vs %#v", again, res.Content)
	}
}

func TestAuthorizationDeniedBeforeLookup(t *testing.T) {
	f := newFixture(t)

	req := callReq(map[string]any{"query": "x"})
	req.Role = "guest"
	req.ToolName = "database_query"

	_, err := f.gw.CallTool(context.Background(), req)
	var gerr *Error
	if !errors.As(err, &gerr) || gerr.Kind != KindAuthorization {
		t.Fatalf("got %v, want authorization error", err)
	}
	// The denial must not reveal whether the tool exists.
	if strings.Contains(gerr.Message, "database_query") || strings.Contains(gerr.Message, "exist") {
		t.Fatalf("denial leaks tool information: %q", gerr.Message)
	}
	if f.catalog.lookups.Load() != 0 {
		t.Fatal("registry consulted for unauthorized call")
	}
	if f.caller.calls.Load() != 0 {
		t.Fatal("transport invoked for unauthorized call")
	}

	events := f.events.all()
	if len(events) != 1 || events[0].Decision != audit.DecisionDeniedAuthz {
		t.Fatalf("unexpected audit events: %+v", events)
	}
}

func TestValidationFailureSkipsTransport(t *testing.T) {
	f := newFixture(t)

	cases := []struct {
		name string
		args map[string]any
		kind Kind
	}{
		{"missing required", map[string]any{}, KindSchema},
		{"out of range", map[string]any{"query": "x", "limit": float64(500)}, KindRange},
		{"sql injection", map[string]any{"query": "' OR '1'='1"}, KindInjection},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			before := f.caller.calls.Load()
			_, err := f.gw.CallTool(context.Background(), callReq(tc.args))
			var gerr *Error
			if !errors.As(err, &gerr) {
				t.Fatalf("got %v, want *Error", err)
			}
			if gerr.Kind != tc.kind {
				t.Fatalf("kind = %q, want %q", gerr.Kind, tc.kind)
			}
			if f.caller.calls.Load() != before {
				t.Fatal("transport invoked despite validation failure")
			}
		})
	}
}

func TestRateLimitDenial(t *testing.T) {
	f := newFixture(t)

	for i := 0; i < 5; i++ {
		if _, err := f.gw.CallTool(context.Background(), callReq(map[string]any{"query": "x"})); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}

	_, err := f.gw.CallTool(context.Background(), callReq(map[string]any{"query": "x"}))
	var gerr *Error
	if !errors.As(err, &gerr) || gerr.Kind != KindRateLimit {
		t.Fatalf("got %v, want rate_limit error", err)
	}
	if gerr.RetryAfter <= 0 {
		t.Fatal("missing RetryAfter on rate limit denial")
	}

	// Quota exhaustion is routine, not suspicious: it is audited at info.
	events := f.events.all()
	last := events[len(events)-1]
	if last.Decision != audit.DecisionDeniedRateLimit {
		t.Fatalf("decision = %q, want denied_rate_limit", last.Decision)
	}
	if last.Severity != audit.SeverityInfo {
		t.Fatalf("severity = %q, want info", last.Severity)
	}
}

func TestUnknownToolNotFound(t *testing.T) {
	f := newFixture(t)

	req := callReq(map[string]any{"query": "x"})
	req.ToolName = "missing_tool"
	// Authorize the tool so the lookup actually runs.
	f.gw.gate = authz.NewGate(map[string][]string{"developer": {"*"}})

	_, err := f.gw.CallTool(context.Background(), req)
	var gerr *Error
	if !errors.As(err, &gerr) || gerr.Kind != KindNotFound {
		t.Fatalf("got %v, want not_found error", err)
	}
}

func TestCancelledCallAudited(t *testing.T) {
	f := newFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.gw.CallTool(ctx, callReq(map[string]any{"query": "x"}))
	var gerr *Error
	if !errors.As(err, &gerr) || gerr.Kind != KindCancelled {
		t.Fatalf("got %v, want cancelled error", err)
	}

	events := f.events.all()
	if len(events) != 1 || events[0].Decision != audit.DecisionCancelled {
		t.Fatalf("unexpected audit events: %+v", events)
	}
}

func TestMalformedResultRedacted(t *testing.T) {
	f := newFixture(t)
	f.caller.result = `{"content": not json`

	res, err := f.gw.CallTool(context.Background(), callReq(map[string]any{"query": "x"}))
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if !res.Degraded {
		t.Fatal("malformed result not marked degraded")
	}
	if res.Content != RedactedResult {
		t.Fatalf("content = %v, want redaction placeholder", res.Content)
	}

	events := f.events.all()
	if len(events) != 1 || events[0].Severity != audit.SeverityCritical {
		t.Fatalf("degraded call not audited as critical: %+v", events)
	}
}

func TestOneAuditEventPerOutcome(t *testing.T) {
	f := newFixture(t)

	// allowed
	if _, err := f.gw.CallTool(context.Background(), callReq(map[string]any{"query": "x"})); err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	// denied validation
	_, _ = f.gw.CallTool(context.Background(), callReq(map[string]any{}))
	// denied authorization
	req := callReq(map[string]any{"query": "x"})
	req.Role = "nobody"
	_, _ = f.gw.CallTool(context.Background(), req)

	events := f.events.all()
	if len(events) != 3 {
		t.Fatalf("got %d audit events for 3 calls, want 3", len(events))
	}
	want := []string{audit.DecisionAllowed, audit.DecisionDeniedValidation, audit.DecisionDeniedAuthz}
	for i, d := range want {
		if events[i].Decision != d {
			t.Fatalf("events[%d].Decision = %q, want %q", i, events[i].Decision, d)
		}
	}
}
