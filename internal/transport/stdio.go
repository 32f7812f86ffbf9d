package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/outrider-ai/toolgate/internal/jsonrpc"
)

// stdioTransport runs an allow-listed tool server as a subprocess and
// frames newline-delimited JSON-RPC over its stdin/stdout. The module is
// resolved against the allow-list before anything is spawned.
type stdioTransport struct {
	module string
	spec   StdioServer
	logger *zap.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	nextID atomic.Uint64

	// responses is fed by the reader goroutine. dead is closed when the
	// pump stops; deadErr holds the reason and is written before close.
	responses chan *jsonrpc.Message
	dead      chan struct{}
	deadErr   error
}

func newStdioTransport(cfg Config, module string, logger *zap.Logger) (*stdioTransport, error) {
	spec, err := resolveStdio(cfg, module)
	if err != nil {
		return nil, err
	}
	return &stdioTransport{
		module: module,
		spec:   spec,
		logger: logger,
	}, nil
}

// Connect spawns the subprocess with a fixed argument vector and runs
// the MCP initialize handshake.
func (t *stdioTransport) Connect(ctx context.Context) error {
	// exec.Command with an explicit argv: the command is never passed
	// through a shell, so argument content cannot become syntax.
	cmd := exec.Command(t.spec.Command, t.spec.Args...)
	cmd.Env = envSlice(t.spec.Env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn %s: %w", t.module, err)
	}

	t.cmd = cmd
	t.stdin = stdin
	t.responses = make(chan *jsonrpc.Message, 16)
	t.dead = make(chan struct{})

	go t.readLoop(stdout)
	go t.drainStderr(stderr)

	if err := t.initialize(ctx); err != nil {
		_ = t.Close()
		return fmt.Errorf("initialize %s: %w", t.module, err)
	}
	return nil
}

// initialize performs the MCP handshake: an initialize round-trip
// followed by the initialized notification.
func (t *stdioTransport) initialize(ctx context.Context) error {
	params := map[string]any{
		"protocolVersion": "2024-11-05",
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "toolgate",
			"version": "1.0",
		},
	}
	if _, err := t.Call(ctx, jsonrpc.MethodInitialize, params); err != nil {
		return err
	}
	note := &jsonrpc.Message{
		JSONRPC: jsonrpc.Version,
		Method:  "notifications/initialized",
	}
	return jsonrpc.WriteFrame(t.stdin, note)
}

// Call writes one request frame and waits for the matching response.
// The connection actor serializes Call invocations, so at most one
// request is in flight; stale responses from an abandoned (cancelled)
// request are skipped by ID.
func (t *stdioTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := t.nextID.Add(1)
	req, err := jsonrpc.NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}
	if err := jsonrpc.WriteFrame(t.stdin, req); err != nil {
		return nil, fmt.Errorf("write frame: %w", err)
	}

	want := fmt.Sprintf("%d", id)
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.dead:
			return nil, fmt.Errorf("tool server stream closed: %w", t.deadErr)
		case msg := <-t.responses:
			if string(msg.ID) != want {
				t.logger.Debug("skipping stale response frame",
					zap.String("module", t.module),
					zap.String("id", string(msg.ID)),
				)
				continue
			}
			if msg.Error != nil {
				return nil, msg.Error
			}
			return msg.Result, nil
		}
	}
}

// Close terminates the subprocess. Safe to call more than once.
func (t *stdioTransport) Close() error {
	if t.stdin != nil {
		_ = t.stdin.Close()
	}
	if t.cmd != nil && t.cmd.Process != nil {
		_ = t.cmd.Process.Kill()
		_ = t.cmd.Wait()
		t.cmd = nil
	}
	return nil
}

func (t *stdioTransport) readLoop(stdout io.Reader) {
	fr := jsonrpc.NewFrameReader(stdout)
	for {
		msg, err := fr.Read()
		if err != nil {
			t.deadErr = err
			close(t.dead)
			return
		}
		if msg.IsNotification() {
			t.logger.Debug("tool server notification",
				zap.String("module", t.module),
				zap.String("method", msg.Method),
			)
			continue
		}
		select {
		case t.responses <- msg:
		default:
			// No caller is draining and the buffer is full of stale
			// frames; dropping is safer than blocking the pump.
			t.logger.Warn("dropping unclaimed response frame",
				zap.String("module", t.module),
			)
		}
	}
}

// drainStderr keeps the subprocess from blocking on a full stderr pipe
// and surfaces its output at debug level. Lines are length-capped; the
// content is untrusted and never parsed.
func (t *stdioTransport) drainStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 4096), 64*1024)
	for scanner.Scan() {
		t.logger.Debug("tool server stderr",
			zap.String("module", t.module),
			zap.String("line", scanner.Text()),
		)
	}
}

func envSlice(m map[string]string) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	return out
}
