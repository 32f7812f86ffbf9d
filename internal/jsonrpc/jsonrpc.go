// Package jsonrpc implements the JSON-RPC 2.0 framing used to talk to
// MCP tool servers: newline-delimited messages over stdio or HTTP bodies.
package jsonrpc

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Version is the only accepted jsonrpc field value.
const Version = "2.0"

// MCP method names the gateway sends.
const (
	MethodInitialize = "initialize"
	MethodListTools  = "tools/list"
	MethodCallTool   = "tools/call"
)

// Standard JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

var (
	ErrInvalidJSON    = errors.New("jsonrpc: invalid JSON")
	ErrInvalidVersion = errors.New("jsonrpc: version must be 2.0")
	ErrFrameTooLarge  = errors.New("jsonrpc: frame exceeds size limit")
)

// MaxFrameBytes caps a single frame read from an untrusted peer.
const MaxFrameBytes = 4 * 1024 * 1024

// Message is a JSON-RPC 2.0 request, notification, or response,
// distinguished by which fields are set.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is the JSON-RPC error object.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// NewRequest builds a request message with the given numeric id.
func NewRequest(id uint64, method string, params any) (*Message, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	idRaw, _ := json.Marshal(id)
	return &Message{
		JSONRPC: Version,
		Method:  method,
		Params:  raw,
		ID:      idRaw,
	}, nil
}

// IsResponse reports whether the message carries a result or error.
func (m *Message) IsResponse() bool {
	return len(m.Result) > 0 || m.Error != nil
}

// IsNotification reports whether the message is a fire-and-forget call.
func (m *Message) IsNotification() bool {
	return m.Method != "" && (len(m.ID) == 0 || string(m.ID) == "null")
}

// Parse decodes and validates a single frame.
func Parse(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}
	if msg.JSONRPC != Version {
		return nil, ErrInvalidVersion
	}
	return &msg, nil
}

// WriteFrame writes one newline-delimited message. The message itself
// must not contain a raw newline, which encoding/json guarantees.
func WriteFrame(w io.Writer, msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}

// FrameReader reads newline-delimited messages with a size cap.
type FrameReader struct {
	r *bufio.Reader
}

// NewFrameReader wraps r for frame-at-a-time reads.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: bufio.NewReaderSize(r, 64*1024)}
}

// Read returns the next frame. io.EOF signals a cleanly closed peer.
func (fr *FrameReader) Read() (*Message, error) {
	var line []byte
	for {
		chunk, isPrefix, err := fr.r.ReadLine()
		if err != nil {
			return nil, err
		}
		line = append(line, chunk...)
		if len(line) > MaxFrameBytes {
			return nil, ErrFrameTooLarge
		}
		if !isPrefix {
			break
		}
	}
	if len(line) == 0 {
		// Tolerate blank keepalive lines between frames.
		return fr.Read()
	}
	return Parse(line)
}
