// Package audit records one event per gateway tool call.
package audit

import "time"

// Decision values recorded on audit events.
const (
	DecisionAllowed          = "allowed"
	DecisionDeniedAuthz      = "denied_authorization"
	DecisionDeniedRateLimit  = "denied_rate_limit"
	DecisionDeniedValidation = "denied_validation"
	DecisionFailed           = "failed"
	DecisionCancelled        = "cancelled"
)

// Severity values recorded on audit events.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// EventWriter persists audit events.
// Write() must NEVER block the caller.
type EventWriter interface {
	Write(event *Event)
	Close()
}

// Event is the audit record for a single tool call.
type Event struct {
	RequestID string
	Timestamp time.Time
	SessionID string
	Role      string
	Endpoint  string
	ToolName  string
	Decision  string
	Severity  string
	Detail    string
	LatencyMs float32
}

// Tee fans each event out to every writer.
type Tee struct {
	writers []EventWriter
}

// NewTee combines writers into one EventWriter.
func NewTee(writers ...EventWriter) *Tee {
	return &Tee{writers: writers}
}

func (t *Tee) Write(event *Event) {
	for _, w := range t.writers {
		w.Write(event)
	}
}

func (t *Tee) Close() {
	for _, w := range t.writers {
		w.Close()
	}
}
