package gateway

import (
	"fmt"
	"time"
)

// Kind classifies a gateway failure. Values are stable and safe to
// return to callers.
type Kind string

const (
	KindSchema        Kind = "schema"
	KindRange         Kind = "range"
	KindPattern       Kind = "pattern"
	KindPathTraversal Kind = "path_traversal"
	KindInjection     Kind = "injection_pattern"
	KindAuthorization Kind = "authorization"
	KindRateLimit     Kind = "rate_limit"
	KindConnection    Kind = "connection"
	KindSanitization  Kind = "sanitization"
	KindNotFound      Kind = "not_found"
	KindCancelled     Kind = "cancelled"
)

// Error is the unified failure type returned by the gateway. Message
// never echoes raw argument values or upstream server output.
type Error struct {
	Kind       Kind
	Message    string
	RetryAfter time.Duration // set for rate_limit failures
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}
