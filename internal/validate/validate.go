// Package validate checks tool-call arguments against the tool's declared
// JSON Schema and rejects malicious values before they reach a transport.
package validate

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/santhosh-tekuri/jsonschema/v6/kind"
)

// Kind classifies a validation failure. Kinds are stable and safe to
// expose to callers.
type Kind string

const (
	KindSchema        Kind = "schema"
	KindRange         Kind = "range"
	KindPattern       Kind = "pattern"
	KindPathTraversal Kind = "path_traversal"
	KindInjection     Kind = "injection_pattern"
)

// Error is a single argument-validation failure. Validation is
// all-or-nothing: the first failure aborts the call.
type Error struct {
	Kind   Kind
	Field  string
	Detail string
}

func (e *Error) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed (%s): %s", e.Kind, e.Detail)
	}
	return fmt.Sprintf("validation failed (%s) on field %q: %s", e.Kind, e.Field, e.Detail)
}

// Pre-compiled SQL-injection patterns for string arguments.
var sqlInjectionPatterns = []struct {
	re     *regexp.Regexp
	detail string
}{
	{regexp.MustCompile(`(?i)'\s*OR\s+[^=]+=\s*`), "quoted OR clause"},
	{regexp.MustCompile(`(?i)\bOR\s+1\s*=\s*1\b`), "tautology"},
	{regexp.MustCompile(`(?i);\s*(DROP|DELETE|TRUNCATE|ALTER|INSERT|UPDATE)\b`), "stacked statement"},
	{regexp.MustCompile(`(?i)\bUNION\s+(ALL\s+)?SELECT\b`), "UNION SELECT"},
	{regexp.MustCompile(`--\s*$`), "trailing comment"},
	{regexp.MustCompile(`/\*`), "block comment"},
	{regexp.MustCompile(`(?i)\bxp_cmdshell\b`), "xp_cmdshell"},
}

// Pre-compiled command-injection patterns for string arguments.
var cmdInjectionPatterns = []struct {
	re     *regexp.Regexp
	detail string
}{
	{regexp.MustCompile(`[;&|]\s*(rm|cat|curl|wget|chmod|chown|sudo|bash|sh|zsh|nc|python|perl)\b`), "chained command"},
	{regexp.MustCompile(`\$\([^)]*\)`), "command substitution"},
	{regexp.MustCompile("`[^`]+`"), "backtick execution"},
}

// pathHintRe marks schema fields whose name or description suggests a
// filesystem path.
var pathHintRe = regexp.MustCompile(`(?i)\b(path|file|filename|dir|directory|folder)\b`)

// Config holds validator policy.
type Config struct {
	// WorkspaceRoot is the directory path-like arguments must stay
	// inside. When empty, absolute paths and ".." segments are rejected
	// outright instead of being resolved.
	WorkspaceRoot string
}

// Validator validates call arguments against per-tool JSON Schemas.
// A Validator is immutable and safe for concurrent use.
type Validator struct {
	cfg Config
}

// New creates a Validator.
func New(cfg Config) *Validator {
	return &Validator{cfg: cfg}
}

// Validate checks args against the tool's declared schema and returns a
// sanitized, type-coerced copy of the argument map. The input map is
// never mutated. On failure it returns a *Error and no arguments.
func (v *Validator) Validate(toolName string, args map[string]any, schema map[string]any) (map[string]any, error) {
	if args == nil {
		args = map[string]any{}
	}

	if schema != nil {
		if err := v.validateSchema(args, schema); err != nil {
			return nil, err
		}
	}

	props, _ := schemaProperties(schema)

	out := make(map[string]any, len(args))
	for field, raw := range args {
		decl := props[field]
		val, err := v.checkValue(field, raw, decl, 1)
		if err != nil {
			return nil, err
		}
		out[field] = val
	}
	return out, nil
}

// validateSchema compiles the declared schema and runs structural
// validation. Range and pattern keyword violations are reported under
// their own kinds so callers can distinguish them from shape errors.
func (v *Validator) validateSchema(args map[string]any, schema map[string]any) error {
	// Round-trip through JSON so the compiler sees plain decoded values.
	schemaBytes, err := json.Marshal(schema)
	if err != nil {
		return &Error{Kind: KindSchema, Detail: fmt.Sprintf("invalid schema: %v", err)}
	}
	var schemaObj any
	if err := json.Unmarshal(schemaBytes, &schemaObj); err != nil {
		return &Error{Kind: KindSchema, Detail: fmt.Sprintf("schema unmarshal error: %v", err)}
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", schemaObj); err != nil {
		return &Error{Kind: KindSchema, Detail: fmt.Sprintf("schema compile error: %v", err)}
	}
	sch, err := c.Compile("schema.json")
	if err != nil {
		return &Error{Kind: KindSchema, Detail: fmt.Sprintf("schema compile error: %v", err)}
	}

	if err := sch.Validate(toPlain(args)); err != nil {
		return classifySchemaError(err)
	}
	return nil
}

// classifySchemaError maps jsonschema keyword failures onto validation
// kinds: bound keywords become "range", pattern becomes "pattern", and
// everything else stays "schema". Classification walks the structured
// error tree rather than matching message text.
func classifySchemaError(err error) *Error {
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return &Error{Kind: KindSchema, Detail: err.Error()}
	}
	return &Error{Kind: classifyKeyword(verr), Detail: verr.Error()}
}

func classifyKeyword(verr *jsonschema.ValidationError) Kind {
	switch verr.ErrorKind.(type) {
	case *kind.Minimum, *kind.Maximum, *kind.ExclusiveMinimum, *kind.ExclusiveMaximum,
		*kind.MinLength, *kind.MaxLength, *kind.MinItems, *kind.MaxItems:
		return KindRange
	case *kind.Pattern:
		return KindPattern
	}
	for _, cause := range verr.Causes {
		if k := classifyKeyword(cause); k != KindSchema {
			return k
		}
	}
	return KindSchema
}

// checkValue applies the per-type sanitization rules. Nested objects are
// scanned one level deep; deeper structure is left to schema validation.
func (v *Validator) checkValue(field string, raw any, decl map[string]any, depth int) (any, error) {
	switch val := raw.(type) {
	case string:
		return v.checkString(field, val, decl)
	case json.Number:
		return v.coerceNumber(field, val, decl)
	case float64:
		return v.coerceFloat(field, val, decl)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			elem, err := v.checkValue(fmt.Sprintf("%s[%d]", field, i), item, elementDecl(decl), depth)
			if err != nil {
				return nil, err
			}
			out[i] = elem
		}
		return out, nil
	case map[string]any:
		if depth <= 0 {
			return val, nil
		}
		nestedProps, _ := schemaProperties(decl)
		out := make(map[string]any, len(val))
		for k, item := range val {
			elem, err := v.checkValue(field+"."+k, item, nestedProps[k], depth-1)
			if err != nil {
				return nil, err
			}
			out[k] = elem
		}
		return out, nil
	default:
		return raw, nil
	}
}

func (v *Validator) checkString(field, val string, decl map[string]any) (string, error) {
	for _, p := range sqlInjectionPatterns {
		if p.re.MatchString(val) {
			return "", &Error{Kind: KindInjection, Field: field, Detail: "SQL pattern: " + p.detail}
		}
	}
	for _, p := range cmdInjectionPatterns {
		if p.re.MatchString(val) {
			return "", &Error{Kind: KindInjection, Field: field, Detail: "command pattern: " + p.detail}
		}
	}

	if looksLikePathField(field, decl) {
		if err := v.checkPath(field, val); err != nil {
			return "", err
		}
	}
	return val, nil
}

// checkPath enforces the workspace boundary on path-like arguments.
func (v *Validator) checkPath(field, val string) error {
	for _, seg := range strings.Split(filepath.ToSlash(val), "/") {
		if seg == ".." {
			return &Error{Kind: KindPathTraversal, Field: field, Detail: "path contains .."}
		}
	}

	if v.cfg.WorkspaceRoot == "" {
		if filepath.IsAbs(val) {
			return &Error{Kind: KindPathTraversal, Field: field, Detail: "absolute path with no workspace boundary configured"}
		}
		return nil
	}

	root := filepath.Clean(v.cfg.WorkspaceRoot)
	resolved := val
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(root, resolved)
	}
	resolved = filepath.Clean(resolved)

	rel, err := filepath.Rel(root, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return &Error{Kind: KindPathTraversal, Field: field, Detail: "path escapes workspace boundary"}
	}
	return nil
}

// coerceNumber converts a json.Number to int64 or float64 per the
// declared type and enforces minimum/maximum.
func (v *Validator) coerceNumber(field string, val json.Number, decl map[string]any) (any, error) {
	if declType(decl) == "integer" {
		i, err := val.Int64()
		if err != nil {
			return nil, &Error{Kind: KindSchema, Field: field, Detail: "not an integer"}
		}
		if err := v.checkBounds(field, float64(i), decl); err != nil {
			return nil, err
		}
		return i, nil
	}
	f, err := val.Float64()
	if err != nil {
		return nil, &Error{Kind: KindSchema, Field: field, Detail: "not a number"}
	}
	if err := v.checkBounds(field, f, decl); err != nil {
		return nil, err
	}
	return f, nil
}

func (v *Validator) coerceFloat(field string, val float64, decl map[string]any) (any, error) {
	if err := v.checkBounds(field, val, decl); err != nil {
		return nil, err
	}
	if declType(decl) == "integer" {
		if val != math.Trunc(val) {
			return nil, &Error{Kind: KindSchema, Field: field, Detail: "not an integer"}
		}
		return int64(val), nil
	}
	return val, nil
}

func (v *Validator) checkBounds(field string, val float64, decl map[string]any) error {
	if min, ok := schemaNumber(decl, "minimum"); ok && val < min {
		return &Error{Kind: KindRange, Field: field, Detail: fmt.Sprintf("%v below minimum %v", val, min)}
	}
	if max, ok := schemaNumber(decl, "maximum"); ok && val > max {
		return &Error{Kind: KindRange, Field: field, Detail: fmt.Sprintf("%v above maximum %v", val, max)}
	}
	return nil
}

// --- schema map helpers ---

func schemaProperties(schema map[string]any) (map[string]map[string]any, bool) {
	if schema == nil {
		return nil, false
	}
	raw, ok := schema["properties"].(map[string]any)
	if !ok {
		return nil, false
	}
	props := make(map[string]map[string]any, len(raw))
	for name, d := range raw {
		if m, ok := d.(map[string]any); ok {
			props[name] = m
		}
	}
	return props, true
}

func elementDecl(decl map[string]any) map[string]any {
	if decl == nil {
		return nil
	}
	items, _ := decl["items"].(map[string]any)
	return items
}

func declType(decl map[string]any) string {
	if decl == nil {
		return ""
	}
	t, _ := decl["type"].(string)
	return t
}

func schemaNumber(decl map[string]any, key string) (float64, bool) {
	if decl == nil {
		return 0, false
	}
	switch n := decl[key].(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func looksLikePathField(field string, decl map[string]any) bool {
	if pathHintRe.MatchString(field) {
		return true
	}
	if decl == nil {
		return false
	}
	desc, _ := decl["description"].(string)
	return pathHintRe.MatchString(desc)
}

// toPlain normalizes json.Number values to float64 so the schema
// validator sees standard decoded JSON.
func toPlain(v any) any {
	switch val := v.(type) {
	case json.Number:
		if f, err := val.Float64(); err == nil {
			return f
		}
		return val.String()
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = toPlain(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = toPlain(item)
		}
		return out
	default:
		return v
	}
}
