package registry

// ToolDescriptor is one tool advertised by an endpoint, sanitized on
// ingest. Descriptors are immutable: a refresh replaces the endpoint's
// whole list, never individual fields.
type ToolDescriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
	Category    string         `json:"category,omitempty"`
	Icon        string         `json:"icon,omitempty"`
	Endpoint    string         `json:"endpoint"`
}
