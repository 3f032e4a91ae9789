// Package registry provides a typed façade over the tool catalog's MCP
// surface: tool search by intent, connection authentication, and batch
// tool execution. Each operation is a single round-trip scoped to one
// user's session.
package registry

import "encoding/json"

// AuthState describes the authorization state of a connection.
type AuthState string

// Connection authorization states, as reported by the catalog.
const (
	AuthNone       AuthState = "NONE"
	AuthPending    AuthState = "PENDING"
	AuthAuthorized AuthState = "AUTHORIZED"
)

// ToolDescriptor describes one callable tool returned by search.
// Read-only to callers.
type ToolDescriptor struct {
	ToolID string `json:"tool_id"`
	App    string `json:"app"`
	// RequiredConnection is the connection the tool executes through;
	// empty for tools that need no per-user authorization.
	RequiredConnection string         `json:"required_connection,omitempty"`
	Description        string         `json:"description,omitempty"`
	InputSchema        map[string]any `json:"input_schema,omitempty"`
}

// Connection is the authorization relationship between a user's
// session and one external app.
type Connection struct {
	ConnectionID string    `json:"connection_id"`
	App          string    `json:"app"`
	AuthState    AuthState `json:"auth_state"`
	// RedirectURL is set while AuthState is PENDING: the user must
	// visit it to complete authorization.
	RedirectURL string `json:"redirect_url,omitempty"`
}

// ToolCall pairs a tool with its input for execution.
type ToolCall struct {
	ToolID string         `json:"tool_id"`
	Input  map[string]any `json:"input"`
}

// ExecutionResult is the per-tool outcome of an execute batch.
type ExecutionResult struct {
	ToolID  string          `json:"tool_id"`
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	// ErrorKind classifies a failure: "timeout", "transient",
	// "invalid_input", "permission_denied", or "failed".
	ErrorKind string `json:"error_kind,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Retryable reports whether a failed result is worth retrying in-run.
func (r ExecutionResult) Retryable() bool {
	switch r.ErrorKind {
	case "timeout", "transient":
		return true
	default:
		return false
	}
}
