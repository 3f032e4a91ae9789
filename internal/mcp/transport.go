package mcp

import "context"

// Transport is the interface for MCP server communication.
// Implementations handle framing, encoding, and request/response
// correlation for a specific carrier.
type Transport interface {
	// Send sends a JSON-RPC request and returns the response.
	Send(ctx context.Context, req *Request) (*Response, error)

	// Notify sends a JSON-RPC notification (no response expected).
	Notify(ctx context.Context, notif *Notification) error

	// Close shuts down the transport and releases resources.
	Close() error
}
