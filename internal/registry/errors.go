package registry

import (
	"errors"

	"github.com/factotum-agent/factotum/internal/httpkit"
	"github.com/factotum-agent/factotum/internal/mcp"
)

// IsRetryable reports whether a transport or protocol error from a
// catalog call is worth retrying: timeouts, transient connection
// failures, 5xx responses, and JSON-RPC internal errors. Schema and
// permission errors are not retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if httpkit.IsTimeout(err) || httpkit.IsTransient(err) {
		return true
	}

	var statusErr *mcp.HTTPStatusError
	if errors.As(err, &statusErr) {
		return statusErr.Status >= 500
	}

	var rpcErr *mcp.RPCError
	if errors.As(err, &rpcErr) {
		// -32603 is "internal error"; parameter and method errors
		// (-32600..-32602) will fail identically on retry.
		return rpcErr.Code == -32603
	}

	return false
}
