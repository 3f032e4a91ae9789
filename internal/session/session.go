// Package session manages per-user tool catalog sessions. A session
// scopes tool discovery, authentication, and execution to one user's
// authorized connections. Sessions are cached until expiry and created
// at most once per user at a time.
package session

import (
	"fmt"
	"time"
)

// expiryMargin is subtracted from a session's expiry when checking
// liveness, so a run never starts on a session about to lapse mid-run.
const expiryMargin = 30 * time.Second

// Session is a scoped, time-bounded handle authorizing catalog
// operations for one user. It is owned by the Manager; agent runs
// borrow it for the duration of one run.
type Session struct {
	UserID    string    `json:"user_id"`
	Handle    string    `json:"handle"`
	MCPURL    string    `json:"mcp_url"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Live reports whether the session is still usable at the given time,
// leaving a safety margin before the hard expiry.
func (s *Session) Live(now time.Time) bool {
	if s == nil {
		return false
	}
	return now.Before(s.ExpiresAt.Add(-expiryMargin))
}

// CreationError wraps a failure to create a session for a user. The
// associated event's run fails; the subscriber is unaffected.
type CreationError struct {
	UserID string
	Err    error
}

// Error implements the error interface.
func (e *CreationError) Error() string {
	return fmt.Sprintf("create session for %s: %v", e.UserID, e.Err)
}

// Unwrap returns the underlying error.
func (e *CreationError) Unwrap() error {
	return e.Err
}
