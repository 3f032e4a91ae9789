// Package trigger maintains the persistent subscription to the event
// source, validates and deduplicates incoming trigger events, and fans
// each accepted event out to an independent handler goroutine.
package trigger

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Source identifies the kind of external condition that fired.
type Source string

// Known trigger sources.
const (
	SourceEmail Source = "EMAIL"
)

// Payload carries the message content the agent acts on.
type Payload struct {
	Sender   string `json:"sender"`
	Subject  string `json:"subject"`
	Body     string `json:"body"`
	ThreadID string `json:"thread_id"`
}

// Event is one trigger notification. Immutable once received; identity
// is the ID field, which drives deduplication.
type Event struct {
	ID         string    `json:"id"`
	Source     Source    `json:"source"`
	UserID     string    `json:"user_id"`
	OccurredAt time.Time `json:"occurred_at"`
	Payload    Payload   `json:"payload"`
}

// Instruction renders the event as the instruction text handed to the
// agent loop: subject and sender for context, body as the ask.
func (e Event) Instruction() string {
	var sb strings.Builder
	sb.WriteString("Process this email and execute the instructions it contains.\n\n")
	fmt.Fprintf(&sb, "From: %s\n", e.Payload.Sender)
	if e.Payload.Subject != "" {
		fmt.Fprintf(&sb, "Subject: %s\n", e.Payload.Subject)
	}
	sb.WriteString("\n")
	sb.WriteString(e.Payload.Body)
	return sb.String()
}

// MalformedEventError reports a raw event that failed validation.
// Malformed events are dropped at ingestion and never retried.
type MalformedEventError struct {
	Reason string
	// EventID is set when the id field itself was present.
	EventID string
}

// Error implements the error interface.
func (e *MalformedEventError) Error() string {
	if e.EventID != "" {
		return fmt.Sprintf("malformed event %s: %s", e.EventID, e.Reason)
	}
	return fmt.Sprintf("malformed event: %s", e.Reason)
}

// ParseEvent decodes and validates a raw event frame. Required fields:
// id, user_id, and a non-empty payload body.
func ParseEvent(data []byte) (Event, error) {
	var evt Event
	if err := json.Unmarshal(data, &evt); err != nil {
		return Event{}, &MalformedEventError{Reason: fmt.Sprintf("invalid JSON: %v", err)}
	}
	if err := evt.Validate(); err != nil {
		return Event{}, err
	}
	return evt, nil
}

// Validate checks the required fields.
func (e Event) Validate() error {
	if e.ID == "" {
		return &MalformedEventError{Reason: "missing id"}
	}
	if e.UserID == "" {
		return &MalformedEventError{Reason: "missing user_id", EventID: e.ID}
	}
	if strings.TrimSpace(e.Payload.Body) == "" {
		return &MalformedEventError{Reason: "empty payload body", EventID: e.ID}
	}
	return nil
}
