// Package planner decides the next agent action. The reasoning engine
// is a black box: given the instruction and the turn history it returns
// exactly one action from a closed set, so the agent loop's transition
// logic stays exhaustive instead of string-matched.
package planner

import (
	"encoding/json"
	"fmt"

	"github.com/factotum-agent/factotum/internal/registry"
)

// Kind enumerates the closed set of actions a planner may choose.
type Kind int

const (
	// KindSearch searches the catalog for tools matching an intent.
	KindSearch Kind = iota
	// KindAuth requests authorization for an app's connection.
	KindAuth
	// KindExecute invokes one or more tools.
	KindExecute
	// KindRespond sends the reply message and ends the run.
	KindRespond
	// KindStop ends the run without a reply.
	KindStop
)

// String returns the wire name of the kind.
func (k Kind) String() string {
	switch k {
	case KindSearch:
		return "search"
	case KindAuth:
		return "auth"
	case KindExecute:
		return "execute"
	case KindRespond:
		return "respond"
	case KindStop:
		return "stop"
	default:
		return "unknown"
	}
}

// Action is one planner decision. Exactly the field matching Kind is
// meaningful; the rest are zero.
type Action struct {
	Kind Kind

	// Intent is set for KindSearch.
	Intent string
	// App is set for KindAuth.
	App string
	// Calls is set for KindExecute.
	Calls []registry.ToolCall
	// Message is set for KindRespond.
	Message string
	// Reason is set for KindStop.
	Reason string
}

// wireAction is the JSON shape the reasoning engine emits.
type wireAction struct {
	Action  string              `json:"action"`
	Intent  string              `json:"intent,omitempty"`
	App     string              `json:"app,omitempty"`
	Calls   []registry.ToolCall `json:"calls,omitempty"`
	Message string              `json:"message,omitempty"`
	Reason  string              `json:"reason,omitempty"`
}

// ErrMalformedPlan is returned when the engine's output cannot be
// resolved into any action. The loop retries the planning step once
// before failing the run.
type ErrMalformedPlan struct {
	Output string
	Err    error
}

// Error implements the error interface.
func (e *ErrMalformedPlan) Error() string {
	return fmt.Sprintf("malformed plan output: %v", e.Err)
}

// Unwrap returns the underlying error.
func (e *ErrMalformedPlan) Unwrap() error { return e.Err }

// ParseAction decodes the engine's JSON output into an Action,
// validating that the chosen action carries its required arguments.
func ParseAction(data []byte) (Action, error) {
	var w wireAction
	if err := json.Unmarshal(data, &w); err != nil {
		return Action{}, &ErrMalformedPlan{Output: string(data), Err: err}
	}

	malformed := func(format string, args ...any) (Action, error) {
		return Action{}, &ErrMalformedPlan{Output: string(data), Err: fmt.Errorf(format, args...)}
	}

	switch w.Action {
	case "search":
		if w.Intent == "" {
			return malformed("search action missing intent")
		}
		return Action{Kind: KindSearch, Intent: w.Intent}, nil
	case "auth":
		if w.App == "" {
			return malformed("auth action missing app")
		}
		return Action{Kind: KindAuth, App: w.App}, nil
	case "execute":
		if len(w.Calls) == 0 {
			return malformed("execute action missing calls")
		}
		for i, c := range w.Calls {
			if c.ToolID == "" {
				return malformed("execute call %d missing tool_id", i)
			}
		}
		return Action{Kind: KindExecute, Calls: w.Calls}, nil
	case "respond":
		if w.Message == "" {
			return malformed("respond action missing message")
		}
		return Action{Kind: KindRespond, Message: w.Message}, nil
	case "stop":
		return Action{Kind: KindStop, Reason: w.Reason}, nil
	default:
		return malformed("unknown action %q", w.Action)
	}
}
