package planner

import "context"

// Turn records one completed loop iteration for the planner's benefit:
// what was attempted and what came back. The agent loop appends one
// per step and hands the full history to NextAction.
type Turn struct {
	Step        int    `json:"step"`
	Action      string `json:"action"`
	Input       string `json:"input,omitempty"`
	Observation string `json:"observation,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Planner chooses the next action given the instruction and the turn
// history so far. Implementations must be safe for concurrent use;
// multiple runs share one planner.
type Planner interface {
	NextAction(ctx context.Context, instruction string, turns []Turn) (Action, error)
}
