// Package agent runs the plan-act-observe loop for one trigger event:
// it asks the planner for the next action, performs it against the
// user's catalog session, records the observation, and repeats until
// the run replies, stops, fails, or hits the step limit.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/factotum-agent/factotum/internal/backoff"
	"github.com/factotum-agent/factotum/internal/events"
	"github.com/factotum-agent/factotum/internal/history"
	"github.com/factotum-agent/factotum/internal/planner"
	"github.com/factotum-agent/factotum/internal/registry"
	"github.com/factotum-agent/factotum/internal/session"
)

// Catalog is the session-scoped tool catalog surface the loop drives.
// *registry.SessionClient implements it.
type Catalog interface {
	SearchTools(ctx context.Context, intent string) ([]registry.ToolDescriptor, error)
	RequestConnection(ctx context.Context, app string) (registry.Connection, error)
	ExecuteTools(ctx context.Context, calls []registry.ToolCall) ([]registry.ExecutionResult, error)
	Close() error
}

// History is the conversation store the loop reads before planning and
// appends to after a completed run. *history.Store implements it.
type History interface {
	Load(ctx context.Context, userID, threadID string, limit int) ([]history.Message, error)
	Append(ctx context.Context, userID, threadID string, msgs ...history.Message) error
}

// Status is the terminal state of a run.
type Status string

// Run terminal states.
const (
	StatusDone      Status = "done"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Outcome is the result of one run.
type Outcome struct {
	RunID  string
	Status Status
	// Reply is the message sent on RESPOND, empty if the run never
	// responded.
	Reply string
	// ResponseFailed marks a run whose work may have succeeded but
	// whose reply could not be delivered.
	ResponseFailed bool
	// FailureReason is set when Status is StatusFailed.
	FailureReason string
	Steps         int
	Turns         []planner.Turn
}

// StepLimitError reports a run terminated by the step ceiling.
type StepLimitError struct {
	Limit int
}

// Error implements the error interface.
func (e *StepLimitError) Error() string {
	return fmt.Sprintf("step limit of %d exceeded", e.Limit)
}

// LoopConfig configures a Loop.
type LoopConfig struct {
	Planner planner.Planner
	// Open binds the catalog to a run's session.
	Open       func(sess *session.Session) Catalog
	Dispatcher *Dispatcher
	// History is optional; nil disables conversation context.
	History History
	// StepLimit is the hard turn ceiling per run (default 16).
	StepLimit int
	// ExecRetries bounds retries of retryable execution failures
	// (default 3).
	ExecRetries int
	// HistoryLimit caps loaded prior messages (default 40).
	HistoryLimit int
	// Backoff paces execution retries. Zero value means backoff.Quick().
	Backoff backoff.Policy
	Logger  *slog.Logger
	Bus     *events.Bus
}

// Loop executes runs. Safe for concurrent use; each Run carries its own
// state.
type Loop struct {
	planner      planner.Planner
	open         func(sess *session.Session) Catalog
	dispatcher   *Dispatcher
	history      History
	stepLimit    int
	execRetries  int
	historyLimit int
	policy       backoff.Policy
	logger       *slog.Logger
	bus          *events.Bus
}

// NewLoop creates a loop ready to Run.
func NewLoop(cfg LoopConfig) *Loop {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	stepLimit := cfg.StepLimit
	if stepLimit <= 0 {
		stepLimit = 16
	}
	retries := cfg.ExecRetries
	if retries <= 0 {
		retries = 3
	}
	historyLimit := cfg.HistoryLimit
	if historyLimit <= 0 {
		historyLimit = 40
	}
	policy := cfg.Backoff
	if policy.Initial == 0 {
		policy = backoff.Quick()
	}
	return &Loop{
		planner:      cfg.Planner,
		open:         cfg.Open,
		dispatcher:   cfg.Dispatcher,
		history:      cfg.History,
		stepLimit:    stepLimit,
		execRetries:  retries,
		historyLimit: historyLimit,
		policy:       policy,
		logger:       logger.With("component", "agent"),
		bus:          cfg.Bus,
	}
}

// run carries the mutable state of one execution.
type run struct {
	id         string
	sess       *session.Session
	cat        Catalog
	threadID   string
	turns      []planner.Turn
	knownTools map[string]registry.ToolDescriptor
	authorized map[string]bool
	log        *slog.Logger
}

// Run executes one instruction against the user's session and returns
// the terminal outcome. Failures are contained in the outcome; a run
// never takes down its caller.
func (l *Loop) Run(ctx context.Context, sess *session.Session, instruction, threadID string) Outcome {
	r := &run{
		id:         uuid.NewString(),
		sess:       sess,
		cat:        l.open(sess),
		threadID:   threadID,
		knownTools: make(map[string]registry.ToolDescriptor),
		authorized: make(map[string]bool),
	}
	defer r.cat.Close()
	r.log = l.logger.With("run_id", r.id, "user_id", sess.UserID)

	r.log.Info("run started", "thread_id", threadID)
	l.bus.Publish(events.Event{
		Source: events.SourceAgent,
		Kind:   events.KindRunStart,
		Data:   map[string]any{"run_id": r.id, "user_id": sess.UserID, "thread_id": threadID},
	})

	outcome := l.execute(ctx, r, l.withContext(ctx, r, instruction))
	outcome.RunID = r.id
	outcome.Steps = len(r.turns)
	outcome.Turns = r.turns

	if outcome.Status == StatusDone && l.history != nil && threadID != "" {
		l.record(ctx, r, instruction, outcome.Reply)
	}

	r.log.Info("run finished",
		"status", string(outcome.Status),
		"steps", outcome.Steps,
		"response_failed", outcome.ResponseFailed,
	)
	l.bus.Publish(events.Event{
		Source: events.SourceAgent,
		Kind:   events.KindRunComplete,
		Data: map[string]any{
			"run_id":          r.id,
			"status":          string(outcome.Status),
			"steps":           outcome.Steps,
			"response_failed": outcome.ResponseFailed,
		},
	})
	return outcome
}

// execute drives the state machine to a terminal outcome.
func (l *Loop) execute(ctx context.Context, r *run, instruction string) Outcome {
	for step := 1; ; step++ {
		if ctx.Err() != nil {
			return Outcome{Status: StatusCancelled, FailureReason: "run cancelled"}
		}
		if step > l.stepLimit {
			err := &StepLimitError{Limit: l.stepLimit}
			return l.fail(ctx, r, err.Error())
		}

		action, err := l.plan(ctx, instruction, r.turns)
		if err != nil {
			if ctx.Err() != nil {
				return Outcome{Status: StatusCancelled, FailureReason: "run cancelled"}
			}
			return l.fail(ctx, r, fmt.Sprintf("planning failed: %v", err))
		}

		r.log.Debug("planned action", "step", step, "action", action.Kind.String())
		l.bus.Publish(events.Event{
			Source: events.SourceAgent,
			Kind:   events.KindPlanStep,
			Data:   map[string]any{"run_id": r.id, "step": step, "action": action.Kind.String()},
		})

		switch action.Kind {
		case planner.KindSearch:
			l.doSearch(ctx, r, step, action)

		case planner.KindAuth:
			pending, _ := l.doAuth(ctx, r, step, action.App)
			if pending != nil {
				return l.respondPending(ctx, r, pending)
			}

		case planner.KindExecute:
			// A tool backed by an unauthorized connection forces an
			// authentication round before any execution is attempted.
			if app := r.unauthorizedApp(action.Calls); app != "" {
				pending, ok := l.doAuth(ctx, r, step, app)
				if pending != nil {
					return l.respondPending(ctx, r, pending)
				}
				if !ok {
					continue
				}
			}
			l.doExecute(ctx, r, step, action.Calls)

		case planner.KindRespond:
			return l.respond(ctx, r, step, action.Message)

		case planner.KindStop:
			r.append(planner.Turn{Step: step, Action: action.Kind.String(), Observation: action.Reason})
			return Outcome{Status: StatusDone}
		}
	}
}

// plan asks the planner for the next action, retrying once when the
// output cannot be resolved into any action.
func (l *Loop) plan(ctx context.Context, instruction string, turns []planner.Turn) (planner.Action, error) {
	action, err := l.planner.NextAction(ctx, instruction, turns)
	if err == nil {
		return action, nil
	}
	var malformed *planner.ErrMalformedPlan
	if !errors.As(err, &malformed) {
		return planner.Action{}, err
	}
	l.logger.Warn("malformed plan output, retrying planning step", "error", err)
	return l.planner.NextAction(ctx, instruction, turns)
}

func (l *Loop) doSearch(ctx context.Context, r *run, step int, action planner.Action) {
	turn := planner.Turn{Step: step, Action: action.Kind.String(), Input: action.Intent}

	tools, err := r.cat.SearchTools(ctx, action.Intent)
	if err != nil {
		turn.Error = err.Error()
		r.append(turn)
		return
	}
	for _, t := range tools {
		r.knownTools[t.ToolID] = t
	}
	if len(tools) == 0 {
		turn.Observation = "no tools matched"
	} else {
		turn.Observation = observe(tools)
	}
	r.append(turn)
}

// doAuth requests authorization for app. It returns the connection when
// authorization is pending on user action, and ok when the connection
// is authorized and execution may proceed.
func (l *Loop) doAuth(ctx context.Context, r *run, step int, app string) (pending *registry.Connection, ok bool) {
	turn := planner.Turn{Step: step, Action: planner.KindAuth.String(), Input: app}

	conn, err := r.cat.RequestConnection(ctx, app)
	if err != nil {
		turn.Error = err.Error()
		r.append(turn)
		return nil, false
	}

	turn.Observation = fmt.Sprintf("connection %s state %s", conn.ConnectionID, conn.AuthState)
	r.append(turn)

	switch conn.AuthState {
	case registry.AuthAuthorized:
		r.authorized[conn.ConnectionID] = true
		return nil, true
	case registry.AuthPending:
		return &conn, false
	default:
		return nil, false
	}
}

func (l *Loop) doExecute(ctx context.Context, r *run, step int, calls []registry.ToolCall) {
	l.bus.Publish(events.Event{
		Source: events.SourceAgent,
		Kind:   events.KindToolCall,
		Data:   map[string]any{"run_id": r.id, "step": step, "calls": len(calls)},
	})

	results := l.executeWithRetry(ctx, r, calls)

	failed := 0
	for _, res := range results {
		if !res.Success {
			failed++
		}
	}
	r.log.Info("tools executed", "step", step, "calls", len(calls), "failed", failed)
	l.bus.Publish(events.Event{
		Source: events.SourceAgent,
		Kind:   events.KindToolDone,
		Data:   map[string]any{"run_id": r.id, "step": step, "calls": len(calls), "failed": failed},
	})

	r.append(planner.Turn{
		Step:        step,
		Action:      planner.KindExecute.String(),
		Input:       observe(calls),
		Observation: observe(results),
	})
}

// executeWithRetry runs the batch, retrying transport failures and the
// retryable-failed subset of results up to the retry budget. Results
// stay index-aligned with calls; non-retryable failures are surfaced
// immediately.
func (l *Loop) executeWithRetry(ctx context.Context, r *run, calls []registry.ToolCall) []registry.ExecutionResult {
	results, err := r.cat.ExecuteTools(ctx, calls)

	for attempt := 1; ; attempt++ {
		if err != nil {
			if !registry.IsRetryable(err) || attempt > l.execRetries {
				return failedResults(calls, err)
			}
			r.log.Warn("execution failed, retrying", "attempt", attempt, "error", err)
			if sleepErr := l.policy.Sleep(ctx, attempt); sleepErr != nil {
				return failedResults(calls, err)
			}
			results, err = r.cat.ExecuteTools(ctx, calls)
			continue
		}

		var retryIdx []int
		for i, res := range results {
			if !res.Success && res.Retryable() {
				retryIdx = append(retryIdx, i)
			}
		}
		if len(retryIdx) == 0 || attempt > l.execRetries {
			return results
		}

		r.log.Warn("retrying failed tool calls", "attempt", attempt, "calls", len(retryIdx))
		if sleepErr := l.policy.Sleep(ctx, attempt); sleepErr != nil {
			return results
		}

		sub := make([]registry.ToolCall, len(retryIdx))
		for i, idx := range retryIdx {
			sub[i] = calls[idx]
		}
		subResults, subErr := r.cat.ExecuteTools(ctx, sub)
		if subErr != nil || len(subResults) != len(retryIdx) {
			return results
		}
		for i, idx := range retryIdx {
			results[idx] = subResults[i]
		}
	}
}

// respond sends the reply and terminates the run. A delivery failure
// still reaches DONE; the work may already have succeeded.
func (l *Loop) respond(ctx context.Context, r *run, step int, message string) Outcome {
	turn := planner.Turn{Step: step, Action: planner.KindRespond.String(), Input: message}
	outcome := Outcome{Status: StatusDone, Reply: message}

	res, err := l.dispatcher.Reply(ctx, r.cat, r.threadID, message)
	switch {
	case err != nil:
		turn.Error = err.Error()
		outcome.ResponseFailed = true
		r.log.Warn("reply delivery failed", "error", err)
	case !res.Success:
		turn.Error = res.Error
		outcome.ResponseFailed = true
		r.log.Warn("reply delivery failed", "error", res.Error)
	default:
		turn.Observation = "reply sent"
	}
	r.append(turn)
	return outcome
}

// respondPending replies that authorization needs user action, then
// ends the run without executing against the unauthorized connection.
func (l *Loop) respondPending(ctx context.Context, r *run, conn *registry.Connection) Outcome {
	msg := fmt.Sprintf("I need your authorization to access %s before I can continue.", conn.App)
	if conn.RedirectURL != "" {
		msg = fmt.Sprintf("%s Please visit %s to authorize, then resend your request.", msg, conn.RedirectURL)
	}
	r.log.Info("authorization pending, replying with link", "app", conn.App)
	return l.respond(ctx, r, len(r.turns)+1, msg)
}

// fail terminates the run as FAILED, attempting one best-effort reply
// describing the failure in plain language.
func (l *Loop) fail(ctx context.Context, r *run, reason string) Outcome {
	r.log.Error("run failed", "reason", reason)
	outcome := Outcome{Status: StatusFailed, FailureReason: reason}

	if r.threadID != "" && ctx.Err() == nil {
		msg := fmt.Sprintf("I wasn't able to complete your request: %s.", reason)
		if _, err := l.dispatcher.Reply(ctx, r.cat, r.threadID, msg); err != nil {
			r.log.Warn("failure reply not delivered", "error", err)
		}
	}
	return outcome
}

// withContext prefixes the instruction with stored conversation context
// for the thread, when available.
func (l *Loop) withContext(ctx context.Context, r *run, instruction string) string {
	if l.history == nil || r.threadID == "" {
		return instruction
	}
	msgs, err := l.history.Load(ctx, r.sess.UserID, r.threadID, l.historyLimit)
	if err != nil {
		r.log.Warn("history load failed", "error", err)
		return instruction
	}
	if len(msgs) == 0 {
		return instruction
	}

	var sb strings.Builder
	sb.WriteString("Previous conversation on this thread:\n")
	for _, m := range msgs {
		fmt.Fprintf(&sb, "%s: %s\n", m.Role, m.Content)
	}
	sb.WriteString("\nCurrent request:\n")
	sb.WriteString(instruction)
	return sb.String()
}

// record appends the instruction and reply to the thread's history.
func (l *Loop) record(ctx context.Context, r *run, instruction, reply string) {
	msgs := []history.Message{{Role: "user", Content: instruction}}
	if reply != "" {
		msgs = append(msgs, history.Message{Role: "assistant", Content: reply})
	}
	if err := l.history.Append(ctx, r.sess.UserID, r.threadID, msgs...); err != nil {
		r.log.Warn("history append failed", "error", err)
	}
}

func (r *run) append(t planner.Turn) {
	r.turns = append(r.turns, t)
}

// unauthorizedApp returns the app of the first call whose tool is known
// to require a connection that has not been authorized this run.
func (r *run) unauthorizedApp(calls []registry.ToolCall) string {
	for _, c := range calls {
		desc, known := r.knownTools[c.ToolID]
		if !known || desc.RequiredConnection == "" {
			continue
		}
		if !r.authorized[desc.RequiredConnection] {
			return desc.App
		}
	}
	return ""
}

// failedResults synthesizes index-aligned failures from a transport
// error.
func failedResults(calls []registry.ToolCall, err error) []registry.ExecutionResult {
	kind := "failed"
	if registry.IsRetryable(err) {
		kind = "transient"
	}
	results := make([]registry.ExecutionResult, len(calls))
	for i, c := range calls {
		results[i] = registry.ExecutionResult{
			ToolID:    c.ToolID,
			Success:   false,
			ErrorKind: kind,
			Error:     err.Error(),
		}
	}
	return results
}

const observationLimit = 4096

// observe renders a value as a compact JSON observation, truncated to
// keep planner prompts bounded.
func observe(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	s := string(data)
	if len(s) > observationLimit {
		s = s[:observationLimit] + "…(truncated)"
	}
	return s
}
