// Package events provides a publish/subscribe event bus for operational
// observability. Events flow from components (trigger subscriber, agent
// loop, session manager) to subscribers (log tailers, future metrics
// collectors). The bus is nil-safe: calling Publish on a nil *Bus is a
// no-op, so components do not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceTrigger identifies events from the trigger subscriber.
	SourceTrigger = "trigger"
	// SourceAgent identifies events from the agent loop.
	SourceAgent = "agent"
	// SourceSession identifies events from the session manager.
	SourceSession = "session"
)

// Kind constants describe the type of event within a source.
const (
	// KindEventReceived signals a validated trigger event was accepted.
	// Data: event_id, user_id, source.
	KindEventReceived = "event_received"
	// KindEventRejected signals a malformed trigger event was dropped.
	// Data: reason, event_id (when present).
	KindEventRejected = "event_rejected"
	// KindEventDeduped signals a duplicate trigger event was skipped.
	// Data: event_id.
	KindEventDeduped = "event_deduped"
	// KindReconnect signals a subscription reconnect attempt.
	// Data: attempt, delay_ms, error.
	KindReconnect = "reconnect"
	// KindDispatchFailed signals dispatch retries were exhausted for an
	// event. Data: event_id, attempts, error.
	KindDispatchFailed = "dispatch_failed"

	// KindRunStart signals the beginning of an agent run.
	// Data: run_id, event_id, user_id.
	KindRunStart = "run_start"
	// KindRunComplete signals the end of an agent run.
	// Data: run_id, outcome, steps, elapsed_ms.
	KindRunComplete = "run_complete"
	// KindPlanStep signals a planner decision.
	// Data: run_id, step, action.
	KindPlanStep = "plan_step"
	// KindToolCall signals the start of a tool execution batch.
	// Data: run_id, tools.
	KindToolCall = "tool_call"
	// KindToolDone signals completion of a tool execution batch.
	// Data: run_id, ok, failed, duration_ms.
	KindToolDone = "tool_done"

	// KindSessionCreated signals a new catalog session was created.
	// Data: user_id, expires_at.
	KindSessionCreated = "session_created"
	// KindSessionExpired signals a cached session was invalidated.
	// Data: user_id.
	KindSessionExpired = "session_expired"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs, so that
	// Unsubscribe can accept <-chan Event (the caller's view).
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op). A zero
// Timestamp is filled in with the current time.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full — drop the event rather than block.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
