package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/factotum-agent/factotum/internal/backoff"
	"github.com/factotum-agent/factotum/internal/events"
)

// Handler processes one accepted trigger event. A non-nil error causes
// a bounded requeue with backoff before the event is declared failed.
type Handler func(ctx context.Context, evt Event) error

// ConnectionError reports one failed subscription connect attempt.
// Connect failures are retried forever with backoff; this error only
// surfaces in logs and observability events.
type ConnectionError struct {
	Attempt int
	Err     error
}

// Error implements the error interface.
func (e *ConnectionError) Error() string {
	return fmt.Sprintf("subscription connect attempt %d: %v", e.Attempt, e.Err)
}

// Unwrap returns the underlying error.
func (e *ConnectionError) Unwrap() error { return e.Err }

// Subscriber owns the persistent trigger subscription. It validates
// and deduplicates incoming events, then dispatches each accepted
// event to the handler on its own goroutine so runs for different
// users proceed in parallel. Per-event failures never terminate the
// subscription; only context cancellation stops it.
type Subscriber struct {
	transport Transport
	handler   Handler
	dedup     *dedupCache
	policy    backoff.Policy

	// selfAddress drops events the assistant sent to itself.
	selfAddress string
	// dispatchRetries bounds handler requeue attempts per event.
	dispatchRetries int

	logger *slog.Logger
	bus    *events.Bus
	wg     sync.WaitGroup
}

// SubscriberConfig configures a Subscriber.
type SubscriberConfig struct {
	Transport Transport
	Handler   Handler
	// DedupCacheSize bounds the recent-id cache (default 4096).
	DedupCacheSize int
	// DispatchRetries bounds handler requeues per event (default 3).
	DispatchRetries int
	// SelfAddress, when set, drops events whose sender matches it.
	SelfAddress string
	// Backoff governs reconnect and dispatch-retry delays. Zero value
	// means backoff.Default().
	Backoff backoff.Policy
	Logger  *slog.Logger
	Bus     *events.Bus
}

// NewSubscriber creates a subscriber ready to Run.
func NewSubscriber(cfg SubscriberConfig) *Subscriber {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	size := cfg.DedupCacheSize
	if size <= 0 {
		size = 4096
	}
	retries := cfg.DispatchRetries
	if retries <= 0 {
		retries = 3
	}
	policy := cfg.Backoff
	if policy.Initial == 0 {
		policy = backoff.Default()
	}
	return &Subscriber{
		transport:       cfg.Transport,
		handler:         cfg.Handler,
		dedup:           newDedupCache(size),
		policy:          policy,
		selfAddress:     strings.ToLower(cfg.SelfAddress),
		dispatchRetries: retries,
		logger:          logger.With("component", "trigger"),
		bus:             cfg.Bus,
	}
}

// Run subscribes and processes events until ctx is cancelled. On
// connection loss it reconnects with exponential backoff, forever:
// transient network failure never terminates the process. Returns
// after all in-flight handlers have drained.
func (s *Subscriber) Run(ctx context.Context) error {
	defer s.transport.Close()
	defer s.wg.Wait()

	attempt := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if err := s.transport.Connect(ctx); err != nil {
			attempt++
			connErr := &ConnectionError{Attempt: attempt, Err: err}
			delay := s.policy.Delay(attempt)
			s.logger.Warn("subscription connect failed, retrying",
				"delay", delay,
				"error", connErr,
			)
			s.bus.Publish(events.Event{
				Source: events.SourceTrigger,
				Kind:   events.KindReconnect,
				Data: map[string]any{
					"attempt":  attempt,
					"delay_ms": delay.Milliseconds(),
					"error":    connErr.Error(),
				},
			})
			if err := s.policy.Sleep(ctx, attempt); err != nil {
				return err
			}
			continue
		}
		attempt = 0

		if err := s.receiveLoop(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Warn("subscription dropped, reconnecting", "error", err)
		}
	}
}

// receiveLoop consumes frames until the connection drops or ctx ends.
func (s *Subscriber) receiveLoop(ctx context.Context) error {
	for {
		data, err := s.transport.Receive(ctx)
		if err != nil {
			return err
		}
		s.ingest(ctx, data)
	}
}

// ingest validates, deduplicates, and dispatches one raw frame.
func (s *Subscriber) ingest(ctx context.Context, data []byte) {
	evt, err := ParseEvent(data)
	if err != nil {
		var malformed *MalformedEventError
		reason := err.Error()
		var eventID string
		if errors.As(err, &malformed) {
			reason = malformed.Reason
			eventID = malformed.EventID
		}
		s.logger.Warn("rejected malformed event",
			"reason", reason,
			"event_id", eventID,
		)
		s.bus.Publish(events.Event{
			Source: events.SourceTrigger,
			Kind:   events.KindEventRejected,
			Data:   map[string]any{"reason": reason, "event_id": eventID},
		})
		return
	}

	if s.selfAddress != "" && strings.ToLower(evt.Payload.Sender) == s.selfAddress {
		s.logger.Debug("skipping self-sent event", "event_id", evt.ID)
		return
	}

	if s.dedup.Seen(evt.ID) {
		s.logger.Debug("skipping duplicate event", "event_id", evt.ID)
		s.bus.Publish(events.Event{
			Source: events.SourceTrigger,
			Kind:   events.KindEventDeduped,
			Data:   map[string]any{"event_id": evt.ID},
		})
		return
	}

	s.logger.Info("trigger event accepted",
		"event_id", evt.ID,
		"user_id", evt.UserID,
		"source", string(evt.Source),
	)
	s.bus.Publish(events.Event{
		Source: events.SourceTrigger,
		Kind:   events.KindEventReceived,
		Data: map[string]any{
			"event_id": evt.ID,
			"user_id":  evt.UserID,
			"source":   string(evt.Source),
		},
	})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.dispatch(ctx, evt)
	}()
}

// dispatch runs the handler with bounded requeue. Exhausting retries
// surfaces a processing-failed condition tied to the event id; the
// event is not re-subscribed and the subscriber keeps running.
func (s *Subscriber) dispatch(ctx context.Context, evt Event) {
	var lastErr error
	for attempt := 1; attempt <= s.dispatchRetries+1; attempt++ {
		lastErr = s.handler(ctx, evt)
		if lastErr == nil {
			return
		}
		if ctx.Err() != nil {
			break
		}
		s.logger.Warn("event dispatch failed",
			"event_id", evt.ID,
			"attempt", attempt,
			"error", lastErr,
		)
		if attempt <= s.dispatchRetries {
			if err := s.policy.Sleep(ctx, attempt); err != nil {
				break
			}
		}
	}

	s.logger.Error("event processing failed, giving up",
		"event_id", evt.ID,
		"attempts", s.dispatchRetries+1,
		"error", lastErr,
	)
	s.bus.Publish(events.Event{
		Source: events.SourceTrigger,
		Kind:   events.KindDispatchFailed,
		Data: map[string]any{
			"event_id": evt.ID,
			"attempts": s.dispatchRetries + 1,
			"error":    lastErr.Error(),
		},
	})
}
