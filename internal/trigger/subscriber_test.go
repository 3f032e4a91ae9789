package trigger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/factotum-agent/factotum/internal/backoff"
)

// scriptTransport is a scripted Transport double. Each Connect consumes
// one entry from connectErrs (nil past the end); Receive hands out
// frames in order and then blocks until the connection is dropped or
// the script closes it.
type scriptTransport struct {
	mu          sync.Mutex
	connectErrs []error
	connects    int
	frames      chan []byte
	dropped     chan struct{}
	closed      atomic.Bool
}

func newScriptTransport(connectErrs ...error) *scriptTransport {
	return &scriptTransport{
		connectErrs: connectErrs,
		frames:      make(chan []byte, 16),
		dropped:     make(chan struct{}),
	}
}

func (s *scriptTransport) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.connects
	s.connects++
	if i < len(s.connectErrs) {
		return s.connectErrs[i]
	}
	return nil
}

func (s *scriptTransport) Receive(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	dropped := s.dropped
	s.mu.Unlock()
	select {
	case data := <-s.frames:
		return data, nil
	case <-dropped:
		return nil, errors.New("connection dropped")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// dropConn severs the current connection; subsequent Receives block on
// a fresh channel so the reconnected session stays up.
func (s *scriptTransport) dropConn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	close(s.dropped)
	s.dropped = make(chan struct{})
}

func (s *scriptTransport) Close() error {
	s.closed.Store(true)
	return nil
}

func (s *scriptTransport) connectCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connects
}

// countingHandler records every event it is handed and fails the first
// failFor invocations per event id.
type countingHandler struct {
	mu       sync.Mutex
	byID     map[string]int
	failFor  int
	attempts atomic.Int64
	handled  chan Event
}

func newCountingHandler(failFor int) *countingHandler {
	return &countingHandler{
		byID:    make(map[string]int),
		failFor: failFor,
		handled: make(chan Event, 16),
	}
}

func (h *countingHandler) handle(ctx context.Context, evt Event) error {
	h.attempts.Add(1)
	h.mu.Lock()
	h.byID[evt.ID]++
	n := h.byID[evt.ID]
	h.mu.Unlock()
	if n <= h.failFor {
		return fmt.Errorf("transient failure %d", n)
	}
	h.handled <- evt
	return nil
}

func (h *countingHandler) countFor(id string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.byID[id]
}

func quickPolicy() backoff.Policy {
	return backoff.Policy{Initial: time.Millisecond, Max: 5 * time.Millisecond, Factor: 2}
}

func eventFrame(id, userID, sender, body string) []byte {
	return []byte(fmt.Sprintf(
		`{"id":%q,"source":"EMAIL","user_id":%q,"payload":{"sender":%q,"body":%q}}`,
		id, userID, sender, body,
	))
}

func runSubscriber(t *testing.T, s *Subscriber) (cancel func(), done chan struct{}) {
	t.Helper()
	ctx, cancelCtx := context.WithCancel(context.Background())
	done = make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()
	cancel = func() {
		cancelCtx()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("subscriber did not stop after cancel")
		}
	}
	return cancel, done
}

func waitHandled(t *testing.T, h *countingHandler) Event {
	t.Helper()
	select {
	case evt := <-h.handled:
		return evt
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for handler")
		return Event{}
	}
}

func TestSubscriberDispatchesEvent(t *testing.T) {
	transport := newScriptTransport()
	handler := newCountingHandler(0)
	s := NewSubscriber(SubscriberConfig{
		Transport: transport,
		Handler:   handler.handle,
		Backoff:   quickPolicy(),
	})
	cancel, _ := runSubscriber(t, s)
	defer cancel()

	transport.frames <- eventFrame("e1", "u1", "alice@example.com", "do the thing")

	evt := waitHandled(t, handler)
	if evt.ID != "e1" || evt.UserID != "u1" {
		t.Errorf("handled event = %+v", evt)
	}
}

func TestSubscriberDeduplicates(t *testing.T) {
	transport := newScriptTransport()
	handler := newCountingHandler(0)
	s := NewSubscriber(SubscriberConfig{
		Transport: transport,
		Handler:   handler.handle,
		Backoff:   quickPolicy(),
	})
	cancel, _ := runSubscriber(t, s)

	transport.frames <- eventFrame("e1", "u1", "alice@example.com", "once")
	transport.frames <- eventFrame("e1", "u1", "alice@example.com", "once")
	transport.frames <- eventFrame("e2", "u1", "alice@example.com", "twice")

	waitHandled(t, handler)
	waitHandled(t, handler)
	cancel()

	if got := handler.countFor("e1"); got != 1 {
		t.Errorf("e1 handled %d times, want 1", got)
	}
	if got := handler.countFor("e2"); got != 1 {
		t.Errorf("e2 handled %d times, want 1", got)
	}
}

func TestSubscriberDropsMalformedWithoutRetry(t *testing.T) {
	transport := newScriptTransport()
	handler := newCountingHandler(0)
	s := NewSubscriber(SubscriberConfig{
		Transport: transport,
		Handler:   handler.handle,
		Backoff:   quickPolicy(),
	})
	cancel, _ := runSubscriber(t, s)

	// Missing payload body: must be dropped, never dispatched.
	transport.frames <- []byte(`{"id":"bad1","user_id":"u1","payload":{"body":""}}`)
	transport.frames <- []byte(`not json at all`)
	transport.frames <- eventFrame("good", "u1", "alice@example.com", "real work")

	evt := waitHandled(t, handler)
	cancel()

	if evt.ID != "good" {
		t.Errorf("handled %q, want good", evt.ID)
	}
	if n := handler.attempts.Load(); n != 1 {
		t.Errorf("handler invoked %d times, want 1", n)
	}
}

func TestSubscriberSkipsSelfSent(t *testing.T) {
	transport := newScriptTransport()
	handler := newCountingHandler(0)
	s := NewSubscriber(SubscriberConfig{
		Transport:   transport,
		Handler:     handler.handle,
		SelfAddress: "Assistant@Example.com",
		Backoff:     quickPolicy(),
	})
	cancel, _ := runSubscriber(t, s)

	transport.frames <- eventFrame("self", "u1", "assistant@example.com", "echo loop")
	transport.frames <- eventFrame("other", "u1", "alice@example.com", "real")

	evt := waitHandled(t, handler)
	cancel()

	if evt.ID != "other" {
		t.Errorf("handled %q, want other", evt.ID)
	}
	if got := handler.countFor("self"); got != 0 {
		t.Errorf("self-sent event dispatched %d times", got)
	}
}

func TestSubscriberReconnectsAfterConnectFailure(t *testing.T) {
	transport := newScriptTransport(
		errors.New("dial refused"),
		errors.New("dial refused"),
	)
	handler := newCountingHandler(0)
	s := NewSubscriber(SubscriberConfig{
		Transport: transport,
		Handler:   handler.handle,
		Backoff:   quickPolicy(),
	})
	cancel, _ := runSubscriber(t, s)
	defer cancel()

	transport.frames <- eventFrame("e1", "u1", "alice@example.com", "after reconnect")

	waitHandled(t, handler)
	if n := transport.connectCount(); n < 3 {
		t.Errorf("connect attempts = %d, want >= 3", n)
	}
}

func TestSubscriberReconnectsAfterDrop(t *testing.T) {
	transport := newScriptTransport()
	handler := newCountingHandler(0)
	s := NewSubscriber(SubscriberConfig{
		Transport: transport,
		Handler:   handler.handle,
		Backoff:   quickPolicy(),
	})
	cancel, _ := runSubscriber(t, s)
	defer cancel()

	transport.frames <- eventFrame("e1", "u1", "alice@example.com", "before drop")
	waitHandled(t, handler)

	transport.dropConn()
	transport.frames <- eventFrame("e2", "u1", "alice@example.com", "after drop")

	waitHandled(t, handler)
	if n := transport.connectCount(); n < 2 {
		t.Errorf("connect attempts = %d, want >= 2", n)
	}
}

func TestSubscriberRetriesDispatchThenGivesUp(t *testing.T) {
	transport := newScriptTransport()
	handler := newCountingHandler(10) // always fails within the budget
	s := NewSubscriber(SubscriberConfig{
		Transport:       transport,
		Handler:         handler.handle,
		DispatchRetries: 2,
		Backoff:         quickPolicy(),
	})
	cancel, done := runSubscriber(t, s)

	transport.frames <- eventFrame("doomed", "u1", "alice@example.com", "will fail")

	// 1 initial attempt + 2 retries, then the subscriber gives up but
	// keeps running.
	deadline := time.After(2 * time.Second)
	for handler.countFor("doomed") < 3 {
		select {
		case <-deadline:
			t.Fatalf("attempts = %d, want 3", handler.countFor("doomed"))
		case <-time.After(time.Millisecond):
		}
	}
	time.Sleep(20 * time.Millisecond)
	if got := handler.countFor("doomed"); got != 3 {
		t.Errorf("attempts = %d, want exactly 3", got)
	}

	select {
	case <-done:
		t.Fatal("subscriber exited after dispatch exhaustion")
	default:
	}
	cancel()
}

func TestSubscriberRetriesDispatchUntilSuccess(t *testing.T) {
	transport := newScriptTransport()
	handler := newCountingHandler(2)
	s := NewSubscriber(SubscriberConfig{
		Transport:       transport,
		Handler:         handler.handle,
		DispatchRetries: 3,
		Backoff:         quickPolicy(),
	})
	cancel, _ := runSubscriber(t, s)
	defer cancel()

	transport.frames <- eventFrame("flaky", "u1", "alice@example.com", "eventually works")

	waitHandled(t, handler)
	if got := handler.countFor("flaky"); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
}

func TestSubscriberClosesTransportOnStop(t *testing.T) {
	transport := newScriptTransport()
	handler := newCountingHandler(0)
	s := NewSubscriber(SubscriberConfig{
		Transport: transport,
		Handler:   handler.handle,
		Backoff:   quickPolicy(),
	})
	cancel, _ := runSubscriber(t, s)
	cancel()

	if !transport.closed.Load() {
		t.Error("transport not closed on shutdown")
	}
}
