package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/factotum-agent/factotum/internal/backoff"
	"github.com/factotum-agent/factotum/internal/events"
)

// API creates sessions against the catalog service. Implemented by
// HTTPAPI; tests substitute a fake.
type API interface {
	CreateSession(ctx context.Context, userID string) (*Session, error)
}

// Manager caches one live session per user and serializes creation so
// concurrent events for the same user never race on session state.
type Manager struct {
	api     API
	retries int
	timeout time.Duration
	policy  backoff.Policy
	logger  *slog.Logger
	bus     *events.Bus

	mu    sync.Mutex
	cache map[string]*Session
	group singleflight.Group

	// now is stubbed in tests for expiry checks.
	now func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithRetries bounds creation attempts per GetOrCreate call.
func WithRetries(n int) Option {
	return func(m *Manager) { m.retries = n }
}

// WithTimeout bounds a single creation attempt.
func WithTimeout(d time.Duration) Option {
	return func(m *Manager) { m.timeout = d }
}

// WithBus attaches an observability event bus.
func WithBus(b *events.Bus) Option {
	return func(m *Manager) { m.bus = b }
}

// NewManager creates a session manager backed by the given API.
func NewManager(api API, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		api:     api,
		retries: 2,
		timeout: 15 * time.Second,
		policy:  backoff.Default(),
		logger:  logger.With("component", "session"),
		cache:   make(map[string]*Session),
		now:     time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// GetOrCreate returns the cached live session for userID, or creates
// one. Creation is single-flight per user: concurrent callers with no
// cached session share one underlying creation call and receive the
// same session or the same error.
func (m *Manager) GetOrCreate(ctx context.Context, userID string) (*Session, error) {
	if sess := m.lookup(userID); sess != nil {
		return sess, nil
	}

	v, err, _ := m.group.Do(userID, func() (any, error) {
		// Recheck under the flight: another caller may have populated
		// the cache between our lookup and joining the group.
		if sess := m.lookup(userID); sess != nil {
			return sess, nil
		}
		sess, err := m.create(ctx, userID)
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		m.cache[userID] = sess
		m.mu.Unlock()
		return sess, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

// Invalidate removes the cached session for userID, if any. The next
// GetOrCreate will create a fresh one.
func (m *Manager) Invalidate(userID string) {
	m.mu.Lock()
	_, had := m.cache[userID]
	delete(m.cache, userID)
	m.mu.Unlock()

	if had {
		m.bus.Publish(events.Event{
			Source: events.SourceSession,
			Kind:   events.KindSessionExpired,
			Data:   map[string]any{"user_id": userID},
		})
	}
}

// Active returns the number of cached live sessions.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.cache {
		if s.Live(m.now()) {
			n++
		}
	}
	return n
}

// lookup returns the cached session if it is still live. Expired
// entries are evicted lazily here.
func (m *Manager) lookup(userID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.cache[userID]
	if !ok {
		return nil
	}
	if !sess.Live(m.now()) {
		delete(m.cache, userID)
		m.logger.Debug("session expired, evicting", "user_id", userID)
		return nil
	}
	return sess
}

// create calls the catalog API with bounded retries and a per-attempt
// timeout. Every failure path returns a *CreationError.
func (m *Manager) create(ctx context.Context, userID string) (*Session, error) {
	var lastErr error
	for attempt := 1; attempt <= m.retries+1; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, m.timeout)
		sess, err := m.api.CreateSession(attemptCtx, userID)
		cancel()

		if err == nil {
			m.logger.Info("session created",
				"user_id", userID,
				"expires_at", sess.ExpiresAt,
			)
			m.bus.Publish(events.Event{
				Source: events.SourceSession,
				Kind:   events.KindSessionCreated,
				Data: map[string]any{
					"user_id":    userID,
					"expires_at": sess.ExpiresAt,
				},
			})
			return sess, nil
		}

		lastErr = err
		m.logger.Warn("session creation failed",
			"user_id", userID,
			"attempt", attempt,
			"error", err,
		)

		if ctx.Err() != nil {
			break
		}
		if attempt <= m.retries {
			if err := m.policy.Sleep(ctx, attempt); err != nil {
				break
			}
		}
	}

	return nil, &CreationError{UserID: userID, Err: lastErr}
}
