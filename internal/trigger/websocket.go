package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsPingInterval is how often the transport pings the server to keep
// intermediaries from idling out the connection.
const wsPingInterval = 30 * time.Second

// WebSocketTransport subscribes to the trigger service over a
// persistent websocket. Each text frame is one raw event.
type WebSocketTransport struct {
	url         string
	apiKey      string
	triggerID   string
	dialTimeout time.Duration
	logger      *slog.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	stopPing chan struct{}
}

// WebSocketConfig configures a WebSocketTransport.
type WebSocketConfig struct {
	// URL is the subscription endpoint (wss://...).
	URL string
	// APIKey authenticates the subscription.
	APIKey string
	// TriggerID scopes the subscription to one configured trigger.
	TriggerID string
	// DialTimeout bounds one connection attempt.
	DialTimeout time.Duration
	Logger      *slog.Logger
}

// NewWebSocketTransport creates the transport without connecting.
func NewWebSocketTransport(cfg WebSocketConfig) *WebSocketTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}
	return &WebSocketTransport{
		url:         cfg.URL,
		apiKey:      cfg.APIKey,
		triggerID:   cfg.TriggerID,
		dialTimeout: dialTimeout,
		logger:      logger.With("transport", "websocket"),
	}
}

// Connect dials the subscription endpoint and starts the keepalive
// pinger. Any previous connection is closed first.
func (t *WebSocketTransport) Connect(ctx context.Context) error {
	t.closeConn()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+t.apiKey)
	if t.triggerID != "" {
		header.Set("X-Trigger-Id", t.triggerID)
	}

	dialCtx, cancel := context.WithTimeout(ctx, t.dialTimeout)
	defer cancel()

	conn, resp, err := websocket.DefaultDialer.DialContext(dialCtx, t.url, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: %w (status %d)", t.url, err, resp.StatusCode)
		}
		return fmt.Errorf("dial %s: %w", t.url, err)
	}

	t.mu.Lock()
	t.conn = conn
	t.stopPing = make(chan struct{})
	stop := t.stopPing
	t.mu.Unlock()

	go t.pingLoop(conn, stop)

	t.logger.Info("trigger subscription connected", "url", t.url)
	return nil
}

// Receive blocks for the next event frame. A read error means the
// connection dropped; the subscriber reconnects via Connect.
func (t *WebSocketTransport) Receive(ctx context.Context) ([]byte, error) {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return nil, fmt.Errorf("not connected")
	}

	// Unblock the read when ctx ends by forcing the connection closed.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	_, data, err := conn.ReadMessage()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("read frame: %w", err)
	}
	return data, nil
}

// Close tears down the connection.
func (t *WebSocketTransport) Close() error {
	t.closeConn()
	return nil
}

func (t *WebSocketTransport) closeConn() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopPing != nil {
		close(t.stopPing)
		t.stopPing = nil
	}
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
}

// pingLoop sends periodic pings until stop closes or a write fails.
func (t *WebSocketTransport) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			deadline := time.Now().Add(10 * time.Second)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				t.logger.Debug("keepalive ping failed", "error", err)
				return
			}
		}
	}
}
