package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/factotum-agent/factotum/internal/config"
	"github.com/factotum-agent/factotum/internal/mcp"
	"github.com/factotum-agent/factotum/internal/session"
)

// Client builds per-session catalog clients. It holds the credentials
// and timeout configuration shared by all sessions.
type Client struct {
	apiKey         string
	searchTimeout  time.Duration
	executeTimeout time.Duration
	logger         *slog.Logger

	// dial is replaced in tests to inject a fake transport.
	dial func(url string) mcp.Transport
}

// New creates a catalog client factory from config.
func New(cfg config.CatalogConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		apiKey:         cfg.APIKey,
		searchTimeout:  cfg.SearchTimeout(),
		executeTimeout: cfg.ExecuteTimeout(),
		logger:         logger.With("component", "registry"),
	}
	c.dial = func(url string) mcp.Transport {
		return mcp.NewHTTPTransport(mcp.HTTPConfig{
			URL:     url,
			Headers: map[string]string{"Authorization": "Bearer " + c.apiKey},
			Logger:  c.logger,
		})
	}
	return c
}

// ForSession returns a catalog client scoped to the given session's
// MCP endpoint. The caller owns the returned client for the duration
// of one run and should Close it afterwards.
func (c *Client) ForSession(sess *session.Session) *SessionClient {
	transport := c.dial(sess.MCPURL)
	return &SessionClient{
		mcp:            mcp.NewClient(transport, c.logger),
		userID:         sess.UserID,
		searchTimeout:  c.searchTimeout,
		executeTimeout: c.executeTimeout,
		logger:         c.logger.With("user_id", sess.UserID),
	}
}

// SessionClient executes catalog operations for one user session.
type SessionClient struct {
	mcp            *mcp.Client
	userID         string
	searchTimeout  time.Duration
	executeTimeout time.Duration
	logger         *slog.Logger
}

// Close releases the underlying transport.
func (s *SessionClient) Close() error {
	return s.mcp.Close()
}

type searchParams struct {
	Query string `json:"query"`
}

type searchResult struct {
	Tools []ToolDescriptor `json:"tools"`
}

// SearchTools performs a best-effort relevance search over the catalog.
// An empty result is not an error.
func (s *SessionClient) SearchTools(ctx context.Context, intent string) ([]ToolDescriptor, error) {
	ctx, cancel := context.WithTimeout(ctx, s.searchTimeout)
	defer cancel()

	raw, err := s.mcp.Call(ctx, "tools/search", searchParams{Query: intent})
	if err != nil {
		return nil, fmt.Errorf("tools/search: %w", err)
	}

	var result searchResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("unmarshal tools/search result: %w", err)
	}

	s.logger.Debug("tool search completed",
		"intent", intent,
		"matches", len(result.Tools),
	)
	return result.Tools, nil
}

type connectionParams struct {
	App string `json:"app"`
}

// RequestConnection initiates (or re-reads) authorization for an app.
// Idempotent: an already-authorized app comes back AUTHORIZED without
// re-prompting the user. Auth state is never cached locally so that
// authorization completed mid-run is visible on the next call.
func (s *SessionClient) RequestConnection(ctx context.Context, app string) (Connection, error) {
	ctx, cancel := context.WithTimeout(ctx, s.searchTimeout)
	defer cancel()

	raw, err := s.mcp.Call(ctx, "connections/request", connectionParams{App: app})
	if err != nil {
		return Connection{}, fmt.Errorf("connections/request %s: %w", app, err)
	}

	var conn Connection
	if err := json.Unmarshal(raw, &conn); err != nil {
		return Connection{}, fmt.Errorf("unmarshal connection: %w", err)
	}

	s.logger.Info("connection requested",
		"app", app,
		"auth_state", conn.AuthState,
	)
	return conn, nil
}

type executeParams struct {
	Calls []ToolCall `json:"calls"`
}

type executeResult struct {
	Results []ExecutionResult `json:"results"`
}

// ExecuteTools executes a batch of tool calls. Partial failure is the
// contract: a failed element never suppresses the results of the
// others, and no rollback occurs. The returned slice is index-aligned
// with calls.
func (s *SessionClient) ExecuteTools(ctx context.Context, calls []ToolCall) ([]ExecutionResult, error) {
	if len(calls) == 0 {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.executeTimeout)
	defer cancel()

	raw, err := s.mcp.Call(ctx, "tools/execute", executeParams{Calls: calls})
	if err != nil {
		return nil, fmt.Errorf("tools/execute: %w", err)
	}

	var result executeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("unmarshal tools/execute result: %w", err)
	}

	if len(result.Results) != len(calls) {
		return nil, fmt.Errorf("tools/execute returned %d results for %d calls", len(result.Results), len(calls))
	}

	var failed int
	for _, r := range result.Results {
		if !r.Success {
			failed++
		}
	}
	s.logger.Debug("tool batch executed",
		"calls", len(calls),
		"failed", failed,
	)
	return result.Results, nil
}
