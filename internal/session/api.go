package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/factotum-agent/factotum/internal/httpkit"
)

// HTTPAPI creates sessions through the catalog's REST endpoint:
// POST {base_url}/sessions with {"user_id": ...} returning the session
// handle, the per-user MCP endpoint URL, and the expiry.
type HTTPAPI struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewHTTPAPI creates the catalog session API client.
func NewHTTPAPI(baseURL, apiKey string, logger *slog.Logger) *HTTPAPI {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPAPI{
		baseURL: baseURL,
		apiKey:  apiKey,
		logger:  logger.With("component", "session_api"),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(0), // per-call deadlines come from ctx
			httpkit.WithRetry(2, 500*time.Millisecond),
			httpkit.WithLogger(logger),
		),
	}
}

type createSessionRequest struct {
	UserID string `json:"user_id"`
}

type createSessionResponse struct {
	Handle    string    `json:"handle"`
	MCPURL    string    `json:"mcp_url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// CreateSession implements the API interface.
func (a *HTTPAPI) CreateSession(ctx context.Context, userID string) (*Session, error) {
	body, err := json.Marshal(createSessionRequest{UserID: userID})
	if err != nil {
		return nil, fmt.Errorf("marshal session request: %w", err)
	}

	url := a.baseURL + "/sessions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create session request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.apiKey)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("session API call: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 1<<20)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		errBody := httpkit.ReadErrorBody(resp.Body, 1<<20)
		return nil, fmt.Errorf("session API returned %d: %s", resp.StatusCode, errBody)
	}

	var out createSessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode session response: %w", err)
	}
	if out.Handle == "" || out.MCPURL == "" {
		return nil, fmt.Errorf("session response missing handle or mcp_url")
	}

	return &Session{
		UserID:    userID,
		Handle:    out.Handle,
		MCPURL:    out.MCPURL,
		CreatedAt: time.Now(),
		ExpiresAt: out.ExpiresAt,
	}, nil
}
