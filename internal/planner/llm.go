package planner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/factotum-agent/factotum/internal/config"
	"github.com/factotum-agent/factotum/internal/httpkit"
)

const (
	anthropicAPIURL     = "https://api.anthropic.com/v1/messages"
	anthropicAPIVersion = "2023-06-01"
)

// systemPrompt instructs the model to act as the action selector. The
// output contract matches ParseAction's wire format.
const systemPrompt = `You are the planning engine of an email-triggered assistant. Each turn you choose exactly ONE next action and emit it as a single JSON object with no surrounding text.

Available actions:
- {"action":"search","intent":"<what capability is needed>"} — discover tools.
- {"action":"auth","app":"<app name>"} — request authorization for an app before using its tools.
- {"action":"execute","calls":[{"tool_id":"<id>","input":{...}}]} — invoke one or more discovered tools.
- {"action":"respond","message":"<markdown reply to the sender>"} — send the final reply and finish.
- {"action":"stop","reason":"<why no reply is needed>"} — finish without replying.

Rules:
- Search before executing tools you have not discovered this run.
- Never execute a tool whose connection is unauthorized; use auth first.
- If authorization is pending and needs user action, respond with the authorization link and finish.
- After completing the task, respond once with a concise summary. Include any links as plain markdown.
- Emit exactly one JSON object per turn.`

// LLMPlanner implements Planner against the Anthropic Messages API.
type LLMPlanner struct {
	apiKey      string
	model       string
	maxTokens   int
	stepTimeout time.Duration
	httpClient  *http.Client
	logger      *slog.Logger
}

// NewLLMPlanner creates a planner from config.
func NewLLMPlanner(cfg config.PlannerConfig, logger *slog.Logger) *LLMPlanner {
	if logger == nil {
		logger = slog.Default()
	}
	// Planning calls can take a while before headers arrive. Use a
	// transport with a generous response header timeout and rely on
	// ctx deadlines for the overall bound.
	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = 120 * time.Second

	return &LLMPlanner{
		apiKey:      cfg.APIKey,
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		stepTimeout: cfg.StepTimeout(),
		logger:      logger.With("component", "planner"),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithTransport(t),
		),
	}
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
	MaxTokens int                `json:"max_tokens"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// NextAction implements Planner. The turn history is serialized into
// the user message; the model's JSON output is parsed into an Action.
func (p *LLMPlanner) NextAction(ctx context.Context, instruction string, turns []Turn) (Action, error) {
	ctx, cancel := context.WithTimeout(ctx, p.stepTimeout)
	defer cancel()

	text, err := p.complete(ctx, p.buildPrompt(instruction, turns))
	if err != nil {
		return Action{}, fmt.Errorf("planning step: %w", err)
	}

	action, err := ParseAction([]byte(extractJSON(text)))
	if err != nil {
		return Action{}, err
	}

	p.logger.Debug("planner chose action",
		"action", action.Kind.String(),
		"turns", len(turns),
	)
	return action, nil
}

// buildPrompt renders the instruction and turn history as the user
// message.
func (p *LLMPlanner) buildPrompt(instruction string, turns []Turn) string {
	var sb strings.Builder
	sb.WriteString("Instruction:\n")
	sb.WriteString(instruction)

	if len(turns) > 0 {
		sb.WriteString("\n\nTurns so far:\n")
		for _, t := range turns {
			line, _ := json.Marshal(t)
			sb.Write(line)
			sb.WriteString("\n")
		}
	}

	sb.WriteString("\nChoose the next action.")
	return sb.String()
}

// complete performs one non-streaming Messages API call.
func (p *LLMPlanner) complete(ctx context.Context, prompt string) (string, error) {
	reqBody := anthropicRequest{
		Model:     p.model,
		System:    systemPrompt,
		MaxTokens: p.maxTokens,
		Messages:  []anthropicMessage{{Role: "user", Content: prompt}},
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, anthropicAPIURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", p.apiKey)
	req.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("API call: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 1<<20)

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 1<<20)
		return "", fmt.Errorf("API returned %d: %s", resp.StatusCode, errBody)
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	var out anthropicResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", fmt.Errorf("unmarshal response: %w", err)
	}

	var sb strings.Builder
	for _, block := range out.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return sb.String(), nil
}

// extractJSON pulls the outermost JSON object out of model output that
// may wrap it in prose or a code fence.
func extractJSON(s string) string {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end <= start {
		return s
	}
	return s[start : end+1]
}
