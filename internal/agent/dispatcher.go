package agent

import (
	"bytes"
	"context"
	"errors"
	"log/slog"

	"github.com/yuin/goldmark"

	"github.com/factotum-agent/factotum/internal/registry"
)

// Dispatcher sends the run's reply back to the originating thread. The
// reply goes out through the catalog's reply tool like any other
// execution; the dispatcher has no transport of its own.
type Dispatcher struct {
	replyTool string
	logger    *slog.Logger
	markdown  goldmark.Markdown
}

// NewDispatcher creates a dispatcher that replies via the given catalog
// tool slug.
func NewDispatcher(replyTool string, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		replyTool: replyTool,
		logger:    logger.With("component", "dispatcher"),
		markdown:  goldmark.New(),
	}
}

// Reply sends message to threadID through the session's catalog. The
// message is markdown; it is rendered to HTML for the mail body. The
// returned result reports delivery success or failure.
func (d *Dispatcher) Reply(ctx context.Context, cat Catalog, threadID, message string) (registry.ExecutionResult, error) {
	body, isHTML := d.render(message)

	results, err := cat.ExecuteTools(ctx, []registry.ToolCall{{
		ToolID: d.replyTool,
		Input: map[string]any{
			"thread_id":    threadID,
			"message_body": body,
			"is_html":      isHTML,
		},
	}})
	if err != nil {
		return registry.ExecutionResult{}, err
	}
	if len(results) == 0 {
		return registry.ExecutionResult{}, errors.New("reply execution returned no result")
	}
	return results[0], nil
}

// render converts markdown to HTML, falling back to the raw text when
// conversion fails.
func (d *Dispatcher) render(message string) (string, bool) {
	var buf bytes.Buffer
	if err := d.markdown.Convert([]byte(message), &buf); err != nil {
		d.logger.Warn("markdown conversion failed, sending plain text", "error", err)
		return message, false
	}
	return buf.String(), true
}
