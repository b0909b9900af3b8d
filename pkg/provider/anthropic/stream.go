package anthropic

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"

	"github.com/Ark0N/AI-Code-Executor/pkg/api"
	"github.com/Ark0N/AI-Code-Executor/pkg/provider"
)

// ParseSSEStream reads Messages API SSE events from the given reader,
// translates them to Event values, and sends them on ch. The channel is
// NOT closed by this function; the caller is responsible for closing it.
//
// The Messages API frames every payload with an "event:" line followed by
// a "data:" line. The data payload's own type field carries the same
// discriminator, so the parser keys off data lines alone.
func ParseSSEStream(ctx context.Context, body io.Reader, ch chan<- provider.Event) {
	scanner := bufio.NewScanner(body)

	usage := &provider.Usage{}
	done := false

	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}

		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")

		var event StreamEvent
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			slog.Warn("skipping malformed SSE event",
				"error", err.Error(),
				"data", truncate(payload, 200),
			)
			continue
		}

		switch event.Type {
		case "message_start":
			if event.Message != nil && event.Message.Usage != nil {
				usage.InputTokens = event.Message.Usage.InputTokens
			}

		case "content_block_delta":
			if event.Delta != nil && event.Delta.Text != "" {
				ch <- provider.Event{Type: provider.EventTextDelta, Delta: event.Delta.Text}
			}

		case "message_delta":
			if event.Usage != nil {
				usage.OutputTokens = event.Usage.OutputTokens
			}

		case "message_stop":
			done = true

		case "error":
			message := "backend stream error"
			if event.Error != nil && event.Error.Message != "" {
				message = event.Error.Message
			}
			ch <- provider.Event{Type: provider.EventError, Err: api.NewProviderError(message)}
			return
		}

		if done {
			break
		}
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return
		}
		ch <- provider.Event{
			Type: provider.EventError,
			Err:  api.NewProviderError("SSE stream read error: " + err.Error()),
		}
		return
	}

	usage.TotalTokens = usage.InputTokens + usage.OutputTokens
	if usage.TotalTokens == 0 {
		ch <- provider.Event{Type: provider.EventDone}
		return
	}
	ch <- provider.Event{Type: provider.EventDone, Usage: usage}
}

// truncate shortens s to at most n bytes for log output.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
