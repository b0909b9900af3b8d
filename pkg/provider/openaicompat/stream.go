package openaicompat

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"

	"github.com/Ark0N/AI-Code-Executor/pkg/provider"
)

// ParseSSEStream reads Chat Completions SSE chunks from the given reader,
// translates each chunk to Event values, and sends them on ch. The channel
// is NOT closed by this function; the caller is responsible for closing it.
//
// SSE format expected:
//
//	data: {"id":"...","choices":[...]}\n
//	\n
//	data: [DONE]\n
//	\n
//
// Malformed chunks are logged and skipped. Context cancellation stops
// reading immediately.
func ParseSSEStream(ctx context.Context, body io.Reader, ch chan<- provider.Event) {
	scanner := bufio.NewScanner(body)

	var usage *provider.Usage
	done := false

	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}

		line := scanner.Text()

		// SSE lines that don't start with "data: " are ignored
		// (e.g., empty lines, comments starting with ":").
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		payload := strings.TrimPrefix(line, "data: ")

		if payload == "[DONE]" {
			break
		}

		var chunk ChatCompletionChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			slog.Warn("skipping malformed SSE chunk",
				"error", err.Error(),
				"data", truncate(payload, 200),
			)
			continue
		}

		// A usage-only chunk (stream_options.include_usage) has no choices.
		if chunk.Usage != nil {
			usage = &provider.Usage{
				InputTokens:  chunk.Usage.PromptTokens,
				OutputTokens: chunk.Usage.CompletionTokens,
				TotalTokens:  chunk.Usage.TotalTokens,
			}
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		choice := chunk.Choices[0]
		if choice.Delta.Content != nil && *choice.Delta.Content != "" {
			ch <- provider.Event{Type: provider.EventTextDelta, Delta: *choice.Delta.Content}
		}
		if choice.FinishReason != nil {
			done = true
		}
	}

	// Scanner error (e.g., connection dropped) before completion.
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return
		}
		ch <- provider.Event{
			Type: provider.EventError,
			Err:  MapNetworkError(err),
		}
		return
	}

	if done || usage != nil {
		ch <- provider.Event{Type: provider.EventDone, Usage: usage}
		return
	}

	// The backend closed the stream without a finish_reason or [DONE].
	ch <- provider.Event{Type: provider.EventDone}
}

// truncate shortens s to at most n bytes for log output.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
