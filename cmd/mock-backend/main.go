// Command mock-backend runs a deterministic AI coder backend for
// integration testing the execution pipeline. It speaks both the
// OpenAI-compatible Chat Completions protocol and the Anthropic
// Messages protocol, and scripts its answers by prompt content so the
// auto-fix loop can be exercised end to end:
//
//   - a prompt mentioning "divide by zero" gets code that fails on the
//     first run and a corrected version on the first fix round
//   - a prompt mentioning "no code" gets prose without code blocks
//   - anything else gets a working hello-world python block
//
// Configuration:
//
//	MOCK_PORT - Listen port (default: 9090)
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
)

func main() {
	port := os.Getenv("MOCK_PORT")
	if port == "" {
		port = "9090"
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/chat/completions", handleChatCompletions)
	mux.HandleFunc("POST /v1/messages", handleAnthropicMessages)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n"))
	})

	srv := &http.Server{Addr: ":" + port, Handler: mux}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		slog.Info("mock backend starting", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("mock backend failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("mock backend shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
}

// --- Scripted responses ---

const helloResponse = "Here is a small script:\n\n" +
	"```python\nprint('hello from mock')\n```\n"

const brokenResponse = "This computes a ratio:\n\n" +
	"```python\nprint(1 / 0)\n```\n"

const fixedResponse = "```python\ndenominator = 2\nprint(1 / denominator)\n```\n"

const proseResponse = "Quantum computers use qubits, which can hold a " +
	"superposition of states. No code is needed to explain this."

// respondTo scripts the assistant answer for a conversation. A fix
// request (the pipeline's error report) always gets the corrected
// code; otherwise the last user prompt selects the scenario.
func respondTo(messages []simpleMessage) string {
	last := lastUserContent(messages)
	lower := strings.ToLower(last)

	switch {
	case strings.Contains(last, "code execution failed"):
		return fixedResponse
	case strings.Contains(lower, "divide by zero"):
		return brokenResponse
	case strings.Contains(lower, "no code"):
		return proseResponse
	default:
		return helloResponse
	}
}

// simpleMessage is the common role/content shape both protocols reduce to.
type simpleMessage struct {
	Role    string
	Content string
}

func lastUserContent(messages []simpleMessage) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messages[i].Content
		}
	}
	return ""
}

// --- OpenAI-compatible Chat Completions ---

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
}

type chatChoice struct {
	Index        int     `json:"index"`
	Message      chatMsg `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

type chatMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":{"message":"invalid request","type":"invalid_request_error"}}`, http.StatusBadRequest)
		return
	}

	messages := make([]simpleMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, simpleMessage{Role: m.Role, Content: m.Content})
	}
	text := respondTo(messages)

	model := req.Model
	if model == "" {
		model = "mock-model"
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(chatResponse{
		ID:     "chatcmpl-mock",
		Object: "chat.completion",
		Model:  model,
		Choices: []chatChoice{{
			Index:        0,
			Message:      chatMsg{Role: "assistant", Content: text},
			FinishReason: "stop",
		}},
		Usage: chatUsage{PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30},
	})
}

// --- Anthropic Messages ---

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
	ID         string                `json:"id"`
	Type       string                `json:"type"`
	Role       string                `json:"role"`
	Model      string                `json:"model"`
	Content    []anthropicContent    `json:"content"`
	StopReason string                `json:"stop_reason"`
	Usage      anthropicUsageSummary `json:"usage"`
}

type anthropicContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicUsageSummary struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func handleAnthropicMessages(w http.ResponseWriter, r *http.Request) {
	var req anthropicRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"type":"error","error":{"type":"invalid_request_error","message":"invalid request"}}`, http.StatusBadRequest)
		return
	}

	messages := make([]simpleMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, simpleMessage{Role: m.Role, Content: m.Content})
	}
	text := respondTo(messages)

	model := req.Model
	if model == "" {
		model = "mock-model"
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(anthropicResponse{
		ID:         "msg_mock",
		Type:       "message",
		Role:       "assistant",
		Model:      model,
		Content:    []anthropicContent{{Type: "text", Text: text}},
		StopReason: "end_turn",
		Usage:      anthropicUsageSummary{InputTokens: 10, OutputTokens: 20},
	})
}
