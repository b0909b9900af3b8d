package openaicompat

import (
	"github.com/Ark0N/AI-Code-Executor/pkg/provider"
)

// defaultMaxTokens caps completions when the caller does not set a limit.
const defaultMaxTokens = 4096

// TranslateToChat converts a provider request to the Chat Completions
// format. The system prompt becomes the first message because the Chat
// Completions API has no top-level system field.
func TranslateToChat(req *provider.Request, stream bool) *ChatCompletionRequest {
	messages := make([]ChatMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, ChatMessage{Role: provider.RoleSystem, Content: req.System})
	}
	for _, m := range req.Messages {
		messages = append(messages, ChatMessage{Role: m.Role, Content: m.Content})
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	chatReq := &ChatCompletionRequest{
		Model:       req.Model,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   maxTokens,
		Stream:      stream,
	}
	if stream {
		chatReq.StreamOptions = &ChatStreamOptions{IncludeUsage: true}
	}
	return chatReq
}

// TranslateResponse converts a Chat Completions response to a provider
// response, taking the first choice's message content.
func TranslateResponse(resp *ChatCompletionResponse) *provider.Response {
	out := &provider.Response{Model: resp.Model}
	if len(resp.Choices) > 0 {
		out.Text = resp.Choices[0].Message.Content
	}
	if resp.Usage != nil {
		out.Usage = &provider.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		}
	}
	return out
}
