package openai

import (
	"encoding/json"

	"github.com/leofalp/agentcanvas/providers/ai"
)

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatCompletionRequest struct {
	Model         string         `json:"model"`
	Messages      []chatMessage  `json:"messages"`
	Temperature   *float64       `json:"temperature,omitempty"`
	MaxTokens     int            `json:"max_tokens,omitempty"`
	Stream        bool           `json:"stream,omitempty"`
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatCompletionResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   *chatUsage   `json:"usage,omitempty"`
}

// chatCompletionStreamChunk is one SSE chunk of a streaming response.
type chatCompletionStreamChunk struct {
	ID      string         `json:"id"`
	Model   string         `json:"model"`
	Choices []streamChoice `json:"choices"`

	// Usage is present only in the final chunk when include_usage is set.
	Usage *chatUsage `json:"usage,omitempty"`
}

type streamChoice struct {
	Index        int         `json:"index"`
	Delta        streamDelta `json:"delta"`
	FinishReason *string     `json:"finish_reason"`
}

type streamDelta struct {
	Role    string  `json:"role,omitempty"`
	Content *string `json:"content,omitempty"`
}

func requestToChatCompletion(request ai.ChatRequest, defaultModel string) chatCompletionRequest {
	model := request.Model
	if model == "" {
		model = defaultModel
	}

	messages := make([]chatMessage, 0, len(request.Messages)+1)
	if request.SystemPrompt != "" {
		messages = append(messages, chatMessage{Role: string(ai.RoleSystem), Content: request.SystemPrompt})
	}
	for _, message := range request.Messages {
		messages = append(messages, chatMessage{Role: string(message.Role), Content: message.Content})
	}

	converted := chatCompletionRequest{Model: model, Messages: messages}
	if config := request.GenerationConfig; config != nil {
		converted.Temperature = config.Temperature
		converted.MaxTokens = config.MaxTokens
	}
	return converted
}

func usageToGeneric(usage *chatUsage) *ai.Usage {
	if usage == nil {
		return nil
	}
	return &ai.Usage{
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		TotalTokens:      usage.TotalTokens,
	}
}

func responseToGeneric(response *chatCompletionResponse) *ai.ChatResponse {
	generic := &ai.ChatResponse{
		ID:    response.ID,
		Model: response.Model,
		Usage: usageToGeneric(response.Usage),
	}
	if len(response.Choices) > 0 {
		generic.Content = response.Choices[0].Message.Content
		generic.FinishReason = response.Choices[0].FinishReason
	}
	return generic
}

func unmarshalStreamChunk(data string) (*chatCompletionStreamChunk, error) {
	var chunk chatCompletionStreamChunk
	if err := json.Unmarshal([]byte(data), &chunk); err != nil {
		return nil, err
	}
	return &chunk, nil
}
