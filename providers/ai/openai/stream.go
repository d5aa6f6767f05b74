package openai

import (
	"context"
	"fmt"
	"io"

	"github.com/leofalp/agentcanvas/internal/utils"
	"github.com/leofalp/agentcanvas/providers/ai"
)

// StreamMessage implements ai.StreamProvider. It requests stream=true with
// usage reporting and yields deltas as SSE chunks arrive.
func (provider *Provider) StreamMessage(ctx context.Context, request ai.ChatRequest) (*ai.ChatStream, error) {
	if provider.apiKey == "" {
		return nil, ErrMissingAPIKey
	}

	chatRequest := requestToChatCompletion(request, provider.defaultModel)
	chatRequest.Stream = true
	chatRequest.StreamOptions = &streamOptions{IncludeUsage: true}
	provider.annotate(ctx, chatRequest.Model, true)

	httpResponse, err := utils.DoPostStream(ctx, provider.client, provider.baseURL+chatCompletionsEndpoint, provider.apiKey, chatRequest)
	if err != nil {
		return nil, classifyError(ctx, err)
	}

	sseScanner := utils.NewSSEScanner(httpResponse.Body)

	iteratorFunc := func(yield func(ai.StreamEvent, error) bool) {
		defer utils.CloseWithLog(httpResponse.Body)

		for {
			if ctx.Err() != nil {
				yield(ai.StreamEvent{}, ctx.Err())
				return
			}

			payload, sseErr := sseScanner.Next()
			if sseErr == io.EOF {
				return
			}
			if sseErr != nil {
				yield(ai.StreamEvent{}, classifyError(ctx, fmt.Errorf("SSE read error: %w", sseErr)))
				return
			}

			chunk, parseErr := unmarshalStreamChunk(payload)
			if parseErr != nil {
				yield(ai.StreamEvent{}, fmt.Errorf("openai: failed to parse streaming chunk: %w", parseErr))
				return
			}

			for _, event := range chunkToStreamEvents(chunk) {
				if !yield(event, nil) {
					return
				}
			}
		}
	}

	return ai.NewChatStream(iteratorFunc), nil
}

// chunkToStreamEvents converts one chunk into zero or more events. Usage is
// emitted before choices since the usage chunk carries no choices.
func chunkToStreamEvents(chunk *chatCompletionStreamChunk) []ai.StreamEvent {
	var events []ai.StreamEvent

	if usage := usageToGeneric(chunk.Usage); usage != nil {
		events = append(events, ai.StreamEvent{Type: ai.StreamEventUsage, Usage: usage})
	}

	for _, choice := range chunk.Choices {
		if choice.Delta.Content != nil && *choice.Delta.Content != "" {
			events = append(events, ai.StreamEvent{Type: ai.StreamEventContent, Content: *choice.Delta.Content})
		}
		if choice.FinishReason != nil && *choice.FinishReason != "" {
			events = append(events, ai.StreamEvent{Type: ai.StreamEventDone, FinishReason: *choice.FinishReason})
		}
	}

	return events
}
