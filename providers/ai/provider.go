package ai

import "context"

// Provider sends a chat request and waits for the complete response.
type Provider interface {
	// SendMessage returns the completed response. Errors that are worth
	// retrying are marked with retry.Transient by the implementation.
	SendMessage(ctx context.Context, request ChatRequest) (*ChatResponse, error)
}

// StreamProvider is an optional interface for providers that stream deltas.
// Callers detect it with a type assertion and fall back to SendMessage.
type StreamProvider interface {
	Provider

	// StreamMessage returns a ChatStream yielding deltas as they arrive.
	// Pre-stream errors (auth, bad request, network) are returned directly;
	// mid-stream errors are yielded through the iterator.
	StreamMessage(ctx context.Context, request ChatRequest) (*ChatStream, error)
}

// Stream opens a stream from provider, wrapping a synchronous response as a
// single-event stream when provider cannot stream.
func Stream(ctx context.Context, provider Provider, request ChatRequest) (*ChatStream, error) {
	if streamer, ok := provider.(StreamProvider); ok {
		return streamer.StreamMessage(ctx, request)
	}
	response, err := provider.SendMessage(ctx, request)
	if err != nil {
		return nil, err
	}
	return NewSingleEventStream(response), nil
}
