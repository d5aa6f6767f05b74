package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/leofalp/agentcanvas/core/retry"
	"github.com/leofalp/agentcanvas/providers/ai"
)

// writeSSE writes an SSE data line and flushes.
func writeSSE(writer http.ResponseWriter, data string) {
	fmt.Fprintf(writer, "data: %s\n\n", data)
	if flusher, ok := writer.(http.Flusher); ok {
		flusher.Flush()
	}
}

func newTestProvider(serverURL string) *Provider {
	return New().WithBaseURL(serverURL).WithAPIKey("test-key").WithDefaultModel("test-model")
}

func TestStreamMessage_ContentStreaming(t *testing.T) {
	var received chatCompletionRequest
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if request.URL.Path != chatCompletionsEndpoint {
			t.Errorf("unexpected path %s", request.URL.Path)
		}
		if err := json.NewDecoder(request.Body).Decode(&received); err != nil {
			t.Errorf("decode request: %v", err)
		}
		writer.Header().Set("Content-Type", "text/event-stream")
		writeSSE(writer, `{"id":"c1","choices":[{"index":0,"delta":{"role":"assistant","content":"Hello"},"finish_reason":null}]}`)
		writeSSE(writer, `{"id":"c1","choices":[{"index":0,"delta":{"content":" world"},"finish_reason":null}]}`)
		writeSSE(writer, `{"id":"c1","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`)
		writeSSE(writer, `{"id":"c1","choices":[],"usage":{"prompt_tokens":10,"completion_tokens":2,"total_tokens":12}}`)
		writeSSE(writer, "[DONE]")
	}))
	defer server.Close()

	temperature := 0.2
	stream, err := newTestProvider(server.URL).StreamMessage(context.Background(), ai.ChatRequest{
		SystemPrompt:     "be brief",
		Messages:         []ai.Message{{Role: ai.RoleUser, Content: "Hi"}},
		GenerationConfig: &ai.GenerationConfig{Temperature: &temperature, MaxTokens: 64},
	})
	if err != nil {
		t.Fatalf("StreamMessage returned error: %v", err)
	}

	response, err := stream.Collect()
	if err != nil {
		t.Fatalf("Collect returned error: %v", err)
	}
	if response.Content != "Hello world" || response.FinishReason != "stop" {
		t.Errorf("unexpected response: %+v", response)
	}
	if response.Usage == nil || response.Usage.TotalTokens != 12 {
		t.Errorf("expected usage total 12, got %+v", response.Usage)
	}

	if !received.Stream || received.StreamOptions == nil || !received.StreamOptions.IncludeUsage {
		t.Error("expected stream=true with include_usage")
	}
	if received.Model != "test-model" || received.MaxTokens != 64 || *received.Temperature != 0.2 {
		t.Errorf("generation config not forwarded: %+v", received)
	}
	if len(received.Messages) != 2 || received.Messages[0].Role != "system" {
		t.Errorf("system prompt should be the first message: %+v", received.Messages)
	}
}

func TestStreamMessage_StatusClassification(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		retryAfter    string
		wantTransient bool
		wantDelay     time.Duration
	}{
		{"rate limited", http.StatusTooManyRequests, "2", true, 2 * time.Second},
		{"server error", http.StatusBadGateway, "", true, 0},
		{"bad request", http.StatusBadRequest, "", false, 0},
		{"unauthorized", http.StatusUnauthorized, "", false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, _ *http.Request) {
				if tt.retryAfter != "" {
					writer.Header().Set("Retry-After", tt.retryAfter)
				}
				http.Error(writer, `{"error":"nope"}`, tt.status)
			}))
			defer server.Close()

			_, err := newTestProvider(server.URL).StreamMessage(context.Background(), ai.ChatRequest{})
			if err == nil {
				t.Fatal("expected an error")
			}
			if got := retry.IsTransient(err); got != tt.wantTransient {
				t.Errorf("IsTransient = %v, want %v (%v)", got, tt.wantTransient, err)
			}
			delay, _ := retry.RetryAfter(err)
			if delay != tt.wantDelay {
				t.Errorf("RetryAfter = %v, want %v", delay, tt.wantDelay)
			}
		})
	}
}

func TestStreamMessage_ConnectionRefusedIsTransient(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	_, err := newTestProvider(url).StreamMessage(context.Background(), ai.ChatRequest{})
	if !retry.IsTransient(err) {
		t.Errorf("expected transient connection error, got %v", err)
	}
}

func TestStreamMessage_CancelledContextIsNotTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newTestProvider(server.URL).StreamMessage(ctx, ai.ChatRequest{})
	if err == nil || retry.IsTransient(err) {
		t.Errorf("expected permanent cancellation error, got %v", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestStreamMessage_MalformedChunk(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, _ *http.Request) {
		writeSSE(writer, `{"choices":[{"delta":{"content":"ok"}}]}`)
		writeSSE(writer, `{not json`)
	}))
	defer server.Close()

	stream, err := newTestProvider(server.URL).StreamMessage(context.Background(), ai.ChatRequest{})
	if err != nil {
		t.Fatalf("StreamMessage returned error: %v", err)
	}
	response, err := stream.Collect()
	if err == nil {
		t.Fatal("expected parse error")
	}
	if response.Content != "ok" {
		t.Errorf("expected content before the failure, got %q", response.Content)
	}
}

func TestSendMessage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if request.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("missing bearer token")
		}
		writer.Header().Set("Content-Type", "application/json")
		_, _ = writer.Write([]byte(`{"id":"r1","model":"m","choices":[{"index":0,"message":{"role":"assistant","content":"done"},"finish_reason":"stop"}],"usage":{"prompt_tokens":1,"completion_tokens":1,"total_tokens":2}}`))
	}))
	defer server.Close()

	response, err := newTestProvider(server.URL).SendMessage(context.Background(), ai.ChatRequest{
		Messages: []ai.Message{{Role: ai.RoleUser, Content: "go"}},
	})
	if err != nil {
		t.Fatalf("SendMessage returned error: %v", err)
	}
	if response.Content != "done" || response.Usage.TotalTokens != 2 || response.ID != "r1" {
		t.Errorf("unexpected response: %+v", response)
	}
}

func TestMissingAPIKey(t *testing.T) {
	provider := New().WithAPIKey("")
	if _, err := provider.SendMessage(context.Background(), ai.ChatRequest{}); !errors.Is(err, ErrMissingAPIKey) {
		t.Errorf("SendMessage: expected ErrMissingAPIKey, got %v", err)
	}
	if _, err := provider.StreamMessage(context.Background(), ai.ChatRequest{}); !errors.Is(err, ErrMissingAPIKey) {
		t.Errorf("StreamMessage: expected ErrMissingAPIKey, got %v", err)
	}
}
