package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/leofalp/agentcanvas/core/retry"
	"github.com/leofalp/agentcanvas/internal/utils"
	"github.com/leofalp/agentcanvas/providers/ai"
	"github.com/leofalp/agentcanvas/providers/observability"
)

const (
	defaultBaseURL          = "https://api.openai.com/v1"
	defaultModel            = "gpt-4o-mini"
	chatCompletionsEndpoint = "/chat/completions"
	providerName            = "openai"
)

// ErrMissingAPIKey is returned when no API key is configured.
var ErrMissingAPIKey = errors.New("openai: API key is not set")

// Provider talks to an OpenAI-compatible chat completions API.
type Provider struct {
	apiKey       string
	baseURL      string
	defaultModel string
	client       *http.Client
}

var _ ai.StreamProvider = (*Provider)(nil)

// New creates a provider configured from OPENAI_API_KEY and
// OPENAI_API_BASE_URL.
func New() *Provider {
	baseURL := os.Getenv("OPENAI_API_BASE_URL")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Provider{
		apiKey:       os.Getenv("OPENAI_API_KEY"),
		baseURL:      baseURL,
		defaultModel: defaultModel,
		client:       &http.Client{},
	}
}

// WithAPIKey sets the API key for the provider.
func (provider *Provider) WithAPIKey(apiKey string) *Provider {
	provider.apiKey = apiKey
	return provider
}

// WithBaseURL overrides the API base URL. Empty keeps the current one.
func (provider *Provider) WithBaseURL(baseURL string) *Provider {
	if baseURL != "" {
		provider.baseURL = baseURL
	}
	return provider
}

// WithDefaultModel sets the model used when a request names none.
func (provider *Provider) WithDefaultModel(model string) *Provider {
	if model != "" {
		provider.defaultModel = model
	}
	return provider
}

// WithHttpClient sets a custom HTTP client.
func (provider *Provider) WithHttpClient(httpClient *http.Client) *Provider {
	provider.client = httpClient
	return provider
}

// SendMessage implements ai.Provider.
func (provider *Provider) SendMessage(ctx context.Context, request ai.ChatRequest) (*ai.ChatResponse, error) {
	if provider.apiKey == "" {
		return nil, ErrMissingAPIKey
	}

	chatRequest := requestToChatCompletion(request, provider.defaultModel)
	provider.annotate(ctx, chatRequest.Model, false)

	_, response, err := utils.DoPostSync[chatCompletionResponse](ctx, provider.client, provider.baseURL+chatCompletionsEndpoint, provider.apiKey, chatRequest)
	if err != nil {
		return nil, classifyError(ctx, err)
	}
	if len(response.Choices) == 0 {
		return nil, fmt.Errorf("openai: no choices in response")
	}
	return responseToGeneric(response), nil
}

func (provider *Provider) annotate(ctx context.Context, model string, streaming bool) {
	if span := observability.SpanFromContext(ctx); span != nil {
		span.SetAttributes(
			observability.String(observability.AttrLLMProvider, providerName),
			observability.String(observability.AttrLLMEndpoint, provider.baseURL),
			observability.String(observability.AttrLLMModel, model),
			observability.Bool("llm.streaming", streaming),
		)
	}
	if observer := observability.ObserverFromContext(ctx); observer != nil {
		observer.Trace(ctx, "OpenAI provider preparing request",
			observability.String(observability.AttrLLMEndpoint, provider.baseURL),
			observability.String(observability.AttrLLMModel, model),
			observability.Bool("llm.streaming", streaming),
		)
	}
}

// classifyError marks failures worth retrying: 408, 429 and 5xx responses
// (honouring Retry-After) and transport errors. Cancellation of ctx is never
// transient.
func classifyError(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return err
	}
	if httpErr, ok := utils.AsHTTPError(err); ok {
		if !httpErr.Temporary() {
			return fmt.Errorf("openai: %w", err)
		}
		return retry.TransientAfter(fmt.Errorf("openai: %w", err), httpErr.RetryAfter)
	}
	return retry.Transient(fmt.Errorf("openai: %w", err))
}
