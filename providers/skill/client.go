package skill

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"

	"github.com/leofalp/agentcanvas/core/retry"
	"github.com/leofalp/agentcanvas/internal/jsonschema"
	"github.com/leofalp/agentcanvas/internal/utils"
	"github.com/leofalp/agentcanvas/providers/observability"
)

const (
	// DefaultUserAgent is the default User-Agent header value
	DefaultUserAgent = "agentcanvas-skill/1.0"
	// MaxBodySize is the maximum response body size (10MB)
	MaxBodySize = 10 * 1024 * 1024
	// DialTimeout is the maximum time to wait for a TCP connection
	DialTimeout = 10 * time.Second
	// TLSHandshakeTimeout is the maximum time to wait for TLS handshake
	TLSHandshakeTimeout = 10 * time.Second
	// IdleConnTimeout is the maximum time an idle connection can be reused
	IdleConnTimeout = 90 * time.Second
)

// Response is the decoded result of a skill call.
type Response struct {
	StatusCode  int    `json:"status_code"`
	ContentType string `json:"content_type,omitempty"`

	// Body is decoded JSON for JSON responses, Markdown for HTML responses
	// and the raw text otherwise.
	Body any `json:"body"`
}

// Client performs skill calls. The zero value is not usable; use NewClient.
type Client struct {
	httpClient  *http.Client
	credentials Credentials
	userAgent   string
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the pooled default client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(client *Client) {
		client.httpClient = httpClient
	}
}

// WithCredentials sets the secret source. The default is EnvCredentials.
func WithCredentials(credentials Credentials) ClientOption {
	return func(client *Client) {
		client.credentials = credentials
	}
}

// WithUserAgent overrides DefaultUserAgent.
func WithUserAgent(userAgent string) ClientOption {
	return func(client *Client) {
		client.userAgent = userAgent
	}
}

// NewClient builds a Client. Per-call deadlines come from the context.
func NewClient(opts ...ClientOption) *Client {
	client := &Client{
		httpClient: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   DialTimeout,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout: TLSHandshakeTimeout,
				IdleConnTimeout:     IdleConnTimeout,
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				ForceAttemptHTTP2:   true,
			},
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return fmt.Errorf("too many redirects (>10)")
				}
				return nil
			},
		},
		credentials: EnvCredentials{},
		userAgent:   DefaultUserAgent,
	}
	for _, opt := range opts {
		opt(client)
	}
	return client
}

// Call performs one request against descriptor with input. Input is
// validated against the descriptor's schema first. GET and DELETE send input
// as query parameters, other methods as a JSON body.
//
// Timeouts, connection failures, 408, 429 and 5xx responses are returned
// marked with retry.Transient. Cancellation and other 4xx responses are not.
func (c *Client) Call(ctx context.Context, descriptor Descriptor, input map[string]any) (*Response, error) {
	if err := descriptor.Validate(); err != nil {
		return nil, err
	}
	if err := jsonschema.Validate(descriptor.InputSchema, input); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}

	request, err := c.newRequest(ctx, descriptor, input)
	if err != nil {
		return nil, err
	}

	span := observability.SpanFromContext(ctx)
	if span != nil {
		span.SetAttributes(
			observability.String(observability.AttrSkillID, descriptor.ID),
			observability.String(observability.AttrSkillEndpoint, descriptor.Endpoint),
			observability.String(observability.AttrSkillMethod, request.Method),
			observability.String(observability.AttrSkillAuthType, string(descriptor.Auth())),
		)
	}

	requestStart := time.Now()
	response, err := c.httpClient.Do(request)
	requestDuration := time.Since(requestStart)
	if err != nil {
		if span != nil {
			span.AddEvent("http.request.error",
				observability.Error(err),
				observability.Duration("http.request.duration", requestDuration),
			)
		}
		if errors.Is(err, context.Canceled) {
			return nil, fmt.Errorf("skill %q: request canceled: %w", descriptor.ID, err)
		}
		return nil, retry.Transient(fmt.Errorf("skill %q: %w", descriptor.ID, err))
	}
	defer utils.CloseWithLog(response.Body)

	if observer := observability.ObserverFromContext(ctx); observer != nil {
		observer.Counter(observability.MetricSkillRequests).Add(ctx, 1,
			observability.String(observability.AttrSkillID, descriptor.ID),
			observability.Int(observability.AttrHTTPStatusCode, response.StatusCode),
		)
	}

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		httpErr := utils.NewHTTPError(response)
		wrapped := fmt.Errorf("skill %q: %w", descriptor.ID, httpErr)
		if httpErr.Temporary() {
			return nil, retry.TransientAfter(wrapped, httpErr.RetryAfter)
		}
		return nil, wrapped
	}

	body, err := io.ReadAll(io.LimitReader(response.Body, MaxBodySize+1))
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, fmt.Errorf("skill %q: read body: %w", descriptor.ID, err)
		}
		return nil, retry.Transient(fmt.Errorf("skill %q: read body: %w", descriptor.ID, err))
	}
	if len(body) > MaxBodySize {
		return nil, fmt.Errorf("%w: %q exceeds %d bytes", ErrResponseBodyTooLarge, descriptor.ID, MaxBodySize)
	}

	if span != nil {
		span.AddEvent("http.response.received",
			observability.Int(observability.AttrHTTPStatusCode, response.StatusCode),
			observability.Int(observability.AttrHTTPResponseBodySize, len(body)),
			observability.Duration("http.request.duration", requestDuration),
		)
	}

	contentType := response.Header.Get("Content-Type")
	decoded, err := decodeBody(contentType, body)
	if err != nil {
		return nil, fmt.Errorf("skill %q: %w", descriptor.ID, err)
	}
	return &Response{StatusCode: response.StatusCode, ContentType: contentType, Body: decoded}, nil
}

func (c *Client) newRequest(ctx context.Context, descriptor Descriptor, input map[string]any) (*http.Request, error) {
	method := descriptor.Method()
	endpoint := descriptor.Endpoint

	var body io.Reader
	if method == http.MethodGet || method == http.MethodDelete {
		parsed, err := url.Parse(endpoint)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrInvalidDescriptor, descriptor.ID, err)
		}
		query := parsed.Query()
		for key, value := range input {
			query.Set(key, queryValue(value))
		}
		parsed.RawQuery = query.Encode()
		endpoint = parsed.String()
	} else {
		encoded, err := json.Marshal(input)
		if err != nil {
			return nil, fmt.Errorf("skill %q: marshal input: %w", descriptor.ID, err)
		}
		body = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("skill %q: create request: %w", descriptor.ID, err)
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	request.Header.Set("Accept", "application/json, text/html;q=0.9, */*;q=0.8")
	request.Header.Set("User-Agent", c.userAgent)

	if err := c.authorize(ctx, request, descriptor); err != nil {
		return nil, err
	}
	return request, nil
}

func (c *Client) authorize(ctx context.Context, request *http.Request, descriptor Descriptor) error {
	auth := descriptor.Auth()
	if auth == AuthNone {
		return nil
	}
	if c.credentials == nil {
		return fmt.Errorf("%w: %q: no credential source configured", ErrCredentialNotFound, descriptor.CredentialRef)
	}
	secret, err := c.credentials.Credential(ctx, descriptor.CredentialRef)
	if err != nil {
		return err
	}

	switch auth {
	case AuthBearer:
		request.Header.Set("Authorization", "Bearer "+secret)
	case AuthAPIKey:
		header := descriptor.APIKeyHeader
		if header == "" {
			header = DefaultAPIKeyHeader
		}
		request.Header.Set(header, secret)
	case AuthBasic:
		user, password, _ := strings.Cut(secret, ":")
		request.SetBasicAuth(user, password)
	}
	return nil
}

func queryValue(value any) string {
	switch typed := value.(type) {
	case nil:
		return ""
	case string:
		return typed
	}
	return utils.JSONToString(value)
}

func decodeBody(contentType string, body []byte) (any, error) {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = ""
	}

	switch {
	case mediaType == "application/json" || strings.HasSuffix(mediaType, "+json"):
		if len(bytes.TrimSpace(body)) == 0 {
			return nil, nil
		}
		var decoded any
		if err := json.Unmarshal(body, &decoded); err != nil {
			return nil, fmt.Errorf("decode JSON response: %w", err)
		}
		return decoded, nil
	case mediaType == "text/html" || mediaType == "application/xhtml+xml":
		markdown, err := htmltomarkdown.ConvertString(string(body))
		if err != nil {
			return nil, fmt.Errorf("failed to convert HTML to Markdown: %w", err)
		}
		return markdown, nil
	default:
		return string(body), nil
	}
}
