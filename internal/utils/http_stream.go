package utils

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/leofalp/agentcanvas/providers/observability"
)

// DoPostStream performs an HTTP POST request and returns the raw response with body
// left open for SSE reading. The caller is responsible for closing the response body
// when done reading. Non-2xx responses are drained, closed and returned as *HTTPError.
func DoPostStream(ctx context.Context, client *http.Client, url string, apiKey string, body any, headers ...HeaderOption) (*http.Response, error) {
	span := observability.SpanFromContext(ctx)

	httpClient := client
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("error marshaling body: %w", err)
	}

	if span != nil {
		span.AddEvent("http.stream_request.prepared",
			observability.String(observability.AttrHTTPMethod, http.MethodPost),
			observability.String(observability.AttrHTTPURL, url),
			observability.Int(observability.AttrHTTPRequestBodySize, len(jsonBody)),
		)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	// Custom headers may override Authorization.
	for _, header := range headers {
		req.Header.Set(header.Key, header.Value)
	}

	requestStart := time.Now()
	response, err := httpClient.Do(req)
	requestDuration := time.Since(requestStart)

	if err != nil {
		if span != nil {
			span.AddEvent("http.stream_request.error",
				observability.Error(err),
				observability.Duration("http.request.duration", requestDuration),
			)
		}
		return response, fmt.Errorf("error sending stream request: %w", err)
	}

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		defer CloseWithLog(response.Body)
		return response, NewHTTPError(response)
	}

	if span != nil {
		span.AddEvent("http.stream_response.started",
			observability.Int(observability.AttrHTTPStatusCode, response.StatusCode),
			observability.Duration("http.request.duration", requestDuration),
		)
	}

	return response, nil
}

// maxSSELineSize is the maximum size of a single SSE line (1 MB).
// The default bufio.Scanner limit is 64 KiB, which is too small for long
// completions. Longer lines surface as a wrapped bufio.ErrTooLong.
const maxSSELineSize = 1 * 1024 * 1024

// SSEEvent is one dispatched Server-Sent Event.
type SSEEvent struct {
	// ID is the last "id:" field seen in the event, empty if none.
	ID    string
	Event string
	Data  string
}

// SSEScanner reads Server-Sent Events (SSE) from an io.Reader.
// It handles multi-line data fields, skips comments and empty lines,
// and detects the [DONE] sentinel used by OpenAI-compatible APIs.
type SSEScanner struct {
	scanner *bufio.Scanner
}

// NewSSEScanner creates an SSEScanner that reads SSE events from the given reader.
func NewSSEScanner(reader io.Reader) *SSEScanner {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), maxSSELineSize)
	return &SSEScanner{
		scanner: scanner,
	}
}

// Next returns the data payload of the next event. It returns io.EOF at the
// end of the stream or on the [DONE] sentinel.
func (sseScanner *SSEScanner) Next() (string, error) {
	event, err := sseScanner.NextEvent()
	if err != nil {
		return "", err
	}
	return event.Data, nil
}

// NextEvent returns the next event carrying data. Consecutive "data:" lines
// are joined with newlines. Events without data are skipped.
func (sseScanner *SSEScanner) NextEvent() (SSEEvent, error) {
	var (
		event     SSEEvent
		dataLines []string
	)

	for sseScanner.scanner.Scan() {
		line := sseScanner.scanner.Text()

		if line == "" {
			if len(dataLines) > 0 {
				event.Data = strings.Join(dataLines, "\n")
				return event, nil
			}
			event = SSEEvent{}
			continue
		}

		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "data":
			if strings.TrimSpace(value) == "[DONE]" {
				return SSEEvent{}, io.EOF
			}
			dataLines = append(dataLines, value)
		case "id":
			event.ID = strings.TrimSpace(value)
		case "event":
			event.Event = strings.TrimSpace(value)
		}
	}

	if err := sseScanner.scanner.Err(); err != nil {
		return SSEEvent{}, fmt.Errorf("SSE scanner error: %w", err)
	}

	if len(dataLines) > 0 {
		event.Data = strings.Join(dataLines, "\n")
		return event, nil
	}

	return SSEEvent{}, io.EOF
}
