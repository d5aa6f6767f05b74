package utils

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestSSEScanner_MultipleEvents_ReturnsInOrder(t *testing.T) {
	input := "data: first\n\n: keepalive\n\ndata: second\n\ndata: third\n\n"
	scanner := NewSSEScanner(strings.NewReader(input))

	for _, expected := range []string{"first", "second", "third"} {
		payload, err := scanner.Next()
		if err != nil {
			t.Fatalf("expected nil error, got %v", err)
		}
		if payload != expected {
			t.Errorf("expected %q, got %q", expected, payload)
		}
	}

	if _, err := scanner.Next(); err != io.EOF {
		t.Errorf("expected io.EOF, got %v", err)
	}
}

func TestSSEScanner_MultiLineDataEvent_JoinsWithNewline(t *testing.T) {
	scanner := NewSSEScanner(strings.NewReader("data: line1\ndata: line2\n\n"))
	payload, err := scanner.Next()
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if payload != "line1\nline2" {
		t.Errorf("expected joined payload, got %q", payload)
	}
}

func TestSSEScanner_NextEvent_CapturesIDAndType(t *testing.T) {
	input := "id: 7\nevent: token\ndata: {\"seq\":7}\n\nid: 8\ndata: {\"seq\":8}"
	scanner := NewSSEScanner(strings.NewReader(input))

	first, err := scanner.NextEvent()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.ID != "7" || first.Event != "token" || first.Data != `{"seq":7}` {
		t.Errorf("unexpected first event: %+v", first)
	}

	second, err := scanner.NextEvent()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.ID != "8" || second.Event != "" || second.Data != `{"seq":8}` {
		t.Errorf("fields must not leak between events: %+v", second)
	}
}

func TestSSEScanner_DoneSentinel_ReturnsEOF(t *testing.T) {
	scanner := NewSSEScanner(strings.NewReader("data: a\n\ndata: [DONE]\n\ndata: never\n\n"))
	if payload, _ := scanner.Next(); payload != "a" {
		t.Fatalf("expected a, got %q", payload)
	}
	if _, err := scanner.Next(); err != io.EOF {
		t.Errorf("expected io.EOF on [DONE], got %v", err)
	}
}

func TestSSEScanner_LineTooLong(t *testing.T) {
	scanner := NewSSEScanner(strings.NewReader("data: " + strings.Repeat("x", maxSSELineSize+1) + "\n\n"))
	_, err := scanner.Next()
	if !errors.Is(err, bufio.ErrTooLong) {
		t.Errorf("expected bufio.ErrTooLong, got %v", err)
	}
}

func TestDoPostStream_StreamsBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept") != "text/event-stream" {
			t.Errorf("missing Accept header")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("data: one\n\ndata: [DONE]\n\n"))
	}))
	defer server.Close()

	response, err := DoPostStream(context.Background(), server.Client(), server.URL, "key", map[string]any{"stream": true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer CloseWithLog(response.Body)

	scanner := NewSSEScanner(response.Body)
	if payload, err := scanner.Next(); err != nil || payload != "one" {
		t.Fatalf("expected one, got %q (%v)", payload, err)
	}
}

func TestDoPostStream_Non2xx(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	_, err := DoPostStream(context.Background(), nil, server.URL, "", nil)
	httpErr, found := AsHTTPError(err)
	if !found || httpErr.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 *HTTPError, got %v", err)
	}
	if !strings.Contains(httpErr.Body, "upstream down") {
		t.Errorf("expected body to be captured, got %q", httpErr.Body)
	}
}
