package skill

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/leofalp/agentcanvas/core/retry"
	"github.com/leofalp/agentcanvas/internal/jsonschema"
)

func TestClientCall_PostJSONWithBearer(t *testing.T) {
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if request.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", request.Method)
		}
		if got := request.Header.Get("Authorization"); got != "Bearer s3cret" {
			t.Errorf("unexpected Authorization %q", got)
		}
		_ = json.NewDecoder(request.Body).Decode(&gotBody)
		writer.Header().Set("Content-Type", "application/json; charset=utf-8")
		_, _ = writer.Write([]byte(`{"temperature": 21.5}`))
	}))
	defer server.Close()

	client := NewClient(WithCredentials(StaticCredentials{"weather": "s3cret"}))
	response, err := client.Call(context.Background(), Descriptor{
		ID:            "weather",
		Endpoint:      server.URL + "/forecast",
		AuthType:      AuthBearer,
		CredentialRef: "weather",
	}, map[string]any{"city": "Turin"})
	if err != nil {
		t.Fatalf("Call returned error: %v", err)
	}
	if gotBody["city"] != "Turin" {
		t.Errorf("expected JSON body with city, got %v", gotBody)
	}
	body, ok := response.Body.(map[string]any)
	if !ok || body["temperature"] != 21.5 {
		t.Errorf("unexpected decoded body: %#v", response.Body)
	}
}

func TestClientCall_GetQueryAndAPIKey(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if request.URL.Query().Get("q") != "go" || request.URL.Query().Get("limit") != "3" || request.URL.Query().Get("fixed") != "1" {
			t.Errorf("unexpected query %q", request.URL.RawQuery)
		}
		if request.Header.Get("X-Token") != "abc" {
			t.Errorf("expected api key header")
		}
		_, _ = writer.Write([]byte("plain result"))
	}))
	defer server.Close()

	client := NewClient(WithCredentials(StaticCredentials{"search": "abc"}))
	response, err := client.Call(context.Background(), Descriptor{
		ID:            "search",
		Endpoint:      server.URL + "/?fixed=1",
		HTTPMethod:    "get",
		AuthType:      AuthAPIKey,
		CredentialRef: "search",
		APIKeyHeader:  "X-Token",
	}, map[string]any{"q": "go", "limit": 3})
	if err != nil {
		t.Fatalf("Call returned error: %v", err)
	}
	if response.Body != "plain result" {
		t.Errorf("expected raw text body, got %#v", response.Body)
	}
}

func TestClientCall_BasicAuthAndHTML(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		user, password, ok := request.BasicAuth()
		if !ok || user != "ada" || password != "pw:with:colons" {
			t.Errorf("unexpected basic auth %q %q", user, password)
		}
		writer.Header().Set("Content-Type", "text/html")
		_, _ = writer.Write([]byte("<html><body><h1>Title</h1><p>Hello <strong>there</strong></p></body></html>"))
	}))
	defer server.Close()

	client := NewClient(WithCredentials(StaticCredentials{"site": "ada:pw:with:colons"}))
	response, err := client.Call(context.Background(), Descriptor{
		ID: "site", Endpoint: server.URL, AuthType: AuthBasic, CredentialRef: "site",
	}, nil)
	if err != nil {
		t.Fatalf("Call returned error: %v", err)
	}
	markdown, _ := response.Body.(string)
	if !strings.Contains(markdown, "# Title") || !strings.Contains(markdown, "**there**") {
		t.Errorf("expected Markdown conversion, got %q", markdown)
	}
}

func TestClientCall_ErrorClassification(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		wantTransient bool
	}{
		{"rate limited", http.StatusTooManyRequests, true},
		{"unavailable", http.StatusServiceUnavailable, true},
		{"request timeout", http.StatusRequestTimeout, true},
		{"not found", http.StatusNotFound, false},
		{"bad request", http.StatusBadRequest, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, _ *http.Request) {
				writer.WriteHeader(tt.status)
			}))
			defer server.Close()

			_, err := NewClient().Call(context.Background(), Descriptor{ID: "x", Endpoint: server.URL}, nil)
			if err == nil {
				t.Fatal("expected an error")
			}
			if retry.IsTransient(err) != tt.wantTransient {
				t.Errorf("IsTransient = %v, want %v (%v)", retry.IsTransient(err), tt.wantTransient, err)
			}
		})
	}
}

func TestClientCall_TimeoutIsTransient(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		<-release
	}))
	defer server.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := NewClient().Call(ctx, Descriptor{ID: "slow", Endpoint: server.URL}, nil)
	if !retry.IsTransient(err) || !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected transient deadline error, got %v", err)
	}
}

func TestClientCall_RejectsInvalidInput(t *testing.T) {
	called := false
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		called = true
	}))
	defer server.Close()

	_, err := NewClient().Call(context.Background(), Descriptor{
		ID:       "typed",
		Endpoint: server.URL,
		InputSchema: &jsonschema.Schema{
			Type:       "object",
			Required:   []string{"city"},
			Properties: map[string]*jsonschema.Schema{"city": {Type: "string"}},
		},
	}, map[string]any{"country": "IT"})
	if !errors.Is(err, ErrInvalidInput) || !errors.Is(err, jsonschema.ErrSchemaMismatch) {
		t.Fatalf("expected schema error, got %v", err)
	}
	if called {
		t.Error("invalid input must not reach the endpoint")
	}
	if retry.IsTransient(err) {
		t.Error("schema errors are permanent")
	}
}

func TestClientCall_MissingCredential(t *testing.T) {
	_, err := NewClient(WithCredentials(StaticCredentials{})).Call(context.Background(), Descriptor{
		ID: "x", Endpoint: "http://127.0.0.1:1", AuthType: AuthBearer, CredentialRef: "absent",
	}, nil)
	if !errors.Is(err, ErrCredentialNotFound) {
		t.Errorf("expected ErrCredentialNotFound, got %v", err)
	}
}

func TestDescriptor_ValidateAndOverride(t *testing.T) {
	base := Descriptor{ID: "a", Endpoint: "https://api.example.com/v1", HTTPMethod: "GET"}
	if err := base.Validate(); err != nil {
		t.Fatalf("valid descriptor rejected: %v", err)
	}

	merged := base.Override(Descriptor{HTTPMethod: "POST", AuthType: AuthBearer})
	if merged.Endpoint != base.Endpoint || merged.Method() != http.MethodPost {
		t.Errorf("unexpected override result: %+v", merged)
	}
	if err := merged.Validate(); !errors.Is(err, ErrInvalidDescriptor) {
		t.Errorf("bearer without credential_ref should be invalid, got %v", err)
	}

	if err := (Descriptor{ID: "b", Endpoint: "not a url"}).Validate(); !errors.Is(err, ErrInvalidDescriptor) {
		t.Errorf("expected invalid endpoint, got %v", err)
	}
	if (Descriptor{}).Method() != http.MethodPost || (Descriptor{}).Auth() != AuthNone {
		t.Error("unexpected defaults")
	}
}

func TestStaticCatalog(t *testing.T) {
	catalog, err := NewStaticCatalog(
		Descriptor{ID: "Weather", Endpoint: "https://w.example.com"},
		Descriptor{ID: "search", Endpoint: "https://s.example.com"},
	)
	if err != nil {
		t.Fatalf("NewStaticCatalog returned error: %v", err)
	}
	if _, err := catalog.Skill(context.Background(), "weather"); err != nil {
		t.Errorf("lookup should be case-insensitive: %v", err)
	}
	if _, err := catalog.Skill(context.Background(), "missing"); !errors.Is(err, ErrSkillNotFound) {
		t.Errorf("expected ErrSkillNotFound, got %v", err)
	}
	if ids := catalog.List(); len(ids) != 2 || ids[0].ID != "Weather" {
		t.Errorf("unexpected list order: %+v", ids)
	}
	if !catalog.Remove("SEARCH") || catalog.Remove("search") {
		t.Error("Remove should report presence exactly once")
	}
	if err := catalog.Add(Descriptor{Endpoint: "https://x.example.com"}); !errors.Is(err, ErrInvalidDescriptor) {
		t.Errorf("expected missing id rejection, got %v", err)
	}
}

func TestEnvCredentials(t *testing.T) {
	t.Setenv("AGENTCANVAS_SKILL_GITHUB_TOKEN", "gh")
	credentials := EnvCredentials{}
	if name := credentials.VariableName("github-token"); name != "AGENTCANVAS_SKILL_GITHUB_TOKEN" {
		t.Errorf("VariableName = %q", name)
	}
	secret, err := credentials.Credential(context.Background(), "github-token")
	if err != nil || secret != "gh" {
		t.Errorf("Credential = %q, %v", secret, err)
	}
	if _, err := credentials.Credential(context.Background(), "nope"); !errors.Is(err, ErrCredentialNotFound) {
		t.Errorf("expected ErrCredentialNotFound, got %v", err)
	}
}
