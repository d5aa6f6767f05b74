package slogobs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/leofalp/agentcanvas/providers/observability"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input   string
		want    slog.Level
		wantErr bool
	}{
		{"trace", LevelTrace, false},
		{"DEBUG", slog.LevelDebug, false},
		{"", slog.LevelInfo, false},
		{" warning ", slog.LevelWarn, false},
		{"Error", slog.LevelError, false},
		{"loud", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseLevel(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLevel(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestEnvironmentPrecedence(t *testing.T) {
	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("LOG_FORMAT", "pretty")
	if LevelFromEnv() != slog.LevelError || FormatFromEnv() != FormatPretty {
		t.Fatal("fallback variables not honored")
	}

	t.Setenv("AGENTCANVAS_LOG_LEVEL", "debug")
	t.Setenv("AGENTCANVAS_LOG_FORMAT", "json")
	if LevelFromEnv() != slog.LevelDebug {
		t.Errorf("LevelFromEnv() = %v, want DEBUG", LevelFromEnv())
	}
	if FormatFromEnv() != FormatJSON {
		t.Errorf("FormatFromEnv() = %v, want json", FormatFromEnv())
	}
}

func TestCompactFormat(t *testing.T) {
	var buffer bytes.Buffer
	observer := New(WithOutput(&buffer), WithFormat(FormatCompact), WithLevel(slog.LevelInfo), WithColors(false))

	observer.Info(context.Background(), "node finished",
		observability.String(observability.AttrNodeID, "llm-1"),
		observability.Int(observability.AttrNodeAttempts, 2))
	observer.Debug(context.Background(), "filtered out")

	output := buffer.String()
	if strings.Count(output, "\n") != 1 {
		t.Fatalf("expected exactly one line, got %q", output)
	}
	if !strings.Contains(output, " INFO node finished → ") {
		t.Errorf("missing level and message: %q", output)
	}
	if !strings.Contains(output, `{"node.attempts":2,"node.id":"llm-1"}`) {
		t.Errorf("attributes not encoded as sorted JSON: %q", output)
	}
}

func TestPrettyFormat(t *testing.T) {
	var buffer bytes.Buffer
	observer := New(WithOutput(&buffer), WithFormat(FormatPretty), WithLevel(slog.LevelInfo))
	observer.Warn(context.Background(), "stalled", observability.Duration("idle", 2*time.Second))

	lines := strings.Split(strings.TrimRight(buffer.String(), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected message line plus one attribute line, got %q", buffer.String())
	}
	if !strings.HasSuffix(lines[0], " WARN stalled") || lines[1] != "    idle: 2s" {
		t.Errorf("unexpected pretty output: %q", lines)
	}
}

func TestJSONFormatAndTraceLevel(t *testing.T) {
	var buffer bytes.Buffer
	observer := New(WithOutput(&buffer), WithFormat(FormatJSON), WithLevel(LevelTrace))
	observer.Trace(context.Background(), "scheduler tick", observability.String(observability.AttrExecutionID, "exec-1"))

	var record map[string]any
	if err := json.Unmarshal(buffer.Bytes(), &record); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buffer.String())
	}
	if record["level"] != "TRACE" || record["msg"] != "scheduler tick" || record[observability.AttrExecutionID] != "exec-1" {
		t.Errorf("unexpected record: %v", record)
	}
}

func TestSpansAndCounters(t *testing.T) {
	var buffer bytes.Buffer
	observer := New(WithOutput(&buffer), WithFormat(FormatCompact), WithLevel(slog.LevelDebug))

	ctx, span := observer.StartSpan(context.Background(), observability.SpanNode, observability.String(observability.AttrNodeID, "a"))
	if observability.SpanFromContext(ctx) != span {
		t.Error("StartSpan should store the span in the returned context")
	}
	span.SetStatus(observability.StatusError, "boom")
	span.RecordError(errors.New("boom"))
	span.End()

	observer.Counter(observability.MetricNodeCount).Add(ctx, 2)
	observer.Counter(observability.MetricNodeCount).Add(ctx, 3)
	if got := observer.CounterValue(observability.MetricNodeCount); got != 5 {
		t.Errorf("CounterValue = %d, want 5", got)
	}
	if observer.CounterValue("missing") != 0 {
		t.Error("unknown counter should read 0")
	}
	observer.Histogram(observability.MetricNodeDuration).Record(ctx, 0.25)

	output := buffer.String()
	for _, want := range []string{"span started", "span error", "span ended", `"span.status":"error"`, `"value":5`, "histogram"} {
		if !strings.Contains(output, want) {
			t.Errorf("output missing %q:\n%s", want, output)
		}
	}
}

func TestWithLoggerBypassesHandler(t *testing.T) {
	var buffer bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buffer, nil))
	observer := New(WithLogger(logger))
	if observer.Logger() != logger {
		t.Fatal("Logger() should return the injected logger")
	}
	observer.Info(context.Background(), "hello")
	if !strings.Contains(buffer.String(), "msg=hello") {
		t.Errorf("expected text handler output, got %q", buffer.String())
	}
}
