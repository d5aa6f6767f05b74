package slogobs

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/leofalp/agentcanvas/providers/observability"
)

// Observer is an observability.Provider that writes everything through a
// slog.Logger. Counter totals are kept in memory and readable with
// CounterValue.
type Observer struct {
	logger *slog.Logger

	mu       sync.Mutex
	counters map[string]*counter
}

var _ observability.Provider = (*Observer)(nil)

// New builds an Observer. Without options the format and level come from
// the environment (see FormatFromEnv and LevelFromEnv).
//
//	observer := slogobs.New(slogobs.WithFormat(slogobs.FormatJSON), slogobs.WithLevel(slog.LevelDebug))
func New(opts ...Option) *Observer {
	cfg := applyOptions(opts...)
	logger := cfg.logger
	if logger == nil {
		logger = slog.New(NewHandler(HandlerOptions{
			Format: cfg.format,
			Level:  cfg.level,
			Output: cfg.output,
			Colors: cfg.colors,
		}))
	}
	return &Observer{logger: logger, counters: make(map[string]*counter)}
}

// Logger exposes the underlying slog logger, for libraries such as the HTTP
// server that log through slog directly.
func (o *Observer) Logger() *slog.Logger {
	return o.logger
}

// StartSpan logs the span start and returns a context carrying the span.
func (o *Observer) StartSpan(ctx context.Context, name string, attrs ...observability.Attribute) (context.Context, observability.Span) {
	span := &span{name: name, started: time.Now(), logger: o.logger, attrs: attrs}
	o.logger.LogAttrs(ctx, slog.LevelDebug, "span started", append(toSlog(attrs), slog.String("span", name))...)
	return observability.ContextWithSpan(ctx, span), span
}

type span struct {
	name    string
	started time.Time
	logger  *slog.Logger

	mu    sync.Mutex
	attrs []observability.Attribute
}

func (s *span) End() {
	s.mu.Lock()
	attrs := append(toSlog(s.attrs), slog.String("span", s.name), slog.Duration("duration", time.Since(s.started)))
	s.mu.Unlock()
	s.logger.LogAttrs(context.Background(), slog.LevelDebug, "span ended", attrs...)
}

func (s *span) SetAttributes(attrs ...observability.Attribute) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attrs = append(s.attrs, attrs...)
}

func (s *span) SetStatus(code observability.StatusCode, description string) {
	status := "unset"
	switch code {
	case observability.StatusOK:
		status = "ok"
	case observability.StatusError:
		status = "error"
	}
	attrs := []observability.Attribute{observability.String("span.status", status)}
	if description != "" {
		attrs = append(attrs, observability.String("span.status.description", description))
	}
	s.SetAttributes(attrs...)
}

func (s *span) RecordError(err error) {
	if err == nil {
		return
	}
	s.SetAttributes(observability.Error(err))
	s.logger.LogAttrs(context.Background(), slog.LevelError, "span error",
		slog.String("span", s.name), slog.String(observability.AttrError, err.Error()))
}

func (s *span) AddEvent(name string, attrs ...observability.Attribute) {
	s.logger.LogAttrs(context.Background(), slog.LevelDebug, name, append(toSlog(attrs), slog.String("span", s.name))...)
}

// Counter returns the named counter, creating it on first use.
func (o *Observer) Counter(name string) observability.Counter {
	o.mu.Lock()
	defer o.mu.Unlock()
	existing, found := o.counters[name]
	if !found {
		existing = &counter{name: name, logger: o.logger}
		o.counters[name] = existing
	}
	return existing
}

// CounterValue returns the running total of a counter, or 0.
func (o *Observer) CounterValue(name string) int64 {
	o.mu.Lock()
	existing, found := o.counters[name]
	o.mu.Unlock()
	if !found {
		return 0
	}
	existing.mu.Lock()
	defer existing.mu.Unlock()
	return existing.value
}

// Histogram returns a histogram that logs each observation at DEBUG.
func (o *Observer) Histogram(name string) observability.Histogram {
	return histogram{name: name, logger: o.logger}
}

type counter struct {
	name   string
	logger *slog.Logger

	mu    sync.Mutex
	value int64
}

func (c *counter) Add(ctx context.Context, value int64, attrs ...observability.Attribute) {
	c.mu.Lock()
	c.value += value
	total := c.value
	c.mu.Unlock()
	c.logger.LogAttrs(ctx, slog.LevelDebug, "counter", append(toSlog(attrs),
		slog.String("metric", c.name), slog.Int64("delta", value), slog.Int64("value", total))...)
}

type histogram struct {
	name   string
	logger *slog.Logger
}

func (h histogram) Record(ctx context.Context, value float64, attrs ...observability.Attribute) {
	h.logger.LogAttrs(ctx, slog.LevelDebug, "histogram", append(toSlog(attrs),
		slog.String("metric", h.name), slog.Float64("value", value))...)
}

func (o *Observer) Trace(ctx context.Context, msg string, attrs ...observability.Attribute) {
	o.logger.LogAttrs(ctx, LevelTrace, msg, toSlog(attrs)...)
}

func (o *Observer) Debug(ctx context.Context, msg string, attrs ...observability.Attribute) {
	o.logger.LogAttrs(ctx, slog.LevelDebug, msg, toSlog(attrs)...)
}

func (o *Observer) Info(ctx context.Context, msg string, attrs ...observability.Attribute) {
	o.logger.LogAttrs(ctx, slog.LevelInfo, msg, toSlog(attrs)...)
}

func (o *Observer) Warn(ctx context.Context, msg string, attrs ...observability.Attribute) {
	o.logger.LogAttrs(ctx, slog.LevelWarn, msg, toSlog(attrs)...)
}

func (o *Observer) Error(ctx context.Context, msg string, attrs ...observability.Attribute) {
	o.logger.LogAttrs(ctx, slog.LevelError, msg, toSlog(attrs)...)
}

func toSlog(attrs []observability.Attribute) []slog.Attr {
	converted := make([]slog.Attr, 0, len(attrs)+3)
	for _, attr := range attrs {
		converted = append(converted, slog.Any(attr.Key, attr.Value))
	}
	return converted
}
