package promobs

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/leofalp/agentcanvas/providers/observability"
)

// knownLabels declares the label set of every metric the agentcanvas
// components emit.
var knownLabels = map[string][]string{
	observability.MetricExecutionCount:    {observability.AttrExecutionStatus},
	observability.MetricExecutionDuration: {observability.AttrExecutionStatus},
	observability.MetricNodeCount:         {observability.AttrNodeStatus, observability.AttrNodeSkipReason},
	observability.MetricNodeDuration:      {observability.AttrNodeID},
	observability.MetricNodeRetries:       {observability.AttrNodeID},
	observability.MetricLLMTokens:         {observability.AttrLLMModel, "llm.token.kind"},
	observability.MetricSkillRequests:     {observability.AttrSkillID, observability.AttrHTTPStatusCode},
	observability.MetricStreamEvents:      {observability.AttrStreamEventType},
	observability.MetricPresenceUpdates:   {"presence.kind"},
	observability.MetricHTTPRequests:      {observability.AttrHTTPMethod, observability.AttrHTTPRoute, observability.AttrHTTPStatusCode},
	observability.MetricHTTPDuration:      {observability.AttrHTTPMethod, observability.AttrHTTPRoute},
	observability.MetricScheduleFires:     {observability.AttrScheduleID, observability.AttrExecutionStatus},
}

// DefaultBuckets are the histogram buckets in seconds used when none are
// configured. They span fast transforms up to multi-minute LLM calls.
var DefaultBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300}

// Option configures an Observer.
type Option func(*Observer)

// WithRegisterer registers the vectors on registerer instead of
// prometheus.DefaultRegisterer.
func WithRegisterer(registerer prometheus.Registerer) Option {
	return func(o *Observer) { o.registerer = registerer }
}

// WithBuckets sets the histogram buckets.
func WithBuckets(buckets []float64) Option {
	return func(o *Observer) { o.buckets = slices.Clone(buckets) }
}

// WithLabels overrides the label set of one metric.
func WithLabels(metric string, labels ...string) Option {
	return func(o *Observer) { o.labels[metric] = slices.Clone(labels) }
}

// Observer forwards tracing and logging to a wrapped provider and records
// metrics in Prometheus.
type Observer struct {
	observability.Tracer
	observability.Logger

	registerer prometheus.Registerer
	buckets    []float64
	labels     map[string][]string

	mu         sync.Mutex
	counters   map[string]*counter
	histograms map[string]*histogram
}

var _ observability.Provider = (*Observer)(nil)

// New wraps base. A nil base discards spans and log records.
func New(base observability.Provider, opts ...Option) *Observer {
	o := &Observer{
		registerer: prometheus.DefaultRegisterer,
		buckets:    DefaultBuckets,
		labels:     make(map[string][]string, len(knownLabels)),
		counters:   make(map[string]*counter),
		histograms: make(map[string]*histogram),
	}
	for name, labels := range knownLabels {
		o.labels[name] = labels
	}
	if base != nil {
		o.Tracer = base
		o.Logger = base
	} else {
		o.Tracer = noopTracer{}
		o.Logger = noopLogger{}
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Counter returns the counter registered under name, creating it on first
// use.
func (o *Observer) Counter(name string) observability.Counter {
	o.mu.Lock()
	defer o.mu.Unlock()
	if existing, found := o.counters[name]; found {
		return existing
	}
	c := &counter{observer: o, name: name}
	if labels, found := o.labels[name]; found {
		c.bind(labels)
	}
	o.counters[name] = c
	return c
}

// Histogram returns the histogram registered under name, creating it on
// first use.
func (o *Observer) Histogram(name string) observability.Histogram {
	o.mu.Lock()
	defer o.mu.Unlock()
	if existing, found := o.histograms[name]; found {
		return existing
	}
	h := &histogram{observer: o, name: name}
	if labels, found := o.labels[name]; found {
		h.bind(labels)
	}
	o.histograms[name] = h
	return h
}

// register adds collector to the registerer. A collector that is already
// registered under the same descriptor is reused so two observers sharing a
// registry do not conflict.
func (o *Observer) register(collector prometheus.Collector) prometheus.Collector {
	if err := o.registerer.Register(collector); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			return already.ExistingCollector
		}
		o.Logger.Warn(context.Background(), "prometheus registration failed", observability.Error(err))
	}
	return collector
}

type counter struct {
	observer *Observer
	name     string

	once   sync.Once
	labels []string
	vec    *prometheus.CounterVec
}

func (c *counter) bind(labels []string) {
	c.once.Do(func() {
		c.labels = labels
		vec := prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricName(c.name) + "_total",
			Help: fmt.Sprintf("Counter %s.", c.name),
		}, LabelNames(labels))
		if existing, ok := c.observer.register(vec).(*prometheus.CounterVec); ok {
			vec = existing
		}
		c.vec = vec
	})
}

func (c *counter) Add(_ context.Context, value int64, attrs ...observability.Attribute) {
	if value < 0 {
		return
	}
	c.bind(attributeKeys(attrs))
	c.vec.WithLabelValues(labelValues(c.labels, attrs)...).Add(float64(value))
}

type histogram struct {
	observer *Observer
	name     string

	once   sync.Once
	labels []string
	vec    *prometheus.HistogramVec
}

func (h *histogram) bind(labels []string) {
	h.once.Do(func() {
		h.labels = labels
		name := MetricName(h.name)
		if !strings.HasSuffix(name, "_seconds") && strings.HasSuffix(name, "_duration") {
			name += "_seconds"
		}
		vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    name,
			Help:    fmt.Sprintf("Histogram %s.", h.name),
			Buckets: h.observer.buckets,
		}, LabelNames(labels))
		if existing, ok := h.observer.register(vec).(*prometheus.HistogramVec); ok {
			vec = existing
		}
		h.vec = vec
	})
}

func (h *histogram) Record(_ context.Context, value float64, attrs ...observability.Attribute) {
	h.bind(attributeKeys(attrs))
	h.vec.WithLabelValues(labelValues(h.labels, attrs)...).Observe(value)
}

// MetricName converts a dotted metric name into a valid Prometheus name.
func MetricName(name string) string {
	return sanitize(name)
}

// LabelNames converts attribute keys into valid Prometheus label names.
func LabelNames(keys []string) []string {
	names := make([]string, len(keys))
	for index, key := range keys {
		names[index] = sanitize(key)
	}
	return names
}

func sanitize(name string) string {
	var builder strings.Builder
	builder.Grow(len(name))
	for index, char := range name {
		switch {
		case char >= 'a' && char <= 'z', char >= 'A' && char <= 'Z', char == '_':
			builder.WriteRune(char)
		case char >= '0' && char <= '9':
			if index == 0 {
				builder.WriteByte('_')
			}
			builder.WriteRune(char)
		default:
			builder.WriteByte('_')
		}
	}
	return builder.String()
}

func attributeKeys(attrs []observability.Attribute) []string {
	keys := make([]string, 0, len(attrs))
	for _, attr := range attrs {
		if attr.Key != "" && !slices.Contains(keys, attr.Key) {
			keys = append(keys, attr.Key)
		}
	}
	slices.Sort(keys)
	return keys
}

func labelValues(labels []string, attrs []observability.Attribute) []string {
	values := make([]string, len(labels))
	for _, attr := range attrs {
		if index := slices.Index(labels, attr.Key); index >= 0 {
			values[index] = fmt.Sprint(attr.Value)
		}
	}
	return values
}

type noopTracer struct{}

func (noopTracer) StartSpan(ctx context.Context, _ string, _ ...observability.Attribute) (context.Context, observability.Span) {
	return ctx, noopSpan{}
}

type noopSpan struct{}

func (noopSpan) End()                                        {}
func (noopSpan) SetAttributes(...observability.Attribute)    {}
func (noopSpan) SetStatus(observability.StatusCode, string)  {}
func (noopSpan) RecordError(error)                           {}
func (noopSpan) AddEvent(string, ...observability.Attribute) {}

type noopLogger struct{}

func (noopLogger) Trace(context.Context, string, ...observability.Attribute) {}
func (noopLogger) Debug(context.Context, string, ...observability.Attribute) {}
func (noopLogger) Info(context.Context, string, ...observability.Attribute)  {}
func (noopLogger) Warn(context.Context, string, ...observability.Attribute)  {}
func (noopLogger) Error(context.Context, string, ...observability.Attribute) {}
