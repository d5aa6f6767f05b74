// Package observability defines the tracing, metrics and logging contract
// used across agentcanvas.
//
// [Provider] composes [Tracer], [Metrics] and [Logger] into one dependency.
// The engine, the skill client and the HTTP server accept a Provider and
// treat nil as disabled. A Provider and the current [Span] travel through a
// [context.Context] via [ContextWithObserver] and [ContextWithSpan].
//
// semconv.go lists the attribute keys, span names and metric names shared by
// all components so dashboards can rely on them.
package observability
