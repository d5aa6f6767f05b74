package engine

import (
	"context"
	"time"

	"github.com/leofalp/agentcanvas/internal/utils"
	"github.com/leofalp/agentcanvas/providers/observability"
)

// observeExecutionStart opens the root span of an execution and attaches
// span and observer to ctx for the handlers.
func (r *run) observeExecutionStart(ctx context.Context) context.Context {
	observer := r.engine.config.observer
	if observer == nil {
		return ctx
	}

	attrs := []observability.Attribute{
		observability.String(observability.AttrExecutionID, r.id),
		observability.String(observability.AttrExecutionTrigger, r.execution.Trigger),
		observability.Int(observability.AttrWorkflowNodes, len(r.execution.Graph.Nodes)),
		observability.Int(observability.AttrWorkflowEdges, len(r.execution.Graph.Edges)),
		observability.Int(observability.AttrWorkflowLevels, len(r.plan.Levels)),
	}

	ctx, r.span = observer.StartSpan(ctx, observability.SpanExecution, attrs...)
	ctx = observability.ContextWithSpan(ctx, r.span)
	ctx = observability.ContextWithObserver(ctx, observer)

	observer.Info(ctx, "execution started", attrs...)
	return ctx
}

// observeExecutionEnd records the terminal status of an execution and closes
// its span.
func (r *run) observeExecutionEnd(ctx context.Context, status ExecutionStatus, executionErr error, duration time.Duration) {
	observer := r.engine.config.observer
	if observer == nil {
		return
	}

	observer.Counter(observability.MetricExecutionCount).Add(ctx, 1,
		observability.String(observability.AttrExecutionStatus, string(status)),
	)
	observer.Histogram(observability.MetricExecutionDuration).Record(ctx, duration.Seconds(),
		observability.String(observability.AttrExecutionStatus, string(status)),
	)

	attrs := []observability.Attribute{
		observability.String(observability.AttrExecutionID, r.id),
		observability.String(observability.AttrExecutionStatus, string(status)),
		observability.Duration(observability.AttrNodeDuration, duration),
	}

	switch status {
	case ExecutionCompleted:
		observer.Info(ctx, "execution completed", attrs...)
	case ExecutionCancelled:
		observer.Warn(ctx, "execution cancelled", attrs...)
	default:
		observer.Error(ctx, "execution failed", append(attrs, observability.Error(executionErr))...)
	}

	if r.span == nil {
		return
	}
	r.span.SetAttributes(observability.String(observability.AttrExecutionStatus, string(status)))
	if status == ExecutionCompleted {
		r.span.SetStatus(observability.StatusOK, "execution completed")
	} else {
		if executionErr != nil {
			r.span.RecordError(executionErr)
		}
		r.span.SetStatus(observability.StatusError, "execution "+string(status))
	}
	r.span.End()
}

// observeNodeStart creates a child span for one node and returns the
// context carrying it.
func (r *run) observeNodeStart(ctx context.Context, nodeID string, nodeType string, predecessors []string) context.Context {
	observer := r.engine.config.observer
	if observer == nil {
		return ctx
	}

	var nodeSpan observability.Span
	ctx, nodeSpan = observer.StartSpan(ctx, observability.SpanNode,
		observability.String(observability.AttrNodeID, nodeID),
		observability.String(observability.AttrNodeType, nodeType),
		observability.StringSlice(observability.AttrNodeIDs, predecessors),
	)
	ctx = observability.ContextWithSpan(ctx, nodeSpan)

	observer.Debug(ctx, "node started",
		observability.String(observability.AttrExecutionID, r.id),
		observability.String(observability.AttrNodeID, nodeID),
		observability.String(observability.AttrNodeType, nodeType),
	)
	return ctx
}

// observeNodeCompleted records a successful node and closes its span.
func (r *run) observeNodeCompleted(ctx context.Context, nodeID string, output any, attempts int, duration time.Duration) {
	observer := r.engine.config.observer
	if observer == nil {
		return
	}

	observer.Histogram(observability.MetricNodeDuration).Record(ctx, duration.Seconds(),
		observability.String(observability.AttrNodeID, nodeID),
	)
	observer.Counter(observability.MetricNodeCount).Add(ctx, 1,
		observability.String(observability.AttrNodeStatus, string(StepSuccess)),
	)

	logAttrs := []observability.Attribute{
		observability.String(observability.AttrExecutionID, r.id),
		observability.String(observability.AttrNodeID, nodeID),
		observability.Int(observability.AttrNodeAttempts, attempts),
		observability.Duration(observability.AttrNodeDuration, duration),
	}
	if text, isString := output.(string); isString {
		logAttrs = append(logAttrs, observability.String("node.output", utils.TruncateString(text, 100)))
	}
	observer.Info(ctx, "node completed", logAttrs...)

	if nodeSpan := observability.SpanFromContext(ctx); nodeSpan != nil {
		nodeSpan.SetAttributes(
			observability.String(observability.AttrNodeStatus, string(StepSuccess)),
			observability.Int(observability.AttrNodeAttempts, attempts),
		)
		nodeSpan.SetStatus(observability.StatusOK, "node completed")
		nodeSpan.End()
	}
}

// observeNodeFailed records a failed node and closes its span.
func (r *run) observeNodeFailed(ctx context.Context, nodeID string, nodeErr error, attempts int, duration time.Duration) {
	observer := r.engine.config.observer
	if observer == nil {
		return
	}

	observer.Histogram(observability.MetricNodeDuration).Record(ctx, duration.Seconds(),
		observability.String(observability.AttrNodeID, nodeID),
	)
	observer.Counter(observability.MetricNodeCount).Add(ctx, 1,
		observability.String(observability.AttrNodeStatus, string(StepError)),
	)

	observer.Error(ctx, "node failed",
		observability.String(observability.AttrExecutionID, r.id),
		observability.String(observability.AttrNodeID, nodeID),
		observability.Int(observability.AttrNodeAttempts, attempts),
		observability.Error(nodeErr),
		observability.Duration(observability.AttrNodeDuration, duration),
	)

	if nodeSpan := observability.SpanFromContext(ctx); nodeSpan != nil {
		nodeSpan.RecordError(nodeErr)
		nodeSpan.SetAttributes(observability.String(observability.AttrNodeStatus, string(StepError)))
		nodeSpan.SetStatus(observability.StatusError, "node failed")
		nodeSpan.End()
	}
}

// observeNodeInterrupted closes the span of a node stopped by cancellation.
func (r *run) observeNodeInterrupted(ctx context.Context, nodeID string, reason SkipReason) {
	if nodeSpan := observability.SpanFromContext(ctx); nodeSpan != nil && r.engine.config.observer != nil {
		nodeSpan.SetAttributes(
			observability.String(observability.AttrNodeStatus, string(StepSkipped)),
			observability.String(observability.AttrNodeSkipReason, string(reason)),
		)
		nodeSpan.SetStatus(observability.StatusError, "node interrupted")
		nodeSpan.End()
	}
	r.observeNodeSkipped(ctx, nodeID, reason)
}

// observeNodeSkipped counts a skipped node.
func (r *run) observeNodeSkipped(ctx context.Context, nodeID string, reason SkipReason) {
	observer := r.engine.config.observer
	if observer == nil {
		return
	}

	observer.Counter(observability.MetricNodeCount).Add(ctx, 1,
		observability.String(observability.AttrNodeStatus, string(StepSkipped)),
		observability.String(observability.AttrNodeSkipReason, string(reason)),
	)
	observer.Info(ctx, "node skipped",
		observability.String(observability.AttrExecutionID, r.id),
		observability.String(observability.AttrNodeID, nodeID),
		observability.String(observability.AttrNodeSkipReason, string(reason)),
	)
}

// observeNodeRetry logs a retried attempt and annotates the node span.
func observeNodeRetry(ctx context.Context, nodeID string, attempt int, delay time.Duration, attemptErr error) {
	observer := observability.ObserverFromContext(ctx)
	if observer == nil {
		return
	}

	observer.Counter(observability.MetricNodeRetries).Add(ctx, 1,
		observability.String(observability.AttrNodeID, nodeID),
	)
	observer.Warn(ctx, "node attempt failed, retrying",
		observability.String(observability.AttrNodeID, nodeID),
		observability.Int(observability.AttrNodeAttempt, attempt),
		observability.Duration("retry.delay", delay),
		observability.Error(attemptErr),
	)
	if span := observability.SpanFromContext(ctx); span != nil {
		span.AddEvent(observability.EventNodeRetry,
			observability.Int(observability.AttrNodeAttempt, attempt),
			observability.Error(attemptErr),
		)
	}
}

// observeTokenUsage counts model tokens by kind.
func observeTokenUsage(ctx context.Context, model string, prompt, completion int) {
	observer := observability.ObserverFromContext(ctx)
	if observer == nil {
		return
	}
	counter := observer.Counter(observability.MetricLLMTokens)
	counter.Add(ctx, int64(prompt),
		observability.String(observability.AttrLLMModel, model),
		observability.String("llm.token.kind", "prompt"),
	)
	counter.Add(ctx, int64(completion),
		observability.String(observability.AttrLLMModel, model),
		observability.String("llm.token.kind", "completion"),
	)
}
