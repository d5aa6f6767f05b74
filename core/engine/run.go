package engine

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/leofalp/agentcanvas/core/retry"
	"github.com/leofalp/agentcanvas/core/stream"
	"github.com/leofalp/agentcanvas/core/template"
	"github.com/leofalp/agentcanvas/core/workflow"
	"github.com/leofalp/agentcanvas/providers/ai"
	"github.com/leofalp/agentcanvas/providers/observability"
)

// run is the state of one execution. The scheduler goroutine is the only
// writer of execution.Steps; every write and every publish happens under mu
// so that Snapshot and the event log always agree.
type run struct {
	engine  *Engine
	id      string
	plan    *workflow.Plan
	nodes   map[string]workflow.Node
	channel *stream.Channel
	cancel  context.CancelCauseFunc
	done    chan struct{}
	span    observability.Span

	mu        sync.Mutex
	execution Execution
	stepIndex map[string]int

	// partial accumulates streamed text of running llm nodes for snapshots.
	partial  map[string]*strings.Builder
	finished time.Time
}

// nodeResult is what a worker reports back to the scheduler.
type nodeResult struct {
	nodeID   string
	output   any
	err      error
	attempts int
	usage    *ai.Usage
}

func newRun(e *Engine, id string, graph *workflow.Graph, plan *workflow.Plan, input any, trigger string, channel *stream.Channel) *run {
	r := &run{
		engine:    e,
		id:        id,
		plan:      plan,
		nodes:     make(map[string]workflow.Node, len(graph.Nodes)),
		channel:   channel,
		done:      make(chan struct{}),
		stepIndex: make(map[string]int, len(graph.Nodes)),
		partial:   make(map[string]*strings.Builder),
	}

	steps := make([]Step, 0, len(graph.Nodes))
	for index, node := range graph.Nodes {
		r.nodes[node.ID] = node
		r.stepIndex[node.ID] = index
		steps = append(steps, Step{NodeID: node.ID, NodeType: node.Type, Status: StepPending})
	}

	r.execution = Execution{
		ID:        id,
		Graph:     graph,
		Input:     input,
		Status:    ExecutionPending,
		Steps:     steps,
		Trigger:   trigger,
		CreatedAt: e.config.now().UTC(),
	}
	return r
}

// snapshot returns a deep copy of the execution with the streamed text of
// running llm nodes filled in, and the sequence number it reflects.
func (r *run) snapshot() (Execution, uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	execution := r.execution.Clone()
	for nodeID, text := range r.partial {
		index := r.stepIndex[nodeID]
		if execution.Steps[index].Status == StepRunning {
			execution.Steps[index].Output = text.String()
		}
	}
	return execution, r.channel.LastSeq()
}

func (r *run) finishedAt() (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finished, !r.finished.IsZero()
}

// publishLocked appends an event to the execution's log. Publish failures
// only happen on a closed channel and are logged.
func (r *run) publishLocked(ctx context.Context, event stream.Event) {
	if _, err := r.channel.Publish(ctx, event); err != nil && r.engine.config.observer != nil {
		r.engine.config.observer.Warn(ctx, "event publish failed",
			observability.String(observability.AttrExecutionID, r.id),
			observability.String(observability.AttrStreamEventType, string(event.Type)),
			observability.Error(err),
		)
	}
}

// updateStep applies mutate to the step of nodeID, publishes the matching
// status event and persists the step.
func (r *run) updateStep(ctx context.Context, nodeID string, mutate func(step *Step)) {
	r.mu.Lock()
	step := &r.execution.Steps[r.stepIndex[nodeID]]
	mutate(step)
	if step.Status.Terminal() {
		delete(r.partial, nodeID)
	}
	event := stream.Event{
		Type:    stream.EventStatus,
		NodeID:  nodeID,
		Status:  string(step.Status),
		Error:   step.ErrorMessage,
		Reason:  string(step.SkipReason),
		Attempt: step.Attempts,
	}
	if step.Status == StepSuccess {
		event.Output = step.Output
	}
	r.publishLocked(ctx, event)
	saved := step.Clone()
	r.mu.Unlock()

	r.engine.saveStep(ctx, r.id, saved)
}

// publishToken records a streamed delta of a running llm node.
func (r *run) publishToken(ctx context.Context, nodeID, delta string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	builder, found := r.partial[nodeID]
	if !found {
		builder = &strings.Builder{}
		r.partial[nodeID] = builder
	}
	builder.WriteString(delta)
	r.publishLocked(ctx, stream.Event{Type: stream.EventToken, NodeID: nodeID, Delta: delta})
}

// publishDetail emits a status event that annotates a running node without
// changing its status.
func (r *run) publishDetail(ctx context.Context, nodeID, detail string, attempt int, detailErr error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.execution.Steps[r.stepIndex[nodeID]].Status != StepRunning {
		return
	}
	event := stream.Event{
		Type:    stream.EventStatus,
		NodeID:  nodeID,
		Status:  string(StepRunning),
		Detail:  detail,
		Attempt: attempt,
	}
	if detailErr != nil {
		event.Error = detailErr.Error()
	}
	r.publishLocked(ctx, event)
}

// execute drives the execution to a terminal state. Nodes are dispatched
// once every predecessor is terminal, lowest rank first, then in graph
// order, with at most maxParallelism running at a time.
func (r *run) execute(ctx context.Context) {
	defer close(r.done)

	started := r.engine.config.now()
	ctx = r.observeExecutionStart(ctx)

	r.mu.Lock()
	startedAt := started.UTC()
	r.execution.Status = ExecutionRunning
	r.execution.StartedAt = &startedAt
	r.publishLocked(ctx, stream.Event{Type: stream.EventStatus, Status: string(ExecutionRunning)})
	r.mu.Unlock()

	total := len(r.nodes)
	waiting := make(map[string]int, total)
	for nodeID := range r.nodes {
		waiting[nodeID] = len(r.plan.Predecessors[nodeID])
	}
	ready := r.plan.Roots()
	limiter := semaphore.NewWeighted(int64(r.engine.config.maxParallelism))
	results := make(chan nodeResult, total)
	nodeContexts := make(map[string]context.Context, total)
	nodeStarts := make(map[string]time.Time, total)
	running := 0
	terminal := 0
	var interruption error

	release := func(nodeID string) {
		terminal++
		for _, successor := range r.plan.Successors[nodeID] {
			waiting[successor]--
			if waiting[successor] == 0 {
				ready = append(ready, successor)
			}
		}
	}

	for terminal < total && ctx.Err() == nil {
		slices.SortFunc(ready, r.compareReady)

		for len(ready) > 0 && ctx.Err() == nil {
			nodeID := ready[0]
			if reason, skip := r.skipReason(nodeID); skip {
				ready = ready[1:]
				r.skip(ctx, nodeID, reason)
				release(nodeID)
				slices.SortFunc(ready, r.compareReady)
				continue
			}
			if !limiter.TryAcquire(1) {
				break
			}
			ready = ready[1:]

			node := r.nodes[nodeID]
			input, scope := r.nodeInput(nodeID)
			startedAt := r.engine.config.now()
			nodeStarts[nodeID] = startedAt
			r.updateStep(ctx, nodeID, func(step *Step) {
				started := startedAt.UTC()
				step.Status = StepRunning
				step.Input = input
				step.StartedAt = &started
			})

			nodeCtx := r.observeNodeStart(ctx, nodeID, string(node.Type), r.plan.Predecessors[nodeID])
			nodeContexts[nodeID] = nodeCtx
			running++
			go func() {
				result := r.runNode(nodeCtx, node, input, scope)
				limiter.Release(1)
				results <- result
			}()
		}

		if running == 0 {
			if len(ready) == 0 && terminal < total {
				// Unreachable for a validated graph.
				break
			}
			continue
		}

		select {
		case result := <-results:
			running--
			if result.err != nil && ctx.Err() != nil {
				interruption = context.Cause(ctx)
			}
			r.finishNode(nodeContexts[result.nodeID], result, nodeStarts[result.nodeID], interruption)
			release(result.nodeID)
		case <-ctx.Done():
		}
	}

	if terminal < total && ctx.Err() != nil {
		interruption = context.Cause(ctx)
	}
	if interruption != nil {
		ctx = context.WithoutCancel(ctx)
		for ; running > 0; running-- {
			result := <-results
			r.finishNode(nodeContexts[result.nodeID], result, nodeStarts[result.nodeID], interruption)
			release(result.nodeID)
		}
		reason := interruptReason(interruption)
		pending := make([]string, 0)
		for _, nodeID := range r.plan.Order {
			if step := r.execution.Steps[r.stepIndex[nodeID]]; !step.Status.Terminal() {
				pending = append(pending, nodeID)
			}
		}
		slices.SortFunc(pending, r.compareReady)
		for _, nodeID := range pending {
			r.skip(ctx, nodeID, reason)
		}
	}

	r.finish(ctx, started, interruption)
}

// compareReady orders node ids by rank, then graph position.
func (r *run) compareReady(a, b string) int {
	if order := cmp.Compare(r.plan.Rank[a], r.plan.Rank[b]); order != 0 {
		return order
	}
	return cmp.Compare(r.plan.Index[a], r.plan.Index[b])
}

// skipReason decides whether a ready node must be skipped. Only the
// scheduler goroutine writes steps, so it reads them without mu.
func (r *run) skipReason(nodeID string) (SkipReason, bool) {
	node := r.nodes[nodeID]
	if node.Disabled {
		return SkipDisabled, true
	}

	upstreamFailed := false
	upstreamDisabled := false
	for _, predecessor := range r.plan.Predecessors[nodeID] {
		step := r.execution.Steps[r.stepIndex[predecessor]]
		switch {
		case step.Status == StepError:
			upstreamFailed = true
		case step.Status == StepSkipped && step.SkipReason.Intentional():
			upstreamDisabled = true
		case step.Status == StepSkipped:
			upstreamFailed = true
		}
	}

	if output, ok := node.Data.(workflow.OutputData); ok && output.CollectPartial {
		return "", false
	}
	if upstreamFailed {
		return SkipUpstreamFailed, true
	}
	if upstreamDisabled {
		return SkipUpstreamDisabled, true
	}
	return "", false
}

func (r *run) skip(ctx context.Context, nodeID string, reason SkipReason) {
	completedAt := r.engine.config.now().UTC()
	r.updateStep(ctx, nodeID, func(step *Step) {
		step.Status = StepSkipped
		step.SkipReason = reason
		step.CompletedAt = &completedAt
	})
	r.observeNodeSkipped(ctx, nodeID, reason)
}

// nodeInput builds the input value and template scope of a node. Roots
// receive the execution input; a node with one predecessor receives its
// output; several predecessors yield a map keyed by node id. The scope
// exposes the outputs of every successful ancestor.
func (r *run) nodeInput(nodeID string) (any, template.Scope) {
	predecessors := r.plan.Predecessors[nodeID]
	scope := template.Scope{Nodes: make(map[string]any)}

	visited := make(map[string]bool)
	queue := slices.Clone(predecessors)
	for len(queue) > 0 {
		ancestor := queue[0]
		queue = queue[1:]
		if visited[ancestor] {
			continue
		}
		visited[ancestor] = true
		if step := r.execution.Steps[r.stepIndex[ancestor]]; step.Status == StepSuccess {
			scope.Nodes[ancestor] = step.Output
		}
		queue = append(queue, r.plan.Predecessors[ancestor]...)
	}

	node := r.nodes[nodeID]
	switch {
	case node.Type == workflow.NodeInput || len(predecessors) == 0:
		scope.Input = r.execution.Input
	case len(predecessors) == 1:
		scope.Input = scope.Nodes[predecessors[0]]
	default:
		merged := make(map[string]any, len(predecessors))
		for _, predecessor := range predecessors {
			if output, found := scope.Nodes[predecessor]; found {
				merged[predecessor] = output
			}
		}
		scope.Input = merged
	}
	return scope.Input, scope
}

// finishNode records a worker's result. When interruption is set the run
// was cancelled or timed out while the node was in flight.
func (r *run) finishNode(ctx context.Context, result nodeResult, startedAt time.Time, interruption error) {
	if interruption != nil {
		ctx = context.WithoutCancel(ctx)
	}
	now := r.engine.config.now()
	completedAt := now.UTC()
	duration := now.Sub(startedAt)

	if result.err == nil {
		r.updateStep(ctx, result.nodeID, func(step *Step) {
			step.Status = StepSuccess
			step.Output = result.output
			step.Attempts = result.attempts
			step.TokenUsage = result.usage
			step.CompletedAt = &completedAt
		})
		r.observeNodeCompleted(ctx, result.nodeID, result.output, result.attempts, duration)
		return
	}

	if interruption != nil && !errors.Is(interruption, ErrExecutionTimeout) {
		r.updateStep(ctx, result.nodeID, func(step *Step) {
			step.Status = StepSkipped
			step.SkipReason = SkipCancelled
			step.Attempts = result.attempts
			step.TokenUsage = result.usage
			step.CompletedAt = &completedAt
		})
		r.observeNodeInterrupted(ctx, result.nodeID, SkipCancelled)
		return
	}

	nodeErr := result.err
	if interruption != nil {
		nodeErr = &NodeExecutionError{NodeID: result.nodeID, Err: ErrExecutionTimeout}
	}
	r.updateStep(ctx, result.nodeID, func(step *Step) {
		step.Status = StepError
		step.ErrorMessage = nodeErr.Error()
		step.Attempts = result.attempts
		step.TokenUsage = result.usage
		step.CompletedAt = &completedAt
	})
	r.observeNodeFailed(ctx, result.nodeID, nodeErr, result.attempts, duration)
}

func interruptReason(cause error) SkipReason {
	if errors.Is(cause, ErrExecutionTimeout) {
		return SkipTimeout
	}
	return SkipCancelled
}

// finish aggregates the step outcomes, publishes the final event and
// persists the terminal record.
func (r *run) finish(ctx context.Context, started time.Time, interruption error) {
	// ctx is done after a cancel or timeout; the final writes must still
	// reach sinks and the store.
	ctx = context.WithoutCancel(ctx)
	now := r.engine.config.now()

	r.mu.Lock()
	status, executionErr := r.aggregateLocked(interruption)
	completedAt := now.UTC()
	r.execution.Status = status
	r.execution.CompletedAt = &completedAt
	if executionErr != nil {
		r.execution.ErrorMessage = executionErr.Error()
	}
	if status != ExecutionCancelled {
		r.execution.Output = r.outputLocked()
	}
	r.finished = now
	r.publishLocked(ctx, stream.Event{
		Type:   stream.EventFinal,
		Status: string(status),
		Output: r.execution.Output,
		Error:  r.execution.ErrorMessage,
	})
	final := r.execution.Clone()
	r.mu.Unlock()

	r.engine.saveExecution(ctx, final)
	r.observeExecutionEnd(ctx, status, executionErr, now.Sub(started))
}

// aggregateLocked derives the execution status: cancelled on cancel,
// failed when any node errored or was skipped for a failure, completed
// otherwise.
func (r *run) aggregateLocked(interruption error) (ExecutionStatus, error) {
	if interruption != nil && !errors.Is(interruption, ErrExecutionTimeout) {
		return ExecutionCancelled, interruption
	}
	if errors.Is(interruption, ErrExecutionTimeout) {
		return ExecutionFailed, interruption
	}

	var firstErr error
	cascaded := false
	for _, nodeID := range r.plan.Order {
		step := r.execution.Steps[r.stepIndex[nodeID]]
		switch {
		case step.Status == StepError && firstErr == nil:
			firstErr = errors.New(step.ErrorMessage)
		case step.Status == StepSkipped && !step.SkipReason.Intentional():
			cascaded = true
		}
	}
	if firstErr != nil {
		return ExecutionFailed, firstErr
	}
	if cascaded {
		return ExecutionFailed, errors.New("engine: nodes skipped after upstream failure")
	}
	return ExecutionCompleted, nil
}

// outputLocked collects the execution output: the output of the single
// output node, a map keyed by node id when there are several, and the
// outputs of successful sink nodes when the graph has no output node.
func (r *run) outputLocked() any {
	collect := func(include func(nodeID string) bool) map[string]any {
		outputs := make(map[string]any)
		for _, node := range r.execution.Graph.Nodes {
			step := r.execution.Steps[r.stepIndex[node.ID]]
			if step.Status == StepSuccess && include(node.ID) {
				outputs[node.ID] = step.Output
			}
		}
		return outputs
	}

	outputs := collect(func(nodeID string) bool {
		return r.nodes[nodeID].Type == workflow.NodeOutput
	})
	if len(outputs) == 0 {
		outputs = collect(func(nodeID string) bool {
			return len(r.plan.Successors[nodeID]) == 0
		})
	}

	switch len(outputs) {
	case 0:
		return nil
	case 1:
		for _, output := range outputs {
			return output
		}
	}
	return outputs
}

// runNode executes one node's handler and wraps failures.
func (r *run) runNode(ctx context.Context, node workflow.Node, input any, scope template.Scope) nodeResult {
	invocation := &nodeRun{run: r, node: node, input: input, scope: scope, attempts: 1}
	output, err := invocation.execute(ctx)
	result := nodeResult{
		nodeID:   node.ID,
		output:   output,
		attempts: invocation.attempts,
		usage:    invocation.usage,
	}
	if err != nil {
		result.output = nil
		result.err = &NodeExecutionError{
			NodeID:    node.ID,
			Transient: retry.IsTransient(err) || errors.Is(err, retry.ErrRetryExhausted),
			Err:       err,
		}
	}
	return result
}
