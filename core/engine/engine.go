package engine

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/leofalp/agentcanvas/core/retry"
	"github.com/leofalp/agentcanvas/core/stream"
	"github.com/leofalp/agentcanvas/core/workflow"
	"github.com/leofalp/agentcanvas/providers/observability"
	"github.com/leofalp/agentcanvas/providers/skill"
)

// Engine runs workflow graphs. Each Run executes in the background; callers
// follow it through Wait, Snapshot and Subscribe. An Engine is safe for
// concurrent use.
type Engine struct {
	config config

	mu     sync.Mutex
	runs   map[string]*run
	closed bool
}

// New returns an Engine configured by opts. Without WithHub a private hub
// is created; without WithSkillCaller skills are called over HTTP with the
// configured credentials.
func New(opts ...Option) *Engine {
	config := config{
		maxParallelism:   DefaultMaxParallelism,
		executionTimeout: DefaultExecutionTimeout,
		skillTimeout:     DefaultSkillTimeout,
		llmTimeout:       DefaultLLMTimeout,
		stallTimeout:     DefaultStallTimeout,
		runRetention:     DefaultRunRetention,
		retryPolicy:      retry.DefaultPolicy(),
		now:              time.Now,
		newID:            uuid.NewString,
	}
	for _, opt := range opts {
		opt(&config)
	}

	if config.hub == nil {
		config.hub = stream.NewHub(stream.WithObserver(config.observer))
	}
	if config.skillCaller == nil {
		clientOpts := make([]skill.ClientOption, 0, 1)
		if config.credentials != nil {
			clientOpts = append(clientOpts, skill.WithCredentials(config.credentials))
		}
		config.skillCaller = skill.NewClient(clientOpts...)
	}

	return &Engine{
		config: config,
		runs:   make(map[string]*run),
	}
}

// Hub returns the event hub the engine publishes to.
func (e *Engine) Hub() *stream.Hub {
	return e.config.hub
}

// Run validates graph and starts executing it with input. It returns the
// execution id as soon as the run is scheduled. A graph that fails
// validation returns a *workflow.GraphValidationError and nothing runs.
//
// The run outlives ctx: it stops only on Cancel, its timeout or Close.
func (e *Engine) Run(ctx context.Context, graph *workflow.Graph, input any, opts ...RunOption) (string, error) {
	runConfig := runConfig{trigger: "api", timeout: e.config.executionTimeout}
	for _, opt := range opts {
		opt(&runConfig)
	}

	plan, err := workflow.NewPlan(graph)
	if err != nil {
		return "", err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return "", ErrEngineClosed
	}
	e.evictLocked()
	e.mu.Unlock()

	id := e.config.newID()
	channel, err := e.config.hub.Open(id)
	if err != nil {
		return "", fmt.Errorf("engine: open event stream: %w", err)
	}

	r := newRun(e, id, graph.Clone(), plan, input, runConfig.trigger, channel)

	runCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	runCtx, cancelTimeout := context.WithTimeoutCause(runCtx, runConfig.timeout, ErrExecutionTimeout)
	r.cancel = cancel

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		cancelTimeout()
		cancel(ErrEngineClosed)
		channel.Close()
		return "", ErrEngineClosed
	}
	e.runs[id] = r
	e.mu.Unlock()

	execution, _ := r.snapshot()
	e.saveExecution(ctx, execution)

	go func() {
		defer cancel(nil)
		defer cancelTimeout()
		r.execute(runCtx)
	}()

	return id, nil
}

// Wait blocks until the execution is terminal or ctx is done and returns
// the final record.
func (e *Engine) Wait(ctx context.Context, id string) (Execution, error) {
	r, found := e.lookup(id)
	if !found {
		return e.stored(ctx, id)
	}

	select {
	case <-r.done:
		execution, _ := r.snapshot()
		return execution, nil
	case <-ctx.Done():
		return Execution{}, ctx.Err()
	}
}

// Snapshot returns the current state of an execution together with the
// sequence number of the last event it reflects. Replaying events after
// that number brings the snapshot up to date.
func (e *Engine) Snapshot(ctx context.Context, id string) (Execution, uint64, error) {
	if r, found := e.lookup(id); found {
		execution, lastSeq := r.snapshot()
		return execution, lastSeq, nil
	}

	execution, err := e.stored(ctx, id)
	if err != nil {
		return Execution{}, 0, err
	}
	var lastSeq uint64
	if channel, err := e.config.hub.Channel(id); err == nil {
		lastSeq = channel.LastSeq()
	}
	return execution, lastSeq, nil
}

// Get returns the current state of an execution.
func (e *Engine) Get(ctx context.Context, id string) (Execution, error) {
	execution, _, err := e.Snapshot(ctx, id)
	return execution, err
}

// Subscribe streams the events of an execution with Seq > afterSeq. The
// channel closes after the final event or when ctx is done.
func (e *Engine) Subscribe(ctx context.Context, id string, afterSeq uint64) (<-chan stream.Event, error) {
	events, err := e.config.hub.Subscribe(ctx, id, afterSeq)
	if errors.Is(err, stream.ErrChannelNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, id)
	}
	return events, err
}

// Cancel stops a running execution. Pending and running nodes are skipped
// with reason cancelled. Cancelling a terminal execution is a no-op.
func (e *Engine) Cancel(ctx context.Context, id string) error {
	r, found := e.lookup(id)
	if !found {
		if _, err := e.stored(ctx, id); err != nil {
			return err
		}
		return nil
	}

	select {
	case <-r.done:
		return nil
	default:
	}

	if observer := e.config.observer; observer != nil {
		observer.Info(ctx, "execution cancel requested",
			observability.String(observability.AttrExecutionID, id))
	}
	r.cancel(ErrExecutionCanceled)
	return nil
}

// List returns executions newest first. Without a Store only executions
// held in memory are listed.
func (e *Engine) List(ctx context.Context, filter ListFilter) ([]Execution, error) {
	if e.config.store != nil {
		return e.config.store.ListExecutions(ctx, filter)
	}

	e.mu.Lock()
	runs := make([]*run, 0, len(e.runs))
	for _, r := range e.runs {
		runs = append(runs, r)
	}
	e.mu.Unlock()

	executions := make([]Execution, 0, len(runs))
	for _, r := range runs {
		execution, _ := r.snapshot()
		if filter.Status != "" && execution.Status != filter.Status {
			continue
		}
		executions = append(executions, execution)
	}
	slices.SortFunc(executions, func(a, b Execution) int {
		if order := b.CreatedAt.Compare(a.CreatedAt); order != 0 {
			return order
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if filter.Limit > 0 && len(executions) > filter.Limit {
		executions = executions[:filter.Limit]
	}
	return executions, nil
}

// Close cancels every running execution and waits for them to finish or
// for ctx to be done. Run fails with ErrEngineClosed afterwards.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	runs := make([]*run, 0, len(e.runs))
	for _, r := range e.runs {
		runs = append(runs, r)
	}
	e.mu.Unlock()

	for _, r := range runs {
		r.cancel(ErrEngineClosed)
	}
	for _, r := range runs {
		select {
		case <-r.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (e *Engine) lookup(id string) (*run, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, found := e.runs[id]
	return r, found
}

func (e *Engine) stored(ctx context.Context, id string) (Execution, error) {
	if e.config.store == nil {
		return Execution{}, fmt.Errorf("%w: %s", ErrExecutionNotFound, id)
	}
	execution, err := e.config.store.Execution(ctx, id)
	if err != nil {
		return Execution{}, err
	}
	return execution, nil
}

// evictLocked forgets finished runs older than the retention window.
func (e *Engine) evictLocked() {
	cutoff := e.config.now().Add(-e.config.runRetention)
	for id, r := range e.runs {
		if finishedAt, finished := r.finishedAt(); finished && finishedAt.Before(cutoff) {
			delete(e.runs, id)
		}
	}
}

func (e *Engine) saveExecution(ctx context.Context, execution Execution) {
	if e.config.store == nil {
		return
	}
	if err := e.config.store.SaveExecution(ctx, execution); err != nil {
		e.logStoreError(ctx, execution.ID, err)
	}
}

func (e *Engine) saveStep(ctx context.Context, executionID string, step Step) {
	if e.config.store == nil {
		return
	}
	if err := e.config.store.SaveStep(ctx, executionID, step); err != nil {
		e.logStoreError(ctx, executionID, err)
	}
}

func (e *Engine) logStoreError(ctx context.Context, executionID string, err error) {
	if e.config.observer == nil {
		return
	}
	e.config.observer.Error(ctx, "execution store write failed",
		observability.String(observability.AttrExecutionID, executionID),
		observability.Error(err),
	)
}
