package engine

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/leofalp/agentcanvas/core/workflow"
	"github.com/leofalp/agentcanvas/providers/ai"
)

var (
	ErrExecutionNotFound = errors.New("engine: execution not found")
	ErrExecutionCanceled = errors.New("engine: execution canceled")
	ErrExecutionTimeout  = errors.New("engine: execution timed out")
	ErrEngineClosed      = errors.New("engine: closed")
	ErrNoModelProvider   = errors.New("engine: no model provider configured")
	ErrNoSkillCatalog    = errors.New("engine: no skill catalog configured")
	ErrUnsupportedInput  = errors.New("engine: unsupported node input")
)

// StepStatus is the lifecycle state of one node within an execution.
type StepStatus string

const (
	StepPending StepStatus = "pending"
	StepRunning StepStatus = "running"
	StepSuccess StepStatus = "success"
	StepError   StepStatus = "error"
	StepSkipped StepStatus = "skipped"
)

// Terminal reports whether the step can no longer change.
func (s StepStatus) Terminal() bool {
	return s == StepSuccess || s == StepError || s == StepSkipped
}

// ExecutionStatus is the lifecycle state of an execution.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether the execution has finished.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed || s == ExecutionCancelled
}

// SkipReason explains why a step was skipped.
type SkipReason string

const (
	// SkipUpstreamFailed cascades from a predecessor that errored or was
	// itself skipped for a failure.
	SkipUpstreamFailed SkipReason = "upstream_failed"

	// SkipDisabled marks a node the author switched off.
	SkipDisabled SkipReason = "disabled"

	// SkipUpstreamDisabled cascades from a disabled predecessor.
	SkipUpstreamDisabled SkipReason = "upstream_disabled"

	SkipCancelled SkipReason = "cancelled"
	SkipTimeout   SkipReason = "timeout"
)

// Intentional reports whether the skip was requested by the author rather
// than caused by a failure. Intentional skips do not fail an execution.
func (r SkipReason) Intentional() bool {
	return r == SkipDisabled || r == SkipUpstreamDisabled
}

// Step records the outcome of one node in one execution.
type Step struct {
	NodeID       string            `json:"node_id"`
	NodeType     workflow.NodeType `json:"node_type"`
	Status       StepStatus        `json:"status"`
	Input        any               `json:"input,omitempty"`
	Output       any               `json:"output,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
	SkipReason   SkipReason        `json:"skip_reason,omitempty"`
	Attempts     int               `json:"attempts,omitempty"`
	TokenUsage   *ai.Usage         `json:"token_usage,omitempty"`
	StartedAt    *time.Time        `json:"started_at,omitempty"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
}

// Execution is one run of a graph.
type Execution struct {
	ID string `json:"id"`

	// Graph is the snapshot taken when the run started. Later edits to the
	// source graph do not affect it.
	Graph        *workflow.Graph `json:"graph"`
	Input        any             `json:"input,omitempty"`
	Status       ExecutionStatus `json:"status"`
	Steps        []Step          `json:"steps"`
	Output       any             `json:"output,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	Trigger      string          `json:"trigger,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}

// Step returns the step of nodeID.
func (e *Execution) Step(nodeID string) (Step, bool) {
	for _, step := range e.Steps {
		if step.NodeID == nodeID {
			return step, true
		}
	}
	return Step{}, false
}

// Clone returns a copy that shares no mutable state with e. Input and output
// values are treated as immutable once recorded and are shared.
func (e Execution) Clone() Execution {
	e.Graph = e.Graph.Clone()
	e.Steps = slices.Clone(e.Steps)
	for index := range e.Steps {
		e.Steps[index] = e.Steps[index].Clone()
	}
	e.StartedAt = cloneTime(e.StartedAt)
	e.CompletedAt = cloneTime(e.CompletedAt)
	return e
}

// Clone returns a copy of s with its own time and usage pointers.
func (s Step) Clone() Step {
	if s.TokenUsage != nil {
		usage := *s.TokenUsage
		s.TokenUsage = &usage
	}
	if output, ok := s.Output.(map[string]any); ok {
		s.Output = maps.Clone(output)
	}
	s.StartedAt = cloneTime(s.StartedAt)
	s.CompletedAt = cloneTime(s.CompletedAt)
	return s
}

func cloneTime(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	copied := *value
	return &copied
}

// NodeExecutionError is the error recorded for a failed node.
type NodeExecutionError struct {
	NodeID string

	// Transient is true when the last failure was retryable but attempts ran
	// out.
	Transient bool
	Err       error
}

func (e *NodeExecutionError) Error() string {
	return fmt.Sprintf("node %q: %v", e.NodeID, e.Err)
}

func (e *NodeExecutionError) Unwrap() error { return e.Err }
