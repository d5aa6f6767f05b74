package engine

import "context"

// Store persists executions. Implementations must be safe for concurrent
// use. Lookups of unknown ids return an error wrapping ErrExecutionNotFound.
type Store interface {
	// SaveExecution inserts or replaces the execution record, steps
	// included.
	SaveExecution(ctx context.Context, execution Execution) error

	// SaveStep inserts or replaces one step of a saved execution.
	SaveStep(ctx context.Context, executionID string, step Step) error

	Execution(ctx context.Context, id string) (Execution, error)

	// ListExecutions returns executions newest first.
	ListExecutions(ctx context.Context, filter ListFilter) ([]Execution, error)
}

// ListFilter narrows ListExecutions. Zero fields do not filter.
type ListFilter struct {
	Status ExecutionStatus
	Limit  int
}
