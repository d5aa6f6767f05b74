package memstore

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/leofalp/agentcanvas/core/engine"
)

// Store is a concurrency-safe in-memory execution store.
// It uses RWMutex to guard access and is efficient for read-heavy workloads.
type Store struct {
	mu         sync.RWMutex
	executions map[string]engine.Execution
}

// New returns a new, empty [Store] ready for immediate use.
func New() *Store {
	return &Store{
		executions: make(map[string]engine.Execution),
	}
}

// Ensure Store implements engine.Store at compile time.
var _ engine.Store = (*Store)(nil)

// SaveExecution stores a copy of execution, replacing any earlier record
// with the same id. The context parameter is accepted for interface
// compliance but is not used.
func (s *Store) SaveExecution(_ context.Context, execution engine.Execution) error {
	if execution.ID == "" {
		return fmt.Errorf("memstore: execution id is required")
	}
	copied := execution.Clone()
	s.mu.Lock()
	s.executions[execution.ID] = copied
	s.mu.Unlock()
	return nil
}

// SaveStep replaces the step with the same node id, or appends it when the
// execution has no such step yet.
func (s *Store) SaveStep(_ context.Context, executionID string, step engine.Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	execution, found := s.executions[executionID]
	if !found {
		return fmt.Errorf("%w: %s", engine.ErrExecutionNotFound, executionID)
	}
	updated := step.Clone()
	for index := range execution.Steps {
		if execution.Steps[index].NodeID == step.NodeID {
			if updated.NodeType == "" {
				updated.NodeType = execution.Steps[index].NodeType
			}
			execution.Steps[index] = updated
			s.executions[executionID] = execution
			return nil
		}
	}
	execution.Steps = append(execution.Steps, updated)
	s.executions[executionID] = execution
	return nil
}

// Execution returns an independent copy of the stored execution.
func (s *Store) Execution(_ context.Context, id string) (engine.Execution, error) {
	s.mu.RLock()
	execution, found := s.executions[id]
	s.mu.RUnlock()
	if !found {
		return engine.Execution{}, fmt.Errorf("%w: %s", engine.ErrExecutionNotFound, id)
	}
	return execution.Clone(), nil
}

// ListExecutions returns copies of the matching executions, newest first.
// Ties on CreatedAt are broken by id so the order is stable.
func (s *Store) ListExecutions(_ context.Context, filter engine.ListFilter) ([]engine.Execution, error) {
	s.mu.RLock()
	matched := make([]engine.Execution, 0, len(s.executions))
	for _, execution := range s.executions {
		if filter.Status != "" && execution.Status != filter.Status {
			continue
		}
		matched = append(matched, execution.Clone())
	}
	s.mu.RUnlock()

	slices.SortFunc(matched, func(a, b engine.Execution) int {
		if cmp := b.CreatedAt.Compare(a.CreatedAt); cmp != 0 {
			return cmp
		}
		return strings.Compare(a.ID, b.ID)
	})
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

// Len returns the number of stored executions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.executions)
}
