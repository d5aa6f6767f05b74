package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/leofalp/agentcanvas/core/engine"
	"github.com/leofalp/agentcanvas/core/workflow"
	"github.com/leofalp/agentcanvas/providers/ai"
)

const (
	defaultExecutionsTable = "agentcanvas_executions"
	defaultStepsTable      = "agentcanvas_execution_steps"
	defaultStatusIndex     = "idx_agentcanvas_executions_status_created"
)

// Querier abstracts the pgx query methods needed by Store. Both
// *pgxpool.Pool and pgx.Tx satisfy it.
type Querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// TxQuerier extends Querier with transactions. SaveExecution writes the
// execution and its steps atomically when the db implements it.
type TxQuerier interface {
	Querier
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store implements engine.Store on PostgreSQL. Concurrency is handled by
// the pgx pool.
type Store struct {
	db              Querier
	executionsTable string
	stepsTable      string
	statusIndex     string
}

var _ engine.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithTablePrefix replaces the "agentcanvas" prefix of the table names. The
// names are sanitized with pgx.Identifier since they are interpolated into
// queries.
func WithTablePrefix(prefix string) Option {
	return func(s *Store) {
		s.executionsTable = pgx.Identifier{prefix + "_executions"}.Sanitize()
		s.stepsTable = pgx.Identifier{prefix + "_execution_steps"}.Sanitize()
		s.statusIndex = pgx.Identifier{"idx_" + prefix + "_executions_status_created"}.Sanitize()
	}
}

// New returns a Store on db, typically a *pgxpool.Pool.
func New(db Querier, opts ...Option) *Store {
	store := &Store{
		db:              db,
		executionsTable: defaultExecutionsTable,
		stepsTable:      defaultStepsTable,
		statusIndex:     defaultStatusIndex,
	}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

// SaveExecution upserts the execution row and every step row.
func (s *Store) SaveExecution(ctx context.Context, execution engine.Execution) error {
	txDB, ok := s.db.(TxQuerier)
	if !ok {
		return s.saveExecution(ctx, s.db, execution)
	}

	tx, err := txDB.Begin(ctx)
	if err != nil {
		return fmt.Errorf("pgstore: save execution begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	if err := s.saveExecution(ctx, tx, execution); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("pgstore: save execution commit tx: %w", err)
	}
	return nil
}

func (s *Store) saveExecution(ctx context.Context, db Querier, execution engine.Execution) error {
	graphJSON, err := json.Marshal(execution.Graph)
	if err != nil {
		return fmt.Errorf("pgstore: encode graph: %w", err)
	}
	inputJSON, err := marshalNullableJSON(execution.Input)
	if err != nil {
		return fmt.Errorf("pgstore: encode input: %w", err)
	}
	outputJSON, err := marshalNullableJSON(execution.Output)
	if err != nil {
		return fmt.Errorf("pgstore: encode output: %w", err)
	}

	query := fmt.Sprintf(`INSERT INTO %s
		(id, status, trigger, graph, input, output, error_message, created_at, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			output = EXCLUDED.output,
			error_message = EXCLUDED.error_message,
			started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at`, s.executionsTable)

	if _, err := db.Exec(ctx, query,
		execution.ID,
		string(execution.Status),
		execution.Trigger,
		graphJSON,
		inputJSON,
		outputJSON,
		execution.ErrorMessage,
		execution.CreatedAt,
		execution.StartedAt,
		execution.CompletedAt,
	); err != nil {
		return fmt.Errorf("pgstore: save execution %s: %w", execution.ID, err)
	}

	for position, step := range execution.Steps {
		if err := s.upsertStep(ctx, db, execution.ID, position, step); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) upsertStep(ctx context.Context, db Querier, executionID string, position int, step engine.Step) error {
	values, err := stepValues(step)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`INSERT INTO %s
		(execution_id, position, node_id, node_type, status, input, output, error_message, skip_reason, attempts, token_usage, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (execution_id, node_id) DO UPDATE SET
			status = EXCLUDED.status,
			input = EXCLUDED.input,
			output = EXCLUDED.output,
			error_message = EXCLUDED.error_message,
			skip_reason = EXCLUDED.skip_reason,
			attempts = EXCLUDED.attempts,
			token_usage = EXCLUDED.token_usage,
			started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at`, s.stepsTable)

	args := append([]any{executionID, position, step.NodeID, string(step.NodeType)}, values...)
	if _, err := db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("pgstore: save step %s/%s: %w", executionID, step.NodeID, err)
	}
	return nil
}

// SaveStep updates one step of a saved execution. It fails with
// engine.ErrExecutionNotFound when the step row does not exist.
func (s *Store) SaveStep(ctx context.Context, executionID string, step engine.Step) error {
	values, err := stepValues(step)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`UPDATE %s SET
		status = $3, input = $4, output = $5, error_message = $6, skip_reason = $7,
		attempts = $8, token_usage = $9, started_at = $10, completed_at = $11
		WHERE execution_id = $1 AND node_id = $2`, s.stepsTable)

	args := append([]any{executionID, step.NodeID}, values...)
	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("pgstore: save step %s/%s: %w", executionID, step.NodeID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s (step %s)", engine.ErrExecutionNotFound, executionID, step.NodeID)
	}
	return nil
}

// stepValues returns status, input, output, error_message, skip_reason,
// attempts, token_usage, started_at and completed_at in that order.
func stepValues(step engine.Step) ([]any, error) {
	inputJSON, err := marshalNullableJSON(step.Input)
	if err != nil {
		return nil, fmt.Errorf("pgstore: encode step input: %w", err)
	}
	outputJSON, err := marshalNullableJSON(step.Output)
	if err != nil {
		return nil, fmt.Errorf("pgstore: encode step output: %w", err)
	}
	var usageJSON []byte
	if step.TokenUsage != nil {
		if usageJSON, err = json.Marshal(step.TokenUsage); err != nil {
			return nil, fmt.Errorf("pgstore: encode token usage: %w", err)
		}
	}
	return []any{
		string(step.Status),
		inputJSON,
		outputJSON,
		step.ErrorMessage,
		string(step.SkipReason),
		step.Attempts,
		usageJSON,
		step.StartedAt,
		step.CompletedAt,
	}, nil
}

const executionColumns = `id, status, trigger, graph, input, output, error_message, created_at, started_at, completed_at`

// Execution loads one execution with its steps in graph order.
func (s *Store) Execution(ctx context.Context, id string) (engine.Execution, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, executionColumns, s.executionsTable)

	execution, err := scanExecution(s.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return engine.Execution{}, fmt.Errorf("%w: %s", engine.ErrExecutionNotFound, id)
		}
		return engine.Execution{}, fmt.Errorf("pgstore: load execution %s: %w", id, err)
	}

	steps, err := s.steps(ctx, []string{id})
	if err != nil {
		return engine.Execution{}, err
	}
	execution.Steps = steps[id]
	if execution.Steps == nil {
		execution.Steps = []engine.Step{}
	}
	return execution, nil
}

// ListExecutions returns executions newest first, steps included.
func (s *Store) ListExecutions(ctx context.Context, filter engine.ListFilter) ([]engine.Execution, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	query := fmt.Sprintf(`SELECT %s FROM %s
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at DESC, id ASC
		LIMIT $2`, executionColumns, s.executionsTable)

	rows, err := s.db.Query(ctx, query, string(filter.Status), limit)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list executions: %w", err)
	}
	defer rows.Close()

	executions := make([]engine.Execution, 0)
	for rows.Next() {
		execution, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("pgstore: scan execution: %w", err)
		}
		executions = append(executions, execution)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pgstore: iterate executions: %w", err)
	}
	if len(executions) == 0 {
		return executions, nil
	}

	ids := make([]string, len(executions))
	for index, execution := range executions {
		ids[index] = execution.ID
	}
	steps, err := s.steps(ctx, ids)
	if err != nil {
		return nil, err
	}
	for index := range executions {
		executions[index].Steps = steps[executions[index].ID]
		if executions[index].Steps == nil {
			executions[index].Steps = []engine.Step{}
		}
	}
	return executions, nil
}

// steps loads the steps of the given executions keyed by execution id.
func (s *Store) steps(ctx context.Context, executionIDs []string) (map[string][]engine.Step, error) {
	query := fmt.Sprintf(`SELECT execution_id, node_id, node_type, status, input, output, error_message,
		skip_reason, attempts, token_usage, started_at, completed_at
		FROM %s WHERE execution_id = ANY($1) ORDER BY execution_id, position ASC`, s.stepsTable)

	rows, err := s.db.Query(ctx, query, executionIDs)
	if err != nil {
		return nil, fmt.Errorf("pgstore: load steps: %w", err)
	}
	defer rows.Close()

	steps := make(map[string][]engine.Step, len(executionIDs))
	for rows.Next() {
		var executionID, nodeType, status, skipReason string
		var inputJSON, outputJSON, usageJSON []byte
		var step engine.Step

		if err := rows.Scan(
			&executionID, &step.NodeID, &nodeType, &status, &inputJSON, &outputJSON, &step.ErrorMessage,
			&skipReason, &step.Attempts, &usageJSON, &step.StartedAt, &step.CompletedAt,
		); err != nil {
			return nil, fmt.Errorf("pgstore: scan step: %w", err)
		}

		step.NodeType = workflow.NodeType(nodeType)
		step.Status = engine.StepStatus(status)
		step.SkipReason = engine.SkipReason(skipReason)
		if step.Input, err = unmarshalNullableJSON(inputJSON); err != nil {
			return nil, fmt.Errorf("pgstore: decode step input: %w", err)
		}
		if step.Output, err = unmarshalNullableJSON(outputJSON); err != nil {
			return nil, fmt.Errorf("pgstore: decode step output: %w", err)
		}
		if len(usageJSON) > 0 {
			step.TokenUsage = &ai.Usage{}
			if err := json.Unmarshal(usageJSON, step.TokenUsage); err != nil {
				return nil, fmt.Errorf("pgstore: decode token usage: %w", err)
			}
		}
		steps[executionID] = append(steps[executionID], step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pgstore: iterate steps: %w", err)
	}
	return steps, nil
}

func scanExecution(row pgx.Row) (engine.Execution, error) {
	var execution engine.Execution
	var status string
	var graphJSON, inputJSON, outputJSON []byte
	var createdAt time.Time

	if err := row.Scan(
		&execution.ID, &status, &execution.Trigger, &graphJSON, &inputJSON, &outputJSON,
		&execution.ErrorMessage, &createdAt, &execution.StartedAt, &execution.CompletedAt,
	); err != nil {
		return engine.Execution{}, err
	}

	graph, err := workflow.Parse(graphJSON)
	if err != nil {
		return engine.Execution{}, err
	}
	execution.Graph = graph
	execution.Status = engine.ExecutionStatus(status)
	execution.CreatedAt = createdAt
	if execution.Input, err = unmarshalNullableJSON(inputJSON); err != nil {
		return engine.Execution{}, fmt.Errorf("decode input: %w", err)
	}
	if execution.Output, err = unmarshalNullableJSON(outputJSON); err != nil {
		return engine.Execution{}, fmt.Errorf("decode output: %w", err)
	}
	return execution, nil
}

// marshalNullableJSON maps nil to SQL NULL instead of a JSON null.
func marshalNullableJSON(value any) ([]byte, error) {
	if value == nil {
		return nil, nil
	}
	return json.Marshal(value)
}

func unmarshalNullableJSON(raw []byte) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, err
	}
	return value, nil
}
