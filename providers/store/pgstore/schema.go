package pgstore

import (
	"context"
	"fmt"
)

// createExecutionsSQL holds one row per execution. Status is denormalized
// for listing by status without decoding the graph.
const createExecutionsSQL = `CREATE TABLE IF NOT EXISTS %s (
    id            TEXT PRIMARY KEY,
    status        TEXT NOT NULL,
    trigger       TEXT NOT NULL DEFAULT '',
    graph         JSONB NOT NULL,
    input         JSONB,
    output        JSONB,
    error_message TEXT NOT NULL DEFAULT '',
    created_at    TIMESTAMPTZ NOT NULL,
    started_at    TIMESTAMPTZ,
    completed_at  TIMESTAMPTZ
)`

// createStepsSQL holds one row per node per execution. Position keeps the
// graph order of the steps.
const createStepsSQL = `CREATE TABLE IF NOT EXISTS %s (
    execution_id  TEXT NOT NULL REFERENCES %s (id) ON DELETE CASCADE,
    position      INTEGER NOT NULL,
    node_id       TEXT NOT NULL,
    node_type     TEXT NOT NULL,
    status        TEXT NOT NULL,
    input         JSONB,
    output        JSONB,
    error_message TEXT NOT NULL DEFAULT '',
    skip_reason   TEXT NOT NULL DEFAULT '',
    attempts      INTEGER NOT NULL DEFAULT 0,
    token_usage   JSONB,
    started_at    TIMESTAMPTZ,
    completed_at  TIMESTAMPTZ,
    PRIMARY KEY (execution_id, node_id)
)`

const createStatusIndexSQL = `CREATE INDEX IF NOT EXISTS %s
    ON %s (status, created_at DESC)`

// EnsureSchema creates both tables and the listing index if they do not
// exist yet.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, fmt.Sprintf(createExecutionsSQL, s.executionsTable)); err != nil {
		return fmt.Errorf("pgstore: create executions table: %w", err)
	}
	if _, err := s.db.Exec(ctx, fmt.Sprintf(createStepsSQL, s.stepsTable, s.executionsTable)); err != nil {
		return fmt.Errorf("pgstore: create steps table: %w", err)
	}
	if _, err := s.db.Exec(ctx, fmt.Sprintf(createStatusIndexSQL, s.statusIndex, s.executionsTable)); err != nil {
		return fmt.Errorf("pgstore: create status index: %w", err)
	}
	return nil
}
