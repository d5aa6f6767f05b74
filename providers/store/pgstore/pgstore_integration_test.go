//go:build integration

package pgstore

import (
	"context"
	"errors"
	"log"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/leofalp/agentcanvas/core/engine"
	"github.com/leofalp/agentcanvas/core/workflow"
)

var testPool *pgxpool.Pool

// TestMain starts a PostgreSQL container, creates the schema and tears
// everything down after the tests.
func TestMain(m *testing.M) {
	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	defer cancel()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("agentcanvas_test"),
		postgres.WithUsername("agentcanvas"),
		postgres.WithPassword("agentcanvas"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		log.Fatalf("pgstore: failed to start postgres container: %v", err)
	}

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		log.Fatalf("pgstore: failed to get connection string: %v", err)
	}

	testPool, err = pgxpool.New(ctx, connStr)
	if err != nil {
		log.Fatalf("pgstore: failed to create pool: %v", err)
	}
	if err := New(testPool).EnsureSchema(ctx); err != nil {
		log.Fatalf("pgstore: failed to create schema: %v", err)
	}

	code := m.Run()

	testPool.Close()
	if err := testcontainers.TerminateContainer(pgContainer); err != nil {
		log.Printf("pgstore: failed to terminate container: %v", err)
	}
	os.Exit(code)
}

func TestStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	store := New(testPool)
	execution := sampleExecution()
	execution.ID = "roundtrip-" + t.Name()

	if err := store.SaveExecution(ctx, execution); err != nil {
		t.Fatalf("SaveExecution returned error: %v", err)
	}

	completed := time.Now().UTC().Truncate(time.Microsecond)
	if err := store.SaveStep(ctx, execution.ID, engine.Step{
		NodeID:      "llm",
		NodeType:    workflow.NodeLLM,
		Status:      engine.StepSuccess,
		Output:      "hello",
		Attempts:    1,
		CompletedAt: &completed,
	}); err != nil {
		t.Fatalf("SaveStep returned error: %v", err)
	}

	execution.Status = engine.ExecutionCompleted
	execution.Output = "hello"
	execution.CompletedAt = &completed
	execution.Steps[1].Status = engine.StepSuccess
	execution.Steps[1].Output = "hello"
	if err := store.SaveExecution(ctx, execution); err != nil {
		t.Fatalf("SaveExecution (final) returned error: %v", err)
	}

	loaded, err := store.Execution(ctx, execution.ID)
	if err != nil {
		t.Fatalf("Execution returned error: %v", err)
	}
	if loaded.Status != engine.ExecutionCompleted || loaded.Output != "hello" {
		t.Fatalf("unexpected execution %s/%v", loaded.Status, loaded.Output)
	}
	if len(loaded.Steps) != 2 || loaded.Steps[0].NodeID != "in" || loaded.Steps[1].Output != "hello" {
		t.Fatalf("unexpected steps %+v", loaded.Steps)
	}
	if len(loaded.Graph.Nodes) != 2 || len(loaded.Graph.Edges) != 1 {
		t.Fatalf("graph snapshot not restored: %+v", loaded.Graph)
	}

	listed, err := store.ListExecutions(ctx, engine.ListFilter{Status: engine.ExecutionCompleted})
	if err != nil {
		t.Fatalf("ListExecutions returned error: %v", err)
	}
	found := false
	for _, candidate := range listed {
		found = found || candidate.ID == execution.ID
	}
	if !found {
		t.Fatalf("completed execution missing from listing")
	}

	if _, err := store.Execution(ctx, "missing"); !errors.Is(err, engine.ErrExecutionNotFound) {
		t.Fatalf("expected ErrExecutionNotFound, got %v", err)
	}
}
