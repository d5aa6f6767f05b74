// Package store groups the engine.Store implementations: memstore keeps
// executions in process memory, pgstore persists them in PostgreSQL.
package store
