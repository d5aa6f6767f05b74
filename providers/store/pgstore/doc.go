// Package pgstore persists executions and their steps in PostgreSQL through
// pgx/v5. Graph snapshots, inputs and outputs are stored as JSONB.
//
// Use [Store.EnsureSchema] during development to create the tables;
// production deployments should manage migrations with dedicated tooling.
package pgstore
