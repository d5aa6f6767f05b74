// Package memstore keeps executions in process memory.
//
// It is the default store of the agentcanvas server when no database is
// configured. Records survive only as long as the process, which makes it a
// good fit for tests and single-node development setups.
package memstore
