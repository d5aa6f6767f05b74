// Package engine executes workflow graphs.
//
// Run validates a graph, snapshots it and schedules its nodes in the
// background. A node is dispatched once every predecessor is terminal, in
// rank then graph order, with a bounded number of nodes running at a time.
// Failures propagate only to dependents, which are skipped with reason
// upstream_failed; disabled nodes and their dependents are skipped without
// failing the execution.
//
// Progress is published as sequence-numbered events on a stream.Hub:
//
//	id, err := eng.Run(ctx, graph, map[string]any{"topic": "go"})
//	execution, lastSeq, err := eng.Snapshot(ctx, id)
//	events, err := eng.Subscribe(ctx, id, lastSeq)
//	for event := range events {
//	    ...
//	}
//
// Replaying events after the snapshot's sequence number brings the snapshot
// up to date, so a reconnecting client never misses or double counts a
// token.
package engine
