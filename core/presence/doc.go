// Package presence broadcasts ephemeral collaborator state for editing
// sessions.
//
// Each connected client owns one [Presence] record per session (cursor,
// active node, color, display name). Clients send partial updates as a
// [Patch]; fields merge independently with last-write-wins on the patch
// timestamp, so two tabs moving the cursor and renaming the user at the same
// time never clobber each other. Records are never persisted: a client that
// stops heartbeating is swept after [DefaultHeartbeatTimeout] and peers
// receive a leave message, exactly as if it had disconnected.
//
//	service := presence.NewService(presence.NewMemoryStore())
//	go service.Run(ctx) // sweeper
//	messages, unsubscribe := service.Subscribe("graph-1", "alice")
//	defer unsubscribe()
//	_, peers, _ := service.Join(ctx, "graph-1", "alice", "Alice", "")
package presence
