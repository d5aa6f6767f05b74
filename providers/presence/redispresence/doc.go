// Package redispresence stores presence records in Redis so several
// agentcanvas servers can share editing sessions.
//
// Every record is a JSON string under "<prefix>:<session>:<client>" with a
// TTL; a per-session sorted set scored by last heartbeat drives [Store.Sweep]
// and [Store.List]. The TTL is a safety net for crashed servers: records
// normally leave through Sweep so peers are told about it.
package redispresence
