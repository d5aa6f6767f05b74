// Package server exposes the engine, the presence service and the scheduler
// over HTTP.
//
// Routes live under /v1:
//
//	POST   /v1/workflows/validate
//	POST   /v1/executions
//	GET    /v1/executions
//	GET    /v1/executions/:id
//	POST   /v1/executions/:id/cancel
//	GET    /v1/executions/:id/events     Server-Sent Events, resumable with ?after= or Last-Event-ID
//	GET    /v1/executions/:id/ws         the same events over a WebSocket
//	GET    /v1/sessions/:session/presence
//	GET    /v1/sessions/:session/ws      presence WebSocket
//	POST   /v1/schedules
//	GET    /v1/schedules
//	GET    /v1/schedules/:id
//	DELETE /v1/schedules/:id
//	POST   /v1/schedules/:id/fire
//
// /healthz and /metrics sit at the root.
package server
