// Package stream carries execution events to any number of readers.
//
// Each execution owns one [Channel]: an append-only log whose sequence
// numbers start at 1 and never repeat. Readers follow the log through their
// own cursor, so a slow reader never drops or reorders events, and a reader
// that reconnects passes the last sequence it saw to receive everything after
// it. A [Hub] indexes channels by execution id, fans every event out to
// registered [Sink] values and evicts closed channels after a retention
// window. The SSE codec in this package is shared by the HTTP server and its
// clients.
package stream
