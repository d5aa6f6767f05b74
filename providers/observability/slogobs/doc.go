// Package slogobs implements observability.Provider on top of log/slog.
//
// Spans are logged at DEBUG when they start and end, counters keep their
// running totals in memory, and log calls map to slog levels with an extra
// TRACE level below DEBUG. Output is compact, pretty or JSON, chosen with
// [WithFormat] or the AGENTCANVAS_LOG_FORMAT environment variable; the level
// comes from [WithLevel] or AGENTCANVAS_LOG_LEVEL.
package slogobs
