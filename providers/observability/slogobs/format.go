package slogobs

import (
	"os"
	"strings"
)

// Format selects how log records are rendered.
type Format string

const (
	// FormatCompact writes one line per record with attributes as JSON:
	//	2026-01-02 15:04:05  INFO node finished → {"node.id":"llm-1"}
	FormatCompact Format = "compact"

	// FormatPretty writes the message line followed by one indented line per
	// attribute.
	FormatPretty Format = "pretty"

	// FormatJSON writes one JSON object per record, for log shippers.
	FormatJSON Format = "json"
)

// ParseFormat maps a case-insensitive name to a Format. Unknown names fall
// back to FormatCompact.
func ParseFormat(name string) Format {
	switch Format(strings.ToLower(strings.TrimSpace(name))) {
	case FormatPretty:
		return FormatPretty
	case FormatJSON:
		return FormatJSON
	default:
		return FormatCompact
	}
}

// FormatFromEnv reads AGENTCANVAS_LOG_FORMAT, then LOG_FORMAT.
func FormatFromEnv() Format {
	for _, key := range []string{"AGENTCANVAS_LOG_FORMAT", "LOG_FORMAT"} {
		if value := os.Getenv(key); value != "" {
			return ParseFormat(value)
		}
	}
	return FormatCompact
}
