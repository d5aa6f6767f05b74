// Package utils provides shared low-level helpers: JSON-over-HTTP requests,
// a Server-Sent Events scanner used by both the model provider and the
// execution event stream, lenient JSON parsing and string helpers.
package utils
