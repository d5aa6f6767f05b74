// Package openai implements ai.Provider and ai.StreamProvider against any
// OpenAI-compatible /chat/completions endpoint.
//
// The API key and base URL default to OPENAI_API_KEY and OPENAI_API_BASE_URL.
// Rate limits, 5xx responses and connection failures are returned marked
// with retry.Transient so callers can retry them.
package openai
