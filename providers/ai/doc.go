// Package ai defines the provider-agnostic chat types used by llm nodes.
//
// [Provider] covers synchronous completions and [StreamProvider] adds
// SSE-based streaming. Callers that only hold a Provider wrap its response
// with [NewSingleEventStream] so both paths are consumed the same way.
package ai
