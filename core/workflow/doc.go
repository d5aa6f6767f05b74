// Package workflow is the canonical model of an agent workflow: typed nodes,
// directed edges and the editor viewport, together with the structural rules
// every graph must satisfy before it can run.
//
// A [Graph] is plain data and serializes to the document format exchanged
// with editors and stored by callers:
//
//	{"nodes": [...], "edges": [...], "viewport": {"x": 0, "y": 0, "zoom": 1}}
//
// Node payloads are a closed tagged union ([NodeData]) with one Go type per
// [NodeType]; payloads are validated every time they change. [Validate] checks
// a graph in O(V+E) using Kahn's algorithm and reports problems as a
// [*GraphValidationError]. [NewPlan] turns a valid graph into the dependency
// ranks consumed by the execution engine.
//
// Graph values are not safe for concurrent mutation; the editor package
// serializes access.
package workflow
