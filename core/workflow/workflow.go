package workflow

import (
	"encoding/json"
	"fmt"
)

// NodeType identifies the kind of work a node performs.
type NodeType string

const (
	// NodeInput seeds an execution with the caller's payload.
	NodeInput NodeType = "input"

	// NodeLLM renders a prompt and streams a completion from the model backend.
	NodeLLM NodeType = "llm"

	// NodeSkill calls an external authenticated HTTP API.
	NodeSkill NodeType = "skill"

	// NodeTransform reshapes data without side effects.
	NodeTransform NodeType = "transform"

	// NodeOutput copies upstream values into the execution output.
	NodeOutput NodeType = "output"
)

// Valid reports whether t is one of the known node types.
func (t NodeType) Valid() bool {
	switch t {
	case NodeInput, NodeLLM, NodeSkill, NodeTransform, NodeOutput:
		return true
	}
	return false
}

// Position is a node's location on the canvas.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Viewport is the pan and zoom state of the canvas.
type Viewport struct {
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
	Zoom float64 `json:"zoom"`
}

// Node is a single typed unit of work.
type Node struct {
	// ID is unique within the graph.
	ID string `json:"id"`

	// Type selects the handler and the concrete Data variant.
	Type NodeType `json:"type"`

	Position Position `json:"position"`

	// Data is the payload for Type. Its dynamic type always matches Type.
	Data NodeData `json:"data"`

	// Disabled marks a node as intentionally skipped at run time.
	Disabled bool `json:"disabled,omitempty"`
}

// nodeWire is the JSON shape of a Node with its payload left undecoded until
// the type is known.
type nodeWire struct {
	ID       string          `json:"id"`
	Type     NodeType        `json:"type"`
	Position Position        `json:"position"`
	Data     json.RawMessage `json:"data,omitempty"`
	Disabled bool            `json:"disabled,omitempty"`
}

// UnmarshalJSON decodes a node and its type-specific payload.
func (node *Node) UnmarshalJSON(raw []byte) error {
	var wire nodeWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		return err
	}

	data, err := DecodeNodeData(wire.Type, wire.Data)
	if err != nil {
		return fmt.Errorf("node %q: %w", wire.ID, err)
	}

	*node = Node{
		ID:       wire.ID,
		Type:     wire.Type,
		Position: wire.Position,
		Data:     data,
		Disabled: wire.Disabled,
	}
	return nil
}

// Clone returns a deep copy of the node.
func (node Node) Clone() Node {
	cloned := node
	if node.Data != nil {
		cloned.Data = node.Data.clone()
	}
	return cloned
}

// Handles names the connection points of an edge. Both are optional.
type Handles struct {
	Source string `json:"sourceHandle,omitempty"`
	Target string `json:"targetHandle,omitempty"`
}

// Edge is a directed dependency from Source to Target. The target consumes
// the source's output and cannot start before the source is terminal.
type Edge struct {
	ID           string `json:"id"`
	Source       string `json:"source"`
	Target       string `json:"target"`
	SourceHandle string `json:"sourceHandle,omitempty"`
	TargetHandle string `json:"targetHandle,omitempty"`
}

// Handles returns the edge's handle pair.
func (edge Edge) Handles() Handles {
	return Handles{Source: edge.SourceHandle, Target: edge.TargetHandle}
}

// sameLink reports whether two edges connect the same endpoints through the
// same handles.
func (edge Edge) sameLink(other Edge) bool {
	return edge.Source == other.Source &&
		edge.Target == other.Target &&
		edge.SourceHandle == other.SourceHandle &&
		edge.TargetHandle == other.TargetHandle
}

// Graph is the full workflow document. Slices keep the insertion order, which
// is also the tie-breaker for scheduling and layout.
type Graph struct {
	Nodes    []Node   `json:"nodes"`
	Edges    []Edge   `json:"edges"`
	Viewport Viewport `json:"viewport"`
}

// New returns an empty graph with a unit zoom viewport.
func New() *Graph {
	return &Graph{
		Nodes:    make([]Node, 0),
		Edges:    make([]Edge, 0),
		Viewport: Viewport{Zoom: 1},
	}
}

// Parse decodes a graph document.
func Parse(raw []byte) (*Graph, error) {
	graph := New()
	if err := json.Unmarshal(raw, graph); err != nil {
		return nil, fmt.Errorf("workflow: parse graph: %w", err)
	}
	if graph.Nodes == nil {
		graph.Nodes = make([]Node, 0)
	}
	if graph.Edges == nil {
		graph.Edges = make([]Edge, 0)
	}
	return graph, nil
}

// Clone returns a deep copy that shares no mutable state with graph.
func (graph *Graph) Clone() *Graph {
	if graph == nil {
		return nil
	}
	cloned := &Graph{
		Nodes:    make([]Node, len(graph.Nodes)),
		Edges:    make([]Edge, len(graph.Edges)),
		Viewport: graph.Viewport,
	}
	for index, node := range graph.Nodes {
		cloned.Nodes[index] = node.Clone()
	}
	copy(cloned.Edges, graph.Edges)
	return cloned
}

// Node returns the node with the given id.
func (graph *Graph) Node(id string) (Node, bool) {
	index := graph.nodeIndex(id)
	if index < 0 {
		return Node{}, false
	}
	return graph.Nodes[index], true
}

// Edge returns the edge with the given id.
func (graph *Graph) Edge(id string) (Edge, bool) {
	index := graph.edgeIndex(id)
	if index < 0 {
		return Edge{}, false
	}
	return graph.Edges[index], true
}

// IncidentEdges returns every edge that starts or ends at nodeID, in graph order.
func (graph *Graph) IncidentEdges(nodeID string) []Edge {
	incident := make([]Edge, 0)
	for _, edge := range graph.Edges {
		if edge.Source == nodeID || edge.Target == nodeID {
			incident = append(incident, edge)
		}
	}
	return incident
}

func (graph *Graph) nodeIndex(id string) int {
	for index := range graph.Nodes {
		if graph.Nodes[index].ID == id {
			return index
		}
	}
	return -1
}

func (graph *Graph) edgeIndex(id string) int {
	for index := range graph.Edges {
		if graph.Edges[index].ID == id {
			return index
		}
	}
	return -1
}
