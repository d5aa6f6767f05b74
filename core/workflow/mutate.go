package workflow

import (
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"
)

var (
	// ErrInvalidEdge is returned by ConnectEdge and InsertEdge for self loops,
	// duplicate edges and edges with a missing endpoint.
	ErrInvalidEdge = errors.New("workflow: invalid edge")

	// ErrNodeNotFound is returned when a node id does not exist in the graph.
	ErrNodeNotFound = errors.New("workflow: node not found")

	// ErrEdgeNotFound is returned when an edge id does not exist in the graph.
	ErrEdgeNotFound = errors.New("workflow: edge not found")

	// ErrDuplicateNode is returned when inserting a node whose id is taken.
	ErrDuplicateNode = errors.New("workflow: duplicate node id")
)

// AddNode appends a new node with a generated id. A nil data uses
// DefaultData for the type.
func (graph *Graph) AddNode(nodeType NodeType, position Position, data NodeData) (Node, error) {
	node, err := NewNode(nodeType, position, data)
	if err != nil {
		return Node{}, err
	}
	graph.Nodes = append(graph.Nodes, node)
	return node.Clone(), nil
}

// NewNode builds a validated node with a generated id without adding it to
// any graph.
func NewNode(nodeType NodeType, position Position, data NodeData) (Node, error) {
	if !nodeType.Valid() {
		return Node{}, fmt.Errorf("%w: unknown node type %q", ErrInvalidNodeData, nodeType)
	}
	if data == nil {
		defaultData, err := DefaultData(nodeType)
		if err != nil {
			return Node{}, err
		}
		data = defaultData
	}
	if err := checkData(nodeType, data); err != nil {
		return Node{}, err
	}
	return Node{
		ID:       uuid.NewString(),
		Type:     nodeType,
		Position: position,
		Data:     data.clone(),
	}, nil
}

// InsertNode places node at index, or appends when index is out of range.
// It is the inverse of RemoveNode and keeps the caller's id.
func (graph *Graph) InsertNode(node Node, index int) error {
	if node.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidNodeData)
	}
	if graph.nodeIndex(node.ID) >= 0 {
		return fmt.Errorf("%w: %q", ErrDuplicateNode, node.ID)
	}
	if err := checkData(node.Type, node.Data); err != nil {
		return err
	}
	graph.Nodes = insertAt(graph.Nodes, index, node.Clone())
	return nil
}

// RemoveNode deletes a node and every edge incident to it. It returns the
// removed node and edges so callers can restore them.
func (graph *Graph) RemoveNode(id string) (Node, []Edge, error) {
	index := graph.nodeIndex(id)
	if index < 0 {
		return Node{}, nil, fmt.Errorf("%w: %q", ErrNodeNotFound, id)
	}
	removed := graph.Nodes[index]
	graph.Nodes = slices.Delete(graph.Nodes, index, index+1)

	removedEdges := make([]Edge, 0)
	keptEdges := graph.Edges[:0]
	for _, edge := range graph.Edges {
		if edge.Source == id || edge.Target == id {
			removedEdges = append(removedEdges, edge)
			continue
		}
		keptEdges = append(keptEdges, edge)
	}
	graph.Edges = keptEdges

	return removed.Clone(), removedEdges, nil
}

// UpdateNodeData merges patch into the node's payload and validates the
// result. The node is left unchanged when validation fails.
func (graph *Graph) UpdateNodeData(id string, patch map[string]any) (NodeData, error) {
	index := graph.nodeIndex(id)
	if index < 0 {
		return nil, fmt.Errorf("%w: %q", ErrNodeNotFound, id)
	}
	merged, err := MergeNodeData(graph.Nodes[index].Data, patch)
	if err != nil {
		return nil, err
	}
	graph.Nodes[index].Data = merged
	return merged.clone(), nil
}

// SetNodeData replaces a node's payload wholesale.
func (graph *Graph) SetNodeData(id string, data NodeData) error {
	index := graph.nodeIndex(id)
	if index < 0 {
		return fmt.Errorf("%w: %q", ErrNodeNotFound, id)
	}
	if err := checkData(graph.Nodes[index].Type, data); err != nil {
		return err
	}
	graph.Nodes[index].Data = data.clone()
	return nil
}

// SetDisabled toggles whether a node is skipped at run time.
func (graph *Graph) SetDisabled(id string, disabled bool) error {
	index := graph.nodeIndex(id)
	if index < 0 {
		return fmt.Errorf("%w: %q", ErrNodeNotFound, id)
	}
	graph.Nodes[index].Disabled = disabled
	return nil
}

// MoveNode sets a node's canvas position.
func (graph *Graph) MoveNode(id string, position Position) error {
	index := graph.nodeIndex(id)
	if index < 0 {
		return fmt.Errorf("%w: %q", ErrNodeNotFound, id)
	}
	graph.Nodes[index].Position = position
	return nil
}

// ConnectEdge adds an edge from source to target. It fails with
// ErrInvalidEdge when source equals target, when either endpoint is missing,
// or when an identical edge (same endpoints and handles) already exists.
func (graph *Graph) ConnectEdge(source, target string, handles Handles) (Edge, error) {
	edge := Edge{
		ID:           uuid.NewString(),
		Source:       source,
		Target:       target,
		SourceHandle: handles.Source,
		TargetHandle: handles.Target,
	}
	if err := graph.checkEdge(edge); err != nil {
		return Edge{}, err
	}
	graph.Edges = append(graph.Edges, edge)
	return edge, nil
}

// InsertEdge places an existing edge at index, or appends when index is out
// of range. The same invariants as ConnectEdge apply.
func (graph *Graph) InsertEdge(edge Edge, index int) error {
	if edge.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidEdge)
	}
	if graph.edgeIndex(edge.ID) >= 0 {
		return fmt.Errorf("%w: edge id %q already exists", ErrInvalidEdge, edge.ID)
	}
	if err := graph.checkEdge(edge); err != nil {
		return err
	}
	graph.Edges = insertAt(graph.Edges, index, edge)
	return nil
}

// DisconnectEdge removes an edge by id and returns it.
func (graph *Graph) DisconnectEdge(id string) (Edge, error) {
	index := graph.edgeIndex(id)
	if index < 0 {
		return Edge{}, fmt.Errorf("%w: %q", ErrEdgeNotFound, id)
	}
	removed := graph.Edges[index]
	graph.Edges = slices.Delete(graph.Edges, index, index+1)
	return removed, nil
}

// NodePosition returns the index of a node in graph order, or -1.
func (graph *Graph) NodePosition(id string) int {
	return graph.nodeIndex(id)
}

// EdgePosition returns the index of an edge in graph order, or -1.
func (graph *Graph) EdgePosition(id string) int {
	return graph.edgeIndex(id)
}

func (graph *Graph) checkEdge(edge Edge) error {
	if edge.Source == edge.Target {
		return fmt.Errorf("%w: self loop on %q", ErrInvalidEdge, edge.Source)
	}
	if graph.nodeIndex(edge.Source) < 0 {
		return fmt.Errorf("%w: source %q does not exist", ErrInvalidEdge, edge.Source)
	}
	if graph.nodeIndex(edge.Target) < 0 {
		return fmt.Errorf("%w: target %q does not exist", ErrInvalidEdge, edge.Target)
	}
	for _, existing := range graph.Edges {
		if existing.sameLink(edge) {
			return fmt.Errorf("%w: %q -> %q already connected", ErrInvalidEdge, edge.Source, edge.Target)
		}
	}
	return nil
}

func checkData(nodeType NodeType, data NodeData) error {
	if data == nil {
		return fmt.Errorf("%w: missing payload for %s node", ErrInvalidNodeData, nodeType)
	}
	if data.NodeType() != nodeType {
		return fmt.Errorf("%w: %s payload on %s node", ErrInvalidNodeData, data.NodeType(), nodeType)
	}
	return ValidateNodeData(data)
}

func insertAt[T any](items []T, index int, item T) []T {
	if index < 0 || index >= len(items) {
		return append(items, item)
	}
	return slices.Insert(items, index, item)
}
