package editor

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/leofalp/agentcanvas/core/workflow"
)

// OpKind names a primitive graph mutation.
type OpKind string

const (
	OpAddNode     OpKind = "add_node"
	OpRemoveNode  OpKind = "remove_node"
	OpSetNodeData OpKind = "set_node_data"
	OpSetDisabled OpKind = "set_disabled"
	OpMoveNodes   OpKind = "move_nodes"
	OpAddEdges    OpKind = "add_edges"
	OpRemoveEdges OpKind = "remove_edges"
	OpBatch       OpKind = "batch"
)

// PlacedEdge is an edge together with its index in graph.Edges. An index of
// -1 appends.
type PlacedEdge struct {
	Edge  workflow.Edge `json:"edge"`
	Index int           `json:"index"`
}

// Move sets the position of one node.
type Move struct {
	NodeID   string            `json:"node_id"`
	Position workflow.Position `json:"position"`
}

// Op is a serializable graph mutation addressed by node and edge ids. Which
// fields are meaningful depends on Kind:
//
//	add_node       Node, Index, Edges (restored incident edges)
//	remove_node    NodeID
//	set_node_data  NodeID, Data
//	set_disabled   NodeID, Disabled
//	move_nodes     Moves
//	add_edges      Edges, applied in order
//	remove_edges   Edges (ids only)
//	batch          Ops, applied in order
type Op struct {
	Kind     OpKind            `json:"kind"`
	Node     *workflow.Node    `json:"node,omitempty"`
	NodeID   string            `json:"node_id,omitempty"`
	Index    int               `json:"index,omitempty"`
	Data     workflow.NodeData `json:"-"`
	Disabled bool              `json:"disabled,omitempty"`
	Edges    []PlacedEdge      `json:"edges,omitempty"`
	Moves    []Move            `json:"moves,omitempty"`
	Ops      []Op              `json:"ops,omitempty"`
}

type opAlias Op

type opWire struct {
	*opAlias
	DataType workflow.NodeType `json:"data_type,omitempty"`
	Data     json.RawMessage   `json:"data,omitempty"`
}

// MarshalJSON encodes the op with its payload tagged by node type.
func (op Op) MarshalJSON() ([]byte, error) {
	wire := opWire{opAlias: (*opAlias)(&op)}
	if op.Data != nil {
		encoded, err := json.Marshal(op.Data)
		if err != nil {
			return nil, err
		}
		wire.DataType = op.Data.NodeType()
		wire.Data = encoded
	}
	return json.Marshal(wire)
}

// UnmarshalJSON decodes an op and its typed payload.
func (op *Op) UnmarshalJSON(raw []byte) error {
	wire := opWire{opAlias: (*opAlias)(op)}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return err
	}
	if wire.DataType == "" {
		return nil
	}
	data, err := workflow.DecodeNodeData(wire.DataType, wire.Data)
	if err != nil {
		return fmt.Errorf("editor: decode %s op: %w", op.Kind, err)
	}
	op.Data = data
	return nil
}

// Command is one undoable edit. Forward turns the prior graph into the new
// one; Inverse turns it back.
type Command struct {
	Label   string `json:"label"`
	Forward Op     `json:"forward"`
	Inverse Op     `json:"inverse"`
}

// Apply runs op against graph and returns the op that reverts it. The graph
// may be partially modified when an error is returned, so callers apply to a
// clone.
func Apply(graph *workflow.Graph, op Op) (Op, error) {
	switch op.Kind {
	case OpAddNode:
		return applyAddNode(graph, op)

	case OpRemoveNode:
		index := graph.NodePosition(op.NodeID)
		incident := make([]PlacedEdge, 0)
		for edgeIndex, edge := range graph.Edges {
			if edge.Source == op.NodeID || edge.Target == op.NodeID {
				incident = append(incident, PlacedEdge{Edge: edge, Index: edgeIndex})
			}
		}
		removed, _, err := graph.RemoveNode(op.NodeID)
		if err != nil {
			return Op{}, err
		}
		return Op{Kind: OpAddNode, Node: &removed, Index: index, Edges: incident}, nil

	case OpSetNodeData:
		previous, found := graph.Node(op.NodeID)
		if !found {
			return Op{}, fmt.Errorf("%w: %q", workflow.ErrNodeNotFound, op.NodeID)
		}
		if err := graph.SetNodeData(op.NodeID, op.Data); err != nil {
			return Op{}, err
		}
		return Op{Kind: OpSetNodeData, NodeID: op.NodeID, Data: previous.Data}, nil

	case OpSetDisabled:
		previous, found := graph.Node(op.NodeID)
		if !found {
			return Op{}, fmt.Errorf("%w: %q", workflow.ErrNodeNotFound, op.NodeID)
		}
		if err := graph.SetDisabled(op.NodeID, op.Disabled); err != nil {
			return Op{}, err
		}
		return Op{Kind: OpSetDisabled, NodeID: op.NodeID, Disabled: previous.Disabled}, nil

	case OpMoveNodes:
		previous := make([]Move, 0, len(op.Moves))
		for _, move := range op.Moves {
			node, found := graph.Node(move.NodeID)
			if !found {
				return Op{}, fmt.Errorf("%w: %q", workflow.ErrNodeNotFound, move.NodeID)
			}
			previous = append(previous, Move{NodeID: move.NodeID, Position: node.Position})
			if err := graph.MoveNode(move.NodeID, move.Position); err != nil {
				return Op{}, err
			}
		}
		slices.Reverse(previous)
		return Op{Kind: OpMoveNodes, Moves: previous}, nil

	case OpAddEdges:
		added := make([]PlacedEdge, 0, len(op.Edges))
		for _, placed := range op.Edges {
			if err := graph.InsertEdge(placed.Edge, placed.Index); err != nil {
				return Op{}, err
			}
			added = append(added, PlacedEdge{Edge: placed.Edge, Index: -1})
		}
		slices.Reverse(added)
		return Op{Kind: OpRemoveEdges, Edges: added}, nil

	case OpRemoveEdges:
		removed := make([]PlacedEdge, 0, len(op.Edges))
		for _, placed := range op.Edges {
			index := graph.EdgePosition(placed.Edge.ID)
			edge, err := graph.DisconnectEdge(placed.Edge.ID)
			if err != nil {
				return Op{}, err
			}
			removed = append(removed, PlacedEdge{Edge: edge, Index: index})
		}
		slices.Reverse(removed)
		return Op{Kind: OpAddEdges, Edges: removed}, nil

	case OpBatch:
		inverses := make([]Op, 0, len(op.Ops))
		for _, child := range op.Ops {
			inverse, err := Apply(graph, child)
			if err != nil {
				return Op{}, err
			}
			inverses = append(inverses, inverse)
		}
		slices.Reverse(inverses)
		return Op{Kind: OpBatch, Ops: inverses}, nil

	default:
		return Op{}, fmt.Errorf("editor: unknown op kind %q", op.Kind)
	}
}

func applyAddNode(graph *workflow.Graph, op Op) (Op, error) {
	if op.Node == nil {
		return Op{}, fmt.Errorf("editor: add_node without node")
	}
	if err := graph.InsertNode(*op.Node, op.Index); err != nil {
		return Op{}, err
	}
	for _, placed := range op.Edges {
		if err := graph.InsertEdge(placed.Edge, placed.Index); err != nil {
			return Op{}, err
		}
	}
	return Op{Kind: OpRemoveNode, NodeID: op.Node.ID}, nil
}
