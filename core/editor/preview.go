package editor

import (
	"reflect"

	"github.com/leofalp/agentcanvas/core/workflow"
)

// PreviewState is the state of the preview overlay.
type PreviewState string

const (
	PreviewIdle       PreviewState = "idle"
	PreviewPreviewing PreviewState = "previewing"
)

// PreviewOutcome records how the last preview ended.
type PreviewOutcome string

const (
	OutcomeNone      PreviewOutcome = ""
	OutcomeCommitted PreviewOutcome = "committed"
	OutcomeDiscarded PreviewOutcome = "discarded"
)

// State reports whether a preview is active.
func (s *Store) State() PreviewState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.preview != nil {
		return PreviewPreviewing
	}
	return PreviewIdle
}

// LastOutcome reports how the most recent preview ended.
func (s *Store) LastOutcome() PreviewOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outcome
}

// SetPreview shows nodes and edges as a shadow graph that replaces the
// rendered graph. The committed graph and the undo stack are untouched. Node
// ids must be unique and edges must connect existing nodes; cycles are
// allowed since the editor may display them. An active preview is discarded
// first.
func (s *Store) SetPreview(nodes []workflow.Node, edges []workflow.Edge) error {
	shadow := workflow.New()
	shadow.Viewport = s.Graph().Viewport
	for _, node := range nodes {
		if err := shadow.InsertNode(node, -1); err != nil {
			return err
		}
	}
	for _, edge := range edges {
		if err := shadow.InsertEdge(edge, -1); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.preview != nil {
		s.outcome = OutcomeDiscarded
	}
	s.preview = shadow
	return nil
}

// CommitPreview merges the shadow graph into the committed graph as a single
// undoable command and returns to idle. Nodes and edges kept from the
// committed graph retain their relative order. When the preview changes
// nothing, no command is recorded.
func (s *Store) CommitPreview() (Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.preview == nil {
		return Command{}, ErrNoPreview
	}

	forward := diff(s.graph, s.preview)
	working := s.graph.Clone()
	inverse, err := Apply(working, forward)
	if err != nil {
		return Command{}, err
	}

	s.preview = nil
	s.outcome = OutcomeCommitted
	if len(forward.Ops) == 0 {
		return Command{}, nil
	}
	command := Command{Label: "apply preview", Forward: forward, Inverse: inverse}
	s.graph = working
	s.push(command)
	s.redo = nil
	return command, nil
}

// DiscardPreview drops the shadow graph and returns to idle.
func (s *Store) DiscardPreview() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.preview == nil {
		return ErrNoPreview
	}
	s.preview = nil
	s.outcome = OutcomeDiscarded
	return nil
}

// ClearPreview is DiscardPreview without the error when idle.
func (s *Store) ClearPreview() {
	_ = s.DiscardPreview()
}

// diff builds a batch op that turns current into target.
func diff(current, target *workflow.Graph) Op {
	ops := make([]Op, 0)

	targetNodes := make(map[string]workflow.Node, len(target.Nodes))
	for _, node := range target.Nodes {
		targetNodes[node.ID] = node
	}
	// Nodes that are deleted or change type are removed and re-added, which
	// takes their edges with them.
	replaced := make(map[string]bool)
	for _, node := range current.Nodes {
		if wanted, exists := targetNodes[node.ID]; !exists || wanted.Type != node.Type {
			replaced[node.ID] = true
		}
	}

	targetEdges := make(map[string]workflow.Edge, len(target.Edges))
	for _, edge := range target.Edges {
		targetEdges[edge.ID] = edge
	}
	staleEdges := make([]PlacedEdge, 0)
	keptEdges := make(map[string]bool, len(current.Edges))
	for _, edge := range current.Edges {
		wanted, exists := targetEdges[edge.ID]
		if exists && wanted == edge && !replaced[edge.Source] && !replaced[edge.Target] {
			keptEdges[edge.ID] = true
			continue
		}
		staleEdges = append(staleEdges, PlacedEdge{Edge: edge})
	}
	if len(staleEdges) > 0 {
		ops = append(ops, Op{Kind: OpRemoveEdges, Edges: staleEdges})
	}

	existing := make(map[string]bool, len(current.Nodes))
	moves := make([]Move, 0)
	for _, node := range current.Nodes {
		if replaced[node.ID] {
			ops = append(ops, Op{Kind: OpRemoveNode, NodeID: node.ID})
			continue
		}
		wanted := targetNodes[node.ID]
		existing[node.ID] = true
		if !reflect.DeepEqual(wanted.Data, node.Data) {
			ops = append(ops, Op{Kind: OpSetNodeData, NodeID: node.ID, Data: wanted.Data})
		}
		if wanted.Disabled != node.Disabled {
			ops = append(ops, Op{Kind: OpSetDisabled, NodeID: node.ID, Disabled: wanted.Disabled})
		}
		if wanted.Position != node.Position {
			moves = append(moves, Move{NodeID: node.ID, Position: wanted.Position})
		}
	}
	if len(moves) > 0 {
		ops = append(ops, Op{Kind: OpMoveNodes, Moves: moves})
	}

	for index, node := range target.Nodes {
		if existing[node.ID] {
			continue
		}
		added := node.Clone()
		ops = append(ops, Op{Kind: OpAddNode, Node: &added, Index: index})
	}

	newEdges := make([]PlacedEdge, 0)
	for index, edge := range target.Edges {
		if !keptEdges[edge.ID] {
			newEdges = append(newEdges, PlacedEdge{Edge: edge, Index: index})
		}
	}
	if len(newEdges) > 0 {
		ops = append(ops, Op{Kind: OpAddEdges, Edges: newEdges})
	}

	return Op{Kind: OpBatch, Ops: ops}
}
