package editor

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/leofalp/agentcanvas/core/workflow"
)

// DefaultHistoryLimit is the default depth of the undo and redo stacks.
const DefaultHistoryLimit = 50

var (
	// ErrNothingToUndo is returned by Undo when the undo stack is empty.
	ErrNothingToUndo = errors.New("editor: nothing to undo")

	// ErrNothingToRedo is returned by Redo when the redo stack is empty.
	ErrNothingToRedo = errors.New("editor: nothing to redo")

	// ErrPreviewActive is returned by edits, Undo and Redo while a preview
	// is shown. Commit or discard the preview first.
	ErrPreviewActive = errors.New("editor: preview active")

	// ErrNoPreview is returned by CommitPreview and DiscardPreview when the
	// store is idle.
	ErrNoPreview = errors.New("editor: no active preview")
)

// Option configures a Store.
type Option func(*storeConfig)

type storeConfig struct {
	historyLimit int
}

// WithHistoryLimit bounds the undo stack. The oldest command is dropped once
// the limit is reached. Values below 1 keep the default.
func WithHistoryLimit(limit int) Option {
	return func(config *storeConfig) {
		if limit > 0 {
			config.historyLimit = limit
		}
	}
}

// Store is an editing session over one graph. All methods are safe for
// concurrent use and every mutation is applied atomically: the command runs
// against a clone, which replaces the current graph only on success.
type Store struct {
	mu sync.Mutex

	graph *workflow.Graph
	undo  []Command
	redo  []Command
	limit int

	preview *workflow.Graph
	outcome PreviewOutcome
}

// New starts a session on a copy of graph. A nil graph starts empty.
func New(graph *workflow.Graph, opts ...Option) *Store {
	config := storeConfig{historyLimit: DefaultHistoryLimit}
	for _, opt := range opts {
		opt(&config)
	}
	if graph == nil {
		graph = workflow.New()
	}
	return &Store{
		graph: graph.Clone(),
		limit: config.historyLimit,
	}
}

// Graph returns a copy of the committed graph, ignoring any preview.
func (s *Store) Graph() *workflow.Graph {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.graph.Clone()
}

// Rendered returns a copy of what the canvas shows: the preview while one is
// active, the committed graph otherwise.
func (s *Store) Rendered() *workflow.Graph {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.preview != nil {
		return s.preview.Clone()
	}
	return s.graph.Clone()
}

// CanUndo reports whether Undo would succeed.
func (s *Store) CanUndo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.preview == nil && len(s.undo) > 0
}

// CanRedo reports whether Redo would succeed.
func (s *Store) CanRedo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.preview == nil && len(s.redo) > 0
}

// History returns the labels of the undo stack, oldest first.
func (s *Store) History() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	labels := make([]string, len(s.undo))
	for index, command := range s.undo {
		labels[index] = command.Label
	}
	return labels
}

// Execute applies forward as a new undoable command and clears the redo stack.
func (s *Store) Execute(label string, forward Op) (Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.execute(label, forward)
}

func (s *Store) execute(label string, forward Op) (Command, error) {
	if s.preview != nil {
		return Command{}, ErrPreviewActive
	}
	working := s.graph.Clone()
	inverse, err := Apply(working, forward)
	if err != nil {
		return Command{}, err
	}
	command := Command{Label: label, Forward: forward, Inverse: inverse}
	s.graph = working
	s.push(command)
	s.redo = nil
	return command, nil
}

func (s *Store) push(command Command) {
	s.undo = append(s.undo, command)
	if overflow := len(s.undo) - s.limit; overflow > 0 {
		s.undo = append(s.undo[:0:0], s.undo[overflow:]...)
	}
}

// Undo reverts the most recent command.
func (s *Store) Undo() (Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.preview != nil {
		return Command{}, ErrPreviewActive
	}
	if len(s.undo) == 0 {
		return Command{}, ErrNothingToUndo
	}
	command := s.undo[len(s.undo)-1]
	working := s.graph.Clone()
	if _, err := Apply(working, command.Inverse); err != nil {
		return Command{}, fmt.Errorf("editor: undo %q: %w", command.Label, err)
	}
	s.graph = working
	s.undo = s.undo[:len(s.undo)-1]
	s.redo = append(s.redo, command)
	return command, nil
}

// Redo reapplies the most recently undone command.
func (s *Store) Redo() (Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.preview != nil {
		return Command{}, ErrPreviewActive
	}
	if len(s.redo) == 0 {
		return Command{}, ErrNothingToRedo
	}
	command := s.redo[len(s.redo)-1]
	working := s.graph.Clone()
	if _, err := Apply(working, command.Forward); err != nil {
		return Command{}, fmt.Errorf("editor: redo %q: %w", command.Label, err)
	}
	s.graph = working
	s.redo = s.redo[:len(s.redo)-1]
	s.push(command)
	return command, nil
}

// AddNode adds a node with a generated id. A nil data uses the type default.
func (s *Store) AddNode(nodeType workflow.NodeType, position workflow.Position, data workflow.NodeData) (workflow.Node, error) {
	node, err := workflow.NewNode(nodeType, position, data)
	if err != nil {
		return workflow.Node{}, err
	}
	if _, err := s.Execute("add "+string(nodeType)+" node", Op{Kind: OpAddNode, Node: &node, Index: -1}); err != nil {
		return workflow.Node{}, err
	}
	return node.Clone(), nil
}

// RemoveNode removes a node and its incident edges as one command.
func (s *Store) RemoveNode(id string) error {
	_, err := s.Execute("remove node", Op{Kind: OpRemoveNode, NodeID: id})
	return err
}

// UpdateNodeData merges patch into a node's payload.
func (s *Store) UpdateNodeData(id string, patch map[string]any) (workflow.NodeData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.preview != nil {
		return nil, ErrPreviewActive
	}
	node, found := s.graph.Node(id)
	if !found {
		return nil, fmt.Errorf("%w: %q", workflow.ErrNodeNotFound, id)
	}
	merged, err := workflow.MergeNodeData(node.Data, patch)
	if err != nil {
		return nil, err
	}
	if _, err := s.execute("edit node", Op{Kind: OpSetNodeData, NodeID: id, Data: merged}); err != nil {
		return nil, err
	}
	return merged, nil
}

// SetDisabled toggles a node's disabled flag.
func (s *Store) SetDisabled(id string, disabled bool) error {
	label := "enable node"
	if disabled {
		label = "disable node"
	}
	_, err := s.Execute(label, Op{Kind: OpSetDisabled, NodeID: id, Disabled: disabled})
	return err
}

// MoveNodes repositions several nodes as one command. Moves are applied in
// graph order.
func (s *Store) MoveNodes(positions map[string]workflow.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	moves := make([]Move, 0, len(positions))
	for nodeID, position := range positions {
		moves = append(moves, Move{NodeID: nodeID, Position: position})
	}
	sort.Slice(moves, func(a, b int) bool {
		return s.graph.NodePosition(moves[a].NodeID) < s.graph.NodePosition(moves[b].NodeID)
	})
	_, err := s.execute("move nodes", Op{Kind: OpMoveNodes, Moves: moves})
	return err
}

// ConnectEdge adds an edge with a generated id.
func (s *Store) ConnectEdge(source, target string, handles workflow.Handles) (workflow.Edge, error) {
	edge := workflow.Edge{
		ID:           uuid.NewString(),
		Source:       source,
		Target:       target,
		SourceHandle: handles.Source,
		TargetHandle: handles.Target,
	}
	op := Op{Kind: OpAddEdges, Edges: []PlacedEdge{{Edge: edge, Index: -1}}}
	if _, err := s.Execute("connect nodes", op); err != nil {
		return workflow.Edge{}, err
	}
	return edge, nil
}

// DisconnectEdge removes an edge by id.
func (s *Store) DisconnectEdge(id string) error {
	op := Op{Kind: OpRemoveEdges, Edges: []PlacedEdge{{Edge: workflow.Edge{ID: id}}}}
	_, err := s.Execute("disconnect nodes", op)
	return err
}
