package editor

import (
	"fmt"
	"sort"

	"github.com/leofalp/agentcanvas/core/workflow"
)

// LayoutOptions controls AutoLayout spacing. Zero values use the defaults.
type LayoutOptions struct {
	// Origin is the position of the first node of the first rank.
	Origin workflow.Position

	// RankSpacing is the horizontal distance between ranks. Default 280.
	RankSpacing float64

	// SiblingSpacing is the vertical distance between nodes of a rank.
	// Default 140.
	SiblingSpacing float64
}

func (opts LayoutOptions) withDefaults() LayoutOptions {
	if opts.RankSpacing <= 0 {
		opts.RankSpacing = 280
	}
	if opts.SiblingSpacing <= 0 {
		opts.SiblingSpacing = 140
	}
	return opts
}

// Layout computes layered positions for graph: nodes are ranked left to
// right by dependency depth, and nodes within a rank are ordered by the mean
// slot of their predecessors, then by insertion order. The graph must be
// acyclic.
func Layout(graph *workflow.Graph, opts LayoutOptions) (map[string]workflow.Position, error) {
	opts = opts.withDefaults()
	plan, err := workflow.NewPlan(graph)
	if err != nil {
		return nil, fmt.Errorf("editor: layout: %w", err)
	}

	slot := make(map[string]int, len(plan.Order))
	positions := make(map[string]workflow.Position, len(plan.Order))
	for rank, level := range plan.Levels {
		ordered := append([]string(nil), level...)
		if rank > 0 {
			barycenter := make(map[string]float64, len(ordered))
			for _, nodeID := range ordered {
				predecessors := plan.Predecessors[nodeID]
				total := 0.0
				for _, predecessor := range predecessors {
					total += float64(slot[predecessor])
				}
				barycenter[nodeID] = total / float64(len(predecessors))
			}
			sort.SliceStable(ordered, func(a, b int) bool {
				return barycenter[ordered[a]] < barycenter[ordered[b]]
			})
		}
		for index, nodeID := range ordered {
			slot[nodeID] = index
			positions[nodeID] = workflow.Position{
				X: opts.Origin.X + float64(rank)*opts.RankSpacing,
				Y: opts.Origin.Y + float64(index)*opts.SiblingSpacing,
			}
		}
	}
	return positions, nil
}

// AutoLayout repositions every node with Layout and records all changes as a
// single undoable command. It returns false when no node moved.
func (s *Store) AutoLayout(opts LayoutOptions) (Command, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.preview != nil {
		return Command{}, false, ErrPreviewActive
	}

	positions, err := Layout(s.graph, opts)
	if err != nil {
		return Command{}, false, err
	}

	moves := make([]Move, 0, len(positions))
	for _, node := range s.graph.Nodes {
		if target := positions[node.ID]; target != node.Position {
			moves = append(moves, Move{NodeID: node.ID, Position: target})
		}
	}
	if len(moves) == 0 {
		return Command{}, false, nil
	}

	command, err := s.execute("auto layout", Op{Kind: OpMoveNodes, Moves: moves})
	if err != nil {
		return Command{}, false, err
	}
	return command, true, nil
}
