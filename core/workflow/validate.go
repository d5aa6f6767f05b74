package workflow

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrInvalidGraph matches every *GraphValidationError via errors.Is.
var ErrInvalidGraph = errors.New("workflow: invalid graph")

// ValidationKind classifies a structural problem.
type ValidationKind string

const (
	// KindDuplicateID means two or more nodes share an id.
	KindDuplicateID ValidationKind = "duplicate_id"

	// KindDanglingEdge means an edge references a node that does not exist.
	KindDanglingEdge ValidationKind = "dangling_edge"

	// KindCycle means the edge relation is not acyclic.
	KindCycle ValidationKind = "cycle"
)

// GraphValidationError reports why a graph cannot execute. NodeIDs and
// EdgeIDs point at the offending elements so editors can highlight them.
type GraphValidationError struct {
	Kind    ValidationKind `json:"kind"`
	Details string         `json:"details"`
	NodeIDs []string       `json:"node_ids,omitempty"`
	EdgeIDs []string       `json:"edge_ids,omitempty"`
}

func (e *GraphValidationError) Error() string {
	return fmt.Sprintf("workflow: invalid graph (%s): %s", e.Kind, e.Details)
}

// Is makes errors.Is(err, ErrInvalidGraph) hold for every validation error.
func (e *GraphValidationError) Is(target error) bool {
	return target == ErrInvalidGraph
}

// Validate checks that node ids are unique, that every edge endpoint exists
// and that the graph is acyclic. It returns nil or a *GraphValidationError.
// Duplicate ids are reported first, then dangling edges, then cycles.
// The check runs in O(V+E).
func Validate(graph *Graph) error {
	_, err := analyze(graph)
	return err
}

// Plan is the dependency structure of a valid graph.
type Plan struct {
	// Order is a topological order of all node ids.
	Order []string

	// Levels groups node ids by dependency depth. Nodes in the same level
	// have no path between them. Each level keeps graph insertion order.
	Levels [][]string

	// Rank maps a node id to its level index.
	Rank map[string]int

	// Index maps a node id to its position in graph.Nodes.
	Index map[string]int

	// Predecessors and Successors list distinct neighbours in edge order.
	Predecessors map[string][]string
	Successors   map[string][]string
}

// NewPlan validates graph and computes its execution plan.
func NewPlan(graph *Graph) (*Plan, error) {
	return analyze(graph)
}

// Roots returns the nodes without predecessors in insertion order.
func (plan *Plan) Roots() []string {
	if len(plan.Levels) == 0 {
		return nil
	}
	return append([]string(nil), plan.Levels[0]...)
}

func analyze(graph *Graph) (*Plan, error) {
	if graph == nil {
		graph = New()
	}

	nodeIndex := make(map[string]int, len(graph.Nodes))
	duplicates := make([]string, 0)
	reported := make(map[string]bool)
	for index, node := range graph.Nodes {
		if _, seen := nodeIndex[node.ID]; seen {
			if !reported[node.ID] {
				reported[node.ID] = true
				duplicates = append(duplicates, node.ID)
			}
			continue
		}
		nodeIndex[node.ID] = index
	}
	if len(duplicates) > 0 {
		return nil, &GraphValidationError{
			Kind:    KindDuplicateID,
			Details: "duplicate node ids: " + strings.Join(duplicates, ", "),
			NodeIDs: duplicates,
		}
	}

	dangling := make([]string, 0)
	missing := make([]string, 0)
	for _, edge := range graph.Edges {
		_, sourceExists := nodeIndex[edge.Source]
		_, targetExists := nodeIndex[edge.Target]
		if sourceExists && targetExists {
			continue
		}
		dangling = append(dangling, edge.ID)
		if !sourceExists && !reported[edge.Source] {
			reported[edge.Source] = true
			missing = append(missing, edge.Source)
		}
		if !targetExists && !reported[edge.Target] {
			reported[edge.Target] = true
			missing = append(missing, edge.Target)
		}
	}
	if len(dangling) > 0 {
		return nil, &GraphValidationError{
			Kind:    KindDanglingEdge,
			Details: "edges reference missing nodes: " + strings.Join(missing, ", "),
			NodeIDs: missing,
			EdgeIDs: dangling,
		}
	}

	inDegree := make(map[string]int, len(graph.Nodes))
	adjacency := make(map[string][]string, len(graph.Nodes))
	predecessors := make(map[string][]string, len(graph.Nodes))
	successors := make(map[string][]string, len(graph.Nodes))
	linked := make(map[[2]string]bool, len(graph.Edges))
	for _, node := range graph.Nodes {
		inDegree[node.ID] = 0
	}
	for _, edge := range graph.Edges {
		adjacency[edge.Source] = append(adjacency[edge.Source], edge.Target)
		inDegree[edge.Target]++
		link := [2]string{edge.Source, edge.Target}
		if !linked[link] {
			linked[link] = true
			predecessors[edge.Target] = append(predecessors[edge.Target], edge.Source)
			successors[edge.Source] = append(successors[edge.Source], edge.Target)
		}
	}

	order, levels, remaining := kahnTopologicalSort(inDegree, adjacency, nodeIndex)
	if len(remaining) > 0 {
		cycleNodes := cycleMembers(remaining, adjacency)
		sort.Slice(cycleNodes, func(a, b int) bool {
			return nodeIndex[cycleNodes[a]] < nodeIndex[cycleNodes[b]]
		})
		return nil, &GraphValidationError{
			Kind:    KindCycle,
			Details: "cycle detected involving nodes: " + strings.Join(cycleNodes, ", "),
			NodeIDs: cycleNodes,
			EdgeIDs: edgesWithin(graph.Edges, cycleNodes),
		}
	}

	rank := make(map[string]int, len(order))
	for levelIndex, level := range levels {
		for _, nodeID := range level {
			rank[nodeID] = levelIndex
		}
	}

	return &Plan{
		Order:        order,
		Levels:       levels,
		Rank:         rank,
		Index:        nodeIndex,
		Predecessors: predecessors,
		Successors:   successors,
	}, nil
}

// kahnTopologicalSort peels zero in-degree nodes level by level. Levels are
// sorted by insertion position so the result is deterministic. Nodes that are
// never peeled sit on or behind a cycle and are returned as remaining.
func kahnTopologicalSort(inDegree map[string]int, adjacency map[string][]string, position map[string]int) ([]string, [][]string, map[string]bool) {
	byPosition := func(level []string) {
		sort.Slice(level, func(a, b int) bool {
			return position[level[a]] < position[level[b]]
		})
	}

	currentLevel := make([]string, 0)
	for nodeID, degree := range inDegree {
		if degree == 0 {
			currentLevel = append(currentLevel, nodeID)
		}
	}
	byPosition(currentLevel)

	order := make([]string, 0, len(inDegree))
	levels := make([][]string, 0)

	for len(currentLevel) > 0 {
		levels = append(levels, currentLevel)
		order = append(order, currentLevel...)

		nextLevel := make([]string, 0)
		for _, nodeID := range currentLevel {
			for _, neighbor := range adjacency[nodeID] {
				inDegree[neighbor]--
				if inDegree[neighbor] == 0 {
					nextLevel = append(nextLevel, neighbor)
				}
			}
		}
		byPosition(nextLevel)
		currentLevel = nextLevel
	}

	if len(order) == len(inDegree) {
		return order, levels, nil
	}

	remaining := make(map[string]bool, len(inDegree)-len(order))
	for nodeID, degree := range inDegree {
		if degree > 0 {
			remaining[nodeID] = true
		}
	}
	return nil, nil, remaining
}

// cycleMembers trims nodes that are only downstream of a cycle: it repeatedly
// drops remaining nodes with no outgoing edge into the remaining set. What is
// left lies on a cycle or between two cycles.
func cycleMembers(remaining map[string]bool, adjacency map[string][]string) []string {
	outDegree := make(map[string]int, len(remaining))
	reverse := make(map[string][]string, len(remaining))
	for nodeID := range remaining {
		for _, neighbor := range adjacency[nodeID] {
			if remaining[neighbor] {
				outDegree[nodeID]++
				reverse[neighbor] = append(reverse[neighbor], nodeID)
			}
		}
	}

	queue := make([]string, 0)
	for nodeID := range remaining {
		if outDegree[nodeID] == 0 {
			queue = append(queue, nodeID)
		}
	}
	dropped := make(map[string]bool)
	for len(queue) > 0 {
		nodeID := queue[0]
		queue = queue[1:]
		dropped[nodeID] = true
		for _, upstream := range reverse[nodeID] {
			outDegree[upstream]--
			if outDegree[upstream] == 0 {
				queue = append(queue, upstream)
			}
		}
	}

	members := make([]string, 0, len(remaining)-len(dropped))
	for nodeID := range remaining {
		if !dropped[nodeID] {
			members = append(members, nodeID)
		}
	}
	return members
}

func edgesWithin(edges []Edge, nodeIDs []string) []string {
	members := make(map[string]bool, len(nodeIDs))
	for _, nodeID := range nodeIDs {
		members[nodeID] = true
	}
	edgeIDs := make([]string, 0)
	for _, edge := range edges {
		if members[edge.Source] && members[edge.Target] {
			edgeIDs = append(edgeIDs, edge.ID)
		}
	}
	return edgeIDs
}
