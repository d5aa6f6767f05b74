package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// buildGraph creates a graph with the given node ids (all transform nodes)
// and edges written as "a->b".
func buildGraph(t *testing.T, nodeIDs []string, links ...string) *Graph {
	t.Helper()
	graph := New()
	for _, nodeID := range nodeIDs {
		if err := graph.InsertNode(Node{ID: nodeID, Type: NodeTransform, Data: TransformData{TransformType: TransformExtract}}, -1); err != nil {
			t.Fatalf("insert node %q: %v", nodeID, err)
		}
	}
	for index, link := range links {
		source, target, found := strings.Cut(link, "->")
		if !found {
			t.Fatalf("bad link %q", link)
		}
		graph.Edges = append(graph.Edges, Edge{ID: fmt.Sprintf("e%d", index), Source: source, Target: target})
	}
	return graph
}

func TestAddNode_GeneratesIDAndDefaults(t *testing.T) {
	graph := New()

	node, err := graph.AddNode(NodeTransform, Position{X: 10, Y: 20}, nil)
	if err != nil {
		t.Fatalf("AddNode returned error: %v", err)
	}
	if node.ID == "" {
		t.Fatal("expected generated node id")
	}
	transform, isTransform := node.Data.(TransformData)
	if !isTransform {
		t.Fatalf("expected TransformData, got %T", node.Data)
	}
	if transform.TransformType != TransformExtract {
		t.Errorf("expected default transform type %q, got %q", TransformExtract, transform.TransformType)
	}
	if len(graph.Nodes) != 1 {
		t.Errorf("expected 1 node, got %d", len(graph.Nodes))
	}
}

func TestAddNode_RejectsMismatchedPayload(t *testing.T) {
	graph := New()

	_, err := graph.AddNode(NodeLLM, Position{}, OutputData{})
	if !errors.Is(err, ErrInvalidNodeData) {
		t.Fatalf("expected ErrInvalidNodeData, got %v", err)
	}
	if len(graph.Nodes) != 0 {
		t.Errorf("graph must be unchanged, got %d nodes", len(graph.Nodes))
	}
}

func TestAddNode_RejectsInvalidField(t *testing.T) {
	graph := New()
	temperature := 3.5

	_, err := graph.AddNode(NodeLLM, Position{}, LLMData{PromptTemplate: "hi", Temperature: &temperature})
	if !errors.Is(err, ErrInvalidNodeData) {
		t.Fatalf("expected ErrInvalidNodeData for temperature out of range, got %v", err)
	}
}

func TestRemoveNode_CascadesIncidentEdges(t *testing.T) {
	graph := buildGraph(t, []string{"a", "b", "c"}, "a->b", "b->c", "a->c")

	removed, removedEdges, err := graph.RemoveNode("b")
	if err != nil {
		t.Fatalf("RemoveNode returned error: %v", err)
	}
	if removed.ID != "b" {
		t.Errorf("expected removed node b, got %q", removed.ID)
	}
	if len(removedEdges) != 2 {
		t.Fatalf("expected 2 removed edges, got %d", len(removedEdges))
	}
	if len(graph.Edges) != 1 || graph.Edges[0].ID != "e2" {
		t.Errorf("expected only edge e2 to remain, got %+v", graph.Edges)
	}
}

func TestRemoveNode_ReturnsClone(t *testing.T) {
	graph := New()
	if err := graph.InsertNode(Node{ID: "out", Type: NodeOutput, Data: OutputData{Fields: []string{"summary"}}}, 0); err != nil {
		t.Fatalf("InsertNode returned error: %v", err)
	}
	held := graph.Nodes[0]

	removed, _, err := graph.RemoveNode("out")
	if err != nil {
		t.Fatalf("RemoveNode returned error: %v", err)
	}
	removed.Data.(OutputData).Fields[0] = "changed"
	if got := held.Data.(OutputData).Fields[0]; got != "summary" {
		t.Errorf("removed node shares data with the graph's copy: %q", got)
	}
}

func TestRemoveNode_Missing(t *testing.T) {
	graph := New()
	if _, _, err := graph.RemoveNode("ghost"); !errors.Is(err, ErrNodeNotFound) {
		t.Fatalf("expected ErrNodeNotFound, got %v", err)
	}
}

func TestConnectEdge_Invariants(t *testing.T) {
	testCases := []struct {
		name    string
		source  string
		target  string
		handles Handles
		wantErr bool
	}{
		{name: "valid", source: "a", target: "b"},
		{name: "self loop", source: "a", target: "a", wantErr: true},
		{name: "missing source", source: "ghost", target: "b", wantErr: true},
		{name: "missing target", source: "a", target: "ghost", wantErr: true},
		{name: "duplicate", source: "a", target: "c", wantErr: true},
		{name: "same endpoints other handle", source: "a", target: "c", handles: Handles{Source: "out-2"}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(subTest *testing.T) {
			graph := buildGraph(subTest, []string{"a", "b", "c"}, "a->c")

			edge, err := graph.ConnectEdge(tc.source, tc.target, tc.handles)
			if tc.wantErr {
				if !errors.Is(err, ErrInvalidEdge) {
					subTest.Fatalf("expected ErrInvalidEdge, got %v", err)
				}
				if len(graph.Edges) != 1 {
					subTest.Errorf("graph must be unchanged on failure")
				}
				return
			}
			if err != nil {
				subTest.Fatalf("unexpected error: %v", err)
			}
			if edge.ID == "" || edge.Source != tc.source || edge.Target != tc.target {
				subTest.Errorf("unexpected edge %+v", edge)
			}
		})
	}
}

func TestDisconnectEdge(t *testing.T) {
	graph := buildGraph(t, []string{"a", "b"}, "a->b")

	removed, err := graph.DisconnectEdge("e0")
	if err != nil {
		t.Fatalf("DisconnectEdge returned error: %v", err)
	}
	if removed.Source != "a" || len(graph.Edges) != 0 {
		t.Errorf("edge was not removed: %+v", graph.Edges)
	}
	if _, err := graph.DisconnectEdge("e0"); !errors.Is(err, ErrEdgeNotFound) {
		t.Errorf("expected ErrEdgeNotFound on second removal, got %v", err)
	}
}

func TestUpdateNodeData_MergesAndValidates(t *testing.T) {
	graph := New()
	node, err := graph.AddNode(NodeLLM, Position{}, LLMData{Model: "gpt-4o-mini", PromptTemplate: "Echo: {{input}}"})
	if err != nil {
		t.Fatalf("AddNode returned error: %v", err)
	}

	updated, err := graph.UpdateNodeData(node.ID, map[string]any{"system_prompt": "be brief", "max_tokens": 64})
	if err != nil {
		t.Fatalf("UpdateNodeData returned error: %v", err)
	}
	llm := updated.(LLMData)
	if llm.Model != "gpt-4o-mini" || llm.SystemPrompt != "be brief" || llm.MaxTokens != 64 {
		t.Errorf("unexpected merged payload: %+v", llm)
	}

	_, err = graph.UpdateNodeData(node.ID, map[string]any{"max_attempts": 99})
	if !errors.Is(err, ErrInvalidNodeData) {
		t.Fatalf("expected validation failure, got %v", err)
	}
	_, err = graph.UpdateNodeData(node.ID, map[string]any{"endpoint": "http://example.com"})
	if !errors.Is(err, ErrInvalidNodeData) {
		t.Fatalf("expected unknown field to be rejected, got %v", err)
	}

	current, _ := graph.Node(node.ID)
	if current.Data.(LLMData).MaxAttempts != 0 {
		t.Errorf("failed update must leave payload unchanged, got %+v", current.Data)
	}

	cleared, err := graph.UpdateNodeData(node.ID, map[string]any{"system_prompt": nil})
	if err != nil {
		t.Fatalf("UpdateNodeData returned error: %v", err)
	}
	if cleared.(LLMData).SystemPrompt != "" {
		t.Errorf("nil patch value must clear the field")
	}
}

func TestGraphJSON_RoundTripKeepsVariants(t *testing.T) {
	document := `{
		"nodes": [
			{"id": "in", "type": "input", "position": {"x": 0, "y": 0}, "data": {"schema": {"type": "string"}}},
			{"id": "llm", "type": "llm", "position": {"x": 200, "y": 0}, "data": {"model": "m", "prompt_template": "Echo: {{input}}", "temperature": 0.2}},
			{"id": "skill", "type": "skill", "position": {"x": 400, "y": 0}, "data": {"endpoint": "https://api.example.com/x", "http_method": "POST", "auth_type": "bearer", "input_mapping": {"q": "llm"}}},
			{"id": "out", "type": "output", "position": {"x": 600, "y": 0}, "data": {"fields": ["skill.result"]}, "disabled": true}
		],
		"edges": [
			{"id": "e1", "source": "in", "target": "llm"},
			{"id": "e2", "source": "llm", "target": "skill", "sourceHandle": "text"},
			{"id": "e3", "source": "skill", "target": "out"}
		],
		"viewport": {"x": 1, "y": 2, "zoom": 1.5}
	}`

	graph, err := Parse([]byte(document))
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if _, isSkill := graph.Nodes[2].Data.(SkillData); !isSkill {
		t.Fatalf("expected SkillData, got %T", graph.Nodes[2].Data)
	}
	if !graph.Nodes[3].Disabled {
		t.Errorf("expected disabled flag to survive decoding")
	}

	encoded, err := json.Marshal(graph)
	if err != nil {
		t.Fatalf("Marshal returned error: %v", err)
	}
	decoded, err := Parse(encoded)
	if err != nil {
		t.Fatalf("Parse of re-encoded graph returned error: %v", err)
	}
	if diff := cmp.Diff(graph, decoded); diff != "" {
		t.Errorf("graph changed across JSON round trip (-want +got):\n%s", diff)
	}
}

func TestParse_RejectsUnknownType(t *testing.T) {
	_, err := Parse([]byte(`{"nodes":[{"id":"x","type":"webhook","data":{}}],"edges":[]}`))
	if !errors.Is(err, ErrInvalidNodeData) {
		t.Fatalf("expected ErrInvalidNodeData, got %v", err)
	}
}

func TestClone_IsIndependent(t *testing.T) {
	graph := New()
	node, _ := graph.AddNode(NodeOutput, Position{}, OutputData{Fields: []string{"a.b"}})

	cloned := graph.Clone()
	output := graph.Nodes[0].Data.(OutputData)
	output.Fields[0] = "mutated"

	if cloned.Nodes[0].Data.(OutputData).Fields[0] != "a.b" {
		t.Errorf("clone shares payload slices with the original (node %s)", node.ID)
	}
}

func TestValidate_Kinds(t *testing.T) {
	testCases := []struct {
		name     string
		graph    func(*testing.T) *Graph
		wantKind ValidationKind
		wantIDs  []string
	}{
		{
			name:  "valid diamond",
			graph: func(t *testing.T) *Graph { return buildGraph(t, []string{"a", "b", "c", "d"}, "a->b", "a->c", "b->d", "c->d") },
		},
		{
			name:     "two node cycle",
			graph:    func(t *testing.T) *Graph { return buildGraph(t, []string{"A", "B"}, "A->B", "B->A") },
			wantKind: KindCycle,
			wantIDs:  []string{"A", "B"},
		},
		{
			name:     "cycle with downstream tail",
			graph:    func(t *testing.T) *Graph { return buildGraph(t, []string{"a", "b", "c", "tail"}, "a->b", "b->c", "c->b", "c->tail") },
			wantKind: KindCycle,
			wantIDs:  []string{"b", "c"},
		},
		{
			name: "self loop",
			graph: func(t *testing.T) *Graph {
				graph := buildGraph(t, []string{"a"})
				graph.Edges = append(graph.Edges, Edge{ID: "loop", Source: "a", Target: "a"})
				return graph
			},
			wantKind: KindCycle,
			wantIDs:  []string{"a"},
		},
		{
			name:     "dangling edge",
			graph:    func(t *testing.T) *Graph { return buildGraph(t, []string{"a"}, "a->ghost") },
			wantKind: KindDanglingEdge,
			wantIDs:  []string{"ghost"},
		},
		{
			name: "duplicate id wins over cycle",
			graph: func(t *testing.T) *Graph {
				graph := buildGraph(t, []string{"a", "b"}, "a->b", "b->a")
				graph.Nodes = append(graph.Nodes, graph.Nodes[0].Clone())
				return graph
			},
			wantKind: KindDuplicateID,
			wantIDs:  []string{"a"},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(subTest *testing.T) {
			err := Validate(tc.graph(subTest))
			if tc.wantKind == "" {
				if err != nil {
					subTest.Fatalf("expected valid graph, got %v", err)
				}
				return
			}

			var validationError *GraphValidationError
			if !errors.As(err, &validationError) {
				subTest.Fatalf("expected *GraphValidationError, got %v", err)
			}
			if !errors.Is(err, ErrInvalidGraph) {
				subTest.Errorf("expected errors.Is(err, ErrInvalidGraph)")
			}
			if validationError.Kind != tc.wantKind {
				subTest.Errorf("expected kind %q, got %q", tc.wantKind, validationError.Kind)
			}
			if diff := cmp.Diff(tc.wantIDs, validationError.NodeIDs); diff != "" {
				subTest.Errorf("unexpected node ids (-want +got):\n%s", diff)
			}
		})
	}
}

// TestValidate_AgreesWithReachability checks on random graphs that Validate
// reports a cycle exactly when some node can reach itself.
func TestValidate_AgreesWithReachability(t *testing.T) {
	random := rand.New(rand.NewPCG(7, 11))

	for iteration := 0; iteration < 200; iteration++ {
		nodeCount := 2 + random.IntN(7)
		nodeIDs := make([]string, nodeCount)
		for index := range nodeIDs {
			nodeIDs[index] = fmt.Sprintf("n%d", index)
		}
		links := make([]string, 0)
		for edgeIndex := random.IntN(nodeCount * 2); edgeIndex > 0; edgeIndex-- {
			links = append(links, fmt.Sprintf("%s->%s", nodeIDs[random.IntN(nodeCount)], nodeIDs[random.IntN(nodeCount)]))
		}
		graph := buildGraph(t, nodeIDs, links...)

		hasCycle := false
		for _, nodeID := range nodeIDs {
			if reaches(graph, nodeID, nodeID) {
				hasCycle = true
				break
			}
		}

		err := Validate(graph)
		if hasCycle != (err != nil) {
			t.Fatalf("iteration %d: cycle=%v but Validate returned %v for links %v", iteration, hasCycle, err, links)
		}
	}
}

func reaches(graph *Graph, from, to string) bool {
	visited := make(map[string]bool)
	stack := []string{from}
	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, edge := range graph.Edges {
			if edge.Source != current {
				continue
			}
			if edge.Target == to {
				return true
			}
			if !visited[edge.Target] {
				visited[edge.Target] = true
				stack = append(stack, edge.Target)
			}
		}
	}
	return false
}

func TestNewPlan_LevelsFollowInsertionOrder(t *testing.T) {
	graph := buildGraph(t, []string{"input", "b", "a", "join", "output"},
		"input->a", "input->b", "a->join", "b->join", "join->output")

	plan, err := NewPlan(graph)
	if err != nil {
		t.Fatalf("NewPlan returned error: %v", err)
	}

	wantLevels := [][]string{{"input"}, {"b", "a"}, {"join"}, {"output"}}
	if diff := cmp.Diff(wantLevels, plan.Levels); diff != "" {
		t.Errorf("unexpected levels (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"a", "b"}, plan.Predecessors["join"]); diff != "" {
		t.Errorf("unexpected join predecessors (-want +got):\n%s", diff)
	}
	if plan.Rank["output"] != 3 {
		t.Errorf("expected output rank 3, got %d", plan.Rank["output"])
	}
	if diff := cmp.Diff([]string{"input"}, plan.Roots()); diff != "" {
		t.Errorf("unexpected roots (-want +got):\n%s", diff)
	}
}
