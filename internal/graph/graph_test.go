package graph

import (
	"reflect"
	"testing"
)

type testNode string

func (n testNode) ID() string { return string(n) }

func TestAddNode_Idempotent(t *testing.T) {
	g := New()

	if !g.AddNode(testNode("a")) {
		t.Error("expected first add to report new node")
	}
	if g.AddNode(testNode("a")) {
		t.Error("expected second add to be a no-op")
	}
	if g.Len() != 1 {
		t.Errorf("expected 1 node, got %d", g.Len())
	}
}

func TestAddEdge_RequiresEndpoints(t *testing.T) {
	g := New()
	g.AddNode(testNode("a"))

	if err := g.AddEdge("a", "missing", "dep"); err == nil {
		t.Error("expected error for missing target node")
	}
	if err := g.AddEdge("missing", "a", "dep"); err == nil {
		t.Error("expected error for missing source node")
	}
}

func TestAddEdge_Idempotent(t *testing.T) {
	g := New()
	g.AddNode(testNode("a"))
	g.AddNode(testNode("b"))

	for i := 0; i < 3; i++ {
		if err := g.AddEdge("a", "b", "dep"); err != nil {
			t.Fatalf("adding edge: %v", err)
		}
	}

	if got := g.NodeIDsFrom("a", "dep"); len(got) != 1 {
		t.Errorf("expected 1 edge after repeated adds, got %d", len(got))
	}
	if len(g.Edges()) != 1 {
		t.Errorf("expected 1 edge total, got %d", len(g.Edges()))
	}
}

func TestRemoveNode_CascadesEdges(t *testing.T) {
	g := New()
	g.AddNode(testNode("a"))
	g.AddNode(testNode("b"))
	g.AddNode(testNode("c"))
	g.AddEdge("a", "b", "dep")
	g.AddEdge("b", "c", "dep")
	g.AddEdge("c", "b", "other")

	g.RemoveNode("b")

	if g.HasNode("b") {
		t.Error("expected node to be removed")
	}
	if g.HasEdge("a", "b", "dep") || g.HasEdge("b", "c", "dep") || g.HasEdge("c", "b", "other") {
		t.Error("expected incident edges to be removed")
	}
	if len(g.Edges()) != 0 {
		t.Errorf("expected no edges, got %d", len(g.Edges()))
	}

	// Orphans stay: explicit removal only.
	if !g.HasNode("a") || !g.HasNode("c") {
		t.Error("expected remaining nodes to survive")
	}
}

func TestNodeIDsFromTo_FilteredByKind(t *testing.T) {
	g := New()
	for _, id := range []string{"a", "b", "c", "d"} {
		g.AddNode(testNode(id))
	}
	g.AddEdge("a", "b", "dep")
	g.AddEdge("a", "c", "dep")
	g.AddEdge("a", "d", "other")

	if got := g.NodeIDsFrom("a", "dep"); !reflect.DeepEqual(got, []string{"b", "c"}) {
		t.Errorf("expected [b c], got %v", got)
	}
	if got := g.NodeIDsTo("b", "dep"); !reflect.DeepEqual(got, []string{"a"}) {
		t.Errorf("expected [a], got %v", got)
	}
	if got := g.NodeIDsFrom("a", "missing"); got != nil {
		t.Errorf("expected nil for unknown kind, got %v", got)
	}
}

func TestReplaceNodesConnectedTo_Diffs(t *testing.T) {
	g := New()
	for _, id := range []string{"r", "a", "b", "c"} {
		g.AddNode(testNode(id))
	}
	g.AddEdge("r", "a", "dep")
	g.AddEdge("r", "b", "dep")
	g.AddEdge("r", "a", "other")

	if err := g.ReplaceNodesConnectedTo("r", []string{"b", "c"}, nil, "dep"); err != nil {
		t.Fatalf("replacing edges: %v", err)
	}

	if got := g.NodeIDsFrom("r", "dep"); !reflect.DeepEqual(got, []string{"b", "c"}) {
		t.Errorf("expected [b c], got %v", got)
	}
	// Other kinds untouched.
	if !g.HasEdge("r", "a", "other") {
		t.Error("expected other-kind edge to survive replacement")
	}
	// Disconnected node not deleted.
	if !g.HasNode("a") {
		t.Error("expected disconnected node to survive")
	}
}

func TestReplaceNodesConnectedTo_Empty(t *testing.T) {
	g := New()
	g.AddNode(testNode("r"))
	g.AddNode(testNode("a"))
	g.AddEdge("r", "a", "dep")

	if err := g.ReplaceNodesConnectedTo("r", nil, nil, "dep"); err != nil {
		t.Fatalf("replacing edges: %v", err)
	}
	if got := g.NodeIDsFrom("r", "dep"); got != nil {
		t.Errorf("expected no edges, got %v", got)
	}
}

func TestReplaceNodesConnectedTo_Filter(t *testing.T) {
	g := New()
	for _, id := range []string{"r", "keep-a", "b"} {
		g.AddNode(testNode(id))
	}
	g.AddEdge("r", "keep-a", "dep")
	g.AddEdge("r", "b", "dep")

	onlyB := func(n Node) bool { return n.ID() == "b" }
	if err := g.ReplaceNodesConnectedTo("r", nil, onlyB, "dep"); err != nil {
		t.Fatalf("replacing edges: %v", err)
	}

	if !g.HasEdge("r", "keep-a", "dep") {
		t.Error("expected filtered-out edge to survive")
	}
	if g.HasEdge("r", "b", "dep") {
		t.Error("expected accepted edge to be removed")
	}
}

func TestEdges_Sorted(t *testing.T) {
	g := New()
	for _, id := range []string{"a", "b", "c"} {
		g.AddNode(testNode(id))
	}
	g.AddEdge("c", "a", "dep")
	g.AddEdge("a", "c", "dep")
	g.AddEdge("a", "b", "dep")

	edges := g.Edges()
	expected := []Edge{
		{From: "a", To: "b", Kind: "dep"},
		{From: "a", To: "c", Kind: "dep"},
		{From: "c", To: "a", Kind: "dep"},
	}
	if !reflect.DeepEqual(edges, expected) {
		t.Errorf("expected %v, got %v", expected, edges)
	}
}
