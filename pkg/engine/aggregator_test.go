package engine

import (
	"context"
	"testing"
	"time"
)

func newTestAggregator(t *testing.T, sources ...*fakeInfoPlugin) *Aggregator {
	t.Helper()
	r := NewRegistry(nil)
	for _, s := range sources {
		if err := r.Register(s, PluginConfig{}); err != nil {
			t.Fatalf("failed to register %s: %v", s.name, err)
		}
	}
	return NewAggregator(AggregatorConfig{SourceTimeout: time.Second}, r, nil)
}

func nodesSource(name string, priority int, nodes ...NodeRecord) *fakeInfoPlugin {
	return &fakeInfoPlugin{
		name:     name,
		priority: priority,
		listNodes: func(ctx context.Context) ([]NodeRecord, error) {
			return nodes, nil
		},
	}
}

func TestNodesMergeStrongestWinsPerField(t *testing.T) {
	// puppetdb (priority 1) and puppetserver (priority 2) disagree on
	// "environment" but only puppetserver knows "last_report".
	a := newTestAggregator(t,
		nodesSource("puppetdb", 1, NodeRecord{
			ID:         "web01",
			Attributes: map[string]interface{}{"environment": "production"},
		}),
		nodesSource("puppetserver", 2, NodeRecord{
			ID: "web01",
			Attributes: map[string]interface{}{
				"environment": "staging",
				"last_report": "2026-08-25T10:00:00Z",
			},
		}),
	)

	result, err := a.Nodes(context.Background(), false)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if result.Partial {
		t.Fatal("expected complete result")
	}
	if len(result.Nodes) != 1 {
		t.Fatalf("expected one merged node, got %d", len(result.Nodes))
	}

	node := result.Nodes[0]
	if node.Attributes["environment"] != "production" {
		t.Errorf("expected strongest source to win the contested field, got %v", node.Attributes["environment"])
	}
	if node.Attributes["last_report"] != "2026-08-25T10:00:00Z" {
		t.Errorf("expected weaker source to fill the uncontested field, got %v", node.Attributes["last_report"])
	}
	if len(node.Sources) != 2 || node.Sources[0] != "puppetdb" {
		t.Errorf("expected sources strongest first, got %v", node.Sources)
	}
}

func TestNodesUnionAcrossSources(t *testing.T) {
	a := newTestAggregator(t,
		nodesSource("puppetdb", 1, NodeRecord{ID: "web01"}, NodeRecord{ID: "db01"}),
		nodesSource("puppetserver", 2, NodeRecord{ID: "web01"}, NodeRecord{ID: "cache01"}),
	)

	result, err := a.Nodes(context.Background(), false)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(result.Nodes) != 3 {
		t.Fatalf("expected union of 3 nodes, got %d", len(result.Nodes))
	}
	// Merged inventory comes back sorted by id.
	want := []string{"cache01", "db01", "web01"}
	for i, id := range want {
		if result.Nodes[i].ID != id {
			t.Fatalf("expected sorted ids %v, got %s at %d", want, result.Nodes[i].ID, i)
		}
	}
}

func TestNodesPartialOnSourceFailure(t *testing.T) {
	a := newTestAggregator(t,
		nodesSource("puppetdb", 1, NodeRecord{ID: "web01"}),
		&fakeInfoPlugin{
			name:     "puppetserver",
			priority: 2,
			listNodes: func(ctx context.Context) ([]NodeRecord, error) {
				return nil, NewUnavailableError("connection refused", nil)
			},
		},
	)

	result, err := a.Nodes(context.Background(), false)
	if err != nil {
		t.Fatalf("expected degraded result, got error: %v", err)
	}
	if !result.Partial {
		t.Fatal("expected partial flag set")
	}
	if len(result.FailedSources) != 1 || result.FailedSources[0] != "puppetserver" {
		t.Fatalf("unexpected failed sources: %v", result.FailedSources)
	}
	if len(result.Nodes) != 1 {
		t.Fatalf("expected surviving source's nodes, got %d", len(result.Nodes))
	}
}

func TestNodesAllSourcesFailed(t *testing.T) {
	failing := func(name string, priority int) *fakeInfoPlugin {
		return &fakeInfoPlugin{
			name:     name,
			priority: priority,
			listNodes: func(ctx context.Context) ([]NodeRecord, error) {
				return nil, NewUnavailableError("down", nil)
			},
		}
	}
	a := newTestAggregator(t, failing("puppetdb", 1), failing("puppetserver", 2))

	_, err := a.Nodes(context.Background(), false)
	if CodeOf(err) != ErrCodeUpstreamUnavailable {
		t.Fatalf("expected UPSTREAM_UNAVAILABLE, got %v", err)
	}
}

func TestNodesNoSources(t *testing.T) {
	a := newTestAggregator(t)

	_, err := a.Nodes(context.Background(), false)
	if CodeOf(err) != ErrCodeUpstreamUnavailable {
		t.Fatalf("expected UPSTREAM_UNAVAILABLE, got %v", err)
	}
}

func TestNodesDebugDiagnostics(t *testing.T) {
	a := newTestAggregator(t,
		nodesSource("puppetdb", 1, NodeRecord{
			ID:         "web01",
			Attributes: map[string]interface{}{"environment": "production"},
		}),
	)

	result, err := a.Nodes(context.Background(), true)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(result.Sources) != 1 || result.Sources[0].Plugin != "puppetdb" {
		t.Fatalf("expected per-source diagnostics in debug mode, got %+v", result.Sources)
	}
	if result.Nodes[0].AttributeSources["environment"] != "puppetdb" {
		t.Fatalf("expected attribute provenance in debug mode, got %+v", result.Nodes[0].AttributeSources)
	}

	// Without debug the provenance maps are stripped.
	plain, err := a.Nodes(context.Background(), false)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if plain.Nodes[0].AttributeSources != nil {
		t.Fatal("expected attribute provenance stripped without debug")
	}
	if len(plain.Sources) != 0 {
		t.Fatal("expected no source diagnostics without debug")
	}
}

func factsSource(name string, priority int, facts map[string]interface{}) *fakeInfoPlugin {
	return &fakeInfoPlugin{
		name:     name,
		priority: priority,
		getFacts: func(ctx context.Context, nodeID string) (map[string]interface{}, error) {
			if facts == nil {
				return nil, NewNotFoundError("unknown node", nil)
			}
			return facts, nil
		},
	}
}

func TestFactsMergeStrongestWins(t *testing.T) {
	a := newTestAggregator(t,
		factsSource("puppetdb", 1, map[string]interface{}{"os": "debian"}),
		factsSource("puppetserver", 2, map[string]interface{}{"os": "ubuntu", "kernel": "6.1"}),
	)

	result, err := a.Facts(context.Background(), "web01", false)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if result.Facts["os"] != "debian" {
		t.Errorf("expected strongest source to win, got %v", result.Facts["os"])
	}
	if result.Facts["kernel"] != "6.1" {
		t.Errorf("expected weaker source to fill missing fact, got %v", result.Facts["kernel"])
	}
	if result.FactSources != nil {
		t.Error("expected fact provenance stripped without debug")
	}
}

func TestFactsEmptyNodeID(t *testing.T) {
	a := newTestAggregator(t, factsSource("puppetdb", 1, nil))

	if _, err := a.Facts(context.Background(), "", false); CodeOf(err) != ErrCodeValidation {
		t.Fatalf("expected VALIDATION, got %v", err)
	}
}

func TestFactsAllSourcesMiss(t *testing.T) {
	a := newTestAggregator(t,
		factsSource("puppetdb", 1, nil),
		factsSource("puppetserver", 2, nil),
	)

	_, err := a.Facts(context.Background(), "ghost", false)
	if !IsNotFound(err) {
		t.Fatalf("expected NOT_FOUND when every source misses, got %v", err)
	}
}

func TestFactsMissPlusFailure(t *testing.T) {
	a := newTestAggregator(t,
		factsSource("puppetdb", 1, nil),
		&fakeInfoPlugin{
			name:     "puppetserver",
			priority: 2,
			getFacts: func(ctx context.Context, nodeID string) (map[string]interface{}, error) {
				return nil, NewUnavailableError("down", nil)
			},
		},
	)

	// The node might exist on the failed source, so a miss cannot be
	// distinguished from an outage: the query degrades rather than 404s.
	_, err := a.Facts(context.Background(), "maybe", false)
	if CodeOf(err) != ErrCodeUpstreamUnavailable {
		t.Fatalf("expected UPSTREAM_UNAVAILABLE, got %v", err)
	}
}

func TestFactsPartialOnSourceFailure(t *testing.T) {
	a := newTestAggregator(t,
		factsSource("puppetdb", 1, map[string]interface{}{"os": "debian"}),
		&fakeInfoPlugin{
			name:     "puppetserver",
			priority: 2,
			getFacts: func(ctx context.Context, nodeID string) (map[string]interface{}, error) {
				return nil, NewUnavailableError("down", nil)
			},
		},
	)

	result, err := a.Facts(context.Background(), "web01", false)
	if err != nil {
		t.Fatalf("expected degraded result, got error: %v", err)
	}
	if !result.Partial {
		t.Fatal("expected partial flag set")
	}
	if result.Facts["os"] != "debian" {
		t.Fatalf("expected surviving source's facts, got %+v", result.Facts)
	}
}

func TestFactsDebugDiagnostics(t *testing.T) {
	a := newTestAggregator(t,
		factsSource("puppetdb", 1, map[string]interface{}{"os": "debian"}),
	)

	result, err := a.Facts(context.Background(), "web01", true)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(result.Sources) != 1 || result.Sources[0].Plugin != "puppetdb" {
		t.Fatalf("expected per-source diagnostics, got %+v", result.Sources)
	}
	if result.FactSources["os"] != "puppetdb" {
		t.Fatalf("expected fact provenance in debug mode, got %+v", result.FactSources)
	}
}
