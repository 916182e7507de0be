package puppetdb

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/opsdeck/opsdeck/pkg/engine"
)

func newTestPlugin(t *testing.T, handler http.HandlerFunc) *Plugin {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	p, err := New("puppetdb", 1, Config{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("failed to create plugin: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestNewRequiresBaseURL(t *testing.T) {
	if _, err := New("puppetdb", 1, Config{}); err == nil {
		t.Fatal("expected error without base url")
	}
}

func TestListNodes(t *testing.T) {
	deactivated := "2026-01-01T00:00:00Z"
	p := newTestPlugin(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/pdb/query/v4/nodes" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			{"certname": "web01.example.com", "report_timestamp": "2026-08-25T10:00:00Z", "latest_report_status": "unchanged"},
			{"certname": "old01.example.com", "deactivated": "` + deactivated + `"},
			{"certname": "db01.example.com"}
		]`))
	})

	nodes, err := p.ListNodes(context.Background())
	if err != nil {
		t.Fatalf("list nodes failed: %v", err)
	}
	if len(nodes) != 2 {
		t.Fatalf("expected deactivated node filtered, got %d nodes", len(nodes))
	}
	if nodes[0].ID != "web01.example.com" {
		t.Errorf("unexpected node id: %s", nodes[0].ID)
	}
	if nodes[0].Attributes["latest_report_status"] != "unchanged" {
		t.Errorf("unexpected attributes: %+v", nodes[0].Attributes)
	}
}

func TestGetFacts(t *testing.T) {
	p := newTestPlugin(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/pdb/query/v4/nodes/web01.example.com/facts" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			{"name": "os", "value": {"family": "Debian"}},
			{"name": "processorcount", "value": 8}
		]`))
	})

	facts, err := p.GetFacts(context.Background(), "web01.example.com")
	if err != nil {
		t.Fatalf("get facts failed: %v", err)
	}
	if len(facts) != 2 {
		t.Fatalf("expected 2 facts, got %d", len(facts))
	}
	os, ok := facts["os"].(map[string]interface{})
	if !ok || os["family"] != "Debian" {
		t.Errorf("unexpected os fact: %v", facts["os"])
	}
}

func TestGetFactsUnknownNode(t *testing.T) {
	// PDB answers an empty list for unknown certnames.
	p := newTestPlugin(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[]`))
	})

	_, err := p.GetFacts(context.Background(), "ghost.example.com")
	if !engine.IsNotFound(err) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}

func TestServerErrorIsUnavailable(t *testing.T) {
	p := newTestPlugin(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})

	_, err := p.ListNodes(context.Background())
	if engine.CodeOf(err) != engine.ErrCodeUpstreamUnavailable {
		t.Fatalf("expected UPSTREAM_UNAVAILABLE, got %v", err)
	}
}

func TestConnectionRefusedIsUnavailable(t *testing.T) {
	p, err := New("puppetdb", 1, Config{BaseURL: "http://127.0.0.1:1"})
	if err != nil {
		t.Fatal(err)
	}

	_, err = p.ListNodes(context.Background())
	if engine.CodeOf(err) != engine.ErrCodeUpstreamUnavailable {
		t.Fatalf("expected UPSTREAM_UNAVAILABLE, got %v", err)
	}
}

func TestTokenHeaderSent(t *testing.T) {
	var gotToken string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken = r.Header.Get("X-Authentication")
		_, _ = w.Write([]byte(`{"version": "8.1.0"}`))
	}))
	t.Cleanup(server.Close)

	p, err := New("puppetdb", 1, Config{BaseURL: server.URL, Token: "secret-token"})
	if err != nil {
		t.Fatal(err)
	}
	if err := p.HealthCheck(context.Background()); err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	if gotToken != "secret-token" {
		t.Fatalf("expected token header, got %q", gotToken)
	}
}
