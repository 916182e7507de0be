// Package puppetdb provides the PuppetDB information plugin. PuppetDB is the
// authoritative source for node inventory and facts in a Puppet-managed
// fleet; the plugin answers node and facts queries via the PDB query API v4.
package puppetdb

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/opsdeck/opsdeck/pkg/engine"
)

// Config holds PuppetDB connection settings.
type Config struct {
	// BaseURL is the PuppetDB endpoint, e.g. "http://puppetdb:8080".
	BaseURL string

	// Token is the PE RBAC token, sent as X-Authentication when set.
	Token string

	// Timeout bounds each HTTP request.
	Timeout time.Duration
}

// Plugin implements engine.InformationPlugin against PuppetDB.
type Plugin struct {
	name     string
	priority int
	cfg      Config
	client   *http.Client
}

// New creates a PuppetDB plugin with the given registry name and priority.
func New(name string, priority int, cfg Config) (*Plugin, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("puppetdb base url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid puppetdb base url: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	return &Plugin{
		name:     name,
		priority: priority,
		cfg:      cfg,
		client:   &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// Name returns the registry name.
func (p *Plugin) Name() string { return p.name }

// Capabilities returns the information capability.
func (p *Plugin) Capabilities() []engine.Capability {
	return []engine.Capability{engine.CapabilityInformation}
}

// Priority returns the configured priority.
func (p *Plugin) Priority() int { return p.priority }

// HealthCheck probes the PDB version endpoint.
func (p *Plugin) HealthCheck(ctx context.Context) error {
	var version struct {
		Version string `json:"version"`
	}
	if err := p.get(ctx, "/pdb/meta/v1/version", &version); err != nil {
		return err
	}
	return nil
}

// Close releases plugin resources.
func (p *Plugin) Close() error {
	p.client.CloseIdleConnections()
	return nil
}

// pdbNode is the PDB nodes endpoint response shape.
type pdbNode struct {
	Certname          string  `json:"certname"`
	Deactivated       *string `json:"deactivated"`
	Expired           *string `json:"expired"`
	ReportTimestamp   *string `json:"report_timestamp"`
	CatalogTimestamp  *string `json:"catalog_timestamp"`
	FactsTimestamp    *string `json:"facts_timestamp"`
	LatestReportStatus *string `json:"latest_report_status"`
}

// ListNodes returns every active node PuppetDB knows about.
func (p *Plugin) ListNodes(ctx context.Context) ([]engine.NodeRecord, error) {
	var nodes []pdbNode
	if err := p.get(ctx, "/pdb/query/v4/nodes", &nodes); err != nil {
		return nil, err
	}

	records := make([]engine.NodeRecord, 0, len(nodes))
	for _, n := range nodes {
		if n.Deactivated != nil || n.Expired != nil {
			continue
		}

		attrs := map[string]interface{}{}
		if n.ReportTimestamp != nil {
			attrs["report_timestamp"] = *n.ReportTimestamp
		}
		if n.CatalogTimestamp != nil {
			attrs["catalog_timestamp"] = *n.CatalogTimestamp
		}
		if n.FactsTimestamp != nil {
			attrs["facts_timestamp"] = *n.FactsTimestamp
		}
		if n.LatestReportStatus != nil {
			attrs["latest_report_status"] = *n.LatestReportStatus
		}

		records = append(records, engine.NodeRecord{
			ID:         n.Certname,
			Attributes: attrs,
		})
	}

	log.Debug().
		Str("plugin", p.name).
		Int("nodes", len(records)).
		Msg("PuppetDB inventory fetched")
	return records, nil
}

// pdbFact is the PDB node facts endpoint response shape.
type pdbFact struct {
	Name  string      `json:"name"`
	Value interface{} `json:"value"`
}

// GetFacts returns the facts PuppetDB holds for one node. Unknown nodes
// return NOT_FOUND.
func (p *Plugin) GetFacts(ctx context.Context, nodeID string) (map[string]interface{}, error) {
	path := fmt.Sprintf("/pdb/query/v4/nodes/%s/facts", url.PathEscape(nodeID))

	var facts []pdbFact
	if err := p.get(ctx, path, &facts); err != nil {
		return nil, err
	}

	// PDB answers an empty list, not a 404, for unknown certnames.
	if len(facts) == 0 {
		return nil, engine.NewNotFoundError(fmt.Sprintf("node %q not found in puppetdb", nodeID), nil)
	}

	out := make(map[string]interface{}, len(facts))
	for _, f := range facts {
		out[f.Name] = f.Value
	}
	return out, nil
}

// get performs a GET request and decodes the JSON response. Connection
// failures surface as UPSTREAM_UNAVAILABLE, 404s as NOT_FOUND.
func (p *Plugin) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.BaseURL+path, nil)
	if err != nil {
		return engine.NewInternalError("failed to build puppetdb request", err)
	}
	req.Header.Set("Accept", "application/json")
	if p.cfg.Token != "" {
		req.Header.Set("X-Authentication", p.cfg.Token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return engine.NewUnavailableError("puppetdb request failed", err).WithPlugin(p.name)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return engine.NewNotFoundError(fmt.Sprintf("puppetdb resource not found: %s", path), nil)
	case resp.StatusCode >= 500:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return engine.NewUnavailableError(
			fmt.Sprintf("puppetdb returned %d: %s", resp.StatusCode, string(body)), nil).WithPlugin(p.name)
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return engine.NewInternalError(
			fmt.Sprintf("puppetdb returned %d: %s", resp.StatusCode, string(body)), nil).WithPlugin(p.name)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return engine.NewInternalError("failed to decode puppetdb response", err).WithPlugin(p.name)
	}
	return nil
}
