// Package puppetserver provides the Puppet Server information plugin. It
// reads the CA certificate inventory, which covers nodes that have requested
// a certificate but may not yet have reported to PuppetDB.
package puppetserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/opsdeck/opsdeck/pkg/engine"
)

// Config holds Puppet Server connection settings.
type Config struct {
	// BaseURL is the Puppet Server endpoint, e.g. "https://puppet:8140".
	BaseURL string

	// Token is the PE RBAC token, sent as X-Authentication when set.
	Token string

	// Timeout bounds each HTTP request.
	Timeout time.Duration
}

// Plugin implements engine.InformationPlugin against the Puppet Server CA.
type Plugin struct {
	name     string
	priority int
	cfg      Config
	client   *http.Client
}

// New creates a Puppet Server plugin with the given registry name and
// priority.
func New(name string, priority int, cfg Config) (*Plugin, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("puppetserver base url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid puppetserver base url: %w", err)
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

// HealthCheck probes the simple status endpoint.
func (p *Plugin) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.BaseURL+"/status/v1/simple", nil)
	if err != nil {
		return engine.NewInternalError("failed to build puppetserver request", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return engine.NewUnavailableError("puppetserver status check failed", err).WithPlugin(p.name)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return engine.NewUnavailableError(
			fmt.Sprintf("puppetserver status returned %d", resp.StatusCode), nil).WithPlugin(p.name)
	}
	return nil
}

// Close releases plugin resources.
func (p *Plugin) Close() error {
	p.client.CloseIdleConnections()
	return nil
}

// certStatus is the CA certificate_statuses response shape.
type certStatus struct {
	Name              string   `json:"name"`
	State             string   `json:"state"`
	Fingerprint       string   `json:"fingerprint"`
	DNSAltNames       []string `json:"dns_alt_names"`
	NotBefore         string   `json:"not_before"`
	NotAfter          string   `json:"not_after"`
}

// ListNodes returns one record per signed or requested certificate.
func (p *Plugin) ListNodes(ctx context.Context) ([]engine.NodeRecord, error) {
	path := "/puppet-ca/v1/certificate_statuses/any_key"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.BaseURL+path, nil)
	if err != nil {
		return nil, engine.NewInternalError("failed to build puppetserver request", err)
	}
	req.Header.Set("Accept", "application/json")
	if p.cfg.Token != "" {
		req.Header.Set("X-Authentication", p.cfg.Token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, engine.NewUnavailableError("puppetserver request failed", err).WithPlugin(p.name)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, engine.NewUnavailableError(
			fmt.Sprintf("puppetserver returned %d: %s", resp.StatusCode, string(body)), nil).WithPlugin(p.name)
	}

	var statuses []certStatus
	if err := json.NewDecoder(resp.Body).Decode(&statuses); err != nil {
		return nil, engine.NewInternalError("failed to decode puppetserver response", err).WithPlugin(p.name)
	}

	records := make([]engine.NodeRecord, 0, len(statuses))
	for _, s := range statuses {
		if s.State == "revoked" {
			continue
		}
		attrs := map[string]interface{}{
			"cert_state":       s.State,
			"cert_fingerprint": s.Fingerprint,
			"cert_not_after":   s.NotAfter,
		}
		if len(s.DNSAltNames) > 0 {
			attrs["dns_alt_names"] = s.DNSAltNames
		}
		records = append(records, engine.NodeRecord{
			ID:         s.Name,
			Attributes: attrs,
		})
	}
	return records, nil
}

// GetFacts returns NOT_FOUND: the CA holds certificates, not facts. The
// aggregator treats this as a miss, leaving facts to PuppetDB.
func (p *Plugin) GetFacts(_ context.Context, nodeID string) (map[string]interface{}, error) {
	return nil, engine.NewNotFoundError(fmt.Sprintf("puppetserver holds no facts for %q", nodeID), nil)
}
