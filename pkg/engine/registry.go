package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/opsdeck/opsdeck/pkg/telemetry"
)

// PluginConfig carries the per-plugin settings applied at registration.
type PluginConfig struct {
	// Breaker is the circuit breaker configuration. Zero fields fall back to
	// the engine defaults.
	Breaker BreakerConfig

	// CacheTTL is how long information query answers stay cached. Zero
	// disables caching for this plugin.
	CacheTTL time.Duration
}

// registeredPlugin is the registry's bookkeeping for one plugin.
type registeredPlugin struct {
	plugin   Plugin
	breaker  *CircuitBreaker
	cacheTTL time.Duration

	// order is the registration sequence number, used to break priority ties.
	order int

	mu        sync.Mutex
	health    HealthState
	lastCheck time.Time
}

// Registry owns the set of registered plugins, their circuit breakers, and
// the information query cache. All plugin calls made by the orchestrator and
// the aggregation router go through the registry so that breaker accounting
// is applied uniformly.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]*registeredPlugin
	ordered []*registeredPlugin

	cache   *TTLCache
	metrics *telemetry.Metrics
}

// NewRegistry creates an empty registry.
func NewRegistry(metrics *telemetry.Metrics) *Registry {
	if metrics == nil {
		metrics = &telemetry.Metrics{}
	}
	return &Registry{
		plugins: make(map[string]*registeredPlugin),
		cache:   NewTTLCache(),
		metrics: metrics,
	}
}

// Register adds a plugin to the registry. Names must be unique; registering
// the same name twice is a validation error. Registration order breaks
// priority ties during resolution.
func (r *Registry) Register(p Plugin, cfg PluginConfig) error {
	if p == nil {
		return NewValidationError("plugin is nil", nil)
	}
	name := p.Name()
	if name == "" {
		return NewValidationError("plugin name is empty", nil)
	}
	if len(p.Capabilities()) == 0 {
		return NewValidationError(fmt.Sprintf("plugin %q declares no capabilities", name), nil)
	}
	for _, c := range p.Capabilities() {
		if err := c.Validate(); err != nil {
			return NewValidationError(fmt.Sprintf("plugin %q: %v", name, err), nil)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.plugins[name]; exists {
		return NewValidationError(fmt.Sprintf("plugin %q already registered", name), nil)
	}

	rp := &registeredPlugin{
		plugin:   p,
		cacheTTL: cfg.CacheTTL,
		order:    len(r.ordered),
		health:   HealthUnknown,
	}
	rp.breaker = NewCircuitBreaker(name, cfg.Breaker, func(plugin string, from, to CircuitState) {
		r.metrics.RecordCircuitTransition(plugin, string(to))
		log.Warn().
			Str("plugin", plugin).
			Str("from", string(from)).
			Str("to", string(to)).
			Msg("Circuit breaker transition")
	})

	r.plugins[name] = rp
	r.ordered = append(r.ordered, rp)

	log.Info().
		Str("plugin", name).
		Int("priority", p.Priority()).
		Interface("capabilities", p.Capabilities()).
		Msg("Plugin registered")
	return nil
}

// Get returns the plugin registered under name.
func (r *Registry) Get(name string) (Plugin, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rp, ok := r.plugins[name]
	if !ok {
		return nil, NewNotFoundError(fmt.Sprintf("plugin %q not registered", name), nil)
	}
	return rp.plugin, nil
}

// Breaker returns the circuit breaker for the named plugin, or nil when the
// plugin is not registered.
func (r *Registry) Breaker(name string) *CircuitBreaker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if rp, ok := r.plugins[name]; ok {
		return rp.breaker
	}
	return nil
}

// eligible returns the plugins with the given capability whose circuit is not
// open, sorted by priority ascending with registration order breaking ties.
func (r *Registry) eligible(capability Capability) []*registeredPlugin {
	r.mu.RLock()
	candidates := make([]*registeredPlugin, 0, len(r.ordered))
	for _, rp := range r.ordered {
		if !hasCapability(rp.plugin, capability) {
			continue
		}
		candidates = append(candidates, rp)
	}
	r.mu.RUnlock()

	sort.SliceStable(candidates, func(i, j int) bool {
		pi, pj := candidates[i].plugin.Priority(), candidates[j].plugin.Priority()
		if pi != pj {
			return pi < pj
		}
		return candidates[i].order < candidates[j].order
	})

	// Open circuits are excluded from resolution; half-open plugins stay in
	// so their trial call can happen.
	out := candidates[:0]
	for _, rp := range candidates {
		if rp.breaker.State() == CircuitOpen {
			continue
		}
		out = append(out, rp)
	}
	return out
}

// ExecutionPlugins returns the eligible execution plugins in resolution order.
func (r *Registry) ExecutionPlugins() []ExecutionPlugin {
	var out []ExecutionPlugin
	for _, rp := range r.eligible(CapabilityExecution) {
		if ep, ok := rp.plugin.(ExecutionPlugin); ok {
			out = append(out, ep)
		}
	}
	return out
}

// InformationPlugins returns the eligible information plugins in resolution
// order.
func (r *Registry) InformationPlugins() []InformationPlugin {
	var out []InformationPlugin
	for _, rp := range r.eligible(CapabilityInformation) {
		if ip, ok := rp.plugin.(InformationPlugin); ok {
			out = append(out, ip)
		}
	}
	return out
}

// PickExecutionPlugin resolves the execution plugin for a submission. When
// preferred is non-empty the named plugin is returned regardless of circuit
// state (the breaker still gates the actual call); otherwise the highest
// priority eligible plugin wins.
func (r *Registry) PickExecutionPlugin(preferred string) (ExecutionPlugin, error) {
	if preferred != "" {
		p, err := r.Get(preferred)
		if err != nil {
			return nil, err
		}
		ep, ok := p.(ExecutionPlugin)
		if !ok || !hasCapability(p, CapabilityExecution) {
			return nil, NewValidationError(fmt.Sprintf("plugin %q has no execution capability", preferred), nil)
		}
		return ep, nil
	}

	candidates := r.ExecutionPlugins()
	if len(candidates) == 0 {
		return nil, NewUnavailableError("no execution plugin available", nil)
	}
	return candidates[0], nil
}

// Do runs fn against the named plugin through its circuit breaker, recording
// call metrics. The operation label is used for metrics and logs only.
func (r *Registry) Do(plugin, operation string, fn func() error) error {
	breaker := r.Breaker(plugin)
	if breaker == nil {
		return NewNotFoundError(fmt.Sprintf("plugin %q not registered", plugin), nil)
	}

	if err := breaker.Allow(); err != nil {
		r.metrics.RecordError(ErrCodeCircuitOpen)
		return err
	}

	start := time.Now()
	err := fn()
	duration := time.Since(start)

	breaker.RecordOutcome(err)
	r.metrics.RecordPluginCall(plugin, operation, duration)
	if err != nil {
		r.metrics.RecordPluginError(plugin, operation)
		r.metrics.RecordError(CodeOf(err))
	}
	return err
}

// ListNodes queries one information plugin's node inventory through the cache
// and circuit breaker. Cache hits return without consulting the breaker. The
// cacheHit return feeds the per-source diagnostics on aggregated queries.
func (r *Registry) ListNodes(ctx context.Context, plugin string) ([]NodeRecord, bool, error) {
	r.mu.RLock()
	rp, ok := r.plugins[plugin]
	r.mu.RUnlock()
	if !ok {
		return nil, false, NewNotFoundError(fmt.Sprintf("plugin %q not registered", plugin), nil)
	}
	ip, isInfo := rp.plugin.(InformationPlugin)
	if !isInfo {
		return nil, false, NewValidationError(fmt.Sprintf("plugin %q has no information capability", plugin), nil)
	}

	key := CacheKey(plugin, "nodes", "")
	value, hit, err := r.cache.GetOrFill(ctx, key, rp.cacheTTL, func() (interface{}, error) {
		var nodes []NodeRecord
		callErr := r.Do(plugin, "list_nodes", func() error {
			var innerErr error
			nodes, innerErr = ip.ListNodes(ctx)
			return innerErr
		})
		return nodes, callErr
	})
	r.metrics.RecordCacheLookup(plugin, "nodes", hit)
	if err != nil {
		return nil, hit, err
	}
	nodes, _ := value.([]NodeRecord)
	return nodes, hit, nil
}

// GetFacts queries one information plugin's facts for a node through the
// cache and circuit breaker.
func (r *Registry) GetFacts(ctx context.Context, plugin, nodeID string) (map[string]interface{}, bool, error) {
	r.mu.RLock()
	rp, ok := r.plugins[plugin]
	r.mu.RUnlock()
	if !ok {
		return nil, false, NewNotFoundError(fmt.Sprintf("plugin %q not registered", plugin), nil)
	}
	ip, isInfo := rp.plugin.(InformationPlugin)
	if !isInfo {
		return nil, false, NewValidationError(fmt.Sprintf("plugin %q has no information capability", plugin), nil)
	}

	key := CacheKey(plugin, "facts", nodeID)
	value, hit, err := r.cache.GetOrFill(ctx, key, rp.cacheTTL, func() (interface{}, error) {
		var facts map[string]interface{}
		callErr := r.Do(plugin, "get_facts", func() error {
			var innerErr error
			facts, innerErr = ip.GetFacts(ctx, nodeID)
			return innerErr
		})
		return facts, callErr
	})
	r.metrics.RecordCacheLookup(plugin, "facts", hit)
	if err != nil {
		return nil, hit, err
	}
	facts, _ := value.(map[string]interface{})
	return facts, hit, nil
}

// InvalidateCache drops the cached node inventory and all cached facts for
// the named plugin's known keys. Used after executions that change node state.
func (r *Registry) InvalidateCache(plugin string) {
	r.cache.Invalidate(CacheKey(plugin, "nodes", ""))
}

// Cache exposes the underlying cache for the serve loop's periodic sweep.
func (r *Registry) Cache() *TTLCache {
	return r.cache
}

// RefreshHealth runs every plugin's health check and updates its health
// state. Health probes do not feed the circuit breaker; only real calls do.
func (r *Registry) RefreshHealth(ctx context.Context) {
	r.mu.RLock()
	plugins := make([]*registeredPlugin, len(r.ordered))
	copy(plugins, r.ordered)
	r.mu.RUnlock()

	for _, rp := range plugins {
		err := rp.plugin.HealthCheck(ctx)
		state := rp.breaker.State()

		var health HealthState
		switch {
		case err != nil || state == CircuitOpen:
			health = HealthUnhealthy
		case state == CircuitHalfOpen:
			health = HealthDegraded
		default:
			health = HealthHealthy
		}

		rp.mu.Lock()
		rp.health = health
		rp.lastCheck = time.Now()
		rp.mu.Unlock()

		if err != nil {
			log.Warn().
				Err(err).
				Str("plugin", rp.plugin.Name()).
				Msg("Plugin health check failed")
		}
	}
}

// Statuses returns the health snapshot for every registered plugin, sorted by
// priority then registration order.
func (r *Registry) Statuses() []IntegrationStatus {
	r.mu.RLock()
	plugins := make([]*registeredPlugin, len(r.ordered))
	copy(plugins, r.ordered)
	r.mu.RUnlock()

	sort.SliceStable(plugins, func(i, j int) bool {
		pi, pj := plugins[i].plugin.Priority(), plugins[j].plugin.Priority()
		if pi != pj {
			return pi < pj
		}
		return plugins[i].order < plugins[j].order
	})

	out := make([]IntegrationStatus, 0, len(plugins))
	for _, rp := range plugins {
		rp.mu.Lock()
		health, lastCheck := rp.health, rp.lastCheck
		rp.mu.Unlock()

		out = append(out, IntegrationStatus{
			Name:                rp.plugin.Name(),
			Capabilities:        rp.plugin.Capabilities(),
			Priority:            rp.plugin.Priority(),
			Health:              health,
			Circuit:             rp.breaker.State(),
			ConsecutiveFailures: rp.breaker.Failures(),
			LastCheck:           lastCheck,
		})
	}
	return out
}

// Close shuts down every registered plugin. The first error is returned but
// all plugins are closed regardless.
func (r *Registry) Close() error {
	r.mu.RLock()
	plugins := make([]*registeredPlugin, len(r.ordered))
	copy(plugins, r.ordered)
	r.mu.RUnlock()

	var firstErr error
	for _, rp := range plugins {
		if err := rp.plugin.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func hasCapability(p Plugin, capability Capability) bool {
	for _, c := range p.Capabilities() {
		if c == capability {
			return true
		}
	}
	return false
}
