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

// AggregatorConfig holds aggregation router settings.
type AggregatorConfig struct {
	// SourceTimeout bounds how long one source may take before its answer is
	// abandoned and the query degrades to a partial result.
	SourceTimeout time.Duration
}

// DefaultAggregatorConfig returns the aggregation defaults.
func DefaultAggregatorConfig() AggregatorConfig {
	return AggregatorConfig{
		SourceTimeout: 15 * time.Second,
	}
}

// Aggregator answers inventory and facts queries by fanning out to every
// eligible information plugin in parallel and merging the answers. When
// sources disagree on a field the highest-priority source wins, field by
// field. A failing source degrades the answer to partial instead of failing
// the whole query.
type Aggregator struct {
	cfg      AggregatorConfig
	registry *Registry
	metrics  *telemetry.Metrics
}

// NewAggregator creates an aggregation router over the registry's
// information plugins.
func NewAggregator(cfg AggregatorConfig, registry *Registry, metrics *telemetry.Metrics) *Aggregator {
	if cfg.SourceTimeout <= 0 {
		cfg.SourceTimeout = DefaultAggregatorConfig().SourceTimeout
	}
	if metrics == nil {
		metrics = &telemetry.Metrics{}
	}
	return &Aggregator{
		cfg:      cfg,
		registry: registry,
		metrics:  metrics,
	}
}

// sourceAnswer is one source's response to a fan-out query.
type sourceAnswer struct {
	plugin string
	nodes  []NodeRecord
	facts  map[string]interface{}
	debug  SourceDebug
	err    error
}

// Nodes returns the merged node inventory across all information sources.
// Per-source diagnostics are attached when debug is set.
func (a *Aggregator) Nodes(ctx context.Context, debug bool) (*NodesQueryResult, error) {
	sources := a.registry.InformationPlugins()
	if len(sources) == 0 {
		a.metrics.RecordAggregationQuery("nodes", "failed")
		return nil, NewUnavailableError("no information plugin available", nil)
	}

	answers := a.fanOut(ctx, sources, func(queryCtx context.Context, plugin InformationPlugin, answer *sourceAnswer) {
		nodes, cacheHit, err := a.registry.ListNodes(queryCtx, plugin.Name())
		answer.nodes = nodes
		answer.err = err
		answer.debug.CacheHit = cacheHit
	})

	result := &NodesQueryResult{}
	merged := make(map[string]*Node)
	var order []string

	// Weakest source first so stronger sources overwrite field by field.
	for i := len(answers) - 1; i >= 0; i-- {
		ans := answers[i]
		if ans.err != nil {
			result.Partial = true
			result.FailedSources = append(result.FailedSources, ans.plugin)
			continue
		}
		for _, rec := range ans.nodes {
			node, exists := merged[rec.ID]
			if !exists {
				node = &Node{
					ID:               rec.ID,
					Attributes:       make(map[string]interface{}),
					AttributeSources: make(map[string]string),
				}
				merged[rec.ID] = node
				order = append(order, rec.ID)
			}
			node.Sources = append([]string{ans.plugin}, node.Sources...)
			for key, value := range rec.Attributes {
				node.Attributes[key] = value
				node.AttributeSources[key] = ans.plugin
			}
		}
	}

	if len(result.FailedSources) == len(answers) {
		a.metrics.RecordAggregationQuery("nodes", "failed")
		return nil, NewUnavailableError("all information sources failed", nil).
			WithDetail("failed_sources", result.FailedSources)
	}

	sort.Strings(order)
	result.Nodes = make([]Node, 0, len(order))
	for _, id := range order {
		result.Nodes = append(result.Nodes, *merged[id])
	}

	if debug {
		for _, ans := range answers {
			result.Sources = append(result.Sources, ans.debug)
		}
	} else {
		for i := range result.Nodes {
			result.Nodes[i].AttributeSources = nil
		}
	}

	a.recordQueryResult("nodes", result.Partial)
	return result, nil
}

// Facts returns the merged facts for one node. A source that does not know
// the node is a miss, not a failure; when every source misses the query
// returns NOT_FOUND.
func (a *Aggregator) Facts(ctx context.Context, nodeID string, debug bool) (*FactsQueryResult, error) {
	if nodeID == "" {
		return nil, NewValidationError("node id is required", nil)
	}

	sources := a.registry.InformationPlugins()
	if len(sources) == 0 {
		a.metrics.RecordAggregationQuery("facts", "failed")
		return nil, NewUnavailableError("no information plugin available", nil)
	}

	answers := a.fanOut(ctx, sources, func(queryCtx context.Context, plugin InformationPlugin, answer *sourceAnswer) {
		facts, cacheHit, err := a.registry.GetFacts(queryCtx, plugin.Name(), nodeID)
		answer.facts = facts
		answer.err = err
		answer.debug.CacheHit = cacheHit
	})

	result := &FactsQueryResult{
		NodeID:      nodeID,
		Facts:       make(map[string]interface{}),
		FactSources: make(map[string]string),
	}
	misses := 0

	for i := len(answers) - 1; i >= 0; i-- {
		ans := answers[i]
		switch {
		case IsNotFound(ans.err):
			misses++
		case ans.err != nil:
			result.Partial = true
			result.FailedSources = append(result.FailedSources, ans.plugin)
		default:
			for key, value := range ans.facts {
				result.Facts[key] = value
				result.FactSources[key] = ans.plugin
			}
		}
	}

	if misses == len(answers) {
		a.metrics.RecordAggregationQuery("facts", "failed")
		return nil, NewNotFoundError(fmt.Sprintf("node %q not known to any source", nodeID), nil)
	}
	if len(result.FailedSources)+misses == len(answers) {
		a.metrics.RecordAggregationQuery("facts", "failed")
		return nil, NewUnavailableError("all information sources failed", nil).
			WithDetail("failed_sources", result.FailedSources)
	}

	if debug {
		for _, ans := range answers {
			result.Sources = append(result.Sources, ans.debug)
		}
	} else {
		result.FactSources = nil
	}

	a.recordQueryResult("facts", result.Partial)
	return result, nil
}

// fanOut queries every source in parallel with a bounded per-source wait and
// returns the answers in resolution order (strongest source first).
func (a *Aggregator) fanOut(ctx context.Context, sources []InformationPlugin, query func(context.Context, InformationPlugin, *sourceAnswer)) []*sourceAnswer {
	answers := make([]*sourceAnswer, len(sources))
	var wg sync.WaitGroup

	for i, plugin := range sources {
		answers[i] = &sourceAnswer{plugin: plugin.Name()}

		wg.Add(1)
		go func(plugin InformationPlugin, answer *sourceAnswer) {
			defer wg.Done()

			queryCtx, cancel := context.WithTimeout(ctx, a.cfg.SourceTimeout)
			defer cancel()

			start := time.Now()
			query(queryCtx, plugin, answer)
			answer.debug.Plugin = answer.plugin
			answer.debug.Duration = time.Since(start)
			if breaker := a.registry.Breaker(answer.plugin); breaker != nil {
				answer.debug.Circuit = breaker.State()
			}
			if answer.err != nil {
				answer.debug.Error = answer.err.Error()
				if !IsNotFound(answer.err) {
					log.Warn().
						Err(answer.err).
						Str("plugin", answer.plugin).
						Msg("Information source query failed")
				}
			}
		}(plugin, answers[i])
	}

	wg.Wait()
	return answers
}

func (a *Aggregator) recordQueryResult(kind string, partial bool) {
	if partial {
		a.metrics.RecordAggregationQuery(kind, "partial")
		return
	}
	a.metrics.RecordAggregationQuery(kind, "ok")
}
