package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/opsdeck/opsdeck/pkg/config"
	"github.com/opsdeck/opsdeck/pkg/engine"
	"github.com/opsdeck/opsdeck/pkg/integrations"
	"github.com/opsdeck/opsdeck/pkg/policy"
	"github.com/opsdeck/opsdeck/pkg/stores"
	"github.com/opsdeck/opsdeck/pkg/telemetry"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the opsdeck engine",
		Long: `Starts the opsdeck engine: loads configuration, opens the execution
store, registers the configured integrations, recovers executions interrupted
by a previous crash, and serves the status endpoints until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	telem, err := telemetry.NewTelemetry(telemetryConfig(cfg))
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	log.Logger = telem.Logger.Zerolog()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = telem.Shutdown(shutdownCtx)
	}()

	// Persistence.
	store, err := stores.NewSQLiteStore(stores.Config{
		Path:         cfg.Database.Path,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
	})
	if err != nil {
		return err
	}
	if err := store.Init(ctx); err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	// Policy admission.
	var admitter engine.Admitter
	if cfg.Policy.Enabled {
		policyEngine, err := policy.NewEngine(log.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize policy engine: %w", err)
		}
		if err := policyEngine.LoadPolicies(ctx, cfg.Policy.Paths); err != nil {
			return fmt.Errorf("failed to load policies: %w", err)
		}
		admitter = policyEngine
	}

	// Plugin registry.
	registry := engine.NewRegistry(telem.Metrics)
	defer registry.Close()
	for _, ic := range cfg.Integrations {
		plugin, err := integrations.Build(ic)
		if err != nil {
			return fmt.Errorf("failed to build integration %q: %w", ic.Name, err)
		}
		if err := registry.Register(plugin, integrations.PluginConfig(ic)); err != nil {
			return fmt.Errorf("failed to register integration %q: %w", ic.Name, err)
		}
		log.Info().
			Str("integration", ic.Name).
			Str("kind", ic.Kind).
			Int("priority", ic.Priority).
			Msg("Integration registered")
	}

	broadcaster := engine.NewStreamBroadcaster(engine.BroadcasterConfig{
		RingSize:         cfg.Stream.RingSize,
		SubscriberBuffer: cfg.Stream.SubscriberBuffer,
		Retention:        cfg.Stream.Retention.Std(),
	}, store, telem.Metrics)

	orchestrator := engine.NewOrchestrator(engine.OrchestratorConfig{
		Workers:          cfg.Orchestrator.Workers,
		QueueSize:        cfg.Orchestrator.QueueSize,
		ExecutionTimeout: cfg.Orchestrator.ExecutionTimeout.Std(),
		MaxTargets:       cfg.Orchestrator.MaxTargets,
		Retry: engine.RetryConfig{
			MaxAttempts: cfg.Orchestrator.Retry.MaxAttempts,
			BaseDelay:   cfg.Orchestrator.Retry.BaseDelay.Std(),
			MaxDelay:    cfg.Orchestrator.Retry.MaxDelay.Std(),
		},
	}, registry, store, broadcaster, admitter, telem.Metrics)

	recovered, err := orchestrator.RecoverInterrupted(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover interrupted executions: %w", err)
	}
	if recovered > 0 {
		log.Warn().Int("count", recovered).Msg("Recovered interrupted executions")
	}
	orchestrator.Start()

	aggregator := engine.NewAggregator(engine.AggregatorConfig{
		SourceTimeout: cfg.Aggregator.SourceTimeout.Std(),
	}, registry, telem.Metrics)

	if err := telem.Metrics.StartMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	// Background maintenance: plugin health probes and cache expiry sweeps.
	go func() {
		interval := cfg.Aggregator.HealthInterval.Std()
		if interval <= 0 {
			interval = 30 * time.Second
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		registry.RefreshHealth(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				registry.RefreshHealth(ctx)
				registry.Cache().Sweep()
			}
		}
	}()

	// Hot reload of tunables that apply without a restart.
	if configPath != "" {
		watcher, err := config.NewWatcher(configPath, func(next *config.Config) {
			applyReload(next)
		})
		if err != nil {
			log.Warn().Err(err).Msg("Config watching disabled")
		} else {
			go watcher.Run(ctx)
		}
	}

	server := statusServer(cfg, store, registry, orchestrator, aggregator)
	errChan := make(chan error, 1)
	go func() {
		log.Info().Str("address", cfg.Server.ListenAddress).Msg("Status server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return fmt.Errorf("status server failed: %w", err)
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
	defer cancel()

	_ = server.Shutdown(shutdownCtx)
	if err := orchestrator.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Orchestrator shutdown incomplete")
	}
	return nil
}

// telemetryConfig maps the operator configuration onto the telemetry layer.
func telemetryConfig(cfg *config.Config) *telemetry.Config {
	tc := telemetry.DefaultConfig()
	tc.Environment = cfg.Telemetry.Environment
	tc.Logging.Level = cfg.Telemetry.Logging.Level
	tc.Logging.Format = cfg.Telemetry.Logging.Format
	tc.Logging.Output = cfg.Telemetry.Logging.Output
	tc.Tracing.Enabled = cfg.Telemetry.Tracing.Enabled
	tc.Tracing.Exporter = cfg.Telemetry.Tracing.Exporter
	tc.Tracing.Endpoint = cfg.Telemetry.Tracing.Endpoint
	tc.Tracing.SamplingRate = cfg.Telemetry.Tracing.SamplingRate
	tc.Tracing.Insecure = cfg.Telemetry.Tracing.Insecure
	tc.Metrics.Enabled = cfg.Telemetry.Metrics.Enabled
	tc.Metrics.ListenAddress = cfg.Telemetry.Metrics.ListenAddress
	tc.Metrics.Path = cfg.Telemetry.Metrics.Path
	return tc
}

// applyReload applies the reloadable subset of a changed configuration.
// Structural settings (integrations, database, listeners) need a restart.
func applyReload(next *config.Config) {
	if level, err := zerolog.ParseLevel(next.Telemetry.Logging.Level); err == nil {
		zerolog.SetGlobalLevel(level)
	}
	log.Info().Str("level", next.Telemetry.Logging.Level).Msg("Configuration reloaded")
}

// statusServer exposes liveness, integration status, and the read-only
// aggregation queries over HTTP.
func statusServer(cfg *config.Config, store *stores.SQLiteStore, registry *engine.Registry, orchestrator *engine.Orchestrator, aggregator *engine.Aggregator) *http.Server {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := store.HealthCheck(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"integrations": registry.Statuses(),
			"queue_depth":  orchestrator.QueueDepth(),
		})
	})

	mux.HandleFunc("/nodes", func(w http.ResponseWriter, r *http.Request) {
		debug := r.URL.Query().Get("debug") == "true"
		result, err := aggregator.Nodes(r.Context(), debug)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	})

	mux.HandleFunc("/facts", func(w http.ResponseWriter, r *http.Request) {
		nodeID := r.URL.Query().Get("node")
		if nodeID == "" {
			http.Error(w, "node query parameter is required", http.StatusBadRequest)
			return
		}
		debug := r.URL.Query().Get("debug") == "true"
		result, err := aggregator.Facts(r.Context(), nodeID, debug)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	})

	return &http.Server{
		Addr:              cfg.Server.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeEngineError maps the engine error taxonomy onto HTTP statuses.
func writeEngineError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch engine.CodeOf(err) {
	case engine.ErrCodeValidation:
		status = http.StatusBadRequest
	case engine.ErrCodeNotFound:
		status = http.StatusNotFound
	case engine.ErrCodeUpstreamUnavailable, engine.ErrCodeCircuitOpen:
		status = http.StatusServiceUnavailable
	case engine.ErrCodeTimeout:
		status = http.StatusGatewayTimeout
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
