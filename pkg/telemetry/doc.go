// Package telemetry provides observability instrumentation for opsdeck.
//
// The telemetry package integrates structured logging (zerolog), distributed
// tracing (OpenTelemetry), and metrics (Prometheus) into a unified system for
// monitoring and debugging opsdeck operations.
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceName = "opsdeck"
//	cfg.ServiceVersion = "1.0.0"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	if err := tel.Metrics.StartMetricsServer(); err != nil {
//	    log.Fatal(err)
//	}
//
// # Structured Logging
//
// The logger provides component-specific logging with automatic context
// propagation:
//
//	logger := tel.Logger.NewComponentLogger("orchestrator")
//	logger = logger.WithExecutionID("exec-123").WithPlugin("bolt")
//	logger.Info("execution started")
//	logger.WithError(err).Error("execution failed")
//
// # Distributed Tracing
//
// Tracing provides visibility into request flow and performance:
//
//	ctx, span := tel.Tracer.StartExecutionSpan(ctx, execID, "command", "bolt")
//	defer span.End()
//
//	if err != nil {
//	    telemetry.RecordError(span, err)
//	}
//
// Supported exporters: OTLP/gRPC (production), stdout (development), none
// (testing).
//
// # Metrics
//
// Prometheus metrics track system behavior:
//
//	tel.Metrics.RecordExecutionSubmitted("command", "bolt")
//	tel.Metrics.RecordExecutionCompleted("command", "success", duration)
//	tel.Metrics.RecordPluginCall("puppetdb", "list_nodes", duration)
//	tel.Metrics.RecordCircuitTransition("puppetdb", "open")
//	tel.Metrics.RecordCacheLookup("puppetdb", "facts", true)
//
// Metrics are exposed via HTTP at /metrics (default: :9090/metrics).
package telemetry
