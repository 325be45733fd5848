// Package telemetry provides observability for the sync engine.
//
// It combines structured logging (zerolog), tracing (OpenTelemetry),
// Prometheus metrics and an in-process event publisher behind one
// Telemetry value that is created at startup and carried in the context.
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	ctx = tel.WithContext(ctx)
//	go tel.Metrics.Serve(ctx, tel.Logger)
//
// # Logging
//
// Loggers are scoped per component and enriched with pass and provider fields:
//
//	logger := tel.Logger.NewComponentLogger("scheduler").WithPassID(passID)
//	logger.WithProvider(p.ID, p.Name).Warn("provider sync failed")
//
// Secrets (API keys, the master key) must never be passed to a logger.
//
// # Tracing
//
// Each sync pass gets a root span and each provider call a child span:
//
//	ctx, span := tel.Tracer.StartPassSpan(ctx, passID, "full", "scheduled")
//	defer span.End()
//
// Supported exporters are otlp, stdout and none.
//
// # Metrics
//
// All Record methods are safe to call on a disabled or nil *Metrics.
// Metric names are prefixed with the configured namespace, n8n_analytics
// by default.
//
// # Events
//
// The publisher delivers sync.*, provider.* and config.changed events to
// subscribers, synchronously or from a buffered goroutine.
package telemetry
