package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for sync passes and provider calls.
// A zero or disabled Metrics is a no-op.
type Metrics struct {
	config MetricsConfig

	// Pass metrics
	passesCompleted *prometheus.CounterVec
	passDuration    *prometheus.HistogramVec
	ticksSkipped    prometheus.Counter
	passRunning     prometheus.Gauge

	// Provider metrics
	providerCalls    *prometheus.CounterVec
	providerDuration *prometheus.HistogramVec
	providerErrors   *prometheus.CounterVec

	// Ingestion metrics
	workflowsSynced  *prometheus.CounterVec
	executionsSynced *prometheus.CounterVec
	aiTokens         *prometheus.CounterVec
	aiCost           prometheus.Counter

	// Config metrics
	configChanges *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		passesCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sync_passes_total",
				Help:      "Total number of completed sync passes",
			},
			[]string{"kind", "trigger", "status"},
		),
		passDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "sync_pass_duration_seconds",
				Help:      "Duration of sync passes in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"kind"},
		),
		ticksSkipped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sync_ticks_skipped_total",
				Help:      "Scheduled ticks skipped because a pass was already running",
			},
		),
		passRunning: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "sync_pass_running",
				Help:      "1 while a sync pass is in progress",
			},
		),

		providerCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_calls_total",
				Help:      "Total number of provider API calls",
			},
			[]string{"operation"},
		),
		providerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provider_call_duration_seconds",
				Help:      "Duration of provider API calls in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		providerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_errors_total",
				Help:      "Total number of failed provider syncs by error kind",
			},
			[]string{"provider", "kind"},
		),

		workflowsSynced: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "workflows_synced_total",
				Help:      "Workflows written by sync passes",
			},
			[]string{"result"},
		),
		executionsSynced: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executions_synced_total",
				Help:      "Executions written by sync passes",
			},
			[]string{"result"},
		),
		aiTokens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ai_tokens_ingested_total",
				Help:      "AI tokens found in newly inserted executions",
			},
			[]string{"direction"},
		),
		aiCost: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ai_cost_ingested_total",
				Help:      "AI cost found in newly inserted executions",
			},
		),

		configChanges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "config_changes_total",
				Help:      "Audited config changes",
			},
			[]string{"category"},
		),
	}

	registry.MustRegister(
		m.passesCompleted,
		m.passDuration,
		m.ticksSkipped,
		m.passRunning,
		m.providerCalls,
		m.providerDuration,
		m.providerErrors,
		m.workflowsSynced,
		m.executionsSynced,
		m.aiTokens,
		m.aiCost,
		m.configChanges,
	)

	return m, nil
}

// Pass Metrics

// RecordPassStarted marks a pass as running.
func (m *Metrics) RecordPassStarted() {
	if m == nil || m.passRunning == nil {
		return
	}
	m.passRunning.Set(1)
}

// RecordPassCompleted records a finished pass with its outcome and duration.
func (m *Metrics) RecordPassCompleted(kind, trigger, status string, duration time.Duration) {
	if m == nil || m.passesCompleted == nil {
		return
	}
	m.passesCompleted.WithLabelValues(kind, trigger, status).Inc()
	m.passDuration.WithLabelValues(kind).Observe(duration.Seconds())
	m.passRunning.Set(0)
}

// RecordTickSkipped counts a scheduled tick dropped because a pass was running.
func (m *Metrics) RecordTickSkipped() {
	if m == nil || m.ticksSkipped == nil {
		return
	}
	m.ticksSkipped.Inc()
}

// Provider Metrics

// RecordProviderCall records a provider API call with its duration.
func (m *Metrics) RecordProviderCall(operation string, duration time.Duration) {
	if m == nil || m.providerCalls == nil {
		return
	}
	m.providerCalls.WithLabelValues(operation).Inc()
	m.providerDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordProviderError records a failed provider sync.
func (m *Metrics) RecordProviderError(provider, kind string) {
	if m == nil || m.providerErrors == nil {
		return
	}
	m.providerErrors.WithLabelValues(provider, kind).Inc()
}

// Ingestion Metrics

// RecordWorkflows records workflow upsert outcomes of one provider pass.
func (m *Metrics) RecordWorkflows(synced, updated, archived int) {
	if m == nil || m.workflowsSynced == nil {
		return
	}
	m.workflowsSynced.WithLabelValues("inserted").Add(float64(synced - updated))
	m.workflowsSynced.WithLabelValues("updated").Add(float64(updated))
	m.workflowsSynced.WithLabelValues("archived").Add(float64(archived))
}

// RecordExecutions records execution upsert outcomes of one provider pass.
func (m *Metrics) RecordExecutions(inserted, updated, unchanged int) {
	if m == nil || m.executionsSynced == nil {
		return
	}
	m.executionsSynced.WithLabelValues("inserted").Add(float64(inserted))
	m.executionsSynced.WithLabelValues("updated").Add(float64(updated))
	m.executionsSynced.WithLabelValues("unchanged").Add(float64(unchanged))
}

// RecordAIUsage records AI usage of a newly inserted execution.
func (m *Metrics) RecordAIUsage(inputTokens, outputTokens int64, cost float64) {
	if m == nil || m.aiTokens == nil {
		return
	}
	m.aiTokens.WithLabelValues("input").Add(float64(inputTokens))
	m.aiTokens.WithLabelValues("output").Add(float64(outputTokens))
	if cost > 0 {
		m.aiCost.Add(cost)
	}
}

// RecordConfigChange counts an audited config change.
func (m *Metrics) RecordConfigChange(category string) {
	if m == nil || m.configChanges == nil {
		return
	}
	m.configChanges.WithLabelValues(category).Inc()
}

// Registry returns the private registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Serve exposes the metrics endpoint until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, logger *Logger) error {
	if m == nil || !m.config.Enabled {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Infof("metrics endpoint listening on %s%s", m.config.ListenAddress, path)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
