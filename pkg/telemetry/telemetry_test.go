package telemetry

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, true},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, true},
		{"bad exporter", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.Exporter = "jaeger" }, true},
		{"bad sampling", func(c *Config) { c.Tracing.SamplingRate = 1.5 }, true},
		{"metrics without address", func(c *Config) { c.Metrics.ListenAddress = "" }, true},
		{"zero buffer", func(c *Config) { c.Events.BufferSize = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(&buf, LoggingConfig{Level: "warn", Format: "json"})

	logger.Info("hidden")
	logger.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info message logged at warn level: %s", out)
	}
	if !strings.Contains(out, "shown") {
		t.Errorf("warn message missing: %s", out)
	}
}

func TestLoggerSetLevelReachesDerivedLoggers(t *testing.T) {
	var buf bytes.Buffer
	root := NewLoggerWithWriter(&buf, LoggingConfig{Level: "info", Format: "json"})
	child := root.NewComponentLogger("sync").WithField("pass_id", "p-1")

	child.Debug("before reload")
	if strings.Contains(buf.String(), "before reload") {
		t.Fatalf("debug message logged at info level: %s", buf.String())
	}

	root.SetLevel("debug")
	child.Debug("after reload")
	if !strings.Contains(buf.String(), "after reload") {
		t.Fatalf("debug message missing after SetLevel(debug): %q", buf.String())
	}
	if root.Level() != zerolog.DebugLevel {
		t.Errorf("Level() = %v, want debug", root.Level())
	}

	child.SetLevel("warn")
	root.Info("quiet")
	if strings.Contains(buf.String(), "quiet") {
		t.Errorf("info message logged after SetLevel(warn): %s", buf.String())
	}

	NopLogger().SetLevel("debug")
}

func TestFromContextFallsBackToNop(t *testing.T) {
	logger := FromContext(context.Background())
	if logger == nil {
		t.Fatal("expected a logger")
	}
	logger.Info("discarded")
}

func TestMetricsRecording(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: true, Namespace: "test"})
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}

	m.RecordPassStarted()
	m.RecordPassCompleted("full", "manual", "success", 2*time.Second)
	m.RecordTickSkipped()
	m.RecordTickSkipped()
	m.RecordExecutions(3, 1, 2)

	if got := testutil.ToFloat64(m.passesCompleted.WithLabelValues("full", "manual", "success")); got != 1 {
		t.Errorf("passes = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ticksSkipped); got != 2 {
		t.Errorf("skipped ticks = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.passRunning); got != 0 {
		t.Errorf("running gauge = %v, want 0", got)
	}
	if got := testutil.ToFloat64(m.executionsSynced.WithLabelValues("inserted")); got != 3 {
		t.Errorf("inserted executions = %v, want 3", got)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "test_sync_passes_total") {
		t.Errorf("metrics output missing pass counter")
	}
}

func TestDisabledMetricsAreNoop(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}
	m.RecordPassStarted()
	m.RecordAIUsage(10, 20, 0.5)

	var nilMetrics *Metrics
	nilMetrics.RecordTickSkipped()

	if err := m.Serve(context.Background(), NopLogger()); err != nil {
		t.Errorf("Serve on disabled metrics = %v", err)
	}
}

func TestEventPublisherAsyncDrainsOnShutdown(t *testing.T) {
	publisher, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 16, EnableAsync: true})
	if err != nil {
		t.Fatalf("NewEventPublisher failed: %v", err)
	}

	var (
		mu     sync.Mutex
		events []Event
	)
	publisher.Subscribe(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, e)
	}, FilterByLevel(EventLevelWarning))

	_ = publisher.PublishProviderSyncFailed("pass", "p1", "auth", "bad key")
	_ = publisher.PublishProviderDeleted("p1")
	_ = publisher.PublishSyncSkipped("scheduled")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := publisher.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Type != EventTypeProviderSyncFailed || events[1].Type != EventTypeSyncSkipped {
		t.Errorf("unexpected event order: %s, %s", events[0].Type, events[1].Type)
	}
	if events[0].ID == "" || events[0].Timestamp.IsZero() {
		t.Error("expected ID and timestamp to be set")
	}

	if err := publisher.Publish(Event{Type: EventTypeSyncSkipped}); err == nil {
		t.Error("expected publish after shutdown to fail")
	}
}

func TestLogEvents(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(&buf, LoggingConfig{Level: "info", Format: "json"})

	publisher, _ := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 4})
	publisher.Subscribe(LogEvents(logger), FilterByLevel(EventLevelWarning))

	_ = publisher.PublishProviderRegistered("p1", "prod")
	_ = publisher.PublishProviderSyncFailed("pass-1", "p1", "full", "bad key")

	out := buf.String()
	if strings.Contains(out, "registered") {
		t.Errorf("info event logged through a warning filter: %s", out)
	}
	for _, want := range []string{`"level":"error"`, `"event_type":"provider.sync_failed"`, `"pass_id":"pass-1"`, "bad key"} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %s: %s", want, out)
		}
	}
}

func TestObserveProviderCall(t *testing.T) {
	tel := Nop()
	metrics, _ := NewMetrics(MetricsConfig{Enabled: true, Namespace: "obs"})
	tel.Metrics = metrics
	ctx := tel.WithContext(context.Background())

	want := errors.New("boom")
	err := ObserveProviderCall(ctx, "p1", "list_workflows", func(context.Context) error { return want })
	if !errors.Is(err, want) {
		t.Fatalf("ObserveProviderCall returned %v", err)
	}
	if got := testutil.ToFloat64(metrics.providerCalls.WithLabelValues("list_workflows")); got != 1 {
		t.Errorf("provider calls = %v, want 1", got)
	}

	// Without telemetry in the context the call still runs.
	called := false
	_ = ObserveProviderCall(context.Background(), "p1", "probe", func(context.Context) error {
		called = true
		return nil
	})
	if !called {
		t.Error("fn not called")
	}
}
