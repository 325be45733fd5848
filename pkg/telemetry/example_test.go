package telemetry_test

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/philipphaunstetter/n8n-analytics-sub002/pkg/telemetry"
)

// Example_basicSetup demonstrates basic telemetry setup.
func Example_basicSetup() {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = "1.0.0"
	cfg.Metrics.Enabled = false

	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		panic(err)
	}
	defer tel.Shutdown(context.Background())

	ctx := tel.WithContext(context.Background())
	telemetry.FromContext(ctx).Info("sync engine started")

	fmt.Println(telemetry.FromTelemetryContext(ctx) == tel)
	// Output: true
}

// Example_structuredLogging shows pass and provider scoped loggers.
func Example_structuredLogging() {
	var buf bytes.Buffer
	logger := telemetry.NewLoggerWithWriter(&buf, telemetry.LoggingConfig{Level: "info", Format: "json"})

	logger.NewComponentLogger("scheduler").
		WithPassID("pass-1").
		WithProvider("prov-1", "production").
		Warn("provider sync failed")

	out := buf.String()
	fmt.Println(strings.Contains(out, `"pass_id":"pass-1"`), strings.Contains(out, `"provider_name":"production"`))
	// Output: true true
}

// Example_eventPublishing demonstrates synchronous event delivery.
func Example_eventPublishing() {
	publisher, _ := telemetry.NewEventPublisher(telemetry.EventsConfig{
		Enabled:    true,
		BufferSize: 8,
	})

	publisher.Subscribe(func(e telemetry.Event) {
		fmt.Println(e.Type, e.Data["failed"])
	}, telemetry.FilterByLevel(telemetry.EventLevelWarning))

	_ = publisher.PublishSyncStarted("pass-1", "full", "manual")
	_ = publisher.PublishSyncCompleted("pass-1", "full", 2, 1, time.Second)
	// Output: sync.completed 1
}
