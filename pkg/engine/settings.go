package engine

import (
	"context"
	"time"

	"github.com/philipphaunstetter/n8n-analytics-sub002/pkg/config"
	"github.com/philipphaunstetter/n8n-analytics-sub002/pkg/telemetry"
)

const (
	defaultInterval       = 15 * time.Minute
	defaultBatchSize      = 100
	defaultConcurrency    = 3
	defaultBackoffMax     = 60 * time.Minute
	defaultProbeTimeout   = 10 * time.Second
	defaultRequestTimeout = 30 * time.Second

	// maxProbeTimeout bounds every connection test regardless of settings.
	maxProbeTimeout = 10 * time.Second
)

// tunables reads engine settings, falling back to built-in defaults when no
// settings source is configured or a value cannot be read.
type tunables struct {
	settings Settings
	logger   *telemetry.Logger
}

func (t tunables) intValue(ctx context.Context, key string, fallback int) int {
	if t.settings == nil {
		return fallback
	}
	n, err := t.settings.GetInt(ctx, key)
	if err != nil {
		t.logger.WithError(err).WithField("key", key).Warn("using default for unreadable setting")
		return fallback
	}
	return n
}

func (t tunables) enabled(ctx context.Context) bool {
	if t.settings == nil {
		return true
	}
	b, err := t.settings.GetBool(ctx, config.KeySyncEnabled)
	if err != nil {
		t.logger.WithError(err).Warn("using default for sync.enabled")
		return true
	}
	return b
}

func (t tunables) interval(ctx context.Context) time.Duration {
	n := t.intValue(ctx, config.KeySyncInterval, int(defaultInterval/time.Minute))
	if n <= 0 {
		return defaultInterval
	}
	return time.Duration(n) * time.Minute
}

func (t tunables) batchSize(ctx context.Context) int {
	n := t.intValue(ctx, config.KeyExecutionBatchSize, defaultBatchSize)
	if n <= 0 {
		return defaultBatchSize
	}
	return n
}

func (t tunables) concurrency(ctx context.Context) int {
	n := t.intValue(ctx, config.KeyMaxConcurrentProviders, defaultConcurrency)
	if n <= 0 {
		return defaultConcurrency
	}
	return n
}

// backoffMax returns zero when backoff is disabled.
func (t tunables) backoffMax(ctx context.Context) time.Duration {
	n := t.intValue(ctx, config.KeyFailureBackoffMax, int(defaultBackoffMax/time.Minute))
	if n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Minute
}

func (t tunables) probeTimeout(ctx context.Context) time.Duration {
	n := t.intValue(ctx, config.KeyProbeTimeout, int(defaultProbeTimeout/time.Second))
	d := time.Duration(n) * time.Second
	if d <= 0 || d > maxProbeTimeout {
		return maxProbeTimeout
	}
	return d
}

func (t tunables) requestTimeout(ctx context.Context) time.Duration {
	n := t.intValue(ctx, config.KeyRequestTimeout, int(defaultRequestTimeout/time.Second))
	if n <= 0 {
		return defaultRequestTimeout
	}
	return time.Duration(n) * time.Second
}

func (t tunables) retentionDays(ctx context.Context) int {
	return t.intValue(ctx, config.KeyExecutionRetention, 0)
}

func (t tunables) pricing(ctx context.Context) Pricing {
	if t.settings == nil {
		return nil
	}
	var p Pricing
	if err := t.settings.GetJSON(ctx, config.KeyModelPricing, &p); err != nil {
		t.logger.WithError(err).Warn("ignoring unreadable model pricing")
		return nil
	}
	return p
}
