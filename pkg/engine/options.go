package engine

import (
	"github.com/philipphaunstetter/n8n-analytics-sub002/pkg/telemetry"
)

// Option configures engine components.
type Option func(*options)

type options struct {
	tel   *telemetry.Telemetry
	clock Clock
}

// WithTelemetry sets the logger, tracer, metrics and event publisher used by a component.
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(o *options) {
		if tel != nil {
			o.tel = tel
		}
	}
}

// WithClock replaces the wall clock, mainly for tests.
func WithClock(c Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{
		tel:   telemetry.Nop(),
		clock: RealClock(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
