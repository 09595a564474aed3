package pipeline

import (
	"net/netip"
	"time"

	"firestige.xyz/tracelens/internal/rrc"
)

// Builder provides a fluent interface for building pipelines.
// This is an alternative to using Config directly.
type Builder struct {
	config Config
}

// NewBuilder creates a new pipeline builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// WithConfig replaces the whole configuration.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cfg
	return b
}

// WithWorkers sets the worker pool size.
func (b *Builder) WithWorkers(n int) *Builder {
	b.config.Workers = n
	return b
}

// WithFilter sets the frame filter expression.
func (b *Builder) WithFilter(expr string) *Builder {
	b.config.Filter = expr
	return b
}

// WithDevice sets the device address.
func (b *Builder) WithDevice(addr netip.Addr) *Builder {
	b.config.DeviceAddress = addr
	return b
}

// WithTraceEnd extends the trace window to end.
func (b *Builder) WithTraceEnd(end time.Time) *Builder {
	b.config.TraceEnd = end
	return b
}

// WithProfiles sets the radio profiles to simulate.
func (b *Builder) WithProfiles(profiles ...rrc.Profile) *Builder {
	b.config.Profiles = profiles
	return b
}

// WithAnalyzers selects best-practice analyzers by name.
func (b *Builder) WithAnalyzers(names ...string) *Builder {
	b.config.Analyzers = names
	return b
}

// Build creates the pipeline.
func (b *Builder) Build() (*Pipeline, error) {
	return New(b.config)
}
