package connectivity

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Pinger is anything that can tell whether the remote store answers.
// remote.Client satisfies it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ProbeConfig holds configuration for a Probe.
type ProbeConfig struct {
	// Interval between health checks.
	Interval time.Duration
	// Timeout of a single health check.
	Timeout time.Duration
	// Logger for state changes.
	Logger zerolog.Logger
}

// DefaultProbeConfig returns sensible defaults.
func DefaultProbeConfig() ProbeConfig {
	return ProbeConfig{
		Interval: 30 * time.Second,
		Timeout:  5 * time.Second,
		Logger:   zerolog.Nop(),
	}
}

// Probe derives connectivity from periodic health checks of the remote
// store. It starts offline until the first check succeeds.
type Probe struct {
	*Switch
	pinger Pinger
	config ProbeConfig
}

// NewProbe creates a probe. Call Run to start checking.
func NewProbe(p Pinger, config ProbeConfig) *Probe {
	def := DefaultProbeConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	return &Probe{
		Switch: NewSwitch(false),
		pinger: p,
		config: config,
	}
}

// Check runs one health check and updates the state.
func (p *Probe) Check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	err := p.pinger.Ping(ctx)
	online := err == nil
	if p.Set(online) {
		if online {
			p.config.Logger.Info().Msg("remote store reachable")
		} else {
			p.config.Logger.Warn().Err(err).Msg("remote store unreachable")
		}
	}
	return online
}

// Run checks immediately and then every Interval until ctx is cancelled.
// Subscriptions are closed when Run returns.
func (p *Probe) Run(ctx context.Context) {
	defer p.Close()

	p.Check(ctx)

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Check(ctx)
		}
	}
}
