// Package daemon runs the long-lived parts of the tracker for one identity.
//
// The daemon:
//  1. Starts its components (event hub, connectivity watcher)
//  2. Runs the reconciliation engine until shutdown
//  3. Periodically fires due reminders
//  4. Stops its components in reverse order on shutdown
package daemon

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/pocketledger/budget/internal/events"
	"github.com/pocketledger/budget/internal/identity"
	"github.com/pocketledger/budget/internal/record"
)

// Syncer drives background reconciliation. reconcile.Engine satisfies it.
type Syncer interface {
	Run(ctx context.Context, id identity.Identity) error
}

// Reminders is the reminder side of the record service.
type Reminders interface {
	DueReminders(ctx context.Context, id identity.Identity, now time.Time) ([]record.Reminder, error)
	MarkReminded(ctx context.Context, id identity.Identity, recordID string, at time.Time) error
}

// Component is started before the loops and stopped after them.
// events.Server and connectivity.FileOracle satisfy it.
type Component interface {
	Start() error
	Stop() error
}

// Config holds configuration for the daemon.
type Config struct {
	// ReminderInterval is how often due reminders are checked
	ReminderInterval time.Duration

	// Logger for daemon activity
	Logger zerolog.Logger

	// Publisher receives reminder_due events
	Publisher events.Publisher

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ReminderInterval: time.Minute,
		Logger:           zerolog.Nop(),
		Publisher:        events.Nop{},
		Now:              time.Now,
	}
}

// Daemon ties the engine, the reminder scan and the supporting components
// together.
type Daemon struct {
	syncer    Syncer
	reminders Reminders
	id        identity.Identity
	config    *Config

	components []Component
	loops      []func(ctx context.Context)
}

// New creates a daemon with default configuration.
func New(syncer Syncer, reminders Reminders, id identity.Identity) (*Daemon, error) {
	return NewWithConfig(syncer, reminders, id, DefaultConfig())
}

// NewWithConfig creates a daemon with custom configuration.
func NewWithConfig(syncer Syncer, reminders Reminders, id identity.Identity, config *Config) (*Daemon, error) {
	if syncer == nil {
		return nil, fmt.Errorf("syncer cannot be nil")
	}
	if reminders == nil {
		return nil, fmt.Errorf("reminders cannot be nil")
	}
	if err := id.Validate(); err != nil {
		return nil, err
	}
	def := DefaultConfig()
	if config == nil {
		config = def
	}
	if config.ReminderInterval <= 0 {
		config.ReminderInterval = def.ReminderInterval
	}
	if config.Publisher == nil {
		config.Publisher = def.Publisher
	}
	if config.Now == nil {
		config.Now = def.Now
	}

	return &Daemon{
		syncer:    syncer,
		reminders: reminders,
		id:        id,
		config:    config,
	}, nil
}

// Add registers a component. Components start in the order added.
func (d *Daemon) Add(c Component) {
	d.components = append(d.components, c)
}

// Go registers a loop that runs alongside the engine until shutdown, such
// as connectivity.Probe.Run.
func (d *Daemon) Go(loop func(ctx context.Context)) {
	d.loops = append(d.loops, loop)
}

// Run blocks until ctx is cancelled or the engine fails. Components are
// stopped before Run returns, whatever the outcome.
func (d *Daemon) Run(ctx context.Context) error {
	logger := d.config.Logger.With().Str("owner", d.id.Owner).Logger()
	logger.Info().Msg("starting daemon")

	for i, c := range d.components {
		if err := c.Start(); err != nil {
			return errors.Join(
				fmt.Errorf("failed to start component %d: %w", i, err),
				stopAll(d.components[:i]),
			)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := d.syncer.Run(gctx, d.id); err != nil {
			return fmt.Errorf("reconciliation stopped: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		d.remindLoop(gctx, logger)
		return nil
	})
	for _, loop := range d.loops {
		g.Go(func() error {
			loop(gctx)
			return nil
		})
	}

	err := g.Wait()
	if stopErr := stopAll(d.components); stopErr != nil {
		err = errors.Join(err, stopErr)
	}
	if err != nil {
		logger.Error().Err(err).Msg("daemon stopped")
		return err
	}
	logger.Info().Msg("daemon stopped")
	return nil
}

// stopAll stops components in reverse order.
func stopAll(components []Component) error {
	var errs []error
	for i := len(components) - 1; i >= 0; i-- {
		if err := components[i].Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (d *Daemon) remindLoop(ctx context.Context, logger zerolog.Logger) {
	ticker := time.NewTicker(d.config.ReminderInterval)
	defer ticker.Stop()

	for {
		if _, err := d.ScanReminders(ctx); err != nil && ctx.Err() == nil {
			logger.Warn().Err(err).Msg("reminder scan failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ScanReminders publishes a reminder_due event for every due reminder and
// marks it as fired. It returns how many fired.
func (d *Daemon) ScanReminders(ctx context.Context) (int, error) {
	now := d.config.Now()
	due, err := d.reminders.DueReminders(ctx, d.id, now)
	if err != nil {
		return 0, err
	}

	fired := 0
	var errs []error
	for _, r := range due {
		if err := d.reminders.MarkReminded(ctx, d.id, r.RecordID, now); err != nil {
			// The record may have been deleted since the query.
			if !errors.Is(err, record.ErrNotFound) {
				errs = append(errs, err)
			}
			continue
		}
		d.config.Publisher.Publish(events.NewMessage(events.MessageTypeReminderDue, events.ReminderDueData{
			Owner:    d.id.Owner,
			RecordID: r.RecordID,
			Note:     r.Note,
			DueAt:    r.DueAt,
		}))
		d.config.Logger.Info().Str("record", r.RecordID).Str("note", r.Note).Msg("reminder due")
		fired++
	}
	return fired, errors.Join(errs...)
}
