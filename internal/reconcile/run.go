package reconcile

import (
	"context"
	"time"

	"github.com/pocketledger/budget/internal/events"
	"github.com/pocketledger/budget/internal/identity"
)

// Run drives background passes for one identity until ctx is cancelled.
//
// A pass runs at startup when online, on every offline-to-online
// transition, and every Interval while online. Background passes for the
// same owner are coalesced: a trigger that fires while a pass is running
// joins it instead of starting another. Pass errors are logged, never
// returned. Run unsubscribes from the oracle before returning and waits for
// its passes to finish.
func (e *Engine) Run(ctx context.Context, id identity.Identity) error {
	if err := id.Validate(); err != nil {
		return err
	}

	transitions, unsubscribe := e.oracle.Subscribe()
	defer unsubscribe()
	defer e.wg.Wait()

	logger := e.log().With().Str("owner", id.Owner).Logger()
	logger.Info().Dur("interval", e.config.Interval).Msg("reconciliation engine started")

	if e.oracle.IsOnline() {
		e.background(ctx, id, TriggerStartup)
	}

	ticker := time.NewTicker(e.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("reconciliation engine stopped")
			return nil

		case t, ok := <-transitions:
			if !ok {
				// Oracle shut down; keep the periodic trigger.
				transitions = nil
				continue
			}
			e.config.Publisher.Publish(events.NewMessage(events.MessageTypeConnectivity,
				events.ConnectivityData{Online: t.Online}))
			logger.Debug().Bool("online", t.Online).Msg("connectivity changed")
			if t.Online {
				e.background(ctx, id, TriggerOnline)
			}

		case <-ticker.C:
			// Transitions may have been coalesced; the oracle's current
			// state is what counts.
			if e.oracle.IsOnline() {
				e.background(ctx, id, TriggerPeriodic)
			}
		}
	}
}

// background starts a coalesced pass.
func (e *Engine) background(ctx context.Context, id identity.Identity, trigger string) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		_, _, _ = e.flight.Do(id.Owner, func() (any, error) {
			res, err := e.pass(ctx, id, trigger)
			return res, err
		})
	}()
}
