package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/pocketledger/budget/internal/config"
	"github.com/pocketledger/budget/internal/connectivity"
	"github.com/pocketledger/budget/internal/events"
	"github.com/pocketledger/budget/internal/identity"
	"github.com/pocketledger/budget/internal/keylock"
	"github.com/pocketledger/budget/internal/local"
	"github.com/pocketledger/budget/internal/logging"
	"github.com/pocketledger/budget/internal/reconcile"
	"github.com/pocketledger/budget/internal/record"
	"github.com/pocketledger/budget/internal/remote"
	"github.com/pocketledger/budget/internal/service"
)

// app holds the wired components behind every record command.
type app struct {
	id     identity.Identity
	store  *local.Store
	client *remote.HTTPClient
	oracle connectivity.Oracle
	engine *reconcile.Engine
	svc    *service.Service

	// At most one of these is set, depending on connectivity.mode.
	manual *connectivity.Switch
	probe  *connectivity.Probe
	file   *connectivity.FileOracle

	// hub is only created for the daemon.
	hub *events.Server

	log zerolog.Logger
}

type appOptions struct {
	// events starts the websocket hub at events.addr.
	events bool
	// probeOnce runs one health check so one-shot commands see the
	// current state.
	probeOnce bool
}

// openApp wires the record service. Components log through the logger
// carried by ctx.
func openApp(ctx context.Context, cfg *config.Config, opts appOptions) (*app, error) {
	a := &app{
		id:  identity.Identity{Owner: cfg.Identity.Owner, Token: cfg.Identity.Token},
		log: logging.FromContext(ctx),
	}
	if err := a.id.Validate(); err != nil {
		return nil, fmt.Errorf("%w (set identity.owner and identity.token, or pass --owner and --token)", err)
	}

	client, err := remote.NewHTTPClient(cfg.Remote.URL, remote.WithTimeout(cfg.Remote.Timeout))
	if err != nil {
		return nil, err
	}
	a.client = client

	switch cfg.Connectivity.Mode {
	case config.ModeOnline, config.ModeOffline:
		a.manual = connectivity.NewSwitch(cfg.Connectivity.Mode == config.ModeOnline)
		a.oracle = a.manual
	case config.ModeFile:
		f, err := connectivity.NewFileOracle(cfg.Connectivity.StatusFile, logging.Component(a.log, "connectivity"))
		if err != nil {
			return nil, err
		}
		a.file = f
		a.oracle = f
	default:
		a.probe = connectivity.NewProbe(client, connectivity.ProbeConfig{
			Interval: cfg.Connectivity.ProbeInterval,
			Timeout:  cfg.Remote.Timeout,
			Logger:   logging.Component(a.log, "connectivity"),
		})
		a.oracle = a.probe
		if opts.probeOnce {
			a.probe.Check(ctx)
		}
	}

	if opts.events && cfg.Events.Addr != "" {
		a.hub = events.NewServer(&events.Config{
			Addr:           cfg.Events.Addr,
			OnConnectivity: a.hostSignal,
			Logger:         logging.Component(a.log, "events"),
		})
	}
	publisher := a.publisher()

	store, err := local.OpenContext(ctx, cfg.Local.Path)
	if err != nil {
		a.closeOracle()
		return nil, err
	}
	a.store = store

	a.engine, err = reconcile.NewWithConfig(store, client, a.oracle, keylock.New(), &reconcile.Config{
		Interval:  cfg.Sync.Interval,
		Logger:    logging.Component(a.log, "reconcile"),
		Publisher: publisher,
	})
	if err != nil {
		_ = a.close()
		return nil, err
	}
	a.svc, err = service.NewWithConfig(store, client, a.oracle, a.engine, &service.Config{
		Logger:    logging.Component(a.log, "service"),
		Publisher: publisher,
	})
	if err != nil {
		_ = a.close()
		return nil, err
	}
	return a, nil
}

// hostSignal applies a connectivity signal pushed by the host over the
// event socket. Only the manual oracle takes signals; the probe and the
// status file have their own source of truth.
func (a *app) hostSignal(online bool) {
	if a.manual == nil {
		a.log.Debug().Bool("online", online).Msg("ignoring host connectivity signal")
		return
	}
	if a.manual.Set(online) {
		a.log.Info().Bool("online", online).Msg("host connectivity signal")
	}
}

// publisher returns the event hub, or a no-op when there is none.
func (a *app) publisher() events.Publisher {
	if a.hub == nil {
		return events.Nop{}
	}
	return a.hub
}

func (a *app) closeOracle() {
	switch {
	case a.file != nil:
		_ = a.file.Stop()
	case a.probe != nil:
		a.probe.Close()
	case a.manual != nil:
		a.manual.Close()
	}
}

func (a *app) close() error {
	a.closeOracle()
	if a.store == nil {
		return nil
	}
	return a.store.Close()
}

// mustOpenApp opens the app or exits.
func mustOpenApp(ctx context.Context, opts appOptions) *app {
	a, err := openApp(ctx, cfg, opts)
	if err != nil {
		fatalf("%v", err)
	}
	return a
}

// describe turns a service error into a user-facing message.
func describe(err error) string {
	switch {
	case errors.Is(err, record.ErrUnauthorized):
		return fmt.Sprintf("%v (check identity.token)", err)
	case errors.Is(err, record.ErrUnreachable):
		return fmt.Sprintf("%v (the remote store is not reachable)", err)
	}
	return err.Error()
}
