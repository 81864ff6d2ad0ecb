package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pocketledger/budget/internal/daemon"
	"github.com/pocketledger/budget/internal/logging"
	"github.com/pocketledger/budget/internal/ui"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Run background sync (foreground)",
	Long: `Run the sync daemon in the foreground until interrupted.

The daemon will:
  1. Sync at startup and whenever connectivity comes back
  2. Sync every sync.interval while online
  3. Fire due reminders every reminders.interval
  4. Broadcast record, sync and reminder events on ws://<events.addr>/ws

With connectivity.mode online or offline, a host can switch the state by
sending {"type":"connectivity","online":true} over the event socket.`,
	Annotations: map[string]string{longRunning: "true"},
	Run: func(cmd *cobra.Command, args []string) {
		a := mustOpenApp(cmd.Context(), appOptions{events: true})
		defer a.close()

		d, err := daemon.NewWithConfig(a.engine, a.svc, a.id, &daemon.Config{
			ReminderInterval: cfg.Reminders.Interval,
			Logger:           logging.Component(a.log, "daemon"),
			Publisher:        a.publisher(),
		})
		if err != nil {
			fatalf("%v", err)
		}
		if a.hub != nil {
			d.Add(a.hub)
		}
		switch {
		case a.file != nil:
			d.Add(a.file)
		case a.probe != nil:
			d.Go(a.probe.Run)
		}

		fmt.Printf("%s Syncing %s with %s (mode %s)\n", ui.RenderAccent("🔄"), a.id.Owner,
			a.client.BaseURL(), cfg.Connectivity.Mode)
		if a.hub != nil {
			fmt.Printf("   Events: ws://%s/ws\n", cfg.Events.Addr)
		}
		if err := d.Run(cmd.Context()); err != nil {
			fatalf("%s", describe(err))
		}
	},
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}
