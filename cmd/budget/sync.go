package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/pocketledger/budget/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Reconcile local records with the remote store now",
	Long: `Run one reconciliation pass:
  1. Push records created offline and replace their temporary ids
  2. Send offline edits and deletes
  3. Pull remote records, adopting any copy of a pending record
  4. Remove local copies of records deleted elsewhere`,
	Run: func(cmd *cobra.Command, args []string) {
		a := mustOpenApp(cmd.Context(), appOptions{probeOnce: true})
		defer a.close()

		fmt.Printf("%s Syncing with %s...\n", ui.RenderAccent("🔄"), a.client.BaseURL())
		res, err := a.svc.SyncNow(cmd.Context(), a.id)
		if err != nil {
			fatalf("%s", describe(err))
		}

		fmt.Printf("%s Sync complete in %v\n", ui.RenderPass("✓"), res.Duration.Round(time.Millisecond))
		fmt.Printf("   Pushed: %d\n", res.Pushed)
		fmt.Printf("   Updated: %d\n", res.Updated)
		fmt.Printf("   Deleted: %d\n", res.Deleted)
		fmt.Printf("   Pulled: %d\n", res.Pulled)
		if res.Rekeyed > 0 {
			fmt.Printf("   Recovered: %d\n", res.Rekeyed)
		}
		if res.Purged > 0 {
			fmt.Printf("   Removed: %d\n", res.Purged)
		}
		if res.Failed > 0 {
			fmt.Fprintf(os.Stderr, "%s %d records could not be synced and will be retried\n", ui.RenderWarn("⚠"), res.Failed)
			os.Exit(1)
		}
	},
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show connectivity and pending changes",
	Run: func(cmd *cobra.Command, args []string) {
		a := mustOpenApp(cmd.Context(), appOptions{probeOnce: true})
		defer a.close()

		st, err := a.svc.Status(cmd.Context(), a.id)
		if err != nil {
			fatalf("%s", describe(err))
		}

		if jsonOutput, _ := cmd.Flags().GetBool("json"); jsonOutput {
			printJSON(map[string]any{
				"owner":      a.id.Owner,
				"online":     st.Online,
				"remote":     a.client.BaseURL(),
				"database":   a.store.Path(),
				"records":    st.Total,
				"pending":    st.Unsynced,
				"tombstones": st.Tombstones,
				"reminders":  st.Reminders,
			})
			return
		}

		conn := ui.RenderPass("online")
		if !st.Online {
			conn = ui.RenderWarn("offline")
		}
		fmt.Printf("\n%s Budget Status\n\n", ui.RenderAccent("📊"))
		fmt.Printf("Owner: %s\n", a.id.Owner)
		fmt.Printf("Remote: %s (%s)\n", a.client.BaseURL(), conn)
		fmt.Printf("Database: %s\n", a.store.Path())
		fmt.Printf("Records: %d\n", st.Total)
		fmt.Printf("Pending: %d\n", st.Unsynced)
		fmt.Printf("Pending deletes: %d\n", st.Tombstones)
		fmt.Printf("Reminders: %d\n", st.Reminders)
		fmt.Println()
	},
}

func init() {
	statusCmd.Flags().Bool("json", false, "output JSON")
	rootCmd.AddCommand(syncCmd, statusCmd)
}
