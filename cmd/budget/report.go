package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/pocketledger/budget/internal/record"
	"github.com/pocketledger/budget/internal/service"
	"github.com/pocketledger/budget/internal/ui"
)

var reportCmd = &cobra.Command{
	Use:     "report",
	GroupID: "records",
	Short:   "Summarize income and expenses",
	Long: `Summarize income, expenses and per-category totals.

--month picks a calendar month (YYYY-MM or e.g. "last month"); --from and
--to pick any range. Without a range every record is included.`,
	Example: `  budget report --month 2024-03
  budget report --from "3 weeks ago" --kind expense`,
	Run: func(cmd *cobra.Command, args []string) {
		title := "All records"
		if m := flagString(cmd, "month"); m != "" {
			first, err := parseMonth(m, time.Now())
			if err != nil {
				fatalf("%v", err)
			}
			last := first.AddDate(0, 1, -1)
			_ = cmd.Flags().Set("from", record.DateOf(first).String())
			_ = cmd.Flags().Set("to", record.DateOf(last).String())
			title = first.Format("January 2006")
		}

		a := mustOpenApp(cmd.Context(), appOptions{probeOnce: true})
		defer a.close()

		recs, err := a.svc.ListRecords(cmd.Context(), a.id)
		if err != nil {
			fatalf("%s", describe(err))
		}
		recs, err = filterRecords(cmd, recs)
		if err != nil {
			fatalf("%v", err)
		}
		sum := service.Summarize(recs)

		if jsonOutput, _ := cmd.Flags().GetBool("json"); jsonOutput {
			printJSON(sum)
			return
		}

		md := ui.SummaryMarkdown(title, sum, cfg.Display.Currency)
		if raw, _ := cmd.Flags().GetBool("markdown"); raw {
			fmt.Print(md)
			return
		}
		out, err := ui.RenderMarkdown(md, ui.TerminalWidth(80), ui.IsTerminal(os.Stdout))
		if err != nil {
			fatalf("%v", err)
		}
		fmt.Print(out)
	},
}

// parseMonth returns the first day of the month named by s.
func parseMonth(s string, now time.Time) (time.Time, error) {
	if t, err := time.Parse("2006-01", s); err == nil {
		return t, nil
	}
	t, err := parseWhen(s, now)
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC), nil
}

func init() {
	addFilterFlags(reportCmd)
	reportCmd.Flags().String("month", "", "calendar month to report")
	reportCmd.Flags().Bool("json", false, "output JSON")
	reportCmd.Flags().Bool("markdown", false, "print raw markdown")
	rootCmd.AddCommand(reportCmd)
}
