package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/pocketledger/budget/internal/record"
	"github.com/pocketledger/budget/internal/ui"
)

var addCmd = &cobra.Command{
	Use:     "add",
	GroupID: "records",
	Short:   "Add an income or expense record",
	Long: `Add a record. It is saved locally first and pushed to the remote store
right away when online; otherwise it is pushed by the next sync.

Missing fields are asked for interactively when stdin is a terminal.
--date accepts YYYY-MM-DD or phrases like "yesterday" or "last friday".`,
	Example: `  budget add --kind expense --amount 12.50 --category Food -d "Lunch"
  budget add --kind income --amount 2000 --category Salary --date "last friday"`,
	Run: func(cmd *cobra.Command, args []string) {
		in := record.Input{
			Kind:        flagString(cmd, "kind"),
			Amount:      flagString(cmd, "amount"),
			Category:    flagString(cmd, "category"),
			Description: flagString(cmd, "description"),
		}
		date := flagString(cmd, "date")

		if missingFields(in, date) && ui.IsTerminal(os.Stdin) {
			if err := recordForm(&in, &date).Run(); err != nil {
				if errors.Is(err, huh.ErrUserAborted) {
					return
				}
				fatalf("%v", err)
			}
		}
		if date == "" {
			date = record.Today().String()
		}
		day, err := parseDay(date, time.Now())
		if err != nil {
			fatalf("%v", err)
		}
		in.OccurredOn = day

		a := mustOpenApp(cmd.Context(), appOptions{probeOnce: true})
		defer a.close()

		rec, err := a.svc.AddRecord(cmd.Context(), a.id, in)
		if err != nil && rec.ID == "" {
			fatalf("%s", describe(err))
		}
		fmt.Printf("%s Added %s %s %s (%s)\n", ui.RenderPass("✓"), rec.Kind,
			ui.FormatAmount(rec.Amount, cfg.Display.Currency), rec.Category, rec.ID)
		if !rec.Synced {
			fmt.Printf("   %s\n", ui.RenderWarn("saved locally, pending sync"))
		}
		if err != nil {
			fatalf("%s", describe(err))
		}
	},
}

func missingFields(in record.Input, date string) bool {
	return in.Kind == "" || in.Amount == "" || in.Category == "" || in.Description == "" || date == ""
}

// recordForm asks for the fields of a record. Prefilled values are kept.
func recordForm(in *record.Input, date *string) *huh.Form {
	if in.Kind == "" {
		in.Kind = string(record.Expense)
	}
	if *date == "" {
		*date = "today"
	}
	return huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Kind").
				Options(
					huh.NewOption("Expense", string(record.Expense)),
					huh.NewOption("Income", string(record.Income)),
				).
				Value(&in.Kind),
			huh.NewInput().
				Title("Amount").
				Placeholder("12.50").
				Value(&in.Amount).
				Validate(func(s string) error {
					_, err := record.ParseAmount(s)
					return err
				}),
			huh.NewInput().
				Title("Date").
				Value(date).
				Validate(func(s string) error {
					_, err := parseDay(s, time.Now())
					return err
				}),
			huh.NewInput().
				Title("Category").
				Value(&in.Category).
				Validate(nonEmpty("category")),
			huh.NewInput().
				Title("Description").
				Value(&in.Description).
				Validate(nonEmpty("description")),
		),
	)
}

func nonEmpty(field string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s is required", field)
		}
		return nil
	}
}

var editCmd = &cobra.Command{
	Use:     "edit <id>",
	GroupID: "records",
	Short:   "Change fields of a record",
	Long: `Change one or more fields of a record. Only the flags given are changed.

Offline edits are stored locally and pushed by the next sync.`,
	Example: `  budget edit rec_4f1c... --amount 13.75
  budget edit local-9a2b... --category Groceries --date yesterday`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		var patch record.Patch
		for name, dst := range map[string]**string{
			"kind":        &patch.Kind,
			"amount":      &patch.Amount,
			"category":    &patch.Category,
			"description": &patch.Description,
		} {
			if cmd.Flags().Changed(name) {
				val := flagString(cmd, name)
				*dst = &val
			}
		}
		if cmd.Flags().Changed("date") {
			day, err := parseDay(flagString(cmd, "date"), time.Now())
			if err != nil {
				fatalf("%v", err)
			}
			patch.OccurredOn = &day
		}

		a := mustOpenApp(cmd.Context(), appOptions{probeOnce: true})
		defer a.close()

		rec, err := a.svc.EditRecord(cmd.Context(), a.id, args[0], patch)
		if err != nil {
			fatalf("%s", describe(err))
		}
		fmt.Printf("%s Updated %s\n", ui.RenderPass("✓"), rec.ID)
		if !rec.Synced {
			fmt.Printf("   %s\n", ui.RenderWarn("saved locally, pending sync"))
		}
	},
}

var deleteCmd = &cobra.Command{
	Use:     "delete <id>...",
	Aliases: []string{"rm"},
	GroupID: "records",
	Short:   "Delete records",
	Args:    cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		a := mustOpenApp(cmd.Context(), appOptions{probeOnce: true})
		defer a.close()

		failed := false
		for _, id := range args {
			if err := a.svc.DeleteRecord(cmd.Context(), a.id, id); err != nil {
				fmt.Fprintf(os.Stderr, "Error deleting %s: %s\n", id, describe(err))
				failed = true
				continue
			}
			fmt.Printf("%s Deleted %s\n", ui.RenderPass("✓"), id)
		}
		if failed {
			os.Exit(1)
		}
	},
}

var showCmd = &cobra.Command{
	Use:     "show <id>",
	GroupID: "records",
	Short:   "Show one record",
	Args:    cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		a := mustOpenApp(cmd.Context(), appOptions{})
		defer a.close()

		rec, err := a.svc.GetRecord(cmd.Context(), a.id, args[0])
		if err != nil {
			fatalf("%s", describe(err))
		}
		if jsonOutput, _ := cmd.Flags().GetBool("json"); jsonOutput {
			printJSON(rec)
			return
		}
		fmt.Println(ui.RecordsTable([]record.Record{rec}, cfg.Display.Currency))
		if rem, err := a.svc.Reminder(cmd.Context(), a.id, rec.ID); err == nil {
			fmt.Printf("%s Reminder %s: %s\n", ui.RenderAccent("⏰"), rem.DueAt.Local().Format("2006-01-02 15:04"), rem.Note)
		}
	},
}

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	GroupID: "records",
	Short:   "List records, newest first",
	Long: `List records, newest first. When online the local copy is refreshed from
the remote store first; offline the local copy is shown as is.`,
	Run: func(cmd *cobra.Command, args []string) {
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

		if jsonOutput, _ := cmd.Flags().GetBool("json"); jsonOutput {
			printJSON(recs)
			return
		}
		if len(recs) == 0 {
			fmt.Printf("\n%s No records\n\n", ui.RenderMuted("∅"))
			return
		}
		fmt.Println(ui.RecordsTable(recs, cfg.Display.Currency))
		if !a.svc.Online() {
			fmt.Printf("%s offline, showing local records\n", ui.RenderWarn("⚠"))
		}
	},
}

// filterRecords applies the --kind, --category, --from and --to flags.
func filterRecords(cmd *cobra.Command, recs []record.Record) ([]record.Record, error) {
	var (
		kind     record.Kind
		from, to record.Date
	)
	if s := flagString(cmd, "kind"); s != "" {
		k, err := record.ParseKind(s)
		if err != nil {
			return nil, err
		}
		kind = k
	}
	for name, dst := range map[string]*record.Date{"from": &from, "to": &to} {
		s := flagString(cmd, name)
		if s == "" {
			continue
		}
		t, err := parseWhen(s, time.Now())
		if err != nil {
			return nil, err
		}
		*dst = record.DateOf(t)
	}
	category := flagString(cmd, "category")

	out := recs[:0:0]
	for _, r := range recs {
		switch {
		case kind != "" && r.Kind != kind:
		case category != "" && !strings.EqualFold(r.Category, category):
		case !from.IsZero() && r.OccurredOn.Before(from):
		case !to.IsZero() && r.OccurredOn.After(to):
		default:
			out = append(out, r)
		}
	}
	return out, nil
}

func flagString(cmd *cobra.Command, name string) string {
	s, _ := cmd.Flags().GetString(name)
	return strings.TrimSpace(s)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fatalf("encoding JSON: %v", err)
	}
}

func addRecordFlags(cmd *cobra.Command) {
	cmd.Flags().String("kind", "", "income or expense")
	cmd.Flags().String("amount", "", "positive amount, at most two decimals")
	cmd.Flags().String("date", "", "date it happened (default today)")
	cmd.Flags().String("category", "", "category")
	cmd.Flags().StringP("description", "d", "", "description")
}

func addFilterFlags(cmd *cobra.Command) {
	cmd.Flags().String("kind", "", "only income or expense")
	cmd.Flags().String("category", "", "only this category")
	cmd.Flags().String("from", "", "first date to include")
	cmd.Flags().String("to", "", "last date to include")
}

func init() {
	addRecordFlags(addCmd)
	addRecordFlags(editCmd)
	addFilterFlags(listCmd)
	listCmd.Flags().Bool("json", false, "output JSON")
	showCmd.Flags().Bool("json", false, "output JSON")

	rootCmd.AddCommand(addCmd, editCmd, deleteCmd, showCmd, listCmd)
}
