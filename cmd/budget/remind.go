package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/pocketledger/budget/internal/ui"
)

var remindCmd = &cobra.Command{
	Use:     "remind",
	GroupID: "records",
	Short:   "Manage record reminders",
	Long: `Attach a reminder to a record, e.g. to settle a shared expense. Reminders
stay on this device and follow the record when its id changes on sync. The
daemon announces them when they come due.`,
}

var remindSetCmd = &cobra.Command{
	Use:     "set <id> <when>",
	Short:   "Set or replace a record's reminder",
	Example: `  budget remind set rec_4f1c... "friday 9am" --note "ask Sam for half"`,
	Args:    cobra.MinimumNArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		dueAt, err := parseWhen(strings.Join(args[1:], " "), time.Now())
		if err != nil {
			fatalf("%v", err)
		}

		a := mustOpenApp(cmd.Context(), appOptions{})
		defer a.close()

		rem, err := a.svc.SetReminder(cmd.Context(), a.id, args[0], dueAt, flagString(cmd, "note"))
		if err != nil {
			fatalf("%s", describe(err))
		}
		fmt.Printf("%s Reminder for %s set for %s\n", ui.RenderPass("✓"), rem.RecordID,
			rem.DueAt.Local().Format("Mon 2006-01-02 15:04"))
	},
}

var remindClearCmd = &cobra.Command{
	Use:   "clear <id>",
	Short: "Remove a record's reminder",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		a := mustOpenApp(cmd.Context(), appOptions{})
		defer a.close()

		if err := a.svc.ClearReminder(cmd.Context(), a.id, args[0]); err != nil {
			fatalf("%s", describe(err))
		}
		fmt.Printf("%s Reminder for %s cleared\n", ui.RenderPass("✓"), args[0])
	},
}

var remindDueCmd = &cobra.Command{
	Use:   "due",
	Short: "List reminders that are due",
	Run: func(cmd *cobra.Command, args []string) {
		a := mustOpenApp(cmd.Context(), appOptions{})
		defer a.close()

		now := time.Now()
		due, err := a.svc.DueReminders(cmd.Context(), a.id, now)
		if err != nil {
			fatalf("%s", describe(err))
		}
		if len(due) == 0 {
			fmt.Printf("%s Nothing due\n", ui.RenderMuted("∅"))
			return
		}

		ack, _ := cmd.Flags().GetBool("ack")
		for _, r := range due {
			line := fmt.Sprintf("%s  %s", r.DueAt.Local().Format("2006-01-02 15:04"), r.RecordID)
			if r.Note != "" {
				line += "  " + r.Note
			}
			fmt.Printf("%s %s\n", ui.RenderAccent("⏰"), line)
			if ack {
				if err := a.svc.MarkReminded(cmd.Context(), a.id, r.RecordID, now); err != nil {
					fatalf("%s", describe(err))
				}
			}
		}
	},
}

func init() {
	remindSetCmd.Flags().String("note", "", "what to remember")
	remindDueCmd.Flags().Bool("ack", false, "mark listed reminders as done")
	remindCmd.AddCommand(remindSetCmd, remindClearCmd, remindDueCmd)
	rootCmd.AddCommand(remindCmd)
}
