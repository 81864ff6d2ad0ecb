package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pocketledger/budget/internal/transfer"
	"github.com/pocketledger/budget/internal/ui"
)

var exportCmd = &cobra.Command{
	Use:     "export <file>",
	GroupID: "records",
	Short:   "Export records to YAML or JSON lines",
	Long: `Export all records and their reminders. The format follows the file
extension: .yaml/.yml or .jsonl/.ndjson. Use "-" with --format to write to
stdout.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		a := mustOpenApp(cmd.Context(), appOptions{probeOnce: true})
		defer a.close()

		if args[0] == "-" {
			format := transfer.Format(flagString(cmd, "format"))
			if _, err := transfer.Export(cmd.Context(), a.svc, a.id, os.Stdout, format); err != nil {
				fatalf("%s", describe(err))
			}
			return
		}
		n, err := transfer.ExportFile(cmd.Context(), a.svc, a.id, args[0])
		if err != nil {
			fatalf("%s", describe(err))
		}
		fmt.Printf("%s Exported %d records to %s\n", ui.RenderPass("✓"), n, args[0])
	},
}

var importCmd = &cobra.Command{
	Use:     "import <file>",
	GroupID: "records",
	Short:   "Import records from YAML or JSON lines",
	Long: `Import records as new records. Each one gets a temporary id and is
pushed like a record added by hand. Invalid entries are skipped and reported.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		a := mustOpenApp(cmd.Context(), appOptions{probeOnce: true})
		defer a.close()

		res, err := transfer.ImportFile(cmd.Context(), a.svc, a.id, args[0], transfer.ImportOptions{DryRun: dryRun})
		if res != nil {
			for _, msg := range res.Errors {
				fmt.Fprintf(os.Stderr, "%s %s\n", ui.RenderWarn("⚠"), msg)
			}
			verb := "Imported"
			if dryRun {
				verb = "Would import"
			}
			fmt.Printf("%s %s %d of %d records", ui.RenderPass("✓"), verb, res.Imported, res.Read)
			if res.Skipped > 0 {
				fmt.Printf(" (%d skipped)", res.Skipped)
			}
			fmt.Println()
		}
		if err != nil {
			fatalf("%s", describe(err))
		}
	},
}

func init() {
	exportCmd.Flags().String("format", string(transfer.FormatJSONL), "format when writing to stdout (yaml or jsonl)")
	importCmd.Flags().Bool("dry-run", false, "validate without importing")
	rootCmd.AddCommand(exportCmd, importCmd)
}
