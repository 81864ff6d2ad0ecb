// Command budget is an offline-first personal finance tracker.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pocketledger/budget/internal/config"
	"github.com/pocketledger/budget/internal/logging"
)

// skipConfig marks commands that must work without a valid configuration.
const skipConfig = "skip-config"

var (
	cfgFile string
	verbose bool
	offline bool

	v         = viper.New()
	cfg       *config.Config
	logCloser io.Closer
)

var rootCmd = &cobra.Command{
	Use:   "budget",
	Short: "Offline-first personal finance tracker",
	Long: `Track income and expenses on this device and keep them in sync with
a remote record store.

Records are saved locally first and pushed when the store is reachable.
Edits and deletes made offline are queued and reconciled later.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Annotations[skipConfig] == "true" {
			return nil
		}
		if offline {
			v.Set("connectivity.mode", config.ModeOffline)
		}
		if verbose {
			v.Set("log.level", "debug")
		}

		loaded, err := config.Load(v, cfgFile)
		if err != nil {
			return err
		}
		cfg = loaded

		var logger zerolog.Logger
		logger, logCloser = newLogger(cfg, cmd.Annotations[longRunning] == "true")
		cmd.SetContext(logging.WithContext(cmd.Context(), logger))
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logCloser != nil {
			_ = logCloser.Close()
		}
	},
}

// longRunning marks commands whose logs are the main output.
const longRunning = "long-running"

// newLogger keeps one-shot commands quiet on the console unless --verbose
// is set; the log file always gets the configured level.
func newLogger(cfg *config.Config, long bool) (zerolog.Logger, io.Closer) {
	lc := logging.Config{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Console:    long || verbose,
	}
	return logging.New(lc)
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "records", Title: "Records:"},
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "admin", Title: "Administration:"},
	)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default ~/.budget/config.toml)")
	flags.String("owner", "", "owner of the records")
	flags.String("token", "", "bearer token for the remote store")
	flags.String("remote", "", "remote store URL")
	flags.String("db", "", "local database path")
	flags.BoolVar(&offline, "offline", false, "never contact the remote store")
	flags.BoolVarP(&verbose, "verbose", "v", false, "log to stderr at debug level")

	_ = v.BindPFlag("identity.owner", flags.Lookup("owner"))
	_ = v.BindPFlag("identity.token", flags.Lookup("token"))
	_ = v.BindPFlag("remote.url", flags.Lookup("remote"))
	_ = v.BindPFlag("local.path", flags.Lookup("db"))
}

// fatalf prints an error and exits.
func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
