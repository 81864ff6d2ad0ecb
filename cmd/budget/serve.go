package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pocketledger/budget/internal/logging"
	"github.com/pocketledger/budget/internal/server"
	"github.com/pocketledger/budget/internal/ui"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "admin",
	Short:   "Run the remote record store",
	Long: `Run the record store that clients sync with.

Records are kept per owner under /api/v1/owners/<owner>/records. Requests
carry a bearer token whose subject must be the owner; mint one with
"budget serve token <owner>".

server.dsn selects the database: a postgres:// URL or a SQLite file path.`,
	Annotations: map[string]string{longRunning: "true"},
	Run: func(cmd *cobra.Command, args []string) {
		secret := jwtSecret()

		srv, err := server.New(cmd.Context(), &server.Config{
			Addr:      cfg.Server.Addr,
			DSN:       cfg.Server.DSN,
			JWTSecret: secret,
			Logger:    logging.Component(logging.FromContext(cmd.Context()), "server"),
		})
		if err != nil {
			fatalf("starting record store: %v", err)
		}
		if err := srv.Start(); err != nil {
			fatalf("%v", err)
		}
		fmt.Printf("%s Record store listening on %s\n", ui.RenderPass("✓"), srv.URL())

		<-cmd.Context().Done()
		if err := srv.Stop(); err != nil {
			fatalf("during shutdown: %v", err)
		}
	},
}

var serveTokenCmd = &cobra.Command{
	Use:   "token <owner>",
	Short: "Mint a bearer token for an owner",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ttl := cfg.Server.TokenTTL
		if cmd.Flags().Changed("ttl") {
			ttl, _ = cmd.Flags().GetDuration("ttl")
		}
		token, err := server.IssueToken(jwtSecret(), args[0], ttl)
		if err != nil {
			fatalf("%v", err)
		}
		fmt.Println(token)
	},
}

func jwtSecret() []byte {
	if cfg.Server.JWTSecret == "" {
		fmt.Fprintf(os.Stderr, "Error: server.jwt_secret is not set\n")
		fmt.Fprintf(os.Stderr, "Set it in the config file or as BUDGET_SERVER_JWT_SECRET\n")
		os.Exit(1)
	}
	return []byte(cfg.Server.JWTSecret)
}

func init() {
	serveTokenCmd.Flags().Duration("ttl", 0, "token lifetime (default server.token_ttl, 0 never expires)")
	serveCmd.AddCommand(serveTokenCmd)
	rootCmd.AddCommand(serveCmd)
}
