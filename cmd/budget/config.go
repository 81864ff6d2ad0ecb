package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pocketledger/budget/internal/config"
	"github.com/pocketledger/budget/internal/ui"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "admin",
	Short:   "Manage the configuration file",
}

var configInitCmd = &cobra.Command{
	Use:         "init",
	Short:       "Write a config file with the default settings",
	Annotations: map[string]string{skipConfig: "true"},
	Run: func(cmd *cobra.Command, args []string) {
		path := cfgFile
		if path == "" {
			path = config.DefaultPath()
		}
		force, _ := cmd.Flags().GetBool("force")
		if err := config.WriteDefault(path, force); err != nil {
			fatalf("%v", err)
		}
		fmt.Printf("%s Wrote %s\n", ui.RenderPass("✓"), path)
		fmt.Printf("   Set identity.owner and identity.token before syncing\n")
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective settings",
	Run: func(cmd *cobra.Command, args []string) {
		if used := v.ConfigFileUsed(); used != "" {
			fmt.Printf("# %s\n", used)
		}
		settings := v.AllSettings()
		// Secrets are shown only as set or unset.
		for _, key := range []string{"identity.token", "server.jwt_secret"} {
			if v.GetString(key) != "" {
				setNested(settings, key, "<set>")
			}
		}
		printJSON(settings)
	},
}

func setNested(m map[string]any, key, val string) {
	section, name, ok := strings.Cut(key, ".")
	if !ok {
		m[key] = val
		return
	}
	if sub, ok := m[section].(map[string]any); ok {
		sub[name] = val
	}
}

func init() {
	configInitCmd.Flags().Bool("force", false, "overwrite an existing file")
	configCmd.AddCommand(configInitCmd, configShowCmd)
	rootCmd.AddCommand(configCmd)
}
