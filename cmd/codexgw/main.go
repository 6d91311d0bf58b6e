// Command codexgw runs the supervisor: a multi-tenant Telegram
// bot gateway that drives a long-running child coding-agent process per
// user, relays streaming output, and persists per-user session state.
//
// Grounded on vanducng-goclaw/cmd/root.go's cobra root-command shape
// (persistent --config flag, version subcommand) narrowed to this module's
// single serve/version surface.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags "-X main.Version=v1.0.0".
var Version = "dev"

var cfgFile string

func main() {
	root := &cobra.Command{
		Use:   "codexgw",
		Short: "codexgw — multi-tenant Telegram supervisor for a coding-agent CLI",
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", defaultConfigPath(), "path to TOML config file")
	root.AddCommand(serveCmd())
	root.AddCommand(versionCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func defaultConfigPath() string {
	if v := os.Getenv("CODEXGW_CONFIG"); v != "" {
		return v
	}
	return "config.toml"
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("codexgw %s\n", Version)
		},
	}
}
