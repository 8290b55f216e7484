// Package cli implements wlctl, the operator command line for a running
// Windlass server. It talks to the HTTP API with an operator JWT obtained
// via `wlctl login`.
package cli

import (
	"github.com/spf13/cobra"
)

var version = "dev"

func SetVersion(v string) {
	version = v
}

var rootCmd = &cobra.Command{
	Use:   "wlctl",
	Short: "wlctl controls a Windlass deployment pipeline server",
	Long: `wlctl is the operator CLI for Windlass.

It queries pipeline runs and issues the human production approval over the
server's HTTP API. Authenticate once with "wlctl login"; the server address
and token can also be supplied via WINDLASS_SERVER and WINDLASS_TOKEN.`,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().String("server", "", "Windlass server base URL (default $WINDLASS_SERVER or http://localhost:8080)")
	rootCmd.PersistentFlags().String("token", "", "Operator JWT (default $WINDLASS_TOKEN)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(approveCmd)
	rootCmd.AddCommand(healthCmd)
}
