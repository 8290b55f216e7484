package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check server health",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}

		var health struct {
			Status   string `json:"status"`
			Version  string `json:"version"`
			Postgres string `json:"postgres"`
			Uptime   int64  `json:"uptime_seconds"`
		}
		if err := c.get(cmd.Context(), "/health", &health); err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "Status:   %s\n", health.Status)
		fmt.Fprintf(w, "Version:  %s\n", health.Version)
		fmt.Fprintf(w, "Postgres: %s\n", health.Postgres)
		fmt.Fprintf(w, "Uptime:   %s\n", (time.Duration(health.Uptime) * time.Second).String())
		return nil
	},
}
