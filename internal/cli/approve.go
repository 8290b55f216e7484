package cli

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/windlass-ci/windlass/internal/model"
)

var approveCmd = &cobra.Command{
	Use:   "approve <run-id>",
	Short: "Approve a run waiting for the production release decision",
	Long: `Approve issues the human production sign-off for a run in the
ready_for_prod state, which starts the production deployment. Runs in any
other state are rejected with a conflict.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}

		var run model.PipelineRun
		path := "/api/pipelines/" + url.PathEscape(args[0]) + "/approve"
		if err := c.post(cmd.Context(), path, nil, &run); err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Run %s approved, now %s\n", run.ID, run.State)
		return nil
	},
}
