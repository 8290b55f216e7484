package cli

import (
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/windlass-ci/windlass/internal/model"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect pipeline runs",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pipeline runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}

		q := url.Values{}
		if state, _ := cmd.Flags().GetString("state"); state != "" {
			q.Set("state", state)
		}
		if limit, _ := cmd.Flags().GetInt("limit"); limit > 0 {
			q.Set("limit", strconv.Itoa(limit))
		}
		path := "/api/pipelines"
		if len(q) > 0 {
			path += "?" + q.Encode()
		}

		var result struct {
			Runs  []model.PipelineRun `json:"runs"`
			Total int                 `json:"total"`
		}
		if err := c.get(cmd.Context(), path, &result); err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		if len(result.Runs) == 0 {
			fmt.Fprintln(w, "No pipeline runs found.")
			return nil
		}

		fmt.Fprintf(w, "%-36s %-8s %-24s %-18s %-5s %s\n", "ID", "PR", "BRANCH", "STATE", "FIXES", "UPDATED")
		for _, run := range result.Runs {
			fmt.Fprintf(w, "%-36s %-8d %-24s %-18s %d/%-3d %s\n",
				run.ID, run.SourceRef, truncate(run.Branch, 24), run.State,
				run.FixCycleCount, run.MaxFixCycles,
				run.UpdatedAt.Local().Format(time.RFC3339))
		}
		fmt.Fprintf(w, "\n%d of %d run(s)\n", len(result.Runs), result.Total)
		return nil
	},
}

var runsGetCmd = &cobra.Command{
	Use:   "get <run-id>",
	Short: "Show a pipeline run with its transition log, gates, and agent sessions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}

		var detail model.PipelineDetail
		if err := c.get(cmd.Context(), "/api/pipelines/"+url.PathEscape(args[0]), &detail); err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		run := detail.Run
		fmt.Fprintf(w, "Run %s (PR #%d)\n", run.ID, run.SourceRef)
		fmt.Fprintf(w, "  Branch:     %s -> %s\n", run.Branch, run.TargetBranch)
		fmt.Fprintf(w, "  Commit:     %s\n", run.CommitSHA)
		fmt.Fprintf(w, "  State:      %s\n", run.State)
		fmt.Fprintf(w, "  Fix cycles: %d/%d\n", run.FixCycleCount, run.MaxFixCycles)
		if run.LastFailedGate != nil {
			fmt.Fprintf(w, "  Last failed gate: %s\n", *run.LastFailedGate)
		}
		if run.ErrorMessage != nil {
			fmt.Fprintf(w, "  Error:      %s\n", *run.ErrorMessage)
		}
		fmt.Fprintf(w, "  Created:    %s\n", run.CreatedAt.Local().Format(time.RFC3339))
		fmt.Fprintf(w, "  Updated:    %s\n", run.UpdatedAt.Local().Format(time.RFC3339))

		if len(detail.Gates) > 0 {
			fmt.Fprintln(w, "  Gates:")
			for _, g := range detail.Gates {
				fmt.Fprintf(w, "    %-14s %-8s %s\n", g.GateKind, g.Status, shortSHA(g.CommitSHA))
			}
		}

		if len(detail.Sessions) > 0 {
			fmt.Fprintln(w, "  Agent sessions:")
			for _, s := range detail.Sessions {
				line := fmt.Sprintf("    %-6s %-10s started %s", s.Kind, s.Status,
					s.StartedAt.Local().Format(time.RFC3339))
				if s.ResultCommitSHA != nil {
					line += " result " + shortSHA(*s.ResultCommitSHA)
				}
				fmt.Fprintln(w, line)
			}
		}

		if len(detail.Transitions) > 0 {
			fmt.Fprintln(w, "  History:")
			for _, t := range detail.Transitions {
				fmt.Fprintf(w, "    %s  %s -> %s  [%s]",
					t.CreatedAt.Local().Format("2006-01-02 15:04:05"),
					t.FromState, t.ToState, t.Trigger)
				if t.Note != "" {
					fmt.Fprintf(w, "  %s", t.Note)
				}
				fmt.Fprintln(w)
			}
		}
		return nil
	},
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func shortSHA(sha string) string {
	if len(sha) > 12 {
		return sha[:12]
	}
	return sha
}

func init() {
	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsGetCmd)

	runsListCmd.Flags().String("state", "", "Filter by run state (e.g. fixing, ready_for_prod, done, failed)")
	runsListCmd.Flags().Int("limit", 50, "Maximum number of runs to return")
}
