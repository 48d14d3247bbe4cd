package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/SentinelIQ/SentinelCore/core"
	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

const watchPollInterval = 2 * time.Second

// NewRunsCmd builds the `runs` command tree for submitting and
// inspecting module executions.
func NewRunsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Submit and inspect module runs",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if noColor {
				color.NoColor = true
			}
		},
	}

	cmd.PersistentFlags().StringVar(&apiURL, "api-url", "", "Server base URL (default $SENTINELCORE_API_URL or http://127.0.0.1:8081)")
	cmd.PersistentFlags().StringVar(&actorID, "actor-id", "", "Acting user id sent to the server")
	cmd.PersistentFlags().StringVar(&actorName, "actor", "cli", "Acting user name sent to the server")
	cmd.PersistentFlags().StringVar(&actorRole, "role", "admin", "Acting role (superuser, admin, analyst, read_only)")
	cmd.PersistentFlags().StringVar(&tenantID, "tenant", "", "Acting tenant id")
	cmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "Output as JSON")
	cmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")

	cmd.AddCommand(newRunsSubmitCmd())
	cmd.AddCommand(newRunsShowCmd())
	cmd.AddCommand(newRunsListCmd())
	cmd.AddCommand(newRunsCancelCmd())

	return cmd
}

func newRunsSubmitCmd() *cobra.Command {
	var inputJSON string
	var watch bool

	cmd := &cobra.Command{
		Use:   "submit <module-id>",
		Short: "Submit a manual run of a module",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
			defer cancel()

			var body struct {
				Input core.Payload `json:"input,omitempty"`
			}
			if inputJSON != "" {
				if err := json.Unmarshal([]byte(inputJSON), &body.Input); err != nil {
					return fmt.Errorf("parsing --input: %w", err)
				}
			}

			var rec core.ExecutionRecord
			path := "/api/modules/" + url.PathEscape(args[0]) + "/runs"
			if err := newClient().do(ctx, "POST", path, &body, &rec); err != nil {
				return err
			}

			if !watch {
				if outputJSON {
					return outputAsJSON(&rec)
				}
				successColor.Printf("✓ Submitted run %s (%s)\n", rec.ID, rec.ModuleName)
				return nil
			}
			return watchRun(ctx, rec.ID)
		},
	}

	cmd.Flags().StringVar(&inputJSON, "input", "", "Run input as a JSON object")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Poll the run until it reaches a terminal state")
	return cmd
}

func newRunsShowCmd() *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one run in detail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
			defer cancel()

			if watch {
				return watchRun(ctx, args[0])
			}

			var rec core.ExecutionRecord
			if err := newClient().do(ctx, "GET", "/api/runs/"+url.PathEscape(args[0]), nil, &rec); err != nil {
				return err
			}
			if outputJSON {
				return outputAsJSON(&rec)
			}
			renderRunDetails(&rec)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Poll the run until it reaches a terminal state")
	return cmd
}

func newRunsListCmd() *cobra.Command {
	var moduleID, stage, status string
	var limit, offset int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs visible to the acting tenant, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
			defer cancel()

			q := url.Values{}
			if moduleID != "" {
				q.Set("module_id", moduleID)
			}
			if stage != "" {
				q.Set("stage", stage)
			}
			if status != "" {
				q.Set("status", status)
			}
			q.Set("limit", fmt.Sprintf("%d", limit))
			q.Set("offset", fmt.Sprintf("%d", offset))

			var resp struct {
				Runs  []*core.ExecutionRecord `json:"runs"`
				Total int                     `json:"total"`
			}
			if err := newClient().do(ctx, "GET", "/api/runs?"+q.Encode(), nil, &resp); err != nil {
				return err
			}

			if outputJSON {
				return outputAsJSON(resp.Runs)
			}
			renderRunsTable(resp.Runs)
			if resp.Total > len(resp.Runs) {
				infoColor.Printf("Showing %d of %d runs\n", len(resp.Runs), resp.Total)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&moduleID, "module", "", "Filter by module id")
	cmd.Flags().StringVar(&stage, "stage", "", "Filter by pipeline stage")
	cmd.Flags().StringVar(&status, "status", "", "Filter by run status")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum runs to return")
	cmd.Flags().IntVar(&offset, "offset", 0, "Pagination offset")
	return cmd
}

func newRunsCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel a pending or running execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
			defer cancel()

			var resp struct {
				ID     string `json:"id"`
				Status string `json:"status"`
			}
			path := "/api/runs/" + url.PathEscape(args[0]) + "/cancel"
			if err := newClient().do(ctx, "POST", path, nil, &resp); err != nil {
				return err
			}
			if outputJSON {
				return outputAsJSON(resp)
			}
			warningColor.Printf("Run %s canceled\n", resp.ID)
			return nil
		},
	}
}

// watchRun polls until the run reaches a terminal state, then prints it.
func watchRun(ctx context.Context, runID string) error {
	client := newClient()

	var s *spinner.Spinner
	if !outputJSON && !noColor {
		s = spinner.New(spinner.CharSets[14], 100*time.Millisecond)
		s.Suffix = fmt.Sprintf(" Waiting for run %s...", runID)
		s.Start()
		defer s.Stop()
	}

	ticker := time.NewTicker(watchPollInterval)
	defer ticker.Stop()

	for {
		var rec core.ExecutionRecord
		if err := client.do(ctx, "GET", "/api/runs/"+url.PathEscape(runID), nil, &rec); err != nil {
			return err
		}

		if rec.Status.Terminal() {
			if s != nil {
				s.Stop()
			}
			if outputJSON {
				return outputAsJSON(&rec)
			}
			renderRunDetails(&rec)
			if rec.Status == core.RunFailed {
				return fmt.Errorf("run %s failed", rec.ID)
			}
			return nil
		}
		if s != nil {
			s.Suffix = fmt.Sprintf(" Run %s is %s (attempt %d)...", runID, rec.Status, rec.Attempt)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("timed out waiting for run %s", runID)
		case <-ticker.C:
		}
	}
}
