package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	runWorkflow       string
	runDecomposeFirst bool
	runDryRun         bool
	runDryRunDelay    time.Duration
	runJSON           bool
)

var runCmd = &cobra.Command{
	Use:   "run <project-id>",
	Short: "Execute a project's tasks in dependency order",
	Long: `Run every executable task of a project across the agent pool.

Tasks start once their prerequisites are done, highest priority first, up
to execution.max_concurrency at a time. A failed critical task blocks the
tasks that depend on it; a failed non-critical task releases them.

Workflow selection:
  --workflow <id>  continue a workflow whose decomposition completed
  --decompose      decompose the project first, then run the result
  (neither)        start a new workflow without decomposition

Each task is dispatched by running execution.command (or the agent's own
command) with the task in TASKWEAVE_* environment variables. --dry-run
pretends instead.`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVarP(&runWorkflow, "workflow", "w", "", "workflow id from 'taskweave decompose'")
	runCmd.Flags().BoolVar(&runDecomposeFirst, "decompose", false, "decompose the project before running")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "pretend to dispatch tasks")
	runCmd.Flags().DurationVar(&runDryRunDelay, "dry-run-delay", 100*time.Millisecond, "time each pretend dispatch takes")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "print the report as JSON")
	runCmd.MarkFlagsMutuallyExclusive("workflow", "decompose")
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	projectID := args[0]

	a, err := newApp(ctx, appOptions{
		Oracle:      runDecomposeFirst,
		Execute:     true,
		DryRun:      runDryRun,
		DryRunDelay: runDryRunDelay,
	})
	if err != nil {
		return err
	}
	defer a.Close()
	a.runWatcher(ctx)

	workflowID := runWorkflow
	if runDecomposeFirst {
		res, err := a.service.DecomposeProject(ctx, projectID)
		if err != nil {
			return err
		}
		workflowID = res.WorkflowID
		printStatus("✓", fmt.Sprintf("Decomposed into %d atomic tasks (workflow %s)", len(res.Tasks), res.WorkflowID), color.FgGreen)
	}

	rep, err := a.service.ExecuteProject(ctx, workflowID, projectID)
	if err != nil {
		return err
	}

	if runJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(rep); err != nil {
			return err
		}
	} else {
		fmt.Printf("Workflow %s finished in %s\n", color.CyanString(rep.WorkflowID), rep.Elapsed.Round(time.Millisecond))
		printIDs("✓", "done", rep.Done, color.FgGreen)
		printIDs("◐", "partial", rep.Partial, color.FgYellow)
		printIDs("✗", "failed", rep.Failed, color.FgRed)
		printIDs("⊘", "blocked", rep.Blocked, color.FgYellow)
		ids := make([]string, 0, len(rep.Errors))
		for id := range rep.Errors {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			fmt.Printf("    %s: %s\n", id, rep.Errors[id])
		}
	}

	if !rep.Succeeded() {
		return fmt.Errorf("%d failed, %d blocked", len(rep.Failed), len(rep.Blocked))
	}
	return nil
}

func printIDs(symbol, label string, ids []string, attr color.Attribute) {
	if len(ids) == 0 {
		return
	}
	printStatus(symbol, fmt.Sprintf("%d %s: %v", len(ids), label, ids), attr)
}
