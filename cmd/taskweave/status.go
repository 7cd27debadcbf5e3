package main

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/taskweave/internal/workflow"
)

var statusCmd = &cobra.Command{
	Use:   "status <workflow-id>",
	Short: "Show a workflow's phases and progress",
	Long: `Display the lifecycle of a workflow.

Shows:
  - Each entered phase and its state
  - Sub-phase progress, such as per-root decomposition and per-task execution
  - Errors recorded on failed sub-phases`,
	Args: cobra.ExactArgs(1),
	RunE: runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context(), appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	rec, err := a.service.GetWorkflowStatus(args[0])
	if err != nil {
		return err
	}
	displayWorkflow(rec)
	return nil
}

func displayWorkflow(rec *workflow.Record) {
	fmt.Printf("Workflow: %s\n", color.CyanString(rec.ID))
	fmt.Printf("  Project: %s\n", rec.ProjectID)
	fmt.Printf("  Created: %s ago\n", formatDuration(time.Since(rec.CreatedAt)))
	fmt.Printf("  Updated: %s\n", rec.UpdatedAt.Local().Format(time.DateTime))

	for _, pr := range rec.Phases {
		fmt.Printf("\n  %s %s\n", stateSymbol(pr.State), strings.ToUpper(string(pr.Phase[:1]))+string(pr.Phase[1:]))
		for _, name := range slices.Sorted(maps.Keys(pr.SubPhases)) {
			sp := pr.SubPhases[name]
			line := fmt.Sprintf("    %s %-24s %3.0f%%", stateSymbol(sp.State), name, sp.Progress)
			if msg, ok := sp.Metadata["error"].(string); ok && msg != "" {
				line += "  " + color.RedString(msg)
			}
			fmt.Println(line)
		}
	}
}

func stateSymbol(s workflow.State) string {
	switch s {
	case workflow.StateCompleted:
		return color.GreenString("✓")
	case workflow.StateFailed:
		return color.RedString("✗")
	case workflow.StateInProgress:
		return color.YellowString("◐")
	default:
		return color.HiBlackString("○")
	}
}

// formatDuration formats a duration in a human-readable way
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm", h, m)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
