package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/taskweave/internal/orchestrator"
)

var decomposeJSON bool

var decomposeCmd = &cobra.Command{
	Use:   "decompose",
	Short: "Split tasks into atomic units",
	Long: `Ask the atomicity oracle whether tasks are small enough to hand to an
agent, splitting those that are not. Each invocation records a workflow;
pass its id to 'taskweave run --workflow' to execute the result.`,
}

var decomposeTaskCmd = &cobra.Command{
	Use:   "task <task-id>",
	Short: "Decompose one task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDecompose(cmd, func(svc *orchestrator.Service) (*orchestrator.DecompositionResult, error) {
			return svc.DecomposeTask(cmd.Context(), args[0])
		})
	},
}

var decomposeProjectCmd = &cobra.Command{
	Use:   "project <project-id>",
	Short: "Decompose every unfinished task of a project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDecompose(cmd, func(svc *orchestrator.Service) (*orchestrator.DecompositionResult, error) {
			return svc.DecomposeProject(cmd.Context(), args[0])
		})
	},
}

func init() {
	decomposeCmd.PersistentFlags().BoolVar(&decomposeJSON, "json", false, "print the result as JSON")
	decomposeCmd.AddCommand(decomposeTaskCmd)
	decomposeCmd.AddCommand(decomposeProjectCmd)
}

func runDecompose(cmd *cobra.Command, fn func(*orchestrator.Service) (*orchestrator.DecompositionResult, error)) error {
	a, err := newApp(cmd.Context(), appOptions{Oracle: true})
	if err != nil {
		return err
	}
	defer a.Close()
	a.runWatcher(cmd.Context())

	res, err := fn(a.service)
	if err != nil {
		return err
	}

	if decomposeJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}

	printStatus("✓", fmt.Sprintf("Workflow %s", color.CyanString(res.WorkflowID)), color.FgGreen)
	fmt.Printf("  %d atomic tasks\n", len(res.Tasks))
	for _, t := range res.Tasks {
		parent := ""
		if t.ParentID != "" {
			parent = color.HiBlackString(" (from %s)", t.ParentID)
		}
		fmt.Printf("    %s  %-8s %5.1fh  %s%s\n", t.ID, t.Priority, t.EstimatedHours, t.Title, parent)
	}

	st := a.engine.Stats()
	fmt.Printf("  oracle calls %d, fallbacks %d, forced accepts %d\n", st.OracleCalls, st.Fallbacks, st.ForcedAccepts)
	if st.ForcedAccepts > 0 {
		printStatus("⚠", "depth budget ran out for some tasks; they were accepted as-is", color.FgYellow)
	}
	if a.heuristic {
		printStatus("⚠", "no API key configured; atomicity was judged locally and nothing was split", color.FgYellow)
	} else {
		in, out := a.client.Tracker().Total()
		fmt.Printf("  tokens in %d, out %d\n", in, out)
	}
	if res.Graph != nil {
		fmt.Printf("  critical path %.1fh: %v\n", res.Graph.CriticalHours(), res.Graph.CriticalPath())
	}
	return nil
}
