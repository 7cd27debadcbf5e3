package main

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/taskweave/internal/graph"
)

var graphCmd = &cobra.Command{
	Use:   "graph <project-id>",
	Short: "Show execution order and critical path",
	Long: `Build the dependency graph over a project's executable tasks and print
a valid execution order, each task's prerequisites, and the critical path
(the chain with the most estimated hours). Critical-path tasks are marked
with *.`,
	Args: cobra.ExactArgs(1),
	RunE: runGraph,
}

func runGraph(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context(), appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	g, err := a.service.Graph(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	fmt.Print(renderGraph(g))
	return nil
}

// renderGraph formats the order and critical path of g.
func renderGraph(g *graph.Graph) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Execution order (%d tasks):\n", g.Size())
	for i, id := range g.Order() {
		t := g.Task(id)
		mark := " "
		if g.OnCriticalPath(id) {
			mark = color.RedString("*")
		}
		fmt.Fprintf(&b, "  %s %3d. %s  %-8s %5.1fh  %-10s %s", mark, i+1, id, t.Priority, t.EstimatedHours, t.Status, t.Title)
		if deps := g.Dependencies(id); len(deps) > 0 {
			fmt.Fprintf(&b, "  %s", color.HiBlackString("after %s", strings.Join(deps, ", ")))
		}
		b.WriteByte('\n')
	}
	if path := g.CriticalPath(); len(path) > 0 {
		fmt.Fprintf(&b, "\nCritical path (%.1fh): %s\n", g.CriticalHours(), strings.Join(path, " → "))
	}
	return b.String()
}
