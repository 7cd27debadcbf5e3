package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var importCmd = &cobra.Command{
	Use:   "import <file.yaml>",
	Short: "Import a project plan",
	Long: `Import a YAML project plan: the project, its epics, their tasks and
the dependencies declared between tasks. Every id is allocated fresh, so
importing the same file twice creates a second project.

Example:

  project:
    name: web app
  epics:
    - title: Backend
      priority: high
      tasks:
        - key: schema
          title: Design database schema
          estimated_hours: 3
        - title: Build REST API
          depends_on: [schema]`,
	Args: cobra.ExactArgs(1),
	RunE: runImport,
}

func runImport(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context(), appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.importer.ImportFile(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	printStatus("✓", fmt.Sprintf("Imported %s (%s)", res.Project.Name, color.CyanString(res.Project.ID)), color.FgGreen)
	for _, e := range res.Epics {
		fmt.Printf("  %s  %s\n", e.ID, e.Title)
	}
	fmt.Printf("  %d tasks, %d dependencies\n", len(res.Tasks), len(res.Edges))
	for _, t := range res.Tasks {
		fmt.Printf("    %s  %-8s %s\n", t.ID, t.Priority, t.Title)
	}
	return nil
}
