package main

import (
	"errors"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/taskweave/internal/orchestrator"
	"github.com/ShayCichocki/taskweave/internal/signals"
)

var cancelAll bool

var cancelCmd = &cobra.Command{
	Use:   "cancel <workflow-id> <task-id> | --all",
	Short: "Cancel a running task from another terminal",
	Long: `Cancel a task dispatched by a running 'taskweave run' by dropping a
signal file into the watched signals directory. With --all every running
operation is cancelled.`,
	Args: func(cmd *cobra.Command, args []string) error {
		if cancelAll {
			return cobra.NoArgs(cmd, args)
		}
		return cobra.ExactArgs(2)(cmd, args)
	},
	RunE: runCancel,
}

func init() {
	cancelCmd.Flags().BoolVar(&cancelAll, "all", false, "cancel every running operation")
}

func runCancel(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if !cfg.Signals.Enabled {
		return errors.New("signals are disabled (signals.enabled)")
	}

	opID := signals.AllOperations
	if !cancelAll {
		opID = orchestrator.OperationID(args[0], args[1])
	}
	if err := signals.Cancel(cfg.Signals.Dir, opID); err != nil {
		return err
	}
	printStatus("✓", fmt.Sprintf("Cancel requested for %s", color.CyanString(opID)), color.FgGreen)
	return nil
}
