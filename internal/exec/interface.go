// Package exec runs external commands for dispatchers.
package exec

import (
	"context"
)

// CommandRunner runs external commands. Tests substitute fakes.
type CommandRunner interface {
	// Run executes a command and returns combined stdout/stderr output.
	// The working directory is set to workDir if non-empty; env entries
	// are appended to the current environment.
	Run(ctx context.Context, workDir string, env []string, name string, args ...string) (output []byte, err error)

	// RunShell executes a shell command through "sh -c".
	RunShell(ctx context.Context, workDir string, env []string, command string) (output []byte, err error)
}
