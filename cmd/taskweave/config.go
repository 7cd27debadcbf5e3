package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/taskweave/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect configuration",
	Long: `View the effective taskweave configuration.

Configuration is layered, highest precedence first:
  1. Environment (TASKWEAVE_SECTION_KEY, ANTHROPIC_API_KEY)
  2. Project config (.taskweave.yaml in the current directory or a parent)
  3. User config (~/.config/taskweave/config.yaml)
  4. Built-in defaults`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		fmt.Print(renderConfig(cfg))
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config file locations",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("user:    %s\n", config.GetUserConfigPath())
		project := config.GetProjectConfigPath()
		if project == "" {
			project = "(none)"
		}
		fmt.Printf("project: %s\n", project)
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configPathCmd)
}

// renderConfig prints the effective values one per line, with the API key
// masked.
func renderConfig(cfg *config.Config) string {
	apiKey := "(not set)"
	key, source, err := config.ResolveAPIKey(cfg)
	if err == nil {
		apiKey = config.MaskAPIKey(key)
	}

	var b strings.Builder
	line := func(k string, v any) { fmt.Fprintf(&b, "%s: %v\n", k, v) }

	line("storage.path", cfg.Storage.Path)
	line("log.level", cfg.Log.Level)
	line("log.json", cfg.Log.JSON)
	line("log.file", cfg.Log.File)
	line("anthropic.api_key", fmt.Sprintf("%s (%s)", apiKey, source))
	line("anthropic.model", cfg.Anthropic.Model)
	line("anthropic.max_tokens", cfg.Anthropic.MaxTokens)
	line("anthropic.use_bedrock", cfg.Anthropic.UseBedrock)
	if cfg.Anthropic.UseBedrock {
		line("anthropic.aws_region", cfg.Anthropic.AWSRegion)
		line("anthropic.aws_profile", cfg.Anthropic.AWSProfile)
	}
	line("decompose.max_depth", cfg.Decompose.MaxDepth)
	line("decompose.cache_size", cfg.Decompose.CacheSize)
	line("decompose.oracle.base_timeout", cfg.Decompose.Oracle.BaseTimeout)
	line("decompose.oracle.max_retries", cfg.Decompose.Oracle.MaxRetries)
	line("execution.max_concurrency", cfg.Execution.MaxConcurrency)
	line("execution.critical_priority", cfg.Execution.CriticalPriority)
	line("execution.tick_interval", cfg.Execution.TickInterval)
	line("execution.command", cfg.Execution.Command)
	line("execution.work_dir", cfg.Execution.WorkDir)
	line("execution.dispatch.base_timeout", cfg.Execution.Dispatch.BaseTimeout)
	line("execution.dispatch.max_retries", cfg.Execution.Dispatch.MaxRetries)
	for _, h := range cfg.AgentHandles() {
		line("agents."+h.ID, fmt.Sprintf("capacity=%d capabilities=%s", h.Capacity, strings.Join(h.Capabilities, ",")))
	}
	line("signals.enabled", cfg.Signals.Enabled)
	line("signals.dir", cfg.Signals.Dir)
	line("signals.retain", cfg.Signals.Retain)
	line("workflow.retention", cfg.Workflow.Retention)
	return b.String()
}
