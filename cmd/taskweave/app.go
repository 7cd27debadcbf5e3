package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/rs/zerolog"

	"github.com/ShayCichocki/taskweave/internal/agent"
	"github.com/ShayCichocki/taskweave/internal/config"
	"github.com/ShayCichocki/taskweave/internal/decompose"
	"github.com/ShayCichocki/taskweave/internal/exec"
	"github.com/ShayCichocki/taskweave/internal/ids"
	"github.com/ShayCichocki/taskweave/internal/logging"
	"github.com/ShayCichocki/taskweave/internal/oracle"
	"github.com/ShayCichocki/taskweave/internal/orchestrator"
	"github.com/ShayCichocki/taskweave/internal/project"
	"github.com/ShayCichocki/taskweave/internal/signals"
	"github.com/ShayCichocki/taskweave/internal/state"
	"github.com/ShayCichocki/taskweave/internal/timeout"
	"github.com/ShayCichocki/taskweave/internal/workflow"
)

// appOptions selects the optional parts of the object graph a command needs.
type appOptions struct {
	// Oracle builds the Claude client and decomposition engine.
	Oracle bool
	// Execute requires a usable dispatcher.
	Execute bool
	// DryRun replaces the exec dispatcher with one that only pretends.
	DryRun bool
	// DryRunDelay is how long each pretend dispatch takes.
	DryRunDelay time.Duration
}

// app is the wired process: every component built in dependency order.
type app struct {
	cfg      *config.Config
	logger   zerolog.Logger
	db       *state.DB
	ids      *ids.Allocator
	executor *timeout.Executor
	client   *oracle.Client
	engine   *decompose.Engine
	cache    *oracle.Cached
	flows    *workflow.Manager
	pool     *agent.Pool
	service  *orchestrator.Service
	importer *project.Importer
	watcher  *signals.Watcher

	closers []io.Closer

	// heuristic is set when no API key was found and the engine judges
	// locally.
	heuristic bool
}

// newApp builds the object graph: config, logger, storage, allocator,
// executor, oracle, decomposition engine, workflow manager, agent pool,
// coordinator, service.
func newApp(ctx context.Context, opts appOptions) (a *app, err error) {
	a = &app{}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if a.cfg, err = loadConfig(); err != nil {
		return a, err
	}

	level := a.cfg.Log.Level
	if verbose {
		level = "debug"
	}
	logger, logCloser, err := logging.New(logging.Options{
		Level:      level,
		JSON:       a.cfg.Log.JSON,
		File:       a.cfg.Log.File,
		MaxSizeMB:  a.cfg.Log.MaxSizeMB,
		MaxBackups: a.cfg.Log.MaxBackups,
		MaxAgeDays: a.cfg.Log.MaxAgeDays,
	})
	if err != nil {
		return a, fmt.Errorf("build logger: %w", err)
	}
	a.logger = logger
	a.closers = append(a.closers, logCloser)

	if a.db, err = state.Open(a.cfg.Storage.Path); err != nil {
		return a, err
	}
	a.closers = append(a.closers, a.db)
	if err = a.db.Migrate(); err != nil {
		return a, fmt.Errorf("migrate database: %w", err)
	}

	a.ids = ids.New(a.db, ids.WithLogger(a.component("ids")))
	a.executor = timeout.NewExecutor(timeout.WithLogger(a.component("timeout")))

	var decomposer orchestrator.Decomposer
	if opts.Oracle {
		if a.engine, err = a.buildEngine(); err != nil {
			return a, err
		}
		decomposer = a.engine
	}

	a.flows = workflow.NewManager(
		workflow.WithStore(a.db),
		workflow.WithLogger(a.component("workflow")),
	)
	n, err := a.flows.Restore(ctx)
	if err != nil {
		return a, fmt.Errorf("restore workflows: %w", err)
	}
	a.logger.Debug().Int("workflows", n).Msg("restored workflows")

	a.pool = agent.NewPool()
	for _, h := range a.cfg.AgentHandles() {
		if err = a.pool.Register(h); err != nil {
			return a, fmt.Errorf("register agent %s: %w", h.ID, err)
		}
	}

	dispatcher, err := a.buildDispatcher(opts)
	if err != nil {
		return a, err
	}
	coord := orchestrator.NewCoordinator(
		orchestrator.RequiredConfig{Pool: a.pool, Dispatcher: dispatcher},
		orchestrator.WithPolicy(a.cfg.Policy()),
		orchestrator.WithStatusStore(a.db),
		orchestrator.WithTracker(a.flows),
		orchestrator.WithExecutor(a.executor),
		orchestrator.WithLogger(a.component("coordinator")),
	)

	a.service = orchestrator.NewService(orchestrator.ServiceConfig{
		Store:       a.db,
		Decomposer:  decomposer,
		IDs:         a.ids,
		Workflows:   a.flows,
		Coordinator: coord,
		Logger:      a.component("service"),
	})
	a.importer = project.NewImporter(a.db, a.ids, project.WithLogger(a.component("project")))

	if a.cfg.Signals.Enabled {
		a.watcher, err = signals.NewWatcher(a.cfg.Signals.Dir, a.executor,
			signals.WithLogger(a.component("signals")),
			signals.WithRetain(a.cfg.Signals.Retain),
		)
		if err != nil {
			return a, fmt.Errorf("start cancel watcher: %w", err)
		}
		a.closers = append(a.closers, a.watcher)
	}
	return a, nil
}

func (a *app) component(name string) zerolog.Logger {
	return a.logger.With().Str("component", name).Logger()
}

func (a *app) buildEngine() (*decompose.Engine, error) {
	o, err := a.buildOracle()
	if err != nil {
		return nil, err
	}

	logger := a.component("decompose")
	return decompose.NewEngine(o, a.db, a.ids,
		decompose.WithMaxDepth(a.cfg.Decompose.MaxDepth),
		decompose.WithOracleConfig(a.cfg.Decompose.Oracle),
		decompose.WithExecutor(a.executor),
		decompose.WithLogger(logger),
		decompose.WithObserver(func(ev decompose.TaskEvent) {
			logger.Debug().
				Str("task", ev.TaskID).
				Int("depth", ev.Depth).
				Bool("atomic", ev.Atomic).
				Int("children", ev.Children).
				Msg("judged")
		}),
	), nil
}

// buildOracle returns the Claude oracle, or the local heuristic when no API
// key is configured.
func (a *app) buildOracle() (decompose.Oracle, error) {
	key, source, err := config.ResolveAPIKey(a.cfg)
	if errors.Is(err, config.ErrNoAPIKey) {
		a.logger.Warn().Msg("no API key (set ANTHROPIC_API_KEY or anthropic.api_key); judging atomicity with the local heuristic, tasks will not be split")
		a.heuristic = true
		return decompose.HeuristicOracle{}, nil
	}
	if err != nil {
		return nil, err
	}
	if source != config.KeySourceBedrock {
		if err := config.ValidateAPIKey(key); err != nil {
			a.logger.Warn().Err(err).Str("source", string(source)).Msg("API key looks wrong; the API will reject it if so")
		}
	}
	a.logger.Debug().Str("source", string(source)).Str("key", config.MaskAPIKey(key)).Msg("resolved API key")

	a.client, err = oracle.NewClient(oracle.ClientConfig{
		Model:         anthropic.Model(a.cfg.Anthropic.Model),
		APIKey:        key,
		MaxTokens:     int64(a.cfg.Anthropic.MaxTokens),
		UseAWSBedrock: a.cfg.Anthropic.UseBedrock,
		AWSRegion:     a.cfg.Anthropic.AWSRegion,
		AWSProfile:    a.cfg.Anthropic.AWSProfile,
	})
	if err != nil {
		return nil, fmt.Errorf("create oracle client: %w", err)
	}

	var o decompose.Oracle = oracle.NewClaude(a.client, a.component("oracle"))
	if a.cfg.Decompose.CacheSize > 0 {
		if a.cache, err = oracle.NewCached(o, a.cfg.Decompose.CacheSize); err != nil {
			return nil, fmt.Errorf("create oracle cache: %w", err)
		}
		o = a.cache
	}
	return o, nil
}

func (a *app) buildDispatcher(opts appOptions) (agent.Dispatcher, error) {
	if opts.DryRun || !opts.Execute {
		return &agent.DryRunDispatcher{Delay: opts.DryRunDelay}, nil
	}
	var execOpts []agent.ExecOption
	hasCommand := a.cfg.Execution.Command != ""
	for _, ac := range a.cfg.Agents {
		if ac.Command != "" {
			execOpts = append(execOpts, agent.WithAgentCommand(ac.ID, ac.Command))
			hasCommand = true
		}
	}
	if !hasCommand {
		return nil, errNoCommand
	}
	execOpts = append(execOpts,
		agent.WithWorkDir(a.cfg.Execution.WorkDir),
		agent.WithExecLogger(a.component("dispatch")),
	)
	return agent.NewExecDispatcher(exec.NewRunner(), a.cfg.Execution.Command, execOpts...), nil
}

// runWatcher starts the cancel watcher in the background, if enabled.
func (a *app) runWatcher(ctx context.Context) {
	if a.watcher == nil {
		return
	}
	go func() {
		if err := a.watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Warn().Err(err).Msg("cancel watcher stopped")
		}
	}()
}

// Close releases everything newApp opened, in reverse order.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.logger.Warn().Err(err).Msg("close")
		}
	}
	a.closers = nil
}

// errNoCommand is returned when a run needs execution.command.
var errNoCommand = errors.New("execution.command is not set; configure it or pass --dry-run")
