package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ShayCichocki/taskweave/internal/graph"
	"github.com/ShayCichocki/taskweave/internal/guard"
	"github.com/ShayCichocki/taskweave/internal/state"
	"github.com/ShayCichocki/taskweave/internal/workflow"
	"github.com/ShayCichocki/taskweave/pkg/models"
)

// Store is the storage the service reads tasks from and writes rewired
// dependencies to.
type Store interface {
	StatusStore
	GetProject(ctx context.Context, id string) (*models.Project, error)
	GetTask(ctx context.Context, id string) (*models.Task, error)
	ListTasks(ctx context.Context, projectID string) ([]*models.Task, error)
	UpdateTask(ctx context.Context, t *models.Task) error
	ListDependencies(ctx context.Context, projectID string) ([]models.DependencyEdge, error)
	SaveDependency(ctx context.Context, e models.DependencyEdge) error
	DeleteDependency(ctx context.Context, id string) error
}

var _ Store = (*state.DB)(nil)

// Decomposer turns a task into its atomic leaves.
type Decomposer interface {
	Decompose(ctx context.Context, task *models.Task, pctx models.ProjectContext) ([]*models.Task, error)
}

// DependencyIDs allocates dependency identifiers.
type DependencyIDs interface {
	DependencyID(ctx context.Context, projectID, from, to string) (string, error)
}

// DecompositionResult is the outcome of a decomposition workflow.
type DecompositionResult struct {
	WorkflowID string `json:"workflow_id"`
	// Tasks lists the atomic leaves produced from the decomposed roots.
	Tasks []*models.Task `json:"tasks"`
	// Graph covers every executable task of the project after rewiring.
	Graph *graph.Graph `json:"-"`
}

// ServiceConfig contains the service's collaborators.
type ServiceConfig struct {
	Store       Store
	Decomposer  Decomposer
	IDs         DependencyIDs
	Workflows   *workflow.Manager
	Coordinator *Coordinator
	Logger      zerolog.Logger
}

// Service runs decomposition and execution workflows.
type Service struct {
	store     Store
	decomp    Decomposer
	ids       DependencyIDs
	workflows *workflow.Manager
	coord     *Coordinator
	logger    zerolog.Logger
}

// NewService creates a Service.
func NewService(cfg ServiceConfig) *Service {
	return &Service{
		store:     cfg.Store,
		decomp:    cfg.Decomposer,
		ids:       cfg.IDs,
		workflows: cfg.Workflows,
		coord:     cfg.Coordinator,
		logger:    cfg.Logger,
	}
}

// DecomposeTask decomposes one task into atomic leaves in a new workflow.
func (s *Service) DecomposeTask(ctx context.Context, taskID string) (res *DecompositionResult, err error) {
	defer guard.Recover(&err, "orchestrator.DecomposeTask")

	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("load task %s: %w", taskID, err)
	}
	return s.decompose(ctx, task.ProjectID, []*models.Task{task})
}

// DecomposeProject decomposes every unfinished executable task of a project
// in a new workflow.
func (s *Service) DecomposeProject(ctx context.Context, projectID string) (res *DecompositionResult, err error) {
	defer guard.Recover(&err, "orchestrator.DecomposeProject")

	tasks, err := s.executable(ctx, projectID)
	if err != nil {
		return nil, err
	}
	var roots []*models.Task
	for _, t := range tasks {
		if t.Status != models.TaskStatusDone {
			roots = append(roots, t)
		}
	}
	if len(roots) == 0 {
		return nil, fmt.Errorf("%w: project %s has no unfinished tasks", ErrNoTasks, projectID)
	}
	return s.decompose(ctx, projectID, roots)
}

func (s *Service) decompose(ctx context.Context, projectID string, roots []*models.Task) (*DecompositionResult, error) {
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("load project %s: %w", projectID, err)
	}

	wf := uuid.NewString()
	log := s.logger.With().Str("workflow", wf).Str("project", projectID).Logger()
	if _, err := s.workflows.Initialize(ctx, wf, "", projectID); err != nil {
		return nil, err
	}
	if err := s.enter(ctx, wf, workflow.PhaseInitialization); err != nil {
		return nil, err
	}
	if err := s.workflows.Transition(ctx, wf, workflow.PhaseInitialization, workflow.StateCompleted); err != nil {
		return nil, err
	}
	if err := s.enter(ctx, wf, workflow.PhaseDecomposition); err != nil {
		return nil, err
	}

	res := &DecompositionResult{WorkflowID: wf}
	split := make(map[string][]string)
	for _, root := range roots {
		name := SubPhaseName(root.ID)
		s.subPhase(ctx, wf, workflow.PhaseDecomposition, name, 0, workflow.StateInProgress, nil)

		leaves, err := s.decomp.Decompose(ctx, root, project.Context)
		if err != nil {
			s.subPhase(ctx, wf, workflow.PhaseDecomposition, name, 0, workflow.StateFailed, map[string]any{"error": err.Error()})
			return res, s.abort(ctx, wf, workflow.PhaseDecomposition, fmt.Errorf("decompose %s: %w", root.ID, err))
		}
		ids := make([]string, 0, len(leaves))
		for _, l := range leaves {
			ids = append(ids, l.ID)
		}
		if len(leaves) != 1 || leaves[0].ID != root.ID {
			split[root.ID] = ids
		}
		res.Tasks = append(res.Tasks, leaves...)
		s.subPhase(ctx, wf, workflow.PhaseDecomposition, name, 100, workflow.StateCompleted, map[string]any{"leaves": ids})
		log.Debug().Str("task", root.ID).Int("leaves", len(leaves)).Msg("task decomposed")
	}

	if len(split) > 0 {
		if err := s.rewire(ctx, projectID, split); err != nil {
			return res, s.abort(ctx, wf, workflow.PhaseDecomposition, err)
		}
	}

	g, err := s.Graph(ctx, projectID)
	if err != nil {
		return res, s.abort(ctx, wf, workflow.PhaseDecomposition, fmt.Errorf("validate graph: %w", err))
	}
	res.Graph = g
	if err := s.workflows.Transition(ctx, wf, workflow.PhaseDecomposition, workflow.StateCompleted); err != nil {
		return res, err
	}
	log.Info().Int("roots", len(roots)).Int("leaves", len(res.Tasks)).Int("executable", g.Size()).Msg("decomposition completed")
	return res, nil
}

// rewire replaces every reference to a decomposed task with references to
// its leaves, both in task dependency lists and in stored edges.
func (s *Service) rewire(ctx context.Context, projectID string, split map[string][]string) error {
	expand := func(id string) []string {
		if leaves, ok := split[id]; ok {
			return leaves
		}
		return []string{id}
	}

	tasks, err := s.executable(ctx, projectID)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		var deps []string
		changed := false
		for _, d := range t.Dependencies {
			if _, ok := split[d]; ok {
				changed = true
			}
			for _, x := range expand(d) {
				if x != t.ID && !slices.Contains(deps, x) {
					deps = append(deps, x)
				}
			}
		}
		if !changed {
			continue
		}
		t.Dependencies = deps
		if err := s.store.UpdateTask(ctx, t); err != nil {
			return fmt.Errorf("rewire task %s: %w", t.ID, err)
		}
	}

	edges, err := s.store.ListDependencies(ctx, projectID)
	if err != nil {
		return fmt.Errorf("list dependencies: %w", err)
	}
	have := make(map[[2]string]bool, len(edges))
	for _, e := range edges {
		have[[2]string{e.From, e.To}] = true
	}
	for _, e := range edges {
		_, fromSplit := split[e.From]
		_, toSplit := split[e.To]
		if !fromSplit && !toSplit {
			continue
		}
		if err := s.store.DeleteDependency(ctx, e.ID); err != nil {
			return fmt.Errorf("remove dependency %s: %w", e.ID, err)
		}
		for _, from := range expand(e.From) {
			for _, to := range expand(e.To) {
				key := [2]string{from, to}
				if from == to || have[key] {
					continue
				}
				id, err := s.ids.DependencyID(ctx, projectID, from, to)
				if err != nil {
					return err
				}
				ne := e
				ne.ID, ne.From, ne.To = id, from, to
				if err := s.store.SaveDependency(ctx, ne); err != nil {
					return fmt.Errorf("save dependency %s: %w", id, err)
				}
				have[key] = true
			}
		}
	}
	return nil
}

// Execute runs tasks in workflowID, whose Decomposition phase must have
// completed. An empty workflowID starts a new workflow with decomposition
// skipped. Task failures are reported in the Report; the Completion phase
// fails when any task failed or was blocked.
func (s *Service) Execute(ctx context.Context, workflowID string, tasks []*models.Task) (rep *Report, err error) {
	defer guard.Recover(&err, "orchestrator.Execute")

	if len(tasks) == 0 {
		return nil, ErrNoTasks
	}
	projectID := tasks[0].ProjectID
	if workflowID == "" {
		if workflowID, err = s.skipDecomposition(ctx, projectID); err != nil {
			return nil, err
		}
	} else {
		rec, err := s.workflows.Status(workflowID)
		if err != nil {
			return nil, err
		}
		if pr := rec.Phase(workflow.PhaseDecomposition); pr == nil || pr.State != workflow.StateCompleted {
			return nil, fmt.Errorf("%w: workflow %s", ErrDecompositionIncomplete, workflowID)
		}
	}

	g, err := s.subgraph(ctx, projectID, tasks)
	if err != nil {
		return nil, err
	}
	if err := s.enter(ctx, workflowID, workflow.PhaseExecution); err != nil {
		return nil, err
	}

	rep, err = s.coord.Run(ctx, workflowID, g)
	if err != nil {
		return rep, s.abort(ctx, workflowID, workflow.PhaseExecution, err)
	}
	// A critical failure that halted dependents fails Execution itself and
	// the workflow ends there.
	if len(rep.Blocked) > 0 {
		if err := s.workflows.Transition(ctx, workflowID, workflow.PhaseExecution, workflow.StateFailed); err != nil {
			return rep, err
		}
		return rep, nil
	}
	if err := s.workflows.Transition(ctx, workflowID, workflow.PhaseExecution, workflow.StateCompleted); err != nil {
		return rep, err
	}
	final := workflow.StateCompleted
	if !rep.Succeeded() {
		final = workflow.StateFailed
	}
	if err := s.enter(ctx, workflowID, workflow.PhaseCompletion); err != nil {
		return rep, err
	}
	if err := s.workflows.Transition(ctx, workflowID, workflow.PhaseCompletion, final); err != nil {
		return rep, err
	}
	return rep, nil
}

// ExecuteProject runs every executable task of a project.
func (s *Service) ExecuteProject(ctx context.Context, workflowID, projectID string) (*Report, error) {
	tasks, err := s.executable(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return s.Execute(ctx, workflowID, tasks)
}

// GetWorkflowStatus returns a copy of a workflow record.
func (s *Service) GetWorkflowStatus(workflowID string) (*workflow.Record, error) {
	return s.workflows.Status(workflowID)
}

// Graph builds the dependency graph over a project's executable tasks.
func (s *Service) Graph(ctx context.Context, projectID string) (*graph.Graph, error) {
	tasks, err := s.executable(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return s.subgraph(ctx, projectID, tasks)
}

// executable returns the project's tasks that were not decomposed.
func (s *Service) executable(ctx context.Context, projectID string) ([]*models.Task, error) {
	all, err := s.store.ListTasks(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("list tasks of %s: %w", projectID, err)
	}
	parents := make(map[string]bool)
	for _, t := range all {
		if t.ParentID != "" {
			parents[t.ParentID] = true
		}
	}
	tasks := make([]*models.Task, 0, len(all))
	for _, t := range all {
		if !parents[t.ID] {
			tasks = append(tasks, t)
		}
	}
	return tasks, nil
}

// subgraph builds a graph over tasks. Dependencies on tasks outside the set
// are dropped.
func (s *Service) subgraph(ctx context.Context, projectID string, tasks []*models.Task) (*graph.Graph, error) {
	in := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		in[t.ID] = true
	}
	edges, err := s.store.ListDependencies(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("list dependencies: %w", err)
	}
	kept := edges[:0]
	for _, e := range edges {
		if in[e.From] && in[e.To] {
			kept = append(kept, e)
		}
	}
	nodes := make([]*models.Task, 0, len(tasks))
	for _, t := range tasks {
		c := t.Clone()
		c.Dependencies = slices.DeleteFunc(c.Dependencies, func(d string) bool {
			if !in[d] {
				s.logger.Debug().Str("task", t.ID).Str("dependency", d).Msg("dependency outside run dropped")
				return true
			}
			return false
		})
		nodes = append(nodes, c)
	}
	return graph.Build(nodes, kept)
}

func (s *Service) skipDecomposition(ctx context.Context, projectID string) (string, error) {
	wf := uuid.NewString()
	if _, err := s.workflows.Initialize(ctx, wf, "", projectID); err != nil {
		return "", err
	}
	for _, p := range []workflow.Phase{workflow.PhaseInitialization, workflow.PhaseDecomposition} {
		if err := s.enter(ctx, wf, p); err != nil {
			return "", err
		}
		if err := s.workflows.Transition(ctx, wf, p, workflow.StateCompleted); err != nil {
			return "", err
		}
	}
	return wf, nil
}

// enter moves phase to in_progress, creating it when needed.
func (s *Service) enter(ctx context.Context, wf string, phase workflow.Phase) error {
	return s.workflows.Transition(ctx, wf, phase, workflow.StateInProgress)
}

// abort fails phase and returns cause. The phase is failed even when ctx
// was cancelled.
func (s *Service) abort(ctx context.Context, wf string, phase workflow.Phase, cause error) error {
	if err := s.workflows.Transition(context.WithoutCancel(ctx), wf, phase, workflow.StateFailed); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

func (s *Service) subPhase(ctx context.Context, wf string, phase workflow.Phase, name string, percent float64, st workflow.State, md map[string]any) {
	opts := []workflow.SubPhaseOption{workflow.WithState(st)}
	if md != nil {
		opts = append(opts, workflow.WithMetadata(md))
	}
	if err := s.workflows.UpdateSubPhase(context.WithoutCancel(ctx), wf, phase, name, percent, opts...); err != nil {
		s.logger.Debug().Err(err).Str("workflow", wf).Str("sub_phase", name).Msg("record sub-phase")
	}
}
