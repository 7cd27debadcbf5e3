package decompose

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ShayCichocki/taskweave/internal/guard"
	"github.com/ShayCichocki/taskweave/internal/state"
	"github.com/ShayCichocki/taskweave/internal/timeout"
	"github.com/ShayCichocki/taskweave/pkg/models"
)

var (
	// ErrUnknownCandidateDependency indicates a candidate depends on a title
	// that none of its siblings carry.
	ErrUnknownCandidateDependency = errors.New("candidate depends on unknown sibling")
	// ErrCandidateCycle means proposed siblings depend on each other in a loop.
	ErrCandidateCycle = errors.New("candidate dependencies form a cycle")
	// ErrWriteConflict indicates every re-allocated id collided at write time.
	ErrWriteConflict = errors.New("write conflicts exhausted")
)

const (
	// DefaultMaxDepth bounds recursion when no depth is configured.
	DefaultMaxDepth = 3
	// maxWriteConflicts is how many times an id is re-allocated after a
	// write-time collision.
	maxWriteConflicts = 5
)

// Store persists tasks and edges produced by decomposition.
type Store interface {
	SaveTask(ctx context.Context, t *models.Task) error
	UpdateTask(ctx context.Context, t *models.Task) error
	SaveDependency(ctx context.Context, e models.DependencyEdge) error
}

// IDAllocator allocates task and dependency ids.
type IDAllocator interface {
	TaskID(ctx context.Context, projectID, epicID string) (string, error)
	DependencyID(ctx context.Context, projectID, from, to string) (string, error)
}

// Stats counts engine activity since construction.
type Stats struct {
	OracleCalls    int64 `json:"oracle_calls"`
	Fallbacks      int64 `json:"fallbacks"`
	ForcedAccepts  int64 `json:"forced_accepts"`
	TasksCreated   int64 `json:"tasks_created"`
	EdgesCreated   int64 `json:"edges_created"`
	ProposalErrors int64 `json:"proposal_errors"`
}

// TaskEvent reports one decomposition step.
type TaskEvent struct {
	TaskID   string
	ParentID string
	// Depth is the remaining depth budget when the task was judged.
	Depth    int
	Atomic   bool
	Children int
}

// Engine splits tasks until every leaf is atomic or the depth budget runs out.
type Engine struct {
	oracle    Oracle
	store     Store
	ids       IDAllocator
	exec      *timeout.Executor
	scorer    HeuristicScorer
	maxDepth  int
	oracleCfg timeout.Config
	observer  func(TaskEvent)
	now       func() time.Time
	logger    zerolog.Logger

	oracleCalls    atomic.Int64
	fallbacks      atomic.Int64
	forcedAccepts  atomic.Int64
	tasksCreated   atomic.Int64
	edgesCreated   atomic.Int64
	proposalErrors atomic.Int64
}

// Option configures an Engine.
type Option func(*Engine)

// WithMaxDepth sets the recursion budget. Values below 1 are ignored.
func WithMaxDepth(n int) Option {
	return func(e *Engine) {
		if n >= 1 {
			e.maxDepth = n
		}
	}
}

// WithOracleConfig sets the timeout policy for each oracle call.
func WithOracleConfig(cfg timeout.Config) Option {
	return func(e *Engine) { e.oracleCfg = cfg }
}

// WithExecutor runs oracle calls on a shared executor so they can be
// cancelled out of band.
func WithExecutor(x *timeout.Executor) Option {
	return func(e *Engine) { e.exec = x }
}

// WithObserver receives an event per judged task.
func WithObserver(fn func(TaskEvent)) Option {
	return func(e *Engine) { e.observer = fn }
}

// WithLogger sets the engine's logger.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// NewEngine creates an Engine.
func NewEngine(oracle Oracle, store Store, ids IDAllocator, opts ...Option) *Engine {
	e := &Engine{
		oracle:    oracle,
		store:     store,
		ids:       ids,
		maxDepth:  DefaultMaxDepth,
		oracleCfg: timeout.DefaultConfig(),
		now:       time.Now,
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.exec == nil {
		e.exec = timeout.NewExecutor(timeout.WithLogger(e.logger))
	}
	return e
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() Stats {
	return Stats{
		OracleCalls:    e.oracleCalls.Load(),
		Fallbacks:      e.fallbacks.Load(),
		ForcedAccepts:  e.forcedAccepts.Load(),
		TasksCreated:   e.tasksCreated.Load(),
		EdgesCreated:   e.edgesCreated.Load(),
		ProposalErrors: e.proposalErrors.Load(),
	}
}

// Decompose returns the atomic leaves of task. An atomic task is returned
// as is. Every created subtask and sibling edge is saved before Decompose
// returns.
func (e *Engine) Decompose(ctx context.Context, task *models.Task, pctx models.ProjectContext) (leaves []*models.Task, err error) {
	defer guard.Recover(&err, "decompose.Decompose")
	if task == nil {
		return nil, errors.New("decompose: nil task")
	}
	return e.decompose(ctx, task, pctx, e.maxDepth)
}

func (e *Engine) decompose(ctx context.Context, task *models.Task, pctx models.ProjectContext, depth int) ([]*models.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	log := e.logger.With().Str("task", task.ID).Int("depth", depth).Logger()

	if depth <= 0 {
		e.forcedAccepts.Add(1)
		log.Warn().Str("title", task.Title).Msg("depth budget exhausted, accepting task as atomic")
		e.notify(TaskEvent{TaskID: task.ID, ParentID: task.ParentID, Depth: depth, Atomic: true})
		return []*models.Task{task}, nil
	}

	judgment, err := e.judge(ctx, task, pctx)
	if err != nil {
		return nil, err
	}
	if judgment.IsAtomic {
		log.Debug().Float64("confidence", judgment.Confidence).Msg("task is atomic")
		e.notify(TaskEvent{TaskID: task.ID, ParentID: task.ParentID, Depth: depth, Atomic: true})
		return []*models.Task{task}, nil
	}

	cands, err := e.propose(ctx, task, pctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		e.proposalErrors.Add(1)
		log.Warn().Err(err).Msg("decomposition proposal failed, keeping task atomic")
		e.notify(TaskEvent{TaskID: task.ID, ParentID: task.ParentID, Depth: depth, Atomic: true})
		return []*models.Task{task}, nil
	}
	cands = sanitize(cands)
	if len(cands) == 0 {
		log.Debug().Msg("no candidates proposed, keeping task atomic")
		e.notify(TaskEvent{TaskID: task.ID, ParentID: task.ParentID, Depth: depth, Atomic: true})
		return []*models.Task{task}, nil
	}
	if err := checkSiblingRefs(cands); err != nil {
		return nil, fmt.Errorf("decompose %s: %w", task.ID, err)
	}

	children := make([]*models.Task, len(cands))
	byTitle := make(map[string]*models.Task, len(cands))
	created := e.now()
	for i, c := range cands {
		child := newChild(task, c, created)
		if err := e.saveTask(ctx, child); err != nil {
			return nil, fmt.Errorf("save subtask %q of %s: %w", c.Title, task.ID, err)
		}
		e.tasksCreated.Add(1)
		children[i] = child
		byTitle[c.Title] = child
	}
	log.Info().Int("children", len(children)).Msg("task decomposed")
	e.notify(TaskEvent{TaskID: task.ID, ParentID: task.ParentID, Depth: depth, Children: len(children)})

	leavesOf := make(map[string][]*models.Task, len(children))
	var leaves []*models.Task
	for _, child := range children {
		sub, err := e.decompose(ctx, child, pctx, depth-1)
		if err != nil {
			return nil, err
		}
		leavesOf[child.ID] = sub
		leaves = append(leaves, sub...)
	}

	// Sibling edges connect leaves: depending on a decomposed child means
	// depending on every one of its leaves.
	for i, c := range cands {
		dependent := children[i]
		for _, title := range c.DependsOn {
			prereq := byTitle[title]
			for _, to := range leavesOf[dependent.ID] {
				changed := false
				for _, from := range leavesOf[prereq.ID] {
					if from.ID == to.ID || to.DependsOn(from.ID) {
						continue
					}
					if err := e.saveEdge(ctx, task.ProjectID, from.ID, to.ID, title); err != nil {
						return nil, fmt.Errorf("save edge %s -> %s: %w", from.ID, to.ID, err)
					}
					e.edgesCreated.Add(1)
					to.Dependencies = append(to.Dependencies, from.ID)
					changed = true
				}
				if changed {
					if err := e.store.UpdateTask(ctx, to); err != nil {
						return nil, fmt.Errorf("update dependencies of %s: %w", to.ID, err)
					}
				}
			}
		}
	}
	return leaves, nil
}

// judge asks the oracle, falling back to the heuristic scorer when the
// call does not succeed. Only cancellation is returned as an error.
func (e *Engine) judge(ctx context.Context, task *models.Task, pctx models.ProjectContext) (Judgment, error) {
	e.oracleCalls.Add(1)
	res := timeout.Execute(ctx, e.exec, opID("judge", task.ID),
		func(ctx context.Context, _ timeout.ProgressFunc) (Judgment, error) {
			return e.oracle.JudgeAtomicity(ctx, task, pctx)
		}, e.oracleCfg, nil)
	if res.OK() {
		return res.Value, nil
	}
	if res.Status == timeout.StatusCancelled && ctx.Err() != nil {
		return Judgment{}, ctx.Err()
	}
	e.fallbacks.Add(1)
	j := e.scorer.Score(task, pctx)
	e.logger.Warn().
		Str("task", task.ID).
		Str("status", string(res.Status)).
		AnErr("oracle_err", res.Err).
		Bool("atomic", j.IsAtomic).
		Msg("atomicity oracle unavailable, using heuristic")
	return j, nil
}

func (e *Engine) propose(ctx context.Context, task *models.Task, pctx models.ProjectContext) ([]Candidate, error) {
	e.oracleCalls.Add(1)
	res := timeout.Execute(ctx, e.exec, opID("propose", task.ID),
		func(ctx context.Context, _ timeout.ProgressFunc) ([]Candidate, error) {
			return e.oracle.ProposeDecomposition(ctx, task, pctx)
		}, e.oracleCfg, nil)
	if !res.OK() {
		if res.Err == nil {
			return nil, fmt.Errorf("proposal %s", res.Status)
		}
		return nil, res.Err
	}
	return res.Value, nil
}

// saveTask allocates an id for t and saves it, allocating again when the
// write collides with a concurrent allocation.
func (e *Engine) saveTask(ctx context.Context, t *models.Task) error {
	for range maxWriteConflicts {
		id, err := e.ids.TaskID(ctx, t.ProjectID, t.EpicID)
		if err != nil {
			return err
		}
		t.ID = id
		err = e.store.SaveTask(ctx, t)
		if err == nil {
			return nil
		}
		if !errors.Is(err, state.ErrAlreadyExists) {
			return err
		}
		e.logger.Debug().Str("id", id).Msg("task id collided at write, reallocating")
	}
	return fmt.Errorf("%w: task under %s", ErrWriteConflict, t.ParentID)
}

func (e *Engine) saveEdge(ctx context.Context, projectID, from, to, title string) error {
	for range maxWriteConflicts {
		id, err := e.ids.DependencyID(ctx, projectID, from, to)
		if err != nil {
			return err
		}
		err = e.store.SaveDependency(ctx, models.DependencyEdge{
			ID:          id,
			ProjectID:   projectID,
			From:        from,
			To:          to,
			Kind:        models.DependencyBlocks,
			Description: "depends on " + title,
		})
		if err == nil {
			return nil
		}
		if !errors.Is(err, state.ErrAlreadyExists) {
			return err
		}
		e.logger.Debug().Str("id", id).Msg("dependency id collided at write, reallocating")
	}
	return fmt.Errorf("%w: edge %s -> %s", ErrWriteConflict, from, to)
}

func (e *Engine) notify(ev TaskEvent) {
	if e.observer != nil {
		e.observer(ev)
	}
}

// checkSiblingRefs verifies every DependsOn title names another sibling
// and that sibling dependencies are acyclic.
func checkSiblingRefs(cands []Candidate) error {
	deps := make(map[string][]string, len(cands))
	for _, c := range cands {
		deps[c.Title] = c.DependsOn
	}
	for _, c := range cands {
		for _, dep := range c.DependsOn {
			if _, ok := deps[dep]; !ok {
				return fmt.Errorf("%w: %q depends on %q", ErrUnknownCandidateDependency, c.Title, dep)
			}
			if dep == c.Title {
				return fmt.Errorf("%w: %q depends on itself", ErrCandidateCycle, c.Title)
			}
		}
	}

	const (
		unvisited = iota
		visiting
		visited
	)
	mark := make(map[string]int, len(cands))
	var visit func(title string) error
	visit = func(title string) error {
		switch mark[title] {
		case visiting:
			return fmt.Errorf("%w: through %q", ErrCandidateCycle, title)
		case visited:
			return nil
		}
		mark[title] = visiting
		for _, dep := range deps[title] {
			if err := visit(dep); err != nil {
				return err
			}
		}
		mark[title] = visited
		return nil
	}
	for _, c := range cands {
		if err := visit(c.Title); err != nil {
			return err
		}
	}
	return nil
}

// newChild builds an unsaved subtask of parent from a candidate.
func newChild(parent *models.Task, c Candidate, created time.Time) *models.Task {
	tags := slices.Clone(parent.Tags)
	for _, t := range c.Tags {
		if !slices.Contains(tags, t) {
			tags = append(tags, t)
		}
	}
	return &models.Task{
		ParentID:           parent.ID,
		Title:              c.Title,
		Description:        c.Description,
		AcceptanceCriteria: slices.Clone([]string(c.AcceptanceCriteria)),
		Priority:           models.Priority(c.Priority),
		Type:               models.TaskType(c.Type),
		EstimatedHours:     c.EstimatedHours,
		ProjectID:          parent.ProjectID,
		EpicID:             parent.EpicID,
		Dependencies:       slices.Clone(parent.Dependencies),
		Status:             models.TaskStatusPending,
		Tags:               tags,
		CreatedAt:          created,
	}
}

// opID names an oracle call uniquely so concurrent decompositions of the
// same task do not collide in the executor.
func opID(kind, taskID string) string {
	return "oracle:" + kind + ":" + taskID + ":" + uuid.NewString()[:8]
}
