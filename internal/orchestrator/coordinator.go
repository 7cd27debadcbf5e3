// Package orchestrator executes validated task graphs on the agent pool and
// exposes the decomposition and execution service.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/ShayCichocki/taskweave/internal/agent"
	"github.com/ShayCichocki/taskweave/internal/graph"
	"github.com/ShayCichocki/taskweave/internal/orchestrator/policy"
	"github.com/ShayCichocki/taskweave/internal/timeout"
	"github.com/ShayCichocki/taskweave/internal/workflow"
	"github.com/ShayCichocki/taskweave/pkg/models"
)

// StatusStore persists task status changes made during a run.
type StatusStore interface {
	UpdateTaskStatus(ctx context.Context, id string, status models.TaskStatus, errMsg string) error
}

// Tracker records per-task progress in a workflow and reclaims old records.
type Tracker interface {
	UpdateSubPhase(ctx context.Context, workflowID string, phase workflow.Phase, name string, percent float64, opts ...workflow.SubPhaseOption) error
	Reclaim(ctx context.Context, cutoff time.Time) ([]string, error)
}

var _ Tracker = (*workflow.Manager)(nil)

// Report summarizes one run. Id lists are in completion order.
type Report struct {
	WorkflowID string            `json:"workflow_id"`
	Done       []string          `json:"done"`
	Failed     []string          `json:"failed"`
	Blocked    []string          `json:"blocked"`
	Partial    []string          `json:"partial"`
	Errors     map[string]string `json:"errors,omitempty"`
	Elapsed    time.Duration     `json:"elapsed"`
}

// Succeeded reports whether every task finished.
func (r *Report) Succeeded() bool {
	return len(r.Failed) == 0 && len(r.Blocked) == 0
}

// SubPhaseName is the Execution sub-phase that tracks one task.
func SubPhaseName(taskID string) string {
	return "task:" + taskID
}

// OperationID is the executor id of a task dispatch. Cancelling it through
// the executor cancels the dispatch.
func OperationID(workflowID, taskID string) string {
	if workflowID == "" {
		return "task." + taskID
	}
	return workflowID + "." + taskID
}

// RequiredConfig contains the collaborators a Coordinator cannot run without.
type RequiredConfig struct {
	Pool       *agent.Pool
	Dispatcher agent.Dispatcher
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithPolicy sets the policy configuration.
func WithPolicy(p *policy.Config) Option {
	return func(c *Coordinator) { c.policy = p }
}

// WithStatusStore persists task status changes.
func WithStatusStore(s StatusStore) Option {
	return func(c *Coordinator) { c.store = s }
}

// WithTracker records progress in workflow records.
func WithTracker(t Tracker) Option {
	return func(c *Coordinator) { c.tracker = t }
}

// WithExecutor runs dispatches on a shared executor.
func WithExecutor(x *timeout.Executor) Option {
	return func(c *Coordinator) { c.exec = x }
}

// WithLogger sets the coordinator's logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithClock overrides the time source used for retention.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// Coordinator runs task graphs. One Coordinator may serve several runs at
// once; each Run owns its own queue.
type Coordinator struct {
	pool       *agent.Pool
	dispatcher agent.Dispatcher
	policy     *policy.Config
	store      StatusStore
	tracker    Tracker
	exec       *timeout.Executor
	now        func() time.Time
	logger     zerolog.Logger
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(req RequiredConfig, opts ...Option) *Coordinator {
	c := &Coordinator{
		pool:       req.Pool,
		dispatcher: req.Dispatcher,
		now:        time.Now,
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.policy = c.policy.Normalize()
	if c.exec == nil {
		c.exec = timeout.NewExecutor(timeout.WithLogger(c.logger))
	}
	return c
}

// Executor returns the executor dispatches run on.
func (c *Coordinator) Executor() *timeout.Executor {
	return c.exec
}

// outcome is the result of one dispatch, delivered to the run loop.
type outcome struct {
	task    *models.Task
	agentID string
	status  timeout.Status
	err     error
	retries int
	last    timeout.Progress
}

// run is the state of one Run call. It is owned by the loop goroutine.
type run struct {
	wf       string
	g        *graph.Graph
	status   map[string]models.TaskStatus
	indegree map[string]int
	ready    graph.ReadyQueue
	report   *Report
	log      zerolog.Logger
}

// Run executes every task in g. Tasks already done are skipped and release
// their dependents. Run returns when no task can make progress; task
// failures are reported in the Report, not as an error. Cancelling ctx
// stops dispatching, cancels in-flight work and resets it to pending.
func (c *Coordinator) Run(ctx context.Context, workflowID string, g *graph.Graph) (*Report, error) {
	if g == nil {
		return nil, errors.New("orchestrator: nil graph")
	}
	start := time.Now()
	r := &run{
		wf:       workflowID,
		g:        g,
		status:   make(map[string]models.TaskStatus, g.Size()),
		indegree: make(map[string]int, g.Size()),
		report:   &Report{WorkflowID: workflowID, Errors: map[string]string{}},
		log:      c.logger.With().Str("workflow", workflowID).Logger(),
	}
	for _, t := range g.Tasks() {
		r.status[t.ID] = models.TaskStatusPending
		r.indegree[t.ID] = g.InDegree(t.ID)
	}
	for _, t := range g.Tasks() {
		if t.Status == models.TaskStatusDone {
			r.status[t.ID] = models.TaskStatusDone
			r.report.Done = append(r.report.Done, t.ID)
			r.release(t.ID)
		}
	}
	for _, t := range g.Tasks() {
		if r.status[t.ID] == models.TaskStatusPending && r.indegree[t.ID] == 0 {
			r.ready.Push(t)
		}
	}
	r.log.Info().Int("tasks", g.Size()).Int("ready", r.ready.Len()).Msg("run started")

	sem := semaphore.NewWeighted(int64(c.policy.Scheduling.MaxConcurrency))
	var eg errgroup.Group
	results := make(chan outcome, g.Size())
	ticker := time.NewTicker(c.policy.Loop.TickInterval)
	defer ticker.Stop()

	inflight := 0
	for {
		inflight += c.dispatchReady(ctx, r, sem, &eg, results, inflight)
		if inflight == 0 && r.ready.Len() == 0 {
			break
		}

		select {
		case <-ctx.Done():
			c.drain(ctx, r, &eg, results)
			r.report.Elapsed = time.Since(start)
			return r.report, ctx.Err()
		case res := <-results:
			inflight--
			sem.Release(1)
			c.settle(ctx, r, res)
		case <-ticker.C:
			c.reclaim(ctx, r)
		}
	}

	_ = eg.Wait()
	r.report.Elapsed = time.Since(start)
	r.log.Info().
		Int("done", len(r.report.Done)).
		Int("failed", len(r.report.Failed)).
		Int("blocked", len(r.report.Blocked)).
		Dur("elapsed", r.report.Elapsed).
		Msg("run finished")
	return r.report, nil
}

// dispatchReady starts as many ready tasks as the ceiling and the pool
// allow. Tasks no agent could ever run fail once nothing is in flight;
// tasks waiting on busy agents stay queued. Returns the number started.
func (c *Coordinator) dispatchReady(ctx context.Context, r *run, sem *semaphore.Weighted, eg *errgroup.Group, results chan<- outcome, inflight int) int {
	started := 0
	var waiting []*models.Task
	for r.ready.Len() > 0 {
		if !sem.TryAcquire(1) {
			break
		}
		task := r.ready.Pop()
		h, err := c.pool.AcquireLeastLoaded(task.RequiredCapabilities())
		if err != nil {
			sem.Release(1)
			if errors.Is(err, agent.ErrNoCapableAgent) && inflight+started == 0 {
				c.fail(ctx, r, task, fmt.Errorf("%w: %s requires %v", ErrNoCapableAgent, task.ID, task.RequiredCapabilities()), timeout.Progress{})
				continue
			}
			waiting = append(waiting, task)
			continue
		}

		started++
		r.status[task.ID] = models.TaskStatusInProgress
		c.persist(ctx, r, task.ID, models.TaskStatusInProgress, "")
		c.track(ctx, r, task.ID, 0,
			workflow.WithState(workflow.StateInProgress),
			workflow.WithMetadata(map[string]any{"agent": h.ID}))
		r.log.Debug().Str("task", task.ID).Str("agent", h.ID).Msg("task dispatched")

		eg.Go(func() error {
			results <- c.dispatch(ctx, r.wf, h, task)
			return nil
		})
	}
	for _, t := range waiting {
		r.ready.Push(t)
	}
	return started
}

// dispatch runs one task through the executor and releases the agent slot.
func (c *Coordinator) dispatch(ctx context.Context, workflowID string, h agent.Handle, task *models.Task) outcome {
	defer c.pool.Release(h.ID)

	// resolved is set once Execute returns; later reports from a dispatch
	// that ignored its context must not touch the sub-phase settle writes.
	var (
		mu       sync.Mutex
		resolved bool
	)
	op := func(ctx context.Context, report timeout.ProgressFunc) (struct{}, error) {
		forward := func(p timeout.Progress) {
			report(p)
			mu.Lock()
			defer mu.Unlock()
			if resolved || ctx.Err() != nil {
				return
			}
			if c.tracker != nil && workflowID != "" && p.Total > 0 {
				_ = c.tracker.UpdateSubPhase(ctx, workflowID, workflow.PhaseExecution, SubPhaseName(task.ID),
					p.Fraction()*100, workflow.WithState(workflow.StateInProgress))
			}
		}
		return struct{}{}, c.dispatcher.Dispatch(ctx, h, task, forward)
	}
	accept := func(timeout.Progress) (struct{}, bool) { return struct{}{}, true }

	res := timeout.Execute(ctx, c.exec, OperationID(workflowID, task.ID), op, c.policy.Dispatch, accept)
	mu.Lock()
	resolved = true
	mu.Unlock()
	return outcome{
		task:    task,
		agentID: h.ID,
		status:  res.Status,
		err:     res.Err,
		retries: res.RetryCount,
		last:    res.LastProgress,
	}
}

// settle applies a dispatch outcome to the run.
func (c *Coordinator) settle(ctx context.Context, r *run, res outcome) {
	id := res.task.ID
	log := r.log.With().Str("task", id).Str("agent", res.agentID).Int("retries", res.retries).Logger()
	switch res.status {
	case timeout.StatusSuccess, timeout.StatusPartial:
		r.status[id] = models.TaskStatusDone
		r.report.Done = append(r.report.Done, id)
		md := map[string]any{"agent": res.agentID, "retries": res.retries}
		if res.status == timeout.StatusPartial {
			r.report.Partial = append(r.report.Partial, id)
			md["partial"] = true
		}
		c.persist(ctx, r, id, models.TaskStatusDone, "")
		c.track(ctx, r, id, 100, workflow.WithState(workflow.StateCompleted), workflow.WithMetadata(md))
		log.Info().Str("status", string(res.status)).Msg("task done")
		c.releaseReady(r, id)
	default:
		err := res.err
		if err == nil {
			err = fmt.Errorf("dispatch %s", res.status)
		}
		log.Warn().Err(err).Str("status", string(res.status)).Msg("task failed")
		c.fail(ctx, r, res.task, err, res.last)
	}
}

// fail marks task failed and either blocks or releases its dependents.
func (c *Coordinator) fail(ctx context.Context, r *run, task *models.Task, err error, last timeout.Progress) {
	id := task.ID
	r.status[id] = models.TaskStatusFailed
	r.report.Failed = append(r.report.Failed, id)
	r.report.Errors[id] = err.Error()
	c.persist(ctx, r, id, models.TaskStatusFailed, err.Error())

	critical := c.policy.IsCritical(task, r.g.OnCriticalPath(id))
	c.track(ctx, r, id, last.Fraction()*100,
		workflow.WithState(workflow.StateFailed),
		workflow.WithMetadata(map[string]any{"error": err.Error(), "critical": critical}))

	if !critical {
		r.log.Info().Str("task", id).Msg("non-critical failure, releasing dependents")
		c.releaseReady(r, id)
		return
	}
	for _, d := range r.g.Descendants(id) {
		if r.status[d] != models.TaskStatusPending {
			continue
		}
		r.status[d] = models.TaskStatusBlocked
		r.report.Blocked = append(r.report.Blocked, d)
		c.persist(ctx, r, d, models.TaskStatusBlocked, "blocked by "+id)
		c.track(ctx, r, d, 0,
			workflow.WithState(workflow.StatePending),
			workflow.WithMetadata(map[string]any{"blocked_by": id}))
	}
	r.log.Warn().Str("task", id).Int("blocked", len(r.report.Blocked)).Msg("critical failure, dependents blocked")
}

// release decrements the indegree of id's dependents.
func (r *run) release(id string) []string {
	var freed []string
	for _, d := range r.g.Dependents(id) {
		r.indegree[d]--
		if r.indegree[d] == 0 {
			freed = append(freed, d)
		}
	}
	return freed
}

// releaseReady releases id's dependents and queues the newly ready ones.
func (c *Coordinator) releaseReady(r *run, id string) {
	for _, d := range r.release(id) {
		if r.status[d] == models.TaskStatusPending {
			r.ready.Push(r.g.Task(d))
		}
	}
}

// drain waits for in-flight dispatches after cancellation. Finished work
// is kept; everything else goes back to pending.
func (c *Coordinator) drain(ctx context.Context, r *run, eg *errgroup.Group, results chan outcome) {
	_ = eg.Wait()
	close(results)
	ctx = context.WithoutCancel(ctx)
	for res := range results {
		id := res.task.ID
		if res.status == timeout.StatusSuccess || res.status == timeout.StatusPartial {
			r.status[id] = models.TaskStatusDone
			r.report.Done = append(r.report.Done, id)
			c.persist(ctx, r, id, models.TaskStatusDone, "")
			continue
		}
		r.status[id] = models.TaskStatusPending
		c.persist(ctx, r, id, models.TaskStatusPending, "")
	}
	r.log.Warn().Msg("run cancelled")
}

func (c *Coordinator) persist(ctx context.Context, r *run, id string, status models.TaskStatus, msg string) {
	if c.store == nil {
		return
	}
	if err := c.store.UpdateTaskStatus(ctx, id, status, msg); err != nil {
		r.log.Warn().Err(err).Str("task", id).Str("status", string(status)).Msg("persist task status")
	}
}

func (c *Coordinator) track(ctx context.Context, r *run, id string, percent float64, opts ...workflow.SubPhaseOption) {
	if c.tracker == nil || r.wf == "" {
		return
	}
	if err := c.tracker.UpdateSubPhase(ctx, r.wf, workflow.PhaseExecution, SubPhaseName(id), percent, opts...); err != nil {
		r.log.Debug().Err(err).Str("task", id).Msg("record task progress")
	}
}

// reclaim drops finished workflow records older than the retention window.
func (c *Coordinator) reclaim(ctx context.Context, r *run) {
	if c.tracker == nil || c.policy.Retention.Window <= 0 {
		return
	}
	ids, err := c.tracker.Reclaim(ctx, c.now().Add(-c.policy.Retention.Window))
	if err != nil {
		r.log.Warn().Err(err).Msg("reclaim workflows")
		return
	}
	if len(ids) > 0 {
		r.log.Info().Strs("workflows", ids).Msg("reclaimed finished workflows")
	}
}
