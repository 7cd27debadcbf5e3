package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu      sync.Mutex
	recs    map[string]*Record
	saveErr error
	panics  bool
	saves   int
}

func newMemStore() *memStore { return &memStore{recs: map[string]*Record{}} }

func (s *memStore) SaveWorkflow(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.panics {
		panic("store exploded")
	}
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saves++
	s.recs[rec.ID] = rec.Clone()
	return nil
}

func (s *memStore) LoadWorkflows(context.Context) ([]*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Record
	for _, r := range s.recs {
		out = append(out, r.Clone())
	}
	return out, nil
}

func (s *memStore) DeleteWorkflow(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.recs, id)
	return nil
}

// fakeClock advances manually.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestManager(t *testing.T) (*Manager, *memStore, *fakeClock) {
	t.Helper()
	store := newMemStore()
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return NewManager(WithStore(store), WithClock(clock.Now)), store, clock
}

// advance drives wf through every phase up to and including target, leaving
// target in_progress.
func advance(t *testing.T, m *Manager, wf string, target Phase) {
	t.Helper()
	ctx := context.Background()
	for _, p := range Phases {
		require.NoError(t, m.Transition(ctx, wf, p, StateInProgress))
		if p == target {
			return
		}
		require.NoError(t, m.Transition(ctx, wf, p, StateCompleted))
	}
}

func TestInitialize(t *testing.T) {
	m, store, _ := newTestManager(t)
	ctx := context.Background()

	rec, err := m.Initialize(ctx, "wf-1", "sess-1", "PID-X-001")
	require.NoError(t, err)
	require.Len(t, rec.Phases, 1)
	assert.Equal(t, PhaseInitialization, rec.Phases[0].Phase)
	assert.Equal(t, StatePending, rec.Phases[0].State)
	assert.Contains(t, store.recs, "wf-1")

	_, err = m.Initialize(ctx, "wf-1", "sess-2", "PID-X-001")
	assert.ErrorIs(t, err, ErrWorkflowExists)
}

func TestTransitionLegalSuccessors(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	_, err := m.Initialize(ctx, "wf", "s", "p")
	require.NoError(t, err)

	assert.ErrorIs(t, m.Transition(ctx, "wf", PhaseInitialization, StateCompleted), ErrInvalidTransition)
	require.NoError(t, m.Transition(ctx, "wf", PhaseInitialization, StateInProgress))
	assert.ErrorIs(t, m.Transition(ctx, "wf", PhaseInitialization, StatePending), ErrInvalidTransition)
	require.NoError(t, m.Transition(ctx, "wf", PhaseInitialization, StateCompleted))
	assert.ErrorIs(t, m.Transition(ctx, "wf", PhaseInitialization, StateInProgress), ErrInvalidTransition, "terminal is final")
}

func TestPhasesEnterInOrder(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	_, err := m.Initialize(ctx, "wf", "s", "p")
	require.NoError(t, err)

	assert.ErrorIs(t, m.Transition(ctx, "wf", PhaseExecution, StateInProgress), ErrPhaseOrder, "skipping a phase")
	assert.ErrorIs(t, m.Transition(ctx, "wf", PhaseDecomposition, StateInProgress), ErrPhaseOrder, "previous not completed")

	require.NoError(t, m.Transition(ctx, "wf", PhaseInitialization, StateInProgress))
	require.NoError(t, m.Transition(ctx, "wf", PhaseInitialization, StateCompleted))
	require.NoError(t, m.Transition(ctx, "wf", PhaseDecomposition, StatePending))

	rec, err := m.Status("wf")
	require.NoError(t, err)
	require.Len(t, rec.Phases, 2)
	assert.Equal(t, StatePending, rec.Current().State)

	require.NoError(t, m.Transition(ctx, "wf", PhaseDecomposition, StateInProgress))
}

func TestFailedTransitionLeavesStateUntouched(t *testing.T) {
	m, store, _ := newTestManager(t)
	ctx := context.Background()
	_, err := m.Initialize(ctx, "wf", "s", "p")
	require.NoError(t, err)
	before, _ := m.Status("wf")

	assert.Error(t, m.Transition(ctx, "wf", PhaseCompletion, StateInProgress))
	after, _ := m.Status("wf")
	assert.Equal(t, before, after)

	store.saveErr = errors.New("disk full")
	err = m.Transition(ctx, "wf", PhaseInitialization, StateInProgress)
	assert.ErrorIs(t, err, store.saveErr)
	after, _ = m.Status("wf")
	assert.Equal(t, StatePending, after.Current().State, "failed persist is not published")
}

func TestTransitionUnknownWorkflowOrPhase(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	assert.ErrorIs(t, m.Transition(ctx, "nope", PhaseInitialization, StateInProgress), ErrWorkflowNotFound)
	assert.ErrorIs(t, m.Transition(ctx, "nope", Phase("review"), StateInProgress), ErrInvalidPhase)
	assert.ErrorIs(t, m.Transition(ctx, "nope", PhaseInitialization, State("paused")), ErrInvalidPhase)
}

func TestUpdateSubPhase(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	_, err := m.Initialize(ctx, "wf", "s", "p")
	require.NoError(t, err)
	advance(t, m, "wf", PhaseDecomposition)

	err = m.UpdateSubPhase(ctx, "wf", PhaseDecomposition, "oracle", 40, WithMetadata(map[string]any{"calls": 3}))
	require.NoError(t, err)
	err = m.UpdateSubPhase(ctx, "wf", PhaseDecomposition, "oracle", 150, WithMetadata(map[string]any{"leaves": 7}))
	require.NoError(t, err)

	rec, err := m.Status("wf")
	require.NoError(t, err)
	sp := rec.Phase(PhaseDecomposition).SubPhases["oracle"]
	require.NotNil(t, sp)
	assert.Equal(t, 100.0, sp.Progress)
	assert.Equal(t, StateCompleted, sp.State)
	assert.Equal(t, map[string]any{"calls": 3, "leaves": 7}, sp.Metadata)

	require.NoError(t, m.UpdateSubPhase(ctx, "wf", PhaseDecomposition, "neg", -5, WithState(StateFailed)))
	rec, _ = m.Status("wf")
	assert.Zero(t, rec.Phase(PhaseDecomposition).SubPhases["neg"].Progress)
	assert.Equal(t, StateFailed, rec.Phase(PhaseDecomposition).SubPhases["neg"].State)
}

func TestUpdateSubPhaseErrors(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	err := m.UpdateSubPhase(ctx, "ghost", PhaseExecution, "x", 10)
	require.ErrorIs(t, err, ErrWorkflowNotFound)
	assert.Contains(t, err.Error(), "Workflow not found")

	_, err = m.Initialize(ctx, "wf", "s", "p")
	require.NoError(t, err)
	err = m.UpdateSubPhase(ctx, "wf", PhaseExecution, "x", 10)
	require.ErrorIs(t, err, ErrPhaseNotFound)
	assert.Contains(t, err.Error(), "Phase not found")
}

func TestStatusReturnsCopy(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	_, err := m.Initialize(ctx, "wf", "s", "p")
	require.NoError(t, err)
	require.NoError(t, m.UpdateSubPhase(ctx, "wf", PhaseInitialization, "boot", 10, WithMetadata(map[string]any{"k": "v"})))

	rec, _ := m.Status("wf")
	rec.Phases[0].State = StateFailed
	rec.Phases[0].SubPhases["boot"].Metadata["k"] = "mutated"

	again, _ := m.Status("wf")
	assert.Equal(t, StatePending, again.Phases[0].State)
	assert.Equal(t, "v", again.Phases[0].SubPhases["boot"].Metadata["k"])

	_, err = m.Status("missing")
	assert.ErrorIs(t, err, ErrWorkflowNotFound)
}

func TestStorePanicBecomesError(t *testing.T) {
	m, store, _ := newTestManager(t)
	ctx := context.Background()
	_, err := m.Initialize(ctx, "wf", "s", "p")
	require.NoError(t, err)

	store.panics = true
	err = m.Transition(ctx, "wf", PhaseInitialization, StateInProgress)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store exploded")

	store.panics = false
	require.NoError(t, m.Transition(ctx, "wf", PhaseInitialization, StateInProgress), "lock released after panic")
}

func TestRestore(t *testing.T) {
	m, store, _ := newTestManager(t)
	ctx := context.Background()
	_, err := m.Initialize(ctx, "wf-a", "s", "p")
	require.NoError(t, err)
	advance(t, m, "wf-a", PhaseExecution)

	fresh := NewManager(WithStore(store))
	n, err := fresh.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rec, err := fresh.Status("wf-a")
	require.NoError(t, err)
	assert.Equal(t, PhaseExecution, rec.Current().Phase)
	assert.Equal(t, StateInProgress, rec.Current().State)
}

func TestReclaimFinishedOnly(t *testing.T) {
	m, store, clock := newTestManager(t)
	ctx := context.Background()

	for _, id := range []string{"done", "failed", "running"} {
		_, err := m.Initialize(ctx, id, "s", "p")
		require.NoError(t, err)
	}
	advance(t, m, "done", PhaseCompletion)
	require.NoError(t, m.Transition(ctx, "done", PhaseCompletion, StateCompleted))
	advance(t, m, "failed", PhaseExecution)
	require.NoError(t, m.Transition(ctx, "failed", PhaseExecution, StateFailed))
	advance(t, m, "running", PhaseExecution)

	ids, err := m.Reclaim(ctx, clock.Now())
	require.NoError(t, err)
	assert.Empty(t, ids, "not older than cutoff")

	clock.Advance(time.Hour)
	ids, err = m.Reclaim(ctx, clock.Now().Add(-30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []string{"done", "failed"}, ids)
	assert.NotContains(t, store.recs, "done")

	_, err = m.Status("done")
	assert.ErrorIs(t, err, ErrWorkflowNotFound)
	_, err = m.Status("running")
	assert.NoError(t, err)
	assert.Len(t, m.List(), 1)
}

func TestConcurrentUpdatesDifferentWorkflows(t *testing.T) {
	m := NewManager()
	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		_, err := m.Initialize(ctx, id, "s", "p")
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	for _, id := range []string{"a", "b"} {
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func(id string, i int) {
				defer wg.Done()
				assert.NoError(t, m.UpdateSubPhase(ctx, id, PhaseInitialization, "step", float64(i),
					WithMetadata(map[string]any{id: i})))
			}(id, i)
		}
	}
	wg.Wait()

	for _, id := range []string{"a", "b"} {
		rec, err := m.Status(id)
		require.NoError(t, err)
		assert.Len(t, rec.Phases[0].SubPhases["step"].Metadata, 1)
	}
}
