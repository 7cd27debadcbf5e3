package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/taskweave/internal/timeout"
	"github.com/ShayCichocki/taskweave/pkg/models"
)

func TestHandleCan(t *testing.T) {
	tests := []struct {
		name     string
		caps     []string
		required []string
		want     bool
	}{
		{"wildcard", []string{"*"}, []string{"deployment", "gpu"}, true},
		{"exact", []string{"development", "backend"}, []string{"development", "backend"}, true},
		{"missing tag", []string{"development"}, []string{"development", "backend"}, false},
		{"nothing required", nil, nil, true},
		{"wrong type", []string{"testing"}, []string{"development"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Handle{ID: "a", Capabilities: tt.caps, Capacity: 1}.Can(tt.required))
		})
	}
}

func TestPoolRegister(t *testing.T) {
	p := NewPool()
	require.NoError(t, p.Register(Handle{ID: "a", Capabilities: []string{"*"}, Capacity: 2}))
	assert.ErrorIs(t, p.Register(Handle{ID: "a", Capacity: 1}), ErrDuplicateAgent)
	assert.ErrorIs(t, p.Register(Handle{ID: "b", Capacity: 0}), ErrInvalidAgent)
	assert.ErrorIs(t, p.Register(Handle{Capacity: 1}), ErrInvalidAgent)
	assert.Equal(t, 1, p.Count())

	require.NoError(t, p.Unregister("a"))
	assert.ErrorIs(t, p.Unregister("a"), ErrUnknownAgent)
	assert.Equal(t, 0, p.Count())
}

func TestPoolAcquireRelease(t *testing.T) {
	p := NewPool()
	require.NoError(t, p.Register(Handle{ID: "a", Capacity: 1}))

	require.NoError(t, p.Acquire("a"))
	assert.ErrorIs(t, p.Acquire("a"), ErrAtCapacity)
	load, capacity, ok := p.Load("a")
	require.True(t, ok)
	assert.Equal(t, 1, load)
	assert.Equal(t, 1, capacity)

	p.Release("a")
	p.Release("a")
	load, _, _ = p.Load("a")
	assert.Equal(t, 0, load, "release below zero is ignored")

	assert.ErrorIs(t, p.Acquire("ghost"), ErrUnknownAgent)
	p.Release("ghost")
	_, _, ok = p.Load("ghost")
	assert.False(t, ok)
}

func TestPoolLeastLoaded(t *testing.T) {
	p := NewPool()
	require.NoError(t, p.Register(Handle{ID: "b", Capabilities: []string{"development"}, Capacity: 2}))
	require.NoError(t, p.Register(Handle{ID: "a", Capabilities: []string{"development"}, Capacity: 4}))
	require.NoError(t, p.Register(Handle{ID: "docs", Capabilities: []string{"documentation"}, Capacity: 1}))

	h, err := p.LeastLoaded([]string{"development"})
	require.NoError(t, err)
	assert.Equal(t, "a", h.ID, "ties break by id")

	require.NoError(t, p.Acquire("a"))
	h, err = p.LeastLoaded([]string{"development"})
	require.NoError(t, err)
	assert.Equal(t, "b", h.ID, "0/2 beats 1/4")

	require.NoError(t, p.Acquire("b"))
	h, err = p.LeastLoaded([]string{"development"})
	require.NoError(t, err)
	assert.Equal(t, "a", h.ID, "1/4 beats 1/2")

	_, err = p.LeastLoaded([]string{"deployment"})
	assert.ErrorIs(t, err, ErrNoCapableAgent)
	assert.False(t, p.Capable([]string{"deployment"}))

	require.NoError(t, p.Acquire("docs"))
	_, err = p.LeastLoaded([]string{"documentation"})
	assert.ErrorIs(t, err, ErrAllBusy)
	assert.True(t, p.Capable([]string{"documentation"}))
}

func TestPoolAcquireLeastLoadedConcurrent(t *testing.T) {
	p := NewPool()
	require.NoError(t, p.Register(Handle{ID: "a", Capabilities: []string{"*"}, Capacity: 3}))
	require.NoError(t, p.Register(Handle{ID: "b", Capabilities: []string{"*"}, Capacity: 2}))

	var wg sync.WaitGroup
	var mu sync.Mutex
	got, busy := 0, 0
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.AcquireLeastLoaded([]string{"development"})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				got++
			} else if errors.Is(err, ErrAllBusy) {
				busy++
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 5, got)
	assert.Equal(t, 5, busy)

	snap := p.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "a", snap[0].Handle.ID)
	assert.Equal(t, 3, snap[0].Load)
	assert.Equal(t, 2, snap[1].Load)
}

func TestPoolReturnsCopies(t *testing.T) {
	p := NewPool()
	caps := []string{"development"}
	require.NoError(t, p.Register(Handle{ID: "a", Capabilities: caps, Capacity: 1}))
	caps[0] = "mutated"

	h, err := p.LeastLoaded([]string{"development"})
	require.NoError(t, err)
	h.Capabilities[0] = "mutated again"
	assert.Equal(t, "development", p.Snapshot()[0].Handle.Capabilities[0])
}

type fakeRunner struct {
	command string
	env     []string
	dir     string
	out     string
	err     error
}

func (f *fakeRunner) Run(ctx context.Context, workDir string, env []string, name string, args ...string) ([]byte, error) {
	return f.RunShell(ctx, workDir, env, name+" "+strings.Join(args, " "))
}

func (f *fakeRunner) RunShell(_ context.Context, workDir string, env []string, command string) ([]byte, error) {
	f.command, f.env, f.dir = command, env, workDir
	return []byte(f.out), f.err
}

func sampleTask() *models.Task {
	return &models.Task{
		ID:        "T0007",
		Title:     "Write migration",
		Type:      models.TaskTypeDevelopment,
		Priority:  models.PriorityHigh,
		ProjectID: "PID-DEMO-001",
		EpicID:    "E001",
	}
}

func TestExecDispatcher(t *testing.T) {
	runner := &fakeRunner{out: "ok"}
	d := NewExecDispatcher(runner, "make task", WithAgentCommand("special", "./special.sh"), WithWorkDir("/srv"))

	var reports []timeout.Progress
	report := func(p timeout.Progress) { reports = append(reports, p) }

	require.NoError(t, d.Dispatch(context.Background(), Handle{ID: "w1"}, sampleTask(), report))
	assert.Equal(t, "make task", runner.command)
	assert.Equal(t, "/srv", runner.dir)
	assert.Contains(t, runner.env, "TASKWEAVE_TASK_ID=T0007")
	assert.Contains(t, runner.env, "TASKWEAVE_AGENT_ID=w1")
	require.Len(t, reports, 2)
	assert.InDelta(t, 1.0, reports[1].Fraction(), 1e-9)

	require.NoError(t, d.Dispatch(context.Background(), Handle{ID: "special"}, sampleTask(), report))
	assert.Equal(t, "./special.sh", runner.command)
}

func TestExecDispatcherFailure(t *testing.T) {
	runner := &fakeRunner{out: strings.Repeat("x", 2000) + "compile error", err: errors.New("exit status 2")}
	d := NewExecDispatcher(runner, "make task")

	err := d.Dispatch(context.Background(), Handle{ID: "w1"}, sampleTask(), func(timeout.Progress) {})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "compile error")
	assert.Less(t, len(err.Error()), 700, "output should be truncated")

	empty := NewExecDispatcher(runner, "  ")
	assert.Error(t, empty.Dispatch(context.Background(), Handle{ID: "w1"}, sampleTask(), func(timeout.Progress) {}))
}

func TestDryRunDispatcher(t *testing.T) {
	d := &DryRunDispatcher{Delay: time.Millisecond, Fail: func(task *models.Task) bool { return task.ID == "T0008" }}
	noop := func(timeout.Progress) {}

	assert.NoError(t, d.Dispatch(context.Background(), Handle{ID: "a"}, sampleTask(), noop))
	failing := sampleTask()
	failing.ID = "T0008"
	assert.Error(t, d.Dispatch(context.Background(), Handle{ID: "a"}, failing, noop))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	slow := &DryRunDispatcher{Delay: time.Hour}
	assert.ErrorIs(t, slow.Dispatch(ctx, Handle{ID: "a"}, sampleTask(), noop), context.Canceled)
}
