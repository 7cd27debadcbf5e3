package state

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/taskweave/internal/workflow"
)

func TestWorkflowPersistence(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	m := workflow.NewManager(workflow.WithStore(db))
	_, err := m.Initialize(ctx, "wf-1", "sess", "PID-WEB-001")
	require.NoError(t, err)
	require.NoError(t, m.Transition(ctx, "wf-1", workflow.PhaseInitialization, workflow.StateInProgress))
	require.NoError(t, m.UpdateSubPhase(ctx, "wf-1", workflow.PhaseInitialization, "boot", 50,
		workflow.WithMetadata(map[string]any{"jobId": "wf-1"})))

	restored := workflow.NewManager(workflow.WithStore(db))
	n, err := restored.Restore(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	rec, err := restored.Status("wf-1")
	require.NoError(t, err)
	assert.Equal(t, workflow.StateInProgress, rec.Current().State)
	sp := rec.Phase(workflow.PhaseInitialization).SubPhases["boot"]
	require.NotNil(t, sp)
	assert.InDelta(t, 50, sp.Progress, 1e-9)
	assert.Equal(t, "wf-1", sp.Metadata["jobId"])
}

func TestPurgeFinishedWorkflows(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour)
	finished := &workflow.Record{
		ID: "done", CreatedAt: old, UpdatedAt: old,
		Phases: []*workflow.PhaseRecord{{Phase: workflow.PhaseInitialization, State: workflow.StateFailed}},
	}
	running := &workflow.Record{
		ID: "running", CreatedAt: old, UpdatedAt: old,
		Phases: []*workflow.PhaseRecord{{Phase: workflow.PhaseInitialization, State: workflow.StateInProgress}},
	}
	for _, rec := range []*workflow.Record{finished, running} {
		require.NoError(t, db.SaveWorkflow(ctx, rec))
	}

	n, err := db.PurgeFinishedWorkflows(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	recs, err := db.LoadWorkflows(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "running", recs[0].ID)

	assert.NoError(t, db.DeleteWorkflow(ctx, "missing"))
}
