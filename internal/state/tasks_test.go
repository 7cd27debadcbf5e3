package state

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/taskweave/pkg/models"
)

func seedProject(t *testing.T, db *DB) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, db.CreateProject(ctx, &models.Project{
		ID:   "PID-WEB-001",
		Name: "web",
		Context: models.ProjectContext{
			Languages:  []string{"go"},
			Complexity: models.ComplexityMedium,
		},
	}))
	require.NoError(t, db.CreateEpic(ctx, &models.Epic{ID: "E001", ProjectID: "PID-WEB-001", Title: "core", Priority: models.PriorityHigh}))
}

func seedTasks(t *testing.T, db *DB, tasks ...*models.Task) {
	t.Helper()
	for _, task := range tasks {
		if task.ProjectID == "" {
			task.ProjectID, task.EpicID = "PID-WEB-001", "E001"
		}
		require.NoError(t, db.SaveTask(context.Background(), task), task.ID)
	}
}

func TestProjectRoundTrip(t *testing.T) {
	db := setupTestDB(t)
	seedProject(t, db)
	ctx := context.Background()

	p, err := db.GetProject(ctx, "PID-WEB-001")
	require.NoError(t, err)
	assert.Equal(t, "web", p.Name)
	assert.Equal(t, models.ComplexityMedium, p.Context.Complexity)
	assert.Equal(t, []string{"go"}, p.Context.Languages)

	_, err = db.GetProject(ctx, "PID-NOPE-001")
	assert.ErrorIs(t, err, ErrNotFound)

	err = db.CreateProject(ctx, &models.Project{ID: "PID-WEB-001", Name: "dup"})
	assert.ErrorIs(t, err, ErrAlreadyExists)

	epics, err := db.ListEpics(ctx, "PID-WEB-001")
	require.NoError(t, err)
	require.Len(t, epics, 1)
	assert.Equal(t, models.PriorityHigh, epics[0].Priority)
}

func TestTaskRoundTrip(t *testing.T) {
	db := setupTestDB(t)
	seedProject(t, db)
	ctx := context.Background()

	created := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	task := &models.Task{
		ID:                 "T0001",
		ProjectID:          "PID-WEB-001",
		EpicID:             "E001",
		Title:              "Build login",
		Description:        "form + handler",
		AcceptanceCriteria: []string{"renders", "submits"},
		Priority:           models.PriorityCritical,
		Type:               models.TaskTypeDevelopment,
		EstimatedHours:     2.5,
		Tags:               []string{"cap:frontend"},
		CreatedAt:          created,
	}
	require.NoError(t, db.SaveTask(ctx, task))

	got, err := db.GetTask(ctx, "T0001")
	require.NoError(t, err)
	assert.Equal(t, task.Title, got.Title)
	assert.Equal(t, 2.5, got.EstimatedHours)
	assert.Equal(t, models.TaskStatusPending, got.Status, "empty status is stored as pending")
	assert.Equal(t, []string{"renders", "submits"}, got.AcceptanceCriteria)
	assert.Equal(t, []string{"cap:frontend"}, got.Tags)
	assert.True(t, got.CreatedAt.Equal(created), "CreatedAt = %v", got.CreatedAt)

	assert.ErrorIs(t, db.SaveTask(ctx, task), ErrAlreadyExists)

	n, err := db.CountTasks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	ok, err := db.TaskExists(ctx, "T0001")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestUpdateTaskStatus(t *testing.T) {
	db := setupTestDB(t)
	seedProject(t, db)
	seedTasks(t, db, &models.Task{ID: "T0001", Title: "x"})
	ctx := context.Background()

	require.NoError(t, db.UpdateTaskStatus(ctx, "T0001", models.TaskStatusFailed, "agent crashed"))
	got, err := db.GetTask(ctx, "T0001")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFailed, got.Status)
	assert.Equal(t, "agent crashed", got.Error)
	assert.Nil(t, got.CompletedAt)

	require.NoError(t, db.UpdateTaskStatus(ctx, "T0001", models.TaskStatusDone, ""))
	got, err = db.GetTask(ctx, "T0001")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusDone, got.Status)
	assert.NotNil(t, got.CompletedAt)

	assert.ErrorIs(t, db.UpdateTaskStatus(ctx, "T9999", models.TaskStatusDone, ""), ErrNotFound)
}

func TestUpdateTaskAndChildren(t *testing.T) {
	db := setupTestDB(t)
	seedProject(t, db)
	seedTasks(t, db,
		&models.Task{ID: "T0001", Title: "parent"},
		&models.Task{ID: "T0002", Title: "child a", ParentID: "T0001"},
		&models.Task{ID: "T0003", Title: "child b", ParentID: "T0001"},
	)
	ctx := context.Background()

	children, err := db.ListTasksByParent(ctx, "T0001")
	require.NoError(t, err)
	require.Len(t, children, 2)

	child := children[1]
	child.Dependencies = []string{"T0002"}
	require.NoError(t, db.UpdateTask(ctx, child))
	got, err := db.GetTask(ctx, child.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"T0002"}, got.Dependencies)

	all, err := db.ListTasks(ctx, "PID-WEB-001")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestDependencies(t *testing.T) {
	db := setupTestDB(t)
	seedProject(t, db)
	seedTasks(t, db, &models.Task{ID: "T0001", Title: "schema"}, &models.Task{ID: "T0002", Title: "api"})
	ctx := context.Background()

	edge := models.DependencyEdge{ID: "DEP-T0001-T0002-001", ProjectID: "PID-WEB-001", From: "T0001", To: "T0002"}
	require.NoError(t, db.SaveDependency(ctx, edge))

	edge.ID = "DEP-T0001-T0002-002"
	assert.ErrorIs(t, db.SaveDependency(ctx, edge), ErrAlreadyExists, "same pair under a new id")

	edges, err := db.ListDependencies(ctx, "PID-WEB-001")
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, models.DependencyBlocks, edges[0].Kind)

	require.NoError(t, db.DeleteDependency(ctx, "DEP-T0001-T0002-001"))
	ok, err := db.DependencyExists(ctx, "DEP-T0001-T0002-001")
	require.NoError(t, err)
	assert.False(t, ok)
}
