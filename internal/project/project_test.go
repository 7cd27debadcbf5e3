package project

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/taskweave/internal/graph"
	"github.com/ShayCichocki/taskweave/internal/ids"
	"github.com/ShayCichocki/taskweave/internal/state"
	"github.com/ShayCichocki/taskweave/pkg/models"
)

const webApp = `
project:
  name: Web App
  description: customer portal
  context:
    languages: [go, typescript]
    complexity: medium
    team_size: 3
epics:
  - title: Backend
    priority: high
    tasks:
      - key: schema
        title: Design schema
        estimated_hours: 2
      - key: api
        title: Build API
        type: development
        estimated_hours: 6
        acceptance_criteria: [handlers exist, tests pass]
        depends_on: [schema]
        tags: [cap:backend]
  - title: Docs
    tasks:
      - title: Write docs
        type: documentation
        priority: low
        depends_on: [api, schema]
`

func openDB(t *testing.T) *state.DB {
	t.Helper()
	db, err := state.Open(filepath.Join(t.TempDir(), "taskweave.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { db.Close() })
	return db
}

func TestImport(t *testing.T) {
	db := openDB(t)
	ctx := context.Background()
	created := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	im := NewImporter(db, ids.New(db), WithClock(func() time.Time { return created }))

	def, err := Parse(strings.NewReader(webApp))
	require.NoError(t, err)
	res, err := im.Import(ctx, def)
	require.NoError(t, err)

	assert.Equal(t, "PID-WEB-APP-001", res.Project.ID)
	require.Len(t, res.Epics, 2)
	assert.Equal(t, "E001", res.Epics[0].ID)
	assert.Equal(t, "E002", res.Epics[1].ID)
	assert.Equal(t, map[string]string{"schema": "T0001", "api": "T0002", "Write docs": "T0003"}, res.Keys)
	require.Len(t, res.Edges, 3)
	assert.Equal(t, "DEP-T0001-T0002-001", res.Edges[0].ID)

	p, err := db.GetProject(ctx, res.Project.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ComplexityMedium, p.Context.Complexity)
	assert.Equal(t, 3, p.Context.TeamSize)

	api, err := db.GetTask(ctx, "T0002")
	require.NoError(t, err)
	assert.Equal(t, models.PriorityHigh, api.Priority, "inherits the epic priority")
	assert.Equal(t, []string{"T0001"}, api.Dependencies)
	assert.Equal(t, []string{"development", "backend"}, api.RequiredCapabilities())
	assert.Equal(t, "E001", api.EpicID)

	docs, err := db.GetTask(ctx, "T0003")
	require.NoError(t, err)
	assert.Equal(t, models.PriorityLow, docs.Priority)
	assert.Equal(t, models.TaskTypeDocumentation, docs.Type)
	assert.Equal(t, []string{"T0002", "T0001"}, docs.Dependencies)

	tasks, err := db.ListTasks(ctx, res.Project.ID)
	require.NoError(t, err)
	edges, err := db.ListDependencies(ctx, res.Project.ID)
	require.NoError(t, err)
	g, err := graph.Build(tasks, edges)
	require.NoError(t, err)
	assert.Equal(t, []string{"T0001", "T0002", "T0003"}, g.Order())
}

func TestImportTwiceAllocatesNewProject(t *testing.T) {
	db := openDB(t)
	ctx := context.Background()
	im := NewImporter(db, ids.New(db))

	def, err := Parse(strings.NewReader(webApp))
	require.NoError(t, err)
	_, err = im.Import(ctx, def)
	require.NoError(t, err)
	res, err := im.Import(ctx, def)
	require.NoError(t, err)
	assert.Equal(t, "PID-WEB-APP-002", res.Project.ID)
	assert.Equal(t, "T0004", res.Keys["schema"])
}

func TestImportFile(t *testing.T) {
	db := openDB(t)
	path := filepath.Join(t.TempDir(), "web.yaml")
	require.NoError(t, os.WriteFile(path, []byte(webApp), 0o644))

	res, err := NewImporter(db, ids.New(db)).ImportFile(context.Background(), path)
	require.NoError(t, err)
	assert.Len(t, res.Tasks, 3)

	_, err = NewImporter(db, ids.New(db)).ImportFile(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"empty", "", "empty document"},
		{"unknown field", "project: {name: web}\nepics: [{title: a, owner: me}]", "owner"},
		{"no name", "project: {}\nepics: [{title: a}]", "project name"},
		{"no epics", "project: {name: web}", "at least one epic"},
		{"untitled task", "project: {name: web}\nepics: [{title: a, tasks: [{key: x}]}]", "without title"},
		{"duplicate key", "project: {name: web}\nepics: [{title: a, tasks: [{title: x}, {title: x}]}]", "duplicate task key"},
		{"unknown dependency", "project: {name: web}\nepics: [{title: a, tasks: [{title: x, depends_on: [y]}]}]", "unknown key"},
		{"self dependency", "project: {name: web}\nepics: [{title: a, tasks: [{title: x, depends_on: [x]}]}]", "itself"},
		{"cycle", "project: {name: web}\nepics: [{title: a, tasks: [{title: x, depends_on: [y]}, {title: y, depends_on: [x]}]}]", "circular"},
		{"negative hours", "project: {name: web}\nepics: [{title: a, tasks: [{title: x, estimated_hours: -1}]}]", "negative"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tt.doc))
			require.ErrorIs(t, err, ErrInvalidDefinition)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

// collidingStore reports the first write of each listed id as taken.
type collidingStore struct {
	*state.DB
	taken map[string]bool
}

func (s *collidingStore) SaveTask(ctx context.Context, t *models.Task) error {
	if s.taken[t.ID] {
		delete(s.taken, t.ID)
		// Occupy the id the way a concurrent writer would.
		other := *t
		other.Title = "concurrent"
		if err := s.DB.SaveTask(ctx, &other); err != nil {
			return err
		}
		return state.ErrAlreadyExists
	}
	return s.DB.SaveTask(ctx, t)
}

func TestImportReallocatesOnWriteCollision(t *testing.T) {
	db := openDB(t)
	store := &collidingStore{DB: db, taken: map[string]bool{"T0001": true}}
	def, err := Parse(strings.NewReader(webApp))
	require.NoError(t, err)

	res, err := NewImporter(store, ids.New(db)).Import(context.Background(), def)
	require.NoError(t, err)
	assert.Equal(t, "T0002", res.Keys["schema"])
	assert.Equal(t, "T0003", res.Keys["api"])
}
