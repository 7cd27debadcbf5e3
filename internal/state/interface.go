package state

import (
	"context"
	"io"
	"time"

	"github.com/ShayCichocki/taskweave/internal/workflow"
	"github.com/ShayCichocki/taskweave/pkg/models"
)

// ProjectStore handles project and epic persistence.
type ProjectStore interface {
	CreateProject(ctx context.Context, p *models.Project) error
	GetProject(ctx context.Context, id string) (*models.Project, error)
	ProjectExists(ctx context.Context, id string) (bool, error)
	CreateEpic(ctx context.Context, e *models.Epic) error
	ListEpics(ctx context.Context, projectID string) ([]*models.Epic, error)
	EpicExists(ctx context.Context, id string) (bool, error)
	CountEpics(ctx context.Context) (int, error)
}

// TaskStore handles task persistence.
type TaskStore interface {
	SaveTask(ctx context.Context, t *models.Task) error
	UpdateTask(ctx context.Context, t *models.Task) error
	UpdateTaskStatus(ctx context.Context, id string, status models.TaskStatus, errMsg string) error
	GetTask(ctx context.Context, id string) (*models.Task, error)
	ListTasks(ctx context.Context, projectID string) ([]*models.Task, error)
	ListTasksByParent(ctx context.Context, parentID string) ([]*models.Task, error)
	TaskExists(ctx context.Context, id string) (bool, error)
	CountTasks(ctx context.Context) (int, error)
}

// DependencyStore handles dependency edge persistence.
type DependencyStore interface {
	SaveDependency(ctx context.Context, e models.DependencyEdge) error
	DeleteDependency(ctx context.Context, id string) error
	ListDependencies(ctx context.Context, projectID string) ([]models.DependencyEdge, error)
	DependencyExists(ctx context.Context, id string) (bool, error)
}

// Migrator handles database schema migrations.
type Migrator interface {
	Migrate() error
}

// Store is the full storage manager. Consumers declare the narrow subset
// they need; DB satisfies all of them.
type Store interface {
	io.Closer
	Migrator
	ProjectStore
	TaskStore
	DependencyStore
	workflow.Store
	PurgeFinishedWorkflows(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Compile-time verification that DB implements all interfaces.
var (
	_ Store           = (*DB)(nil)
	_ ProjectStore    = (*DB)(nil)
	_ TaskStore       = (*DB)(nil)
	_ DependencyStore = (*DB)(nil)
	_ workflow.Store  = (*DB)(nil)
)
