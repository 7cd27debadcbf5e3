package project

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ShayCichocki/taskweave/internal/guard"
	"github.com/ShayCichocki/taskweave/internal/state"
	"github.com/ShayCichocki/taskweave/pkg/models"
)

// maxWriteConflicts bounds re-allocation when a freshly allocated id is
// taken by a concurrent writer.
const maxWriteConflicts = 5

// Store is the storage an import writes to.
type Store interface {
	CreateProject(ctx context.Context, p *models.Project) error
	CreateEpic(ctx context.Context, e *models.Epic) error
	SaveTask(ctx context.Context, t *models.Task) error
	UpdateTask(ctx context.Context, t *models.Task) error
	SaveDependency(ctx context.Context, e models.DependencyEdge) error
}

// IDAllocator allocates identifiers for imported entities.
type IDAllocator interface {
	ProjectID(ctx context.Context, name string) (string, error)
	EpicID(ctx context.Context, projectID string) (string, error)
	TaskID(ctx context.Context, projectID, epicID string) (string, error)
	DependencyID(ctx context.Context, projectID, from, to string) (string, error)
}

// Result lists everything an import created.
type Result struct {
	Project *models.Project
	Epics   []*models.Epic
	Tasks   []*models.Task
	Edges   []models.DependencyEdge
	// Keys maps file-local task keys to allocated task ids.
	Keys map[string]string
}

// Importer writes definitions to storage.
type Importer struct {
	store  Store
	ids    IDAllocator
	now    func() time.Time
	logger zerolog.Logger
}

// Option configures an Importer.
type Option func(*Importer)

// WithLogger sets the importer's logger.
func WithLogger(l zerolog.Logger) Option {
	return func(im *Importer) { im.logger = l }
}

// WithClock overrides the creation time source.
func WithClock(now func() time.Time) Option {
	return func(im *Importer) { im.now = now }
}

// NewImporter creates an Importer.
func NewImporter(store Store, ids IDAllocator, opts ...Option) *Importer {
	im := &Importer{store: store, ids: ids, now: time.Now, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(im)
	}
	return im
}

// ImportFile parses and imports the definition at path.
func (im *Importer) ImportFile(ctx context.Context, path string) (*Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open definition: %w", err)
	}
	defer f.Close()
	def, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return im.Import(ctx, def)
}

// Import writes def. Tasks are saved in file order, then dependencies are
// attached once every key has an id. The import is not transactional; a
// failure part way leaves what was already written.
func (im *Importer) Import(ctx context.Context, def *Definition) (res *Result, err error) {
	defer guard.Recover(&err, "project.Import")

	if err := def.Validate(); err != nil {
		return nil, err
	}
	now := im.now()
	res = &Result{Keys: make(map[string]string)}

	p := &models.Project{
		Name:        strings.TrimSpace(def.Project.Name),
		Description: def.Project.Description,
		Context:     def.Project.Context,
		CreatedAt:   now,
	}
	if err := retry(func() error {
		id, err := im.ids.ProjectID(ctx, p.Name)
		if err != nil {
			return err
		}
		p.ID = id
		return im.store.CreateProject(ctx, p)
	}); err != nil {
		return nil, fmt.Errorf("create project %q: %w", p.Name, err)
	}
	res.Project = p
	log := im.logger.With().Str("project", p.ID).Logger()

	type pending struct {
		task *models.Task
		deps []string
	}
	var created []pending
	for _, ed := range def.Epics {
		e := &models.Epic{
			ProjectID:   p.ID,
			Title:       strings.TrimSpace(ed.Title),
			Description: ed.Description,
			Priority:    models.ParsePriority(ed.Priority),
			CreatedAt:   now,
		}
		if err := retry(func() error {
			id, err := im.ids.EpicID(ctx, p.ID)
			if err != nil {
				return err
			}
			e.ID = id
			return im.store.CreateEpic(ctx, e)
		}); err != nil {
			return res, fmt.Errorf("create epic %q: %w", e.Title, err)
		}
		res.Epics = append(res.Epics, e)

		for _, td := range ed.Tasks {
			t := newTask(p.ID, e, td, now)
			if err := retry(func() error {
				id, err := im.ids.TaskID(ctx, p.ID, e.ID)
				if err != nil {
					return err
				}
				t.ID = id
				return im.store.SaveTask(ctx, t)
			}); err != nil {
				return res, fmt.Errorf("save task %q: %w", t.Title, err)
			}
			res.Keys[td.key()] = t.ID
			res.Tasks = append(res.Tasks, t)
			created = append(created, pending{task: t, deps: td.DependsOn})
		}
	}

	for _, c := range created {
		if len(c.deps) == 0 {
			continue
		}
		for _, key := range c.deps {
			from := res.Keys[key]
			var edge models.DependencyEdge
			if err := retry(func() error {
				id, err := im.ids.DependencyID(ctx, p.ID, from, c.task.ID)
				if err != nil {
					return err
				}
				edge = models.DependencyEdge{
					ID:          id,
					ProjectID:   p.ID,
					From:        from,
					To:          c.task.ID,
					Kind:        models.DependencyBlocks,
					Description: "depends on " + key,
				}
				return im.store.SaveDependency(ctx, edge)
			}); err != nil {
				return res, fmt.Errorf("save dependency %s -> %s: %w", from, c.task.ID, err)
			}
			res.Edges = append(res.Edges, edge)
			c.task.Dependencies = append(c.task.Dependencies, from)
		}
		if err := im.store.UpdateTask(ctx, c.task); err != nil {
			return res, fmt.Errorf("attach dependencies to %s: %w", c.task.ID, err)
		}
	}

	log.Info().Int("epics", len(res.Epics)).Int("tasks", len(res.Tasks)).Int("edges", len(res.Edges)).Msg("project imported")
	return res, nil
}

func newTask(projectID string, e *models.Epic, td TaskDef, now time.Time) *models.Task {
	prio := e.Priority
	if td.Priority != "" {
		prio = models.ParsePriority(td.Priority)
	}
	return &models.Task{
		Title:              strings.TrimSpace(td.Title),
		Description:        td.Description,
		AcceptanceCriteria: td.AcceptanceCriteria,
		Priority:           prio,
		Type:               models.ParseTaskType(td.Type),
		EstimatedHours:     td.EstimatedHours,
		ProjectID:          projectID,
		EpicID:             e.ID,
		Status:             models.TaskStatusPending,
		Tags:               td.Tags,
		CreatedAt:          now,
	}
}

// retry runs fn again while it fails with a write-time id collision.
func retry(fn func() error) error {
	var err error
	for range maxWriteConflicts {
		if err = fn(); !errors.Is(err, state.ErrAlreadyExists) {
			return err
		}
	}
	return err
}
