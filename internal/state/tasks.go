package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ShayCichocki/taskweave/pkg/models"
)

// Project operations

// CreateProject inserts a project.
func (db *DB) CreateProject(ctx context.Context, p *models.Project) error {
	pctx, err := json.Marshal(p.Context)
	if err != nil {
		return fmt.Errorf("marshal project context: %w", err)
	}
	_, err = db.Exec(ctx, `
		INSERT INTO projects (id, name, description, context, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, p.ID, p.Name, p.Description, string(pctx), formatTime(orNow(p.CreatedAt)))
	if err != nil {
		return fmt.Errorf("create project %s: %w", p.ID, classify(err))
	}
	return nil
}

// GetProject retrieves a project by ID.
func (db *DB) GetProject(ctx context.Context, id string) (*models.Project, error) {
	row := db.QueryRow(ctx, `
		SELECT id, name, description, context, created_at FROM projects WHERE id = ?
	`, id)

	var p models.Project
	var desc, pctx sql.NullString
	var createdAt string
	err := row.Scan(&p.ID, &p.Name, &desc, &pctx, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	p.Description = desc.String
	if pctx.Valid && pctx.String != "" {
		if err := json.Unmarshal([]byte(pctx.String), &p.Context); err != nil {
			return nil, fmt.Errorf("decode project context %s: %w", id, err)
		}
	}
	p.CreatedAt, _ = parseTime(createdAt)
	return &p, nil
}

// ProjectExists reports whether a project with id exists.
func (db *DB) ProjectExists(ctx context.Context, id string) (bool, error) {
	return db.exists(ctx, "SELECT 1 FROM projects WHERE id = ?", id)
}

// Epic operations

// CreateEpic inserts an epic.
func (db *DB) CreateEpic(ctx context.Context, e *models.Epic) error {
	_, err := db.Exec(ctx, `
		INSERT INTO epics (id, project_id, title, description, priority, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.ID, e.ProjectID, e.Title, e.Description, string(e.Priority), formatTime(orNow(e.CreatedAt)))
	if err != nil {
		return fmt.Errorf("create epic %s: %w", e.ID, classify(err))
	}
	return nil
}

// ListEpics returns the epics of a project ordered by ID.
func (db *DB) ListEpics(ctx context.Context, projectID string) ([]*models.Epic, error) {
	rows, err := db.Query(ctx, `
		SELECT id, project_id, title, description, priority, created_at
		FROM epics WHERE project_id = ? ORDER BY id
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list epics: %w", err)
	}
	defer rows.Close()

	var epics []*models.Epic
	for rows.Next() {
		var e models.Epic
		var desc sql.NullString
		var createdAt string
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.Title, &desc, &e.Priority, &createdAt); err != nil {
			return nil, fmt.Errorf("scan epic: %w", err)
		}
		e.Description = desc.String
		e.CreatedAt, _ = parseTime(createdAt)
		epics = append(epics, &e)
	}
	return epics, rows.Err()
}

// EpicExists reports whether an epic with id exists.
func (db *DB) EpicExists(ctx context.Context, id string) (bool, error) {
	return db.exists(ctx, "SELECT 1 FROM epics WHERE id = ?", id)
}

// CountEpics returns the number of stored epics.
func (db *DB) CountEpics(ctx context.Context) (int, error) {
	return db.count(ctx, "SELECT COUNT(*) FROM epics")
}

// Task operations

const taskColumns = `id, project_id, epic_id, parent_id, title, description, acceptance_criteria,
	priority, type, estimated_hours, dependencies, status, tags, error, created_at, completed_at`

// SaveTask inserts a new task. A duplicate ID yields ErrAlreadyExists.
func (db *DB) SaveTask(ctx context.Context, t *models.Task) error {
	criteria, deps, tags, err := encodeTaskLists(t)
	if err != nil {
		return err
	}
	_, err = db.Exec(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.ProjectID, t.EpicID, t.ParentID, t.Title, t.Description, criteria,
		string(t.Priority), string(t.Type), t.EstimatedHours, deps, string(orPending(t.Status)), tags, t.Error,
		formatTime(orNow(t.CreatedAt)), nullableTime(t.CompletedAt))
	if err != nil {
		return fmt.Errorf("save task %s: %w", t.ID, classify(err))
	}
	return nil
}

// UpdateTask rewrites every mutable field of an existing task.
func (db *DB) UpdateTask(ctx context.Context, t *models.Task) error {
	criteria, deps, tags, err := encodeTaskLists(t)
	if err != nil {
		return err
	}
	res, err := db.Exec(ctx, `
		UPDATE tasks SET parent_id = ?, title = ?, description = ?, acceptance_criteria = ?,
			priority = ?, type = ?, estimated_hours = ?, dependencies = ?, status = ?, tags = ?,
			error = ?, completed_at = ?
		WHERE id = ?
	`, t.ParentID, t.Title, t.Description, criteria, string(t.Priority), string(t.Type),
		t.EstimatedHours, deps, string(orPending(t.Status)), tags, t.Error, nullableTime(t.CompletedAt), t.ID)
	if err != nil {
		return fmt.Errorf("update task %s: %w", t.ID, err)
	}
	return requireAffected(res, "task", t.ID)
}

// UpdateTaskStatus sets status and error message, stamping completed_at
// when the status is done.
func (db *DB) UpdateTaskStatus(ctx context.Context, id string, status models.TaskStatus, errMsg string) error {
	var completedAt any
	if status == models.TaskStatusDone {
		completedAt = formatTime(time.Now())
	}
	res, err := db.Exec(ctx, `
		UPDATE tasks SET status = ?, error = ?, completed_at = COALESCE(?, completed_at) WHERE id = ?
	`, string(status), errMsg, completedAt, id)
	if err != nil {
		return fmt.Errorf("update task status %s: %w", id, err)
	}
	return requireAffected(res, "task", id)
}

// GetTask retrieves a task by ID.
func (db *DB) GetTask(ctx context.Context, id string) (*models.Task, error) {
	row := db.QueryRow(ctx, "SELECT "+taskColumns+" FROM tasks WHERE id = ?", id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// ListTasks returns the tasks of a project ordered by creation time then ID.
func (db *DB) ListTasks(ctx context.Context, projectID string) ([]*models.Task, error) {
	return db.listTasks(ctx, "SELECT "+taskColumns+" FROM tasks WHERE project_id = ? ORDER BY created_at, id", projectID)
}

// ListTasksByParent returns the direct children of a task.
func (db *DB) ListTasksByParent(ctx context.Context, parentID string) ([]*models.Task, error) {
	return db.listTasks(ctx, "SELECT "+taskColumns+" FROM tasks WHERE parent_id = ? ORDER BY created_at, id", parentID)
}

func (db *DB) listTasks(ctx context.Context, query string, args ...any) ([]*models.Task, error) {
	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// TaskExists reports whether a task with id exists.
func (db *DB) TaskExists(ctx context.Context, id string) (bool, error) {
	return db.exists(ctx, "SELECT 1 FROM tasks WHERE id = ?", id)
}

// CountTasks returns the number of stored tasks.
func (db *DB) CountTasks(ctx context.Context) (int, error) {
	return db.count(ctx, "SELECT COUNT(*) FROM tasks")
}

// Dependency operations

// SaveDependency inserts an edge. A duplicate ID or a duplicate
// (from, to) pair yields ErrAlreadyExists.
func (db *DB) SaveDependency(ctx context.Context, e models.DependencyEdge) error {
	kind := e.Kind
	if kind == "" {
		kind = models.DependencyBlocks
	}
	_, err := db.Exec(ctx, `
		INSERT INTO dependencies (id, project_id, from_task, to_task, kind, description)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.ID, e.ProjectID, e.From, e.To, string(kind), e.Description)
	if err != nil {
		return fmt.Errorf("save dependency %s: %w", e.ID, classify(err))
	}
	return nil
}

// DeleteDependency removes an edge by ID.
func (db *DB) DeleteDependency(ctx context.Context, id string) error {
	res, err := db.Exec(ctx, "DELETE FROM dependencies WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete dependency %s: %w", id, err)
	}
	return requireAffected(res, "dependency", id)
}

// ListDependencies returns the edges of a project ordered by ID.
func (db *DB) ListDependencies(ctx context.Context, projectID string) ([]models.DependencyEdge, error) {
	rows, err := db.Query(ctx, `
		SELECT id, project_id, from_task, to_task, kind, description
		FROM dependencies WHERE project_id = ? ORDER BY id
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list dependencies: %w", err)
	}
	defer rows.Close()

	var edges []models.DependencyEdge
	for rows.Next() {
		var e models.DependencyEdge
		var desc sql.NullString
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.From, &e.To, &e.Kind, &desc); err != nil {
			return nil, fmt.Errorf("scan dependency: %w", err)
		}
		e.Description = desc.String
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

// DependencyExists reports whether an edge with id exists.
func (db *DB) DependencyExists(ctx context.Context, id string) (bool, error) {
	return db.exists(ctx, "SELECT 1 FROM dependencies WHERE id = ?", id)
}

// helpers

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(r rowScanner) (*models.Task, error) {
	var t models.Task
	var epicID, parentID, desc, criteria, deps, tags, errMsg, completedAt sql.NullString
	var createdAt string
	err := r.Scan(&t.ID, &t.ProjectID, &epicID, &parentID, &t.Title, &desc, &criteria,
		&t.Priority, &t.Type, &t.EstimatedHours, &deps, &t.Status, &tags, &errMsg, &createdAt, &completedAt)
	if err != nil {
		return nil, err
	}
	t.EpicID = epicID.String
	t.ParentID = parentID.String
	t.Description = desc.String
	t.Error = errMsg.String
	t.CreatedAt, _ = parseTime(createdAt)
	t.CompletedAt = parseNullableTime(completedAt)
	for _, f := range []struct {
		src sql.NullString
		dst *[]string
	}{{criteria, &t.AcceptanceCriteria}, {deps, &t.Dependencies}, {tags, &t.Tags}} {
		if f.src.Valid && f.src.String != "" {
			if err := json.Unmarshal([]byte(f.src.String), f.dst); err != nil {
				return nil, fmt.Errorf("decode task %s: %w", t.ID, err)
			}
		}
	}
	return &t, nil
}

func encodeTaskLists(t *models.Task) (criteria, deps, tags string, err error) {
	enc := func(v []string) (string, error) {
		if len(v) == 0 {
			return "", nil
		}
		b, err := json.Marshal(v)
		return string(b), err
	}
	if criteria, err = enc(t.AcceptanceCriteria); err != nil {
		return "", "", "", fmt.Errorf("encode acceptance criteria: %w", err)
	}
	if deps, err = enc(t.Dependencies); err != nil {
		return "", "", "", fmt.Errorf("encode dependencies: %w", err)
	}
	if tags, err = enc(t.Tags); err != nil {
		return "", "", "", fmt.Errorf("encode tags: %w", err)
	}
	return criteria, deps, tags, nil
}

func (db *DB) count(ctx context.Context, query string) (int, error) {
	var n int
	if err := db.QueryRow(ctx, query).Scan(&n); err != nil {
		return 0, fmt.Errorf("%s: %w", strings.TrimSpace(query), err)
	}
	return n, nil
}

func requireAffected(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return nil
}

func orNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}

func orPending(s models.TaskStatus) models.TaskStatus {
	if s == "" {
		return models.TaskStatusPending
	}
	return s
}
