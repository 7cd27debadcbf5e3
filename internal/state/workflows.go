package state

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ShayCichocki/taskweave/internal/workflow"
)

// SaveWorkflow inserts or replaces a workflow record.
func (db *DB) SaveWorkflow(ctx context.Context, rec *workflow.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal workflow %s: %w", rec.ID, err)
	}
	finished := 0
	if rec.Finished() {
		finished = 1
	}
	_, err = db.Exec(ctx, `
		INSERT INTO workflows (id, session_id, project_id, finished, record, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			session_id = excluded.session_id,
			project_id = excluded.project_id,
			finished = excluded.finished,
			record = excluded.record,
			updated_at = excluded.updated_at
	`, rec.ID, rec.SessionID, rec.ProjectID, finished, string(data),
		formatTime(orNow(rec.CreatedAt)), formatTime(orNow(rec.UpdatedAt)))
	if err != nil {
		return fmt.Errorf("save workflow %s: %w", rec.ID, err)
	}
	return nil
}

// LoadWorkflows returns every stored workflow record ordered by creation.
func (db *DB) LoadWorkflows(ctx context.Context) ([]*workflow.Record, error) {
	rows, err := db.Query(ctx, "SELECT id, record FROM workflows ORDER BY created_at, id")
	if err != nil {
		return nil, fmt.Errorf("load workflows: %w", err)
	}
	defer rows.Close()

	var recs []*workflow.Record
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("scan workflow: %w", err)
		}
		var rec workflow.Record
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return nil, fmt.Errorf("decode workflow %s: %w", id, err)
		}
		recs = append(recs, &rec)
	}
	return recs, rows.Err()
}

// DeleteWorkflow removes a workflow record. Deleting a missing record is
// not an error.
func (db *DB) DeleteWorkflow(ctx context.Context, id string) error {
	if _, err := db.Exec(ctx, "DELETE FROM workflows WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete workflow %s: %w", id, err)
	}
	return nil
}
