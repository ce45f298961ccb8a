package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"annohub/internal/domain"
)

// Event types emitted by the engine.
const (
	TypeProjectCreated   = "project.created"
	TypeProjectPublished = "project.published"
	TypeProjectArchived  = "project.archived"
	TypeStageChanged     = "project.stage_changed"
	TypeMemberAdded      = "project.member_added"
	TypeMemberRemoved    = "project.member_removed"
	TypeMemberFrozen     = "project.member_frozen"
	TypeMemberUnfrozen   = "project.member_unfrozen"
	TypeTasksCreated     = "tasks.created"
	TypeTasksAssigned    = "tasks.assigned"
	TypeTasksUnassigned  = "tasks.unassigned"
	TypeAnnotationSaved  = "annotation.saved"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append records one event inside the caller's transaction so the event and
// the state change it describes commit or roll back together.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, projectID, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,project_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(projectID), entityKind, nullable(entityID), actorID, string(data))
	return err
}

// List returns the project's events after the given id, oldest first.
func (w Writer) List(ctx context.Context, projectID string, afterID int64, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := w.DB.QueryContext(ctx, `SELECT id,ts,type,COALESCE(project_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json
FROM events WHERE project_id=? AND id>? ORDER BY id LIMIT ?`, projectID, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ProjectID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// ListAfter returns events across all projects after the given id, oldest
// first. Used by the webhook dispatcher.
func (w Writer) ListAfter(ctx context.Context, afterID int64, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := w.DB.QueryContext(ctx, `SELECT id,ts,type,COALESCE(project_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json
FROM events WHERE id>? ORDER BY id LIMIT ?`, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ProjectID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the highest event id, or zero when the log is empty.
func (w Writer) LatestEventID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := w.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
