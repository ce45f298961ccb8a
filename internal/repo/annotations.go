package repo

import (
	"context"
	"database/sql"

	"annohub/internal/domain"
)

const annotationColumns = `id,task_id,completed_by,parent_annotation,annotation_type,
annotation_status,result_json,COALESCE(notes,''),created_at,updated_at`

func scanAnnotation(scan func(dest ...any) error) (domain.Annotation, error) {
	var a domain.Annotation
	var parent sql.NullInt64
	err := scan(&a.ID, &a.TaskID, &a.CompletedBy, &parent, &a.AnnotationType,
		&a.AnnotationStatus, &a.ResultJSON, &a.Notes, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if parent.Valid {
		a.ParentAnnotation = &parent.Int64
	}
	return a, nil
}

// InsertAnnotation returns ErrDuplicate when the (task, user, parent) lineage
// row already exists.
func (r Repo) InsertAnnotation(ctx context.Context, q Querier, a domain.Annotation) (int64, error) {
	res, err := q.ExecContext(ctx, `INSERT INTO annotations(task_id,completed_by,parent_annotation,annotation_type,
annotation_status,result_json,notes,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		a.TaskID, a.CompletedBy, nullableInt64Ptr(a.ParentAnnotation), a.AnnotationType,
		a.AnnotationStatus, a.ResultJSON, nullable(a.Notes), a.CreatedAt, a.UpdatedAt)
	if isUniqueViolation(err) {
		return 0, ErrDuplicate
	}
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetAnnotation(ctx context.Context, q Querier, id int64) (domain.Annotation, error) {
	row := q.QueryRowContext(ctx, `SELECT `+annotationColumns+` FROM annotations WHERE id=?`, id)
	return scanAnnotation(row.Scan)
}

func (r Repo) UpdateAnnotation(ctx context.Context, q Querier, a domain.Annotation) error {
	res, err := q.ExecContext(ctx, `UPDATE annotations SET annotation_status=?, result_json=?, notes=?, updated_at=? WHERE id=?`,
		a.AnnotationStatus, a.ResultJSON, nullable(a.Notes), a.UpdatedAt, a.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpdateAnnotationStatus(ctx context.Context, q Querier, id int64, status, now string) error {
	res, err := q.ExecContext(ctx, `UPDATE annotations SET annotation_status=?, updated_at=? WHERE id=?`, status, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteAnnotation(ctx context.Context, q Querier, id int64) error {
	_, err := q.ExecContext(ctx, `DELETE FROM annotations WHERE id=?`, id)
	return err
}

// AnnotationsForTask lists a task's annotations of one type, oldest first.
func (r Repo) AnnotationsForTask(ctx context.Context, q Querier, taskID int64, annType int) ([]domain.Annotation, error) {
	return r.queryAnnotations(ctx, q,
		`SELECT `+annotationColumns+` FROM annotations WHERE task_id=? AND annotation_type=? ORDER BY id`,
		taskID, annType)
}

// AnnotationFor returns the user's annotation of the given type on the task.
func (r Repo) AnnotationFor(ctx context.Context, q Querier, taskID int64, annType int, userID string) (domain.Annotation, error) {
	row := q.QueryRowContext(ctx, `SELECT `+annotationColumns+` FROM annotations
WHERE task_id=? AND annotation_type=? AND completed_by=? ORDER BY id DESC LIMIT 1`,
		taskID, annType, userID)
	return scanAnnotation(row.Scan)
}

// LatestAnnotation returns the most recently updated annotation of the given
// type on the task. It is the parent for the next layer up.
func (r Repo) LatestAnnotation(ctx context.Context, q Querier, taskID int64, annType int) (domain.Annotation, error) {
	row := q.QueryRowContext(ctx, `SELECT `+annotationColumns+` FROM annotations
WHERE task_id=? AND annotation_type=? ORDER BY updated_at DESC, id DESC LIMIT 1`,
		taskID, annType)
	return scanAnnotation(row.Scan)
}

// ChildAnnotation returns the annotation pointing at parentID, if any.
func (r Repo) ChildAnnotation(ctx context.Context, q Querier, parentID int64) (domain.Annotation, error) {
	row := q.QueryRowContext(ctx, `SELECT `+annotationColumns+` FROM annotations WHERE parent_annotation=? LIMIT 1`,
		parentID)
	return scanAnnotation(row.Scan)
}

// UserAnnotations lists the user's annotations of one type across the project,
// optionally restricted to annotation statuses.
func (r Repo) UserAnnotations(ctx context.Context, q Querier, projectID, userID string, annType int, statuses []string) ([]domain.Annotation, error) {
	args := []any{projectID, userID, annType}
	query := `SELECT ` + prefixAnnotationColumns() + ` FROM annotations a
JOIN tasks t ON t.id=a.task_id
WHERE t.project_id=? AND a.completed_by=? AND a.annotation_type=?`
	if len(statuses) > 0 {
		query += ` AND a.annotation_status IN (` + placeholders(len(statuses)) + `)`
		for _, s := range statuses {
			args = append(args, s)
		}
	}
	query += ` ORDER BY a.id`
	return r.queryAnnotations(ctx, q, query, args...)
}

func (r Repo) queryAnnotations(ctx context.Context, q Querier, query string, args ...any) ([]domain.Annotation, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Annotation
	for rows.Next() {
		a, err := scanAnnotation(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func prefixAnnotationColumns() string {
	return `a.id,a.task_id,a.completed_by,a.parent_annotation,a.annotation_type,
a.annotation_status,a.result_json,COALESCE(a.notes,''),a.created_at,a.updated_at`
}
