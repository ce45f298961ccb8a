package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"annohub/internal/domain"
)

const taskColumns = `id,project_id,input_data,task_status,review_user,super_check_user,
correct_annotation,review_count,super_check_count,data_json,created_at,updated_at`

func scanTask(scan func(dest ...any) error) (domain.Task, error) {
	var t domain.Task
	var reviewUser, superCheckUser, dataJSON sql.NullString
	var correct sql.NullInt64
	err := scan(&t.ID, &t.ProjectID, &t.InputData, &t.TaskStatus, &reviewUser, &superCheckUser,
		&correct, &t.RevisionLoopCount.ReviewCount, &t.RevisionLoopCount.SuperCheckCount,
		&dataJSON, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if reviewUser.Valid {
		t.ReviewUser = &reviewUser.String
	}
	if superCheckUser.Valid {
		t.SuperCheckUser = &superCheckUser.String
	}
	if correct.Valid {
		t.CorrectAnnotation = &correct.Int64
	}
	if dataJSON.Valid {
		t.DataJSON = &dataJSON.String
	}
	return t, nil
}

func (r Repo) InsertTask(ctx context.Context, q Querier, t domain.Task) (int64, error) {
	res, err := q.ExecContext(ctx, `INSERT INTO tasks(project_id,input_data,task_status,review_user,super_check_user,
correct_annotation,review_count,super_check_count,data_json,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		t.ProjectID, t.InputData, t.TaskStatus, nullableStringPtr(t.ReviewUser), nullableStringPtr(t.SuperCheckUser),
		nullableInt64Ptr(t.CorrectAnnotation), t.RevisionLoopCount.ReviewCount, t.RevisionLoopCount.SuperCheckCount,
		nullableStringPtr(t.DataJSON), t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetTask(ctx context.Context, q Querier, id int64) (domain.Task, error) {
	row := q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	t, err := scanTask(row.Scan)
	if err != nil {
		return t, err
	}
	t.AnnotationUsers, err = r.TaskAnnotators(ctx, q, id)
	return t, err
}

// UpdateTask writes all mutable task columns back.
func (r Repo) UpdateTask(ctx context.Context, q Querier, t domain.Task) error {
	res, err := q.ExecContext(ctx, `UPDATE tasks SET task_status=?, review_user=?, super_check_user=?,
correct_annotation=?, review_count=?, super_check_count=?, data_json=?, updated_at=? WHERE id=?`,
		t.TaskStatus, nullableStringPtr(t.ReviewUser), nullableStringPtr(t.SuperCheckUser),
		nullableInt64Ptr(t.CorrectAnnotation), t.RevisionLoopCount.ReviewCount, t.RevisionLoopCount.SuperCheckCount,
		nullableStringPtr(t.DataJSON), t.UpdatedAt, t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListTasks(ctx context.Context, q Querier, projectID string, statuses []string, limit int) ([]domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE project_id=?`
	args := []any{projectID}
	if len(statuses) > 0 {
		query += ` AND task_status IN (` + placeholders(len(statuses)) + `)`
		for _, s := range statuses {
			args = append(args, s)
		}
	}
	query += ` ORDER BY id`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return r.queryTasks(ctx, q, query, args...)
}

func (r Repo) queryTasks(ctx context.Context, q Querier, query string, args ...any) ([]domain.Task, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// --- task/annotator assignment table ---

func (r Repo) AddTaskAnnotator(ctx context.Context, q Querier, taskID int64, userID string) error {
	_, err := q.ExecContext(ctx, `INSERT INTO task_annotators(task_id,user_id) VALUES (?,?)`, taskID, userID)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (r Repo) RemoveTaskAnnotator(ctx context.Context, q Querier, taskID int64, userID string) error {
	_, err := q.ExecContext(ctx, `DELETE FROM task_annotators WHERE task_id=? AND user_id=?`, taskID, userID)
	return err
}

func (r Repo) TaskAnnotators(ctx context.Context, q Querier, taskID int64) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT user_id FROM task_annotators WHERE task_id=? ORDER BY user_id`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		res = append(res, id)
	}
	return res, rows.Err()
}

func (r Repo) IsTaskAnnotator(ctx context.Context, q Querier, taskID int64, userID string) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM task_annotators WHERE task_id=? AND user_id=?`, taskID, userID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// --- allocation counts ---

// CountAssignedTasks counts tasks in the project the user is an annotator on,
// regardless of status. This is the denominator for the lifetime quota.
func (r Repo) CountAssignedTasks(ctx context.Context, q Querier, projectID, userID string) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks t
JOIN task_annotators ta ON ta.task_id=t.id
WHERE t.project_id=? AND ta.user_id=?`, projectID, userID).Scan(&n)
	return n, err
}

// CountPendingTasks counts tasks assigned to the user that still carry an
// unlabeled annotator annotation of theirs.
func (r Repo) CountPendingTasks(ctx context.Context, q Querier, projectID, userID string) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT COUNT(DISTINCT t.id) FROM tasks t
JOIN task_annotators ta ON ta.task_id=t.id AND ta.user_id=?
JOIN annotations a ON a.task_id=t.id AND a.completed_by=? AND a.annotation_type=? AND a.annotation_status=?
WHERE t.project_id=? AND t.task_status IN (?,?)`,
		userID, userID, domain.AnnotatorAnnotation, domain.AnnUnlabeled,
		projectID, domain.TaskIncomplete, domain.TaskUnlabeled).Scan(&n)
	return n, err
}

// CountPendingReviewTasks counts tasks held by the reviewer whose reviewer
// annotation is still unreviewed.
func (r Repo) CountPendingReviewTasks(ctx context.Context, q Querier, projectID, userID string) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT COUNT(DISTINCT t.id) FROM tasks t
JOIN annotations a ON a.task_id=t.id AND a.completed_by=? AND a.annotation_type=? AND a.annotation_status=?
WHERE t.project_id=? AND t.review_user=? AND t.task_status=?`,
		userID, domain.ReviewerAnnotation, domain.RevUnreviewed,
		projectID, userID, domain.TaskAnnotated).Scan(&n)
	return n, err
}

// CountPendingSuperCheckTasks counts tasks held by the superchecker whose
// supercheck annotation is still unvalidated.
func (r Repo) CountPendingSuperCheckTasks(ctx context.Context, q Querier, projectID, userID string) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT COUNT(DISTINCT t.id) FROM tasks t
JOIN annotations a ON a.task_id=t.id AND a.completed_by=? AND a.annotation_type=? AND a.annotation_status=?
WHERE t.project_id=? AND t.super_check_user=? AND t.task_status=?`,
		userID, domain.SuperCheckerAnnotation, domain.SupUnvalidated,
		projectID, userID, domain.TaskReviewed).Scan(&n)
	return n, err
}

// CountTasksByStatuses counts the project's tasks in any of the given statuses.
func (r Repo) CountTasksByStatuses(ctx context.Context, q Querier, projectID string, statuses ...string) (int, error) {
	if len(statuses) == 0 {
		return 0, nil
	}
	args := []any{projectID}
	for _, s := range statuses {
		args = append(args, s)
	}
	var n int
	err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE project_id=? AND task_status IN (`+
		placeholders(len(statuses))+`)`, args...).Scan(&n)
	return n, err
}

// --- allocation candidate queries ---

// AnnotationCandidates lists incomplete tasks the user is not yet assigned to
// and that still have an open annotator slot. With multiAnnotator the list is
// ordered so tasks whose siblings (same input_data) already reached ANNOTATED
// come first; otherwise by ascending id.
func (r Repo) AnnotationCandidates(ctx context.Context, q Querier, projectID, userID string, requiredAnnotators, limit int) ([]domain.Task, error) {
	order := `t.id ASC`
	if requiredAnnotators > 1 {
		order = `(SELECT COUNT(*) FROM tasks s WHERE s.project_id=t.project_id AND s.input_data=t.input_data
AND s.id<>t.id AND s.task_status=?) DESC, t.id ASC`
	}
	query := fmt.Sprintf(`SELECT `+prefixColumns("t")+` FROM tasks t
WHERE t.project_id=? AND t.task_status=?
AND NOT EXISTS (SELECT 1 FROM task_annotators ta WHERE ta.task_id=t.id AND ta.user_id=?)
AND (SELECT COUNT(*) FROM task_annotators ta2 WHERE ta2.task_id=t.id) < ?
ORDER BY %s LIMIT ?`, order)
	args := []any{projectID, domain.TaskIncomplete, userID, requiredAnnotators}
	if requiredAnnotators > 1 {
		args = append(args, domain.TaskAnnotated)
	}
	args = append(args, limit)
	return r.queryTasks(ctx, q, query, args...)
}

// UserWorkedInputData returns the input_data values in the project the user
// already produced any annotator annotation for. Used to avoid handing the
// same item to the same user twice in multi-annotator projects.
func (r Repo) UserWorkedInputData(ctx context.Context, q Querier, projectID, userID string) (map[string]bool, error) {
	rows, err := q.QueryContext(ctx, `SELECT DISTINCT t.input_data FROM annotations a
JOIN tasks t ON t.id=a.task_id
WHERE t.project_id=? AND a.completed_by=? AND a.annotation_type=?`,
		projectID, userID, domain.AnnotatorAnnotation)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]bool{}
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		res[d] = true
	}
	return res, rows.Err()
}

// ReviewCandidates lists annotated tasks with no reviewer yet where the user
// did not annotate, freshest annotator work first.
func (r Repo) ReviewCandidates(ctx context.Context, q Querier, projectID, userID string, limit int) ([]domain.Task, error) {
	query := `SELECT ` + prefixColumns("t") + ` FROM tasks t
WHERE t.project_id=? AND t.task_status=? AND t.review_user IS NULL
AND NOT EXISTS (SELECT 1 FROM task_annotators ta WHERE ta.task_id=t.id AND ta.user_id=?)
ORDER BY (SELECT MAX(a.updated_at) FROM annotations a WHERE a.task_id=t.id AND a.annotation_type=?) DESC, t.id ASC
LIMIT ?`
	return r.queryTasks(ctx, q, query, projectID, domain.TaskAnnotated, userID, domain.AnnotatorAnnotation, limit)
}

// UniReviewCandidates orders review candidates so items whose sibling tasks
// carry the most labeled annotator annotations come first. The caller expands
// each pick into its full sibling group.
func (r Repo) UniReviewCandidates(ctx context.Context, q Querier, projectID, userID string, limit int) ([]domain.Task, error) {
	query := `SELECT ` + prefixColumns("t") + ` FROM tasks t
WHERE t.project_id=? AND t.task_status=? AND t.review_user IS NULL
AND NOT EXISTS (SELECT 1 FROM task_annotators ta WHERE ta.task_id=t.id AND ta.user_id=?)
ORDER BY (SELECT COUNT(*) FROM annotations a JOIN tasks s ON s.id=a.task_id
WHERE s.project_id=t.project_id AND s.input_data=t.input_data AND a.annotation_type=? AND a.annotation_status=?) DESC, t.id ASC
LIMIT ?`
	return r.queryTasks(ctx, q, query, projectID, domain.TaskAnnotated, userID,
		domain.AnnotatorAnnotation, domain.AnnLabeled, limit)
}

// SiblingTasks lists other tasks in the project with the same input_data.
func (r Repo) SiblingTasks(ctx context.Context, q Querier, projectID, inputData string, excludeID int64) ([]domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE project_id=? AND input_data=? AND id<>? ORDER BY id`
	return r.queryTasks(ctx, q, query, projectID, inputData, excludeID)
}

// SuperCheckCandidates lists reviewed tasks with no superchecker yet where the
// user neither annotated nor reviewed, freshest reviewer work first.
func (r Repo) SuperCheckCandidates(ctx context.Context, q Querier, projectID, userID string, limit int) ([]domain.Task, error) {
	query := `SELECT ` + prefixColumns("t") + ` FROM tasks t
WHERE t.project_id=? AND t.task_status=? AND t.super_check_user IS NULL
AND (t.review_user IS NULL OR t.review_user<>?)
AND NOT EXISTS (SELECT 1 FROM task_annotators ta WHERE ta.task_id=t.id AND ta.user_id=?)
ORDER BY (SELECT MAX(a.updated_at) FROM annotations a WHERE a.task_id=t.id AND a.annotation_type=?) DESC, t.id ASC
LIMIT ?`
	return r.queryTasks(ctx, q, query, projectID, domain.TaskReviewed, userID, userID, domain.ReviewerAnnotation, limit)
}

// TasksHeldForReview lists the reviewer's tasks whose reviewer annotation is
// in any of the given statuses.
func (r Repo) TasksHeldForReview(ctx context.Context, q Querier, projectID, userID string, annStatuses []string) ([]domain.Task, error) {
	args := []any{projectID, userID, domain.ReviewerAnnotation, userID}
	query := `SELECT ` + prefixColumns("t") + ` FROM tasks t
WHERE t.project_id=? AND t.review_user=?
AND EXISTS (SELECT 1 FROM annotations a WHERE a.task_id=t.id AND a.annotation_type=? AND a.completed_by=?`
	if len(annStatuses) > 0 {
		query += ` AND a.annotation_status IN (` + placeholders(len(annStatuses)) + `)`
		for _, s := range annStatuses {
			args = append(args, s)
		}
	}
	query += `) ORDER BY t.id`
	return r.queryTasks(ctx, q, query, args...)
}

// TasksHeldForSuperCheck is the supercheck analogue of TasksHeldForReview.
func (r Repo) TasksHeldForSuperCheck(ctx context.Context, q Querier, projectID, userID string, annStatuses []string) ([]domain.Task, error) {
	args := []any{projectID, userID, domain.SuperCheckerAnnotation, userID}
	query := `SELECT ` + prefixColumns("t") + ` FROM tasks t
WHERE t.project_id=? AND t.super_check_user=?
AND EXISTS (SELECT 1 FROM annotations a WHERE a.task_id=t.id AND a.annotation_type=? AND a.completed_by=?`
	if len(annStatuses) > 0 {
		query += ` AND a.annotation_status IN (` + placeholders(len(annStatuses)) + `)`
		for _, s := range annStatuses {
			args = append(args, s)
		}
	}
	query += `) ORDER BY t.id`
	return r.queryTasks(ctx, q, query, args...)
}

// TasksAssignedForAnnotation lists tasks the annotator holds whose annotator
// annotation of theirs is in any of the given statuses.
func (r Repo) TasksAssignedForAnnotation(ctx context.Context, q Querier, projectID, userID string, annStatuses []string) ([]domain.Task, error) {
	args := []any{userID, projectID, domain.AnnotatorAnnotation, userID}
	query := `SELECT ` + prefixColumns("t") + ` FROM tasks t
JOIN task_annotators ta ON ta.task_id=t.id AND ta.user_id=?
WHERE t.project_id=?
AND EXISTS (SELECT 1 FROM annotations a WHERE a.task_id=t.id AND a.annotation_type=? AND a.completed_by=?`
	if len(annStatuses) > 0 {
		query += ` AND a.annotation_status IN (` + placeholders(len(annStatuses)) + `)`
		for _, s := range annStatuses {
			args = append(args, s)
		}
	}
	query += `) ORDER BY t.id`
	return r.queryTasks(ctx, q, query, args...)
}

func prefixColumns(alias string) string {
	cols := strings.Split(strings.ReplaceAll(taskColumns, "\n", ""), ",")
	for i, c := range cols {
		cols[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ",")
}
