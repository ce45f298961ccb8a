package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"annohub/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// ErrDuplicate signals a uniqueness-constraint violation on insert.
var ErrDuplicate = errors.New("duplicate row")

// Querier is satisfied by both *sql.DB and *sql.Tx so the same query helpers
// serve autocommit reads and transactional critical sections.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func nullableInt64Ptr(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?,", n-1) + "?"
}

// --- users ---

func (r Repo) InsertUser(ctx context.Context, q Querier, u domain.User) error {
	_, err := q.ExecContext(ctx, `INSERT INTO users(id,email,role,created_at) VALUES (?,?,?,?)`,
		u.ID, u.Email, u.Role, u.CreatedAt)
	return err
}

func (r Repo) EnsureUser(ctx context.Context, q Querier, u domain.User) error {
	_, err := q.ExecContext(ctx, `INSERT OR IGNORE INTO users(id,email,role,created_at) VALUES (?,?,?,?)`,
		u.ID, u.Email, u.Role, u.CreatedAt)
	return err
}

func (r Repo) GetUser(ctx context.Context, q Querier, id string) (domain.User, error) {
	var u domain.User
	err := q.QueryRowContext(ctx, `SELECT id,email,role,created_at FROM users WHERE id=?`, id).
		Scan(&u.ID, &u.Email, &u.Role, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	return u, err
}

func (r Repo) ListUsers(ctx context.Context, q Querier) ([]domain.User, error) {
	rows, err := q.QueryContext(ctx, `SELECT id,email,role,created_at FROM users ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.User
	for rows.Next() {
		var u domain.User
		if err := rows.Scan(&u.ID, &u.Email, &u.Role, &u.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}

// --- projects ---

const projectColumns = `id,title,COALESCE(description,''),project_type,project_stage,
required_annotators_per_task,max_tasks_per_user,max_pending_tasks_per_user,
tasks_pull_count_per_batch,k_value,revision_loop_limit,uni_review,is_published,is_archived,
created_at,updated_at`

func scanProject(scan func(dest ...any) error) (domain.Project, error) {
	var p domain.Project
	var uniReview, published, archived int
	err := scan(&p.ID, &p.Title, &p.Description, &p.ProjectType, &p.ProjectStage,
		&p.RequiredAnnotatorsPerTask, &p.MaxTasksPerUser, &p.MaxPendingTasksPerUser,
		&p.TasksPullCountPerBatch, &p.KValue, &p.RevisionLoopLimit, &uniReview, &published, &archived,
		&p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.UniReview = uniReview != 0
	p.IsPublished = published != 0
	p.IsArchived = archived != 0
	return p, nil
}

func (r Repo) InsertProject(ctx context.Context, q Querier, p domain.Project) error {
	_, err := q.ExecContext(ctx, `INSERT INTO projects(id,title,description,project_type,project_stage,
required_annotators_per_task,max_tasks_per_user,max_pending_tasks_per_user,tasks_pull_count_per_batch,
k_value,revision_loop_limit,uni_review,is_published,is_archived,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.Title, nullable(p.Description), p.ProjectType, p.ProjectStage,
		p.RequiredAnnotatorsPerTask, p.MaxTasksPerUser, p.MaxPendingTasksPerUser, p.TasksPullCountPerBatch,
		p.KValue, p.RevisionLoopLimit, boolToInt(p.UniReview), boolToInt(p.IsPublished), boolToInt(p.IsArchived),
		p.CreatedAt, p.UpdatedAt)
	return err
}

func (r Repo) GetProject(ctx context.Context, q Querier, id string) (domain.Project, error) {
	row := q.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=?`, id)
	return scanProject(row.Scan)
}

func (r Repo) ListProjects(ctx context.Context, q Querier) ([]domain.Project, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		p, err := scanProject(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) UpdateProjectStage(ctx context.Context, q Querier, id string, stage int, now string) error {
	res, err := q.ExecContext(ctx, `UPDATE projects SET project_stage=?, updated_at=? WHERE id=?`, stage, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetProjectPublished(ctx context.Context, q Querier, id string, published bool, now string) error {
	res, err := q.ExecContext(ctx, `UPDATE projects SET is_published=?, updated_at=? WHERE id=?`,
		boolToInt(published), now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetProjectArchived(ctx context.Context, q Querier, id string, archived bool, now string) error {
	res, err := q.ExecContext(ctx, `UPDATE projects SET is_archived=?, updated_at=? WHERE id=?`,
		boolToInt(archived), now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- membership ---

func (r Repo) AddMember(ctx context.Context, q Querier, projectID, userID, role string) error {
	_, err := q.ExecContext(ctx, `INSERT OR IGNORE INTO project_members(project_id,user_id,role) VALUES (?,?,?)`,
		projectID, userID, role)
	return err
}

func (r Repo) RemoveMember(ctx context.Context, q Querier, projectID, userID, role string) error {
	_, err := q.ExecContext(ctx, `DELETE FROM project_members WHERE project_id=? AND user_id=? AND role=?`,
		projectID, userID, role)
	return err
}

func (r Repo) IsMember(ctx context.Context, q Querier, projectID, userID, role string) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM project_members WHERE project_id=? AND user_id=? AND role=?`,
		projectID, userID, role).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (r Repo) ListMembers(ctx context.Context, q Querier, projectID, role string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT user_id FROM project_members WHERE project_id=? AND role=? ORDER BY user_id`,
		projectID, role)
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

func (r Repo) CountMembers(ctx context.Context, q Querier, projectID, role string) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM project_members WHERE project_id=? AND role=?`,
		projectID, role).Scan(&n)
	return n, err
}

// AllMemberIDs returns the distinct user ids holding any non-frozen role on
// the project. Used as the notification fan-out set.
func (r Repo) AllMemberIDs(ctx context.Context, q Querier, projectID string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT DISTINCT user_id FROM project_members WHERE project_id=? AND role!=? ORDER BY user_id`,
		projectID, domain.MemberFrozen)
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

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint failed")
}
