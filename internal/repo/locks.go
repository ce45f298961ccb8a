package repo

import (
	"context"
	"database/sql"

	"annohub/internal/domain"
)

// TrySetLock attempts to take the (project, stage) lock in one statement. A
// live row owned by anyone blocks the attempt; an expired row is taken over.
// Returns true when the caller now owns the lock.
func (r Repo) TrySetLock(ctx context.Context, q Querier, l domain.ProjectLock) (bool, error) {
	res, err := q.ExecContext(ctx, `INSERT INTO project_locks(project_id,stage,user_id,acquired_at,expires_at)
VALUES (?,?,?,?,?)
ON CONFLICT(project_id,stage) DO UPDATE SET
user_id=excluded.user_id, acquired_at=excluded.acquired_at, expires_at=excluded.expires_at
WHERE project_locks.expires_at<=excluded.acquired_at`,
		l.ProjectID, l.Stage, l.UserID, l.AcquiredAt, l.ExpiresAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetLock returns the lock row regardless of expiry.
func (r Repo) GetLock(ctx context.Context, q Querier, projectID, stage string) (domain.ProjectLock, error) {
	var l domain.ProjectLock
	err := q.QueryRowContext(ctx, `SELECT project_id,stage,user_id,acquired_at,expires_at
FROM project_locks WHERE project_id=? AND stage=?`, projectID, stage).
		Scan(&l.ProjectID, &l.Stage, &l.UserID, &l.AcquiredAt, &l.ExpiresAt)
	if err == sql.ErrNoRows {
		return l, ErrNotFound
	}
	return l, err
}

// IsLocked reports whether an unexpired lock row exists as of now.
func (r Repo) IsLocked(ctx context.Context, q Querier, projectID, stage, now string) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM project_locks WHERE project_id=? AND stage=? AND expires_at>?`,
		projectID, stage, now).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// ReleaseLock deletes the lock only when still owned by userID, so a takeover
// after expiry is never clobbered by the original holder.
func (r Repo) ReleaseLock(ctx context.Context, q Querier, projectID, stage, userID string) error {
	_, err := q.ExecContext(ctx, `DELETE FROM project_locks WHERE project_id=? AND stage=? AND user_id=?`,
		projectID, stage, userID)
	return err
}
