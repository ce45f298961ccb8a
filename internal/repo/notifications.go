package repo

import (
	"context"

	"annohub/internal/domain"
)

func (r Repo) InsertNotification(ctx context.Context, q Querier, n domain.Notification) error {
	_, err := q.ExecContext(ctx, `INSERT INTO notifications(id,project_id,title,notif_type,created_at) VALUES (?,?,?,?,?)`,
		n.ID, n.ProjectID, n.Title, n.NotifType, n.CreatedAt)
	if err != nil {
		return err
	}
	for _, uid := range n.Recipients {
		if _, err := q.ExecContext(ctx, `INSERT OR IGNORE INTO notification_recipients(notification_id,user_id) VALUES (?,?)`,
			n.ID, uid); err != nil {
			return err
		}
	}
	return nil
}

// ListNotificationsForUser lists the user's notifications, newest first.
func (r Repo) ListNotificationsForUser(ctx context.Context, q Querier, userID string, limit int) ([]domain.Notification, error) {
	query := `SELECT n.id,n.project_id,n.title,n.notif_type,n.created_at
FROM notifications n
JOIN notification_recipients nr ON nr.notification_id=n.id AND nr.user_id=?
ORDER BY n.created_at DESC, n.id DESC`
	args := []any{userID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Notification
	for rows.Next() {
		var n domain.Notification
		if err := rows.Scan(&n.ID, &n.ProjectID, &n.Title, &n.NotifType, &n.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, n)
	}
	return res, rows.Err()
}

func (r Repo) MarkNotificationSeen(ctx context.Context, q Querier, notificationID, userID string) error {
	res, err := q.ExecContext(ctx, `UPDATE notification_recipients SET seen=1 WHERE notification_id=? AND user_id=?`,
		notificationID, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
