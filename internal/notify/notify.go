// Package notify stores per-user notifications alongside the state change
// that produced them.
package notify

import (
	"context"
	"time"

	"github.com/google/uuid"

	"annohub/internal/domain"
	"annohub/internal/repo"
)

type Dispatcher struct {
	Repo repo.Repo
	Now  func() time.Time
}

// Send writes the notification and its recipient rows through q, which is the
// caller's transaction when the notification must commit with a mutation.
func (d Dispatcher) Send(ctx context.Context, q repo.Querier, projectID, title, notifType string, recipients []string) (domain.Notification, error) {
	if d.Now == nil {
		d.Now = time.Now
	}
	n := domain.Notification{
		ID:         uuid.NewString(),
		ProjectID:  projectID,
		Title:      title,
		NotifType:  notifType,
		Recipients: recipients,
		CreatedAt:  d.Now().UTC().Format(time.RFC3339),
	}
	if err := d.Repo.InsertNotification(ctx, q, n); err != nil {
		return domain.Notification{}, err
	}
	return n, nil
}
