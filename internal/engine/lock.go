package engine

import (
	"context"
	"fmt"
	"time"

	"annohub/internal/domain"
)

// acquireLock polls the leased (project, stage) lock until it is taken, the
// acquire timeout elapses, or ctx is done. The returned release function is
// safe to defer on every exit path.
func (e Engine) acquireLock(ctx context.Context, projectID string, stage int, userID string) (func(), error) {
	stageName := domain.StageName(stage)
	retry := e.Config.LockRetryInterval()
	ttl := e.Config.LockLeaseTTL()
	deadline := e.now().Add(e.Config.LockAcquireTimeout())

	for {
		now := e.now().UTC()
		lock := domain.ProjectLock{
			ProjectID:  projectID,
			Stage:      stageName,
			UserID:     userID,
			AcquiredAt: now.Format(time.RFC3339),
			ExpiresAt:  now.Add(ttl).Format(time.RFC3339),
		}
		ok, err := e.Repo.TrySetLock(ctx, e.DB, lock)
		if err != nil {
			return nil, fmt.Errorf("acquire %s lock: %w", stageName, err)
		}
		if ok {
			release := func() {
				_ = e.Repo.ReleaseLock(context.Background(), e.DB, projectID, stageName, userID)
			}
			return release, nil
		}
		if !e.now().Add(retry).Before(deadline) {
			lockConflictsTotal.WithLabelValues(stageName).Inc()
			return nil, ConflictError{Message: fmt.Sprintf("project %s is busy, try again", projectID)}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retry):
		}
	}
}

// acquireAllLocks takes every stage lock in ascending stage order so two
// transitions on the same project can never deadlock against each other.
func (e Engine) acquireAllLocks(ctx context.Context, projectID, userID string) (func(), error) {
	var releases []func()
	releaseAll := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}
	for _, stage := range []int{domain.AnnotationStage, domain.ReviewStage, domain.SuperCheckStage} {
		release, err := e.acquireLock(ctx, projectID, stage, userID)
		if err != nil {
			releaseAll()
			return nil, err
		}
		releases = append(releases, release)
	}
	return releaseAll, nil
}
