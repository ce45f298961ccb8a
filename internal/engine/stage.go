package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"annohub/internal/domain"
	"annohub/internal/events"
	"annohub/internal/repo"
)

type stageKey struct {
	From int
	To   int
}

type stageTransition struct {
	check func(p domain.Project) error
	apply func(ctx context.Context, e Engine, tx *sql.Tx, p domain.Project) error
}

// stageTransitions enumerates every legal adjacent move and its task-set
// rewrite. Anything not in the table is rejected.
var stageTransitions = map[stageKey]stageTransition{
	{domain.AnnotationStage, domain.ReviewStage}:     {apply: applyAnnotationToReview},
	{domain.ReviewStage, domain.AnnotationStage}:     {check: checkReviewToAnnotation, apply: applyReviewToAnnotation},
	{domain.ReviewStage, domain.SuperCheckStage}:     {apply: applyReviewToSuperCheck},
	{domain.SuperCheckStage, domain.ReviewStage}:     {apply: applySuperCheckToReview},
}

func checkReviewToAnnotation(p domain.Project) error {
	if p.RequiredAnnotatorsPerTask > 1 {
		return ForbiddenError{Message: "Multi-annotator projects cannot return to the annotation stage"}
	}
	return nil
}

// ChangeProjectStage moves the project to an adjacent stage and rewrites the
// task set for the new stage. All three stage locks are held so no pull can
// interleave, and the whole rewrite is one transaction.
func (e Engine) ChangeProjectStage(ctx context.Context, projectID string, target int, actorID string) (domain.Project, error) {
	if target < domain.AnnotationStage || target > domain.SuperCheckStage {
		return domain.Project{}, ValidationError{Message: fmt.Sprintf("unknown project stage %d", target)}
	}

	release, err := e.acquireAllLocks(ctx, projectID, actorID)
	if err != nil {
		return domain.Project{}, err
	}
	defer release()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetProject(ctx, tx, projectID)
	if err != nil {
		return domain.Project{}, err
	}
	if p.IsArchived {
		return domain.Project{}, ForbiddenError{Message: "This project is archived"}
	}
	if target == p.ProjectStage {
		return domain.Project{}, ForbiddenError{Message: "The project is already in the requested stage"}
	}
	tr, ok := stageTransitions[stageKey{p.ProjectStage, target}]
	if !ok {
		return domain.Project{}, ForbiddenError{
			Message: fmt.Sprintf("Cannot move from the %s stage to the %s stage", domain.StageName(p.ProjectStage), domain.StageName(target)),
		}
	}
	if tr.check != nil {
		if err := tr.check(p); err != nil {
			return domain.Project{}, err
		}
	}
	if err := tr.apply(ctx, e, tx, p); err != nil {
		return domain.Project{}, err
	}

	now := e.nowStamp()
	if err := e.Repo.UpdateProjectStage(ctx, tx, projectID, target, now); err != nil {
		return domain.Project{}, err
	}
	if err := e.Events.Append(ctx, tx, events.TypeStageChanged, projectID, "project", projectID, actorID,
		events.EventPayload{"from": domain.StageName(p.ProjectStage), "to": domain.StageName(target)}); err != nil {
		return domain.Project{}, err
	}
	recipients, err := e.Repo.AllMemberIDs(ctx, tx, projectID)
	if err != nil {
		return domain.Project{}, err
	}
	if len(recipients) > 0 {
		title := fmt.Sprintf("Project %s moved to the %s stage", p.Title, domain.StageName(target))
		if _, err := e.Notify.Send(ctx, tx, projectID, title, "stage_change", recipients); err != nil {
			return domain.Project{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	p.ProjectStage = target
	p.UpdatedAt = now
	return p, nil
}

// applyAnnotationToReview re-adopts any surviving reviewer verdicts when a
// project that was rolled back moves forward again.
func applyAnnotationToReview(ctx context.Context, e Engine, tx *sql.Tx, p domain.Project) error {
	tasks, err := e.Repo.ListTasks(ctx, tx, p.ID, []string{domain.TaskAnnotated, domain.TaskExported}, 0)
	if err != nil {
		return err
	}
	now := e.nowStamp()
	for _, t := range tasks {
		rev, err := e.Repo.LatestAnnotation(ctx, tx, t.ID, domain.ReviewerAnnotation)
		if errors.Is(err, repo.ErrNotFound) {
			if t.TaskStatus == domain.TaskExported {
				t.TaskStatus = domain.TaskAnnotated
				t.CorrectAnnotation = nil
				t.UpdatedAt = now
				if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
					return err
				}
			}
			continue
		}
		if err != nil {
			return err
		}
		switch rev.AnnotationStatus {
		case domain.RevAccepted, domain.RevAcceptedWithMinorChanges, domain.RevAcceptedWithMajorChanges:
			id := rev.ID
			holder := rev.CompletedBy
			t.CorrectAnnotation = &id
			t.ReviewUser = &holder
			if t.TaskStatus == domain.TaskAnnotated {
				t.TaskStatus = domain.TaskReviewed
			}
			t.UpdatedAt = now
			if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
				return err
			}
		}
	}
	return nil
}

// applyReviewToAnnotation rolls the task set back to annotator ownership.
func applyReviewToAnnotation(ctx context.Context, e Engine, tx *sql.Tx, p domain.Project) error {
	now := e.nowStamp()
	if _, err := tx.ExecContext(ctx, `UPDATE tasks SET task_status=?, updated_at=? WHERE project_id=? AND task_status=?`,
		domain.TaskAnnotated, now, p.ID, domain.TaskReviewed); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE tasks SET review_user=NULL WHERE project_id=?`, p.ID); err != nil {
		return err
	}
	tasks, err := e.Repo.ListTasks(ctx, tx, p.ID, []string{domain.TaskAnnotated, domain.TaskExported}, 0)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		ann, err := e.Repo.LatestAnnotation(ctx, tx, t.ID, domain.AnnotatorAnnotation)
		if errors.Is(err, repo.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		id := ann.ID
		t.CorrectAnnotation = &id
		t.UpdatedAt = now
		if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
			return err
		}
	}
	return nil
}

// applyReviewToSuperCheck re-adopts surviving supercheck verdicts.
func applyReviewToSuperCheck(ctx context.Context, e Engine, tx *sql.Tx, p domain.Project) error {
	tasks, err := e.Repo.ListTasks(ctx, tx, p.ID, []string{domain.TaskReviewed, domain.TaskExported}, 0)
	if err != nil {
		return err
	}
	now := e.nowStamp()
	for _, t := range tasks {
		sc, err := e.Repo.LatestAnnotation(ctx, tx, t.ID, domain.SuperCheckerAnnotation)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		validated := err == nil &&
			(sc.AnnotationStatus == domain.SupValidated || sc.AnnotationStatus == domain.SupValidatedWithChanges)
		if validated {
			id := sc.ID
			holder := sc.CompletedBy
			t.CorrectAnnotation = &id
			t.SuperCheckUser = &holder
			if t.TaskStatus == domain.TaskReviewed {
				t.TaskStatus = domain.TaskSuperChecked
			}
		} else if t.TaskStatus == domain.TaskExported {
			t.TaskStatus = domain.TaskReviewed
			t.CorrectAnnotation = nil
		} else {
			continue
		}
		t.UpdatedAt = now
		if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
			return err
		}
	}
	return nil
}

// applySuperCheckToReview rolls the task set back to reviewer ownership.
func applySuperCheckToReview(ctx context.Context, e Engine, tx *sql.Tx, p domain.Project) error {
	now := e.nowStamp()
	if _, err := tx.ExecContext(ctx, `UPDATE tasks SET task_status=?, updated_at=? WHERE project_id=? AND task_status=?`,
		domain.TaskReviewed, now, p.ID, domain.TaskSuperChecked); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE tasks SET super_check_user=NULL WHERE project_id=?`, p.ID); err != nil {
		return err
	}
	tasks, err := e.Repo.ListTasks(ctx, tx, p.ID, []string{domain.TaskReviewed, domain.TaskExported}, 0)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		rev, err := e.Repo.LatestAnnotation(ctx, tx, t.ID, domain.ReviewerAnnotation)
		if errors.Is(err, repo.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		id := rev.ID
		t.CorrectAnnotation = &id
		t.UpdatedAt = now
		if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
			return err
		}
	}
	return nil
}
