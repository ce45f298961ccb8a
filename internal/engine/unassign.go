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

// UnassignResult is the outcome of an unassignment pass.
type UnassignResult struct {
	Message string
	TaskIDs []int64
}

// UnassignTasks hands back the user's annotation work. Targeted tasks are
// those whose annotator annotation by the user is in one of the given
// statuses; an empty filter targets them all.
func (e Engine) UnassignTasks(ctx context.Context, projectID, userID string, annStatuses []string, actorID string) (UnassignResult, error) {
	if _, err := e.Repo.GetProject(ctx, e.DB, projectID); err != nil {
		return UnassignResult{}, err
	}
	release, err := e.acquireLock(ctx, projectID, domain.AnnotationStage, actorID)
	if err != nil {
		return UnassignResult{}, err
	}
	defer release()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return UnassignResult{}, err
	}
	defer tx.Rollback()

	ids, err := e.unassignAnnotatorTx(ctx, tx, projectID, userID, annStatuses)
	if err != nil {
		return UnassignResult{}, err
	}
	if len(ids) == 0 {
		return UnassignResult{}, NoWorkError{Message: "No tasks to unassign"}
	}
	if err := e.appendUnassignEvent(ctx, tx, projectID, userID, actorID, domain.AnnotationStage, len(ids)); err != nil {
		return UnassignResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return UnassignResult{}, err
	}
	tasksUnassignedTotal.WithLabelValues(domain.StageName(domain.AnnotationStage)).Add(float64(len(ids)))
	return UnassignResult{Message: "Tasks unassigned successfully", TaskIDs: ids}, nil
}

// UnassignReviewTasks hands back the reviewer's held tasks.
func (e Engine) UnassignReviewTasks(ctx context.Context, projectID, userID string, annStatuses []string, actorID string) (UnassignResult, error) {
	if _, err := e.Repo.GetProject(ctx, e.DB, projectID); err != nil {
		return UnassignResult{}, err
	}
	release, err := e.acquireLock(ctx, projectID, domain.ReviewStage, actorID)
	if err != nil {
		return UnassignResult{}, err
	}
	defer release()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return UnassignResult{}, err
	}
	defer tx.Rollback()

	ids, err := e.unassignReviewerTx(ctx, tx, projectID, userID, annStatuses)
	if err != nil {
		return UnassignResult{}, err
	}
	if len(ids) == 0 {
		return UnassignResult{}, NoWorkError{Message: "No tasks to unassign"}
	}
	if err := e.appendUnassignEvent(ctx, tx, projectID, userID, actorID, domain.ReviewStage, len(ids)); err != nil {
		return UnassignResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return UnassignResult{}, err
	}
	tasksUnassignedTotal.WithLabelValues(domain.StageName(domain.ReviewStage)).Add(float64(len(ids)))
	return UnassignResult{Message: "Tasks unassigned successfully", TaskIDs: ids}, nil
}

// UnassignSuperCheckTasks hands back the superchecker's held tasks.
func (e Engine) UnassignSuperCheckTasks(ctx context.Context, projectID, userID string, annStatuses []string, actorID string) (UnassignResult, error) {
	if _, err := e.Repo.GetProject(ctx, e.DB, projectID); err != nil {
		return UnassignResult{}, err
	}
	release, err := e.acquireLock(ctx, projectID, domain.SuperCheckStage, actorID)
	if err != nil {
		return UnassignResult{}, err
	}
	defer release()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return UnassignResult{}, err
	}
	defer tx.Rollback()

	ids, err := e.unassignSuperCheckerTx(ctx, tx, projectID, userID, annStatuses)
	if err != nil {
		return UnassignResult{}, err
	}
	if len(ids) == 0 {
		return UnassignResult{}, NoWorkError{Message: "No tasks to unassign"}
	}
	if err := e.appendUnassignEvent(ctx, tx, projectID, userID, actorID, domain.SuperCheckStage, len(ids)); err != nil {
		return UnassignResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return UnassignResult{}, err
	}
	tasksUnassignedTotal.WithLabelValues(domain.StageName(domain.SuperCheckStage)).Add(float64(len(ids)))
	return UnassignResult{Message: "Tasks unassigned successfully", TaskIDs: ids}, nil
}

func (e Engine) appendUnassignEvent(ctx context.Context, tx *sql.Tx, projectID, userID, actorID string, stage, count int) error {
	return e.Events.Append(ctx, tx, events.TypeTasksUnassigned, projectID, "user", userID, actorID,
		events.EventPayload{"stage": domain.StageName(stage), "count": count})
}

// unassignAnnotatorTx deletes the user's annotation chains child-first and
// resets the targeted tasks to INCOMPLETE with no annotators.
func (e Engine) unassignAnnotatorTx(ctx context.Context, tx *sql.Tx, projectID, userID string, annStatuses []string) ([]int64, error) {
	tasks, err := e.Repo.TasksAssignedForAnnotation(ctx, tx, projectID, userID, annStatuses)
	if err != nil {
		return nil, err
	}
	now := e.nowStamp()
	var ids []int64
	for _, t := range tasks {
		ann, err := e.Repo.AnnotationFor(ctx, tx, t.ID, domain.AnnotatorAnnotation, userID)
		if errors.Is(err, repo.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if err := e.deleteAnnotationChain(ctx, tx, ann.ID); err != nil {
			return nil, err
		}
		annotators, err := e.Repo.TaskAnnotators(ctx, tx, t.ID)
		if err != nil {
			return nil, err
		}
		for _, a := range annotators {
			if err := e.Repo.RemoveTaskAnnotator(ctx, tx, t.ID, a); err != nil {
				return nil, err
			}
		}
		t.TaskStatus = domain.TaskIncomplete
		t.ReviewUser = nil
		t.SuperCheckUser = nil
		t.CorrectAnnotation = nil
		t.RevisionLoopCount = domain.RevisionLoopCount{}
		t.UpdatedAt = now
		if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
			return nil, err
		}
		ids = append(ids, t.ID)
	}
	return ids, nil
}

func (e Engine) unassignReviewerTx(ctx context.Context, tx *sql.Tx, projectID, userID string, annStatuses []string) ([]int64, error) {
	tasks, err := e.Repo.TasksHeldForReview(ctx, tx, projectID, userID, annStatuses)
	if err != nil {
		return nil, err
	}
	now := e.nowStamp()
	var ids []int64
	for _, t := range tasks {
		rev, err := e.Repo.AnnotationFor(ctx, tx, t.ID, domain.ReviewerAnnotation, userID)
		if errors.Is(err, repo.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if child, err := e.Repo.ChildAnnotation(ctx, tx, rev.ID); err == nil {
			if err := e.Repo.DeleteAnnotation(ctx, tx, child.ID); err != nil {
				return nil, err
			}
		} else if !errors.Is(err, repo.ErrNotFound) {
			return nil, err
		}
		// A pending revision is cancelled: the annotator keeps their work.
		if rev.AnnotationStatus == domain.RevToBeRevised && rev.ParentAnnotation != nil {
			if err := e.Repo.UpdateAnnotationStatus(ctx, tx, *rev.ParentAnnotation, domain.AnnLabeled, now); err != nil && !errors.Is(err, repo.ErrNotFound) {
				return nil, err
			}
		}
		if err := e.Repo.DeleteAnnotation(ctx, tx, rev.ID); err != nil {
			return nil, err
		}
		t.TaskStatus = domain.TaskAnnotated
		t.ReviewUser = nil
		t.SuperCheckUser = nil
		t.CorrectAnnotation = nil
		t.RevisionLoopCount = domain.RevisionLoopCount{}
		t.UpdatedAt = now
		if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
			return nil, err
		}
		ids = append(ids, t.ID)
	}
	return ids, nil
}

func (e Engine) unassignSuperCheckerTx(ctx context.Context, tx *sql.Tx, projectID, userID string, annStatuses []string) ([]int64, error) {
	tasks, err := e.Repo.TasksHeldForSuperCheck(ctx, tx, projectID, userID, annStatuses)
	if err != nil {
		return nil, err
	}
	now := e.nowStamp()
	var ids []int64
	for _, t := range tasks {
		sc, err := e.Repo.AnnotationFor(ctx, tx, t.ID, domain.SuperCheckerAnnotation, userID)
		if errors.Is(err, repo.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		// A pending rejection is cancelled: the reviewer verdict stands again
		// and the annotator's work stays accepted underneath it.
		if sc.AnnotationStatus == domain.SupRejected && sc.ParentAnnotation != nil {
			rev, err := e.Repo.GetAnnotation(ctx, tx, *sc.ParentAnnotation)
			if err == nil {
				if err := e.Repo.UpdateAnnotationStatus(ctx, tx, rev.ID, domain.RevAccepted, now); err != nil {
					return nil, err
				}
				if rev.ParentAnnotation != nil {
					if err := e.Repo.UpdateAnnotationStatus(ctx, tx, *rev.ParentAnnotation, domain.AnnLabeled, now); err != nil && !errors.Is(err, repo.ErrNotFound) {
						return nil, err
					}
				}
			} else if !errors.Is(err, repo.ErrNotFound) {
				return nil, err
			}
		}
		if err := e.Repo.DeleteAnnotation(ctx, tx, sc.ID); err != nil {
			return nil, err
		}
		t.TaskStatus = domain.TaskReviewed
		t.SuperCheckUser = nil
		t.RevisionLoopCount.SuperCheckCount = 0
		t.UpdatedAt = now
		if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
			return nil, err
		}
		ids = append(ids, t.ID)
	}
	return ids, nil
}

// deleteAnnotationChain removes an annotator annotation and every descendant,
// deepest first so no child ever outlives its parent.
func (e Engine) deleteAnnotationChain(ctx context.Context, tx *sql.Tx, annID int64) error {
	child, err := e.Repo.ChildAnnotation(ctx, tx, annID)
	if err == nil {
		if err := e.deleteAnnotationChain(ctx, tx, child.ID); err != nil {
			return err
		}
	} else if !errors.Is(err, repo.ErrNotFound) {
		return err
	}
	return e.Repo.DeleteAnnotation(ctx, tx, annID)
}

// RemoveMemberOptions identify the user and role being frozen out.
type RemoveMemberOptions struct {
	ProjectID string
	UserID    string
	Role      string
	ActorID   string
}

// RemoveMember freezes the user on the project and unwinds their held work
// for the given role. The role membership row itself is kept; the frozen
// marker is what gates future pulls.
func (e Engine) RemoveMember(ctx context.Context, opts RemoveMemberOptions) (UnassignResult, error) {
	p, err := e.Repo.GetProject(ctx, e.DB, opts.ProjectID)
	if err != nil {
		return UnassignResult{}, err
	}
	var stage int
	switch opts.Role {
	case domain.MemberAnnotator:
		stage = domain.AnnotationStage
	case domain.MemberReviewer:
		stage = domain.ReviewStage
	case domain.MemberSuperChecker:
		stage = domain.SuperCheckStage
	default:
		return UnassignResult{}, ValidationError{Message: fmt.Sprintf("unknown member role %q", opts.Role)}
	}
	member, err := e.Repo.IsMember(ctx, e.DB, opts.ProjectID, opts.UserID, opts.Role)
	if err != nil {
		return UnassignResult{}, err
	}
	if !member {
		return UnassignResult{}, ValidationError{Message: fmt.Sprintf("user %s is not a %s on this project", opts.UserID, opts.Role)}
	}

	release, err := e.acquireLock(ctx, opts.ProjectID, stage, opts.ActorID)
	if err != nil {
		return UnassignResult{}, err
	}
	defer release()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return UnassignResult{}, err
	}
	defer tx.Rollback()

	var ids []int64
	switch opts.Role {
	case domain.MemberAnnotator:
		ids, err = e.unassignAnnotatorTx(ctx, tx, opts.ProjectID, opts.UserID, nil)
	case domain.MemberReviewer:
		ids, err = e.unassignReviewerTx(ctx, tx, opts.ProjectID, opts.UserID, nil)
	case domain.MemberSuperChecker:
		ids, err = e.unassignSuperCheckerTx(ctx, tx, opts.ProjectID, opts.UserID, nil)
	}
	if err != nil {
		return UnassignResult{}, err
	}
	if err := e.Repo.AddMember(ctx, tx, opts.ProjectID, opts.UserID, domain.MemberFrozen); err != nil {
		return UnassignResult{}, err
	}
	if err := e.Events.Append(ctx, tx, events.TypeMemberFrozen, opts.ProjectID, "user", opts.UserID, opts.ActorID,
		events.EventPayload{"role": opts.Role, "unassigned": len(ids)}); err != nil {
		return UnassignResult{}, err
	}
	title := fmt.Sprintf("You have been removed from project %s", p.Title)
	if _, err := e.Notify.Send(ctx, tx, opts.ProjectID, title, "member_removed", []string{opts.UserID}); err != nil {
		return UnassignResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return UnassignResult{}, err
	}
	return UnassignResult{Message: "User removed from the project", TaskIDs: ids}, nil
}

// RemoveFrozenUser clears the frozen marker so the user can pull again.
func (e Engine) RemoveFrozenUser(ctx context.Context, projectID, userID, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := e.Repo.GetProject(ctx, tx, projectID); err != nil {
		return err
	}
	frozen, err := e.Repo.IsMember(ctx, tx, projectID, userID, domain.MemberFrozen)
	if err != nil {
		return err
	}
	if !frozen {
		return ValidationError{Message: fmt.Sprintf("user %s is not frozen on this project", userID)}
	}
	if err := e.Repo.RemoveMember(ctx, tx, projectID, userID, domain.MemberFrozen); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.TypeMemberUnfrozen, projectID, "user", userID, actorID,
		events.EventPayload{"role": domain.MemberFrozen}); err != nil {
		return err
	}
	return tx.Commit()
}
