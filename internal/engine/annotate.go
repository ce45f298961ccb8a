package engine

import (
	"context"
	"database/sql"
	"fmt"

	"annohub/internal/domain"
	"annohub/internal/events"
)

// SubmitAnnotationOptions carry one annotation update.
type SubmitAnnotationOptions struct {
	AnnotationID int64
	Status       string
	ResultJSON   string
	Notes        string
	ActorID      string
}

// SubmitAnnotation records the actor's verdict on their own annotation and
// moves the task through the pipeline accordingly. Demotions down the chain
// are bounded by the project's revision loop limit.
func (e Engine) SubmitAnnotation(ctx context.Context, opts SubmitAnnotationOptions) (domain.Annotation, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Annotation{}, err
	}
	defer tx.Rollback()

	ann, err := e.Repo.GetAnnotation(ctx, tx, opts.AnnotationID)
	if err != nil {
		return domain.Annotation{}, err
	}
	if ann.CompletedBy != opts.ActorID {
		return domain.Annotation{}, ForbiddenError{Message: "Only the annotation's owner can update it"}
	}
	if !validAnnotationStatus(ann.AnnotationType, opts.Status) {
		return domain.Annotation{}, ValidationError{
			Message: fmt.Sprintf("status %q is not valid for this annotation", opts.Status),
		}
	}
	t, err := e.Repo.GetTask(ctx, tx, ann.TaskID)
	if err != nil {
		return domain.Annotation{}, err
	}
	p, err := e.Repo.GetProject(ctx, tx, t.ProjectID)
	if err != nil {
		return domain.Annotation{}, err
	}

	now := e.nowStamp()
	ann.AnnotationStatus = opts.Status
	if opts.ResultJSON != "" {
		ann.ResultJSON = opts.ResultJSON
	}
	if opts.Notes != "" {
		ann.Notes = opts.Notes
	}
	ann.UpdatedAt = now
	if err := e.Repo.UpdateAnnotation(ctx, tx, ann); err != nil {
		return domain.Annotation{}, err
	}

	switch ann.AnnotationType {
	case domain.AnnotatorAnnotation:
		err = e.propagateAnnotator(ctx, tx, p, t, now)
	case domain.ReviewerAnnotation:
		err = e.propagateReviewer(ctx, tx, p, t, ann, now)
	case domain.SuperCheckerAnnotation:
		err = e.propagateSuperChecker(ctx, tx, p, t, ann, now)
	}
	if err != nil {
		return domain.Annotation{}, err
	}

	if err := e.Events.Append(ctx, tx, events.TypeAnnotationSaved, t.ProjectID, "annotation",
		fmt.Sprintf("%d", ann.ID), opts.ActorID,
		events.EventPayload{"task_id": ann.TaskID, "status": ann.AnnotationStatus}); err != nil {
		return domain.Annotation{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Annotation{}, err
	}
	return ann, nil
}

func validAnnotationStatus(annType int, status string) bool {
	switch annType {
	case domain.AnnotatorAnnotation:
		switch status {
		case domain.AnnUnlabeled, domain.AnnSkipped, domain.AnnDraft, domain.AnnLabeled:
			return true
		}
	case domain.ReviewerAnnotation:
		switch status {
		case domain.RevUnreviewed, domain.RevAccepted, domain.RevAcceptedWithMinorChanges,
			domain.RevAcceptedWithMajorChanges, domain.RevToBeRevised, domain.RevRejected:
			return true
		}
	case domain.SuperCheckerAnnotation:
		switch status {
		case domain.SupUnvalidated, domain.SupValidated, domain.SupValidatedWithChanges, domain.SupRejected:
			return true
		}
	}
	return false
}

// propagateAnnotator recomputes the task status from the labeled slot count.
// The task reaches ANNOTATED only once every required slot is labeled.
func (e Engine) propagateAnnotator(ctx context.Context, tx *sql.Tx, p domain.Project, t domain.Task, now string) error {
	if t.TaskStatus != domain.TaskIncomplete && t.TaskStatus != domain.TaskAnnotated {
		return nil
	}
	anns, err := e.Repo.AnnotationsForTask(ctx, tx, t.ID, domain.AnnotatorAnnotation)
	if err != nil {
		return err
	}
	labeled := 0
	for _, a := range anns {
		if a.AnnotationStatus == domain.AnnLabeled {
			labeled++
		}
	}
	status := domain.TaskIncomplete
	if labeled >= p.RequiredAnnotatorsPerTask {
		status = domain.TaskAnnotated
	}
	if status == t.TaskStatus {
		return nil
	}
	t.TaskStatus = status
	t.UpdatedAt = now
	return e.Repo.UpdateTask(ctx, tx, t)
}

func (e Engine) propagateReviewer(ctx context.Context, tx *sql.Tx, p domain.Project, t domain.Task, ann domain.Annotation, now string) error {
	switch ann.AnnotationStatus {
	case domain.RevAccepted, domain.RevAcceptedWithMinorChanges, domain.RevAcceptedWithMajorChanges:
		id := ann.ID
		t.TaskStatus = domain.TaskReviewed
		t.CorrectAnnotation = &id
		t.UpdatedAt = now
		return e.Repo.UpdateTask(ctx, tx, t)
	case domain.RevToBeRevised:
		if t.RevisionLoopCount.ReviewCount >= p.RevisionLoopLimit {
			return ForbiddenError{Message: "Maximum revision loop limit reached for this task"}
		}
		if ann.ParentAnnotation != nil {
			if err := e.Repo.UpdateAnnotationStatus(ctx, tx, *ann.ParentAnnotation, domain.AnnToBeRevised, now); err != nil {
				return err
			}
		}
		t.TaskStatus = domain.TaskAnnotated
		t.CorrectAnnotation = nil
		t.RevisionLoopCount.ReviewCount++
		t.UpdatedAt = now
		return e.Repo.UpdateTask(ctx, tx, t)
	}
	return nil
}

func (e Engine) propagateSuperChecker(ctx context.Context, tx *sql.Tx, p domain.Project, t domain.Task, ann domain.Annotation, now string) error {
	switch ann.AnnotationStatus {
	case domain.SupValidated, domain.SupValidatedWithChanges:
		id := ann.ID
		t.TaskStatus = domain.TaskSuperChecked
		t.CorrectAnnotation = &id
		t.UpdatedAt = now
		return e.Repo.UpdateTask(ctx, tx, t)
	case domain.SupRejected:
		if t.RevisionLoopCount.SuperCheckCount >= p.RevisionLoopLimit {
			return ForbiddenError{Message: "Maximum revision loop limit reached for this task"}
		}
		if ann.ParentAnnotation != nil {
			if err := e.Repo.UpdateAnnotationStatus(ctx, tx, *ann.ParentAnnotation, domain.RevRejected, now); err != nil {
				return err
			}
		}
		t.TaskStatus = domain.TaskAnnotated
		t.CorrectAnnotation = nil
		t.RevisionLoopCount.SuperCheckCount++
		t.UpdatedAt = now
		return e.Repo.UpdateTask(ctx, tx, t)
	}
	return nil
}
