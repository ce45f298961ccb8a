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

// AssignResult is the outcome of one pull.
type AssignResult struct {
	Message string
	TaskIDs []int64
}

// AssignTasks pulls a batch of annotation work for the user. The whole
// selection and claim runs under the project's annotation lock and a single
// transaction so concurrent pullers never claim the same slot.
func (e Engine) AssignTasks(ctx context.Context, projectID, userID string, numTasks int) (AssignResult, error) {
	p, err := e.Repo.GetProject(ctx, e.DB, projectID)
	if err != nil {
		return AssignResult{}, err
	}
	if err := e.checkPullable(ctx, p, userID, domain.MemberAnnotator); err != nil {
		return AssignResult{}, err
	}

	assigned, err := e.Repo.CountAssignedTasks(ctx, e.DB, projectID, userID)
	if err != nil {
		return AssignResult{}, err
	}
	if p.MaxTasksPerUser != -1 && assigned >= p.MaxTasksPerUser {
		return AssignResult{
			Message: fmt.Sprintf("Maximum task assignment limit of %d reached for this project", p.MaxTasksPerUser),
		}, nil
	}

	pending, err := e.Repo.CountPendingTasks(ctx, e.DB, projectID, userID)
	if err != nil {
		return AssignResult{}, err
	}
	if pending >= p.MaxPendingTasksPerUser {
		return AssignResult{}, ForbiddenError{
			Message: fmt.Sprintf("You have %d unlabeled tasks pending, complete those before pulling more", pending),
		}
	}

	batch := numTasks
	if batch <= 0 {
		batch = p.TasksPullCountPerBatch
	}
	if room := p.MaxPendingTasksPerUser - pending; batch > room {
		batch = room
	}
	if p.MaxTasksPerUser != -1 {
		if remaining := p.MaxTasksPerUser - assigned; batch > remaining {
			batch = remaining
		}
	}

	release, err := e.acquireLock(ctx, projectID, domain.AnnotationStage, userID)
	if err != nil {
		return AssignResult{}, err
	}
	defer release()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return AssignResult{}, err
	}
	defer tx.Rollback()

	candidateLimit := batch
	if p.RequiredAnnotatorsPerTask > 1 {
		// Dedupe by input item happens below, so over-fetch.
		candidateLimit = -1
	}
	candidates, err := e.Repo.AnnotationCandidates(ctx, tx, projectID, userID, p.RequiredAnnotatorsPerTask, candidateLimit)
	if err != nil {
		return AssignResult{}, err
	}
	if len(candidates) == 0 {
		return AssignResult{}, NoWorkError{Message: "No tasks left for assignment in this project"}
	}

	var worked map[string]bool
	if p.RequiredAnnotatorsPerTask > 1 {
		worked, err = e.Repo.UserWorkedInputData(ctx, tx, projectID, userID)
		if err != nil {
			return AssignResult{}, err
		}
	}

	now := e.nowStamp()
	var taskIDs []int64
	for _, t := range candidates {
		if len(taskIDs) >= batch {
			break
		}
		if p.RequiredAnnotatorsPerTask > 1 {
			if worked[t.InputData] {
				continue
			}
			worked[t.InputData] = true
		}
		existingAnnotators, err := e.Repo.TaskAnnotators(ctx, tx, t.ID)
		if err != nil {
			return AssignResult{}, err
		}
		if err := e.Repo.AddTaskAnnotator(ctx, tx, t.ID, userID); err != nil {
			if errors.Is(err, repo.ErrDuplicate) {
				e.logger().Printf("allocate: user %s already on task %d, skipping", userID, t.ID)
				continue
			}
			return AssignResult{}, err
		}
		_, err = e.Repo.AnnotationFor(ctx, tx, t.ID, domain.AnnotatorAnnotation, userID)
		if errors.Is(err, repo.ErrNotFound) {
			_, err = e.Repo.InsertAnnotation(ctx, tx, domain.Annotation{
				TaskID:           t.ID,
				CompletedBy:      userID,
				AnnotationType:   domain.AnnotatorAnnotation,
				AnnotationStatus: domain.AnnUnlabeled,
				ResultJSON:       "[]",
				CreatedAt:        now,
				UpdatedAt:        now,
			})
			if errors.Is(err, repo.ErrDuplicate) {
				e.logger().Printf("allocate: duplicate annotation for user %s on task %d, skipping", userID, t.ID)
				err = nil
			}
		}
		if err != nil {
			return AssignResult{}, err
		}
		// Repair step: a claimed slot without its annotation row on a task
		// that already had annotators is handed back rather than left
		// half-claimed.
		if len(existingAnnotators) > 0 {
			if _, err := e.Repo.AnnotationFor(ctx, tx, t.ID, domain.AnnotatorAnnotation, userID); errors.Is(err, repo.ErrNotFound) {
				e.logger().Printf("allocate: task %d has no annotation for user %s after claim, releasing slot", t.ID, userID)
				if err := e.Repo.RemoveTaskAnnotator(ctx, tx, t.ID, userID); err != nil {
					return AssignResult{}, err
				}
				continue
			} else if err != nil {
				return AssignResult{}, err
			}
		}
		taskIDs = append(taskIDs, t.ID)
	}

	if len(taskIDs) == 0 {
		return AssignResult{}, NoWorkError{Message: "No tasks left for assignment in this project"}
	}
	if err := e.Events.Append(ctx, tx, events.TypeTasksAssigned, projectID, "task", "", userID,
		events.EventPayload{"stage": domain.StageName(domain.AnnotationStage), "count": len(taskIDs)}); err != nil {
		return AssignResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return AssignResult{}, err
	}
	tasksAssignedTotal.WithLabelValues(domain.StageName(domain.AnnotationStage)).Add(float64(len(taskIDs)))
	return AssignResult{Message: "Tasks assigned successfully", TaskIDs: taskIDs}, nil
}

// AssignReviewTasks pulls a batch of annotated tasks for the reviewer.
func (e Engine) AssignReviewTasks(ctx context.Context, projectID, userID string, numTasks int) (AssignResult, error) {
	p, err := e.Repo.GetProject(ctx, e.DB, projectID)
	if err != nil {
		return AssignResult{}, err
	}
	if err := e.checkPullable(ctx, p, userID, domain.MemberReviewer); err != nil {
		return AssignResult{}, err
	}
	if p.ProjectStage != domain.ReviewStage && p.ProjectStage != domain.SuperCheckStage {
		return AssignResult{}, ForbiddenError{Message: "Task reviews are disabled until the project enters the review stage"}
	}

	pending, err := e.Repo.CountPendingReviewTasks(ctx, e.DB, projectID, userID)
	if err != nil {
		return AssignResult{}, err
	}
	if pending >= p.MaxPendingTasksPerUser {
		return AssignResult{}, ForbiddenError{
			Message: fmt.Sprintf("You have %d unreviewed tasks pending, complete those before pulling more", pending),
		}
	}

	batch := numTasks
	if batch <= 0 || batch > p.TasksPullCountPerBatch {
		batch = p.TasksPullCountPerBatch
	}
	if room := p.MaxPendingTasksPerUser - pending; batch > room {
		batch = room
	}

	release, err := e.acquireLock(ctx, projectID, domain.ReviewStage, userID)
	if err != nil {
		return AssignResult{}, err
	}
	defer release()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return AssignResult{}, err
	}
	defer tx.Rollback()

	var taskIDs []int64
	if p.UniReview && p.RequiredAnnotatorsPerTask > 1 {
		taskIDs, err = e.claimUniReviewGroups(ctx, tx, p, userID, batch)
	} else {
		var candidates []domain.Task
		candidates, err = e.Repo.ReviewCandidates(ctx, tx, projectID, userID, batch)
		if err == nil {
			for _, t := range candidates {
				var ok bool
				if ok, err = e.claimForReview(ctx, tx, t, userID); err != nil {
					break
				}
				if ok {
					taskIDs = append(taskIDs, t.ID)
				}
			}
		}
	}
	if err != nil {
		return AssignResult{}, err
	}
	if len(taskIDs) == 0 {
		return AssignResult{}, NoWorkError{Message: "No tasks available for review in this project"}
	}
	if err := e.Events.Append(ctx, tx, events.TypeTasksAssigned, projectID, "task", "", userID,
		events.EventPayload{"stage": domain.StageName(domain.ReviewStage), "count": len(taskIDs)}); err != nil {
		return AssignResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return AssignResult{}, err
	}
	tasksAssignedTotal.WithLabelValues(domain.StageName(domain.ReviewStage)).Add(float64(len(taskIDs)))
	return AssignResult{Message: "Tasks assigned successfully", TaskIDs: taskIDs}, nil
}

// claimUniReviewGroups hands out whole sibling groups (tasks sharing one
// input item) so one reviewer sees all parallel annotations of an item. A
// group with a still-incomplete unassigned sibling is skipped outright.
func (e Engine) claimUniReviewGroups(ctx context.Context, tx *sql.Tx, p domain.Project, userID string, batch int) ([]int64, error) {
	candidates, err := e.Repo.UniReviewCandidates(ctx, tx, p.ID, userID, -1)
	if err != nil {
		return nil, err
	}
	claimed := map[int64]bool{}
	skippedInput := map[string]bool{}
	var taskIDs []int64
	for _, t := range candidates {
		if len(taskIDs) >= batch {
			break
		}
		if claimed[t.ID] || skippedInput[t.InputData] {
			continue
		}
		siblings, err := e.Repo.SiblingTasks(ctx, tx, p.ID, t.InputData, t.ID)
		if err != nil {
			return nil, err
		}
		group := []domain.Task{t}
		corrupted := false
		for _, s := range siblings {
			if s.TaskStatus == domain.TaskIncomplete && s.ReviewUser == nil {
				corrupted = true
				break
			}
			if s.TaskStatus != domain.TaskAnnotated || s.ReviewUser != nil {
				continue
			}
			isAnn, err := e.Repo.IsTaskAnnotator(ctx, tx, s.ID, userID)
			if err != nil {
				return nil, err
			}
			if isAnn {
				continue
			}
			group = append(group, s)
		}
		if corrupted {
			skippedInput[t.InputData] = true
			continue
		}
		for _, g := range group {
			ok, err := e.claimForReview(ctx, tx, g, userID)
			if err != nil {
				return nil, err
			}
			claimed[g.ID] = true
			if ok {
				taskIDs = append(taskIDs, g.ID)
			}
		}
	}
	return taskIDs, nil
}

// claimForReview sets the review holder and ensures a reviewer annotation
// exists. An orphaned reviewer annotation from a vacated slot wins: the task
// is handed back to its original completer.
func (e Engine) claimForReview(ctx context.Context, tx *sql.Tx, t domain.Task, userID string) (bool, error) {
	now := e.nowStamp()
	existing, err := e.Repo.AnnotationsForTask(ctx, tx, t.ID, domain.ReviewerAnnotation)
	if err != nil {
		return false, err
	}
	holder := userID
	if len(existing) > 0 {
		holder = existing[0].CompletedBy
	} else {
		parent, err := e.Repo.LatestAnnotation(ctx, tx, t.ID, domain.AnnotatorAnnotation)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				e.logger().Printf("allocate: task %d annotated without annotator annotation, skipping", t.ID)
				return false, nil
			}
			return false, err
		}
		pid := parent.ID
		if _, err := e.Repo.InsertAnnotation(ctx, tx, domain.Annotation{
			TaskID:           t.ID,
			CompletedBy:      userID,
			ParentAnnotation: &pid,
			AnnotationType:   domain.ReviewerAnnotation,
			AnnotationStatus: domain.RevUnreviewed,
			ResultJSON:       parent.ResultJSON,
			Notes:            parent.Notes,
			CreatedAt:        now,
			UpdatedAt:        now,
		}); err != nil {
			if errors.Is(err, repo.ErrDuplicate) {
				e.logger().Printf("allocate: duplicate reviewer annotation on task %d, skipping", t.ID)
				return false, nil
			}
			return false, err
		}
	}
	t.ReviewUser = &holder
	t.UpdatedAt = now
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return false, err
	}
	return true, nil
}

// AssignSuperCheckTasks pulls a batch of reviewed tasks for the superchecker,
// bounded by the project-wide k_value volume cap.
func (e Engine) AssignSuperCheckTasks(ctx context.Context, projectID, userID string, numTasks int) (AssignResult, error) {
	p, err := e.Repo.GetProject(ctx, e.DB, projectID)
	if err != nil {
		return AssignResult{}, err
	}
	if err := e.checkPullable(ctx, p, userID, domain.MemberSuperChecker); err != nil {
		return AssignResult{}, err
	}
	if p.ProjectStage != domain.SuperCheckStage {
		return AssignResult{}, ForbiddenError{Message: "Superchecks are disabled until the project enters the supercheck stage"}
	}

	pending, err := e.Repo.CountPendingSuperCheckTasks(ctx, e.DB, projectID, userID)
	if err != nil {
		return AssignResult{}, err
	}
	if pending >= p.MaxPendingTasksPerUser {
		return AssignResult{}, ForbiddenError{
			Message: fmt.Sprintf("You have %d unvalidated tasks pending, complete those before pulling more", pending),
		}
	}

	reviewedPool, err := e.Repo.CountTasksByStatuses(ctx, e.DB, projectID,
		domain.TaskReviewed, domain.TaskExported, domain.TaskSuperChecked)
	if err != nil {
		return AssignResult{}, err
	}
	superChecked, err := e.Repo.CountTasksByStatuses(ctx, e.DB, projectID,
		domain.TaskSuperChecked, domain.TaskExported)
	if err != nil {
		return AssignResult{}, err
	}
	// Stage-wide volume ceiling: at most ceil(k_value% of the reviewed pool)
	// may ever be superchecked.
	ceiling := (p.KValue*reviewedPool + 99) / 100
	if superChecked >= ceiling {
		return AssignResult{}, ForbiddenError{Message: "Maximum supercheck tasks limit reached!"}
	}

	batch := numTasks
	if batch <= 0 || batch > p.TasksPullCountPerBatch {
		batch = p.TasksPullCountPerBatch
	}
	if room := p.MaxPendingTasksPerUser - pending; batch > room {
		batch = room
	}
	if room := ceiling - superChecked; batch > room {
		batch = room
	}

	release, err := e.acquireLock(ctx, projectID, domain.SuperCheckStage, userID)
	if err != nil {
		return AssignResult{}, err
	}
	defer release()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return AssignResult{}, err
	}
	defer tx.Rollback()

	candidates, err := e.Repo.SuperCheckCandidates(ctx, tx, projectID, userID, batch)
	if err != nil {
		return AssignResult{}, err
	}
	now := e.nowStamp()
	var taskIDs []int64
	for _, t := range candidates {
		existing, err := e.Repo.AnnotationsForTask(ctx, tx, t.ID, domain.SuperCheckerAnnotation)
		if err != nil {
			return AssignResult{}, err
		}
		holder := userID
		if len(existing) > 0 {
			holder = existing[0].CompletedBy
		} else {
			parent, err := e.Repo.LatestAnnotation(ctx, tx, t.ID, domain.ReviewerAnnotation)
			if err != nil {
				if errors.Is(err, repo.ErrNotFound) {
					e.logger().Printf("allocate: task %d reviewed without reviewer annotation, skipping", t.ID)
					continue
				}
				return AssignResult{}, err
			}
			pid := parent.ID
			if _, err := e.Repo.InsertAnnotation(ctx, tx, domain.Annotation{
				TaskID:           t.ID,
				CompletedBy:      userID,
				ParentAnnotation: &pid,
				AnnotationType:   domain.SuperCheckerAnnotation,
				AnnotationStatus: domain.SupUnvalidated,
				ResultJSON:       parent.ResultJSON,
				Notes:            parent.Notes,
				CreatedAt:        now,
				UpdatedAt:        now,
			}); err != nil {
				if errors.Is(err, repo.ErrDuplicate) {
					e.logger().Printf("allocate: duplicate supercheck annotation on task %d, skipping", t.ID)
					continue
				}
				return AssignResult{}, err
			}
		}
		t.SuperCheckUser = &holder
		t.UpdatedAt = now
		if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
			return AssignResult{}, err
		}
		taskIDs = append(taskIDs, t.ID)
	}
	if len(taskIDs) == 0 {
		return AssignResult{}, NoWorkError{Message: "No tasks available for supercheck in this project"}
	}
	if err := e.Events.Append(ctx, tx, events.TypeTasksAssigned, projectID, "task", "", userID,
		events.EventPayload{"stage": domain.StageName(domain.SuperCheckStage), "count": len(taskIDs)}); err != nil {
		return AssignResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return AssignResult{}, err
	}
	tasksAssignedTotal.WithLabelValues(domain.StageName(domain.SuperCheckStage)).Add(float64(len(taskIDs)))
	return AssignResult{Message: "Tasks assigned successfully", TaskIDs: taskIDs}, nil
}

// checkPullable gates every pull on publish state, archive state, membership
// and the frozen marker.
func (e Engine) checkPullable(ctx context.Context, p domain.Project, userID, role string) error {
	if !p.IsPublished {
		return ForbiddenError{Message: "This project is not published yet"}
	}
	if p.IsArchived {
		return ForbiddenError{Message: "This project is archived"}
	}
	frozen, err := e.Repo.IsMember(ctx, e.DB, p.ID, userID, domain.MemberFrozen)
	if err != nil {
		return err
	}
	if frozen {
		return ForbiddenError{Message: "You have been removed from this project"}
	}
	member, err := e.Repo.IsMember(ctx, e.DB, p.ID, userID, role)
	if err != nil {
		return err
	}
	if !member {
		return ForbiddenError{Message: fmt.Sprintf("Only %ss of this project can pull its tasks", role)}
	}
	return nil
}
