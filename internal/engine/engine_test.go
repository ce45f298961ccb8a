package engine_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"annohub/internal/config"
	"annohub/internal/db"
	"annohub/internal/domain"
	"annohub/internal/engine"
	"annohub/internal/events"
	"annohub/internal/migrate"
	"annohub/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	cfg.Allocation.LockRetryIntervalMS = 20
	cfg.Allocation.LockAcquireTimeoutSecs = 1
	eng := engine.New(conn, cfg)
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func (env testEnv) user(t *testing.T, id, role string) {
	t.Helper()
	u := domain.User{ID: id, Email: id + "@example.com", Role: role, CreatedAt: time.Now().UTC().Format(time.RFC3339)}
	if err := env.Engine.Repo.EnsureUser(env.Ctx, env.Engine.DB, u); err != nil {
		t.Fatalf("create user %s: %v", id, err)
	}
}

type projectSeed struct {
	RequiredAnnotators int
	MaxTasksPerUser    int
	MaxPending         int
	KValue             int
	UniReview          bool
	Annotators         []string
	Reviewers          []string
	SuperCheckers      []string
	Items              []string
	Publish            bool
}

func (env testEnv) project(t *testing.T, seed projectSeed) domain.Project {
	t.Helper()
	if seed.RequiredAnnotators == 0 {
		seed.RequiredAnnotators = 1
	}
	p, err := env.Engine.CreateProject(env.Ctx, engine.ProjectCreateOptions{
		Title:                     "Speech transcription",
		ProjectType:               "transcription",
		RequiredAnnotatorsPerTask: seed.RequiredAnnotators,
		MaxTasksPerUser:           seed.MaxTasksPerUser,
		MaxPendingTasksPerUser:    seed.MaxPending,
		KValue:                    seed.KValue,
		UniReview:                 seed.UniReview,
		ActorID:                   "manager",
	})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	addAll := func(role string, ids []string) {
		for _, id := range ids {
			env.user(t, id, domain.RoleAnnotator)
		}
		if len(ids) > 0 {
			if err := env.Engine.AddMembers(env.Ctx, p.ID, role, ids, "manager"); err != nil {
				t.Fatalf("add %s members: %v", role, err)
			}
		}
	}
	addAll(domain.MemberAnnotator, seed.Annotators)
	addAll(domain.MemberReviewer, seed.Reviewers)
	addAll(domain.MemberSuperChecker, seed.SuperCheckers)
	if len(seed.Items) > 0 {
		items := make([]engine.TaskItem, len(seed.Items))
		for i, it := range seed.Items {
			items[i] = engine.TaskItem{InputData: it}
		}
		if _, err := env.Engine.CreateTasks(env.Ctx, p.ID, items, "manager"); err != nil {
			t.Fatalf("create tasks: %v", err)
		}
	}
	if seed.Publish {
		if _, err := env.Engine.PublishProject(env.Ctx, p.ID, "manager"); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	return p
}

func (env testEnv) label(t *testing.T, taskID int64, userID string) {
	t.Helper()
	ann, err := env.Engine.Repo.AnnotationFor(env.Ctx, env.Engine.DB, taskID, domain.AnnotatorAnnotation, userID)
	if err != nil {
		t.Fatalf("annotation for task %d: %v", taskID, err)
	}
	if _, err := env.Engine.SubmitAnnotation(env.Ctx, engine.SubmitAnnotationOptions{
		AnnotationID: ann.ID,
		Status:       domain.AnnLabeled,
		ResultJSON:   `[{"text":"hello"}]`,
		ActorID:      userID,
	}); err != nil {
		t.Fatalf("label task %d: %v", taskID, err)
	}
}

func TestAssignTasksSingleAnnotator(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t, projectSeed{
		Annotators: []string{"ann-1"},
		Items:      []string{"clip-1", "clip-2", "clip-3"},
		Publish:    true,
	})

	res, err := env.Engine.AssignTasks(env.Ctx, p.ID, "ann-1", 5)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if len(res.TaskIDs) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(res.TaskIDs))
	}
	for _, id := range res.TaskIDs {
		task, err := env.Engine.GetTask(env.Ctx, id)
		if err != nil {
			t.Fatalf("get task: %v", err)
		}
		if len(task.AnnotationUsers) != 1 || task.AnnotationUsers[0] != "ann-1" {
			t.Fatalf("task %d annotators = %v", id, task.AnnotationUsers)
		}
		ann, err := env.Engine.Repo.AnnotationFor(env.Ctx, env.Engine.DB, id, domain.AnnotatorAnnotation, "ann-1")
		if err != nil {
			t.Fatalf("annotation missing for task %d: %v", id, err)
		}
		if ann.AnnotationStatus != domain.AnnUnlabeled {
			t.Fatalf("annotation status = %s", ann.AnnotationStatus)
		}
	}

	// Nothing left: the second pull is a no-work 404, not an empty success.
	_, err = env.Engine.AssignTasks(env.Ctx, p.ID, "ann-1", 5)
	var noWork engine.NoWorkError
	if !errors.As(err, &noWork) {
		t.Fatalf("expected NoWorkError, got %v", err)
	}
	if noWork.Message != "No tasks left for assignment in this project" {
		t.Fatalf("message = %q", noWork.Message)
	}
}

func TestAssignTasksRequiresPublishAndMembership(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t, projectSeed{
		Annotators: []string{"ann-1"},
		Items:      []string{"clip-1"},
	})
	env.user(t, "outsider", domain.RoleAnnotator)

	var forbidden engine.ForbiddenError
	if _, err := env.Engine.AssignTasks(env.Ctx, p.ID, "ann-1", 1); !errors.As(err, &forbidden) {
		t.Fatalf("unpublished pull: %v", err)
	}
	if _, err := env.Engine.PublishProject(env.Ctx, p.ID, "manager"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if _, err := env.Engine.AssignTasks(env.Ctx, p.ID, "outsider", 1); !errors.As(err, &forbidden) {
		t.Fatalf("non-member pull: %v", err)
	}
}

func TestPublishRequiresEnoughAnnotators(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t, projectSeed{
		RequiredAnnotators: 2,
		Annotators:         []string{"ann-1"},
	})
	var forbidden engine.ForbiddenError
	if _, err := env.Engine.PublishProject(env.Ctx, p.ID, "manager"); !errors.As(err, &forbidden) {
		t.Fatalf("expected forbidden publish, got %v", err)
	}
}

func TestAssignTasksQuotaExhaustedIsSoft(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t, projectSeed{
		MaxTasksPerUser: 2,
		Annotators:      []string{"ann-1"},
		Items:           []string{"clip-1", "clip-2", "clip-3"},
		Publish:         true,
	})

	res, err := env.Engine.AssignTasks(env.Ctx, p.ID, "ann-1", 5)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if len(res.TaskIDs) != 2 {
		t.Fatalf("expected quota-bounded batch of 2, got %d", len(res.TaskIDs))
	}

	// At the lifetime quota the pull succeeds with a message and no tasks.
	res, err = env.Engine.AssignTasks(env.Ctx, p.ID, "ann-1", 5)
	if err != nil {
		t.Fatalf("quota pull errored: %v", err)
	}
	if len(res.TaskIDs) != 0 || res.Message == "" {
		t.Fatalf("expected empty capacity result, got %+v", res)
	}
}

func TestAssignTasksPendingCap(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t, projectSeed{
		MaxPending: 2,
		Annotators: []string{"ann-1"},
		Items:      []string{"clip-1", "clip-2", "clip-3"},
		Publish:    true,
	})

	res, err := env.Engine.AssignTasks(env.Ctx, p.ID, "ann-1", 5)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if len(res.TaskIDs) != 2 {
		t.Fatalf("expected pending-bounded batch of 2, got %d", len(res.TaskIDs))
	}
	var forbidden engine.ForbiddenError
	if _, err := env.Engine.AssignTasks(env.Ctx, p.ID, "ann-1", 1); !errors.As(err, &forbidden) {
		t.Fatalf("expected pending-cap forbidden, got %v", err)
	}
}

func TestMultiAnnotatorDedupePerPull(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t, projectSeed{
		RequiredAnnotators: 2,
		Annotators:         []string{"ann-1", "ann-2"},
		Items:              []string{"clip-1"},
		Publish:            true,
	})

	// One item expands to two parallel task slots; one user may only ever
	// hold one of them.
	res, err := env.Engine.AssignTasks(env.Ctx, p.ID, "ann-1", 5)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if len(res.TaskIDs) != 1 {
		t.Fatalf("expected 1 deduped task, got %d", len(res.TaskIDs))
	}
	var noWork engine.NoWorkError
	if _, err := env.Engine.AssignTasks(env.Ctx, p.ID, "ann-1", 5); !errors.As(err, &noWork) {
		t.Fatalf("second slot of the same item handed out: %v", err)
	}

	res2, err := env.Engine.AssignTasks(env.Ctx, p.ID, "ann-2", 5)
	if err != nil {
		t.Fatalf("assign second user: %v", err)
	}
	if len(res2.TaskIDs) != 1 || res2.TaskIDs[0] == res.TaskIDs[0] {
		t.Fatalf("second user got %v, first had %v", res2.TaskIDs, res.TaskIDs)
	}
}

func TestReviewPullAndAccept(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t, projectSeed{
		Annotators: []string{"ann-1"},
		Reviewers:  []string{"rev-1"},
		Items:      []string{"clip-1"},
		Publish:    true,
	})
	res, err := env.Engine.AssignTasks(env.Ctx, p.ID, "ann-1", 1)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	taskID := res.TaskIDs[0]
	env.label(t, taskID, "ann-1")

	// Review pulls are gated on the project stage.
	var forbidden engine.ForbiddenError
	if _, err := env.Engine.AssignReviewTasks(env.Ctx, p.ID, "rev-1", 1); !errors.As(err, &forbidden) {
		t.Fatalf("pre-stage review pull: %v", err)
	}
	if _, err := env.Engine.ChangeProjectStage(env.Ctx, p.ID, domain.ReviewStage, "manager"); err != nil {
		t.Fatalf("stage change: %v", err)
	}

	rres, err := env.Engine.AssignReviewTasks(env.Ctx, p.ID, "rev-1", 5)
	if err != nil {
		t.Fatalf("review pull: %v", err)
	}
	if len(rres.TaskIDs) != 1 || rres.TaskIDs[0] != taskID {
		t.Fatalf("review pull got %v", rres.TaskIDs)
	}
	task, err := env.Engine.GetTask(env.Ctx, taskID)
	if err != nil {
		t.Fatal(err)
	}
	if task.ReviewUser == nil || *task.ReviewUser != "rev-1" {
		t.Fatalf("review_user = %v", task.ReviewUser)
	}
	rev, err := env.Engine.Repo.AnnotationFor(env.Ctx, env.Engine.DB, taskID, domain.ReviewerAnnotation, "rev-1")
	if err != nil {
		t.Fatalf("reviewer annotation: %v", err)
	}
	if rev.AnnotationStatus != domain.RevUnreviewed || rev.ParentAnnotation == nil {
		t.Fatalf("reviewer annotation = %+v", rev)
	}
	if rev.ResultJSON != `[{"text":"hello"}]` {
		t.Fatalf("result not copied from parent: %s", rev.ResultJSON)
	}

	if _, err := env.Engine.SubmitAnnotation(env.Ctx, engine.SubmitAnnotationOptions{
		AnnotationID: rev.ID,
		Status:       domain.RevAccepted,
		ActorID:      "rev-1",
	}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	task, _ = env.Engine.GetTask(env.Ctx, taskID)
	if task.TaskStatus != domain.TaskReviewed {
		t.Fatalf("task status = %s", task.TaskStatus)
	}
	if task.CorrectAnnotation == nil || *task.CorrectAnnotation != rev.ID {
		t.Fatalf("correct_annotation = %v", task.CorrectAnnotation)
	}
}

func TestReviewPullExcludesOwnAnnotations(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t, projectSeed{
		Annotators: []string{"ann-1"},
		Reviewers:  []string{"ann-1"},
		Items:      []string{"clip-1"},
		Publish:    true,
	})
	res, err := env.Engine.AssignTasks(env.Ctx, p.ID, "ann-1", 1)
	if err != nil {
		t.Fatal(err)
	}
	env.label(t, res.TaskIDs[0], "ann-1")
	if _, err := env.Engine.ChangeProjectStage(env.Ctx, p.ID, domain.ReviewStage, "manager"); err != nil {
		t.Fatal(err)
	}
	var noWork engine.NoWorkError
	if _, err := env.Engine.AssignReviewTasks(env.Ctx, p.ID, "ann-1", 5); !errors.As(err, &noWork) {
		t.Fatalf("reviewer pulled their own annotation: %v", err)
	}
}

func TestSuperCheckVolumeCap(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t, projectSeed{
		KValue:        50,
		Annotators:    []string{"ann-1"},
		Reviewers:     []string{"rev-1"},
		SuperCheckers: []string{"sup-1"},
		Items:         []string{"clip-1", "clip-2"},
		Publish:       true,
	})
	res, err := env.Engine.AssignTasks(env.Ctx, p.ID, "ann-1", 5)
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range res.TaskIDs {
		env.label(t, id, "ann-1")
	}
	if _, err := env.Engine.ChangeProjectStage(env.Ctx, p.ID, domain.ReviewStage, "manager"); err != nil {
		t.Fatal(err)
	}
	rres, err := env.Engine.AssignReviewTasks(env.Ctx, p.ID, "rev-1", 5)
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range rres.TaskIDs {
		rev, err := env.Engine.Repo.AnnotationFor(env.Ctx, env.Engine.DB, id, domain.ReviewerAnnotation, "rev-1")
		if err != nil {
			t.Fatal(err)
		}
		if _, err := env.Engine.SubmitAnnotation(env.Ctx, engine.SubmitAnnotationOptions{
			AnnotationID: rev.ID, Status: domain.RevAccepted, ActorID: "rev-1",
		}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := env.Engine.ChangeProjectStage(env.Ctx, p.ID, domain.SuperCheckStage, "manager"); err != nil {
		t.Fatal(err)
	}

	// R=2 reviewed, k=50% so the ceiling is 1 supercheckable task.
	sres, err := env.Engine.AssignSuperCheckTasks(env.Ctx, p.ID, "sup-1", 5)
	if err != nil {
		t.Fatalf("supercheck pull: %v", err)
	}
	if len(sres.TaskIDs) != 1 {
		t.Fatalf("expected 1 task under the cap, got %d", len(sres.TaskIDs))
	}
	sc, err := env.Engine.Repo.AnnotationFor(env.Ctx, env.Engine.DB, sres.TaskIDs[0], domain.SuperCheckerAnnotation, "sup-1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SubmitAnnotation(env.Ctx, engine.SubmitAnnotationOptions{
		AnnotationID: sc.ID, Status: domain.SupValidated, ActorID: "sup-1",
	}); err != nil {
		t.Fatal(err)
	}

	// With S at the ceiling the pull is rejected outright.
	var forbidden engine.ForbiddenError
	_, err = env.Engine.AssignSuperCheckTasks(env.Ctx, p.ID, "sup-1", 1)
	if !errors.As(err, &forbidden) {
		t.Fatalf("expected cap rejection, got %v", err)
	}
	if forbidden.Message != "Maximum supercheck tasks limit reached!" {
		t.Fatalf("message = %q", forbidden.Message)
	}
}

func TestStageTransitionRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t, projectSeed{
		Annotators: []string{"ann-1"},
		Reviewers:  []string{"rev-1"},
		Items:      []string{"clip-1"},
		Publish:    true,
	})
	res, err := env.Engine.AssignTasks(env.Ctx, p.ID, "ann-1", 1)
	if err != nil {
		t.Fatal(err)
	}
	taskID := res.TaskIDs[0]
	env.label(t, taskID, "ann-1")
	if _, err := env.Engine.ChangeProjectStage(env.Ctx, p.ID, domain.ReviewStage, "manager"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AssignReviewTasks(env.Ctx, p.ID, "rev-1", 1); err != nil {
		t.Fatal(err)
	}
	rev, err := env.Engine.Repo.AnnotationFor(env.Ctx, env.Engine.DB, taskID, domain.ReviewerAnnotation, "rev-1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SubmitAnnotation(env.Ctx, engine.SubmitAnnotationOptions{
		AnnotationID: rev.ID, Status: domain.RevAccepted, ActorID: "rev-1",
	}); err != nil {
		t.Fatal(err)
	}

	// Roll back: the reviewed task returns to the annotator's verdict.
	if _, err := env.Engine.ChangeProjectStage(env.Ctx, p.ID, domain.AnnotationStage, "manager"); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	task, _ := env.Engine.GetTask(env.Ctx, taskID)
	if task.TaskStatus != domain.TaskAnnotated {
		t.Fatalf("status after rollback = %s", task.TaskStatus)
	}
	if task.ReviewUser != nil {
		t.Fatalf("review_user not cleared: %v", *task.ReviewUser)
	}
	ann, _ := env.Engine.Repo.AnnotationFor(env.Ctx, env.Engine.DB, taskID, domain.AnnotatorAnnotation, "ann-1")
	if task.CorrectAnnotation == nil || *task.CorrectAnnotation != ann.ID {
		t.Fatalf("correct_annotation = %v, want %d", task.CorrectAnnotation, ann.ID)
	}

	// Move forward again: the surviving reviewer verdict is re-adopted.
	if _, err := env.Engine.ChangeProjectStage(env.Ctx, p.ID, domain.ReviewStage, "manager"); err != nil {
		t.Fatal(err)
	}
	task, _ = env.Engine.GetTask(env.Ctx, taskID)
	if task.TaskStatus != domain.TaskReviewed {
		t.Fatalf("status after re-promote = %s", task.TaskStatus)
	}
	if task.ReviewUser == nil || *task.ReviewUser != "rev-1" {
		t.Fatalf("review_user = %v", task.ReviewUser)
	}
	if task.CorrectAnnotation == nil || *task.CorrectAnnotation != rev.ID {
		t.Fatalf("correct_annotation = %v, want %d", task.CorrectAnnotation, rev.ID)
	}
}

func TestStageTransitionGuards(t *testing.T) {
	env := newTestEnv(t)
	solo := env.project(t, projectSeed{Annotators: []string{"ann-1"}})
	var forbidden engine.ForbiddenError

	// Not adjacent.
	if _, err := env.Engine.ChangeProjectStage(env.Ctx, solo.ID, domain.SuperCheckStage, "manager"); !errors.As(err, &forbidden) {
		t.Fatalf("skip transition: %v", err)
	}
	// Current stage.
	if _, err := env.Engine.ChangeProjectStage(env.Ctx, solo.ID, domain.AnnotationStage, "manager"); !errors.As(err, &forbidden) {
		t.Fatalf("same-stage transition: %v", err)
	}

	multi := env.project(t, projectSeed{RequiredAnnotators: 2, Annotators: []string{"ann-1", "ann-2"}})
	if _, err := env.Engine.ChangeProjectStage(env.Ctx, multi.ID, domain.ReviewStage, "manager"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ChangeProjectStage(env.Ctx, multi.ID, domain.AnnotationStage, "manager"); !errors.As(err, &forbidden) {
		t.Fatalf("multi-annotator rollback: %v", err)
	}
}

func TestUnassignReviewerRestoresRevision(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t, projectSeed{
		Annotators: []string{"ann-1"},
		Reviewers:  []string{"rev-1"},
		Items:      []string{"clip-1"},
		Publish:    true,
	})
	res, err := env.Engine.AssignTasks(env.Ctx, p.ID, "ann-1", 1)
	if err != nil {
		t.Fatal(err)
	}
	taskID := res.TaskIDs[0]
	env.label(t, taskID, "ann-1")
	if _, err := env.Engine.ChangeProjectStage(env.Ctx, p.ID, domain.ReviewStage, "manager"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AssignReviewTasks(env.Ctx, p.ID, "rev-1", 1); err != nil {
		t.Fatal(err)
	}
	rev, err := env.Engine.Repo.AnnotationFor(env.Ctx, env.Engine.DB, taskID, domain.ReviewerAnnotation, "rev-1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SubmitAnnotation(env.Ctx, engine.SubmitAnnotationOptions{
		AnnotationID: rev.ID, Status: domain.RevToBeRevised, ActorID: "rev-1",
	}); err != nil {
		t.Fatal(err)
	}
	ann, _ := env.Engine.Repo.AnnotationFor(env.Ctx, env.Engine.DB, taskID, domain.AnnotatorAnnotation, "ann-1")
	if ann.AnnotationStatus != domain.AnnToBeRevised {
		t.Fatalf("annotator status = %s", ann.AnnotationStatus)
	}
	task, _ := env.Engine.GetTask(env.Ctx, taskID)
	if task.RevisionLoopCount.ReviewCount != 1 {
		t.Fatalf("review_count = %d", task.RevisionLoopCount.ReviewCount)
	}

	ures, err := env.Engine.UnassignReviewTasks(env.Ctx, p.ID, "rev-1", nil, "manager")
	if err != nil {
		t.Fatalf("unassign: %v", err)
	}
	if len(ures.TaskIDs) != 1 {
		t.Fatalf("unassigned %v", ures.TaskIDs)
	}
	task, _ = env.Engine.GetTask(env.Ctx, taskID)
	if task.TaskStatus != domain.TaskAnnotated || task.ReviewUser != nil {
		t.Fatalf("task after unassign = %+v", task)
	}
	if task.RevisionLoopCount.ReviewCount != 0 {
		t.Fatalf("review_count not reset: %d", task.RevisionLoopCount.ReviewCount)
	}
	ann, _ = env.Engine.Repo.AnnotationFor(env.Ctx, env.Engine.DB, taskID, domain.AnnotatorAnnotation, "ann-1")
	if ann.AnnotationStatus != domain.AnnLabeled {
		t.Fatalf("annotator status not restored: %s", ann.AnnotationStatus)
	}
	if _, err := env.Engine.Repo.AnnotationFor(env.Ctx, env.Engine.DB, taskID, domain.ReviewerAnnotation, "rev-1"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("reviewer annotation survived: %v", err)
	}
}

func TestUnassignAnnotatorResetsTask(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t, projectSeed{
		Annotators: []string{"ann-1"},
		Items:      []string{"clip-1"},
		Publish:    true,
	})
	res, err := env.Engine.AssignTasks(env.Ctx, p.ID, "ann-1", 1)
	if err != nil {
		t.Fatal(err)
	}
	taskID := res.TaskIDs[0]
	env.label(t, taskID, "ann-1")

	ures, err := env.Engine.UnassignTasks(env.Ctx, p.ID, "ann-1", nil, "ann-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(ures.TaskIDs) != 1 {
		t.Fatalf("unassigned %v", ures.TaskIDs)
	}
	task, _ := env.Engine.GetTask(env.Ctx, taskID)
	if task.TaskStatus != domain.TaskIncomplete || len(task.AnnotationUsers) != 0 {
		t.Fatalf("task after unassign = %+v", task)
	}
	if _, err := env.Engine.Repo.AnnotationFor(env.Ctx, env.Engine.DB, taskID, domain.AnnotatorAnnotation, "ann-1"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("annotation survived: %v", err)
	}

	// Idempotence: nothing left to unassign.
	var noWork engine.NoWorkError
	if _, err := env.Engine.UnassignTasks(env.Ctx, p.ID, "ann-1", nil, "ann-1"); !errors.As(err, &noWork) {
		t.Fatalf("expected no-work, got %v", err)
	}
	if noWork.Message != "No tasks to unassign" {
		t.Fatalf("message = %q", noWork.Message)
	}
}

func TestRemoveMemberFreezesUser(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t, projectSeed{
		Annotators: []string{"ann-1"},
		Items:      []string{"clip-1", "clip-2"},
		Publish:    true,
	})
	if _, err := env.Engine.AssignTasks(env.Ctx, p.ID, "ann-1", 1); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.RemoveMember(env.Ctx, engine.RemoveMemberOptions{
		ProjectID: p.ID, UserID: "ann-1", Role: domain.MemberAnnotator, ActorID: "manager",
	}); err != nil {
		t.Fatalf("remove member: %v", err)
	}

	var forbidden engine.ForbiddenError
	if _, err := env.Engine.AssignTasks(env.Ctx, p.ID, "ann-1", 1); !errors.As(err, &forbidden) {
		t.Fatalf("frozen user pulled: %v", err)
	}
	notifs, err := env.Engine.ListNotifications(env.Ctx, "ann-1", 10)
	if err != nil || len(notifs) == 0 {
		t.Fatalf("expected removal notification, got %v (%v)", notifs, err)
	}
	if err := env.Engine.MarkNotificationSeen(env.Ctx, notifs[0].ID, "someone-else"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("foreign seen: %v", err)
	}
	if err := env.Engine.MarkNotificationSeen(env.Ctx, notifs[0].ID, "ann-1"); err != nil {
		t.Fatalf("mark seen: %v", err)
	}

	if err := env.Engine.RemoveFrozenUser(env.Ctx, p.ID, "ann-1", "manager"); err != nil {
		t.Fatalf("unfreeze: %v", err)
	}
	if _, err := env.Engine.AssignTasks(env.Ctx, p.ID, "ann-1", 1); err != nil {
		t.Fatalf("pull after unfreeze: %v", err)
	}

	evts, err := env.Engine.ListEvents(env.Ctx, p.ID, 0, 100)
	if err != nil {
		t.Fatal(err)
	}
	var sawFrozen, sawUnfrozen bool
	for _, evt := range evts {
		switch evt.Type {
		case events.TypeMemberFrozen:
			sawFrozen = true
		case events.TypeMemberUnfrozen:
			sawUnfrozen = true
		}
	}
	if !sawFrozen || !sawUnfrozen {
		t.Fatalf("want frozen and unfrozen events, frozen=%v unfrozen=%v", sawFrozen, sawUnfrozen)
	}
}

func TestPullBlockedByHeldLock(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t, projectSeed{
		Annotators: []string{"ann-1"},
		Items:      []string{"clip-1"},
		Publish:    true,
	})

	now := time.Now().UTC()
	ok, err := env.Engine.Repo.TrySetLock(env.Ctx, env.Engine.DB, domain.ProjectLock{
		ProjectID:  p.ID,
		Stage:      domain.StageName(domain.AnnotationStage),
		UserID:     "other",
		AcquiredAt: now.Format(time.RFC3339),
		ExpiresAt:  now.Add(time.Hour).Format(time.RFC3339),
	})
	if err != nil || !ok {
		t.Fatalf("seed lock: %v ok=%v", err, ok)
	}

	var conflict engine.ConflictError
	if _, err := env.Engine.AssignTasks(env.Ctx, p.ID, "ann-1", 1); !errors.As(err, &conflict) {
		t.Fatalf("expected lock conflict, got %v", err)
	}

	if err := env.Engine.Repo.ReleaseLock(env.Ctx, env.Engine.DB, p.ID, domain.StageName(domain.AnnotationStage), "other"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AssignTasks(env.Ctx, p.ID, "ann-1", 1); err != nil {
		t.Fatalf("pull after release: %v", err)
	}
}

func TestExpiredLockIsTakenOver(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t, projectSeed{
		Annotators: []string{"ann-1"},
		Items:      []string{"clip-1"},
		Publish:    true,
	})

	stale := time.Now().UTC().Add(-time.Hour)
	ok, err := env.Engine.Repo.TrySetLock(env.Ctx, env.Engine.DB, domain.ProjectLock{
		ProjectID:  p.ID,
		Stage:      domain.StageName(domain.AnnotationStage),
		UserID:     "crashed",
		AcquiredAt: stale.Format(time.RFC3339),
		ExpiresAt:  stale.Add(time.Minute).Format(time.RFC3339),
	})
	if err != nil || !ok {
		t.Fatalf("seed stale lock: %v ok=%v", err, ok)
	}

	// The lease expired, so the pull takes the lock over instead of waiting.
	if _, err := env.Engine.AssignTasks(env.Ctx, p.ID, "ann-1", 1); err != nil {
		t.Fatalf("takeover pull: %v", err)
	}
}

func TestRevisionLoopLimit(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t, projectSeed{
		Annotators: []string{"ann-1"},
		Reviewers:  []string{"rev-1"},
		Items:      []string{"clip-1"},
		Publish:    true,
	})
	res, err := env.Engine.AssignTasks(env.Ctx, p.ID, "ann-1", 1)
	if err != nil {
		t.Fatal(err)
	}
	taskID := res.TaskIDs[0]
	env.label(t, taskID, "ann-1")
	if _, err := env.Engine.ChangeProjectStage(env.Ctx, p.ID, domain.ReviewStage, "manager"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AssignReviewTasks(env.Ctx, p.ID, "rev-1", 1); err != nil {
		t.Fatal(err)
	}
	rev, err := env.Engine.Repo.AnnotationFor(env.Ctx, env.Engine.DB, taskID, domain.ReviewerAnnotation, "rev-1")
	if err != nil {
		t.Fatal(err)
	}

	// Default loop limit is 3: three send-backs succeed, the fourth is
	// rejected.
	for i := 0; i < 3; i++ {
		if _, err := env.Engine.SubmitAnnotation(env.Ctx, engine.SubmitAnnotationOptions{
			AnnotationID: rev.ID, Status: domain.RevToBeRevised, ActorID: "rev-1",
		}); err != nil {
			t.Fatalf("send-back %d: %v", i+1, err)
		}
		env.label(t, taskID, "ann-1")
	}
	var forbidden engine.ForbiddenError
	if _, err := env.Engine.SubmitAnnotation(env.Ctx, engine.SubmitAnnotationOptions{
		AnnotationID: rev.ID, Status: domain.RevToBeRevised, ActorID: "rev-1",
	}); !errors.As(err, &forbidden) {
		t.Fatalf("expected loop-limit rejection, got %v", err)
	}
}

func TestTrySetLockSingleWinner(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t, projectSeed{
		Annotators: []string{"ann-1"},
		Items:      []string{"clip-1"},
		Publish:    true,
	})

	now := time.Now().UTC()
	stage := domain.StageName(domain.AnnotationStage)
	const contenders = 8
	var wg sync.WaitGroup
	var wins int32
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := env.Engine.Repo.TrySetLock(env.Ctx, env.Engine.DB, domain.ProjectLock{
				ProjectID:  p.ID,
				Stage:      stage,
				UserID:     fmt.Sprintf("user-%d", i),
				AcquiredAt: now.Format(time.RFC3339),
				ExpiresAt:  now.Add(time.Minute).Format(time.RFC3339),
			})
			if err != nil {
				t.Errorf("try set lock: %v", err)
				return
			}
			if ok {
				atomic.AddInt32(&wins, 1)
			}
		}(i)
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("want exactly one lock winner, got %d", wins)
	}
}

func TestUniReviewPullClaimsWholeGroups(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t, projectSeed{
		RequiredAnnotators: 2,
		UniReview:          true,
		Annotators:         []string{"ann-1", "ann-2"},
		Reviewers:          []string{"rev-1"},
		Items:              []string{"clip-a", "clip-b"},
		Publish:            true,
	})
	tasks, err := env.Engine.Repo.ListTasks(env.Ctx, env.Engine.DB, p.ID, nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	byInput := map[string][]domain.Task{}
	for _, task := range tasks {
		byInput[task.InputData] = append(byInput[task.InputData], task)
	}
	if len(byInput["clip-a"]) != 2 || len(byInput["clip-b"]) != 2 {
		t.Fatalf("unexpected task layout: %v", byInput)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	annotate := func(task domain.Task, userID string) {
		t.Helper()
		if err := env.Engine.Repo.AddTaskAnnotator(env.Ctx, env.Engine.DB, task.ID, userID); err != nil {
			t.Fatal(err)
		}
		if _, err := env.Engine.Repo.InsertAnnotation(env.Ctx, env.Engine.DB, domain.Annotation{
			TaskID:           task.ID,
			CompletedBy:      userID,
			AnnotationType:   domain.AnnotatorAnnotation,
			AnnotationStatus: domain.AnnLabeled,
			ResultJSON:       `[{"text":"hello"}]`,
			CreatedAt:        now,
			UpdatedAt:        now,
		}); err != nil {
			t.Fatal(err)
		}
		task.TaskStatus = domain.TaskAnnotated
		task.UpdatedAt = now
		if err := env.Engine.Repo.UpdateTask(env.Ctx, env.Engine.DB, task); err != nil {
			t.Fatal(err)
		}
	}

	// Both copies of clip-a are fully annotated. Only one copy of clip-b is:
	// its sibling stays incomplete and unassigned, which poisons the group.
	annotate(byInput["clip-a"][0], "ann-1")
	annotate(byInput["clip-a"][1], "ann-2")
	annotate(byInput["clip-b"][0], "ann-1")

	if err := env.Engine.Repo.UpdateProjectStage(env.Ctx, env.Engine.DB, p.ID, domain.ReviewStage, now); err != nil {
		t.Fatal(err)
	}

	res, err := env.Engine.AssignReviewTasks(env.Ctx, p.ID, "rev-1", 10)
	if err != nil {
		t.Fatalf("review pull: %v", err)
	}
	if len(res.TaskIDs) != 2 {
		t.Fatalf("want both clip-a copies, got %v", res.TaskIDs)
	}
	got := map[int64]bool{}
	for _, id := range res.TaskIDs {
		got[id] = true
	}
	for _, task := range byInput["clip-a"] {
		if !got[task.ID] {
			t.Fatalf("clip-a copy %d not claimed: %v", task.ID, res.TaskIDs)
		}
		claimed, err := env.Engine.GetTask(env.Ctx, task.ID)
		if err != nil {
			t.Fatal(err)
		}
		if claimed.ReviewUser == nil || *claimed.ReviewUser != "rev-1" {
			t.Fatalf("review_user on task %d = %v", task.ID, claimed.ReviewUser)
		}
		if _, err := env.Engine.Repo.AnnotationFor(env.Ctx, env.Engine.DB, task.ID, domain.ReviewerAnnotation, "rev-1"); err != nil {
			t.Fatalf("reviewer annotation on task %d: %v", task.ID, err)
		}
	}
	skipped, err := env.Engine.GetTask(env.Ctx, byInput["clip-b"][0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if skipped.ReviewUser != nil {
		t.Fatalf("poisoned group was claimed: review_user=%v", skipped.ReviewUser)
	}
}

func TestUnassignSuperCheckerCancelsRejection(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t, projectSeed{
		KValue:        100,
		Annotators:    []string{"ann-1"},
		Reviewers:     []string{"rev-1"},
		SuperCheckers: []string{"sup-1"},
		Items:         []string{"clip-1"},
		Publish:       true,
	})
	res, err := env.Engine.AssignTasks(env.Ctx, p.ID, "ann-1", 1)
	if err != nil {
		t.Fatal(err)
	}
	taskID := res.TaskIDs[0]
	env.label(t, taskID, "ann-1")
	if _, err := env.Engine.ChangeProjectStage(env.Ctx, p.ID, domain.ReviewStage, "manager"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AssignReviewTasks(env.Ctx, p.ID, "rev-1", 1); err != nil {
		t.Fatal(err)
	}
	rev, err := env.Engine.Repo.AnnotationFor(env.Ctx, env.Engine.DB, taskID, domain.ReviewerAnnotation, "rev-1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SubmitAnnotation(env.Ctx, engine.SubmitAnnotationOptions{
		AnnotationID: rev.ID, Status: domain.RevAccepted, ActorID: "rev-1",
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ChangeProjectStage(env.Ctx, p.ID, domain.SuperCheckStage, "manager"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AssignSuperCheckTasks(env.Ctx, p.ID, "sup-1", 1); err != nil {
		t.Fatal(err)
	}
	sc, err := env.Engine.Repo.AnnotationFor(env.Ctx, env.Engine.DB, taskID, domain.SuperCheckerAnnotation, "sup-1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SubmitAnnotation(env.Ctx, engine.SubmitAnnotationOptions{
		AnnotationID: sc.ID, Status: domain.SupRejected, ActorID: "sup-1",
	}); err != nil {
		t.Fatalf("reject: %v", err)
	}

	ures, err := env.Engine.UnassignSuperCheckTasks(env.Ctx, p.ID, "sup-1", nil, "sup-1")
	if err != nil {
		t.Fatalf("unassign: %v", err)
	}
	if len(ures.TaskIDs) != 1 || ures.TaskIDs[0] != taskID {
		t.Fatalf("unassigned %v", ures.TaskIDs)
	}

	// Cancelling the pending rejection puts the reviewer verdict back in
	// force and returns the task to the supercheck pool.
	task, err := env.Engine.GetTask(env.Ctx, taskID)
	if err != nil {
		t.Fatal(err)
	}
	if task.TaskStatus != domain.TaskReviewed {
		t.Fatalf("task status = %s", task.TaskStatus)
	}
	if task.SuperCheckUser != nil {
		t.Fatalf("super_check_user = %v", task.SuperCheckUser)
	}
	if task.RevisionLoopCount.SuperCheckCount != 0 {
		t.Fatalf("super_check_count = %d", task.RevisionLoopCount.SuperCheckCount)
	}
	rev, err = env.Engine.Repo.GetAnnotation(env.Ctx, env.Engine.DB, rev.ID)
	if err != nil {
		t.Fatal(err)
	}
	if rev.AnnotationStatus != domain.RevAccepted {
		t.Fatalf("reviewer annotation = %s", rev.AnnotationStatus)
	}
	ann, err := env.Engine.Repo.AnnotationFor(env.Ctx, env.Engine.DB, taskID, domain.AnnotatorAnnotation, "ann-1")
	if err != nil {
		t.Fatal(err)
	}
	if ann.AnnotationStatus != domain.AnnLabeled {
		t.Fatalf("annotator annotation = %s", ann.AnnotationStatus)
	}
	if _, err := env.Engine.Repo.AnnotationFor(env.Ctx, env.Engine.DB, taskID, domain.SuperCheckerAnnotation, "sup-1"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("supercheck annotation not deleted: %v", err)
	}
}

func TestSuperCheckPendingCap(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t, projectSeed{
		MaxPending:    1,
		KValue:        100,
		Annotators:    []string{"ann-1"},
		Reviewers:     []string{"rev-1"},
		SuperCheckers: []string{"sup-1"},
		Items:         []string{"clip-1", "clip-2"},
		Publish:       true,
	})
	res, err := env.Engine.AssignTasks(env.Ctx, p.ID, "ann-1", 5)
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range res.TaskIDs {
		env.label(t, id, "ann-1")
	}
	if _, err := env.Engine.ChangeProjectStage(env.Ctx, p.ID, domain.ReviewStage, "manager"); err != nil {
		t.Fatal(err)
	}
	rres, err := env.Engine.AssignReviewTasks(env.Ctx, p.ID, "rev-1", 5)
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range rres.TaskIDs {
		rev, err := env.Engine.Repo.AnnotationFor(env.Ctx, env.Engine.DB, id, domain.ReviewerAnnotation, "rev-1")
		if err != nil {
			t.Fatal(err)
		}
		if _, err := env.Engine.SubmitAnnotation(env.Ctx, engine.SubmitAnnotationOptions{
			AnnotationID: rev.ID, Status: domain.RevAccepted, ActorID: "rev-1",
		}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := env.Engine.ChangeProjectStage(env.Ctx, p.ID, domain.SuperCheckStage, "manager"); err != nil {
		t.Fatal(err)
	}

	sres, err := env.Engine.AssignSuperCheckTasks(env.Ctx, p.ID, "sup-1", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(sres.TaskIDs) != 1 {
		t.Fatalf("expected pending-bounded batch of 1, got %d", len(sres.TaskIDs))
	}

	// One unvalidated task held is the cap: the next pull is rejected.
	var forbidden engine.ForbiddenError
	if _, err := env.Engine.AssignSuperCheckTasks(env.Ctx, p.ID, "sup-1", 1); !errors.As(err, &forbidden) {
		t.Fatalf("expected pending-cap rejection, got %v", err)
	}
}

func TestProjectLocksReportsHeldStage(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t, projectSeed{
		Annotators: []string{"ann-1"},
		Items:      []string{"clip-1"},
		Publish:    true,
	})
	now := time.Now().UTC()
	ok, err := env.Engine.Repo.TrySetLock(env.Ctx, env.Engine.DB, domain.ProjectLock{
		ProjectID:  p.ID,
		Stage:      domain.StageName(domain.ReviewStage),
		UserID:     "rev-1",
		AcquiredAt: now.Format(time.RFC3339),
		ExpiresAt:  now.Add(time.Minute).Format(time.RFC3339),
	})
	if err != nil || !ok {
		t.Fatalf("set lock: ok=%v err=%v", ok, err)
	}

	locks, err := env.Engine.ProjectLocks(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(locks) != 3 {
		t.Fatalf("expected one entry per stage, got %d", len(locks))
	}
	for _, l := range locks {
		held := l.Stage == domain.StageName(domain.ReviewStage)
		if l.Locked != held {
			t.Fatalf("stage %s locked=%v", l.Stage, l.Locked)
		}
		if held && (l.Lock == nil || l.Lock.UserID != "rev-1") {
			t.Fatalf("review lock = %+v", l.Lock)
		}
	}
}

func TestAPIKeyRevocation(t *testing.T) {
	env := newTestEnv(t)
	env.user(t, "u-1", domain.RoleAnnotator)
	k, raw, err := env.Engine.CreateAPIKey(env.Ctx, "u-1", "ci")
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.DeleteAPIKey(env.Ctx, "someone-else", k.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("foreign revoke: %v", err)
	}
	if err := env.Engine.DeleteAPIKey(env.Ctx, "u-1", k.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := env.Engine.Repo.GetAPIKeyByHash(env.Ctx, env.Engine.DB, repo.HashAPIKey(raw)); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("key still resolves: %v", err)
	}
}

func TestDirectoryAndAnnotationListings(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t, projectSeed{
		Annotators: []string{"ann-1"},
		Items:      []string{"clip-1"},
		Publish:    true,
	})
	res, err := env.Engine.AssignTasks(env.Ctx, p.ID, "ann-1", 1)
	if err != nil {
		t.Fatal(err)
	}
	env.label(t, res.TaskIDs[0], "ann-1")

	users, err := env.Engine.ListUsers(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, u := range users {
		if u.ID == "ann-1" {
			found = true
		}
	}
	if !found {
		t.Fatalf("ann-1 missing from directory: %v", users)
	}

	members, err := env.Engine.ProjectMembers(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(members[domain.MemberAnnotator]) != 1 || members[domain.MemberAnnotator][0] != "ann-1" {
		t.Fatalf("annotator members = %v", members[domain.MemberAnnotator])
	}

	anns, err := env.Engine.ListUserAnnotations(env.Ctx, p.ID, "ann-1", domain.AnnotatorAnnotation, []string{domain.AnnLabeled})
	if err != nil {
		t.Fatal(err)
	}
	if len(anns) != 1 || anns[0].TaskID != res.TaskIDs[0] {
		t.Fatalf("user annotations = %v", anns)
	}
}
