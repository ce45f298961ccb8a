package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"annohub/internal/config"
	"annohub/internal/domain"
	"annohub/internal/events"
	"annohub/internal/notify"
	"annohub/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Notify notify.Dispatcher
	Config *config.Config
	Logger *log.Logger
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	r := repo.Repo{DB: db}
	return Engine{
		DB:     db,
		Repo:   r,
		Events: events.Writer{DB: db},
		Notify: notify.Dispatcher{Repo: r},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) logger() *log.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return log.Default()
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowStamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

// ProjectCreateOptions are parameters for creating a project.
type ProjectCreateOptions struct {
	Title                     string
	Description               string
	ProjectType               string
	RequiredAnnotatorsPerTask int
	MaxTasksPerUser           int
	MaxPendingTasksPerUser    int
	TasksPullCountPerBatch    int
	KValue                    int
	RevisionLoopLimit         int
	UniReview                 bool
	ActorID                   string
}

func (e Engine) CreateProject(ctx context.Context, opts ProjectCreateOptions) (domain.Project, error) {
	if opts.Title == "" {
		return domain.Project{}, ValidationError{Message: "title is required"}
	}
	if opts.ProjectType == "" {
		return domain.Project{}, ValidationError{Message: "project_type is required"}
	}
	if opts.RequiredAnnotatorsPerTask <= 0 {
		opts.RequiredAnnotatorsPerTask = 1
	}
	if opts.MaxTasksPerUser == 0 {
		opts.MaxTasksPerUser = -1
	}
	if opts.MaxPendingTasksPerUser <= 0 {
		opts.MaxPendingTasksPerUser = e.Config.Projects.DefaultMaxPendingTasksPerUser
	}
	if opts.TasksPullCountPerBatch <= 0 {
		opts.TasksPullCountPerBatch = e.Config.Projects.DefaultTasksPullCountPerBatch
	}
	if opts.KValue <= 0 {
		opts.KValue = e.Config.Projects.DefaultKValue
	}
	if opts.KValue > 100 {
		return domain.Project{}, ValidationError{Message: "k_value must be between 1 and 100"}
	}
	if opts.RevisionLoopLimit <= 0 {
		opts.RevisionLoopLimit = e.Config.Projects.DefaultRevisionLoopLimit
	}

	now := e.nowStamp()
	p := domain.Project{
		ID:                        uuid.NewString(),
		Title:                     opts.Title,
		Description:               opts.Description,
		ProjectType:               opts.ProjectType,
		ProjectStage:              domain.AnnotationStage,
		RequiredAnnotatorsPerTask: opts.RequiredAnnotatorsPerTask,
		MaxTasksPerUser:           opts.MaxTasksPerUser,
		MaxPendingTasksPerUser:    opts.MaxPendingTasksPerUser,
		TasksPullCountPerBatch:    opts.TasksPullCountPerBatch,
		KValue:                    opts.KValue,
		RevisionLoopLimit:         opts.RevisionLoopLimit,
		UniReview:                 opts.UniReview,
		CreatedAt:                 now,
		UpdatedAt:                 now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertProject(ctx, tx, p); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.TypeProjectCreated, p.ID, "project", p.ID, opts.ActorID,
		events.EventPayload{"title": p.Title, "project_type": p.ProjectType}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

func (e Engine) GetProject(ctx context.Context, projectID string) (domain.Project, error) {
	return e.Repo.GetProject(ctx, e.DB, projectID)
}

func (e Engine) ListProjects(ctx context.Context) ([]domain.Project, error) {
	return e.Repo.ListProjects(ctx, e.DB)
}

// PublishProject opens the project for task pulls. Publishing twice is a
// no-op.
func (e Engine) PublishProject(ctx context.Context, projectID, actorID string) (domain.Project, error) {
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
		return domain.Project{}, ForbiddenError{Message: "archived projects cannot be published"}
	}
	if p.IsPublished {
		return p, tx.Commit()
	}
	annotators, err := e.Repo.CountMembers(ctx, tx, projectID, domain.MemberAnnotator)
	if err != nil {
		return domain.Project{}, err
	}
	if annotators < p.RequiredAnnotatorsPerTask {
		return domain.Project{}, ForbiddenError{
			Message: fmt.Sprintf("Project needs at least %d annotators before it can be published", p.RequiredAnnotatorsPerTask),
		}
	}
	now := e.nowStamp()
	if err := e.Repo.SetProjectPublished(ctx, tx, projectID, true, now); err != nil {
		return domain.Project{}, err
	}
	if err := e.Events.Append(ctx, tx, events.TypeProjectPublished, projectID, "project", projectID, actorID, nil); err != nil {
		return domain.Project{}, err
	}
	p.IsPublished = true
	p.UpdatedAt = now
	return p, tx.Commit()
}

// ArchiveProject freezes the project: no further pulls or transitions.
func (e Engine) ArchiveProject(ctx context.Context, projectID, actorID string) (domain.Project, error) {
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
		return p, tx.Commit()
	}
	now := e.nowStamp()
	if err := e.Repo.SetProjectArchived(ctx, tx, projectID, true, now); err != nil {
		return domain.Project{}, err
	}
	if err := e.Events.Append(ctx, tx, events.TypeProjectArchived, projectID, "project", projectID, actorID, nil); err != nil {
		return domain.Project{}, err
	}
	p.IsArchived = true
	p.UpdatedAt = now
	return p, tx.Commit()
}

// AddMembers grants the role on the project to each user. Unknown users are
// rejected; users already holding the role are skipped.
func (e Engine) AddMembers(ctx context.Context, projectID, role string, userIDs []string, actorID string) error {
	switch role {
	case domain.MemberAnnotator, domain.MemberReviewer, domain.MemberSuperChecker:
	default:
		return ValidationError{Message: fmt.Sprintf("unknown member role %q", role)}
	}
	if len(userIDs) == 0 {
		return ValidationError{Message: "no users given"}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := e.Repo.GetProject(ctx, tx, projectID); err != nil {
		return err
	}
	for _, uid := range userIDs {
		if _, err := e.Repo.GetUser(ctx, tx, uid); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return ValidationError{Message: fmt.Sprintf("unknown user %s", uid)}
			}
			return err
		}
		if err := e.Repo.AddMember(ctx, tx, projectID, uid, role); err != nil {
			return err
		}
		if err := e.Events.Append(ctx, tx, events.TypeMemberAdded, projectID, "user", uid, actorID,
			events.EventPayload{"role": role}); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// TaskItem is one unit of source data to annotate.
type TaskItem struct {
	InputData string
	DataJSON  string
}

// CreateTasks creates required_annotators_per_task task copies per item, all
// starting INCOMPLETE with no annotators.
func (e Engine) CreateTasks(ctx context.Context, projectID string, items []TaskItem, actorID string) ([]int64, error) {
	if len(items) == 0 {
		return nil, ValidationError{Message: "no task items given"}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetProject(ctx, tx, projectID)
	if err != nil {
		return nil, err
	}
	if p.IsArchived {
		return nil, ForbiddenError{Message: "project is archived"}
	}

	now := e.nowStamp()
	var ids []int64
	for _, item := range items {
		if item.InputData == "" {
			return nil, ValidationError{Message: "input_data is required"}
		}
		for i := 0; i < p.RequiredAnnotatorsPerTask; i++ {
			t := domain.Task{
				ProjectID:  projectID,
				InputData:  item.InputData,
				TaskStatus: domain.TaskIncomplete,
				CreatedAt:  now,
				UpdatedAt:  now,
			}
			if item.DataJSON != "" {
				d := item.DataJSON
				t.DataJSON = &d
			}
			id, err := e.Repo.InsertTask(ctx, tx, t)
			if err != nil {
				return nil, fmt.Errorf("insert task: %w", err)
			}
			ids = append(ids, id)
		}
	}
	if err := e.Events.Append(ctx, tx, events.TypeTasksCreated, projectID, "task", "", actorID,
		events.EventPayload{"count": len(ids)}); err != nil {
		return nil, err
	}
	return ids, tx.Commit()
}

func (e Engine) GetTask(ctx context.Context, taskID int64) (domain.Task, error) {
	return e.Repo.GetTask(ctx, e.DB, taskID)
}

func (e Engine) ListTasks(ctx context.Context, projectID string, statuses []string, limit int) ([]domain.Task, error) {
	if _, err := e.Repo.GetProject(ctx, e.DB, projectID); err != nil {
		return nil, err
	}
	return e.Repo.ListTasks(ctx, e.DB, projectID, statuses, limit)
}

// CreateUser registers a user in the directory.
func (e Engine) CreateUser(ctx context.Context, id, email, role string) (domain.User, error) {
	if id == "" {
		id = uuid.NewString()
	}
	if email == "" {
		return domain.User{}, ValidationError{Message: "email is required"}
	}
	switch role {
	case domain.RoleAnnotator, domain.RoleReviewer, domain.RoleSuperChecker, domain.RoleManager, domain.RoleAdmin:
	case "":
		role = domain.RoleAnnotator
	default:
		return domain.User{}, ValidationError{Message: fmt.Sprintf("unknown role %q", role)}
	}
	u := domain.User{ID: id, Email: email, Role: role, CreatedAt: e.nowStamp()}
	if err := e.Repo.InsertUser(ctx, e.DB, u); err != nil {
		return domain.User{}, err
	}
	return u, nil
}

// CreateAPIKey mints a raw key for the user and stores only its hash. The raw
// key is returned exactly once.
func (e Engine) CreateAPIKey(ctx context.Context, userID, name string) (domain.APIKey, string, error) {
	if _, err := e.Repo.GetUser(ctx, e.DB, userID); err != nil {
		return domain.APIKey{}, "", err
	}
	raw := uuid.NewString() + uuid.NewString()
	k := domain.APIKey{
		ID:        uuid.NewString(),
		UserID:    userID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(raw),
		CreatedAt: e.nowStamp(),
	}
	if err := e.Repo.InsertAPIKey(ctx, e.DB, k); err != nil {
		return domain.APIKey{}, "", err
	}
	return k, raw, nil
}

// ListNotifications lists the caller's notifications, newest first.
func (e Engine) ListNotifications(ctx context.Context, userID string, limit int) ([]domain.Notification, error) {
	return e.Repo.ListNotificationsForUser(ctx, e.DB, userID, limit)
}

// ListEvents lists a project's events after the given id.
func (e Engine) ListEvents(ctx context.Context, projectID string, afterID int64, limit int) ([]domain.Event, error) {
	if _, err := e.Repo.GetProject(ctx, e.DB, projectID); err != nil {
		return nil, err
	}
	return e.Events.List(ctx, projectID, afterID, limit)
}

// MarkNotificationSeen marks one of the user's notifications as seen.
func (e Engine) MarkNotificationSeen(ctx context.Context, notificationID, userID string) error {
	return e.Repo.MarkNotificationSeen(ctx, e.DB, notificationID, userID)
}

// ListUsers lists every user in the directory.
func (e Engine) ListUsers(ctx context.Context) ([]domain.User, error) {
	return e.Repo.ListUsers(ctx, e.DB)
}

// DeleteAPIKey revokes one of the user's API keys.
func (e Engine) DeleteAPIKey(ctx context.Context, userID, keyID string) error {
	return e.Repo.DeleteAPIKey(ctx, e.DB, keyID, userID)
}

// ProjectMembers lists the project's member ids grouped by role, the frozen
// marker included.
func (e Engine) ProjectMembers(ctx context.Context, projectID string) (map[string][]string, error) {
	if _, err := e.Repo.GetProject(ctx, e.DB, projectID); err != nil {
		return nil, err
	}
	out := make(map[string][]string, 4)
	for _, role := range []string{domain.MemberAnnotator, domain.MemberReviewer, domain.MemberSuperChecker, domain.MemberFrozen} {
		ids, err := e.Repo.ListMembers(ctx, e.DB, projectID, role)
		if err != nil {
			return nil, err
		}
		out[role] = ids
	}
	return out, nil
}

// ListUserAnnotations lists one user's annotations on a project, optionally
// narrowed by annotation type and statuses.
func (e Engine) ListUserAnnotations(ctx context.Context, projectID, userID string, annType int, statuses []string) ([]domain.Annotation, error) {
	if _, err := e.Repo.GetProject(ctx, e.DB, projectID); err != nil {
		return nil, err
	}
	return e.Repo.UserAnnotations(ctx, e.DB, projectID, userID, annType, statuses)
}

// StageLockStatus is the lease state of one stage lock.
type StageLockStatus struct {
	Stage  string              `json:"stage"`
	Locked bool                `json:"locked"`
	Lock   *domain.ProjectLock `json:"lock,omitempty"`
}

// ProjectLocks reports, per stage, whether the project's allocation lock is
// currently held and by whom. Expired leases count as free.
func (e Engine) ProjectLocks(ctx context.Context, projectID string) ([]StageLockStatus, error) {
	if _, err := e.Repo.GetProject(ctx, e.DB, projectID); err != nil {
		return nil, err
	}
	now := e.nowStamp()
	statuses := make([]StageLockStatus, 0, 3)
	for _, stage := range []int{domain.AnnotationStage, domain.ReviewStage, domain.SuperCheckStage} {
		name := domain.StageName(stage)
		held, err := e.Repo.IsLocked(ctx, e.DB, projectID, name, now)
		if err != nil {
			return nil, err
		}
		st := StageLockStatus{Stage: name, Locked: held}
		if held {
			lock, err := e.Repo.GetLock(ctx, e.DB, projectID, name)
			if err != nil && !errors.Is(err, repo.ErrNotFound) {
				return nil, err
			}
			if err == nil {
				st.Lock = &lock
			}
		}
		statuses = append(statuses, st)
	}
	return statuses, nil
}
