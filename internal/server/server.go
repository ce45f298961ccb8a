package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"annohub/internal/domain"
	"annohub/internal/engine"
	"annohub/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"forbidden"`
	Message string         `json:"message" example:"Maximum supercheck tasks limit reached!"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Annohub API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(metricsMiddleware)
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	router.Method(http.MethodGet, "/metrics", metricsHandler())

	hcfg := huma.DefaultConfig("Annohub API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerUsers(group, cfg.Engine)
	registerProjects(group, cfg.Engine)
	registerAllocation(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerNotifications(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg.Engine)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var forbidden engine.ForbiddenError
	if errors.As(err, &forbidden) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), nil)
	}
	var noWork engine.NoWorkError
	if errors.As(err, &noWork) {
		return newAPIError(http.StatusNotFound, "no_eligible_work", err.Error(), nil)
	}
	var invalid engine.ValidationError
	if errors.As(err, &invalid) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	var conflict engine.ConflictError
	if errors.As(err, &conflict) {
		return newAPIError(http.StatusConflict, "lock_conflict", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrDuplicate) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// requireManager allows only directory managers and admins through. The role
// is read from the user directory, not trusted from the token.
func requireManager(ctx context.Context, e engine.Engine) error {
	p, ok := principalFromContext(ctx)
	if !ok || p.UserID == "" {
		return engine.ForbiddenError{Message: "authentication required"}
	}
	u, err := e.Repo.GetUser(ctx, e.DB, p.UserID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return engine.ForbiddenError{Message: "only managers can perform this operation"}
		}
		return err
	}
	if u.Role != domain.RoleManager && u.Role != domain.RoleAdmin {
		return engine.ForbiddenError{Message: "only managers can perform this operation"}
	}
	return nil
}

type projectPath struct {
	ProjectID string `path:"project_id"`
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerUsers(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-user",
		Method:        http.MethodPost,
		Path:          "/users",
		Summary:       "Register user",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CreateUserRequest `json:"body"`
	}) (*struct {
		Body domain.User `json:"body"`
	}, error) {
		if err := requireManager(ctx, e); err != nil {
			return nil, handleError(err)
		}
		u, err := e.CreateUser(ctx, input.Body.ID, input.Body.Email, input.Body.Role)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.User `json:"body"`
		}{Body: u}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-users",
		Method:      http.MethodGet,
		Path:        "/users",
		Summary:     "List users",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.User `json:"body"`
	}, error) {
		if err := requireManager(ctx, e); err != nil {
			return nil, handleError(err)
		}
		users, err := e.ListUsers(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.User `json:"body"`
		}{Body: users}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/users/{user_id}/api_keys",
		Summary:       "Mint an API key",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		UserID string              `path:"user_id"`
		Body   CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		actor, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if actor != input.UserID {
			if err := requireManager(ctx, e); err != nil {
				return nil, handleError(err)
			}
		}
		k, raw, err := e.CreateAPIKey(ctx, input.UserID, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: APIKeyResponse{
			ID: k.ID, UserID: k.UserID, Name: k.Name, Key: raw, CreatedAt: k.CreatedAt,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-api-key",
		Method:      http.MethodDelete,
		Path:        "/users/{user_id}/api_keys/{key_id}",
		Summary:     "Revoke an API key",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		UserID string `path:"user_id"`
		KeyID  string `path:"key_id"`
	}) (*struct {
		Body MessageResponse `json:"body"`
	}, error) {
		actor, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if actor != input.UserID {
			if err := requireManager(ctx, e); err != nil {
				return nil, handleError(err)
			}
		}
		if err := e.DeleteAPIKey(ctx, input.UserID, input.KeyID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MessageResponse `json:"body"`
		}{Body: MessageResponse{Message: "API key revoked"}}, nil
	})
}

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		if err := requireManager(ctx, e); err != nil {
			return nil, handleError(err)
		}
		actor, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.CreateProject(ctx, engine.ProjectCreateOptions{
			Title:                     input.Body.Title,
			Description:               input.Body.Description,
			ProjectType:               input.Body.ProjectType,
			RequiredAnnotatorsPerTask: input.Body.RequiredAnnotatorsPerTask,
			MaxTasksPerUser:           input.Body.MaxTasksPerUser,
			MaxPendingTasksPerUser:    input.Body.MaxPendingTasksPerUser,
			TasksPullCountPerBatch:    input.Body.TasksPullCountPerBatch,
			KValue:                    input.Body.KValue,
			RevisionLoopLimit:         input.Body.RevisionLoopLimit,
			UniReview:                 input.Body.UniReview,
			ActorID:                   actor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []ProjectResponse `json:"body"`
	}, error) {
		items, err := e.ListProjects(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ProjectResponse `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get project",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		p, err := e.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "publish-project",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/publish",
		Summary:     "Publish project",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		if err := requireManager(ctx, e); err != nil {
			return nil, handleError(err)
		}
		actor, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.PublishProject(ctx, input.ProjectID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "archive-project",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/archive",
		Summary:     "Archive project",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		if err := requireManager(ctx, e); err != nil {
			return nil, handleError(err)
		}
		actor, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.ArchiveProject(ctx, input.ProjectID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "add-project-members",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/members",
		Summary:     "Add project members",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string            `path:"project_id"`
		Body      AddMembersRequest `json:"body"`
	}) (*struct {
		Body MessageResponse `json:"body"`
	}, error) {
		if err := requireManager(ctx, e); err != nil {
			return nil, handleError(err)
		}
		actor, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.AddMembers(ctx, input.ProjectID, input.Body.Role, input.Body.UserIDs, actor); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MessageResponse `json:"body"`
		}{Body: MessageResponse{Message: "Members added successfully"}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-project-members",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/members",
		Summary:     "List project members by role",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body map[string][]string `json:"body"`
	}, error) {
		members, err := e.ProjectMembers(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string][]string `json:"body"`
		}{Body: members}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project-locks",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/locks",
		Summary:     "Show per-stage allocation lock state",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body []engine.StageLockStatus `json:"body"`
	}, error) {
		locks, err := e.ProjectLocks(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []engine.StageLockStatus `json:"body"`
		}{Body: locks}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-project-annotations",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/annotations",
		Summary:     "List a user's annotations on the project",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID        string `path:"project_id"`
		UserID           string `query:"user_id"`
		AnnotationType   int    `query:"annotation_type" minimum:"0" maximum:"3"`
		AnnotationStatus string `query:"annotation_status"`
	}) (*struct {
		Body []AnnotationResponse `json:"body"`
	}, error) {
		actor, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		target := input.UserID
		if target == "" {
			target = actor
		}
		if target != actor {
			if err := requireManager(ctx, e); err != nil {
				return nil, handleError(err)
			}
		}
		annType := input.AnnotationType
		if annType == 0 {
			annType = domain.AnnotatorAnnotation
		}
		var statuses []string
		if input.AnnotationStatus != "" {
			statuses = strings.Split(input.AnnotationStatus, ",")
		}
		items, err := e.ListUserAnnotations(ctx, input.ProjectID, target, annType, statuses)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []AnnotationResponse `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "change-project-stage",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/change_project_stage",
		Summary:     "Move project to an adjacent pipeline stage",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProjectID string             `path:"project_id"`
		Body      ChangeStageRequest `json:"body"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		if err := requireManager(ctx, e); err != nil {
			return nil, handleError(err)
		}
		actor, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.ChangeProjectStage(ctx, input.ProjectID, input.Body.ProjectStage, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: p}, nil
	})

	removeOps := []struct {
		id   string
		path string
		role string
	}{
		{"remove-annotator", "/projects/{project_id}/remove_annotator", domain.MemberAnnotator},
		{"remove-reviewer", "/projects/{project_id}/remove_reviewer", domain.MemberReviewer},
		{"remove-superchecker", "/projects/{project_id}/remove_superchecker", domain.MemberSuperChecker},
	}
	for _, op := range removeOps {
		role := op.role
		huma.Register(api, huma.Operation{
			OperationID: op.id,
			Method:      http.MethodPost,
			Path:        op.path,
			Summary:     fmt.Sprintf("Freeze a project %s and hand back their work", role),
			Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
		}, func(ctx context.Context, input *struct {
			ProjectID string            `path:"project_id"`
			Body      RemoveUserRequest `json:"body"`
		}) (*struct {
			Body AssignResponse `json:"body"`
		}, error) {
			if err := requireManager(ctx, e); err != nil {
				return nil, handleError(err)
			}
			actor, authErr := userIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			var taskIDs []int64
			message := ""
			for _, uid := range input.Body.UserIDs {
				res, err := e.RemoveMember(ctx, engine.RemoveMemberOptions{
					ProjectID: input.ProjectID,
					UserID:    uid,
					Role:      role,
					ActorID:   actor,
				})
				if err != nil {
					return nil, handleError(err)
				}
				message = res.Message
				taskIDs = append(taskIDs, res.TaskIDs...)
			}
			return &struct {
				Body AssignResponse `json:"body"`
			}{Body: AssignResponse{Message: message, TaskIDs: taskIDs}}, nil
		})
	}

	huma.Register(api, huma.Operation{
		OperationID: "remove-frozen-user",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/remove_frozen_user",
		Summary:     "Unfreeze a removed user",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string            `path:"project_id"`
		Body      RemoveUserRequest `json:"body"`
	}) (*struct {
		Body MessageResponse `json:"body"`
	}, error) {
		if err := requireManager(ctx, e); err != nil {
			return nil, handleError(err)
		}
		actor, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		for _, uid := range input.Body.UserIDs {
			if err := e.RemoveFrozenUser(ctx, input.ProjectID, uid, actor); err != nil {
				return nil, handleError(err)
			}
		}
		return &struct {
			Body MessageResponse `json:"body"`
		}{Body: MessageResponse{Message: "User unfrozen successfully"}}, nil
	})
}

func registerAllocation(api huma.API, e engine.Engine) {
	type pullFunc func(ctx context.Context, projectID, userID string, numTasks int) (engine.AssignResult, error)
	pulls := []struct {
		id      string
		path    string
		summary string
		fn      pullFunc
	}{
		{"assign-new-tasks", "/projects/{project_id}/assign_new_tasks", "Pull a batch of annotation tasks", e.AssignTasks},
		{"assign-new-review-tasks", "/projects/{project_id}/assign_new_review_tasks", "Pull a batch of review tasks", e.AssignReviewTasks},
		{"assign-new-supercheck-tasks", "/projects/{project_id}/assign_new_supercheck_tasks", "Pull a batch of supercheck tasks", e.AssignSuperCheckTasks},
	}
	for _, pull := range pulls {
		fn := pull.fn
		huma.Register(api, huma.Operation{
			OperationID: pull.id,
			Method:      http.MethodPost,
			Path:        pull.path,
			Summary:     pull.summary,
			Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
		}, func(ctx context.Context, input *struct {
			ProjectID string        `path:"project_id"`
			Body      AssignRequest `json:"body"`
		}) (*struct {
			Body AssignResponse `json:"body"`
		}, error) {
			actor, authErr := userIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			res, err := fn(ctx, input.ProjectID, actor, input.Body.NumTasks)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body AssignResponse `json:"body"`
			}{Body: AssignResponse{Message: res.Message, TaskIDs: res.TaskIDs}}, nil
		})
	}

	type unassignFunc func(ctx context.Context, projectID, userID string, annStatuses []string, actorID string) (engine.UnassignResult, error)
	unassigns := []struct {
		id      string
		path    string
		summary string
		fn      unassignFunc
	}{
		{"unassign-tasks", "/projects/{project_id}/unassign_tasks", "Hand back annotation tasks", e.UnassignTasks},
		{"unassign-review-tasks", "/projects/{project_id}/unassign_review_tasks", "Hand back review tasks", e.UnassignReviewTasks},
		{"unassign-supercheck-tasks", "/projects/{project_id}/unassign_supercheck_tasks", "Hand back supercheck tasks", e.UnassignSuperCheckTasks},
	}
	for _, un := range unassigns {
		fn := un.fn
		huma.Register(api, huma.Operation{
			OperationID: un.id,
			Method:      http.MethodPost,
			Path:        un.path,
			Summary:     un.summary,
			Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
		}, func(ctx context.Context, input *struct {
			ProjectID string          `path:"project_id"`
			Body      UnassignRequest `json:"body"`
		}) (*struct {
			Body AssignResponse `json:"body"`
		}, error) {
			actor, authErr := userIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			target := input.Body.UserID
			if target == "" {
				target = actor
			}
			// Unassigning someone else's work is a manager operation.
			if target != actor {
				if err := requireManager(ctx, e); err != nil {
					return nil, handleError(err)
				}
			}
			res, err := fn(ctx, input.ProjectID, target, input.Body.AnnotationStatuses, actor)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body AssignResponse `json:"body"`
			}{Body: AssignResponse{Message: res.Message, TaskIDs: res.TaskIDs}}, nil
		})
	}
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-tasks",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/tasks",
		Summary:       "Create tasks from source items",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string             `path:"project_id"`
		Body      CreateTasksRequest `json:"body"`
	}) (*struct {
		Body AssignResponse `json:"body"`
	}, error) {
		if err := requireManager(ctx, e); err != nil {
			return nil, handleError(err)
		}
		actor, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items := make([]engine.TaskItem, len(input.Body.Items))
		for i, it := range input.Body.Items {
			items[i] = engine.TaskItem{InputData: it.InputData, DataJSON: it.DataJSON}
		}
		ids, err := e.CreateTasks(ctx, input.ProjectID, items, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AssignResponse `json:"body"`
		}{Body: AssignResponse{Message: "Tasks created successfully", TaskIDs: ids}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/tasks",
		Summary:     "List project tasks",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID  string `path:"project_id"`
		TaskStatus string `query:"task_status"`
		Limit      int    `query:"limit" minimum:"0"`
	}) (*struct {
		Body []TaskResponse `json:"body"`
	}, error) {
		var statuses []string
		if input.TaskStatus != "" {
			statuses = strings.Split(input.TaskStatus, ",")
		}
		items, err := e.ListTasks(ctx, input.ProjectID, statuses, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []TaskResponse `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID int64 `path:"task_id"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		t, err := e.GetTask(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-annotation",
		Method:      http.MethodPatch,
		Path:        "/annotations/{annotation_id}",
		Summary:     "Submit an annotation verdict",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AnnotationID int64                   `path:"annotation_id"`
		Body         UpdateAnnotationRequest `json:"body"`
	}) (*struct {
		Body AnnotationResponse `json:"body"`
	}, error) {
		actor, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ann, err := e.SubmitAnnotation(ctx, engine.SubmitAnnotationOptions{
			AnnotationID: input.AnnotationID,
			Status:       input.Body.AnnotationStatus,
			ResultJSON:   input.Body.ResultJSON,
			Notes:        input.Body.Notes,
			ActorID:      actor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AnnotationResponse `json:"body"`
		}{Body: ann}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/events",
		Summary:     "List project events",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		AfterID   int64  `query:"after_id" minimum:"0"`
		Limit     int    `query:"limit" minimum:"0"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		items, err := e.ListEvents(ctx, input.ProjectID, input.AfterID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: items}, nil
	})
}

func registerNotifications(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-notifications",
		Method:      http.MethodGet,
		Path:        "/notifications",
		Summary:     "List my notifications",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" minimum:"0"`
	}) (*struct {
		Body []domain.Notification `json:"body"`
	}, error) {
		actor, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ListNotifications(ctx, actor, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Notification `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "mark-notification-seen",
		Method:      http.MethodPost,
		Path:        "/notifications/{notification_id}/seen",
		Summary:     "Mark one of my notifications as seen",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		NotificationID string `path:"notification_id"`
	}) (*struct {
		Body MessageResponse `json:"body"`
	}, error) {
		actor, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.MarkNotificationSeen(ctx, input.NotificationID, actor); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MessageResponse `json:"body"`
		}{Body: MessageResponse{Message: "Notification marked seen"}}, nil
	})
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Annohub API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}
