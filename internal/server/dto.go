package server

import "annohub/internal/domain"

type CreateProjectRequest struct {
	Title                     string `json:"title" example:"Speech transcription batch 4"`
	Description               string `json:"description,omitempty"`
	ProjectType               string `json:"project_type" example:"transcription"`
	RequiredAnnotatorsPerTask int    `json:"required_annotators_per_task,omitempty" minimum:"0"`
	MaxTasksPerUser           int    `json:"max_tasks_per_user,omitempty"`
	MaxPendingTasksPerUser    int    `json:"max_pending_tasks_per_user,omitempty" minimum:"0"`
	TasksPullCountPerBatch    int    `json:"tasks_pull_count_per_batch,omitempty" minimum:"0"`
	KValue                    int    `json:"k_value,omitempty" minimum:"0" maximum:"100"`
	RevisionLoopLimit         int    `json:"revision_loop_limit,omitempty" minimum:"0"`
	UniReview                 bool   `json:"uni_review,omitempty"`
}

type AddMembersRequest struct {
	Role    string   `json:"role" enum:"annotator,reviewer,super_checker"`
	UserIDs []string `json:"user_ids" minItems:"1"`
}

type AssignRequest struct {
	NumTasks int `json:"num_tasks,omitempty" minimum:"0"`
}

type AssignResponse struct {
	Message string  `json:"message"`
	TaskIDs []int64 `json:"task_ids,omitempty"`
}

type UnassignRequest struct {
	UserID             string   `json:"user_id,omitempty"`
	AnnotationStatuses []string `json:"annotation_statuses,omitempty"`
}

type ChangeStageRequest struct {
	ProjectStage int `json:"project_stage" minimum:"1" maximum:"3"`
}

type RemoveUserRequest struct {
	UserIDs []string `json:"ids" minItems:"1"`
}

type CreateTasksRequest struct {
	Items []TaskItemRequest `json:"items" minItems:"1"`
}

type TaskItemRequest struct {
	InputData string `json:"input_data"`
	DataJSON  string `json:"data_json,omitempty"`
}

type CreateUserRequest struct {
	ID    string `json:"id,omitempty"`
	Email string `json:"email" format:"email"`
	Role  string `json:"role,omitempty" enum:"annotator,reviewer,super_checker,manager,admin"`
}

type CreateAPIKeyRequest struct {
	Name string `json:"name,omitempty"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	Key       string `json:"key"`
	CreatedAt string `json:"created_at"`
}

type UpdateAnnotationRequest struct {
	AnnotationStatus string `json:"annotation_status"`
	ResultJSON       string `json:"result_json,omitempty"`
	Notes            string `json:"notes,omitempty"`
}

type MessageResponse struct {
	Message string `json:"message"`
}

type ProjectResponse = domain.Project

type TaskResponse = domain.Task

type AnnotationResponse = domain.Annotation
