package domain

// Project pipeline stages. Stages are ordinal: a project only moves between
// adjacent stages via an explicit transition.
const (
	AnnotationStage = 1
	ReviewStage     = 2
	SuperCheckStage = 3
)

// StageName returns the human-readable name for a stage ordinal.
func StageName(stage int) string {
	switch stage {
	case AnnotationStage:
		return "annotation"
	case ReviewStage:
		return "review"
	case SuperCheckStage:
		return "supercheck"
	}
	return "unknown"
}

// Task statuses.
const (
	TaskIncomplete   = "incomplete"
	TaskUnlabeled    = "unlabeled"
	TaskAnnotated    = "annotated"
	TaskReviewed     = "reviewed"
	TaskSuperChecked = "super_checked"
	TaskExported     = "exported"
)

// Annotation types. The ordinal is the pipeline depth of the annotation.
const (
	AnnotatorAnnotation    = 1
	ReviewerAnnotation     = 2
	SuperCheckerAnnotation = 3
)

// Annotator annotation statuses.
const (
	AnnUnlabeled   = "unlabeled"
	AnnSkipped     = "skipped"
	AnnDraft       = "draft"
	AnnLabeled     = "labeled"
	AnnToBeRevised = "to_be_revised"
)

// Reviewer annotation statuses.
const (
	RevUnreviewed               = "unreviewed"
	RevAccepted                 = "accepted"
	RevAcceptedWithMinorChanges = "accepted_with_minor_changes"
	RevAcceptedWithMajorChanges = "accepted_with_major_changes"
	RevToBeRevised              = "to_be_revised"
	RevRejected                 = "rejected"
)

// Superchecker annotation statuses.
const (
	SupUnvalidated          = "unvalidated"
	SupValidated            = "validated"
	SupValidatedWithChanges = "validated_with_changes"
	SupRejected             = "rejected"
)

// Project membership roles.
const (
	MemberAnnotator    = "annotator"
	MemberReviewer     = "reviewer"
	MemberSuperChecker = "super_checker"
	MemberFrozen       = "frozen"
)

// User directory roles.
const (
	RoleAnnotator    = "annotator"
	RoleReviewer     = "reviewer"
	RoleSuperChecker = "super_checker"
	RoleManager      = "manager"
	RoleAdmin        = "admin"
)

type User struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	Role      string `json:"role" enum:"annotator,reviewer,super_checker,manager,admin"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Project struct {
	ID                        string `json:"id"`
	Title                     string `json:"title"`
	Description               string `json:"description,omitempty"`
	ProjectType               string `json:"project_type"`
	ProjectStage              int    `json:"project_stage"`
	RequiredAnnotatorsPerTask int    `json:"required_annotators_per_task"`
	MaxTasksPerUser           int    `json:"max_tasks_per_user"`
	MaxPendingTasksPerUser    int    `json:"max_pending_tasks_per_user"`
	TasksPullCountPerBatch    int    `json:"tasks_pull_count_per_batch"`
	KValue                    int    `json:"k_value"`
	RevisionLoopLimit         int    `json:"revision_loop_limit"`
	UniReview                 bool   `json:"uni_review"`
	IsPublished               bool   `json:"is_published"`
	IsArchived                bool   `json:"is_archived"`
	CreatedAt                 string `json:"created_at" format:"date-time"`
	UpdatedAt                 string `json:"updated_at" format:"date-time"`
}

// RevisionLoopCount tracks how many times a task has been sent back down the
// chain at each layer.
type RevisionLoopCount struct {
	ReviewCount     int `json:"review_count"`
	SuperCheckCount int `json:"super_check_count"`
}

type Task struct {
	ID                int64             `json:"id"`
	ProjectID         string            `json:"project_id"`
	InputData         string            `json:"input_data"`
	TaskStatus        string            `json:"task_status" enum:"incomplete,unlabeled,annotated,reviewed,super_checked,exported"`
	AnnotationUsers   []string          `json:"annotation_users,omitempty"`
	ReviewUser        *string           `json:"review_user,omitempty"`
	SuperCheckUser    *string           `json:"super_check_user,omitempty"`
	CorrectAnnotation *int64            `json:"correct_annotation,omitempty"`
	RevisionLoopCount RevisionLoopCount `json:"revision_loop_count"`
	DataJSON          *string           `json:"data_json,omitempty"`
	CreatedAt         string            `json:"created_at" format:"date-time"`
	UpdatedAt         string            `json:"updated_at" format:"date-time"`
}

type Annotation struct {
	ID               int64  `json:"id"`
	TaskID           int64  `json:"task_id"`
	CompletedBy      string `json:"completed_by"`
	ParentAnnotation *int64 `json:"parent_annotation,omitempty"`
	AnnotationType   int    `json:"annotation_type"`
	AnnotationStatus string `json:"annotation_status"`
	ResultJSON       string `json:"result_json"`
	Notes            string `json:"notes,omitempty"`
	CreatedAt        string `json:"created_at" format:"date-time"`
	UpdatedAt        string `json:"updated_at" format:"date-time"`
}

// ProjectLock is one row of the leased per-(project, stage) mutual exclusion
// table. It exists only for the duration of a critical section.
type ProjectLock struct {
	ProjectID  string `json:"project_id"`
	Stage      string `json:"stage"`
	UserID     string `json:"user_id"`
	AcquiredAt string `json:"acquired_at" format:"date-time"`
	ExpiresAt  string `json:"expires_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type Notification struct {
	ID         string   `json:"id"`
	ProjectID  string   `json:"project_id"`
	Title      string   `json:"title"`
	NotifType  string   `json:"notif_type"`
	Recipients []string `json:"recipients,omitempty"`
	CreatedAt  string   `json:"created_at" format:"date-time"`
}

type APIKey struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
