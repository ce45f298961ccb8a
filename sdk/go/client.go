package annohubsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Annohub HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Project represents the API project model (partial).
type Project struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	ProjectType  string `json:"project_type"`
	ProjectStage int    `json:"project_stage"`
	IsPublished  bool   `json:"is_published"`
	IsArchived   bool   `json:"is_archived"`
}

// Task represents the API task model (partial).
type Task struct {
	ID                int64    `json:"id"`
	ProjectID         string   `json:"project_id"`
	InputData         string   `json:"input_data"`
	TaskStatus        string   `json:"task_status"`
	AnnotationUsers   []string `json:"annotation_users,omitempty"`
	ReviewUser        *string  `json:"review_user,omitempty"`
	SuperCheckUser    *string  `json:"super_check_user,omitempty"`
	CorrectAnnotation *int64   `json:"correct_annotation,omitempty"`
}

// Annotation represents one layer of verdict on a task.
type Annotation struct {
	ID               int64  `json:"id"`
	TaskID           int64  `json:"task_id"`
	CompletedBy      string `json:"completed_by"`
	ParentAnnotation *int64 `json:"parent_annotation,omitempty"`
	AnnotationType   int    `json:"annotation_type"`
	AnnotationStatus string `json:"annotation_status"`
	ResultJSON       string `json:"result_json"`
	Notes            string `json:"notes,omitempty"`
}

// AssignResult is the outcome of a pull or unassign call.
type AssignResult struct {
	Message string  `json:"message"`
	TaskIDs []int64 `json:"task_ids,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// GetProject fetches a project by id.
func (c *Client) GetProject(ctx context.Context, projectID string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodGet, "v0/projects/"+url.PathEscape(projectID), nil, &resp)
	return resp, err
}

// ListProjects lists all projects.
func (c *Client) ListProjects(ctx context.Context) ([]Project, error) {
	var resp []Project
	err := c.do(ctx, http.MethodGet, "v0/projects", nil, &resp)
	return resp, err
}

// AssignTasks pulls a batch of annotation tasks for the authenticated user.
func (c *Client) AssignTasks(ctx context.Context, projectID string, numTasks int) (AssignResult, error) {
	return c.pull(ctx, projectID, "assign_new_tasks", numTasks)
}

// AssignReviewTasks pulls a batch of review tasks.
func (c *Client) AssignReviewTasks(ctx context.Context, projectID string, numTasks int) (AssignResult, error) {
	return c.pull(ctx, projectID, "assign_new_review_tasks", numTasks)
}

// AssignSuperCheckTasks pulls a batch of supercheck tasks.
func (c *Client) AssignSuperCheckTasks(ctx context.Context, projectID string, numTasks int) (AssignResult, error) {
	return c.pull(ctx, projectID, "assign_new_supercheck_tasks", numTasks)
}

func (c *Client) pull(ctx context.Context, projectID, op string, numTasks int) (AssignResult, error) {
	body := map[string]any{"num_tasks": numTasks}
	var resp AssignResult
	endpoint := c.projectPath(projectID, op)
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// UnassignTasks hands back the authenticated user's pending annotation tasks.
func (c *Client) UnassignTasks(ctx context.Context, projectID string, statuses []string) (AssignResult, error) {
	body := map[string]any{"annotation_statuses": statuses}
	var resp AssignResult
	endpoint := c.projectPath(projectID, "unassign_tasks")
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// GetTask fetches a task by id.
func (c *Client) GetTask(ctx context.Context, taskID int64) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/tasks/%d", taskID), nil, &resp)
	return resp, err
}

// ListTasks lists project tasks, optionally filtered by status.
func (c *Client) ListTasks(ctx context.Context, projectID string, statuses []string, limit int) ([]Task, error) {
	endpoint := c.projectPath(projectID, "tasks")
	params := url.Values{}
	if len(statuses) > 0 {
		params.Set("task_status", strings.Join(statuses, ","))
	}
	if limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", limit))
	}
	if encoded := params.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}
	var resp []Task
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// UpdateAnnotation submits a verdict on an annotation.
func (c *Client) UpdateAnnotation(ctx context.Context, annotationID int64, status, resultJSON, notes string) (Annotation, error) {
	body := map[string]any{
		"annotation_status": status,
		"result_json":       resultJSON,
		"notes":             notes,
	}
	var resp Annotation
	err := c.do(ctx, http.MethodPatch, fmt.Sprintf("v0/annotations/%d", annotationID), body, &resp)
	return resp, err
}

// Events returns project events after the given id.
func (c *Client) Events(ctx context.Context, projectID string, afterID int64, limit int) ([]Event, error) {
	endpoint := c.projectPath(projectID, "events")
	params := url.Values{}
	if afterID > 0 {
		params.Set("after_id", fmt.Sprintf("%d", afterID))
	}
	if limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", limit))
	}
	if encoded := params.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) projectPath(projectID, p string) string {
	return fmt.Sprintf("v0/projects/%s/%s", url.PathEscape(projectID), strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
