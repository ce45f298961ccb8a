package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"

	"annohub/internal/config"
	"annohub/internal/db"
	"annohub/internal/domain"
	"annohub/internal/engine"
	"annohub/internal/migrate"
)

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	cfg := config.Default()
	cfg.Allocation.LockRetryIntervalMS = 20
	cfg.Allocation.LockAcquireTimeoutSecs = 1
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth: AuthConfig{
			JWTSecret:              "test-secret",
			AllowLegacyActorHeader: true,
		},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func asActor(userID string) map[string]string {
	return map[string]string{"X-Actor-Id": userID}
}

func seedUser(t *testing.T, e engine.Engine, id, role string) {
	t.Helper()
	if _, err := e.CreateUser(context.Background(), id, id+"@example.com", role); err != nil {
		t.Fatalf("create user %s: %v", id, err)
	}
}

type errEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func decodeErr(t *testing.T, data []byte) errEnvelope {
	t.Helper()
	var env errEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v: %s", err, string(data))
	}
	return env
}

func TestHealthNoAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, string(data))
	}
	env := decodeErr(t, data)
	if env.Error.Code != "unauthorized" {
		t.Fatalf("expected unauthorized code, got %q", env.Error.Code)
	}
}

func TestCreateProjectRequiresManager(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	seedUser(t, srv.Engine, "worker", domain.RoleAnnotator)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects", map[string]any{
		"title":        "No go",
		"project_type": "transcription",
	}, asActor("worker"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", res.StatusCode, string(data))
	}
	env := decodeErr(t, data)
	if env.Error.Code != "forbidden" {
		t.Fatalf("expected forbidden code, got %q", env.Error.Code)
	}
}

func TestEndToEndAnnotationFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	seedUser(t, srv.Engine, "mgr", domain.RoleManager)
	seedUser(t, srv.Engine, "ann-1", domain.RoleAnnotator)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects", map[string]any{
		"title":        "Batch 1",
		"project_type": "transcription",
	}, asActor("mgr"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create project status %d: %s", res.StatusCode, string(data))
	}
	var project domain.Project
	if err := json.Unmarshal(data, &project); err != nil {
		t.Fatalf("unmarshal project: %v", err)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/"+project.ID+"/members", map[string]any{
		"role":     "annotator",
		"user_ids": []string{"ann-1"},
	}, asActor("mgr"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("add members status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/"+project.ID+"/tasks", map[string]any{
		"items": []map[string]any{
			{"input_data": "clip-1"},
			{"input_data": "clip-2"},
		},
	}, asActor("mgr"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create tasks status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/"+project.ID+"/publish", nil, asActor("mgr"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("publish status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/"+project.ID+"/assign_new_tasks", map[string]any{
		"num_tasks": 2,
	}, asActor("ann-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("assign status %d: %s", res.StatusCode, string(data))
	}
	var assigned AssignResponse
	if err := json.Unmarshal(data, &assigned); err != nil {
		t.Fatalf("unmarshal assign response: %v", err)
	}
	if len(assigned.TaskIDs) != 2 {
		t.Fatalf("expected 2 assigned tasks, got %v", assigned.TaskIDs)
	}

	res, data = doJSON(t, client, http.MethodGet, fmt.Sprintf("%s/v0/tasks/%d", srv.URL, assigned.TaskIDs[0]), nil, asActor("ann-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get task status %d: %s", res.StatusCode, string(data))
	}
	var task domain.Task
	if err := json.Unmarshal(data, &task); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}

	ann, err := srv.Engine.Repo.AnnotationFor(context.Background(), srv.Engine.DB, task.ID, domain.AnnotatorAnnotation, "ann-1")
	if err != nil {
		t.Fatalf("lookup annotation: %v", err)
	}
	res, data = doJSON(t, client, http.MethodPatch, fmt.Sprintf("%s/v0/annotations/%d", srv.URL, ann.ID), map[string]any{
		"annotation_status": domain.AnnLabeled,
		"result_json":       `[{"text":"hello"}]`,
	}, asActor("ann-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("update annotation status %d: %s", res.StatusCode, string(data))
	}

	got, err := srv.Engine.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("reload task: %v", err)
	}
	if got.TaskStatus != domain.TaskAnnotated {
		t.Fatalf("expected annotated task, got %s", got.TaskStatus)
	}
}

func TestAssignEmptyProjectMessage(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	seedUser(t, srv.Engine, "mgr", domain.RoleManager)
	seedUser(t, srv.Engine, "ann-1", domain.RoleAnnotator)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects", map[string]any{
		"title":        "Empty",
		"project_type": "transcription",
	}, asActor("mgr"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create project status %d: %s", res.StatusCode, string(data))
	}
	var project domain.Project
	if err := json.Unmarshal(data, &project); err != nil {
		t.Fatalf("unmarshal project: %v", err)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/"+project.ID+"/members", map[string]any{
		"role":     "annotator",
		"user_ids": []string{"ann-1"},
	}, asActor("mgr"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("add members status %d: %s", res.StatusCode, string(data))
	}
	if _, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/"+project.ID+"/publish", nil, asActor("mgr")); len(data) == 0 {
		t.Fatalf("publish returned empty body")
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/"+project.ID+"/assign_new_tasks", map[string]any{
		"num_tasks": 5,
	}, asActor("ann-1"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", res.StatusCode, string(data))
	}
	env := decodeErr(t, data)
	if env.Error.Message != "No tasks left for assignment in this project" {
		t.Fatalf("unexpected message %q", env.Error.Message)
	}
}

func TestUnassignOtherUserRequiresManager(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	seedUser(t, srv.Engine, "mgr", domain.RoleManager)
	seedUser(t, srv.Engine, "ann-1", domain.RoleAnnotator)
	seedUser(t, srv.Engine, "ann-2", domain.RoleAnnotator)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects", map[string]any{
		"title":        "Guarded",
		"project_type": "transcription",
	}, asActor("mgr"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create project status %d: %s", res.StatusCode, string(data))
	}
	var project domain.Project
	if err := json.Unmarshal(data, &project); err != nil {
		t.Fatalf("unmarshal project: %v", err)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/"+project.ID+"/unassign_tasks", map[string]any{
		"user_id": "ann-2",
	}, asActor("ann-1"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", res.StatusCode, string(data))
	}
}

func TestAPIKeyAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	seedUser(t, srv.Engine, "mgr", domain.RoleManager)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/users/mgr/api_keys", map[string]any{
		"name": "ci",
	}, asActor("mgr"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create api key status %d: %s", res.StatusCode, string(data))
	}
	var key APIKeyResponse
	if err := json.Unmarshal(data, &key); err != nil {
		t.Fatalf("unmarshal api key: %v", err)
	}
	if key.Key == "" {
		t.Fatalf("expected raw key in response")
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects", nil, map[string]string{
		"X-Api-Key": key.Key,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list projects with api key status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects", nil, map[string]string{
		"X-Api-Key": "not-a-key",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad key, got %d: %s", res.StatusCode, string(data))
	}
}

func TestRemoveAnnotatorsAcceptsMultipleIDs(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	seedUser(t, srv.Engine, "mgr", domain.RoleManager)
	seedUser(t, srv.Engine, "ann-1", domain.RoleAnnotator)
	seedUser(t, srv.Engine, "ann-2", domain.RoleAnnotator)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects", map[string]any{
		"title":        "Batch removal",
		"project_type": "transcription",
	}, asActor("mgr"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create project status %d: %s", res.StatusCode, string(data))
	}
	var project domain.Project
	if err := json.Unmarshal(data, &project); err != nil {
		t.Fatalf("unmarshal project: %v", err)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/"+project.ID+"/members", map[string]any{
		"role":     "annotator",
		"user_ids": []string{"ann-1", "ann-2"},
	}, asActor("mgr"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("add members status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/"+project.ID+"/remove_annotator", map[string]any{
		"ids": []string{"ann-1", "ann-2"},
	}, asActor("mgr"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("remove annotators status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/"+project.ID+"/members", nil, asActor("mgr"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list members status %d: %s", res.StatusCode, string(data))
	}
	var members map[string][]string
	if err := json.Unmarshal(data, &members); err != nil {
		t.Fatalf("unmarshal members: %v", err)
	}
	if len(members["annotator"]) != 0 {
		t.Fatalf("annotators still present: %v", members["annotator"])
	}
	frozen := map[string]bool{}
	for _, id := range members["frozen"] {
		frozen[id] = true
	}
	if !frozen["ann-1"] || !frozen["ann-2"] {
		t.Fatalf("expected both users frozen, got %v", members["frozen"])
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/"+project.ID+"/remove_frozen_user", map[string]any{
		"ids": []string{"ann-1", "ann-2"},
	}, asActor("mgr"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("unfreeze status %d: %s", res.StatusCode, string(data))
	}
}
