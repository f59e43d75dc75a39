package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"council/internal/jobs"
	"council/internal/store"
	"council/internal/trace"
)

// newTestServer wires a Server over temp-dir-backed stores and an in-memory
// job queue, matching the teacher's table-driven handler test style: no
// mocking framework, just the real collaborators pointed at t.TempDir().
func newTestServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()

	agents, err := store.NewAgentStore(filepath.Join(dir, "agents.json"), "openrouter:chairman", "openrouter:title")
	if err != nil {
		t.Fatal(err)
	}
	settings, err := store.NewSettingsStore(filepath.Join(dir, "settings.json"))
	if err != nil {
		t.Fatal(err)
	}
	plugins, err := store.NewPluginStore(filepath.Join(dir, "plugins.json"), []string{"kb_index", "web_search"})
	if err != nil {
		t.Fatal(err)
	}
	conversations := store.NewConversationStore(dir)

	jobStore, err := jobs.OpenStore(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { jobStore.Close() })
	runner := jobs.NewRunner(jobStore, 1)
	runner.RegisterHandler("web_search", jobs.HandlerFunc(func(ctx context.Context, job *jobs.Job, progress func(int)) (*jobs.Result, error) {
		return &jobs.Result{}, nil
	}))

	return NewServer(&Server{
		Agents:        agents,
		Settings:      settings,
		Plugins:       plugins,
		Conversations: conversations,
		Jobs:          runner,
		JobStore:      jobStore,
		Trace:         trace.NewSink(dir),
		DataPath:      dir,
	})
}

func doJSON(t *testing.T, srv *Server, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func TestHealthzAlwaysOpen(t *testing.T) {
	srv := newTestServer(t)
	srv.AuthToken = "secret"
	rec := doJSON(t, srv, http.MethodGet, "/healthz", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("want 200, got %d", rec.Code)
	}
}

func TestAuthRejectsMissingOrWrongToken(t *testing.T) {
	srv := newTestServer(t)
	srv.AuthToken = "secret"

	rec := doJSON(t, srv, http.MethodGet, "/agents", nil, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token: want 401, got %d", rec.Code)
	}

	rec = doJSON(t, srv, http.MethodGet, "/agents", nil, map[string]string{"Authorization": "Bearer wrong"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token: want 401, got %d", rec.Code)
	}

	rec = doJSON(t, srv, http.MethodGet, "/agents", nil, map[string]string{"Authorization": "Bearer secret"})
	if rec.Code != http.StatusOK {
		t.Fatalf("correct token: want 200, got %d", rec.Code)
	}
}

func TestAuthDisabledWhenTokenEmpty(t *testing.T) {
	srv := newTestServer(t)
	rec := doJSON(t, srv, http.MethodGet, "/agents", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("want 200 with auth disabled, got %d", rec.Code)
	}
}

func TestCORSReflectsLocalOriginOnly(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodGet, "/healthz", nil, map[string]string{"Origin": "http://localhost:3000"})
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Fatalf("want reflected local origin, got %q", got)
	}

	rec = doJSON(t, srv, http.MethodGet, "/healthz", nil, map[string]string{"Origin": "http://evil.example.com"})
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("want no CORS header for non-local origin, got %q", got)
	}
}

func TestCORSPreflightNoContent(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodOptions, "/agents", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("want 204 on preflight, got %d", rec.Code)
	}
}

func TestAgentUpsertListGetDelete(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/agents", store.Agent{Name: "Ada", ModelSpec: "openrouter:gpt", Enabled: true}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("create: want 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var created store.Agent
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}
	if created.ID == "" {
		t.Fatal("expected a generated agent id")
	}

	rec = doJSON(t, srv, http.MethodGet, "/agents/"+created.ID, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: want 200, got %d", rec.Code)
	}

	rec = doJSON(t, srv, http.MethodGet, "/agents", nil, nil)
	var listed struct {
		Agents []store.Agent `json:"agents"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &listed); err != nil {
		t.Fatal(err)
	}
	if len(listed.Agents) != 1 {
		t.Fatalf("want 1 listed agent, got %d", len(listed.Agents))
	}

	rec = doJSON(t, srv, http.MethodDelete, "/agents/"+created.ID, nil, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete: want 204, got %d", rec.Code)
	}
	rec = doJSON(t, srv, http.MethodGet, "/agents/"+created.ID, nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("get after delete: want 404, got %d", rec.Code)
	}
}

func TestSettingsGetUpdate(t *testing.T) {
	srv := newTestServer(t)
	rec := doJSON(t, srv, http.MethodGet, "/settings", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("want 200, got %d", rec.Code)
	}

	rec = doJSON(t, srv, http.MethodPut, "/settings", store.Settings{}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("update: want 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestPluginListAndSet(t *testing.T) {
	srv := newTestServer(t)
	rec := doJSON(t, srv, http.MethodGet, "/plugins", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("want 200, got %d", rec.Code)
	}

	rec = doJSON(t, srv, http.MethodPut, "/plugins/web_search", store.PluginConfig{Enabled: false}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("set: want 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, srv, http.MethodPost, "/jobs", createJobRequest{Type: "web_search"}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("disabled plugin job creation: want 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestConversationCreateListGet(t *testing.T) {
	srv := newTestServer(t)
	rec := doJSON(t, srv, http.MethodPost, "/conversations", nil, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: want 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var conv store.Conversation
	if err := json.Unmarshal(rec.Body.Bytes(), &conv); err != nil {
		t.Fatal(err)
	}
	if conv.ID == "" {
		t.Fatal("expected a generated conversation id")
	}

	rec = doJSON(t, srv, http.MethodGet, "/conversations", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: want 200, got %d", rec.Code)
	}

	rec = doJSON(t, srv, http.MethodGet, "/conversations/"+conv.ID, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: want 200, got %d", rec.Code)
	}

	rec = doJSON(t, srv, http.MethodGet, "/conversations/does-not-exist", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("get missing: want 404, got %d", rec.Code)
	}
}

func TestJobCreateListGetCancel(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/jobs", createJobRequest{Type: "web_search"}, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("create: want 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var created struct {
		Job *jobs.Job `json:"job"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}
	if created.Job == nil || created.Job.ID == "" {
		t.Fatal("expected a created job")
	}

	rec = doJSON(t, srv, http.MethodGet, "/jobs", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: want 200, got %d", rec.Code)
	}

	rec = doJSON(t, srv, http.MethodGet, "/jobs/"+created.Job.ID, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: want 200, got %d", rec.Code)
	}

	rec = doJSON(t, srv, http.MethodGet, "/jobs/does-not-exist", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("get missing: want 404, got %d", rec.Code)
	}

	rec = doJSON(t, srv, http.MethodPost, "/jobs/"+created.Job.ID+"/cancel", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel: want 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestCreateJobRejectsUnknownType(t *testing.T) {
	srv := newTestServer(t)
	rec := doJSON(t, srv, http.MethodPost, "/jobs", createJobRequest{Type: "does_not_exist"}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("want 400 for unregistered job type, got %d", rec.Code)
	}
}

func TestTraceEmptyConversationReturnsEmptyList(t *testing.T) {
	srv := newTestServer(t)
	rec := doJSON(t, srv, http.MethodGet, "/conversations/unseen/trace", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("want 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Events []trace.Event `json:"events"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Events) != 0 {
		t.Fatalf("want no events for an untouched conversation, got %d", len(body.Events))
	}
}
