package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"clip-collector/internal/collect"
	"clip-collector/internal/domain"
	"clip-collector/internal/tasks"
)

// stubRunner replaces the pipeline behind the orchestrator.
type stubRunner struct {
	run func(ctx context.Context, req collect.Request) (collect.Result, error)
}

func (s *stubRunner) Run(ctx context.Context, req collect.Request) (collect.Result, error) {
	if s.run == nil {
		return collect.Result{}, nil
	}
	return s.run(ctx, req)
}

// stubDiagnoser returns a canned health report.
type stubDiagnoser struct {
	report domain.DiagnosticReport
}

func (s *stubDiagnoser) Run(domain.Settings) domain.DiagnosticReport {
	return s.report
}

func newTestServer(t *testing.T, runner tasks.Runner, report domain.DiagnosticReport) (*Server, *tasks.Orchestrator) {
	t.Helper()

	store, err := tasks.OpenDurableStore(filepath.Join(t.TempDir(), "tasks.db"))
	if err != nil {
		t.Fatalf("open durable store: %v", err)
	}
	registry := tasks.NewRegistry(store)
	events := tasks.NewEventBus(100)
	orch := tasks.NewOrchestrator(registry, runner, events, nil, t.TempDir(), "vi")

	server := NewServer(orch, &stubDiagnoser{report: report}, domain.Settings{ListenAddr: ":0"})
	return server, orch
}

func doJSON(t *testing.T, server *Server, method, path, body, owner string) *httptest.ResponseRecorder {
	t.Helper()

	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if owner != "" {
		req.Header.Set("X-Owner", owner)
	}

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	return rec
}

// waitForTerminal polls the status endpoint until the task finishes.
func waitForTerminal(t *testing.T, server *Server, id string) domain.Task {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		rec := doJSON(t, server, http.MethodGet, "/api/collect/status/"+id, "", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("status code = %d, body = %s", rec.Code, rec.Body.String())
		}
		var task domain.Task
		if err := json.Unmarshal(rec.Body.Bytes(), &task); err != nil {
			t.Fatalf("decode status: %v", err)
		}
		if task.Status.IsTerminal() {
			return task
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %s never finished", id)
	return domain.Task{}
}

// TestProcessAndDownload checks the submit, poll, and download flow.
func TestProcessAndDownload(t *testing.T) {
	runner := &stubRunner{
		run: func(ctx context.Context, req collect.Request) (collect.Result, error) {
			archive := filepath.Join(req.WorkDir, "result.zip")
			if err := os.WriteFile(archive, []byte("zipdata"), 0o644); err != nil {
				return collect.Result{}, err
			}
			return collect.Result{ArchivePath: archive}, nil
		},
	}
	server, _ := newTestServer(t, runner, domain.DiagnosticReport{})

	rec := doJSON(t, server, http.MethodPost, "/api/collect/process",
		`{"sourceUrl":"https://videos.example/v1","maxItems":2}`, "alice")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("process code = %d, body = %s", rec.Code, rec.Body.String())
	}

	var task domain.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &task); err != nil {
		t.Fatalf("decode task: %v", err)
	}
	if task.ID == "" || task.Status != domain.TaskStatusPending {
		t.Fatalf("task = %+v", task)
	}

	final := waitForTerminal(t, server, task.ID)
	if final.Status != domain.TaskStatusCompleted {
		t.Fatalf("final status = %s (%s)", final.Status, final.Error)
	}

	download := doJSON(t, server, http.MethodGet, "/api/collect/download/"+task.ID, "", "")
	if download.Code != http.StatusOK {
		t.Fatalf("download code = %d, body = %s", download.Code, download.Body.String())
	}
	if got := download.Body.String(); got != "zipdata" {
		t.Fatalf("download body = %q", got)
	}
	if cd := download.Header().Get("Content-Disposition"); !strings.Contains(cd, "result.zip") {
		t.Fatalf("content disposition = %q", cd)
	}
}

// TestProcessValidation checks malformed submissions map to 400.
func TestProcessValidation(t *testing.T) {
	server, _ := newTestServer(t, &stubRunner{}, domain.DiagnosticReport{})

	if rec := doJSON(t, server, http.MethodPost, "/api/collect/process", `{}`, ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing url code = %d", rec.Code)
	}
	if rec := doJSON(t, server, http.MethodPost, "/api/collect/process",
		`{"sourceUrl":"ftp://videos.example/v"}`, ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad scheme code = %d", rec.Code)
	}
}

// TestOwnerConflictMapsToConflict checks the busy-owner rejection status.
func TestOwnerConflictMapsToConflict(t *testing.T) {
	runner := &stubRunner{
		run: func(ctx context.Context, req collect.Request) (collect.Result, error) {
			<-ctx.Done()
			return collect.Result{}, collect.ErrCancelled
		},
	}
	server, _ := newTestServer(t, runner, domain.DiagnosticReport{})

	first := doJSON(t, server, http.MethodPost, "/api/collect/process",
		`{"sourceUrl":"https://videos.example/v1"}`, "alice")
	if first.Code != http.StatusAccepted {
		t.Fatalf("first code = %d", first.Code)
	}

	second := doJSON(t, server, http.MethodPost, "/api/collect/process",
		`{"sourceUrl":"https://videos.example/v2"}`, "alice")
	if second.Code != http.StatusConflict {
		t.Fatalf("second code = %d, body = %s", second.Code, second.Body.String())
	}
}

// TestCancelAuthorization checks the ownership mapping to 403.
func TestCancelAuthorization(t *testing.T) {
	runner := &stubRunner{
		run: func(ctx context.Context, req collect.Request) (collect.Result, error) {
			<-ctx.Done()
			return collect.Result{}, collect.ErrCancelled
		},
	}
	server, _ := newTestServer(t, runner, domain.DiagnosticReport{})

	rec := doJSON(t, server, http.MethodPost, "/api/collect/process",
		`{"sourceUrl":"https://videos.example/v1"}`, "alice")
	var task domain.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &task); err != nil {
		t.Fatalf("decode task: %v", err)
	}

	if rec := doJSON(t, server, http.MethodPost, "/api/collect/cancel/"+task.ID, "", "bob"); rec.Code != http.StatusForbidden {
		t.Fatalf("bob cancel code = %d", rec.Code)
	}

	rec = doJSON(t, server, http.MethodPost, "/api/collect/cancel/"+task.ID, "", "alice")
	if rec.Code != http.StatusOK {
		t.Fatalf("owner cancel code = %d, body = %s", rec.Code, rec.Body.String())
	}

	final := waitForTerminal(t, server, task.ID)
	if final.Status != domain.TaskStatusCancelled {
		t.Fatalf("final status = %s, want cancelled", final.Status)
	}
}

// TestStatusNotFound checks unknown ids map to 404.
func TestStatusNotFound(t *testing.T) {
	server, _ := newTestServer(t, &stubRunner{}, domain.DiagnosticReport{})

	if rec := doJSON(t, server, http.MethodGet, "/api/collect/status/nope", "", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("status code = %d", rec.Code)
	}
	if rec := doJSON(t, server, http.MethodDelete, "/api/collect/task/nope", "", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("delete code = %d", rec.Code)
	}
}

// TestDownloadNotReady checks a running task cannot be downloaded.
func TestDownloadNotReady(t *testing.T) {
	runner := &stubRunner{
		run: func(ctx context.Context, req collect.Request) (collect.Result, error) {
			<-ctx.Done()
			return collect.Result{}, collect.ErrCancelled
		},
	}
	server, orch := newTestServer(t, runner, domain.DiagnosticReport{})

	rec := doJSON(t, server, http.MethodPost, "/api/collect/process",
		`{"sourceUrl":"https://videos.example/v1"}`, "alice")
	var task domain.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &task); err != nil {
		t.Fatalf("decode task: %v", err)
	}

	if rec := doJSON(t, server, http.MethodGet, "/api/collect/download/"+task.ID, "", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("download code = %d, want 400", rec.Code)
	}

	if err := orch.Cancel(task.ID, "alice"); err != nil {
		t.Fatalf("cancel error = %v", err)
	}
	waitForTerminal(t, server, task.ID)
}

// TestListAndEvents checks listing and incremental event reads.
func TestListAndEvents(t *testing.T) {
	server, _ := newTestServer(t, &stubRunner{}, domain.DiagnosticReport{})

	rec := doJSON(t, server, http.MethodPost, "/api/collect/process",
		`{"sourceUrl":"https://videos.example/v1"}`, "alice")
	var task domain.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &task); err != nil {
		t.Fatalf("decode task: %v", err)
	}
	waitForTerminal(t, server, task.ID)

	list := doJSON(t, server, http.MethodGet, "/api/collect/tasks?owner=alice", "", "")
	if list.Code != http.StatusOK {
		t.Fatalf("list code = %d", list.Code)
	}
	var listBody struct {
		Tasks []domain.Task `json:"tasks"`
	}
	if err := json.Unmarshal(list.Body.Bytes(), &listBody); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(listBody.Tasks) != 1 || listBody.Tasks[0].ID != task.ID {
		t.Fatalf("list = %+v", listBody.Tasks)
	}

	eventsRec := doJSON(t, server, http.MethodGet, "/api/collect/events?since=0", "", "")
	if eventsRec.Code != http.StatusOK {
		t.Fatalf("events code = %d", eventsRec.Code)
	}
	var eventsBody struct {
		Events  []tasks.Event `json:"events"`
		NextSeq int64         `json:"nextSeq"`
	}
	if err := json.Unmarshal(eventsRec.Body.Bytes(), &eventsBody); err != nil {
		t.Fatalf("decode events: %v", err)
	}
	if len(eventsBody.Events) == 0 || eventsBody.NextSeq == 0 {
		t.Fatalf("events = %+v", eventsBody)
	}

	tail := doJSON(t, server, http.MethodGet,
		"/api/collect/events?since="+strconv.FormatInt(eventsBody.NextSeq, 10), "", "")
	var tailBody struct {
		Events []tasks.Event `json:"events"`
	}
	if err := json.Unmarshal(tail.Body.Bytes(), &tailBody); err != nil {
		t.Fatalf("decode tail: %v", err)
	}
	if len(tailBody.Events) != 0 {
		t.Fatalf("tail events = %+v, want none", tailBody.Events)
	}

	if rec := doJSON(t, server, http.MethodGet, "/api/collect/events?since=abc", "", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad since code = %d", rec.Code)
	}
}

// TestHealthz checks diagnostic failures surface as 503.
func TestHealthz(t *testing.T) {
	healthy, _ := newTestServer(t, &stubRunner{}, domain.DiagnosticReport{})
	if rec := doJSON(t, healthy, http.MethodGet, "/healthz", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("healthy code = %d", rec.Code)
	}

	failing, _ := newTestServer(t, &stubRunner{}, domain.DiagnosticReport{
		HasFailures: true,
		Items: []domain.DiagnosticItem{
			{ID: "tool_ffmpeg", Status: domain.DiagnosticStatusFail, Message: "Tool not found in PATH: ffmpeg"},
		},
	})
	rec := doJSON(t, failing, http.MethodGet, "/healthz", "", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("failing code = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "tool_ffmpeg") {
		t.Fatalf("body = %s", rec.Body.String())
	}
}
