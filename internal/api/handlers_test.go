package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/foxzi/campaignd/internal/config"
	"github.com/foxzi/campaignd/internal/eventlog"
	"github.com/foxzi/campaignd/internal/gateway"
	"github.com/foxzi/campaignd/internal/job"
	"github.com/foxzi/campaignd/internal/scheduler"
)

// mockScheduler records submitted jobs and cancels through the store
type mockScheduler struct {
	store job.Store

	mu        sync.Mutex
	submitted []string
}

func (m *mockScheduler) Submit(j *job.Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submitted = append(m.submitted, j.ID)
}

func (m *mockScheduler) Cancel(ctx context.Context, id string) (*job.Job, error) {
	j, err := m.store.SetStatus(ctx, id, job.StatusCancelled)
	if errors.Is(err, job.ErrStatusConflict) {
		return nil, fmt.Errorf("%w: %v", scheduler.ErrNotCancellable, err)
	}
	return j, err
}

func (m *mockScheduler) Active() int { return 0 }

func (m *mockScheduler) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.submitted)
}

type mockChecker struct {
	status gateway.ConnectionStatus
	calls  int
}

func (m *mockChecker) CheckConnection(ctx context.Context, cfg gateway.Config) gateway.ConnectionStatus {
	m.calls++
	return m.status
}

type testEnv struct {
	server  *Server
	store   *job.BoltStorage
	sched   *mockScheduler
	checker *mockChecker
	logs    *eventlog.BoltSink
}

func setupTestServer(t *testing.T, cfg config.APIConfig, gw gateway.Config) *testEnv {
	t.Helper()

	store, err := job.NewBoltStorage(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewBoltStorage() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	logs, err := eventlog.NewBoltSink(store.DB(), 0, logger)
	if err != nil {
		t.Fatalf("NewBoltSink() error = %v", err)
	}

	env := &testEnv{
		store:   store,
		sched:   &mockScheduler{store: store},
		checker: &mockChecker{status: gateway.ConnectionStatus{Connected: true, State: "open"}},
		logs:    logs,
	}

	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	env.server = NewServer(Deps{
		Jobs:          store,
		Scheduler:     env.sched,
		Gateway:       env.checker,
		Provider:      gateway.NewStaticProvider(gw),
		Logs:          logs,
		DefaultDelays: job.Delays{Min: 5, Max: 10},
	}, &cfg, logger)

	return env
}

func (e *testEnv) do(method, path, body string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer test-key")
	w := httptest.NewRecorder()
	e.server.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) addJob(t *testing.T, status job.Status) *job.Job {
	t.Helper()
	j := &job.Job{
		ID:        job.NewID(),
		Targets:   []string{"5511999999999"},
		Message:   "hi",
		MediaType: job.MediaTypeText,
		Status:    status,
		CreatedAt: time.Now(),
	}
	if err := e.store.Append(context.Background(), j); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	return j
}

func TestHealthEndpoint(t *testing.T) {
	env := setupTestServer(t, config.APIConfig{APIKey: "test-key"}, gateway.Config{})
	env.addJob(t, job.StatusScheduled)

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()

	env.server.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Status = %d, want %d", w.Code, http.StatusOK)
	}

	var resp HealthResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if resp.Status != "ok" {
		t.Errorf("Status = %q, want %q", resp.Status, "ok")
	}
	if resp.Jobs == nil || resp.Jobs.Scheduled != 1 {
		t.Errorf("Jobs = %+v, want 1 scheduled", resp.Jobs)
	}
	if resp.Active != 0 || resp.Pending != 0 {
		t.Errorf("Active, Pending = %d, %d, want 0, 0", resp.Active, resp.Pending)
	}
}

func TestCreateJobEndpoint(t *testing.T) {
	env := setupTestServer(t, config.APIConfig{APIKey: "test-key"}, gateway.Config{})

	body := `{
		"targets": ["5511999999999", "120363@g.us"],
		"message": "Hello",
		"mediaType": "text"
	}`

	w := env.do("POST", "/api/v1/jobs", body)

	if w.Code != http.StatusAccepted {
		t.Fatalf("Status = %d, want %d. Body: %s", w.Code, http.StatusAccepted, w.Body.String())
	}

	var resp CreateJobResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if !resp.Success || resp.JobID == "" {
		t.Fatalf("response = %+v", resp)
	}

	j, err := env.store.Get(context.Background(), resp.JobID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if j.Status != job.StatusScheduled {
		t.Errorf("Status = %s, want scheduled", j.Status)
	}
	if j.Delays != (job.Delays{Min: 5, Max: 10}) {
		t.Errorf("Delays = %+v, want defaults", j.Delays)
	}
	if len(j.Targets) != 2 {
		t.Errorf("Targets = %v", j.Targets)
	}

	if len(env.sched.submitted) != 1 || env.sched.submitted[0] != resp.JobID {
		t.Errorf("submitted = %v, want [%s]", env.sched.submitted, resp.JobID)
	}
}

func TestCreateJobScheduled(t *testing.T) {
	env := setupTestServer(t, config.APIConfig{APIKey: "test-key"}, gateway.Config{})
	at := time.Now().Add(2 * time.Hour).UTC().Truncate(time.Second)

	body := fmt.Sprintf(`{"targets":["5511999999999"],"message":"later","scheduleTime":%q,"delays":{"min":1,"max":3}}`, at.Format(time.RFC3339))
	w := env.do("POST", "/api/v1/jobs", body)
	if w.Code != http.StatusAccepted {
		t.Fatalf("Status = %d, body: %s", w.Code, w.Body.String())
	}

	var resp CreateJobResponse
	json.NewDecoder(w.Body).Decode(&resp)

	j, err := env.store.Get(context.Background(), resp.JobID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if j.ScheduleTime == nil || !j.ScheduleTime.Equal(at) {
		t.Errorf("ScheduleTime = %v, want %v", j.ScheduleTime, at)
	}
	if j.Delays != (job.Delays{Min: 1, Max: 3}) {
		t.Errorf("Delays = %+v", j.Delays)
	}

	scheduled, err := env.store.Scheduled(context.Background())
	if err != nil {
		t.Fatalf("Scheduled() error = %v", err)
	}
	if len(scheduled) != 1 || scheduled[0].ID != resp.JobID {
		t.Errorf("Scheduled() = %v", scheduled)
	}
}

func TestCreateJobValidation(t *testing.T) {
	env := setupTestServer(t, config.APIConfig{APIKey: "test-key"}, gateway.Config{})

	tests := []struct {
		name string
		body string
		want int
	}{
		{"missing targets", `{"message":"hi"}`, http.StatusBadRequest},
		{"empty targets", `{"targets":[],"message":"hi"}`, http.StatusBadRequest},
		{"missing message", `{"targets":["5511999999999"]}`, http.StatusBadRequest},
		{"media without data", `{"targets":["5511999999999"],"mediaType":"image"}`, http.StatusBadRequest},
		{"inverted delays", `{"targets":["5511999999999"],"message":"hi","delays":{"min":9,"max":1}}`, http.StatusBadRequest},
		{"bad schedule time", `{"targets":["5511999999999"],"message":"hi","scheduleTime":"tomorrow"}`, http.StatusBadRequest},
		{"invalid json", `{invalid}`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do("POST", "/api/v1/jobs", tt.body)
			if w.Code != tt.want {
				t.Errorf("Status = %d, want %d", w.Code, tt.want)
			}
		})
	}

	if len(env.sched.submitted) != 0 {
		t.Errorf("submitted = %v, want none", env.sched.submitted)
	}
}

func TestCreateJobBodyLimit(t *testing.T) {
	env := setupTestServer(t, config.APIConfig{APIKey: "test-key", MaxBodyBytes: 64}, gateway.Config{})

	body := `{"targets":["5511999999999"],"mediaType":"image","mediaBase64":"` + strings.Repeat("A", 256) + `"}`
	w := env.do("POST", "/api/v1/jobs", body)

	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("Status = %d, want %d", w.Code, http.StatusRequestEntityTooLarge)
	}
}

func TestAuthMiddleware(t *testing.T) {
	env := setupTestServer(t, config.APIConfig{APIKey: "secret-key"}, gateway.Config{})

	tests := []struct {
		name   string
		header string
		value  string
		want   int
	}{
		{"no auth", "", "", http.StatusUnauthorized},
		{"wrong key", "Authorization", "Bearer wrong-key", http.StatusUnauthorized},
		{"correct key", "Authorization", "Bearer secret-key", http.StatusOK},
		{"x-api-key header", "X-API-Key", "secret-key", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/api/v1/jobs", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			w := httptest.NewRecorder()

			env.server.router.ServeHTTP(w, req)

			if w.Code != tt.want {
				t.Errorf("Status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestAuthMiddlewareNoKeyConfigured(t *testing.T) {
	env := setupTestServer(t, config.APIConfig{}, gateway.Config{})

	req := httptest.NewRequest("GET", "/api/v1/jobs", nil)
	w := httptest.NewRecorder()

	env.server.router.ServeHTTP(w, req)

	// Should allow without auth when no key configured
	if w.Code != http.StatusOK {
		t.Errorf("Status = %d, want %d (no auth required)", w.Code, http.StatusOK)
	}
}

func TestRequestKey(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		want    string
	}{
		{"none", nil, ""},
		{"bearer", map[string]string{"Authorization": "Bearer abc"}, "abc"},
		{"bearer padded", map[string]string{"Authorization": "Bearer  abc "}, "abc"},
		{"other scheme", map[string]string{"Authorization": "Basic abc"}, ""},
		{"bare authorization", map[string]string{"Authorization": "abc"}, ""},
		{"x-api-key", map[string]string{"X-API-Key": "xyz"}, "xyz"},
		{"x-api-key first", map[string]string{"X-API-Key": "xyz", "Authorization": "Bearer abc"}, "xyz"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/api/v1/jobs", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			if got := requestKey(req); got != tt.want {
				t.Errorf("requestKey() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestUnauthorizedResponse(t *testing.T) {
	env := setupTestServer(t, config.APIConfig{APIKey: "secret-key"}, gateway.Config{})

	req := httptest.NewRequest("DELETE", "/api/v1/jobs/some-id", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	w := httptest.NewRecorder()

	env.server.router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("Status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
	if got := w.Header().Get("WWW-Authenticate"); !strings.HasPrefix(got, "Bearer") {
		t.Errorf("WWW-Authenticate = %q", got)
	}

	var resp ErrorResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Error != "Unauthorized" {
		t.Errorf("Error = %q", resp.Error)
	}
}

func TestIPFilter(t *testing.T) {
	env := setupTestServer(t, config.APIConfig{AllowedIPs: []string{"10.0.0.0/8"}}, gateway.Config{})

	tests := []struct {
		name   string
		remote string
		want   int
	}{
		{"allowed", "10.1.2.3:4567", http.StatusOK},
		{"denied", "192.0.2.1:4567", http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/api/v1/jobs", nil)
			req.RemoteAddr = tt.remote
			w := httptest.NewRecorder()

			env.server.router.ServeHTTP(w, req)

			if w.Code != tt.want {
				t.Errorf("Status = %d, want %d", w.Code, tt.want)
			}
		})
	}

	// Health stays reachable for load balancers
	req := httptest.NewRequest("GET", "/health", nil)
	req.RemoteAddr = "192.0.2.1:4567"
	w := httptest.NewRecorder()
	env.server.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("health Status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestListJobsEndpoint(t *testing.T) {
	env := setupTestServer(t, config.APIConfig{APIKey: "test-key"}, gateway.Config{})

	env.addJob(t, job.StatusScheduled)
	env.addJob(t, job.StatusScheduled)
	done := env.addJob(t, job.StatusCompleted)

	w := env.do("GET", "/api/v1/jobs", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want %d", w.Code, http.StatusOK)
	}

	var resp JobListResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if resp.Stats.Total != 3 || resp.Stats.Scheduled != 2 || resp.Stats.Completed != 1 {
		t.Errorf("Stats = %+v", resp.Stats)
	}
	if len(resp.Jobs) != 3 {
		t.Errorf("len(Jobs) = %d, want 3", len(resp.Jobs))
	}

	w = env.do("GET", "/api/v1/jobs?status=completed", "")
	resp = JobListResponse{}
	json.NewDecoder(w.Body).Decode(&resp)
	if len(resp.Jobs) != 1 || resp.Jobs[0].ID != done.ID {
		t.Fatalf("filtered Jobs = %+v, want [%s]", resp.Jobs, done.ID)
	}
	if resp.Jobs[0].Targets != 1 {
		t.Errorf("Targets = %d, want 1", resp.Jobs[0].Targets)
	}

	w = env.do("GET", "/api/v1/jobs?limit=1", "")
	resp = JobListResponse{}
	json.NewDecoder(w.Body).Decode(&resp)
	if len(resp.Jobs) != 1 {
		t.Errorf("limited len(Jobs) = %d, want 1", len(resp.Jobs))
	}

	for _, q := range []string{"status=bogus", "limit=-1", "offset=x"} {
		if w := env.do("GET", "/api/v1/jobs?"+q, ""); w.Code != http.StatusBadRequest {
			t.Errorf("%s: Status = %d, want %d", q, w.Code, http.StatusBadRequest)
		}
	}
}

func TestGetJobEndpoint(t *testing.T) {
	env := setupTestServer(t, config.APIConfig{APIKey: "test-key"}, gateway.Config{})
	j := env.addJob(t, job.StatusScheduled)

	w := env.do("GET", "/api/v1/jobs/"+j.ID, "")
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want %d", w.Code, http.StatusOK)
	}

	var got job.Job
	json.NewDecoder(w.Body).Decode(&got)
	if got.ID != j.ID || got.Message != "hi" {
		t.Errorf("job = %+v", got)
	}

	w = env.do("GET", "/api/v1/jobs/nonexistent", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("Status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestCancelJobEndpoint(t *testing.T) {
	env := setupTestServer(t, config.APIConfig{APIKey: "test-key"}, gateway.Config{})

	scheduled := env.addJob(t, job.StatusScheduled)
	completed := env.addJob(t, job.StatusCompleted)

	tests := []struct {
		name string
		id   string
		want int
	}{
		{"scheduled", scheduled.ID, http.StatusOK},
		{"already cancelled", scheduled.ID, http.StatusConflict},
		{"completed", completed.ID, http.StatusConflict},
		{"unknown", "nonexistent", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do("DELETE", "/api/v1/jobs/"+tt.id, "")
			if w.Code != tt.want {
				t.Errorf("Status = %d, want %d. Body: %s", w.Code, tt.want, w.Body.String())
			}
		})
	}

	j, err := env.store.Get(context.Background(), scheduled.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if j.Status != job.StatusCancelled {
		t.Errorf("Status = %s, want cancelled", j.Status)
	}
}

func TestInstanceStatusEndpoint(t *testing.T) {
	gw := gateway.Config{BaseURL: "http://gw", APIKey: "k", InstanceName: "main"}

	t.Run("connected", func(t *testing.T) {
		env := setupTestServer(t, config.APIConfig{APIKey: "test-key"}, gw)

		w := env.do("GET", "/api/v1/instance/status", "")
		if w.Code != http.StatusOK {
			t.Fatalf("Status = %d, want %d", w.Code, http.StatusOK)
		}

		var status gateway.ConnectionStatus
		json.NewDecoder(w.Body).Decode(&status)
		if !status.Connected || status.State != "open" {
			t.Errorf("status = %+v", status)
		}
	})

	t.Run("disconnected", func(t *testing.T) {
		env := setupTestServer(t, config.APIConfig{APIKey: "test-key"}, gw)
		env.checker.status = gateway.ConnectionStatus{Error: "timeout: deadline exceeded"}

		w := env.do("GET", "/api/v1/instance/status", "")
		if w.Code != http.StatusOK {
			t.Fatalf("Status = %d, want %d", w.Code, http.StatusOK)
		}

		var status gateway.ConnectionStatus
		json.NewDecoder(w.Body).Decode(&status)
		if status.Connected || status.Error == "" {
			t.Errorf("status = %+v", status)
		}
	})

	t.Run("not configured", func(t *testing.T) {
		env := setupTestServer(t, config.APIConfig{APIKey: "test-key"}, gateway.Config{BaseURL: "http://gw"})

		w := env.do("GET", "/api/v1/instance/status", "")
		if w.Code != http.StatusBadRequest {
			t.Errorf("Status = %d, want %d", w.Code, http.StatusBadRequest)
		}
		if env.checker.calls != 0 {
			t.Errorf("checker called %d times, want 0", env.checker.calls)
		}
	})
}

func TestLogsEndpoints(t *testing.T) {
	env := setupTestServer(t, config.APIConfig{APIKey: "test-key"}, gateway.Config{})

	w := env.do("GET", "/api/v1/logs", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want %d", w.Code, http.StatusOK)
	}
	if strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("empty logs body = %s, want []", w.Body.String())
	}

	for _, body := range []string{
		`{"type":"info","text":"first"}`,
		`{"type":"success","text":"second"}`,
		`{"text":"third"}`,
	} {
		if w := env.do("POST", "/api/v1/logs", body); w.Code != http.StatusOK {
			t.Fatalf("append %s: Status = %d", body, w.Code)
		}
	}

	for _, body := range []string{`{"type":"loud","text":"x"}`, `{"type":"info"}`, `{bad`} {
		if w := env.do("POST", "/api/v1/logs", body); w.Code != http.StatusBadRequest {
			t.Errorf("append %s: Status = %d, want %d", body, w.Code, http.StatusBadRequest)
		}
	}

	w = env.do("GET", "/api/v1/logs?limit=2", "")
	var entries []eventlog.Entry
	if err := json.NewDecoder(w.Body).Decode(&entries); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2", len(entries))
	}
	if entries[0].Text != "third" || entries[0].Type != eventlog.TypeInfo {
		t.Errorf("entries[0] = %+v, want newest info entry", entries[0])
	}
	if entries[1].Text != "second" {
		t.Errorf("entries[1] = %+v", entries[1])
	}

	if w := env.do("DELETE", "/api/v1/logs", ""); w.Code != http.StatusOK {
		t.Fatalf("clear Status = %d", w.Code)
	}

	all, err := env.logs.List(context.Background(), 0)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(all) != 0 {
		t.Errorf("len(List()) = %d after clear, want 0", len(all))
	}
}
