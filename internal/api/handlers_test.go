package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/HergenEngelhardt/Videoflix/internal/catalog"
	"github.com/HergenEngelhardt/Videoflix/internal/observability/metrics"
	"github.com/HergenEngelhardt/Videoflix/internal/pipeline"
	"github.com/HergenEngelhardt/Videoflix/internal/pipeline/queue"
	"github.com/HergenEngelhardt/Videoflix/internal/pipeline/state"
	"github.com/HergenEngelhardt/Videoflix/internal/pipeline/transcode"
)

type testEnv struct {
	handler *Handler
	catalog *catalog.MemoryCatalog
	states  *state.MemoryStore
	queue   *queue.MemoryQueue
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cat := catalog.NewMemoryCatalog()
	states := state.NewMemoryStore()
	q := queue.NewMemoryQueue(queue.MemoryQueueConfig{Buffer: 1})
	proc, err := pipeline.NewProcessor(pipeline.Config{
		Catalog:   cat,
		States:    states,
		Queue:     q,
		Runner:    transcode.NewFFmpeg(transcode.FFmpegConfig{}),
		MediaRoot: t.TempDir(),
		Metrics:   metrics.New(),
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("NewProcessor() returned error: %v", err)
	}
	handler := &Handler{
		Catalog:  cat,
		States:   states,
		Pipeline: proc,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	return &testEnv{handler: handler, catalog: cat, states: states, queue: q}
}

func (env *testEnv) seedVideo(t *testing.T, id string, status catalog.VideoStatus) {
	t.Helper()
	err := env.catalog.PutSourceVideo(catalog.SourceVideo{
		ID:       id,
		Title:    "Video " + id,
		FilePath: "/media/" + id + ".mp4",
		Status:   status,
	})
	if err != nil {
		t.Fatalf("failed to seed catalog: %v", err)
	}
}

type stubPinger struct {
	err error
}

func (p stubPinger) Ping(context.Context) error {
	return p.err
}

func TestHealthReportsComponents(t *testing.T) {
	env := newTestEnv(t)
	env.handler.Components = []Component{
		{Name: "catalog", Pinger: stubPinger{}},
		{Name: "queue", Pinger: stubPinger{}},
	}

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	env.handler.Health(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("health status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}
	var payload struct {
		Status     string `json:"status"`
		Components []struct {
			Component string `json:"component"`
			Status    string `json:"status"`
		} `json:"components"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode health payload: %v", err)
	}
	if payload.Status != "ok" || len(payload.Components) != 2 {
		t.Fatalf("unexpected health payload: %+v", payload)
	}
}

func TestHealthDegradedComponent(t *testing.T) {
	env := newTestEnv(t)
	env.handler.Components = []Component{
		{Name: "catalog", Pinger: stubPinger{}},
		{Name: "queue", Pinger: stubPinger{err: errors.New("connection refused")}},
	}

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	env.handler.Health(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("health status = %d, want 503", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "connection refused") {
		t.Fatalf("health body missing component error: %s", rec.Body.String())
	}
}

func TestVideoStatus(t *testing.T) {
	env := newTestEnv(t)
	env.seedVideo(t, "vid-1", catalog.StatusProcessing)
	ctx := context.Background()
	if err := env.states.EnsureStates(ctx, "vid-1", []string{"480p", "720p"}); err != nil {
		t.Fatalf("EnsureStates() returned error: %v", err)
	}
	if _, err := env.states.Claim(ctx, "vid-1", "480p"); err != nil {
		t.Fatalf("Claim() returned error: %v", err)
	}
	if err := env.states.MarkSucceeded(ctx, "vid-1", "480p", "/hls/vid-1/480p/index.m3u8"); err != nil {
		t.Fatalf("MarkSucceeded() returned error: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/videos/vid-1/status", nil)
	rec := httptest.NewRecorder()
	env.handler.VideoByID(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status endpoint = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}
	var payload videoStatusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode status payload: %v", err)
	}
	if payload.ID != "vid-1" || payload.Status != string(catalog.StatusProcessing) {
		t.Fatalf("unexpected status payload: %+v", payload)
	}
	if len(payload.Renditions) != 2 {
		t.Fatalf("renditions = %d, want 2", len(payload.Renditions))
	}
	byName := make(map[string]renditionStatusResponse, len(payload.Renditions))
	for _, rendition := range payload.Renditions {
		byName[rendition.Rendition] = rendition
	}
	if byName["480p"].Status != string(state.StatusSucceeded) || byName["480p"].ManifestPath == "" {
		t.Fatalf("480p entry = %+v, want succeeded with manifest path", byName["480p"])
	}
	if byName["720p"].Status != string(state.StatusPending) {
		t.Fatalf("720p entry = %+v, want pending", byName["720p"])
	}
}

func TestVideoStatusNotFound(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/videos/ghost/status", nil)
	rec := httptest.NewRecorder()
	env.handler.VideoByID(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status endpoint = %d, want 404", rec.Code)
	}
}

func TestTriggerProcess(t *testing.T) {
	env := newTestEnv(t)
	env.seedVideo(t, "vid-1", catalog.StatusPending)

	req := httptest.NewRequest(http.MethodPost, "/v1/videos/vid-1/process", nil)
	rec := httptest.NewRecorder()
	env.handler.VideoByID(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("process endpoint = %d, want 202 (body %s)", rec.Code, rec.Body.String())
	}
	delivery, err := env.queue.Dequeue(context.Background())
	if err != nil || delivery == nil {
		t.Fatalf("Dequeue() = (%v, %v), want queued job", delivery, err)
	}
	if delivery.Job.VideoID != "vid-1" || delivery.Job.Rendition != "" {
		t.Fatalf("queued job = %+v, want whole-video job for vid-1", delivery.Job)
	}
}

func TestTriggerProcessSingleRendition(t *testing.T) {
	env := newTestEnv(t)
	env.seedVideo(t, "vid-1", catalog.StatusPartiallyReady)

	body := strings.NewReader(`{"rendition":"720p"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/videos/vid-1/process", body)
	rec := httptest.NewRecorder()
	env.handler.VideoByID(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("process endpoint = %d, want 202 (body %s)", rec.Code, rec.Body.String())
	}
	delivery, err := env.queue.Dequeue(context.Background())
	if err != nil || delivery == nil {
		t.Fatalf("Dequeue() = (%v, %v), want queued job", delivery, err)
	}
	if delivery.Job.Rendition != "720p" {
		t.Fatalf("queued job rendition = %q, want 720p", delivery.Job.Rendition)
	}
}

func TestTriggerProcessErrors(t *testing.T) {
	env := newTestEnv(t)
	env.seedVideo(t, "vid-1", catalog.StatusPending)

	cases := []struct {
		name   string
		target string
		body   string
		want   int
	}{
		{"unknown video", "/v1/videos/ghost/process", "", http.StatusNotFound},
		{"unknown rendition", "/v1/videos/vid-1/process", `{"rendition":"4320p"}`, http.StatusBadRequest},
		{"unknown field", "/v1/videos/vid-1/process", `{"priority":"high"}`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var body io.Reader
			if tc.body != "" {
				body = strings.NewReader(tc.body)
			}
			req := httptest.NewRequest(http.MethodPost, tc.target, body)
			rec := httptest.NewRecorder()
			env.handler.VideoByID(rec, req)
			if rec.Code != tc.want {
				t.Fatalf("process endpoint = %d, want %d (body %s)", rec.Code, tc.want, rec.Body.String())
			}
		})
	}
}

func TestTriggerProcessQueueFull(t *testing.T) {
	env := newTestEnv(t)
	env.seedVideo(t, "vid-1", catalog.StatusPending)
	env.seedVideo(t, "vid-2", catalog.StatusPending)
	// Saturate the single-slot queue.
	if err := env.queue.Enqueue(context.Background(), queue.Job{VideoID: "vid-1"}); err != nil {
		t.Fatalf("Enqueue() returned error: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/videos/vid-2/process", nil)
	rec := httptest.NewRecorder()
	env.handler.VideoByID(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("process endpoint = %d, want 503 (body %s)", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header on queue overload")
	}
}

func TestVideoByIDMethodNotAllowed(t *testing.T) {
	env := newTestEnv(t)
	env.seedVideo(t, "vid-1", catalog.StatusReady)

	req := httptest.NewRequest(http.MethodDelete, "/v1/videos/vid-1/status", nil)
	rec := httptest.NewRecorder()
	env.handler.VideoByID(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status endpoint = %d, want 405", rec.Code)
	}
	if allow := rec.Header().Get("Allow"); allow != "GET" {
		t.Fatalf("Allow header = %q, want GET", allow)
	}
}

func TestRoutesServeMetricsAndHealth(t *testing.T) {
	env := newTestEnv(t)
	recorder := metrics.New()
	routes := env.handler.Routes(recorder)

	srv := httptest.NewServer(routes)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics endpoint = %d, want 200", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read metrics body: %v", err)
	}
	if !strings.Contains(string(body), "videoflix_http_requests_total") {
		t.Fatalf("metrics body missing request counter:\n%s", body)
	}

	healthResp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz failed: %v", err)
	}
	defer healthResp.Body.Close()
	if healthResp.StatusCode != http.StatusOK {
		t.Fatalf("health endpoint = %d, want 200", healthResp.StatusCode)
	}
}
