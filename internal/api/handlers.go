package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/HergenEngelhardt/Videoflix/internal/catalog"
	"github.com/HergenEngelhardt/Videoflix/internal/observability/logging"
	"github.com/HergenEngelhardt/Videoflix/internal/observability/metrics"
	"github.com/HergenEngelhardt/Videoflix/internal/pipeline"
	"github.com/HergenEngelhardt/Videoflix/internal/pipeline/queue"
	"github.com/HergenEngelhardt/Videoflix/internal/pipeline/state"
)

// Pinger is a backend the health endpoint can probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Component pairs a backend with the name it is reported under in /healthz.
type Component struct {
	Name   string
	Pinger Pinger
}

// Handler serves the admin surface. Catalog, States, and Pipeline are
// required; Components is optional.
type Handler struct {
	Catalog    catalog.Catalog
	States     state.Store
	Pipeline   *pipeline.Processor
	Components []Component
	Logger     *slog.Logger
}

// Routes builds the admin mux wrapped in request logging and metrics
// middleware.
func (h *Handler) Routes(recorder *metrics.Recorder) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.Health)
	mux.Handle("/metrics", recorder.Handler())
	mux.HandleFunc("/v1/videos/", h.VideoByID)

	handler := metrics.HTTPMiddleware(recorder, mux)
	handler = logging.RequestLogger(logging.RequestLoggerConfig{Logger: h.Logger})(handler)
	return handler
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

type componentStatus struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

// Health reports per-backend liveness. Any degraded component turns the
// response into a 503 so orchestrators stop routing to this instance.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	overall := "ok"
	statusCode := http.StatusOK
	components := make([]componentStatus, 0, len(h.Components))
	for _, component := range h.Components {
		if component.Pinger == nil {
			continue
		}
		entry := componentStatus{Component: component.Name, Status: "ok"}
		if err := component.Pinger.Ping(r.Context()); err != nil {
			entry.Status = "degraded"
			entry.Error = err.Error()
			overall = "degraded"
			statusCode = http.StatusServiceUnavailable
		}
		components = append(components, entry)
	}
	writeJSON(w, statusCode, map[string]interface{}{
		"status":     overall,
		"components": components,
	})
}

type renditionStatusResponse struct {
	Rendition    string `json:"rendition"`
	Status       string `json:"status"`
	Attempts     int    `json:"attempts"`
	Error        string `json:"error,omitempty"`
	ManifestPath string `json:"manifestPath,omitempty"`
	UpdatedAt    string `json:"updatedAt"`
}

type videoStatusResponse struct {
	ID            string                    `json:"id"`
	Title         string                    `json:"title"`
	Status        string                    `json:"status"`
	ThumbnailPath string                    `json:"thumbnailPath,omitempty"`
	Renditions    []renditionStatusResponse `json:"renditions"`
	CreatedAt     string                    `json:"createdAt"`
	UpdatedAt     string                    `json:"updatedAt"`
}

type processRequest struct {
	Rendition string `json:"rendition"`
}

// VideoByID routes /v1/videos/{id}/status and /v1/videos/{id}/process.
func (h *Handler) VideoByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/videos/")
	parts := strings.Split(path, "/")
	videoID := strings.TrimSpace(parts[0])
	if videoID == "" {
		writeError(w, http.StatusNotFound, fmt.Errorf("video id missing"))
		return
	}
	action := ""
	if len(parts) > 1 {
		action = strings.TrimSpace(parts[1])
	}
	switch action {
	case "status":
		h.videoStatus(w, r, videoID)
	case "process":
		h.triggerProcess(w, r, videoID)
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown resource %q", action))
	}
}

func (h *Handler) videoStatus(w http.ResponseWriter, r *http.Request, videoID string) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	ctx := logging.ContextWithVideoID(r.Context(), videoID)
	video, err := h.Catalog.GetSourceVideo(ctx, videoID)
	if errors.Is(err, catalog.ErrVideoNotFound) {
		writeError(w, http.StatusNotFound, fmt.Errorf("video %s not found", videoID))
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	records, err := h.States.ListByVideo(ctx, videoID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	renditions := make([]renditionStatusResponse, 0, len(records))
	for _, record := range records {
		renditions = append(renditions, renditionStatusResponse{
			Rendition:    record.Rendition,
			Status:       string(record.Status),
			Attempts:     record.Attempts,
			Error:        record.LastError,
			ManifestPath: record.ManifestPath,
			UpdatedAt:    record.UpdatedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	writeJSON(w, http.StatusOK, videoStatusResponse{
		ID:            video.ID,
		Title:         video.Title,
		Status:        string(video.Status),
		ThumbnailPath: video.ThumbnailPath,
		Renditions:    renditions,
		CreatedAt:     video.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:     video.UpdatedAt.UTC().Format(time.RFC3339Nano),
	})
}

func (h *Handler) triggerProcess(w http.ResponseWriter, r *http.Request, videoID string) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	var req processRequest
	if r.Body != nil {
		defer r.Body.Close()
		decoder := json.NewDecoder(r.Body)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
			return
		}
	}
	ctx := logging.ContextWithVideoID(r.Context(), videoID)
	job := queue.Job{VideoID: videoID, Rendition: strings.TrimSpace(req.Rendition)}
	err := h.Pipeline.Submit(ctx, job)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{
			"videoId": videoID,
			"status":  string(catalog.StatusQueued),
		})
	case errors.Is(err, catalog.ErrVideoNotFound):
		writeError(w, http.StatusNotFound, fmt.Errorf("video %s not found", videoID))
	case errors.Is(err, queue.ErrQueueFull):
		w.Header().Set("Retry-After", "5")
		writeError(w, http.StatusServiceUnavailable, err)
	case errors.Is(err, queue.ErrQueueClosed):
		writeError(w, http.StatusServiceUnavailable, err)
	default:
		writeError(w, http.StatusBadRequest, err)
	}
}
