package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// RenditionLabel identifies one rendition outcome counter series.
type RenditionLabel struct {
	Rendition string
	Status    string
}

// Recorder aggregates in-memory metrics counters and gauges for HTTP
// requests, pipeline job lifecycle events, rendition outcomes, and thumbnail
// extraction. It coordinates concurrent writers via a RWMutex while exposing
// thread-safe gauges for active job tracking.
type Recorder struct {
	mu                sync.RWMutex
	requestCount      map[requestLabel]uint64
	requestDuration   map[requestLabel]time.Duration
	jobEvents         map[string]uint64
	renditionOutcomes map[RenditionLabel]uint64
	renditionSeconds  map[RenditionLabel]time.Duration
	thumbnailOutcomes map[string]uint64
	queueDepth        atomic.Int64
	activeJobs        atomic.Int64
	activeEncodes     atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers
// can immediately record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		requestCount:      make(map[requestLabel]uint64),
		requestDuration:   make(map[requestLabel]time.Duration),
		jobEvents:         make(map[string]uint64),
		renditionOutcomes: make(map[RenditionLabel]uint64),
		renditionSeconds:  make(map[RenditionLabel]time.Duration),
		thumbnailOutcomes: make(map[string]uint64),
	}
}

// Default returns the singleton Recorder instance shared across helper
// functions for packages that do not require custom instrumentation.
func Default() *Recorder {
	return defaultRecorder
}

// SetDefault replaces the recorder used by the package-level helpers.
func SetDefault(rec *Recorder) {
	if rec != nil {
		defaultRecorder = rec
	}
}

// Registry bundles a Recorder with the handler that exposes it.
type Registry struct {
	Recorder *Recorder
}

// NewRegistry creates a fresh Recorder, installs it as the package default,
// and returns it wrapped in a Registry.
func NewRegistry() *Registry {
	rec := New()
	SetDefault(rec)
	return &Registry{Recorder: rec}
}

// Handler exposes the registry's recorder as an HTTP handler.
func (r *Registry) Handler() http.Handler {
	return r.Recorder.Handler()
}

// ObserveRequest normalizes the request label set and accumulates totals for
// request count and cumulative duration by HTTP method, normalized path, and
// status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// JobStarted records the start of a pipeline job and increments the active
// job gauge.
func (r *Recorder) JobStarted() {
	r.incrementJobEvent("start")
	r.activeJobs.Add(1)
}

// JobCompleted records a finished job keyed by its final status ("ready",
// "partially_ready", "failed") and decrements the active job gauge.
func (r *Recorder) JobCompleted(status string) {
	r.incrementJobEvent(normalizeName(status))
	r.decrementGauge(&r.activeJobs)
}

// JobRedelivered records a delivery of a job whose outcome was already
// terminal, i.e. an at-least-once duplicate.
func (r *Recorder) JobRedelivered() {
	r.incrementJobEvent("redelivered")
}

func (r *Recorder) incrementJobEvent(event string) {
	normalized := normalizeName(event)
	r.mu.Lock()
	r.jobEvents[normalized]++
	r.mu.Unlock()
}

// EncodeStarted increments the running ffmpeg subprocess gauge.
func (r *Recorder) EncodeStarted() {
	r.activeEncodes.Add(1)
}

// EncodeFinished decrements the running ffmpeg subprocess gauge.
func (r *Recorder) EncodeFinished() {
	r.decrementGauge(&r.activeEncodes)
}

// ObserveRendition records one rendition attempt outcome and its wall-clock
// duration, keyed by rendition name and status ("succeeded", "failed",
// "retried", "skipped").
func (r *Recorder) ObserveRendition(rendition, status string, duration time.Duration) {
	label := RenditionLabel{
		Rendition: normalizeName(rendition),
		Status:    normalizeName(status),
	}
	r.mu.Lock()
	r.renditionOutcomes[label]++
	r.renditionSeconds[label] += duration
	r.mu.Unlock()
}

// ObserveThumbnail records a thumbnail extraction outcome.
func (r *Recorder) ObserveThumbnail(status string) {
	normalized := normalizeName(status)
	r.mu.Lock()
	r.thumbnailOutcomes[normalized]++
	r.mu.Unlock()
}

// SetQueueDepth records the last observed backlog size.
func (r *Recorder) SetQueueDepth(depth int64) {
	r.queueDepth.Store(depth)
}

// QueueDepth exposes the last recorded backlog size.
func (r *Recorder) QueueDepth() int64 {
	return r.queueDepth.Load()
}

// ActiveJobs exposes the current gauge of in-flight pipeline jobs.
func (r *Recorder) ActiveJobs() int64 {
	return r.activeJobs.Load()
}

// ActiveEncodes exposes the current number of running ffmpeg subprocesses.
func (r *Recorder) ActiveEncodes() int64 {
	return r.activeEncodes.Load()
}

// JobCounts returns a copy of the job event counters.
func (r *Recorder) JobCounts() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	events := make(map[string]uint64, len(r.jobEvents))
	for k, v := range r.jobEvents {
		events[k] = v
	}
	return events
}

// RenditionCounts returns a copy of the rendition outcome counters.
func (r *Recorder) RenditionCounts() map[RenditionLabel]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	outcomes := make(map[RenditionLabel]uint64, len(r.renditionOutcomes))
	for k, v := range r.renditionOutcomes {
		outcomes[k] = v
	}
	return outcomes
}

// Reset clears all counters and gauges on the recorder. It is intended for
// test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.jobEvents = make(map[string]uint64)
	r.renditionOutcomes = make(map[RenditionLabel]uint64)
	r.renditionSeconds = make(map[RenditionLabel]time.Duration)
	r.thumbnailOutcomes = make(map[string]uint64)
	r.queueDepth.Store(0)
	r.activeJobs.Store(0)
	r.activeEncodes.Store(0)
}

// Handler exposes the Recorder as an http.Handler that writes Prometheus
// text exposition data with the appropriate content type.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the Recorder's metrics in Prometheus text format, sorting
// label sets to provide stable output for scrapes and tests.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	jobEvents := r.sortedJobEvents()
	renditionLabels := r.sortedRenditionLabels()
	thumbnailStatuses := r.sortedThumbnailStatuses()

	fmt.Fprintln(w, "# HELP videoflix_http_requests_total Total number of HTTP requests processed by the admin API")
	fmt.Fprintln(w, "# TYPE videoflix_http_requests_total counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "videoflix_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP videoflix_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE videoflix_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		duration := r.requestDuration[label].Seconds()
		fmt.Fprintf(w, "videoflix_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, duration)
	}

	fmt.Fprintln(w, "# HELP videoflix_http_request_duration_seconds_count Total number of observations for request durations")
	fmt.Fprintln(w, "# TYPE videoflix_http_request_duration_seconds_count counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "videoflix_http_request_duration_seconds_count{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP videoflix_jobs_total Pipeline job lifecycle events by type")
	fmt.Fprintln(w, "# TYPE videoflix_jobs_total counter")
	for _, event := range jobEvents {
		value := r.jobEvents[event]
		fmt.Fprintf(w, "videoflix_jobs_total{event=\"%s\"} %d\n", event, value)
	}

	fmt.Fprintln(w, "# HELP videoflix_active_jobs Current number of in-flight pipeline jobs")
	fmt.Fprintln(w, "# TYPE videoflix_active_jobs gauge")
	fmt.Fprintf(w, "videoflix_active_jobs %d\n", r.activeJobs.Load())

	fmt.Fprintln(w, "# HELP videoflix_renditions_total Rendition attempt outcomes by rendition and status")
	fmt.Fprintln(w, "# TYPE videoflix_renditions_total counter")
	for _, label := range renditionLabels {
		count := r.renditionOutcomes[label]
		fmt.Fprintf(w, "videoflix_renditions_total{rendition=\"%s\",status=\"%s\"} %d\n", label.Rendition, label.Status, count)
	}

	fmt.Fprintln(w, "# HELP videoflix_rendition_duration_seconds_sum Cumulative rendition encode duration in seconds")
	fmt.Fprintln(w, "# TYPE videoflix_rendition_duration_seconds_sum counter")
	for _, label := range renditionLabels {
		duration := r.renditionSeconds[label].Seconds()
		fmt.Fprintf(w, "videoflix_rendition_duration_seconds_sum{rendition=\"%s\",status=\"%s\"} %f\n", label.Rendition, label.Status, duration)
	}

	fmt.Fprintln(w, "# HELP videoflix_thumbnails_total Thumbnail extraction outcomes by status")
	fmt.Fprintln(w, "# TYPE videoflix_thumbnails_total counter")
	for _, status := range thumbnailStatuses {
		count := r.thumbnailOutcomes[status]
		fmt.Fprintf(w, "videoflix_thumbnails_total{status=\"%s\"} %d\n", status, count)
	}

	fmt.Fprintln(w, "# HELP videoflix_active_encodes Current number of running ffmpeg subprocesses")
	fmt.Fprintln(w, "# TYPE videoflix_active_encodes gauge")
	fmt.Fprintf(w, "videoflix_active_encodes %d\n", r.activeEncodes.Load())

	fmt.Fprintln(w, "# HELP videoflix_queue_depth Last observed job queue backlog")
	fmt.Fprintln(w, "# TYPE videoflix_queue_depth gauge")
	fmt.Fprintf(w, "videoflix_queue_depth %d\n", r.queueDepth.Load())
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func (r *Recorder) sortedJobEvents() []string {
	events := make([]string, 0, len(r.jobEvents))
	for event := range r.jobEvents {
		events = append(events, event)
	}
	sort.Strings(events)
	return events
}

func (r *Recorder) sortedRenditionLabels() []RenditionLabel {
	labels := make([]RenditionLabel, 0, len(r.renditionOutcomes))
	for label := range r.renditionOutcomes {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].Rendition != labels[j].Rendition {
			return labels[i].Rendition < labels[j].Rendition
		}
		return labels[i].Status < labels[j].Status
	})
	return labels
}

func (r *Recorder) sortedThumbnailStatuses() []string {
	statuses := make([]string, 0, len(r.thumbnailOutcomes))
	for status := range r.thumbnailOutcomes {
		statuses = append(statuses, status)
	}
	sort.Strings(statuses)
	return statuses
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
			continue
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 8 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// ObserveRequest is a helper on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	defaultRecorder.ObserveRequest(method, path, status, duration)
}

// JobStarted records a job start on the default recorder.
func JobStarted() {
	defaultRecorder.JobStarted()
}

// JobCompleted records a finished job on the default recorder.
func JobCompleted(status string) {
	defaultRecorder.JobCompleted(status)
}

// ObserveRendition records a rendition outcome on the default recorder.
func ObserveRendition(rendition, status string, duration time.Duration) {
	defaultRecorder.ObserveRendition(rendition, status, duration)
}

// ObserveThumbnail records a thumbnail outcome on the default recorder.
func ObserveThumbnail(status string) {
	defaultRecorder.ObserveThumbnail(status)
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return defaultRecorder.Handler()
}
