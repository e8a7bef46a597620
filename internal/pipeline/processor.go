// Package pipeline drives asynchronous video processing: it drains the job
// queue with a worker pool, fans each job out across the rendition ladder,
// and folds the per-rendition outcomes back into the catalog.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/HergenEngelhardt/Videoflix/internal/catalog"
	"github.com/HergenEngelhardt/Videoflix/internal/observability/metrics"
	"github.com/HergenEngelhardt/Videoflix/internal/pipeline/manifest"
	"github.com/HergenEngelhardt/Videoflix/internal/pipeline/plan"
	"github.com/HergenEngelhardt/Videoflix/internal/pipeline/queue"
	"github.com/HergenEngelhardt/Videoflix/internal/pipeline/state"
	"github.com/HergenEngelhardt/Videoflix/internal/pipeline/transcode"
)

const (
	defaultWorkers              = 2
	defaultRenditionParallelism = 2
	defaultMaxAttempts          = 3
	defaultRetryBackoff         = 2 * time.Second
	defaultStalledAfter         = 10 * time.Minute
	dequeueErrorBackoff         = time.Second
	queueDepthInterval          = 15 * time.Second
)

// depthReporter is implemented by queue backends that can report their
// backlog size.
type depthReporter interface {
	Depth(ctx context.Context) (int64, error)
}

// Config wires the processor's collaborators. Catalog, States, Queue, and
// Runner are required; everything else has defaults.
type Config struct {
	Catalog catalog.Catalog
	States  state.Store
	Queue   queue.Queue
	Runner  transcode.Runner

	// Ladder overrides the encoding ladder; nil selects the default tiers.
	Ladder []plan.RenditionSpec

	// MediaRoot is the directory HLS playlists and segments are written
	// under. ThumbnailRoot holds extracted poster frames.
	MediaRoot     string
	ThumbnailRoot string

	// Workers is the number of concurrent jobs; RenditionParallelism bounds
	// concurrent encodes within one job.
	Workers              int
	RenditionParallelism int

	// MaxAttempts caps transcode attempts per rendition. RetryBackoff is the
	// initial delay between attempts; it doubles on each retry.
	MaxAttempts  int
	RetryBackoff time.Duration

	// StalledAfter is how long a rendition may sit in running before the
	// restart sweep treats its worker as dead and resets it.
	StalledAfter time.Duration

	Metrics *metrics.Recorder
	Logger  *slog.Logger
}

// Processor owns the worker pool. Start launches the workers and the restart
// sweep; Shutdown stops dequeueing and waits for in-flight jobs to drain.
type Processor struct {
	catalog catalog.Catalog
	states  state.Store
	queue   queue.Queue
	runner  transcode.Runner
	planner plan.Planner

	mediaRoot     string
	thumbnailRoot string

	workers              int
	renditionParallelism int
	maxAttempts          int
	retryBackoff         time.Duration
	stalledAfter         time.Duration

	metrics *metrics.Recorder
	logger  *slog.Logger

	mu       sync.Mutex
	started  bool
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	inFlight map[string]struct{}
}

// NewProcessor validates the configuration and prepares a processor. Call
// Start to begin consuming jobs.
func NewProcessor(cfg Config) (*Processor, error) {
	if cfg.Catalog == nil {
		return nil, errors.New("pipeline: catalog is required")
	}
	if cfg.States == nil {
		return nil, errors.New("pipeline: state store is required")
	}
	if cfg.Queue == nil {
		return nil, errors.New("pipeline: queue is required")
	}
	if cfg.Runner == nil {
		return nil, errors.New("pipeline: transcode runner is required")
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	parallelism := cfg.RenditionParallelism
	if parallelism <= 0 {
		parallelism = defaultRenditionParallelism
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	backoff := cfg.RetryBackoff
	if backoff <= 0 {
		backoff = defaultRetryBackoff
	}
	stalledAfter := cfg.StalledAfter
	if stalledAfter <= 0 {
		stalledAfter = defaultStalledAfter
	}
	rec := cfg.Metrics
	if rec == nil {
		rec = metrics.Default()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		catalog:              cfg.Catalog,
		states:               cfg.States,
		queue:                cfg.Queue,
		runner:               cfg.Runner,
		planner:              plan.NewPlanner(cfg.Ladder),
		mediaRoot:            cfg.MediaRoot,
		thumbnailRoot:        cfg.ThumbnailRoot,
		workers:              workers,
		renditionParallelism: parallelism,
		maxAttempts:          maxAttempts,
		retryBackoff:         backoff,
		stalledAfter:         stalledAfter,
		metrics:              rec,
		logger:               logger.With("component", "pipeline"),
		inFlight:             make(map[string]struct{}),
	}, nil
}

// Start launches the worker pool and the restart sweep. It is idempotent.
func (p *Processor) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true
	p.ctx, p.cancel = context.WithCancel(context.Background())
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.wg.Add(1)
	go p.recoverInterrupted()
	if reporter, ok := p.queue.(depthReporter); ok {
		p.wg.Add(1)
		go p.watchQueueDepth(reporter)
	}
	p.logger.Info("pipeline started", "workers", p.workers, "rendition_parallelism", p.renditionParallelism)
}

// Shutdown stops dequeueing and waits for in-flight jobs, bounded by ctx.
func (p *Processor) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return nil
	}
	cancel := p.cancel
	p.mu.Unlock()

	cancel()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("pipeline shutdown: %w", ctx.Err())
	}
}

// Submit marks the video queued and places a job on the queue. It is the
// entry point used by the upload path and the admin re-trigger endpoint.
func (p *Processor) Submit(ctx context.Context, job queue.Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	if job.Rendition != "" {
		if _, ok := p.planner.Find(job.Rendition); !ok {
			return fmt.Errorf("unknown rendition %q", job.Rendition)
		}
	}
	if _, err := p.catalog.GetSourceVideo(ctx, job.VideoID); err != nil {
		return err
	}
	if err := p.queue.Enqueue(ctx, job); err != nil {
		return err
	}
	if err := p.catalog.SetOverallStatus(ctx, job.VideoID, catalog.StatusQueued); err != nil {
		p.logger.Warn("failed to mark video queued", "video_id", job.VideoID, "error", err)
	}
	return nil
}

// recoverInterrupted releases claims orphaned by a crashed worker and
// re-enqueues videos the catalog still shows as unfinished. Runs once per
// Start; queue redelivery covers everything after that.
func (p *Processor) recoverInterrupted() {
	defer p.wg.Done()
	reset, err := p.states.ResetStalled(p.ctx, p.stalledAfter)
	if err != nil {
		p.logger.Error("failed to reset stalled renditions", "error", err)
	} else if reset > 0 {
		p.logger.Info("reset stalled renditions", "count", reset)
	}
	ids, err := p.catalog.ListResumable(p.ctx)
	if err != nil {
		p.logger.Error("failed to list resumable videos", "error", err)
		return
	}
	for _, id := range ids {
		if err := p.queue.Enqueue(p.ctx, queue.Job{VideoID: id}); err != nil {
			p.logger.Error("failed to re-enqueue interrupted video", "video_id", id, "error", err)
			continue
		}
		p.logger.Info("re-enqueued interrupted video", "video_id", id)
	}
}

// watchQueueDepth keeps the backlog gauge current by sampling the queue on a
// fixed interval until shutdown.
func (p *Processor) watchQueueDepth(reporter depthReporter) {
	defer p.wg.Done()
	ticker := time.NewTicker(queueDepthInterval)
	defer ticker.Stop()
	for {
		p.sampleQueueDepth(reporter)
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *Processor) sampleQueueDepth(reporter depthReporter) {
	depth, err := reporter.Depth(p.ctx)
	if err != nil {
		if p.ctx.Err() == nil {
			p.logger.Warn("failed to sample queue depth", "error", err)
		}
		return
	}
	p.metrics.SetQueueDepth(depth)
}

func (p *Processor) worker(id int) {
	defer p.wg.Done()
	logger := p.logger.With("worker", id)
	for {
		if p.ctx.Err() != nil {
			return
		}
		delivery, err := p.queue.Dequeue(p.ctx)
		if err != nil {
			if p.ctx.Err() != nil || errors.Is(err, queue.ErrQueueClosed) {
				return
			}
			logger.Error("dequeue failed", "error", err)
			select {
			case <-p.ctx.Done():
				return
			case <-time.After(dequeueErrorBackoff):
			}
			continue
		}
		if delivery == nil {
			continue
		}
		p.handle(logger, delivery)
	}
}

// handle processes one delivery end to end. The delivery is acknowledged only
// after every outcome is durably recorded; failures that leave the job
// unacked rely on queue redelivery to try again.
func (p *Processor) handle(logger *slog.Logger, delivery *queue.Delivery) {
	job := delivery.Job
	logger = logger.With("video_id", job.VideoID)
	if job.Rendition != "" {
		logger = logger.With("rendition", job.Rendition)
	}

	if !p.beginWork(job.VideoID) {
		// Another worker holds this video; the in-flight run records the
		// same outcomes this delivery would, so it is safe to drop.
		logger.Debug("video already in flight, dropping duplicate delivery")
		p.metrics.JobRedelivered()
		p.ackDelivery(logger, delivery)
		return
	}
	defer p.finishWork(job.VideoID)

	p.metrics.JobStarted()
	drop, err := p.process(p.ctx, logger, job)
	if err != nil {
		p.metrics.JobCompleted("requeued")
		logger.Error("job processing failed, leaving for redelivery", "error", err)
		return
	}
	if drop {
		p.metrics.JobCompleted("dropped")
	}
	p.ackDelivery(logger, delivery)
}

func (p *Processor) ackDelivery(logger *slog.Logger, delivery *queue.Delivery) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := delivery.Ack(ctx); err != nil {
		logger.Warn("failed to ack delivery", "error", err)
	}
}

// process runs one job. It returns drop=true for jobs that can never succeed
// (unknown video, unknown rendition) so the caller acks without recording an
// outcome. A non-nil error means the job should be redelivered.
func (p *Processor) process(ctx context.Context, logger *slog.Logger, job queue.Job) (drop bool, err error) {
	video, err := p.catalog.GetSourceVideo(ctx, job.VideoID)
	if errors.Is(err, catalog.ErrVideoNotFound) {
		logger.Warn("dropping job for unknown video")
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("load video: %w", err)
	}

	planned := p.planner.Plan(video.ID)
	specs := planned
	if job.Rendition != "" {
		spec, ok := p.planner.Find(job.Rendition)
		if !ok {
			logger.Warn("dropping job for unknown rendition")
			return true, nil
		}
		specs = []plan.RenditionSpec{spec}
	}
	names := make([]string, len(specs))
	for i, spec := range specs {
		names[i] = spec.Name
	}

	// State rows are seeded for every planned rendition even on a targeted
	// job, so the derived status cannot report ready while untouched tiers
	// are still owed.
	allNames := make([]string, len(planned))
	for i, spec := range planned {
		allNames[i] = spec.Name
	}
	if err := p.states.EnsureStates(ctx, video.ID, allNames); err != nil {
		return false, fmt.Errorf("ensure rendition states: %w", err)
	}

	if err := transcode.ValidateSource(video.FilePath); err != nil {
		logger.Error("source rejected", "path", video.FilePath, "error", err)
		for _, name := range names {
			if markErr := p.states.MarkFailed(ctx, video.ID, name, err.Error()); markErr != nil {
				return false, fmt.Errorf("record source failure: %w", markErr)
			}
		}
		return false, p.finalize(ctx, logger, video)
	}

	if p.hasClaimableWork(ctx, video.ID, names) {
		if err := p.catalog.SetOverallStatus(ctx, video.ID, catalog.StatusProcessing); err != nil {
			return false, fmt.Errorf("mark processing: %w", err)
		}
	}

	var g errgroup.Group
	g.SetLimit(p.renditionParallelism)
	for _, spec := range specs {
		spec := spec
		g.Go(func() error {
			p.runRendition(ctx, logger, video, spec)
			return nil
		})
	}
	_ = g.Wait()

	if job.Rendition == "" {
		p.makeThumbnail(ctx, logger, video)
	}

	if ctx.Err() != nil {
		// Shutdown mid-job: leave the delivery unacked so the work is
		// redelivered after restart.
		return false, ctx.Err()
	}
	return false, p.finalize(ctx, logger, video)
}

// hasClaimableWork reports whether any target rendition could still change
// state. A fully succeeded video keeps its ready status through a duplicate
// delivery instead of flapping back to processing.
func (p *Processor) hasClaimableWork(ctx context.Context, videoID string, names []string) bool {
	for _, name := range names {
		st, err := p.states.Get(ctx, videoID, name)
		if err != nil || st.Status != state.StatusSucceeded {
			return true
		}
	}
	return false
}

// runRendition drives one rendition to a terminal state: claim, encode, and
// retry transient failures with doubling backoff up to the attempt cap.
// Failures never propagate to sibling renditions.
func (p *Processor) runRendition(ctx context.Context, logger *slog.Logger, video catalog.SourceVideo, spec plan.RenditionSpec) {
	logger = logger.With("rendition", spec.Name)
	backoff := p.retryBackoff
	for {
		claimed, err := p.states.Claim(ctx, video.ID, spec.Name)
		if err != nil {
			logger.Error("failed to claim rendition", "error", err)
			return
		}
		if !claimed {
			logger.Debug("rendition already settled or claimed elsewhere")
			return
		}

		outputDir := plan.OutputDir(p.mediaRoot, video.ID, spec.Name)
		p.metrics.EncodeStarted()
		started := time.Now()
		encodeErr := p.runner.Transcode(ctx, video.FilePath, spec, outputDir)
		duration := time.Since(started)
		p.metrics.EncodeFinished()

		if encodeErr == nil {
			manifestPath := plan.ManifestPath(p.mediaRoot, video.ID, spec.Name)
			if err := p.states.MarkSucceeded(ctx, video.ID, spec.Name, manifestPath); err != nil {
				logger.Error("failed to record rendition success", "error", err)
				return
			}
			p.metrics.ObserveRendition(spec.Name, "succeeded", duration)
			logger.Info("rendition complete", "duration", duration.Round(time.Millisecond))
			return
		}

		if err := p.states.MarkFailed(ctx, video.ID, spec.Name, encodeErr.Error()); err != nil {
			logger.Error("failed to record rendition failure", "error", err)
			return
		}
		st, err := p.states.Get(ctx, video.ID, spec.Name)
		if err != nil {
			logger.Error("failed to load rendition state after failure", "error", err)
			return
		}
		retryable := transcode.Transient(encodeErr) && st.Attempts < p.maxAttempts && ctx.Err() == nil
		if !retryable {
			p.metrics.ObserveRendition(spec.Name, "failed", duration)
			logger.Error("rendition failed", "attempts", st.Attempts, "error", encodeErr)
			return
		}
		p.metrics.ObserveRendition(spec.Name, "retried", duration)
		logger.Warn("rendition failed, retrying", "attempt", st.Attempts, "backoff", backoff, "error", encodeErr)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

// makeThumbnail extracts a poster frame when the video has none. Thumbnails
// are best effort: a failure is logged and counted but never affects the
// video's processing outcome.
func (p *Processor) makeThumbnail(ctx context.Context, logger *slog.Logger, video catalog.SourceVideo) {
	if video.ThumbnailPath != "" {
		return
	}
	outputPath := plan.ThumbnailPath(p.thumbnailRoot, video.ID)
	if err := p.runner.Thumbnail(ctx, video.FilePath, outputPath); err != nil {
		p.metrics.ObserveThumbnail("failed")
		logger.Warn("thumbnail extraction failed", "error", err)
		return
	}
	if err := p.catalog.SetThumbnail(ctx, video.ID, outputPath); err != nil {
		p.metrics.ObserveThumbnail("failed")
		logger.Warn("failed to record thumbnail", "error", err)
		return
	}
	p.metrics.ObserveThumbnail("succeeded")
}

// finalize assembles the master playlist from the renditions that succeeded
// and writes the derived overall status back to the catalog. The master is
// rewritten on every pass so a late rendition success extends it.
func (p *Processor) finalize(ctx context.Context, logger *slog.Logger, video catalog.SourceVideo) error {
	records, err := p.states.ListByVideo(ctx, video.ID)
	if err != nil {
		return fmt.Errorf("list rendition states: %w", err)
	}

	var ready []plan.RenditionSpec
	for _, record := range records {
		if record.Status != state.StatusSucceeded {
			continue
		}
		if spec, ok := p.planner.Find(record.Rendition); ok {
			ready = append(ready, spec)
		}
	}
	if len(ready) > 0 {
		masterPath := plan.MasterPath(p.mediaRoot, video.ID)
		if err := manifest.Write(masterPath, ready); err != nil {
			return fmt.Errorf("write master playlist: %w", err)
		}
	}

	status := DeriveStatus(records)
	if err := p.catalog.SetOverallStatus(ctx, video.ID, status); err != nil {
		return fmt.Errorf("record overall status: %w", err)
	}
	p.metrics.JobCompleted(string(status))
	logger.Info("job complete", "status", status, "renditions_ready", len(ready))
	return nil
}

func (p *Processor) beginWork(videoID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, busy := p.inFlight[videoID]; busy {
		return false
	}
	p.inFlight[videoID] = struct{}{}
	return true
}

func (p *Processor) finishWork(videoID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inFlight, videoID)
}
