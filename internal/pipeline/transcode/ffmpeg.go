package transcode

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/HergenEngelhardt/Videoflix/internal/pipeline/plan"
)

const (
	defaultBinary       = "ffmpeg"
	defaultTimeout      = 30 * time.Minute
	thumbnailOffset     = "00:00:10"
	thumbnailResolution = "320:180"
	stderrTailLines     = 20
)

// FFmpegConfig configures the encoder wrapper. Zero values use defaults.
type FFmpegConfig struct {
	// Binary is the ffmpeg executable; resolved via PATH when relative.
	Binary string
	// Timeout bounds a single encode. Runs past it are killed and
	// reported as transient failures.
	Timeout time.Duration
	Logger  *slog.Logger
}

// FFmpeg runs ffmpeg subprocesses.
type FFmpeg struct {
	binary  string
	timeout time.Duration
	logger  *slog.Logger
}

func NewFFmpeg(cfg FFmpegConfig) *FFmpeg {
	binary := strings.TrimSpace(cfg.Binary)
	if binary == "" {
		binary = defaultBinary
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &FFmpeg{binary: binary, timeout: timeout, logger: logger}
}

func (f *FFmpeg) Transcode(ctx context.Context, src string, spec plan.RenditionSpec, outputDir string) error {
	if err := ValidateSource(src); err != nil {
		return err
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return &TransientError{Err: fmt.Errorf("create output dir: %w", err)}
	}
	args := transcodeArgs(src, spec, outputDir)
	return f.run(ctx, args, "rendition", spec.Name)
}

func (f *FFmpeg) Thumbnail(ctx context.Context, src, outputPath string) error {
	if err := ValidateSource(src); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return &TransientError{Err: fmt.Errorf("create thumbnail dir: %w", err)}
	}
	args := thumbnailArgs(src, outputPath)
	return f.run(ctx, args, "thumbnail", filepath.Base(outputPath))
}

// transcodeArgs builds one H.264/AAC HLS encode: constrained bitrate with a
// 2x buffer, 10-second segments, full playlist retained.
func transcodeArgs(src string, spec plan.RenditionSpec, outputDir string) []string {
	bitrate := fmt.Sprintf("%dk", spec.Bitrate)
	bufsize := fmt.Sprintf("%dk", spec.Bitrate*2)
	segments := spec.SegmentSeconds
	if segments <= 0 {
		segments = 10
	}
	return []string{
		"-i", src,
		"-c:v", "libx264",
		"-c:a", "aac",
		"-strict", "experimental",
		"-ac", "2",
		"-b:a", "128k",
		"-ar", "44100",
		"-vf", fmt.Sprintf("scale=%d:%d", spec.Width, spec.Height),
		"-b:v", bitrate,
		"-maxrate", bitrate,
		"-bufsize", bufsize,
		"-hls_time", fmt.Sprintf("%d", segments),
		"-hls_list_size", "0",
		"-hls_segment_filename", filepath.ToSlash(filepath.Join(outputDir, "%03d.ts")),
		"-f", "hls",
		filepath.ToSlash(filepath.Join(outputDir, "index.m3u8")),
		"-y",
	}
}

func thumbnailArgs(src, outputPath string) []string {
	return []string{
		"-ss", thumbnailOffset,
		"-i", src,
		"-vframes", "1",
		"-vf", "scale=" + thumbnailResolution,
		filepath.ToSlash(outputPath),
		"-y",
	}
}

func (f *FFmpeg) run(ctx context.Context, args []string, kind, name string) error {
	runCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, f.binary, args...)
	tail := newTailWriter(stderrTailLines)
	cmd.Stdout = newLogWriter(f.logger, kind, name, "stdout")
	cmd.Stderr = newLogWriter(f.logger, kind, name, "stderr").tee(tail)

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)
	if err == nil {
		f.logger.Info("ffmpeg finished", "kind", kind, "name", name, "duration", elapsed.Round(time.Millisecond))
		return nil
	}
	if runCtx.Err() != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return &TransientError{Err: fmt.Errorf("ffmpeg %s %s timed out after %s", kind, name, f.timeout)}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	detail := tail.String()
	if detail != "" {
		err = fmt.Errorf("%w: %s", err, detail)
	}
	return &TransientError{Err: fmt.Errorf("ffmpeg %s %s: %w", kind, name, err)}
}

// logWriter splits subprocess output into lines and forwards them to the
// structured logger.
type logWriter struct {
	logger *slog.Logger
	kind   string
	name   string
	stream string
	extra  *tailWriter
}

func newLogWriter(logger *slog.Logger, kind, name, stream string) *logWriter {
	return &logWriter{logger: logger, kind: kind, name: name, stream: stream}
}

func (w *logWriter) tee(tail *tailWriter) *logWriter {
	w.extra = tail
	return w
}

func (w *logWriter) Write(p []byte) (int, error) {
	total := len(p)
	for len(p) > 0 {
		idx := bytes.IndexByte(p, '\n')
		var line []byte
		if idx == -1 {
			line = p
			p = nil
		} else {
			line = p[:idx]
			p = p[idx+1:]
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		w.logger.Debug("ffmpeg output", "kind", w.kind, "name", w.name, "stream", w.stream, "line", string(line))
		if w.extra != nil {
			w.extra.add(string(line))
		}
	}
	return total, nil
}

// tailWriter keeps the last few lines of stderr so failures carry a usable
// cause without buffering the whole encode log.
type tailWriter struct {
	mu    sync.Mutex
	limit int
	lines []string
}

func newTailWriter(limit int) *tailWriter {
	return &tailWriter{limit: limit}
}

func (t *tailWriter) add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, line)
	if len(t.lines) > t.limit {
		t.lines = t.lines[len(t.lines)-t.limit:]
	}
}

func (t *tailWriter) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.lines, "; ")
}

var _ Runner = (*FFmpeg)(nil)
