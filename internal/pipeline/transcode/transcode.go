// Package transcode shells out to ffmpeg to produce HLS renditions and
// poster thumbnails.
package transcode

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/HergenEngelhardt/Videoflix/internal/pipeline/plan"
)

// ErrUnsupportedSource marks a source file the encoder can never process:
// missing, unreadable, or empty. Jobs failing with it must not be retried.
var ErrUnsupportedSource = errors.New("unsupported source file")

// TransientError wraps failures worth another attempt, such as encoder
// crashes or timeouts.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient reports whether err is worth retrying.
func Transient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// Runner produces one rendition or thumbnail per call. Implementations must
// be safe for concurrent use; the worker pool fans renditions out in
// parallel.
type Runner interface {
	// Transcode encodes src into an HLS rendition under outputDir
	// (index.m3u8 plus numbered .ts segments).
	Transcode(ctx context.Context, src string, spec plan.RenditionSpec, outputDir string) error
	// Thumbnail extracts a poster frame from src into outputPath.
	Thumbnail(ctx context.Context, src, outputPath string) error
}

// ValidateSource rejects sources the encoder can never succeed on. The
// returned error wraps ErrUnsupportedSource.
func ValidateSource(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s does not exist", ErrUnsupportedSource, path)
		}
		return fmt.Errorf("%w: stat %s: %v", ErrUnsupportedSource, path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%w: %s is a directory", ErrUnsupportedSource, path)
	}
	if info.Size() == 0 {
		return fmt.Errorf("%w: %s is empty", ErrUnsupportedSource, path)
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: %s is not readable", ErrUnsupportedSource, path)
	}
	_ = f.Close()
	return nil
}
