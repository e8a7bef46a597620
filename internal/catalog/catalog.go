package catalog

import (
	"context"
	"errors"
	"strings"
	"time"
)

// VideoStatus is the coarse pipeline state exposed on a catalog record. Only
// these values cross the catalog boundary; per-rendition detail stays inside
// the pipeline.
type VideoStatus string

const (
	StatusPending        VideoStatus = "pending"
	StatusQueued         VideoStatus = "queued"
	StatusProcessing     VideoStatus = "processing"
	StatusReady          VideoStatus = "ready"
	StatusPartiallyReady VideoStatus = "partially_ready"
	StatusFailed         VideoStatus = "failed"
)

// Valid reports whether the status is one of the known pipeline states.
func (s VideoStatus) Valid() bool {
	switch s {
	case StatusPending, StatusQueued, StatusProcessing, StatusReady, StatusPartiallyReady, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether the pipeline is finished with the video.
func (s VideoStatus) Terminal() bool {
	switch s {
	case StatusReady, StatusPartiallyReady, StatusFailed:
		return true
	}
	return false
}

// SourceVideo is the catalog's record of an uploaded video. The catalog owns
// identity and lifecycle; the pipeline reads FilePath and writes back Status
// and ThumbnailPath only.
type SourceVideo struct {
	ID            string      `json:"id"`
	Title         string      `json:"title"`
	FilePath      string      `json:"filePath"`
	CategoryID    string      `json:"categoryId"`
	Status        VideoStatus `json:"status"`
	ThumbnailPath string      `json:"thumbnailPath,omitempty"`
	CreatedAt     time.Time   `json:"createdAt"`
	UpdatedAt     time.Time   `json:"updatedAt"`
}

var (
	// ErrVideoNotFound indicates the catalog has no record for the id.
	ErrVideoNotFound = errors.New("video not found")
	// ErrInvalidStatus indicates a status value outside the allowed set.
	ErrInvalidStatus = errors.New("invalid video status")
)

// Catalog exposes the slice of the video catalog the pipeline consumes. The
// catalog service itself (admin CRUD, auth, category management) lives
// elsewhere; implementations here only read source records and write back
// derived fields.
type Catalog interface {
	GetSourceVideo(ctx context.Context, id string) (SourceVideo, error)
	SetOverallStatus(ctx context.Context, id string, status VideoStatus) error
	SetThumbnail(ctx context.Context, id, imagePath string) error
	// ListResumable returns ids of videos left in a non-terminal status,
	// used by the restart sweep to re-enqueue interrupted work.
	ListResumable(ctx context.Context) ([]string, error)
}

func normalizeID(id string) string {
	return strings.TrimSpace(id)
}
