// Package state tracks per-rendition transcode progress. The store is the
// pipeline's source of truth for retries: a successful claim is the write
// lock for a rendition, and terminal success is never overwritten.
package state

import (
	"context"
	"errors"
	"time"
)

// RenditionStatus is the lifecycle position of one rendition of one video.
type RenditionStatus string

const (
	StatusPending   RenditionStatus = "pending"
	StatusRunning   RenditionStatus = "running"
	StatusSucceeded RenditionStatus = "succeeded"
	StatusFailed    RenditionStatus = "failed"
)

// Terminal reports whether the status admits no further transitions other
// than a failed rendition being re-claimed for retry.
func (s RenditionStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// RenditionState is one row of transcode progress.
type RenditionState struct {
	VideoID      string
	Rendition    string
	Status       RenditionStatus
	Attempts     int
	LastError    string
	ManifestPath string
	StartedAt    time.Time
	UpdatedAt    time.Time
}

var (
	// ErrStateNotFound indicates no record exists for the video/rendition
	// pair.
	ErrStateNotFound = errors.New("rendition state not found")
)

// Store persists rendition progress. Implementations must make Claim an
// atomic compare-and-set so that concurrent workers never both win the same
// rendition.
type Store interface {
	// EnsureStates inserts a pending record for each named rendition that
	// does not already have one. Existing records, including terminal
	// ones, are left untouched, which keeps re-deliveries idempotent.
	EnsureStates(ctx context.Context, videoID string, renditions []string) error

	// Claim transitions a pending or failed rendition to running and
	// increments its attempt counter. It reports false without error when
	// the rendition is already running or has already succeeded.
	Claim(ctx context.Context, videoID, rendition string) (bool, error)

	// MarkSucceeded records terminal success and the manifest location.
	MarkSucceeded(ctx context.Context, videoID, rendition, manifestPath string) error

	// MarkFailed records a failed attempt. Success is terminal: marking a
	// succeeded rendition failed is a no-op.
	MarkFailed(ctx context.Context, videoID, rendition, cause string) error

	Get(ctx context.Context, videoID, rendition string) (RenditionState, error)
	ListByVideo(ctx context.Context, videoID string) ([]RenditionState, error)

	// ResetStalled returns running renditions whose claim is older than
	// olderThan to pending so a restarted worker can pick them up again.
	// It reports how many records were reset.
	ResetStalled(ctx context.Context, olderThan time.Duration) (int, error)

	Close() error
}
