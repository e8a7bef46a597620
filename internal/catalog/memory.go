package catalog

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryCatalog is an in-memory Catalog for tests and single-process
// deployments where no external catalog service is configured.
type MemoryCatalog struct {
	mu     sync.RWMutex
	videos map[string]SourceVideo
	now    func() time.Time
}

// NewMemoryCatalog initialises an empty in-memory catalog.
func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{
		videos: make(map[string]SourceVideo),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// PutSourceVideo inserts or replaces a catalog record. It stands in for the
// catalog service's own create path when running self-contained.
func (c *MemoryCatalog) PutSourceVideo(video SourceVideo) error {
	if normalizeID(video.ID) == "" {
		return fmt.Errorf("video id is required")
	}
	if video.Status == "" {
		video.Status = StatusPending
	}
	if !video.Status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, video.Status)
	}
	now := c.now()
	if video.CreatedAt.IsZero() {
		video.CreatedAt = now
	}
	video.UpdatedAt = now
	c.mu.Lock()
	c.videos[video.ID] = video
	c.mu.Unlock()
	return nil
}

func (c *MemoryCatalog) GetSourceVideo(_ context.Context, id string) (SourceVideo, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	video, ok := c.videos[normalizeID(id)]
	if !ok {
		return SourceVideo{}, fmt.Errorf("video %s: %w", id, ErrVideoNotFound)
	}
	return video, nil
}

func (c *MemoryCatalog) SetOverallStatus(_ context.Context, id string, status VideoStatus) error {
	if !status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	video, ok := c.videos[normalizeID(id)]
	if !ok {
		return fmt.Errorf("video %s: %w", id, ErrVideoNotFound)
	}
	video.Status = status
	video.UpdatedAt = c.now()
	c.videos[video.ID] = video
	return nil
}

func (c *MemoryCatalog) SetThumbnail(_ context.Context, id, imagePath string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	video, ok := c.videos[normalizeID(id)]
	if !ok {
		return fmt.Errorf("video %s: %w", id, ErrVideoNotFound)
	}
	video.ThumbnailPath = imagePath
	video.UpdatedAt = c.now()
	c.videos[video.ID] = video
	return nil
}

func (c *MemoryCatalog) ListResumable(_ context.Context) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0)
	for id, video := range c.videos {
		if !video.Status.Terminal() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

var _ Catalog = (*MemoryCatalog)(nil)
