package catalog

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryCatalogRoundTrip(t *testing.T) {
	cat := NewMemoryCatalog()
	if err := cat.PutSourceVideo(SourceVideo{
		ID:         "vid-1",
		Title:      "Launch keynote",
		FilePath:   "/media/videos/vid-1.mp4",
		CategoryID: "cat-9",
	}); err != nil {
		t.Fatalf("PutSourceVideo: %v", err)
	}

	video, err := cat.GetSourceVideo(context.Background(), "vid-1")
	if err != nil {
		t.Fatalf("GetSourceVideo: %v", err)
	}
	if video.Status != StatusPending {
		t.Fatalf("expected new videos to default to pending, got %q", video.Status)
	}
	if video.CreatedAt.IsZero() || video.UpdatedAt.IsZero() {
		t.Fatalf("expected timestamps to be populated")
	}
}

func TestMemoryCatalogUnknownVideo(t *testing.T) {
	cat := NewMemoryCatalog()
	if _, err := cat.GetSourceVideo(context.Background(), "missing"); !errors.Is(err, ErrVideoNotFound) {
		t.Fatalf("expected ErrVideoNotFound, got %v", err)
	}
	if err := cat.SetOverallStatus(context.Background(), "missing", StatusReady); !errors.Is(err, ErrVideoNotFound) {
		t.Fatalf("expected ErrVideoNotFound, got %v", err)
	}
	if err := cat.SetThumbnail(context.Background(), "missing", "/thumb.jpg"); !errors.Is(err, ErrVideoNotFound) {
		t.Fatalf("expected ErrVideoNotFound, got %v", err)
	}
}

func TestMemoryCatalogStatusUpdates(t *testing.T) {
	cat := NewMemoryCatalog()
	if err := cat.PutSourceVideo(SourceVideo{ID: "vid-2", FilePath: "/media/vid-2.mp4"}); err != nil {
		t.Fatalf("PutSourceVideo: %v", err)
	}

	if err := cat.SetOverallStatus(context.Background(), "vid-2", VideoStatus("bogus")); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus, got %v", err)
	}
	if err := cat.SetOverallStatus(context.Background(), "vid-2", StatusProcessing); err != nil {
		t.Fatalf("SetOverallStatus: %v", err)
	}
	if err := cat.SetThumbnail(context.Background(), "vid-2", "/media/thumbs/vid-2.jpg"); err != nil {
		t.Fatalf("SetThumbnail: %v", err)
	}

	video, err := cat.GetSourceVideo(context.Background(), "vid-2")
	if err != nil {
		t.Fatalf("GetSourceVideo: %v", err)
	}
	if video.Status != StatusProcessing {
		t.Fatalf("expected processing status, got %q", video.Status)
	}
	if video.ThumbnailPath != "/media/thumbs/vid-2.jpg" {
		t.Fatalf("unexpected thumbnail path %q", video.ThumbnailPath)
	}
}

func TestMemoryCatalogListResumable(t *testing.T) {
	cat := NewMemoryCatalog()
	cat.now = func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) }
	seed := map[string]VideoStatus{
		"vid-a": StatusPending,
		"vid-b": StatusProcessing,
		"vid-c": StatusReady,
		"vid-d": StatusQueued,
		"vid-e": StatusFailed,
		"vid-f": StatusPartiallyReady,
	}
	for id, status := range seed {
		if err := cat.PutSourceVideo(SourceVideo{ID: id, FilePath: "/media/" + id, Status: status}); err != nil {
			t.Fatalf("PutSourceVideo %s: %v", id, err)
		}
	}

	ids, err := cat.ListResumable(context.Background())
	if err != nil {
		t.Fatalf("ListResumable: %v", err)
	}
	want := []string{"vid-a", "vid-b", "vid-d"}
	if len(ids) != len(want) {
		t.Fatalf("expected %d resumable videos, got %d (%v)", len(want), len(ids), ids)
	}
	for i, id := range want {
		if ids[i] != id {
			t.Fatalf("expected resumable ids %v, got %v", want, ids)
		}
	}
}
