// Package plan holds the rendition ladder: the single source of truth for
// which quality tiers the pipeline produces and where their artifacts live on
// disk.
package plan

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

// RenditionSpec describes one output tier of the encoding ladder.
type RenditionSpec struct {
	// Name is the resolution label, e.g. "720p". It doubles as the output
	// directory name for the rendition.
	Name string
	// Width and Height are the scaled output dimensions in pixels.
	Width  int
	Height int
	// Bitrate is the target video bitrate in kbit/s.
	Bitrate int
	// SegmentSeconds is the target media segment duration.
	SegmentSeconds int
}

const defaultSegmentSeconds = 10

// DefaultLadder returns the fixed quality ladder, ordered ascending by
// bitrate. Callers must not mutate the returned slice.
func DefaultLadder() []RenditionSpec {
	return []RenditionSpec{
		{Name: "120p", Width: 214, Height: 120, Bitrate: 300, SegmentSeconds: defaultSegmentSeconds},
		{Name: "360p", Width: 640, Height: 360, Bitrate: 800, SegmentSeconds: defaultSegmentSeconds},
		{Name: "480p", Width: 854, Height: 480, Bitrate: 1200, SegmentSeconds: defaultSegmentSeconds},
		{Name: "720p", Width: 1280, Height: 720, Bitrate: 2500, SegmentSeconds: defaultSegmentSeconds},
		{Name: "1080p", Width: 1920, Height: 1080, Bitrate: 5000, SegmentSeconds: defaultSegmentSeconds},
	}
}

// Planner maps a source video to the ordered list of renditions to produce.
// It is a pure value type: Plan performs no I/O and is total over any video id.
type Planner struct {
	ladder []RenditionSpec
}

// NewPlanner builds a planner over the provided ladder, falling back to the
// default ladder when none is given.
func NewPlanner(ladder []RenditionSpec) Planner {
	if len(ladder) == 0 {
		ladder = DefaultLadder()
	}
	cloned := make([]RenditionSpec, len(ladder))
	copy(cloned, ladder)
	return Planner{ladder: cloned}
}

// Plan returns the renditions to attempt for a video. The result is the same
// fixed, deterministically ordered list on every call.
func (p Planner) Plan(videoID string) []RenditionSpec {
	out := make([]RenditionSpec, len(p.ladder))
	copy(out, p.ladder)
	return out
}

// Find returns the spec with the given resolution label.
func (p Planner) Find(name string) (RenditionSpec, bool) {
	for _, spec := range p.ladder {
		if spec.Name == name {
			return spec, true
		}
	}
	return RenditionSpec{}, false
}

// ParseLadder parses a ladder override of the form
// "120p:214x120:300,720p:1280x720:2500". Entries keep their configured order.
func ParseLadder(spec string) ([]RenditionSpec, error) {
	entries := strings.Split(spec, ",")
	results := make([]RenditionSpec, 0, len(entries))
	for _, entry := range entries {
		trimmed := strings.TrimSpace(entry)
		if trimmed == "" {
			continue
		}
		parts := strings.Split(trimmed, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("invalid rendition spec %q", trimmed)
		}
		dims := strings.Split(parts[1], "x")
		if len(dims) != 2 {
			return nil, fmt.Errorf("invalid dimensions for rendition %q", trimmed)
		}
		width, err := strconv.Atoi(dims[0])
		if err != nil {
			return nil, fmt.Errorf("invalid width for rendition %q: %w", trimmed, err)
		}
		height, err := strconv.Atoi(dims[1])
		if err != nil {
			return nil, fmt.Errorf("invalid height for rendition %q: %w", trimmed, err)
		}
		bitrate, err := strconv.Atoi(parts[2])
		if err != nil {
			return nil, fmt.Errorf("invalid bitrate for rendition %q: %w", trimmed, err)
		}
		if width <= 0 || height <= 0 || bitrate <= 0 {
			return nil, fmt.Errorf("non-positive dimension or bitrate in rendition %q", trimmed)
		}
		results = append(results, RenditionSpec{
			Name:           parts[0],
			Width:          width,
			Height:         height,
			Bitrate:        bitrate,
			SegmentSeconds: defaultSegmentSeconds,
		})
	}
	if len(results) == 0 {
		return nil, errors.New("no rendition profiles configured")
	}
	return results, nil
}

// Output path layout. Deterministic by construction: the same (video id,
// resolution label) always maps to the same directory, which is what makes
// re-processing idempotent.
//
//	{root}/{video-id}/{resolution}/index.m3u8   rendition playlist
//	{root}/{video-id}/{resolution}/{seg}.ts     media segments
//	{root}/{video-id}/master.m3u8               master playlist

// VideoDir returns the directory holding all artifacts for a video.
func VideoDir(root, videoID string) string {
	return filepath.Join(root, videoID)
}

// OutputDir returns the directory for one rendition's playlist and segments.
func OutputDir(root, videoID, rendition string) string {
	return filepath.Join(root, videoID, rendition)
}

// ManifestPath returns the rendition playlist location.
func ManifestPath(root, videoID, rendition string) string {
	return filepath.Join(OutputDir(root, videoID, rendition), "index.m3u8")
}

// MasterPath returns the master playlist location for a video.
func MasterPath(root, videoID string) string {
	return filepath.Join(VideoDir(root, videoID), "master.m3u8")
}

// ThumbnailPath returns the poster frame location for a video.
func ThumbnailPath(root, videoID string) string {
	return filepath.Join(root, videoID+".jpg")
}
