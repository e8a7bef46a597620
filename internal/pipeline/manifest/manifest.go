// Package manifest assembles the HLS master playlist over the renditions
// that actually succeeded.
package manifest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/HergenEngelhardt/Videoflix/internal/pipeline/plan"
)

// ErrNoRenditions indicates no rendition succeeded, so there is nothing to
// publish.
var ErrNoRenditions = errors.New("no renditions to publish")

// Render produces the master playlist body. Variants are listed in ascending
// bitrate order regardless of input order, and the same inputs always yield
// byte-identical output. Variant URIs are relative so the playlist can be
// served from any mount point.
func Render(renditions []plan.RenditionSpec) (string, error) {
	if len(renditions) == 0 {
		return "", ErrNoRenditions
	}
	sorted := make([]plan.RenditionSpec, len(renditions))
	copy(sorted, renditions)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Bitrate < sorted[j].Bitrate
	})

	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")
	for _, r := range sorted {
		fmt.Fprintf(&b, "#EXT-X-STREAM-INF:BANDWIDTH=%d,RESOLUTION=%dx%d,NAME=%q\n",
			r.Bitrate*1000, r.Width, r.Height, r.Name)
		fmt.Fprintf(&b, "%s/index.m3u8\n", r.Name)
	}
	return b.String(), nil
}

// Write renders the master playlist and writes it atomically so readers
// never observe a partial file. An existing playlist is replaced in one
// step.
func Write(path string, renditions []plan.RenditionSpec) error {
	body, err := Render(renditions)
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create manifest dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".master-*.m3u8")
	if err != nil {
		return fmt.Errorf("create temp manifest: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(body); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write temp manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp manifest: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("publish manifest: %w", err)
	}
	return nil
}
