package transcode

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/HergenEngelhardt/Videoflix/internal/pipeline/plan"
)

func TestValidateSource(t *testing.T) {
	dir := t.TempDir()

	valid := filepath.Join(dir, "video.mp4")
	if err := os.WriteFile(valid, []byte("not really a video"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	empty := filepath.Join(dir, "empty.mp4")
	if err := os.WriteFile(empty, nil, 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	cases := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{name: "valid file", path: valid, wantErr: false},
		{name: "missing file", path: filepath.Join(dir, "nope.mp4"), wantErr: true},
		{name: "empty file", path: empty, wantErr: true},
		{name: "directory", path: dir, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateSource(tc.path)
			if tc.wantErr {
				if !errors.Is(err, ErrUnsupportedSource) {
					t.Fatalf("expected ErrUnsupportedSource, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestTranscodeArgs(t *testing.T) {
	spec := plan.RenditionSpec{Name: "480p", Width: 854, Height: 480, Bitrate: 1200, SegmentSeconds: 10}
	args := transcodeArgs("/media/src/vid.mp4", spec, "/media/hls/vid/480p")
	joined := strings.Join(args, " ")

	for _, want := range []string{
		"-i /media/src/vid.mp4",
		"-c:v libx264",
		"-c:a aac",
		"-vf scale=854:480",
		"-b:v 1200k",
		"-maxrate 1200k",
		"-bufsize 2400k",
		"-hls_time 10",
		"-hls_list_size 0",
		"-hls_segment_filename /media/hls/vid/480p/%03d.ts",
		"-f hls /media/hls/vid/480p/index.m3u8",
	} {
		if !strings.Contains(joined, want) {
			t.Fatalf("args missing %q:\n%s", want, joined)
		}
	}
	if args[len(args)-1] != "-y" {
		t.Fatalf("expected trailing -y, got %q", args[len(args)-1])
	}
}

func TestThumbnailArgs(t *testing.T) {
	args := thumbnailArgs("/media/src/vid.mp4", "/media/thumbs/vid.jpg")
	joined := strings.Join(args, " ")

	for _, want := range []string{
		"-ss 00:00:10",
		"-i /media/src/vid.mp4",
		"-vframes 1",
		"-vf scale=320:180",
		"/media/thumbs/vid.jpg",
	} {
		if !strings.Contains(joined, want) {
			t.Fatalf("args missing %q:\n%s", want, joined)
		}
	}
}

func TestTransientClassification(t *testing.T) {
	transient := &TransientError{Err: fmt.Errorf("encoder exited 1")}
	if !Transient(transient) {
		t.Fatal("wrapped error should be transient")
	}
	if !Transient(fmt.Errorf("attempt failed: %w", transient)) {
		t.Fatal("transient should survive wrapping")
	}
	if Transient(ErrUnsupportedSource) {
		t.Fatal("unsupported source is permanent")
	}
	if Transient(nil) {
		t.Fatal("nil is not transient")
	}
}

func TestTranscodeRejectsBadSourceBeforeRunning(t *testing.T) {
	f := NewFFmpeg(FFmpegConfig{Binary: "/nonexistent/ffmpeg"})
	err := f.Transcode(context.Background(), filepath.Join(t.TempDir(), "missing.mp4"),
		plan.RenditionSpec{Name: "360p", Width: 640, Height: 360, Bitrate: 800}, t.TempDir())
	if !errors.Is(err, ErrUnsupportedSource) {
		t.Fatalf("expected ErrUnsupportedSource, got %v", err)
	}
}
