package plan

import (
	"path/filepath"
	"testing"
)

func TestPlanIsDeterministic(t *testing.T) {
	planner := NewPlanner(nil)
	first := planner.Plan("vid-1")
	second := planner.Plan("vid-1")
	if len(first) != 5 {
		t.Fatalf("expected 5 default tiers, got %d", len(first))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("plan differs between calls at index %d: %+v vs %+v", i, first[i], second[i])
		}
	}
	for i := 1; i < len(first); i++ {
		if first[i].Bitrate <= first[i-1].Bitrate {
			t.Fatalf("ladder not ascending by bitrate: %+v", first)
		}
	}
}

func TestPlanResultIsACopy(t *testing.T) {
	planner := NewPlanner(nil)
	got := planner.Plan("vid-1")
	got[0].Bitrate = 1
	fresh := planner.Plan("vid-1")
	if fresh[0].Bitrate == 1 {
		t.Fatalf("mutating a plan result leaked into the planner")
	}
}

func TestFind(t *testing.T) {
	planner := NewPlanner(nil)
	spec, ok := planner.Find("720p")
	if !ok {
		t.Fatalf("expected to find 720p")
	}
	if spec.Width != 1280 || spec.Height != 720 || spec.Bitrate != 2500 {
		t.Fatalf("unexpected 720p spec: %+v", spec)
	}
	if _, ok := planner.Find("4k"); ok {
		t.Fatalf("did not expect to find 4k in the default ladder")
	}
}

func TestParseLadder(t *testing.T) {
	specs, err := ParseLadder("480p:854x480:1200, 720p:1280x720:2500")
	if err != nil {
		t.Fatalf("ParseLadder: %v", err)
	}
	if len(specs) != 2 {
		t.Fatalf("expected 2 specs, got %d", len(specs))
	}
	if specs[0].Name != "480p" || specs[0].Width != 854 || specs[0].Height != 480 || specs[0].Bitrate != 1200 {
		t.Fatalf("unexpected first spec: %+v", specs[0])
	}
	if specs[1].SegmentSeconds != 10 {
		t.Fatalf("expected default segment duration, got %d", specs[1].SegmentSeconds)
	}
}

func TestParseLadderRejectsMalformedSpecs(t *testing.T) {
	cases := []string{
		"",
		"720p",
		"720p:1280x720",
		"720p:1280:2500",
		"720p:axb:2500",
		"720p:1280x720:fast",
		"720p:0x720:2500",
		"720p:1280x720:-5",
	}
	for _, input := range cases {
		if _, err := ParseLadder(input); err == nil {
			t.Fatalf("expected error for ladder %q", input)
		}
	}
}

func TestDeterministicPaths(t *testing.T) {
	root := "/srv/hls"
	if got := OutputDir(root, "vid-1", "720p"); got != filepath.Join(root, "vid-1", "720p") {
		t.Fatalf("unexpected output dir %q", got)
	}
	first := ManifestPath(root, "vid-1", "720p")
	second := ManifestPath(root, "vid-1", "720p")
	if first != second {
		t.Fatalf("manifest path not deterministic: %q vs %q", first, second)
	}
	if got := MasterPath(root, "vid-1"); got != filepath.Join(root, "vid-1", "master.m3u8") {
		t.Fatalf("unexpected master path %q", got)
	}
}
