package pipeline

import (
	"github.com/HergenEngelhardt/Videoflix/internal/catalog"
	"github.com/HergenEngelhardt/Videoflix/internal/pipeline/state"
)

// DeriveStatus folds per-rendition progress into the video's overall
// processing status. Work still pending or running keeps the video in
// processing; otherwise any mix of success and failure is reported as
// partially ready, full success as ready, and total failure as failed.
func DeriveStatus(states []state.RenditionState) catalog.VideoStatus {
	if len(states) == 0 {
		return catalog.StatusProcessing
	}
	var succeeded, failed int
	for _, st := range states {
		switch st.Status {
		case state.StatusSucceeded:
			succeeded++
		case state.StatusFailed:
			failed++
		default:
			return catalog.StatusProcessing
		}
	}
	switch {
	case failed == 0:
		return catalog.StatusReady
	case succeeded > 0:
		return catalog.StatusPartiallyReady
	default:
		return catalog.StatusFailed
	}
}
