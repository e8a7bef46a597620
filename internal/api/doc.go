// Package api exposes the pipeline's admin surface: health, metrics, video
// processing status, and manual re-trigger of transcode jobs.
package api
