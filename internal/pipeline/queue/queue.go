// Package queue carries transcode requests from the catalog's upload path to
// the worker pool. Delivery is at-least-once: consumers must tolerate seeing
// the same job twice.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Job is a unit of queued pipeline work. Rendition is empty for whole-video
// jobs; a non-empty value targets a single resolution re-run.
type Job struct {
	VideoID   string `json:"videoId"`
	Rendition string `json:"rendition,omitempty"`
}

// Validate rejects malformed payloads at enqueue time instead of deep inside
// a worker.
func (j Job) Validate() error {
	if strings.TrimSpace(j.VideoID) == "" {
		return errors.New("job video id is required")
	}
	return nil
}

// Delivery is one received job plus its acknowledgement handle. Ack must be
// called only after all outcomes for the job are durably recorded; unacked
// deliveries are redelivered.
type Delivery struct {
	Job Job

	ackOnce sync.Once
	ack     func(ctx context.Context) error
}

// NewDelivery wraps a job with its acknowledgement handler. A nil ack means
// the backend needs no acknowledgement.
func NewDelivery(job Job, ack func(ctx context.Context) error) *Delivery {
	return &Delivery{Job: job, ack: ack}
}

// Ack marks the delivery as processed. Safe to call more than once.
func (d *Delivery) Ack(ctx context.Context) error {
	if d == nil || d.ack == nil {
		return nil
	}
	var err error
	d.ackOnce.Do(func() {
		err = d.ack(ctx)
	})
	return err
}

var (
	// ErrQueueFull indicates the backlog limit was hit; the producer should
	// surface the condition instead of blocking the upload path.
	ErrQueueFull = errors.New("job queue is full")
	// ErrQueueClosed indicates the queue has been shut down.
	ErrQueueClosed = errors.New("job queue is closed")
)

// Queue is the pipeline's durable work queue.
type Queue interface {
	// Enqueue admits a job. It validates the payload and fails fast on
	// malformed jobs or an unreachable backend.
	Enqueue(ctx context.Context, job Job) error
	// Dequeue blocks for a bounded wait until a job is available. It
	// returns (nil, nil) when the wait elapsed with no work.
	Dequeue(ctx context.Context) (*Delivery, error)
	Close() error
}

const (
	defaultMemoryBuffer  = 64
	defaultBlockTimeout  = 2 * time.Second
	memoryRequeueTimeout = time.Second
)

// MemoryQueue is an in-process queue for tests and single-node deployments.
// Durability across process restarts comes from the catalog restart sweep,
// not from the queue itself.
type MemoryQueue struct {
	jobs         chan Job
	blockTimeout time.Duration

	mu     sync.Mutex
	closed bool
}

// MemoryQueueConfig configures the in-memory queue. Zero values use sane
// defaults.
type MemoryQueueConfig struct {
	Buffer       int
	BlockTimeout time.Duration
}

// NewMemoryQueue initialises a bounded in-memory queue.
func NewMemoryQueue(cfg MemoryQueueConfig) *MemoryQueue {
	if cfg.Buffer <= 0 {
		cfg.Buffer = defaultMemoryBuffer
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = defaultBlockTimeout
	}
	return &MemoryQueue{
		jobs:         make(chan Job, cfg.Buffer),
		blockTimeout: cfg.BlockTimeout,
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, job Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	// The send stays under the lock so Close cannot close the channel
	// between the closed check and the send. The select never blocks, so
	// holding the mutex here is cheap.
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fmt.Errorf("%w: %d jobs pending", ErrQueueFull, cap(q.jobs))
	}
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	timer := time.NewTimer(q.blockTimeout)
	defer timer.Stop()
	select {
	case job, ok := <-q.jobs:
		if !ok {
			return nil, ErrQueueClosed
		}
		return &Delivery{Job: job}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, nil
	}
}

// Depth reports the current backlog size.
func (q *MemoryQueue) Depth(ctx context.Context) (int64, error) {
	return int64(len(q.jobs)), nil
}

// Requeue re-admits a job whose processing could not complete, e.g. during a
// shutdown with work still claimed.
func (q *MemoryQueue) Requeue(job Job) {
	ctx, cancel := context.WithTimeout(context.Background(), memoryRequeueTimeout)
	defer cancel()
	_ = q.Enqueue(ctx, job)
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	close(q.jobs)
	return nil
}

var _ Queue = (*MemoryQueue)(nil)
