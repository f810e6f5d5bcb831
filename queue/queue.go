// Package queue provides the per-model job mailbox: producers append jobs,
// worker-driving goroutines pull them in bounded-size, time-bounded batches.
// Batch formation policy (size and delay) lives here, not in the consumer.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/BaSui01/serveflow/job"
)

var (
	ErrQueueFull   = errors.New("job queue is full")
	ErrQueueClosed = errors.New("job queue is closed")
)

// JobQueue is the per-model mailbox consumed by batch aggregators. Pull and
// push must be safe for concurrent use; one queue typically feeds several
// workers of the same model.
type JobQueue interface {
	// Add appends a job to the back of the queue. Returns ErrQueueFull when
	// the queue is at capacity.
	Add(ctx context.Context, j *job.Job) error

	// AddForWorker puts a control job on the named worker's directive slot.
	// Directives carry worker affinity: only that worker's PullBatch returns
	// them, ahead of any shared data work, so one worker's load or unload can
	// never be consumed by another. Directives are not rejected for capacity.
	AddForWorker(ctx context.Context, workerID string, j *job.Job) error

	// RequeueFront puts a job back at the front of the queue, ahead of any
	// newly arrived work, so retried jobs are served first. Requeued work is
	// never rejected for capacity.
	RequeueFront(ctx context.Context, j *job.Job) error

	// PullBatch removes and returns the next batch, serving the calling
	// worker's pending directive before shared data work. With blocking true
	// it parks until a job or directive arrives or ctx is done (the ctx error
	// is returned, never swallowed). With blocking false it waits at most the
	// queue's batch delay for the first job and may return an empty batch.
	PullBatch(ctx context.Context, workerID string, blocking bool) ([]*job.Job, error)

	// Depth returns the number of jobs currently waiting, directives included.
	Depth() int
}

// Config holds the batch formation policy for a queue.
type Config struct {
	// Capacity bounds the number of waiting jobs. Zero means DefaultConfig's
	// capacity.
	Capacity int `yaml:"capacity" json:"capacity"`

	// MaxBatchSize bounds how many jobs one PullBatch may return.
	MaxBatchSize int `yaml:"max_batch_size" json:"max_batch_size"`

	// MaxBatchDelay bounds how long a non-blocking pull waits for the first
	// job before returning empty.
	MaxBatchDelay time.Duration `yaml:"max_batch_delay" json:"max_batch_delay"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Capacity:      1000,
		MaxBatchSize:  8,
		MaxBatchDelay: 100 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Capacity <= 0 {
		c.Capacity = d.Capacity
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = d.MaxBatchSize
	}
	if c.MaxBatchDelay <= 0 {
		c.MaxBatchDelay = d.MaxBatchDelay
	}
	return c
}
