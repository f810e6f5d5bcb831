package queue

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/serveflow/job"
)

// Memory is the in-process JobQueue. A mutex-guarded deque for shared data
// work plus one directive slot and one signal channel per worker; pullers
// park on their own signal so an idle worker costs nothing and a directive
// wakes exactly the worker it is bound to.
type Memory struct {
	cfg    Config
	logger *zap.Logger

	mu         sync.Mutex
	items      []*job.Job
	directives map[string][]*job.Job
	signals    map[string]chan struct{}
}

// NewMemory creates an in-memory job queue.
func NewMemory(cfg Config, logger *zap.Logger) *Memory {
	return &Memory{
		cfg:        cfg.withDefaults(),
		logger:     logger.With(zap.String("component", "job_queue")),
		directives: make(map[string][]*job.Job),
		signals:    make(map[string]chan struct{}),
	}
}

// Add implements JobQueue.
func (q *Memory) Add(ctx context.Context, j *job.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.cfg.Capacity {
		return ErrQueueFull
	}
	q.items = append(q.items, j)
	q.wakeAllLocked()
	return nil
}

// AddForWorker implements JobQueue. The directive slot bypasses capacity:
// rejecting a load or unload would wedge the worker lifecycle.
func (q *Memory) AddForWorker(ctx context.Context, workerID string, j *job.Job) error {
	q.mu.Lock()
	q.directives[workerID] = append(q.directives[workerID], j)
	q.wakeOneLocked(workerID)
	q.mu.Unlock()
	q.logger.Debug("directive queued for worker",
		zap.String("worker_id", workerID),
		zap.String("cmd", string(j.Cmd())),
	)
	return nil
}

// RequeueFront implements JobQueue. Front insertion is atomic with respect to
// producers appending at the back, so retried work is served before new work.
func (q *Memory) RequeueFront(ctx context.Context, j *job.Job) error {
	q.mu.Lock()
	q.items = append([]*job.Job{j}, q.items...)
	q.wakeAllLocked()
	q.mu.Unlock()
	q.logger.Debug("job requeued to front",
		zap.String("job_id", j.ID()),
		zap.String("model", j.ModelName()),
	)
	return nil
}

// PullBatch implements JobQueue.
func (q *Memory) PullBatch(ctx context.Context, workerID string, blocking bool) ([]*job.Job, error) {
	sig := q.signalFor(workerID)

	var deadline <-chan time.Time
	if !blocking {
		timer := time.NewTimer(q.cfg.MaxBatchDelay)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		if batch := q.drain(workerID); batch != nil {
			return batch, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-sig:
		case <-deadline:
			return nil, nil
		}
	}
}

// Depth implements JobQueue.
func (q *Memory) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	for _, pending := range q.directives {
		n += len(pending)
	}
	return n
}

// drain pops the worker's oldest pending directive, or up to MaxBatchSize
// data jobs from the front, or nil when nothing is waiting. A control job on
// the shared deque is still yielded alone: it either opens the batch as the
// only element or terminates the drain before being taken.
func (q *Memory) drain(workerID string) []*job.Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	if pending := q.directives[workerID]; len(pending) > 0 {
		ctl := pending[0]
		q.directives[workerID] = pending[1:]
		if len(pending) > 1 || len(q.items) > 0 {
			q.wakeOneLocked(workerID)
		}
		return []*job.Job{ctl}
	}

	if len(q.items) == 0 {
		return nil
	}

	n := min(len(q.items), q.cfg.MaxBatchSize)
	cut := n
	for i := 0; i < n; i++ {
		if q.items[i].IsControl() {
			if i == 0 {
				cut = 1
			} else {
				cut = i
			}
			break
		}
	}

	batch := make([]*job.Job, cut)
	copy(batch, q.items[:cut])
	q.items = q.items[cut:]

	if len(q.items) > 0 {
		q.wakeAllLocked()
	}
	return batch
}

// signalFor returns the worker's signal channel, creating it on first use.
func (q *Memory) signalFor(workerID string) chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	sig, ok := q.signals[workerID]
	if !ok {
		sig = make(chan struct{}, 1)
		q.signals[workerID] = sig
	}
	return sig
}

// wakeOneLocked posts a non-blocking token to one worker's signal. Callers
// hold q.mu.
func (q *Memory) wakeOneLocked(workerID string) {
	sig, ok := q.signals[workerID]
	if !ok {
		sig = make(chan struct{}, 1)
		q.signals[workerID] = sig
	}
	select {
	case sig <- struct{}{}:
	default:
	}
}

// wakeAllLocked wakes every parked worker; shared work may be claimed by any
// of them. Callers hold q.mu.
func (q *Memory) wakeAllLocked() {
	for _, sig := range q.signals {
		select {
		case sig <- struct{}{}:
		default:
		}
	}
}
