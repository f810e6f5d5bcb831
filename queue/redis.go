package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/serveflow/job"
)

// queuedJob is the serialized form a job takes on the Redis list. Sinks do
// not travel: delivery stays with the in-process registry entry.
type queuedJob struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Cmd     job.Command  `json:"cmd"`
	Payload *job.Payload `json:"payload"`
}

// Redis is a Redis-list-backed JobQueue. Payloads travel through a Redis
// list (RPUSH append, LPUSH front-requeue, BLPOP blocking pull) while the
// live Job, with its delivery sink, is held in an in-process registry keyed
// by request id. Several frontend workers on one host share the list; a job
// popped by a process that does not hold its registry entry is skipped with
// a warning.
type Redis struct {
	client *redis.Client
	key    string
	cfg    Config
	logger *zap.Logger

	mu         sync.Mutex
	pending    map[string]*job.Job
	directives map[string][]*job.Job
}

// NewRedis creates a Redis-backed queue for one model. It pings the server
// before returning.
func NewRedis(client *redis.Client, modelName string, cfg Config, logger *zap.Logger) (*Redis, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &Redis{
		client:     client,
		key:        "serveflow:queue:" + modelName,
		cfg:        cfg.withDefaults(),
		logger:     logger.With(zap.String("component", "redis_queue"), zap.String("model", modelName)),
		pending:    make(map[string]*job.Job),
		directives: make(map[string][]*job.Job),
	}, nil
}

// Add implements JobQueue.
func (q *Redis) Add(ctx context.Context, j *job.Job) error {
	if depth, err := q.client.LLen(ctx, q.key).Result(); err == nil && int(depth) >= q.cfg.Capacity {
		return ErrQueueFull
	}
	data, err := q.encode(j)
	if err != nil {
		return err
	}
	q.register(j)
	if err := q.client.RPush(ctx, q.key, data).Err(); err != nil {
		q.unregister(j.ID())
		return fmt.Errorf("enqueue job %s: %w", j.ID(), err)
	}
	return nil
}

// AddForWorker implements JobQueue. Directives never travel through the
// Redis list: they are created and consumed by the same process, and their
// delivery sinks cannot serialize, so they are held in process per worker.
func (q *Redis) AddForWorker(ctx context.Context, workerID string, j *job.Job) error {
	q.mu.Lock()
	q.directives[workerID] = append(q.directives[workerID], j)
	q.mu.Unlock()
	return nil
}

// RequeueFront implements JobQueue.
func (q *Redis) RequeueFront(ctx context.Context, j *job.Job) error {
	data, err := q.encode(j)
	if err != nil {
		return err
	}
	q.register(j)
	if err := q.client.LPush(ctx, q.key, data).Err(); err != nil {
		q.unregister(j.ID())
		return fmt.Errorf("requeue job %s: %w", j.ID(), err)
	}
	return nil
}

// PullBatch implements JobQueue.
func (q *Redis) PullBatch(ctx context.Context, workerID string, blocking bool) ([]*job.Job, error) {
	var res []string
	for {
		if ctl := q.takeDirective(workerID); ctl != nil {
			return []*job.Job{ctl}, nil
		}

		// BLPOP waits at most the batch delay even for a blocking pull, so
		// the loop notices a directive arriving for this worker.
		popped, err := q.client.BLPop(ctx, q.cfg.MaxBatchDelay, q.key).Result()
		if err == redis.Nil {
			if blocking {
				continue
			}
			return nil, nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("pull from redis: %w", err)
		}
		res = popped
		break
	}

	var batch []*job.Job
	if j := q.resolve([]byte(res[1])); j != nil {
		batch = append(batch, j)
		if j.IsControl() {
			return batch, nil
		}
	}

	// Drain whatever is immediately available, stopping before a control job
	// so directives are always pulled alone.
	for len(batch) < q.cfg.MaxBatchSize {
		data, err := q.client.LPop(ctx, q.key).Result()
		if err == redis.Nil {
			break
		}
		if err != nil {
			return batch, fmt.Errorf("drain from redis: %w", err)
		}
		j := q.resolve([]byte(data))
		if j == nil {
			continue
		}
		if j.IsControl() {
			if err := q.client.LPush(ctx, q.key, data).Err(); err != nil {
				return batch, fmt.Errorf("push back control job: %w", err)
			}
			q.register(j)
			break
		}
		batch = append(batch, j)
	}
	return batch, nil
}

// Depth implements JobQueue.
func (q *Redis) Depth() int {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	depth, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0
	}
	n := int(depth)
	q.mu.Lock()
	for _, pending := range q.directives {
		n += len(pending)
	}
	q.mu.Unlock()
	return n
}

// takeDirective pops the worker's oldest pending directive, or nil.
func (q *Redis) takeDirective(workerID string) *job.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	pending := q.directives[workerID]
	if len(pending) == 0 {
		return nil
	}
	q.directives[workerID] = pending[1:]
	return pending[0]
}

func (q *Redis) encode(j *job.Job) ([]byte, error) {
	data, err := json.Marshal(queuedJob{
		ID:      j.ID(),
		Model:   j.ModelName(),
		Cmd:     j.Cmd(),
		Payload: j.Payload(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode job %s: %w", j.ID(), err)
	}
	return data, nil
}

// resolve maps a popped list entry back to its live registry job.
func (q *Redis) resolve(data []byte) *job.Job {
	var qj queuedJob
	if err := json.Unmarshal(data, &qj); err != nil {
		q.logger.Error("malformed queue entry dropped", zap.Error(err))
		return nil
	}
	q.mu.Lock()
	j, ok := q.pending[qj.ID]
	if ok {
		delete(q.pending, qj.ID)
	}
	q.mu.Unlock()
	if !ok {
		q.logger.Warn("queue entry without a live job skipped", zap.String("job_id", qj.ID))
		return nil
	}
	return j
}

func (q *Redis) register(j *job.Job) {
	q.mu.Lock()
	q.pending[j.ID()] = j
	q.mu.Unlock()
}

func (q *Redis) unregister(id string) {
	q.mu.Lock()
	delete(q.pending, id)
	q.mu.Unlock()
}
