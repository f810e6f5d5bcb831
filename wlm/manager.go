package wlm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/BaSui01/serveflow/internal/metrics"
	"github.com/BaSui01/serveflow/job"
	"github.com/BaSui01/serveflow/queue"
	"github.com/BaSui01/serveflow/transport"
	"github.com/BaSui01/serveflow/types"
)

// ModelSpec describes one model endpoint to register.
type ModelSpec struct {
	Name       string
	Device     string // optional device parameter passed on the load directive
	MinWorkers int
	Queue      queue.Config
	// RateLimit caps admitted requests per second; zero means unlimited.
	RateLimit float64
	RateBurst int
	// LoadTimeout bounds the wait for each worker's load acknowledgment.
	LoadTimeout time.Duration
}

func (s ModelSpec) withDefaults() ModelSpec {
	if s.MinWorkers <= 0 {
		s.MinWorkers = 1
	}
	if s.RateBurst <= 0 {
		s.RateBurst = 1
	}
	if s.LoadTimeout <= 0 {
		s.LoadTimeout = 2 * time.Minute
	}
	return s
}

// QueueFactory builds the job queue for a model, letting the caller choose
// the in-memory or Redis-backed implementation.
type QueueFactory func(modelName string, cfg queue.Config) (queue.JobQueue, error)

// endpoint is one registered model: its queue, its workers, and admission
// state.
type endpoint struct {
	spec    ModelSpec
	queue   queue.JobQueue
	limiter *rate.Limiter
	runners []*WorkerRunner
	runCtx  context.Context
	cancel  context.CancelFunc
	eg      *errgroup.Group
}

// Manager owns the model registry. It spawns one aggregator and runner per
// worker, feeds each model's queue, and binds every load/unload directive to
// one worker's directive slot so a directive is only ever consumed by the
// worker it was issued for.
type Manager struct {
	dialer    transport.Dialer
	newQueue  QueueFactory
	collector *metrics.Collector
	logger    *zap.Logger

	mu        sync.RWMutex
	endpoints map[string]*endpoint
}

// NewManager creates a manager.
func NewManager(dialer transport.Dialer, newQueue QueueFactory, collector *metrics.Collector, logger *zap.Logger) *Manager {
	return &Manager{
		dialer:    dialer,
		newQueue:  newQueue,
		collector: collector,
		logger:    logger.With(zap.String("component", "manager")),
		endpoints: make(map[string]*endpoint),
	}
}

// RegisterModel creates the model's queue, starts its workers, and enqueues
// one load directive per worker, waiting for each acknowledgment.
func (m *Manager) RegisterModel(ctx context.Context, spec ModelSpec) error {
	spec = spec.withDefaults()

	m.mu.Lock()
	if _, ok := m.endpoints[spec.Name]; ok {
		m.mu.Unlock()
		return types.NewError(types.ErrInvalidRequest, "model already registered").WithModel(spec.Name).WithHTTPStatus(409)
	}
	q, err := m.newQueue(spec.Name, spec.Queue)
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("create queue for %s: %w", spec.Name, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	eg, runCtx := errgroup.WithContext(runCtx)
	ep := &endpoint{spec: spec, queue: q, runCtx: runCtx, cancel: cancel, eg: eg}
	if spec.RateLimit > 0 {
		ep.limiter = rate.NewLimiter(rate.Limit(spec.RateLimit), spec.RateBurst)
	}
	m.endpoints[spec.Name] = ep
	m.mu.Unlock()

	for i := 0; i < spec.MinWorkers; i++ {
		if err := m.spawnWorker(ctx, runCtx, ep); err != nil {
			m.removeEndpoint(spec.Name)
			return err
		}
	}

	m.logger.Info("model registered",
		zap.String("model", spec.Name),
		zap.Int("workers", spec.MinWorkers),
	)
	return nil
}

// spawnWorker connects one worker, starts its runner, and places the load
// directive on the new worker's own slot so the blocked initial pull picks it
// up; an already-serving worker never sees it.
func (m *Manager) spawnWorker(ctx, runCtx context.Context, ep *endpoint) error {
	workerID := ep.spec.Name + "-" + uuid.NewString()[:8]

	tr, err := m.dialer(ctx, ep.spec.Name, workerID)
	if err != nil {
		return fmt.Errorf("connect worker %s: %w", workerID, err)
	}

	agg := NewAggregator(ep.spec.Name, ep.queue, m.logger)
	runner := NewWorkerRunner(workerID, ep.spec.Name, agg, tr, m.collector, m.logger)

	m.mu.Lock()
	ep.runners = append(ep.runners, runner)
	m.mu.Unlock()

	ep.eg.Go(func() error {
		err := runner.Run(runCtx)
		if err != nil && runCtx.Err() == nil {
			m.logger.Error("worker exited", zap.String("worker_id", workerID), zap.Error(err))
		}
		// Worker exit never tears down the whole endpoint.
		return nil
	})

	ack, err := m.sendDirective(ctx, ep, workerID, job.CmdLoad)
	if err != nil {
		return err
	}
	if ack.Failed {
		return types.NewError(types.ErrLoadFailed, ack.Message).WithModel(ep.spec.Name).WithHTTPStatus(500)
	}
	return nil
}

// sendDirective queues a control job for one worker and waits for its
// acknowledgment.
func (m *Manager) sendDirective(ctx context.Context, ep *endpoint, workerID string, cmd job.Command) (job.Result, error) {
	sink := job.NewChannelSink(1)
	payload := &job.Payload{}
	if cmd == job.CmdLoad && ep.spec.Device != "" {
		payload.Parameters = map[string]string{deviceParameter: ep.spec.Device}
	}
	ctl := job.New(ep.spec.Name, cmd, payload, sink)
	if err := ep.queue.AddForWorker(ctx, workerID, ctl); err != nil {
		return job.Result{}, fmt.Errorf("enqueue %s directive for %s: %w", cmd, workerID, err)
	}

	select {
	case res := <-sink.Results():
		return res, nil
	case <-time.After(ep.spec.LoadTimeout):
		return job.Result{}, types.NewError(types.ErrLoadFailed, string(cmd)+" directive timed out").
			WithModel(ep.spec.Name).WithHTTPStatus(500)
	case <-ctx.Done():
		return job.Result{}, ctx.Err()
	}
}

// Submit admits a job onto its model's queue.
func (m *Manager) Submit(ctx context.Context, j *job.Job) error {
	m.mu.RLock()
	ep, ok := m.endpoints[j.ModelName()]
	m.mu.RUnlock()
	if !ok {
		return types.NewError(types.ErrModelNotFound, "model not registered").WithModel(j.ModelName()).WithHTTPStatus(404)
	}

	if ep.limiter != nil && !ep.limiter.Allow() {
		m.collector.RecordRejection(j.ModelName(), "rate_limited")
		return types.NewError(types.ErrRateLimited, "request rate limit exceeded").
			WithModel(j.ModelName()).WithHTTPStatus(429).WithRetryable(true)
	}

	if err := ep.queue.Add(ctx, j); err != nil {
		m.collector.RecordRejection(j.ModelName(), "queue_full")
		return types.NewError(types.ErrQueueFull, "job queue at capacity").
			WithModel(j.ModelName()).WithHTTPStatus(503).WithRetryable(true).WithCause(err)
	}
	m.collector.SetQueueDepth(j.ModelName(), ep.queue.Depth())
	return nil
}

// ScaleWorkers adjusts the number of runners serving a model. Scaling up
// spawns and loads new workers; scaling down sends an unload directive bound
// to each excess worker and prunes the runners that stop.
func (m *Manager) ScaleWorkers(ctx context.Context, name string, target int) error {
	if target < 1 {
		return types.NewError(types.ErrInvalidRequest, "worker count must be at least 1").WithModel(name).WithHTTPStatus(400)
	}

	m.mu.RLock()
	ep, ok := m.endpoints[name]
	var loaded []*WorkerRunner
	if ok {
		for _, r := range ep.runners {
			if r.State() == WorkerModelLoaded {
				loaded = append(loaded, r)
			}
		}
	}
	m.mu.RUnlock()
	if !ok {
		return types.NewError(types.ErrModelNotFound, "model not registered").WithModel(name).WithHTTPStatus(404)
	}

	for current := len(loaded); current < target; current++ {
		if err := m.spawnWorker(ctx, ep.runCtx, ep); err != nil {
			return err
		}
	}

	if len(loaded) > target {
		// Newest workers stop first. Each unload goes to one runner's slot,
		// so a runner meant to keep serving cannot absorb it.
		for _, r := range loaded[target:] {
			if _, err := m.sendDirective(ctx, ep, r.ID(), job.CmdUnload); err != nil {
				return err
			}
		}
		m.pruneStopped(ep)
	}

	m.logger.Info("model scaled", zap.String("model", name), zap.Int("workers", target))
	return nil
}

// pruneStopped drops runners that have acknowledged an unload. A runner's
// state flips before its ack resolves, so once the directive round-trip
// completes the stopped runner is already visible here.
func (m *Manager) pruneStopped(ep *endpoint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := ep.runners[:0]
	for _, r := range ep.runners {
		if r.State() != WorkerStopped {
			kept = append(kept, r)
		}
	}
	ep.runners = kept
}

// UnregisterModel sends each serving worker its own unload directive, stops
// the workers, and removes the endpoint.
func (m *Manager) UnregisterModel(ctx context.Context, name string) error {
	m.mu.RLock()
	ep, ok := m.endpoints[name]
	var runners []*WorkerRunner
	if ok {
		runners = append(runners, ep.runners...)
	}
	m.mu.RUnlock()
	if !ok {
		return types.NewError(types.ErrModelNotFound, "model not registered").WithModel(name).WithHTTPStatus(404)
	}

	for _, r := range runners {
		if r.State() != WorkerModelLoaded {
			continue
		}
		if _, err := m.sendDirective(ctx, ep, r.ID(), job.CmdUnload); err != nil {
			m.logger.Warn("unload directive not acknowledged",
				zap.String("model", name),
				zap.String("worker_id", r.ID()),
				zap.Error(err),
			)
			break
		}
	}

	m.removeEndpoint(name)
	m.logger.Info("model unregistered", zap.String("model", name))
	return nil
}

// Models lists registered model names.
func (m *Manager) Models() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.endpoints))
	for name := range m.endpoints {
		names = append(names, name)
	}
	return names
}

// WorkerStates reports each worker's state for a model.
func (m *Manager) WorkerStates(name string) map[string]WorkerState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ep, ok := m.endpoints[name]
	if !ok {
		return nil
	}
	states := make(map[string]WorkerState, len(ep.runners))
	for _, r := range ep.runners {
		states[r.ID()] = r.State()
	}
	return states
}

// QueueDepth reports the waiting jobs for a model, -1 when unknown.
func (m *Manager) QueueDepth(name string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ep, ok := m.endpoints[name]
	if !ok {
		return -1
	}
	return ep.queue.Depth()
}

// Shutdown stops every endpoint and waits for the runners to exit.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	endpoints := m.endpoints
	m.endpoints = make(map[string]*endpoint)
	m.mu.Unlock()

	for name, ep := range endpoints {
		ep.cancel()
		if err := ep.eg.Wait(); err != nil {
			m.logger.Warn("endpoint shutdown", zap.String("model", name), zap.Error(err))
		}
	}
	return nil
}

// removeEndpoint drops the endpoint from the registry, cancels its workers,
// and waits for them to exit.
func (m *Manager) removeEndpoint(name string) {
	m.mu.Lock()
	ep, ok := m.endpoints[name]
	if ok {
		delete(m.endpoints, name)
	}
	m.mu.Unlock()
	if ok {
		ep.cancel()
		_ = ep.eg.Wait()
	}
}
