package wlm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/BaSui01/serveflow/job"
	"github.com/BaSui01/serveflow/messages"
	"github.com/BaSui01/serveflow/queue"
)

// deviceParameter names the control-job parameter selecting the target
// device for a load directive.
const deviceParameter = "device"

// Coordination errors. They indicate a queue-discipline violation upstream or
// a worker answering for work it was never sent; the runner treats them as
// worker-fatal, never as recoverable batch failures.
var (
	ErrControlNotExclusive = errors.New("control job pulled alongside other jobs; directives must be processed one at a time")
	ErrUnknownRequestID    = errors.New("worker returned a result for a request id not in the in-flight batch")
	ErrEmptyPredictions    = errors.New("worker returned success without predictions for a non-empty data batch")
)

// Aggregator assembles pending jobs into one request envelope per worker
// cycle and demultiplexes worker responses back onto the originating jobs.
// One aggregator belongs to exactly one worker-driving goroutine; it keeps no
// internal locking and must not be shared.
type Aggregator struct {
	modelName string
	queue     queue.JobQueue
	logger    *zap.Logger

	// In-flight batch: request id to job, with insertion order kept so
	// fan-out paths resolve jobs in pull order. Non-empty only between
	// GetNextBatch and the matching consume/fail call, except while a
	// streaming job holds the batch open.
	jobs  map[string]*job.Job
	order []string
}

// NewAggregator creates an aggregator for one worker of the given model.
func NewAggregator(modelName string, q queue.JobQueue, logger *zap.Logger) *Aggregator {
	return &Aggregator{
		modelName: modelName,
		queue:     q,
		logger:    logger.With(zap.String("component", "aggregator"), zap.String("model", modelName)),
		jobs:      make(map[string]*job.Job),
	}
}

// InFlight returns the number of jobs awaiting resolution.
func (a *Aggregator) InFlight() int { return len(a.jobs) }

// Batch returns the in-flight jobs in pull order.
func (a *Aggregator) Batch() []*job.Job {
	batch := make([]*job.Job, 0, len(a.order))
	for _, id := range a.order {
		if j, ok := a.jobs[id]; ok {
			batch = append(batch, j)
		}
	}
	return batch
}

// reset releases every in-flight job reference. Called at the start of each
// cycle and on every terminal resolution path.
func (a *Aggregator) reset() {
	clear(a.jobs)
	a.order = a.order[:0]
}

func (a *Aggregator) track(j *job.Job) {
	a.jobs[j.ID()] = j
	a.order = append(a.order, j.ID())
}

// GetNextBatch pulls the next batch from the job queue and returns the
// envelope to send. When the worker is already serving the pull is
// non-blocking and a nil envelope (no error) means an idle cycle; otherwise
// the pull parks until a job, typically a load directive, arrives.
//
// The previous cycle must have fully resolved before this call; any leftover
// in-flight state is a caller bug and is released here.
func (a *Aggregator) GetNextBatch(ctx context.Context, workerID string, state WorkerState) (messages.RequestEnvelope, error) {
	if len(a.jobs) > 0 {
		a.logger.Warn("in-flight batch not cleared by previous cycle",
			zap.String("worker_id", workerID),
			zap.Int("leftover", len(a.jobs)),
		)
	}
	a.reset()

	pulled, err := a.queue.PullBatch(ctx, workerID, state != WorkerModelLoaded)
	if err != nil {
		return nil, err
	}
	if len(pulled) == 0 {
		return nil, nil
	}

	for _, j := range pulled {
		if !j.IsControl() {
			continue
		}
		if len(pulled) > 1 {
			a.abortPulled(pulled, ErrControlNotExclusive.Error())
			return nil, fmt.Errorf("%w: pulled %d jobs with directive %s", ErrControlNotExclusive, len(pulled), j.Cmd())
		}
		a.track(j)
		device := messages.DeviceUnspecified
		if raw, ok := j.Payload().Parameter(deviceParameter); ok {
			device, err = strconv.Atoi(raw)
			if err != nil {
				a.abortPulled(pulled, "invalid device parameter")
				return nil, fmt.Errorf("invalid device parameter %q on job %s: %w", raw, j.ID(), err)
			}
		}
		return &messages.ControlEnvelope{
			TargetModel: j.ModelName(),
			Directive:   j.Cmd(),
			DeviceID:    device,
			RequestID:   j.ID(),
		}, nil
	}

	env := &messages.DataEnvelope{ModelName: a.modelName, Command: job.CmdPredict}
	for _, j := range pulled {
		if j.Cmd() == job.CmdStreamPredict {
			env.Command = job.CmdStreamPredict
		}
		j.MarkScheduled()
		env.Requests = append(env.Requests, j.Payload())
		a.track(j)
	}
	return env, nil
}

// Consume dispatches a worker response to the success or failure path.
func (a *Aggregator) Consume(resp *messages.WorkerResponse) error {
	if resp.OK() {
		return a.ConsumeSuccess(resp)
	}
	a.ConsumeFailure(resp)
	return nil
}

// ConsumeSuccess resolves a success response against the in-flight batch,
// delivering one prediction per request id. The batch stays open while any
// streaming job signals a continuation; it is cleared once a cycle completes
// without one.
func (a *Aggregator) ConsumeSuccess(resp *messages.WorkerResponse) error {
	if len(resp.Predictions) == 0 {
		if len(a.jobs) == 0 {
			// Acknowledgment of the initial load, nothing to resolve.
			return nil
		}
		if a.controlOnly() {
			// Directive acknowledged; resolve the control job itself.
			for _, id := range a.order {
				a.jobs[id].Deliver(nil, "", resp.Code, resp.Message, nil)
			}
			a.reset()
			return nil
		}
		err := fmt.Errorf("%w: %d jobs in flight", ErrEmptyPredictions, len(a.jobs))
		a.abort(nil, err.Error())
		return err
	}

	done := true
	resolved := make(map[string]bool, len(resp.Predictions))
	for _, p := range resp.Predictions {
		j, ok := a.jobs[p.RequestID]
		if !ok {
			err := fmt.Errorf("%w: %s", ErrUnknownRequestID, p.RequestID)
			a.abort(resolved, err.Error())
			return err
		}
		if j.Cmd() == job.CmdStreamPredict && p.StreamNext() {
			done = false
		}
		j.Deliver(p.Body, p.ContentType, p.StatusCode, p.ReasonPhrase, p.Headers)
		resolved[p.RequestID] = true
	}
	if done {
		a.reset()
	}
	return nil
}

// ConsumeFailure fans a worker-reported batch failure out to every in-flight
// job. A failed batch fails every request in it, never a partial subset.
func (a *Aggregator) ConsumeFailure(resp *messages.WorkerResponse) {
	for _, id := range a.order {
		if j, ok := a.jobs[id]; ok {
			j.Fail(resp.Code, resp.Message)
		}
	}
	a.reset()
}

// FailSend resolves a batch whose envelope could not be dispatched or whose
// worker died before responding.
//
// A control envelope is logged and swallowed: load failures are reported
// upward by the lifecycle manager, not by failing arbitrary jobs. A data
// envelope fails its jobs individually by request id. A nil envelope is the
// crash path with nothing attributable: control jobs fail (no other worker
// can serve a pending directive) while data jobs are requeued to the front of
// the queue for another worker to retry.
func (a *Aggregator) FailSend(ctx context.Context, env messages.RequestEnvelope, errText string, status int) {
	defer a.reset()

	switch e := env.(type) {
	case *messages.ControlEnvelope:
		a.logger.Warn("directive dispatch failed",
			zap.String("directive", string(e.Directive)),
			zap.String("model", e.TargetModel),
			zap.String("error", errText),
		)

	case *messages.DataEnvelope:
		for _, p := range e.Requests {
			j, ok := a.jobs[p.RequestID]
			if !ok {
				a.logger.Error("failed envelope names a request not in flight",
					zap.String("request_id", p.RequestID),
				)
				continue
			}
			delete(a.jobs, p.RequestID)
			j.Fail(status, errText)
		}
		if len(a.jobs) > 0 {
			a.logger.Error("not all in-flight jobs named by the failed envelope",
				zap.Int("unresolved", len(a.jobs)),
			)
		}

	case nil:
		for _, id := range a.order {
			j, ok := a.jobs[id]
			if !ok {
				continue
			}
			if j.IsControl() {
				j.Fail(status, errText)
				continue
			}
			if err := a.queue.RequeueFront(ctx, j); err != nil {
				a.logger.Error("requeue failed, failing job instead",
					zap.String("job_id", j.ID()),
					zap.Error(err),
				)
				j.Fail(status, errText)
			}
		}

	default:
		a.logger.Error("unknown envelope kind in FailSend", zap.String("kind", string(env.Kind())))
	}
}

// controlOnly reports whether every in-flight job is a control directive.
func (a *Aggregator) controlOnly() bool {
	for _, j := range a.jobs {
		if !j.IsControl() {
			return false
		}
	}
	return len(a.jobs) > 0
}

// abort fails every in-flight job not already resolved this cycle and clears
// the batch. Used on fatal consistency violations so no client is left
// waiting on a batch the runner is about to abandon.
func (a *Aggregator) abort(resolved map[string]bool, reason string) {
	for _, id := range a.order {
		if resolved[id] {
			continue
		}
		if j, ok := a.jobs[id]; ok {
			j.Fail(http.StatusInternalServerError, "batch aborted: "+reason)
		}
	}
	a.reset()
}

// abortPulled fails jobs that were pulled but never tracked, for fatal
// conditions detected during batch assembly.
func (a *Aggregator) abortPulled(pulled []*job.Job, reason string) {
	for _, j := range pulled {
		j.Fail(http.StatusInternalServerError, "batch aborted: "+reason)
	}
	a.reset()
}
