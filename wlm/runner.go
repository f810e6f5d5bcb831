package wlm

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/serveflow/internal/metrics"
	"github.com/BaSui01/serveflow/job"
	"github.com/BaSui01/serveflow/messages"
	"github.com/BaSui01/serveflow/transport"
)

// ErrDirectiveFailed reports a worker rejecting a control directive; the
// manager decides whether to respawn.
var ErrDirectiveFailed = errors.New("worker rejected directive")

// WorkerRunner drives one worker's request/response cycle: get the next
// envelope from the aggregator, send it, wait for the response, feed it back.
// Exactly one goroutine runs a given runner.
type WorkerRunner struct {
	id        string
	modelName string
	agg       *Aggregator
	tr        transport.Transport
	state     atomic.Int32

	collector *metrics.Collector
	logger    *zap.Logger
	tracer    trace.Tracer
}

// NewWorkerRunner creates a runner in the starting state.
func NewWorkerRunner(id, modelName string, agg *Aggregator, tr transport.Transport, collector *metrics.Collector, logger *zap.Logger) *WorkerRunner {
	r := &WorkerRunner{
		id:        id,
		modelName: modelName,
		agg:       agg,
		tr:        tr,
		collector: collector,
		logger: logger.With(
			zap.String("component", "worker_runner"),
			zap.String("worker_id", id),
			zap.String("model", modelName),
		),
		tracer: otel.Tracer("serveflow/wlm"),
	}
	r.state.Store(int32(WorkerStarting))
	return r
}

// ID returns the worker identity.
func (r *WorkerRunner) ID() string { return r.id }

// State returns the current worker state.
func (r *WorkerRunner) State() WorkerState {
	return WorkerState(r.state.Load())
}

func (r *WorkerRunner) setState(s WorkerState) {
	old := WorkerState(r.state.Swap(int32(s)))
	if old != s {
		r.logger.Info("worker state changed",
			zap.Stringer("from", old),
			zap.Stringer("to", s),
		)
	}
}

// Run loops batch cycles until the context is cancelled, the worker stops
// after an unload, or a failure ends the worker. In-flight work is resolved
// before returning: data jobs go back to the queue front, control jobs fail.
func (r *WorkerRunner) Run(ctx context.Context) error {
	defer r.tr.Close()

	for {
		if err := r.cycle(ctx); err != nil {
			if ctx.Err() != nil {
				r.drain("worker shutting down")
				r.setState(WorkerStopped)
				return ctx.Err()
			}
			return err
		}
		if r.State() == WorkerStopped {
			return nil
		}
	}
}

// cycle executes one batch cycle.
func (r *WorkerRunner) cycle(ctx context.Context) error {
	ctx, span := r.tracer.Start(ctx, "worker.cycle", trace.WithAttributes(
		attribute.String("model", r.modelName),
		attribute.String("worker_id", r.id),
	))
	defer span.End()

	env, err := r.agg.GetNextBatch(ctx, r.id, r.State())
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// Queue-discipline violation; the aggregator has already aborted the
		// pulled jobs.
		r.fail(err)
		return err
	}
	if env == nil {
		return nil
	}

	if data, ok := env.(*messages.DataEnvelope); ok {
		r.collector.RecordBatch(r.modelName, len(data.Requests))
		for _, j := range r.agg.Batch() {
			r.collector.RecordQueueWait(r.modelName, time.Since(j.Begin()))
		}
	}
	if ctl, ok := env.(*messages.ControlEnvelope); ok && ctl.Directive == job.CmdUnload {
		r.setState(WorkerUnloading)
	}

	if err := r.tr.Send(ctx, env); err != nil {
		r.agg.FailSend(ctx, env, err.Error(), http.StatusServiceUnavailable)
		r.collector.RecordCycle(r.modelName, "send_error")
		r.fail(err)
		return err
	}

	// A streaming batch stays open across several responses; keep receiving
	// until the aggregator clears it.
	for {
		resp, err := r.tr.Receive(ctx)
		if err != nil {
			// Worker died before producing a usable response: nothing
			// attributable, so retryable jobs go back to the queue.
			requeued := r.agg.InFlight()
			r.agg.FailSend(ctx, nil, "worker died before responding: "+err.Error(), http.StatusServiceUnavailable)
			r.collector.RecordRequeue(r.modelName, requeued)
			r.collector.RecordCycle(r.modelName, "worker_died")
			r.fail(err)
			return err
		}

		ctl, isDirective := env.(*messages.ControlEnvelope)
		if isDirective && resp.OK() {
			// The state change must land before Consume resolves the
			// acknowledgment, so a caller waiting on the ack never observes
			// the worker in its old state.
			switch ctl.Directive {
			case job.CmdLoad:
				r.setState(WorkerModelLoaded)
			case job.CmdUnload:
				r.setState(WorkerStopped)
			}
		}

		if err := r.agg.Consume(resp); err != nil {
			r.collector.RecordCycle(r.modelName, "consistency_error")
			r.fail(err)
			return err
		}

		if isDirective && !resp.OK() {
			r.fail(ErrDirectiveFailed)
			r.logger.Error("worker rejected directive",
				zap.String("directive", string(ctl.Directive)),
				zap.Int("code", resp.Code),
				zap.String("message", resp.Message),
			)
			return ErrDirectiveFailed
		}

		if !resp.OK() {
			r.collector.RecordCycle(r.modelName, "batch_failed")
			return nil
		}
		if r.agg.InFlight() == 0 {
			r.collector.RecordCycle(r.modelName, "ok")
			return nil
		}
	}
}

// drain resolves in-flight work on shutdown: control jobs fail, data jobs
// are requeued for another worker. RequeueFront takes a fresh context since
// the runner's own context is already cancelled here.
func (r *WorkerRunner) drain(reason string) {
	if r.agg.InFlight() == 0 {
		return
	}
	requeued := r.agg.InFlight()
	r.agg.FailSend(context.Background(), nil, reason, http.StatusServiceUnavailable)
	r.collector.RecordRequeue(r.modelName, requeued)
}

func (r *WorkerRunner) fail(err error) {
	r.setState(WorkerFailed)
	r.collector.RecordWorkerFailure(r.modelName)
	r.logger.Error("worker failed", zap.Error(err))
}
