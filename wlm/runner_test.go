package wlm

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/serveflow/internal/metrics"
	"github.com/BaSui01/serveflow/job"
	"github.com/BaSui01/serveflow/messages"
	"github.com/BaSui01/serveflow/queue"
	"github.com/BaSui01/serveflow/testutil"
	"github.com/BaSui01/serveflow/transport"
)

func newTestCollector() *metrics.Collector {
	return metrics.NewCollectorWith("serveflow_test", zap.NewNop(), prometheus.NewRegistry())
}

type runnerHarness struct {
	queue  *queue.Memory
	lb     *transport.Loopback
	runner *WorkerRunner
	done   chan error
}

func startRunner(t *testing.T, ctx context.Context) *runnerHarness {
	t.Helper()
	logger := zap.NewNop()
	q := queue.NewMemory(queue.Config{MaxBatchSize: 4, MaxBatchDelay: 10 * time.Millisecond}, logger)
	lb := transport.NewLoopback(8)
	agg := NewAggregator("resnet", q, logger)
	runner := NewWorkerRunner("w0", "resnet", agg, lb, newTestCollector(), logger)

	h := &runnerHarness{queue: q, lb: lb, runner: runner, done: make(chan error, 1)}
	go func() { h.done <- runner.Run(ctx) }()
	return h
}

// echoWorker acknowledges directives and echoes data requests until the
// transport closes.
func echoWorker(lb *transport.Loopback) {
	for {
		select {
		case env := <-lb.WorkerRecv():
			switch e := env.(type) {
			case *messages.ControlEnvelope:
				lb.WorkerSend(&messages.WorkerResponse{Code: http.StatusOK, Message: string(e.Directive) + " ok"})
			case *messages.DataEnvelope:
				preds := make([]*messages.Prediction, len(e.Requests))
				for i, r := range e.Requests {
					preds[i] = &messages.Prediction{
						RequestID:   r.RequestID,
						StatusCode:  http.StatusOK,
						ContentType: "application/octet-stream",
						Body:        r.Body,
					}
				}
				lb.WorkerSend(&messages.WorkerResponse{Code: http.StatusOK, Predictions: preds})
			}
		case <-lb.Done():
			return
		}
	}
}

func enqueueLoad(t *testing.T, ctx context.Context, q *queue.Memory) *job.ChannelSink {
	t.Helper()
	sink := job.NewChannelSink(1)
	require.NoError(t, q.AddForWorker(ctx, "w0", job.New("resnet", job.CmdLoad, nil, sink)))
	return sink
}

func TestWorkerRunner_LoadThenServe(t *testing.T) {
	ctx, cancel := context.WithCancel(testutil.TestContext(t))
	h := startRunner(t, ctx)
	go echoWorker(h.lb)

	loadSink := enqueueLoad(t, ctx, h.queue)
	ack, ok := testutil.WaitForChannel(loadSink.Results(), 5*time.Second)
	require.True(t, ok, "load directive should be acknowledged")
	assert.False(t, ack.Failed)

	testutil.AssertEventuallyTrue(t, func() bool {
		return h.runner.State() == WorkerModelLoaded
	}, 5*time.Second, "runner should reach model_loaded")

	s1 := job.NewChannelSink(1)
	s2 := job.NewChannelSink(1)
	require.NoError(t, h.queue.Add(ctx, job.New("resnet", job.CmdPredict, &job.Payload{Body: []byte("a")}, s1)))
	require.NoError(t, h.queue.Add(ctx, job.New("resnet", job.CmdPredict, &job.Payload{Body: []byte("b")}, s2)))

	r1, ok := testutil.WaitForChannel(s1.Results(), 5*time.Second)
	require.True(t, ok)
	r2, ok := testutil.WaitForChannel(s2.Results(), 5*time.Second)
	require.True(t, ok)
	assert.Equal(t, "a", string(r1.Body))
	assert.Equal(t, "b", string(r2.Body))
	assert.False(t, r1.Failed)

	cancel()
	err, ok := testutil.WaitForChannel(h.done, 5*time.Second)
	require.True(t, ok, "runner should exit on cancellation")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWorkerRunner_WorkerDeathRequeuesJobs(t *testing.T) {
	ctx := testutil.TestContext(t)
	h := startRunner(t, ctx)

	// Worker acknowledges the load, then dies on the first data batch.
	go func() {
		for {
			select {
			case env := <-h.lb.WorkerRecv():
				if _, ok := env.(*messages.ControlEnvelope); ok {
					h.lb.WorkerSend(&messages.WorkerResponse{Code: http.StatusOK})
					continue
				}
				h.lb.Close()
				return
			case <-h.lb.Done():
				return
			}
		}
	}()

	loadSink := enqueueLoad(t, ctx, h.queue)
	_, ok := testutil.WaitForChannel(loadSink.Results(), 5*time.Second)
	require.True(t, ok)

	sink := job.NewChannelSink(1)
	require.NoError(t, h.queue.Add(ctx, job.New("resnet", job.CmdPredict, &job.Payload{Body: []byte("x")}, sink)))

	err, ok := testutil.WaitForChannel(h.done, 5*time.Second)
	require.True(t, ok, "runner should exit after worker death")
	require.Error(t, err)
	assert.Equal(t, WorkerFailed, h.runner.State())

	// The data job went back to the queue front instead of failing.
	testutil.AssertEventuallyTrue(t, func() bool {
		return h.queue.Depth() == 1
	}, 5*time.Second, "data job should be requeued")
	select {
	case <-sink.Results():
		t.Fatal("retryable job must not receive a result from the dead worker")
	default:
	}
}

func TestWorkerRunner_BatchFailureFailsJobsAndContinues(t *testing.T) {
	ctx, cancel := context.WithCancel(testutil.TestContext(t))
	defer cancel()
	h := startRunner(t, ctx)

	go func() {
		for {
			select {
			case env := <-h.lb.WorkerRecv():
				if _, ok := env.(*messages.ControlEnvelope); ok {
					h.lb.WorkerSend(&messages.WorkerResponse{Code: http.StatusOK})
					continue
				}
				h.lb.WorkerSend(&messages.WorkerResponse{Code: http.StatusInsufficientStorage, Message: "OOM"})
			case <-h.lb.Done():
				return
			}
		}
	}()

	loadSink := enqueueLoad(t, ctx, h.queue)
	_, ok := testutil.WaitForChannel(loadSink.Results(), 5*time.Second)
	require.True(t, ok)

	sink := job.NewChannelSink(1)
	require.NoError(t, h.queue.Add(ctx, job.New("resnet", job.CmdPredict, nil, sink)))

	res, ok := testutil.WaitForChannel(sink.Results(), 5*time.Second)
	require.True(t, ok)
	assert.True(t, res.Failed)
	assert.Equal(t, http.StatusInsufficientStorage, res.StatusCode)
	assert.Equal(t, "OOM", res.Message)

	// A failed batch does not kill the worker.
	assert.Equal(t, WorkerModelLoaded, h.runner.State())
}

func TestWorkerRunner_UnloadStopsWorker(t *testing.T) {
	ctx := testutil.TestContext(t)
	h := startRunner(t, ctx)

	stateAtUnload := make(chan WorkerState, 1)
	go func() {
		for {
			select {
			case env := <-h.lb.WorkerRecv():
				if ctl, ok := env.(*messages.ControlEnvelope); ok {
					if ctl.Directive == job.CmdUnload {
						stateAtUnload <- h.runner.State()
					}
					h.lb.WorkerSend(&messages.WorkerResponse{Code: http.StatusOK})
				}
			case <-h.lb.Done():
				return
			}
		}
	}()

	loadSink := enqueueLoad(t, ctx, h.queue)
	_, ok := testutil.WaitForChannel(loadSink.Results(), 5*time.Second)
	require.True(t, ok)

	unloadSink := job.NewChannelSink(1)
	require.NoError(t, h.queue.AddForWorker(ctx, "w0", job.New("resnet", job.CmdUnload, nil, unloadSink)))

	// The runner reports unloading while the directive is with the worker.
	st, ok := testutil.WaitForChannel(stateAtUnload, 5*time.Second)
	require.True(t, ok)
	assert.Equal(t, WorkerUnloading, st)

	ack, ok := testutil.WaitForChannel(unloadSink.Results(), 5*time.Second)
	require.True(t, ok)
	assert.False(t, ack.Failed)

	err, ok := testutil.WaitForChannel(h.done, 5*time.Second)
	require.True(t, ok, "runner should exit after the unload ack")
	assert.NoError(t, err)
	assert.Equal(t, WorkerStopped, h.runner.State())
}

func TestWorkerRunner_StreamingChunks(t *testing.T) {
	ctx, cancel := context.WithCancel(testutil.TestContext(t))
	defer cancel()
	h := startRunner(t, ctx)

	go func() {
		for {
			select {
			case env := <-h.lb.WorkerRecv():
				switch e := env.(type) {
				case *messages.ControlEnvelope:
					h.lb.WorkerSend(&messages.WorkerResponse{Code: http.StatusOK})
				case *messages.DataEnvelope:
					id := e.Requests[0].RequestID
					h.lb.WorkerSend(&messages.WorkerResponse{Code: http.StatusOK, Predictions: []*messages.Prediction{{
						RequestID:  id,
						StatusCode: http.StatusOK,
						Headers:    map[string]string{messages.StreamNextHeader: "true"},
						Body:       []byte("chunk1"),
					}}})
					h.lb.WorkerSend(&messages.WorkerResponse{Code: http.StatusOK, Predictions: []*messages.Prediction{{
						RequestID:  id,
						StatusCode: http.StatusOK,
						Headers:    map[string]string{messages.StreamNextHeader: "false"},
						Body:       []byte("chunk2"),
					}}})
				}
			case <-h.lb.Done():
				return
			}
		}
	}()

	loadSink := enqueueLoad(t, ctx, h.queue)
	_, ok := testutil.WaitForChannel(loadSink.Results(), 5*time.Second)
	require.True(t, ok)

	sink := job.NewChannelSink(4)
	require.NoError(t, h.queue.Add(ctx, job.New("resnet", job.CmdStreamPredict, nil, sink)))

	c1, ok := testutil.WaitForChannel(sink.Results(), 5*time.Second)
	require.True(t, ok)
	assert.Equal(t, "chunk1", string(c1.Body))
	assert.Equal(t, "true", c1.Headers[messages.StreamNextHeader])

	c2, ok := testutil.WaitForChannel(sink.Results(), 5*time.Second)
	require.True(t, ok)
	assert.Equal(t, "chunk2", string(c2.Body))
}
