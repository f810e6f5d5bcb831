package wlm

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/serveflow/job"
	"github.com/BaSui01/serveflow/messages"
	"github.com/BaSui01/serveflow/queue"
	"github.com/BaSui01/serveflow/testutil"
	"github.com/BaSui01/serveflow/transport"
	"github.com/BaSui01/serveflow/types"
)

func memoryQueueFactory(model string, cfg queue.Config) (queue.JobQueue, error) {
	return queue.NewMemory(cfg, zap.NewNop()), nil
}

// loopbackDialer pairs every spawned worker with an in-process stub.
func loopbackDialer(worker func(lb *transport.Loopback)) transport.Dialer {
	return func(ctx context.Context, modelName, workerID string) (transport.Transport, error) {
		lb := transport.NewLoopback(8)
		go worker(lb)
		return lb, nil
	}
}

func newTestManager(t *testing.T, dialer transport.Dialer) *Manager {
	t.Helper()
	mgr := NewManager(dialer, memoryQueueFactory, newTestCollector(), zap.NewNop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = mgr.Shutdown(ctx)
	})
	return mgr
}

func testSpec(name string) ModelSpec {
	return ModelSpec{
		Name:        name,
		Queue:       queue.Config{MaxBatchSize: 4, MaxBatchDelay: 10 * time.Millisecond},
		LoadTimeout: 5 * time.Second,
	}
}

func TestManager_RegisterAndServe(t *testing.T) {
	ctx := testutil.TestContext(t)
	mgr := newTestManager(t, loopbackDialer(echoWorker))

	require.NoError(t, mgr.RegisterModel(ctx, testSpec("resnet")))
	assert.Equal(t, []string{"resnet"}, mgr.Models())

	testutil.AssertEventuallyTrue(t, func() bool {
		for _, state := range mgr.WorkerStates("resnet") {
			if state == WorkerModelLoaded {
				return true
			}
		}
		return false
	}, 5*time.Second, "worker should finish loading")

	sink := job.NewChannelSink(1)
	require.NoError(t, mgr.Submit(ctx, job.New("resnet", job.CmdPredict, &job.Payload{Body: []byte("in")}, sink)))

	res, ok := testutil.WaitForChannel(sink.Results(), 5*time.Second)
	require.True(t, ok, "prediction should round-trip through the worker")
	assert.False(t, res.Failed)
	assert.Equal(t, "in", string(res.Body))
}

func TestManager_RegisterDuplicate(t *testing.T) {
	ctx := testutil.TestContext(t)
	mgr := newTestManager(t, loopbackDialer(echoWorker))

	require.NoError(t, mgr.RegisterModel(ctx, testSpec("resnet")))
	err := mgr.RegisterModel(ctx, testSpec("resnet"))
	require.Error(t, err)
	assert.Equal(t, types.ErrInvalidRequest, types.GetErrorCode(err))
}

func TestManager_RegisterPassesDeviceOnLoad(t *testing.T) {
	ctx := testutil.TestContext(t)
	gotDevice := make(chan int, 1)
	mgr := newTestManager(t, loopbackDialer(func(lb *transport.Loopback) {
		for {
			select {
			case env := <-lb.WorkerRecv():
				if ctl, ok := env.(*messages.ControlEnvelope); ok {
					if ctl.Directive == job.CmdLoad {
						gotDevice <- ctl.DeviceID
					}
					lb.WorkerSend(&messages.WorkerResponse{Code: http.StatusOK})
				}
			case <-lb.Done():
				return
			}
		}
	}))

	spec := testSpec("resnet")
	spec.Device = "2"
	require.NoError(t, mgr.RegisterModel(ctx, spec))

	device, ok := testutil.WaitForChannel(gotDevice, 5*time.Second)
	require.True(t, ok)
	assert.Equal(t, 2, device)
}

func TestManager_RegisterLoadFailure(t *testing.T) {
	ctx := testutil.TestContext(t)
	mgr := newTestManager(t, loopbackDialer(func(lb *transport.Loopback) {
		for {
			select {
			case <-lb.WorkerRecv():
				lb.WorkerSend(&messages.WorkerResponse{Code: http.StatusInternalServerError, Message: "weights missing"})
			case <-lb.Done():
				return
			}
		}
	}))

	err := mgr.RegisterModel(ctx, testSpec("resnet"))
	require.Error(t, err)
	assert.Equal(t, types.ErrLoadFailed, types.GetErrorCode(err))
	assert.Empty(t, mgr.Models())
}

func TestManager_SubmitUnknownModel(t *testing.T) {
	ctx := testutil.TestContext(t)
	mgr := newTestManager(t, loopbackDialer(echoWorker))

	err := mgr.Submit(ctx, job.New("ghost", job.CmdPredict, nil, job.NewChannelSink(1)))
	require.Error(t, err)
	assert.Equal(t, types.ErrModelNotFound, types.GetErrorCode(err))
}

func TestManager_SubmitRateLimited(t *testing.T) {
	ctx := testutil.TestContext(t)
	mgr := newTestManager(t, loopbackDialer(echoWorker))

	spec := testSpec("resnet")
	spec.RateLimit = 0.001
	spec.RateBurst = 1
	require.NoError(t, mgr.RegisterModel(ctx, spec))

	require.NoError(t, mgr.Submit(ctx, job.New("resnet", job.CmdPredict, nil, job.NewChannelSink(1))))
	err := mgr.Submit(ctx, job.New("resnet", job.CmdPredict, nil, job.NewChannelSink(1)))
	require.Error(t, err)
	assert.Equal(t, types.ErrRateLimited, types.GetErrorCode(err))
	assert.True(t, types.IsRetryable(err))
}

func TestManager_SubmitQueueFull(t *testing.T) {
	ctx := testutil.TestContext(t)

	// Worker acknowledges the load, then sits on data batches without
	// answering, so submitted jobs pile up in the queue.
	mgr := newTestManager(t, loopbackDialer(func(lb *transport.Loopback) {
		for {
			select {
			case env := <-lb.WorkerRecv():
				if _, ok := env.(*messages.ControlEnvelope); ok {
					lb.WorkerSend(&messages.WorkerResponse{Code: http.StatusOK})
				}
			case <-lb.Done():
				return
			}
		}
	}))

	spec := testSpec("resnet")
	spec.Queue.Capacity = 1
	require.NoError(t, mgr.RegisterModel(ctx, spec))

	// First job gets pulled into the stalled worker's batch.
	require.NoError(t, mgr.Submit(ctx, job.New("resnet", job.CmdPredict, nil, job.NewChannelSink(1))))
	testutil.AssertEventuallyTrue(t, func() bool {
		return mgr.QueueDepth("resnet") == 0
	}, 5*time.Second, "stalled worker should pull the first job")

	// Second fills the queue, third overflows it.
	require.NoError(t, mgr.Submit(ctx, job.New("resnet", job.CmdPredict, nil, job.NewChannelSink(1))))
	err := mgr.Submit(ctx, job.New("resnet", job.CmdPredict, nil, job.NewChannelSink(1)))
	require.Error(t, err)
	assert.Equal(t, types.ErrQueueFull, types.GetErrorCode(err))
	assert.True(t, types.IsRetryable(err))
}

func TestManager_Unregister(t *testing.T) {
	ctx := testutil.TestContext(t)
	mgr := newTestManager(t, loopbackDialer(echoWorker))

	require.NoError(t, mgr.RegisterModel(ctx, testSpec("resnet")))
	require.NoError(t, mgr.UnregisterModel(ctx, "resnet"))

	assert.Empty(t, mgr.Models())
	assert.Equal(t, -1, mgr.QueueDepth("resnet"))

	err := mgr.UnregisterModel(ctx, "resnet")
	require.Error(t, err)
	assert.Equal(t, types.ErrModelNotFound, types.GetErrorCode(err))
}

func TestManager_MultipleWorkers(t *testing.T) {
	ctx := testutil.TestContext(t)
	mgr := newTestManager(t, loopbackDialer(echoWorker))

	spec := testSpec("resnet")
	spec.MinWorkers = 3
	require.NoError(t, mgr.RegisterModel(ctx, spec))

	states := mgr.WorkerStates("resnet")
	assert.Len(t, states, 3)

	for i := 0; i < 9; i++ {
		sink := job.NewChannelSink(1)
		require.NoError(t, mgr.Submit(ctx, job.New("resnet", job.CmdPredict, &job.Payload{Body: []byte("x")}, sink)))
		res, ok := testutil.WaitForChannel(sink.Results(), 5*time.Second)
		require.True(t, ok)
		assert.False(t, res.Failed)
	}
}

func activeWorkers(mgr *Manager, name string) int {
	active := 0
	for _, state := range mgr.WorkerStates(name) {
		if state != WorkerStopped {
			active++
		}
	}
	return active
}

func TestManager_ScaleWorkers(t *testing.T) {
	ctx := testutil.TestContext(t)
	mgr := newTestManager(t, loopbackDialer(echoWorker))
	require.NoError(t, mgr.RegisterModel(ctx, testSpec("resnet")))

	require.NoError(t, mgr.ScaleWorkers(ctx, "resnet", 3))
	assert.Equal(t, 3, activeWorkers(mgr, "resnet"))

	require.NoError(t, mgr.ScaleWorkers(ctx, "resnet", 1))
	testutil.AssertEventuallyTrue(t, func() bool {
		return activeWorkers(mgr, "resnet") == 1
	}, 5*time.Second, "excess workers should stop after unload")

	// Scaled-down model keeps serving.
	sink := job.NewChannelSink(1)
	require.NoError(t, mgr.Submit(ctx, job.New("resnet", job.CmdPredict, &job.Payload{Body: []byte("x")}, sink)))
	res, ok := testutil.WaitForChannel(sink.Results(), 5*time.Second)
	require.True(t, ok)
	assert.False(t, res.Failed)
}

// A serving worker idling on the shared queue must never absorb a newcomer's
// load directive; each worker loads exactly once and ends up serving.
func TestManager_ScaleWorkers_EachWorkerGetsOwnLoad(t *testing.T) {
	ctx := testutil.TestContext(t)

	var mu sync.Mutex
	loads := make(map[string]int)
	dialer := func(ctx context.Context, modelName, workerID string) (transport.Transport, error) {
		lb := transport.NewLoopback(8)
		go func() {
			for {
				select {
				case env := <-lb.WorkerRecv():
					if ctl, ok := env.(*messages.ControlEnvelope); ok {
						if ctl.Directive == job.CmdLoad {
							mu.Lock()
							loads[workerID]++
							mu.Unlock()
						}
						lb.WorkerSend(&messages.WorkerResponse{Code: http.StatusOK})
					}
				case <-lb.Done():
					return
				}
			}
		}()
		return lb, nil
	}

	mgr := newTestManager(t, dialer)
	require.NoError(t, mgr.RegisterModel(ctx, testSpec("resnet")))
	require.NoError(t, mgr.ScaleWorkers(ctx, "resnet", 3))

	states := mgr.WorkerStates("resnet")
	require.Len(t, states, 3)
	for id, state := range states {
		assert.Equal(t, WorkerModelLoaded, state, "worker %s should be serving", id)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, loads, 3)
	for id, n := range loads {
		assert.Equal(t, 1, n, "worker %s should load exactly once", id)
	}
}

func TestManager_ScaleWorkers_Validation(t *testing.T) {
	ctx := testutil.TestContext(t)
	mgr := newTestManager(t, loopbackDialer(echoWorker))

	err := mgr.ScaleWorkers(ctx, "ghost", 2)
	assert.Equal(t, types.ErrModelNotFound, types.GetErrorCode(err))

	require.NoError(t, mgr.RegisterModel(ctx, testSpec("resnet")))
	err = mgr.ScaleWorkers(ctx, "resnet", 0)
	assert.Equal(t, types.ErrInvalidRequest, types.GetErrorCode(err))
}

func TestManager_Shutdown(t *testing.T) {
	ctx := testutil.TestContext(t)
	mgr := NewManager(loopbackDialer(echoWorker), memoryQueueFactory, newTestCollector(), zap.NewNop())

	require.NoError(t, mgr.RegisterModel(ctx, testSpec("resnet")))
	require.NoError(t, mgr.Shutdown(ctx))
	assert.Empty(t, mgr.Models())
}
