package transport

import (
	"context"
	"sync"

	"github.com/BaSui01/serveflow/messages"
)

// Loopback is an in-process transport pair used by tests and by worker stubs
// running inside the frontend process. The runner side sends envelopes and
// receives responses; the worker side does the opposite.
type Loopback struct {
	envelopes chan messages.RequestEnvelope
	responses chan *messages.WorkerResponse
	closeOnce sync.Once
	done      chan struct{}
}

// NewLoopback creates a loopback transport with the given channel buffer.
func NewLoopback(buffer int) *Loopback {
	return &Loopback{
		envelopes: make(chan messages.RequestEnvelope, buffer),
		responses: make(chan *messages.WorkerResponse, buffer),
		done:      make(chan struct{}),
	}
}

// Send implements Transport.
func (t *Loopback) Send(ctx context.Context, env messages.RequestEnvelope) error {
	select {
	case t.envelopes <- env:
		return nil
	case <-t.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive implements Transport.
func (t *Loopback) Receive(ctx context.Context) (*messages.WorkerResponse, error) {
	select {
	case resp := <-t.responses:
		return resp, nil
	case <-t.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close implements Transport.
func (t *Loopback) Close() error {
	t.closeOnce.Do(func() { close(t.done) })
	return nil
}

// WorkerRecv returns the worker-side envelope channel.
func (t *Loopback) WorkerRecv() <-chan messages.RequestEnvelope { return t.envelopes }

// WorkerSend pushes a response from the worker side.
func (t *Loopback) WorkerSend(resp *messages.WorkerResponse) {
	select {
	case t.responses <- resp:
	case <-t.done:
	}
}

// Done exposes the closed signal to worker stubs.
func (t *Loopback) Done() <-chan struct{} { return t.done }
