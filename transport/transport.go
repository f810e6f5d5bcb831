// Package transport carries request envelopes to a model worker process and
// worker responses back. The wire format is the JSON frames defined in the
// messages package; the aggregator never sees transport details.
package transport

import (
	"context"
	"errors"

	"github.com/BaSui01/serveflow/messages"
)

var ErrClosed = errors.New("transport closed")

// Transport is one worker's request/response channel. A transport belongs to
// a single worker-driving goroutine; Send and Receive are never called
// concurrently with each other.
type Transport interface {
	Send(ctx context.Context, env messages.RequestEnvelope) error
	Receive(ctx context.Context) (*messages.WorkerResponse, error)
	Close() error
}

// Dialer opens a transport to a worker. The manager uses it to connect each
// runner to its worker process.
type Dialer func(ctx context.Context, modelName, workerID string) (Transport, error)
