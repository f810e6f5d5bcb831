// Package messages defines the wire types exchanged with model workers:
// request envelopes going out and worker responses coming back.
package messages

import (
	"net/http"
	"strings"

	"github.com/BaSui01/serveflow/job"
)

// StreamNextHeader flags a streaming prediction with more chunks to follow.
// A worker sets it to "true" on every chunk except the last.
const StreamNextHeader = "x-stream-next"

// DeviceUnspecified is the device id used when a load directive carries no
// explicit device parameter.
const DeviceUnspecified = -1

// EnvelopeKind tags the two request envelope variants.
type EnvelopeKind string

const (
	KindControl EnvelopeKind = "control"
	KindData    EnvelopeKind = "data"
)

// RequestEnvelope is a tagged union over control and data requests. A control
// envelope is never combined with data jobs in the same batch cycle.
type RequestEnvelope interface {
	Kind() EnvelopeKind
	Model() string
}

// ControlEnvelope carries a single worker directive, such as loading a model
// onto a device.
type ControlEnvelope struct {
	TargetModel string      `json:"model"`
	Directive   job.Command `json:"directive"`
	DeviceID    int         `json:"device_id"`
	RequestID   string      `json:"request_id"`
}

// Kind implements RequestEnvelope.
func (e *ControlEnvelope) Kind() EnvelopeKind { return KindControl }

// Model implements RequestEnvelope.
func (e *ControlEnvelope) Model() string { return e.TargetModel }

// DataEnvelope carries one batch of request payloads in pull order. Command
// is CmdStreamPredict when any payload in the batch is a streaming request.
type DataEnvelope struct {
	ModelName string         `json:"model"`
	Command   job.Command    `json:"command"`
	Requests  []*job.Payload `json:"requests"`
}

// Kind implements RequestEnvelope.
func (e *DataEnvelope) Kind() EnvelopeKind { return KindData }

// Model implements RequestEnvelope.
func (e *DataEnvelope) Model() string { return e.ModelName }

// Prediction is one per-request result inside a successful worker response.
type Prediction struct {
	RequestID    string            `json:"request_id"`
	StatusCode   int               `json:"status_code"`
	ReasonPhrase string            `json:"reason_phrase,omitempty"`
	ContentType  string            `json:"content_type,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	Body         []byte            `json:"body,omitempty"`
}

// StreamContinues reports whether a result's headers carry the continuation
// flag. Matching is case-insensitive: worker runtimes have been seen sending
// "True".
func StreamContinues(headers map[string]string) bool {
	return strings.EqualFold(headers[StreamNextHeader], "true")
}

// StreamNext reports whether the prediction signals a streaming continuation.
func (p *Prediction) StreamNext() bool {
	return StreamContinues(p.Headers)
}

// WorkerResponse is what a worker returns for one batch cycle: a success
// envelope with one prediction per request id, or a failure with a status
// code and message applying to the whole batch.
type WorkerResponse struct {
	Code        int           `json:"code"`
	Message     string        `json:"message,omitempty"`
	Predictions []*Prediction `json:"predictions,omitempty"`
}

// OK reports whether the response is a success envelope.
func (r *WorkerResponse) OK() bool { return r.Code == http.StatusOK }
