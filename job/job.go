// Package job defines the unit of client work flowing through the serving
// runtime: one request awaiting a result, carrying its own delivery sink.
package job

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Command identifies what a worker should do with a job.
type Command string

const (
	CmdPredict       Command = "predict"
	CmdStreamPredict Command = "streampredict"
	CmdLoad          Command = "load"
	CmdUnload        Command = "unload"
)

// IsControl reports whether the command is a worker directive rather than a
// data request.
func (c Command) IsControl() bool {
	return c == CmdLoad || c == CmdUnload
}

// Payload is the opaque request input forwarded to a worker unchanged.
type Payload struct {
	RequestID  string            `json:"request_id"`
	Headers    map[string]string `json:"headers,omitempty"`
	Parameters map[string]string `json:"parameters,omitempty"`
	Body       []byte            `json:"body,omitempty"`
}

// Parameter returns a named parameter, with ok reporting presence.
func (p *Payload) Parameter(name string) (string, bool) {
	if p == nil || p.Parameters == nil {
		return "", false
	}
	v, ok := p.Parameters[name]
	return v, ok
}

// Sink receives the outcome of a job. Exactly one of Deliver or Fail is
// invoked per logical completion; a streaming job may see several Deliver
// calls before the final one.
type Sink interface {
	Deliver(body []byte, contentType string, statusCode int, reason string, headers map[string]string)
	Fail(statusCode int, message string)
}

// Job is one client request awaiting a result. It is created by the API
// layer, owned by the job queue, and borrowed by an aggregator while it sits
// in an in-flight batch.
type Job struct {
	id        string
	modelName string
	cmd       Command
	payload   *Payload
	sink      Sink
	begin     time.Time
	scheduled atomic.Bool
}

// New creates a job. A nil payload gets an empty one; a payload without a
// request id inherits the job id.
func New(modelName string, cmd Command, payload *Payload, sink Sink) *Job {
	id := uuid.NewString()
	if payload == nil {
		payload = &Payload{}
	}
	if payload.RequestID == "" {
		payload.RequestID = id
	} else {
		id = payload.RequestID
	}
	return &Job{
		id:        id,
		modelName: modelName,
		cmd:       cmd,
		payload:   payload,
		sink:      sink,
		begin:     time.Now(),
	}
}

// ID returns the unique request id.
func (j *Job) ID() string { return j.id }

// ModelName returns the model this job targets.
func (j *Job) ModelName() string { return j.modelName }

// Cmd returns the job command.
func (j *Job) Cmd() Command { return j.cmd }

// IsControl reports whether the job is a control directive.
func (j *Job) IsControl() bool { return j.cmd.IsControl() }

// Payload returns the opaque request input.
func (j *Job) Payload() *Payload { return j.payload }

// MarkScheduled records that a batch has claimed the job.
func (j *Job) MarkScheduled() { j.scheduled.Store(true) }

// Scheduled reports whether a batch has claimed the job.
func (j *Job) Scheduled() bool { return j.scheduled.Load() }

// Begin returns the job creation time, used for queue-wait metrics.
func (j *Job) Begin() time.Time { return j.begin }

// Deliver forwards a result to the job's sink.
func (j *Job) Deliver(body []byte, contentType string, statusCode int, reason string, headers map[string]string) {
	if j.sink != nil {
		j.sink.Deliver(body, contentType, statusCode, reason, headers)
	}
}

// Fail forwards a failure to the job's sink.
func (j *Job) Fail(statusCode int, message string) {
	if j.sink != nil {
		j.sink.Fail(statusCode, message)
	}
}
