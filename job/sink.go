package job

import "sync/atomic"

// Result is one delivered outcome (or failure) of a job, as seen by the
// waiting API layer.
type Result struct {
	Body        []byte
	ContentType string
	StatusCode  int
	Reason      string
	Headers     map[string]string
	Failed      bool
	Message     string
}

// ChannelSink delivers results onto a buffered channel. The buffer should be
// sized for the expected number of streaming chunks; a full buffer drops the
// chunk rather than blocking the worker-driving goroutine.
type ChannelSink struct {
	ch      chan Result
	dropped atomic.Int64
}

// NewChannelSink creates a sink with the given buffer size.
func NewChannelSink(buffer int) *ChannelSink {
	if buffer < 1 {
		buffer = 1
	}
	return &ChannelSink{ch: make(chan Result, buffer)}
}

// Results returns the channel the sink delivers on.
func (s *ChannelSink) Results() <-chan Result { return s.ch }

// Dropped reports how many results were discarded because the buffer was
// full. Readers use it to notice that a stream they consumed is incomplete.
func (s *ChannelSink) Dropped() int { return int(s.dropped.Load()) }

// Deliver implements Sink.
func (s *ChannelSink) Deliver(body []byte, contentType string, statusCode int, reason string, headers map[string]string) {
	select {
	case s.ch <- Result{
		Body:        body,
		ContentType: contentType,
		StatusCode:  statusCode,
		Reason:      reason,
		Headers:     headers,
	}:
	default:
		s.dropped.Add(1)
	}
}

// Fail implements Sink.
func (s *ChannelSink) Fail(statusCode int, message string) {
	select {
	case s.ch <- Result{StatusCode: statusCode, Failed: true, Message: message}:
	default:
		s.dropped.Add(1)
	}
}
