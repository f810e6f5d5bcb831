package handlers

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/serveflow/internal/metrics"
	"github.com/BaSui01/serveflow/job"
	"github.com/BaSui01/serveflow/messages"
	"github.com/BaSui01/serveflow/types"
)

// streamChunkBuffer bounds how many undelivered streaming chunks a slow
// client may accumulate before the sink starts dropping.
const streamChunkBuffer = 64

// Inference abstracts job admission for the predict handlers.
type Inference interface {
	Submit(ctx context.Context, j *job.Job) error
}

// PredictHandler serves inference requests.
type PredictHandler struct {
	inference Inference
	collector *metrics.Collector
	logger    *zap.Logger
	// timeout bounds the wait for a result after admission.
	timeout time.Duration
}

// NewPredictHandler creates a predict handler.
func NewPredictHandler(inference Inference, collector *metrics.Collector, timeout time.Duration, logger *zap.Logger) *PredictHandler {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &PredictHandler{
		inference: inference,
		collector: collector,
		logger:    logger.With(zap.String("component", "predict_handler")),
		timeout:   timeout,
	}
}

// HandlePredict serves POST /v1/models/{model}/predict.
func (h *PredictHandler) HandlePredict(w http.ResponseWriter, r *http.Request) {
	h.handle(w, r, job.CmdPredict)
}

// HandleStreamPredict serves POST /v1/models/{model}/stream-predict. Chunks
// are written as they arrive until the worker stops signalling continuation.
func (h *PredictHandler) HandleStreamPredict(w http.ResponseWriter, r *http.Request) {
	h.handle(w, r, job.CmdStreamPredict)
}

func (h *PredictHandler) handle(w http.ResponseWriter, r *http.Request, cmd job.Command) {
	model := r.PathValue("model")
	if model == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "missing model name", h.logger)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "read request body: "+err.Error(), h.logger)
		return
	}

	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}

	buffer := 1
	if cmd == job.CmdStreamPredict {
		buffer = streamChunkBuffer
	}
	sink := job.NewChannelSink(buffer)
	j := job.New(model, cmd, &job.Payload{
		RequestID: requestID,
		Headers:   map[string]string{"content-type": r.Header.Get("Content-Type")},
		Body:      body,
	}, sink)

	start := time.Now()
	if err := h.inference.Submit(r.Context(), j); err != nil {
		h.collector.RecordInference(model, "rejected", time.Since(start))
		WriteError(w, err, h.logger)
		return
	}

	if cmd == job.CmdStreamPredict {
		h.streamResults(w, r, model, sink, start)
		return
	}
	h.awaitResult(w, r, model, sink, start)
}

func (h *PredictHandler) awaitResult(w http.ResponseWriter, r *http.Request, model string, sink *job.ChannelSink, start time.Time) {
	select {
	case res := <-sink.Results():
		h.writeResult(w, model, res, start)
	case <-r.Context().Done():
		h.collector.RecordInference(model, "cancelled", time.Since(start))
	case <-time.After(h.timeout):
		h.collector.RecordInference(model, "timeout", time.Since(start))
		WriteErrorMessage(w, http.StatusGatewayTimeout, types.ErrRequestTimeout, "inference timed out", h.logger)
	}
}

func (h *PredictHandler) writeResult(w http.ResponseWriter, model string, res job.Result, start time.Time) {
	if res.Failed {
		h.collector.RecordInference(model, "error", time.Since(start))
		WriteErrorMessage(w, res.StatusCode, types.ErrInternalError, res.Message, h.logger)
		return
	}
	h.collector.RecordInference(model, "ok", time.Since(start))
	for k, v := range res.Headers {
		w.Header().Set(k, v)
	}
	if res.ContentType != "" {
		w.Header().Set("Content-Type", res.ContentType)
	}
	w.WriteHeader(res.StatusCode)
	_, _ = w.Write(res.Body)
}

func (h *PredictHandler) streamResults(w http.ResponseWriter, r *http.Request, model string, sink *job.ChannelSink, start time.Time) {
	flusher, _ := w.(http.Flusher)
	wroteHeader := false

	for {
		select {
		case res := <-sink.Results():
			if res.Failed {
				h.collector.RecordInference(model, "error", time.Since(start))
				if !wroteHeader {
					WriteErrorMessage(w, res.StatusCode, types.ErrInternalError, res.Message, h.logger)
				}
				return
			}
			if !wroteHeader {
				if res.ContentType != "" {
					w.Header().Set("Content-Type", res.ContentType)
				}
				w.WriteHeader(res.StatusCode)
				wroteHeader = true
			}
			_, _ = w.Write(res.Body)
			if flusher != nil {
				flusher.Flush()
			}
			if !messages.StreamContinues(res.Headers) {
				if dropped := sink.Dropped(); dropped > 0 {
					h.logger.Warn("stream chunks dropped on full buffer",
						zap.String("model", model),
						zap.Int("dropped", dropped),
					)
				}
				h.collector.RecordInference(model, "ok", time.Since(start))
				return
			}
		case <-r.Context().Done():
			h.collector.RecordInference(model, "cancelled", time.Since(start))
			return
		case <-time.After(h.timeout):
			h.collector.RecordInference(model, "timeout", time.Since(start))
			if !wroteHeader {
				WriteErrorMessage(w, http.StatusGatewayTimeout, types.ErrRequestTimeout, "stream timed out", h.logger)
			}
			return
		}
	}
}
