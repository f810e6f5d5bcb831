package handlers

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/serveflow/queue"
	"github.com/BaSui01/serveflow/types"
	"github.com/BaSui01/serveflow/wlm"
)

// Management abstracts the model registry for the management handlers.
type Management interface {
	RegisterModel(ctx context.Context, spec wlm.ModelSpec) error
	UnregisterModel(ctx context.Context, name string) error
	ScaleWorkers(ctx context.Context, name string, target int) error
	Models() []string
	WorkerStates(name string) map[string]wlm.WorkerState
	QueueDepth(name string) int
}

// RegisterModelRequest is the body of POST /v1/models.
type RegisterModelRequest struct {
	Name          string  `json:"name"`
	Device        string  `json:"device,omitempty"`
	MinWorkers    int     `json:"min_workers,omitempty"`
	BatchSize     int     `json:"batch_size,omitempty"`
	MaxBatchDelay string  `json:"max_batch_delay,omitempty"`
	QueueCapacity int     `json:"queue_capacity,omitempty"`
	RateLimit     float64 `json:"rate_limit,omitempty"`
}

// ScaleWorkersRequest is the body of PUT /v1/models/{model}/workers.
type ScaleWorkersRequest struct {
	Count int `json:"count"`
}

// ModelStatus describes one registered model.
type ModelStatus struct {
	Name       string            `json:"name"`
	QueueDepth int               `json:"queue_depth"`
	Workers    map[string]string `json:"workers"`
}

// ModelsHandler serves the model management endpoints.
type ModelsHandler struct {
	mgmt   Management
	logger *zap.Logger
}

// NewModelsHandler creates a management handler.
func NewModelsHandler(mgmt Management, logger *zap.Logger) *ModelsHandler {
	return &ModelsHandler{
		mgmt:   mgmt,
		logger: logger.With(zap.String("component", "models_handler")),
	}
}

// HandleRegister serves POST /v1/models.
func (h *ModelsHandler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterModelRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if req.Name == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "model name is required", h.logger)
		return
	}

	var delay time.Duration
	if req.MaxBatchDelay != "" {
		var err error
		delay, err = time.ParseDuration(req.MaxBatchDelay)
		if err != nil {
			WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "invalid max_batch_delay: "+err.Error(), h.logger)
			return
		}
	}

	spec := wlm.ModelSpec{
		Name:       req.Name,
		Device:     req.Device,
		MinWorkers: req.MinWorkers,
		Queue: queue.Config{
			Capacity:      req.QueueCapacity,
			MaxBatchSize:  req.BatchSize,
			MaxBatchDelay: delay,
		},
		RateLimit: req.RateLimit,
	}

	if err := h.mgmt.RegisterModel(r.Context(), spec); err != nil {
		WriteError(w, err, h.logger)
		return
	}
	h.logger.Info("model registered via API", zap.String("model", req.Name))
	WriteSuccess(w, map[string]string{"model": req.Name, "status": "registered"})
}

// HandleUnregister serves DELETE /v1/models/{model}.
func (h *ModelsHandler) HandleUnregister(w http.ResponseWriter, r *http.Request) {
	model := r.PathValue("model")
	if model == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "missing model name", h.logger)
		return
	}
	if err := h.mgmt.UnregisterModel(r.Context(), model); err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, map[string]string{"model": model, "status": "unregistered"})
}

// HandleScale serves PUT /v1/models/{model}/workers.
func (h *ModelsHandler) HandleScale(w http.ResponseWriter, r *http.Request) {
	model := r.PathValue("model")
	if model == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "missing model name", h.logger)
		return
	}
	var req ScaleWorkersRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if err := h.mgmt.ScaleWorkers(r.Context(), model, req.Count); err != nil {
		WriteError(w, err, h.logger)
		return
	}
	h.logger.Info("model scaled via API", zap.String("model", model), zap.Int("workers", req.Count))
	WriteSuccess(w, map[string]any{"model": model, "workers": req.Count})
}

// HandleList serves GET /v1/models.
func (h *ModelsHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	names := h.mgmt.Models()
	statuses := make([]ModelStatus, 0, len(names))
	for _, name := range names {
		workers := make(map[string]string)
		for id, state := range h.mgmt.WorkerStates(name) {
			workers[id] = state.String()
		}
		statuses = append(statuses, ModelStatus{
			Name:       name,
			QueueDepth: h.mgmt.QueueDepth(name),
			Workers:    workers,
		})
	}
	WriteSuccess(w, statuses)
}
