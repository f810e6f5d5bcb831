// Package api assembles the HTTP surface of the serving runtime.
package api

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/BaSui01/serveflow/api/handlers"
	"github.com/BaSui01/serveflow/internal/metrics"
)

// Deps carries what the router needs.
type Deps struct {
	Inference      handlers.Inference
	Management     handlers.Management
	Collector      *metrics.Collector
	Logger         *zap.Logger
	Auth           *handlers.AuthMiddleware
	RequestTimeout time.Duration
	HealthChecks   []handlers.HealthCheck
}

// NewRouter builds the route table. Health and metrics stay outside auth.
func NewRouter(deps Deps) http.Handler {
	predict := handlers.NewPredictHandler(deps.Inference, deps.Collector, deps.RequestTimeout, deps.Logger)
	models := handlers.NewModelsHandler(deps.Management, deps.Logger)
	health := handlers.NewHealthHandler(deps.Logger)
	for _, check := range deps.HealthChecks {
		health.AddCheck(check)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/models/{model}/predict", predict.HandlePredict)
	mux.HandleFunc("POST /v1/models/{model}/stream-predict", predict.HandleStreamPredict)
	mux.HandleFunc("POST /v1/models", models.HandleRegister)
	mux.HandleFunc("DELETE /v1/models/{model}", models.HandleUnregister)
	mux.HandleFunc("PUT /v1/models/{model}/workers", models.HandleScale)
	mux.HandleFunc("GET /v1/models", models.HandleList)

	var protected http.Handler = mux
	if deps.Auth != nil {
		protected = deps.Auth.Wrap(mux)
	}

	root := http.NewServeMux()
	root.Handle("/v1/", protected)
	root.HandleFunc("GET /healthz", health.HandleHealth)
	root.Handle("GET /metrics", promhttp.Handler())
	return root
}
