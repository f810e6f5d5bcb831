// Package handlers implements the HTTP surface of the serving runtime:
// inference, model management, and health endpoints.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/serveflow/types"
)

// Response is the unified API response envelope.
type Response struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     *ErrorInfo  `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	RequestID string      `json:"request_id,omitempty"`
}

// ErrorInfo carries a client-visible error.
type ErrorInfo struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

// WriteJSON writes a JSON response.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// WriteSuccess writes a success envelope.
func WriteSuccess(w http.ResponseWriter, data interface{}) {
	WriteJSON(w, http.StatusOK, Response{
		Success:   true,
		Data:      data,
		Timestamp: time.Now(),
	})
}

// WriteError writes an error envelope from any error, unwrapping structured
// types.Error values for code and status.
func WriteError(w http.ResponseWriter, err error, logger *zap.Logger) {
	var terr *types.Error
	if !errors.As(err, &terr) {
		terr = types.NewError(types.ErrInternalError, err.Error()).WithHTTPStatus(http.StatusInternalServerError)
	}

	status := terr.HTTPStatus
	if status == 0 {
		status = mapErrorCodeToHTTPStatus(terr.Code)
	}

	if logger != nil {
		logger.Error("API error",
			zap.String("code", string(terr.Code)),
			zap.String("message", terr.Message),
			zap.Int("status", status),
			zap.Bool("retryable", terr.Retryable),
			zap.Error(terr.Cause),
		)
	}

	WriteJSON(w, status, Response{
		Success: false,
		Error: &ErrorInfo{
			Code:      string(terr.Code),
			Message:   terr.Message,
			Retryable: terr.Retryable,
		},
		Timestamp: time.Now(),
	})
}

// WriteErrorMessage writes a simple error message.
func WriteErrorMessage(w http.ResponseWriter, status int, code types.ErrorCode, message string, logger *zap.Logger) {
	WriteError(w, types.NewError(code, message).WithHTTPStatus(status), logger)
}

// DecodeJSONBody decodes a JSON request body, writing the error response on
// failure.
func DecodeJSONBody(w http.ResponseWriter, r *http.Request, dst interface{}, logger *zap.Logger) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "malformed JSON body: "+err.Error(), logger)
		return err
	}
	return nil
}

func mapErrorCodeToHTTPStatus(code types.ErrorCode) int {
	switch code {
	case types.ErrInvalidRequest:
		return http.StatusBadRequest
	case types.ErrUnauthorized:
		return http.StatusUnauthorized
	case types.ErrModelNotFound:
		return http.StatusNotFound
	case types.ErrRateLimited:
		return http.StatusTooManyRequests
	case types.ErrQueueFull, types.ErrModelNotReady, types.ErrServiceUnavailable, types.ErrWorkerDied:
		return http.StatusServiceUnavailable
	case types.ErrRequestTimeout:
		return http.StatusGatewayTimeout
	case types.ErrBatchAborted, types.ErrLoadFailed, types.ErrInternalError:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
