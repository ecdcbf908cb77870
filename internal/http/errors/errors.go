package errors

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"gitea.jw6.us/james/calsched/internal/logging"
)

var logger logging.Logger = logging.Discard()

// SetLogger replaces the logger used by the helpers in this package.
func SetLogger(l logging.Logger) {
	if l != nil {
		logger = l
	}
}

func requestArgs(r *http.Request, args ...any) []any {
	if id := middleware.GetReqID(r.Context()); id != "" {
		args = append(args, "request_id", id)
	}
	return append(args, "method", r.Method, "path", r.URL.Path)
}

// InternalError logs err and returns a generic 500 to the client.
func InternalError(w http.ResponseWriter, r *http.Request, err error, message string) {
	logger.Error(r.Context(), message, requestArgs(r, "error", err)...)
	WriteJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
}

// BadRequestError logs err at WARN and returns clientMessage with a 400.
func BadRequestError(w http.ResponseWriter, r *http.Request, err error, clientMessage string) {
	Status(w, r, http.StatusBadRequest, err, clientMessage)
}

// Status logs err at WARN and returns clientMessage with the given status.
func Status(w http.ResponseWriter, r *http.Request, status int, err error, clientMessage string) {
	logger.Warn(r.Context(), "request rejected", requestArgs(r, "status", status, "error", err)...)
	WriteJSON(w, status, map[string]string{"error": clientMessage})
}

func LogError(r *http.Request, message string, err error) {
	logger.Error(r.Context(), message, requestArgs(r, "error", err)...)
}

func LogInfo(ctx context.Context, message string, args ...any) {
	if id := middleware.GetReqID(ctx); id != "" {
		args = append(args, "request_id", id)
	}
	logger.Info(ctx, message, args...)
}

// WriteJSON writes v as the response body.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
