// Package errors writes JSON error responses and logs the underlying cause
// with the chi request id.
package errors

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
)

type errorBody struct {
	Error string `json:"error"`
}

// JSON writes v as the response body with the given status.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Write sends {"error": message}.
func Write(w http.ResponseWriter, status int, message string) {
	JSON(w, status, errorBody{Error: message})
}

// InternalError logs err and answers 500 with a generic message.
func InternalError(w http.ResponseWriter, r *http.Request, err error, message string) {
	LogError(r, message, err)
	Write(w, http.StatusInternalServerError, "internal server error")
}

// BadRequestError logs err at warn level and answers 400 with clientMessage.
func BadRequestError(w http.ResponseWriter, r *http.Request, err error, clientMessage string) {
	logger(r).Warn("bad request", "err", err)
	Write(w, http.StatusBadRequest, clientMessage)
}

func LogError(r *http.Request, message string, err error) {
	logger(r).Error(message, "err", err)
}

func LogInfo(r *http.Request, message string, args ...any) {
	logger(r).Info(message, args...)
}

func logger(r *http.Request) *slog.Logger {
	l := slog.Default().With("path", r.URL.Path)
	if id := middleware.GetReqID(r.Context()); id != "" {
		l = l.With("request_id", id)
	}
	return l
}
