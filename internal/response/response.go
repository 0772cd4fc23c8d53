package response

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"vidflow/internal/apperror"
)

type ResponseWriter interface {
	Write(w http.ResponseWriter)
	WriteError(w http.ResponseWriter, status int)
}

type PlainResponse struct {
	Message string
}

func (r *PlainResponse) Write(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte(r.Message))
}

func (r *PlainResponse) WriteError(w http.ResponseWriter, status int) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(status)
	w.Write([]byte(r.Message))
}

func Plain(message string) ResponseWriter {
	return &PlainResponse{Message: message}
}

// Data writes v as the JSON body with the given status.
func Data(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ErrorResponse is the body of every failed API call.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Hint    string `json:"hint,omitempty"`
}

func WriteError(w http.ResponseWriter, status int, code, message, hint string) {
	Data(w, status, ErrorResponse{Code: code, Message: message, Hint: hint})
}

// Error maps err through the apperror taxonomy. Unclassified errors are logged
// and reported as a generic internal error.
func Error(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	kind := apperror.KindOf(err)
	status := apperror.HTTPStatus(kind)

	if status >= http.StatusInternalServerError || kind == apperror.KindTransientInfra {
		attrs := []any{"method", r.Method, "path", r.URL.Path, "error", err}
		if kind == apperror.KindInconsistency {
			attrs = append(attrs, "critical", true)
		}
		logger.Error("request failed", attrs...)
	}

	var hint string
	var appErr *apperror.Error
	if errors.As(err, &appErr) && kind == apperror.KindInconsistency {
		hint = "The upload is stored; contact support instead of retrying"
	}
	WriteError(w, status, kind.String(), apperror.MessageOf(err), hint)
}
