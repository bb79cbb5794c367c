package handler

import (
	"encoding/json"
	"net/http"

	"github.com/pesio-ai/be-ops-approvals/internal/errors"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Field     string `json:"field,omitempty"`
	Retryable bool   `json:"retryable"`
}

// statusFor maps an error code to an HTTP status.
func statusFor(code errors.ErrCode) int {
	switch code {
	case errors.ErrCodeValidation:
		return http.StatusBadRequest
	case errors.ErrCodeNoPendingApproval, errors.ErrCodeConflict:
		return http.StatusConflict
	case errors.ErrCodeDirectoryLookup:
		return http.StatusBadGateway
	case errors.ErrCodePersistence:
		return http.StatusServiceUnavailable
	case errors.ErrCodeNotFound:
		return http.StatusNotFound
	case errors.ErrCodeUnauthorized:
		return http.StatusForbidden
	}
	return http.StatusInternalServerError
}

// writeError renders err as a JSON error response. Internal errors are not
// echoed to the client.
func writeError(w http.ResponseWriter, err error) {
	code := errors.CodeOf(err)
	status := statusFor(code)

	detail := errorDetail{Code: string(code), Message: err.Error()}
	var app *errors.AppError
	if errors.As(err, &app) {
		detail.Field = app.Field
		detail.Retryable = app.Retryable()
	}
	if status == http.StatusInternalServerError {
		detail.Message = "internal server error"
	}
	if detail.Retryable {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, status, errorBody{Error: detail})
}

func writeJSONError(w http.ResponseWriter, status int, code, message string, retryable bool) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: message, Retryable: retryable}})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
