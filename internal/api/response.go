package api

import (
	"encoding/json"
	"errors"
	"net/http"

	apperrors "github.com/pbparthas/scriptlock/internal/errors"
	"github.com/pbparthas/scriptlock/internal/validate"
)

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error   string                `json:"error"`
	Fields  []validate.FieldError `json:"fields,omitempty"`
	Details map[string]any        `json:"details,omitempty"`
}

// SuccessResponse wraps successful replies.
type SuccessResponse struct {
	Data any `json:"data"`
}

// WriteJSON writes data with the given status.
func WriteJSON(w http.ResponseWriter, statusCode int, data any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(data)
}

// WriteSuccess writes a 200 reply.
func WriteSuccess(w http.ResponseWriter, data any) error {
	return WriteJSON(w, http.StatusOK, SuccessResponse{Data: data})
}

// WriteCreated writes a 201 reply.
func WriteCreated(w http.ResponseWriter, data any) error {
	return WriteJSON(w, http.StatusCreated, SuccessResponse{Data: data})
}

// StatusFor maps a lock manager error to an HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, apperrors.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, apperrors.ErrLockNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperrors.ErrResourceLocked):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// WriteError writes err with the status StatusFor picks. Internal errors are
// not echoed to the client.
func WriteError(w http.ResponseWriter, err error) error {
	status := StatusFor(err)
	resp := ErrorResponse{Error: err.Error()}
	if status == http.StatusInternalServerError {
		resp.Error = "Internal server error"
	}

	var fields validate.FieldErrors
	if errors.As(err, &fields) {
		resp.Error = apperrors.ErrInvalidInput.Error()
		resp.Fields = fields
	}

	return WriteJSON(w, status, resp)
}
