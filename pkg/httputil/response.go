// Package httputil provides HTTP handler utilities for consistent error handling,
// JSON encoding/decoding, and request parsing.
package httputil

import (
	"encoding/json"
	"net/http"

	"github.com/platinummonkey/entitlements/pkg/apperr"
)

// WriteJSON writes a JSON response with the given status code
func WriteJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(data)
}

// ErrorResponse represents a standardized error response. Error carries the
// machine readable kind.
type ErrorResponse struct {
	Error     string                 `json:"error"`
	Message   string                 `json:"message"`
	Retryable bool                   `json:"retryable,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// NewErrorResponse builds the response body for err. Unexpected failures
// only expose a generic message.
func NewErrorResponse(err error) ErrorResponse {
	return ErrorResponse{
		Error:     string(apperr.KindOf(err)),
		Message:   apperr.PublicMessage(err),
		Retryable: apperr.IsRetryable(err),
	}
}

// WriteError writes err with the status code of its kind. Retryable
// failures carry a Retry-After hint.
func WriteError(w http.ResponseWriter, err error) {
	WriteErrorResponse(w, apperr.HTTPStatus(apperr.KindOf(err)), NewErrorResponse(err))
}

// WriteErrorResponse writes a prepared error body
func WriteErrorResponse(w http.ResponseWriter, status int, body ErrorResponse) {
	if body.Retryable {
		w.Header().Set("Retry-After", "1")
	}
	WriteJSON(w, status, body)
}

// WriteErrorMessage writes a JSON error response with a custom message
func WriteErrorMessage(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, ErrorResponse{
		Error:   http.StatusText(status),
		Message: message,
	})
}

// WriteCreated writes a successful creation response (201 Created) with JSON data
func WriteCreated(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusCreated, data)
}

// WriteSuccess writes a successful response (200 OK) with JSON data
func WriteSuccess(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusOK, data)
}

// WriteNoContent writes a successful response with no content (204 No Content)
func WriteNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}
