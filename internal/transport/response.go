// Package transport contains the HTTP router, middleware chain, and the
// request handlers for table renders and action invocations.
package transport

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/pitabwire/tabula/model"
)

// statusForCode maps ErrorEnvelope codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrBadRequest:       http.StatusBadRequest,
	model.ErrUnauthorized:     http.StatusUnauthorized,
	model.ErrForbidden:        http.StatusForbidden,
	model.ErrNotFound:         http.StatusNotFound,
	model.ErrConflict:         http.StatusConflict,
	model.ErrValidationError:  http.StatusUnprocessableEntity,
	model.ErrRateLimited:      http.StatusTooManyRequests,
	model.ErrInternalError:    http.StatusInternalServerError,
	model.ErrConfiguration:    http.StatusInternalServerError,
	model.ErrStoreUnavailable: http.StatusServiceUnavailable,
}

// StatusFor returns the HTTP status for err.
func StatusFor(err error) int {
	ee, ok := model.AsEnvelope(err)
	if !ok {
		return http.StatusInternalServerError
	}
	if status := statusForCode[ee.Code]; status != 0 {
		return status
	}
	return http.StatusInternalServerError
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

type errorResponse struct {
	Error *model.ErrorEnvelope `json:"error"`
}

// WriteError writes an ErrorEnvelope as a JSON response with the matching
// HTTP status code. Non-envelope errors become a generic 500, and the
// message of a configuration error is not exposed.
func WriteError(w http.ResponseWriter, err error) {
	ee, ok := model.AsEnvelope(err)
	if !ok {
		ee = model.NewInternalError()
	}
	if ee.Code == model.ErrConfiguration {
		ee = &model.ErrorEnvelope{Code: ee.Code, Message: "The server is misconfigured.", TraceID: ee.TraceID}
	}
	WriteJSON(w, StatusFor(ee), errorResponse{Error: ee})
}

// WantsJSON reports whether the caller expects a JSON response rather than
// a redirect.
func WantsJSON(r *http.Request) bool {
	if strings.EqualFold(r.Header.Get("X-Requested-With"), "XMLHttpRequest") {
		return true
	}
	return strings.Contains(r.Header.Get("Accept"), "application/json")
}

// RedirectTarget picks where a browser is sent after an invocation: the
// body's redirect, else the Referer, else the root.
func RedirectTarget(r *http.Request, redirect string) string {
	if redirect != "" {
		return redirect
	}
	if ref := r.Header.Get("Referer"); ref != "" {
		return ref
	}
	return "/"
}
