package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pitabwire/tabula/model"
)

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	WriteJSON(w, http.StatusOK, map[string]string{"hello": "world"})

	if w.Code != 200 {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	var body map[string]string
	_ = json.NewDecoder(w.Body).Decode(&body)
	if body["hello"] != "world" {
		t.Errorf("body = %v", body)
	}
}

func TestWriteError_status(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{model.NewBadRequestError("bad"), http.StatusBadRequest},
		{model.NewUnauthorizedError("who"), http.StatusUnauthorized},
		{model.NewForbiddenError("no"), http.StatusForbidden},
		{model.NewNotFoundError("gone"), http.StatusNotFound},
		{model.NewConflictError("again"), http.StatusConflict},
		{model.NewValidationError(nil), http.StatusUnprocessableEntity},
		{model.NewRateLimitedError(), http.StatusTooManyRequests},
		{model.NewInternalError(), http.StatusInternalServerError},
		{model.NewConfigurationError("bulk action %q", "purge"), http.StatusInternalServerError},
		{model.NewStoreUnavailableError(), http.StatusServiceUnavailable},
		{fmt.Errorf("wrapped: %w", model.NewForbiddenError("no")), http.StatusForbidden},
		{errors.New("boom"), http.StatusInternalServerError},
		{&model.ErrorEnvelope{Code: "TEAPOT"}, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteError(w, tt.err)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestWriteError_envelope(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, model.NewValidationError([]model.FieldError{
		{Field: "records", Code: "INVALID_VALUE", Message: "too many"},
	}))

	var resp struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	_ = json.NewDecoder(w.Body).Decode(&resp)
	if resp.Error.Code != model.ErrValidationError || len(resp.Error.Details) != 1 {
		t.Errorf("error = %+v", resp.Error)
	}
}

func TestWriteError_hidesConfigurationDetail(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, model.NewConfigurationError("table %q: source %q is not configured", "users", "pg-main"))

	var resp struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	_ = json.NewDecoder(w.Body).Decode(&resp)
	if resp.Error.Code != model.ErrConfiguration {
		t.Errorf("code = %q", resp.Error.Code)
	}
	if resp.Error.Message != "The server is misconfigured." {
		t.Errorf("message = %q leaks detail", resp.Error.Message)
	}
}

func TestWantsJSON(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		want    bool
	}{
		{name: "form post", want: false},
		{name: "accept json", headers: map[string]string{"Accept": "application/json, text/plain"}, want: true},
		{name: "xhr", headers: map[string]string{"X-Requested-With": "XMLHttpRequest"}, want: true},
		{name: "html", headers: map[string]string{"Accept": "text/html"}, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/", nil)
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			if got := WantsJSON(r); got != tt.want {
				t.Errorf("WantsJSON() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRedirectTarget(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/", nil)
	if got := RedirectTarget(r, ""); got != "/" {
		t.Errorf("no referer = %q, want /", got)
	}
	r.Header.Set("Referer", "/users?page=2")
	if got := RedirectTarget(r, ""); got != "/users?page=2" {
		t.Errorf("referer = %q", got)
	}
	if got := RedirectTarget(r, "/done"); got != "/done" {
		t.Errorf("redirect = %q, want /done", got)
	}
}
