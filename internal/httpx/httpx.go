// Package httpx holds the JSON response helpers shared by handlers and middleware.
package httpx

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
)

var (
	ErrInvalidJSON        = &HTTPError{Code: "invalid_json", Message: "Invalid JSON body", Status: http.StatusBadRequest}
	ErrBadRequest         = &HTTPError{Code: "bad_request", Message: "Bad request", Status: http.StatusBadRequest}
	ErrUnauthorized       = &HTTPError{Code: "unauthorized", Message: "Not authenticated", Status: http.StatusUnauthorized}
	ErrInvalidSession     = &HTTPError{Code: "invalid_session", Message: "Invalid or expired session", Status: http.StatusUnauthorized}
	ErrCSRF               = &HTTPError{Code: "csrf_failed", Message: "CSRF validation failed", Status: http.StatusForbidden}
	ErrNotFound           = &HTTPError{Code: "not_found", Message: "Not found", Status: http.StatusNotFound}
	ErrTooManyRequests    = &HTTPError{Code: "rate_limited", Message: "Too many requests", Status: http.StatusTooManyRequests}
	ErrInternal           = &HTTPError{Code: "internal_error", Message: "Internal server error", Status: http.StatusInternalServerError}
	ErrBadGateway         = &HTTPError{Code: "bad_gateway", Message: "Upstream unavailable", Status: http.StatusBadGateway}
	ErrServiceUnavailable = &HTTPError{Code: "service_unavailable", Message: "Authentication service unavailable", Status: http.StatusServiceUnavailable}
)

type HTTPError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
	Status  int    `json:"-"`
}

func (e *HTTPError) Error() string {
	if e.Detail != "" {
		return e.Message + ": " + e.Detail
	}
	return e.Message
}

func (e *HTTPError) WithDetail(detail string) *HTTPError {
	return &HTTPError{
		Code:    e.Code,
		Message: e.Message,
		Detail:  detail,
		Status:  e.Status,
	}
}

// WriteError writes err as JSON. Errors that are not an *HTTPError become a 500.
func WriteError(w http.ResponseWriter, err error) {
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		httpErr = ErrInternal
	}
	WriteJSON(w, httpErr.Status, httpErr)
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// NoStore marks a response as uncacheable.
func NoStore(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
}

// ReadJSON decodes a JSON body of at most 1MB into v. Unknown fields are allowed.
func ReadJSON(r *http.Request, v any) error {
	ct := strings.ToLower(r.Header.Get("Content-Type"))
	if ct != "" && !strings.Contains(ct, "application/json") {
		return ErrInvalidJSON.WithDetail("Content-Type must be application/json")
	}

	body := http.MaxBytesReader(nil, r.Body, 1<<20)
	defer body.Close()

	if err := json.NewDecoder(body).Decode(v); err != nil && err != io.EOF {
		return ErrInvalidJSON
	}
	return nil
}
