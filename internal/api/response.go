// Copyright 2025 James Ross
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/flyingrobots/comfyqueue/internal/apperr"
)

// errorEnvelope is the normative error shape of spec §6.3.
type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	RequestID string                 `json:"request_id"`
	Timestamp string                 `json:"timestamp"`
}

// writeJSON writes body as JSON with the given status and no error
// envelope; besides 2xx bodies, handleHealth uses it for its 503
// dependency report. Error responses go through writeError so
// X-Request-ID and the error envelope stay in sync. tools/requestidlint
// flags http.Error and literal WriteHeader(>=400) calls in this package
// outside writeError/writeJSON; it does not check which status a caller
// passes to writeJSON.
func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError renders the spec §6.3 error envelope with the request's
// X-Request-ID.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string, details map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(requestIDHeader, requestIDFrom(r.Context()))
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorEnvelope{Error: errorBody{
		Code:      code,
		Message:   message,
		Details:   details,
		RequestID: requestIDFrom(r.Context()),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}})
}

// writeAppError maps an apperr.Error (or any error) to the envelope,
// attaching Retry-After for RateLimited per spec §4.5.
func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	status := kind.HTTPStatus()
	message := err.Error()

	var details map[string]interface{}
	if appErr, ok := err.(*apperr.Error); ok {
		details = appErr.Details
		message = appErr.Message
	}

	if kind == apperr.KindRateLimited {
		if retry, ok := details[apperr.RetryAfterDetail]; ok {
			if seconds, ok := retry.(int); ok {
				w.Header().Set("Retry-After", strconv.Itoa(seconds))
			}
		}
	}

	writeError(w, r, status, string(kind), message, details)
}
