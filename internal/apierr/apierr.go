// Package apierr maps the core's closed error taxonomy (waf.ErrKind) to HTTP
// status codes and a machine-readable JSON body, the single convention every
// config API handler writes failures through.
package apierr

import (
	"encoding/json"
	"net/http"

	"github.com/divortio/wafu/internal/waf"
)

// body is the machine-readable error shape returned to API callers.
type body struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

var statusByKind = map[waf.ErrKind]int{
	waf.ErrInvalidInput:  http.StatusBadRequest,
	waf.ErrNotFound:      http.StatusNotFound,
	waf.ErrConflict:      http.StatusConflict,
	waf.ErrUnauthorized:  http.StatusUnauthorized,
	waf.ErrForbidden:     http.StatusForbidden,
	waf.ErrUpstreamError: http.StatusInternalServerError,
	waf.ErrTimeout:       http.StatusInternalServerError,
	waf.ErrInternal:      http.StatusInternalServerError,
}

// StatusFor returns the HTTP status code for err's taxonomy kind, defaulting
// to 500 for an unwrapped or unrecognized error.
func StatusFor(err error) int {
	kind := waf.KindOf(err)
	if status, ok := statusByKind[kind]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// Write maps err to its HTTP status and writes the JSON error body.
func Write(w http.ResponseWriter, err error) {
	kind := waf.KindOf(err)
	status := StatusFor(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body{Error: string(kind), Message: err.Error()})
}

// Forbidden writes a 403 for a viewer attempting a write, per §6's role
// enforcement ("Writes require role administrator").
func Forbidden(w http.ResponseWriter, message string) {
	Write(w, waf.NewError(waf.ErrForbidden, message, nil))
}

// Unauthorized writes a 401 for a request missing a resolved actor/role.
func Unauthorized(w http.ResponseWriter, message string) {
	Write(w, waf.NewError(waf.ErrUnauthorized, message, nil))
}
