package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"wastenav/internal/assign"
	"wastenav/internal/lifecycle"
	"wastenav/internal/store"
)

// Problem represents an RFC7807 problem details response body.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeProblem(w http.ResponseWriter, status int, title, detail, instance string) {
	writeJSON(w, status, Problem{
		Type:     "about:blank",
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: instance,
	})
}

// writeDomainError maps store and domain errors onto problem responses.
// Unknown errors become a 500 with the given title.
func writeDomainError(w http.ResponseWriter, err error, title, instance string) {
	var ite *lifecycle.InvalidTransitionError
	var ce *assign.ConstraintError
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeProblem(w, http.StatusNotFound, "Not Found", err.Error(), instance)
	case errors.Is(err, store.ErrConflict):
		writeProblem(w, http.StatusConflict, "Conflict", "resource was modified concurrently, retry", instance)
	case errors.As(err, &ite):
		writeProblem(w, http.StatusConflict, "Invalid transition", ite.Error(), instance)
	case errors.Is(err, errRouteTransition):
		writeProblem(w, http.StatusConflict, "Invalid transition", err.Error(), instance)
	case errors.As(err, &ce):
		writeProblem(w, http.StatusUnprocessableEntity, "Assignment rejected", ce.Error(), instance)
	default:
		writeProblem(w, http.StatusInternalServerError, title, err.Error(), instance)
	}
}
