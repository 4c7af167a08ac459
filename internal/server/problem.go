package server

import (
	"encoding/json"
	"net/http"
)

// Problem types for RFC 7807 Problem Details responses.
const (
	ProblemTypeNotFound     = "https://fleetd.dev/problems/not-found"
	ProblemTypeBadRequest   = "https://fleetd.dev/problems/bad-request"
	ProblemTypeInternal     = "https://fleetd.dev/problems/internal-error"
	ProblemTypeUnauthorized = "https://fleetd.dev/problems/unauthorized"
	ProblemTypeConflict     = "https://fleetd.dev/problems/conflict"
)

// Problem represents an RFC 7807 Problem Details response.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

// WriteProblem writes an RFC 7807 Problem Details JSON response.
func WriteProblem(w http.ResponseWriter, p Problem) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// NotFound writes a 404 problem response.
func NotFound(w http.ResponseWriter, detail, instance string) {
	WriteProblem(w, Problem{
		Type:     ProblemTypeNotFound,
		Title:    "Not Found",
		Status:   http.StatusNotFound,
		Detail:   detail,
		Instance: instance,
	})
}

// BadRequest writes a 400 problem response.
func BadRequest(w http.ResponseWriter, detail, instance string) {
	WriteProblem(w, Problem{
		Type:     ProblemTypeBadRequest,
		Title:    "Bad Request",
		Status:   http.StatusBadRequest,
		Detail:   detail,
		Instance: instance,
	})
}

// Conflict writes a 409 problem response.
func Conflict(w http.ResponseWriter, detail, instance string) {
	WriteProblem(w, Problem{
		Type:     ProblemTypeConflict,
		Title:    "Conflict",
		Status:   http.StatusConflict,
		Detail:   detail,
		Instance: instance,
	})
}

// Unauthorized writes a 401 problem response.
func Unauthorized(w http.ResponseWriter, detail, instance string) {
	WriteProblem(w, Problem{
		Type:     ProblemTypeUnauthorized,
		Title:    "Unauthorized",
		Status:   http.StatusUnauthorized,
		Detail:   detail,
		Instance: instance,
	})
}

// InternalError writes a 500 problem response.
func InternalError(w http.ResponseWriter, detail, instance string) {
	WriteProblem(w, Problem{
		Type:     ProblemTypeInternal,
		Title:    "Internal Server Error",
		Status:   http.StatusInternalServerError,
		Detail:   detail,
		Instance: instance,
	})
}
