// Package api implements the HTTP surface: RFC 7807 Problem Detail error
// responses, CORS, and the handler table for every core operation.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs). Every
// error response written by this package's handlers uses this format; the
// 404 and 405 replies that http.ServeMux writes itself for an unmatched path
// or method are plain text.
type ProblemDetail struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

func writeError(w http.ResponseWriter, status int, title, detail string) {
	problem := &ProblemDetail{
		Type:   fmt.Sprintf("https://capnet.schemas.local/errors/%d", status),
		Title:  title,
		Status: status,
		Detail: detail,
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}

func writeBadRequest(w http.ResponseWriter, detail string) {
	writeError(w, http.StatusBadRequest, "Bad Request", detail)
}

func writeUnprocessable(w http.ResponseWriter, detail string) {
	writeError(w, http.StatusUnprocessableEntity, "Unprocessable Entity", detail)
}

func writeNotFound(w http.ResponseWriter, detail string) {
	writeError(w, http.StatusNotFound, "Not Found", detail)
}

func writeConflict(w http.ResponseWriter, detail string) {
	writeError(w, http.StatusConflict, "Conflict", detail)
}

// writeInternal writes a 500 response. err is logged server-side but never
// exposed to the caller; core faults carry an opaque detail.
func writeInternal(w http.ResponseWriter, err error) {
	slog.Error("internal server error", "error", err)
	writeError(w, http.StatusInternalServerError, "Internal Server Error", "an unexpected error occurred")
}
