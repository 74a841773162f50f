package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/dontdude/goxtex/internal/domain"
	"github.com/dontdude/goxtex/internal/logfields"
)

const (
	ownerHeader = "X-Goxtex-Owner"
	jobIDHeader = "X-Goxtex-Job-Id"
)

// writeJSON writes v as a JSON response with the given status.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// writeServiceError maps gateway and queue errors onto HTTP responses. Only
// validation messages reach the client; everything else is logged.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	case errors.Is(err, domain.ErrSourceTooLarge):
		s.writeError(w, http.StatusRequestEntityTooLarge, validationMessage(err))
		return
	case errors.Is(err, domain.ErrUnsupportedInput):
		s.writeError(w, http.StatusUnsupportedMediaType, validationMessage(err))
		return
	}

	switch domain.KindOf(err) {
	case domain.KindValidation:
		s.writeError(w, http.StatusBadRequest, validationMessage(err))
	case domain.KindQueue:
		s.logger.Error("queue unavailable", "path", r.URL.Path, logfields.Error(err))
		s.writeError(w, http.StatusServiceUnavailable, "job queue unavailable")
	default:
		s.logger.Error("internal error", "path", r.URL.Path, logfields.Error(err))
		s.writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func validationMessage(err error) string {
	var de *domain.Error
	if errors.As(err, &de) {
		return de.Message
	}
	return "invalid request"
}

// failureResponse is the body for a failed or cancelled compilation.
type failureResponse struct {
	Error       string              `json:"error"`
	JobID       string              `json:"job_id"`
	Kind        domain.ErrorKind    `json:"kind"`
	Log         string              `json:"log,omitempty"`
	Diagnostics []domain.Diagnostic `json:"diagnostics"`
}

// writeResult writes a terminal result: the PDF on success, diagnostics otherwise.
func (s *Server) writeResult(w http.ResponseWriter, res *domain.CompileResult) {
	if res.Succeeded() {
		s.writeArtifact(w, res)
		return
	}

	body := failureResponse{
		JobID:       res.JobID,
		Kind:        res.Kind,
		Diagnostics: res.Diagnostics,
	}
	if body.Diagnostics == nil {
		body.Diagnostics = []domain.Diagnostic{}
	}

	switch {
	case res.Outcome == domain.OutcomeCancelled:
		body.Error = "job cancelled"
		s.writeJSON(w, http.StatusConflict, body)
	case res.Kind.DocumentFault() || res.Kind == domain.KindRetryExhausted:
		body.Error = "compilation failed"
		body.Log = res.Log
		s.writeJSON(w, http.StatusUnprocessableEntity, body)
	default:
		body.Error = "internal server error"
		s.writeJSON(w, http.StatusInternalServerError, body)
	}
}

func (s *Server) writeArtifact(w http.ResponseWriter, res *domain.CompileResult) {
	contentType := res.ContentType
	if contentType == "" {
		contentType = "application/pdf"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(res.Artifact)))
	w.Header().Set("Content-Disposition", `inline; filename="main.pdf"`)
	w.Header().Set(jobIDHeader, res.JobID)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(res.Artifact); err != nil {
		s.logger.Warn("write artifact", logfields.JobID(res.JobID), logfields.Error(err))
	}
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
