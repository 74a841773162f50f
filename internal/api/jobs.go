package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dontdude/goxtex/internal/domain"
	"github.com/dontdude/goxtex/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// jobView is the public representation of a job and, once terminal, its outcome.
type jobView struct {
	JobID       string              `json:"job_id"`
	Status      domain.Status       `json:"status"`
	Attempt     int                 `json:"attempt"`
	SubmittedAt *time.Time          `json:"submitted_at,omitempty"`
	DownloadURL string              `json:"download_url,omitempty"`
	Kind        domain.ErrorKind    `json:"kind,omitempty"`
	Error       string              `json:"error,omitempty"`
	Diagnostics []domain.Diagnostic `json:"diagnostics,omitempty"`
}

func newJobView(job *domain.CompileJob, res *domain.CompileResult) jobView {
	v := jobView{JobID: job.ID, Status: job.Status, Attempt: job.Attempt}
	if !job.SubmittedAt.IsZero() {
		at := job.SubmittedAt
		v.SubmittedAt = &at
	}
	if res != nil {
		applyResult(&v, res)
	}
	return v
}

func applyResult(v *jobView, res *domain.CompileResult) {
	v.Status = res.Outcome.Status()
	v.Attempt = res.Attempt
	if res.Succeeded() {
		v.DownloadURL = "/jobs/" + res.JobID + "/artifact"
		return
	}
	v.Kind = res.Kind
	v.Diagnostics = res.Diagnostics
	switch {
	case res.Outcome == domain.OutcomeCancelled:
		v.Error = "job cancelled"
	case res.Kind.DocumentFault() || res.Kind == domain.KindRetryExhausted:
		v.Error = "compilation failed"
	default:
		v.Error = "internal server error"
	}
}

// listJobsResponse wraps the paginated archive listing.
type listJobsResponse struct {
	Jobs   []*store.Record `json:"jobs"`
	Total  int             `json:"total"`
	Limit  int             `json:"limit"`
	Offset int             `json:"offset"`
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	job, err := s.gw.Status(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	var res *domain.CompileResult
	if job.Status.Terminal() {
		res, err = s.gw.Result(r.Context(), id)
		if err != nil && !errors.Is(err, domain.ErrPending) {
			s.writeServiceError(w, r, err)
			return
		}
	}

	s.writeJSON(w, http.StatusOK, newJobView(job, res))
}

func (s *Server) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	res, err := s.gw.Result(r.Context(), id)
	switch {
	case errors.Is(err, domain.ErrPending):
		s.writeError(w, http.StatusConflict, "result not ready")
		return
	case err != nil:
		s.writeServiceError(w, r, err)
		return
	case !res.Succeeded():
		s.writeError(w, http.StatusConflict, "job did not produce an artifact")
		return
	}

	s.writeArtifact(w, res)
}

// cancelResponse reports the job status after a cancel request.
type cancelResponse struct {
	JobID  string        `json:"job_id"`
	Status domain.Status `json:"status"`
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	st, err := s.gw.Cancel(r.Context(), id)
	if errors.Is(err, domain.ErrAlreadyTerminal) {
		s.writeJSON(w, http.StatusConflict, map[string]string{
			"error":  "job already finished",
			"status": string(st),
		})
		return
	}
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, cancelResponse{JobID: id, Status: st})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		s.writeError(w, http.StatusServiceUnavailable, "result archive disabled")
		return
	}

	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	records, total, err := s.archive.ListResults(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list results", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}

	s.writeJSON(w, http.StatusOK, listJobsResponse{
		Jobs:   records,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}
