package api

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"

	"github.com/dontdude/goxtex/internal/config"
	"github.com/dontdude/goxtex/internal/domain"
	"github.com/dontdude/goxtex/internal/gateway"
)

// multipartOverhead is allowed on top of the source limit for form framing.
const multipartOverhead = 64 << 10

// compileRequest is the JSON body for POST /compile.
type compileRequest struct {
	Source string `json:"source"`
}

// acceptedResponse is returned when a job is queued without waiting for it.
type acceptedResponse struct {
	JobID     string        `json:"job_id"`
	Status    domain.Status `json:"status"`
	StatusURL string        `json:"status_url"`
}

func (s *Server) handleCompile(w http.ResponseWriter, r *http.Request) {
	mode := s.mode
	switch m := r.URL.Query().Get("mode"); m {
	case "":
	case config.ModeSync, config.ModeAsync:
		mode = m
	default:
		s.writeError(w, http.StatusBadRequest, "mode must be sync or async")
		return
	}

	sub, status, msg := s.readSubmission(w, r)
	if status != 0 {
		s.writeError(w, status, msg)
		return
	}
	sub.Owner = r.Header.Get(ownerHeader)

	if mode == config.ModeAsync {
		h, err := s.gw.Submit(r.Context(), sub)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		s.recorder.IncSubmission(config.ModeAsync)
		s.writeAccepted(w, h)
		return
	}

	res, h, err := s.gw.Compile(r.Context(), sub)
	if h.JobID != "" {
		s.recorder.IncSubmission(config.ModeSync)
	}
	switch {
	case errors.Is(err, gateway.ErrWaitTimeout):
		s.writeAccepted(w, h)
	case err != nil:
		if r.Context().Err() != nil {
			// Client went away; the job keeps running.
			return
		}
		s.writeServiceError(w, r, err)
	default:
		s.writeResult(w, res)
	}
}

func (s *Server) writeAccepted(w http.ResponseWriter, h gateway.Handle) {
	w.Header().Set("Location", "/jobs/"+h.JobID)
	s.writeJSON(w, http.StatusAccepted, acceptedResponse{
		JobID:     h.JobID,
		Status:    h.Status,
		StatusURL: "/jobs/" + h.JobID,
	})
}

// readSubmission decodes a JSON, multipart or raw text body. A non-zero status
// means the request was rejected before validation.
func (s *Server) readSubmission(w http.ResponseWriter, r *http.Request) (gateway.Submission, int, string) {
	var sub gateway.Submission

	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return sub, http.StatusUnsupportedMediaType, "missing or invalid Content-Type"
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes+multipartOverhead)

	switch mediaType {
	case "application/json":
		var req compileRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return sub, bodyErrorStatus(err), "invalid JSON body"
		}
		sub.Source = req.Source

	case "multipart/form-data":
		if err := r.ParseMultipartForm(s.maxUploadBytes + multipartOverhead); err != nil {
			return sub, bodyErrorStatus(err), "invalid multipart body"
		}
		sub.Source = r.FormValue("source")
		file, header, err := r.FormFile("file")
		switch {
		case err == nil:
			defer file.Close()
			data, err := io.ReadAll(file)
			if err != nil {
				return sub, bodyErrorStatus(err), "failed to read uploaded file"
			}
			sub.FileName = header.Filename
			sub.File = data
		case !errors.Is(err, http.ErrMissingFile):
			return sub, http.StatusBadRequest, "invalid file field"
		}

	case "text/plain", "application/x-tex", "text/x-tex":
		data, err := io.ReadAll(r.Body)
		if err != nil {
			return sub, bodyErrorStatus(err), "failed to read body"
		}
		sub.Source = string(data)

	default:
		return sub, http.StatusUnsupportedMediaType, "unsupported Content-Type"
	}

	return sub, 0, ""
}

func bodyErrorStatus(err error) int {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusBadRequest
}
