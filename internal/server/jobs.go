package server

import (
	"net/http"

	"github.com/joseph-ayodele/resume-pipeline/internal/common"
)

type claimRequest struct {
	TempKey string `json:"tempKey"`
}

type retryRequest struct {
	JobID string `json:"jobId"`
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.admission.Claim(r.Context(), common.OwnerIDFromContext(r.Context()), req.TempKey)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	var req retryRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.admission.Retry(r.Context(), common.OwnerIDFromContext(r.Context()), req.JobID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	jobID := r.URL.Query().Get("job_id")
	view, err := s.admission.Status(r.Context(), common.OwnerIDFromContext(r.Context()), jobID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}
