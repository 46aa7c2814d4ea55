package server

import (
	"errors"
	"net/http"

	"github.com/joseph-ayodele/resume-pipeline/internal/common"
)

// handleUpload accepts one multipart "file" part into the temporary
// namespace. No identity is required; the caller claims the returned key.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	// Room for multipart framing on top of the document itself.
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes+64<<10)
	if err := r.ParseMultipartForm(s.cfg.MaxUploadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, r, common.PayloadTooLarge("document too large"))
			return
		}
		s.writeError(w, r, common.InvalidArgument("expected multipart form with a file part"))
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, r, common.InvalidArgument("missing file part"))
		return
	}
	defer file.Close()

	res, err := s.ingestor.Upload(r.Context(), header.Filename, file)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}
