package server

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/joseph-ayodele/resume-pipeline/internal/common"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.writeError(w, r, common.InvalidArgument("limit must be a non-negative integer"))
			return
		}
		limit = n
	}

	data, err := s.exporter.ExportJobsXLSX(r.Context(), common.OwnerIDFromContext(r.Context()), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	name := fmt.Sprintf("jobs-%s.xlsx", time.Now().UTC().Format("20060102"))
	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
