// Package server exposes the job pipeline over HTTP: claim, retry and status
// for owners, the per-job event channel, anonymous uploads and exports.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"

	"github.com/joseph-ayodele/resume-pipeline/internal/admission"
	"github.com/joseph-ayodele/resume-pipeline/internal/common"
	"github.com/joseph-ayodele/resume-pipeline/internal/export"
	"github.com/joseph-ayodele/resume-pipeline/internal/ingest"
	"github.com/joseph-ayodele/resume-pipeline/internal/notify"
	repo "github.com/joseph-ayodele/resume-pipeline/internal/repository"
)

type Config struct {
	AllowedOrigins []string
	// NotifyToken must accompany POST /jobs/{id}/notify. The route is not
	// served when it is empty.
	NotifyToken    string
	MaxUploadBytes int64
	PingTimeout    time.Duration
}

type Server struct {
	cfg       Config
	admission *admission.Service
	ingestor  ingest.Ingestor
	exporter  *export.Service
	hub       *notify.Hub
	db        *repo.DB
	upgrader  websocket.Upgrader
	logger    *slog.Logger
}

func NewServer(cfg Config, adm *admission.Service, ing ingest.Ingestor, exp *export.Service, hub *notify.Hub, db *repo.DB, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = time.Minute
	}
	s := &Server{cfg: cfg, admission: adm, ingestor: ing, exporter: exp, hub: hub, db: db, logger: logger}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Handler returns the routed API wrapped in CORS and request middleware.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.requestContext)

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/uploads", s.handleUpload).Methods(http.MethodPost)
	if s.cfg.NotifyToken != "" {
		r.HandleFunc("/jobs/{id}/notify", s.handleNotify).Methods(http.MethodPost)
	}

	authed := r.NewRoute().Subrouter()
	authed.Use(s.requireOwner)
	authed.HandleFunc("/claim", s.handleClaim).Methods(http.MethodPost)
	authed.HandleFunc("/retry", s.handleRetry).Methods(http.MethodPost)
	authed.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	authed.HandleFunc("/jobs/export", s.handleExport).Methods(http.MethodGet)
	authed.HandleFunc("/jobs/{id}/events", s.handleEvents).Methods(http.MethodGet)

	c := cors.New(cors.Options{
		AllowedOrigins: s.cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", HeaderUserID},
	})
	return c.Handler(r)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || slices.Contains(s.cfg.AllowedOrigins, "*") {
		return true
	}
	return slices.Contains(s.cfg.AllowedOrigins, origin)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.db != nil {
		if err := s.db.HealthCheck(r.Context(), 2*time.Second, s.logger); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string `json:"error"`
}

// writeError maps err to its HTTP status. Internal causes are logged and
// never sent to the client.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := common.HTTPStatus(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			"request_id", common.RequestIDFromContext(r.Context()),
			"path", r.URL.Path, "err", err)
	}
	writeJSON(w, code, errorBody{Error: common.PublicMessage(err)})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	if err := dec.Decode(v); err != nil {
		return common.InvalidArgument("malformed JSON body")
	}
	return nil
}
