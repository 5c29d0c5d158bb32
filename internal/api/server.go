// Package api exposes the Orchestrator and Progress Bus over HTTP: the
// three in-scope endpoints plus a health probe, routed with chi.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/ecairns22/otad/internal/errcode"
	"github.com/ecairns22/otad/internal/orchestrator"
	"github.com/ecairns22/otad/internal/progress"
)

// Server wires the HTTP surface to an Orchestrator and Progress Bus.
type Server struct {
	orc *orchestrator.Orchestrator
	bus *progress.Bus
	log *logrus.Entry
}

// New builds the chi router for the three in-scope endpoints plus
// /healthz.
func New(orc *orchestrator.Orchestrator, bus *progress.Bus, log *logrus.Entry) http.Handler {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Server{orc: orc, bus: bus, log: log.WithField("component", "api")}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Route("/api/v1.0", func(r chi.Router) {
		r.Post("/download", s.handleDownload)
		r.Post("/update", s.handleUpdate)
		r.Get("/progress", s.handleProgress)
	})

	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type downloadRequest struct {
	Version     string `json:"version"`
	PackageURL  string `json:"package_url"`
	PackageName string `json:"package_name"`
	PackageSize int64  `json:"package_size"`
	PackageMD5  string `json:"package_md5"`
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	var req downloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errcode.New(errcode.InvalidRequest, "decoding request body: %v", err))
		return
	}
	if req.PackageURL == "" || req.PackageName == "" || req.PackageMD5 == "" {
		writeError(w, http.StatusBadRequest, errcode.New(errcode.InvalidRequest, "package_url, package_name, and package_md5 are required"))
		return
	}

	pkg := orchestrator.PackageDescriptor{
		Version:   req.Version,
		URL:       req.PackageURL,
		FileName:  req.PackageName,
		SizeBytes: req.PackageSize,
		MD5Hex:    req.PackageMD5,
	}

	if err := s.orc.StartDownload(r.Context(), pkg); err != nil {
		s.writeOrchestratorError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type updateRequest struct {
	Version string `json:"version"`
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var req updateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errcode.New(errcode.InvalidRequest, "decoding request body: %v", err))
		return
	}
	if req.Version == "" {
		writeError(w, http.StatusBadRequest, errcode.New(errcode.InvalidRequest, "version is required"))
		return
	}

	if err := s.orc.StartInstall(r.Context(), req.Version); err != nil {
		s.writeOrchestratorError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type progressResponse struct {
	Stage    string       `json:"stage"`
	Progress int          `json:"progress"`
	Message  string       `json:"message"`
	Error    errcode.Code `json:"error,omitempty"`
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	snap := s.bus.Current()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(progressResponse{
		Stage:    string(snap.Stage),
		Progress: snap.Percent,
		Message:  snap.Message,
		Error:    snap.ErrorCode,
	})
}

// writeOrchestratorError maps a trigger rejection to its HTTP status:
// CONFLICT is 409, PACKAGE_EXPIRED is 410, everything else is 400.
func (s *Server) writeOrchestratorError(w http.ResponseWriter, err error) {
	code := errcode.CodeOf(err)
	status := http.StatusBadRequest
	switch code {
	case errcode.Conflict:
		status = http.StatusConflict
	case errcode.PackageExpired:
		status = http.StatusGone
	}
	writeError(w, status, err)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error":   string(errcode.CodeOf(err)),
		"message": err.Error(),
	})
}

// pollDeadline documents the response budget the progress handler must
// stay under; it never blocks on the Orchestrator so the budget is met
// by construction.
const pollDeadline = 100 * time.Millisecond
