// Package api exposes the callback, upload, editor and download endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ONLYOFFICE/DocSpace-server-sub010/internal/apperr"
	"github.com/ONLYOFFICE/DocSpace-server-sub010/internal/callback"
	"github.com/ONLYOFFICE/DocSpace-server-sub010/internal/editing"
	"github.com/ONLYOFFICE/DocSpace-server-sub010/internal/editor"
	"github.com/ONLYOFFICE/DocSpace-server-sub010/internal/files"
	"github.com/ONLYOFFICE/DocSpace-server-sub010/internal/signing"
	"github.com/ONLYOFFICE/DocSpace-server-sub010/internal/upload"
)

// VersionProber reports the document service version.
type VersionProber interface {
	Version(ctx context.Context) (string, error)
}

// Deps are the services behind the endpoints.
type Deps struct {
	Callbacks *callback.StateMachine
	Uploads   *upload.Coordinator
	Editing   *editing.Service
	Files     *files.Service
	URLs      *signing.Signer
	// Tokens verifies callback tokens; JWTHeader names the header they may
	// arrive in.
	Tokens    *editor.TokenSigner
	JWTHeader string
	// Editor is probed by /healthz; nil skips the probe.
	Editor VersionProber
	// AuthSecret verifies principal bearer tokens. Empty disables
	// verification and trusts the principal header.
	AuthSecret []byte
	// MaxChunk bounds the body of one upload request.
	MaxChunk int64
}

// Server hosts the HTTP surface.
type Server struct {
	addr   string
	deps   Deps
	logger *slog.Logger
}

func New(addr string, deps Deps, logger *slog.Logger) *Server {
	return &Server{addr: addr, deps: deps, logger: logger.With(slog.String("component", "api"))}
}

// Router builds the route table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.accessLog, metricsMiddleware, cors)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Post("/callback", s.handleCallback)
	r.Get("/files/{id}/download", s.handleDownload)

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.HandleFunc("/upload", s.handleUpload)
		r.Post("/files/drop", s.handleDropFiles)
		r.Route("/files/{id}", func(r chi.Router) {
			r.Post("/open", s.handleOpen)
			r.Post("/rename", s.handleRename)
			r.Post("/drop", s.handleDropUsers)
		})
	})
	return r
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	s.logger.Info("api listening", slog.String("addr", s.addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]string{"status": "ok"}
	if s.deps.Editor != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if v, err := s.deps.Editor.Version(ctx); err != nil {
			body["editor"] = "unavailable"
		} else {
			body["editor"] = v
		}
	}
	respondJSON(w, http.StatusOK, body)
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	status := apperr.HTTPStatus(kind)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", slog.String("path", r.URL.Path), slog.String("error", err.Error()))
	}
	var batch *apperr.BatchError
	if errors.As(err, &batch) {
		respondJSON(w, http.StatusMultiStatus, map[string]any{"error": "PARTIAL_FAILURE", "failures": batch.Items})
		return
	}
	respondJSON(w, status, errorBody{Error: string(kind), Message: err.Error()})
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
