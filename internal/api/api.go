// Copyright 2025 James Ross

// Package api is the public Submission API (C6) and Progress Stream (C8):
// POST/GET/DELETE/LIST `/api/v1/jobs`, `/stream/jobs/{id}`, plus health and
// metrics mounting. The router/middleware shape (gorilla/mux, a JSON error
// envelope funneled through one writeError helper, a request-ID middleware,
// zap access logging) is adapted from the teacher's deleted admin-api
// server, generalized from an ops API secured by JWT to a tenant-facing
// API secured by bearer API keys.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/flyingrobots/comfyqueue/internal/backendclient"
	"github.com/flyingrobots/comfyqueue/internal/config"
	"github.com/flyingrobots/comfyqueue/internal/jobrepo"
	"github.com/flyingrobots/comfyqueue/internal/kv"
	"github.com/flyingrobots/comfyqueue/internal/quota"
	"github.com/gorilla/mux"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Server mounts the full public HTTP router.
type Server struct {
	cfg     config.Config
	repo    *jobrepo.Repo
	store   kv.Store
	limiter quota.RateLimiter
	quotas  *quota.Checker
	backend *backendclient.Client
	auth    *Authenticator
	log     *zap.Logger
	router  *mux.Router
}

// New builds a Server wired to the given dependencies and registers every
// route from spec §6.1.
func New(cfg config.Config, repo *jobrepo.Repo, store kv.Store, limiter quota.RateLimiter, quotas *quota.Checker, backend *backendclient.Client, auth *Authenticator, log *zap.Logger) *Server {
	s := &Server{cfg: cfg, repo: repo, store: store, limiter: limiter, quotas: quotas, backend: backend, auth: auth, log: log}
	s.router = s.newRouter()
	return s
}

func (s *Server) newRouter() *mux.Router {
	r := mux.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)

	r.HandleFunc("/api/v1/jobs", s.authMiddleware(s.handleSubmit)).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/jobs", s.authMiddleware(s.handleList)).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/jobs/{id}", s.authMiddleware(s.handleGet)).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/jobs/{id}", s.authMiddleware(s.handleCancel)).Methods(http.MethodDelete)
	r.HandleFunc("/stream/jobs/{id}", s.authMiddleware(s.handleStream)).Methods(http.MethodGet)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	r.HandleFunc("/readyz", s.handleReady).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	return r
}

// Router returns the mux.Router, for embedding in an *http.Server.
func (s *Server) Router() *mux.Router { return s.router }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := map[string]string{}
	if _, err := s.store.Exists(ctx, "healthcheck:probe"); err != nil {
		checks["kv"] = "unavailable"
	} else {
		checks["kv"] = "ok"
	}
	if s.backend.Health(ctx) {
		checks["backend"] = "ok"
	} else {
		checks["backend"] = "unavailable"
	}

	status := http.StatusOK
	for _, v := range checks {
		if v != "ok" {
			status = http.StatusServiceUnavailable
			break
		}
	}
	writeJSON(w, status, map[string]interface{}{"status": checks})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 250*time.Millisecond)
	defer cancel()
	if _, err := s.store.Exists(ctx, "healthcheck:probe"); err != nil {
		writeError(w, r, http.StatusServiceUnavailable, "NOT_READY", "kv store unavailable", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
