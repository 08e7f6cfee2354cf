// Package ops serves the operational HTTP endpoints, /healthz and
// /metrics, while a long upload or download runs.
package ops

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/framevault/framevault/internal/logging"
	"github.com/framevault/framevault/internal/metadata"
	"github.com/framevault/framevault/internal/storage"
)

// healthTimeout bounds the dependency probes behind /healthz.
const healthTimeout = 5 * time.Second

// Server is the operational listener. Either dependency may be nil when
// the running command does not hold one; its probe is then skipped.
type Server struct {
	addr       string
	boundAddr  string
	log        *slog.Logger
	store      metadata.Store
	backend    storage.Backend
	httpServer *http.Server
}

// New creates a Server for the given listen address. An empty address
// produces a Server whose Start is a no-op, so callers need not branch
// on whether the listener is configured.
func New(addr string, store metadata.Store, backend storage.Backend) *Server {
	return &Server{
		addr:    addr,
		log:     logging.Component("ops"),
		store:   store,
		backend: backend,
	}
}

// Health is the /healthz response body.
type Health struct {
	Status   string `json:"status"`
	Metadata string `json:"metadata,omitempty"`
	Storage  string `json:"storage,omitempty"`
}

// Start binds the listen address and serves in the background. Bind
// errors are returned synchronously; serve errors are logged.
func (s *Server) Start() error {
	if s.addr == "" {
		return nil
	}

	router := chi.NewMux()
	router.Get("/healthz", s.handleHealth)
	router.Handle("/metrics", promhttp.Handler())

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.httpServer = &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.boundAddr = ln.Addr().String()
	s.log.Info("ops listener started", "addr", s.boundAddr)
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("ops listener failed", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address, empty until Start succeeds. Useful
// when the configured address has port 0.
func (s *Server) Addr() string {
	return s.boundAddr
}

// Shutdown stops the listener, waiting for in-flight requests within
// the context deadline. Safe to call on a Server that never started.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	h := Health{Status: "ok"}
	if s.store != nil {
		h.Metadata = "ok"
		if err := s.store.Ping(ctx); err != nil {
			h.Status = "unavailable"
			h.Metadata = err.Error()
		}
	}
	if s.backend != nil {
		h.Storage = "ok"
		if err := s.backend.HealthCheck(ctx); err != nil {
			h.Status = "unavailable"
			h.Storage = err.Error()
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if h.Status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(h)
}
