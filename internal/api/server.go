// Package api exposes the pipeline's control surface over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/martinsantos/licitometro-sub001/internal/catalog"
	"github.com/martinsantos/licitometro-sub001/internal/match"
	"github.com/martinsantos/licitometro-sub001/internal/metrics"
	"github.com/martinsantos/licitometro-sub001/internal/registry"
)

// Escalator jumps a record's enrichment to the front of the queue.
type Escalator interface {
	RequestEscalation(ctx context.Context, recordID string) error
}

// Config carries the server's own settings.
type Config struct {
	Port        int
	AuthEnabled bool
	APIKey      string
}

// Server wires the control-surface handlers.
type Server struct {
	cfg       Config
	catalog   catalog.Store
	sources   registry.Store
	nodes     match.NodeStore
	edges     match.EdgeStore
	matcher   *match.Engine
	escalator Escalator
	logger    *zap.Logger
	ready     func() bool
}

// NewServer builds a Server.
func NewServer(
	cfg Config,
	cat catalog.Store,
	sources registry.Store,
	nodes match.NodeStore,
	edges match.EdgeStore,
	matcher *match.Engine,
	escalator Escalator,
	ready func() bool,
	logger *zap.Logger,
) *Server {
	if ready == nil {
		ready = func() bool { return true }
	}
	return &Server{
		cfg:       cfg,
		catalog:   cat,
		sources:   sources,
		nodes:     nodes,
		edges:     edges,
		matcher:   matcher,
		escalator: escalator,
		ready:     ready,
		logger:    logger,
	}
}

// Router assembles the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if s.cfg.AuthEnabled {
			r.Use(s.requireAPIKey)
		}

		r.Get("/records/{id}", s.handleGetRecord)
		r.Post("/records/{id}/escalate", s.handleEscalate)
		r.Get("/unresolved", s.handleListUnresolved)

		r.Get("/nodes", s.handleListNodes)
		r.Post("/nodes", s.handleCreateNode)
		r.Get("/nodes/{id}", s.handleGetNode)
		r.Put("/nodes/{id}", s.handleUpdateNode)
		r.Delete("/nodes/{id}", s.handleDeleteNode)
		r.Post("/nodes/{id}/rematch", s.handleRematch)
		r.Get("/nodes/{id}/edges", s.handleListNodeEdges)

		r.Get("/sources", s.handleListSources)
		r.Post("/sources", s.handleSaveSource)
	})

	return r
}

// ListenAndServe runs the HTTP server until ctx ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.logger.Info("control api listening", zap.Int("port", s.cfg.Port))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	if !s.ready() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// requireAPIKey rejects requests missing the configured key.
func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-Key") != s.cfg.APIKey {
			respondError(w, http.StatusUnauthorized, "invalid api key")
			return
		}
		next.ServeHTTP(w, r)
	})
}
