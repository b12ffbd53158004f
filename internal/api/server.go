// Package api is the HTTP adapter over ingest and query.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/seanblong/repoqa/internal/metrics"
	"github.com/seanblong/repoqa/internal/registry"
	"github.com/seanblong/repoqa/pkg/models"
)

// Ingester runs a full ingest for a source address.
type Ingester interface {
	Ingest(ctx context.Context, sourceURL string) (models.IngestResult, error)
}

// Querier answers a question against one repository.
type Querier interface {
	Query(ctx context.Context, name, question string, k int) ([]models.QueryResult, error)
}

// Lister reports every known repository.
type Lister interface {
	List() []registry.Status
}

// Pinger checks a backing service. Optional.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server is the HTTP server for the repoqa API.
type Server struct {
	ingester Ingester
	querier  Querier
	repos    Lister
	metrics  *metrics.Metrics
	pinger   Pinger
	logger   zerolog.Logger

	// QueryTimeout bounds a single query request.
	QueryTimeout time.Duration

	server *http.Server
}

// NewServer creates a server with the given dependencies. pinger may be nil.
func NewServer(ing Ingester, q Querier, repos Lister, m *metrics.Metrics, pinger Pinger, logger zerolog.Logger) *Server {
	return &Server{
		ingester:     ing,
		querier:      q,
		repos:        repos,
		metrics:      m,
		pinger:       pinger,
		logger:       logger,
		QueryTimeout: 30 * time.Second,
	}
}

// Handler builds the routed handler with logging and recovery.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(hlog.NewHandler(s.logger))
	r.Use(hlog.RequestIDHandler("req_id", "X-Request-Id"))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, dur time.Duration) {
		hlog.FromRequest(r).Info().Str("method", r.Method).Str("path", r.URL.Path).
			Int("status", status).Int("size", size).Dur("dur", dur).Msg("http")
	}))
	r.Use(middleware.Recoverer)

	r.Post("/ingest", s.handleIngest)
	r.Post("/query", s.handleQuery)
	r.Get("/repos", s.handleRepos)
	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	return r
}

// Start listens on addr and blocks until the server stops.
func (s *Server) Start(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info().Str("addr", addr).Msg("api server listening")
	return s.server.ListenAndServe()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}
