// Package server sets up the HTTP router, middleware, and request handlers.
package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/howard-nolan/edgeproxy/internal/config"
	"github.com/howard-nolan/edgeproxy/internal/dispatch"
	"github.com/howard-nolan/edgeproxy/internal/ocr"
	"github.com/howard-nolan/edgeproxy/internal/search"
)

// Dispatcher runs the fallback chain. *dispatch.Dispatcher satisfies it.
type Dispatcher interface {
	Candidates(preferred string) []dispatch.Candidate
	DispatchWithHook(ctx context.Context, req dispatch.Request, hook dispatch.Hook) (*dispatch.Result, error)
}

// Recognizer is the OCR pass-through. *ocr.Client satisfies it.
type Recognizer interface {
	Configured() bool
	Recognize(ctx context.Context, req ocr.Request) (*ocr.Result, error)
}

// Searcher is the code-search pass-through. *search.Client satisfies it.
type Searcher interface {
	Configured() bool
	Search(ctx context.Context, q search.Query) (json.RawMessage, error)
}

// Server holds the HTTP router and everything the handlers need.
type Server struct {
	router     chi.Router
	cfg        *config.Config
	dispatcher Dispatcher
	ocr        Recognizer
	search     Searcher
	logger     *zap.Logger
}

// New creates a Server with its routes and middleware wired, ready to use
// as an http.Handler. A nil logger discards output.
func New(cfg *config.Config, d Dispatcher, o Recognizer, s Searcher, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	srv := &Server{
		cfg:        cfg,
		dispatcher: d,
		ocr:        o,
		search:     s,
		logger:     logger,
	}
	srv.routes()
	return srv
}

// routes builds the chi router. The whole routing table lives here so it's
// easy to scan.
func (s *Server) routes() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.Server.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		ExposedHeaders: []string{"X-Request-Id", "X-Dispatch-Id"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/ai", s.handleAI)
		r.Post("/ai/stream", s.handleAIStream)
		r.Get("/ai/candidates", s.handleCandidates)
		r.Post("/ocr", s.handleOCR)
		r.Get("/search/{kind}", s.handleSearch)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "endpoint not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	s.router = r
}

// ServeHTTP makes Server an http.Handler by delegating to the router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
