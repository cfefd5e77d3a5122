// Package api provides the HTTP server exposing the context retrieval
// endpoint and operational probes.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/finsight/ragserver/internal/retrieval"
)

// Retriever is the retrieval capability the HTTP layer consumes.
type Retriever interface {
	RetrieveContext(ctx context.Context, queryText string, companyID uuid.UUID, opts retrieval.Options) (retrieval.Result, error)
}

// Server is the ragserver HTTP server.
type Server struct {
	mux       *http.ServeMux
	logger    *slog.Logger
	authToken string
}

// ServerConfig contains configuration for creating a Server.
type ServerConfig struct {
	Logger    *slog.Logger // Required
	Retriever Retriever    // Required
	AuthToken string       // Required: static bearer token for /api routes
	Ready     func(ctx context.Context) error // Optional: readiness probe (e.g. database ping)
}

// NewServer creates a server with all routes configured.
// Returns an error if required configuration is missing.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if cfg.Retriever == nil {
		return nil, errors.New("retriever is required")
	}
	if cfg.AuthToken == "" {
		return nil, errors.New("auth token is required")
	}

	mux := http.NewServeMux()
	s := &Server{
		mux:       mux,
		logger:    cfg.Logger,
		authToken: cfg.AuthToken,
	}

	// Probe routes (no auth, for Docker/K8s probes)
	mux.HandleFunc("GET /health", health)
	mux.HandleFunc("GET /ready", ready(cfg.Ready))

	contextHandler := newContextHandler(cfg.Logger, cfg.Retriever)
	mux.Handle("POST /api/v1/context", s.requireBearer(contextHandler))

	return s, nil
}

// ServeHTTP implements http.Handler with the middleware stack:
// Recovery catches panics from any layer below, Logging tracks all requests.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("X-Content-Type-Options", "nosniff")

	var handler http.Handler = s.mux
	handler = LoggingMiddleware(s.logger)(handler)
	handler = RecoveryMiddleware(s.logger)(handler)
	handler.ServeHTTP(w, r)
}

// Handler returns the server as an http.Handler for mounting.
func (s *Server) Handler() http.Handler {
	return s
}

// health reports process liveness.
func health(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// ready reports whether downstream dependencies answer.
func ready(check func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			if err := check(r.Context()); err != nil {
				http.Error(w, "not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}
}
