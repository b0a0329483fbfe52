// Package api exposes the wallet operations over HTTP.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/split-wallet/split-wallet/internal/app"
	"github.com/split-wallet/split-wallet/internal/config"
	"github.com/split-wallet/split-wallet/internal/logger"
	"github.com/split-wallet/split-wallet/internal/metrics"
	"github.com/split-wallet/split-wallet/internal/middleware"
	apperrors "github.com/split-wallet/split-wallet/pkg/errors"
)

// Server represents the HTTP server
type Server struct {
	config        *config.Config
	walletService *app.WalletService
	rateLimiter   *middleware.RateLimiter
	httpServer    *http.Server
}

// NewServer creates a new API server
func NewServer(cfg *config.Config, walletService *app.WalletService) *Server {
	return &Server{
		config:        cfg,
		walletService: walletService,
		rateLimiter:   middleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, cfg.RateLimitEnabled),
	}
}

// Start starts the HTTP server
func (s *Server) Start() error {
	mux := http.NewServeMux()

	// Unauthenticated operational endpoints
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())

	mux.HandleFunc("/v1/identities", s.handleIdentities)
	mux.HandleFunc("/v1/identities/", s.handleIdentityOperations)

	s.httpServer = &http.Server{
		Addr: fmt.Sprintf(":%s", s.config.Port),
		// Chain: RequestID -> RateLimit -> Logging -> Routes
		Handler:      middleware.RequestID(s.rateLimiter.Limit(s.loggingMiddleware(mux))),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute, // dispatches block on confirmation
		IdleTimeout:  60 * time.Second,
	}

	logger.Info(context.Background(), "starting server", "port", s.config.Port)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Info(r.Context(), "request completed",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start).String(),
		)
	})
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// writeError writes an error response, translating unknown errors into an
// opaque internal error so internals never leak to clients
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	appErr, ok := apperrors.IsAppError(err)
	if !ok {
		logger.Error(r.Context(), "unhandled error", "error", err)
		appErr = apperrors.ErrInternalError
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(appErr.StatusCode)
	json.NewEncoder(w).Encode(appErr)
}
