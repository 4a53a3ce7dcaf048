package api

import (
	"net/http"

	"github.com/oriys/cybergym/internal/logging"
	"github.com/oriys/cybergym/internal/metrics"
	"github.com/oriys/cybergym/internal/observability"
	"github.com/oriys/cybergym/internal/service"
)

// ServerConfig carries the HTTP server dependencies.
type ServerConfig struct {
	Service        *service.Service
	APIKey         string
	APIKeyName     string
	MaxFileSizeMB  int
	MetricsEnabled bool
}

// NewHandler assembles the routed handler with middleware. Split out from
// StartHTTPServer so tests can drive the full surface through httptest.
func NewHandler(cfg ServerConfig) http.Handler {
	mux := http.NewServeMux()

	h := &Handler{
		Service:       cfg.Service,
		APIKey:        cfg.APIKey,
		APIKeyName:    cfg.APIKeyName,
		MaxFileSizeMB: cfg.MaxFileSizeMB,
	}
	h.RegisterRoutes(mux)

	if cfg.MetricsEnabled {
		mux.Handle("GET /metrics", metrics.Handler())
	}

	return observability.HTTPMiddleware(mux)
}

// StartHTTPServer starts the HTTP server on addr and returns it; the
// caller owns shutdown.
func StartHTTPServer(addr string, cfg ServerConfig) *http.Server {
	server := &http.Server{
		Addr:    addr,
		Handler: NewHandler(cfg),
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Op().Error("HTTP server error", "error", err)
		}
	}()

	return server
}
