package health

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server hosts the health, readiness, and metrics endpoints on one listener.
type Server struct {
	srv *http.Server
}

// NewServer builds the HTTP server for addr. The handler serves /healthz,
// /readyz, and /metrics (Prometheus scrape). Each optional middleware wraps
// the whole mux, outermost first.
func NewServer(addr string, h *Handler, middleware ...func(http.Handler) http.Handler) *Server {
	mux := http.NewServeMux()
	h.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	var handler http.Handler = mux
	for i := len(middleware) - 1; i >= 0; i-- {
		handler = middleware[i](handler)
	}

	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// ListenAndServe blocks serving requests until Shutdown is called or the
// listener fails. A clean shutdown returns nil.
func (s *Server) ListenAndServe() error {
	slog.Info("health server listening", "addr", s.srv.Addr)
	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests and closes the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
