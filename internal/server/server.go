// Package server exposes the connection manager over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/kimhsiao/connsync/internal/config"
	"github.com/kimhsiao/connsync/internal/logging"
)

// Server represents the HTTP server lifecycle.
type Server struct {
	httpServer *http.Server
}

// New constructs a Server for handler.
func New(cfg config.HTTPConfig, handler http.Handler) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:              cfg.Addr(),
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			WriteTimeout:      cfg.WriteTimeout,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Start listens until Shutdown is called.
func (s *Server) Start() error {
	logging.Info("Starting HTTP server", map[string]interface{}{"addr": s.httpServer.Addr})
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully terminates active connections.
func (s *Server) Shutdown(ctx context.Context) error {
	logging.Info("Shutting down HTTP server", nil)
	return s.httpServer.Shutdown(ctx)
}
