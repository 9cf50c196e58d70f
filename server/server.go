// Package server exposes scheduler status over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"linkedin-autoposter/pkg/autopost"
	"linkedin-autoposter/schedule"
)

// StatusProvider reports scheduler status.
type StatusProvider interface {
	Status() schedule.Status
}

// DeliveryLister lists journaled deliveries.
type DeliveryLister interface {
	List(ctx context.Context) ([]*autopost.Delivery, error)
}

// Server handles HTTP requests.
type Server struct {
	status     StatusProvider
	deliveries DeliveryLister
	logger     *slog.Logger
}

// Config holds server configuration.
type Config struct {
	Status     StatusProvider
	Deliveries DeliveryLister // Optional
	Logger     *slog.Logger
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	return &Server{
		status:     cfg.Status,
		deliveries: cfg.Deliveries,
		logger:     cfg.Logger,
	}
}

// Handler returns the routes served by Run.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/statusz", s.handleStatus)
	mux.HandleFunc("/deliveries", s.handleDeliveries)
	return mux
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, port string) error {
	// Configure server with timeouts to prevent resource exhaustion
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", "port", port)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, s.status.Status())
}

func (s *Server) handleDeliveries(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.deliveries == nil {
		http.Error(w, "Delivery journal disabled", http.StatusNotFound)
		return
	}

	deliveries, err := s.deliveries.List(r.Context())
	if err != nil {
		s.logger.Error("Failed to list deliveries", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if deliveries == nil {
		deliveries = []*autopost.Delivery{}
	}
	s.writeJSON(w, http.StatusOK, deliveries)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}
