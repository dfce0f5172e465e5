// Package admin serves health, status and Prometheus metrics over HTTP
package admin

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gear6io/wirelink/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Admin-specific error codes
var (
	ErrListenFailed = errors.MustNewCode("admin.listen_failed")
)

// StatusProvider reports the state rendered by /status
type StatusProvider interface {
	GetStatus() map[string]interface{}
}

// Server represents the admin HTTP server
type Server struct {
	address  string
	status   StatusProvider
	gatherer prometheus.Gatherer
	logger   zerolog.Logger
	server   *http.Server
	listener net.Listener
	wg       sync.WaitGroup
}

// NewServer creates a new admin server. A nil gatherer serves the default
// Prometheus registry.
func NewServer(address string, status StatusProvider, gatherer prometheus.Gatherer, logger zerolog.Logger) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		address:  address,
		status:   status,
		gatherer: gatherer,
		logger:   logger.With().Str("component", "admin").Logger(),
	}
}

func (s *Server) GetType() string { return "admin" }

// Handler returns the admin routes
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	return mux
}

// Start binds the address and serves in the background
func (s *Server) Start(ctx context.Context) error {
	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", s.address)
	if err != nil {
		return errors.New(ErrListenFailed, "failed to listen", err).AddContext("address", s.address)
	}
	s.listener = listener
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.server.Serve(listener); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Admin server error")
		}
	}()

	s.logger.Info().Str("address", listener.Addr().String()).Msg("Admin server started")
	return nil
}

// Addr returns the bound address, or nil before Start
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop stops the admin server
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}
	s.logger.Info().Msg("Stopping admin server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.server.Shutdown(shutdownCtx); err != nil {
		s.logger.Error().Err(err).Msg("Error during admin server shutdown")
	}

	s.wg.Wait()
	s.logger.Info().Msg("Admin server stopped")
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"server":    "wirelink",
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.status == nil {
		s.writeJSON(w, map[string]interface{}{"status": "running"})
		return
	}
	s.writeJSON(w, s.status.GetStatus())
}

func (s *Server) writeJSON(w http.ResponseWriter, body interface{}) {
	data, err := json.Marshal(body)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to marshal JSON response")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}
