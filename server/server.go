// Package server is the accepting endpoint: a Listener that runs the
// responding handshake on every socket, plus the process-level Server that
// pairs it with the admin endpoint.
package server

import (
	"context"
	"time"

	"github.com/gear6io/wirelink/pkg/errors"
	"github.com/gear6io/wirelink/pkg/metrics"
	"github.com/gear6io/wirelink/server/admin"
	"github.com/gear6io/wirelink/server/config"
	"github.com/gear6io/wirelink/server/shared"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

var _ shared.Component = (*admin.Server)(nil)

// Server represents the main server that manages the listener and the admin
// endpoint
type Server struct {
	config    *config.Config
	logger    zerolog.Logger
	metrics   *metrics.Metrics
	listener  *Listener
	admin     *admin.Server
	started   []shared.Component
	startTime time.Time
}

// New creates a new server instance. Application messages are registered
// on Listener() before Start.
func New(cfg *config.Config, logger zerolog.Logger) (*Server, error) {
	m, err := metrics.New(metrics.Options{Registerer: prometheus.NewRegistry()})
	if err != nil {
		return nil, errors.Wrap(errors.CommonInternal, err, "failed to create metrics")
	}

	opts, err := ListenerOptionsFromConfig(cfg, logger, m)
	if err != nil {
		return nil, err
	}
	listener, err := NewListener(opts)
	if err != nil {
		return nil, err
	}

	s := &Server{
		config:   cfg,
		logger:   logger.With().Str("component", "server").Logger(),
		metrics:  m,
		listener: listener,
	}
	if cfg.IsAdminEnabled() {
		s.admin = admin.NewServer(cfg.GetAdminAddress(), s, m.Gatherer(), logger)
	}
	return s, nil
}

// Listener returns the framed-protocol listener
func (s *Server) Listener() *Listener { return s.listener }

// Metrics returns the collectors shared by every connection
func (s *Server) Metrics() *metrics.Metrics { return s.metrics }

func (s *Server) components() []shared.Component {
	components := []shared.Component{s.listener}
	if s.admin != nil {
		components = append(components, s.admin)
	}
	return components
}

// Start starts the listener and, when enabled, the admin endpoint. A
// component that fails to start stops the ones started before it.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info().Msg("Starting wirelink server...")
	s.startTime = time.Now()

	for _, c := range s.components() {
		if err := c.Start(ctx); err != nil {
			s.stopStarted()
			return err
		}
		s.started = append(s.started, c)
		s.logger.Debug().Str("type", c.GetType()).Msg("Component started")
	}

	s.logger.Info().
		Str("listener_address", s.listener.Addr().String()).
		Bool("admin_enabled", s.admin != nil).
		Str("admin_address", s.config.GetAdminAddress()).
		Msg("All servers started")

	return nil
}

// Shutdown gracefully shuts down all servers
func (s *Server) Shutdown() error {
	s.logger.Info().Msg("Shutting down server...")
	s.stopStarted()
	s.logger.Info().Msg("Graceful shutdown completed")
	return nil
}

// stopStarted stops started components in reverse order
func (s *Server) stopStarted() {
	for i := len(s.started) - 1; i >= 0; i-- {
		c := s.started[i]
		if err := c.Stop(); err != nil {
			s.logger.Error().Err(err).Str("type", c.GetType()).Msg("Error stopping component")
		}
	}
	s.started = nil
}

// AdminAddr returns the bound admin address, or "" when disabled
func (s *Server) AdminAddr() string {
	if s.admin == nil || s.admin.Addr() == nil {
		return ""
	}
	return s.admin.Addr().String()
}

// GetUptime returns the server uptime
func (s *Server) GetUptime() time.Duration {
	return time.Since(s.startTime)
}

// GetStatus returns the server status
func (s *Server) GetStatus() map[string]interface{} {
	return map[string]interface{}{
		"uptime":        s.GetUptime().String(),
		"start_time":    s.startTime,
		"admin_enabled": s.admin != nil,
		"listener":      s.listener.GetStatus(),
	}
}
