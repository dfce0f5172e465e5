package server

import (
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gear6io/wirelink/pkg/metrics"
	"github.com/gear6io/wirelink/pkg/protocol"
	"github.com/gear6io/wirelink/pkg/transport"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ConnectionSet tracks the live connections of a listener, enforces the
// connection limit and closes connections that stay idle too long.
type ConnectionSet struct {
	mu              sync.RWMutex
	conns           map[string]*transport.Connection
	maxConnections  int
	idleTimeout     time.Duration
	cleanupInterval time.Duration
	logger          zerolog.Logger
	metrics         *metrics.Metrics

	// Stats
	totalConnections    atomic.Int64
	peakConnections     atomic.Int64
	rejectedConnections atomic.Int64

	stopCleanup chan struct{}
	stopOnce    sync.Once
	reaping     atomic.Bool
}

// NewConnectionSet creates a connection set. A maxConnections of zero means
// unlimited; a zero idleTimeout disables reaping. Reaping begins with
// StartReaper.
func NewConnectionSet(maxConnections int, idleTimeout, cleanupInterval time.Duration, logger zerolog.Logger, m *metrics.Metrics) *ConnectionSet {
	return &ConnectionSet{
		conns:           make(map[string]*transport.Connection),
		maxConnections:  maxConnections,
		idleTimeout:     idleTimeout,
		cleanupInterval: cleanupInterval,
		logger:          logger,
		metrics:         m,
		stopCleanup:     make(chan struct{}),
	}
}

// StartReaper launches the idle reaper at most once and reports whether it
// did. A closed set never starts one.
func (s *ConnectionSet) StartReaper() bool {
	if s.idleTimeout <= 0 || s.cleanupInterval <= 0 {
		return false
	}
	select {
	case <-s.stopCleanup:
		return false
	default:
	}
	if !s.reaping.CompareAndSwap(false, true) {
		return false
	}
	go s.cleanupRoutine()
	return true
}

// Full reports whether another connection would exceed the limit
func (s *ConnectionSet) Full() bool {
	if s.maxConnections <= 0 {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns) >= s.maxConnections
}

// Reject records a socket turned away at capacity
func (s *ConnectionSet) Reject(remote net.Addr) {
	s.rejectedConnections.Add(1)
	s.metrics.ConnectionRejected()

	s.mu.RLock()
	active := len(s.conns)
	s.mu.RUnlock()

	s.logger.Warn().
		Stringer("client", remote).
		Int("max_connections", s.maxConnections).
		Int("active_connections", active).
		Msg("Connection rejected - listener at capacity")
}

// Add inserts a connection
func (s *ConnectionSet) Add(c *transport.Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.conns[c.ID()] = c
	s.totalConnections.Add(1)

	if current := int64(len(s.conns)); current > s.peakConnections.Load() {
		s.peakConnections.Store(current)
	}

	s.logger.Debug().
		Str("conn_id", c.ID()).
		Int("active_connections", len(s.conns)).
		Msg("Connection added")
}

// Remove deletes a connection and reports whether it was present
func (s *ConnectionSet) Remove(c *transport.Connection) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.conns[c.ID()]; !exists {
		return false
	}
	delete(s.conns, c.ID())

	s.logger.Debug().
		Str("conn_id", c.ID()).
		Int("active_connections", len(s.conns)).
		Msg("Connection removed")
	return true
}

func (s *ConnectionSet) Get(id string) (*transport.Connection, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conns[id]
	return c, ok
}

func (s *ConnectionSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// Snapshot returns the live connections ordered by identifier
func (s *ConnectionSet) Snapshot() []*transport.Connection {
	s.mu.RLock()
	out := make([]*transport.Connection, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// CloseAll disconnects every live connection with reason and waits for the
// announcements to finish
func (s *ConnectionSet) CloseAll(reason protocol.DisconnectReason) {
	var g errgroup.Group
	for _, c := range s.Snapshot() {
		g.Go(func() error {
			return c.Disconnect(reason)
		})
	}
	_ = g.Wait()
}

func (s *ConnectionSet) cleanupRoutine() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			s.reapIdle(now)
		case <-s.stopCleanup:
			return
		}
	}
}

// reapIdle closes connections without traffic since idleTimeout before now.
// Connections still negotiating are left to the handshake timeout.
func (s *ConnectionSet) reapIdle(now time.Time) int {
	cutoff := now.Add(-s.idleTimeout)

	var idle []*transport.Connection
	s.mu.RLock()
	for _, c := range s.conns {
		switch c.State() {
		case transport.Handshaking, transport.Encrypting:
			continue
		}
		if c.LastActivity().Before(cutoff) {
			idle = append(idle, c)
		}
	}
	s.mu.RUnlock()

	// Disconnect re-enters Remove through the disconnect callback, so the
	// lock must not be held here
	for _, c := range idle {
		s.logger.Info().
			Str("conn_id", c.ID()).
			Stringer("client", c.RemoteAddr()).
			Dur("idle_time", now.Sub(c.LastActivity())).
			Msg("Closing idle connection")
		c.Disconnect(protocol.EndOfStream)
	}
	return len(idle)
}

// Stats returns connection statistics
func (s *ConnectionSet) Stats() map[string]interface{} {
	s.mu.RLock()
	active := len(s.conns)
	s.mu.RUnlock()

	return map[string]interface{}{
		"active_connections":   active,
		"max_connections":      s.maxConnections,
		"total_connections":    s.totalConnections.Load(),
		"peak_connections":     s.peakConnections.Load(),
		"rejected_connections": s.rejectedConnections.Load(),
		"idle_timeout":         s.idleTimeout.String(),
		"cleanup_interval":     s.cleanupInterval.String(),
	}
}

// Close stops idle reaping. Live connections are left alone; use CloseAll.
func (s *ConnectionSet) Close() error {
	s.stopOnce.Do(func() { close(s.stopCleanup) })

	s.logger.Info().
		Interface("final_stats", s.Stats()).
		Msg("Connection set closed")
	return nil
}
