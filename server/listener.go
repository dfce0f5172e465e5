package server

import (
	"context"
	stderrors "errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gear6io/wirelink/pkg/errors"
	"github.com/gear6io/wirelink/pkg/metrics"
	"github.com/gear6io/wirelink/pkg/protocol"
	"github.com/gear6io/wirelink/pkg/secure"
	"github.com/gear6io/wirelink/pkg/transport"
	"github.com/gear6io/wirelink/server/config"
	"github.com/gear6io/wirelink/server/shared"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var _ shared.Component = (*Listener)(nil)

// ListenerOptions configures a Listener
type ListenerOptions struct {
	// Address is the host:port to bind; port 0 picks a free port
	Address         string
	ProtocolVersion int32

	MaxConnections   int
	IdleTimeout      time.Duration
	CleanupInterval  time.Duration
	HandshakeTimeout time.Duration
	ChallengeDelay   time.Duration
	RespondToPing    bool

	// Transport is applied to every accepted connection. Its Logger,
	// Metrics and callbacks are replaced by the listener's own.
	Transport transport.Options

	// KeyPair answers every encryption request; one is generated when nil
	KeyPair *secure.KeyPair

	Logger  zerolog.Logger
	Metrics *metrics.Metrics

	// OnConnected runs once a connection completes the handshake
	OnConnected func(c *transport.Connection)

	// OnDisconnected runs exactly once for every accepted connection
	OnDisconnected func(c *transport.Connection, reason protocol.DisconnectReason)

	// OnMessage runs for every decoded message on every connection
	OnMessage func(c *transport.Connection, msg protocol.Message)
}

// ListenerOptionsFromConfig builds listener options from the server config
func ListenerOptionsFromConfig(cfg *config.Config, logger zerolog.Logger, m *metrics.Metrics) (ListenerOptions, error) {
	topts, err := cfg.Transport.ConnectionOptions(logger, m)
	if err != nil {
		return ListenerOptions{}, err
	}
	return ListenerOptions{
		Address:          cfg.GetListenerAddress(),
		ProtocolVersion:  cfg.Listener.ProtocolVersion,
		MaxConnections:   cfg.Listener.MaxConnections,
		IdleTimeout:      cfg.Listener.IdleTimeout.Std(),
		CleanupInterval:  cfg.Listener.CleanupInterval.Std(),
		HandshakeTimeout: cfg.Listener.HandshakeTimeout.Std(),
		ChallengeDelay:   cfg.Listener.ChallengeDelay.Std(),
		RespondToPing:    cfg.Listener.RespondToPing,
		Transport:        topts,
		Logger:           logger,
		Metrics:          m,
	}, nil
}

// Listener accepts sockets and runs the responding side of the handshake on
// each of them
type Listener struct {
	opts     ListenerOptions
	registry *protocol.Registry
	keyPair  *secure.KeyPair
	conns    *ConnectionSet
	logger   zerolog.Logger

	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	started   atomic.Bool
	stopOnce  sync.Once
	startTime time.Time
}

// NewListener creates a listener. Application messages and handlers must be
// registered before Start.
func NewListener(opts ListenerOptions) (*Listener, error) {
	if opts.ProtocolVersion == 0 {
		opts.ProtocolVersion = protocol.ProtocolVersion
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = config.DEFAULT_HANDSHAKE_TIMEOUT
	}

	keyPair := opts.KeyPair
	if keyPair == nil {
		kp, err := secure.GenerateKeyPair()
		if err != nil {
			return nil, errors.Wrap(errors.CommonInternal, err, "generate listener key pair")
		}
		keyPair = kp
	}

	logger := opts.Logger.With().Str("component", "listener").Logger()
	l := &Listener{
		opts:     opts,
		registry: protocol.NewRegistry(),
		keyPair:  keyPair,
		logger:   logger,
		conns:    NewConnectionSet(opts.MaxConnections, opts.IdleTimeout, opts.CleanupInterval, logger, opts.Metrics),
	}

	if opts.RespondToPing {
		if err := protocol.Handle(l.registry, protocol.NewPing, answerPing); err != nil {
			return nil, err
		}
	}

	return l, nil
}

func answerPing(ctx context.Context, peer protocol.Peer, ping *protocol.Ping) error {
	return peer.Send(ctx, &protocol.Pong{
		ResponseBase: protocol.Reply(ping),
		Payload:      ping.Payload,
	})
}

// Register adds a message type for every connection accepted afterwards
func (l *Listener) Register(factory protocol.Factory) error {
	if l.started.Load() {
		return errors.New(ErrAlreadyStarted, "cannot register messages on a started listener", nil)
	}
	return l.registry.Register(factory)
}

// RegisterHandler adds a handler for every connection accepted afterwards
func (l *Listener) RegisterHandler(factory protocol.Factory, h protocol.Handler) error {
	if l.started.Load() {
		return errors.New(ErrAlreadyStarted, "cannot register handlers on a started listener", nil)
	}
	return l.registry.RegisterHandler(factory, h)
}

func (l *Listener) GetType() string { return "listener" }

// Registry exposes the template registry, for use with protocol.Handle
// before Start
func (l *Listener) Registry() *protocol.Registry { return l.registry }

// PublicKey returns the key clients seal their session key to
func (l *Listener) PublicKey() []byte { return l.keyPair.PublicKey() }

// Start binds the configured address and begins accepting connections
func (l *Listener) Start(ctx context.Context) error {
	if !l.started.CompareAndSwap(false, true) {
		return errors.New(ErrAlreadyStarted, "listener already started", nil)
	}

	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", l.opts.Address)
	if err != nil {
		return errors.New(ErrListenFailed, "failed to listen", err).
			AddContext("address", l.opts.Address)
	}
	l.listener = listener
	l.ctx, l.cancel = context.WithCancel(context.Background())
	l.startTime = time.Now()

	l.conns.StartReaper()
	l.wg.Add(1)
	go l.acceptConnections()

	l.logger.Info().
		Str("address", listener.Addr().String()).
		Int32("protocol_version", l.opts.ProtocolVersion).
		Msg("Listener started")
	return nil
}

// Addr returns the bound address, or nil before Start
func (l *Listener) Addr() net.Addr {
	if l.listener == nil {
		return nil
	}
	return l.listener.Addr()
}

// Stop closes the socket, disconnects every live connection with
// ServerShutdown and waits for their read loops to finish
func (l *Listener) Stop() error {
	if !l.started.Load() {
		return errors.New(ErrNotStarted, "listener not started", nil)
	}

	l.stopOnce.Do(func() {
		l.logger.Info().Msg("Stopping listener")

		if err := l.listener.Close(); err != nil {
			l.logger.Error().Err(err).Msg("Error closing listener socket")
		}

		l.conns.CloseAll(protocol.ServerShutdown)
		l.cancel()
		l.wg.Wait()

		if err := l.conns.Close(); err != nil {
			l.logger.Error().Err(err).Msg("Error closing connection set")
		}
		l.logger.Info().Msg("Listener stopped")
	})
	return nil
}

// Connections returns the live connections
func (l *Listener) Connections() []*transport.Connection {
	return l.conns.Snapshot()
}

// Connection looks up a live connection by identifier
func (l *Listener) Connection(id string) (*transport.Connection, bool) {
	return l.conns.Get(id)
}

// GetStatus returns listener status
func (l *Listener) GetStatus() map[string]interface{} {
	status := map[string]interface{}{
		"started":          l.started.Load(),
		"protocol_version": l.opts.ProtocolVersion,
		"connections":      l.conns.Stats(),
	}
	if addr := l.Addr(); addr != nil {
		status["address"] = addr.String()
		status["uptime"] = time.Since(l.startTime).String()
	}
	return status
}

func (l *Listener) acceptConnections() {
	defer l.wg.Done()

	for {
		conn, err := l.listener.Accept()
		if err != nil {
			if l.ctx.Err() != nil || stderrors.Is(err, net.ErrClosed) {
				return
			}
			l.logger.Error().Err(err).Msg("Error accepting connection")
			continue
		}

		// Only this loop adds connections, so the check cannot race
		if l.conns.Full() {
			l.conns.Reject(conn.RemoteAddr())
			conn.Close()
			continue
		}

		c, responder, err := l.accept(conn)
		if err != nil {
			l.logger.Error().Err(err).Stringer("client", conn.RemoteAddr()).Msg("Error setting up connection")
			conn.Close()
			continue
		}
		l.conns.Add(c)

		l.wg.Add(1)
		go l.handleConnection(c, responder)
	}
}

// accept wraps a socket in a Connection with its own registry snapshot,
// session identifier and responder
func (l *Listener) accept(conn net.Conn) (*transport.Connection, *transport.Responder, error) {
	topts := l.opts.Transport
	topts.Logger = l.opts.Logger
	topts.Metrics = l.opts.Metrics
	topts.OnMessage = l.opts.OnMessage
	topts.OnDisconnect = l.onDisconnect

	c, err := transport.NewConnection(conn, l.registry.Clone(), topts)
	if err != nil {
		return nil, nil, err
	}

	responder := transport.NewResponder(transport.ResponderOptions{
		Version:        l.opts.ProtocolVersion,
		KeyPair:        l.keyPair,
		SessionID:      uuid.New(),
		ChallengeDelay: l.opts.ChallengeDelay,
		OnEstablished:  l.onEstablished,
	})
	if err := responder.Attach(c); err != nil {
		c.Disconnect(protocol.EndOfStream)
		return nil, nil, err
	}
	return c, responder, nil
}

// handleConnection runs the read loop of c until it closes, with the
// handshake watched alongside it
func (l *Listener) handleConnection(c *transport.Connection, responder *transport.Responder) {
	defer l.wg.Done()

	l.logger.Debug().Str("conn_id", c.ID()).Stringer("client", c.RemoteAddr()).Msg("New client connected")

	hsCtx, cancel := context.WithTimeout(l.ctx, l.opts.HandshakeTimeout)
	defer cancel()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		if err := responder.Handshake(hsCtx, c); err != nil {
			l.logger.Debug().Err(err).Str("conn_id", c.ID()).Msg("Handshake did not complete")
		}
	}()

	if err := c.Serve(l.ctx); err != nil {
		l.logger.Debug().Err(err).Str("conn_id", c.ID()).Msg("Read loop ended")
	}
}

func (l *Listener) onEstablished(c *transport.Connection) {
	l.logger.Info().
		Str("conn_id", c.ID()).
		Str("session_id", c.SessionID().String()).
		Stringer("client", c.RemoteAddr()).
		Msg("Client connected")

	if l.opts.OnConnected != nil {
		l.opts.OnConnected(c)
	}
}

func (l *Listener) onDisconnect(c *transport.Connection, reason protocol.DisconnectReason) {
	if !l.conns.Remove(c) {
		return
	}

	l.logger.Info().
		Str("conn_id", c.ID()).
		Str("reason", reason.String()).
		Msg("Client disconnected")

	if l.opts.OnDisconnected != nil {
		l.opts.OnDisconnected(c, reason)
	}
}
