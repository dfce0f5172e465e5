// Package client is the connecting endpoint: it dials a listener, drives the
// handshake and exposes the established connection.
package client

import (
	"bytes"
	"context"
	"crypto/rand"
	"sync"
	"time"

	"github.com/gear6io/wirelink/pkg/errors"
	"github.com/gear6io/wirelink/pkg/protocol"
	"github.com/gear6io/wirelink/pkg/transport"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const pingPayloadSize = 4

// Client represents a connection to a wirelink listener. It never retries:
// a failed or closed connection stays closed until Connect is called again.
type Client struct {
	opts     Options
	registry *protocol.Registry
	logger   zerolog.Logger

	mu         sync.Mutex
	conn       *transport.Connection
	connecting bool
	stopServe  context.CancelFunc
}

// New creates a new client. Messages and handlers are registered before
// Connect.
func New(opts Options) *Client {
	opts.setDefaults()
	return &Client{
		opts:     opts,
		registry: protocol.NewRegistry(),
		logger: opts.Logger.With().
			Str("component", "client").
			Str("server", opts.Addr).
			Logger(),
	}
}

// active reports whether a connection is being set up or is open. Callers
// hold c.mu.
func (c *Client) active() bool {
	if c.connecting {
		return true
	}
	if c.conn == nil {
		return false
	}
	select {
	case <-c.conn.Done():
		return false
	default:
		return true
	}
}

// Register adds a message type for the next connection
func (c *Client) Register(factory protocol.Factory) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active() {
		return errors.New(ErrAlreadyConnected, "cannot register messages while connected", nil)
	}
	return c.registry.Register(factory)
}

// RegisterHandler adds a handler for the next connection
func (c *Client) RegisterHandler(factory protocol.Factory, h protocol.Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active() {
		return errors.New(ErrAlreadyConnected, "cannot register handlers while connected", nil)
	}
	return c.registry.RegisterHandler(factory, h)
}

// Registry exposes the template registry, for use with protocol.Handle
// before Connect
func (c *Client) Registry() *protocol.Registry { return c.registry }

// Connect dials the server and completes the handshake. Any failure closes
// the socket and is returned as is.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.active() {
		c.mu.Unlock()
		return errors.New(ErrAlreadyConnected, "client already connected", nil)
	}
	c.connecting = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.connecting = false
		c.mu.Unlock()
	}()

	c.logger.Debug().Msg("Connecting to wirelink server")

	dialCtx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	raw, err := c.opts.DialContext(dialCtx, c.opts.Addr)
	cancel()
	if err != nil {
		return errors.New(ErrDialFailed, "failed to connect to server", err).
			AddContext("address", c.opts.Addr)
	}

	topts := c.opts.Transport
	topts.Logger = c.opts.Logger
	topts.Metrics = c.opts.Metrics
	topts.OnDisconnect = c.onDisconnect
	if c.opts.OnMessage != nil {
		topts.OnMessage = func(_ *transport.Connection, msg protocol.Message) { c.opts.OnMessage(msg) }
	}

	conn, err := transport.NewConnection(raw, c.registry.Clone(), topts)
	if err != nil {
		raw.Close()
		return err
	}

	initiator := transport.NewInitiator(c.opts.ProtocolVersion)
	if err := initiator.Attach(conn); err != nil {
		raw.Close()
		return err
	}

	serveCtx, stop := context.WithCancel(context.Background())
	c.mu.Lock()
	c.conn = conn
	c.stopServe = stop
	c.mu.Unlock()

	go conn.Serve(serveCtx)

	hsCtx, hsCancel := context.WithTimeout(ctx, c.opts.HandshakeTimeout)
	defer hsCancel()
	if err := initiator.Handshake(hsCtx, conn); err != nil {
		stop()
		c.logger.Debug().Err(err).Msg("Handshake failed")
		return err
	}

	c.logger.Info().
		Str("session_id", conn.SessionID().String()).
		Msg("Connected to wirelink server")

	if c.opts.KeepAliveInterval > 0 {
		go c.keepAlive(conn)
	}
	return nil
}

func (c *Client) current() (*transport.Connection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil, errors.New(ErrNotConnected, "client not connected to server", nil)
	}
	return c.conn, nil
}

// Connection returns the current connection, or nil before Connect
func (c *Client) Connection() *transport.Connection {
	conn, _ := c.current()
	return conn
}

func (c *Client) Send(ctx context.Context, msg protocol.Message) error {
	conn, err := c.current()
	if err != nil {
		return err
	}
	return conn.Send(ctx, msg)
}

func (c *Client) SendAndWait(ctx context.Context, req protocol.Request, expected protocol.MessageID) (protocol.Message, error) {
	conn, err := c.current()
	if err != nil {
		return nil, err
	}
	return conn.SendAndWait(ctx, req, expected)
}

// Wait subscribes to the next messages of type id
func (c *Client) Wait(id protocol.MessageID) (*transport.Waiter, error) {
	conn, err := c.current()
	if err != nil {
		return nil, err
	}
	return conn.Wait(id)
}

// Ping measures the round trip of a Ping/Pong exchange
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	conn, err := c.current()
	if err != nil {
		return 0, err
	}
	return ping(ctx, conn)
}

func ping(ctx context.Context, conn *transport.Connection) (time.Duration, error) {
	payload := make([]byte, pingPayloadSize)
	if _, err := rand.Read(payload); err != nil {
		return 0, errors.Wrap(errors.CommonInternal, err, "generate ping payload")
	}

	start := time.Now()
	msg, err := conn.SendAndWait(ctx, &protocol.Ping{Payload: payload}, protocol.PongID)
	if err != nil {
		return 0, err
	}
	if pong, ok := msg.(*protocol.Pong); !ok || !bytes.Equal(pong.Payload, payload) {
		return 0, errors.New(ErrPingMismatch, "pong does not echo the ping payload", nil)
	}
	return time.Since(start), nil
}

// keepAlive pings until conn closes. A ping that fails closes the
// connection with EndOfStream.
func (c *Client) keepAlive(conn *transport.Connection) {
	ticker := time.NewTicker(c.opts.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-conn.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.opts.KeepAliveInterval)
			rtt, err := ping(ctx, conn)
			cancel()
			if err != nil {
				select {
				case <-conn.Done():
					return
				default:
				}
				c.logger.Warn().Err(err).Msg("Keep-alive ping failed")
				conn.Disconnect(protocol.EndOfStream)
				return
			}
			c.logger.Debug().Dur("rtt", rtt).Msg("Keep-alive ping")
		}
	}
}

// SessionID returns the session assigned by the server, or uuid.Nil
func (c *Client) SessionID() uuid.UUID {
	conn, err := c.current()
	if err != nil {
		return uuid.Nil
	}
	return conn.SessionID()
}

// State returns the lifecycle state of the current connection
func (c *Client) State() transport.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		if c.connecting {
			return transport.Connecting
		}
		return transport.Idle
	}
	return c.conn.State()
}

// Done is closed when the current connection closes. It is nil before
// Connect.
func (c *Client) Done() <-chan struct{} {
	conn, err := c.current()
	if err != nil {
		return nil
	}
	return conn.Done()
}

// Close disconnects gracefully
func (c *Client) Close() error {
	c.mu.Lock()
	conn, stop := c.conn, c.stopServe
	c.mu.Unlock()
	if conn == nil {
		return nil
	}

	c.logger.Debug().Msg("Closing client connection")
	err := conn.Close()
	stop()
	return err
}

func (c *Client) onDisconnect(_ *transport.Connection, reason protocol.DisconnectReason) {
	c.logger.Info().Str("reason", reason.String()).Msg("Disconnected from wirelink server")
	if c.opts.OnDisconnected != nil {
		c.opts.OnDisconnected(reason)
	}
}
