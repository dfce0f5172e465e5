// Package transport implements the framed connection, the correlation
// tracker and the two handshake roles.
package transport

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gear6io/wirelink/pkg/compress"
	"github.com/gear6io/wirelink/pkg/errors"
	"github.com/gear6io/wirelink/pkg/frame"
	"github.com/gear6io/wirelink/pkg/metrics"
	"github.com/gear6io/wirelink/pkg/protocol"
	"github.com/gear6io/wirelink/pkg/secure"
	"github.com/gear6io/wirelink/pkg/wire"
	"github.com/gear6io/wirelink/utils"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Connection is one framed, optionally compressed and encrypted socket.
//
// Frames are read by a single loop (Serve or repeated ReadNext calls).
// Handlers registered for a message run on that loop, so a handler must not
// call SendAndWait or Wait on its own connection: the reply could only be
// read after the handler returns.
type Connection struct {
	id       string
	conn     net.Conn
	registry *protocol.Registry
	tracker  *Tracker
	codec    compress.Codec
	opts     Options
	logger   zerolog.Logger
	metrics  *metrics.Metrics

	writeMu sync.Mutex

	cryptoMu    sync.RWMutex
	cipher      *secure.Cipher
	encryptRx   bool
	encryptTx   bool
	rxTentative bool

	state        atomic.Int32
	lastActivity atomic.Int64

	sessionMu sync.RWMutex
	sessionID uuid.UUID

	closing   atomic.Bool
	closeOnce sync.Once
	closed    chan struct{}
	reason    protocol.DisconnectReason
}

var _ protocol.Peer = (*Connection)(nil)

// NewConnection wraps conn. The connection takes ownership of registry and
// adds its own Disconnect handler to it; pass a clone when the registry is
// shared.
func NewConnection(conn net.Conn, registry *protocol.Registry, opts Options) (*Connection, error) {
	opts = opts.withDefaults()

	codec, err := compress.New(opts.Compression, compress.Options{
		Level:               opts.CompressionLevel,
		MaxDecompressedSize: opts.MaxFrameSize,
	})
	if err != nil {
		return nil, errors.Wrap(errors.CommonInvalidInput, err, "create compression codec").
			AddContext("method", opts.Compression.String())
	}

	id := utils.GenerateULIDString()
	c := &Connection{
		id:       id,
		conn:     conn,
		registry: registry,
		tracker:  NewTracker(),
		codec:    codec,
		opts:     opts,
		metrics:  opts.Metrics,
		closed:   make(chan struct{}),
		logger: opts.Logger.With().
			Str("component", "connection").
			Str("conn_id", id).
			Str("remote", conn.RemoteAddr().String()).
			Logger(),
	}
	c.touch()

	if err := protocol.Handle(registry, protocol.NewDisconnect, c.onDisconnectMessage); err != nil {
		return nil, err
	}

	c.metrics.ConnectionOpened()
	return c, nil
}

func (c *Connection) ID() string { return c.id }

func (c *Connection) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *Connection) LocalAddr() net.Addr { return c.conn.LocalAddr() }

func (c *Connection) State() State { return State(c.state.Load()) }

func (c *Connection) setState(s State) {
	c.state.Store(int32(s))
	c.logger.Debug().Str("state", s.String()).Msg("Connection state changed")
}

// SessionID returns the session identifier, or uuid.Nil before it is known
func (c *Connection) SessionID() uuid.UUID {
	c.sessionMu.RLock()
	defer c.sessionMu.RUnlock()
	return c.sessionID
}

func (c *Connection) setSessionID(id uuid.UUID) {
	c.sessionMu.Lock()
	c.sessionID = id
	c.sessionMu.Unlock()
}

// Registry returns the registry owned by this connection
func (c *Connection) Registry() *protocol.Registry { return c.registry }

// Tracker returns the correlation tracker owned by this connection
func (c *Connection) Tracker() *Tracker { return c.tracker }

// IsEncrypted returns true once a session key is installed
func (c *Connection) IsEncrypted() bool {
	c.cryptoMu.RLock()
	defer c.cryptoMu.RUnlock()
	return c.cipher != nil
}

// installCipher sets the session key. rx and tx enable decryption of inbound
// and encryption of outbound frames respectively.
func (c *Connection) installCipher(cipher *secure.Cipher, rx, tx bool) {
	c.cryptoMu.Lock()
	defer c.cryptoMu.Unlock()
	c.cipher = cipher
	c.encryptRx = rx
	c.encryptTx = tx
}

// beginRxEncryption installs cipher for inbound frames only. Until the first
// frame decrypts, a cleartext Disconnect is still accepted: a responder that
// rejects the key announces the disconnect unencrypted. Any other cleartext
// frame is malformed.
func (c *Connection) beginRxEncryption(cipher *secure.Cipher) {
	c.cryptoMu.Lock()
	defer c.cryptoMu.Unlock()
	c.cipher = cipher
	c.encryptRx = true
	c.rxTentative = true
}

func (c *Connection) enableTxEncryption() {
	c.cryptoMu.Lock()
	defer c.cryptoMu.Unlock()
	c.encryptTx = true
}

// LastActivity returns the time a frame was last read or written
func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

func (c *Connection) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// Done is closed when the connection is closed
func (c *Connection) Done() <-chan struct{} { return c.closed }

// Reason returns why the connection closed. It is only meaningful after Done
// is closed.
func (c *Connection) Reason() protocol.DisconnectReason {
	<-c.closed
	return c.reason
}

func (c *Connection) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Serve runs the read loop until the connection closes or ctx is done.
// Malformed frames are logged and skipped.
func (c *Connection) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		c.Disconnect(protocol.GracefulDisconnect)
	})
	defer stop()

	for {
		_, err := c.ReadNext(ctx)
		if err == nil {
			continue
		}
		if errors.Is(err, ErrMalformedFrame) {
			c.logger.Warn().Err(err).Msg("Dropping malformed frame")
			continue
		}
		c.closeWith(protocol.EndOfStream)
		c.logger.Debug().Err(err).Msg("Read loop finished")
		return err
	}
}

// ReadNext reads, decodes and dispatches one frame. It returns nil, nil for
// a frame whose identifier is not registered.
func (c *Connection) ReadNext(ctx context.Context) (protocol.Message, error) {
	if c.isClosed() {
		return nil, closeError(c.reason)
	}

	if c.opts.ReadTimeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
	}

	payload, err := frame.Read(c.conn, c.opts.MaxFrameSize)
	if err != nil {
		if stderrors.Is(err, frame.ErrFrameTooLarge) {
			c.metrics.MalformedFrame()
			return nil, errors.Wrap(ErrMalformedFrame, err, "read frame")
		}
		if stderrors.Is(err, frame.ErrNegativeLength) {
			// no payload length to skip, so the stream cannot be realigned
			c.metrics.MalformedFrame()
			c.closeWith(protocol.EndOfStream)
			return nil, errors.Wrap(ErrConnectionClosed, err, "read frame")
		}
		return nil, errors.Wrap(ErrConnectionClosed, err, "read frame")
	}
	c.touch()
	c.metrics.FrameReceived(len(payload))

	plain, err := c.unwrap(payload)
	if err != nil {
		c.metrics.MalformedFrame()
		return nil, err
	}

	r := wire.NewReader(bytes.NewReader(plain))
	rawID, err := r.ReadInt32()
	if err != nil {
		c.metrics.MalformedFrame()
		return nil, errors.Wrap(ErrMalformedFrame, err, "read message identifier")
	}
	id := protocol.MessageID(rawID)

	msg, err := c.registry.New(id)
	if err != nil {
		c.metrics.UnknownMessage()
		c.logger.Warn().Int32("message_id", rawID).Msg("Dropping message with unknown identifier")
		return nil, nil
	}
	if err := msg.Decode(r); err != nil {
		c.metrics.MalformedFrame()
		return nil, errors.Wrap(ErrMalformedFrame, err, "decode message").
			AddContext("message", id.String())
	}

	c.logger.Debug().Str("message", id.String()).Int("size", len(payload)).Msg("Message received")

	c.dispatch(ctx, msg)
	c.tracker.Deliver(msg)
	if c.opts.OnMessage != nil {
		c.opts.OnMessage(c, msg)
	}
	return msg, nil
}

// unwrap undoes the send-side transformations, outermost first
func (c *Connection) unwrap(payload []byte) ([]byte, error) {
	data := payload
	if c.codec != nil {
		out, err := c.codec.Decompress(data)
		if err != nil {
			return nil, errors.Wrap(ErrMalformedFrame, err, "decompress frame").
				AddContext("method", c.codec.Method().String())
		}
		data = out
	}

	c.cryptoMu.RLock()
	cipher, rx, tentative := c.cipher, c.encryptRx, c.rxTentative
	c.cryptoMu.RUnlock()

	if !rx {
		return data, nil
	}

	out, err := cipher.Open(data)
	switch {
	case err == nil:
		if tentative {
			c.cryptoMu.Lock()
			c.rxTentative = false
			c.cryptoMu.Unlock()
		}
		return out, nil
	case tentative && isDisconnect(data):
		return data, nil
	default:
		return nil, errors.Wrap(ErrMalformedFrame, err, "decrypt frame")
	}
}

func isDisconnect(plain []byte) bool {
	if len(plain) < 4 {
		return false
	}
	id, err := wire.NewReader(bytes.NewReader(plain[:4])).ReadInt32()
	return err == nil && protocol.MessageID(id) == protocol.DisconnectID
}

// dispatch runs every handler for msg and waits for all of them. Handler
// failures and panics are logged and do not affect the read loop.
func (c *Connection) dispatch(ctx context.Context, msg protocol.Message) {
	handlers := c.registry.Handlers(msg.ID())
	if len(handlers) == 0 {
		return
	}

	var g errgroup.Group
	g.SetLimit(c.opts.HandlerConcurrency)
	for _, h := range handlers {
		g.Go(func() error {
			c.runHandler(ctx, h, msg)
			return nil
		})
	}
	_ = g.Wait()
}

func (c *Connection) runHandler(ctx context.Context, h protocol.Handler, msg protocol.Message) {
	defer func() {
		if r := recover(); r != nil {
			c.metrics.HandlerFailure()
			c.logger.Error().
				Str("message", msg.ID().String()).
				Interface("panic", r).
				Msg("Message handler panicked")
		}
	}()

	if err := h(ctx, c, msg); err != nil {
		c.metrics.HandlerFailure()
		c.logger.Warn().Err(err).Str("message", msg.ID().String()).Msg("Message handler failed")
	}
}

// Send encodes msg and writes it as one frame. A write fault closes the
// connection with EndOfStream.
func (c *Connection) Send(ctx context.Context, msg protocol.Message) error {
	return c.send(ctx, msg, false)
}

// send writes one frame. Once Disconnect has begun only its own announce
// (announce set) may still be written, and a write fault is left for
// Disconnect to turn into its reason.
func (c *Connection) send(ctx context.Context, msg protocol.Message, announce bool) error {
	if c.isClosed() {
		return closeError(c.reason)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	payload, err := c.wrap(msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	var deadline time.Time
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	} else if c.opts.WriteTimeout > 0 {
		deadline = time.Now().Add(c.opts.WriteTimeout)
	}
	_ = c.conn.SetWriteDeadline(deadline)

	// checked after the deadline is set so a concurrent Disconnect's
	// deadline always wins
	if !announce && c.closing.Load() {
		return errors.New(ErrConnectionClosed, "connection is closing", nil).
			AddContext("message", msg.ID().String())
	}

	if err := frame.Write(c.conn, payload); err != nil {
		if !c.closing.Load() {
			c.closeWith(protocol.EndOfStream)
		}
		return errors.Wrap(ErrSendFailed, err, "write frame").
			AddContext("message", msg.ID().String())
	}
	c.touch()
	c.metrics.FrameSent(len(payload))
	c.logger.Debug().Str("message", msg.ID().String()).Int("size", len(payload)).Msg("Message sent")
	return nil
}

// wrap encodes msg, encrypts it when enabled, then compresses the result
func (c *Connection) wrap(msg protocol.Message) ([]byte, error) {
	var buf bytes.Buffer
	w := wire.NewWriter(&buf)
	if err := w.WriteInt32(int32(msg.ID())); err != nil {
		return nil, errors.Wrap(errors.CommonInternal, err, "encode message identifier")
	}
	if err := msg.Encode(w); err != nil {
		return nil, errors.Wrap(errors.CommonInvalidInput, err, "encode message").
			AddContext("message", msg.ID().String())
	}
	data := buf.Bytes()

	c.cryptoMu.RLock()
	cipher, tx := c.cipher, c.encryptTx
	c.cryptoMu.RUnlock()

	if tx {
		sealed, err := cipher.Seal(data)
		if err != nil {
			return nil, errors.Wrap(errors.CommonInternal, err, "encrypt frame")
		}
		data = sealed
	}
	if c.codec != nil {
		packed, err := c.codec.Compress(data)
		if err != nil {
			return nil, errors.Wrap(errors.CommonInternal, err, "compress frame")
		}
		data = packed
	}

	if len(data) > c.opts.MaxFrameSize {
		return nil, errors.Newf(errors.CommonInvalidInput, "frame of %d bytes exceeds limit of %d", len(data), c.opts.MaxFrameSize).
			AddContext("message", msg.ID().String())
	}
	return data, nil
}

// Wait registers a waiter for messages with identifier id. The caller must
// Cancel the waiter when done with it.
func (c *Connection) Wait(id protocol.MessageID) (*Waiter, error) {
	if !c.registry.IsRegistered(id) {
		return nil, errors.Newf(protocol.ErrInvalidMessageType, "no message registered for identifier %d", int32(id))
	}
	return c.tracker.Register(id), nil
}

// SendAndWait sends req and returns the first message of type expected that
// answers it. A Response whose token differs from the request's is skipped.
// Requests without a token are given a fresh one.
func (c *Connection) SendAndWait(ctx context.Context, req protocol.Request, expected protocol.MessageID) (protocol.Message, error) {
	w, err := c.Wait(expected)
	if err != nil {
		return nil, err
	}
	defer w.Cancel()

	token := req.RequestToken()
	if token == 0 {
		token = c.tracker.AcquireToken()
		req.SetRequestToken(token)
		defer c.tracker.ReleaseToken(token)
	}

	if err := c.Send(ctx, req); err != nil {
		return nil, err
	}

	for {
		msg, err := w.Next(ctx)
		if err != nil {
			return nil, err
		}
		if resp, ok := msg.(protocol.Response); ok && resp.ResponseToken() != token {
			continue
		}
		return msg, nil
	}
}

// Close announces a graceful disconnect and closes the connection
func (c *Connection) Close() error {
	return c.Disconnect(protocol.GracefulDisconnect)
}

// Disconnect sends a best-effort Disconnect carrying reason and closes the
// connection. Only the first call has any effect.
func (c *Connection) Disconnect(reason protocol.DisconnectReason) error {
	if !c.closing.CompareAndSwap(false, true) {
		return nil
	}

	// A writer stuck on a peer that stopped reading holds writeMu; the
	// deadline releases it so the announce and the close cannot hang.
	deadline := time.Now().Add(announceTimeout)
	_ = c.conn.SetWriteDeadline(deadline)

	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()
	if err := c.send(ctx, &protocol.Disconnect{Reason: reason}, true); err != nil {
		c.logger.Debug().Err(err).Msg("Could not announce disconnect")
	}

	c.closeWith(reason)
	return nil
}

// closeWith closes the socket without announcing. The first call decides the
// reason and fires OnDisconnect.
func (c *Connection) closeWith(reason protocol.DisconnectReason) {
	c.closing.Store(true)
	c.closeOnce.Do(func() {
		c.reason = reason
		c.state.Store(int32(Disconnected))
		close(c.closed)

		if err := c.conn.Close(); err != nil {
			c.logger.Debug().Err(err).Msg("Error closing socket")
		}
		c.tracker.Close(closeError(reason))

		c.metrics.ConnectionClosed()
		c.metrics.Disconnect(reason.String())
		c.logger.Info().Str("reason", reason.String()).Msg("Connection closed")

		if c.opts.OnDisconnect != nil {
			c.opts.OnDisconnect(c, reason)
		}
	})
}

func (c *Connection) onDisconnectMessage(_ context.Context, _ protocol.Peer, msg *protocol.Disconnect) error {
	c.logger.Debug().Str("reason", msg.Reason.String()).Msg("Peer announced disconnect")
	c.closeWith(msg.Reason)
	return nil
}

func (c *Connection) String() string {
	return fmt.Sprintf("connection(%s %s)", c.id, c.conn.RemoteAddr())
}
