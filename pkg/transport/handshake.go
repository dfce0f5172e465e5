package transport

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/gear6io/wirelink/pkg/errors"
	"github.com/gear6io/wirelink/pkg/protocol"
	"github.com/gear6io/wirelink/pkg/secure"
	"github.com/google/uuid"
)

// Handshaker drives one side of the handshake. Attach runs before the read
// loop starts; Handshake runs while it is serving and returns once the
// connection is Connected or has failed.
type Handshaker interface {
	Attach(c *Connection) error
	Handshake(ctx context.Context, c *Connection) error
}

var (
	_ Handshaker = (*Initiator)(nil)
	_ Handshaker = (*Responder)(nil)
)

// Initiator is the connecting side. It drives every phase with
// SendAndWait and waiters.
type Initiator struct {
	Version int32
}

func NewInitiator(version int32) *Initiator {
	return &Initiator{Version: version}
}

// Attach marks c as Connecting until Handshake begins
func (i *Initiator) Attach(c *Connection) error {
	c.setState(Connecting)
	return nil
}

func (i *Initiator) Handshake(ctx context.Context, c *Connection) error {
	c.setState(Handshaking)

	// The responder sends EncryptionRequest on its own after a delay, so the
	// waiter has to exist before the handshake request goes out.
	encWaiter, err := c.Wait(protocol.EncryptionRequestID)
	if err != nil {
		return err
	}
	defer encWaiter.Cancel()

	msg, err := c.SendAndWait(ctx, &protocol.HandshakeRequest{Version: i.Version}, protocol.HandshakeResponseID)
	if err != nil {
		return i.fail(ctx, c, err, "handshake request")
	}
	resp, ok := msg.(*protocol.HandshakeResponse)
	if !ok {
		return i.fail(ctx, c, unexpected(msg), "handshake request")
	}
	if resp.Code != protocol.HandshakeSuccess {
		c.metrics.Handshake("version_mismatch")
		c.closeWith(protocol.ProtocolVersionMismatch)
		return errors.Newf(ErrHandshakeVersionMismatch, "peer rejected protocol version %d", i.Version).
			AddContext("local_version", itoa(i.Version)).
			AddContext("remote_version", itoa(resp.Version)).
			AddContext("code", resp.Code.String())
	}
	c.setState(Encrypting)

	msg, err = encWaiter.Next(ctx)
	if err != nil {
		return i.fail(ctx, c, err, "encryption request")
	}
	encReq, ok := msg.(*protocol.EncryptionRequest)
	if !ok {
		return i.fail(ctx, c, unexpected(msg), "encryption request")
	}

	key, err := secure.GenerateKey()
	if err != nil {
		return i.fail(ctx, c, err, "generate session key")
	}
	cipher, err := secure.NewCipher(key)
	if err != nil {
		return i.fail(ctx, c, err, "create session cipher")
	}
	sealedChallenge, err := secure.SealTo(encReq.PublicKey, encReq.Challenge)
	if err != nil {
		return i.fail(ctx, c, err, "seal challenge")
	}
	sealedKey, err := secure.SealTo(encReq.PublicKey, key)
	if err != nil {
		return i.fail(ctx, c, err, "seal session key")
	}

	sessWaiter, err := c.Wait(protocol.SessionExchangeID)
	if err != nil {
		return err
	}
	defer sessWaiter.Cancel()

	// The responder encrypts everything after it accepts the key, so inbound
	// decryption starts before the response is sent and outbound encryption
	// right after.
	c.beginRxEncryption(cipher)
	if err := c.Send(ctx, &protocol.EncryptionResponse{
		EncryptedChallenge: sealedChallenge,
		EncryptedKey:       sealedKey,
	}); err != nil {
		return i.fail(ctx, c, err, "encryption response")
	}
	c.enableTxEncryption()

	msg, err = sessWaiter.Next(ctx)
	if err != nil {
		return i.fail(ctx, c, err, "session exchange")
	}
	session, ok := msg.(*protocol.SessionExchange)
	if !ok {
		return i.fail(ctx, c, unexpected(msg), "session exchange")
	}

	c.setSessionID(session.SessionID)
	c.setState(Connected)
	c.metrics.Handshake("success")
	c.logger.Info().Str("session_id", session.SessionID.String()).Msg("Handshake completed")
	return nil
}

// fail closes c and returns the fault for a failed handshake step. Faults
// that already carry a code, such as an InvalidEncryptionKey disconnect,
// pass through unchanged.
func (i *Initiator) fail(ctx context.Context, c *Connection, err error, step string) error {
	if ctx.Err() != nil && stderrors.Is(err, ctx.Err()) {
		c.metrics.Handshake("timeout")
		c.closeWith(protocol.HandshakeTimeout)
		return errors.Wrap(ErrHandshakeTimeout, err, "handshake timed out").AddContext("step", step)
	}

	c.metrics.Handshake("failed")
	c.closeWith(protocol.EndOfStream)
	if _, ok := errors.As(err); ok {
		return err
	}
	return errors.Wrap(ErrConnectionClosed, err, "handshake failed").AddContext("step", step)
}

// ResponderOptions configures the accepting side of the handshake
type ResponderOptions struct {
	Version   int32
	KeyPair   *secure.KeyPair
	SessionID uuid.UUID

	// ChallengeDelay is waited between the handshake response and the
	// encryption request
	ChallengeDelay time.Duration

	// OnEstablished runs on the read loop once the session key is installed
	OnEstablished func(c *Connection)
}

// Responder is the accepting side. It reacts to the initiator's messages
// through handlers registered on the connection.
type Responder struct {
	opts ResponderOptions
	conn *Connection

	mu          sync.Mutex
	challenge   []byte
	established chan struct{}
}

func NewResponder(opts ResponderOptions) *Responder {
	return &Responder{opts: opts, established: make(chan struct{})}
}

// Attach assigns the session identifier and registers the handshake handlers
func (r *Responder) Attach(c *Connection) error {
	if r.opts.KeyPair == nil {
		return errors.New(errors.CommonValidation, "responder needs a key pair", nil)
	}
	r.conn = c
	c.setSessionID(r.opts.SessionID)
	c.setState(Handshaking)

	if err := protocol.Handle(c.registry, protocol.NewHandshakeRequest, r.onHandshakeRequest); err != nil {
		return err
	}
	return protocol.Handle(c.registry, protocol.NewEncryptionResponse, r.onEncryptionResponse)
}

// Handshake waits until the initiator completes the handshake, the
// connection closes or ctx is done. A ctx that expires first closes the
// connection with HandshakeTimeout.
func (r *Responder) Handshake(ctx context.Context, c *Connection) error {
	select {
	case <-r.established:
		return nil
	case <-c.Done():
		return closeError(c.Reason())
	case <-ctx.Done():
		c.metrics.Handshake("timeout")
		c.Disconnect(protocol.HandshakeTimeout)
		return errors.Wrap(ErrHandshakeTimeout, ctx.Err(), "handshake timed out").
			AddContext("state", c.State().String())
	}
}

func (r *Responder) onHandshakeRequest(ctx context.Context, _ protocol.Peer, req *protocol.HandshakeRequest) error {
	c := r.conn
	if c.State() != Handshaking {
		c.logger.Warn().Str("state", c.State().String()).Msg("Ignoring repeated handshake request")
		return nil
	}

	resp := &protocol.HandshakeResponse{
		ResponseBase: protocol.Reply(req),
		Code:         protocol.HandshakeSuccess,
		Version:      r.opts.Version,
	}

	if req.Version != r.opts.Version {
		resp.Code = protocol.HandshakeUnsupportedVersion
		c.logger.Info().
			Int32("client_version", req.Version).
			Int32("server_version", r.opts.Version).
			Msg("Rejecting handshake with unsupported protocol version")
		if err := c.Send(ctx, resp); err != nil {
			return err
		}
		c.metrics.Handshake("version_mismatch")
		c.closeWith(protocol.ProtocolVersionMismatch)
		return nil
	}

	challenge, err := secure.GenerateChallenge()
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.challenge = challenge
	r.mu.Unlock()

	if err := c.Send(ctx, resp); err != nil {
		return err
	}
	c.setState(Encrypting)

	if r.opts.ChallengeDelay > 0 {
		timer := time.NewTimer(r.opts.ChallengeDelay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-c.Done():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return c.Send(ctx, &protocol.EncryptionRequest{
		PublicKey: r.opts.KeyPair.PublicKey(),
		Challenge: challenge,
	})
}

func (r *Responder) onEncryptionResponse(ctx context.Context, _ protocol.Peer, resp *protocol.EncryptionResponse) error {
	c := r.conn

	r.mu.Lock()
	challenge := r.challenge
	r.challenge = nil
	r.mu.Unlock()

	if c.State() != Encrypting || challenge == nil {
		c.logger.Warn().Str("state", c.State().String()).Msg("Ignoring unexpected encryption response")
		return nil
	}

	cipher, err := r.verify(resp, challenge)
	if err != nil {
		c.metrics.Handshake("invalid_key")
		c.logger.Warn().Err(err).Msg("Rejecting encryption response")
		return c.Disconnect(protocol.InvalidEncryptionKey)
	}

	c.installCipher(cipher, true, true)
	c.setState(Connected)
	if err := c.Send(ctx, &protocol.SessionExchange{SessionID: r.opts.SessionID}); err != nil {
		return err
	}

	c.metrics.Handshake("success")
	c.logger.Info().Str("session_id", r.opts.SessionID.String()).Msg("Handshake completed")
	close(r.established)
	if r.opts.OnEstablished != nil {
		r.opts.OnEstablished(c)
	}
	return nil
}

// verify checks the sealed challenge against the one sent and opens the
// session key. No key is returned unless the challenge matches.
func (r *Responder) verify(resp *protocol.EncryptionResponse, challenge []byte) (*secure.Cipher, error) {
	opened, err := r.opts.KeyPair.Open(resp.EncryptedChallenge)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidEncryptionKey, err, "open challenge")
	}
	if !secure.ChallengeEqual(opened, challenge) {
		return nil, errors.New(ErrInvalidEncryptionKey, "challenge mismatch", nil)
	}

	key, err := r.opts.KeyPair.Open(resp.EncryptedKey)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidEncryptionKey, err, "open session key")
	}
	cipher, err := secure.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidEncryptionKey, err, "install session key")
	}
	return cipher, nil
}

func unexpected(msg protocol.Message) error {
	return errors.Newf(ErrMalformedFrame, "unexpected message %T", msg)
}
