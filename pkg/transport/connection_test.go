package transport

import (
	"bytes"
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gear6io/wirelink/pkg/compress"
	"github.com/gear6io/wirelink/pkg/errors"
	"github.com/gear6io/wirelink/pkg/frame"
	"github.com/gear6io/wirelink/pkg/protocol"
	"github.com/gear6io/wirelink/pkg/secure"
	"github.com/gear6io/wirelink/pkg/wire"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const noteID protocol.MessageID = 100

type note struct {
	Text string
}

func newNote() *note { return &note{} }

func (*note) ID() protocol.MessageID { return noteID }

func (m *note) Encode(w *wire.Writer) error { return w.WriteString(m.Text) }

func (m *note) Decode(r *wire.Reader) error {
	s, err := r.ReadString()
	if err != nil {
		return err
	}
	m.Text = s
	return nil
}

func testRegistry(t *testing.T) *protocol.Registry {
	t.Helper()
	r := protocol.NewRegistry()
	require.NoError(t, r.Register(func() protocol.Message { return newNote() }))
	return r
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func newTestConnection(t *testing.T, conn net.Conn, opts Options) *Connection {
	t.Helper()
	opts.Logger = zerolog.Nop()
	c, err := NewConnection(conn, testRegistry(t), opts)
	require.NoError(t, err)
	t.Cleanup(func() { c.closeWith(protocol.GracefulDisconnect) })
	return c
}

func pipePair(t *testing.T, opts Options) (*Connection, *Connection) {
	t.Helper()
	ca, cb := net.Pipe()
	return newTestConnection(t, ca, opts), newTestConnection(t, cb, opts)
}

// rawFrame builds an unencrypted, uncompressed frame payload
func rawFrame(t *testing.T, id protocol.MessageID, msg protocol.Message) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := wire.NewWriter(&buf)
	require.NoError(t, w.WriteInt32(int32(id)))
	if msg != nil {
		require.NoError(t, msg.Encode(w))
	}
	return buf.Bytes()
}

func sendAsync(ctx context.Context, c *Connection, msg protocol.Message) <-chan error {
	errc := make(chan error, 1)
	go func() { errc <- c.Send(ctx, msg) }()
	return errc
}

func TestSendAndReadNext(t *testing.T) {
	ctx := testContext(t)
	a, b := pipePair(t, Options{})

	errc := sendAsync(ctx, a, &note{Text: "hello"})

	msg, err := b.ReadNext(ctx)
	require.NoError(t, err)
	require.NoError(t, <-errc)
	assert.Equal(t, &note{Text: "hello"}, msg)
}

func TestCompressedConnection(t *testing.T) {
	ctx := testContext(t)
	a, b := pipePair(t, Options{Compression: compress.ZSTD})

	text := string(bytes.Repeat([]byte("wirelink "), 1000))
	errc := sendAsync(ctx, a, &note{Text: text})

	msg, err := b.ReadNext(ctx)
	require.NoError(t, err)
	require.NoError(t, <-errc)
	assert.Equal(t, text, msg.(*note).Text)
}

func TestUnknownIdentifierIsDropped(t *testing.T) {
	ctx := testContext(t)
	raw, peer := net.Pipe()
	c := newTestConnection(t, peer, Options{})
	defer raw.Close()

	unknown := rawFrame(t, 12345, &note{Text: "ignored"})
	known := rawFrame(t, noteID, &note{Text: "after"})
	go func() {
		_ = frame.Write(raw, unknown)
		_ = frame.Write(raw, known)
	}()

	msg, err := c.ReadNext(ctx)
	require.NoError(t, err)
	assert.Nil(t, msg)

	msg, err = c.ReadNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, "after", msg.(*note).Text)
}

func TestTruncatedFrameClosesConnection(t *testing.T) {
	ctx := testContext(t)
	raw, peer := net.Pipe()
	c := newTestConnection(t, peer, Options{})

	go func() {
		_, _ = raw.Write([]byte{0, 0, 0, 100})
		_, _ = raw.Write(make([]byte, 10))
		_ = raw.Close()
	}()

	msg, err := c.ReadNext(ctx)
	assert.Nil(t, msg)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConnectionClosed), err.Error())
}

func TestServeClosesOnEndOfStream(t *testing.T) {
	ctx := testContext(t)
	raw, peer := net.Pipe()

	var reasons []protocol.DisconnectReason
	var mu sync.Mutex
	c := newTestConnection(t, peer, Options{
		OnDisconnect: func(_ *Connection, reason protocol.DisconnectReason) {
			mu.Lock()
			reasons = append(reasons, reason)
			mu.Unlock()
		},
	})

	go func() {
		_, _ = raw.Write([]byte{0, 0})
		_ = raw.Close()
	}()

	err := c.Serve(ctx)
	assert.True(t, errors.Is(err, ErrConnectionClosed))
	assert.Equal(t, protocol.EndOfStream, c.Reason())
	assert.Equal(t, Disconnected, c.State())

	mu.Lock()
	assert.Equal(t, []protocol.DisconnectReason{protocol.EndOfStream}, reasons)
	mu.Unlock()
}

func TestOversizedFrameIsSkipped(t *testing.T) {
	ctx := testContext(t)
	raw, peer := net.Pipe()
	c := newTestConnection(t, peer, Options{MaxFrameSize: 64})
	defer raw.Close()

	fits := rawFrame(t, noteID, &note{Text: "fits"})
	go func() {
		_ = frame.Write(raw, make([]byte, 100))
		_ = frame.Write(raw, fits)
	}()

	_, err := c.ReadNext(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMalformedFrame))

	msg, err := c.ReadNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, "fits", msg.(*note).Text)
}

func TestUndecodableBodyIsMalformed(t *testing.T) {
	ctx := testContext(t)
	raw, peer := net.Pipe()
	c := newTestConnection(t, peer, Options{})
	defer raw.Close()

	go func() {
		// string length prefix without the string
		_ = frame.Write(raw, []byte{0, 0, 0, byte(noteID), 0, 0, 0, 9})
	}()

	_, err := c.ReadNext(ctx)
	assert.True(t, errors.Is(err, ErrMalformedFrame))
	assert.NotEqual(t, Disconnected, c.State())
}

func TestSendRejectsOversizedMessage(t *testing.T) {
	a, _ := pipePair(t, Options{MaxFrameSize: 16})

	err := a.Send(context.Background(), &note{Text: string(make([]byte, 64))})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.CommonInvalidInput))
	assert.NotEqual(t, Disconnected, a.State())
}

func TestHandlersFanOutAndPanicsAreIsolated(t *testing.T) {
	ctx := testContext(t)
	a, b := pipePair(t, Options{})

	var calls atomic.Int32
	reg := b.Registry()
	require.NoError(t, protocol.Handle(reg, newNote, func(context.Context, protocol.Peer, *note) error {
		panic("boom")
	}))
	require.NoError(t, protocol.Handle(reg, newNote, func(context.Context, protocol.Peer, *note) error {
		calls.Add(1)
		return nil
	}))
	require.NoError(t, protocol.Handle(reg, newNote, func(context.Context, protocol.Peer, *note) error {
		calls.Add(1)
		return errors.New(errors.CommonInternal, "handler failed", nil)
	}))

	for i := 0; i < 2; i++ {
		errc := sendAsync(ctx, a, &note{Text: "x"})
		_, err := b.ReadNext(ctx)
		require.NoError(t, err)
		require.NoError(t, <-errc)
	}

	assert.Equal(t, int32(4), calls.Load())
	assert.NotEqual(t, Disconnected, b.State())
}

func TestOnMessageRunsAfterDispatch(t *testing.T) {
	ctx := testContext(t)
	ca, cb := net.Pipe()
	a := newTestConnection(t, ca, Options{})

	seen := make(chan protocol.Message, 1)
	b := newTestConnection(t, cb, Options{
		OnMessage: func(_ *Connection, msg protocol.Message) { seen <- msg },
	})

	errc := sendAsync(ctx, a, &note{Text: "observed"})
	_, err := b.ReadNext(ctx)
	require.NoError(t, err)
	require.NoError(t, <-errc)

	got := <-seen
	assert.Equal(t, "observed", got.(*note).Text)
}

func TestWaitRequiresRegisteredIdentifier(t *testing.T) {
	a, _ := pipePair(t, Options{})

	_, err := a.Wait(4242)
	assert.True(t, errors.Is(err, protocol.ErrInvalidMessageType))

	// fails before anything is written; the peer never reads
	_, err = a.SendAndWait(context.Background(), protocol.NewPing(), 4242)
	assert.True(t, errors.Is(err, protocol.ErrInvalidMessageType))
}

func TestConcurrentRequestsCorrelate(t *testing.T) {
	const n = 16
	ctx := testContext(t)
	client, server := pipePair(t, Options{})

	pings := make(chan *protocol.Ping, n)
	require.NoError(t, protocol.Handle(server.Registry(), protocol.NewPing,
		func(_ context.Context, _ protocol.Peer, p *protocol.Ping) error {
			pings <- p
			return nil
		}))

	go func() { _ = server.Serve(ctx) }()
	go func() { _ = client.Serve(ctx) }()

	// answer only once every request is in, newest first
	go func() {
		collected := make([]*protocol.Ping, 0, n)
		for len(collected) < n {
			collected = append(collected, <-pings)
		}
		for i := len(collected) - 1; i >= 0; i-- {
			p := collected[i]
			_ = server.Send(ctx, &protocol.Pong{ResponseBase: protocol.Reply(p), Payload: p.Payload})
		}
	}()

	type result struct {
		index int
		token uint64
		pong  *protocol.Pong
		err   error
	}
	results := make(chan result, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			req := &protocol.Ping{Payload: []byte{byte(i)}}
			msg, err := client.SendAndWait(ctx, req, protocol.PongID)
			pong, _ := msg.(*protocol.Pong)
			results <- result{index: i, token: req.RequestToken(), pong: pong, err: err}
		}(i)
	}

	for i := 0; i < n; i++ {
		r := <-results
		require.NoError(t, r.err)
		require.NotNil(t, r.pong)
		assert.Equal(t, r.token, r.pong.ResponseToken())
		assert.Equal(t, []byte{byte(r.index)}, r.pong.Payload)
	}

	assert.Equal(t, 0, client.Tracker().Pending(protocol.PongID))
}

func TestCloseIsIdempotent(t *testing.T) {
	ctx := testContext(t)
	ca, cb := net.Pipe()

	var aCount, bCount atomic.Int32
	a := newTestConnection(t, ca, Options{
		OnDisconnect: func(*Connection, protocol.DisconnectReason) { aCount.Add(1) },
	})
	b := newTestConnection(t, cb, Options{
		OnDisconnect: func(*Connection, protocol.DisconnectReason) { bCount.Add(1) },
	})
	go func() { _ = b.Serve(ctx) }()

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
	require.NoError(t, a.Disconnect(protocol.ServerShutdown))

	select {
	case <-b.Done():
	case <-ctx.Done():
		t.Fatal("peer did not close")
	}

	assert.Equal(t, int32(1), aCount.Load())
	assert.Equal(t, int32(1), bCount.Load())
	assert.Equal(t, protocol.GracefulDisconnect, a.Reason())
	assert.Equal(t, protocol.GracefulDisconnect, b.Reason())

	err := a.Send(ctx, &note{})
	assert.True(t, errors.Is(err, ErrConnectionClosed))
}

func TestCloseFailsPendingWaiters(t *testing.T) {
	a, _ := pipePair(t, Options{})

	w, err := a.Wait(protocol.PongID)
	require.NoError(t, err)
	defer w.Cancel()

	a.closeWith(protocol.HandshakeTimeout)

	_, err = w.Next(context.Background())
	assert.True(t, errors.Is(err, ErrHandshakeTimeout))
}

func TestSendFailureClosesWithEndOfStream(t *testing.T) {
	ca, cb := net.Pipe()
	a := newTestConnection(t, ca, Options{})
	require.NoError(t, cb.Close())

	err := a.Send(context.Background(), &note{Text: "lost"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSendFailed))
	assert.Equal(t, protocol.EndOfStream, a.Reason())
}

func TestServeStopsWhenContextEnds(t *testing.T) {
	ca, cb := net.Pipe()
	a := newTestConnection(t, ca, Options{})
	b := newTestConnection(t, cb, Options{})

	peerCtx := testContext(t)
	go func() { _ = b.Serve(peerCtx) }()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
	assert.Equal(t, protocol.GracefulDisconnect, a.Reason())
}

func TestDisconnectDoesNotHangBehindStuckSend(t *testing.T) {
	ctx := testContext(t)
	// nothing ever reads from raw, so the first write blocks
	raw, peer := net.Pipe()
	defer raw.Close()
	c := newTestConnection(t, peer, Options{})

	sendErr := sendAsync(ctx, c, &note{Text: "stuck"})
	time.Sleep(50 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		_ = c.Disconnect(protocol.ServerShutdown)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(announceTimeout + 2*time.Second):
		t.Fatal("Disconnect did not return")
	}

	assert.Equal(t, Disconnected, c.State())
	assert.Equal(t, protocol.ServerShutdown, c.Reason())
	assert.Error(t, <-sendErr)

	err := c.Send(ctx, &note{Text: "late"})
	assert.True(t, errors.Is(err, ErrConnectionClosed))
}

func tentativeConnection(t *testing.T) (net.Conn, *Connection, *secure.Cipher) {
	t.Helper()
	key, err := secure.GenerateKey()
	require.NoError(t, err)
	cipher, err := secure.NewCipher(key)
	require.NoError(t, err)

	raw, peer := net.Pipe()
	t.Cleanup(func() { raw.Close() })
	c := newTestConnection(t, peer, Options{})
	c.beginRxEncryption(cipher)
	return raw, c, cipher
}

func TestTentativeDecryptionRejectsCleartext(t *testing.T) {
	ctx := testContext(t)
	raw, c, cipher := tentativeConnection(t)

	injected := rawFrame(t, noteID, &note{Text: "injected cleartext"})
	sealed, err := cipher.Seal(rawFrame(t, noteID, &note{Text: "sealed"}))
	require.NoError(t, err)
	go func() {
		_ = frame.Write(raw, injected)
		_ = frame.Write(raw, sealed)
	}()

	msg, err := c.ReadNext(ctx)
	assert.Nil(t, msg)
	assert.True(t, errors.Is(err, ErrMalformedFrame), "%v", err)

	msg, err = c.ReadNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, "sealed", msg.(*note).Text)
}

func TestTentativeDecryptionAcceptsCleartextDisconnect(t *testing.T) {
	ctx := testContext(t)
	raw, c, _ := tentativeConnection(t)

	announce := rawFrame(t, protocol.DisconnectID, &protocol.Disconnect{Reason: protocol.InvalidEncryptionKey})
	go func() { _ = frame.Write(raw, announce) }()

	msg, err := c.ReadNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.DisconnectID, msg.ID())
	assert.Equal(t, protocol.InvalidEncryptionKey, c.Reason())
}

func TestCleartextAfterFirstDecryptIsMalformed(t *testing.T) {
	ctx := testContext(t)
	raw, c, cipher := tentativeConnection(t)

	sealed, err := cipher.Seal(rawFrame(t, noteID, &note{Text: "sealed"}))
	require.NoError(t, err)
	disconnect := rawFrame(t, protocol.DisconnectID, &protocol.Disconnect{Reason: protocol.GracefulDisconnect})
	go func() {
		_ = frame.Write(raw, sealed)
		_ = frame.Write(raw, disconnect)
	}()

	_, err = c.ReadNext(ctx)
	require.NoError(t, err)

	_, err = c.ReadNext(ctx)
	assert.True(t, errors.Is(err, ErrMalformedFrame), "%v", err)
	assert.NotEqual(t, Disconnected, c.State())
}

func TestNegativeFrameLengthClosesConnection(t *testing.T) {
	ctx := testContext(t)
	raw, peer := net.Pipe()
	defer raw.Close()
	c := newTestConnection(t, peer, Options{})

	go func() { _, _ = raw.Write([]byte{0xFF, 0xFF, 0xFF, 0xF0}) }()

	err := c.Serve(ctx)
	assert.True(t, errors.Is(err, ErrConnectionClosed), "%v", err)
	assert.Equal(t, protocol.EndOfStream, c.Reason())
}
