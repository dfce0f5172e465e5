package transport

import (
	"time"

	"github.com/gear6io/wirelink/pkg/compress"
	"github.com/gear6io/wirelink/pkg/frame"
	"github.com/gear6io/wirelink/pkg/metrics"
	"github.com/gear6io/wirelink/pkg/protocol"
	"github.com/rs/zerolog"
)

const (
	// DefaultHandlerConcurrency bounds the handlers run at once for one frame
	DefaultHandlerConcurrency = 16

	// announceTimeout bounds the best-effort Disconnect write on close
	announceTimeout = 2 * time.Second
)

// Options configures a Connection. The zero value is usable.
type Options struct {
	// Compression applies to every frame in both directions, from the first
	// frame on. Both ends must agree.
	Compression      compress.Method
	CompressionLevel int

	// MaxFrameSize bounds inbound frames and decompressed payloads
	MaxFrameSize int

	// ReadTimeout closes a connection that receives nothing for this long;
	// zero disables it
	ReadTimeout time.Duration

	// WriteTimeout bounds a single frame write when the caller's context
	// has no deadline
	WriteTimeout time.Duration

	HandlerConcurrency int

	Logger  zerolog.Logger
	Metrics *metrics.Metrics

	// OnMessage runs on the read loop after handlers and waiters have seen
	// the message
	OnMessage func(c *Connection, msg protocol.Message)

	// OnDisconnect runs exactly once, after the socket is closed
	OnDisconnect func(c *Connection, reason protocol.DisconnectReason)
}

func (o Options) withDefaults() Options {
	if o.MaxFrameSize <= 0 {
		o.MaxFrameSize = frame.DefaultMaxSize
	}
	if o.HandlerConcurrency <= 0 {
		o.HandlerConcurrency = DefaultHandlerConcurrency
	}
	return o
}
