package client

import (
	"context"
	"net"
	"time"

	"github.com/gear6io/wirelink/pkg/metrics"
	"github.com/gear6io/wirelink/pkg/protocol"
	"github.com/gear6io/wirelink/pkg/transport"
	"github.com/rs/zerolog"
)

const (
	DefaultDialTimeout      = 10 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
)

// Options represents client options
type Options struct {
	// Addr is the host:port of the listener
	Addr        string
	DialContext func(ctx context.Context, addr string) (net.Conn, error)
	DialTimeout time.Duration // default 10 seconds

	ProtocolVersion  int32         // default protocol.ProtocolVersion
	HandshakeTimeout time.Duration // default 10 seconds

	// KeepAliveInterval pings the server this often once connected; zero
	// disables keep-alive
	KeepAliveInterval time.Duration

	// Transport is applied to the connection. Its Logger, Metrics and
	// callbacks are replaced by the client's own.
	Transport transport.Options

	Logger  zerolog.Logger
	Metrics *metrics.Metrics

	// OnDisconnected runs once each time an established or half-open
	// connection closes
	OnDisconnected func(reason protocol.DisconnectReason)

	// OnMessage runs for every decoded message
	OnMessage func(msg protocol.Message)
}

func (o *Options) setDefaults() {
	if o.DialTimeout <= 0 {
		o.DialTimeout = DefaultDialTimeout
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if o.ProtocolVersion == 0 {
		o.ProtocolVersion = protocol.ProtocolVersion
	}
	if o.DialContext == nil {
		o.DialContext = func(ctx context.Context, addr string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "tcp", addr)
		}
	}
}
