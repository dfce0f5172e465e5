// Package protocol defines the message envelope, the built-in protocol
// messages and the registry that maps wire identifiers to message factories
// and handlers.
package protocol

import (
	"context"
	"net"

	"github.com/gear6io/wirelink/pkg/wire"
	"github.com/google/uuid"
)

// MessageID is the 32-bit identifier written ahead of every message body
type MessageID int32

// Message is a self-encoding unit of protocol or application data.
// Encode and Decode handle the body only; the identifier is written and read
// by the connection layer.
type Message interface {
	ID() MessageID
	Encode(w *wire.Writer) error
	Decode(r *wire.Reader) error
}

// Request is a message that carries a correlation token
type Request interface {
	Message
	RequestToken() uint64
	SetRequestToken(token uint64)
}

// Response is a message that echoes the correlation token of a Request
type Response interface {
	Message
	ResponseToken() uint64
}

// Peer is the remote end of a connection as seen by a handler
type Peer interface {
	ID() string
	SessionID() uuid.UUID
	RemoteAddr() net.Addr
	Send(ctx context.Context, msg Message) error
	Disconnect(reason DisconnectReason) error
}

// RequestBase is embedded by request messages. Its Encode and Decode handle
// the token and must be called before the embedding type's own fields.
type RequestBase struct {
	CorrelationToken uint64
}

func (b *RequestBase) RequestToken() uint64 { return b.CorrelationToken }

func (b *RequestBase) SetRequestToken(token uint64) { b.CorrelationToken = token }

func (b *RequestBase) Encode(w *wire.Writer) error {
	return w.WriteUint64(b.CorrelationToken)
}

func (b *RequestBase) Decode(r *wire.Reader) error {
	token, err := r.ReadUint64()
	if err != nil {
		return err
	}
	b.CorrelationToken = token
	return nil
}

// ResponseBase is embedded by response messages, symmetric to RequestBase
type ResponseBase struct {
	CorrelationToken uint64
}

func (b *ResponseBase) ResponseToken() uint64 { return b.CorrelationToken }

func (b *ResponseBase) Encode(w *wire.Writer) error {
	return w.WriteUint64(b.CorrelationToken)
}

func (b *ResponseBase) Decode(r *wire.Reader) error {
	token, err := r.ReadUint64()
	if err != nil {
		return err
	}
	b.CorrelationToken = token
	return nil
}

// Reply builds a ResponseBase answering req
func Reply(req Request) ResponseBase {
	return ResponseBase{CorrelationToken: req.RequestToken()}
}
