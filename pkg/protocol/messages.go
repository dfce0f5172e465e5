package protocol

import (
	"github.com/gear6io/wirelink/pkg/wire"
	"github.com/google/uuid"
)

// HandshakeRequest opens the handshake with the initiator's protocol version
type HandshakeRequest struct {
	RequestBase
	Version int32
}

func NewHandshakeRequest() *HandshakeRequest { return &HandshakeRequest{} }

func (*HandshakeRequest) ID() MessageID { return HandshakeRequestID }

func (m *HandshakeRequest) Encode(w *wire.Writer) error {
	if err := m.RequestBase.Encode(w); err != nil {
		return err
	}
	return w.WriteInt32(m.Version)
}

func (m *HandshakeRequest) Decode(r *wire.Reader) error {
	if err := m.RequestBase.Decode(r); err != nil {
		return err
	}
	v, err := r.ReadInt32()
	if err != nil {
		return err
	}
	m.Version = v
	return nil
}

// HandshakeResponse answers a HandshakeRequest. Version is the responder's
// own protocol version.
type HandshakeResponse struct {
	ResponseBase
	Code    HandshakeCode
	Version int32
}

func NewHandshakeResponse() *HandshakeResponse { return &HandshakeResponse{} }

func (*HandshakeResponse) ID() MessageID { return HandshakeResponseID }

func (m *HandshakeResponse) Encode(w *wire.Writer) error {
	if err := m.ResponseBase.Encode(w); err != nil {
		return err
	}
	if err := w.WriteByte(byte(m.Code)); err != nil {
		return err
	}
	return w.WriteInt32(m.Version)
}

func (m *HandshakeResponse) Decode(r *wire.Reader) error {
	if err := m.ResponseBase.Decode(r); err != nil {
		return err
	}
	code, err := r.ReadByte()
	if err != nil {
		return err
	}
	v, err := r.ReadInt32()
	if err != nil {
		return err
	}
	m.Code = HandshakeCode(code)
	m.Version = v
	return nil
}

// EncryptionRequest advertises the responder's public key and a challenge
type EncryptionRequest struct {
	PublicKey []byte
	Challenge []byte
}

func NewEncryptionRequest() *EncryptionRequest { return &EncryptionRequest{} }

func (*EncryptionRequest) ID() MessageID { return EncryptionRequestID }

func (m *EncryptionRequest) Encode(w *wire.Writer) error {
	if err := w.WriteBytes(m.PublicKey); err != nil {
		return err
	}
	return w.WriteBytes(m.Challenge)
}

func (m *EncryptionRequest) Decode(r *wire.Reader) error {
	key, err := r.ReadBytes()
	if err != nil {
		return err
	}
	challenge, err := r.ReadBytes()
	if err != nil {
		return err
	}
	m.PublicKey, m.Challenge = key, challenge
	return nil
}

// EncryptionResponse carries the challenge and the session key, both sealed
// to the advertised public key
type EncryptionResponse struct {
	EncryptedChallenge []byte
	EncryptedKey       []byte
}

func NewEncryptionResponse() *EncryptionResponse { return &EncryptionResponse{} }

func (*EncryptionResponse) ID() MessageID { return EncryptionResponseID }

func (m *EncryptionResponse) Encode(w *wire.Writer) error {
	if err := w.WriteBytes(m.EncryptedChallenge); err != nil {
		return err
	}
	return w.WriteBytes(m.EncryptedKey)
}

func (m *EncryptionResponse) Decode(r *wire.Reader) error {
	challenge, err := r.ReadBytes()
	if err != nil {
		return err
	}
	key, err := r.ReadBytes()
	if err != nil {
		return err
	}
	m.EncryptedChallenge, m.EncryptedKey = challenge, key
	return nil
}

// SessionExchange hands the session identifier to the initiator
type SessionExchange struct {
	SessionID uuid.UUID
}

func NewSessionExchange() *SessionExchange { return &SessionExchange{} }

func (*SessionExchange) ID() MessageID { return SessionExchangeID }

func (m *SessionExchange) Encode(w *wire.Writer) error {
	return w.WriteUUID(m.SessionID)
}

func (m *SessionExchange) Decode(r *wire.Reader) error {
	id, err := r.ReadUUID()
	if err != nil {
		return err
	}
	m.SessionID = id
	return nil
}

// Disconnect announces that the sender is closing the connection
type Disconnect struct {
	Reason DisconnectReason
}

func NewDisconnect() *Disconnect { return &Disconnect{} }

func (*Disconnect) ID() MessageID { return DisconnectID }

func (m *Disconnect) Encode(w *wire.Writer) error {
	return w.WriteByte(byte(m.Reason))
}

func (m *Disconnect) Decode(r *wire.Reader) error {
	b, err := r.ReadByte()
	if err != nil {
		return err
	}
	m.Reason = DisconnectReason(b)
	return nil
}

// Ping is a liveness probe; the peer echoes Payload in a Pong
type Ping struct {
	RequestBase
	Payload []byte
}

func NewPing() *Ping { return &Ping{} }

func (*Ping) ID() MessageID { return PingID }

func (m *Ping) Encode(w *wire.Writer) error {
	if err := m.RequestBase.Encode(w); err != nil {
		return err
	}
	return w.WriteBytes(m.Payload)
}

func (m *Ping) Decode(r *wire.Reader) error {
	if err := m.RequestBase.Decode(r); err != nil {
		return err
	}
	payload, err := r.ReadBytes()
	if err != nil {
		return err
	}
	m.Payload = payload
	return nil
}

type Pong struct {
	ResponseBase
	Payload []byte
}

func NewPong() *Pong { return &Pong{} }

func (*Pong) ID() MessageID { return PongID }

func (m *Pong) Encode(w *wire.Writer) error {
	if err := m.ResponseBase.Encode(w); err != nil {
		return err
	}
	return w.WriteBytes(m.Payload)
}

func (m *Pong) Decode(r *wire.Reader) error {
	if err := m.ResponseBase.Decode(r); err != nil {
		return err
	}
	payload, err := r.ReadBytes()
	if err != nil {
		return err
	}
	m.Payload = payload
	return nil
}

func builtins() []Factory {
	return []Factory{
		func() Message { return NewHandshakeRequest() },
		func() Message { return NewHandshakeResponse() },
		func() Message { return NewEncryptionRequest() },
		func() Message { return NewEncryptionResponse() },
		func() Message { return NewSessionExchange() },
		func() Message { return NewPing() },
		func() Message { return NewPong() },
		func() Message { return NewDisconnect() },
	}
}
