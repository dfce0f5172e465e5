package protocol

import "fmt"

// ProtocolVersion is the version announced in HandshakeRequest
const ProtocolVersion int32 = 1

// Identifiers at or above ReservedMin belong to the protocol itself
const ReservedMin MessageID = 0x7FFFFF00

// Built-in protocol message identifiers
const (
	HandshakeRequestID   MessageID = 0x7FFFFFE0
	HandshakeResponseID  MessageID = 0x7FFFFFE1
	EncryptionRequestID  MessageID = 0x7FFFFFE2
	EncryptionResponseID MessageID = 0x7FFFFFE3
	SessionExchangeID    MessageID = 0x7FFFFFE4
	PingID               MessageID = 0x7FFFFFF0
	PongID               MessageID = 0x7FFFFFF1
	DisconnectID         MessageID = 0x7FFFFFFF
)

var messageNames = map[MessageID]string{
	HandshakeRequestID:   "HandshakeRequest",
	HandshakeResponseID:  "HandshakeResponse",
	EncryptionRequestID:  "EncryptionRequest",
	EncryptionResponseID: "EncryptionResponse",
	SessionExchangeID:    "SessionExchange",
	PingID:               "Ping",
	PongID:               "Pong",
	DisconnectID:         "Disconnect",
}

// String returns the built-in name or the numeric form
func (id MessageID) String() string {
	if name, ok := messageNames[id]; ok {
		return name
	}
	return fmt.Sprintf("message(%d)", int32(id))
}

// IsReserved returns true if id lies in the protocol's reserved range
func (id MessageID) IsReserved() bool {
	return id >= ReservedMin
}

// HandshakeCode is the result carried by HandshakeResponse
type HandshakeCode byte

const (
	HandshakeSuccess            HandshakeCode = 0
	HandshakeUnsupportedVersion HandshakeCode = 1
)

func (c HandshakeCode) String() string {
	switch c {
	case HandshakeSuccess:
		return "success"
	case HandshakeUnsupportedVersion:
		return "unsupported_version"
	default:
		return fmt.Sprintf("code(%d)", byte(c))
	}
}

// DisconnectReason explains why a connection ended
type DisconnectReason byte

const (
	GracefulDisconnect      DisconnectReason = 0
	EndOfStream             DisconnectReason = 1
	InvalidEncryptionKey    DisconnectReason = 2
	ProtocolVersionMismatch DisconnectReason = 3
	HandshakeTimeout        DisconnectReason = 4
	ServerShutdown          DisconnectReason = 5
)

var reasonNames = map[DisconnectReason]string{
	GracefulDisconnect:      "graceful",
	EndOfStream:             "end_of_stream",
	InvalidEncryptionKey:    "invalid_encryption_key",
	ProtocolVersionMismatch: "protocol_version_mismatch",
	HandshakeTimeout:        "handshake_timeout",
	ServerShutdown:          "server_shutdown",
}

func (r DisconnectReason) String() string {
	if name, ok := reasonNames[r]; ok {
		return name
	}
	return fmt.Sprintf("reason(%d)", byte(r))
}
