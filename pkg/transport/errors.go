package transport

import (
	"github.com/gear6io/wirelink/pkg/errors"
	"github.com/gear6io/wirelink/pkg/protocol"
)

var (
	ErrConnectionClosed         = errors.MustNewCode("transport.connection_closed")
	ErrMalformedFrame           = errors.MustNewCode("transport.malformed_frame")
	ErrSendFailed               = errors.MustNewCode("transport.send_failed")
	ErrHandshakeVersionMismatch = errors.MustNewCode("transport.handshake_version_mismatch")
	ErrInvalidEncryptionKey     = errors.MustNewCode("transport.invalid_encryption_key")
	ErrHandshakeTimeout         = errors.MustNewCode("transport.handshake_timeout")
	ErrNotConnected             = errors.MustNewCode("transport.not_connected")
	ErrWaitCanceled             = errors.MustNewCode("transport.wait_canceled")
)

// closeError maps the reason a connection ended to the fault reported to
// pending waiters
func closeError(reason protocol.DisconnectReason) error {
	code := ErrConnectionClosed
	switch reason {
	case protocol.InvalidEncryptionKey:
		code = ErrInvalidEncryptionKey
	case protocol.ProtocolVersionMismatch:
		code = ErrHandshakeVersionMismatch
	case protocol.HandshakeTimeout:
		code = ErrHandshakeTimeout
	}
	return errors.New(code, "connection closed", nil).AddContext("reason", reason.String())
}
