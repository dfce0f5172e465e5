package protocol

import "github.com/gear6io/wirelink/pkg/errors"

var (
	ErrInvalidMessageType       = errors.MustNewCode("protocol.invalid_message_type")
	ErrDuplicateIdentifier      = errors.MustNewCode("protocol.duplicate_identifier")
	ErrUnknownMessageIdentifier = errors.MustNewCode("protocol.unknown_message_identifier")
)
