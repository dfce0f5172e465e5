package client

import "github.com/gear6io/wirelink/pkg/errors"

// Error codes for client package
var (
	ErrDialFailed       = errors.MustNewCode("client.dial_failed")
	ErrAlreadyConnected = errors.MustNewCode("client.already_connected")
	ErrNotConnected     = errors.MustNewCode("client.not_connected")
	ErrPingMismatch     = errors.MustNewCode("client.ping_mismatch")
)
