package server

import "github.com/gear6io/wirelink/pkg/errors"

// Server-specific error codes
var (
	ErrCapacityReached = errors.MustNewCode("server.capacity_reached")
	ErrListenFailed    = errors.MustNewCode("server.listen_failed")
	ErrAlreadyStarted  = errors.MustNewCode("server.already_started")
	ErrNotStarted      = errors.MustNewCode("server.not_started")
)
