package wire

import "github.com/go-faster/errors"

var (
	// ErrTruncated is returned when the stream ends before a value is complete
	ErrTruncated = errors.New("truncated stream")

	// ErrNegativeLength is returned for a length prefix below zero
	ErrNegativeLength = errors.New("negative length prefix")

	// ErrVarintOverflow is returned for a uvarint longer than 64 bits
	ErrVarintOverflow = errors.New("varint too long")
)
