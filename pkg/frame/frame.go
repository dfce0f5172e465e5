// Package frame implements the outer wire unit: a big-endian int32 length
// followed by that many payload bytes.
package frame

import (
	"encoding/binary"
	"io"
	"math"

	"github.com/go-faster/errors"

	"github.com/gear6io/wirelink/pkg/wire"
)

// HeaderLen is the size of the length prefix
const HeaderLen = 4

// DefaultMaxSize bounds a single inbound frame payload
const DefaultMaxSize = 16 * 1024 * 1024

var (
	// ErrFrameTooLarge is returned when a frame exceeds the configured limit.
	// The oversized payload has already been drained from the stream.
	ErrFrameTooLarge = errors.New("frame too large")

	// ErrNegativeLength is returned for a length prefix below zero. The stream
	// cannot be resynchronised after it.
	ErrNegativeLength = errors.New("negative frame length")
)

// Read reads one frame payload. A stream that ends inside the prefix or the
// payload yields wire.ErrTruncated; io.EOF is returned only when the stream
// ends cleanly on a frame boundary.
func Read(r io.Reader, maxSize int) ([]byte, error) {
	var header [HeaderLen]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, errors.Wrap(wire.ErrTruncated, "read frame length")
		}
		return nil, errors.Wrap(err, "read frame length")
	}

	length := int32(binary.BigEndian.Uint32(header[:]))
	if length < 0 {
		return nil, ErrNegativeLength
	}

	if maxSize > 0 && int(length) > maxSize {
		if _, err := io.CopyN(io.Discard, r, int64(length)); err != nil {
			return nil, errors.Wrap(wire.ErrTruncated, "drain oversized frame")
		}
		return nil, errors.Wrapf(ErrFrameTooLarge, "%d bytes exceeds limit of %d", length, maxSize)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, errors.Wrapf(wire.ErrTruncated, "read frame payload of %d bytes", length)
		}
		return nil, errors.Wrap(err, "read frame payload")
	}

	return payload, nil
}

// Write writes the length prefix and payload with a single Write call so
// that a frame is never split across concurrent writers sharing w.
func Write(w io.Writer, payload []byte) error {
	if len(payload) > math.MaxInt32 {
		return errors.Errorf("frame of %d bytes exceeds int32 length prefix", len(payload))
	}

	buf := make([]byte, HeaderLen+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[HeaderLen:], payload)

	if _, err := w.Write(buf); err != nil {
		return errors.Wrap(err, "write frame")
	}
	return nil
}
