package wire

import (
	"encoding/binary"
	"io"
	"math"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
)

// Reader decodes big-endian primitives and length-prefixed blocks from a
// byte stream. All reads are exact: a short stream yields ErrTruncated.
type Reader struct {
	r   io.Reader
	buf [8]byte
}

// lenReader is implemented by *bytes.Reader and *bytes.Buffer. When the
// source exposes its remaining length, block reads are checked against it
// before allocating.
type lenReader interface {
	Len() int
}

// NewReader creates a new reader over r
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

func (r *Reader) fill(n int) ([]byte, error) {
	if _, err := io.ReadFull(r.r, r.buf[:n]); err != nil {
		return nil, truncated(err)
	}
	return r.buf[:n], nil
}

func truncated(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrTruncated
	}
	return err
}

// ReadByte reads a single byte
func (r *Reader) ReadByte() (byte, error) {
	b, err := r.fill(1)
	if err != nil {
		return 0, errors.Wrap(err, "read byte")
	}
	return b[0], nil
}

// ReadBool reads a single byte where any non-zero value is true
func (r *Reader) ReadBool() (bool, error) {
	b, err := r.ReadByte()
	return b != 0, err
}

func (r *Reader) ReadInt8() (int8, error) {
	b, err := r.ReadByte()
	return int8(b), err
}

// ReadUint16 reads a 16-bit unsigned integer (big endian)
func (r *Reader) ReadUint16() (uint16, error) {
	b, err := r.fill(2)
	if err != nil {
		return 0, errors.Wrap(err, "read uint16")
	}
	return binary.BigEndian.Uint16(b), nil
}

// ReadUint32 reads a 32-bit unsigned integer (big endian)
func (r *Reader) ReadUint32() (uint32, error) {
	b, err := r.fill(4)
	if err != nil {
		return 0, errors.Wrap(err, "read uint32")
	}
	return binary.BigEndian.Uint32(b), nil
}

// ReadUint64 reads a 64-bit unsigned integer (big endian)
func (r *Reader) ReadUint64() (uint64, error) {
	b, err := r.fill(8)
	if err != nil {
		return 0, errors.Wrap(err, "read uint64")
	}
	return binary.BigEndian.Uint64(b), nil
}

func (r *Reader) ReadInt16() (int16, error) {
	v, err := r.ReadUint16()
	return int16(v), err
}

func (r *Reader) ReadInt32() (int32, error) {
	v, err := r.ReadUint32()
	return int32(v), err
}

func (r *Reader) ReadInt64() (int64, error) {
	v, err := r.ReadUint64()
	return int64(v), err
}

func (r *Reader) ReadFloat32() (float32, error) {
	v, err := r.ReadUint32()
	return math.Float32frombits(v), err
}

func (r *Reader) ReadFloat64() (float64, error) {
	v, err := r.ReadUint64()
	return math.Float64frombits(v), err
}

// ReadUVarInt reads a variable-length unsigned integer
func (r *Reader) ReadUVarInt() (uint64, error) {
	var value uint64
	var shift uint
	for {
		b, err := r.ReadByte()
		if err != nil {
			return 0, errors.Wrap(err, "read uvarint")
		}
		value |= uint64(b&0x7F) << shift
		if b&0x80 == 0 {
			break
		}
		shift += 7
		if shift >= 64 {
			return 0, ErrVarintOverflow
		}
	}
	return value, nil
}

// ReadFixed reads exactly n raw bytes
func (r *Reader) ReadFixed(n int) ([]byte, error) {
	if n < 0 {
		return nil, ErrNegativeLength
	}
	if lr, ok := r.r.(lenReader); ok && n > lr.Len() {
		return nil, ErrTruncated
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r.r, buf); err != nil {
		return nil, errors.Wrapf(truncated(err), "read %d bytes", n)
	}
	return buf, nil
}

// ReadBytes reads a block prefixed with its length as a big-endian int32.
// A zero length yields an empty, non-nil slice.
func (r *Reader) ReadBytes() ([]byte, error) {
	length, err := r.ReadInt32()
	if err != nil {
		return nil, errors.Wrap(err, "read block length")
	}
	return r.ReadFixed(int(length))
}

// ReadString reads a string with length prefix (4 bytes, big endian)
func (r *Reader) ReadString() (string, error) {
	b, err := r.ReadBytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ReadUUID reads a 128-bit identifier as 16 raw bytes
func (r *Reader) ReadUUID() (uuid.UUID, error) {
	var id uuid.UUID
	if _, err := io.ReadFull(r.r, id[:]); err != nil {
		return uuid.Nil, errors.Wrap(truncated(err), "read uuid")
	}
	return id, nil
}
