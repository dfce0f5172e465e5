package wire

import (
	"encoding/binary"
	"io"
	"math"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
)

// Writer encodes big-endian primitives and length-prefixed blocks
type Writer struct {
	w   io.Writer
	buf [8]byte
}

// NewWriter creates a new writer over w
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

func (w *Writer) write(b []byte) error {
	_, err := w.w.Write(b)
	return err
}

// WriteByte writes a single byte
func (w *Writer) WriteByte(b byte) error {
	w.buf[0] = b
	return w.write(w.buf[:1])
}

func (w *Writer) WriteBool(v bool) error {
	if v {
		return w.WriteByte(1)
	}
	return w.WriteByte(0)
}

func (w *Writer) WriteInt8(v int8) error {
	return w.WriteByte(byte(v))
}

// WriteUint16 writes a 16-bit unsigned integer (big endian)
func (w *Writer) WriteUint16(v uint16) error {
	binary.BigEndian.PutUint16(w.buf[:2], v)
	return w.write(w.buf[:2])
}

// WriteUint32 writes a 32-bit unsigned integer (big endian)
func (w *Writer) WriteUint32(v uint32) error {
	binary.BigEndian.PutUint32(w.buf[:4], v)
	return w.write(w.buf[:4])
}

// WriteUint64 writes a 64-bit unsigned integer (big endian)
func (w *Writer) WriteUint64(v uint64) error {
	binary.BigEndian.PutUint64(w.buf[:8], v)
	return w.write(w.buf[:8])
}

func (w *Writer) WriteInt16(v int16) error {
	return w.WriteUint16(uint16(v))
}

func (w *Writer) WriteInt32(v int32) error {
	return w.WriteUint32(uint32(v))
}

func (w *Writer) WriteInt64(v int64) error {
	return w.WriteUint64(uint64(v))
}

func (w *Writer) WriteFloat32(v float32) error {
	return w.WriteUint32(math.Float32bits(v))
}

func (w *Writer) WriteFloat64(v float64) error {
	return w.WriteUint64(math.Float64bits(v))
}

// WriteUVarInt writes a variable-length unsigned integer
func (w *Writer) WriteUVarInt(n uint64) error {
	for n >= 0x80 {
		if err := w.WriteByte(byte(n) | 0x80); err != nil {
			return err
		}
		n >>= 7
	}
	return w.WriteByte(byte(n))
}

// WriteFixed writes raw bytes without a length prefix
func (w *Writer) WriteFixed(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return w.write(data)
}

// WriteBytes writes bytes with a big-endian int32 length prefix
func (w *Writer) WriteBytes(data []byte) error {
	if len(data) > math.MaxInt32 {
		return errors.Errorf("block of %d bytes exceeds int32 length prefix", len(data))
	}
	if err := w.WriteInt32(int32(len(data))); err != nil {
		return errors.Wrap(err, "write block length")
	}
	return w.WriteFixed(data)
}

// WriteString writes a string with length prefix
func (w *Writer) WriteString(s string) error {
	return w.WriteBytes([]byte(s))
}

// WriteUUID writes a 128-bit identifier as 16 raw bytes
func (w *Writer) WriteUUID(id uuid.UUID) error {
	return w.write(id[:])
}
