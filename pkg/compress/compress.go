// Package compress provides whole-buffer codecs for frame payload
// compression. Every codec bounds its decompressed output.
package compress

import (
	"bytes"
	"io"

	"github.com/andybalholm/brotli"
	"github.com/go-faster/errors"
	"github.com/golang/snappy"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// DefaultMaxDecompressedSize is used when Options.MaxDecompressedSize is zero
const DefaultMaxDecompressedSize = 16 * 1024 * 1024

// ErrLimitExceeded is returned when decompressed output exceeds the limit
var ErrLimitExceeded = errors.New("decompressed size exceeds limit")

// Codec compresses and decompresses whole payloads. Implementations are safe
// for concurrent use.
type Codec interface {
	Method() Method
	Compress(src []byte) ([]byte, error)
	Decompress(src []byte) ([]byte, error)
}

// Options configures a codec
type Options struct {
	// Level applies to lz4, gzip, deflate, zstd and brotli. Zero selects the
	// library default.
	Level int

	MaxDecompressedSize int
}

// New returns the codec for m. None yields a nil codec and no error.
func New(m Method, opts Options) (Codec, error) {
	limit := opts.MaxDecompressedSize
	if limit <= 0 {
		limit = DefaultMaxDecompressedSize
	}

	switch m {
	case None:
		return nil, nil
	case LZ4, LZ4HC:
		level := opts.Level
		if m == LZ4HC && level == 0 {
			level = 9
		}
		return &lz4Codec{method: m, level: lz4Level(level), limit: limit}, nil
	case ZSTD:
		return newZstdCodec(opts.Level, limit)
	case GZIP:
		level := opts.Level
		if level == 0 {
			level = gzip.DefaultCompression
		}
		return &gzipCodec{level: level, limit: limit}, nil
	case Deflate:
		level := opts.Level
		if level == 0 {
			level = flate.DefaultCompression
		}
		return &deflateCodec{level: level, limit: limit}, nil
	case Brotli:
		level := opts.Level
		if level == 0 {
			level = brotli.DefaultCompression
		}
		return &brotliCodec{level: level, limit: limit}, nil
	case Snappy:
		return &snappyCodec{limit: limit}, nil
	case S2:
		return &s2Codec{limit: limit}, nil
	}
	return nil, errors.Errorf("unsupported compression method %d", m)
}

// readLimited drains r, failing once more than limit bytes are produced
func readLimited(r io.Reader, limit int) ([]byte, error) {
	var out bytes.Buffer
	n, err := io.Copy(&out, io.LimitReader(r, int64(limit)+1))
	if err != nil {
		return nil, err
	}
	if n > int64(limit) {
		return nil, ErrLimitExceeded
	}
	return out.Bytes(), nil
}

var lz4Levels = []lz4.CompressionLevel{
	lz4.Fast, lz4.Level1, lz4.Level2, lz4.Level3, lz4.Level4,
	lz4.Level5, lz4.Level6, lz4.Level7, lz4.Level8, lz4.Level9,
}

func lz4Level(level int) lz4.CompressionLevel {
	if level < 0 {
		level = 0
	}
	if level >= len(lz4Levels) {
		level = len(lz4Levels) - 1
	}
	return lz4Levels[level]
}

type lz4Codec struct {
	method Method
	level  lz4.CompressionLevel
	limit  int
}

func (c *lz4Codec) Method() Method { return c.method }

func (c *lz4Codec) Compress(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := lz4.NewWriter(&buf)
	if err := zw.Apply(lz4.CompressionLevelOption(c.level)); err != nil {
		return nil, errors.Wrap(err, "configure lz4")
	}
	if _, err := zw.Write(src); err != nil {
		return nil, errors.Wrap(err, "lz4 compress")
	}
	if err := zw.Close(); err != nil {
		return nil, errors.Wrap(err, "lz4 close")
	}
	return buf.Bytes(), nil
}

func (c *lz4Codec) Decompress(src []byte) ([]byte, error) {
	out, err := readLimited(lz4.NewReader(bytes.NewReader(src)), c.limit)
	if err != nil {
		return nil, errors.Wrap(err, "lz4 decompress")
	}
	return out, nil
}

type zstdCodec struct {
	encoder *zstd.Encoder
	limit   int
}

func newZstdCodec(level, limit int) (*zstdCodec, error) {
	encLevel := zstd.SpeedDefault
	if level != 0 {
		encLevel = zstd.EncoderLevelFromZstd(level)
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(encLevel))
	if err != nil {
		return nil, errors.Wrap(err, "create zstd encoder")
	}
	return &zstdCodec{encoder: enc, limit: limit}, nil
}

func (c *zstdCodec) Method() Method { return ZSTD }

func (c *zstdCodec) Compress(src []byte) ([]byte, error) {
	return c.encoder.EncodeAll(src, nil), nil
}

// Decompress streams through a fresh decoder so the limit is enforced while
// decoding rather than after the whole output has been materialised.
func (c *zstdCodec) Decompress(src []byte) ([]byte, error) {
	dec, err := zstd.NewReader(bytes.NewReader(src), zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, errors.Wrap(err, "open zstd stream")
	}
	defer dec.Close()

	out, err := readLimited(dec, c.limit)
	if err != nil {
		return nil, errors.Wrap(err, "zstd decompress")
	}
	return out, nil
}

type gzipCodec struct {
	level int
	limit int
}

func (c *gzipCodec) Method() Method { return GZIP }

func (c *gzipCodec) Compress(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, c.level)
	if err != nil {
		return nil, errors.Wrap(err, "create gzip writer")
	}
	if _, err := zw.Write(src); err != nil {
		return nil, errors.Wrap(err, "gzip compress")
	}
	if err := zw.Close(); err != nil {
		return nil, errors.Wrap(err, "gzip close")
	}
	return buf.Bytes(), nil
}

func (c *gzipCodec) Decompress(src []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(src))
	if err != nil {
		return nil, errors.Wrap(err, "open gzip stream")
	}
	defer zr.Close()

	out, err := readLimited(zr, c.limit)
	if err != nil {
		return nil, errors.Wrap(err, "gzip decompress")
	}
	return out, nil
}

type deflateCodec struct {
	level int
	limit int
}

func (c *deflateCodec) Method() Method { return Deflate }

func (c *deflateCodec) Compress(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := flate.NewWriter(&buf, c.level)
	if err != nil {
		return nil, errors.Wrap(err, "create deflate writer")
	}
	if _, err := zw.Write(src); err != nil {
		return nil, errors.Wrap(err, "deflate compress")
	}
	if err := zw.Close(); err != nil {
		return nil, errors.Wrap(err, "deflate close")
	}
	return buf.Bytes(), nil
}

func (c *deflateCodec) Decompress(src []byte) ([]byte, error) {
	zr := flate.NewReader(bytes.NewReader(src))
	defer zr.Close()

	out, err := readLimited(zr, c.limit)
	if err != nil {
		return nil, errors.Wrap(err, "deflate decompress")
	}
	return out, nil
}

type brotliCodec struct {
	level int
	limit int
}

func (c *brotliCodec) Method() Method { return Brotli }

func (c *brotliCodec) Compress(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := brotli.NewWriterLevel(&buf, c.level)
	if _, err := zw.Write(src); err != nil {
		return nil, errors.Wrap(err, "brotli compress")
	}
	if err := zw.Close(); err != nil {
		return nil, errors.Wrap(err, "brotli close")
	}
	return buf.Bytes(), nil
}

func (c *brotliCodec) Decompress(src []byte) ([]byte, error) {
	out, err := readLimited(brotli.NewReader(bytes.NewReader(src)), c.limit)
	if err != nil {
		return nil, errors.Wrap(err, "brotli decompress")
	}
	return out, nil
}

type snappyCodec struct {
	limit int
}

func (c *snappyCodec) Method() Method { return Snappy }

func (c *snappyCodec) Compress(src []byte) ([]byte, error) {
	return snappy.Encode(nil, src), nil
}

func (c *snappyCodec) Decompress(src []byte) ([]byte, error) {
	n, err := snappy.DecodedLen(src)
	if err != nil {
		return nil, errors.Wrap(err, "snappy header")
	}
	if n > c.limit {
		return nil, ErrLimitExceeded
	}
	out, err := snappy.Decode(nil, src)
	if err != nil {
		return nil, errors.Wrap(err, "snappy decompress")
	}
	return out, nil
}

type s2Codec struct {
	limit int
}

func (c *s2Codec) Method() Method { return S2 }

func (c *s2Codec) Compress(src []byte) ([]byte, error) {
	return s2.Encode(nil, src), nil
}

func (c *s2Codec) Decompress(src []byte) ([]byte, error) {
	n, err := s2.DecodedLen(src)
	if err != nil {
		return nil, errors.Wrap(err, "s2 header")
	}
	if n > c.limit {
		return nil, ErrLimitExceeded
	}
	out, err := s2.Decode(nil, src)
	if err != nil {
		return nil, errors.Wrap(err, "s2 decompress")
	}
	return out, nil
}
