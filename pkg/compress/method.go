package compress

import (
	"strings"

	"github.com/go-faster/errors"
)

// Method represents compression methods
type Method byte

const (
	None    = Method(0)
	LZ4     = Method(1)
	LZ4HC   = Method(2)
	ZSTD    = Method(3)
	GZIP    = Method(4)
	Deflate = Method(5)
	Brotli  = Method(6)
	Snappy  = Method(7)
	S2      = Method(8)
)

func (m Method) String() string {
	switch m {
	case None:
		return "none"
	case ZSTD:
		return "zstd"
	case LZ4:
		return "lz4"
	case LZ4HC:
		return "lz4hc"
	case GZIP:
		return "gzip"
	case Deflate:
		return "deflate"
	case Brotli:
		return "br"
	case Snappy:
		return "snappy"
	case S2:
		return "s2"
	default:
		return ""
	}
}

// ParseMethod maps a configuration name to a Method. The empty string
// selects None.
func ParseMethod(s string) (Method, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return None, nil
	case "lz4":
		return LZ4, nil
	case "lz4hc":
		return LZ4HC, nil
	case "zstd":
		return ZSTD, nil
	case "gzip":
		return GZIP, nil
	case "deflate":
		return Deflate, nil
	case "br", "brotli":
		return Brotli, nil
	case "snappy":
		return Snappy, nil
	case "s2":
		return S2, nil
	}
	return None, errors.Errorf("unknown compression method %q", s)
}
