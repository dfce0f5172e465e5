package frame

import (
	"bytes"
	"io"
	"testing"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gear6io/wirelink/pkg/wire"
)

func TestWriteThenRead(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, []byte("payload")))
	require.NoError(t, Write(&buf, nil))

	assert.Equal(t, []byte{0, 0, 0, 7}, buf.Bytes()[:4])

	got, err := Read(&buf, DefaultMaxSize)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), got)

	got, err = Read(&buf, DefaultMaxSize)
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = Read(&buf, DefaultMaxSize)
	assert.Equal(t, io.EOF, err)
}

func TestTruncatedPrefix(t *testing.T) {
	_, err := Read(bytes.NewReader([]byte{0, 0}), DefaultMaxSize)
	assert.True(t, errors.Is(err, wire.ErrTruncated))
}

func TestTruncatedPayload(t *testing.T) {
	_, err := Read(bytes.NewReader([]byte{0, 0, 0, 8, 1, 2, 3}), DefaultMaxSize)
	assert.True(t, errors.Is(err, wire.ErrTruncated))
}

func TestOversizedFrameIsDrained(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, bytes.Repeat([]byte{1}, 32)))
	require.NoError(t, Write(&buf, []byte("next")))

	_, err := Read(&buf, 16)
	assert.True(t, errors.Is(err, ErrFrameTooLarge))

	got, err := Read(&buf, 16)
	require.NoError(t, err)
	assert.Equal(t, []byte("next"), got)
}

func TestNegativeLength(t *testing.T) {
	_, err := Read(bytes.NewReader([]byte{0x80, 0, 0, 0}), DefaultMaxSize)
	assert.True(t, errors.Is(err, ErrNegativeLength))
}
