package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gear6io/wirelink/pkg/compress"
	"github.com/gear6io/wirelink/pkg/errors"
	serverconfig "github.com/gear6io/wirelink/server/config"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "127.0.0.1:2849", cfg.GetServerAddress())
	assert.Equal(t, 30*time.Second, cfg.KeepAlive.Interval.Std())
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wirelink-client.yml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  address: example.internal
  port: 4000
  dial_timeout: 2s
keepalive:
  interval: 0s
transport:
  compression: s2
`), 0644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "example.internal:4000", cfg.GetServerAddress())
	assert.Equal(t, 2*time.Second, cfg.Server.DialTimeout.Std())
	assert.Zero(t, cfg.KeepAlive.Interval)

	opts, err := cfg.ClientOptions(zerolog.Nop(), nil)
	require.NoError(t, err)
	assert.Equal(t, compress.S2, opts.Transport.Compression)
	assert.Equal(t, cfg.Handshake.ProtocolVersion, opts.ProtocolVersion)
	assert.Zero(t, opts.KeepAliveInterval)
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.Address = ""
	assert.True(t, errors.Is(cfg.Validate(), ErrServerAddressEmpty))

	cfg = DefaultConfig()
	cfg.Server.Port = 0
	assert.True(t, errors.Is(cfg.Validate(), ErrServerPortInvalid))

	cfg = DefaultConfig()
	cfg.Handshake.ProtocolVersion = -1
	assert.True(t, errors.Is(cfg.Validate(), ErrInvalidVersion))

	cfg = DefaultConfig()
	cfg.Transport.Compression = "zip"
	assert.True(t, errors.Is(cfg.Validate(), serverconfig.ErrInvalidCompression))
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.yml")
	cfg := DefaultConfig()
	cfg.Handshake.Timeout = Duration(3 * time.Second)
	require.NoError(t, cfg.Save(path))

	loaded, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestLoadFromFileMissing(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.yml"))
	assert.True(t, errors.Is(err, ErrConfigFileReadFailed))
}
