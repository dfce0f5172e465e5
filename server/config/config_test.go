package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gear6io/wirelink/pkg/compress"
	"github.com/gear6io/wirelink/pkg/errors"
	"github.com/gear6io/wirelink/pkg/protocol"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := LoadDefaultConfig()

	assert.Equal(t, LISTENER_PORT, cfg.Listener.Port)
	assert.Equal(t, protocol.ProtocolVersion, cfg.Listener.ProtocolVersion)
	assert.Equal(t, DEFAULT_HANDSHAKE_TIMEOUT, cfg.Listener.HandshakeTimeout.Std())
	assert.True(t, cfg.Listener.RespondToPing)
	assert.Equal(t, "none", cfg.Transport.Compression)
	assert.Equal(t, "0.0.0.0:2849", cfg.GetListenerAddress())
	assert.Equal(t, "127.0.0.1:2851", cfg.GetAdminAddress())
	require.NoError(t, cfg.Validate())
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		code   errors.Code
	}{
		{"empty address", func(c *Config) { c.Listener.Address = "" }, ErrInvalidAddress},
		{"port out of range", func(c *Config) { c.Listener.Port = 70000 }, ErrInvalidPort},
		{"zero protocol version", func(c *Config) { c.Listener.ProtocolVersion = 0 }, ErrInvalidLimit},
		{"negative max connections", func(c *Config) { c.Listener.MaxConnections = -1 }, ErrInvalidLimit},
		{"zero handshake timeout", func(c *Config) { c.Listener.HandshakeTimeout = 0 }, ErrInvalidDuration},
		{"idle without cleanup", func(c *Config) { c.Listener.CleanupInterval = 0 }, ErrInvalidDuration},
		{"unknown compression", func(c *Config) { c.Transport.Compression = "rar" }, ErrInvalidCompression},
		{"zero frame size", func(c *Config) { c.Transport.MaxFrameSize = 0 }, ErrInvalidLimit},
		{"bad admin port", func(c *Config) { c.Admin.Port = 0 }, ErrInvalidPort},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := LoadDefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.code), "got %v", err)
		})
	}
}

func TestConfigValidationAllowsEphemeralPort(t *testing.T) {
	cfg := LoadDefaultConfig()
	cfg.Listener.Port = 0
	cfg.Admin.Enabled = false
	cfg.Admin.Port = 0
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfigKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.yml")
	data := []byte(`
listener:
  port: 3900
  handshake_timeout: 3s
transport:
  compression: zstd
`)
	require.NoError(t, os.WriteFile(path, data, 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 3900, cfg.Listener.Port)
	assert.Equal(t, 3*time.Second, cfg.Listener.HandshakeTimeout.Std())
	assert.Equal(t, DEFAULT_SERVER_ADDRESS, cfg.Listener.Address)
	assert.Equal(t, DEFAULT_MAX_FRAME_SIZE, cfg.Transport.MaxFrameSize)
	assert.Equal(t, "zstd", cfg.Transport.Compression)
}

func TestLoadConfigErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadConfig(filepath.Join(dir, "missing.yml"))
	assert.True(t, errors.Is(err, ErrConfigFileReadFailed))

	bad := filepath.Join(dir, "bad.yml")
	require.NoError(t, os.WriteFile(bad, []byte("listener:\n  idle_timeout: soon\n"), 0644))
	_, err = LoadConfig(bad)
	assert.True(t, errors.Is(err, ErrConfigFileParseFailed))

	invalid := filepath.Join(dir, "invalid.yml")
	require.NoError(t, os.WriteFile(invalid, []byte("transport:\n  compression: rar\n"), 0644))
	_, err = LoadConfig(invalid)
	assert.True(t, errors.Is(err, ErrConfigValidationFailed))
}

func TestSaveConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.yml")
	cfg := LoadDefaultConfig()
	cfg.Listener.IdleTimeout = Duration(90 * time.Second)
	cfg.Transport.Compression = "lz4"

	require.NoError(t, SaveConfig(cfg, path))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "idle_timeout: 1m30s")

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestConnectionOptions(t *testing.T) {
	tc := DefaultTransportConfig()
	tc.Compression = "snappy"
	tc.WriteTimeout = Duration(time.Second)

	opts, err := tc.ConnectionOptions(zerolog.Nop(), nil)
	require.NoError(t, err)
	assert.Equal(t, compress.Snappy, opts.Compression)
	assert.Equal(t, time.Second, opts.WriteTimeout)
	assert.Equal(t, DEFAULT_MAX_FRAME_SIZE, opts.MaxFrameSize)

	tc.Compression = "rar"
	_, err = tc.ConnectionOptions(zerolog.Nop(), nil)
	assert.True(t, errors.Is(err, ErrInvalidCompression))
}

func TestSetupLoggerWritesFile(t *testing.T) {
	cfg := DefaultLogConfig("test")
	cfg.FilePath = filepath.Join(t.TempDir(), "logs", "test.log")
	cfg.Console = false

	logger, closer, err := SetupLogger(&cfg, "wirelink-test")
	require.NoError(t, err)
	logger.Info().Msg("hello")
	require.NoError(t, closer.Close())

	raw, err := os.ReadFile(cfg.FilePath)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"component":"wirelink-test"`)
	assert.Contains(t, string(raw), `"message":"hello"`)
}

func TestIsBackupFile(t *testing.T) {
	assert.True(t, isBackupFile("server.log.2024-01-01-00-00-00", "server.log"))
	assert.False(t, isBackupFile("server.log", "server.log"))
	assert.False(t, isBackupFile("server.logx", "server.log"))
}

func TestLogManagerRotatesOnWrite(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultLogConfig("test")
	cfg.FilePath = filepath.Join(dir, "server.log")

	lm := NewLogManager(&cfg)
	lm.maxBytes = 64
	require.NoError(t, lm.Open())
	defer lm.Close()

	line := []byte(strings.Repeat("x", 49) + "\n")
	_, err := lm.Write(line)
	require.NoError(t, err)
	_, err = lm.Write(line)
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var backups int
	for _, e := range entries {
		if isBackupFile(e.Name(), "server.log") {
			backups++
		}
	}
	assert.Equal(t, 1, backups)

	raw, err := os.ReadFile(cfg.FilePath)
	require.NoError(t, err)
	assert.Equal(t, line, raw)
}

func TestPruneBackupsKeepsNewest(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultLogConfig("test")
	cfg.FilePath = filepath.Join(dir, "server.log")
	cfg.MaxBackups = 1
	cfg.MaxAge = 0

	now := time.Now()
	names := []string{"server.log.a", "server.log.b", "server.log.c"}
	for i, name := range names {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte("old"), 0o644))
		mod := now.Add(time.Duration(i-3) * time.Hour)
		require.NoError(t, os.Chtimes(p, mod, mod))
	}

	require.NoError(t, NewLogManager(&cfg).pruneBackups(now))

	_, err := os.Stat(filepath.Join(dir, "server.log.c"))
	assert.NoError(t, err)
	for _, name := range names[:2] {
		_, err := os.Stat(filepath.Join(dir, name))
		assert.True(t, os.IsNotExist(err), name)
	}
}

func TestPruneBackupsByAge(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultLogConfig("test")
	cfg.FilePath = filepath.Join(dir, "server.log")
	cfg.MaxBackups = 0
	cfg.MaxAge = 7

	now := time.Now()
	stale := filepath.Join(dir, "server.log.stale")
	fresh := filepath.Join(dir, "server.log.fresh")
	require.NoError(t, os.WriteFile(stale, nil, 0o644))
	require.NoError(t, os.WriteFile(fresh, nil, 0o644))
	old := now.AddDate(0, 0, -30)
	require.NoError(t, os.Chtimes(stale, old, old))

	require.NoError(t, NewLogManager(&cfg).pruneBackups(now))

	_, err := os.Stat(stale)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(fresh)
	assert.NoError(t, err)
}
