package config

import (
	"math"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/gear6io/wirelink/pkg/compress"
	"github.com/gear6io/wirelink/pkg/errors"
	"github.com/gear6io/wirelink/pkg/metrics"
	"github.com/gear6io/wirelink/pkg/protocol"
	"github.com/gear6io/wirelink/pkg/transport"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Config represents the server configuration
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Listener  ListenerConfig  `yaml:"listener"`
	Transport TransportConfig `yaml:"transport"`
	Admin     AdminConfig     `yaml:"admin"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`      // "json" or "console"
	FilePath   string `yaml:"file_path"`   // Path to log file
	Console    bool   `yaml:"console"`     // Whether to log to console
	MaxSize    int    `yaml:"max_size"`    // Max file size in MB
	MaxBackups int    `yaml:"max_backups"` // Max number of backup files
	MaxAge     int    `yaml:"max_age"`     // Max age in days
	Cleanup    bool   `yaml:"cleanup"`     // Whether to cleanup log file on startup
}

// ListenerConfig represents the accepting endpoint
type ListenerConfig struct {
	Address          string   `yaml:"address"`
	Port             int      `yaml:"port"`
	ProtocolVersion  int32    `yaml:"protocol_version"`
	MaxConnections   int      `yaml:"max_connections"` // 0 means unlimited
	IdleTimeout      Duration `yaml:"idle_timeout"`    // 0 disables idle reaping
	CleanupInterval  Duration `yaml:"cleanup_interval"`
	HandshakeTimeout Duration `yaml:"handshake_timeout"`
	ChallengeDelay   Duration `yaml:"challenge_delay"`
	RespondToPing    bool     `yaml:"respond_to_ping"`
}

// TransportConfig represents per-connection framing settings. Both ends of
// a connection must use the same compression.
type TransportConfig struct {
	Compression        string   `yaml:"compression"`
	CompressionLevel   int      `yaml:"compression_level"`
	MaxFrameSize       int      `yaml:"max_frame_size"`
	ReadTimeout        Duration `yaml:"read_timeout"`
	WriteTimeout       Duration `yaml:"write_timeout"`
	HandlerConcurrency int      `yaml:"handler_concurrency"`
}

// AdminConfig represents the HTTP status endpoint
type AdminConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// Duration is a time.Duration written as a string such as "1m30s"
type Duration time.Duration

// Std returns the value as a time.Duration
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return errors.New(ErrInvalidDuration, "duration must be a string", err).
			AddContext("line", strconv.Itoa(value.Line))
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return errors.New(ErrInvalidDuration, "invalid duration", err).
			AddContext("value", s).
			AddContext("line", strconv.Itoa(value.Line))
	}
	*d = Duration(parsed)
	return nil
}

// DefaultLogConfig returns the logging defaults for a process named name
func DefaultLogConfig(name string) LogConfig {
	return LogConfig{
		Level:      "info",
		Format:     "console",
		FilePath:   "logs/" + name + ".log",
		Console:    true,
		MaxSize:    100, // 100MB
		MaxBackups: 3,
		MaxAge:     7,    // 7 days
		Cleanup:    true, // Cleanup log file on startup by default
	}
}

// DefaultTransportConfig returns the framing defaults shared by both ends
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		Compression:        compress.None.String(),
		MaxFrameSize:       DEFAULT_MAX_FRAME_SIZE,
		WriteTimeout:       Duration(DEFAULT_WRITE_TIMEOUT),
		HandlerConcurrency: DEFAULT_HANDLER_CONCURRENCY,
	}
}

// LoadDefaultConfig returns a default configuration
func LoadDefaultConfig() *Config {
	return &Config{
		Log: DefaultLogConfig("wirelink-server"),
		Listener: ListenerConfig{
			Address:          DEFAULT_SERVER_ADDRESS,
			Port:             LISTENER_PORT,
			ProtocolVersion:  protocol.ProtocolVersion,
			MaxConnections:   DEFAULT_MAX_CONNECTIONS,
			IdleTimeout:      Duration(DEFAULT_IDLE_TIMEOUT),
			CleanupInterval:  Duration(DEFAULT_CLEANUP_INTERVAL),
			HandshakeTimeout: Duration(DEFAULT_HANDSHAKE_TIMEOUT),
			ChallengeDelay:   Duration(DEFAULT_CHALLENGE_DELAY),
			RespondToPing:    true,
		},
		Transport: DefaultTransportConfig(),
		Admin: AdminConfig{
			Enabled: true,
			Address: LOCALHOST_ADDRESS,
			Port:    ADMIN_PORT,
		},
	}
}

// LoadConfig loads configuration from a file. Fields missing from the file
// keep their default values.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.New(ErrConfigFileReadFailed, "failed to read config file", err).
			AddContext("path", filename)
	}

	config := LoadDefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, errors.New(ErrConfigFileParseFailed, "failed to parse config file", err).
			AddContext("path", filename)
	}

	if err := config.Validate(); err != nil {
		return nil, errors.New(ErrConfigValidationFailed, "configuration validation failed", err)
	}

	return config, nil
}

// SaveConfig saves configuration to a file
func SaveConfig(config *Config, filename string) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return errors.New(ErrConfigFileMarshalFailed, "failed to marshal config", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return errors.New(ErrConfigFileWriteFailed, "failed to write config file", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if err := c.Listener.Validate(); err != nil {
		return err
	}
	if err := c.Transport.Validate(); err != nil {
		return err
	}
	if c.Admin.Enabled && !IsValidPort(c.Admin.Port) {
		return errors.Newf(ErrInvalidPort, "invalid admin port: %d", c.Admin.Port)
	}
	return nil
}

// Validate validates the listener configuration
func (l *ListenerConfig) Validate() error {
	if l.Address == "" {
		return errors.New(ErrInvalidAddress, "listener address is required", nil)
	}
	// port 0 asks the system for a free port
	if l.Port != 0 && !IsValidPort(l.Port) {
		return errors.Newf(ErrInvalidPort, "invalid listener port: %d", l.Port)
	}
	if l.ProtocolVersion <= 0 {
		return errors.Newf(ErrInvalidLimit, "protocol_version must be positive, got %d", l.ProtocolVersion)
	}
	if l.MaxConnections < 0 {
		return errors.Newf(ErrInvalidLimit, "max_connections must not be negative, got %d", l.MaxConnections)
	}
	if l.HandshakeTimeout <= 0 {
		return errors.New(ErrInvalidDuration, "handshake_timeout must be positive", nil)
	}
	if l.IdleTimeout < 0 || l.ChallengeDelay < 0 {
		return errors.New(ErrInvalidDuration, "idle_timeout and challenge_delay must not be negative", nil)
	}
	if l.IdleTimeout > 0 && l.CleanupInterval <= 0 {
		return errors.New(ErrInvalidDuration, "cleanup_interval must be positive when idle_timeout is set", nil)
	}
	return nil
}

// Validate validates the transport configuration
func (t *TransportConfig) Validate() error {
	if _, err := compress.ParseMethod(t.Compression); err != nil {
		return errors.New(ErrInvalidCompression, "unknown compression method", err).
			AddContext("compression", t.Compression)
	}
	if t.MaxFrameSize <= 0 || t.MaxFrameSize > math.MaxInt32 {
		return errors.Newf(ErrInvalidLimit, "max_frame_size out of range: %d", t.MaxFrameSize)
	}
	if t.HandlerConcurrency < 0 {
		return errors.Newf(ErrInvalidLimit, "handler_concurrency must not be negative, got %d", t.HandlerConcurrency)
	}
	if t.ReadTimeout < 0 || t.WriteTimeout < 0 {
		return errors.New(ErrInvalidDuration, "read_timeout and write_timeout must not be negative", nil)
	}
	return nil
}

// ConnectionOptions converts the block into transport options
func (t *TransportConfig) ConnectionOptions(logger zerolog.Logger, m *metrics.Metrics) (transport.Options, error) {
	method, err := compress.ParseMethod(t.Compression)
	if err != nil {
		return transport.Options{}, errors.New(ErrInvalidCompression, "unknown compression method", err).
			AddContext("compression", t.Compression)
	}
	return transport.Options{
		Compression:        method,
		CompressionLevel:   t.CompressionLevel,
		MaxFrameSize:       t.MaxFrameSize,
		ReadTimeout:        t.ReadTimeout.Std(),
		WriteTimeout:       t.WriteTimeout.Std(),
		HandlerConcurrency: t.HandlerConcurrency,
		Logger:             logger,
		Metrics:            m,
	}, nil
}

// GetListenerAddress returns the host:port the listener binds to
func (c *Config) GetListenerAddress() string {
	return net.JoinHostPort(c.Listener.Address, strconv.Itoa(c.Listener.Port))
}

// GetAdminAddress returns the host:port of the admin endpoint
func (c *Config) GetAdminAddress() string {
	return net.JoinHostPort(c.Admin.Address, strconv.Itoa(c.Admin.Port))
}

// IsAdminEnabled returns whether the admin endpoint is enabled
func (c *Config) IsAdminEnabled() bool {
	return c.Admin.Enabled
}
