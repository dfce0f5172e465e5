package config

import (
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gear6io/wirelink/client"
	"github.com/gear6io/wirelink/pkg/errors"
	"github.com/gear6io/wirelink/pkg/metrics"
	"github.com/gear6io/wirelink/pkg/protocol"
	serverconfig "github.com/gear6io/wirelink/server/config"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Duration is the YAML duration type shared with the server config
type Duration = serverconfig.Duration

// Config represents the client configuration
type Config struct {
	Server    ServerConfig                 `yaml:"server"`
	Handshake HandshakeConfig              `yaml:"handshake"`
	Transport serverconfig.TransportConfig `yaml:"transport"`
	KeepAlive KeepAliveConfig              `yaml:"keepalive"`
	Logging   LogConfig                    `yaml:"logging"`
}

// ServerConfig holds server connection configuration
type ServerConfig struct {
	Address     string   `yaml:"address"`
	Port        int      `yaml:"port"`
	DialTimeout Duration `yaml:"dial_timeout"`
}

// HandshakeConfig holds protocol negotiation settings
type HandshakeConfig struct {
	ProtocolVersion int32    `yaml:"protocol_version"`
	Timeout         Duration `yaml:"timeout"`
}

// KeepAliveConfig holds the ping schedule; a zero interval disables it
type KeepAliveConfig struct {
	Interval Duration `yaml:"interval"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level   string `yaml:"level"`
	Console bool   `yaml:"console"`
}

// DefaultConfig returns default client configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:     serverconfig.LOCALHOST_ADDRESS,
			Port:        serverconfig.LISTENER_PORT,
			DialTimeout: Duration(client.DefaultDialTimeout),
		},
		Handshake: HandshakeConfig{
			ProtocolVersion: protocol.ProtocolVersion,
			Timeout:         Duration(client.DefaultHandshakeTimeout),
		},
		Transport: serverconfig.DefaultTransportConfig(),
		KeepAlive: KeepAliveConfig{
			Interval: Duration(30 * time.Second),
		},
		Logging: LogConfig{
			Level:   "warn",
			Console: true,
		},
	}
}

// Load loads configuration from the first config file found, or the
// defaults
func Load() (*Config, error) {
	configPath := findConfigFile()

	if configPath != "" {
		return LoadFromFile(configPath)
	}

	return DefaultConfig(), nil
}

// LoadFromFile loads configuration from a specific file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.New(ErrConfigFileReadFailed, "failed to read config file", err).
			AddContext("path", path)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.New(ErrConfigFileParseFailed, "failed to parse config file", err).
			AddContext("path", path)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save saves configuration to file
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return errors.New(ErrConfigFileMarshalFailed, "failed to marshal config", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return errors.New(ErrConfigFileWriteFailed, "failed to write config file", err).
			AddContext("path", path)
	}

	return nil
}

// findConfigFile searches for configuration file
func findConfigFile() string {
	// Check current directory
	if _, err := os.Stat("wirelink-client.yml"); err == nil {
		return "wirelink-client.yml"
	}

	// Check home directory
	homeDir, err := os.UserHomeDir()
	if err == nil {
		configPath := filepath.Join(homeDir, ".wirelink", "wirelink-client.yml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}
	}

	// Check /etc/wirelink
	if _, err := os.Stat("/etc/wirelink/wirelink-client.yml"); err == nil {
		return "/etc/wirelink/wirelink-client.yml"
	}

	return ""
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return errors.New(ErrServerAddressEmpty, "server address cannot be empty", nil)
	}

	if !serverconfig.IsValidPort(c.Server.Port) {
		return errors.Newf(ErrServerPortInvalid, "invalid server port: %d", c.Server.Port)
	}

	if c.Server.DialTimeout < 0 || c.Handshake.Timeout < 0 || c.KeepAlive.Interval < 0 {
		return errors.New(ErrInvalidTimeout, "timeouts and intervals must not be negative", nil)
	}

	if c.Handshake.ProtocolVersion <= 0 {
		return errors.Newf(ErrInvalidVersion, "protocol_version must be positive, got %d", c.Handshake.ProtocolVersion)
	}

	return c.Transport.Validate()
}

// GetServerAddress returns the host:port to dial
func (c *Config) GetServerAddress() string {
	return net.JoinHostPort(c.Server.Address, strconv.Itoa(c.Server.Port))
}

// ClientOptions converts the configuration into client options
func (c *Config) ClientOptions(logger zerolog.Logger, m *metrics.Metrics) (client.Options, error) {
	topts, err := c.Transport.ConnectionOptions(logger, m)
	if err != nil {
		return client.Options{}, err
	}
	return client.Options{
		Addr:              c.GetServerAddress(),
		DialTimeout:       c.Server.DialTimeout.Std(),
		ProtocolVersion:   c.Handshake.ProtocolVersion,
		HandshakeTimeout:  c.Handshake.Timeout.Std(),
		KeepAliveInterval: c.KeepAlive.Interval.Std(),
		Transport:         topts,
		Logger:            logger,
		Metrics:           m,
	}, nil
}

// SetupLogger builds the client process logger. The client only logs to
// the console.
func (c *Config) SetupLogger() (zerolog.Logger, error) {
	logCfg := serverconfig.LogConfig{
		Level:   c.Logging.Level,
		Format:  "console",
		Console: c.Logging.Console,
	}
	logger, _, err := serverconfig.SetupLogger(&logCfg, "wirelink-client")
	return logger, err
}
