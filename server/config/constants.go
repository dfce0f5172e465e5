package config

import "time"

// Network port constants
const (
	// Listener Port - wirelink framed protocol
	LISTENER_PORT = 2849

	// Admin Port - health, status and metrics over HTTP
	ADMIN_PORT = 2851
)

// Network address constants
const (
	// Default bind address for the listener
	DEFAULT_SERVER_ADDRESS = "0.0.0.0"

	// Localhost address, used for the admin endpoint and by clients
	LOCALHOST_ADDRESS = "127.0.0.1"
)

// Listener defaults
const (
	DEFAULT_MAX_CONNECTIONS   = 1000
	DEFAULT_IDLE_TIMEOUT      = 5 * time.Minute
	DEFAULT_CLEANUP_INTERVAL  = 1 * time.Minute
	DEFAULT_HANDSHAKE_TIMEOUT = 10 * time.Second

	// The challenge delay paces the encryption request after the handshake
	// response; zero sends it immediately
	DEFAULT_CHALLENGE_DELAY = 1 * time.Second
)

// Transport defaults
const (
	DEFAULT_MAX_FRAME_SIZE      = 16 << 20
	DEFAULT_WRITE_TIMEOUT       = 30 * time.Second
	DEFAULT_HANDLER_CONCURRENCY = 16
)

// Port validation constants
const (
	MIN_PORT = 1
	MAX_PORT = 65535
)

// IsValidPort checks if a port number is within valid range
func IsValidPort(port int) bool {
	return port >= MIN_PORT && port <= MAX_PORT
}

// GetDefaultPorts returns a map of all default ports
func GetDefaultPorts() map[string]int {
	return map[string]int{
		"listener": LISTENER_PORT,
		"admin":    ADMIN_PORT,
	}
}
