package shared

import "context"

// Component is a long-running part of the server process
type Component interface {
	// GetType returns the component type identifier
	GetType() string

	// Start begins serving; it returns once the component is ready
	Start(ctx context.Context) error

	// Stop releases the component's sockets and waits for its goroutines
	Stop() error
}
