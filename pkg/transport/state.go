package transport

import "fmt"

// State is the lifecycle position of a Connection
type State int32

const (
	Idle State = iota
	Connecting
	Handshaking
	Encrypting
	Connected
	Disconnected
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Handshaking:
		return "handshaking"
	case Encrypting:
		return "encrypting"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

func itoa(v int32) string {
	return fmt.Sprintf("%d", v)
}
