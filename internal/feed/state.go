// Package feed owns the per-pair upstream connection lifecycle: the
// connector state machine, the reconnect backoff schedule, and the
// registry mapping pairs to connectors.
package feed

// State is the connection state of one pair's connector.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}
