package connection

// State is the lifecycle position of a client connection.
type State int32

const (
	Disconnected State = iota
	Connecting
	Handshaking
	Active
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Handshaking:
		return "handshaking"
	case Active:
		return "active"
	}
	return "unknown"
}
