package xray

import "proxysync/internal/check"

// ConnPhase is the supervisor's view of the API session.
type ConnPhase uint8

const (
	ConnConnecting ConnPhase = iota + 1
	ConnReady
	ConnDisconnected
	ConnClosed
)

func (p ConnPhase) String() string {
	switch p {
	case ConnConnecting:
		return "connecting"
	case ConnReady:
		return "ready"
	case ConnDisconnected:
		return "disconnected"
	case ConnClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Transition validates p -> to and returns the resulting phase. Invalid
// transitions keep p.
func (p ConnPhase) Transition(to ConnPhase) ConnPhase {
	ok := false
	switch p {
	case ConnConnecting:
		ok = to == ConnReady || to == ConnClosed
	case ConnReady:
		ok = to == ConnDisconnected || to == ConnClosed
	case ConnDisconnected:
		ok = to == ConnReady || to == ConnClosed
	case ConnClosed:
		ok = false
	}
	check.Assertf(ok, "xray conn transition: %s -> %s", p, to)
	if !ok {
		return p
	}
	return to
}
