package transport

import (
	"time"

	"github.com/rbright/obdgate/internal/fsm"
)

// EventKind classifies a Transport event.
type EventKind string

const (
	// EventState reports a connection state change.
	EventState EventKind = "state"
	// EventPeer reports the identity of the peer of a new session.
	EventPeer EventKind = "peer"
	// EventConnectionFailed reports a failed outgoing attempt.
	EventConnectionFailed EventKind = "connection_failed"
	// EventConnectionLost reports an I/O failure on the live session.
	EventConnectionLost EventKind = "connection_lost"
)

const (
	messageConnectionFailed = "Unable to connect to device"
	messageConnectionLost   = "Device connection was lost"
)

// Event is published on every Transport transition and notable failure.
type Event struct {
	Kind    EventKind
	State   fsm.State
	Message string
	Peer    Peer
	Session uint64
	Err     error
	At      time.Time
}
