// Package fsm defines the transport connection states and their legal edges.
package fsm

import "fmt"

type State string

type Event string

const (
	StateNone       State = "none"
	StateListen     State = "listen"
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
)

const (
	// EventStart enters listening mode.
	EventStart Event = "start"
	// EventConnect begins an outgoing connection attempt.
	EventConnect Event = "connect"
	// EventAccept is a listener accepting an incoming session.
	EventAccept Event = "accept"
	// EventConnected is the connector completing an outgoing session.
	EventConnected Event = "connected"
	// EventFail is the connector giving up.
	EventFail Event = "fail"
	// EventLose is an I/O failure on the live session stream.
	EventLose Event = "lose"
	// EventStop tears everything down.
	EventStop Event = "stop"
)

// Transition returns the state reached by applying event to current.
func Transition(current State, event Event) (State, error) {
	if event == EventStop {
		return StateNone, nil
	}

	switch current {
	case StateNone:
		switch event {
		case EventStart:
			return StateListen, nil
		case EventConnect:
			return StateConnecting, nil
		default:
			return current, invalidTransition(current, event)
		}
	case StateListen:
		switch event {
		case EventStart:
			return StateListen, nil
		case EventConnect:
			return StateConnecting, nil
		case EventAccept:
			return StateConnected, nil
		default:
			return current, invalidTransition(current, event)
		}
	case StateConnecting:
		switch event {
		case EventConnect:
			return StateConnecting, nil
		case EventAccept, EventConnected:
			return StateConnected, nil
		case EventFail, EventStart:
			return StateListen, nil
		default:
			return current, invalidTransition(current, event)
		}
	case StateConnected:
		switch event {
		case EventLose, EventStart:
			return StateListen, nil
		default:
			return current, invalidTransition(current, event)
		}
	default:
		return current, fmt.Errorf("unknown state %q", current)
	}
}

func invalidTransition(state State, event Event) error {
	return fmt.Errorf("invalid transition: %s --(%s)--> ?", state, event)
}
