// Package job defines diagnostic command jobs and their lifecycle states.
package job

import (
	"errors"
	"time"
)

// Sentinel errors shared by the transport, executor, and codec layers.
var (
	ErrConfiguration = errors.New("configuration error")
	ErrTransport     = errors.New("transport error")
	ErrExecution     = errors.New("command execution error")
	ErrUnsupported   = errors.New("command not supported")
	ErrQueue         = errors.New("queue error")
)

// State is the lifecycle state of one Job.
type State string

const (
	StateNew            State = "new"
	StateRunning        State = "running"
	StateFinished       State = "finished"
	StateExecutionError State = "execution_error"
	StateQueueError     State = "queue_error"
	StateNotSupported   State = "not_supported"
)

// Terminal reports whether no further transition is possible from s.
func (s State) Terminal() bool {
	switch s {
	case StateFinished, StateExecutionError, StateQueueError, StateNotSupported:
		return true
	default:
		return false
	}
}

// Command is the codec capability a job executes.
//
// Serialize produces the request bytes. Parse receives one framed response
// and returns the display value, or an error wrapping ErrUnsupported when the
// adapter or vehicle does not support the command.
type Command interface {
	Name() string
	Serialize() ([]byte, error)
	Parse(response []byte) (string, error)
}

// Job is one command execution request. Jobs are passed by value once they
// leave the executor.
type Job struct {
	ID       uint64
	Session  uint64
	Command  Command
	State    State
	Result   string
	Err      error
	Enqueued time.Time
	Finished time.Time
}

// Name returns the command name, or an empty string for a job without one.
func (j Job) Name() string {
	if j.Command == nil {
		return ""
	}
	return j.Command.Name()
}

// ErrString returns the failure text, or an empty string.
func (j Job) ErrString() string {
	if j.Err == nil {
		return ""
	}
	return j.Err.Error()
}
