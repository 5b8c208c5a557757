// Package ipc carries newline-delimited JSON requests between the obdgate CLI
// and a running gateway over a unix socket.
package ipc

type Request struct {
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
}

type Response struct {
	OK      bool   `json:"ok"`
	State   string `json:"state,omitempty"`
	Peer    string `json:"peer,omitempty"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
	Jobs    []Job  `json:"jobs,omitempty"`
}

// Job is the wire view of one queued or completed job.
type Job struct {
	ID      uint64 `json:"id"`
	Session uint64 `json:"session"`
	Command string `json:"command"`
	State   string `json:"state"`
	Result  string `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
}
