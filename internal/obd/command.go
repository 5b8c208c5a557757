package obd

import (
	"fmt"
	"strings"
	"time"

	"github.com/rbright/obdgate/internal/job"
)

// Reset restarts the adapter (ATZ). The adapter ignores input for a moment
// afterwards; Settle is how long nothing else may be sent.
type Reset struct {
	Settle time.Duration
}

func (Reset) Name() string { return "Reset" }

func (Reset) Serialize() ([]byte, error) { return at("Z"), nil }

func (Reset) Parse(response []byte) (string, error) {
	return check(response)
}

// SettleTime reports the pause the executor keeps after the reset.
func (r Reset) SettleTime() time.Duration {
	return r.Settle
}

// EchoOff disables command echo (ATE0).
type EchoOff struct{}

func (EchoOff) Name() string { return "EchoOff" }

func (EchoOff) Serialize() ([]byte, error) { return at("E0"), nil }

func (EchoOff) Parse(response []byte) (string, error) { return check(response) }

// LineFeedOff disables line feeds after carriage returns (ATL0).
type LineFeedOff struct{}

func (LineFeedOff) Name() string { return "LineFeedOff" }

func (LineFeedOff) Serialize() ([]byte, error) { return at("L0"), nil }

func (LineFeedOff) Parse(response []byte) (string, error) { return check(response) }

// Timeout sets the adapter response timeout in units of 4 ms (ATST).
type Timeout struct {
	Value int
}

func (Timeout) Name() string { return "Timeout" }

func (t Timeout) Serialize() ([]byte, error) {
	if t.Value < 0 || t.Value > 0xFF {
		return nil, fmt.Errorf("%w: timeout %d out of range 0-255", job.ErrConfiguration, t.Value)
	}
	return at(fmt.Sprintf("ST%02X", t.Value)), nil
}

func (Timeout) Parse(response []byte) (string, error) { return check(response) }

// SelectProtocol picks the bus protocol (ATSP).
type SelectProtocol struct {
	Protocol Protocol
}

func (SelectProtocol) Name() string { return "SelectProtocol" }

func (s SelectProtocol) Serialize() ([]byte, error) {
	code := s.Protocol.code()
	if code < 0 {
		return nil, fmt.Errorf("%w: unknown protocol %q", job.ErrConfiguration, s.Protocol)
	}
	return at(fmt.Sprintf("SP%X", code)), nil
}

func (SelectProtocol) Parse(response []byte) (string, error) { return check(response) }

// Raw sends Text verbatim and returns the cleaned reply.
type Raw struct {
	Text string
}

func (Raw) Name() string { return "Raw" }

func (r Raw) Serialize() ([]byte, error) {
	text := strings.TrimSpace(r.Text)
	if text == "" {
		return nil, fmt.Errorf("%w: empty raw command", job.ErrConfiguration)
	}
	return []byte(text + "\r"), nil
}

func (Raw) Parse(response []byte) (string, error) { return check(response) }

func at(cmd string) []byte {
	return []byte("AT" + cmd + "\r")
}
