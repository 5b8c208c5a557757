package obd

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/rbright/obdgate/internal/job"
)

const (
	modeCurrentData    = 0x01
	modeCurrentDataAck = 0x41
)

// AmbientAirTemperature reads PID 46.
type AmbientAirTemperature struct {
	Imperial bool
}

func (AmbientAirTemperature) Name() string { return "AmbientAirTemperature" }

func (AmbientAirTemperature) Serialize() ([]byte, error) { return request(0x46), nil }

func (c AmbientAirTemperature) Parse(response []byte) (string, error) {
	data, err := payload(response, 1)
	if err != nil {
		return "", err
	}
	return temperature(int(data[0])-40, c.Imperial), nil
}

func (c AmbientAirTemperature) withImperial(imperial bool) job.Command {
	c.Imperial = imperial
	return c
}

// EngineCoolantTemperature reads PID 05.
type EngineCoolantTemperature struct {
	Imperial bool
}

func (EngineCoolantTemperature) Name() string { return "EngineCoolantTemperature" }

func (EngineCoolantTemperature) Serialize() ([]byte, error) { return request(0x05), nil }

func (c EngineCoolantTemperature) Parse(response []byte) (string, error) {
	data, err := payload(response, 1)
	if err != nil {
		return "", err
	}
	return temperature(int(data[0])-40, c.Imperial), nil
}

func (c EngineCoolantTemperature) withImperial(imperial bool) job.Command {
	c.Imperial = imperial
	return c
}

// VehicleSpeed reads PID 0D.
type VehicleSpeed struct {
	Imperial bool
}

func (VehicleSpeed) Name() string { return "VehicleSpeed" }

func (VehicleSpeed) Serialize() ([]byte, error) { return request(0x0D), nil }

func (c VehicleSpeed) Parse(response []byte) (string, error) {
	data, err := payload(response, 1)
	if err != nil {
		return "", err
	}
	kmh := int(data[0])
	if c.Imperial {
		return fmt.Sprintf("%.1fmph", float64(kmh)*0.621371), nil
	}
	return fmt.Sprintf("%dkm/h", kmh), nil
}

func (c VehicleSpeed) withImperial(imperial bool) job.Command {
	c.Imperial = imperial
	return c
}

// EngineRPM reads PID 0C.
type EngineRPM struct{}

func (EngineRPM) Name() string { return "EngineRPM" }

func (EngineRPM) Serialize() ([]byte, error) { return request(0x0C), nil }

func (EngineRPM) Parse(response []byte) (string, error) {
	data, err := payload(response, 2)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%dRPM", (int(data[0])*256+int(data[1]))/4), nil
}

type unitSelectable interface {
	withImperial(imperial bool) job.Command
}

// WithUnits returns cmd configured for the unit system when it reports a
// unit-bearing value, and cmd unchanged otherwise.
func WithUnits(cmd job.Command, imperial bool) job.Command {
	if u, ok := cmd.(unitSelectable); ok {
		return u.withImperial(imperial)
	}
	return cmd
}

func request(pid byte) []byte {
	return fmt.Appendf(nil, "%02X%02X\r", modeCurrentData, pid)
}

// payload decodes the first response line as a mode 01 reply and returns n
// data bytes following the mode and PID bytes.
func payload(response []byte, n int) ([]byte, error) {
	text, err := check(response)
	if err != nil {
		return nil, err
	}
	line, _, _ := strings.Cut(text, "\n")
	raw, err := hex.DecodeString(strings.ReplaceAll(line, " ", ""))
	if err != nil {
		return nil, fmt.Errorf("%w: malformed response %q: %w", job.ErrExecution, line, err)
	}
	if len(raw) < 2+n || raw[0] != modeCurrentDataAck {
		return nil, fmt.Errorf("%w: unexpected response %q", job.ErrExecution, line)
	}
	return raw[2 : 2+n], nil
}

func temperature(celsius int, imperial bool) string {
	if imperial {
		return fmt.Sprintf("%.1fF", float64(celsius)*9/5+32)
	}
	return fmt.Sprintf("%dC", celsius)
}
