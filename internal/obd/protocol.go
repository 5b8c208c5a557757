package obd

import (
	"fmt"
	"slices"
	"strings"

	"github.com/rbright/obdgate/internal/job"
)

// Protocol identifies an adapter bus protocol by name.
type Protocol string

const (
	ProtocolAuto     Protocol = "AUTO"
	ProtocolJ1850PWM Protocol = "SAE_J1850_PWM"
	ProtocolJ1850VPW Protocol = "SAE_J1850_VPW"
	ProtocolISO9141  Protocol = "ISO_9141_2"
	ProtocolKWP      Protocol = "ISO_14230_4_KWP"
	ProtocolKWPFast  Protocol = "ISO_14230_4_KWP_FAST"
	ProtocolCAN      Protocol = "ISO_15765_4_CAN"
	ProtocolCANB     Protocol = "ISO_15765_4_CAN_B"
	ProtocolCANC     Protocol = "ISO_15765_4_CAN_C"
	ProtocolCAND     Protocol = "ISO_15765_4_CAN_D"
	ProtocolJ1939    Protocol = "SAE_J1939_CAN"
	ProtocolUser1CAN Protocol = "USER1_CAN"
	ProtocolUser2CAN Protocol = "USER2_CAN"
)

// DefaultProtocol lets the adapter detect the bus.
const DefaultProtocol = ProtocolAuto

// protocols is ordered by ELM protocol number.
var protocols = []Protocol{
	ProtocolAuto,
	ProtocolJ1850PWM,
	ProtocolJ1850VPW,
	ProtocolISO9141,
	ProtocolKWP,
	ProtocolKWPFast,
	ProtocolCAN,
	ProtocolCANB,
	ProtocolCANC,
	ProtocolCAND,
	ProtocolJ1939,
	ProtocolUser1CAN,
	ProtocolUser2CAN,
}

// Protocols lists every known protocol name.
func Protocols() []Protocol {
	return slices.Clone(protocols)
}

// ParseProtocol resolves a protocol name case-insensitively.
func ParseProtocol(name string) (Protocol, error) {
	p := Protocol(strings.ToUpper(strings.TrimSpace(name)))
	if p.code() < 0 {
		return "", fmt.Errorf("%w: unknown protocol %q", job.ErrConfiguration, name)
	}
	return p, nil
}

// code returns the ELM protocol number, or -1 when p is unknown.
func (p Protocol) code() int {
	return slices.Index(protocols, p)
}
