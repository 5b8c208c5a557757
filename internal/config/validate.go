package config

import (
	"fmt"
	"net"
	"strings"

	"github.com/rbright/obdgate/internal/obd"
)

// Link kinds.
const (
	LinkTCP    = "tcp"
	LinkSerial = "serial"
	LinkMock   = "mock"
)

// Validate enforces config invariants and returns non-fatal warnings.
func Validate(cfg Config) ([]Warning, error) {
	warnings := make([]Warning, 0)

	kind := strings.ToLower(strings.TrimSpace(cfg.Link.Kind))
	switch kind {
	case LinkTCP:
		if cfg.Link.Target != "" {
			if _, _, err := net.SplitHostPort(cfg.Link.Target); err != nil {
				return nil, fmt.Errorf("link.target must be host:port for link.kind=tcp: %w", err)
			}
		}
		if cfg.Link.Target == "" && cfg.Link.ListenSecure == "" && cfg.Link.ListenInsecure == "" {
			warnings = append(warnings, Warning{Message: "link has no target and no listen addresses; the gateway will stay idle"})
		}
		if cfg.Link.DialTimeoutMS <= 0 {
			return nil, fmt.Errorf("link.dial_timeout_ms must be > 0")
		}
	case LinkSerial:
		if strings.TrimSpace(cfg.Link.Target) == "" {
			return nil, fmt.Errorf("link.target must name a device for link.kind=serial")
		}
		if cfg.Link.Baud <= 0 {
			return nil, fmt.Errorf("link.baud must be > 0")
		}
	case LinkMock:
	case "":
		return nil, fmt.Errorf("link.kind must not be empty")
	default:
		return nil, fmt.Errorf("link.kind must be one of: tcp, serial, mock")
	}

	if cfg.Link.BluetoothAddress != "" {
		if _, err := net.ParseMAC(cfg.Link.BluetoothAddress); err != nil {
			return nil, fmt.Errorf("link.bluetooth.address: %w", err)
		}
		if strings.TrimSpace(cfg.Link.BluetoothAdapter) == "" {
			return nil, fmt.Errorf("link.bluetooth.adapter must not be empty when link.bluetooth.address is set")
		}
	}

	if _, err := obd.ParseProtocol(cfg.Adapter.Protocol); err != nil {
		return nil, fmt.Errorf("adapter.protocol: %w", err)
	}
	if cfg.Adapter.CommandTimeoutMS <= 0 {
		return nil, fmt.Errorf("adapter.command_timeout_ms must be > 0")
	}
	if cfg.Adapter.ResetSettleMS < 0 {
		return nil, fmt.Errorf("adapter.reset_settle_ms must be >= 0")
	}
	if cfg.Adapter.ResetSettleMS > 2000 {
		warnings = append(warnings, Warning{Message: fmt.Sprintf("adapter.reset_settle_ms=%d delays every session start", cfg.Adapter.ResetSettleMS)})
	}

	if cfg.Feed.Enable && strings.TrimSpace(cfg.Feed.Addr) == "" {
		return nil, fmt.Errorf("feed.addr must not be empty when feed.enable=true")
	}
	if cfg.Health.Enable && strings.TrimSpace(cfg.Health.Addr) == "" {
		return nil, fmt.Errorf("health.addr must not be empty when health.enable=true")
	}
	if cfg.Notify.Enable && strings.TrimSpace(cfg.Notify.AppName) == "" {
		return nil, fmt.Errorf("notify.app_name must not be empty when notify.enable=true")
	}
	if cfg.Notify.TimeoutMS < 0 {
		return nil, fmt.Errorf("notify.timeout_ms must be >= 0")
	}

	return warnings, nil
}
