package config

import (
	"testing"

	"github.com/rbright/obdgate/internal/job"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	warnings, err := Validate(Default())
	require.NoError(t, err)
	require.Empty(t, warnings)
}

func TestValidateRejectsInvalidCoreFields(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "empty link kind", mutate: func(c *Config) { c.Link.Kind = "" }, wantErr: "link.kind must not be empty"},
		{name: "unknown link kind", mutate: func(c *Config) { c.Link.Kind = "usb" }, wantErr: "one of: tcp, serial, mock"},
		{name: "tcp target without port", mutate: func(c *Config) { c.Link.Target = "192.168.0.10" }, wantErr: "host:port"},
		{name: "tcp dial timeout", mutate: func(c *Config) { c.Link.DialTimeoutMS = 0 }, wantErr: "dial_timeout_ms"},
		{name: "serial without device", mutate: func(c *Config) { c.Link.Kind = LinkSerial }, wantErr: "must name a device"},
		{name: "serial baud", mutate: func(c *Config) {
			c.Link.Kind = LinkSerial
			c.Link.Target = "/dev/rfcomm0"
			c.Link.Baud = 0
		}, wantErr: "link.baud"},
		{name: "bad bluetooth address", mutate: func(c *Config) { c.Link.BluetoothAddress = "not-a-mac" }, wantErr: "link.bluetooth.address"},
		{name: "bluetooth adapter", mutate: func(c *Config) {
			c.Link.BluetoothAddress = "00:1D:A5:68:98:8B"
			c.Link.BluetoothAdapter = " "
		}, wantErr: "link.bluetooth.adapter"},
		{name: "unknown protocol", mutate: func(c *Config) { c.Adapter.Protocol = "ISO_FAKE" }, wantErr: "adapter.protocol"},
		{name: "command timeout", mutate: func(c *Config) { c.Adapter.CommandTimeoutMS = 0 }, wantErr: "command_timeout_ms"},
		{name: "negative settle", mutate: func(c *Config) { c.Adapter.ResetSettleMS = -1 }, wantErr: "reset_settle_ms"},
		{name: "feed addr", mutate: func(c *Config) { c.Feed = ServerConfig{Enable: true} }, wantErr: "feed.addr"},
		{name: "health addr", mutate: func(c *Config) { c.Health = ServerConfig{Enable: true} }, wantErr: "health.addr"},
		{name: "notify app name", mutate: func(c *Config) { c.Notify.AppName = "" }, wantErr: "notify.app_name"},
		{name: "notify timeout", mutate: func(c *Config) { c.Notify.TimeoutMS = -5 }, wantErr: "notify.timeout_ms"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			_, err := Validate(cfg)
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestValidateUnknownProtocolIsConfigurationError(t *testing.T) {
	cfg := Default()
	cfg.Adapter.Protocol = "CAN_FD"
	_, err := Validate(cfg)
	require.ErrorIs(t, err, job.ErrConfiguration)
}

func TestValidateWarnings(t *testing.T) {
	cfg := Default()
	cfg.Link.ListenSecure = ""
	cfg.Link.ListenInsecure = ""
	cfg.Adapter.ResetSettleMS = 2500

	warnings, err := Validate(cfg)
	require.NoError(t, err)
	require.Len(t, warnings, 2)
	require.Contains(t, warnings[0].Message, "stay idle")
	require.Contains(t, warnings[1].Message, "reset_settle_ms")
}

func TestValidateAcceptsMockAndSerial(t *testing.T) {
	cfg := Default()
	cfg.Link.Kind = LinkMock
	_, err := Validate(cfg)
	require.NoError(t, err)

	cfg.Link.Kind = LinkSerial
	cfg.Link.Target = "/dev/rfcomm0"
	cfg.Link.BluetoothAddress = "00:1d:a5:68:98:8b"
	_, err = Validate(cfg)
	require.NoError(t, err)
}
