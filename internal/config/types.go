// Package config resolves, parses, validates, and defaults obdgate configuration.
package config

// Config is the fully materialized runtime configuration used by obdgate.
type Config struct {
	Link    LinkConfig
	Adapter AdapterConfig
	Feed    ServerConfig
	Health  ServerConfig
	Notify  NotifyConfig
}

// LinkConfig selects how the gateway reaches the diagnostic adapter.
type LinkConfig struct {
	// Kind is one of tcp, serial, mock.
	Kind string
	// Target is dialled on startup when set; otherwise the gateway listens.
	Target           string
	ListenSecure     string
	ListenInsecure   string
	Baud             int
	DialTimeoutMS    int
	BluetoothAddress string
	BluetoothAdapter string
}

// AdapterConfig is read once per session by the bootstrap sequence.
type AdapterConfig struct {
	Protocol         string
	Imperial         bool
	CommandTimeoutMS int
	ResetSettleMS    int
}

// ServerConfig toggles one optional network surface.
type ServerConfig struct {
	Enable bool
	Addr   string
}

// NotifyConfig controls desktop notifications for connection failures.
type NotifyConfig struct {
	Enable    bool
	AppName   string
	TimeoutMS int
}

// Warning is a non-fatal parse/validation message.
type Warning struct {
	Line    int
	Message string
}
