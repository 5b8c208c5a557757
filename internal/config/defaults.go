package config

import "github.com/rbright/obdgate/internal/obd"

// Default returns the canonical runtime configuration used when no file is present.
func Default() Config {
	return Config{
		Link: LinkConfig{
			Kind:             LinkTCP,
			ListenSecure:     "127.0.0.1:35000",
			ListenInsecure:   "127.0.0.1:35001",
			Baud:             38400,
			DialTimeoutMS:    5000,
			BluetoothAdapter: "hci0",
		},
		Adapter: AdapterConfig{
			Protocol:         string(obd.DefaultProtocol),
			CommandTimeoutMS: 5000,
			ResetSettleMS:    500,
		},
		Feed:   ServerConfig{Addr: "127.0.0.1:8765"},
		Health: ServerConfig{Addr: "127.0.0.1:50061"},
		Notify: NotifyConfig{
			Enable:    true,
			AppName:   "obdgate",
			TimeoutMS: 4000,
		},
	}
}
