package link

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/godbus/dbus/v5"
)

const (
	bluezBus    = "org.bluez"
	bluezDevice = "org.bluez.Device1"
)

// ErrNoName is returned when BlueZ knows a device but not its name.
var ErrNoName = errors.New("device has no name")

// BlueZ resolves Bluetooth device names over the system bus.
type BlueZ struct {
	adapter    string
	properties func(path dbus.ObjectPath) (map[string]dbus.Variant, error)
	close      func() error
}

// NewBlueZ connects to the system bus for lookups on adapter, e.g. "hci0".
func NewBlueZ(adapter string) (*BlueZ, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect system bus: %w", err)
	}
	return &BlueZ{
		adapter: adapter,
		properties: func(path dbus.ObjectPath) (map[string]dbus.Variant, error) {
			var props map[string]dbus.Variant
			err := conn.Object(bluezBus, path).
				Call("org.freedesktop.DBus.Properties.GetAll", 0, bluezDevice).
				Store(&props)
			return props, err
		},
		close: conn.Close,
	}, nil
}

// Name returns the alias of the device at address, falling back to its
// advertised name.
func (b *BlueZ) Name(address string) (string, error) {
	path, err := DevicePath(b.adapter, address)
	if err != nil {
		return "", err
	}
	props, err := b.properties(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	for _, key := range []string{"Alias", "Name"} {
		if v, ok := props[key]; ok {
			if name, ok := v.Value().(string); ok && name != "" {
				return name, nil
			}
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNoName, address)
}

// Close releases the bus connection.
func (b *BlueZ) Close() error {
	if b.close == nil {
		return nil
	}
	return b.close()
}

// DevicePath returns the BlueZ object path of a device on adapter.
func DevicePath(adapter, address string) (dbus.ObjectPath, error) {
	mac, err := net.ParseMAC(strings.TrimSpace(address))
	if err != nil || len(mac) != 6 {
		return "", fmt.Errorf("invalid bluetooth address %q", address)
	}
	if adapter == "" {
		adapter = "hci0"
	}
	dev := strings.ToUpper(strings.ReplaceAll(mac.String(), ":", "_"))
	return dbus.ObjectPath("/org/bluez/" + adapter + "/dev_" + dev), nil
}
