package obd

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/rbright/obdgate/internal/job"
)

var catalog = map[string]func() job.Command{
	"reset":                      func() job.Command { return Reset{} },
	"echo_off":                   func() job.Command { return EchoOff{} },
	"line_feed_off":              func() job.Command { return LineFeedOff{} },
	"ambient_air_temperature":    func() job.Command { return AmbientAirTemperature{} },
	"engine_coolant_temperature": func() job.Command { return EngineCoolantTemperature{} },
	"engine_rpm":                 func() job.Command { return EngineRPM{} },
	"vehicle_speed":              func() job.Command { return VehicleSpeed{} },
}

// byKey indexes the catalog by folded name, so "engine_rpm" and the command's
// own name "EngineRPM" find the same entry.
var byKey = func() map[string]func() job.Command {
	m := make(map[string]func() job.Command, len(catalog))
	for name, build := range catalog {
		m[fold(name)] = build
	}
	return m
}()

// Lookup returns a fresh command for a catalog name such as "engine_rpm" or
// a command name such as "EngineRPM". Case and underscores are ignored.
func Lookup(name string) (job.Command, error) {
	build, ok := byKey[fold(name)]
	if !ok {
		return nil, fmt.Errorf("%w: unknown command %q", job.ErrConfiguration, name)
	}
	return build(), nil
}

func fold(name string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(name), "_", ""))
}

// Names lists the catalog in sorted order.
func Names() []string {
	return slices.Sorted(maps.Keys(catalog))
}
