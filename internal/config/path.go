package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// ConfigEnv names the variable that points the gateway at a config file when
// no --config flag is given.
const ConfigEnv = "OBDGATE_CONFIG"

// ResolvePath picks the config file: the explicit path, then $OBDGATE_CONFIG,
// then $XDG_CONFIG_HOME/obdgate/config.jsonc, then ~/.config/obdgate.
func ResolvePath(explicit string) (string, error) {
	if path := strings.TrimSpace(explicit); path != "" {
		return path, nil
	}
	if path := strings.TrimSpace(os.Getenv(ConfigEnv)); path != "" {
		return path, nil
	}
	if xdg := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME")); xdg != "" {
		return filepath.Join(xdg, "obdgate", "config.jsonc"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.New("no config path: set " + ConfigEnv + ", XDG_CONFIG_HOME, or HOME")
	}
	return filepath.Join(home, ".config", "obdgate", "config.jsonc"), nil
}
