// Package doctor runs readiness diagnostics for config, the adapter link, and
// the runtime socket.
package doctor

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/rbright/obdgate/internal/config"
	"github.com/rbright/obdgate/internal/health"
	"github.com/rbright/obdgate/internal/ipc"
	"github.com/rbright/obdgate/internal/link"
)

// Check is one doctor assertion result.
type Check struct {
	Name    string
	Pass    bool
	Message string
}

// Report is the full doctor output contract.
type Report struct {
	Checks []Check
}

// OK returns true when all checks pass.
func (r Report) OK() bool {
	for _, check := range r.Checks {
		if !check.Pass {
			return false
		}
	}
	return true
}

// String renders the report as user-facing text output.
func (r Report) String() string {
	var b strings.Builder
	for _, check := range r.Checks {
		status := "OK"
		if !check.Pass {
			status = "FAIL"
		}
		b.WriteString(fmt.Sprintf("[%s] %s: %s\n", status, check.Name, check.Message))
	}
	return strings.TrimSuffix(b.String(), "\n")
}

// Probes are the live checks Run performs; tests replace them.
type Probes struct {
	Dial     func(addr string, timeout time.Duration) error
	Resolver func(adapter string) (link.Resolver, error)
	Gateway  func(ctx context.Context, socket string) (bool, error)
	Health   func(ctx context.Context, addr string) (string, error)
}

// DefaultProbes dial real sockets and the system bus.
func DefaultProbes() Probes {
	return Probes{
		Dial: func(addr string, timeout time.Duration) error {
			conn, err := net.DialTimeout("tcp", addr, timeout)
			if err != nil {
				return err
			}
			return conn.Close()
		},
		Resolver: func(adapter string) (link.Resolver, error) {
			return link.NewBlueZ(adapter)
		},
		Gateway: func(ctx context.Context, socket string) (bool, error) {
			return ipc.Probe(ctx, socket, 300*time.Millisecond)
		},
		Health: func(ctx context.Context, addr string) (string, error) {
			status, err := health.Check(ctx, addr, health.Service, 500*time.Millisecond)
			return status.String(), err
		},
	}
}

// Run executes environment, config, and link checks for a loaded config.
func Run(cfg config.Loaded, probes Probes) Report {
	checks := []Check{{
		Name:    "config",
		Pass:    true,
		Message: fmt.Sprintf("loaded %q", cfg.Path),
	}}

	socket, socketErr := ipc.RuntimeSocketPath()
	checks = append(checks, checkSocket(socket, socketErr))

	checks = append(checks, checkLink(cfg.Config.Link, probes))
	if cfg.Config.Link.BluetoothAddress != "" {
		checks = append(checks, checkBluetooth(cfg.Config.Link, probes))
	}
	if socketErr == nil && probes.Gateway != nil {
		check, alive := checkGateway(socket, probes)
		checks = append(checks, check)
		if alive && cfg.Config.Health.Enable && probes.Health != nil {
			checks = append(checks, checkHealth(cfg.Config.Health.Addr, probes))
		}
	}

	return Report{Checks: checks}
}

func checkSocket(path string, err error) Check {
	if err != nil {
		return Check{Name: "socket", Pass: false, Message: err.Error()}
	}
	return Check{Name: "socket", Pass: true, Message: fmt.Sprintf("control socket at %s", path)}
}

// checkBinary validates that a binary exists in PATH.
func checkBinary(bin string, okMsg string) Check {
	path, err := exec.LookPath(bin)
	if err != nil {
		return Check{Name: bin, Pass: false, Message: fmt.Sprintf("binary not found in PATH: %s", bin)}
	}
	return Check{Name: bin, Pass: true, Message: fmt.Sprintf("found at %s (%s)", path, okMsg)}
}

func checkLink(cfg config.LinkConfig, probes Probes) Check {
	target := strings.TrimSpace(cfg.Target)
	switch strings.ToLower(strings.TrimSpace(cfg.Kind)) {
	case config.LinkMock:
		return Check{Name: "link", Pass: true, Message: "mock adapter"}
	case config.LinkSerial:
		info, err := os.Stat(target)
		if err != nil {
			if strings.HasPrefix(target, "/dev/rfcomm") {
				bind := checkBinary("rfcomm", "bind the adapter with rfcomm")
				return Check{Name: "link", Pass: false, Message: fmt.Sprintf("%s is missing; %s", target, bind.Message)}
			}
			return Check{Name: "link", Pass: false, Message: err.Error()}
		}
		if info.Mode()&os.ModeDevice == 0 {
			return Check{Name: "link", Pass: false, Message: fmt.Sprintf("%s is not a device", target)}
		}
		return Check{Name: "link", Pass: true, Message: fmt.Sprintf("device %s at %d baud", target, cfg.Baud)}
	default:
		if target == "" {
			return Check{Name: "link", Pass: true, Message: fmt.Sprintf("listening on %s and %s", cfg.ListenSecure, cfg.ListenInsecure)}
		}
		timeout := time.Duration(cfg.DialTimeoutMS) * time.Millisecond
		if err := probes.Dial(target, timeout); err != nil {
			return Check{Name: "link", Pass: false, Message: fmt.Sprintf("adapter %s unreachable: %v", target, err)}
		}
		return Check{Name: "link", Pass: true, Message: fmt.Sprintf("adapter %s reachable", target)}
	}
}

func checkBluetooth(cfg config.LinkConfig, probes Probes) Check {
	resolver, err := probes.Resolver(cfg.BluetoothAdapter)
	if err != nil {
		return Check{Name: "bluetooth", Pass: false, Message: err.Error()}
	}
	if c, ok := resolver.(interface{ Close() error }); ok {
		defer c.Close()
	}
	name, err := resolver.Name(cfg.BluetoothAddress)
	if err != nil {
		return Check{Name: "bluetooth", Pass: false, Message: err.Error()}
	}
	return Check{Name: "bluetooth", Pass: true, Message: fmt.Sprintf("%s is %q", cfg.BluetoothAddress, name)}
}

func checkGateway(socket string, probes Probes) (Check, bool) {
	alive, err := probes.Gateway(context.Background(), socket)
	switch {
	case err != nil:
		return Check{Name: "gateway", Pass: false, Message: err.Error()}, false
	case alive:
		return Check{Name: "gateway", Pass: true, Message: fmt.Sprintf("running at %s", socket)}, true
	default:
		return Check{Name: "gateway", Pass: true, Message: "not running"}, false
	}
}

// checkHealth passes whenever the health server answers; an adapter that is
// not connected is reported, not failed.
func checkHealth(addr string, probes Probes) Check {
	status, err := probes.Health(context.Background(), addr)
	if err != nil {
		return Check{Name: "health", Pass: false, Message: err.Error()}
	}
	return Check{Name: "health", Pass: true, Message: fmt.Sprintf("%s at %s is %s", health.Service, addr, status)}
}
