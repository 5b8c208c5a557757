package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

// SocketEnv names the variable that overrides the control socket path.
const SocketEnv = "OBDGATE_SOCKET"

const socketName = "obdgate.sock"

var (
	// ErrAlreadyRunning is returned by Acquire when a live gateway owns the
	// socket.
	ErrAlreadyRunning = errors.New("obdgate gateway already running")
	// ErrNoRuntimeDir is returned when no socket location can be derived.
	ErrNoRuntimeDir = errors.New("control socket location unknown: set " + SocketEnv + " or XDG_RUNTIME_DIR")
)

// RuntimeSocketPath returns $OBDGATE_SOCKET when set, otherwise obdgate.sock
// under $XDG_RUNTIME_DIR.
func RuntimeSocketPath() (string, error) {
	if path := strings.TrimSpace(os.Getenv(SocketEnv)); path != "" {
		return path, nil
	}
	runtimeDir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR"))
	if runtimeDir == "" {
		return "", ErrNoRuntimeDir
	}
	return filepath.Join(runtimeDir, socketName), nil
}

// Acquire binds the control socket for a new gateway. A socket whose owner
// still answers status yields ErrAlreadyRunning. A socket nobody accepts on
// was left by a gateway that died; it is removed and the bind retried, up to
// retries times.
func Acquire(ctx context.Context, path string, answerTimeout time.Duration, retries int) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create control socket dir: %w", err)
	}

	for attempt := 0; attempt <= retries; attempt++ {
		listener, err := net.Listen("unix", path)
		if err == nil {
			if err := os.Chmod(path, 0o600); err != nil {
				_ = listener.Close()
				return nil, fmt.Errorf("restrict control socket %s: %w", path, err)
			}
			return listener, nil
		}
		if !errors.Is(err, syscall.EADDRINUSE) {
			return nil, fmt.Errorf("bind control socket %s: %w", path, err)
		}

		alive, checkErr := Probe(ctx, path, answerTimeout)
		if alive {
			return nil, ErrAlreadyRunning
		}
		if checkErr != nil {
			// Something accepted but did not answer; leave it alone.
			return nil, fmt.Errorf("check existing gateway at %s: %w", path, checkErr)
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("remove stale control socket %s: %w", path, err)
		}

		if attempt < retries {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(25*(attempt+1)) * time.Millisecond):
			}
		}
	}

	return nil, fmt.Errorf("bind control socket %s: still in use after %d attempts", path, retries+1)
}
