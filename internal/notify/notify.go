// Package notify raises desktop notifications for connection failures and
// rejected adapter configuration.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/rbright/obdgate/internal/config"
	"github.com/rbright/obdgate/internal/job"
	"github.com/rbright/obdgate/internal/transport"
)

const dispatchTimeout = 400 * time.Millisecond

// Sender delivers one freedesktop notification and returns its id.
type Sender interface {
	Notify(ctx context.Context, appName string, replaceID uint32, summary, body string, timeoutMS int) (uint32, error)
}

// Bus sends notifications over the session bus.
type Bus struct {
	conn *dbus.Conn
}

// NewBus connects to the session bus.
func NewBus() (*Bus, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("connect session bus: %w", err)
	}
	return &Bus{conn: conn}, nil
}

// Notify calls org.freedesktop.Notifications.Notify.
func (b *Bus) Notify(ctx context.Context, appName string, replaceID uint32, summary, body string, timeoutMS int) (uint32, error) {
	var id uint32
	err := b.conn.Object("org.freedesktop.Notifications", "/org/freedesktop/Notifications").
		CallWithContext(ctx, "org.freedesktop.Notifications.Notify", 0,
			appName, replaceID, "", summary, body, []string{}, map[string]dbus.Variant{}, int32(timeoutMS)).
		Store(&id)
	if err != nil {
		return 0, fmt.Errorf("desktop notify failed: %w", err)
	}
	return id, nil
}

// Close releases the bus connection.
func (b *Bus) Close() error {
	return b.conn.Close()
}

// Desktop turns gateway events into replaceable desktop notifications.
type Desktop struct {
	cfg      config.NotifyConfig
	sender   Sender
	logger   *slog.Logger
	messages messages

	mu     sync.Mutex
	lastID uint32
}

// NewDesktop returns a notifier. A nil sender disables delivery.
func NewDesktop(cfg config.NotifyConfig, sender Sender, logger *slog.Logger) *Desktop {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Desktop{cfg: cfg, sender: sender, logger: logger, messages: messagesFromEnv()}
}

// Connection notifies on failed and lost connections.
func (d *Desktop) Connection(ev transport.Event) {
	switch ev.Kind {
	case transport.EventConnectionFailed:
		d.show(d.messages.connectionFailed, errText(ev.Err))
	case transport.EventConnectionLost:
		d.show(d.messages.connectionLost, errText(ev.Err))
	}
}

// JobCompleted notifies when a job failed on configuration.
func (d *Desktop) JobCompleted(j job.Job) {
	if j.State != job.StateExecutionError || !errors.Is(j.Err, job.ErrConfiguration) {
		return
	}
	d.show(d.messages.configuration, fmt.Sprintf("%s: %s", j.Name(), j.ErrString()))
}

func (d *Desktop) show(summary, body string) {
	if !d.cfg.Enable || d.sender == nil {
		return
	}
	appName := strings.TrimSpace(d.cfg.AppName)
	if appName == "" {
		appName = "obdgate"
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	defer cancel()
	id, err := d.sender.Notify(ctx, appName, d.lastID, summary, body, d.cfg.TimeoutMS)
	if err != nil {
		d.logger.Debug("notification dispatch failed", "error", err.Error())
		return
	}
	d.lastID = id
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
