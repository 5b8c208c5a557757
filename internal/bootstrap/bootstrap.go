// Package bootstrap queues the adapter configuration sequence that runs at
// the start of every session.
package bootstrap

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/rbright/obdgate/internal/job"
	"github.com/rbright/obdgate/internal/obd"
)

// ResponseTimeout is the adapter timeout sent with ATST, in 4 ms units.
const ResponseTimeout = 62

// Queue is the part of the executor the bootstrapper drives. Restart starts
// a new id epoch and places cmds ahead of every job already waiting.
type Queue interface {
	Restart(cmds ...job.Command) ([]uint64, error)
}

// Config is read once per session.
type Config struct {
	Protocol string
	Imperial bool
	Settle   time.Duration
}

// Commands returns the configuration sequence in execution order. An unknown
// protocol is kept as given so that its job fails with a configuration error.
func Commands(cfg Config) []job.Command {
	protocol := obd.Protocol(strings.ToUpper(strings.TrimSpace(cfg.Protocol)))
	if protocol == "" {
		protocol = obd.DefaultProtocol
	}

	cmds := []job.Command{
		obd.Reset{Settle: cfg.Settle},
		obd.EchoOff{},
		// Sent twice: some adapters drop the first command after a reset.
		obd.EchoOff{},
		obd.LineFeedOff{},
		obd.Timeout{Value: ResponseTimeout},
		obd.SelectProtocol{Protocol: protocol},
		obd.AmbientAirTemperature{},
	}
	for i, cmd := range cmds {
		cmds[i] = obd.WithUnits(cmd, cfg.Imperial)
	}
	return cmds
}

// Run starts a new id epoch on q with the configuration sequence at the head
// of the queue. Jobs left over from an earlier session, and anything enqueued
// afterwards, run once the sequence has completed.
func Run(q Queue, cfg Config, logger *slog.Logger) ([]uint64, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	ids, err := q.Restart(Commands(cfg)...)
	if err != nil {
		return ids, fmt.Errorf("bootstrap: %w", err)
	}
	logger.Info("bootstrap queued", "jobs", len(ids), "protocol", cfg.Protocol, "imperial", cfg.Imperial)
	return ids, nil
}
