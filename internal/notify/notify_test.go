package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rbright/obdgate/internal/config"
	"github.com/rbright/obdgate/internal/fsm"
	"github.com/rbright/obdgate/internal/job"
	"github.com/rbright/obdgate/internal/obd"
	"github.com/rbright/obdgate/internal/transport"
)

type sent struct {
	appName   string
	replaceID uint32
	summary   string
	body      string
	timeoutMS int
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sent
	err  error
}

func (f *fakeSender) Notify(_ context.Context, appName string, replaceID uint32, summary, body string, timeoutMS int) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	f.sent = append(f.sent, sent{appName, replaceID, summary, body, timeoutMS})
	return uint32(40 + len(f.sent)), nil
}

func TestConnectionFailuresNotify(t *testing.T) {
	sender := &fakeSender{}
	d := NewDesktop(config.NotifyConfig{Enable: true, AppName: "obdgate", TimeoutMS: 4000}, sender, nil)

	d.Connection(transport.Event{Kind: transport.EventState, State: fsm.StateConnected})
	d.Connection(transport.Event{Kind: transport.EventConnectionFailed, Err: errors.New("dial tcp: refused")})
	d.Connection(transport.Event{Kind: transport.EventConnectionLost, Err: errors.New("EOF")})

	require.Equal(t, []sent{
		{appName: "obdgate", replaceID: 0, summary: "Unable to connect to device", body: "dial tcp: refused", timeoutMS: 4000},
		{appName: "obdgate", replaceID: 41, summary: "Device connection was lost", body: "EOF", timeoutMS: 4000},
	}, sender.sent)
}

func TestConfigurationErrorsNotify(t *testing.T) {
	sender := &fakeSender{}
	d := NewDesktop(config.NotifyConfig{Enable: true}, sender, nil)

	d.JobCompleted(job.Job{Command: obd.EngineRPM{}, State: job.StateFinished})
	d.JobCompleted(job.Job{Command: obd.EngineRPM{}, State: job.StateExecutionError, Err: job.ErrExecution})
	d.JobCompleted(job.Job{
		Command: obd.SelectProtocol{Protocol: "ISO_FAKE"},
		State:   job.StateExecutionError,
		Err:     fmt.Errorf("%w: %w", job.ErrExecution, job.ErrConfiguration),
	})

	require.Len(t, sender.sent, 1)
	require.Equal(t, "obdgate", sender.sent[0].appName)
	require.Equal(t, "Adapter configuration rejected", sender.sent[0].summary)
	require.Contains(t, sender.sent[0].body, "SelectProtocol")
}

func TestDisabledOrFailingSender(t *testing.T) {
	sender := &fakeSender{}
	NewDesktop(config.NotifyConfig{}, sender, nil).Connection(transport.Event{Kind: transport.EventConnectionLost})
	require.Empty(t, sender.sent)

	NewDesktop(config.NotifyConfig{Enable: true}, nil, nil).Connection(transport.Event{Kind: transport.EventConnectionLost})

	failing := &fakeSender{err: errors.New("no notification daemon")}
	d := NewDesktop(config.NotifyConfig{Enable: true}, failing, nil)
	d.Connection(transport.Event{Kind: transport.EventConnectionLost})
	require.Zero(t, d.lastID)
}

func TestMessagesEnglish(t *testing.T) {
	require.Equal(t, localeEnglish, resolveLocale("en_US.UTF-8"))
	require.Equal(t, localeEnglish, resolveLocale("de_DE.UTF-8"))
	msg := messagesFor(localeEnglish)
	require.Equal(t, "Unable to connect to device", msg.connectionFailed)
	require.Equal(t, "Device connection was lost", msg.connectionLost)
}
