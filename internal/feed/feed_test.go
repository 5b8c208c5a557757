package feed

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/rbright/obdgate/internal/fsm"
	"github.com/rbright/obdgate/internal/job"
	"github.com/rbright/obdgate/internal/transport"
)

type reading string

func (r reading) Name() string { return string(r) }

func (r reading) Serialize() ([]byte, error) { return []byte("010C\r"), nil }

func (r reading) Parse(b []byte) (string, error) { return string(b), nil }

func dial(t *testing.T, hub *Hub, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 5*time.Millisecond)
	return conn
}

func TestHubBroadcastsEvents(t *testing.T) {
	hub := NewHub(nil)
	server := httptest.NewServer(hub)
	defer server.Close()
	conn := dial(t, hub, "ws"+strings.TrimPrefix(server.URL, "http"))

	hub.Connection(transport.Event{
		Kind:    transport.EventConnectionLost,
		State:   fsm.StateConnected,
		Message: "Device connection was lost",
		Session: 3,
		Err:     errors.New("broken pipe"),
	})
	var msg struct {
		Type    string     `json:"type"`
		Payload Connection `json:"payload"`
	}
	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, "connection", msg.Type)
	require.Equal(t, "connection_lost", msg.Payload.Kind)
	require.Equal(t, uint64(3), msg.Payload.Session)
	require.Equal(t, "broken pipe", msg.Payload.Error)

	hub.JobCompleted(job.Job{ID: 8, Session: 2, Command: reading("EngineRPM"), State: job.StateFinished, Result: "1726RPM"})
	var jobMsg struct {
		Type    string `json:"type"`
		Payload Job    `json:"payload"`
	}
	require.NoError(t, conn.ReadJSON(&jobMsg))
	require.Equal(t, "job", jobMsg.Type)
	require.Equal(t, Job{ID: 8, Session: 2, Command: "EngineRPM", State: "finished", Result: "1726RPM"}, Job{
		ID:      jobMsg.Payload.ID,
		Session: jobMsg.Payload.Session,
		Command: jobMsg.Payload.Command,
		State:   jobMsg.Payload.State,
		Result:  jobMsg.Payload.Result,
	})
}

func TestHubDropsClosedClients(t *testing.T) {
	hub := NewHub(nil)
	server := httptest.NewServer(hub)
	defer server.Close()
	conn := dial(t, hub, "ws"+strings.TrimPrefix(server.URL, "http"))

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		hub.Broadcast(Message{Type: "ping"})
		return hub.Clients() == 0
	}, time.Second, 10*time.Millisecond)
}

func TestServeListenerStopsWithContext(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	hub := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ServeListener(ctx, listener, hub) }()

	dial(t, hub, "ws://"+listener.Addr().String()+"/ws")
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("feed did not stop")
	}
	require.Eventually(t, func() bool { return hub.Clients() == 0 }, time.Second, 5*time.Millisecond)
}

func TestSameHostOrigin(t *testing.T) {
	tests := []struct {
		origin string
		want   bool
	}{
		{origin: "", want: true},
		{origin: "http://127.0.0.1:8765", want: true},
		{origin: "https://127.0.0.1", want: true},
		{origin: "http://evil.example", want: false},
		{origin: "file://", want: false},
	}
	for _, tc := range tests {
		r, err := http.NewRequest(http.MethodGet, "http://127.0.0.1:8765/ws", nil)
		require.NoError(t, err)
		if tc.origin != "" {
			r.Header.Set("Origin", tc.origin)
		}
		require.Equal(t, tc.want, sameHost(r), tc.origin)
	}
}
