// Package feed streams connection and job events to websocket clients.
package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rbright/obdgate/internal/job"
	"github.com/rbright/obdgate/internal/transport"
)

const (
	writeTimeout = 100 * time.Millisecond
	pingInterval = 30 * time.Second
	pongTimeout  = 60 * time.Second
)

// Message is one websocket frame.
type Message struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// Connection is the payload of a "connection" message.
type Connection struct {
	Kind    string    `json:"kind"`
	State   string    `json:"state"`
	Message string    `json:"message,omitempty"`
	Peer    string    `json:"peer,omitempty"`
	Name    string    `json:"name,omitempty"`
	Session uint64    `json:"session,omitempty"`
	Error   string    `json:"error,omitempty"`
	At      time.Time `json:"at"`
}

// Job is the payload of a "job" message.
type Job struct {
	ID       uint64    `json:"id"`
	Session  uint64    `json:"session"`
	Command  string    `json:"command"`
	State    string    `json:"state"`
	Result   string    `json:"result,omitempty"`
	Error    string    `json:"error,omitempty"`
	Finished time.Time `json:"finished"`
}

type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) write(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(v)
}

func (c *client) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
}

// Hub fans events out to connected websocket clients. Clients that fail a
// write are dropped.
type Hub struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
}

// NewHub returns a hub with no clients. Only same-host origins are accepted.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Hub{
		logger:  logger,
		clients: make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: sameHost,
		},
	}
}

func sameHost(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	host, _, err := net.SplitHostPort(r.Host)
	if err != nil {
		host = r.Host
	}
	for _, prefix := range []string{"http://", "https://"} {
		if rest, ok := strings.CutPrefix(origin, prefix); ok {
			h, _, err := net.SplitHostPort(rest)
			if err != nil {
				h = rest
			}
			return h == host
		}
	}
	return false
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Connection broadcasts a transport event.
func (h *Hub) Connection(ev transport.Event) {
	payload := Connection{
		Kind:    string(ev.Kind),
		State:   string(ev.State),
		Message: ev.Message,
		Peer:    ev.Peer.Address,
		Name:    ev.Peer.Name,
		Session: ev.Session,
		At:      ev.At,
	}
	if ev.Err != nil {
		payload.Error = ev.Err.Error()
	}
	h.Broadcast(Message{Type: "connection", Payload: payload})
}

// JobCompleted broadcasts a job completion.
func (h *Hub) JobCompleted(j job.Job) {
	h.Broadcast(Message{Type: "job", Payload: Job{
		ID:       j.ID,
		Session:  j.Session,
		Command:  j.Name(),
		State:    string(j.State),
		Result:   j.Result,
		Error:    j.ErrString(),
		Finished: j.Finished,
	}})
}

// Broadcast writes msg to every client concurrently and drops the ones that
// fail.
func (h *Hub) Broadcast(msg Message) {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	var (
		wg       sync.WaitGroup
		failedMu sync.Mutex
		failed   []*client
	)
	for _, c := range clients {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.write(msg); err != nil {
				failedMu.Lock()
				failed = append(failed, c)
				failedMu.Unlock()
			}
		}()
	}
	wg.Wait()

	for _, c := range failed {
		h.logger.Debug("feed client write failed", "remote", c.conn.RemoteAddr().String())
		h.remove(c)
	}
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		_ = c.conn.Close()
	}
}

// ServeHTTP upgrades the request and holds the client until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("feed upgrade failed", "remote", r.RemoteAddr, "error", err.Error())
		return
	}
	c := &client{conn: conn}
	h.add(c)
	h.logger.Info("feed client connected", "remote", r.RemoteAddr)
	defer func() {
		h.remove(c)
		h.logger.Info("feed client disconnected", "remote", r.RemoteAddr)
	}()

	_ = conn.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					h.logger.Debug("feed client read failed", "remote", r.RemoteAddr, "error", err.Error())
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if err := c.ping(); err != nil {
				return
			}
		}
	}
}

// Serve runs the feed on addr at path "/ws" until ctx is done.
func Serve(ctx context.Context, addr string, hub *Hub) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen feed %s: %w", addr, err)
	}
	return ServeListener(ctx, listener, hub)
}

// ServeListener runs the feed on an existing listener until ctx is done.
func ServeListener(ctx context.Context, listener net.Listener, hub *Hub) error {
	mux := http.NewServeMux()
	mux.Handle("/ws", hub)
	server := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		hub.closeAll()
	}()

	if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve feed: %w", err)
	}
	return nil
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		_ = c.conn.Close()
		delete(h.clients, c)
	}
}
