// Package transport owns the single diagnostic session: it listens for
// incoming sessions, initiates outgoing ones, and runs the connection state
// machine.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/rbright/obdgate/internal/events"
	"github.com/rbright/obdgate/internal/fsm"
	"github.com/rbright/obdgate/internal/job"
)

var (
	// ErrNotConnected is returned by Write outside the connected state.
	ErrNotConnected = errors.New("transport not connected")
	// ErrStaleSession is returned by I/O on a stream of a replaced session.
	ErrStaleSession = errors.New("session is no longer current")
)

// Session is one connected stream pair.
type Session struct {
	ID     uint64
	Peer   Peer
	Stream io.ReadWriter
}

// live is the connected stream pair and its generation.
type live struct {
	id   uint64
	conn Conn
	peer Peer
}

// Transport runs the connection state machine over a Link.
//
// The connection state and the current session are mutated together under
// one mutex, so a session is never observed outside the connected state.
type Transport struct {
	link   Link
	logger *slog.Logger
	bus    *events.Bus[Event]
	kinds  []ListenerKind

	mu         sync.Mutex
	state      fsm.State
	listeners  map[ListenerKind]Listener
	connector  Connector
	session    *live
	generation uint64
	changed    chan struct{}
	onConnect  func(Session)

	wg sync.WaitGroup
}

// Option is a functional option for the Transport.
type Option func(*Transport)

// WithListenerKinds replaces the default secure and insecure listeners.
func WithListenerKinds(kinds ...ListenerKind) Option {
	return func(t *Transport) {
		t.kinds = kinds
	}
}

// New constructs an idle Transport in the none state.
func New(link Link, logger *slog.Logger, opts ...Option) *Transport {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	t := &Transport{
		link:      link,
		logger:    logger,
		bus:       events.NewBus[Event](),
		kinds:     []ListenerKind{ListenerSecure, ListenerInsecure},
		state:     fsm.StateNone,
		listeners: make(map[ListenerKind]Listener),
		changed:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Events returns the bus every transition is published on.
func (t *Transport) Events() *events.Bus[Event] {
	return t.bus
}

// State returns the current connection state.
func (t *Transport) State() fsm.State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Session returns the live session, if connected.
func (t *Transport) Session() (Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != fsm.StateConnected || t.session == nil {
		return Session{}, false
	}
	return t.sessionLocked(), true
}

// Await blocks until a session is connected or ctx is done.
func (t *Transport) Await(ctx context.Context) (Session, error) {
	for {
		t.mu.Lock()
		if t.state == fsm.StateConnected && t.session != nil {
			s := t.sessionLocked()
			t.mu.Unlock()
			return s, nil
		}
		changed := t.changed
		t.mu.Unlock()

		select {
		case <-ctx.Done():
			return Session{}, ctx.Err()
		case <-changed:
		}
	}
}

// OnConnected registers fn to run on every transition into the connected
// state. fn runs while the transition is in progress: before the connected
// state is published and before Await hands the session out. It must not
// call back into the Transport.
func (t *Transport) OnConnected(fn func(Session)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onConnect = fn
}

// Start enters listening mode, cancelling any connector and live session.
func (t *Transport) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.logger.Debug("transport start", "state", t.state)
	t.listenLocked(fsm.EventStart)
}

// Connect begins an outgoing connection to target. An invalid target is
// reported synchronously and leaves the state unchanged.
func (t *Transport) Connect(target string) error {
	c, err := t.link.NewConnector(target)
	if err != nil {
		return fmt.Errorf("%w: target %q: %w", job.ErrConfiguration, target, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.logger.Info("transport connect", "target", target, "state", t.state)

	t.cancelConnectorLocked()
	if t.session != nil {
		t.closeSessionLocked()
		t.transitionLocked(fsm.EventStart, "")
	}
	if !t.transitionLocked(fsm.EventConnect, "") {
		_ = c.Close()
		return fmt.Errorf("connect from state %s", t.state)
	}

	t.connector = c
	t.wg.Add(1)
	go t.connect(c, target)
	return nil
}

// Stop closes every listener, connector, and session, enters the none state,
// and waits for all spawned goroutines to exit.
func (t *Transport) Stop() {
	t.mu.Lock()
	t.logger.Info("transport stop", "state", t.state)
	t.cancelConnectorLocked()
	t.closeSessionLocked()
	t.closeListenersLocked()
	t.transitionLocked(fsm.EventStop, "")
	t.mu.Unlock()

	t.wg.Wait()
}

// Write sends p on the live session. It fails with ErrNotConnected outside
// the connected state.
func (t *Transport) Write(p []byte) error {
	s, ok := t.Session()
	if !ok {
		return ErrNotConnected
	}
	_, err := s.Stream.Write(p)
	return err
}

// listenLocked cancels the connector and session, transitions with event, and
// spawns any missing listener.
func (t *Transport) listenLocked(event fsm.Event) {
	t.cancelConnectorLocked()
	t.closeSessionLocked()
	if !t.transitionLocked(event, "") {
		return
	}

	for _, kind := range t.kinds {
		if t.listeners[kind] != nil {
			continue
		}
		l, err := t.link.Listen(kind)
		if err != nil {
			t.logger.Warn("listen failed", "kind", kind, "error", err.Error())
			continue
		}
		t.listeners[kind] = l
		t.wg.Add(1)
		go t.accept(kind, l)
	}
}

// accept runs one passive listener until it wins the session or is closed.
func (t *Transport) accept(kind ListenerKind, l Listener) {
	defer t.wg.Done()
	t.logger.Debug("listener begin", "kind", kind)

	for {
		conn, peer, err := l.Accept()
		if err != nil {
			t.logger.Debug("listener end", "kind", kind, "error", err.Error())
			t.mu.Lock()
			if t.listeners[kind] == l {
				delete(t.listeners, kind)
				_ = l.Close()
			}
			t.mu.Unlock()
			return
		}
		if t.accepted(kind, l, conn, peer) {
			return
		}
	}
}

// accepted installs conn as the session if l is still a live listener in a
// state that admits it; otherwise conn is closed.
func (t *Transport) accepted(kind ListenerKind, l Listener, conn Conn, peer Peer) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.listeners[kind] != l || (t.state != fsm.StateListen && t.state != fsm.StateConnecting) {
		t.logger.Debug("closing unwanted socket", "kind", kind, "state", t.state)
		if err := conn.Close(); err != nil {
			t.logger.Warn("close unwanted socket failed", "kind", kind, "error", err.Error())
		}
		return false
	}

	t.connectedLocked(conn, peer, fsm.EventAccept, string(kind))
	return true
}

// connect runs one outgoing attempt.
func (t *Transport) connect(c Connector, target string) {
	defer t.wg.Done()

	conn, peer, err := c.Connect()

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.connector != c {
		if conn != nil {
			_ = conn.Close()
		}
		t.logger.Debug("connector superseded", "target", target)
		return
	}
	t.connector = nil

	if err != nil {
		_ = c.Close()
		t.logger.Warn("connection failed", "target", target, "error", err.Error())
		t.publishLocked(Event{
			Kind:    EventConnectionFailed,
			State:   t.state,
			Message: messageConnectionFailed,
			Err:     fmt.Errorf("%w: %w", job.ErrTransport, err),
		})
		t.listenLocked(fsm.EventFail)
		return
	}

	if peer.Address == "" {
		peer.Address = target
	}
	t.connectedLocked(conn, peer, fsm.EventConnected, "connector")
}

// connectedLocked cancels every other worker and installs conn as the session.
func (t *Transport) connectedLocked(conn Conn, peer Peer, event fsm.Event, via string) {
	t.cancelConnectorLocked()
	t.closeSessionLocked()
	t.closeListenersLocked()

	t.generation++
	t.session = &live{id: t.generation, conn: conn, peer: peer}
	t.logger.Info("connected", "via", via, "session", t.generation, "peer", peer.Address, "name", peer.Name)

	t.publishLocked(Event{Kind: EventPeer, State: t.state, Peer: peer, Session: t.generation})
	if t.onConnect != nil {
		t.onConnect(t.sessionLocked())
	}
	t.transitionLocked(event, "")
}

// lost handles an I/O failure on session id. Failures on stale sessions are
// ignored, so each session is lost at most once.
func (t *Transport) lost(id uint64, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.session == nil || t.session.id != id {
		return
	}
	t.logger.Warn("connection lost", "session", id, "error", err.Error())
	t.closeSessionLocked()
	t.publishLocked(Event{
		Kind:    EventConnectionLost,
		State:   t.state,
		Message: messageConnectionLost,
		Session: id,
		Err:     fmt.Errorf("%w: %w", job.ErrTransport, err),
	})
	// An outgoing session is not re-dialled.
	t.listenLocked(fsm.EventLose)
}

// current reports whether id is still the live session.
func (t *Transport) current(id uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.session != nil && t.session.id == id
}

func (t *Transport) transitionLocked(event fsm.Event, message string) bool {
	next, err := fsm.Transition(t.state, event)
	if err != nil {
		t.logger.Error("rejected transition", "state", t.state, "event", event, "error", err.Error())
		return false
	}
	t.logger.Debug("set state", "from", t.state, "to", next, "event", event)
	t.state = next
	close(t.changed)
	t.changed = make(chan struct{})

	ev := Event{Kind: EventState, State: next, Message: message}
	if t.session != nil {
		ev.Session = t.session.id
		ev.Peer = t.session.peer
	}
	t.publishLocked(ev)
	return true
}

func (t *Transport) publishLocked(ev Event) {
	ev.At = time.Now()
	t.bus.Publish(ev)
}

func (t *Transport) sessionLocked() Session {
	return Session{
		ID:     t.session.id,
		Peer:   t.session.peer,
		Stream: &stream{t: t, id: t.session.id, conn: t.session.conn},
	}
}

func (t *Transport) cancelConnectorLocked() {
	if t.connector == nil {
		return
	}
	if err := t.connector.Close(); err != nil {
		t.logger.Warn("close connector failed", "error", err.Error())
	}
	t.connector = nil
}

func (t *Transport) closeSessionLocked() {
	if t.session == nil {
		return
	}
	if err := t.session.conn.Close(); err != nil {
		t.logger.Debug("close session failed", "session", t.session.id, "error", err.Error())
	}
	t.session = nil
}

func (t *Transport) closeListenersLocked() {
	for kind, l := range t.listeners {
		if err := l.Close(); err != nil {
			t.logger.Warn("close listener failed", "kind", kind, "error", err.Error())
		}
	}
	clear(t.listeners)
}
