package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/rbright/obdgate/internal/events"
	"github.com/rbright/obdgate/internal/fsm"
)

// MockedResponse is the canned adapter reply used by the mock transport.
const MockedResponse = "41 00 00 00>"

// Mock stands in for a Transport without hardware. It is connected as soon
// as it starts and answers every write with the same canned response.
type Mock struct {
	response []byte
	bus      *events.Bus[Event]

	mu        sync.Mutex
	state     fsm.State
	pending   *bytes.Reader
	failNext  error
	writes    [][]byte
	changed   chan struct{}
	onConnect func(Session)
}

// NewMock returns a stopped mock answering every write with response.
func NewMock(response []byte) *Mock {
	if response == nil {
		response = []byte(MockedResponse)
	}
	return &Mock{
		response: bytes.Clone(response),
		bus:      events.NewBus[Event](),
		state:    fsm.StateNone,
		changed:  make(chan struct{}),
	}
}

// Events returns the bus state changes are published on.
func (m *Mock) Events() *events.Bus[Event] {
	return m.bus
}

// Start reports the connected state immediately.
func (m *Mock) Start() {
	m.setState(fsm.StateConnected)
}

// Connect behaves like Start; the target is ignored.
func (m *Mock) Connect(string) error {
	m.Start()
	return nil
}

// Stop returns to the none state.
func (m *Mock) Stop() {
	m.setState(fsm.StateNone)
}

// State returns the current state.
func (m *Mock) State() fsm.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// OnConnected registers fn to run on every transition into the connected
// state, before the state is published or Await returns.
func (m *Mock) OnConnected(fn func(Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onConnect = fn
}

// FailNextRead makes the next read return err instead of the canned response.
func (m *Mock) FailNextRead(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = err
}

// Writes returns a copy of everything written so far, one entry per write.
func (m *Mock) Writes() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.writes))
	for i, w := range m.writes {
		out[i] = bytes.Clone(w)
	}
	return out
}

// Await blocks until the mock is started or ctx is done.
func (m *Mock) Await(ctx context.Context) (Session, error) {
	for {
		m.mu.Lock()
		if m.state == fsm.StateConnected {
			m.mu.Unlock()
			return m.session(), nil
		}
		changed := m.changed
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return Session{}, ctx.Err()
		case <-changed:
		}
	}
}

func (m *Mock) session() Session {
	return Session{ID: 1, Peer: Peer{Address: "mock", Name: "mock"}, Stream: mockStream{m}}
}

func (m *Mock) setState(state fsm.State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if state == fsm.StateConnected && m.state != fsm.StateConnected && m.onConnect != nil {
		m.onConnect(m.session())
	}
	m.state = state
	close(m.changed)
	m.changed = make(chan struct{})
	ev := Event{Kind: EventState, State: state, At: time.Now()}
	if state == fsm.StateConnected {
		ev.Session = 1
		ev.Peer = Peer{Address: "mock", Name: "mock"}
	}
	m.bus.Publish(ev)
}

type mockStream struct{ m *Mock }

func (s mockStream) Write(p []byte) (int, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if s.m.state != fsm.StateConnected {
		return 0, ErrNotConnected
	}
	s.m.writes = append(s.m.writes, bytes.Clone(p))
	s.m.pending = bytes.NewReader(s.m.response)
	return len(p), nil
}

func (s mockStream) Read(p []byte) (int, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if err := s.m.failNext; err != nil {
		s.m.failNext = nil
		s.m.pending = nil
		return 0, err
	}
	if s.m.pending == nil {
		return 0, io.EOF
	}
	n, err := s.m.pending.Read(p)
	if errors.Is(err, io.EOF) {
		s.m.pending = nil
	}
	return n, err
}
