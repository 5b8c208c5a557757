package transport

import (
	"errors"
	"net"
	"strings"
	"sync"
)

// pipeListener hands out server ends of in-memory pipes pushed by tests.
type pipeListener struct {
	kind   ListenerKind
	conns  chan net.Conn
	closed chan struct{}
	once   sync.Once
}

func newPipeListener(kind ListenerKind) *pipeListener {
	return &pipeListener{kind: kind, conns: make(chan net.Conn, 4), closed: make(chan struct{})}
}

func (l *pipeListener) Accept() (Conn, Peer, error) {
	select {
	case <-l.closed:
		return nil, Peer{}, net.ErrClosed
	default:
	}
	select {
	case conn := <-l.conns:
		return conn, Peer{Address: "pipe-" + string(l.kind), Name: "ELM327 " + string(l.kind)}, nil
	case <-l.closed:
		return nil, Peer{}, net.ErrClosed
	}
}

// Close drops any queued connection, like a closed OS listener drops its
// backlog.
func (l *pipeListener) Close() error {
	l.once.Do(func() {
		close(l.closed)
		for {
			select {
			case conn := <-l.conns:
				_ = conn.Close()
			default:
				return
			}
		}
	})
	return nil
}

// dial pushes a new incoming connection and returns the client end.
func (l *pipeListener) dial() net.Conn {
	server, client := net.Pipe()
	l.conns <- server
	return client
}

type connectResult struct {
	conn net.Conn
	err  error
}

type pipeConnector struct {
	target string
	result chan connectResult
	closed chan struct{}
	once   sync.Once
}

func (c *pipeConnector) Connect() (Conn, Peer, error) {
	select {
	case r := <-c.result:
		if r.err != nil {
			return nil, Peer{}, r.err
		}
		return r.conn, Peer{Name: "ELM327 v1.5"}, nil
	case <-c.closed:
		return nil, Peer{}, errors.New("connector closed")
	}
}

func (c *pipeConnector) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// succeed completes the pending Connect and returns the remote end.
func (c *pipeConnector) succeed() net.Conn {
	server, client := net.Pipe()
	c.result <- connectResult{conn: server}
	return client
}

func (c *pipeConnector) fail(err error) {
	c.result <- connectResult{err: err}
}

type pipeLink struct {
	mu         sync.Mutex
	listeners  []*pipeListener
	connectors []*pipeConnector
	listenErr  map[ListenerKind]error
}

func (p *pipeLink) Listen(kind ListenerKind) (Listener, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.listenErr[kind]; err != nil {
		return nil, err
	}
	l := newPipeListener(kind)
	p.listeners = append(p.listeners, l)
	return l, nil
}

func (p *pipeLink) NewConnector(target string) (Connector, error) {
	if strings.TrimSpace(target) == "" {
		return nil, errors.New("empty target")
	}
	c := &pipeConnector{target: target, result: make(chan connectResult, 1), closed: make(chan struct{})}
	p.mu.Lock()
	p.connectors = append(p.connectors, c)
	p.mu.Unlock()
	return c, nil
}

// listener returns the most recent listener of kind.
func (p *pipeLink) listener(kind ListenerKind) *pipeListener {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.listeners) - 1; i >= 0; i-- {
		if p.listeners[i].kind == kind {
			return p.listeners[i]
		}
	}
	return nil
}

func (p *pipeLink) listenerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.listeners)
}

func (p *pipeLink) lastConnector() *pipeConnector {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.connectors) == 0 {
		return nil
	}
	return p.connectors[len(p.connectors)-1]
}
