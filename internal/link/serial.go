package link

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/tarm/serial"

	"github.com/rbright/obdgate/internal/transport"
)

// pollInterval bounds how long a blocked serial read waits before it checks
// for close and deadline expiry.
const pollInterval = 100 * time.Millisecond

// Serial opens a tty for wired adapters and RFCOMM-bound Bluetooth adapters.
// It has no listeners.
type Serial struct {
	Baud int
	open func(*serial.Config) (port, error)
}

type port interface {
	io.ReadWriteCloser
	Flush() error
}

// Listen always fails with ErrNoListener.
func (s Serial) Listen(kind transport.ListenerKind) (transport.Listener, error) {
	return nil, fmt.Errorf("%w: serial links do not listen (%s)", ErrNoListener, kind)
}

// NewConnector validates that target names a device path.
func (s Serial) NewConnector(target string) (transport.Connector, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return nil, errors.New("missing serial device path")
	}
	if !strings.HasPrefix(target, "/") {
		return nil, fmt.Errorf("serial target %q is not an absolute device path", target)
	}
	if s.Baud <= 0 {
		return nil, fmt.Errorf("invalid baud rate %d", s.Baud)
	}

	open := s.open
	if open == nil {
		open = openPort
	}
	return &serialConnector{
		cfg:    &serial.Config{Name: target, Baud: s.Baud, Parity: serial.ParityNone, ReadTimeout: pollInterval},
		open:   open,
		closed: make(chan struct{}),
	}, nil
}

func openPort(cfg *serial.Config) (port, error) {
	return serial.OpenPort(cfg)
}

type serialConnector struct {
	cfg       *serial.Config
	open      func(*serial.Config) (port, error)
	closed    chan struct{}
	closeOnce sync.Once
}

func (c *serialConnector) Connect() (transport.Conn, transport.Peer, error) {
	select {
	case <-c.closed:
		return nil, transport.Peer{}, errors.New("connector closed")
	default:
	}

	p, err := c.open(c.cfg)
	if err != nil {
		return nil, transport.Peer{}, fmt.Errorf("open %s: %w", c.cfg.Name, err)
	}
	if err := p.Flush(); err != nil {
		_ = p.Close()
		return nil, transport.Peer{}, fmt.Errorf("flush %s: %w", c.cfg.Name, err)
	}
	return newSerialConn(p), transport.Peer{Address: c.cfg.Name}, nil
}

func (c *serialConnector) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// serialConn adapts a polling serial port to blocking reads with deadlines.
// The port reports a poll timeout as (0, io.EOF).
type serialConn struct {
	p port

	mu       sync.Mutex
	deadline time.Time
	closed   bool
}

func newSerialConn(p port) *serialConn {
	return &serialConn{p: p}
}

func (c *serialConn) Read(b []byte) (int, error) {
	for {
		c.mu.Lock()
		closed, deadline := c.closed, c.deadline
		c.mu.Unlock()

		if closed {
			return 0, os.ErrClosed
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return 0, os.ErrDeadlineExceeded
		}

		n, err := c.p.Read(b)
		if n > 0 {
			return n, nil
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return 0, err
		}
	}
}

func (c *serialConn) Write(b []byte) (int, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return 0, os.ErrClosed
	}
	return c.p.Write(b)
}

// SetReadDeadline takes effect at the next poll.
func (c *serialConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deadline = t
	return nil
}

func (c *serialConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.p.Close()
}
