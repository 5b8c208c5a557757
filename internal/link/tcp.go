// Package link provides the concrete byte-stream links the transport runs
// over: TCP for WiFi adapters, serial ttys for wired and RFCOMM adapters, and
// BlueZ peer naming.
package link

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/rbright/obdgate/internal/transport"
)

// ErrNoListener is returned by Listen for a kind the link does not serve.
var ErrNoListener = errors.New("no listener configured")

// TCP listens on fixed local addresses and dials host:port targets.
type TCP struct {
	Addrs       map[transport.ListenerKind]string
	DialTimeout time.Duration
}

// Listen opens the listener configured for kind.
func (t TCP) Listen(kind transport.ListenerKind) (transport.Listener, error) {
	addr := t.Addrs[kind]
	if addr == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoListener, kind)
	}
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s on %s: %w", kind, addr, err)
	}
	return tcpListener{l}, nil
}

// NewConnector validates target as host:port.
func (t TCP) NewConnector(target string) (transport.Connector, error) {
	host, port, err := net.SplitHostPort(target)
	if err != nil {
		return nil, err
	}
	if host == "" {
		return nil, fmt.Errorf("missing host in %q", target)
	}
	if n, err := strconv.Atoi(port); err != nil || n <= 0 || n > 65535 {
		return nil, fmt.Errorf("invalid port in %q", target)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &tcpConnector{target: target, timeout: t.DialTimeout, ctx: ctx, cancel: cancel}, nil
}

// Addr returns the bound address of a listener opened by TCP.Listen.
func Addr(l transport.Listener) net.Addr {
	if tl, ok := l.(tcpListener); ok {
		return tl.l.Addr()
	}
	return nil
}

type tcpListener struct {
	l net.Listener
}

func (t tcpListener) Accept() (transport.Conn, transport.Peer, error) {
	conn, err := t.l.Accept()
	if err != nil {
		return nil, transport.Peer{}, err
	}
	return conn, transport.Peer{Address: conn.RemoteAddr().String()}, nil
}

func (t tcpListener) Close() error {
	return t.l.Close()
}

type tcpConnector struct {
	target  string
	timeout time.Duration
	ctx     context.Context
	cancel  context.CancelFunc
}

func (c *tcpConnector) Connect() (transport.Conn, transport.Peer, error) {
	dialer := net.Dialer{Timeout: c.timeout}
	conn, err := dialer.DialContext(c.ctx, "tcp", c.target)
	if err != nil {
		return nil, transport.Peer{}, err
	}
	return conn, transport.Peer{Address: c.target}, nil
}

func (c *tcpConnector) Close() error {
	c.cancel()
	return nil
}
