package transport

import "io"

// ListenerKind names one passive listener variant.
type ListenerKind string

const (
	ListenerSecure   ListenerKind = "secure"
	ListenerInsecure ListenerKind = "insecure"
)

// Conn is one established byte stream to the adapter.
type Conn interface {
	io.ReadWriteCloser
}

// Peer identifies the remote end of a session.
type Peer struct {
	Address string
	Name    string
}

// Listener waits for incoming sessions. Close must unblock a pending Accept.
type Listener interface {
	Accept() (Conn, Peer, error)
	Close() error
}

// Connector performs one outgoing connection attempt. Close must unblock a
// pending Connect and must not affect a Conn that Connect already returned.
type Connector interface {
	Connect() (Conn, Peer, error)
	Close() error
}

// Link creates the listeners and connectors the Transport drives.
//
// NewConnector validates target synchronously; it should fail fast on a
// malformed address rather than from Connect.
type Link interface {
	Listen(kind ListenerKind) (Listener, error)
	NewConnector(target string) (Connector, error)
}
