package link

import (
	"log/slog"

	"github.com/rbright/obdgate/internal/transport"
)

// Resolver maps a device address to a display name.
type Resolver interface {
	Name(address string) (string, error)
}

// Named fills Peer.Name on every session the inner link establishes. Device
// is the Bluetooth address to resolve; when empty the peer address is used.
type Named struct {
	Inner    transport.Link
	Resolver Resolver
	Device   string
	Logger   *slog.Logger
}

// WithNames wraps inner so that sessions carry a resolved peer name.
func WithNames(inner transport.Link, resolver Resolver, device string, logger *slog.Logger) *Named {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Named{Inner: inner, Resolver: resolver, Device: device, Logger: logger}
}

func (n *Named) Listen(kind transport.ListenerKind) (transport.Listener, error) {
	l, err := n.Inner.Listen(kind)
	if err != nil {
		return nil, err
	}
	return namedListener{Listener: l, n: n}, nil
}

func (n *Named) NewConnector(target string) (transport.Connector, error) {
	c, err := n.Inner.NewConnector(target)
	if err != nil {
		return nil, err
	}
	return namedConnector{Connector: c, n: n}, nil
}

func (n *Named) name(peer transport.Peer) transport.Peer {
	if peer.Name != "" || n.Resolver == nil {
		return peer
	}
	address := n.Device
	if address == "" {
		address = peer.Address
	}
	name, err := n.Resolver.Name(address)
	if err != nil {
		n.Logger.Debug("peer name unavailable", "address", address, "error", err.Error())
		return peer
	}
	peer.Name = name
	return peer
}

type namedListener struct {
	transport.Listener
	n *Named
}

func (l namedListener) Accept() (transport.Conn, transport.Peer, error) {
	conn, peer, err := l.Listener.Accept()
	if err != nil {
		return conn, peer, err
	}
	return conn, l.n.name(peer), nil
}

type namedConnector struct {
	transport.Connector
	n *Named
}

func (c namedConnector) Connect() (transport.Conn, transport.Peer, error) {
	conn, peer, err := c.Connector.Connect()
	if err != nil {
		return conn, peer, err
	}
	return conn, c.n.name(peer), nil
}
