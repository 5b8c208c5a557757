package link

import (
	"bytes"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/require"
	"github.com/tarm/serial"

	"github.com/rbright/obdgate/internal/transport"
)

func TestTCPListenAndConnect(t *testing.T) {
	link := TCP{
		Addrs:       map[transport.ListenerKind]string{transport.ListenerInsecure: "127.0.0.1:0"},
		DialTimeout: time.Second,
	}

	_, err := link.Listen(transport.ListenerSecure)
	require.ErrorIs(t, err, ErrNoListener)

	l, err := link.Listen(transport.ListenerInsecure)
	require.NoError(t, err)
	defer l.Close()
	addr := Addr(l)
	require.NotNil(t, addr)

	type accepted struct {
		conn transport.Conn
		peer transport.Peer
		err  error
	}
	done := make(chan accepted, 1)
	go func() {
		conn, peer, err := l.Accept()
		done <- accepted{conn, peer, err}
	}()

	c, err := link.NewConnector(addr.String())
	require.NoError(t, err)
	client, peer, err := c.Connect()
	require.NoError(t, err)
	defer client.Close()
	require.Equal(t, addr.String(), peer.Address)

	got := <-done
	require.NoError(t, got.err)
	defer got.conn.Close()
	require.Equal(t, client.(net.Conn).LocalAddr().String(), got.peer.Address)

	_, err = client.Write([]byte("ATZ\r"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(got.conn, buf)
	require.NoError(t, err)
	require.Equal(t, "ATZ\r", string(buf))
}

func TestTCPRejectsMalformedTargets(t *testing.T) {
	link := TCP{DialTimeout: time.Second}
	for _, target := range []string{"", "192.168.0.10", ":35000", "host:0", "host:99999", "host:port"} {
		_, err := link.NewConnector(target)
		require.Error(t, err, target)
	}
}

func TestTCPConnectorCloseCancelsDial(t *testing.T) {
	c, err := TCP{DialTimeout: time.Second}.NewConnector("127.0.0.1:9")
	require.NoError(t, err)
	require.NoError(t, c.Close())

	_, _, err = c.Connect()
	require.Error(t, err)
}

type fakePort struct {
	mu      sync.Mutex
	reads   [][]byte
	written bytes.Buffer
	closed  bool
}

func (p *fakePort) Read(b []byte) (int, error) {
	time.Sleep(time.Millisecond)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, os.ErrClosed
	}
	if len(p.reads) == 0 {
		return 0, io.EOF
	}
	n := copy(b, p.reads[0])
	p.reads = p.reads[1:]
	return n, nil
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.Write(b)
}

func (p *fakePort) Flush() error { return nil }

func (p *fakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePort) push(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reads = append(p.reads, []byte(s))
}

func TestSerialConnectorOpensConfiguredPort(t *testing.T) {
	fake := &fakePort{}
	var opened *serial.Config
	link := Serial{Baud: 38400, open: func(cfg *serial.Config) (port, error) {
		opened = cfg
		return fake, nil
	}}

	_, err := link.Listen(transport.ListenerSecure)
	require.ErrorIs(t, err, ErrNoListener)

	c, err := link.NewConnector("/dev/rfcomm0")
	require.NoError(t, err)
	conn, peer, err := c.Connect()
	require.NoError(t, err)
	require.Equal(t, "/dev/rfcomm0", peer.Address)
	require.Equal(t, 38400, opened.Baud)
	require.Equal(t, pollInterval, opened.ReadTimeout)

	_, err = conn.Write([]byte("ATE0\r"))
	require.NoError(t, err)
	require.Equal(t, "ATE0\r", fake.written.String())
}

func TestSerialConnectorErrors(t *testing.T) {
	for _, target := range []string{"", "ttyUSB0"} {
		_, err := Serial{Baud: 38400}.NewConnector(target)
		require.Error(t, err, target)
	}
	_, err := Serial{}.NewConnector("/dev/ttyUSB0")
	require.Error(t, err)

	boom := errors.New("no such device")
	c, err := Serial{Baud: 9600, open: func(*serial.Config) (port, error) { return nil, boom }}.NewConnector("/dev/ttyUSB0")
	require.NoError(t, err)
	_, _, err = c.Connect()
	require.ErrorIs(t, err, boom)

	require.NoError(t, c.Close())
	_, _, err = c.Connect()
	require.Error(t, err)
}

func TestSerialConnReadsThroughPollTimeouts(t *testing.T) {
	fake := &fakePort{}
	conn := newSerialConn(fake)

	go func() {
		time.Sleep(20 * time.Millisecond)
		fake.push("OK\r>")
	}()

	buf := make([]byte, 16)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "OK\r>", string(buf[:n]))
}

func TestSerialConnDeadline(t *testing.T) {
	conn := newSerialConn(&fakePort{})
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(20*time.Millisecond)))

	_, err := conn.Read(make([]byte, 4))
	require.ErrorIs(t, err, os.ErrDeadlineExceeded)

	require.NoError(t, conn.SetReadDeadline(time.Time{}))
	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = conn.Close()
	}()
	_, err = conn.Read(make([]byte, 4))
	require.ErrorIs(t, err, os.ErrClosed)

	_, err = conn.Write([]byte("x"))
	require.ErrorIs(t, err, os.ErrClosed)
	require.NoError(t, conn.Close())
}

func TestDevicePath(t *testing.T) {
	path, err := DevicePath("hci1", "aa:bb:cc:dd:ee:ff")
	require.NoError(t, err)
	require.Equal(t, dbus.ObjectPath("/org/bluez/hci1/dev_AA_BB_CC_DD_EE_FF"), path)

	path, err = DevicePath("", "00:1D:A5:68:98:8B")
	require.NoError(t, err)
	require.Equal(t, dbus.ObjectPath("/org/bluez/hci0/dev_00_1D_A5_68_98_8B"), path)

	_, err = DevicePath("hci0", "192.168.0.10:35000")
	require.Error(t, err)
}

func TestBlueZName(t *testing.T) {
	props := map[dbus.ObjectPath]map[string]dbus.Variant{
		"/org/bluez/hci0/dev_00_1D_A5_68_98_8B": {
			"Alias": dbus.MakeVariant("OBDII"),
			"Name":  dbus.MakeVariant("OBDII v1.5"),
		},
		"/org/bluez/hci0/dev_00_1D_A5_68_98_8C": {
			"Name": dbus.MakeVariant("Vgate iCar"),
		},
		"/org/bluez/hci0/dev_00_1D_A5_68_98_8D": {},
	}
	b := &BlueZ{adapter: "hci0", properties: func(path dbus.ObjectPath) (map[string]dbus.Variant, error) {
		p, ok := props[path]
		if !ok {
			return nil, errors.New("unknown object")
		}
		return p, nil
	}}

	name, err := b.Name("00:1d:a5:68:98:8b")
	require.NoError(t, err)
	require.Equal(t, "OBDII", name)

	name, err = b.Name("00:1D:A5:68:98:8C")
	require.NoError(t, err)
	require.Equal(t, "Vgate iCar", name)

	_, err = b.Name("00:1D:A5:68:98:8D")
	require.ErrorIs(t, err, ErrNoName)

	_, err = b.Name("00:1D:A5:68:98:8E")
	require.Error(t, err)
	require.NoError(t, b.Close())
}

type stubResolver map[string]string

func (r stubResolver) Name(address string) (string, error) {
	if name, ok := r[address]; ok {
		return name, nil
	}
	return "", ErrNoName
}

type stubConnector struct{ peer transport.Peer }

func (c stubConnector) Connect() (transport.Conn, transport.Peer, error) {
	a, b := net.Pipe()
	_ = b.Close()
	return a, c.peer, nil
}

func (stubConnector) Close() error { return nil }

type stubLink struct{ peer transport.Peer }

func (l stubLink) Listen(transport.ListenerKind) (transport.Listener, error) {
	return nil, ErrNoListener
}

func (l stubLink) NewConnector(string) (transport.Connector, error) {
	return stubConnector(l), nil
}

func TestNamedFillsPeerName(t *testing.T) {
	resolver := stubResolver{"00:1D:A5:68:98:8B": "OBDII"}

	named := WithNames(stubLink{peer: transport.Peer{Address: "/dev/rfcomm0"}}, resolver, "00:1D:A5:68:98:8B", nil)
	c, err := named.NewConnector("/dev/rfcomm0")
	require.NoError(t, err)
	conn, peer, err := c.Connect()
	require.NoError(t, err)
	defer conn.Close()
	require.Equal(t, transport.Peer{Address: "/dev/rfcomm0", Name: "OBDII"}, peer)

	_, err = named.Listen(transport.ListenerSecure)
	require.ErrorIs(t, err, ErrNoListener)
}

func TestNamedKeepsPeerWhenUnresolved(t *testing.T) {
	named := WithNames(stubLink{peer: transport.Peer{Address: "10.0.0.2:35000"}}, stubResolver{}, "", nil)
	c, err := named.NewConnector("10.0.0.2:35000")
	require.NoError(t, err)
	conn, peer, err := c.Connect()
	require.NoError(t, err)
	defer conn.Close()
	require.Equal(t, transport.Peer{Address: "10.0.0.2:35000"}, peer)

	named = WithNames(stubLink{peer: transport.Peer{Address: "x", Name: "given"}}, stubResolver{"x": "resolved"}, "", nil)
	c, err = named.NewConnector("x")
	require.NoError(t, err)
	conn, peer, err = c.Connect()
	require.NoError(t, err)
	defer conn.Close()
	require.Equal(t, "given", peer.Name)
}
