package discovery

import (
	"context"
	"fmt"
	"net"
	"net/netip"
)

// Transport is the datagram socket the engine broadcasts on and listens to.
// ReadFrom blocks until a datagram arrives or the transport is closed.
type Transport interface {
	WriteTo(p []byte, addr netip.AddrPort) error
	ReadFrom(p []byte) (int, netip.AddrPort, error)
	Close() error
}

// ListenUDP opens an IPv4 UDP socket on an ephemeral port with broadcast
// sends permitted.
func ListenUDP() (Transport, error) {
	lc := net.ListenConfig{Control: setBroadcast}
	pc, err := lc.ListenPacket(context.Background(), "udp4", ":0")
	if err != nil {
		return nil, err
	}
	conn, ok := pc.(*net.UDPConn)
	if !ok {
		_ = pc.Close()
		return nil, fmt.Errorf("unexpected packet conn %T", pc)
	}
	return &udpTransport{conn: conn}, nil
}

type udpTransport struct {
	conn *net.UDPConn
}

func (t *udpTransport) WriteTo(p []byte, addr netip.AddrPort) error {
	_, err := t.conn.WriteToUDPAddrPort(p, addr)
	return err
}

func (t *udpTransport) ReadFrom(p []byte) (int, netip.AddrPort, error) {
	return t.conn.ReadFromUDPAddrPort(p)
}

func (t *udpTransport) Close() error { return t.conn.Close() }

// LocalAddr reports the bound address; used by tests.
func (t *udpTransport) LocalAddr() netip.AddrPort {
	return t.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}
