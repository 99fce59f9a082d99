package spark

import (
	"fmt"
	"net"

	"golang.org/x/net/ipv6"
)

// McastGroup is the well-known link-local multicast address Spark hellos are
// sent to, chosen from the link-local scope (ff02::/16) reserved for
// single-link protocols, analogous to OSPFv3's AllSPFRouters address.
const McastGroup = "ff02::1:2"

// HopLimit is the TTL every Spark packet is sent with; a receiver observing
// anything less did not arrive over a direct link (§4.2, "prevents off-link
// spoofing").
const HopLimit = 255

// Transport is the socket abstraction Spark depends on; ipv6Transport is the
// real implementation and is the only thing that talks to the kernel, so
// tests can substitute a fake.
type Transport interface {
	Send(ifName string, b []byte) error
	Recv() (data []byte, ifName string, hopLimit int, err error)
	Close() error
}

// ifIndexer resolves an interface name to its kernel index, needed both to
// join the multicast group on send and to attribute a received packet back
// to the interface it arrived on.
type ifIndexer interface {
	IfIndexOf(ifName string) (int, bool)
	IfNameOf(ifIndex int) (string, bool)
}

// ipv6Transport is a single UDP6 socket joined to McastGroup on every
// configured interface, using golang.org/x/net/ipv6 for the multicast
// group membership, outbound hop-limit, and inbound hop-limit/ifIndex
// control-message access the standard library's net package does not expose.
type ipv6Transport struct {
	conn    *net.UDPConn
	pktConn *ipv6.PacketConn
	port    int
	ifaces  ifIndexer
}

func newIPv6Transport(port int, ifaces ifIndexer, ifNames []string) (*ipv6Transport, error) {
	conn, err := net.ListenUDP("udp6", &net.UDPAddr{Port: port})
	if err != nil {
		return nil, fmt.Errorf("spark: listening on udp6:%d: %w", port, err)
	}
	pc := ipv6.NewPacketConn(conn)
	if err := pc.SetControlMessage(ipv6.FlagHopLimit|ipv6.FlagInterface, true); err != nil {
		conn.Close()
		return nil, fmt.Errorf("spark: enabling control messages: %w", err)
	}
	if err := pc.SetHopLimit(HopLimit); err != nil {
		conn.Close()
		return nil, fmt.Errorf("spark: setting hop limit: %w", err)
	}
	if err := pc.SetMulticastHopLimit(HopLimit); err != nil {
		conn.Close()
		return nil, fmt.Errorf("spark: setting multicast hop limit: %w", err)
	}

	group := net.ParseIP(McastGroup)
	for _, ifName := range ifNames {
		netIface, err := net.InterfaceByName(ifName)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("spark: resolving interface %q: %w", ifName, err)
		}
		if err := pc.JoinGroup(netIface, &net.UDPAddr{IP: group}); err != nil {
			conn.Close()
			return nil, fmt.Errorf("spark: joining multicast group on %q: %w", ifName, err)
		}
	}

	return &ipv6Transport{conn: conn, pktConn: pc, port: port, ifaces: ifaces}, nil
}

func (t *ipv6Transport) Send(ifName string, b []byte) error {
	idx, ok := t.ifaces.IfIndexOf(ifName)
	if !ok {
		return fmt.Errorf("spark: unknown interface %q", ifName)
	}
	cm := &ipv6.ControlMessage{HopLimit: HopLimit, IfIndex: idx}
	dst := &net.UDPAddr{IP: net.ParseIP(McastGroup), Port: t.port, Zone: ifName}
	_, err := t.pktConn.WriteTo(b, cm, dst)
	return err
}

func (t *ipv6Transport) Recv() (data []byte, ifName string, hopLimit int, err error) {
	buf := make([]byte, 2048)
	n, cm, _, err := t.pktConn.ReadFrom(buf)
	if err != nil {
		return nil, "", 0, err
	}
	if cm == nil {
		return buf[:n], "", 0, nil
	}
	name, _ := t.ifaces.IfNameOf(cm.IfIndex)
	return buf[:n], name, cm.HopLimit, nil
}

func (t *ipv6Transport) Close() error {
	return t.conn.Close()
}
