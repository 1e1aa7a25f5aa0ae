package ipstack

import (
	"bytes"
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iptcp/pkg/ipv4header"
	"iptcp/pkg/link"
)

var loopback = netip.MustParseAddrPort("127.0.0.1:0")

func openIface(t *testing.T, name, prefix string) *link.Interface {
	t.Helper()
	p := netip.MustParsePrefix(prefix)
	iface, err := link.Open(name, p.Addr(), p.Masked(), loopback)
	require.NoError(t, err)
	t.Cleanup(func() { iface.Close() })
	return iface
}

func connect(a, b *link.Interface) {
	a.AddNeighbor(b.AssignedIP, b.LocalUDPAddr())
	b.AddNeighbor(a.AssignedIP, a.LocalUDPAddr())
}

func run(t *testing.T, s *IPStack) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go s.Run(ctx)
}

// h1 (10.0.0.1) -- (10.0.0.2) r (10.1.0.1) -- (10.1.0.2) h2
type topology struct {
	h1, r, h2 *IPStack
}

func newTopology(t *testing.T) *topology {
	h1if := openIface(t, "if0", "10.0.0.1/24")
	rif0 := openIface(t, "if0", "10.0.0.2/24")
	rif1 := openIface(t, "if1", "10.1.0.1/24")
	h2if := openIface(t, "if0", "10.1.0.2/24")
	connect(h1if, rif0)
	connect(rif1, h2if)

	topo := &topology{
		h1: NewFromInterfaces([]*link.Interface{h1if}),
		r:  NewFromInterfaces([]*link.Interface{rif0, rif1}),
		h2: NewFromInterfaces([]*link.Interface{h2if}),
	}
	topo.h1.AddStaticRoute(netip.MustParsePrefix("0.0.0.0/0"), rif0.AssignedIP)
	topo.h2.AddStaticRoute(netip.MustParsePrefix("0.0.0.0/0"), rif1.AssignedIP)
	run(t, topo.h1)
	run(t, topo.r)
	run(t, topo.h2)
	return topo
}

func capture(s *IPStack, proto uint8) <-chan *ipv4header.Packet {
	ch := make(chan *ipv4header.Packet, 4)
	s.RegisterProtocolHandler(proto, func(p *ipv4header.Packet) { ch <- p })
	return ch
}

func TestForwardAcrossRouter(t *testing.T) {
	topo := newTopology(t)
	got := capture(topo.h2, ProtocolTest)

	err := topo.h1.SendIP([]byte("hello"), netip.Addr{}, netip.MustParseAddr("10.1.0.2"), ProtocolTest)
	require.NoError(t, err)

	select {
	case pkt := <-got:
		assert.Equal(t, []byte("hello"), pkt.Body)
		assert.Equal(t, netip.MustParseAddr("10.0.0.1"), pkt.Header.Src)
		assert.Equal(t, ipv4header.DefaultTTL-1, pkt.Header.TTL)
	case <-time.After(2 * time.Second):
		t.Fatal("datagram not forwarded")
	}
}

func TestSendErrors(t *testing.T) {
	topo := newTopology(t)

	err := topo.r.SendIP([]byte("x"), netip.Addr{}, netip.MustParseAddr("192.168.9.9"), ProtocolTest)
	var noRoute *NoRouteError
	require.True(t, errors.As(err, &noRoute))
	assert.Equal(t, netip.MustParseAddr("192.168.9.9"), noRoute.Dst)

	err = topo.h1.SendIP(make([]byte, link.MaxFrameSize), netip.Addr{}, netip.MustParseAddr("10.1.0.2"), ProtocolTest)
	var bad *BadPacketError
	assert.True(t, errors.As(err, &bad))

	topo.h1.Interfaces[0].SetUp(false)
	err = topo.h1.SendIP([]byte("x"), netip.Addr{}, netip.MustParseAddr("10.1.0.2"), ProtocolTest)
	assert.True(t, errors.As(err, &noRoute), "local route on a down interface must not match")
}

func TestSourceAddr(t *testing.T) {
	topo := newTopology(t)

	src, err := topo.r.SourceAddr(netip.MustParseAddr("10.1.0.2"))
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("10.1.0.1"), src)

	src, err = topo.h1.SourceAddr(netip.MustParseAddr("10.1.0.2"))
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("10.0.0.1"), src)
}

func TestLoopbackDelivery(t *testing.T) {
	topo := newTopology(t)
	got := capture(topo.h1, ProtocolTest)

	require.NoError(t, topo.h1.SendIP([]byte("me"), netip.Addr{}, netip.MustParseAddr("10.0.0.1"), ProtocolTest))
	select {
	case pkt := <-got:
		assert.Equal(t, []byte("me"), pkt.Body)
	case <-time.After(time.Second):
		t.Fatal("loopback datagram not delivered")
	}
}

func TestCorruptFrameDropped(t *testing.T) {
	topo := newTopology(t)
	got := capture(topo.r, ProtocolTest)

	frame, err := ipv4header.NewPacket(netip.MustParseAddr("10.0.0.1"), netip.MustParseAddr("10.0.0.2"), ProtocolTest, []byte("x")).Marshal()
	require.NoError(t, err)
	frame[10] ^= 0xff
	require.NoError(t, topo.h1.Interfaces[0].Send(netip.MustParseAddr("10.0.0.2"), frame))

	select {
	case <-got:
		t.Fatal("corrupt datagram delivered")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestLongestPrefixMatch(t *testing.T) {
	table := NewForwardingTable()
	table.Set(Route{Type: RouteStatic, Prefix: netip.MustParsePrefix("0.0.0.0/0"), NextHop: netip.MustParseAddr("10.0.0.2")})
	table.Set(Route{Type: RouteRIP, Prefix: netip.MustParsePrefix("10.2.0.0/16"), NextHop: netip.MustParseAddr("10.0.0.3"), Cost: 2})
	table.Set(Route{Type: RouteRIP, Prefix: netip.MustParsePrefix("10.2.3.0/24"), NextHop: netip.MustParseAddr("10.0.0.4"), Cost: Infinity})

	r, ok := table.Lookup(netip.MustParseAddr("10.2.3.4"))
	require.True(t, ok)
	assert.Equal(t, netip.MustParsePrefix("10.2.0.0/16"), r.Prefix, "poisoned /24 must be skipped")

	r, ok = table.Lookup(netip.MustParseAddr("8.8.8.8"))
	require.True(t, ok)
	assert.Equal(t, RouteStatic, r.Type)

	routes := table.Routes()
	require.Len(t, routes, 3)
	assert.Equal(t, RouteStatic, routes[0].Type)
}

func TestTestPacketHandler(t *testing.T) {
	var buf bytes.Buffer
	h := TestPacketHandler(&buf)
	h(ipv4header.NewPacket(netip.MustParseAddr("10.0.0.1"), netip.MustParseAddr("10.0.0.2"), 0, []byte("hi")))
	assert.Contains(t, buf.String(), "Src: 10.0.0.1, Dst: 10.0.0.2, TTL: 32, Data: hi")
}
