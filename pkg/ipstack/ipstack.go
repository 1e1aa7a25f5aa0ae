// Package ipstack is the virtual IPv4 layer: interfaces, the forwarding
// table, protocol dispatch and forwarding between interfaces.
package ipstack

import (
	"context"
	"fmt"
	"io"
	"net/netip"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"iptcp/pkg/ipv4header"
	"iptcp/pkg/link"
	"iptcp/pkg/lnxconfig"
	"iptcp/pkg/logging"
)

// IP protocol numbers the stack knows about. They are configuration
// constants; TCP may be rebound (see tcpstack.WithProtocol).
const (
	ProtocolTest uint8 = 0
	ProtocolTCP  uint8 = 6
	ProtocolRIP  uint8 = 200
)

// HandlerFunc receives datagrams addressed to this node for one protocol.
type HandlerFunc func(packet *ipv4header.Packet)

// RoutingStrategy populates the forwarding table beyond local routes.
type RoutingStrategy interface {
	Name() string
	Start(ctx context.Context, stack *IPStack) error
}

type Neighbor struct {
	DestAddr      netip.Addr
	UDPAddr       netip.AddrPort
	InterfaceName string
}

type IPStack struct {
	Interfaces  []*link.Interface
	Neighbors   []Neighbor
	RoutingMode lnxconfig.RoutingMode

	ForwardingTable *ForwardingTable

	mu       sync.RWMutex
	handlers map[uint8]HandlerFunc
	log      *logrus.Entry
}

// New opens every interface in cfg and seeds local and static routes.
func New(cfg *lnxconfig.IPConfig) (*IPStack, error) {
	var ifaces []*link.Interface
	for _, ic := range cfg.Interfaces {
		iface, err := link.Open(ic.Name, ic.AssignedIP, ic.AssignedPrefix, ic.UDPAddr)
		if err != nil {
			for _, opened := range ifaces {
				opened.Close()
			}
			return nil, err
		}
		ifaces = append(ifaces, iface)
	}

	stack := NewFromInterfaces(ifaces)
	stack.RoutingMode = cfg.RoutingMode
	for _, n := range cfg.Neighbors {
		iface := stack.Interface(n.InterfaceName)
		iface.AddNeighbor(n.DestAddr, n.UDPAddr)
		stack.Neighbors = append(stack.Neighbors, Neighbor{
			DestAddr:      n.DestAddr,
			UDPAddr:       n.UDPAddr,
			InterfaceName: n.InterfaceName,
		})
	}
	for prefix, via := range cfg.StaticRoutes {
		stack.AddStaticRoute(prefix, via)
	}
	return stack, nil
}

// NewFromInterfaces builds a stack over already opened interfaces.
func NewFromInterfaces(ifaces []*link.Interface) *IPStack {
	stack := &IPStack{
		Interfaces:      ifaces,
		ForwardingTable: NewForwardingTable(),
		handlers:        make(map[uint8]HandlerFunc),
		log:             logging.Component("ip"),
	}
	for _, iface := range ifaces {
		stack.ForwardingTable.Set(Route{
			Type:       RouteLocal,
			Prefix:     iface.AssignedPrefix,
			Iface:      iface,
			UpdateTime: time.Now(),
		})
	}
	return stack
}

func (s *IPStack) AddStaticRoute(prefix netip.Prefix, via netip.Addr) {
	s.ForwardingTable.Set(Route{
		Type:       RouteStatic,
		Prefix:     prefix,
		NextHop:    via,
		UpdateTime: time.Now(),
	})
}

// Interface returns the interface called name, or nil.
func (s *IPStack) Interface(name string) *link.Interface {
	for _, iface := range s.Interfaces {
		if iface.Name == name {
			return iface
		}
	}
	return nil
}

func (s *IPStack) RegisterProtocolHandler(protocol uint8, handler HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[protocol] = handler
}

func (s *IPStack) handler(protocol uint8) (HandlerFunc, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.handlers[protocol]
	return h, ok
}

// StartRouting hands the forwarding table to strategy.
func (s *IPStack) StartRouting(ctx context.Context, strategy RoutingStrategy) error {
	s.log.WithField("strategy", strategy.Name()).Info("starting routing")
	return errors.Wrapf(strategy.Start(ctx, s), "start %s routing", strategy.Name())
}

// Run serves every interface until ctx is cancelled.
func (s *IPStack) Run(ctx context.Context) error {
	errc := make(chan error, len(s.Interfaces))
	for _, iface := range s.Interfaces {
		go func(iface *link.Interface) {
			errc <- iface.Serve(ctx, s.handleFrame)
		}(iface)
	}
	var first error
	for range s.Interfaces {
		if err := <-errc; err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (s *IPStack) Close() {
	for _, iface := range s.Interfaces {
		iface.Close()
	}
}

// IsLocal reports whether addr is assigned to one of our interfaces.
func (s *IPStack) IsLocal(addr netip.Addr) bool {
	for _, iface := range s.Interfaces {
		if iface.AssignedIP == addr {
			return true
		}
	}
	return false
}

// resolve returns the outgoing interface and link-level next hop for dst.
func (s *IPStack) resolve(dst netip.Addr) (*link.Interface, netip.Addr, error) {
	route, ok := s.ForwardingTable.Lookup(dst)
	if !ok {
		return nil, netip.Addr{}, &NoRouteError{Dst: dst}
	}
	if route.Type == RouteLocal {
		return route.Iface, dst, nil
	}
	// static and learned routes name a next hop that must itself be on a
	// directly connected network
	local, ok := s.ForwardingTable.Lookup(route.NextHop)
	if !ok || local.Type != RouteLocal {
		return nil, netip.Addr{}, &NoRouteError{Dst: dst}
	}
	return local.Iface, route.NextHop, nil
}

// SourceAddr returns the address of the interface used to reach dst.
func (s *IPStack) SourceAddr(dst netip.Addr) (netip.Addr, error) {
	if s.IsLocal(dst) {
		return dst, nil
	}
	iface, _, err := s.resolve(dst)
	if err != nil {
		return netip.Addr{}, err
	}
	return iface.AssignedIP, nil
}

// SendIP wraps payload in an IPv4 header and transmits it. An invalid src
// is replaced by the address of the outgoing interface.
func (s *IPStack) SendIP(payload []byte, src, dst netip.Addr, protocol uint8) error {
	if s.IsLocal(dst) {
		if !src.IsValid() {
			src = dst
		}
		pkt := ipv4header.NewPacket(src, dst, protocol, append([]byte(nil), payload...))
		go s.deliver(pkt)
		return nil
	}

	iface, nextHop, err := s.resolve(dst)
	if err != nil {
		return err
	}
	if !src.IsValid() {
		src = iface.AssignedIP
	}
	frame, err := ipv4header.NewPacket(src, dst, protocol, payload).Marshal()
	if err != nil {
		return &BadPacketError{Reason: err.Error()}
	}
	if len(frame) > link.MaxFrameSize {
		return &BadPacketError{Reason: fmt.Sprintf("datagram of %d bytes exceeds MTU", len(frame))}
	}
	if err := iface.Send(nextHop, frame); err != nil {
		return &LinkError{Iface: iface.Name, Err: err}
	}
	return nil
}

// SendOn transmits directly to a neighbour on iface, bypassing the table.
// RIP uses it so that updates leave through the interface they describe.
func (s *IPStack) SendOn(iface *link.Interface, payload []byte, dst netip.Addr, protocol uint8) error {
	frame, err := ipv4header.NewPacket(iface.AssignedIP, dst, protocol, payload).Marshal()
	if err != nil {
		return &BadPacketError{Reason: err.Error()}
	}
	if err := iface.Send(dst, frame); err != nil {
		return &LinkError{Iface: iface.Name, Err: err}
	}
	return nil
}

func (s *IPStack) handleFrame(iface *link.Interface, frame []byte) {
	pkt, err := ipv4header.ParsePacket(frame)
	if err != nil {
		s.log.WithFields(logging.Fields{"iface": iface.Name, "reason": err}).Debug("dropping datagram")
		return
	}
	if s.IsLocal(pkt.Header.Dst) {
		s.deliver(pkt)
		return
	}
	s.forward(pkt)
}

func (s *IPStack) deliver(pkt *ipv4header.Packet) {
	h, ok := s.handler(uint8(pkt.Header.Protocol))
	if !ok {
		s.log.WithField("protocol", pkt.Header.Protocol).Debug("no handler, dropping datagram")
		return
	}
	h(pkt)
}

func (s *IPStack) forward(pkt *ipv4header.Packet) {
	if pkt.Header.TTL <= 1 {
		s.log.WithFields(logging.Fields{"src": pkt.Header.Src, "dst": pkt.Header.Dst}).Debug("ttl expired")
		return
	}
	pkt.Header.TTL--

	iface, nextHop, err := s.resolve(pkt.Header.Dst)
	if err != nil {
		s.log.WithField("dst", pkt.Header.Dst).Debug("no route, dropping forwarded datagram")
		return
	}
	frame, err := pkt.Marshal()
	if err != nil {
		s.log.WithError(err).Debug("re-encode failed")
		return
	}
	if err := iface.Send(nextHop, frame); err != nil {
		s.log.WithError(errors.Wrap(err, "forward")).Debug("link send failed")
	}
}

// TestPacketHandler prints protocol-0 test datagrams to w.
func TestPacketHandler(w io.Writer) HandlerFunc {
	return func(pkt *ipv4header.Packet) {
		fmt.Fprintf(w, "Received test packet: Src: %s, Dst: %s, TTL: %d, Data: %s\n",
			pkt.Header.Src, pkt.Header.Dst, pkt.Header.TTL, string(pkt.Body))
	}
}
