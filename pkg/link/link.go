// Package link is the mock link layer: each virtual interface is a UDP
// socket, and each neighbour's virtual IP maps to a UDP address.
package link

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/net/ipv4"

	"iptcp/pkg/logging"
)

const (
	// MaxFrameSize bounds a single virtual frame (one IP datagram).
	MaxFrameSize = 1400
	readBatch    = 16
)

var (
	ErrInterfaceDown = errors.New("interface is down")
	ErrNoNeighbor    = errors.New("no neighbor with that address")
	ErrFrameTooLarge = errors.New("frame exceeds link MTU")
)

// FrameHandler receives every frame read from an interface that is up.
type FrameHandler func(iface *Interface, frame []byte)

type Interface struct {
	Name           string
	AssignedIP     netip.Addr
	AssignedPrefix netip.Prefix
	UDPAddr        netip.AddrPort

	up   atomic.Bool
	conn *net.UDPConn

	mu        sync.RWMutex
	neighbors map[netip.Addr]netip.AddrPort
}

// Open binds the interface's UDP socket. The interface starts up.
func Open(name string, ip netip.Addr, prefix netip.Prefix, udpAddr netip.AddrPort) (*Interface, error) {
	conn, err := net.ListenUDP("udp4", net.UDPAddrFromAddrPort(udpAddr))
	if err != nil {
		return nil, errors.Wrapf(err, "bind %s on %s", name, udpAddr)
	}
	iface := &Interface{
		Name:           name,
		AssignedIP:     ip,
		AssignedPrefix: prefix,
		UDPAddr:        udpAddr,
		conn:           conn,
		neighbors:      make(map[netip.Addr]netip.AddrPort),
	}
	iface.up.Store(true)
	return iface, nil
}

// LocalUDPAddr is the bound address, useful when UDPAddr asked for port 0.
func (i *Interface) LocalUDPAddr() netip.AddrPort {
	return i.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

func (i *Interface) AddNeighbor(vip netip.Addr, udp netip.AddrPort) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.neighbors[vip] = udp
}

// Neighbors returns a copy of the neighbour map.
func (i *Interface) Neighbors() map[netip.Addr]netip.AddrPort {
	i.mu.RLock()
	defer i.mu.RUnlock()
	out := make(map[netip.Addr]netip.AddrPort, len(i.neighbors))
	for k, v := range i.neighbors {
		out[k] = v
	}
	return out
}

func (i *Interface) HasNeighbor(vip netip.Addr) bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	_, ok := i.neighbors[vip]
	return ok
}

func (i *Interface) Up() bool { return i.up.Load() }

func (i *Interface) SetUp(up bool) {
	if i.up.Swap(up) == up {
		return
	}
	state := "down"
	if up {
		state = "up"
	}
	logging.Component("link").WithField("iface", i.Name).Infof("interface %s", state)
}

// Send writes frame to the neighbour whose virtual address is nextHop.
func (i *Interface) Send(nextHop netip.Addr, frame []byte) error {
	if !i.Up() {
		return ErrInterfaceDown
	}
	if len(frame) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	i.mu.RLock()
	udp, ok := i.neighbors[nextHop]
	i.mu.RUnlock()
	if !ok {
		return errors.Wrapf(ErrNoNeighbor, "%s on %s", nextHop, i.Name)
	}
	if _, err := i.conn.WriteToUDPAddrPort(frame, udp); err != nil {
		return errors.Wrapf(err, "write to %s", udp)
	}
	return nil
}

// Serve reads frames until ctx is cancelled or the socket is closed. Frames
// arriving while the interface is down are discarded.
func (i *Interface) Serve(ctx context.Context, handle FrameHandler) error {
	stop := context.AfterFunc(ctx, func() { i.conn.Close() })
	defer stop()

	pc := ipv4.NewPacketConn(i.conn)
	msgs := make([]ipv4.Message, readBatch)
	for k := range msgs {
		msgs[k].Buffers = [][]byte{make([]byte, MaxFrameSize)}
	}
	log := logging.Component("link").WithField("iface", i.Name)

	for {
		n, err := pc.ReadBatch(msgs, 0)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return errors.Wrapf(err, "read on %s", i.Name)
		}
		for _, msg := range msgs[:n] {
			if !i.Up() {
				log.Debug("dropping frame on down interface")
				continue
			}
			// the batch buffers are reused on the next read
			frame := make([]byte, msg.N)
			copy(frame, msg.Buffers[0][:msg.N])
			handle(i, frame)
		}
	}
}

func (i *Interface) Close() error {
	return i.conn.Close()
}
