package rippacket

import (
	"context"
	"net/netip"
	"time"

	"github.com/sirupsen/logrus"

	"iptcp/pkg/ipstack"
	"iptcp/pkg/ipv4header"
	"iptcp/pkg/link"
	"iptcp/pkg/logging"
)

const timeoutScanInterval = 500 * time.Millisecond

// Strategy runs RIP against the configured neighbours. It implements
// ipstack.RoutingStrategy.
type Strategy struct {
	neighbors  []netip.Addr
	updateRate time.Duration
	timeout    time.Duration

	stack *ipstack.IPStack
	now   func() time.Time
	log   *logrus.Entry
}

func New(neighbors []netip.Addr, updateRate, timeout time.Duration) *Strategy {
	return &Strategy{
		neighbors:  neighbors,
		updateRate: updateRate,
		timeout:    timeout,
		now:        time.Now,
		log:        logging.Component("rip"),
	}
}

func (r *Strategy) Name() string { return "rip" }

// Start registers the RIP handler, asks every neighbour for its table and
// launches the periodic and expiry loops.
func (r *Strategy) Start(ctx context.Context, stack *ipstack.IPStack) error {
	r.stack = stack
	stack.RegisterProtocolHandler(ipstack.ProtocolRIP, r.handlePacket)

	for _, n := range r.neighbors {
		r.send(n, &RIPMessage{Command: CommandRequest})
	}
	go r.periodic(ctx)
	go r.expire(ctx)
	return nil
}

func (r *Strategy) periodic(ctx context.Context) {
	ticker := time.NewTicker(r.updateRate)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.advertise(nil)
		}
	}
}

func (r *Strategy) expire(ctx context.Context) {
	ticker := time.NewTicker(timeoutScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if expired := r.expireRoutes(); len(expired) > 0 {
				r.advertise(expired)
				r.collect(expired)
			}
		}
	}
}

// expireRoutes poisons learned routes that have not been refreshed within
// the timeout and returns them.
func (r *Strategy) expireRoutes() []ipstack.Route {
	now := r.now()
	var expired []ipstack.Route
	r.stack.ForwardingTable.Update(func(routes map[netip.Prefix]ipstack.Route) {
		for prefix, route := range routes {
			if route.Type != ipstack.RouteRIP || route.Cost >= ipstack.Infinity {
				continue
			}
			if now.Sub(route.UpdateTime) > r.timeout {
				route.Cost = ipstack.Infinity
				routes[prefix] = route
				expired = append(expired, route)
				r.log.WithField("prefix", prefix).Info("route timed out")
			}
		}
	})
	return expired
}

// collect drops unreachable routes once their poison has been advertised.
func (r *Strategy) collect(routes []ipstack.Route) {
	r.stack.ForwardingTable.Update(func(table map[netip.Prefix]ipstack.Route) {
		for _, route := range routes {
			if cur, ok := table[route.Prefix]; ok && cur.Type == ipstack.RouteRIP && cur.Cost >= ipstack.Infinity {
				delete(table, route.Prefix)
			}
		}
	})
}

func (r *Strategy) handlePacket(pkt *ipv4header.Packet) {
	msg, err := DeserializeRIPMessage(pkt.Body)
	if err != nil {
		r.log.WithError(err).WithField("src", pkt.Header.Src).Debug("dropping rip message")
		return
	}
	switch msg.Command {
	case CommandRequest:
		r.send(pkt.Header.Src, r.response(pkt.Header.Src, r.stack.ForwardingTable.Routes()))
	case CommandResponse:
		if changed := r.apply(pkt.Header.Src, msg.Entries); len(changed) > 0 {
			r.advertise(changed)
			r.collect(changed)
		}
	}
}

// apply merges a neighbour's advertisement into the table and returns the
// routes whose cost or next hop changed.
func (r *Strategy) apply(src netip.Addr, entries []RIPEntry) []ipstack.Route {
	iface := r.ifaceFor(src)
	if iface == nil {
		r.log.WithField("src", src).Debug("rip from a non-neighbour")
		return nil
	}
	now := r.now()

	var changed []ipstack.Route
	r.stack.ForwardingTable.Update(func(routes map[netip.Prefix]ipstack.Route) {
		for _, entry := range entries {
			prefix, err := entry.Prefix()
			if err != nil {
				r.log.WithError(err).Debug("skipping entry")
				continue
			}
			cost := min(entry.Cost, ipstack.Infinity-1) + 1

			cur, ok := routes[prefix]
			switch {
			case ok && cur.Type != ipstack.RouteRIP:
				// local and static routes are never overridden
				continue
			case !ok:
				if cost >= ipstack.Infinity {
					continue
				}
				cur = ipstack.Route{Type: ipstack.RouteRIP, Prefix: prefix, NextHop: src, Iface: iface, Cost: cost, UpdateTime: now}
				routes[prefix] = cur
				changed = append(changed, cur)
			case cur.NextHop == src:
				cur.UpdateTime = now
				if cur.Cost != cost {
					cur.Cost = cost
					changed = append(changed, cur)
				}
				routes[prefix] = cur
			case cost < cur.Cost:
				cur = ipstack.Route{Type: ipstack.RouteRIP, Prefix: prefix, NextHop: src, Iface: iface, Cost: cost, UpdateTime: now}
				routes[prefix] = cur
				changed = append(changed, cur)
			}
		}
	})
	return changed
}

// advertise sends routes (or the whole table when routes is nil) to every
// neighbour.
func (r *Strategy) advertise(routes []ipstack.Route) {
	if routes == nil {
		routes = r.stack.ForwardingTable.Routes()
	}
	for _, n := range r.neighbors {
		r.send(n, r.response(n, routes))
	}
}

// response builds the advertisement for neighbour n. Static routes are not
// advertised and routes learned from n are poisoned back to it.
func (r *Strategy) response(n netip.Addr, routes []ipstack.Route) *RIPMessage {
	msg := &RIPMessage{Command: CommandResponse}
	for _, route := range routes {
		if route.Type == ipstack.RouteStatic || !route.Prefix.Addr().Is4() {
			continue
		}
		cost := route.Cost
		if route.Type == ipstack.RouteRIP && route.NextHop == n {
			cost = ipstack.Infinity
		}
		msg.Entries = append(msg.Entries, EntryFor(route.Prefix, cost))
		if len(msg.Entries) == MaxEntries {
			break
		}
	}
	return msg
}

func (r *Strategy) send(n netip.Addr, msg *RIPMessage) {
	iface := r.ifaceFor(n)
	if iface == nil {
		r.log.WithField("neighbor", n).Warn("no interface for rip neighbour")
		return
	}
	buf, err := SerializeRIPMessage(msg)
	if err != nil {
		r.log.WithError(err).Error("encode rip message")
		return
	}
	if err := r.stack.SendOn(iface, buf, n, ipstack.ProtocolRIP); err != nil {
		r.log.WithError(err).WithField("neighbor", n).Debug("rip send failed")
	}
}

func (r *Strategy) ifaceFor(n netip.Addr) *link.Interface {
	for _, iface := range r.stack.Interfaces {
		if iface.HasNeighbor(n) {
			return iface
		}
	}
	return nil
}
