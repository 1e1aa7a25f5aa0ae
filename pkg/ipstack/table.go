package ipstack

import (
	"net/netip"
	"sort"
	"sync"
	"time"

	"iptcp/pkg/link"
)

// Infinity is the RIP cost of an unreachable prefix. Routes at this cost
// stay in the table (so they can be advertised as poisoned) but never match.
const Infinity = 16

type RouteType int

const (
	RouteLocal RouteType = iota
	RouteStatic
	RouteRIP
)

// Letter is the single character shown by the "lr" command.
func (t RouteType) Letter() string {
	switch t {
	case RouteLocal:
		return "L"
	case RouteStatic:
		return "S"
	default:
		return "R"
	}
}

type Route struct {
	Type       RouteType
	Prefix     netip.Prefix
	NextHop    netip.Addr      // unset for local routes
	Iface      *link.Interface // set for local and RIP routes
	Cost       uint32
	UpdateTime time.Time
}

type ForwardingTable struct {
	mu     sync.RWMutex
	routes map[netip.Prefix]Route
}

func NewForwardingTable() *ForwardingTable {
	return &ForwardingTable{routes: make(map[netip.Prefix]Route)}
}

// Set inserts or replaces the route for r.Prefix.
func (t *ForwardingTable) Set(r Route) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.routes[r.Prefix] = r
}

func (t *ForwardingTable) Get(prefix netip.Prefix) (Route, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.routes[prefix]
	return r, ok
}

func (t *ForwardingTable) Remove(prefix netip.Prefix) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.routes, prefix)
}

// Update runs fn with exclusive access to the route map.
func (t *ForwardingTable) Update(fn func(routes map[netip.Prefix]Route)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(t.routes)
}

// Routes returns a snapshot ordered local, static, RIP, then by prefix.
func (t *ForwardingTable) Routes() []Route {
	t.mu.RLock()
	out := make([]Route, 0, len(t.routes))
	for _, r := range t.routes {
		out = append(out, r)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].Prefix.String() < out[j].Prefix.String()
	})
	return out
}

// Lookup is a longest-prefix match over usable routes: unreachable costs and
// local routes on down interfaces are skipped.
func (t *ForwardingTable) Lookup(dst netip.Addr) (Route, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var best Route
	found := false
	for _, r := range t.routes {
		if !r.Prefix.Contains(dst) || !usable(r) {
			continue
		}
		if !found || r.Prefix.Bits() > best.Prefix.Bits() {
			best = r
			found = true
		}
	}
	return best, found
}

func usable(r Route) bool {
	if r.Cost >= Infinity {
		return false
	}
	if r.Type == RouteLocal && r.Iface != nil && !r.Iface.Up() {
		return false
	}
	return true
}
