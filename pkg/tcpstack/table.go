package tcpstack

import (
	"sync"
)

// perPort holds everything bound to one local port.
type perPort struct {
	port uint16

	mu       sync.RWMutex
	listener *listener
	conns    map[Endpoint]*connection
}

func (p *perPort) lookup(them Endpoint) *connection {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.conns[them]
}

func (p *perPort) currentListener() *listener {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.listener
}

// reserve claims them for c.
func (p *perPort) reserve(them Endpoint, c *connection) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.conns[them]; ok {
		return ErrPortOrTripleReserved
	}
	p.conns[them] = c
	return nil
}

// evict removes c if it still owns its slot.
func (p *perPort) evict(them Endpoint, c *connection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conns[them] == c {
		delete(p.conns, them)
	}
}

func (p *perPort) setListener(l *listener) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listener != nil {
		return ErrListenerAlreadyExists
	}
	p.listener = l
	return nil
}

func (p *perPort) clearListener(l *listener) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listener != l {
		return false
	}
	p.listener = nil
	return true
}

type portTable struct {
	mu    sync.RWMutex
	ports map[uint16]*perPort
}

func newPortTable() *portTable {
	return &portTable{ports: make(map[uint16]*perPort)}
}

func (t *portTable) get(port uint16) *perPort {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.ports[port]
}

// getOrInit returns the entry for port, creating it at most once.
func (t *portTable) getOrInit(port uint16) *perPort {
	if p := t.get(port); p != nil {
		return p
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.ports[port]; ok {
		return p
	}
	p := &perPort{port: port, conns: make(map[Endpoint]*connection)}
	t.ports[port] = p
	return p
}

// snapshot returns the entries in no particular order.
func (t *portTable) snapshot() []*perPort {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*perPort, 0, len(t.ports))
	for _, p := range t.ports {
		out = append(out, p)
	}
	return out
}
