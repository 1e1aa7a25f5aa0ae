package socket

import (
	"sync"

	"github.com/pkg/errors"

	"iptcp/pkg/tcpstack"
)

// VListener is a listening socket. Connections are queued once their
// handshake completes; peers beyond the backlog are declined.
type VListener struct {
	SID   int
	table *Table
	port  tcpstack.PortRef

	mu      sync.Mutex
	pending int // accepted SYNs still handshaking
	queue   chan *VConn
	closed  bool
}

// VListen listens on port on every local address.
func (t *Table) VListen(port uint16) (*VListener, error) {
	l := &VListener{table: t, queue: make(chan *VConn, acceptBacklog)}
	ref, err := t.stack.PassiveOpen(port, l.accept)
	if err != nil {
		return nil, errors.Wrapf(err, "socket: listen on %d", port)
	}
	l.port = ref
	t.addListener(l)
	return l, nil
}

func (l *VListener) accept(us, them tcpstack.Endpoint, open func(tcpstack.Handler) (tcpstack.ConnRef, error)) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	if l.pending+len(l.queue) >= cap(l.queue) {
		l.mu.Unlock()
		l.table.log.WithField("them", them).Debug("accept backlog full, declining")
		return true
	}
	l.pending++
	l.mu.Unlock()

	c := newVConn(l.table)
	c.listener = l
	ref, err := open(c)
	if err != nil {
		l.release()
		l.table.log.WithError(err).WithField("them", them).Warn("accept failed")
		return true
	}
	c.setRef(ref)
	go c.watch()
	return true
}

// enqueue hands an established connection to VAccept. It reports false
// if the listener closed in the meantime.
func (l *VListener) enqueue(c *VConn) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pending--
	if l.closed {
		return false
	}
	l.queue <- c
	return true
}

func (l *VListener) release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pending--
}

// Port is the port being listened on.
func (l *VListener) Port() uint16 { return l.port.Port() }

// VAccept blocks until a connection is established.
func (l *VListener) VAccept() (*VConn, error) {
	c, ok := <-l.queue
	if !ok {
		return nil, ErrClosed
	}
	l.table.addConn(c)
	return c, nil
}

// VClose stops listening. VAccept still returns connections queued
// before the close, then ErrClosed.
func (l *VListener) VClose() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	l.closed = true
	close(l.queue)
	l.mu.Unlock()

	l.port.Close()
	l.table.remove(l.SID)
	return nil
}
