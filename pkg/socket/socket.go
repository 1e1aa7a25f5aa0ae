// Package socket offers blocking sockets over the event driven tcpstack
// API. Each socket gets a small integer SID for use from the REPL.
package socket

import (
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"iptcp/pkg/logging"
	"iptcp/pkg/tcpstack"
)

const (
	DefaultReadBuffer = 1 << 16

	acceptBacklog = 16
	closePoll     = 100 * time.Millisecond
)

var (
	ErrClosed        = errors.New("socket: closed")
	ErrNoSuchSocket  = errors.New("socket: no such socket")
	ErrConnectFailed = errors.New("socket: connection failed")
)

// Info is one row of the socket table.
type Info struct {
	SID    int
	Local  tcpstack.Endpoint
	Remote tcpstack.Endpoint
	State  tcpstack.State
}

// Table owns the sockets opened on one stack.
type Table struct {
	stack      *tcpstack.Stack
	readBuffer int
	log        *logrus.Entry

	mu        sync.Mutex
	nextSID   int
	conns     map[int]*VConn
	listeners map[int]*VListener
}

// NewTable wraps stack. readBuffer sizes each connection's receive ring;
// zero means DefaultReadBuffer.
func NewTable(stack *tcpstack.Stack, readBuffer int) *Table {
	if readBuffer <= 0 {
		readBuffer = DefaultReadBuffer
	}
	return &Table{
		stack:      stack,
		readBuffer: readBuffer,
		log:        logging.Component("socket"),
		conns:      make(map[int]*VConn),
		listeners:  make(map[int]*VListener),
	}
}

func (t *Table) addConn(c *VConn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c.SID = t.nextSID
	t.nextSID++
	t.conns[c.SID] = c
}

func (t *Table) addListener(l *VListener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l.SID = t.nextSID
	t.nextSID++
	t.listeners[l.SID] = l
}

func (t *Table) remove(sid int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.conns, sid)
	delete(t.listeners, sid)
}

// Conn returns the connection socket sid.
func (t *Table) Conn(sid int) (*VConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.conns[sid]
	if !ok {
		return nil, errors.Wrapf(ErrNoSuchSocket, "sid %d", sid)
	}
	return c, nil
}

// Listener returns the listening socket sid.
func (t *Table) Listener(sid int) (*VListener, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.listeners[sid]
	if !ok {
		return nil, errors.Wrapf(ErrNoSuchSocket, "sid %d", sid)
	}
	return l, nil
}

// List returns every socket ordered by SID.
func (t *Table) List() []Info {
	t.mu.Lock()
	conns := make([]*VConn, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	listeners := make([]*VListener, 0, len(t.listeners))
	for _, l := range t.listeners {
		listeners = append(listeners, l)
	}
	t.mu.Unlock()

	// states are read without the table lock held, connection locks come
	// first in the lock order
	out := make([]Info, 0, len(conns)+len(listeners))
	for _, l := range listeners {
		st := tcpstack.StateClosed
		if l.port.Listening() {
			st = tcpstack.StateListen
		}
		out = append(out, Info{
			SID:   l.SID,
			Local: tcpstack.Endpoint{Addr: netip.IPv4Unspecified(), Port: l.port.Port()},
			State: st,
		})
	}
	for _, c := range conns {
		ref := c.conn()
		us, them := ref.Endpoints()
		out = append(out, Info{SID: c.SID, Local: us, Remote: them, State: ref.State()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SID < out[j].SID })
	return out
}
