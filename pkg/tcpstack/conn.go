package tcpstack

import (
	"fmt"
	"net/netip"
	"runtime/debug"
	"sync"
	"time"
	"weak"

	"github.com/sirupsen/logrus"
)

type Endpoint struct {
	Addr netip.Addr
	Port uint16
}

func (e Endpoint) String() string { return netip.AddrPortFrom(e.Addr, e.Port).String() }

type State int

const (
	StateClosed State = iota
	StateListen
	StateHandshaking
	StateEstablished
)

func (s State) String() string {
	switch s {
	case StateListen:
		return "LISTEN"
	case StateHandshaking:
		return "HANDSHAKING"
	case StateEstablished:
		return "ESTABLISHED"
	default:
		return "CLOSED"
	}
}

// connState is one of closedState, handshakingState or establishedState.
// A transition consumes the receiver and returns the next state.
type connState interface {
	state() State
	onSegment(c *connection, seg *Segment) connState
	onTimer(c *connection, now time.Time) connState
}

type closedState struct{}

func (closedState) state() State { return StateClosed }

func (s closedState) onSegment(*connection, *Segment) connState { return s }

func (s closedState) onTimer(*connection, time.Time) connState { return s }

type establishedState struct {
	tcb     *TCB
	handler Handler
}

func (establishedState) state() State { return StateEstablished }

func (e establishedState) onSegment(c *connection, seg *Segment) connState {
	if seg.Has(FlagRst) {
		if InInterval(e.tcb.RecvNext, e.tcb.RecvNext+e.tcb.RecvWnd, seg.Seq()) {
			c.log.Info("connection reset by peer")
			return closedState{}
		}
		return e
	}
	canRead, canWrite := e.tcb.Recv(seg)
	if canRead {
		e.dispatch(c, CanRead)
	}
	if canWrite {
		e.dispatch(c, CanWrite)
	}
	return e.settle(c)
}

func (e establishedState) onTimer(c *connection, now time.Time) connState {
	if e.tcb.onTimeout(now) && !e.tcb.Dead() {
		c.log.WithField("rto", e.tcb.rtx.Interval()).Debug("retransmitting")
	}
	return e.settle(c)
}

// settle flushes pending output and closes the connection once the peer
// is presumed dead.
func (e establishedState) settle(c *connection) connState {
	if e.tcb.Dead() {
		c.log.Warn("retransmissions exhausted, closing")
		return closedState{}
	}
	e.tcb.Flush(false)
	c.queue(e.tcb.Outbox()...)
	return e
}

// dispatch takes the handler out, calls it and puts the result back.
func (e *establishedState) dispatch(c *connection, ev Event) {
	h := e.handler
	if h == nil {
		return
	}
	e.handler = nil
	if next := c.call(h, &Established{conn: c, tcb: e.tcb}, ev); next != nil {
		h = next
	}
	e.handler = h
}

// connection is a table entry. All fields past mu are guarded by it.
type connection struct {
	stack    *Stack
	us, them Endpoint
	log      *logrus.Entry

	mu    sync.Mutex
	state connState
	out   []Outbound
}

func (c *connection) ref() ConnRef {
	return ConnRef{p: weak.Make(c), us: c.us, them: c.them}
}

func (c *connection) queue(out ...Outbound) {
	c.out = append(c.out, out...)
}

// transition applies fn under the lock, then transmits the queued output
// and evicts the entry if it closed.
func (c *connection) transition(fn func(connState) connState) {
	c.mu.Lock()
	prev := c.state.state()
	c.state = fn(c.state)
	now := c.state.state()
	out := c.out
	c.out = nil
	c.mu.Unlock()

	if prev != now {
		c.log.WithFields(logrus.Fields{"from": prev, "to": now}).Debug("state change")
	}
	c.stack.transmit(c.us, c.them, out)
	if now == StateClosed {
		c.stack.evict(c)
	}
}

func (c *connection) handle(seg *Segment) {
	c.transition(func(s connState) connState { return s.onSegment(c, seg) })
}

func (c *connection) call(h Handler, e *Established, ev Event) (next Handler) {
	defer func() {
		if r := recover(); r != nil {
			c.log.WithFields(logrus.Fields{"panic": r, "event": ev}).Errorf("handler panicked\n%s", debug.Stack())
			next = nil
		}
	}()
	return h.HandleEvent(e, ev)
}

// ConnRef refers to a connection without keeping it alive.
type ConnRef struct {
	p        weak.Pointer[connection]
	us, them Endpoint
}

func (r ConnRef) Endpoints() (us, them Endpoint) { return r.us, r.them }

func (r ConnRef) State() State {
	c := r.p.Value()
	if c == nil {
		return StateClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.state()
}

// Do runs fn with the established view of the connection. fn runs with
// the connection locked and must not block.
func (r ConnRef) Do(fn func(*Established)) error {
	c := r.p.Value()
	if c == nil {
		return ErrConnectionGone
	}
	var err error
	c.transition(func(s connState) connState {
		switch st := s.(type) {
		case establishedState:
			fn(&Established{conn: c, tcb: st.tcb})
			return st.settle(c)
		case closedState:
			err = ErrConnectionGone
		default:
			err = ErrNotEstablished
		}
		return s
	})
	return err
}

// Read copies received bytes into p without blocking.
func (r ConnRef) Read(p []byte) (n int, err error) {
	err = r.Do(func(e *Established) { n = e.Read(p) })
	return n, err
}

// Write queues p without blocking and returns how much was accepted.
func (r ConnRef) Write(p []byte) (n int, err error) {
	err = r.Do(func(e *Established) { n = e.Write(p) })
	return n, err
}

// Abort resets the connection and removes it from the table.
func (r ConnRef) Abort() error {
	c := r.p.Value()
	if c == nil {
		return ErrConnectionGone
	}
	c.transition(func(s connState) connState {
		if st, ok := s.(establishedState); ok {
			c.queue(Outbound{Seq: st.tcb.SendNext, Flags: FlagRst})
		}
		return closedState{}
	})
	return nil
}

func (r ConnRef) String() string { return fmt.Sprintf("%s -> %s", r.us, r.them) }
