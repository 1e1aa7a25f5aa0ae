package socket

import (
	"net/netip"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/smallnest/ringbuffer"

	"iptcp/pkg/tcpstack"
)

// VConn is a blocking connection socket. Received bytes are moved out of
// the TCB into a ring buffer by the connection's handler; VRead blocks on
// that ring.
type VConn struct {
	SID   int
	table *Table

	mu          sync.Mutex
	cond        *sync.Cond
	ref         tcpstack.ConnRef
	buf         *ringbuffer.RingBuffer
	listener    *VListener // set until established on the passive side
	established bool
	closed      bool
	detached    bool
	writeGen    uint64
}

func newVConn(t *Table) *VConn {
	c := &VConn{table: t, buf: ringbuffer.New(t.readBuffer)}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// VConnect opens a connection to addr:port from an ephemeral port and
// blocks until the handshake completes.
func (t *Table) VConnect(addr netip.Addr, port uint16) (*VConn, error) {
	c := newVConn(t)
	ref, err := t.stack.ActiveOpen(0, tcpstack.Endpoint{Addr: addr, Port: port}, c)
	if err != nil {
		return nil, errors.Wrapf(err, "socket: connect to %s:%d", addr, port)
	}
	c.setRef(ref)
	t.addConn(c)
	go c.watch()

	c.mu.Lock()
	for !c.established && !c.closed {
		c.cond.Wait()
	}
	ok := c.established
	c.mu.Unlock()
	if !ok {
		t.remove(c.SID)
		return nil, errors.Wrapf(ErrConnectFailed, "%s:%d", addr, port)
	}
	t.log.WithField("sid", c.SID).Infof("connected to %s:%d", addr, port)
	return c, nil
}

// HandleEvent implements tcpstack.Handler. It runs under the connection
// lock, so it takes c.mu after it.
func (c *VConn) HandleEvent(e *tcpstack.Established, ev tcpstack.Event) tcpstack.Handler {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.detached {
		return nil
	}
	switch ev {
	case tcpstack.CanRead:
		c.drain(e)
	case tcpstack.CanWrite:
		if !c.established {
			c.established = true
			c.ref = e.Ref()
			if l := c.listener; l != nil {
				c.listener = nil
				if !l.enqueue(c) {
					c.detached = true
					c.closed = true
				}
			}
		}
		c.writeGen++
	}
	c.cond.Broadcast()
	return nil
}

// drain moves what fits from the TCB into the ring. c.mu must be held.
func (c *VConn) drain(e *tcpstack.Established) {
	n := min(c.buf.Free(), e.Buffered())
	if n == 0 {
		return
	}
	tmp := make([]byte, n)
	n = e.Read(tmp)
	c.buf.Write(tmp[:n])
}

func (c *VConn) setRef(ref tcpstack.ConnRef) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ref = ref
}

func (c *VConn) conn() tcpstack.ConnRef {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ref
}

// Endpoints returns the local and remote ends of the connection.
func (c *VConn) Endpoints() (us, them tcpstack.Endpoint) {
	return c.conn().Endpoints()
}

// VRead blocks until at least one byte is available and reads up to
// len(p) bytes. Buffered data is still returned after the connection
// closes; ErrClosed follows once it is drained.
func (c *VConn) VRead(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	c.mu.Lock()
	for c.buf.IsEmpty() && !c.closed {
		c.cond.Wait()
	}
	if c.buf.IsEmpty() {
		c.mu.Unlock()
		return 0, ErrClosed
	}
	n, _ := c.buf.Read(p)
	c.mu.Unlock()

	c.refill()
	return n, nil
}

// refill pulls data the TCB had to hold back while the ring was full.
func (c *VConn) refill() {
	_ = c.conn().Do(func(e *tcpstack.Established) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if !c.detached {
			c.drain(e)
		}
	})
}

// VWrite blocks until all of p has been queued for transmission.
func (c *VConn) VWrite(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return written, ErrClosed
		}
		gen := c.writeGen
		c.mu.Unlock()

		var n int
		err := c.conn().Do(func(e *tcpstack.Established) { n = e.Write(p[written:]) })
		if err != nil {
			return written, errors.Wrap(err, "socket: write")
		}
		written += n
		if n > 0 {
			continue
		}

		// send buffer full: wait for an ACK to free space
		c.mu.Lock()
		for c.writeGen == gen && !c.closed {
			c.cond.Wait()
		}
		c.mu.Unlock()
	}
	return written, nil
}

// VClose detaches the socket: later events are ignored and the SID is
// released. No FIN is sent; the peer notices nothing.
func (c *VConn) VClose() error {
	c.mu.Lock()
	if c.detached {
		c.mu.Unlock()
		return ErrClosed
	}
	c.detached = true
	c.closed = true
	c.cond.Broadcast()
	c.mu.Unlock()

	c.table.remove(c.SID)
	return nil
}

// VAbort resets the connection and closes the socket.
func (c *VConn) VAbort() error {
	if err := c.conn().Abort(); err != nil && !errors.Is(err, tcpstack.ErrConnectionGone) {
		return err
	}
	return c.VClose()
}

// watch notices the connection closing underneath the socket, which the
// engine does not signal with an event.
func (c *VConn) watch() {
	ticker := time.NewTicker(closePoll)
	defer ticker.Stop()
	for range ticker.C {
		c.mu.Lock()
		done, ref := c.closed, c.ref
		c.mu.Unlock()
		if done {
			return
		}
		if ref.State() == tcpstack.StateClosed {
			c.markClosed()
			return
		}
	}
}

func (c *VConn) markClosed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if l := c.listener; l != nil && !c.established {
		c.listener = nil
		l.release()
	}
	c.closed = true
	c.cond.Broadcast()
}
