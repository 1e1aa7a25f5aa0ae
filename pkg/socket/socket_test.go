package socket

import (
	"bytes"
	"math/rand"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iptcp/pkg/tcpstack"
)

var (
	addrA = netip.MustParseAddr("10.0.0.1")
	addrB = netip.MustParseAddr("10.0.0.2")
)

type datagram struct {
	src, dst netip.Addr
	payload  []byte
}

// pipe is an IPLayer that carries datagrams to the peer stack on a
// goroutine, like a link would.
type pipe struct {
	addr netip.Addr
	ch   chan datagram
	done chan struct{}
}

func (p *pipe) SendIP(payload []byte, src, dst netip.Addr, protocol uint8) error {
	select {
	case p.ch <- datagram{src: src, dst: dst, payload: append([]byte(nil), payload...)}:
	case <-p.done:
	}
	return nil
}

func (p *pipe) SourceAddr(netip.Addr) (netip.Addr, error) { return p.addr, nil }

func (p *pipe) run(to *tcpstack.Stack) {
	for {
		select {
		case d := <-p.ch:
			to.Deliver(d.src, d.dst, d.payload)
		case <-p.done:
			return
		}
	}
}

func newPair(t *testing.T, readBuffer int, opts ...tcpstack.Option) (a, b *Table) {
	done := make(chan struct{})
	t.Cleanup(func() { close(done) })
	pa := &pipe{addr: addrA, ch: make(chan datagram, 1024), done: done}
	pb := &pipe{addr: addrB, ch: make(chan datagram, 1024), done: done}
	sa, sb := tcpstack.New(pa, opts...), tcpstack.New(pb, opts...)
	go pa.run(sb)
	go pb.run(sa)
	return NewTable(sa, readBuffer), NewTable(sb, readBuffer)
}

func readFull(c *VConn, n int) ([]byte, error) {
	out := make([]byte, 0, n)
	buf := make([]byte, 512)
	for len(out) < n {
		m, err := c.VRead(buf[:min(len(buf), n-len(out))])
		if err != nil {
			return out, err
		}
		out = append(out, buf[:m]...)
	}
	return out, nil
}

func within(t *testing.T, d time.Duration, fn func()) {
	t.Helper()
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		fn()
	}()
	select {
	case <-finished:
	case <-time.After(d):
		t.Fatal("timed out")
	}
}

func TestConnectAcceptEcho(t *testing.T) {
	a, b := newPair(t, 0)
	l, err := b.VListen(9000)
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c, err := l.VAccept()
		if !assert.NoError(t, err) {
			return
		}
		msg, err := readFull(c, 5)
		assert.NoError(t, err)
		_, err = c.VWrite(msg)
		assert.NoError(t, err)
	}()

	within(t, 5*time.Second, func() {
		c, err := a.VConnect(addrB, 9000)
		require.NoError(t, err)
		_, them := c.Endpoints()
		assert.Equal(t, tcpstack.Endpoint{Addr: addrB, Port: 9000}, them)

		n, err := c.VWrite([]byte("hello"))
		require.NoError(t, err)
		assert.Equal(t, 5, n)
		echo, err := readFull(c, 5)
		require.NoError(t, err)
		assert.Equal(t, "hello", string(echo))
		wg.Wait()
	})
}

// A transfer much larger than every buffer on the path has to be paced by
// the advertised window and the reader.
func TestLargeTransfer(t *testing.T) {
	a, b := newPair(t, 1024, tcpstack.WithBufferSize(4096), tcpstack.WithMSS(512))
	l, err := b.VListen(9001)
	require.NoError(t, err)

	data := make([]byte, 200_000)
	rand.New(rand.NewSource(1)).Read(data)

	got := make(chan []byte, 1)
	go func() {
		c, err := l.VAccept()
		if !assert.NoError(t, err) {
			got <- nil
			return
		}
		out, err := readFull(c, len(data))
		assert.NoError(t, err)
		got <- out
	}()

	within(t, 30*time.Second, func() {
		c, err := a.VConnect(addrB, 9001)
		require.NoError(t, err)
		n, err := c.VWrite(data)
		require.NoError(t, err)
		assert.Equal(t, len(data), n)
		assert.True(t, bytes.Equal(data, <-got), "stream arrives intact and in order")
	})
}

func TestConnectWithoutListenerFails(t *testing.T) {
	a, _ := newPair(t, 0, tcpstack.WithMaxRetries(1), tcpstack.WithRTO(10*time.Millisecond, 20*time.Millisecond))
	within(t, 5*time.Second, func() {
		_, err := a.VConnect(addrB, 9002)
		assert.ErrorIs(t, err, ErrConnectFailed)
	})
	assert.Empty(t, a.List())
}

func TestSocketTable(t *testing.T) {
	a, b := newPair(t, 0)
	l, err := b.VListen(9003)
	require.NoError(t, err)
	_, err = b.VListen(9003)
	assert.ErrorIs(t, err, tcpstack.ErrListenerAlreadyExists)

	accepted := make(chan *VConn, 1)
	go func() {
		c, err := l.VAccept()
		assert.NoError(t, err)
		accepted <- c
	}()

	var c *VConn
	within(t, 5*time.Second, func() {
		c, err = a.VConnect(addrB, 9003)
		require.NoError(t, err)
		<-accepted
	})

	rows := b.List()
	require.Len(t, rows, 2)
	assert.Equal(t, l.SID, rows[0].SID)
	assert.Equal(t, tcpstack.StateListen, rows[0].State)
	assert.Equal(t, uint16(9003), rows[0].Local.Port)
	assert.Equal(t, tcpstack.StateEstablished, rows[1].State)
	assert.Equal(t, addrA, rows[1].Remote.Addr)

	got, err := a.Conn(c.SID)
	require.NoError(t, err)
	assert.Same(t, c, got)

	require.NoError(t, c.VClose())
	assert.ErrorIs(t, c.VClose(), ErrClosed)
	_, err = a.Conn(c.SID)
	assert.ErrorIs(t, err, ErrNoSuchSocket)
	_, err = c.VWrite([]byte("x"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestListenerClose(t *testing.T) {
	_, b := newPair(t, 0)
	l, err := b.VListen(9004)
	require.NoError(t, err)

	require.NoError(t, l.VClose())
	assert.ErrorIs(t, l.VClose(), ErrClosed)
	within(t, time.Second, func() {
		_, err := l.VAccept()
		assert.ErrorIs(t, err, ErrClosed)
	})
	_, err = b.Listener(l.SID)
	assert.ErrorIs(t, err, ErrNoSuchSocket)

	_, err = b.VListen(9004)
	assert.NoError(t, err, "port can be listened on again")
}

func TestAbortUnblocksPeerReader(t *testing.T) {
	a, b := newPair(t, 0)
	l, err := b.VListen(9005)
	require.NoError(t, err)

	accepted := make(chan *VConn, 1)
	go func() {
		c, err := l.VAccept()
		assert.NoError(t, err)
		accepted <- c
	}()

	within(t, 5*time.Second, func() {
		c, err := a.VConnect(addrB, 9005)
		require.NoError(t, err)
		peer := <-accepted

		require.NoError(t, c.VAbort())
		_, err = peer.VRead(make([]byte, 8))
		assert.ErrorIs(t, err, ErrClosed)
	})
}
