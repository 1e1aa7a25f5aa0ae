package link

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type received struct {
	iface string
	frame []byte
}

func openPair(t *testing.T) (*Interface, *Interface) {
	t.Helper()
	anyPort := netip.MustParseAddrPort("127.0.0.1:0")
	prefix := netip.MustParsePrefix("10.0.0.0/24")
	a, err := Open("if0", netip.MustParseAddr("10.0.0.1"), prefix, anyPort)
	require.NoError(t, err)
	b, err := Open("if0", netip.MustParseAddr("10.0.0.2"), prefix, anyPort)
	require.NoError(t, err)
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	a.AddNeighbor(b.AssignedIP, b.LocalUDPAddr())
	b.AddNeighbor(a.AssignedIP, a.LocalUDPAddr())
	return a, b
}

func serve(t *testing.T, iface *Interface) <-chan received {
	t.Helper()
	ch := make(chan received, 8)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go iface.Serve(ctx, func(i *Interface, frame []byte) {
		ch <- received{iface: i.Name, frame: frame}
	})
	return ch
}

func TestSendAndServe(t *testing.T) {
	a, b := openPair(t)
	ch := serve(t, b)

	require.NoError(t, a.Send(b.AssignedIP, []byte("frame-1")))
	select {
	case got := <-ch:
		assert.Equal(t, "if0", got.iface)
		assert.Equal(t, []byte("frame-1"), got.frame)
	case <-time.After(2 * time.Second):
		t.Fatal("frame not delivered")
	}
}

func TestSendErrors(t *testing.T) {
	a, b := openPair(t)

	err := a.Send(netip.MustParseAddr("10.0.0.9"), []byte("x"))
	assert.ErrorIs(t, err, ErrNoNeighbor)

	assert.ErrorIs(t, a.Send(b.AssignedIP, make([]byte, MaxFrameSize+1)), ErrFrameTooLarge)

	a.SetUp(false)
	assert.ErrorIs(t, a.Send(b.AssignedIP, []byte("x")), ErrInterfaceDown)
	a.SetUp(true)
	assert.NoError(t, a.Send(b.AssignedIP, []byte("x")))
}

func TestDownInterfaceDropsInbound(t *testing.T) {
	a, b := openPair(t)
	ch := serve(t, b)

	b.SetUp(false)
	require.NoError(t, a.Send(b.AssignedIP, []byte("dropped")))
	select {
	case got := <-ch:
		t.Fatalf("unexpected frame %q", got.frame)
	case <-time.After(200 * time.Millisecond):
	}

	b.SetUp(true)
	require.NoError(t, a.Send(b.AssignedIP, []byte("kept")))
	select {
	case got := <-ch:
		assert.Equal(t, []byte("kept"), got.frame)
	case <-time.After(2 * time.Second):
		t.Fatal("frame not delivered after interface came back up")
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	a, _ := openPair(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx, func(*Interface, []byte) {}) }()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
