package ipstack

import (
	"fmt"
	"net/netip"
)

// NoRouteError is returned by SendIP when no usable route covers Dst.
type NoRouteError struct {
	Dst netip.Addr
}

func (e *NoRouteError) Error() string { return fmt.Sprintf("no route to %s", e.Dst) }

// BadPacketError is returned by SendIP when the datagram cannot be encoded.
type BadPacketError struct {
	Reason string
}

func (e *BadPacketError) Error() string { return "bad packet: " + e.Reason }

// LinkError wraps a failure of the link layer below an interface.
type LinkError struct {
	Iface string
	Err   error
}

func (e *LinkError) Error() string { return fmt.Sprintf("link %s: %v", e.Iface, e.Err) }

func (e *LinkError) Cause() error { return e.Err }

func (e *LinkError) Unwrap() error { return e.Err }
