package tcpstack

import "github.com/soypat/seqs"

// Orientation is the cyclic order of three points on the 32-bit sequence
// ring.
type Orientation int8

const (
	Degenerate       Orientation = 0
	Clockwise        Orientation = 1
	CounterClockwise Orientation = -1
)

// Order reports whether walking forward from a meets b strictly before c.
// Any two equal arguments give Degenerate.
func Order(a, b, c uint32) Orientation {
	if a == b || b == c || a == c {
		return Degenerate
	}
	if seqs.InRange(seqs.Value(b), seqs.Value(a), seqs.Value(c)) {
		return Clockwise
	}
	return CounterClockwise
}

// InInterval reports whether x lies on the closed arc from lo to hi.
func InInterval(lo, hi, x uint32) bool {
	return x == hi || seqs.InRange(seqs.Value(x), seqs.Value(lo), seqs.Value(hi))
}

// LessThan reports whether a precedes b within half the ring.
func LessThan(a, b uint32) bool { return seqs.LessThan(seqs.Value(a), seqs.Value(b)) }

func LessThanEq(a, b uint32) bool { return seqs.LessThanEq(seqs.Value(a), seqs.Value(b)) }
