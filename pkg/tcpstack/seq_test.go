package tcpstack

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
)

func randomTriples(n int, fn func(a, b, c uint32)) {
	rng := rand.New(rand.NewSource(1))
	edges := []uint32{0, 1, math.MaxUint32, math.MaxUint32 - 1, 1 << 31, 1<<31 - 1}
	pick := func() uint32 {
		if rng.Intn(4) == 0 {
			return edges[rng.Intn(len(edges))]
		}
		return rng.Uint32()
	}
	for range n {
		fn(pick(), pick(), pick())
	}
}

func TestInIntervalMatchesCaseSplit(t *testing.T) {
	randomTriples(20000, func(s, e, n uint32) {
		var want bool
		if e >= s {
			want = s <= n && n <= e
		} else {
			want = n >= s || n <= e
		}
		if !assert.Equal(t, want, InInterval(s, e, n), "s=%d e=%d n=%d", s, e, n) {
			t.FailNow()
		}
	})

	assert.True(t, InInterval(7, 7, 7))
	assert.False(t, InInterval(7, 7, 8))
	assert.True(t, InInterval(math.MaxUint32-2, 3, 0), "wrapping arc")
	assert.False(t, InInterval(math.MaxUint32-2, 3, 4))
}

func TestOrderLaws(t *testing.T) {
	randomTriples(20000, func(a, b, c uint32) {
		o := Order(a, b, c)
		distinct := a != b && b != c && a != c

		// totality
		assert.Equal(t, distinct, o != Degenerate)
		// cyclicity
		assert.Equal(t, o, Order(b, c, a))
		assert.Equal(t, o, Order(c, a, b))
		// antisymmetry
		assert.Equal(t, -o, Order(c, b, a))
	})
}

func TestOrderTransitivity(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	for range 20000 {
		a, b, c, d := rng.Uint32(), rng.Uint32(), rng.Uint32(), rng.Uint32()
		if Order(a, b, c) == Clockwise && Order(a, c, d) == Clockwise {
			assert.Equal(t, Clockwise, Order(a, b, d), "a=%d b=%d c=%d d=%d", a, b, c, d)
		}
	}
}

func TestOrderAgreesWithInInterval(t *testing.T) {
	randomTriples(20000, func(lo, hi, x uint32) {
		if Order(lo, x, hi) == Clockwise {
			assert.True(t, InInterval(lo, hi, x))
		}
	})
}

func TestLessThanWraps(t *testing.T) {
	assert.True(t, LessThan(math.MaxUint32, 0))
	assert.True(t, LessThan(math.MaxUint32-10, 5))
	assert.False(t, LessThan(5, math.MaxUint32-10))
	assert.False(t, LessThan(3, 3))
	assert.True(t, LessThanEq(3, 3))
}
