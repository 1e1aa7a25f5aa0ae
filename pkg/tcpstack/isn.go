package tcpstack

import (
	"crypto/rand"
	"encoding/binary"
	"time"

	"golang.org/x/crypto/blake2b"
)

// ISNFunc chooses the initial sequence number for a new connection.
type ISNFunc func(us, them Endpoint) uint32

// NewISNGenerator returns an RFC 6528 style generator: a clock ticking
// every 4 microseconds plus a keyed hash of the connection endpoints.
func NewISNGenerator() ISNFunc {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		panic(err)
	}
	start := time.Now()

	return func(us, them Endpoint) uint32 {
		h, err := blake2b.New256(key)
		if err != nil {
			panic(err)
		}
		var buf [2*4 + 2*2]byte
		a, b := us.Addr.As4(), them.Addr.As4()
		copy(buf[0:4], a[:])
		copy(buf[4:8], b[:])
		binary.BigEndian.PutUint16(buf[8:10], us.Port)
		binary.BigEndian.PutUint16(buf[10:12], them.Port)
		h.Write(buf[:])

		clock := uint32(time.Since(start) / (4 * time.Microsecond))
		return clock + binary.BigEndian.Uint32(h.Sum(nil))
	}
}
