// Package rippacket implements the RIP wire format and a distance-vector
// routing strategy for ipstack.
package rippacket

import (
	"encoding/binary"
	"net/netip"

	"github.com/pkg/errors"
)

const (
	CommandRequest  uint16 = 1
	CommandResponse uint16 = 2

	MaxEntries = 64
	entryLen   = 12
	headerLen  = 4
)

var ErrMalformed = errors.New("rip: malformed message")

type RIPEntry struct {
	Cost    uint32
	Address uint32
	Mask    uint32
}

type RIPMessage struct {
	Command    uint16 // 1 for request, 2 for response
	NumEntries uint16
	Entries    []RIPEntry
}

// EntryFor encodes prefix as an address/mask pair.
func EntryFor(prefix netip.Prefix, cost uint32) RIPEntry {
	addr := prefix.Masked().Addr().As4()
	var mask uint32
	if bits := prefix.Bits(); bits > 0 {
		mask = ^uint32(0) << (32 - bits)
	}
	return RIPEntry{
		Cost:    cost,
		Address: binary.BigEndian.Uint32(addr[:]),
		Mask:    mask,
	}
}

// Prefix decodes the entry's address and mask. Non-contiguous masks are
// rejected.
func (e RIPEntry) Prefix() (netip.Prefix, error) {
	ones := 0
	for m := e.Mask; m&0x80000000 != 0; m <<= 1 {
		ones++
	}
	if ones < 32 && e.Mask<<ones != 0 {
		return netip.Prefix{}, errors.Errorf("rip: non-contiguous mask %08x", e.Mask)
	}
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], e.Address)
	return netip.PrefixFrom(netip.AddrFrom4(b), ones).Masked(), nil
}

// SerializeRIPMessage encodes msg. NumEntries is taken from len(Entries).
func SerializeRIPMessage(msg *RIPMessage) ([]byte, error) {
	if len(msg.Entries) > MaxEntries {
		return nil, errors.Errorf("rip: %d entries exceeds %d", len(msg.Entries), MaxEntries)
	}
	buf := make([]byte, headerLen+entryLen*len(msg.Entries))
	binary.BigEndian.PutUint16(buf[0:2], msg.Command)
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(msg.Entries)))
	for i, entry := range msg.Entries {
		b := buf[headerLen+i*entryLen:]
		binary.BigEndian.PutUint32(b[0:4], entry.Cost)
		binary.BigEndian.PutUint32(b[4:8], entry.Address)
		binary.BigEndian.PutUint32(b[8:12], entry.Mask)
	}
	return buf, nil
}

func DeserializeRIPMessage(buf []byte) (*RIPMessage, error) {
	if len(buf) < headerLen {
		return nil, ErrMalformed
	}
	msg := &RIPMessage{
		Command:    binary.BigEndian.Uint16(buf[0:2]),
		NumEntries: binary.BigEndian.Uint16(buf[2:4]),
	}
	if msg.Command != CommandRequest && msg.Command != CommandResponse {
		return nil, errors.Wrapf(ErrMalformed, "command %d", msg.Command)
	}
	if msg.NumEntries > MaxEntries || len(buf) < headerLen+int(msg.NumEntries)*entryLen {
		return nil, errors.Wrapf(ErrMalformed, "%d entries in %d bytes", msg.NumEntries, len(buf))
	}
	buf = buf[headerLen:]
	msg.Entries = make([]RIPEntry, msg.NumEntries)
	for i := range msg.Entries {
		msg.Entries[i] = RIPEntry{
			Cost:    binary.BigEndian.Uint32(buf[0:4]),
			Address: binary.BigEndian.Uint32(buf[4:8]),
			Mask:    binary.BigEndian.Uint32(buf[8:12]),
		}
		buf = buf[entryLen:]
	}
	return msg, nil
}
