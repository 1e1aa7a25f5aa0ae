package tcpstack

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"strings"

	"github.com/google/netstack/tcpip/header"
	"github.com/pkg/errors"
)

const (
	FlagFin = header.TCPFlagFin
	FlagSyn = header.TCPFlagSyn
	FlagRst = header.TCPFlagRst
	FlagPsh = header.TCPFlagPsh
	FlagAck = header.TCPFlagAck
	FlagUrg = header.TCPFlagUrg
)

// Segment is a view over a TCP header and payload together with the
// addresses of the IP datagram that carries it.
type Segment struct {
	Src, Dst netip.Addr
	Protocol uint8

	tcp header.TCP
}

// ParseSegment validates b as the payload of an IP datagram from src to
// dst. The header length must fit and the checksum must match.
func ParseSegment(src, dst netip.Addr, protocol uint8, b []byte) (*Segment, error) {
	if len(b) < header.TCPMinimumSize {
		return nil, errTruncated
	}
	tcp := header.TCP(b)
	if off := int(tcp.DataOffset()); off < header.TCPMinimumSize || off > len(b) {
		return nil, errors.Wrapf(errTruncated, "data offset %d in %d bytes", off, len(b))
	}
	seg := &Segment{Src: src, Dst: dst, Protocol: protocol, tcp: tcp}
	if seg.MakeHeaderChecksum() != seg.Checksum() {
		return nil, errBadChecksum
	}
	return seg, nil
}

// Outbound is a segment the engine wants transmitted, before the
// connection's endpoints are filled in.
type Outbound struct {
	Seq, Ack uint32
	Flags    uint8
	Wnd      uint16
	Payload  []byte
}

// BuildSegment encodes o from us to them with a valid checksum.
func BuildSegment(us, them Endpoint, protocol uint8, o Outbound) *Segment {
	b := make([]byte, header.TCPMinimumSize+len(o.Payload))
	tcp := header.TCP(b)
	tcp.Encode(&header.TCPFields{
		SrcPort:    us.Port,
		DstPort:    them.Port,
		SeqNum:     o.Seq,
		AckNum:     o.Ack,
		DataOffset: header.TCPMinimumSize,
		Flags:      o.Flags,
		WindowSize: o.Wnd,
	})
	copy(b[header.TCPMinimumSize:], o.Payload)

	seg := &Segment{Src: us.Addr, Dst: them.Addr, Protocol: protocol, tcp: tcp}
	seg.UpdateChecksum()
	return seg
}

func (s *Segment) Bytes() []byte { return s.tcp }
func (s *Segment) SrcPort() uint16 { return s.tcp.SourcePort() }
func (s *Segment) DstPort() uint16 { return s.tcp.DestinationPort() }
func (s *Segment) Seq() uint32 { return s.tcp.SequenceNumber() }
func (s *Segment) Window() uint16 { return s.tcp.WindowSize() }
func (s *Segment) Flags() uint8 { return s.tcp.Flags() }
func (s *Segment) Checksum() uint16 { return s.tcp.Checksum() }
func (s *Segment) Payload() []byte { return s.tcp[s.tcp.DataOffset():] }
func (s *Segment) Has(f uint8) bool { return s.tcp.Flags()&f == f }
func (s *Segment) Source() Endpoint { return Endpoint{Addr: s.Src, Port: s.SrcPort()} }
func (s *Segment) Destination() Endpoint { return Endpoint{Addr: s.Dst, Port: s.DstPort()} }

// Ack returns the acknowledgment number and whether the ACK flag is set.
func (s *Segment) Ack() (uint32, bool) {
	return s.tcp.AckNumber(), s.Has(FlagAck)
}

// Len is the sequence space the segment occupies.
func (s *Segment) Len() uint32 {
	n := uint32(len(s.Payload()))
	if s.Has(FlagSyn) {
		n++
	}
	if s.Has(FlagFin) {
		n++
	}
	return n
}

// MakeHeaderChecksum computes the checksum over the pseudo-header, the
// header with its checksum field taken as zero, and the payload.
func (s *Segment) MakeHeaderChecksum() uint16 {
	var pseudo [12]byte
	src, dst := s.Src.As4(), s.Dst.As4()
	copy(pseudo[0:4], src[:])
	copy(pseudo[4:8], dst[:])
	pseudo[9] = s.Protocol
	binary.BigEndian.PutUint16(pseudo[10:12], uint16(len(s.tcp)))

	xsum := header.Checksum(pseudo[:], 0)
	xsum = header.Checksum(s.tcp[:16], xsum)
	xsum = header.Checksum(s.tcp[18:], xsum)
	return ^xsum
}

func (s *Segment) UpdateChecksum() {
	s.tcp.SetChecksum(s.MakeHeaderChecksum())
}

func (s *Segment) String() string {
	ack, _ := s.Ack()
	return fmt.Sprintf("%s -> %s [%s] seq=%d ack=%d wnd=%d len=%d",
		s.Source(), s.Destination(), FlagString(s.Flags()), s.Seq(), ack, s.Window(), len(s.Payload()))
}

// FlagString renders flags the way tcpdump does, e.g. "S." for SYN-ACK.
func FlagString(flags uint8) string {
	var b strings.Builder
	for _, f := range []struct {
		bit  uint8
		char byte
	}{{FlagSyn, 'S'}, {FlagFin, 'F'}, {FlagRst, 'R'}, {FlagPsh, 'P'}, {FlagUrg, 'U'}, {FlagAck, '.'}} {
		if flags&f.bit != 0 {
			b.WriteByte(f.char)
		}
	}
	return b.String()
}
