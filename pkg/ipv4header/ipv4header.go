// Package ipv4header encodes and validates IPv4 headers on top of netstack's
// header.IPv4 view.
package ipv4header

import (
	"net/netip"

	"github.com/google/netstack/tcpip"
	"github.com/google/netstack/tcpip/header"
	"github.com/pkg/errors"
)

const (
	HeaderLen    = header.IPv4MinimumSize
	maxHeaderLen = 60
	DefaultTTL   = 32
)

var (
	ErrTruncated   = errors.New("ipv4: packet truncated")
	ErrBadVersion  = errors.New("ipv4: bad version")
	ErrBadChecksum = errors.New("ipv4: bad header checksum")
	ErrBadLength   = errors.New("ipv4: bad length")
)

type IPv4Header struct {
	Version  int
	Len      int // header length in bytes
	TOS      int
	TotalLen int
	ID       int
	Flags    int
	FragOff  int
	TTL      int
	Protocol int
	Checksum int
	Src      netip.Addr
	Dst      netip.Addr
	Options  []byte
}

// Packet is a parsed IPv4 datagram.
type Packet struct {
	Header *IPv4Header
	Body   []byte
}

// AddrToTcpip converts to the netstack address representation.
func AddrToTcpip(a netip.Addr) tcpip.Address {
	b := a.As4()
	return tcpip.Address(b[:])
}

// AddrFromTcpip converts from the netstack address representation.
func AddrFromTcpip(a tcpip.Address) netip.Addr {
	addr, _ := netip.AddrFromSlice([]byte(a))
	return addr
}

// Marshal encodes the header with a freshly computed checksum. Len and
// TotalLen are derived from Options and the caller supplied TotalLen.
func (h *IPv4Header) Marshal() ([]byte, error) {
	if !h.Src.Is4() || !h.Dst.Is4() {
		return nil, errors.New("ipv4: source and destination must be IPv4")
	}
	if len(h.Options)%4 != 0 || HeaderLen+len(h.Options) > maxHeaderLen {
		return nil, errors.Errorf("ipv4: bad options length %d", len(h.Options))
	}
	hdrLen := HeaderLen + len(h.Options)
	if h.TotalLen < hdrLen || h.TotalLen > 0xffff {
		return nil, errors.Wrapf(ErrBadLength, "total length %d", h.TotalLen)
	}

	b := header.IPv4(make([]byte, hdrLen))
	b.Encode(&header.IPv4Fields{
		IHL:            uint8(hdrLen),
		TOS:            uint8(h.TOS),
		TotalLength:    uint16(h.TotalLen),
		ID:             uint16(h.ID),
		Flags:          uint8(h.Flags),
		FragmentOffset: uint16(h.FragOff),
		TTL:            uint8(h.TTL),
		Protocol:       uint8(h.Protocol),
		SrcAddr:        AddrToTcpip(h.Src),
		DstAddr:        AddrToTcpip(h.Dst),
	})
	copy(b[HeaderLen:], h.Options)
	b.SetChecksum(0)
	b.SetChecksum(^b.CalculateChecksum())
	h.Len = hdrLen
	h.Version = 4
	h.Checksum = int(b.Checksum())
	return b, nil
}

// ParseHeader decodes and validates the header at the start of b.
func ParseHeader(b []byte) (*IPv4Header, error) {
	if len(b) < HeaderLen {
		return nil, ErrTruncated
	}
	if b[0]>>4 != 4 {
		return nil, ErrBadVersion
	}
	ip := header.IPv4(b)
	if !ip.IsValid(len(b)) {
		return nil, ErrBadLength
	}
	hdrLen := int(ip.HeaderLength())
	if ip.CalculateChecksum() != 0xffff {
		return nil, ErrBadChecksum
	}
	opts := make([]byte, hdrLen-HeaderLen)
	copy(opts, b[HeaderLen:hdrLen])
	tos, _ := ip.TOS()
	return &IPv4Header{
		Version:  4,
		Len:      hdrLen,
		TOS:      int(tos),
		TotalLen: int(ip.TotalLength()),
		ID:       int(ip.ID()),
		Flags:    int(ip.Flags()),
		FragOff:  int(ip.FragmentOffset()),
		TTL:      int(ip.TTL()),
		Protocol: int(ip.Protocol()),
		Checksum: int(ip.Checksum()),
		Src:      AddrFromTcpip(ip.SourceAddress()),
		Dst:      AddrFromTcpip(ip.DestinationAddress()),
		Options:  opts,
	}, nil
}

// ParsePacket validates a datagram and splits it into header and body.
// Bytes past TotalLen (link padding) are ignored.
func ParsePacket(b []byte) (*Packet, error) {
	hdr, err := ParseHeader(b)
	if err != nil {
		return nil, err
	}
	return &Packet{Header: hdr, Body: b[hdr.Len:hdr.TotalLen]}, nil
}

// NewPacket builds a header for payload with default TTL and no options.
func NewPacket(src, dst netip.Addr, protocol uint8, payload []byte) *Packet {
	return &Packet{
		Header: &IPv4Header{
			Version:  4,
			Len:      HeaderLen,
			TotalLen: HeaderLen + len(payload),
			TTL:      DefaultTTL,
			Protocol: int(protocol),
			Src:      src,
			Dst:      dst,
		},
		Body: payload,
	}
}

// Marshal encodes the full datagram.
func (p *Packet) Marshal() ([]byte, error) {
	p.Header.TotalLen = HeaderLen + len(p.Header.Options) + len(p.Body)
	hdr, err := p.Header.Marshal()
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(hdr)+len(p.Body))
	out = append(out, hdr...)
	return append(out, p.Body...), nil
}
