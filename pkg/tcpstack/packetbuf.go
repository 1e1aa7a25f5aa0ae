package tcpstack

// PacketBuf is a fixed-capacity ring of bytes addressed by TCP sequence
// number. It holds exactly the bytes between the consumed pointer and the
// write frontier. Data that would leave a gap in front of the frontier is
// dropped rather than queued.
type PacketBuf struct {
	buf      []byte
	head     int // index of consumed in buf
	consumed uint32
	length   int
}

func NewPacketBuf(capacity int, seq uint32) *PacketBuf {
	return &PacketBuf{buf: make([]byte, capacity), consumed: seq}
}

func (p *PacketBuf) Cap() int { return len(p.buf) }

// ContiguousLen is the number of readable bytes from ConsumedSeq.
func (p *PacketBuf) ContiguousLen() int { return p.length }

func (p *PacketBuf) ConsumedSeq() uint32 { return p.consumed }

// WriteSeq is the sequence number the next appended byte will carry.
func (p *PacketBuf) WriteSeq() uint32 { return p.consumed + uint32(p.length) }

func (p *PacketBuf) Free() int { return len(p.buf) - p.length }

// Add inserts data starting at seq and returns how many new bytes were
// accepted. A prefix already held is skipped. Data behind the frontier,
// past a gap, or larger than the free space is rejected.
func (p *PacketBuf) Add(seq uint32, data []byte) int {
	frontier := p.WriteSeq()
	if LessThan(frontier, seq) {
		return 0
	}
	if overlap := frontier - seq; overlap > 0 {
		if uint64(overlap) >= uint64(len(data)) {
			return 0
		}
		data = data[overlap:]
	}
	if len(data) == 0 || len(data) > p.Free() {
		return 0
	}

	start := (p.head + p.length) % len(p.buf)
	n := copy(p.buf[start:], data)
	copy(p.buf, data[n:])
	p.length += len(data)
	return len(data)
}

// Peek copies buffered bytes starting at the absolute sequence number seq
// without consuming them.
func (p *PacketBuf) Peek(seq uint32, dst []byte) int {
	off := seq - p.consumed
	if uint64(off) >= uint64(p.length) {
		return 0
	}
	n := min(len(dst), p.length-int(off))
	start := (p.head + int(off)) % len(p.buf)
	c := copy(dst[:n], p.buf[start:])
	copy(dst[c:n], p.buf)
	return n
}

// Consume discards up to n bytes from the front and returns how many were
// discarded.
func (p *PacketBuf) Consume(n int) int {
	n = max(0, min(n, p.length))
	p.head = (p.head + n) % len(p.buf)
	p.consumed += uint32(n)
	p.length -= n
	return n
}

func (p *PacketBuf) Read(dst []byte) int {
	return p.Consume(p.Peek(p.consumed, dst))
}
