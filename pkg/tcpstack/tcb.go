package tcpstack

import (
	"math"
	"time"
)

// TCB is the transmission control block of an established connection.
// It is not safe for concurrent use.
type TCB struct {
	RecvNext uint32
	RecvWnd  uint32
	RecvISN  uint32

	SendUna  uint32
	SendNext uint32
	SendWnd  uint32
	SendWL1  uint32
	SendWL2  uint32
	SendISN  uint32

	sendMax uint32 // highest sequence number ever sent
	sendBuf *PacketBuf
	recvBuf *PacketBuf
	rtx     *RetransmissionQueue
	mss     int
	now     func() time.Time

	needAck bool
	dead    bool
	outbox  []Outbound
}

type tcbConfig struct {
	bufferSize int
	mss        int
	now        func() time.Time
}

// newTCB seeds a control block from a completed handshake. rtx carries the
// RTT estimate measured during the handshake.
func newTCB(ourISN, theirISN uint32, theirWnd uint16, cfg tcbConfig, rtx *RetransmissionQueue) *TCB {
	t := &TCB{
		RecvISN:  theirISN,
		RecvNext: theirISN + 1,
		SendISN:  ourISN,
		SendUna:  ourISN + 1,
		SendNext: ourISN + 1,
		sendMax:  ourISN + 1,
		SendWnd:  uint32(theirWnd),
		SendWL1:  theirISN,
		SendWL2:  ourISN,
		sendBuf:  NewPacketBuf(cfg.bufferSize, ourISN+1),
		recvBuf:  NewPacketBuf(cfg.bufferSize, theirISN+1),
		rtx:      rtx,
		mss:      cfg.mss,
		now:      cfg.now,
	}
	t.RecvWnd = t.advertisable()
	return t
}

func (t *TCB) advertisable() uint32 {
	return uint32(min(t.recvBuf.Free(), math.MaxUint16))
}

// Recv applies an inbound segment and reports whether the application has
// new data to read and whether send space was freed.
func (t *TCB) Recv(seg *Segment) (canRead, canWrite bool) {
	accept := t.acceptable(seg)
	if !accept {
		t.needAck = true
	}
	if ack, ok := seg.Ack(); ok {
		canWrite = t.handleAck(seg.Seq(), ack, seg.Window())
	}
	if accept {
		canRead = t.handleData(seg)
	}
	return canRead, canWrite
}

// acceptable is the RFC 793 receive test. Segments failing it carry no
// usable payload and are answered with an ACK.
func (t *TCB) acceptable(seg *Segment) bool {
	seq := seg.Seq()
	n := seg.Len()
	switch {
	case t.RecvWnd == 0 && n == 0:
		return seq == t.RecvNext
	case t.RecvWnd == 0:
		return false
	case n == 0:
		return InInterval(t.RecvNext, t.RecvNext+t.RecvWnd-1, seq)
	default:
		last := seq + n - 1
		return InInterval(t.RecvNext, t.RecvNext+t.RecvWnd-1, seq) ||
			InInterval(t.RecvNext, t.RecvNext+t.RecvWnd-1, last)
	}
}

func (t *TCB) handleAck(seq, ack uint32, wnd uint16) (canWrite bool) {
	if !InInterval(t.SendUna, t.sendMax, ack) {
		// acknowledges something never sent
		if LessThan(t.sendMax, ack) {
			t.needAck = true
		}
		return false
	}
	reopened := false
	if LessThan(t.SendWL1, seq) || (t.SendWL1 == seq && LessThanEq(t.SendWL2, ack)) {
		if t.SendWnd == 0 && wnd > 0 {
			canWrite = true
			reopened = true
		}
		t.SendWnd = uint32(wnd)
		t.SendWL1 = seq
		t.SendWL2 = ack
	}
	if ack != t.SendUna {
		t.sendBuf.Consume(int(ack - t.SendUna))
		t.SendUna = ack
		if LessThan(t.SendNext, ack) {
			t.SendNext = ack
		}
		t.rtx.SampleRTT(ack, t.now())
		canWrite = true
	}
	if reopened {
		// whatever went out past SendUna hit a closed window
		t.SendNext = t.SendUna
	}
	return canWrite
}

func (t *TCB) handleData(seg *Segment) (canRead bool) {
	if seg.Has(FlagSyn) {
		// a retransmitted SYN means our handshake ACK was lost
		t.needAck = true
	}
	payload := seg.Payload()
	if len(payload) == 0 {
		return false
	}
	seq := seg.Seq()
	if seg.Has(FlagSyn) {
		seq++
	}
	t.needAck = true

	end := t.RecvNext + t.RecvWnd
	if LessThan(end, seq+uint32(len(payload))) {
		if LessThanEq(end, seq) {
			return false
		}
		payload = payload[:end-seq]
	}
	if t.recvBuf.Add(seq, payload) == 0 {
		return false
	}
	t.RecvNext = t.recvBuf.WriteSeq()
	t.RecvWnd = t.advertisable()
	return true
}

// Send queues data behind any unsent bytes and flushes what the peer's
// window allows. It returns the number of bytes accepted.
func (t *TCB) Send(data []byte) int {
	n := min(len(data), t.sendBuf.Free())
	if n == 0 {
		return 0
	}
	seq := t.sendBuf.WriteSeq()
	t.sendBuf.Add(seq, data[:n])
	if t.rtx.Record(seq, seq+uint32(n), t.now()) {
		t.dead = true
	}
	t.Flush(false)
	return n
}

// Read drains contiguous received bytes into dst and reopens the window.
func (t *TCB) Read(dst []byte) int {
	n := t.recvBuf.Read(dst)
	if n == 0 {
		return 0
	}
	// announce the window once it reopens from below one segment
	if t.RecvWnd < uint32(t.mss) {
		t.needAck = true
	}
	t.RecvWnd = t.advertisable()
	return n
}

// Flush emits segments for unsent data the send window allows. With
// resend set it rewinds to SendUna first and resends the whole window. A
// pending ACK is sent bare when no data segment carried it.
func (t *TCB) Flush(resend bool) {
	now := t.now()
	if resend {
		t.SendNext = t.SendUna
	}
	unsent := t.sendBuf.WriteSeq() - t.SendNext

	var limit uint32
	if wndEnd := t.SendUna + t.SendWnd; LessThan(t.SendNext, wndEnd) {
		limit = wndEnd - t.SendNext
	}
	if t.SendWnd == 0 && unsent > 0 && resend {
		// zero window probe
		limit = 1
	}

	sent := false
	for avail := min(unsent, limit); avail > 0; {
		n := min(avail, uint32(t.mss))
		payload := make([]byte, n)
		t.sendBuf.Peek(t.SendNext, payload)
		t.emit(FlagAck|FlagPsh, payload)
		t.rtx.Transmitted(t.SendNext, t.SendNext+n, now)

		t.SendNext += n
		if LessThan(t.sendMax, t.SendNext) {
			t.sendMax = t.SendNext
		}
		avail -= n
		sent = true
	}
	if t.SendWnd == 0 && unsent > 0 {
		t.rtx.Arm(now)
	}
	if t.needAck && !sent {
		t.emit(FlagAck, nil)
	}
	t.needAck = false
}

func (t *TCB) emit(flags uint8, payload []byte) {
	t.outbox = append(t.outbox, Outbound{
		Seq:     t.SendNext,
		Ack:     t.RecvNext,
		Flags:   flags,
		Wnd:     uint16(t.RecvWnd),
		Payload: payload,
	})
}

// Outbox returns and clears the segments produced since the last call.
func (t *TCB) Outbox() []Outbound {
	out := t.outbox
	t.outbox = nil
	return out
}

// Unsent is the number of queued bytes not yet transmitted.
func (t *TCB) Unsent() int { return int(t.sendBuf.WriteSeq() - t.SendNext) }

// InFlight is the number of transmitted bytes not yet acknowledged.
func (t *TCB) InFlight() int { return int(t.SendNext - t.SendUna) }

func (t *TCB) Buffered() int { return t.recvBuf.ContiguousLen() }

func (t *TCB) SendSpace() int { return t.sendBuf.Free() }

// Dead reports that retransmission gave up on the peer.
func (t *TCB) Dead() bool { return t.dead }

// onTimeout drives the retransmission timer. It reports false when the
// timer has not expired yet.
func (t *TCB) onTimeout(now time.Time) bool {
	if !t.rtx.Expired(now) {
		return false
	}
	if t.SendWnd == 0 && t.Unsent()+t.InFlight() > 0 {
		t.rtx.Probe(now)
	} else if t.rtx.OnTimeout(now) {
		t.dead = true
		return true
	}
	t.Flush(true)
	return true
}
