package tcpstack

import (
	"time"

	"github.com/sirupsen/logrus"
)

// handshakingState tracks the three-way handshake. wantAck is set until
// the peer acknowledges our SYN; oweAck is set while we owe an ACK for
// theirs.
type handshakingState struct {
	wantAck bool
	oweAck  bool
	synSeen bool

	ourISN   uint32
	theirISN uint32
	theirWnd uint16

	handler Handler
	rtx     *RetransmissionQueue
}

func (handshakingState) state() State { return StateHandshaking }

// open sends our SYN (SYN-ACK on the passive side) and arms the timer.
func (h handshakingState) open(c *connection) handshakingState {
	now := c.stack.now()
	h.rtx.Record(h.ourISN, h.ourISN+1, now)
	h.send(c, FlagSyn)
	h.rtx.Transmitted(h.ourISN, h.ourISN+1, now)
	h.oweAck = false
	return h
}

func (h handshakingState) send(c *connection, flags uint8) {
	o := Outbound{Seq: h.ourISN, Flags: flags, Wnd: c.stack.initialWindow()}
	if flags&FlagSyn == 0 {
		o.Seq++
	}
	if h.synSeen {
		o.Flags |= FlagAck
		o.Ack = h.theirISN + 1
	}
	c.queue(o)
}

func (h handshakingState) onSegment(c *connection, seg *Segment) connState {
	log := c.log.WithField("seg", seg)
	if seg.Has(FlagRst) {
		log.Info("handshake reset by peer")
		return closedState{}
	}
	ack, hasAck := seg.Ack()
	hasSyn := seg.Has(FlagSyn)
	if !hasAck && !hasSyn {
		log.WithError(ErrBadHandshake).Debug("segment without SYN or ACK")
		return closedState{}
	}

	if hasAck {
		if ack != h.ourISN+1 {
			log.WithError(ErrBadHandshake).WithField("want", h.ourISN+1).Debug("unexpected ACK")
			return closedState{}
		}
		if h.wantAck {
			h.rtx.SampleRTT(ack, c.stack.now())
		}
		h.wantAck = false
		h.theirWnd = seg.Window()
	}
	if hasSyn {
		if h.synSeen && seg.Seq() != h.theirISN {
			log.WithError(ErrBadHandshake).Debug("SYN with a different ISN")
			return closedState{}
		}
		h.oweAck = true
		h.synSeen = true
		h.theirISN = seg.Seq()
		h.theirWnd = seg.Window()
	}

	switch {
	case h.wantAck && h.oweAck:
		h.send(c, FlagSyn)
		h.oweAck = false
	case h.oweAck:
		h.send(c, 0)
		h.oweAck = false
	}

	if h.wantAck || !h.synSeen {
		return h
	}
	return h.establish(c, seg)
}

func (h handshakingState) establish(c *connection, seg *Segment) connState {
	tcb := newTCB(h.ourISN, h.theirISN, h.theirWnd, c.stack.tcbConfig(), h.rtx)
	c.log.WithFields(logrus.Fields{
		"isn":  h.ourISN,
		"peer": h.theirISN,
		"rtt":  h.rtx.RTT(),
		"wnd":  h.theirWnd,
	}).Info("connection established")

	e := establishedState{tcb: tcb, handler: h.handler}
	e.dispatch(c, CanWrite)
	if len(seg.Payload()) == 0 {
		return e.settle(c)
	}
	return e.onSegment(c, seg)
}

// onTimer resends our SYN until it is acknowledged.
func (h handshakingState) onTimer(c *connection, now time.Time) connState {
	if !h.rtx.Expired(now) {
		return h
	}
	if h.rtx.OnTimeout(now) {
		c.log.WithError(ErrBadHandshake).Warn("handshake timed out")
		return closedState{}
	}
	if h.wantAck {
		c.log.WithField("rto", h.rtx.Interval()).Debug("resending SYN")
		h.send(c, FlagSyn)
	}
	return h
}
