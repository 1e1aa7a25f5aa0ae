package tcpstack

// AcceptFunc is asked about every SYN arriving on a listening port. Calling
// open with a handler commits the connection; not calling it declines the
// peer. Returning false stops listening.
type AcceptFunc func(us, them Endpoint, open func(Handler) (ConnRef, error)) bool

type listener struct {
	port   uint16
	accept AcceptFunc
}

// PortRef refers to a listening port.
type PortRef struct {
	stack *Stack
	l     *listener
}

func (r PortRef) Port() uint16 { return r.l.port }

// Listening reports whether the listener is still installed.
func (r PortRef) Listening() bool {
	p := r.stack.ports.get(r.l.port)
	return p != nil && p.currentListener() == r.l
}

// Close stops accepting new connections. Established connections are not
// affected.
func (r PortRef) Close() {
	if p := r.stack.ports.get(r.l.port); p != nil && p.clearListener(r.l) {
		r.stack.log.WithField("port", r.l.port).Info("stopped listening")
	}
}

// onSegment handles a segment for which no connection exists. Only a bare
// SYN is considered; the application decides before any state is created.
func (l *listener) onSegment(s *Stack, p *perPort, seg *Segment) {
	if seg.Flags()&(FlagSyn|FlagAck|FlagRst|FlagFin) != FlagSyn || len(seg.Payload()) > 0 {
		s.log.WithField("seg", seg).Debug("listener dropping non-SYN")
		return
	}
	us, them := seg.Destination(), seg.Source()
	keep := s.callAccept(l.accept, us, them, func(h Handler) (ConnRef, error) {
		return s.passiveOpen(p, us, them, seg, h)
	})
	if !keep && p.clearListener(l) {
		s.log.WithField("port", l.port).Info("listener closed by accept callback")
	}
}
