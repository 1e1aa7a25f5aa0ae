// Package tcpstack is a TCP engine over a virtual IP layer: segment codec,
// sequence arithmetic, reassembly buffers, retransmission, the connection
// state machine and the tables that route inbound segments.
package tcpstack

import (
	"math"
	"math/rand/v2"
	"net/netip"
	"runtime/debug"
	"sort"
	"time"
	"weak"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"iptcp/pkg/ipv4header"
	"iptcp/pkg/logging"
)

const (
	DefaultProtocol   uint8 = 6
	DefaultBufferSize       = math.MaxUint16
	// DefaultMSS fills a 1400 byte link frame after IP and TCP headers.
	DefaultMSS = 1400 - ipv4header.HeaderLen - 20

	ephemeralLow  = 49152
	ephemeralHigh = 65535
	ephemeralTry  = 64
)

// IPLayer is what the engine needs from the network layer.
type IPLayer interface {
	SendIP(payload []byte, src, dst netip.Addr, protocol uint8) error
	SourceAddr(dst netip.Addr) (netip.Addr, error)
}

type config struct {
	protocol   uint8
	bufferSize int
	mss        int
	rto        rtoConfig
	isn        ISNFunc
	now        func() time.Time
}

type Option func(*config)

// WithProtocol sets the IP protocol number segments are sent and
// registered under.
func WithProtocol(p uint8) Option { return func(c *config) { c.protocol = p } }

// WithBufferSize sets the size of each send and receive buffer. Values
// below one keep the default.
func WithBufferSize(n int) Option { return func(c *config) { c.bufferSize = n } }

// WithMSS caps segment payloads. Values below one keep the default.
func WithMSS(n int) Option { return func(c *config) { c.mss = n } }

// WithRTO bounds the retransmission timeout.
func WithRTO(lo, hi time.Duration) Option {
	return func(c *config) { c.rto.min, c.rto.max = lo, hi }
}

func WithMaxRetries(n int) Option { return func(c *config) { c.rto.maxRetries = n } }

// WithRTTAlpha enables exponential smoothing of RTT samples. Zero keeps
// only the latest sample.
func WithRTTAlpha(a float64) Option { return func(c *config) { c.rto.alpha = a } }

func WithISNFunc(f ISNFunc) Option { return func(c *config) { c.isn = f } }

func WithClock(now func() time.Time) Option { return func(c *config) { c.now = now } }

type Stack struct {
	ip    IPLayer
	cfg   config
	ports *portTable
	log   *logrus.Entry
}

func New(ip IPLayer, opts ...Option) *Stack {
	cfg := config{
		protocol:   DefaultProtocol,
		bufferSize: DefaultBufferSize,
		mss:        DefaultMSS,
		rto: rtoConfig{
			min:        DefaultRTOMin,
			max:        DefaultRTOMax,
			maxRetries: DefaultMaxRetries,
		},
		now: time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.bufferSize <= 0 {
		cfg.bufferSize = DefaultBufferSize
	}
	if cfg.mss <= 0 {
		cfg.mss = DefaultMSS
	}
	if cfg.isn == nil {
		cfg.isn = NewISNGenerator()
	}
	return &Stack{
		ip:    ip,
		cfg:   cfg,
		ports: newPortTable(),
		log:   logging.Component("tcp"),
	}
}

func (s *Stack) Protocol() uint8 { return s.cfg.protocol }

func (s *Stack) now() time.Time { return s.cfg.now() }

func (s *Stack) initialWindow() uint16 {
	return uint16(min(s.cfg.bufferSize, math.MaxUint16))
}

func (s *Stack) tcbConfig() tcbConfig {
	return tcbConfig{bufferSize: s.cfg.bufferSize, mss: s.cfg.mss, now: s.cfg.now}
}

func (s *Stack) newConnection(us, them Endpoint, st connState) *connection {
	return &connection{
		stack: s,
		us:    us,
		them:  them,
		state: st,
		log:   s.log.WithFields(logrus.Fields{"us": us, "them": them}),
	}
}

// HandlePacket is the IP protocol handler for TCP.
func (s *Stack) HandlePacket(pkt *ipv4header.Packet) {
	s.Deliver(pkt.Header.Src, pkt.Header.Dst, pkt.Body)
}

// Deliver routes one segment carried from src to dst. Invalid segments
// are dropped silently.
func (s *Stack) Deliver(src, dst netip.Addr, payload []byte) {
	seg, err := ParseSegment(src, dst, s.cfg.protocol, payload)
	if err != nil {
		s.log.WithFields(logrus.Fields{"src": src, "dst": dst, "reason": err}).Debug("dropping segment")
		return
	}
	us, them := seg.Destination(), seg.Source()

	p := s.ports.get(us.Port)
	if p == nil {
		s.log.WithField("seg", seg).Debug("no such port")
		return
	}
	if c := p.lookup(them); c != nil {
		if c.us.Addr != us.Addr {
			s.log.WithError(ErrRouteBrokeConnection).WithFields(logrus.Fields{"want": c.us.Addr, "got": us.Addr}).Warn("dropping segment")
			return
		}
		c.handle(seg)
		return
	}
	if l := p.currentListener(); l != nil {
		l.onSegment(s, p, seg)
		return
	}
	s.log.WithField("seg", seg).Debug("no connection or listener")
}

// ActiveOpen connects to them. A zero localPort picks an ephemeral port.
// The SYN is sent before ActiveOpen returns.
func (s *Stack) ActiveOpen(localPort uint16, them Endpoint, h Handler) (ConnRef, error) {
	if !them.Addr.Is4() {
		return ConnRef{}, errors.Errorf("tcp: %s is not an IPv4 address", them.Addr)
	}
	src, err := s.ip.SourceAddr(them.Addr)
	if err != nil {
		return ConnRef{}, &ExternalError{Err: err}
	}

	ports := []uint16{localPort}
	if localPort == 0 {
		ports = ports[:0]
		for range ephemeralTry {
			ports = append(ports, uint16(ephemeralLow+rand.IntN(ephemeralHigh-ephemeralLow+1)))
		}
	}
	for _, port := range ports {
		us := Endpoint{Addr: src, Port: port}
		hs := handshakingState{
			wantAck: true,
			ourISN:  s.cfg.isn(us, them),
			handler: h,
			rtx:     newRetransmissionQueue(s.cfg.rto),
		}
		ref, err := s.open(s.ports.getOrInit(port), us, them, hs)
		if errors.Is(err, ErrPortOrTripleReserved) && localPort == 0 {
			continue
		}
		return ref, err
	}
	return ConnRef{}, ErrNoEphemeralPort
}

func (s *Stack) passiveOpen(p *perPort, us, them Endpoint, syn *Segment, h Handler) (ConnRef, error) {
	hs := handshakingState{
		wantAck:  true,
		oweAck:   true,
		synSeen:  true,
		ourISN:   s.cfg.isn(us, them),
		theirISN: syn.Seq(),
		theirWnd: syn.Window(),
		handler:  h,
		rtx:      newRetransmissionQueue(s.cfg.rto),
	}
	return s.open(p, us, them, hs)
}

// open publishes a new handshaking connection and sends its first segment.
func (s *Stack) open(p *perPort, us, them Endpoint, hs handshakingState) (ConnRef, error) {
	c := s.newConnection(us, them, nil)
	c.state = hs.open(c)
	out := c.out
	c.out = nil

	if err := p.reserve(them, c); err != nil {
		return ConnRef{}, err
	}
	if err := s.transmit(us, them, out); err != nil {
		s.evict(c)
		return ConnRef{}, err
	}
	c.log.Debug("handshake started")
	go runTimer(weak.Make(c))
	return c.ref(), nil
}

// PassiveOpen listens on port.
func (s *Stack) PassiveOpen(port uint16, accept AcceptFunc) (PortRef, error) {
	l := &listener{port: port, accept: accept}
	if err := s.ports.getOrInit(port).setListener(l); err != nil {
		return PortRef{}, err
	}
	s.log.WithField("port", port).Info("listening")
	return PortRef{stack: s, l: l}, nil
}

func (s *Stack) callAccept(accept AcceptFunc, us, them Endpoint, open func(Handler) (ConnRef, error)) (keep bool) {
	defer func() {
		if r := recover(); r != nil {
			s.log.WithField("panic", r).Errorf("accept callback panicked\n%s", debug.Stack())
			keep = true
		}
	}()
	return accept(us, them, open)
}

// transmit sends segments in order and returns the first IP error. Later
// segments are still attempted.
func (s *Stack) transmit(us, them Endpoint, out []Outbound) error {
	var first error
	for _, o := range out {
		seg := BuildSegment(us, them, s.cfg.protocol, o)
		if err := s.ip.SendIP(seg.Bytes(), us.Addr, them.Addr, s.cfg.protocol); err != nil {
			s.log.WithError(err).WithField("seg", seg).Debug("send failed")
			if first == nil {
				first = &ExternalError{Err: err}
			}
		}
	}
	return first
}

func (s *Stack) evict(c *connection) {
	if p := s.ports.get(c.us.Port); p != nil {
		p.evict(c.them, c)
	}
}

// ConnInfo describes one table entry.
type ConnInfo struct {
	Us, Them Endpoint
	State    State
	Ref      ConnRef
}

// Conns returns listeners and connections ordered by local port.
func (s *Stack) Conns() []ConnInfo {
	var out []ConnInfo
	for _, p := range s.ports.snapshot() {
		p.mu.RLock()
		if p.listener != nil {
			out = append(out, ConnInfo{Us: Endpoint{Port: p.port}, State: StateListen})
		}
		conns := make([]*connection, 0, len(p.conns))
		for _, c := range p.conns {
			conns = append(conns, c)
		}
		p.mu.RUnlock()

		for _, c := range conns {
			c.mu.Lock()
			st := c.state.state()
			c.mu.Unlock()
			out = append(out, ConnInfo{Us: c.us, Them: c.them, State: st, Ref: c.ref()})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Us.Port != out[j].Us.Port {
			return out[i].Us.Port < out[j].Us.Port
		}
		if li, lj := out[i].State == StateListen, out[j].State == StateListen; li != lj {
			return li
		}
		return out[i].Them.String() < out[j].Them.String()
	})
	return out
}
