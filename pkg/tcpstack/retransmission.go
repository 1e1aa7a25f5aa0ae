package tcpstack

import (
	"time"
)

const (
	DefaultMaxRetries = 5
	DefaultRTOMin     = 100 * time.Millisecond
	DefaultRTOMax     = 5 * time.Second

	initialRTT = 1 * time.Second
	rtoBeta    = 2.0
	maxBackoff = 6
)

// RetransmissionEntry describes one batch of data handed to Send.
// NumTries is zero until the batch has been transmitted once.
type RetransmissionEntry struct {
	SeqNum   uint32
	End      uint32
	NumTries int
	TSFirst  time.Time
	TSLast   time.Time
}

type rtoConfig struct {
	min, max   time.Duration
	alpha      float64
	maxRetries int
}

// RetransmissionQueue tracks in-flight data, estimates the round trip time
// and decides when the window must be resent. It is not safe for
// concurrent use; the owning connection's lock guards it.
type RetransmissionQueue struct {
	entries []RetransmissionEntry
	cfg     rtoConfig

	srtt     time.Duration
	backoff  uint
	deadline time.Time
}

func newRetransmissionQueue(cfg rtoConfig) *RetransmissionQueue {
	return &RetransmissionQueue{
		entries: make([]RetransmissionEntry, 0, cfg.maxRetries+1),
		cfg:     cfg,
		srtt:    initialRTT,
	}
}

// Record registers [seq, end) as new data awaiting transmission. When the
// queue is full and its oldest entry has used up its retries, that entry
// is evicted and Record reports true: the peer is presumed dead.
func (q *RetransmissionQueue) Record(seq, end uint32, now time.Time) (evicted bool) {
	if n := len(q.entries); n > 0 {
		last := &q.entries[n-1]
		if last.NumTries == 0 && last.End == seq {
			last.End = end
			return false
		}
	}
	if len(q.entries) == q.cfg.maxRetries+1 {
		if !q.exhausted(q.entries[0]) {
			last := &q.entries[len(q.entries)-1]
			last.End = end
			// the merged bytes have not been sent yet
			last.TSFirst = now
			return false
		}
		q.entries = append(q.entries[:0], q.entries[1:]...)
		evicted = true
	}
	q.entries = append(q.entries, RetransmissionEntry{SeqNum: seq, End: end, TSFirst: now, TSLast: now})
	return evicted
}

// Transmitted marks entries overlapping [from, to) as sent for the first
// time and arms the timer.
func (q *RetransmissionQueue) Transmitted(from, to uint32, now time.Time) {
	for i := range q.entries {
		e := &q.entries[i]
		if e.NumTries != 0 || !LessThan(from, e.End) || !LessThan(e.SeqNum, to) {
			continue
		}
		e.NumTries = 1
		e.TSFirst = now
		e.TSLast = now
	}
	q.Arm(now)
}

// SampleRTT processes a cumulative acknowledgement. The oldest entry yields
// an RTT sample only if it was never retransmitted.
func (q *RetransmissionQueue) SampleRTT(ack uint32, now time.Time) {
	if len(q.entries) == 0 {
		return
	}
	if oldest := q.entries[0]; oldest.NumTries == 1 && LessThanEq(oldest.End, ack) {
		q.observe(now.Sub(oldest.TSFirst))
	}

	drop := 0
	for drop < len(q.entries) && LessThanEq(q.entries[drop].End, ack) {
		drop++
	}
	q.entries = append(q.entries[:0], q.entries[drop:]...)
	if len(q.entries) > 0 && LessThan(q.entries[0].SeqNum, ack) {
		q.entries[0].SeqNum = ack
	}

	q.backoff = 0
	q.deadline = time.Time{}
	if q.Outstanding() {
		q.deadline = now.Add(q.Interval())
	}
}

// observe folds a sample into the estimate. With alpha zero the estimate
// is simply the latest sample.
func (q *RetransmissionQueue) observe(sample time.Duration) {
	q.srtt = time.Duration(q.cfg.alpha*float64(q.srtt) + (1-q.cfg.alpha)*float64(sample))
}

// Interval is the current retransmission timeout including backoff.
func (q *RetransmissionQueue) Interval() time.Duration {
	rto := time.Duration(rtoBeta * float64(q.srtt))
	rto = min(max(rto, q.cfg.min), q.cfg.max)
	return min(rto<<q.backoff, q.cfg.max)
}

func (q *RetransmissionQueue) RTT() time.Duration { return q.srtt }

// Outstanding reports whether any transmitted data is unacknowledged.
func (q *RetransmissionQueue) Outstanding() bool {
	for _, e := range q.entries {
		if e.NumTries > 0 {
			return true
		}
	}
	return false
}

func (q *RetransmissionQueue) Entries() []RetransmissionEntry {
	return append([]RetransmissionEntry(nil), q.entries...)
}

// Arm starts the timer if it is not already running.
func (q *RetransmissionQueue) Arm(now time.Time) {
	if q.deadline.IsZero() {
		q.deadline = now.Add(q.Interval())
	}
}

// Deadline is when the timer fires next; zero when idle.
func (q *RetransmissionQueue) Deadline() time.Time { return q.deadline }

func (q *RetransmissionQueue) Expired(now time.Time) bool {
	return !q.deadline.IsZero() && !now.Before(q.deadline)
}

// OnTimeout counts a retry for every transmitted entry, backs the timer
// off and reports whether the oldest entry has exceeded its retries.
func (q *RetransmissionQueue) OnTimeout(now time.Time) (dead bool) {
	for i := range q.entries {
		e := &q.entries[i]
		if e.NumTries > 0 {
			e.NumTries++
			e.TSLast = now
		}
	}
	q.bump(now)
	return len(q.entries) > 0 && q.exhausted(q.entries[0])
}

// exhausted reports whether e has been retransmitted maxRetries times.
func (q *RetransmissionQueue) exhausted(e RetransmissionEntry) bool {
	return e.NumTries > q.cfg.maxRetries
}

// Probe re-arms the timer for a zero window probe without counting a
// retry.
func (q *RetransmissionQueue) Probe(now time.Time) {
	q.bump(now)
}

func (q *RetransmissionQueue) bump(now time.Time) {
	if q.backoff < maxBackoff {
		q.backoff++
	}
	q.deadline = now.Add(q.Interval())
}
