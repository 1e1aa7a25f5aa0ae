package tcpstack

import (
	"runtime/debug"
	"time"
	"weak"
)

const minTimerWait = time.Millisecond

// runTimer drives retransmission for one connection. It only holds a weak
// pointer between wakeups, so it never keeps the connection alive, and it
// exits on the first wakeup after the connection closes or is collected.
func runTimer(p weak.Pointer[connection]) {
	wait, ok := timerWait(p)
	for ok {
		time.Sleep(wait)
		wait, ok = timerFire(p)
	}
}

func timerWait(p weak.Pointer[connection]) (time.Duration, bool) {
	c := p.Value()
	if c == nil {
		return 0, false
	}
	return c.nextWake()
}

func timerFire(p weak.Pointer[connection]) (wait time.Duration, ok bool) {
	c := p.Value()
	if c == nil {
		return 0, false
	}
	defer func() {
		if r := recover(); r != nil {
			c.log.WithField("panic", r).Errorf("timer panicked, stopping\n%s", debug.Stack())
			wait, ok = 0, false
		}
	}()
	c.onTimer(c.stack.now())
	return c.nextWake()
}

func (c *connection) onTimer(now time.Time) {
	c.transition(func(s connState) connState { return s.onTimer(c, now) })
}

// nextWake is how long the timer should sleep. A connection with nothing
// in flight is polled once per retransmission interval.
func (c *connection) nextWake() (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var rtx *RetransmissionQueue
	switch st := c.state.(type) {
	case handshakingState:
		rtx = st.rtx
	case establishedState:
		rtx = st.tcb.rtx
	default:
		return 0, false
	}
	deadline := rtx.Deadline()
	if deadline.IsZero() {
		return rtx.Interval(), true
	}
	return max(deadline.Sub(c.stack.now()), minTimerWait), true
}
