package tcpstack

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testRTO = rtoConfig{min: 100 * time.Millisecond, max: 5 * time.Second, maxRetries: 3}

func TestRecordMergesUnsent(t *testing.T) {
	q := newRetransmissionQueue(testRTO)
	now := time.Unix(0, 0)

	q.Record(10, 20, now)
	q.Record(20, 30, now)
	require.Len(t, q.Entries(), 1)
	assert.Equal(t, uint32(30), q.Entries()[0].End)

	q.Transmitted(10, 30, now)
	q.Record(30, 40, now)
	assert.Len(t, q.Entries(), 2, "sent batches are not extended")
}

func TestRecordEvictsExhausted(t *testing.T) {
	q := newRetransmissionQueue(testRTO)
	now := time.Unix(0, 0)
	for i := uint32(0); i < 4; i++ {
		assert.False(t, q.Record(i*10, i*10+10, now))
		q.Transmitted(i*10, i*10+10, now)
	}
	require.Len(t, q.Entries(), testRTO.maxRetries+1)

	// full but the oldest still has retries left: merged into the newest
	assert.False(t, q.Record(40, 50, now))
	assert.Len(t, q.Entries(), 4)

	for i := 0; i < testRTO.maxRetries-1; i++ {
		assert.False(t, q.OnTimeout(now))
	}
	assert.False(t, q.Record(50, 60, now), "retries left until OnTimeout reports death")
	assert.True(t, q.OnTimeout(now))
	assert.True(t, q.Record(60, 70, now), "oldest exhausted, evicted")
	assert.Equal(t, uint32(10), q.Entries()[0].SeqNum)
}

func TestRecordMergeIntoSentRestartsClock(t *testing.T) {
	q := newRetransmissionQueue(testRTO)
	t0 := time.Unix(0, 0)
	for i := uint32(0); i < 4; i++ {
		q.Record(i*10, i*10+10, t0)
		q.Transmitted(i*10, i*10+10, t0)
	}
	t1 := t0.Add(2 * time.Second)
	require.False(t, q.Record(40, 50, t1))
	last := q.Entries()[3]
	assert.Equal(t, uint32(50), last.End)
	assert.Equal(t, t1, last.TSFirst)

	q.SampleRTT(30, t1)
	q.SampleRTT(50, t1.Add(200*time.Millisecond))
	assert.Equal(t, 200*time.Millisecond, q.RTT())
}

func TestSampleRTTSkipsRetransmitted(t *testing.T) {
	q := newRetransmissionQueue(testRTO)
	t0 := time.Unix(100, 0)

	q.Record(0, 10, t0)
	q.Transmitted(0, 10, t0)
	q.SampleRTT(10, t0.Add(300*time.Millisecond))
	assert.Equal(t, 300*time.Millisecond, q.RTT())
	assert.Empty(t, q.Entries())
	assert.True(t, q.Deadline().IsZero(), "idle after everything is acked")

	q.Record(10, 20, t0)
	q.Transmitted(10, 20, t0)
	q.OnTimeout(t0.Add(time.Second))
	q.SampleRTT(20, t0.Add(2*time.Second))
	assert.Equal(t, 300*time.Millisecond, q.RTT(), "ambiguous sample ignored")
}

func TestSampleRTTPartialAck(t *testing.T) {
	q := newRetransmissionQueue(testRTO)
	t0 := time.Unix(0, 0)
	q.Record(0, 100, t0)
	q.Transmitted(0, 100, t0)

	q.SampleRTT(40, t0.Add(time.Millisecond))
	require.Len(t, q.Entries(), 1)
	assert.Equal(t, uint32(40), q.Entries()[0].SeqNum)
	assert.Equal(t, initialRTT, q.RTT(), "no sample until the batch is fully acked")
	assert.False(t, q.Deadline().IsZero())
}

func TestIntervalClampAndBackoff(t *testing.T) {
	q := newRetransmissionQueue(testRTO)
	q.observe(10 * time.Millisecond)
	assert.Equal(t, testRTO.min, q.Interval())

	q.observe(time.Second)
	assert.Equal(t, 2*time.Second, q.Interval())

	now := time.Unix(0, 0)
	q.Probe(now)
	assert.Equal(t, 4*time.Second, q.Interval())
	q.Probe(now)
	assert.Equal(t, testRTO.max, q.Interval())
	assert.Equal(t, now.Add(testRTO.max), q.Deadline())
}

func TestSmoothing(t *testing.T) {
	cfg := testRTO
	cfg.alpha = 0.875
	q := newRetransmissionQueue(cfg)
	q.observe(200 * time.Millisecond)
	// 0.875*1s + 0.125*200ms
	assert.Equal(t, 900*time.Millisecond, q.RTT())
}

func TestOnTimeoutReportsDeath(t *testing.T) {
	q := newRetransmissionQueue(testRTO)
	now := time.Unix(0, 0)
	q.Record(0, 1, now)
	q.Transmitted(0, 1, now)
	assert.False(t, q.Expired(now))
	assert.True(t, q.Expired(now.Add(q.Interval())))

	for i := 0; i < testRTO.maxRetries-1; i++ {
		assert.False(t, q.OnTimeout(now))
	}
	assert.True(t, q.OnTimeout(now))
}
