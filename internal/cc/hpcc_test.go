package cc

import (
	"math"
	"testing"
	"time"

	"github.com/rdmasim/hostengine/internal/qp"
	"github.com/rdmasim/hostengine/internal/simclock"
)

// Constant telemetry reporting utilisation exactly at target_util should
// converge to a fixed point where the per-update rate change is <= rai.
func TestHPCCAggregateConvergence(t *testing.T) {
	t.Parallel()

	const (
		lineRate   = 100e9
		targetUtil = 0.95
		rai        = 5e6
		tauNs      = int64(1e6)
	)

	owner := &qp.QueuePair{Rate: 40e9, MaxRate: lineRate, Win: 1, BaseRTT: 10 * time.Millisecond, Size: 1 << 40}
	h := NewHPCC(owner, simclock.New(), directChanger{}, HPCCConfig{
		TargetUtil: targetUtil,
		RAI:        rai,
		MIThresh:   5,
		MinRate:    1e6,
	})
	owner.CC = h

	// Per-round byte delta chosen so txRate/lineRate == targetUtil exactly
	// with zero queueing (queue term drops out).
	deltaBytes := uint64(targetUtil * lineRate * float64(tauNs) * 1e-9 / 8)

	var ts int64
	var bytes uint64
	ackSeq := uint64(1)

	// Baseline round.
	h.OnAck(AckContext{AckSeq: ackSeq, Int: []HopSample{{TimestampNs: ts, TxBytesCounter: bytes}}})

	var lastRate float64 = owner.Rate
	for round := 0; round < 400; round++ {
		ts += tauNs
		bytes += deltaBytes
		ackSeq++
		h.OnAck(AckContext{AckSeq: ackSeq, Int: []HopSample{{TimestampNs: ts, TxBytesCounter: bytes}}})
	}
	lastRate = owner.Rate

	ts += tauNs
	bytes += deltaBytes
	ackSeq++
	h.OnAck(AckContext{AckSeq: ackSeq, Int: []HopSample{{TimestampNs: ts, TxBytesCounter: bytes}}})

	delta := math.Abs(owner.Rate - lastRate)
	if delta > rai+1 {
		t.Fatalf("expected converged per-update rate change <= rai(%v), got %v (from %v to %v)", rai, delta, lastRate, owner.Rate)
	}
}

func TestHPCCMultipleRateMinAcrossHops(t *testing.T) {
	t.Parallel()

	owner := &qp.QueuePair{Rate: 10e9, MaxRate: 100e9, Win: 1, BaseRTT: 10 * time.Millisecond, Size: 1 << 40}
	h := NewHPCC(owner, simclock.New(), directChanger{}, HPCCConfig{
		TargetUtil:   0.95,
		RAI:          5e6,
		MIThresh:     5,
		MultipleRate: true,
		MinRate:      1e6,
	})
	owner.CC = h

	baseline := []HopSample{
		{TimestampNs: 0, TxBytesCounter: 0, LineRateBps: 100e9},
		{TimestampNs: 0, TxBytesCounter: 0, LineRateBps: 100e9},
	}
	h.OnAck(AckContext{AckSeq: 1, Int: baseline})

	// Hop 0 reports 95% utilisation and hop 1 is nearly idle with zero
	// queue length, which SampleFeedback-under-fast would skip — here we are
	// not fast, so both hops compute an Rc. With an EWMA weight of
	// tau/base_rtt = 0.1 neither hop's u reaches target_util yet, so both
	// take the additive step; the applied rate is the minimum of the two.
	busy := []HopSample{
		{TimestampNs: 1e6, TxBytesCounter: 11_875_000, LineRateBps: 100e9, QueueLenBytes: 500000},
		{TimestampNs: 1e6, TxBytesCounter: 100, LineRateBps: 100e9},
	}
	h.OnAck(AckContext{AckSeq: 2, Int: busy})

	if owner.Rate <= 0 || owner.Rate > owner.MaxRate {
		t.Fatalf("expected a sane clamped rate, got %v", owner.Rate)
	}
	if len(h.hopStates) != 2 {
		t.Fatalf("expected 2 hop states tracked, got %d", len(h.hopStates))
	}
	if want := minFloat(h.hopStates[0].rc, h.hopStates[1].rc); owner.Rate != want {
		t.Fatalf("expected rate = min Rc across hops (%v), got %v", want, owner.Rate)
	}
}

func TestHPCCPintSamplesAndDecodes(t *testing.T) {
	t.Parallel()

	owner := &qp.QueuePair{Rate: 50e9, MaxRate: 100e9, Win: 1, BaseRTT: 10 * time.Millisecond, Size: 1 << 40, SndNxt: 1000}
	h := NewHPCC(owner, simclock.New(), directChanger{}, HPCCConfig{
		TargetUtil:     0.95,
		RAI:            5e6,
		MIThresh:       5,
		MinRate:        1e6,
		Pint:           true,
		PintSmplThresh: 65536, // always sample
	})
	owner.CC = h

	// The first sampled ACK only primes the telemetry baseline.
	before := owner.Rate
	h.OnAck(AckContext{AckSeq: 500, Int: []HopSample{{TimestampNs: 0, TxBytesCounter: 0, LineRateBps: 100e9}}})
	if owner.Rate != before {
		t.Fatalf("expected first sampled ack to be a baseline no-op, rate moved to %v", owner.Rate)
	}

	// A second sample with a real delta drives the quantised rate update.
	h.OnAck(AckContext{AckSeq: 2000, Int: []HopSample{
		{TimestampNs: 1e6, TxBytesCounter: 11_875_000, LineRateBps: 100e9, QueueLenBytes: 500000},
	}})
	if owner.Rate == before {
		t.Fatalf("expected rate to be updated by pint-sampled ack")
	}
}
