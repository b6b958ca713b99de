package cc

import (
	"testing"

	"github.com/rdmasim/hostengine/internal/qp"
)

func newTestDCTCP(owner *qp.QueuePair) *DCTCP {
	return NewDCTCP(owner, nil, directChanger{}, DCTCPConfig{
		G:        1.0 / 16,
		DctcpRAI: 5e6,
		MinRate:  1e6,
		MTU:      1000,
	})
}

func TestDCTCPCnpEntersCWRAndCutsRate(t *testing.T) {
	t.Parallel()

	owner := newTestQP(100e9)
	owner.SndNxt = 50000
	d := newTestDCTCP(owner)
	owner.CC = d

	before := owner.Rate
	d.OnAck(1000, true)

	if d.State() != CACWR {
		t.Fatalf("expected CWR state after CNP in open state, got %v", d.State())
	}
	if owner.Rate >= before {
		t.Fatalf("expected rate cut on CNP, got %v from %v", owner.Rate, before)
	}
	if d.highSeq != owner.SndNxt {
		t.Fatalf("expected high_seq recorded at snd_nxt=%d, got %d", owner.SndNxt, d.highSeq)
	}

	// A second CNP inside the same window must not cut again.
	inCWR := owner.Rate
	d.OnAck(2000, true)
	if d.State() != CACWR {
		t.Fatalf("expected to remain in CWR before high_seq is acked")
	}
	if owner.Rate < inCWR-1 {
		t.Fatalf("expected no second multiplicative cut inside CWR, got %v from %v", owner.Rate, inCWR)
	}
}

func TestDCTCPExitsCWRPastHighSeq(t *testing.T) {
	t.Parallel()

	owner := newTestQP(100e9)
	owner.SndNxt = 50000
	d := newTestDCTCP(owner)
	owner.CC = d

	d.OnAck(1000, true)
	if d.State() != CACWR {
		t.Fatalf("expected CWR after CNP")
	}

	// More data goes out, then an ack past the recorded high_seq arrives.
	owner.SndNxt = 60000
	d.OnAck(51000, false)
	if d.State() != CAOpen {
		t.Fatalf("expected open state once ack_seq passes high_seq")
	}
}

func TestDCTCPAlphaTracksMarkingFraction(t *testing.T) {
	t.Parallel()

	owner := newTestQP(100e9)
	owner.SndNxt = 1 << 20
	d := newTestDCTCP(owner)
	owner.CC = d

	if d.Alpha() != 0 {
		t.Fatalf("expected alpha to start at 0, got %v", d.Alpha())
	}

	// A marked batch pushes alpha up; its boundary is the send cursor at
	// batch end, so the window outstanding now must drain first.
	d.OnAck(1000, true)
	afterMarked := d.Alpha()
	if afterMarked <= 0 {
		t.Fatalf("expected alpha > 0 after a marked batch, got %v", afterMarked)
	}
	boundary := owner.SndNxt

	// ACKs inside the outstanding window accumulate marks without ending
	// the batch.
	d.OnAck(500000, false)
	if d.Alpha() != afterMarked {
		t.Fatalf("mid-window ack must not end the batch, alpha moved to %v", d.Alpha())
	}

	// More data goes out; acking past the recorded boundary ends the batch
	// and an unmarked one decays alpha.
	owner.SndNxt = 2 << 20
	d.OnAck(boundary+1000, false)
	if d.Alpha() >= afterMarked {
		t.Fatalf("expected alpha to decay on an unmarked batch, got %v from %v", d.Alpha(), afterMarked)
	}
}

func TestDCTCPAdditiveIncreaseInOpenState(t *testing.T) {
	t.Parallel()

	owner := newTestQP(100e9)
	owner.Rate = 10e9
	owner.SndNxt = 1 << 20
	d := newTestDCTCP(owner)
	owner.CC = d

	before := owner.Rate
	d.OnAck(1000, false)
	if got, want := owner.Rate, before+5e6; got != want {
		t.Fatalf("expected additive increase to %v on a clean new batch, got %v", want, got)
	}
}
