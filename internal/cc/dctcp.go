package cc

import (
	"github.com/rdmasim/hostengine/internal/qp"
	"github.com/rdmasim/hostengine/internal/simclock"
)

// CAState mirrors TCP's congestion-avoidance state: open, or
// congestion-window-reduced after reacting to a mark.
type CAState int

const (
	CAOpen CAState = 0
	CACWR  CAState = 1
)

// DCTCPConfig holds the additive-increase step, the ECN-batching weight G,
// and the shared min rate and MTU needed for batch sizing.
type DCTCPConfig struct {
	G        float64
	DctcpRAI float64
	MinRate  float64
	MTU      int
}

// DCTCP estimates the ECN-marking fraction per RTT-sized batch of ACKs
// and cuts rate proportionally, with one cut per congestion window.
type DCTCP struct {
	cfg     DCTCPConfig
	owner   *qp.QueuePair
	changer RateChanger

	alpha            float64
	ecnCnt           uint64
	batchSizeOfAlpha uint64
	lastUpdateSeq    uint64
	state            CAState
	highSeq          uint64
}

// NewDCTCP constructs DCTCP substate for a freshly-added QueuePair.
func NewDCTCP(owner *qp.QueuePair, _ simclock.Clock, changer RateChanger, cfg DCTCPConfig) *DCTCP {
	batch := uint64(1)
	if cfg.MTU > 0 {
		batch = uint64(owner.Size/uint64(cfg.MTU)) + 1
	}
	return &DCTCP{cfg: cfg, owner: owner, changer: changer, batchSizeOfAlpha: batch, state: CAOpen}
}

func (d *DCTCP) Mode() qp.CCMode { return qp.CCModeDCTCP }

// Cancel is a no-op: DCTCP has no self-rescheduling timers.
func (d *DCTCP) Cancel() {}

// OnAck runs the per-ACK batching, CWR entry/exit and additive increase.
func (d *DCTCP) OnAck(ackSeq uint64, ecnEcho bool) {
	if ecnEcho {
		d.ecnCnt++
	}

	newBatch := ackSeq > d.lastUpdateSeq
	if newBatch {
		frac := 1.0
		if d.batchSizeOfAlpha > 0 {
			frac = float64(d.ecnCnt) / float64(d.batchSizeOfAlpha)
		}
		if frac > 1 {
			frac = 1
		}
		d.alpha = (1-d.cfg.G)*d.alpha + d.cfg.G*frac
		d.ecnCnt = 0
		if d.cfg.MTU > 0 {
			d.batchSizeOfAlpha = (d.owner.SndNxt-ackSeq)/uint64(d.cfg.MTU) + 1
		}
		// The next batch ends once the data outstanding right now has been
		// acknowledged, not on the next ACK.
		d.lastUpdateSeq = d.owner.SndNxt
	}

	if ecnEcho && d.state == CAOpen {
		newRate := d.owner.Rate * (1 - d.alpha/2)
		if newRate < d.cfg.MinRate {
			newRate = d.cfg.MinRate
		}
		d.changer.ChangeRate(d.owner, newRate)
		d.state = CACWR
		d.highSeq = d.owner.SndNxt
	}

	if d.state == CACWR && ackSeq > d.highSeq {
		d.state = CAOpen
	}

	if newBatch && d.state == CAOpen {
		newRate := clampHigh(d.owner.Rate+d.cfg.DctcpRAI, d.owner.MaxRate)
		d.changer.ChangeRate(d.owner, newRate)
	}
}

// Alpha exposes the current ECN-marking fraction estimate for tests.
func (d *DCTCP) Alpha() float64 { return d.alpha }

// State exposes the current CA state for tests.
func (d *DCTCP) State() CAState { return d.state }
