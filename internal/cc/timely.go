package cc

import (
	"time"

	"github.com/rdmasim/hostengine/internal/qp"
	"github.com/rdmasim/hostengine/internal/simclock"
)

// TimelyConfig holds the TIMELY tunables: the RTT-gradient EWMA weight
// Alpha, the decrease weight Beta, the TLow/THigh thresholds, the
// baseline MinRTT, and the shared rai/rhai/min_rate knobs.
type TimelyConfig struct {
	Alpha  float64
	Beta   float64
	TLow   time.Duration
	THigh  time.Duration
	MinRTT time.Duration
	RAI    float64
	RHAI   float64
	MinRate float64

	// FastReact re-runs the rate computation on ACKs that do not advance
	// past last_update_seq, without persisting rtt_diff/last_rtt/inc_stage.
	FastReact bool
}

// Timely adjusts rate from the RTT gradient: below TLow always increase,
// above THigh always decrease, in between follow the gradient's sign.
type Timely struct {
	cfg     TimelyConfig
	owner   *qp.QueuePair
	changer RateChanger

	lastRTT       time.Duration
	rttDiff       time.Duration
	incStage      int
	curRate       float64
	lastUpdateSeq uint64
	haveBaseline  bool
}

// NewTimely constructs TIMELY substate for a freshly-added QueuePair.
func NewTimely(owner *qp.QueuePair, _ simclock.Clock, changer RateChanger, cfg TimelyConfig) *Timely {
	return &Timely{cfg: cfg, owner: owner, changer: changer, curRate: owner.Rate}
}

func (t *Timely) Mode() qp.CCMode { return qp.CCModeTimely }

// Cancel is a no-op: TIMELY has no self-rescheduling timers, it only
// reacts to ACKs.
func (t *Timely) Cancel() {}

// OnAck applies the RTT-gradient decision and rate update.
// sendTimestampNs is the send timestamp echoed back by the ACK, so
// rtt = now - sendTimestampNs.
func (t *Timely) OnAck(ctx AckContext, sendTimestampNs int64) {
	fast := t.haveBaseline && ctx.AckSeq <= t.lastUpdateSeq
	if fast && !t.cfg.FastReact {
		return
	}

	rtt := ctx.Now - time.Duration(sendTimestampNs)

	if !t.haveBaseline {
		t.lastRTT = rtt
		t.haveBaseline = true
		t.lastUpdateSeq = ctx.AckSeq
		return
	}

	rttDiff := time.Duration(float64(t.rttDiff)*(1-t.cfg.Alpha) + float64(rtt-t.lastRTT)*t.cfg.Alpha)
	gradient := float64(rttDiff) / float64(t.cfg.MinRTT)

	var increase bool
	var decreaseFactor float64
	switch {
	case rtt < t.cfg.TLow:
		increase = true
	case rtt > t.cfg.THigh:
		increase = false
		decreaseFactor = 1 - t.cfg.Beta*(1-float64(t.cfg.THigh)/float64(rtt))
	case gradient <= 0:
		increase = true
	default:
		increase = false
		decreaseFactor = 1 - t.cfg.Beta*gradient
		if decreaseFactor < 0 {
			decreaseFactor = 0
		}
	}

	var newRate float64
	if increase {
		step := t.cfg.RAI
		if t.incStage >= 5 {
			step = t.cfg.RHAI
		}
		newRate = clampHigh(t.curRate+step, t.owner.MaxRate)
		if !fast {
			t.incStage++
		}
	} else {
		newRate = t.curRate * decreaseFactor
		if newRate < t.cfg.MinRate {
			newRate = t.cfg.MinRate
		}
		t.incStage = 0
	}

	t.changer.ChangeRate(t.owner, newRate)

	if !fast {
		t.curRate = newRate
		t.rttDiff = rttDiff
		t.lastRTT = rtt
		if ctx.AckSeq > t.lastUpdateSeq {
			t.lastUpdateSeq = ctx.AckSeq
		}
	}
}

// IncStage exposes the current increase-stage counter for tests.
func (t *Timely) IncStage() int { return t.incStage }
