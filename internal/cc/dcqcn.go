package cc

import (
	"time"

	"github.com/rdmasim/hostengine/internal/qp"
	"github.com/rdmasim/hostengine/internal/simclock"
)

// DCQCNConfig holds the DCQCN tunables.
type DCQCNConfig struct {
	G                    float64
	RateOnFirstCNP       float64
	ClampTargetRate      bool
	RPTimerInterval      time.Duration
	RateDecreaseInterval time.Duration
	RPGThreshold         int // fast-recovery rounds before active increase
	AlphaResumeInterval  time.Duration
	RAI, RHAI            float64
	MinRate              float64
}

// DCQCN is the Mellanox-style ECN-reaction state machine: alpha tracks
// the marking rate, a decrease timer cuts on CNP arrival, and a staged
// increase timer recovers through fast-recovery, active and hyper phases.
type DCQCN struct {
	cfg     DCQCNConfig
	owner   *qp.QueuePair
	clock   simclock.Clock
	changer RateChanger

	alpha       float64
	targetRate  float64
	rpTimeStage int

	firstCNP           bool
	alphaCnpArrived    bool
	decreaseCnpArrived bool

	updateAlphaID   simclock.EventID
	decreaseRateID  simclock.EventID
	rpTimerID       simclock.EventID
	haveUpdateAlpha bool
	haveDecrease    bool
	haveRPTimer     bool
}

// NewDCQCN constructs the DCQCN substate for a freshly-added QueuePair. The
// caller (the engine) is responsible for setting owner.CC = this value.
func NewDCQCN(owner *qp.QueuePair, clock simclock.Clock, changer RateChanger, cfg DCQCNConfig) *DCQCN {
	return &DCQCN{
		cfg:     cfg,
		owner:   owner,
		clock:   clockOrReal(clock),
		changer: changer,
		alpha:   1,
		firstCNP: true,
	}
}

func (d *DCQCN) Mode() qp.CCMode { return qp.CCModeDCQCN }

// Cancel stops all three DCQCN timers. Must run before the owning
// QueuePair is destroyed.
func (d *DCQCN) Cancel() {
	if d.haveUpdateAlpha {
		d.clock.Cancel(d.updateAlphaID)
		d.haveUpdateAlpha = false
	}
	if d.haveDecrease {
		d.clock.Cancel(d.decreaseRateID)
		d.haveDecrease = false
	}
	if d.haveRPTimer {
		d.clock.Cancel(d.rpTimerID)
		d.haveRPTimer = false
	}
}

// OnCNPReceived handles one CNP arrival. The first CNP initialises alpha,
// applies the RateOnFirstCNP cut and arms all three timers; later CNPs
// only set the arrival flags the alpha/decrease timers consume.
func (d *DCQCN) OnCNPReceived() {
	d.alphaCnpArrived = true
	d.decreaseCnpArrived = true

	if d.firstCNP {
		d.firstCNP = false
		d.alpha = 1
		d.alphaCnpArrived = false
		d.scheduleUpdateAlpha()
		d.scheduleDecreaseRate()
		d.restartRPTimer()
		newRate := d.cfg.RateOnFirstCNP * d.owner.Rate
		d.targetRate = newRate
		d.changer.ChangeRate(d.owner, newRate)
		d.rpTimeStage = 0
	}
}

func (d *DCQCN) scheduleUpdateAlpha() {
	d.updateAlphaID = d.clock.Schedule(d.cfg.AlphaResumeInterval, d.updateAlpha)
	d.haveUpdateAlpha = true
}

func (d *DCQCN) updateAlpha() {
	g := d.cfg.G
	arrived := 0.0
	if d.alphaCnpArrived {
		arrived = 1.0
	}
	d.alpha = (1-g)*d.alpha + g*arrived
	d.alphaCnpArrived = false
	d.scheduleUpdateAlpha()
}

func (d *DCQCN) scheduleDecreaseRate() {
	d.decreaseRateID = d.clock.Schedule(d.cfg.RateDecreaseInterval, d.decreaseRate)
	d.haveDecrease = true
}

// decreaseRate runs every RateDecreaseInterval: if a CNP arrived since the
// last check, cut rate by alpha/2 and restart the increase timer. The
// target-rate clamp applies unless rpTimeStage==0 with clamping disabled.
func (d *DCQCN) decreaseRate() {
	if d.decreaseCnpArrived {
		clampNow := d.cfg.ClampTargetRate || d.rpTimeStage != 0
		if clampNow {
			d.targetRate = d.owner.Rate
		}
		newRate := d.owner.Rate * (1 - d.alpha/2)
		newRate = clamp(newRate, d.cfg.MinRate, d.owner.MaxRate)
		d.changer.ChangeRate(d.owner, newRate)
		d.rpTimeStage = 0
		d.restartRPTimer()
	}
	d.decreaseCnpArrived = false
	d.scheduleDecreaseRate()
}

func (d *DCQCN) restartRPTimer() {
	if d.haveRPTimer {
		d.clock.Cancel(d.rpTimerID)
	}
	d.rpTimerID = d.clock.Schedule(d.cfg.RPTimerInterval, d.rateIncrease)
	d.haveRPTimer = true
}

// rateIncrease runs every RPTimerInterval, phased by rpTimeStage:
// fast recovery below RPGThreshold, active increase at it, hyper
// increase above it.
func (d *DCQCN) rateIncrease() {
	var newRate float64
	switch {
	case d.rpTimeStage < d.cfg.RPGThreshold:
		newRate = (d.owner.Rate + d.targetRate) / 2
	case d.rpTimeStage == d.cfg.RPGThreshold:
		d.targetRate = clampHigh(d.targetRate+d.cfg.RAI, d.owner.MaxRate)
		newRate = (d.owner.Rate + d.targetRate) / 2
	default:
		d.targetRate = clampHigh(d.targetRate+d.cfg.RHAI, d.owner.MaxRate)
		newRate = (d.owner.Rate + d.targetRate) / 2
	}
	newRate = clamp(newRate, d.cfg.MinRate, d.owner.MaxRate)
	d.changer.ChangeRate(d.owner, newRate)
	d.rpTimeStage++
	d.restartRPTimer()
}

func clampHigh(v, max float64) float64 {
	if v > max {
		return max
	}
	return v
}

// Alpha exposes the current alpha value, for tests and telemetry.
func (d *DCQCN) Alpha() float64 { return d.alpha }

// FirstCNPSeen reports whether the first-CNP transition has happened.
func (d *DCQCN) FirstCNPSeen() bool { return !d.firstCNP }

// TimersArmed reports how many of the three DCQCN timers are currently
// scheduled: zero before the first CNP, three after.
func (d *DCQCN) TimersArmed() int {
	n := 0
	if d.haveUpdateAlpha {
		n++
	}
	if d.haveDecrease {
		n++
	}
	if d.haveRPTimer {
		n++
	}
	return n
}
