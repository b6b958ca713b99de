package cc

import (
	"math/rand"
	"time"

	"github.com/rdmasim/hostengine/internal/headers"
	"github.com/rdmasim/hostengine/internal/pint"
	"github.com/rdmasim/hostengine/internal/qp"
	"github.com/rdmasim/hostengine/internal/simclock"
)

// HPCCConfig holds the HPCC/HPCC-PINT tunables.
type HPCCConfig struct {
	TargetUtil float64
	// UtilHigh is accepted for configuration parity; the rate update is
	// driven entirely by TargetUtil.
	UtilHigh       float64
	RAI            float64
	MIThresh       int
	MultipleRate   bool
	SampleFeedback bool
	FastReact      bool
	MinRate        float64

	// Pint switches to the compressed single-value telemetry variant.
	Pint           bool
	PintSmplThresh uint32 // out of 65536
}

type hopCCState struct {
	u        float64
	rc       float64
	incStage int
	seen     bool
}

// HPCC drives rate from per-hop INT telemetry, in aggregate or
// multiple-rate (per-hop) mode. With cfg.Pint set it instead decodes a
// single compressed utilisation value per ACK, sharing the same
// rate-update math.
type HPCC struct {
	cfg     HPCCConfig
	owner   *qp.QueuePair
	changer RateChanger
	rng     *rand.Rand

	lastUpdateSeq uint64
	curRate       float64
	incStage      int
	u             float64 // aggregate EWMA

	haveBaseline bool
	hopStates    []hopCCState
}

// NewHPCC constructs HPCC (or HPCC-PINT, when cfg.Pint) substate for a
// freshly-added QueuePair.
func NewHPCC(owner *qp.QueuePair, _ simclock.Clock, changer RateChanger, cfg HPCCConfig) *HPCC {
	return &HPCC{
		cfg:     cfg,
		owner:   owner,
		changer: changer,
		curRate: owner.Rate,
		rng:     rand.New(rand.NewSource(int64(owner.Hash()))),
	}
}

func (h *HPCC) Mode() qp.CCMode {
	if h.cfg.Pint {
		return qp.CCModeHPCCPint
	}
	return qp.CCModeHPCC
}

// Cancel is a no-op: HPCC has no self-rescheduling timers.
func (h *HPCC) Cancel() {}

// OnAck dispatches between a full update (the ACK advanced past
// last_update_seq) and a fast-react recomputation that does not persist
// cur_rate/inc_stage.
func (h *HPCC) OnAck(ctx AckContext) {
	if h.cfg.Pint {
		h.onAckPint(ctx)
		return
	}

	if ctx.AckSeq > h.lastUpdateSeq {
		h.fullUpdate(ctx, false)
	} else if h.cfg.FastReact {
		h.fullUpdate(ctx, true)
	}
}

func (h *HPCC) onAckPint(ctx AckContext) {
	if h.rng.Uint32()%65536 >= h.cfg.PintSmplThresh {
		return
	}
	if len(ctx.Int) == 0 {
		return
	}

	if !h.haveBaseline {
		h.lastUpdateSeq = h.owner.SndNxt
		h.owner.HopHistory = snapshotHops(ctx.Int)
		h.haveBaseline = true
		return
	}

	sample := ctx.Int[0]
	prev, prevOK := hopAt(h.owner.HopHistory, 0)
	u, ok := perHopUtilisation(prev, prevOK, sample, h.owner.BaseRTT, h.owner.MaxRate, h.owner.Win)
	h.owner.HopHistory = snapshotHops(ctx.Int)
	if !ok {
		return
	}
	// The wire carries a single quantised byte per packet, not the raw
	// utilisation; round-trip through the codec to model that loss.
	u = pint.DecodeU(pint.EncodeU(u))

	isNewUpdate := ctx.AckSeq > h.lastUpdateSeq
	if !isNewUpdate && !h.cfg.FastReact {
		return
	}
	fast := !isNewUpdate

	newRate, newIncStage := h.aggregateRateUpdate(u)
	newRate = clamp(newRate, h.cfg.MinRate, h.owner.MaxRate)
	h.changer.ChangeRate(h.owner, newRate)
	if !fast {
		h.curRate = newRate
		h.incStage = newIncStage
		if ctx.AckSeq > h.lastUpdateSeq {
			h.lastUpdateSeq = ctx.AckSeq
		}
	}
}

// fullUpdate processes one ACK's telemetry. The first ACK only snapshots
// the hop baseline.
func (h *HPCC) fullUpdate(ctx AckContext, fast bool) {
	if !h.haveBaseline {
		h.lastUpdateSeq = h.owner.SndNxt
		h.owner.HopHistory = snapshotHops(ctx.Int)
		h.haveBaseline = true
		return
	}

	if h.cfg.MultipleRate {
		h.multipleRateUpdate(ctx, fast)
		return
	}
	h.aggregateUpdate(ctx, fast)
}

// aggregateUpdate tracks the bottleneck hop's utilisation in a single
// EWMA and derives one rate from it.
func (h *HPCC) aggregateUpdate(ctx AckContext, fast bool) {
	var maxU float64
	var maxDt float64
	any := false

	for i, sample := range ctx.Int {
		if h.cfg.SampleFeedback && fast && sample.QueueLenBytes == 0 {
			continue
		}
		prev, prevOK := hopAt(h.owner.HopHistory, i)
		u, ok := perHopUtilisation(prev, prevOK, sample, h.owner.BaseRTT, h.owner.MaxRate, h.owner.Win)
		if !ok {
			continue
		}
		if !any || u > maxU {
			maxU = u
			maxDt = float64(sample.TimestampNs - prev.TimestampNs)
			any = true
		}
	}

	h.owner.HopHistory = snapshotHops(ctx.Int)
	if !any {
		return
	}

	weight := maxDt / float64(h.owner.BaseRTT.Nanoseconds())
	h.u = ewma(h.u, maxU, weight)

	newRate, newIncStage := h.aggregateRateUpdate(h.u)
	newRate = clamp(newRate, h.cfg.MinRate, h.owner.MaxRate)
	h.changer.ChangeRate(h.owner, newRate)

	if !fast {
		h.curRate = newRate
		h.incStage = newIncStage
		if ctx.AckSeq > h.lastUpdateSeq {
			h.lastUpdateSeq = ctx.AckSeq
		}
	}
}

// aggregateRateUpdate applies the multiplicative/additive decision to one
// utilisation value, shared between aggregate-HPCC and HPCC-PINT.
func (h *HPCC) aggregateRateUpdate(u float64) (float64, int) {
	maxC := u / h.cfg.TargetUtil
	if maxC >= 1 || h.incStage >= h.cfg.MIThresh {
		return h.curRate/maxC + h.cfg.RAI, 0
	}
	return h.curRate + h.cfg.RAI, h.incStage + 1
}

// multipleRateUpdate keeps independent (u, Rc, inc_stage) state per hop
// and takes the minimum Rc across hops. Hops not updated this round still
// contribute their previous Rc to the minimum.
func (h *HPCC) multipleRateUpdate(ctx AckContext, fast bool) {
	if len(h.hopStates) < len(ctx.Int) {
		grown := make([]hopCCState, len(ctx.Int))
		copy(grown, h.hopStates)
		h.hopStates = grown
	}

	minRate := h.owner.MaxRate
	haveAny := false

	for i := range h.hopStates[:len(ctx.Int)] {
		sample := ctx.Int[i]
		prev, prevOK := hopAt(h.owner.HopHistory, i)

		if h.cfg.SampleFeedback && fast && sample.QueueLenBytes == 0 {
			if h.hopStates[i].seen {
				minRate = minFloat(minRate, h.hopStates[i].rc)
				haveAny = true
			}
			continue
		}

		u, ok := perHopUtilisation(prev, prevOK, sample, h.owner.BaseRTT, h.owner.MaxRate, h.owner.Win)
		if !ok {
			if h.hopStates[i].seen {
				minRate = minFloat(minRate, h.hopStates[i].rc)
				haveAny = true
			}
			continue
		}

		tau := float64(sample.TimestampNs - prev.TimestampNs)
		weight := tau / float64(h.owner.BaseRTT.Nanoseconds())
		h.hopStates[i].u = ewma(h.hopStates[i].u, u, weight)

		maxC := h.hopStates[i].u / h.cfg.TargetUtil
		var rc float64
		var newStage int
		if maxC >= 1 || h.hopStates[i].incStage >= h.cfg.MIThresh {
			rc = h.curRate/maxC + h.cfg.RAI
			newStage = 0
		} else {
			rc = h.curRate + h.cfg.RAI
			newStage = h.hopStates[i].incStage + 1
		}
		h.hopStates[i].rc = rc
		h.hopStates[i].incStage = newStage
		h.hopStates[i].seen = true

		minRate = minFloat(minRate, rc)
		haveAny = true
	}

	h.owner.HopHistory = snapshotHops(ctx.Int)
	if !haveAny {
		return
	}

	newRate := clamp(minRate, h.cfg.MinRate, h.owner.MaxRate)
	h.changer.ChangeRate(h.owner, newRate)

	if !fast {
		h.curRate = newRate
		if ctx.AckSeq > h.lastUpdateSeq {
			h.lastUpdateSeq = ctx.AckSeq
		}
	}
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func ewma(prev, sample, weight float64) float64 {
	if weight < 0 {
		weight = 0
	}
	if weight > 1 {
		weight = 1
	}
	return (1-weight)*prev + weight*sample
}

// perHopUtilisation computes one hop's utilisation from the telemetry
// delta: tx rate over the sample interval plus the queue-backlog term.
// Returns ok=false when there is no valid previous sample to delta
// against (first sighting of this hop).
func perHopUtilisation(prev HopSample, prevOK bool, sample HopSample, baseRTT time.Duration, maxRate float64, win uint64) (float64, bool) {
	if !prevOK {
		return 0, false
	}

	tau := sample.TimestampNs - prev.TimestampNs
	if tau <= 0 {
		return 0, false
	}
	tauClamped := float64(tau)
	if baseRTT.Nanoseconds() > 0 && tauClamped > float64(baseRTT.Nanoseconds()) {
		tauClamped = float64(baseRTT.Nanoseconds())
	}

	lineRate := float64(sample.LineRateBps)
	if lineRate == 0 {
		lineRate = maxRate
	}
	if lineRate == 0 {
		return 0, false
	}

	deltaBytes := float64(sample.TxBytesCounter - prev.TxBytesCounter)
	txRate := 8 * deltaBytes / (tauClamped * 1e-9)

	qlenNew := float64(sample.QueueLenBytes)
	qlenOld := float64(prev.QueueLenBytes)
	minQlen := qlenNew
	if qlenOld < minQlen {
		minQlen = qlenOld
	}

	if win == 0 {
		win = 1
	}
	u := txRate/lineRate + minQlen*maxRate/(lineRate*float64(win))
	return u, true
}

func hopAt(history []headers.HopTelemetry, i int) (HopSample, bool) {
	if i >= len(history) {
		return HopSample{}, false
	}
	h := history[i]
	return HopSample{
		QueueLenBytes:  h.QueueLenBytes,
		TxBytesCounter: h.TxBytesCounter,
		TimestampNs:    h.TimestampNs,
		LineRateBps:    h.LineRateBps,
	}, true
}

func snapshotHops(samples []HopSample) []headers.HopTelemetry {
	out := make([]headers.HopTelemetry, len(samples))
	for i, s := range samples {
		out[i] = headers.HopTelemetry{
			QueueLenBytes:  s.QueueLenBytes,
			TxBytesCounter: s.TxBytesCounter,
			TimestampNs:    s.TimestampNs,
			LineRateBps:    s.LineRateBps,
		}
	}
	return out
}

// CurRate exposes the persisted rate for tests.
func (h *HPCC) CurRate() float64 { return h.curRate }

// IncStage exposes the persisted increase-stage counter for tests.
func (h *HPCC) IncStage() int { return h.incStage }
