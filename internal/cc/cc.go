// Package cc implements the pluggable congestion-control state machines:
// DCQCN, HPCC (aggregate and multiple-rate), HPCC-PINT, TIMELY and DCTCP.
// Exactly one mode is active per host process; the engine picks the
// concrete type at AddQueuePair time and stores it in the QueuePair's CC
// field as a qp.CCState.
package cc

import (
	"time"

	"github.com/rdmasim/hostengine/internal/qp"
	"github.com/rdmasim/hostengine/internal/simclock"
)

// RateChanger is the engine-side hook every state machine calls into to
// apply a rate change. It is implemented by internal/engine.Engine; kept
// as an interface here so this package never imports engine.
type RateChanger interface {
	ChangeRate(q *qp.QueuePair, newRate float64)
}

// clamp returns rate clipped to [min, max].
func clamp(rate, min, max float64) float64 {
	if rate < min {
		return min
	}
	if rate > max {
		return max
	}
	return rate
}

// AckContext carries the per-ACK inputs every state machine's OnAck needs,
// beyond the QueuePair itself. Each state machine decides internally
// whether an ACK is a full update or a fast-react re-evaluation, by
// comparing AckSeq against its own last_update_seq.
type AckContext struct {
	AckSeq   uint64
	Now      time.Duration
	ECNEcho  bool
	// Int is the INT hop telemetry carried by the ACK's echoed data
	// packet, used by HPCC/HPCC-PINT.
	Int []HopSample
}

// HopSample is one hop's INT snapshot as seen in an ACK (mirrors
// headers.HopTelemetry to avoid this package depending on wire framing
// details beyond what the math needs).
type HopSample struct {
	QueueLenBytes  uint64
	TxBytesCounter uint64
	TimestampNs    int64
	LineRateBps    uint64
}

// clockOrReal returns clk if non-nil, else a fresh SimClock — state
// machines are always constructed with an explicit clock by the engine,
// this only guards test helpers that omit one.
func clockOrReal(clk simclock.Clock) simclock.Clock {
	if clk != nil {
		return clk
	}
	return simclock.New()
}
