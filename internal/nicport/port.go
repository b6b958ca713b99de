// Package nicport defines the downward interface the host engine drives
// and a minimal in-memory reference implementation, SimPort, standing in
// for the lossless link-layer driver and the switch fabric this module
// does not otherwise implement.
package nicport

import (
	"time"

	"github.com/rdmasim/hostengine/internal/headers"
	"github.com/rdmasim/hostengine/internal/qp"
)

// Port is the surface the host engine drives: data_rate, new_qp,
// reassigned_qp, trigger_transmit, switch_as_host_send,
// rdma_enqueue_high_prio_q, update_next_avail, and a shared QP-group.
type Port interface {
	// DataRate is the port's line rate in bits/sec.
	DataRate() float64

	// NewQP registers a freshly-created QueuePair as eligible for this
	// port's scheduler.
	NewQP(q *qp.QueuePair)

	// ReassignedQP re-registers a QueuePair moved onto this port by
	// RedistributeQp, without resetting its pacing state.
	ReassignedQP(q *qp.QueuePair)

	// TriggerTransmit sends one frame: the head of the high-priority queue
	// if it is non-empty, otherwise at most one packet from an eligible
	// data QueuePair via the engine's get_nxt_packet_cb.
	TriggerTransmit()

	// SwitchAsHostSend delivers the packet at the head of the
	// high-priority queue directly to this host's receive path instead
	// of over the simulated link.
	SwitchAsHostSend()

	// RdmaEnqueueHighPrioQ enqueues a control packet (ACK/NACK/CNP) ahead
	// of data traffic.
	RdmaEnqueueHighPrioQ(pkt *headers.Packet)

	// UpdateNextAvail pushes a QueuePair's recomputed next_avail into the
	// port's scheduling gate.
	UpdateNextAvail(q *qp.QueuePair, nextAvail time.Duration)

	// Group returns the shared QP-group object this port schedules over.
	Group() *QPGroup
}

// Callbacks are the upward hooks the engine installs on a Port at Setup
// time.
type Callbacks struct {
	ReceiveCb       func(pkt *headers.Packet) int
	SentCb          func(pkt *headers.Packet) int
	LinkDownCb      func(p Port)
	PktSentCb       func(q *qp.QueuePair, pkt *headers.Packet, ifg time.Duration)
	UpdateTxBytesCb func(portIdx int, bytes int)
	GetNxtPacketCb  func(q *qp.QueuePair) (*headers.Packet, bool)
}

// QPGroup is the shared, port-scoped collection of QueuePairs eligible
// for that port's scheduler. Round-robin order is the index insertion
// order; ReassignedQP appends at the tail so a redistributed QP does not
// immediately starve its new siblings.
type QPGroup struct {
	qps  []*qp.QueuePair
	next int
}

// Add registers q, if not already present.
func (g *QPGroup) Add(q *qp.QueuePair) {
	for _, existing := range g.qps {
		if existing == q {
			return
		}
	}
	g.qps = append(g.qps, q)
}

// Remove drops q from the group.
func (g *QPGroup) Remove(q *qp.QueuePair) {
	for i, existing := range g.qps {
		if existing == q {
			g.qps = append(g.qps[:i], g.qps[i+1:]...)
			if g.next > i {
				g.next--
			}
			return
		}
	}
}

// Len reports how many QueuePairs are registered.
func (g *QPGroup) Len() int { return len(g.qps) }

// Clear drops every registered QueuePair, ahead of redistribution.
func (g *QPGroup) Clear() {
	g.qps = nil
	g.next = 0
}

// NextEligible returns the next QueuePair (round-robin from the last served
// position) whose next_avail has already elapsed at now, or nil if none is
// eligible.
func (g *QPGroup) NextEligible(now time.Duration) *qp.QueuePair {
	n := len(g.qps)
	if n == 0 {
		return nil
	}
	for i := 0; i < n; i++ {
		idx := (g.next + i) % n
		q := g.qps[idx]
		if q.NextAvail <= now {
			g.next = (idx + 1) % n
			return q
		}
	}
	return nil
}
