package nicport

import (
	"time"

	"github.com/rdmasim/hostengine/internal/headers"
	"github.com/rdmasim/hostengine/internal/qp"
	"github.com/rdmasim/hostengine/internal/simclock"
)

// SimPort is a minimal in-memory Port: a lossless link with a fixed
// propagation delay, a high-priority control queue served ahead of data
// traffic, and round-robin scheduling across its QPGroup gated on
// next_avail. The port, not the engine, decides which eligible QP to
// serve next.
type SimPort struct {
	idx   int
	rate  float64
	ifg   time.Duration
	delay time.Duration
	mtu   int

	clock simclock.Clock
	cbs   Callbacks
	group *QPGroup

	highPrio []*headers.Packet
	linkUp   bool

	// deliver receives a packet once its simulated transmission time has
	// elapsed. Defaults to cbs.SentCb; set via SetDeliver to loop a packet
	// into a peer port's receive path instead.
	deliver func(pkt *headers.Packet)
}

// NewSimPort constructs a SimPort with line rate rate (bits/sec), driven
// by clock, wired to cbs.
func NewSimPort(idx int, rate float64, clock simclock.Clock, cbs Callbacks) *SimPort {
	return &SimPort{
		idx:    idx,
		rate:   rate,
		clock:  clock,
		cbs:    cbs,
		group:  &QPGroup{},
		linkUp: true,
	}
}

// SetInterFrameGap sets the fixed gap applied between back-to-back
// transmissions.
func (p *SimPort) SetInterFrameGap(ifg time.Duration) { p.ifg = ifg }

// SetLinkDelay sets the one-way propagation delay applied to every frame
// this port transmits.
func (p *SimPort) SetLinkDelay(d time.Duration) { p.delay = d }

// SetMTU bounds the frame size SendFrom accepts; 0 disables the check.
func (p *SimPort) SetMTU(mtu int) { p.mtu = mtu }

// SendFrom transmits one caller-supplied frame outside the scheduler's
// QP path. It reports false without transmitting when the frame exceeds
// the port MTU or the link is down; callers must fragment above.
func (p *SimPort) SendFrom(pkt *headers.Packet) bool {
	if !p.linkUp {
		return false
	}
	if p.mtu > 0 && pkt.Size > p.mtu {
		return false
	}
	p.transmit(pkt)
	return true
}

// SetDeliver overrides where transmitted packets land once their
// simulated transmission time has elapsed; by default this falls back to
// the sent_cb callback.
func (p *SimPort) SetDeliver(fn func(pkt *headers.Packet)) { p.deliver = fn }

// SetLinkUp flips the link's up/down state. Transitioning to down invokes
// link_down_cb. QPs are not cancelled on link-down; their sends stall
// until route redistribution.
func (p *SimPort) SetLinkUp(up bool) {
	was := p.linkUp
	p.linkUp = up
	if was && !up && p.cbs.LinkDownCb != nil {
		p.cbs.LinkDownCb(p)
	}
}

// LinkUp reports the current link state.
func (p *SimPort) LinkUp() bool { return p.linkUp }

// Index returns this port's index, used as port_idx in update_tx_bytes_cb.
func (p *SimPort) Index() int { return p.idx }

func (p *SimPort) DataRate() float64 { return p.rate }

func (p *SimPort) NewQP(q *qp.QueuePair) { p.group.Add(q) }

func (p *SimPort) ReassignedQP(q *qp.QueuePair) { p.group.Add(q) }

func (p *SimPort) Group() *QPGroup { return p.group }

func (p *SimPort) RdmaEnqueueHighPrioQ(pkt *headers.Packet) {
	p.highPrio = append(p.highPrio, pkt)
}

func (p *SimPort) UpdateNextAvail(q *qp.QueuePair, nextAvail time.Duration) {
	q.NextAvail = nextAvail
}

// TriggerTransmit drains one control frame if any are queued, else serves
// the next eligible data QueuePair.
func (p *SimPort) TriggerTransmit() {
	if !p.linkUp {
		return
	}

	if len(p.highPrio) > 0 {
		pkt := p.highPrio[0]
		p.highPrio = p.highPrio[1:]
		p.transmit(pkt)
		return
	}

	q := p.group.NextEligible(p.clock.Now())
	if q == nil || p.cbs.GetNxtPacketCb == nil {
		return
	}
	pkt, ok := p.cbs.GetNxtPacketCb(q)
	if !ok || pkt == nil {
		return
	}
	if p.cbs.PktSentCb != nil {
		p.cbs.PktSentCb(q, pkt, p.ifg)
	}
	if p.cbs.UpdateTxBytesCb != nil {
		p.cbs.UpdateTxBytesCb(p.idx, pkt.Size)
	}
	p.transmit(pkt)
}

// SwitchAsHostSend delivers the head-of-line high-priority frame
// straight to this host's receive path, bypassing the simulated link.
func (p *SimPort) SwitchAsHostSend() {
	if len(p.highPrio) == 0 {
		return
	}
	pkt := p.highPrio[0]
	p.highPrio = p.highPrio[1:]
	if p.cbs.ReceiveCb != nil {
		p.cbs.ReceiveCb(pkt)
	}
}

// transmit occupies the link for this frame's serialization time, then
// delivers it after the extra one-way propagation delay. The link becomes
// free for the next frame as soon as serialization finishes, so transmit
// re-triggers the scheduler at that point — mirroring a real NIC, where the
// next packet can start serializing while the previous one is still in
// flight on the wire.
func (p *SimPort) transmit(pkt *headers.Packet) {
	txTime := bytesTxTime(pkt.Size, p.rate)
	p.clock.Schedule(txTime, p.TriggerTransmit)
	p.clock.Schedule(p.delay+txTime, func() {
		if p.deliver != nil {
			p.deliver(pkt)
		} else if p.cbs.SentCb != nil {
			p.cbs.SentCb(pkt)
		}
	})
}

// bytesTxTime is the wall time to serialize size bytes at rate
// bits/sec.
func bytesTxTime(size int, rate float64) time.Duration {
	if rate <= 0 {
		return 0
	}
	seconds := float64(size) * 8 / rate
	return time.Duration(seconds * float64(time.Second))
}
