package nicport

import (
	"testing"
	"time"

	"github.com/rdmasim/hostengine/internal/headers"
	"github.com/rdmasim/hostengine/internal/qp"
	"github.com/rdmasim/hostengine/internal/simclock"
)

func TestQPGroupRoundRobinGatedByNextAvail(t *testing.T) {
	t.Parallel()

	g := &QPGroup{}
	a := &qp.QueuePair{}
	b := &qp.QueuePair{}
	g.Add(a)
	g.Add(b)

	if got := g.NextEligible(0); got != a {
		t.Fatalf("expected a to be served first, got %v", got)
	}
	if got := g.NextEligible(0); got != b {
		t.Fatalf("expected b to be served second (round robin), got %v", got)
	}

	a.NextAvail = 100
	b.NextAvail = 100
	if got := g.NextEligible(0); got != nil {
		t.Fatalf("expected no eligible QP before next_avail elapses, got %v", got)
	}
	if got := g.NextEligible(100); got == nil {
		t.Fatalf("expected an eligible QP once next_avail has elapsed")
	}
}

func TestSimPortControlFrameDrainsBeforeData(t *testing.T) {
	t.Parallel()

	clock := simclock.New()
	var delivered []*headers.Packet
	// One data packet is ready from the start, so the control frame has to
	// win the first transmit opportunity over an eligible data QP. The port
	// re-triggers itself once each frame is serialized, so a single RunAll
	// sends both frames.
	pendingData := 1
	cbs := Callbacks{
		GetNxtPacketCb: func(q *qp.QueuePair) (*headers.Packet, bool) {
			if pendingData == 0 {
				return nil, false
			}
			pendingData--
			return &headers.Packet{Size: 1000}, true
		},
	}
	port := NewSimPort(0, 100e9, clock, cbs)
	port.SetDeliver(func(pkt *headers.Packet) { delivered = append(delivered, pkt) })

	q := &qp.QueuePair{}
	port.NewQP(q)

	port.RdmaEnqueueHighPrioQ(&headers.Packet{Kind: headers.KindACK, Size: 60})
	port.TriggerTransmit()
	clock.RunAll()

	if len(delivered) == 0 || delivered[0].Kind != headers.KindACK {
		t.Fatalf("expected the control frame to be delivered first, got %+v", delivered)
	}

	port.TriggerTransmit()
	clock.RunAll()
	if len(delivered) != 2 || delivered[1].Kind != headers.KindData {
		t.Fatalf("expected the data frame to follow, got %+v", delivered)
	}
}

func TestSimPortSwitchAsHostSendBypassesLink(t *testing.T) {
	t.Parallel()

	clock := simclock.New()
	var received []*headers.Packet
	cbs := Callbacks{
		ReceiveCb: func(pkt *headers.Packet) int {
			received = append(received, pkt)
			return 0
		},
	}
	port := NewSimPort(0, 100e9, clock, cbs)
	port.RdmaEnqueueHighPrioQ(&headers.Packet{Kind: headers.KindNACK})
	port.SwitchAsHostSend()

	if len(received) != 1 {
		t.Fatalf("expected one locally-delivered frame, got %d", len(received))
	}
	if clock.Pending() != 0 {
		t.Fatalf("expected switch_as_host_send to bypass the scheduled link delay")
	}
}

func TestSimPortLinkDownSuppressesTransmit(t *testing.T) {
	t.Parallel()

	clock := simclock.New()
	var downCalls int
	cbs := Callbacks{LinkDownCb: func(Port) { downCalls++ }}
	port := NewSimPort(0, 100e9, clock, cbs)
	port.SetLinkUp(false)

	if downCalls != 1 {
		t.Fatalf("expected link_down_cb exactly once, got %d", downCalls)
	}

	port.RdmaEnqueueHighPrioQ(&headers.Packet{})
	port.TriggerTransmit()
	if clock.Pending() != 0 {
		t.Fatalf("expected no transmission while link is down")
	}
}

func TestBytesTxTimeScalesWithRate(t *testing.T) {
	t.Parallel()

	got := bytesTxTime(1250, 100e9) // 10000 bits at 100Gbps
	want := 100 * time.Nanosecond
	if got != want {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestSendFromRejectsOversizeFrames(t *testing.T) {
	t.Parallel()

	clock := simclock.New()
	var delivered int
	port := NewSimPort(0, 100e9, clock, Callbacks{})
	port.SetDeliver(func(pkt *headers.Packet) { delivered++ })
	port.SetMTU(1500)

	if port.SendFrom(&headers.Packet{Size: 2000}) {
		t.Fatalf("expected oversize frame to be rejected")
	}
	clock.RunAll()
	if delivered != 0 {
		t.Fatalf("rejected frame must not be delivered, got %d", delivered)
	}

	if !port.SendFrom(&headers.Packet{Size: 1500}) {
		t.Fatalf("expected mtu-sized frame to be accepted")
	}
	clock.RunAll()
	if delivered != 1 {
		t.Fatalf("expected one delivered frame, got %d", delivered)
	}
}
