package engine

import (
	"testing"

	"github.com/rdmasim/hostengine/internal/headers"
	"github.com/rdmasim/hostengine/internal/qp"
)

func TestGetNxtPacketSequencesAndIPIDs(t *testing.T) {
	eng, _, _ := newLoopbackEngine(t, Config{MTU: 1000}, 100e9)

	q := &qp.QueuePair{Size: 2500, MaxRate: 100e9, Rate: 100e9, PortIndex: 0}

	wants := []struct {
		seq     uint64
		ipid    uint16
		payload int
	}{
		{0, 0, 1000},
		{1000, 1, 1000},
		{2000, 2, 500},
	}
	for i, want := range wants {
		pkt, ok := eng.GetNxtPacket(q)
		if !ok {
			t.Fatalf("packet %d: expected ok", i)
		}
		if pkt.SeqTs.Seq != want.seq {
			t.Errorf("packet %d: seq = %d, want %d", i, pkt.SeqTs.Seq, want.seq)
		}
		if pkt.IP.Identification != want.ipid {
			t.Errorf("packet %d: ipid = %d, want %d", i, pkt.IP.Identification, want.ipid)
		}
		if len(pkt.Payload) != want.payload {
			t.Errorf("packet %d: payload = %d bytes, want %d", i, len(pkt.Payload), want.payload)
		}
		if pkt.Kind != headers.KindData {
			t.Errorf("packet %d: kind = %v, want data", i, pkt.Kind)
		}
	}

	if _, ok := eng.GetNxtPacket(q); ok {
		t.Fatalf("expected no further packets once every byte is transmitted")
	}
	if q.SndNxt != q.Size {
		t.Fatalf("snd_nxt = %d, want %d", q.SndNxt, q.Size)
	}
}
