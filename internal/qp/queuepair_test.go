package qp

import "testing"

func TestHashIsStablePerFlowIdentity(t *testing.T) {
	t.Parallel()

	a := &QueuePair{SrcIP: 1, DstIP: 2, SrcPort: 100, DstPort: 200, Priority: 3}
	b := &QueuePair{SrcIP: 1, DstIP: 2, SrcPort: 100, DstPort: 200, Priority: 3}
	if a.Hash() != b.Hash() {
		t.Fatalf("same 5-tuple must hash identically: %d vs %d", a.Hash(), b.Hash())
	}

	c := &QueuePair{SrcIP: 1, DstIP: 2, SrcPort: 101, DstPort: 200, Priority: 3}
	if a.Hash() == c.Hash() {
		t.Fatalf("different src ports should almost surely hash differently")
	}
}

func TestIntraServer(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		src, dst      int
		gpusPerServer int
		want          bool
	}{
		{"same server", 0, 7, 8, true},
		{"adjacent servers", 7, 8, 8, false},
		{"far servers", 3, 250, 8, false},
		{"zero gpus per server", 0, 0, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := &QueuePair{SrcNodeID: tt.src, DstNodeID: tt.dst}
			if got := q.IntraServer(tt.gpusPerServer); got != tt.want {
				t.Fatalf("IntraServer(%d) with src=%d dst=%d: got %v, want %v",
					tt.gpusPerServer, tt.src, tt.dst, got, tt.want)
			}
		})
	}
}

func TestByteAccounting(t *testing.T) {
	t.Parallel()

	q := &QueuePair{Size: 10000, SndNxt: 6000, SndUna: 4000}

	if got := q.UnsentBytes(); got != 4000 {
		t.Fatalf("UnsentBytes = %d, want 4000", got)
	}
	if got := q.RemainingBytes(); got != 6000 {
		t.Fatalf("RemainingBytes = %d, want 6000", got)
	}
	if q.Complete() {
		t.Fatalf("flow with snd_una < size must not be complete")
	}

	q.SndUna = 10000
	if !q.Complete() {
		t.Fatalf("flow with snd_una == size must be complete")
	}
	if got := q.RemainingBytes(); got != 0 {
		t.Fatalf("RemainingBytes after completion = %d, want 0", got)
	}
}
