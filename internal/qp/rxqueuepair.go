package qp

import "time"

// RxQueuePair is the per-reverse-flow receive-side state at the sink.
type RxQueuePair struct {
	DstIP    uint32
	Priority uint16
	DstPort  uint16
	SrcPort  uint16
	SrcIP    uint32

	ExpectedSeq uint64
	MilestoneRx uint64
	NackTimer   time.Duration
	LastNackSeq uint64
	HasLastNack bool
	IPID        uint16

	// ECN feedback accumulators, mirrored into CNP payloads.
	EcnBits    uint64
	QfbCount   uint64
	TotalCount uint64
}

// Key returns this RxQueuePair's lookup key.
func (r *RxQueuePair) Key() RxKey {
	return RxKey{DstIP: r.DstIP, Priority: r.Priority, DstPort: r.DstPort}
}
