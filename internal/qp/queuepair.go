// Package qp defines the per-flow transmit and receive state the host
// engine owns: QueuePair and RxQueuePair, plus the keys the engine
// indexes them by.
package qp

import (
	"hash/fnv"
	"time"

	"github.com/rdmasim/hostengine/internal/headers"
)

// CCMode selects which congestion-control state machine a host runs for
// its whole process lifetime.
type CCMode int

const (
	CCModeNone CCMode = 0
	CCModeDCQCN CCMode = 1
	CCModeHPCC CCMode = 3
	CCModeTimely CCMode = 7
	CCModeDCTCP CCMode = 8
	CCModeHPCCPint CCMode = 10
)

// CCState is the tagged congestion-control substate a QueuePair carries;
// exactly one concrete implementation (from package cc) is bound at
// AddQueuePair time. The engine type-switches on the concrete type to
// dispatch CNP/ACK events; this interface only captures what every CC
// mode must support generically.
type CCState interface {
	Mode() CCMode
	// Cancel stops every timer the state machine has scheduled. Called by
	// QpComplete before the QueuePair is destroyed.
	Cancel()
}

// Key is the uniqueness key for a transmit-side QueuePair:
// (dst_ip, src_port, priority_group).
type Key struct {
	DstIP      uint32
	SrcPort    uint16
	Priority   uint16
}

// RxKey is the uniqueness key for a receive-side RxQueuePair:
// (dst_ip, priority_group, dst_port).
type RxKey struct {
	DstIP    uint32
	Priority uint16
	DstPort  uint16
}

// NotifyFinish is invoked exactly once, when snd_una reaches size and
// the QueuePair is declared complete.
type NotifyFinish func(q *QueuePair)

// NotifySent is invoked after every send with the number of payload bytes
// just transmitted.
type NotifySent func(q *QueuePair, bytes int)

// QueuePair is a unidirectional RDMA flow's transmit-side state.
type QueuePair struct {
	// Identity.
	SrcNodeID, DstNodeID int
	SrcIP, DstIP         uint32
	SrcPort, DstPort     uint16
	Priority             uint16

	// Transport state.
	Size      uint64
	SndNxt    uint64
	SndUna    uint64
	Win       uint64
	BaseRTT   time.Duration
	VarWin    bool
	IPID      uint16

	// Pacing state.
	Rate       float64 // bits/sec
	MaxRate    float64 // bits/sec, line rate of the bound NIC
	MinRate    float64
	LastPktSize int
	NextAvail  time.Duration

	// CC substate; concrete type is one of package cc's state machines.
	CC CCState

	// Hooks.
	NotifyFinishFn NotifyFinish
	NotifySentFn   NotifySent

	NVLSEnable bool

	// PortIndex is the NIC port this QP was routed onto at AddQueuePair
	// time.
	PortIndex int

	// Hop INT history, keyed by hop index, for HPCC delta computation.
	HopHistory []headers.HopTelemetry

	// CnpCount is incremented on every ECN-echoed ACK/NACK, independent
	// of which CC mode reacts to it.
	CnpCount uint64

	// RateBound controls whether pacing uses Rate or MaxRate.
	RateBound bool
}

// Key returns this QueuePair's routing/lookup key.
func (q *QueuePair) Key() Key {
	return Key{DstIP: q.DstIP, SrcPort: q.SrcPort, Priority: q.Priority}
}

// IntraServer reports whether src and dst belong to the same server,
// given gpusPerServer.
func (q *QueuePair) IntraServer(gpusPerServer int) bool {
	if gpusPerServer <= 0 {
		return false
	}
	return q.SrcNodeID/gpusPerServer == q.DstNodeID/gpusPerServer
}

// Hash returns the ECMP hash used to pick a port index within a routing
// list. It hashes the 5-tuple so redistribution against a changed table
// is stable for a given flow identity.
func (q *QueuePair) Hash() uint32 {
	h := fnv.New32a()
	var buf [14]byte
	putU32(buf[0:4], q.SrcIP)
	putU32(buf[4:8], q.DstIP)
	putU16(buf[8:10], q.SrcPort)
	putU16(buf[10:12], q.DstPort)
	putU16(buf[12:14], q.Priority)
	_, _ = h.Write(buf[:])
	return h.Sum32()
}

// RemainingBytes returns how many bytes are still unacknowledged.
func (q *QueuePair) RemainingBytes() uint64 {
	if q.SndUna >= q.Size {
		return 0
	}
	return q.Size - q.SndUna
}

// UnsentBytes returns how many bytes have not yet been transmitted at all.
func (q *QueuePair) UnsentBytes() uint64 {
	if q.SndNxt >= q.Size {
		return 0
	}
	return q.Size - q.SndNxt
}

// Complete reports whether every byte has been acknowledged.
func (q *QueuePair) Complete() bool {
	return q.SndUna >= q.Size
}

func putU32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

func putU16(b []byte, v uint16) {
	b[0] = byte(v >> 8)
	b[1] = byte(v)
}
