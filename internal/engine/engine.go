// Package engine implements the RDMA host engine: the per-host object
// owning every transmit QueuePair and receive RxQueuePair,
// multiplexing them over NIC ports via ECMP/NVSwitch routing, running
// reliable transport, and driving the active congestion-control state
// machine.
package engine

import (
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/rdmasim/hostengine/internal/cc"
	"github.com/rdmasim/hostengine/internal/headers"
	"github.com/rdmasim/hostengine/internal/nicport"
	"github.com/rdmasim/hostengine/internal/qp"
	"github.com/rdmasim/hostengine/internal/simclock"
)

// Config surfaces the engine's runtime parameters.
type Config struct {
	MTU           int
	CCMode        qp.CCMode
	NackInterval  time.Duration
	Chunk         uint64 // 0 disables chunk mode
	AckInterval   uint64 // 0 disables ACKs
	BackToZero    bool
	GpusPerServer int
	RateBound     bool
	MinRate       float64

	// SwitchAsHost routes NVLS-tagged control packets destined to a
	// locally-owned RxQP through the port's switch_as_host_send path
	// instead of trigger_transmit.
	SwitchAsHost bool

	// PartitionShards, when > 0, enables sharded-mutex RxQP lookup/
	// creation; 0 collapses to a single mutex around every lookup.
	PartitionShards int

	DCQCN  cc.DCQCNConfig
	HPCC   cc.HPCCConfig
	Timely cc.TimelyConfig
	DCTCP  cc.DCTCPConfig

	// OnFatal is invoked for configuration faults discovered deep in the
	// receive path, with no synchronous error return to the caller, e.g.
	// a CNP for an unknown QP. Defaults to logging only.
	OnFatal func(err error)

	// TxBytesObserver, when set, is called on every packet sent from a
	// port with the number of bytes just transmitted.
	// internal/telemetry.Collector.ObserveTxBytes has this signature.
	TxBytesObserver func(portIdx int, bytes int)
}

// Engine owns the QP/RxQP maps and routing tables exclusively; ports
// hold only non-owning back-references for dispatch.
type Engine struct {
	cfg   Config
	clock simclock.Clock
	log   *slog.Logger

	ports []nicport.Port

	mu    sync.Mutex // guards qpMap and routing tables
	qpMap map[qp.Key]*qp.QueuePair

	partition *rxPartition
	rxQPMap   map[qp.RxKey]*qp.RxQueuePair

	rtInterServer map[uint32][]int
	rtNVSwitch    map[uint32][]int

	qpCompleteCb   qp.NotifyFinish
	sendCompleteCb func(pkt *headers.Packet)
}

// New constructs an Engine. Setup must be called once, after every NIC
// port has been installed.
func New(cfg Config, clock simclock.Clock, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		cfg:           cfg,
		clock:         clock,
		log:           log,
		qpMap:         make(map[qp.Key]*qp.QueuePair),
		partition:     newRxPartition(cfg.PartitionShards),
		rxQPMap:       make(map[qp.RxKey]*qp.RxQueuePair),
		rtInterServer: make(map[uint32][]int),
		rtNVSwitch:    make(map[uint32][]int),
	}
}

// Setup binds the engine to its NIC ports and installs the QP-completion
// and send-completion callbacks.
func (e *Engine) Setup(ports []nicport.Port, qpCompleteCb qp.NotifyFinish, sendCompleteCb func(pkt *headers.Packet)) error {
	if e.ports != nil {
		return fmt.Errorf("engine: Setup called twice")
	}
	if len(ports) == 0 {
		return fmt.Errorf("engine: Setup requires at least one NIC port")
	}
	e.ports = ports
	e.qpCompleteCb = qpCompleteCb
	e.sendCompleteCb = sendCompleteCb
	return nil
}

// PortCallbacks returns the upward hooks bound to port index idx, for
// use constructing that nicport.Port before Setup is called.
func (e *Engine) PortCallbacks(idx int) nicport.Callbacks {
	return nicport.Callbacks{
		ReceiveCb:       func(pkt *headers.Packet) int { return e.receiveOnPort(idx, pkt) },
		SentCb:          func(pkt *headers.Packet) int { return e.sentOnPort(pkt) },
		LinkDownCb:      e.onLinkDown,
		PktSentCb:       e.PktSent,
		UpdateTxBytesCb: e.updateTxBytes,
		GetNxtPacketCb:  e.GetNxtPacket,
	}
}

// AddQueuePairParams groups AddQueuePair's identity/size inputs.
type AddQueuePairParams struct {
	SrcNodeID, DstNodeID int
	SrcIP, DstIP         uint32
	SrcPort, DstPort     uint16
	Priority             uint16
	Size                 uint64
	Win                  uint64
	BaseRTT              time.Duration
	VarWin               bool
	NVLSEnable           bool
	NotifyFinish         qp.NotifyFinish
	NotifySent           qp.NotifySent
}

// AddQueuePair registers a flow: selects a port via routing, initialises
// CC substate at the port's line rate, and notifies the port a new QP is
// schedulable.
func (e *Engine) AddQueuePair(p AddQueuePairParams) (*qp.QueuePair, error) {
	q := &qp.QueuePair{
		SrcNodeID: p.SrcNodeID, DstNodeID: p.DstNodeID,
		SrcIP: p.SrcIP, DstIP: p.DstIP,
		SrcPort: p.SrcPort, DstPort: p.DstPort,
		Priority:       p.Priority,
		Size:           p.Size,
		Win:            p.Win,
		BaseRTT:        p.BaseRTT,
		VarWin:         p.VarWin,
		NVLSEnable:     p.NVLSEnable,
		NotifyFinishFn: p.NotifyFinish,
		NotifySentFn:   p.NotifySent,
		RateBound:      e.cfg.RateBound,
	}

	portIdx, err := e.selectPort(q)
	if err != nil {
		return nil, err
	}
	port := e.ports[portIdx]

	q.PortIndex = portIdx
	q.MaxRate = port.DataRate()
	q.Rate = port.DataRate()
	q.MinRate = e.cfg.MinRate
	q.CC = e.newCCState(q)

	e.mu.Lock()
	e.qpMap[q.Key()] = q
	e.mu.Unlock()

	port.NewQP(q)
	return q, nil
}

// DeleteQueuePair removes mapping entries for q's key and detaches it
// from its port's scheduling group.
func (e *Engine) DeleteQueuePair(q *qp.QueuePair) {
	e.mu.Lock()
	delete(e.qpMap, q.Key())
	e.mu.Unlock()

	if q.CC != nil {
		q.CC.Cancel()
	}
	if q.PortIndex >= 0 && q.PortIndex < len(e.ports) {
		e.ports[q.PortIndex].Group().Remove(q)
	}
}

// AddTableEntry appends a next-hop port for dstIP to the inter-server or
// NVSwitch routing table.
func (e *Engine) AddTableEntry(dstIP uint32, portIdx int, isNVSwitch bool) error {
	if portIdx < 0 || portIdx >= len(e.ports) {
		return fmt.Errorf("engine: AddTableEntry port index %d out of range [0,%d)", portIdx, len(e.ports))
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if isNVSwitch {
		e.rtNVSwitch[dstIP] = append(e.rtNVSwitch[dstIP], portIdx)
	} else {
		e.rtInterServer[dstIP] = append(e.rtInterServer[dstIP], portIdx)
	}
	return nil
}

// ClearTable resets both routing tables.
func (e *Engine) ClearTable() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rtInterServer = make(map[uint32][]int)
	e.rtNVSwitch = make(map[uint32][]int)
}

// RedistributeQp re-hashes every live QP against the current routing
// tables: every port's QP group is cleared, then each QP is re-added
// under its freshly recomputed port. Used when link state changes.
func (e *Engine) RedistributeQp() error {
	e.mu.Lock()
	qps := make([]*qp.QueuePair, 0, len(e.qpMap))
	for _, q := range e.qpMap {
		qps = append(qps, q)
	}
	e.mu.Unlock()

	for _, p := range e.ports {
		p.Group().Clear()
	}

	for _, q := range qps {
		portIdx, err := e.selectPort(q)
		if err != nil {
			return err
		}
		q.PortIndex = portIdx
		e.ports[portIdx].ReassignedQP(q)
	}
	return nil
}

// selectPort picks a NIC port for q: the NVSwitch table when the flow is
// intra-server or an NVSwitch entry exists, else the inter-server table;
// within the list, index = hash mod len.
func (e *Engine) selectPort(q *qp.QueuePair) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	useNVSwitch := q.IntraServer(e.cfg.GpusPerServer)
	if !useNVSwitch {
		if _, ok := e.rtNVSwitch[q.DstIP]; ok {
			useNVSwitch = true
		}
	}

	list := e.rtInterServer[q.DstIP]
	if useNVSwitch {
		list = e.rtNVSwitch[q.DstIP]
	}
	if len(list) == 0 {
		return 0, fmt.Errorf("engine: no route to dst_ip=%d (nvswitch=%v)", q.DstIP, useNVSwitch)
	}
	idx := list[q.Hash()%uint32(len(list))]
	if idx < 0 || idx >= len(e.ports) {
		return 0, fmt.Errorf("engine: route to dst_ip=%d names out-of-range port %d", q.DstIP, idx)
	}
	return idx, nil
}

// newCCState constructs the CC substate matching e.cfg.CCMode.
func (e *Engine) newCCState(q *qp.QueuePair) qp.CCState {
	switch e.cfg.CCMode {
	case qp.CCModeDCQCN:
		return cc.NewDCQCN(q, e.clock, e, e.cfg.DCQCN)
	case qp.CCModeHPCC:
		cfg := e.cfg.HPCC
		cfg.Pint = false
		return cc.NewHPCC(q, e.clock, e, cfg)
	case qp.CCModeHPCCPint:
		cfg := e.cfg.HPCC
		cfg.Pint = true
		return cc.NewHPCC(q, e.clock, e, cfg)
	case qp.CCModeTimely:
		return cc.NewTimely(q, e.clock, e, e.cfg.Timely)
	case qp.CCModeDCTCP:
		return cc.NewDCTCP(q, e.clock, e, e.cfg.DCTCP)
	default:
		return nil
	}
}

// ChangeRate implements cc.RateChanger: it adjusts next_avail by the
// delta between the old and new bytes-transmit times, then updates both
// the QP's rate and the owning port's next-available gate, preserving
// whatever wait was already accrued.
func (e *Engine) ChangeRate(q *qp.QueuePair, newRate float64) {
	oldTx := bytesTxTime(q.LastPktSize, q.Rate)
	newTx := bytesTxTime(q.LastPktSize, newRate)
	q.NextAvail = q.NextAvail + newTx - oldTx
	q.Rate = newRate

	if q.PortIndex >= 0 && q.PortIndex < len(e.ports) {
		e.ports[q.PortIndex].UpdateNextAvail(q, q.NextAvail)
	}
}

// PktSent is the engine-side pacing bookkeeping hook a port calls after
// serving one frame.
func (e *Engine) PktSent(q *qp.QueuePair, pkt *headers.Packet, ifg time.Duration) {
	q.LastPktSize = pkt.Size
	e.updateNextAvail(q, ifg, pkt.Size)
	if q.NotifySentFn != nil {
		q.NotifySentFn(q, len(pkt.Payload))
	}
}

func (e *Engine) updateNextAvail(q *qp.QueuePair, ifg time.Duration, pktSize int) {
	effRate := q.Rate
	if !e.cfg.RateBound {
		effRate = q.MaxRate
	}
	q.NextAvail = e.clock.Now() + ifg + bytesTxTime(pktSize, effRate)
	if q.PortIndex >= 0 && q.PortIndex < len(e.ports) {
		e.ports[q.PortIndex].UpdateNextAvail(q, q.NextAvail)
	}
}

func (e *Engine) updateTxBytes(portIdx int, bytes int) {
	// The engine itself does not accumulate totals; it only forwards the
	// observation to whatever telemetry sink is attached.
	if e.cfg.TxBytesObserver != nil {
		e.cfg.TxBytesObserver(portIdx, bytes)
	}
}

// QPSnapshot is a point-in-time read of one live QueuePair's pacing and
// congestion state, for telemetry.
type QPSnapshot struct {
	SrcIP, DstIP     uint32
	SrcPort, DstPort uint16
	Priority         uint16
	Size             uint64
	RateBps          float64
	CnpCount         uint64
}

// QueuePairs returns a snapshot of every live QueuePair, for a telemetry
// collector's pull-based Collect.
func (e *Engine) QueuePairs() []QPSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]QPSnapshot, 0, len(e.qpMap))
	for _, q := range e.qpMap {
		out = append(out, QPSnapshot{
			SrcIP: q.SrcIP, DstIP: q.DstIP,
			SrcPort: q.SrcPort, DstPort: q.DstPort,
			Priority: q.Priority,
			Size:     q.Size,
			RateBps:  q.Rate,
			CnpCount: q.CnpCount,
		})
	}
	return out
}

// fatal reports a configuration fault.
func (e *Engine) fatal(err error) {
	e.log.Error("engine: configuration fault", "err", err)
	if e.cfg.OnFatal != nil {
		e.cfg.OnFatal(err)
	}
}

func (e *Engine) onLinkDown(p nicport.Port) {
	e.log.Warn("nic port link down")
}

func (e *Engine) sentOnPort(pkt *headers.Packet) int {
	if e.sendCompleteCb != nil {
		e.sendCompleteCb(pkt)
	}
	return e.receiveAny(pkt)
}

// receiveOnPort is the receive_cb bound to a specific port index, used for
// both normal link delivery and switch_as_host_send loopback.
func (e *Engine) receiveOnPort(portIdx int, pkt *headers.Packet) int {
	return e.receiveAny(pkt)
}

// receiveAny demuxes an incoming frame by its L3 protocol code.
func (e *Engine) receiveAny(pkt *headers.Packet) int {
	switch pkt.IP.Protocol {
	case headers.ProtoUDP:
		e.receiveUDP(pkt)
	case headers.ProtoCNP:
		e.receiveCNP(pkt)
	case headers.ProtoACK, headers.ProtoNACK:
		e.receiveAck(pkt)
	default:
		e.log.Warn("engine: unknown protocol on Receive", "protocol", pkt.IP.Protocol)
	}
	return 0
}

// bytesTxTime is the wall time to serialize size bytes at rate bits/sec.
func bytesTxTime(size int, rate float64) time.Duration {
	if rate <= 0 {
		return 0
	}
	seconds := float64(size) * 8 / rate
	return time.Duration(seconds * float64(time.Second))
}

// rxPartition is the optional sharded-mutex critical section around RxQP
// lookup/creation, for multi-threaded partition runs.
type rxPartition struct {
	shards    []sync.Mutex
	shardMask uint32
}

func newRxPartition(shards int) *rxPartition {
	if shards <= 0 {
		return &rxPartition{shards: make([]sync.Mutex, 1)}
	}
	return &rxPartition{shards: make([]sync.Mutex, shards)}
}

func (p *rxPartition) lockFor(key qp.RxKey) func() {
	h := fnv.New32a()
	var buf [10]byte
	buf[0] = byte(key.DstIP >> 24)
	buf[1] = byte(key.DstIP >> 16)
	buf[2] = byte(key.DstIP >> 8)
	buf[3] = byte(key.DstIP)
	buf[4] = byte(key.Priority >> 8)
	buf[5] = byte(key.Priority)
	buf[6] = byte(key.DstPort >> 8)
	buf[7] = byte(key.DstPort)
	_, _ = h.Write(buf[:8])
	idx := h.Sum32() % uint32(len(p.shards))
	p.shards[idx].Lock()
	return p.shards[idx].Unlock
}
