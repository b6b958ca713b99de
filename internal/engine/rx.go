package engine

import (
	"fmt"

	"github.com/rdmasim/hostengine/internal/cc"
	"github.com/rdmasim/hostengine/internal/headers"
	"github.com/rdmasim/hostengine/internal/qp"
)

// SeqDecision is ReceiverCheckSeq's five-way outcome.
type SeqDecision int

const (
	DecisionACK SeqDecision = iota
	DecisionNACK
	DecisionDuplicate
	DecisionSilentInOrder
	DecisionSilentCovered
)

// getOrCreateRxQP lazily creates receive state on a flow's first packet,
// under the optional partition mode's per-shard lock.
func (e *Engine) getOrCreateRxQP(key qp.RxKey, srcIP uint32, srcPort uint16) *qp.RxQueuePair {
	unlock := e.partition.lockFor(key)
	defer unlock()

	if rx, ok := e.rxQPMap[key]; ok {
		return rx
	}
	rx := &qp.RxQueuePair{
		DstIP: key.DstIP, Priority: key.Priority, DstPort: key.DstPort,
		SrcIP: srcIP, SrcPort: srcPort,
	}
	e.rxQPMap[key] = rx
	return rx
}

// ReceiverCheckSeq runs the receive-side sequence check: it mutates
// rx.ExpectedSeq (and, on NACK, snaps it down under back_to_0) and
// returns which control frame (if any) the caller must synthesise.
func (e *Engine) ReceiverCheckSeq(seq uint64, rx *qp.RxQueuePair, segBytes uint64) SeqDecision {
	now := e.clock.Now()
	expected := rx.ExpectedSeq

	if seq == expected {
		rx.ExpectedSeq = expected + segBytes
		if rx.ExpectedSeq >= rx.MilestoneRx {
			rx.MilestoneRx += e.cfg.AckInterval
			return DecisionACK
		}
		if e.cfg.Chunk > 0 && rx.ExpectedSeq%e.cfg.Chunk == 0 {
			return DecisionACK
		}
		return DecisionSilentInOrder
	}

	if seq > expected {
		recentNackCovers := rx.HasLastNack && rx.LastNackSeq == expected && now < rx.NackTimer
		if recentNackCovers {
			return DecisionSilentCovered
		}
		rx.NackTimer = now + e.cfg.NackInterval
		rx.LastNackSeq = expected
		rx.HasLastNack = true
		if e.cfg.BackToZero && e.cfg.Chunk > 0 {
			rx.ExpectedSeq = rx.ExpectedSeq / e.cfg.Chunk * e.cfg.Chunk
		}
		return DecisionNACK
	}

	return DecisionDuplicate
}

// receiveUDP is the receiver path for data packets: per-packet ECN
// accounting, sequence check, and ACK/NACK synthesis. The milestone is
// reset to the flat ack-interval before every sequence check, so once a
// flow's cumulative expected_seq has passed it, each further in-order
// packet also does.
func (e *Engine) receiveUDP(pkt *headers.Packet) {
	key := qp.RxKey{DstIP: pkt.IP.DstIP, Priority: pkt.SeqTs.Priority, DstPort: pkt.UDP.DstPort}
	rx := e.getOrCreateRxQP(key, pkt.IP.SrcIP, pkt.UDP.SrcPort)

	if pkt.IP.ECNBits != 0 {
		rx.EcnBits |= uint64(pkt.IP.ECNBits)
		rx.QfbCount++
	}
	rx.TotalCount++
	rx.MilestoneRx = e.cfg.AckInterval

	decision := e.ReceiverCheckSeq(pkt.SeqTs.Seq, rx, uint64(len(pkt.Payload)))
	if decision != DecisionACK && decision != DecisionNACK {
		return
	}

	kind := headers.KindACK
	proto := uint8(headers.ProtoACK)
	if decision == DecisionNACK {
		kind = headers.KindNACK
		proto = headers.ProtoNACK
	}

	ctl := &headers.Packet{
		PPP: headers.PPPHeader{Protocol: pkt.PPP.Protocol},
		IP: headers.IPv4Header{
			SrcIP: pkt.IP.DstIP, DstIP: pkt.IP.SrcIP,
			Protocol:       proto,
			TTL:            64,
			Identification: rx.IPID,
			TOS:            pkt.IP.TOS,
		},
		UDP:  headers.UDPHeader{SrcPort: pkt.UDP.DstPort, DstPort: pkt.UDP.SrcPort},
		Kind: kind,
		Qbb: headers.QbbHeader{
			Seq: rx.ExpectedSeq, Priority: pkt.SeqTs.Priority,
			SrcPort: pkt.UDP.DstPort, DstPort: pkt.UDP.SrcPort,
			Int:     pkt.Int,
			ECNEcho: pkt.IP.ECNBits != 0,
			Ts:      pkt.SeqTs.Ts,
		},
		NVLS: pkt.IP.TOS == headers.NVLSTOSMarker,
	}
	rx.IPID++
	ctl.Size = headers.PadToMinimum(
		headers.QbbHeaderBaseBytes+len(ctl.Qbb.Int)*32,
		headers.PPPHeaderBytes+headers.IPv4HeaderBytes,
	)

	port := e.ports[e.rxPortIndex(rx)]
	port.RdmaEnqueueHighPrioQ(ctl)
	if e.cfg.SwitchAsHost && ctl.NVLS {
		port.SwitchAsHostSend()
	} else {
		port.TriggerTransmit()
	}
}

// rxPortIndex resolves which port an RxQP's control traffic should egress
// from. This module has no independent notion of "the port a reverse flow
// arrived on" beyond the forward QP's own assignment, so it reuses the
// matching forward QP's port when one exists, falling back to port 0.
func (e *Engine) rxPortIndex(rx *qp.RxQueuePair) int {
	fwdKey := qp.Key{DstIP: rx.SrcIP, SrcPort: rx.DstPort, Priority: rx.Priority}
	e.mu.Lock()
	q, ok := e.qpMap[fwdKey]
	e.mu.Unlock()
	if ok {
		return q.PortIndex
	}
	return 0
}

// receiveCNP locates the QP the CNP reports on and, when DCQCN is
// active, feeds its CNP handler. A CNP for an unknown QP is a
// configuration fault.
func (e *Engine) receiveCNP(pkt *headers.Packet) {
	key := qp.Key{DstIP: pkt.IP.SrcIP, SrcPort: pkt.Cnp.FlowID, Priority: uint16(pkt.Cnp.QIndex)}
	if err := e.reactToCNP(key); err != nil {
		e.fatal(err)
	}
}

// InjectCNP feeds a CNP reaction directly into the QP matching
// (dst_ip, src_port, priority_group), bypassing the wire path. This is
// the hook internal/pfcbridge uses to translate a real NIC's PFC pause
// signal into the same congestion-control reaction a simulated CNP would
// have caused.
func (e *Engine) InjectCNP(dstIP uint32, srcPort uint16, priority uint16) error {
	return e.reactToCNP(qp.Key{DstIP: dstIP, SrcPort: srcPort, Priority: priority})
}

func (e *Engine) reactToCNP(key qp.Key) error {
	e.mu.Lock()
	q, ok := e.qpMap[key]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("engine: CNP received for unknown QP (dst_ip=%d, sport=%d, pg=%d)", key.DstIP, key.SrcPort, key.Priority)
	}

	if q.Rate == 0 {
		q.Rate = q.MaxRate
	}

	if d, ok := q.CC.(*cc.DCQCN); ok {
		d.OnCNPReceived()
	}
	return nil
}

// receiveAck is the sender-side handler for both ACK (0xFC) and NACK
// (0xFD) control packets: advance snd_una, recover on NACK, complete the
// QP, count CNP echoes, and hand the ACK to the active CC state machine.
func (e *Engine) receiveAck(pkt *headers.Packet) {
	key := qp.Key{DstIP: pkt.IP.SrcIP, SrcPort: pkt.UDP.DstPort, Priority: pkt.Qbb.Priority}
	e.mu.Lock()
	q, ok := e.qpMap[key]
	e.mu.Unlock()
	if !ok {
		return
	}

	seq := pkt.Qbb.Seq
	if e.cfg.BackToZero && e.cfg.Chunk > 0 {
		seq = seq / e.cfg.Chunk * e.cfg.Chunk
	}
	if seq > q.SndUna {
		q.SndUna = seq
	}

	if pkt.Kind == headers.KindNACK {
		e.RecoverQueue(q)
	}

	if q.Complete() {
		e.QpComplete(q)
		return
	}

	if pkt.Qbb.ECNEcho {
		q.CnpCount++
		if d, ok := q.CC.(*cc.DCQCN); ok {
			d.OnCNPReceived()
		}
	}

	e.dispatchAck(q, pkt)

	if e.cfg.SwitchAsHost && pkt.NVLS {
		e.ports[q.PortIndex].SwitchAsHostSend()
	} else {
		e.ports[q.PortIndex].TriggerTransmit()
	}
}

// dispatchAck feeds the active CC state machine's OnAck, translating the
// wire INT header into cc.HopSample values. DCQCN reacts only to CNPs
// (handled above), so it has no OnAck and is skipped here.
func (e *Engine) dispatchAck(q *qp.QueuePair, pkt *headers.Packet) {
	samples := make([]cc.HopSample, len(pkt.Qbb.Int))
	for i, h := range pkt.Qbb.Int {
		samples[i] = cc.HopSample{
			QueueLenBytes: h.QueueLenBytes, TxBytesCounter: h.TxBytesCounter,
			TimestampNs: h.TimestampNs, LineRateBps: h.LineRateBps,
		}
	}
	ctx := cc.AckContext{
		AckSeq: pkt.Qbb.Seq, Now: e.clock.Now(), ECNEcho: pkt.Qbb.ECNEcho, Int: samples,
	}

	switch state := q.CC.(type) {
	case *cc.HPCC:
		state.OnAck(ctx)
	case *cc.Timely:
		state.OnAck(ctx, pkt.Qbb.Ts)
	case *cc.DCTCP:
		state.OnAck(pkt.Qbb.Seq, pkt.Qbb.ECNEcho)
	}
}

// RecoverQueue rewinds transmission to the first unacknowledged byte
// (go-back-N).
func (e *Engine) RecoverQueue(q *qp.QueuePair) {
	q.SndNxt = q.SndUna
}

// QpComplete cancels all CC timers, notifies the application, and
// destroys the QP.
func (e *Engine) QpComplete(q *qp.QueuePair) {
	if q.CC != nil {
		q.CC.Cancel()
	}
	if e.qpCompleteCb != nil {
		e.qpCompleteCb(q)
	}
	if q.NotifyFinishFn != nil {
		q.NotifyFinishFn(q)
	}
	e.DeleteQueuePair(q)
}
