package engine

import (
	"github.com/rdmasim/hostengine/internal/headers"
	"github.com/rdmasim/hostengine/internal/qp"
)

// GetNxtPacket synthesises one segment of size min(mtu, size-snd_nxt),
// building headers bottom-up, then advances snd_nxt. Returns ok=false
// once every byte has already been transmitted (the port should stop
// scheduling this QP for new data).
func (e *Engine) GetNxtPacket(q *qp.QueuePair) (*headers.Packet, bool) {
	remaining := q.UnsentBytes()
	if remaining == 0 {
		return nil, false
	}

	segSize := uint64(e.cfg.MTU)
	if segSize == 0 || segSize > remaining {
		segSize = remaining
	}

	tos := uint8(0)
	if q.NVLSEnable {
		tos = headers.NVLSTOSMarker
	}
	pppProto, err := headers.EthertypeToPPP(headers.EthertypeIPv4)
	if err != nil {
		// Unreachable: this engine only ever encodes IPv4 data frames, a
		// fixed, known-good Ethertype.
		e.log.Error("engine: impossible PPP encoding failure", "err", err)
		return nil, false
	}

	pkt := &headers.Packet{
		PPP: headers.PPPHeader{Protocol: pppProto},
		IP: headers.IPv4Header{
			SrcIP: q.SrcIP, DstIP: q.DstIP,
			Protocol:       headers.ProtoUDP,
			TTL:            64,
			Identification: q.IPID,
			TOS:            tos,
		},
		UDP:     headers.UDPHeader{SrcPort: q.SrcPort, DstPort: q.DstPort},
		Kind:    headers.KindData,
		SeqTs:   headers.SimpleSeqTs{Seq: q.SndNxt, Priority: q.Priority, Ts: int64(e.clock.Now())},
		Payload: make([]byte, segSize),
		NVLS:    q.NVLSEnable,
	}
	pkt.Size = headers.PPPHeaderBytes + headers.IPv4HeaderBytes + headers.UDPHeaderBytes +
		headers.SimpleSeqTsBytes + int(segSize)

	q.IPID++
	q.SndNxt += segSize
	return pkt, true
}
