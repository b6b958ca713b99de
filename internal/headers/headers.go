// Package headers implements the wire-format building blocks the host
// engine layers onto outgoing packets and reads off incoming ones:
// SimpleSeqTs, UDP, IPv4, PPP, the qbb ACK/NACK control header and the
// CNP header. Byte-buffer construction and the PPP/IPv4/UDP codecs that
// would sit below these on real wire bytes belong to the surrounding
// simulator; these types model only the fields the host engine itself
// reads or writes.
package headers

import "fmt"

// IP protocol numbers used on the wire by this transport.
const (
	ProtoUDP = 0x11
	ProtoCNP = 0xFF
	ProtoACK = 0xFC
	ProtoNACK = 0xFD
)

// Ethertype values PPP encodes.
const (
	EthertypeIPv4 = 0x0800
	EthertypeIPv6 = 0x86DD

	pppIPv4 = 0x0021
	pppIPv6 = 0x0057
)

// EthertypeToPPP maps an Ethertype to its PPP protocol field value. An
// unrecognized Ethertype is a fatal encoding error.
func EthertypeToPPP(ethertype uint16) (uint16, error) {
	switch ethertype {
	case EthertypeIPv4:
		return pppIPv4, nil
	case EthertypeIPv6:
		return pppIPv6, nil
	default:
		return 0, fmt.Errorf("headers: unknown ethertype 0x%04x, cannot encode PPP header", ethertype)
	}
}

// PPPHeader is the link-layer framing header; Protocol is the PPP protocol
// field (see EthertypeToPPP), not the Ethertype itself.
type PPPHeader struct {
	Protocol uint16
}

// IPv4Header carries the subset of IPv4 fields the engine populates and
// inspects: addressing, the transport protocol code, TTL, identification
// (for reassembly-free uniqueness across a flow) and TOS (used here
// purely as the NVLS marker).
type IPv4Header struct {
	SrcIP       uint32
	DstIP       uint32
	Protocol    uint8
	TTL         uint8
	Identification uint16
	TOS         uint8
	ECNBits     uint8 // 0-3, low two bits of the traffic-class byte on real wire; modeled separately here for clarity
}

// NVLSTOSMarker is the TOS value stamped on frames of NVLS-enabled QPs;
// all other frames carry TOS 0.
const NVLSTOSMarker = 4

// UDPHeader carries the four-tuple ports the host engine keys flows by.
type UDPHeader struct {
	SrcPort uint16
	DstPort uint16
}

// SimpleSeqTs is the RDMA data-packet sequencing header: the byte offset of
// this segment's first byte and the flow's priority group.
type SimpleSeqTs struct {
	Seq      uint64
	Priority uint16
	// Ts is the send-time timestamp (nanoseconds on the simulation clock)
	// this segment was handed to the port at; TIMELY computes RTT from
	// its echo in the returning ACK.
	Ts int64
}

// HopTelemetry is the in-band network telemetry a switch hop appends to
// a data packet.
type HopTelemetry struct {
	QueueLenBytes  uint64
	TxBytesCounter uint64
	TimestampNs    int64
	LineRateBps    uint64
}

// QbbHeader is the control-packet payload carried by ACKs and NACKs.
type QbbHeader struct {
	Seq      uint64
	Priority uint16
	SrcPort  uint16
	DstPort  uint16
	Int      []HopTelemetry
	ECNEcho  bool
	Ts       int64 // echoed from the acknowledged data packet's SimpleSeqTs.Ts
}

// CNPHeader is the congestion-notification-packet payload.
type CNPHeader struct {
	QIndex  uint32
	FlowID  uint16 // source port of the flow that triggered the CNP
	ECNBits uint8
	QFB     uint32
	Total   uint32
}

// MinControlFrameBytes is the minimum padded size of an ACK/NACK/CNP
// control frame on the wire.
const MinControlFrameBytes = 60

// On-wire byte sizes of the fixed-format headers below PPP, used for
// pacing (serialization time covers whole frames, not payload alone) and
// for the minimum-control-frame padding computation.
const (
	PPPHeaderBytes     = 2
	IPv4HeaderBytes    = 20
	UDPHeaderBytes     = 8
	SimpleSeqTsBytes   = 10 // seq(8) + pg(2)
	QbbHeaderBaseBytes = 14 // seq(8) + pg(2) + sport(2) + dport(2); int/flags are variable-length
)

// Packet is the envelope the engine passes to/from the NIC port. Exactly
// one of Data/Qbb/Cnp is populated depending on Kind.
type Packet struct {
	PPP  PPPHeader
	IP   IPv4Header
	UDP  UDPHeader

	Kind PacketKind

	// Data packets (Kind == KindData).
	SeqTs   SimpleSeqTs
	Payload []byte
	Int     []HopTelemetry

	// Control packets (Kind == KindACK or KindNACK).
	Qbb QbbHeader

	// CNP packets (Kind == KindCNP).
	Cnp CNPHeader

	// NVLS marks an intra-server, NVSwitch-routed packet; it selects the
	// SwitchAsHostSend delivery path on switch-hosts.
	NVLS bool

	// Size is the on-wire byte size of the packet, used for pacing and
	// the minimum-frame-size padding rule.
	Size int
}

// PacketKind identifies which payload a Packet carries.
type PacketKind int

const (
	KindData PacketKind = iota
	KindACK
	KindNACK
	KindCNP
)

// PadToMinimum returns size, raised to MinControlFrameBytes-overhead if it
// would otherwise be smaller. overhead is the number of bytes already
// accounted for by lower layers (so the padding only tops up the remainder).
func PadToMinimum(size, overhead int) int {
	floor := MinControlFrameBytes - overhead
	if floor < 0 {
		floor = 0
	}
	if size < floor {
		return floor
	}
	return size
}
