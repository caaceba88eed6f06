package packet

import (
	"fmt"
	"net/netip"
)

// IP protocol numbers used by the codec. Only the two the gateway
// terminates are named; everything else falls through to
// ErrUnsupportedProtocol.
const (
	ProtocolTCP = 6
	ProtocolUDP = 17
)

// AddressPair is a comparable, hashable {src, dst} address value
// usable directly as (part of) a map key. netip.Addr rather than
// net.IP is used deliberately: net.IP is a byte slice and is neither
// comparable nor safe as a map key.
type AddressPair struct {
	Src netip.Addr
	Dst netip.Addr
}

func (p AddressPair) String() string {
	return fmt.Sprintf("%s->%s", p.Src, p.Dst)
}

// Reverse swaps src/dst, giving the key for the return direction of a
// flow.
func (p AddressPair) Reverse() AddressPair {
	return AddressPair{Src: p.Dst, Dst: p.Src}
}

// TCPEndpointPair is the 5-tuple key for a TCP flow.
type TCPEndpointPair struct {
	Addrs   AddressPair
	SrcPort uint16
	DstPort uint16
}

func (e TCPEndpointPair) String() string {
	return fmt.Sprintf("tcp %s:%d->%s:%d", e.Addrs.Src, e.SrcPort, e.Addrs.Dst, e.DstPort)
}

// Reverse gives the key seen from the other endpoint.
func (e TCPEndpointPair) Reverse() TCPEndpointPair {
	return TCPEndpointPair{Addrs: e.Addrs.Reverse(), SrcPort: e.DstPort, DstPort: e.SrcPort}
}

// UDPEndpointPair is the 5-tuple key for a UDP flow.
type UDPEndpointPair struct {
	Addrs   AddressPair
	SrcPort uint16
	DstPort uint16
}

func (e UDPEndpointPair) String() string {
	return fmt.Sprintf("udp %s:%d->%s:%d", e.Addrs.Src, e.SrcPort, e.Addrs.Dst, e.DstPort)
}

// Reverse gives the key seen from the other endpoint.
func (e UDPEndpointPair) Reverse() UDPEndpointPair {
	return UDPEndpointPair{Addrs: e.Addrs.Reverse(), SrcPort: e.DstPort, DstPort: e.SrcPort}
}

// IPPacket is a parsed view over a received IP datagram. Raw retains
// the full wire bytes (header+payload) so the codec never needs to
// re-serialize an unmodified inbound packet.
type IPPacket struct {
	Addrs    AddressPair
	Protocol uint8
	TTL      uint8
	Payload  []byte // transport-layer bytes (after the IP header)
	Raw      []byte // full datagram as read from the TUN device
}

// TCPFlags mirrors the control-bit octet of a TCP header.
type TCPFlags uint8

const (
	FlagFIN TCPFlags = 1 << iota
	FlagSYN
	FlagRST
	FlagPSH
	FlagACK
	FlagURG
)

func (f TCPFlags) Has(bit TCPFlags) bool { return f&bit != 0 }

// TCPSegment is a parsed TCP header plus payload.
type TCPSegment struct {
	Endpoints TCPEndpointPair
	Seq       uint32
	Ack       uint32
	Flags     TCPFlags
	Window    uint16
	Payload   []byte
}

// UDPDatagram is a parsed UDP header plus payload.
type UDPDatagram struct {
	Endpoints UDPEndpointPair
	Payload   []byte
}
