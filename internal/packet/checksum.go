// Package packet implements IPv4/IPv6/TCP/UDP header parsing and
// serialization for the datagrams read from and written to the TUN
// device. It has no dependency on the embedded network stack so the
// checksum and framing invariants can be exercised in isolation.
package packet

import "net/netip"

// internetChecksum computes the RFC 1071 one's-complement checksum
// over data. Callers pass an accumulator (usually 0) so a pseudo
// header can be folded in before the payload.
func internetChecksum(data []byte, acc uint32) uint16 {
	n := len(data)
	for i := 0; i+1 < n; i += 2 {
		acc += uint32(data[i])<<8 | uint32(data[i+1])
	}
	if n&1 == 1 {
		acc += uint32(data[n-1]) << 8
	}
	for acc>>16 != 0 {
		acc = (acc & 0xffff) + (acc >> 16)
	}
	return ^uint16(acc)
}

// pseudoHeaderSum folds an IPv4 or IPv6 pseudo header into a checksum
// accumulator, per RFC 793 §3.1 (TCP) and RFC 768 (UDP, optional for
// v4, mandatory for v6).
func pseudoHeaderSum(src, dst netip.Addr, proto uint8, length int) uint32 {
	var acc uint32
	sum16 := func(b []byte) {
		for i := 0; i+1 < len(b); i += 2 {
			acc += uint32(b[i])<<8 | uint32(b[i+1])
		}
	}
	s, d := src.As16(), dst.As16()
	if src.Is4() {
		s4 := src.As4()
		d4 := dst.As4()
		sum16(s4[:])
		sum16(d4[:])
	} else {
		sum16(s[:])
		sum16(d[:])
	}
	acc += uint32(proto)
	acc += uint32(length)
	return acc
}

// TCPChecksum computes the checksum for a TCP segment given the
// enclosing IP addresses and the fully assembled TCP header+payload
// (with the checksum field zeroed).
func TCPChecksum(src, dst netip.Addr, tcpSegment []byte) uint16 {
	acc := pseudoHeaderSum(src, dst, ProtocolTCP, len(tcpSegment))
	return internetChecksum(tcpSegment, acc)
}

// UDPChecksum computes the checksum for a UDP datagram given the
// enclosing IP addresses and the fully assembled UDP header+payload
// (with the checksum field zeroed). Per RFC 768, a computed value of
// zero is transmitted as all-ones for IPv4; RFC 2460 makes the UDP
// checksum mandatory for IPv6 so the same rule is applied uniformly.
func UDPChecksum(src, dst netip.Addr, udpDatagram []byte) uint16 {
	acc := pseudoHeaderSum(src, dst, ProtocolUDP, len(udpDatagram))
	sum := internetChecksum(udpDatagram, acc)
	if sum == 0 {
		return 0xffff
	}
	return sum
}

// IPv4HeaderChecksum computes the header-only checksum used by IPv4
// (IPv6 carries no header checksum at all).
func IPv4HeaderChecksum(header []byte) uint16 {
	return internetChecksum(header, 0)
}

// verifyChecksum reports whether segment, as received with its own
// checksum field still in place, is internally consistent: the
// pseudo-header-inclusive one's-complement sum of a valid segment
// always folds to zero. Used on the decode side, where encode-side
// concerns like RFC 768's zero-becomes-all-ones substitution don't
// apply.
func verifyChecksum(src, dst netip.Addr, proto uint8, segment []byte) bool {
	acc := pseudoHeaderSum(src, dst, proto, len(segment))
	return internetChecksum(segment, acc) == 0
}
