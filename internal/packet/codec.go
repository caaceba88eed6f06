package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// ErrUnsupportedProtocol is returned for IP protocols other than
// TCP/UDP, and for IPv6 extension header chains this codec does not
// walk. Callers should count and drop, never crash.
var ErrUnsupportedProtocol = errors.New("packet: unsupported protocol")

// ErrParseError covers any malformed header: short buffer, bad
// version nibble, length fields that disagree with the buffer size.
var ErrParseError = errors.New("packet: parse error")

// DecodeIP parses either an IPv4 or an IPv6 datagram from buf,
// keeping a reference to buf as Raw (callers must not reuse buf while
// the returned IPPacket is in use).
func DecodeIP(buf []byte) (*IPPacket, error) {
	if len(buf) < 1 {
		return nil, fmt.Errorf("%w: empty buffer", ErrParseError)
	}
	var (
		ip  *IPPacket
		err error
	)
	switch buf[0] >> 4 {
	case 4:
		ip, err = decodeIPv4(buf)
	case 6:
		ip, err = decodeIPv6(buf)
	default:
		return nil, fmt.Errorf("%w: unknown IP version %d", ErrParseError, buf[0]>>4)
	}
	if err != nil {
		return nil, err
	}
	if ip.Protocol != ProtocolTCP && ip.Protocol != ProtocolUDP {
		return nil, fmt.Errorf("%w: ip protocol %d", ErrUnsupportedProtocol, ip.Protocol)
	}
	return ip, nil
}

func decodeIPv4(buf []byte) (*IPPacket, error) {
	h, err := ipv4.ParseHeader(buf)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParseError, err)
	}
	if h.Len > len(buf) {
		return nil, fmt.Errorf("%w: header length %d exceeds buffer %d", ErrParseError, h.Len, len(buf))
	}
	if IPv4HeaderChecksum(buf[:h.Len]) != 0 {
		return nil, fmt.Errorf("%w: ipv4 header checksum mismatch", ErrParseError)
	}
	if h.TotalLen > len(buf) {
		return nil, fmt.Errorf("%w: total length %d exceeds buffer %d", ErrParseError, h.TotalLen, len(buf))
	}
	src, ok := netip.AddrFromSlice(h.Src.To4())
	if !ok {
		return nil, fmt.Errorf("%w: bad source address", ErrParseError)
	}
	dst, ok := netip.AddrFromSlice(h.Dst.To4())
	if !ok {
		return nil, fmt.Errorf("%w: bad destination address", ErrParseError)
	}
	return &IPPacket{
		Addrs:    AddressPair{Src: src, Dst: dst},
		Protocol: uint8(h.Protocol),
		TTL:      uint8(h.TTL),
		Payload:  buf[h.Len:h.TotalLen],
		Raw:      buf[:h.TotalLen],
	}, nil
}

func decodeIPv6(buf []byte) (*IPPacket, error) {
	h, err := ipv6.ParseHeader(buf)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParseError, err)
	}
	totalLen := ipv6.HeaderLen + h.PayloadLen
	if totalLen > len(buf) {
		return nil, fmt.Errorf("%w: payload length %d exceeds buffer %d", ErrParseError, h.PayloadLen, len(buf))
	}
	src, ok := netip.AddrFromSlice(h.Src.To16())
	if !ok {
		return nil, fmt.Errorf("%w: bad source address", ErrParseError)
	}
	dst, ok := netip.AddrFromSlice(h.Dst.To16())
	if !ok {
		return nil, fmt.Errorf("%w: bad destination address", ErrParseError)
	}
	// Extension headers (hop-by-hop, routing, fragment...) are not
	// walked; NextHeader is trusted directly as the upper protocol, so
	// DecodeIP rejects a datagram that starts with an extension header
	// as ErrUnsupportedProtocol.
	return &IPPacket{
		Addrs:    AddressPair{Src: src, Dst: dst},
		Protocol: uint8(h.NextHeader),
		TTL:      uint8(h.HopLimit),
		Payload:  buf[ipv6.HeaderLen:totalLen],
		Raw:      buf[:totalLen],
	}, nil
}

// DecodeTCP parses the TCP header+payload carried by ip.
func DecodeTCP(ip *IPPacket) (*TCPSegment, error) {
	b := ip.Payload
	if len(b) < 20 {
		return nil, fmt.Errorf("%w: short TCP header", ErrParseError)
	}
	dataOffset := int(b[12]>>4) * 4
	if dataOffset < 20 || dataOffset > len(b) {
		return nil, fmt.Errorf("%w: bad TCP data offset %d", ErrParseError, dataOffset)
	}
	if !verifyChecksum(ip.Addrs.Src, ip.Addrs.Dst, ProtocolTCP, b) {
		return nil, fmt.Errorf("%w: tcp checksum mismatch", ErrParseError)
	}
	srcPort := binary.BigEndian.Uint16(b[0:2])
	dstPort := binary.BigEndian.Uint16(b[2:4])
	return &TCPSegment{
		Endpoints: TCPEndpointPair{Addrs: ip.Addrs, SrcPort: srcPort, DstPort: dstPort},
		Seq:       binary.BigEndian.Uint32(b[4:8]),
		Ack:       binary.BigEndian.Uint32(b[8:12]),
		Flags:     TCPFlags(b[13]),
		Window:    binary.BigEndian.Uint16(b[14:16]),
		Payload:   b[dataOffset:],
	}, nil
}

// DecodeUDP parses the UDP header+payload carried by ip.
func DecodeUDP(ip *IPPacket) (*UDPDatagram, error) {
	b := ip.Payload
	if len(b) < 8 {
		return nil, fmt.Errorf("%w: short UDP header", ErrParseError)
	}
	srcPort := binary.BigEndian.Uint16(b[0:2])
	dstPort := binary.BigEndian.Uint16(b[2:4])
	length := binary.BigEndian.Uint16(b[4:6])
	if int(length) > len(b) || length < 8 {
		return nil, fmt.Errorf("%w: bad UDP length %d", ErrParseError, length)
	}
	datagram := b[:length]
	if !verifyChecksum(ip.Addrs.Src, ip.Addrs.Dst, ProtocolUDP, datagram) {
		return nil, fmt.Errorf("%w: udp checksum mismatch", ErrParseError)
	}
	return &UDPDatagram{
		Endpoints: UDPEndpointPair{Addrs: ip.Addrs, SrcPort: srcPort, DstPort: dstPort},
		Payload:   datagram[8:],
	}, nil
}

// EncodeUDP serializes a UDP datagram wrapped in an IP header,
// returning the full wire frame. addrs.Src/Dst determine the IP
// version emitted.
func EncodeUDP(addrs AddressPair, srcPort, dstPort uint16, payload []byte) []byte {
	udpLen := 8 + len(payload)
	udpHdr := make([]byte, udpLen)
	binary.BigEndian.PutUint16(udpHdr[0:2], srcPort)
	binary.BigEndian.PutUint16(udpHdr[2:4], dstPort)
	binary.BigEndian.PutUint16(udpHdr[4:6], uint16(udpLen))
	copy(udpHdr[8:], payload)
	cksum := UDPChecksum(addrs.Src, addrs.Dst, udpHdr)
	binary.BigEndian.PutUint16(udpHdr[6:8], cksum)
	return wrapIP(addrs, ProtocolUDP, udpHdr)
}

// EncodeTCP serializes a TCP segment wrapped in an IP header,
// returning the full wire frame.
func EncodeTCP(ep TCPEndpointPair, seq, ack uint32, flags TCPFlags, window uint16, payload []byte) []byte {
	tcpLen := 20 + len(payload)
	tcpHdr := make([]byte, tcpLen)
	binary.BigEndian.PutUint16(tcpHdr[0:2], ep.SrcPort)
	binary.BigEndian.PutUint16(tcpHdr[2:4], ep.DstPort)
	binary.BigEndian.PutUint32(tcpHdr[4:8], seq)
	binary.BigEndian.PutUint32(tcpHdr[8:12], ack)
	tcpHdr[12] = 5 << 4 // data offset, no options
	tcpHdr[13] = byte(flags)
	binary.BigEndian.PutUint16(tcpHdr[14:16], window)
	copy(tcpHdr[20:], payload)
	cksum := TCPChecksum(ep.Addrs.Src, ep.Addrs.Dst, tcpHdr)
	binary.BigEndian.PutUint16(tcpHdr[16:18], cksum)
	return wrapIP(ep.Addrs, ProtocolTCP, tcpHdr)
}

// wrapIP prepends an IPv4 or IPv6 header (chosen by addrs' family)
// around an already-checksummed transport segment.
func wrapIP(addrs AddressPair, proto uint8, segment []byte) []byte {
	if addrs.Src.Is4() {
		return wrapIPv4(addrs, proto, segment)
	}
	return wrapIPv6(addrs, proto, segment)
}

func wrapIPv4(addrs AddressPair, proto uint8, segment []byte) []byte {
	total := 20 + len(segment)
	buf := make([]byte, total)
	buf[0] = 0x45 // version 4, IHL 5
	buf[1] = 0
	binary.BigEndian.PutUint16(buf[2:4], uint16(total))
	binary.BigEndian.PutUint16(buf[4:6], nextIPID())
	binary.BigEndian.PutUint16(buf[6:8], 0x4000) // don't fragment
	buf[8] = 64                                  // TTL
	buf[9] = proto
	src4 := addrs.Src.As4()
	dst4 := addrs.Dst.As4()
	copy(buf[12:16], src4[:])
	copy(buf[16:20], dst4[:])
	cksum := IPv4HeaderChecksum(buf[0:20])
	binary.BigEndian.PutUint16(buf[10:12], cksum)
	copy(buf[20:], segment)
	return buf
}

func wrapIPv6(addrs AddressPair, proto uint8, segment []byte) []byte {
	total := 40 + len(segment)
	buf := make([]byte, total)
	buf[0] = 0x60 // version 6, traffic class 0, flow label 0
	binary.BigEndian.PutUint16(buf[4:6], uint16(len(segment)))
	buf[6] = proto
	buf[7] = 64 // hop limit
	src16 := addrs.Src.As16()
	dst16 := addrs.Dst.As16()
	copy(buf[8:24], src16[:])
	copy(buf[24:40], dst16[:])
	copy(buf[40:], segment)
	return buf
}
