package packet

import (
	"errors"
	"net/netip"
	"testing"
)

func TestEncodeDecodeUDPv4RoundTrip(t *testing.T) {
	addrs := AddressPair{Src: netip.MustParseAddr("10.6.7.7"), Dst: netip.MustParseAddr("93.184.216.34")}
	payload := []byte("hello")
	wire := EncodeUDP(addrs, 5555, 53, payload)

	ip, err := DecodeIP(wire)
	if err != nil {
		t.Fatalf("DecodeIP: %v", err)
	}
	if ip.Protocol != ProtocolUDP {
		t.Fatalf("protocol = %d, want UDP", ip.Protocol)
	}
	dg, err := DecodeUDP(ip)
	if err != nil {
		t.Fatalf("DecodeUDP: %v", err)
	}
	if string(dg.Payload) != "hello" {
		t.Fatalf("payload = %q, want %q", dg.Payload, "hello")
	}
	if dg.Endpoints.SrcPort != 5555 || dg.Endpoints.DstPort != 53 {
		t.Fatalf("endpoints = %+v", dg.Endpoints)
	}
}

func TestEncodeDecodeTCPv6RoundTrip(t *testing.T) {
	addrs := AddressPair{
		Src: netip.MustParseAddr("fe80::613b:4e3f:81e9:7e01"),
		Dst: netip.MustParseAddr("2606:4700:4700::1111"),
	}
	ep := TCPEndpointPair{Addrs: addrs, SrcPort: 40000, DstPort: 443}
	payload := []byte("GET / HTTP/1.1\r\n\r\n")
	wire := EncodeTCP(ep, 100, 0, FlagSYN, 65535, payload)

	ip, err := DecodeIP(wire)
	if err != nil {
		t.Fatalf("DecodeIP: %v", err)
	}
	seg, err := DecodeTCP(ip)
	if err != nil {
		t.Fatalf("DecodeTCP: %v", err)
	}
	if seg.Seq != 100 || !seg.Flags.Has(FlagSYN) {
		t.Fatalf("segment = %+v", seg)
	}
	if string(seg.Payload) != string(payload) {
		t.Fatalf("payload mismatch")
	}
}

func TestDecodeIPRejectsShortBuffer(t *testing.T) {
	if _, err := DecodeIP(nil); err == nil {
		t.Fatal("expected error for empty buffer")
	}
	if _, err := DecodeIP([]byte{0x45, 0, 0, 20}); err == nil {
		t.Fatal("expected error for truncated header")
	}
}

func TestDecodeTCPRejectsBadDataOffset(t *testing.T) {
	seg := make([]byte, 20)
	seg[12] = 0x30 // data offset 3 words, shorter than the minimum 5
	addrs := AddressPair{Src: netip.MustParseAddr("10.0.0.1"), Dst: netip.MustParseAddr("10.0.0.2")}
	wire := wrapIPv4(addrs, ProtocolTCP, seg)
	ip, err := DecodeIP(wire)
	if err != nil {
		t.Fatalf("DecodeIP: %v", err)
	}
	if _, err := DecodeTCP(ip); err == nil {
		t.Fatal("expected parse error for undersized data offset")
	}
}

func TestDecodeUDPRejectsAlteredPayload(t *testing.T) {
	addrs := AddressPair{Src: netip.MustParseAddr("10.6.7.7"), Dst: netip.MustParseAddr("93.184.216.34")}
	wire := EncodeUDP(addrs, 5555, 53, []byte("hello"))

	// Flip one payload byte without touching the checksum field; the
	// datagram is otherwise well-formed (correct lengths, valid IPv4
	// header) so only the transport checksum can catch this.
	wire[len(wire)-1] ^= 0xff

	ip, err := DecodeIP(wire)
	if err != nil {
		t.Fatalf("DecodeIP: %v", err)
	}
	if _, err := DecodeUDP(ip); !errors.Is(err, ErrParseError) {
		t.Fatalf("DecodeUDP with corrupted payload = %v, want ErrParseError", err)
	}
}

func TestDecodeTCPRejectsAlteredPayload(t *testing.T) {
	addrs := AddressPair{
		Src: netip.MustParseAddr("fe80::613b:4e3f:81e9:7e01"),
		Dst: netip.MustParseAddr("2606:4700:4700::1111"),
	}
	ep := TCPEndpointPair{Addrs: addrs, SrcPort: 40000, DstPort: 443}
	wire := EncodeTCP(ep, 100, 0, FlagSYN, 65535, []byte("GET / HTTP/1.1\r\n\r\n"))

	wire[len(wire)-1] ^= 0xff

	ip, err := DecodeIP(wire)
	if err != nil {
		t.Fatalf("DecodeIP: %v", err)
	}
	if _, err := DecodeTCP(ip); !errors.Is(err, ErrParseError) {
		t.Fatalf("DecodeTCP with corrupted payload = %v, want ErrParseError", err)
	}
}

func TestDecodeIPv4RejectsAlteredHeader(t *testing.T) {
	addrs := AddressPair{Src: netip.MustParseAddr("10.6.7.7"), Dst: netip.MustParseAddr("93.184.216.34")}
	wire := EncodeUDP(addrs, 5555, 53, []byte("hello"))

	// Flip a header byte (TTL) without recomputing the header
	// checksum.
	wire[8] ^= 0xff

	if _, err := DecodeIP(wire); !errors.Is(err, ErrParseError) {
		t.Fatalf("DecodeIP with corrupted header = %v, want ErrParseError", err)
	}
}

func TestUDPChecksumZeroBecomesAllOnes(t *testing.T) {
	// proto(17) + length(8) contributes 25 to the pseudo-header sum;
	// crafting a header whose own words sum to 0xffe6 drives the
	// complemented checksum to exactly zero, which RFC 768 requires
	// be transmitted as all-ones instead.
	addrs := AddressPair{Src: netip.MustParseAddr("0.0.0.0"), Dst: netip.MustParseAddr("0.0.0.0")}
	hdr := make([]byte, 8)
	hdr[0], hdr[1] = 0xff, 0xe6
	sum := UDPChecksum(addrs.Src, addrs.Dst, hdr)
	if sum != 0xffff {
		t.Fatalf("checksum = %x, want 0xffff", sum)
	}
}
