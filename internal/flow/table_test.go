package flow

import (
	"io"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/nsheridan/tun2socks/internal/packet"
)

func testEndpointsTCP() packet.TCPEndpointPair {
	return packet.TCPEndpointPair{
		Addrs:   packet.AddressPair{Src: netip.MustParseAddr("10.6.7.7"), Dst: netip.MustParseAddr("93.184.216.34")},
		SrcPort: 12345,
		DstPort: 80,
	}
}

func testEndpointsUDP() packet.UDPEndpointPair {
	return packet.UDPEndpointPair{
		Addrs:   packet.AddressPair{Src: netip.MustParseAddr("10.6.7.7"), Dst: netip.MustParseAddr("114.114.114.114")},
		SrcPort: 5353,
		DstPort: 53,
	}
}

func TestValidateRejectsUnsupportedProtocol(t *testing.T) {
	ip := &packet.IPPacket{Protocol: 1} // ICMP
	if err := Validate(ip); err == nil {
		t.Fatal("expected ErrUnsupportedProtocol")
	}
	ip.Protocol = packet.ProtocolTCP
	if err := Validate(ip); err != nil {
		t.Fatalf("unexpected error for TCP: %v", err)
	}
}

func TestTableAddRemoveIsIdempotent(t *testing.T) {
	table := NewTable()
	ep := testEndpointsTCP()
	table.RemoveTCP(ep) // no-op on empty table
	if table.TCPCount() != 0 {
		t.Fatalf("count = %d, want 0", table.TCPCount())
	}

	a, b := net.Pipe()
	f := NewTCPFlow(ep, a, b, table, zerolog.Nop())
	if table.TCPCount() != 1 {
		t.Fatalf("count = %d, want 1", table.TCPCount())
	}
	f.Close()
	f.Close() // second close must not panic or double-remove badly
	if table.TCPCount() != 0 {
		t.Fatalf("count after close = %d, want 0", table.TCPCount())
	}
	table.RemoveTCP(ep) // removing again is still a no-op
}

func TestSweepEvictsIdleUDPFlows(t *testing.T) {
	table := NewTable()
	ep := testEndpointsUDP()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket: %v", err)
	}
	f := NewUDPFlow(ep, pc, func([]byte) error { return nil }, table, zerolog.Nop())
	defer f.Close()

	if idle := table.Sweep(time.Now(), IdleTimeout); len(idle) != 0 {
		t.Fatalf("freshly created flow should not be idle yet, got %d", len(idle))
	}
	future := time.Now().Add(IdleTimeout + time.Second)
	idle := table.Sweep(future, IdleTimeout)
	if len(idle) != 1 || idle[0] != f {
		t.Fatalf("expected the single flow to be idle, got %v", idle)
	}
}

func TestTCPFlowPumpRelaysAndCloses(t *testing.T) {
	table := NewTable()
	ep := testEndpointsTCP()
	tunnelA, tunnelB := net.Pipe()
	remoteA, remoteB := net.Pipe()

	f := NewTCPFlow(ep, tunnelA, remoteA, table, zerolog.Nop())
	go f.Pump()

	go func() {
		io.WriteString(tunnelB, "ping")
		tunnelB.Close()
	}()

	got := make([]byte, 4)
	if _, err := io.ReadFull(remoteB, got); err != nil {
		t.Fatalf("ReadFull: %v", err)
	}
	if string(got) != "ping" {
		t.Fatalf("got %q, want ping", got)
	}
	remoteB.Close()

	select {
	case <-f.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("flow did not close")
	}
	if table.TCPCount() != 0 {
		t.Fatal("flow still registered in table after close")
	}
}
