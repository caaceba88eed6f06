// Package gonet2socks wires gvisor.dev/gvisor's userland TCP/IP stack
// to a raw (non-ethernet) IP channel endpoint, and exposes newly
// intercepted TCP/UDP flows through a pair of callback handlers. This
// is the embedded stack the component design calls "conceptually
// lwIP-equivalent" — gVisor's netstack owns retransmission, windowing
// and TIME_WAIT so nothing upstream of it has to.
package gonet2socks

import (
	"context"
	"fmt"
	"net"
	"net/netip"

	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv6"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"
	"gvisor.dev/gvisor/pkg/waiter"

	"github.com/nsheridan/tun2socks/internal/packet"
)

const nicID tcpip.NICID = 1

// TCPHandler is invoked once per new TCP connection intercepted from
// the tunnel, with the 5-tuple as it appeared on the wire and a
// net.Conn bridging into the embedded stack's endpoint.
type TCPHandler func(ep packet.TCPEndpointPair, conn net.Conn)

// UDPHandler is invoked once per new UDP flow (a previously-unseen
// 5-tuple) intercepted from the tunnel.
type UDPHandler func(ep packet.UDPEndpointPair, conn net.Conn)

// Config configures a Stack.
type Config struct {
	MTU uint32

	Address4   netip.Addr
	PrefixLen4 int
	Address6   netip.Addr
	PrefixLen6 int

	TCPHandler TCPHandler
	UDPHandler UDPHandler
}

// Stack owns the embedded gVisor network stack and its TUN-facing
// channel endpoint.
type Stack struct {
	stack *stack.Stack
	ep    *channel.Endpoint
}

// New builds the stack, attaches its single NIC, installs default
// routes for both address families through it, and registers the
// TCP/UDP forwarders that intercept every new flow regardless of
// destination (promiscuous + spoofing mode, since this stack never
// owns the addresses processes actually dial).
func New(cfg Config) (*Stack, error) {
	ep := channel.New(512, cfg.MTU, "")
	s := stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol, ipv6.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocol, udp.NewProtocol},
	})
	if err := s.CreateNIC(nicID, ep); err != nil {
		return nil, fmt.Errorf("gonet2socks: create nic: %s", err)
	}
	if err := s.SetSpoofing(nicID, true); err != nil {
		return nil, fmt.Errorf("gonet2socks: set spoofing: %s", err)
	}
	if err := s.SetPromiscuousMode(nicID, true); err != nil {
		return nil, fmt.Errorf("gonet2socks: set promiscuous: %s", err)
	}

	if cfg.Address4.IsValid() {
		if err := s.AddProtocolAddress(nicID, tcpip.ProtocolAddress{
			Protocol: ipv4.ProtocolNumber,
			AddressWithPrefix: tcpip.AddressWithPrefix{
				Address:   tcpip.AddrFromSlice(cfg.Address4.AsSlice()),
				PrefixLen: cfg.PrefixLen4,
			},
		}, stack.AddressProperties{}); err != nil {
			return nil, fmt.Errorf("gonet2socks: add ipv4 address: %s", err)
		}
	}
	if cfg.Address6.IsValid() {
		if err := s.AddProtocolAddress(nicID, tcpip.ProtocolAddress{
			Protocol: ipv6.ProtocolNumber,
			AddressWithPrefix: tcpip.AddressWithPrefix{
				Address:   tcpip.AddrFromSlice(cfg.Address6.AsSlice()),
				PrefixLen: cfg.PrefixLen6,
			},
		}, stack.AddressProperties{}); err != nil {
			return nil, fmt.Errorf("gonet2socks: add ipv6 address: %s", err)
		}
	}
	s.SetRouteTable([]tcpip.Route{
		{Destination: header.IPv4EmptySubnet, NIC: nicID},
		{Destination: header.IPv6EmptySubnet, NIC: nicID},
	})

	st := &Stack{stack: s, ep: ep}

	if cfg.TCPHandler != nil {
		fwd := tcp.NewForwarder(s, 0, 4096, st.forwardTCP(cfg.TCPHandler))
		s.SetTransportProtocolHandler(tcp.ProtocolNumber, fwd.HandlePacket)
	}
	if cfg.UDPHandler != nil {
		fwd := udp.NewForwarder(s, st.forwardUDP(cfg.UDPHandler))
		s.SetTransportProtocolHandler(udp.ProtocolNumber, fwd.HandlePacket)
	}

	return st, nil
}

func (st *Stack) forwardTCP(h TCPHandler) func(*tcp.ForwarderRequest) {
	return func(r *tcp.ForwarderRequest) {
		id := r.ID()
		var wq waiter.Queue
		ep, err := r.CreateEndpoint(&wq)
		if err != nil {
			r.Complete(true)
			return
		}
		r.Complete(false)
		conn := gonet.NewTCPConn(&wq, ep)
		h(packet.TCPEndpointPair{
			Addrs: packet.AddressPair{
				Src: addrFromTcpip(id.RemoteAddress),
				Dst: addrFromTcpip(id.LocalAddress),
			},
			SrcPort: id.RemotePort,
			DstPort: id.LocalPort,
		}, conn)
	}
}

func (st *Stack) forwardUDP(h UDPHandler) func(*udp.ForwarderRequest) {
	return func(r *udp.ForwarderRequest) {
		id := r.ID()
		var wq waiter.Queue
		ep, err := r.CreateEndpoint(&wq)
		if err != nil {
			return
		}
		conn := gonet.NewUDPConn(st.stack, &wq, ep)
		h(packet.UDPEndpointPair{
			Addrs: packet.AddressPair{
				Src: addrFromTcpip(id.RemoteAddress),
				Dst: addrFromTcpip(id.LocalAddress),
			},
			SrcPort: id.RemotePort,
			DstPort: id.LocalPort,
		}, conn)
	}
}

func addrFromTcpip(a tcpip.Address) netip.Addr {
	addr, ok := netip.AddrFromSlice(a.AsSlice())
	if !ok {
		return netip.Addr{}
	}
	return addr
}

// InjectInbound hands a raw IP datagram (as read from the TUN device)
// to the stack. proto is inferred from the version nibble.
func (st *Stack) InjectInbound(raw []byte) error {
	if len(raw) < 1 {
		return fmt.Errorf("gonet2socks: empty packet")
	}
	var proto tcpip.NetworkProtocolNumber
	switch raw[0] >> 4 {
	case 4:
		proto = ipv4.ProtocolNumber
	case 6:
		proto = ipv6.ProtocolNumber
	default:
		return fmt.Errorf("gonet2socks: unknown ip version %d", raw[0]>>4)
	}
	pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{
		Payload: buffer.MakeWithData(append([]byte(nil), raw...)),
	})
	defer pkt.DecRef()
	st.ep.InjectInbound(proto, pkt)
	return nil
}

// ReadOutbound blocks until the stack has a packet to write back to
// the TUN device, or ctx is done.
func (st *Stack) ReadOutbound(ctx context.Context) []byte {
	pkt := st.ep.ReadContext(ctx)
	if pkt == nil {
		return nil
	}
	defer pkt.DecRef()
	return append([]byte(nil), pkt.ToView().AsSlice()...)
}

// Close tears the stack down.
func (st *Stack) Close() {
	st.ep.Close()
	st.stack.Close()
}
