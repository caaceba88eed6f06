// Package connector implements the outbound half of a terminated
// flow: opening either a direct host socket or a SOCKS5 upstream
// connection, bound to the machine's own default egress address so
// outbound traffic never appears to originate from the TUN's virtual
// subnet.
package connector

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/yinghuocho/gosocks"

	"github.com/nsheridan/tun2socks/internal/flow"
)

// Mode selects how outbound connections are made. It is fixed once at
// Controller construction (spec design note: SOCKS5-vs-direct is an
// explicit runtime configuration, never inferred per-flow).
type Mode int

const (
	// Direct dials the destination host directly.
	Direct Mode = iota
	// SOCKS5 dials through an upstream SOCKS5 proxy.
	SOCKS5
)

// Config configures a Connector.
type Config struct {
	Mode Mode

	// SOCKS5Addr is the upstream proxy's address (host:port), used
	// only when Mode == SOCKS5.
	SOCKS5Addr string

	// LocalAddr4 / LocalAddr6, if set, are bound as the local address
	// for direct dials, matching the default egress address the
	// controller captured at startup (spec §4.6/§6).
	LocalAddr4 net.IP
	LocalAddr6 net.IP

	DialTimeout time.Duration
}

// Connector opens outbound TCP connections and UDP associations.
type Connector struct {
	cfg    Config
	dialer *gosocks.SocksDialer
}

// New returns a Connector for cfg.
func New(cfg Config) *Connector {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	return &Connector{
		cfg: cfg,
		dialer: &gosocks.SocksDialer{
			Auth:    &gosocks.AnonymousClientAuthenticator{},
			Timeout: cfg.DialTimeout,
		},
	}
}

func (c *Connector) localAddrFor(dst net.IP) net.IP {
	if dst.To4() != nil {
		return c.cfg.LocalAddr4
	}
	return c.cfg.LocalAddr6
}

// DialTCP opens an outbound TCP connection to dst:port, either
// directly or via the configured SOCKS5 upstream.
func (c *Connector) DialTCP(ctx context.Context, dst net.IP, port uint16) (net.Conn, error) {
	switch c.cfg.Mode {
	case Direct:
		return c.dialDirectTCP(ctx, dst, port)
	case SOCKS5:
		return c.dialSOCKS5TCP(ctx, dst, port)
	default:
		return nil, fmt.Errorf("%w: unknown connector mode %d", flow.ErrConnectFailed, c.cfg.Mode)
	}
}

func (c *Connector) dialDirectTCP(ctx context.Context, dst net.IP, port uint16) (net.Conn, error) {
	d := &net.Dialer{Timeout: c.cfg.DialTimeout}
	if local := c.localAddrFor(dst); local != nil {
		d.LocalAddr = &net.TCPAddr{IP: local}
	}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(dst.String(), fmt.Sprint(port)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", flow.ErrConnectFailed, err)
	}
	return conn, nil
}

func (c *Connector) dialSOCKS5TCP(ctx context.Context, dst net.IP, port uint16) (net.Conn, error) {
	conn, err := c.dialer.Dial(c.cfg.SOCKS5Addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial socks5 upstream: %v", flow.ErrConnectFailed, err)
	}
	var ht byte = gosocks.SocksIPv4Host
	if dst.To4() == nil {
		ht = gosocks.SocksIPv6Host
	}
	_, err = gosocks.WriteSocksRequest(conn, &gosocks.SocksRequest{
		Cmd:      gosocks.SocksCmdConnect,
		HostType: ht,
		DstHost:  dst.String(),
		DstPort:  port,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: write socks5 request: %v", flow.ErrConnectFailed, err)
	}
	reply, err := gosocks.ReadSocksReply(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: read socks5 reply: %v", flow.ErrConnectFailed, err)
	}
	if reply.Rep != gosocks.SocksSucceeded {
		conn.Close()
		return nil, fmt.Errorf("%w: socks5 connect refused, code %d", flow.ErrConnectFailed, reply.Rep)
	}
	return conn, nil
}

// DialUDP opens an outbound UDP "session". For Direct mode this is an
// ordinary connected-less socket. For SOCKS5 mode it performs a UDP
// ASSOCIATE handshake and returns a net.PacketConn that transparently
// wraps payloads in the SOCKS5 UDP request header on write and
// unwraps them on read.
//
// IPv6 destinations are rejected in SOCKS5 mode: the upstream design
// this gateway is modeled on never exercises UDP ASSOCIATE for IPv6,
// and nothing in this repository's scope asks that policy to change.
func (c *Connector) DialUDP(ctx context.Context, dst net.IP) (net.PacketConn, error) {
	switch c.cfg.Mode {
	case Direct:
		return c.dialDirectUDP(dst)
	case SOCKS5:
		if dst.To4() == nil {
			return nil, fmt.Errorf("%w", flow.ErrIPv6UDPViaSOCKSDenied)
		}
		return c.dialSOCKS5UDP()
	default:
		return nil, fmt.Errorf("%w: unknown connector mode %d", flow.ErrConnectFailed, c.cfg.Mode)
	}
}

func (c *Connector) dialDirectUDP(dst net.IP) (net.PacketConn, error) {
	network := "udp4"
	local := c.cfg.LocalAddr4
	if dst.To4() == nil {
		network = "udp6"
		local = c.cfg.LocalAddr6
	}
	var laddr *net.UDPAddr
	if local != nil {
		laddr = &net.UDPAddr{IP: local}
	}
	conn, err := net.ListenUDP(network, laddr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", flow.ErrConnectFailed, err)
	}
	return conn, nil
}

func (c *Connector) dialSOCKS5UDP() (net.PacketConn, error) {
	conn, err := c.dialer.Dial(c.cfg.SOCKS5Addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial socks5 upstream: %v", flow.ErrConnectFailed, err)
	}
	udpBind, err := net.ListenUDP("udp", nil)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: %v", flow.ErrConnectFailed, err)
	}
	_, err = gosocks.WriteSocksRequest(conn, &gosocks.SocksRequest{
		Cmd:      gosocks.SocksCmdUDPAssociate,
		HostType: gosocks.SocksIPv4Host,
		DstHost:  "0.0.0.0",
		DstPort:  0,
	})
	if err != nil {
		conn.Close()
		udpBind.Close()
		return nil, fmt.Errorf("%w: write udp associate request: %v", flow.ErrConnectFailed, err)
	}
	reply, err := gosocks.ReadSocksReply(conn)
	if err != nil {
		conn.Close()
		udpBind.Close()
		return nil, fmt.Errorf("%w: read udp associate reply: %v", flow.ErrConnectFailed, err)
	}
	if reply.Rep != gosocks.SocksSucceeded {
		conn.Close()
		udpBind.Close()
		return nil, fmt.Errorf("%w: udp associate refused, code %d", flow.ErrConnectFailed, reply.Rep)
	}
	relayAddr, ok := gosocks.SocksAddrToNetAddr("udp", reply.BndHost, reply.BndPort).(*net.UDPAddr)
	if !ok {
		conn.Close()
		udpBind.Close()
		return nil, fmt.Errorf("%w: malformed udp associate reply address", flow.ErrConnectFailed)
	}

	closed := make(chan bool)
	go gosocks.ConnMonitor(conn, closed)

	return &socksUDPConn{
		tcpCtrl:   conn,
		udp:       udpBind,
		relayAddr: relayAddr,
		closed:    closed,
	}, nil
}

// socksUDPConn adapts a SOCKS5 UDP ASSOCIATE relay to net.PacketConn:
// writes are wrapped in the SOCKS5 UDP request header and sent to the
// relay address; reads unwrap the same header, rewriting the returned
// address to the datagram's true origin.
type socksUDPConn struct {
	tcpCtrl   *gosocks.SocksConn // the TCP control connection; closing it tears down the association
	udp       *net.UDPConn
	relayAddr *net.UDPAddr
	closed    chan bool
}

func (s *socksUDPConn) ReadFrom(p []byte) (int, net.Addr, error) {
	buf := make([]byte, len(p)+64)
	for {
		n, from, err := s.udp.ReadFrom(buf)
		if err != nil {
			return 0, nil, err
		}
		if from.String() != s.relayAddr.String() {
			continue
		}
		req, err := gosocks.ParseUDPRequest(buf[:n])
		if err != nil {
			continue
		}
		if req.Frag != gosocks.SocksNoFragment {
			continue
		}
		copied := copy(p, req.Data)
		origin := gosocks.SocksAddrToNetAddr("udp", req.DstHost, req.DstPort)
		return copied, origin, nil
	}
}

func (s *socksUDPConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		return 0, fmt.Errorf("%w: unsupported address type %T", flow.ErrIOError, addr)
	}
	var ht byte = gosocks.SocksIPv4Host
	if udpAddr.IP.To4() == nil {
		ht = gosocks.SocksIPv6Host
	}
	datagram := gosocks.PackUDPRequest(&gosocks.UDPRequest{
		Frag:     gosocks.SocksNoFragment,
		HostType: ht,
		DstHost:  udpAddr.IP.String(),
		DstPort:  uint16(udpAddr.Port),
		Data:     p,
	})
	if _, err := s.udp.WriteTo(datagram, s.relayAddr); err != nil {
		return 0, fmt.Errorf("%w: %v", flow.ErrIOError, err)
	}
	return len(p), nil
}

func (s *socksUDPConn) Close() error {
	s.udp.Close()
	return s.tcpCtrl.Close()
}

func (s *socksUDPConn) LocalAddr() net.Addr                { return s.udp.LocalAddr() }
func (s *socksUDPConn) SetDeadline(t time.Time) error       { return s.udp.SetDeadline(t) }
func (s *socksUDPConn) SetReadDeadline(t time.Time) error   { return s.udp.SetReadDeadline(t) }
func (s *socksUDPConn) SetWriteDeadline(t time.Time) error  { return s.udp.SetWriteDeadline(t) }
