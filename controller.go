// Package tun2socks implements a userspace gateway that terminates
// IPv4/IPv6 TCP and UDP flows read from a TUN device and re-originates
// them as ordinary host sockets, optionally via a SOCKS5 upstream.
package tun2socks

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nsheridan/tun2socks/internal/connector"
	"github.com/nsheridan/tun2socks/internal/dnscache"
	"github.com/nsheridan/tun2socks/internal/flow"
	"github.com/nsheridan/tun2socks/internal/gonet2socks"
	"github.com/nsheridan/tun2socks/internal/packet"
	"github.com/nsheridan/tun2socks/internal/procowner"
	"github.com/nsheridan/tun2socks/internal/route"
	"github.com/nsheridan/tun2socks/internal/tundev"
)

// dialTimeout is the context deadline handed to each outbound dial.
// Direct TCP dials honor it together with the connector's own
// DialTimeout (5s by default), so the shorter of the two applies;
// SOCKS5 dials do not take the context and are bounded only by the
// connector's DialTimeout.
const dialTimeout = 10 * time.Second

// tunDevice is the subset of *tundev.Device the controller depends
// on; tests substitute an in-memory fake so the single-writer
// ordering guarantee can be checked without a real TUN interface.
type tunDevice interface {
	ReadPacket(buf []byte) (int, error)
	WritePacket(pkt []byte) error
	Close() error
	Name() string
}

// Controller owns every moving part of the gateway: the TUN device,
// the embedded TCP/IP stack, the flow table, the outbound connector,
// and the single goroutine that serializes writes back to the TUN
// device (the "single send queue, single writer" ordering guarantee).
type Controller struct {
	cfg   Config
	log   zerolog.Logger
	dev   tunDevice
	stack *gonet2socks.Stack
	table *flow.Table
	conn  *connector.Connector
	dns   *dnscache.Cache

	writeCh chan []byte
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New constructs a Controller: it opens the TUN device, captures the
// host's default egress addresses, and wires up the embedded stack's
// TCP/UDP forwarders. It does not start reading or writing packets;
// call Run for that.
func New(cfg Config, log zerolog.Logger) (*Controller, error) {
	cfg = cfg.withDefaults()

	c := &Controller{
		cfg:     cfg,
		log:     log,
		table:   flow.NewTable(),
		writeCh: make(chan []byte, 4096),
	}
	if cfg.EnableDNSCache {
		c.dns = dnscache.New()
	}

	connCfg := connector.Config{Mode: cfg.Mode, SOCKS5Addr: cfg.SOCKS5Addr}
	if egress4, err := route.DefaultEgressV4(); err == nil {
		connCfg.LocalAddr4 = egress4
	} else {
		log.Warn().Err(err).Msg("no default ipv4 egress address; direct dials will use an ephemeral local address")
	}
	if egress6, err := route.DefaultEgressV6(); err == nil {
		connCfg.LocalAddr6 = egress6
	} else {
		log.Debug().Err(err).Msg("no default ipv6 egress address")
	}
	c.conn = connector.New(connCfg)

	dev, err := tundev.Open(cfg.TUNName, cfg.MTU)
	if err != nil {
		return nil, fmt.Errorf("tun2socks: %w", err)
	}
	c.dev = dev

	if cfg.InstallRoutes {
		addr4 := fmt.Sprintf("%s/%d", cfg.Address4, cfg.PrefixLen4)
		if err := route.ConfigureTUN(dev.Name(), addr4); err != nil {
			log.Warn().Err(err).Msg("failed to configure tun ipv4 address")
		}
		if err := route.InstallDefault("0.0.0.0/0", dev.Name()); err != nil {
			log.Warn().Err(err).Msg("failed to install default ipv4 route")
		}
	}

	stack, err := gonet2socks.New(gonet2socks.Config{
		MTU:        uint32(cfg.MTU),
		Address4:   cfg.Address4,
		PrefixLen4: cfg.PrefixLen4,
		Address6:   cfg.Address6,
		PrefixLen6: cfg.PrefixLen6,
		TCPHandler: c.handleTCP,
		UDPHandler: c.handleUDP,
	})
	if err != nil {
		dev.Close()
		return nil, fmt.Errorf("tun2socks: %w", err)
	}
	c.stack = stack

	return c, nil
}

// Run starts the reader, writer, embedded-stack pump and idle-sweep
// goroutines. It returns immediately; call Stop to shut everything
// down.
func (c *Controller) Run() {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	c.wg.Add(4)
	go c.tunWriter(ctx)
	go c.pumpOutbound(ctx)
	go c.sweeper(ctx)
	go c.ingest(ctx)
}

// Stop halts every goroutine started by Run, closes the TUN device
// and embedded stack, and tears down every tracked flow. It blocks
// until shutdown is complete.
func (c *Controller) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.dev.Close()
	c.table.CloseAll()
	c.stack.Close()
	c.wg.Wait()
	if c.cfg.InstallRoutes {
		route.RemoveDefault("0.0.0.0/0", c.dev.Name())
	}
}

// ingest reads one IP datagram at a time from the TUN device,
// rejects anything malformed or not TCP/UDP before it ever reaches
// the embedded stack, and injects the rest.
func (c *Controller) ingest(ctx context.Context) {
	defer c.wg.Done()
	buf := make([]byte, c.cfg.MTU+64)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		n, err := c.dev.ReadPacket(buf)
		if err != nil {
			c.log.Error().Err(err).Msg("fatal tun read error, stopping ingest")
			return
		}
		raw := buf[:n]
		ip, err := packet.DecodeIP(raw)
		if err != nil {
			c.log.Debug().Err(err).Msg("dropping malformed packet")
			continue
		}
		if err := flow.Validate(ip); err != nil {
			c.log.Debug().Err(err).Msg("dropping unsupported packet")
			continue
		}
		if err := c.stack.InjectInbound(ip.Raw); err != nil {
			c.log.Debug().Err(err).Msg("inject into embedded stack failed")
		}
	}
}

// pumpOutbound drains the embedded stack's own outbound queue into
// the controller's single TUN-write queue.
func (c *Controller) pumpOutbound(ctx context.Context) {
	defer c.wg.Done()
	for {
		pkt := c.stack.ReadOutbound(ctx)
		if pkt == nil {
			return
		}
		select {
		case c.writeCh <- pkt:
		case <-ctx.Done():
			return
		}
	}
}

// tunWriter is the single consumer of writeCh, guaranteeing that no
// two goroutines ever write to the TUN device concurrently.
func (c *Controller) tunWriter(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case pkt := <-c.writeCh:
			if err := c.dev.WritePacket(pkt); err != nil {
				c.log.Error().Err(err).Msg("fatal tun write error, stopping writer")
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// sweeper evicts UDP flows idle past the configured timeout every
// second (invariant: a UDP flow idle for the configured window is
// removed from the table).
func (c *Controller) sweeper(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			for _, f := range c.table.Sweep(time.Now(), c.cfg.IdleUDPTimeout) {
				f.Close()
			}
		case <-ctx.Done():
			return
		}
	}
}

// handleTCP is the embedded stack's TCP forwarder callback: conn is
// already a fully-established endpoint (the stack completed the
// three-way handshake before calling this), so a failed outbound
// dial is surfaced by simply closing conn, which propagates a
// reset/FIN back to the real process through the stack.
func (c *Controller) handleTCP(ep packet.TCPEndpointPair, conn net.Conn) {
	dstIP := net.IP(ep.Addrs.Dst.AsSlice())
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	remote, err := c.conn.DialTCP(ctx, dstIP, ep.DstPort)
	if err != nil {
		c.log.Debug().Err(err).Str("flow", ep.String()).Msg("tcp dial failed")
		conn.Close()
		return
	}
	if owner, ok := procowner.Lookup("tcp", ep.SrcPort); ok {
		c.log.Debug().Str("flow", ep.String()).Int("pid", owner.PID).Str("comm", owner.Command).Msg("tcp flow owner")
	}
	f := flow.NewTCPFlow(ep, conn, remote, c.table, c.log)
	go f.Pump()
}

// handleUDP is the embedded stack's UDP forwarder callback. It first
// tries the DNS cache fast path (spec's UDP session supplement): a
// cache hit answers without ever opening an outbound socket.
func (c *Controller) handleUDP(ep packet.UDPEndpointPair, conn net.Conn) {
	dstAddr := ep.Addrs.Dst.String()
	isDNS := c.dns != nil && dnscache.IsDNSTarget(c.cfg.DNSServers, dstAddr, ep.DstPort)

	buf := packet.GetBuffer()
	defer packet.PutBuffer(buf)
	n, err := conn.Read(buf)
	if err != nil {
		conn.Close()
		return
	}
	first := append([]byte(nil), buf[:n]...)

	if isDNS {
		if answer := c.dns.Query(first); answer != nil {
			if packed, perr := answer.Pack(); perr == nil {
				conn.Write(packed)
			}
			conn.Close()
			return
		}
	}

	dstIP := net.IP(ep.Addrs.Dst.AsSlice())
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	remote, err := c.conn.DialUDP(ctx, dstIP)
	if err != nil {
		c.log.Debug().Err(err).Str("flow", ep.String()).Msg("udp dial failed")
		conn.Close()
		return
	}
	dst := &net.UDPAddr{IP: dstIP, Port: int(ep.DstPort)}

	send := func(payload []byte) error {
		if isDNS {
			c.dns.Store(payload)
		}
		_, err := conn.Write(payload)
		return err
	}
	f := flow.NewUDPFlow(ep, remote, send, c.table, c.log)
	go f.PumpInbound()

	if err := f.WriteOutbound(dst, first); err != nil {
		f.Close()
		return
	}
	for {
		n, err := conn.Read(buf)
		if err != nil {
			f.Close()
			return
		}
		if err := f.WriteOutbound(dst, buf[:n]); err != nil {
			f.Close()
			return
		}
	}
}
