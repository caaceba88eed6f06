package tun2socks

import (
	"net/netip"
	"time"

	"github.com/nsheridan/tun2socks/internal/connector"
)

// Config is the operational surface an embedding program fills in
// before calling New: everything spec §6 names as externally supplied
// (TUN naming/addressing, DNS servers, upstream selection) lives here
// rather than being read from a config file, which is explicitly out
// of scope.
type Config struct {
	// TUNName is the interface name to create (platform-dependent
	// default applies if empty).
	TUNName string
	MTU     int

	Address4   netip.Addr
	PrefixLen4 int
	Address6   netip.Addr
	PrefixLen6 int

	// DNSServers lists the resolver addresses eligible for the
	// in-memory answer cache fast path (spec §4.4 supplement).
	DNSServers []string
	// EnableDNSCache toggles the fast path entirely.
	EnableDNSCache bool

	// Mode/SOCKS5Addr resolve the design's open question: SOCKS5
	// selection is explicit configuration, decided once here, never
	// inferred per flow.
	Mode       connector.Mode
	SOCKS5Addr string

	// InstallRoutes, when true, has New shell out to `ip` to assign
	// the TUN's IPv4 address and install the TUN as the IPv4 default
	// route (0.0.0.0/0), and has Stop remove that route. The IPv6
	// address and an IPv6 default route are not installed.
	InstallRoutes bool

	IdleUDPTimeout time.Duration
}

// withDefaults fills in the zero-value fields with the addressing spec §6
// specifies exactly.
func (c Config) withDefaults() Config {
	if c.TUNName == "" {
		c.TUNName = "tun2socks0"
	}
	if c.MTU == 0 {
		c.MTU = 1500
	}
	if !c.Address4.IsValid() {
		c.Address4 = netip.MustParseAddr("10.6.7.7")
		c.PrefixLen4 = 24
	}
	if !c.Address6.IsValid() {
		c.Address6 = netip.MustParseAddr("fe80::613b:4e3f:81e9:7e01")
		c.PrefixLen6 = 64
	}
	if len(c.DNSServers) == 0 {
		c.DNSServers = []string{"114.114.114.114", "2606:4700:4700::1111"}
	}
	if c.IdleUDPTimeout == 0 {
		c.IdleUDPTimeout = 10 * time.Second
	}
	return c
}
