// Command tun2socks starts the gateway as a standalone process: it
// creates (or attaches to) a TUN device, terminates every TCP/UDP flow
// read off it, and re-originates them as ordinary host sockets,
// optionally through a SOCKS5 upstream.
package main

import (
	"flag"
	"net/netip"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"

	tun2socks "github.com/nsheridan/tun2socks"
	"github.com/nsheridan/tun2socks/internal/connector"
)

func main() {
	var (
		tunName        = flag.String("tun-device", "tun2socks0", "name of the tun device to create")
		tunMTU         = flag.Int("tun-mtu", 1500, "tun device mtu")
		tunAddress4    = flag.String("tun-address", "10.6.7.7/24", "ipv4 address/prefix to assign the tun device")
		tunAddress6    = flag.String("tun-address6", "fe80::613b:4e3f:81e9:7e01/64", "ipv6 address/prefix to assign the tun device")
		socks5Addr     = flag.String("socks5-addr", "", "upstream socks5 proxy address (host:port); if empty, flows dial the destination directly")
		dnsServers     = flag.String("dns-server", "114.114.114.114,2606:4700:4700::1111", "comma-separated resolver addresses eligible for the dns answer cache")
		enableDNSCache = flag.Bool("enable-dns-cache", true, "answer repeat dns queries from an in-memory cache instead of re-dialing")
		installRoutes  = flag.Bool("install-routes", false, "assign the tun device's address and install it as the default route on start")
		verbose        = flag.Bool("verbose", false, "enable debug logging")
	)
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	if *verbose {
		log = log.Level(zerolog.DebugLevel)
	} else {
		log = log.Level(zerolog.InfoLevel)
	}

	cfg, err := buildConfig(*tunName, *tunMTU, *tunAddress4, *tunAddress6, *socks5Addr, *dnsServers, *enableDNSCache, *installRoutes)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	ctrl, err := tun2socks.New(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start tun2socks")
	}
	ctrl.Run()
	log.Info().Str("device", *tunName).Str("mode", modeName(cfg.Mode)).Msg("tun2socks running")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	<-sig

	log.Info().Msg("shutting down")
	ctrl.Stop()
}

func buildConfig(tunName string, mtu int, addr4, addr6, socks5Addr, dnsServers string, enableDNSCache, installRoutes bool) (tun2socks.Config, error) {
	prefix4, err := netip.ParsePrefix(addr4)
	if err != nil {
		return tun2socks.Config{}, err
	}
	prefix6, err := netip.ParsePrefix(addr6)
	if err != nil {
		return tun2socks.Config{}, err
	}

	mode := connector.Direct
	if socks5Addr != "" {
		mode = connector.SOCKS5
	}

	var servers []string
	for _, s := range strings.Split(dnsServers, ",") {
		if s = strings.TrimSpace(s); s != "" {
			servers = append(servers, s)
		}
	}

	return tun2socks.Config{
		TUNName:        tunName,
		MTU:            mtu,
		Address4:       prefix4.Addr(),
		PrefixLen4:     prefix4.Bits(),
		Address6:       prefix6.Addr(),
		PrefixLen6:     prefix6.Bits(),
		DNSServers:     servers,
		EnableDNSCache: enableDNSCache,
		Mode:           mode,
		SOCKS5Addr:     socks5Addr,
		InstallRoutes:  installRoutes,
	}, nil
}

func modeName(m connector.Mode) string {
	if m == connector.SOCKS5 {
		return "socks5"
	}
	return "direct"
}
