// Package flow implements the per-connection state machines (TCP and
// UDP) and the flow table that keeps track of them.
package flow

import "errors"

// Sentinel errors realizing the taxonomy from the error-handling
// design: each is wrapped with context via fmt.Errorf("...: %w", ...)
// at the point of detection, never returned bare.
var (
	ErrParseError            = errors.New("flow: parse error")
	ErrUnsupportedProtocol   = errors.New("flow: unsupported protocol")
	ErrConnectFailed         = errors.New("flow: outbound connect failed")
	ErrIOError               = errors.New("flow: io error")
	ErrTunWriteTransient     = errors.New("flow: transient tun write failure")
	ErrTunIOError            = errors.New("flow: fatal tun io error")
	ErrStackInternal         = errors.New("flow: internal stack error")
	ErrIPv6UDPViaSOCKSDenied = errors.New("flow: ipv6 udp via socks5 is not supported")
)
