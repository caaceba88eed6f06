package flow

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/nsheridan/tun2socks/internal/packet"
)

// UDPState is the lifecycle of a UDPFlow (spec §4.4).
type UDPState int32

const (
	// UDPStarting: the outbound socket is open but no datagram has
	// crossed yet.
	UDPStarting UDPState = iota
	// UDPActive: at least one datagram has crossed in either
	// direction.
	UDPActive
	// UDPClosed: torn down, terminal.
	UDPClosed
)

func (s UDPState) String() string {
	switch s {
	case UDPStarting:
		return "starting"
	case UDPActive:
		return "active"
	case UDPClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// IdleTimeout is the sliding idle window after which a UDPFlow with
// no traffic in either direction is evicted (invariant 6).
const IdleTimeout = 10 * time.Second

// UDPFlow owns one UDP "session": a synthetic notion of a flow with
// no actual connection semantics on the wire, held open only so
// replies from the outbound socket can be routed back to the correct
// tunnel-side 5-tuple.
type UDPFlow struct {
	Endpoints packet.UDPEndpointPair

	remote net.PacketConn
	send   func(payload []byte) error // writes a reply back into the tunnel
	table  *Table
	log    zerolog.Logger

	state        atomic.Int32
	lastActivity atomic.Int64 // unix nanos

	closeOnce sync.Once
	done      chan struct{}
}

// NewUDPFlow constructs a flow in the Starting state and registers it
// in table. send is called with the raw UDP payload whenever a
// datagram arrives on remote and must be written back to the tunnel.
func NewUDPFlow(ep packet.UDPEndpointPair, remote net.PacketConn, send func([]byte) error, table *Table, log zerolog.Logger) *UDPFlow {
	f := &UDPFlow{
		Endpoints: ep,
		remote:    remote,
		send:      send,
		table:     table,
		log:       log.With().Str("proto", "udp").Str("flow", ep.String()).Logger(),
		done:      make(chan struct{}),
	}
	f.state.Store(int32(UDPStarting))
	f.touch()
	table.AddUDP(f)
	return f
}

func (f *UDPFlow) touch() {
	f.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity reports the last time a datagram crossed in either
// direction.
func (f *UDPFlow) LastActivity() time.Time {
	return time.Unix(0, f.lastActivity.Load())
}

// State reports the current lifecycle state.
func (f *UDPFlow) State() UDPState {
	return UDPState(f.state.Load())
}

// WriteOutbound sends a tunnel-side datagram to the remote endpoint,
// transitioning Starting->Active on the first successful write.
func (f *UDPFlow) WriteOutbound(dst net.Addr, payload []byte) error {
	if _, err := f.remote.WriteTo(payload, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrIOError, err)
	}
	f.touch()
	f.state.CompareAndSwap(int32(UDPStarting), int32(UDPActive))
	return nil
}

// PumpInbound reads datagrams from remote until it is closed or
// errors, delivering each to send. It blocks, so callers run it in
// its own goroutine; it returns (and the flow closes) when the
// outbound socket is done.
func (f *UDPFlow) PumpInbound() {
	defer f.Close()
	buf := packet.GetBuffer()
	defer packet.PutBuffer(buf)
	for {
		n, _, err := f.remote.ReadFrom(buf)
		if err != nil {
			if f.State() != UDPClosed {
				f.log.Debug().Err(err).Msg("udp remote read ended")
			}
			return
		}
		f.touch()
		f.state.Store(int32(UDPActive))
		if err := f.send(buf[:n]); err != nil {
			f.log.Debug().Err(err).Msg("udp reply write failed")
		}
	}
}

// Close tears the flow down exactly once and removes it from the
// table.
func (f *UDPFlow) Close() error {
	f.closeOnce.Do(func() {
		f.state.Store(int32(UDPClosed))
		_ = f.remote.Close()
		f.table.RemoveUDP(f.Endpoints)
		close(f.done)
		f.log.Debug().Msg("udp flow closed")
	})
	return nil
}

// Done is closed once the flow has fully torn down.
func (f *UDPFlow) Done() <-chan struct{} { return f.done }

func (f *UDPFlow) String() string {
	return fmt.Sprintf("UDPFlow(%s, %s)", f.Endpoints, f.State())
}
