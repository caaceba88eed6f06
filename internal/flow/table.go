package flow

import (
	"fmt"
	"sync"
	"time"

	"github.com/nsheridan/tun2socks/internal/packet"
)

// Table is the flow registry: the two 5-tuple-keyed maps
// described in the data model, one per transport. It does not itself
// route packets to sessions — once a datagram is handed to the
// embedded stack, the stack's own internal demux dispatches it to the
// tcpip.Endpoint a session owns. Table's job is bookkeeping: it is
// the single place that knows which flows exist, so the controller
// can sweep idle UDP flows and report counts.
type Table struct {
	mu  sync.RWMutex
	tcp map[packet.TCPEndpointPair]*TCPFlow
	udp map[packet.UDPEndpointPair]*UDPFlow
}

// NewTable returns an empty flow table.
func NewTable() *Table {
	return &Table{
		tcp: make(map[packet.TCPEndpointPair]*TCPFlow),
		udp: make(map[packet.UDPEndpointPair]*UDPFlow),
	}
}

// Validate performs the cheap pre-injection check spec'd for the
// controller's ingest path: only TCP and UDP are accepted, anything
// else is rejected before it ever reaches the embedded stack.
func Validate(ip *packet.IPPacket) error {
	switch ip.Protocol {
	case packet.ProtocolTCP, packet.ProtocolUDP:
		return nil
	default:
		return fmt.Errorf("%w: ip protocol %d", ErrUnsupportedProtocol, ip.Protocol)
	}
}

// AddTCP registers a new TCP flow. It overwrites any prior entry for
// the same 5-tuple, since the embedded stack guarantees at most one
// live endpoint per 5-tuple at a time (a stale entry here would only
// exist if a previous flow failed to call RemoveTCP on close).
func (t *Table) AddTCP(f *TCPFlow) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tcp[f.Endpoints] = f
}

// RemoveTCP is idempotent: removing an absent key is a no-op, which
// is exactly Go's native map delete semantics.
func (t *Table) RemoveTCP(ep packet.TCPEndpointPair) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.tcp, ep)
}

// TCPCount reports the number of tracked TCP flows.
func (t *Table) TCPCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.tcp)
}

// AddUDP registers a new UDP flow.
func (t *Table) AddUDP(f *UDPFlow) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.udp[f.Endpoints] = f
}

// RemoveUDP is idempotent, matching RemoveTCP.
func (t *Table) RemoveUDP(ep packet.UDPEndpointPair) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.udp, ep)
}

// UDPCount reports the number of tracked UDP flows.
func (t *Table) UDPCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.udp)
}

// Sweep returns the UDP flows that have been idle for at least
// maxIdle, per invariant 6 (10s sliding idle timeout). It does not
// remove them itself: the caller closes each returned flow, which
// calls back into RemoveUDP from its own close path, keeping a single
// code path responsible for table membership.
func (t *Table) Sweep(now time.Time, maxIdle time.Duration) []*UDPFlow {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var idle []*UDPFlow
	for _, f := range t.udp {
		if now.Sub(f.LastActivity()) >= maxIdle {
			idle = append(idle, f)
		}
	}
	return idle
}

// CloseAll closes every tracked flow. Used by the controller's
// shutdown path.
func (t *Table) CloseAll() {
	t.mu.RLock()
	tcpFlows := make([]*TCPFlow, 0, len(t.tcp))
	for _, f := range t.tcp {
		tcpFlows = append(tcpFlows, f)
	}
	udpFlows := make([]*UDPFlow, 0, len(t.udp))
	for _, f := range t.udp {
		udpFlows = append(udpFlows, f)
	}
	t.mu.RUnlock()

	for _, f := range tcpFlows {
		f.Close()
	}
	for _, f := range udpFlows {
		f.Close()
	}
}
