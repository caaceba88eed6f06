package flow

import (
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nsheridan/tun2socks/internal/packet"
)

// halfCloser is implemented by both gonet.TCPConn and *net.TCPConn;
// asserting for it lets Pump propagate a FIN in one direction without
// tearing down the other, matching the half-close requirement in the
// TCP session design.
type halfCloser interface {
	CloseWrite() error
}

// TCPFlow owns one terminated TCP connection: the tunnel-side
// net.Conn handed to us by the embedded stack's forwarder, and the
// outbound net.Conn opened by the connector (direct or via SOCKS5).
// Retransmission, windowing and TIME_WAIT are the embedded stack's
// responsibility; TCPFlow only pumps bytes and manages the pairing's
// lifetime.
type TCPFlow struct {
	Endpoints packet.TCPEndpointPair

	tunnel net.Conn
	remote net.Conn
	table  *Table
	log    zerolog.Logger

	createdAt time.Time
	closeOnce sync.Once
	done      chan struct{}
}

// NewTCPFlow constructs a flow and registers it in table. Callers
// should call Pump to start relaying and Close (directly, or by
// letting Pump's completion do it) exactly once.
func NewTCPFlow(ep packet.TCPEndpointPair, tunnel, remote net.Conn, table *Table, log zerolog.Logger) *TCPFlow {
	f := &TCPFlow{
		Endpoints: ep,
		tunnel:    tunnel,
		remote:    remote,
		table:     table,
		log:       log.With().Str("proto", "tcp").Str("flow", ep.String()).Logger(),
		createdAt: time.Now(),
		done:      make(chan struct{}),
	}
	table.AddTCP(f)
	return f
}

// Pump relays bytes in both directions until both halves are closed,
// then tears the flow down. It blocks until the flow is finished, so
// callers run it in its own goroutine.
func (f *TCPFlow) Pump() {
	defer f.Close()

	var wg sync.WaitGroup
	wg.Add(2)
	go f.copyHalf(&wg, f.remote, f.tunnel, "tunnel->remote")
	go f.copyHalf(&wg, f.tunnel, f.remote, "remote->tunnel")
	wg.Wait()
}

func (f *TCPFlow) copyHalf(wg *sync.WaitGroup, dst, src net.Conn, dir string) {
	defer wg.Done()
	buf := make([]byte, 32*1024)
	_, err := io.CopyBuffer(dst, src, buf)
	if err != nil {
		f.log.Debug().Err(err).Str("dir", dir).Msg("copy ended")
	}
	if hc, ok := dst.(halfCloser); ok {
		_ = hc.CloseWrite()
	} else {
		_ = dst.Close()
	}
}

// Close tears the flow down exactly once and removes it from the
// table. Safe to call from multiple goroutines and multiple times.
func (f *TCPFlow) Close() error {
	f.closeOnce.Do(func() {
		_ = f.tunnel.Close()
		_ = f.remote.Close()
		f.table.RemoveTCP(f.Endpoints)
		close(f.done)
		f.log.Debug().Dur("lifetime", time.Since(f.createdAt)).Msg("tcp flow closed")
	})
	return nil
}

// Done is closed once the flow has fully torn down.
func (f *TCPFlow) Done() <-chan struct{} { return f.done }

func (f *TCPFlow) String() string {
	return fmt.Sprintf("TCPFlow(%s)", f.Endpoints)
}
