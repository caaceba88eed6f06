package packet

import (
	"sync"
	"sync/atomic"
)

// MTU is the maximum datagram size the codec and buffer pool are
// sized for; it matches the default TUN MTU. It does not follow a
// different MTU configured for the TUN device.
const MTU = 1500

// bufPool recycles MTU-sized byte slices for the UDP read paths
// (controller.go's DNS-cache fast path and flow.UDPFlow's inbound
// pump), mirroring the teacher's mtubuf.go pool.
var bufPool = sync.Pool{
	New: func() interface{} {
		b := make([]byte, MTU)
		return &b
	},
}

// GetBuffer returns a pooled MTU-sized buffer.
func GetBuffer() []byte {
	return *bufPool.Get().(*[]byte)
}

// PutBuffer returns buf to the pool. buf must have been obtained from
// GetBuffer and not retained by the caller afterward.
func PutBuffer(buf []byte) {
	buf = buf[:cap(buf)]
	bufPool.Put(&buf)
}

var ipidCounter uint32

// nextIPID hands out a process-wide incrementing IPv4 identification
// value. Collisions are harmless here: this codec never fragments.
func nextIPID() uint16 {
	return uint16(atomic.AddUint32(&ipidCounter, 1))
}
