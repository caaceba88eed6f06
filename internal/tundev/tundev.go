// Package tundev wraps golang.zx2c4.com/wireguard/tun's cross-platform
// TUN device behind a ReadPacket/WritePacket interface, keeping the
// "exactly one IP datagram per call" contract explicit in the type
// signature rather than relying on caller discipline over a plain
// io.ReadWriteCloser.
package tundev

import (
	"errors"
	"fmt"
	"time"

	"golang.zx2c4.com/wireguard/tun"
)

// Device is a TUN device that reads and writes whole IP datagrams.
type Device struct {
	dev  tun.Device
	name string
	mtu  int

	readBufs  [][]byte
	readSizes []int
}

// Open creates (or attaches to, on platforms that pre-provision TUN
// interfaces) a TUN device named name with the given MTU.
func Open(name string, mtu int) (*Device, error) {
	dev, err := tun.CreateTUN(name, mtu)
	if err != nil {
		return nil, fmt.Errorf("tundev: create %s: %w", name, err)
	}
	realName, err := dev.Name()
	if err != nil {
		realName = name
	}
	batch := dev.BatchSize()
	if batch < 1 {
		batch = 1
	}
	bufs := make([][]byte, batch)
	for i := range bufs {
		bufs[i] = make([]byte, mtu+32)
	}
	return &Device{
		dev:       dev,
		name:      realName,
		mtu:       mtu,
		readBufs:  bufs,
		readSizes: make([]int, batch),
	}, nil
}

// Name returns the interface name the OS assigned.
func (d *Device) Name() string { return d.name }

// MTU returns the configured MTU.
func (d *Device) MTU() int { return d.mtu }

// ReadPacket reads exactly one IP datagram into buf, returning the
// number of bytes written. Transient zero-length reads with no error
// are retried after a short backoff (spec's TunWriteTransient
// handling applies symmetrically to reads on some platforms).
func (d *Device) ReadPacket(buf []byte) (int, error) {
	for {
		bufs := [][]byte{buf}
		sizes := [][]int{d.readSizes[:1]}[0]
		n, err := d.dev.Read(bufs, sizes, 0)
		if err != nil {
			return 0, fmt.Errorf("tundev: read: %w", err)
		}
		if n == 0 || sizes[0] == 0 {
			time.Sleep(64 * time.Millisecond)
			continue
		}
		return sizes[0], nil
	}
}

// WritePacket writes exactly one IP datagram. Transient failures
// where the device reports n == 0 with no error are retried once
// after a short delay, matching the design's TunWriteTransient
// handling; a persistent failure is surfaced to the caller as a fatal
// error.
func (d *Device) WritePacket(pkt []byte) error {
	bufs := [][]byte{pkt}
	n, err := d.dev.Write(bufs, 0)
	if err != nil {
		return fmt.Errorf("tundev: write: %w", err)
	}
	if n == 0 {
		time.Sleep(64 * time.Millisecond)
		n, err = d.dev.Write(bufs, 0)
		if err != nil {
			return fmt.Errorf("tundev: write retry: %w", err)
		}
		if n == 0 {
			return errors.New("tundev: write: device reported zero bytes twice")
		}
	}
	return nil
}

// Close releases the device.
func (d *Device) Close() error {
	return d.dev.Close()
}
