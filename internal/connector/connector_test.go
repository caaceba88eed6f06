package connector

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"strconv"
	"testing"
	"time"
)

func TestDialDirectTCPEcho(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		io.Copy(conn, conn)
	}()

	addr := ln.Addr().(*net.TCPAddr)
	c := New(Config{Mode: Direct, DialTimeout: time.Second})
	conn, err := c.DialTCP(context.Background(), addr.IP, uint16(addr.Port))
	if err != nil {
		t.Fatalf("DialTCP: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	buf := make([]byte, 5)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("ReadFull: %v", err)
	}
	if string(buf) != "hello" {
		t.Fatalf("got %q, want hello", buf)
	}
}

func TestDialDirectUDPEcho(t *testing.T) {
	server, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket: %v", err)
	}
	defer server.Close()
	go func() {
		buf := make([]byte, 512)
		n, addr, err := server.ReadFrom(buf)
		if err != nil {
			return
		}
		server.WriteTo(buf[:n], addr)
	}()

	c := New(Config{Mode: Direct})
	addr := server.LocalAddr().(*net.UDPAddr)
	pc, err := c.DialUDP(context.Background(), addr.IP)
	if err != nil {
		t.Fatalf("DialUDP: %v", err)
	}
	defer pc.Close()

	if _, err := pc.WriteTo([]byte("ping"), addr); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}
	pc.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 512)
	n, _, err := pc.ReadFrom(buf)
	if err != nil {
		t.Fatalf("ReadFrom: %v", err)
	}
	if string(buf[:n]) != "ping" {
		t.Fatalf("got %q, want ping", buf[:n])
	}
}

func TestSOCKS5UDPViaIPv6Denied(t *testing.T) {
	c := New(Config{Mode: SOCKS5, SOCKS5Addr: "127.0.0.1:1"})
	_, err := c.DialUDP(context.Background(), net.ParseIP("2606:4700:4700::1111"))
	if err == nil {
		t.Fatal("expected ipv6-over-socks5 udp to be denied")
	}
}

// rfc1928Server is a minimal loopback SOCKS5 server: it accepts the
// no-auth negotiation, reads a CONNECT request for an IPv4 or domain
// target, dials that target directly, replies success, then pipes
// bytes both ways. It exists only to give internal/connector's real
// gosocks client code a byte-exact peer to test against.
func rfc1928Server(t *testing.T, ln net.Listener) {
	t.Helper()
	conn, err := ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()

	greeting := make([]byte, 2)
	if _, err := io.ReadFull(conn, greeting); err != nil {
		t.Errorf("read greeting: %v", err)
		return
	}
	nmethods := int(greeting[1])
	methods := make([]byte, nmethods)
	if _, err := io.ReadFull(conn, methods); err != nil {
		t.Errorf("read methods: %v", err)
		return
	}
	if _, err := conn.Write([]byte{0x05, 0x00}); err != nil {
		t.Errorf("write method selection: %v", err)
		return
	}

	hdr := make([]byte, 4)
	if _, err := io.ReadFull(conn, hdr); err != nil {
		t.Errorf("read request header: %v", err)
		return
	}
	var host string
	switch hdr[3] {
	case 0x01: // IPv4
		ip := make([]byte, 4)
		io.ReadFull(conn, ip)
		host = net.IP(ip).String()
	case 0x03: // domain
		l := make([]byte, 1)
		io.ReadFull(conn, l)
		name := make([]byte, l[0])
		io.ReadFull(conn, name)
		host = string(name)
	default:
		t.Errorf("unsupported atyp %d", hdr[3])
		return
	}
	portBuf := make([]byte, 2)
	io.ReadFull(conn, portBuf)
	port := binary.BigEndian.Uint16(portBuf)

	target, err := net.Dial("tcp", net.JoinHostPort(host, strconv.Itoa(int(port))))
	if err != nil {
		conn.Write([]byte{0x05, 0x01, 0x00, 0x01, 0, 0, 0, 0, 0, 0})
		return
	}
	defer target.Close()

	reply := []byte{0x05, 0x00, 0x00, 0x01, 0, 0, 0, 0, 0, 0}
	if _, err := conn.Write(reply); err != nil {
		t.Errorf("write reply: %v", err)
		return
	}

	done := make(chan struct{}, 2)
	go func() { io.Copy(target, conn); done <- struct{}{} }()
	go func() { io.Copy(conn, target); done <- struct{}{} }()
	<-done
}

func TestDialSOCKS5TCPConnect(t *testing.T) {
	echoLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen echo: %v", err)
	}
	defer echoLn.Close()
	go func() {
		conn, err := echoLn.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		io.Copy(conn, conn)
	}()

	socksLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen socks: %v", err)
	}
	defer socksLn.Close()
	go rfc1928Server(t, socksLn)

	c := New(Config{Mode: SOCKS5, SOCKS5Addr: socksLn.Addr().String(), DialTimeout: 2 * time.Second})
	echoAddr := echoLn.Addr().(*net.TCPAddr)
	conn, err := c.DialTCP(context.Background(), echoAddr.IP, uint16(echoAddr.Port))
	if err != nil {
		t.Fatalf("DialTCP via socks5: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("relay")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	buf := make([]byte, 5)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("ReadFull: %v", err)
	}
	if string(buf) != "relay" {
		t.Fatalf("got %q, want relay", buf)
	}
}
