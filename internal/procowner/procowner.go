// Package procowner performs a best-effort lookup of the local
// process that owns a given TCP or UDP source port, for the
// diagnostic "which process opened this flow" log line the
// controller emits. It is never fatal: every failure mode degrades to
// "unknown" rather than propagating an error, since this is purely a
// debugging aid and no operation in this repository depends on it
// succeeding.
package procowner

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
)

// Owner describes the local process that owns a socket, if found.
type Owner struct {
	PID     int
	Command string
}

// Lookup finds the process bound to localPort for the given protocol
// ("tcp" or "tcp6" / "udp" or "udp6"), on Linux, by cross-referencing
// /proc/net/{tcp,udp}[6] socket inodes against every process's open
// file descriptors. It returns ok == false whenever the lookup isn't
// possible or doesn't find anything, on any platform.
func Lookup(proto string, localPort uint16) (owner Owner, ok bool) {
	if runtime.GOOS != "linux" {
		return Owner{}, false
	}
	inode, ok := findSocketInode(proto, localPort)
	if !ok {
		return Owner{}, false
	}
	return findProcessByInode(inode)
}

func findSocketInode(proto string, localPort uint16) (string, bool) {
	f, err := os.Open("/proc/net/" + proto)
	if err != nil {
		return "", false
	}
	defer f.Close()

	wantHex := fmt.Sprintf("%04X", localPort)
	scanner := bufio.NewScanner(f)
	scanner.Scan() // header line
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 10 {
			continue
		}
		// fields[1] is "local_address:port" in hex, fields[9] is
		// inode.
		parts := strings.Split(fields[1], ":")
		if len(parts) != 2 {
			continue
		}
		if strings.EqualFold(parts[1], wantHex) {
			return fields[9], true
		}
	}
	return "", false
}

func findProcessByInode(inode string) (Owner, bool) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return Owner{}, false
	}
	target := "socket:[" + inode + "]"
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		fdDir := filepath.Join("/proc", e.Name(), "fd")
		fds, err := os.ReadDir(fdDir)
		if err != nil {
			continue
		}
		for _, fd := range fds {
			link, err := os.Readlink(filepath.Join(fdDir, fd.Name()))
			if err != nil {
				continue
			}
			if link != target {
				continue
			}
			comm, _ := os.ReadFile(filepath.Join("/proc", e.Name(), "comm"))
			return Owner{PID: pid, Command: strings.TrimSpace(string(comm))}, true
		}
	}
	return Owner{}, false
}
