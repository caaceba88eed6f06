package procowner

import "testing"

func TestLookupUnboundPortMisses(t *testing.T) {
	// Port 0 is never a real bound local port; this exercises the
	// full lookup path without requiring any actual open socket and
	// must never panic regardless of platform.
	if _, ok := Lookup("tcp", 0); ok {
		t.Fatal("did not expect a match for port 0")
	}
}
