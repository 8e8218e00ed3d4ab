package discovery

import (
	"reflect"
	"testing"
)

// ---------------------------------------------------------------------------
// fillDefaultPort / hexLEToIP
// ---------------------------------------------------------------------------

func TestFillDefaultPort(t *testing.T) {
	cases := []struct{ in, want string }{
		{"example.com", "example.com:9443"},
		{"example.com:1234", "example.com:1234"},
		{"10.0.0.1", "10.0.0.1:9443"},
	}
	for _, tc := range cases {
		if got := fillDefaultPort(tc.in, DefaultHTTPSPort); got != tc.want {
			t.Errorf("fillDefaultPort(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestHexLEToIP(t *testing.T) {
	cases := []struct {
		hex  string
		want string
	}{
		{"0100A8C0", "192.168.0.1"}, // little-endian 192.168.0.1
		{"00000000", "0.0.0.0"},
		{"bad", ""},
		{"toolonghexvalue", ""},
	}
	for _, tc := range cases {
		if got := hexLEToIP(tc.hex); got != tc.want {
			t.Errorf("hexLEToIP(%q) = %q, want %q", tc.hex, got, tc.want)
		}
	}
}

// ---------------------------------------------------------------------------
// BuildCandidates
// ---------------------------------------------------------------------------

func TestBuildCandidatesOrderAndDedup(t *testing.T) {
	opts := Options{
		Args:              []string{"server1.example.com", "127.0.0.1:9000"},
		FactoryServerAddr: "factory.example.com",
		ExtraBeacons:      []string{"192.168.1.50:9443", "server1.example.com:9443"},
	}
	got := BuildCandidates(opts)

	// Args come first, in order, with the default HTTPS port filled in.
	wantPrefix := []string{"server1.example.com:9443", "127.0.0.1:9000"}
	if len(got) < len(wantPrefix) || !reflect.DeepEqual(got[:len(wantPrefix)], wantPrefix) {
		t.Fatalf("BuildCandidates() prefix = %v, want %v", got, wantPrefix)
	}

	// The duplicate beacon address (already present via Args) must not
	// appear twice, and every distinct source must be represented exactly
	// once, in first-seen order. Gateway-derived entries are host-dependent
	// and are not asserted here.
	count := make(map[string]int)
	for _, a := range got {
		count[a]++
	}
	if count["server1.example.com:9443"] != 1 {
		t.Errorf("server1.example.com:9443 appears %d times, want 1 (dedup)", count["server1.example.com:9443"])
	}
	for _, want := range []string{"127.0.0.1:9443", "factory.example.com:9443", "192.168.1.50:9443"} {
		if count[want] != 1 {
			t.Errorf("%s appears %d times, want 1", want, count[want])
		}
	}

	// 192.168.1.50:9443, coming only from ExtraBeacons, must sort after the
	// factory address, which is appended before beacons are processed.
	idxFactory, idxBeacon := -1, -1
	for i, a := range got {
		if a == "factory.example.com:9443" {
			idxFactory = i
		}
		if a == "192.168.1.50:9443" {
			idxBeacon = i
		}
	}
	if idxFactory < 0 || idxBeacon < 0 || idxFactory > idxBeacon {
		t.Errorf("expected factory address before beacon address, got order %v", got)
	}
}

func TestBuildCandidatesEmptyOptionsStillProbesLoopback(t *testing.T) {
	got := BuildCandidates(Options{})
	want := []string{"127.0.0.1:9000", "127.0.0.1:9443"}
	// Gateway-derived candidates may or may not be present depending on the
	// host's routing table; only assert the fixed loopback prefix.
	if len(got) < 2 {
		t.Fatalf("BuildCandidates() = %v, want at least the loopback pair", got)
	}
	for i, addr := range want {
		if got[i] != addr {
			t.Errorf("BuildCandidates()[%d] = %q, want %q", i, got[i], addr)
		}
	}
}
