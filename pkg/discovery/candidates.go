// Package discovery assembles the agent's candidate server address list and
// runs the LAN beacon listener (spec §4.3).
package discovery

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// DefaultHTTPPort and DefaultHTTPSPort are probed on the loopback address
// when no explicit candidate is given.
const (
	DefaultHTTPPort  = 9000
	DefaultHTTPSPort = 9443
)

// Options configures candidate-list assembly.
type Options struct {
	// Args are explicit host[:port] entries, e.g. from the command line.
	Args []string
	// FactoryServerAddr is resolved by a local RPC elsewhere in the stack
	// (out of scope here); pass the empty string when it is unavailable.
	FactoryServerAddr string
	// ExtraBeacons are addresses learned from LAN beacons since the last
	// candidate-list rebuild (spec §4.3's discovery event queue).
	ExtraBeacons []string
}

// BuildCandidates appends, de-duplicates (preserving insertion order), and
// returns the full candidate address list per spec §4.3:
//
//  1. CLI arguments (default ports filled in when missing).
//  2. Loopback addresses on the default HTTP(S) ports.
//  3. Gateway IPs parsed from the OS routing table.
//  4. The factory-server IP, if resolved.
//  5. Addresses learned from LAN beacons.
func BuildCandidates(opts Options) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(addr string) {
		if addr == "" || seen[addr] {
			return
		}
		seen[addr] = true
		out = append(out, addr)
	}

	for _, a := range opts.Args {
		add(fillDefaultPort(a, DefaultHTTPSPort))
	}

	add(fmt.Sprintf("127.0.0.1:%d", DefaultHTTPPort))
	add(fmt.Sprintf("127.0.0.1:%d", DefaultHTTPSPort))

	for _, gw := range gatewayAddrs() {
		add(fillDefaultPort(gw, DefaultHTTPSPort))
	}

	if opts.FactoryServerAddr != "" {
		add(fillDefaultPort(opts.FactoryServerAddr, DefaultHTTPSPort))
	}

	for _, b := range opts.ExtraBeacons {
		add(b)
	}

	return out
}

func fillDefaultPort(addr string, defaultPort int) string {
	if strings.Contains(addr, ":") {
		return addr
	}
	return fmt.Sprintf("%s:%d", addr, defaultPort)
}

// gatewayAddrs parses the default gateway IP(s) from the OS routing table.
// On Linux it reads /proc/net/route; on any other platform (or on error) it
// returns nil, which simply means this source contributes nothing — the
// agent still has the loopback and CLI-supplied candidates to try.
func gatewayAddrs() []string {
	f, err := os.Open("/proc/net/route")
	if err != nil {
		return nil
	}
	defer f.Close()

	var gws []string
	scanner := bufio.NewScanner(f)
	first := true
	for scanner.Scan() {
		if first {
			first = false // header line
			continue
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) < 8 {
			continue
		}
		destination := fields[1]
		gateway := fields[2]
		if destination != "00000000" {
			continue // only the default route
		}
		if ip := hexLEToIP(gateway); ip != "" {
			gws = append(gws, ip)
		}
	}
	return gws
}

// hexLEToIP converts a little-endian hex-encoded IPv4 address, the format
// /proc/net/route uses, into dotted-quad form.
func hexLEToIP(hex string) string {
	if len(hex) != 8 {
		return ""
	}
	var b [4]byte
	for i := 0; i < 4; i++ {
		v, err := strconv.ParseUint(hex[i*2:i*2+2], 16, 8)
		if err != nil {
			return ""
		}
		b[3-i] = byte(v)
	}
	return fmt.Sprintf("%d.%d.%d.%d", b[0], b[1], b[2], b[3])
}
