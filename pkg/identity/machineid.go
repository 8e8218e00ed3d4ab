// Package identity computes the agent's stable machine id (spec §4.3).
package identity

import (
	"bytes"
	"net"
	"os"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// dmiProductUUIDPath and dmiFactoryIDPath are read on Linux to derive a
// stable per-machine id without any native dependency.
const (
	dmiProductUUIDPath = "/sys/class/dmi/id/product_uuid"
	dmiFactoryIDPath   = "/sys/class/dmi/id/board_serial"
	darwinSerialPath   = "/var/run/overlord/ioplatform_serial" // populated by a small helper on Darwin; absent elsewhere
)

// Options controls how Compute resolves the machine id.
type Options struct {
	// Fixed, if non-empty, is returned unconditionally (caller-supplied id).
	Fixed string
	// ForceRandom, if true, skips every stable-id source and returns a fresh
	// random UUID.
	ForceRandom bool
}

// Compute resolves the machine id by trying, in order: a caller-supplied
// fixed id, a caller-forced random id, a platform-specific stable id, the
// sorted non-loopback MAC addresses, and finally a random UUID as a last
// resort. It never returns an empty string (spec §3 invariant) and is safe
// to call again on every connect attempt, since interface changes must be
// picked up (spec §4.3/§4.5 step f).
func Compute(opts Options) string {
	if opts.Fixed != "" {
		return opts.Fixed
	}
	if opts.ForceRandom {
		return uuid.NewString()
	}
	if id := platformStableID(); id != "" {
		return id
	}
	if id := macAddressID(); id != "" {
		return id
	}
	return uuid.NewString()
}

// platformStableID tries, in order, the Linux DMI product-uuid file, the
// Darwin IOPlatformSerialNumber helper file, and the Linux DMI board-serial
// file. Returns "" if
// none are available, which is the expected case on any platform other than
// the one actually running.
func platformStableID() string {
	for _, path := range []string{dmiProductUUIDPath, darwinSerialPath, dmiFactoryIDPath} {
		b, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		id := strings.TrimSpace(string(b))
		if id != "" {
			return id
		}
	}
	return ""
}

// macAddressID joins the sorted non-loopback hardware addresses of every
// "real" network interface with ";", giving a stable fallback id when no
// platform serial is available.
func macAddressID() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}

	var macs []string
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if len(iface.HardwareAddr) == 0 {
			continue
		}
		if isZeroHW(iface.HardwareAddr) {
			continue
		}
		macs = append(macs, iface.HardwareAddr.String())
	}
	if len(macs) == 0 {
		return ""
	}
	sort.Strings(macs)
	return strings.Join(macs, ";")
}

func isZeroHW(hw net.HardwareAddr) bool {
	return bytes.Equal(hw, make(net.HardwareAddr, len(hw)))
}
