// Package netif enumerates the host's broadcast-capable IPv4 interfaces and
// computes their subnet-directed broadcast addresses.
//
// The limited broadcast address 255.255.255.255 is never returned: several
// tablet network stacks silently drop it, while the subnet-directed form
// (ip | ^mask) reaches the local segment.
package netif

import (
	"log/slog"
	"net/netip"
	"slices"

	psnet "github.com/shirou/gopsutil/v3/net"
)

// BroadcastTarget is one interface the discovery request can be sent on.
type BroadcastTarget struct {
	InterfaceName string
	Broadcast     netip.Addr
}

// Lister returns the current broadcast targets. It is the seam the discovery
// engine uses so tests can substitute a fixed interface table.
type Lister func() []BroadcastTarget

// ListBroadcastTargets reads the OS interface table and returns every
// qualifying target. It never fails: an unreadable interface table yields an
// empty slice, which callers treat as "no network".
func ListBroadcastTargets() []BroadcastTarget {
	ifaces, err := psnet.Interfaces()
	if err != nil {
		slog.Warn("netif: list interfaces", "err", err)
		return nil
	}
	return BroadcastTargets(ifaces)
}

// BroadcastTargets selects up, broadcast-capable, non-loopback interfaces and
// returns one target per IPv4 address on them. Point-to-point prefixes (/31
// and /32) have no broadcast address and are skipped.
func BroadcastTargets(ifaces []psnet.InterfaceStat) []BroadcastTarget {
	var out []BroadcastTarget
	for _, iface := range ifaces {
		if !qualifies(iface.Flags) {
			continue
		}
		for _, a := range iface.Addrs {
			prefix, err := netip.ParsePrefix(a.Addr)
			if err != nil {
				// Some platforms report bare addresses without a mask.
				continue
			}
			addr := prefix.Addr().Unmap()
			if !addr.Is4() || addr.IsLoopback() || prefix.Bits() >= 31 {
				continue
			}
			out = append(out, BroadcastTarget{
				InterfaceName: iface.Name,
				Broadcast:     Broadcast(addr, prefix.Bits()),
			})
		}
	}
	return out
}

// Broadcast returns ip | ^mask for an IPv4 address with a prefix length of
// bits.
func Broadcast(ip netip.Addr, bits int) netip.Addr {
	b := ip.As4()
	for i := range b {
		hostBits := min(max(32-bits-8*(3-i), 0), 8)
		b[i] |= byte(1<<hostBits - 1)
	}
	return netip.AddrFrom4(b)
}

func qualifies(flags []string) bool {
	return slices.Contains(flags, "up") &&
		slices.Contains(flags, "broadcast") &&
		!slices.Contains(flags, "loopback")
}
