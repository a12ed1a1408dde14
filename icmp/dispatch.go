package icmp

import (
	"net/netip"

	"github.com/ayourtch/network-simulator/pkt"
)

// TimeExceededFor dispatches to the TTL/hop-limit exceeded builder
// matching orig's IP version.
func TimeExceededFor(routerAddr netip.Addr, orig *pkt.View) []byte {
	if orig.Version == 4 {
		return TTLExceededV4(routerAddr, orig)
	}
	return HopLimitExceededV6(routerAddr, orig)
}

// DestUnreachableFor dispatches to the Destination Unreachable
// builder matching orig's IP version.
func DestUnreachableFor(routerAddr netip.Addr, orig *pkt.View) []byte {
	if orig.Version == 4 {
		return DestUnreachableV4(routerAddr, orig)
	}
	return DestUnreachableV6(routerAddr, orig)
}

// FragNeededFor dispatches to the MTU-exceeded builder matching
// orig's IP version: Fragmentation Needed for IPv4, Packet Too Big
// for IPv6.
func FragNeededFor(routerAddr netip.Addr, orig *pkt.View, mtu uint32) []byte {
	if orig.Version == 4 {
		return FragmentationNeededV4(routerAddr, orig, mtu)
	}
	return PacketTooBigV6(routerAddr, orig, mtu)
}
