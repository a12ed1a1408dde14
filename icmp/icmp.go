// Package icmp synthesises the ICMPv4/ICMPv6 error packets the
// forwarding engine injects in place of an original packet it cannot
// deliver: spec.md §4.4's Time Exceeded, Destination
// Unreachable/Fragmentation Needed, and Packet Too Big messages.
package icmp

import (
	"encoding/binary"
	"net/netip"

	"github.com/ayourtch/network-simulator/pkt"
)

const synthesizedTTL = 64

const (
	v4HeaderLen   = 20
	v6HeaderLen   = 40
	icmpHeaderLen = 8 // type, code, checksum, 4-byte "extra word"
	v6MinMTU      = 1280
)

// TTLExceededV4 builds an IPv4+ICMPv4 Time Exceeded (type 11, code 0)
// packet originating at routerAddr, addressed back to the original
// packet's source, carrying the original IPv4 header plus its first
// eight payload bytes.
func TTLExceededV4(routerAddr netip.Addr, orig *pkt.View) []byte {
	return buildV4(routerAddr, orig, 11, 0, 0)
}

// DestUnreachableV4 builds an IPv4+ICMPv4 Destination Unreachable
// (type 3, code 0) packet.
func DestUnreachableV4(routerAddr netip.Addr, orig *pkt.View) []byte {
	return buildV4(routerAddr, orig, 3, 0, 0)
}

// FragmentationNeededV4 builds an IPv4+ICMPv4 Fragmentation Needed
// (type 3, code 4) packet, carrying the next-hop MTU in the low 16
// bits of the extra word (bytes 6..8 of the ICMPv4 message).
func FragmentationNeededV4(routerAddr netip.Addr, orig *pkt.View, mtu uint32) []byte {
	extra := uint32(mtu & 0xffff)
	return buildV4(routerAddr, orig, 3, 4, extra)
}

// HopLimitExceededV6 builds an IPv6+ICMPv6 Time Exceeded (type 3,
// code 0) packet.
func HopLimitExceededV6(routerAddr netip.Addr, orig *pkt.View) []byte {
	return buildV6(routerAddr, orig, 3, 0, 0)
}

// PacketTooBigV6 builds an IPv6+ICMPv6 Packet Too Big (type 2, code
// 0) packet, carrying the next-hop MTU in the full 32-bit extra word.
func PacketTooBigV6(routerAddr netip.Addr, orig *pkt.View, mtu uint32) []byte {
	return buildV6(routerAddr, orig, 2, 0, mtu)
}

// DestUnreachableV6 builds an IPv6+ICMPv6 Destination Unreachable
// (type 1, code 0) packet.
func DestUnreachableV6(routerAddr netip.Addr, orig *pkt.View) []byte {
	return buildV6(routerAddr, orig, 1, 0, 0)
}

func buildV4(routerAddr netip.Addr, orig *pkt.View, icmpType, icmpCode uint8, extra uint32) []byte {
	embedded := embeddedV4Payload(orig)
	icmpLen := icmpHeaderLen + len(embedded)
	total := v4HeaderLen + icmpLen
	buf := make([]byte, total)

	// Outer IPv4 header.
	buf[0] = 4<<4 | 5 // version=4, IHL=5 (no options)
	buf[1] = 0        // ToS
	binary.BigEndian.PutUint16(buf[2:4], uint16(total))
	binary.BigEndian.PutUint16(buf[4:6], 0) // ID
	binary.BigEndian.PutUint16(buf[6:8], 0) // flags+fragoffset
	buf[8] = synthesizedTTL
	buf[9] = uint8(pkt.ProtoICMPv4)
	srcB := routerAddr.As4()
	dstB := orig.Src.As4()
	copy(buf[12:16], srcB[:])
	copy(buf[16:20], dstB[:])
	binary.BigEndian.PutUint16(buf[10:12], pkt.Checksum(buf[0:v4HeaderLen]))

	// ICMPv4 message.
	icmpBuf := buf[v4HeaderLen:]
	icmpBuf[0] = icmpType
	icmpBuf[1] = icmpCode
	binary.BigEndian.PutUint32(icmpBuf[4:8], extra)
	copy(icmpBuf[icmpHeaderLen:], embedded)
	binary.BigEndian.PutUint16(icmpBuf[2:4], pkt.Checksum(icmpBuf))

	return buf
}

func buildV6(routerAddr netip.Addr, orig *pkt.View, icmpType, icmpCode uint8, extra uint32) []byte {
	embedded := embeddedV6Payload(orig)
	icmpLen := icmpHeaderLen + len(embedded)
	total := v6HeaderLen + icmpLen
	buf := make([]byte, total)

	binary.BigEndian.PutUint32(buf[0:4], 6<<28) // version=6, traffic class/flow = 0
	binary.BigEndian.PutUint16(buf[4:6], uint16(icmpLen))
	buf[6] = uint8(pkt.ProtoICMPv6)
	buf[7] = synthesizedTTL
	srcB := routerAddr.As16()
	dstB := orig.Src.As16()
	copy(buf[8:24], srcB[:])
	copy(buf[24:40], dstB[:])

	icmpBuf := buf[v6HeaderLen:]
	icmpBuf[0] = icmpType
	icmpBuf[1] = icmpCode
	binary.BigEndian.PutUint32(icmpBuf[4:8], extra)
	copy(icmpBuf[icmpHeaderLen:], embedded)

	pseudo := pkt.PseudoHeaderSum(routerAddr, orig.Src, uint32(icmpLen), pkt.ProtoICMPv6)
	full := pseudo
	n := len(icmpBuf)
	for i := 0; i+1 < n; i += 2 {
		full += uint32(binary.BigEndian.Uint16(icmpBuf[i : i+2]))
	}
	if n&1 == 1 {
		full += uint32(icmpBuf[n-1]) << 8
	}
	binary.BigEndian.PutUint16(icmpBuf[2:4], pkt.FoldChecksum(full))

	return buf
}

// embeddedV4Payload returns the original IPv4 header plus its first
// eight payload bytes, per spec.md §4.4.
func embeddedV4Payload(orig *pkt.View) []byte {
	hlen := int(orig.Raw[0] & 0xf) * 4
	end := hlen + 8
	if end > len(orig.Raw) {
		end = len(orig.Raw)
	}
	out := make([]byte, end)
	copy(out, orig.Raw[:end])
	return out
}

// embeddedV6Payload returns as much of the original packet as fits
// while keeping the synthesised ICMPv6 packet within 1280 bytes total.
func embeddedV6Payload(orig *pkt.View) []byte {
	budget := v6MinMTU - v6HeaderLen - icmpHeaderLen
	n := len(orig.Raw)
	if n > budget {
		n = budget
	}
	out := make([]byte, n)
	copy(out, orig.Raw[:n])
	return out
}
