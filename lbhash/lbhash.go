// Package lbhash implements the load-balance hash from spec.md §4.6:
// a deterministic digest over a packet's 5-tuple used to pin a flow
// to one of a router's equal-cost next hops, plus an opt-in
// per-packet variant that additionally mixes in a link's traversal
// counter.
package lbhash

import (
	"encoding/binary"
	"hash/fnv"
	"net/netip"

	"github.com/ayourtch/network-simulator/pkt"
)

// FlowKey is the packet 5-tuple the digest is computed over.
type FlowKey struct {
	Src, Dst         netip.Addr
	SrcPort, DstPort uint16
	Protocol         pkt.IPProto
}

// KeyOf builds a FlowKey from a parsed packet view.
func KeyOf(v *pkt.View) FlowKey {
	return FlowKey{
		Src:      v.Src,
		Dst:      v.Dst,
		SrcPort:  v.SrcPort,
		DstPort:  v.DstPort,
		Protocol: v.Protocol,
	}
}

// Digest computes a 64-bit, order-sensitive FNV-1a hash of the
// 5-tuple. This mirrors the technique gopacket's own Flow.FastHash
// uses internally (hashing endpoint bytes with FNV); it is fixed
// across all routers for a given build, so the result is identical
// wherever it is computed.
func Digest(k FlowKey) uint64 {
	h := fnv.New64a()
	srcB := k.Src.As16()
	dstB := k.Dst.As16()
	h.Write(srcB[:])
	h.Write(dstB[:])
	var ports [4]byte
	binary.BigEndian.PutUint16(ports[0:2], k.SrcPort)
	binary.BigEndian.PutUint16(ports[2:4], k.DstPort)
	h.Write(ports[:])
	h.Write([]byte{byte(k.Protocol)})
	return h.Sum64()
}

// PerPacketDigest mixes a link's traversal counter into the flow
// digest. Reserved for links with per-packet spreading explicitly
// enabled: it intentionally breaks the flow-affine guarantee, since
// the same 5-tuple now hashes differently traversal by traversal.
func PerPacketDigest(k FlowKey, traversalCount uint64) uint64 {
	h := fnv.New64a()
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], traversalCount)
	h.Write(buf[:])
	base := Digest(k)
	binary.BigEndian.PutUint64(buf[:], base)
	h.Write(buf[:])
	return h.Sum64()
}

// Select picks an index into a non-empty candidate list of size n
// using digest. Panics if n == 0; callers must not call Select with
// an empty candidate set.
func Select(digest uint64, n int) int {
	if n <= 0 {
		panic("lbhash: Select called with zero candidates")
	}
	return int(digest % uint64(n))
}
