// Package pkt parses and rewrites the IPv4/IPv6 headers that flow
// through the fabric. It mirrors the zero-copy "Frame" style used by
// the project's wider packet-handling code: a view holds a reference
// to the wire bytes and every accessor reads or writes through it
// directly, so mutation never requires a reserialization pass.
package pkt

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
)

// IPProto identifies an IP payload protocol number (IANA protocol numbers).
type IPProto uint8

const (
	ProtoICMPv4 IPProto = 1
	ProtoTCP    IPProto = 6
	ProtoUDP    IPProto = 17
	ProtoICMPv6 IPProto = 58
)

// IPv6 extension header types walked to find the upper-layer header.
const (
	extHopByHop    IPProto = 0
	extRouting     IPProto = 43
	extFragment    IPProto = 44
	extDestOptions IPProto = 60
	extMobility    IPProto = 135
)

var (
	// ErrParse is the sentinel kind wrapped by every parse failure. Callers
	// that only care about "was this a parse error" can use errors.Is.
	ErrParse = errors.New("pkt: parse error")

	errTtlExhausted = errors.New("pkt: ttl/hop-limit exhausted")
)

func parseErr(msg string) error { return fmt.Errorf("%w: %s", ErrParse, msg) }

var (
	errTooShort   = parseErr("buffer shorter than declared header length")
	errBadVersion = parseErr("first nibble is neither 4 nor 6")
	errBadIHL     = parseErr("IPv4 IHL smaller than 5")
	errExtHeaders = parseErr("IPv6 extension header chain runs past buffer end")
)

// ErrTtlExhausted is returned by DecrementTTL when the TTL/hop-limit is
// already <= 1, i.e. the packet may not be forwarded one more hop.
// This is the check-before-decrement policy: a packet arriving with
// value 1 is diagnosed by the router that receives it.
var ErrTtlExhausted = errTtlExhausted

// View is a parsed look at an IPv4 or IPv6 packet. The byte slice
// (Raw) is the single source of truth; every other field is a cache
// computed at Parse time and must be re-derived (by re-parsing) after
// any mutation that could move the upper-layer header, which the
// fabric never does — it only rewrites TTL/hop-limit and the IPv4
// checksum in place.
type View struct {
	Raw          []byte
	Version      uint8 // 4 or 6
	Src          netip.Addr
	Dst          netip.Addr
	Protocol     IPProto
	SrcPort      uint16
	DstPort      uint16
	TTL          uint8
	TotalLength  int
	l4Offset     int
}

// Parse parses b in place: View.Raw aliases b, so mutating the view
// mutates the caller's buffer.
func Parse(b []byte) (View, error) {
	if len(b) == 0 {
		return View{}, errBadVersion
	}
	switch b[0] >> 4 {
	case 4:
		return parseV4(b)
	case 6:
		return parseV6(b)
	default:
		return View{}, errBadVersion
	}
}

func parseV4(b []byte) (View, error) {
	ihl := int(b[0] & 0xf)
	if ihl < 5 {
		return View{}, errBadIHL
	}
	hlen := ihl * 4
	if len(b) < hlen {
		return View{}, errTooShort
	}
	v := View{
		Raw:         b,
		Version:     4,
		Src:         netip.AddrFrom4([4]byte(b[12:16])),
		Dst:         netip.AddrFrom4([4]byte(b[16:20])),
		Protocol:    IPProto(b[9]),
		TTL:         b[8],
		TotalLength: int(binary.BigEndian.Uint16(b[2:4])),
		l4Offset:    hlen,
	}
	readPorts(&v, b)
	return v, nil
}

func parseV6(b []byte) (View, error) {
	const sizeHeader = 40
	if len(b) < sizeHeader {
		return View{}, errTooShort
	}
	payloadLen := int(binary.BigEndian.Uint16(b[4:6]))
	v := View{
		Raw:         b,
		Version:     6,
		Src:         netip.AddrFrom16([16]byte(b[8:24])),
		Dst:         netip.AddrFrom16([16]byte(b[24:40])),
		TTL:         b[7],
		TotalLength: sizeHeader + payloadLen,
	}
	next := IPProto(b[6])
	off := sizeHeader
	for isExtensionHeader(next) {
		if off+2 > len(b) {
			return View{}, errExtHeaders
		}
		nextHdr := IPProto(b[off])
		var size int
		if next == extFragment {
			size = 8
		} else {
			extLen := int(b[off+1])
			size = 8 * (1 + extLen)
		}
		if off+size > len(b) {
			return View{}, errExtHeaders
		}
		off += size
		next = nextHdr
	}
	v.Protocol = next
	v.l4Offset = off
	readPorts(&v, b)
	return v, nil
}

func isExtensionHeader(p IPProto) bool {
	switch p {
	case extHopByHop, extRouting, extDestOptions, extMobility, extFragment:
		return true
	default:
		return false
	}
}

func readPorts(v *View, b []byte) {
	if v.Protocol != ProtoTCP && v.Protocol != ProtoUDP {
		return
	}
	if len(b) < v.l4Offset+4 {
		return
	}
	v.SrcPort = binary.BigEndian.Uint16(b[v.l4Offset : v.l4Offset+2])
	v.DstPort = binary.BigEndian.Uint16(b[v.l4Offset+2 : v.l4Offset+4])
}

// DecrementTTL applies the check-before-decrement policy: if the
// TTL/hop-limit is already <= 1, it returns ErrTtlExhausted and leaves
// the buffer untouched. Otherwise it subtracts one and, for IPv4,
// recomputes the header checksum.
func (v *View) DecrementTTL() error {
	if v.TTL <= 1 {
		return errTtlExhausted
	}
	v.TTL--
	if v.Version == 4 {
		v.Raw[8] = v.TTL
		v.fixIPv4Checksum()
	} else {
		v.Raw[7] = v.TTL
	}
	return nil
}

func (v *View) ihl() int { return int(v.Raw[0] & 0xf) }

// fixIPv4Checksum recomputes bytes[10:12) over the header with the
// checksum field zeroed during computation, per RFC 791.
func (v *View) fixIPv4Checksum() {
	hlen := v.ihl() * 4
	v.Raw[10] = 0
	v.Raw[11] = 0
	binary.BigEndian.PutUint16(v.Raw[10:12], Checksum(v.Raw[:hlen]))
}

// IPv4Checksum returns the current checksum field, for tests asserting
// validity against Checksum(header-with-field-zeroed).
func (v View) IPv4Checksum() uint16 {
	return binary.BigEndian.Uint16(v.Raw[10:12])
}

// Checksum computes the RFC 791 one's-complement checksum over b: it
// accumulates 16-bit big-endian words into a 32-bit accumulator,
// folds carries into the low sixteen bits until none remain, and
// returns the bitwise complement. Any checksum field inside b must
// already be zeroed by the caller before calling this.
func Checksum(b []byte) uint16 {
	var sum uint32
	n := len(b)
	for i := 0; i+1 < n; i += 2 {
		sum += uint32(binary.BigEndian.Uint16(b[i : i+2]))
	}
	if n&1 == 1 {
		sum += uint32(b[n-1]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + sum>>16
	}
	return ^uint16(sum)
}

// PseudoHeaderSum folds an IPv6 pseudo-header (source, destination,
// upper-layer length, zeros + next-header) into a running checksum
// accumulator, for use by the ICMPv6 checksum.
func PseudoHeaderSum(src, dst netip.Addr, upperLen uint32, nextHeader IPProto) uint32 {
	var sum uint32
	srcB := src.As16()
	dstB := dst.As16()
	for i := 0; i < 16; i += 2 {
		sum += uint32(binary.BigEndian.Uint16(srcB[i : i+2]))
		sum += uint32(binary.BigEndian.Uint16(dstB[i : i+2]))
	}
	sum += upperLen >> 16
	sum += upperLen & 0xffff
	sum += uint32(nextHeader)
	return sum
}

// FoldChecksum folds accumulator carries and complements, the tail
// end shared by Checksum and the pseudo-header based checksums.
func FoldChecksum(sum uint32) uint16 {
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + sum>>16
	}
	return ^uint16(sum)
}
