package topology

import (
	"fmt"
	"net/netip"
	"regexp"
	"strconv"
)

// RouterID is an opaque string matching the grammar R x <digit>+ y <digit>+,
// e.g. "Rx2y5". The two terminal anchors use the reserved identities
// "tunA" and "tunB" and never satisfy this grammar.
type RouterID string

const (
	AnchorTunA RouterID = "tunA"
	AnchorTunB RouterID = "tunB"
)

var routerIDPattern = regexp.MustCompile(`^Rx(\d+)y(\d+)$`)

// ParseCoordinates extracts the (x, y) coordinates from a RouterID
// matching the Rx<digit>+y<digit>+ grammar. It returns false for the
// reserved anchors or any identity that does not match the grammar.
func ParseCoordinates(id RouterID) (x, y int, ok bool) {
	m := routerIDPattern.FindStringSubmatch(string(id))
	if m == nil {
		return 0, 0, false
	}
	x, errX := strconv.Atoi(m[1])
	y, errY := strconv.Atoi(m[2])
	if errX != nil || errY != nil {
		return 0, 0, false
	}
	return x, y, true
}

// IsValidRouterID reports whether id matches the RouterID grammar and
// is not one of the reserved anchor identities.
func IsValidRouterID(id RouterID) bool {
	if id == AnchorTunA || id == AnchorTunB {
		return false
	}
	_, _, ok := ParseCoordinates(id)
	return ok
}

// SynthesizeIPv4 returns the deterministic IPv4 address 10.(100+x).y.1
// for a router at coordinates (x, y). The formula applies regardless
// of whether (x, y) fit within the conventional 6x6 default range.
func SynthesizeIPv4(x, y int) (netip.Addr, error) {
	if x < 0 || y < 0 || x > 155 || y > 255 {
		return netip.Addr{}, fmt.Errorf("topology: coordinates (%d,%d) do not fit an IPv4 octet", x, y)
	}
	return netip.AddrFrom4([4]byte{10, byte(100 + x), byte(y), 1}), nil
}

// SynthesizeIPv6 returns the deterministic IPv6 address fd00::x:y for
// a router at coordinates (x, y).
func SynthesizeIPv6(x, y int) (netip.Addr, error) {
	if x < 0 || x > 0xffff || y < 0 || y > 0xffff {
		return netip.Addr{}, fmt.Errorf("topology: coordinates (%d,%d) do not fit an IPv6 group", x, y)
	}
	var b [16]byte
	b[0] = 0xfd
	b[12] = byte(x >> 8)
	b[13] = byte(x)
	b[14] = byte(y >> 8)
	b[15] = byte(y)
	return netip.AddrFrom16(b), nil
}
