package mockingress_test

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ayourtch/network-simulator/forward"
	"github.com/ayourtch/network-simulator/link"
	"github.com/ayourtch/network-simulator/mockingress"
	"github.com/ayourtch/network-simulator/pkt"
	"github.com/ayourtch/network-simulator/routing"
	"github.com/ayourtch/network-simulator/topology"
)

func buildIPv4Hex(ttl uint8) string {
	buf := make([]byte, 28)
	buf[0] = 4<<4 | 5
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(buf)))
	buf[8] = ttl
	buf[9] = uint8(pkt.ProtoUDP)
	src := netip.MustParseAddr("10.101.0.9").As4()
	dst := netip.MustParseAddr("10.102.0.9").As4()
	copy(buf[12:16], src[:])
	copy(buf[16:20], dst[:])
	binary.BigEndian.PutUint16(buf[10:12], pkt.Checksum(buf[:20]))
	return hex.EncodeToString(buf)
}

func TestRunForwardsEachLine(t *testing.T) {
	g := topology.NewGraph()
	g.AddRouter("Rx0y0")
	g.AddRouter("Rx1y0")
	g.AddLink(topology.AnchorTunA, "Rx0y0", topology.LinkParams{DelayMS: 1, MTU: 1500})
	g.AddLink("Rx0y0", "Rx1y0", topology.LinkParams{DelayMS: 1, MTU: 1500})
	g.AddLink("Rx1y0", topology.AnchorTunB, topology.LinkParams{DelayMS: 1, MTU: 1500})
	tables, err := routing.Compute(g)
	require.NoError(t, err)

	engine := forward.NewEngine(g, tables, link.NewSource(1), map[topology.RouterID]topology.RouterID{
		topology.AnchorTunA: "Rx0y0",
		topology.AnchorTunB: "Rx1y0",
	})
	engine.Sleep = func(ctx context.Context, d time.Duration) error { return nil }

	dir := t.TempDir()
	inPath := filepath.Join(dir, "in.hex")
	outPath := filepath.Join(dir, "out.hex")

	lines := buildIPv4Hex(64) + "\n" + "# a comment line\n\n" + buildIPv4Hex(64) + "\n"
	require.NoError(t, os.WriteFile(inPath, []byte(lines), 0o644))

	log := zap.NewNop()
	err = mockingress.Run(context.Background(), engine, log, inPath, outPath, "Rx0y0", topology.AnchorTunB)
	require.NoError(t, err)

	out, err := os.ReadFile(outPath)
	require.NoError(t, err)
	outLines := 0
	for _, b := range out {
		if b == '\n' {
			outLines++
		}
	}
	require.Equal(t, 2, outLines)
}

func TestRunSkipsUnparseableLines(t *testing.T) {
	g := topology.NewGraph()
	g.AddRouter("Rx0y0")
	g.AddLink(topology.AnchorTunA, "Rx0y0", topology.LinkParams{DelayMS: 1, MTU: 1500})
	g.AddLink("Rx0y0", topology.AnchorTunB, topology.LinkParams{DelayMS: 1, MTU: 1500})
	tables, err := routing.Compute(g)
	require.NoError(t, err)
	engine := forward.NewEngine(g, tables, link.NewSource(1), map[topology.RouterID]topology.RouterID{
		topology.AnchorTunA: "Rx0y0",
		topology.AnchorTunB: "Rx0y0",
	})
	engine.Sleep = func(ctx context.Context, d time.Duration) error { return nil }

	dir := t.TempDir()
	inPath := filepath.Join(dir, "in.hex")
	outPath := filepath.Join(dir, "out.hex")
	require.NoError(t, os.WriteFile(inPath, []byte("not-hex-at-all\n"), 0o644))

	err = mockingress.Run(context.Background(), engine, zap.NewNop(), inPath, outPath, "Rx0y0", topology.AnchorTunB)
	require.NoError(t, err)

	out, err := os.ReadFile(outPath)
	require.NoError(t, err)
	require.Empty(t, out)
}
