package mux_test

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ayourtch/network-simulator/forward"
	"github.com/ayourtch/network-simulator/link"
	"github.com/ayourtch/network-simulator/mux"
	"github.com/ayourtch/network-simulator/pkt"
	"github.com/ayourtch/network-simulator/routing"
	"github.com/ayourtch/network-simulator/topology"
)

// pipeEndpoint is an in-memory mux.Endpoint: reads block on an
// incoming-frame channel, writes are recorded.
type pipeEndpoint struct {
	mu      sync.Mutex
	writes  [][]byte
	in      chan []byte
	closed  chan struct{}
	onClose func()
}

func newPipeEndpoint() *pipeEndpoint {
	return &pipeEndpoint{in: make(chan []byte, 8), closed: make(chan struct{})}
}

func (p *pipeEndpoint) Read(b []byte) (int, error) {
	select {
	case frame, ok := <-p.in:
		if !ok {
			return 0, io.EOF
		}
		n := copy(b, frame)
		return n, nil
	case <-p.closed:
		return 0, errors.New("pipeEndpoint: closed")
	}
}

func (p *pipeEndpoint) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := append([]byte(nil), b...)
	p.writes = append(p.writes, cp)
	return len(b), nil
}

func (p *pipeEndpoint) Close() error {
	select {
	case <-p.closed:
	default:
		close(p.closed)
	}
	return nil
}

func (p *pipeEndpoint) lastWrite() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.writes) == 0 {
		return nil
	}
	return p.writes[len(p.writes)-1]
}

func buildIPv4Frame(noPI bool, ttl uint8) []byte {
	ip := make([]byte, 28)
	ip[0] = 4<<4 | 5
	binary.BigEndian.PutUint16(ip[2:4], uint16(len(ip)))
	ip[8] = ttl
	ip[9] = uint8(pkt.ProtoUDP)
	src := netip.MustParseAddr("10.101.0.9").As4()
	dst := netip.MustParseAddr("10.102.0.9").As4()
	copy(ip[12:16], src[:])
	copy(ip[16:20], dst[:])
	binary.BigEndian.PutUint16(ip[10:12], pkt.Checksum(ip[:20]))
	if noPI {
		return ip
	}
	framed := make([]byte, 4+len(ip))
	binary.BigEndian.PutUint16(framed[2:4], 0x0800)
	copy(framed[4:], ip)
	return framed
}

func TestMultiplexerForwardsFrameFromAToB(t *testing.T) {
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

	devA := newPipeEndpoint()
	devB := newPipeEndpoint()

	m := &mux.Multiplexer{
		Engine:   engine,
		Log:      zap.NewNop(),
		DeviceA:  devA,
		DeviceB:  devB,
		NoPIA:    false,
		NoPIB:    false,
		IngressA: "Rx0y0",
		IngressB: "Rx1y0",
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	devA.in <- buildIPv4Frame(false, 64)

	require.Eventually(t, func() bool {
		return devB.lastWrite() != nil
	}, time.Second, 10*time.Millisecond)

	out := devB.lastWrite()
	require.GreaterOrEqual(t, len(out), 4)
	ethertype := binary.BigEndian.Uint16(out[2:4])
	require.Equal(t, uint16(0x0800), ethertype)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestFrameForOmitsPIHeaderWhenNoPI(t *testing.T) {
	ip := buildIPv4Frame(true, 64)
	// frameFor is unexported; exercise it indirectly through a
	// Multiplexer configured with NoPIB set, verifying the write omits
	// the 4-byte header entirely.
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

	devA := newPipeEndpoint()
	devB := newPipeEndpoint()
	m := &mux.Multiplexer{
		Engine: engine, Log: zap.NewNop(),
		DeviceA: devA, DeviceB: devB,
		NoPIA: true, NoPIB: true,
		IngressA: "Rx0y0", IngressB: "Rx0y0",
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	devA.in <- ip
	require.Eventually(t, func() bool { return devB.lastWrite() != nil }, time.Second, 10*time.Millisecond)
	out := devB.lastWrite()
	require.Equal(t, uint8(4), out[0]>>4, "without PI framing the write starts with the bare IP header")
}
