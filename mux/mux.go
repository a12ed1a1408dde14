// Package mux implements the ingress/egress multiplexer from
// spec.md §4.7: it waits concurrently on both TUN endpoints and an
// optional synthetic-traffic tick, strips/re-applies TUN framing, and
// drives every received packet through the forwarding engine.
package mux

import (
	"context"
	"encoding/binary"
	"io"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ayourtch/network-simulator/forward"
	"github.com/ayourtch/network-simulator/pkt"
	"github.com/ayourtch/network-simulator/topology"
)

// Endpoint is the bidirectional byte-stream boundary the core
// consumes — spec.md §1's "two bidirectional byte-stream endpoints
// (one per TUN)". Anything satisfying it (a real TUN device, a mock
// file-backed endpoint, a net.Conn in tests) can sit behind it.
type Endpoint interface {
	io.ReadWriteCloser
}

// SyntheticSource optionally supplies periodically-generated traffic
// in place of a TUN read. It returns the packet bytes, the router at
// which it enters the fabric, and the destination anchor it targets.
// A nil SyntheticSource (or Multiplexer.TickInterval == 0) disables
// the tick entirely.
type SyntheticSource func() (packet []byte, entry topology.RouterID, dest topology.RouterID, ok bool)

// Multiplexer wires two TUN endpoints and an optional synthetic
// source into the forwarding engine, per spec.md §4.7.
type Multiplexer struct {
	Engine *forward.Engine
	Log    *zap.Logger

	DeviceA, DeviceB   Endpoint
	NoPIA, NoPIB       bool
	IngressA, IngressB topology.RouterID

	TickInterval time.Duration
	Synthetic    SyntheticSource

	// MaxReadRetries bounds the backoff before a persistently failing
	// TUN endpoint is treated as fatal (spec.md §7: "on repeated
	// failure the process exits").
	MaxReadRetries uint
}

// Run drives the multiplexer until ctx is cancelled or either TUN
// endpoint fails permanently. It never blocks one source's progress
// on another: each received frame is handed to its own goroutine for
// parsing and forwarding, so A and B (and the synthetic tick)
// interleave freely.
func (m *Multiplexer) Run(ctx context.Context) error {
	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return m.readLoop(gctx, m.DeviceA, m.NoPIA, m.IngressA, topology.AnchorTunB, m.DeviceB, m.NoPIB)
	})
	group.Go(func() error {
		return m.readLoop(gctx, m.DeviceB, m.NoPIB, m.IngressB, topology.AnchorTunA, m.DeviceA, m.NoPIA)
	})
	if m.TickInterval > 0 && m.Synthetic != nil {
		group.Go(func() error {
			m.syntheticLoop(gctx)
			return nil
		})
	}

	// Closing both endpoints once gctx is done unblocks readers parked
	// in Read, so shutdown or a failure on one side ends the other.
	closed := make(chan struct{})
	go func() {
		<-gctx.Done()
		m.closeBoth()
		close(closed)
	}()

	err := group.Wait()
	<-closed
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (m *Multiplexer) closeBoth() {
	m.DeviceA.Close()
	m.DeviceB.Close()
}

func (m *Multiplexer) readLoop(ctx context.Context, src Endpoint, srcNoPI bool, entry, dest topology.RouterID, dst Endpoint, dstNoPI bool) error {
	buf := make([]byte, 65536)
	for {
		if ctx.Err() != nil {
			return nil
		}
		n, err := m.readWithBackoff(ctx, src, buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil // shutdown racing a read failure: not an error
			}
			return err
		}
		frame := append([]byte(nil), buf[:n]...)
		go m.handleFrame(ctx, frame, srcNoPI, entry, dest, dst, dstNoPI)
	}
}

// readWithBackoff retries a failing Read with exponential backoff,
// bounded by MaxReadRetries, before giving up. A single Read success
// resets the backoff immediately.
func (m *Multiplexer) readWithBackoff(ctx context.Context, src Endpoint, buf []byte) (int, error) {
	retry := backoff.ExponentialBackOff{
		InitialInterval:     backoff.DefaultInitialInterval,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         time.Second,
	}
	retry.Reset()

	var attempt uint
	for {
		n, err := src.Read(buf)
		if err == nil {
			return n, nil
		}
		attempt++
		if m.MaxReadRetries > 0 && attempt > m.MaxReadRetries {
			return 0, err
		}
		m.Log.Error("tun read failed, retrying", zap.Error(err), zap.Uint("attempt", attempt))
		select {
		case <-time.After(retry.NextBackOff()):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

func (m *Multiplexer) handleFrame(ctx context.Context, frame []byte, srcNoPI bool, entry, dest topology.RouterID, dst Endpoint, dstNoPI bool) {
	payload := frame
	if !srcNoPI {
		if len(frame) < 4 {
			m.Log.Debug("frame shorter than PI header, discarding")
			return
		}
		payload = frame[4:]
	}

	view, err := pkt.Parse(payload)
	if err != nil {
		m.Log.Debug("packet parse failed, discarding", zap.Error(err))
		return
	}

	out, ok := m.Engine.Forward(ctx, entry, view, dest)
	if !ok {
		return
	}

	framed := frameFor(out, dstNoPI)
	if _, err := dst.Write(framed); err != nil {
		m.Log.Error("tun write failed", zap.Error(err))
	}
}

// frameFor re-prepends the 4-byte ethertype PI header unless the
// destination device was opened with IFF_NO_PI.
func frameFor(ipPacket []byte, noPI bool) []byte {
	if noPI || len(ipPacket) == 0 {
		return ipPacket
	}
	ethertype := uint16(0x0800)
	if ipPacket[0]>>4 == 6 {
		ethertype = 0x86DD
	}
	out := make([]byte, 4+len(ipPacket))
	binary.BigEndian.PutUint16(out[2:4], ethertype)
	copy(out[4:], ipPacket)
	return out
}

func (m *Multiplexer) syntheticLoop(ctx context.Context) {
	ticker := time.NewTicker(m.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			packet, entry, dest, ok := m.Synthetic()
			if !ok {
				continue
			}
			go m.handleSynthetic(ctx, packet, entry, dest)
		}
	}
}

func (m *Multiplexer) handleSynthetic(ctx context.Context, packet []byte, entry, dest topology.RouterID) {
	view, err := pkt.Parse(packet)
	if err != nil {
		m.Log.Debug("synthetic packet parse failed, discarding", zap.Error(err))
		return
	}
	out, ok := m.Engine.Forward(ctx, entry, view, dest)
	if !ok {
		return
	}
	var dstDevice Endpoint
	var dstNoPI bool
	if dest == topology.AnchorTunB {
		dstDevice, dstNoPI = m.DeviceB, m.NoPIB
	} else {
		dstDevice, dstNoPI = m.DeviceA, m.NoPIA
	}
	framed := frameFor(out, dstNoPI)
	if _, err := dstDevice.Write(framed); err != nil {
		m.Log.Error("tun write failed for synthetic packet", zap.Error(err))
	}
}
