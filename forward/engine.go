// Package forward implements the per-packet forwarding engine from
// spec.md §4.5: routing lookup, next-hop selection, TTL handling,
// link simulation, ICMP injection and loop termination, combined
// into one state machine per ingress event.
package forward

import (
	"context"
	"errors"
	"net/netip"
	"time"

	"github.com/ayourtch/network-simulator/icmp"
	"github.com/ayourtch/network-simulator/lbhash"
	"github.com/ayourtch/network-simulator/link"
	"github.com/ayourtch/network-simulator/pkt"
	"github.com/ayourtch/network-simulator/routing"
	"github.com/ayourtch/network-simulator/topology"
)

// ErrLinkAbsent signals the invariant-violation path from spec.md §7:
// a chosen next-hop has no link object backing it. This can only
// happen if the routing tables were built from a different graph than
// the one the engine forwards over, which is a programming or
// configuration error, not an operational one.
var ErrLinkAbsent = errors.New("forward: selected next-hop has no backing link")

// Engine ties the immutable graph, routing tables and link simulator
// together to run forwarding passes. It holds no mutable state of its
// own beyond what Graph/Tables/Source already own, so one Engine
// value can serve arbitrarily many concurrent forwarding passes.
type Engine struct {
	Graph         *topology.Graph
	Tables        routing.Tables
	RandSource    *link.Source
	IngressRouter map[topology.RouterID]topology.RouterID // anchor -> ingress router
	Sleep         func(ctx context.Context, d time.Duration) error
}

// NewEngine builds an Engine from its immutable dependencies. Sleep
// defaults to a context-aware real-time sleep; tests may override it
// to avoid wall-clock delays.
func NewEngine(g *topology.Graph, tables routing.Tables, src *link.Source, ingress map[topology.RouterID]topology.RouterID) *Engine {
	return &Engine{
		Graph:         g,
		Tables:        tables,
		RandSource:    src,
		IngressRouter: ingress,
		Sleep:         ctxSleep,
	}
}

func ctxSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func flip(dest topology.RouterID) topology.RouterID {
	if dest == topology.AnchorTunA {
		return topology.AnchorTunB
	}
	return topology.AnchorTunA
}

func addrForVersion(rs *topology.RouterState, version uint8) netip.Addr {
	if version == 4 {
		return rs.IPv4
	}
	return rs.IPv6
}

// Forward runs the per-hop loop described in spec.md §4.5 to
// completion, starting at entry with the already-parsed packet and
// heading toward dest. It returns the bytes to emit on the TUN of the
// anchor the packet finally reaches (dest, or the flipped anchor once
// an ICMP error has replaced the packet), or ok=false if the
// packet was silently consumed (loss, or context cancellation).
func (e *Engine) Forward(ctx context.Context, entry topology.RouterID, view pkt.View, dest topology.RouterID) (out []byte, ok bool) {
	current := entry
	for {
		select {
		case <-ctx.Done():
			return nil, false
		default:
		}

		rs := e.Graph.Router(current)
		if rs == nil {
			panic(ErrLinkAbsent) // unreachable if the caller validated entry/next hops against this graph
		}
		rs.Received.Add(1)

		if current == e.IngressRouter[dest] {
			return view.Raw, true
		}

		table := e.Tables[current]
		candidates := table.EqualCost(dest)
		if len(candidates) == 0 {
			newPkt := icmp.DestUnreachableFor(addrForVersion(rs, view.Version), &view)
			rs.ICMPGenerated.Add(1)
			view = mustReparse(newPkt)
			dest = flip(dest)
			continue
		}

		if err := view.DecrementTTL(); errors.Is(err, pkt.ErrTtlExhausted) {
			newPkt := icmp.TimeExceededFor(addrForVersion(rs, view.Version), &view)
			rs.ICMPGenerated.Add(1)
			view = mustReparse(newPkt)
			dest = flip(dest)
			continue
		}

		next := e.selectNextHop(current, dest, candidates, &view)
		linkObj := e.Graph.Link(current, next)
		if linkObj == nil {
			panic(ErrLinkAbsent)
		}

		decision := link.Offer(linkObj, len(view.Raw), e.RandSource)
		switch decision.Kind {
		case link.DropLoss:
			rs.Dropped.Add(1)
			return nil, false
		case link.DropMTUExceeded:
			newPkt := icmp.FragNeededFor(addrForVersion(rs, view.Version), &view, decision.RejectMTU)
			rs.ICMPGenerated.Add(1)
			view = mustReparse(newPkt)
			dest = flip(dest)
			continue
		case link.Pass:
			if err := e.Sleep(ctx, time.Duration(decision.DelayMS)*time.Millisecond); err != nil {
				return nil, false
			}
			rs.Forwarded.Add(1)
			current = next
			continue
		}
	}
}

// selectNextHop implements spec.md §4.6: reduce to load-balanced
// candidates if any exist, then pick one via the 5-tuple hash (or the
// reserved per-packet variant when every candidate link has opted
// into per-packet spreading).
func (e *Engine) selectNextHop(current, dest topology.RouterID, candidates []topology.RouterID, view *pkt.View) topology.RouterID {
	flagged := make([]topology.RouterID, 0, len(candidates))
	for _, nb := range candidates {
		if l := e.Graph.Link(current, nb); l != nil && l.Params.LoadBalance {
			flagged = append(flagged, nb)
		}
	}
	pool := candidates
	if len(flagged) > 0 {
		pool = flagged
	}
	if len(pool) == 1 {
		return pool[0]
	}

	key := lbhash.KeyOf(view)
	digest := lbhash.Digest(key)
	if allPerPacket(e.Graph, current, pool) {
		var mix uint64
		for _, nb := range pool {
			mix += e.Graph.Link(current, nb).Traversals()
		}
		digest = lbhash.PerPacketDigest(key, mix)
	}
	idx := lbhash.Select(digest, len(pool))
	return pool[idx]
}

func allPerPacket(g *topology.Graph, current topology.RouterID, pool []topology.RouterID) bool {
	for _, nb := range pool {
		l := g.Link(current, nb)
		if l == nil || !l.Params.PerPacketSpread {
			return false
		}
	}
	return true
}

func mustReparse(b []byte) pkt.View {
	v, err := pkt.Parse(b)
	if err != nil {
		panic("forward: synthesised packet failed to re-parse: " + err.Error())
	}
	return v
}
