// Package fabric wires topology, routing, the link simulator and the
// forwarding engine together into the one immutable runtime value a
// multiplexer needs: built once at startup from a validated
// configuration, and read-only for the remainder of the process.
package fabric

import (
	"fmt"
	"strings"

	"github.com/ayourtch/network-simulator/config"
	"github.com/ayourtch/network-simulator/forward"
	"github.com/ayourtch/network-simulator/link"
	"github.com/ayourtch/network-simulator/routing"
	"github.com/ayourtch/network-simulator/topology"
)

// Fabric is the built-once runtime: graph, routing tables, link
// simulator random source, and the forwarding engine that ties them
// together.
type Fabric struct {
	Graph  *topology.Graph
	Tables routing.Tables
	Engine *forward.Engine

	IngressRouterA topology.RouterID
	IngressRouterB topology.RouterID
}

// Build constructs a Fabric from an already-validated Config. Callers
// must call Config.Validate and check its result before calling
// Build: Build itself re-derives the graph from scratch and will
// return an error on any structural problem, but it does not repeat
// every validation rule (e.g. it will happily build a graph from a
// config whose loss_percent is out of range, since that field never
// affects graph shape).
func Build(cfg *config.Config, seed *uint64) (*Fabric, error) {
	g := topology.NewGraph()
	for _, id := range cfg.Routers {
		if _, err := g.AddRouter(topology.RouterID(id)); err != nil {
			return nil, err
		}
	}

	for rawKey, entry := range cfg.Links {
		a, b, err := splitLinkKey(rawKey)
		if err != nil {
			return nil, err
		}
		params := topology.LinkParams{
			MTU:             uint32(entry.MTU.Bytes()),
			DelayMS:         entry.DelayMS,
			JitterMS:        entry.JitterMS,
			LossPercent:     entry.LossPercent,
			LoadBalance:     entry.LoadBalance,
			PerPacketSpread: entry.PerPacketSpread,
		}
		if _, err := g.AddLink(a, b, params); err != nil {
			return nil, err
		}
	}

	tables, err := routing.Compute(g)
	if err != nil {
		return nil, err
	}

	ingressA := topology.RouterID(cfg.TunIngress.TunAIngress)
	ingressB := topology.RouterID(cfg.TunIngress.TunBIngress)

	var src *link.Source
	switch {
	case seed != nil:
		src = link.NewSource(*seed)
	case cfg.Simulation.Seed != nil:
		src = link.NewSource(*cfg.Simulation.Seed)
	default:
		src = link.NewEntropySource()
	}

	ingress := map[topology.RouterID]topology.RouterID{
		topology.AnchorTunA: ingressA,
		topology.AnchorTunB: ingressB,
	}
	engine := forward.NewEngine(g, tables, src, ingress)

	return &Fabric{
		Graph:          g,
		Tables:         tables,
		Engine:         engine,
		IngressRouterA: ingressA,
		IngressRouterB: ingressB,
	}, nil
}

func splitLinkKey(raw string) (a, b topology.RouterID, err error) {
	lhs, rhs, found := strings.Cut(raw, "_")
	if !found || lhs == "" || rhs == "" {
		return "", "", fmt.Errorf("fabric: malformed link key %q, want A_B", raw)
	}
	return topology.RouterID(lhs), topology.RouterID(rhs), nil
}

// Snapshots returns a deterministic, sorted snapshot of every
// router's statistics, for the shutdown counters report.
func (f *Fabric) Snapshots() []topology.Snapshot {
	nodes := f.Graph.Nodes()
	out := make([]topology.Snapshot, 0, len(nodes))
	for _, id := range nodes {
		out = append(out, f.Graph.Router(id).Snapshot())
	}
	return out
}
