// Package topology holds the in-memory undirected multigraph of
// routers, terminal anchors and links that makes up a fabric, plus
// the deterministic address/identity bookkeeping routing and
// forwarding build on top of.
package topology

import (
	"fmt"
	"net/netip"
	"sort"
	"sync/atomic"
)

// LinkParams are the configured, immutable per-link parameters.
type LinkParams struct {
	MTU         uint32  // wire bytes, not including any TUN framing
	DelayMS     uint64  // base propagation delay
	JitterMS    uint64  // symmetric jitter, sampled delta in [-Jitter, +Jitter]
	LossPercent float64 // [0, 100]
	LoadBalance bool    // candidate for equal-cost spreading (see lbhash)

	// PerPacketSpread opts this link into the reserved per-packet
	// hash variant (spec.md §4.6): when every candidate link in a
	// selection shares this flag, the sum of those links' traversal
	// counters is mixed into the hash digest instead of using pure
	// flow affinity.
	// Disabled by default, since it reorders packets within a flow.
	PerPacketSpread bool
}

// Link is the runtime state of one undirected edge: its configured
// parameters plus the monotonic traversal counter used for hashing.
// The counter is atomic: Pass increments it, and per-packet hashing
// (when enabled) reads it; relaxed ordering is all either side needs.
type Link struct {
	Params LinkParams
	A, B   RouterID // the two endpoints, A < B lexicographically

	traversals atomic.Uint64
}

// Traversals returns the current traversal count. Safe for concurrent use.
func (l *Link) Traversals() uint64 { return l.traversals.Load() }

// RecordTraversal increments the traversal counter. Called only by
// the link simulator on a Pass decision.
func (l *Link) RecordTraversal() { l.traversals.Add(1) }

// RouterState is the per-router runtime state: identity, synthesised
// addresses, and the four statistics counters from spec.md §3/§8.
// Counters are atomic so that concurrently in-flight forwarding
// passes (each one may suspend mid-pass on a link delay) never race;
// spec.md's single-scheduler-thread model is realized here as
// goroutines coordinated by channels rather than one true OS thread,
// so the counters need the same relaxed-atomic treatment as the link
// traversal counter.
type RouterState struct {
	ID   RouterID
	IPv4 netip.Addr
	IPv6 netip.Addr

	Received       atomic.Uint64
	Forwarded      atomic.Uint64
	Dropped        atomic.Uint64
	ICMPGenerated  atomic.Uint64
}

// Snapshot is a point-in-time, non-atomic copy of a RouterState's counters.
type Snapshot struct {
	ID            RouterID
	Received      uint64
	Forwarded     uint64
	Dropped       uint64
	ICMPGenerated uint64
}

// Snapshot reads all four counters. Intended for shutdown reporting,
// not for hot-path decisions.
func (r *RouterState) Snapshot() Snapshot {
	return Snapshot{
		ID:            r.ID,
		Received:      r.Received.Load(),
		Forwarded:     r.Forwarded.Load(),
		Dropped:       r.Dropped.Load(),
		ICMPGenerated: r.ICMPGenerated.Load(),
	}
}

func edgeKey(a, b RouterID) (RouterID, RouterID) {
	if a > b {
		a, b = b, a
	}
	return a, b
}

// Graph is the undirected, node- and edge-labelled multigraph
// described in spec.md §2: routers plus the two terminal anchors as
// nodes, links as edges. Adjacency iteration is always returned in
// an order sorted by neighbour identity, which is what makes route
// computation reproducible across runs.
type Graph struct {
	routers   map[RouterID]*RouterState
	anchors   map[RouterID]struct{}
	adjacency map[RouterID][]RouterID
	links     map[[2]RouterID]*Link
}

// NewGraph returns an empty graph seeded with the two terminal anchors.
func NewGraph() *Graph {
	g := &Graph{
		routers:   make(map[RouterID]*RouterState),
		anchors:   map[RouterID]struct{}{AnchorTunA: {}, AnchorTunB: {}},
		adjacency: make(map[RouterID][]RouterID),
		links:     make(map[[2]RouterID]*Link),
	}
	g.adjacency[AnchorTunA] = nil
	g.adjacency[AnchorTunB] = nil
	return g
}

// AddRouter registers a router identity, synthesising its IPv4/IPv6
// addresses from its Rx/y coordinates. It is an error to add a
// router whose identity collides with a reserved anchor or fails the
// RouterID grammar.
func (g *Graph) AddRouter(id RouterID) (*RouterState, error) {
	if id == AnchorTunA || id == AnchorTunB {
		return nil, fmt.Errorf("topology: router id %q collides with a reserved anchor", id)
	}
	x, y, ok := ParseCoordinates(id)
	if !ok {
		return nil, fmt.Errorf("topology: router id %q does not match the Rx<n>y<n> grammar", id)
	}
	if _, exists := g.routers[id]; exists {
		return g.routers[id], nil
	}
	v4, err := SynthesizeIPv4(x, y)
	if err != nil {
		return nil, err
	}
	v6, err := SynthesizeIPv6(x, y)
	if err != nil {
		return nil, err
	}
	rs := &RouterState{ID: id, IPv4: v4, IPv6: v6}
	g.routers[id] = rs
	g.adjacency[id] = nil
	return rs, nil
}

// Router returns the runtime state for a router identity, or nil if
// it is not present (including when id names an anchor).
func (g *Graph) Router(id RouterID) *RouterState { return g.routers[id] }

// IsAnchor reports whether id is one of the two reserved terminal anchors.
func (g *Graph) IsAnchor(id RouterID) bool {
	_, ok := g.anchors[id]
	return ok
}

// HasNode reports whether id is a router or an anchor known to the graph.
func (g *Graph) HasNode(id RouterID) bool {
	if g.IsAnchor(id) {
		return true
	}
	_, ok := g.routers[id]
	return ok
}

// AddLink connects a and b (both must already be known nodes) with
// the given parameters. Declaring the same unordered pair twice is
// only permitted when the parameters are bit-identical; conflicting
// redeclaration is a validation error the caller (config) is
// expected to have already rejected, so AddLink reports it too.
func (g *Graph) AddLink(a, b RouterID, params LinkParams) (*Link, error) {
	if a == b {
		return nil, fmt.Errorf("topology: link endpoints must differ, got %q twice", a)
	}
	if !g.HasNode(a) {
		return nil, fmt.Errorf("topology: unknown link endpoint %q", a)
	}
	if !g.HasNode(b) {
		return nil, fmt.Errorf("topology: unknown link endpoint %q", b)
	}
	lo, hi := edgeKey(a, b)
	key := [2]RouterID{lo, hi}
	if existing, ok := g.links[key]; ok {
		if existing.Params != params {
			return nil, fmt.Errorf("topology: link %s-%s redeclared with different parameters", lo, hi)
		}
		return existing, nil
	}
	link := &Link{Params: params, A: lo, B: hi}
	g.links[key] = link
	g.adjacency[lo] = insertSorted(g.adjacency[lo], hi)
	g.adjacency[hi] = insertSorted(g.adjacency[hi], lo)
	return link, nil
}

func insertSorted(list []RouterID, id RouterID) []RouterID {
	i := sort.Search(len(list), func(i int) bool { return list[i] >= id })
	list = append(list, "")
	copy(list[i+1:], list[i:])
	list[i] = id
	return list
}

// Neighbours returns the neighbours of id in ascending lexicographic
// order. The returned slice must not be mutated by the caller.
func (g *Graph) Neighbours(id RouterID) []RouterID { return g.adjacency[id] }

// Link returns the edge between a and b, or nil if they are not directly linked.
func (g *Graph) Link(a, b RouterID) *Link {
	lo, hi := edgeKey(a, b)
	return g.links[[2]RouterID{lo, hi}]
}

// Nodes returns every router identity in the graph, sorted.
// Anchors are not included.
func (g *Graph) Nodes() []RouterID {
	ids := make([]RouterID, 0, len(g.routers))
	for id := range g.routers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Anchors returns the two terminal anchor identities, in a fixed order.
func (g *Graph) Anchors() [2]RouterID { return [2]RouterID{AnchorTunA, AnchorTunB} }

// AllNodes returns every node (routers and anchors), sorted.
func (g *Graph) AllNodes() []RouterID {
	ids := make([]RouterID, 0, len(g.routers)+2)
	for id := range g.adjacency {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Links returns every edge in the graph, in the fixed order produced
// by sorting on (A, B). Useful for deterministic statistics dumps.
func (g *Graph) Links() []*Link {
	links := make([]*Link, 0, len(g.links))
	for _, l := range g.links {
		links = append(links, l)
	}
	sort.Slice(links, func(i, j int) bool {
		if links[i].A != links[j].A {
			return links[i].A < links[j].A
		}
		return links[i].B < links[j].B
	})
	return links
}
