// Package routing runs the one-shot shortest-path precomputation
// described in spec.md §2/§4.2: a single-source pass rooted at each
// terminal anchor, inverted into per-router next-hop tables.
package routing

import (
	"container/heap"
	"fmt"
	"sort"

	"github.com/ayourtch/network-simulator/topology"
)

// Table holds, for one router, the ordered equal-cost next-hop list
// toward each of the two terminal anchors. Both lists are non-empty
// for every reachable router and contain only neighbours of that
// router; the ordering is lexicographic on neighbour identity.
type Table struct {
	ToTunA []topology.RouterID
	ToTunB []topology.RouterID
}

// SinglePath returns the lexicographically-smallest next hop toward
// anchor, i.e. the head of the equal-cost list. ok is false if the
// router has no route to that anchor.
func (t Table) SinglePath(anchor topology.RouterID) (hop topology.RouterID, ok bool) {
	list := t.list(anchor)
	if len(list) == 0 {
		return "", false
	}
	return list[0], true
}

// EqualCost returns the full equal-cost next-hop list toward anchor.
func (t Table) EqualCost(anchor topology.RouterID) []topology.RouterID {
	return t.list(anchor)
}

func (t Table) list(anchor topology.RouterID) []topology.RouterID {
	switch anchor {
	case topology.AnchorTunA:
		return t.ToTunA
	case topology.AnchorTunB:
		return t.ToTunB
	default:
		return nil
	}
}

// Tables is the full set of precomputed routing tables, one per
// router. It is built once at startup and is immutable thereafter.
type Tables map[topology.RouterID]Table

// Compute runs the shortest-path pass from each of the graph's two
// anchors and returns the resulting routing tables. It returns an
// error if any router is unreachable from either anchor: spec.md §4.2
// treats that as a configuration-validation failure, not an
// operational path, so Compute is expected to run only after
// validation has already rejected disconnected topologies — but it
// double-checks regardless, since a caller-supplied graph could
// bypass validation.
func Compute(g *topology.Graph) (Tables, error) {
	costsA, nextHopsA := shortestPathTree(g, topology.AnchorTunA)
	costsB, nextHopsB := shortestPathTree(g, topology.AnchorTunB)

	tables := make(Tables)
	for _, id := range g.Nodes() {
		toA, okA := nextHopsA[id]
		if !okA {
			return nil, fmt.Errorf("routing: router %q is unreachable from %s", id, topology.AnchorTunA)
		}
		toB, okB := nextHopsB[id]
		if !okB {
			return nil, fmt.Errorf("routing: router %q is unreachable from %s", id, topology.AnchorTunB)
		}
		tables[id] = Table{ToTunA: toA, ToTunB: toB}
	}
	_ = costsA
	_ = costsB
	return tables, nil
}

const infiniteCost = ^uint64(0)

// shortestPathTree runs Dijkstra's algorithm rooted at root with edge
// weight equal to the link's configured base delay, and returns the
// cost to every node plus, for every reachable router (anchors are
// not included), its equal-cost next-hop set (sorted lexicographically).
func shortestPathTree(g *topology.Graph, root topology.RouterID) (costs map[topology.RouterID]uint64, nextHops map[topology.RouterID][]topology.RouterID) {
	costs = make(map[topology.RouterID]uint64)
	for _, id := range g.AllNodes() {
		costs[id] = infiniteCost
	}
	costs[root] = 0

	pq := &priorityQueue{{id: root, cost: 0}}
	visited := make(map[topology.RouterID]bool)

	for pq.Len() > 0 {
		cur := heap.Pop(pq).(pqItem)
		if visited[cur.id] {
			continue
		}
		visited[cur.id] = true
		for _, nb := range g.Neighbours(cur.id) {
			link := g.Link(cur.id, nb)
			if link == nil {
				continue
			}
			cand := cur.cost + link.Params.DelayMS
			if cand < costs[nb] {
				costs[nb] = cand
				heap.Push(pq, pqItem{id: nb, cost: cand})
			}
		}
	}

	// Invert: for each node other than root, find the set of
	// neighbours N' such that cost(N') + weight(N,N') == cost(N).
	nextHops = make(map[topology.RouterID][]topology.RouterID)
	for _, id := range g.Nodes() {
		if id == root || costs[id] == infiniteCost {
			continue
		}
		var candidates []topology.RouterID
		for _, nb := range g.Neighbours(id) {
			if costs[nb] == infiniteCost {
				continue
			}
			link := g.Link(id, nb)
			if link == nil {
				continue
			}
			if costs[nb]+link.Params.DelayMS == costs[id] {
				candidates = append(candidates, nb)
			}
		}
		sort.Slice(candidates, func(i, j int) bool { return candidates[i] < candidates[j] })
		if len(candidates) > 0 {
			nextHops[id] = candidates
		}
	}
	return costs, nextHops
}

type pqItem struct {
	id   topology.RouterID
	cost uint64
}

type priorityQueue []pqItem

func (pq priorityQueue) Len() int { return len(pq) }
func (pq priorityQueue) Less(i, j int) bool {
	if pq[i].cost != pq[j].cost {
		return pq[i].cost < pq[j].cost
	}
	return pq[i].id < pq[j].id // deterministic tie-break in pop order
}
func (pq priorityQueue) Swap(i, j int) { pq[i], pq[j] = pq[j], pq[i] }
func (pq *priorityQueue) Push(x any)   { *pq = append(*pq, x.(pqItem)) }
func (pq *priorityQueue) Pop() any {
	old := *pq
	n := len(old)
	item := old[n-1]
	*pq = old[:n-1]
	return item
}
