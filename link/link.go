// Package link implements the per-link simulator described in
// spec.md §4.3: given a link and an offered packet, decide whether it
// passes, is dropped for loss, or is rejected for exceeding the MTU.
package link

import (
	"math/rand/v2"
	"sync"

	"github.com/ayourtch/network-simulator/topology"
)

// Decision is the result of offering a packet to a link.
type Decision struct {
	Kind      Kind
	DelayMS   uint64 // valid when Kind == Pass
	RejectMTU uint32 // valid when Kind == DropMTUExceeded: the link's MTU
}

type Kind uint8

const (
	Pass Kind = iota
	DropLoss
	DropMTUExceeded
)

// Source is the single per-process pseudo-random stream the link
// simulator draws from. It must be safe for concurrent use since
// multiple forwarding passes may be in flight (and offering packets
// to possibly-different links) at once.
type Source struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewSource seeds a reproducible stream. With a fixed seed and a
// fixed input trace, the resulting sequence of Pass/Drop decisions
// and sampled delays is reproducible across runs.
func NewSource(seed uint64) *Source {
	return &Source{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// NewEntropySource seeds the stream from the host entropy source, for
// when the operator supplies no fixed seed.
func NewEntropySource() *Source {
	return NewSource(rand.Uint64())
}

func (s *Source) float64() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64()
}

func (s *Source) intRange(lo, hi int64) int64 {
	if lo >= hi {
		return lo
	}
	s.mu.Lock()
	n := s.rng.Int64N(hi-lo+1) + lo
	s.mu.Unlock()
	return n
}

// Offer evaluates l against a packet of the given wire length,
// following the fixed evaluation order from spec.md §4.3: MTU check
// first (so an oversize packet is diagnosed deterministically
// regardless of loss sampling), then loss sampling, then delay
// sampling. The traversal counter increments only on Pass.
func Offer(l *topology.Link, wireLen int, src *Source) Decision {
	mtu := l.Params.MTU
	if mtu != 0 && uint32(wireLen) > mtu {
		return Decision{Kind: DropMTUExceeded, RejectMTU: mtu}
	}
	if l.Params.LossPercent > 0 {
		roll := src.float64() * 100
		if roll < l.Params.LossPercent {
			return Decision{Kind: DropLoss}
		}
	}
	delay := sampleDelay(l.Params.DelayMS, l.Params.JitterMS, src)
	l.RecordTraversal()
	return Decision{Kind: Pass, DelayMS: delay}
}

func sampleDelay(base, jitter uint64, src *Source) uint64 {
	if jitter == 0 {
		return base
	}
	delta := src.intRange(-int64(jitter), int64(jitter))
	total := int64(base) + delta
	if total < 0 {
		return 0
	}
	return uint64(total)
}
