// Package stats renders the per-router counters described in
// spec.md §3/§8 for the optional shutdown report (spec.md §6).
package stats

import (
	"go.uber.org/zap"

	"github.com/ayourtch/network-simulator/topology"
)

// Report logs one structured line per router's final counters.
func Report(log *zap.Logger, snapshots []topology.Snapshot) {
	for _, s := range snapshots {
		log.Info("router counters",
			zap.String("router", string(s.ID)),
			zap.Uint64("received", s.Received),
			zap.Uint64("forwarded", s.Forwarded),
			zap.Uint64("dropped", s.Dropped),
			zap.Uint64("icmp_generated", s.ICMPGenerated),
		)
	}
}
